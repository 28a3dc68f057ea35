package iosys

import (
	"context"

	"go.uber.org/zap"

	"github.com/dreamware/pario/internal/backend"
	"github.com/dreamware/pario/internal/comm"
	"github.com/dreamware/pario/internal/pioerr"
)

// CheckBackend applies the error policy to a backend status observed for a
// file of type iotype.
//
// Under InternalError a non-zero status becomes a *pioerr.FatalError. Under
// BcastError every process of Union must call CheckBackend, with its own
// status, and all of them return the same code. Under ReturnError the status
// goes back to the caller untouched.
func (d *Desc) CheckBackend(ctx context.Context, iotype backend.IOType, status int, op string) error {
	if !iotype.Valid() {
		return d.record(pioerr.Newf(pioerr.EBADIOTYPE, op, "%s", iotype))
	}

	switch d.ErrorHandler() {
	case InternalError:
		if status == pioerr.NoErr {
			return nil
		}
		if d.IOMaster || !d.IOProc {
			d.Logger.Error("backend failure, aborting",
				zap.String("op", op), zap.Stringer("iotype", iotype), zap.Int("status", status))
		}
		return d.record(pioerr.Fatal(status, pioerr.Strerror(status), pioerr.Backend(status, op)))

	case BcastError:
		agreed, err := comm.AgreeStatus(ctx, d.Union, status)
		if err != nil {
			return d.record(pioerr.Transport(op, err))
		}
		status = agreed
	}

	if status == pioerr.NoErr {
		return nil
	}
	return d.record(pioerr.Backend(status, op))
}

// CheckTransport classifies a failed communication call. When the failure
// happened on behalf of a file (iotype valid) the abort policy is honored;
// otherwise, and under the other policies, the caller gets an EIO transport
// error. No further collective is attempted since peers may be gone.
func (d *Desc) CheckTransport(op string, iotype backend.IOType, err error) error {
	if err == nil {
		return nil
	}
	d.Logger.Error("transport failure", zap.String("op", op), zap.Error(err))
	if iotype.Valid() && d.ErrorHandler() == InternalError {
		return d.record(pioerr.Fatal(pioerr.EIO, "transport failure in "+op, err))
	}
	return d.record(pioerr.Transport(op, err))
}

func (d *Desc) record(err error) error {
	d.Metrics.Error(pioerr.Classify(err).String())
	return err
}
