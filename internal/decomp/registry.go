package decomp

import (
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/dreamware/pario/internal/pioerr"
	"github.com/dreamware/pario/internal/registry"
)

// FirstID is the id handed to the first decomposition of a process.
const FirstID = 512

// Registry maps decomposition ids to live descriptors. Ids are never reused.
type Registry struct {
	descs *registry.Registry[*Desc]
	next  *atomic.Int64
}

func NewRegistry() *Registry {
	return &Registry{descs: registry.New[*Desc](), next: atomic.NewInt64(FirstID)}
}

// Add assigns d the next id and registers it.
func (r *Registry) Add(d *Desc) int {
	id := int(r.next.Inc() - 1)
	d.ID = id
	r.descs.Insert(id, d)
	return id
}

// Get returns the descriptor registered under id.
func (r *Registry) Get(id int) (*Desc, error) {
	d, ok := r.descs.Get(id)
	if !ok {
		return nil, pioerr.Newf(pioerr.EBADID, "decomp", "no decomposition %d", id)
	}
	return d, nil
}

// Destroy unregisters id and releases its descriptor. An unknown or already
// destroyed id is EBADID.
func (r *Registry) Destroy(id int) error {
	d, ok := r.descs.Remove(id)
	if !ok {
		return pioerr.Newf(pioerr.EBADID, "freedecomp", "no decomposition %d", id)
	}
	if err := d.Release(); err != nil {
		return pioerr.Wrap(pioerr.EIO, "freedecomp", err)
	}
	return nil
}

// Len returns the number of live descriptors.
func (r *Registry) Len() int {
	return r.descs.Len()
}

// Drain releases every live descriptor.
func (r *Registry) Drain() error {
	var err error
	for _, d := range r.descs.Drain() {
		err = multierr.Append(err, d.Release())
	}
	return err
}
