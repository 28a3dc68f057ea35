// Package decomp owns decomposition descriptors: how a distributed array is
// split across compute tasks, which contiguous regions each task holds, and the
// per-peer exchange state used to move data between compute and I/O layouts.
//
// A descriptor owns every resource hanging off it. Release frees them in a fixed
// order and tolerates a descriptor whose construction stopped part way.
package decomp

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"github.com/dreamware/pario/internal/arena"
	"github.com/dreamware/pario/internal/comm"
	"github.com/dreamware/pario/internal/config"
	"github.com/dreamware/pario/internal/iosys"
	"github.com/dreamware/pario/internal/pioerr"
	"github.com/dreamware/pario/internal/region"
)

// Desc is one decomposition as seen by the local process.
type Desc struct {
	// ID is -1 until the descriptor is added to a Registry.
	ID         int
	NDims      int
	BaseType   BaseType
	Rearranger iosys.Rearranger

	// LLen is the local element count; MaxBytes its size in bytes.
	LLen     int64
	MaxBytes int64
	// MaxIOBufLen is the element count of the I/O buffer on I/O tasks.
	MaxIOBufLen int64
	// HoleGridSize counts local positions with no global data.
	HoleGridSize int64
	// MaxRegions equals FirstRegion.Len() once BuildRegions has run.
	MaxRegions int

	FirstRegion *region.List
	FillRegion  *region.List

	// Exchange state, nil until Plan has run.
	SCount []int
	RCount []int
	SIndex []int64
	RIndex []int64
	RFrom  []int
	// STypes and RTypes hold one layout per peer; a nil entry means the peer
	// exchanges nothing.
	STypes    []Layout
	RTypes    []Layout
	NumSTypes int
	NRecvs    int

	// SubsetComm groups an I/O task with the compute tasks it serves. It only
	// exists for RearrSubset.
	SubsetComm comm.Comm

	Handshake   bool
	ISend       bool
	MaxRequests int

	arena *arena.Arena
}

// New returns a descriptor with its first region preallocated and every
// exchange field empty. Allocation is charged to a.
func New(a *arena.Arena, bt BaseType, ndims int, swapm config.Swapm) (*Desc, error) {
	if ndims < 0 {
		return nil, pioerr.Newf(pioerr.EINVAL, "decomp", "negative dimension count %d", ndims)
	}
	if !bt.Valid() {
		bt = Int
	}
	d := &Desc{
		ID:          -1,
		NDims:       ndims,
		BaseType:    bt,
		MaxRegions:  1,
		FirstRegion: region.NewList(a),
		Handshake:   swapm.Handshake,
		ISend:       swapm.ISend,
		MaxRequests: swapm.NReqs,
		arena:       a,
	}
	if _, err := d.FirstRegion.Add(ndims); err != nil {
		return nil, d.memError(int64(2*ndims*8), err)
	}
	return d, nil
}

func (d *Desc) memError(requested int64, err error) error {
	if errors.Is(err, arena.ErrExhausted) {
		return pioerr.MemError(requested, d.arena.Report())
	}
	return err
}

// Release frees every owned resource: index arrays, live layouts, count
// arrays, region lists and the subset communicator. Fields are cleared as they
// are freed so calling Release again is harmless.
func (d *Desc) Release() error {
	var err error

	arena.Release(d.arena, d.RFrom)
	d.RFrom = nil
	arena.Release(d.arena, d.SIndex)
	d.SIndex = nil
	arena.Release(d.arena, d.RIndex)
	d.RIndex = nil

	for i := 0; i < d.NRecvs && i < len(d.RTypes); i++ {
		if d.RTypes[i] != nil {
			err = multierr.Append(err, d.RTypes[i].Free())
		}
	}
	d.RTypes = nil
	d.NRecvs = 0
	for i := 0; i < d.NumSTypes && i < len(d.STypes); i++ {
		if d.STypes[i] != nil {
			err = multierr.Append(err, d.STypes[i].Free())
		}
	}
	d.STypes = nil
	d.NumSTypes = 0

	arena.Release(d.arena, d.SCount)
	d.SCount = nil
	arena.Release(d.arena, d.RCount)
	d.RCount = nil

	d.FirstRegion.Free()
	d.FillRegion.Free()
	d.MaxRegions = 0

	if d.Rearranger == iosys.RearrSubset && d.SubsetComm != nil {
		err = multierr.Append(err, d.SubsetComm.Free())
	}
	d.SubsetComm = nil
	return err
}

// BuildRegions fills the region lists from compmap, the 1-based global index
// of every local element in row-major order. A zero entry is a hole and lands
// in FillRegion. Consecutive indices form one region, cut at the end of each
// row of the last dimension.
func (d *Desc) BuildRegions(gdims []int64, compmap []int64) error {
	if len(gdims) != d.NDims {
		return pioerr.Newf(pioerr.EINVAL, "decomp", "%d global dimensions for a %d-d decomposition", len(gdims), d.NDims)
	}
	total := int64(1)
	for i, g := range gdims {
		if g <= 0 {
			return pioerr.Newf(pioerr.EINVAL, "decomp", "dimension %d has length %d", i, g)
		}
		total *= g
	}
	for i, g := range compmap {
		if g < 0 || g > total {
			return pioerr.Newf(pioerr.EINVAL, "decomp", "map entry %d is %d, outside [0, %d]", i, g, total)
		}
	}

	d.LLen = int64(len(compmap))
	d.MaxBytes = d.LLen * int64(d.BaseType.Size())
	d.HoleGridSize = 0
	d.FillRegion.Free()
	d.FillRegion = region.NewList(d.arena)

	rowLen := int64(1)
	if d.NDims > 0 {
		rowLen = gdims[d.NDims-1]
	}

	used := 0
	next := func() (*region.Region, error) {
		used++
		if used <= d.FirstRegion.Len() {
			return d.FirstRegion.At(used - 1), nil
		}
		r, err := d.FirstRegion.Add(d.NDims)
		if err != nil {
			return nil, d.memError(int64(2*d.NDims*8), err)
		}
		return r, nil
	}

	for i := 0; i < len(compmap); {
		j := i + 1
		if compmap[i] == 0 {
			for j < len(compmap) && compmap[j] == 0 {
				j++
			}
			r, err := d.FillRegion.Add(d.NDims)
			if err != nil {
				return d.memError(int64(2*d.NDims*8), err)
			}
			setRun(r, nil, int64(i), int64(j-i))
			d.HoleGridSize += int64(j - i)
			i = j
			continue
		}
		g := compmap[i] - 1
		rowEnd := (g/rowLen + 1) * rowLen
		for j < len(compmap) && compmap[j] == compmap[j-1]+1 && compmap[j]-1 < rowEnd {
			j++
		}
		r, err := next()
		if err != nil {
			return err
		}
		setRun(r, unravel(g, gdims), int64(i), int64(j-i))
		i = j
	}

	// drop regions left over from the preallocation or an earlier build
	d.FirstRegion.Truncate(used)
	d.MaxRegions = used
	return nil
}

// setRun describes a run of n elements along the last dimension.
func setRun(r *region.Region, start []int64, loffset, n int64) {
	r.LOffset = loffset
	nd := r.NDims()
	for k := 0; k < nd; k++ {
		r.Start[k] = 0
		r.Count[k] = 1
		if start != nil {
			r.Start[k] = start[k]
		}
	}
	if nd > 0 {
		r.Count[nd-1] = n
	}
}

// unravel converts a 0-based row-major linear index into coordinates.
func unravel(g int64, gdims []int64) []int64 {
	coord := make([]int64, len(gdims))
	for k := len(gdims) - 1; k >= 0; k-- {
		coord[k] = g % gdims[k]
		g /= gdims[k]
	}
	return coord
}

func (d *Desc) String() string {
	return fmt.Sprintf("decomp %d: %d-d %s, llen %d, %d regions, %d holes",
		d.ID, d.NDims, d.BaseType, d.LLen, d.MaxRegions, d.HoleGridSize)
}
