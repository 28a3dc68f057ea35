package decomp

import (
	"context"

	"github.com/dreamware/pario/internal/arena"
	"github.com/dreamware/pario/internal/comm"
	"github.com/dreamware/pario/internal/iosys"
	"github.com/dreamware/pario/internal/pioerr"
)

const (
	tagPlan   = 3
	tagGather = 4
)

// Plan computes the exchange state between compute and I/O tasks. It is
// collective over ios.Union: compute tasks pass the compmap BuildRegions was
// given, I/O-only tasks pass nil.
//
// With RearrBox the global array is cut into NumIOTasks contiguous blocks and
// each element goes to the task owning its block. With RearrSubset every
// compute task sends all its elements to one I/O task, and SubsetComm joins
// each I/O task with the compute tasks it serves.
func (d *Desc) Plan(ctx context.Context, ios *iosys.Desc, gdims, compmap []int64) error {
	total := int64(1)
	for _, g := range gdims {
		total *= g
	}

	if d.Rearranger == iosys.RearrSubset {
		sc, err := ios.Union.Split(ctx, subsetOf(ios), ios.Union.Rank())
		if err != nil {
			return pioerr.Transport("decomp plan", err)
		}
		d.SubsetComm = sc
	}

	if ios.CompRank >= 0 {
		if err := d.planSends(ctx, ios, total, compmap); err != nil {
			return err
		}
	}
	if ios.IOProc {
		return d.planRecvs(ctx, ios, total)
	}
	return nil
}

// subsetOf returns the I/O task index that serves the calling process.
func subsetOf(ios *iosys.Desc) int {
	if ios.IOProc {
		return ios.IORank
	}
	return ios.CompRank * ios.NumIOTasks / ios.NumCompTasks
}

// blockStart returns the first 0-based global index owned by I/O task k.
func blockStart(k, nio int, total int64) int64 {
	return (int64(k)*total + int64(nio) - 1) / int64(nio)
}

func (d *Desc) owner(ios *iosys.Desc, g, total int64) int {
	if d.Rearranger == iosys.RearrSubset {
		return subsetOf(ios)
	}
	return int(g * int64(ios.NumIOTasks) / total)
}

func (d *Desc) planSends(ctx context.Context, ios *iosys.Desc, total int64, compmap []int64) error {
	nio := ios.NumIOTasks
	counts, err := arena.Alloc[int](d.arena, nio)
	if err != nil {
		return d.memError(int64(nio*8), err)
	}
	d.SCount = counts

	dest := make([]int, len(compmap))
	sent := 0
	for i, g := range compmap {
		if g == 0 {
			dest[i] = -1
			continue
		}
		dest[i] = d.owner(ios, g-1, total)
		counts[dest[i]]++
		sent++
	}

	sindex, err := arena.Alloc[int64](d.arena, sent)
	if err != nil {
		return d.memError(int64(sent*8), err)
	}
	d.SIndex = sindex

	offsets := make([]int, nio+1)
	for k := 0; k < nio; k++ {
		offsets[k+1] = offsets[k] + counts[k]
	}
	pos := append([]int(nil), offsets[:nio]...)
	for i, k := range dest {
		if k < 0 {
			continue
		}
		sindex[pos[k]] = int64(i)
		pos[k]++
	}

	d.STypes = make([]Layout, nio)
	d.NumSTypes = nio
	elem := d.BaseType.Size()
	for k := 0; k < nio; k++ {
		seg := sindex[offsets[k]:offsets[k+1]]
		if len(seg) > 0 {
			d.STypes[k] = NewIndexedLayout(seg, elem)
		}
		global := make([]int64, len(seg))
		for n, i := range seg {
			global[n] = compmap[i]
		}
		if err := comm.SendInt64s(ctx, ios.Union, ios.IORanks[k], tagPlan, global); err != nil {
			return pioerr.Transport("decomp plan", err)
		}
	}
	return nil
}

func (d *Desc) planRecvs(ctx context.Context, ios *iosys.Desc, total int64) error {
	ncomp := ios.NumCompTasks
	rcount, err := arena.Alloc[int](d.arena, ncomp)
	if err != nil {
		return d.memError(int64(ncomp*8), err)
	}
	d.RCount = rcount

	lists := make([][]int64, ncomp)
	var from []int
	received := 0
	for j := 0; j < ncomp; j++ {
		if lists[j], err = comm.RecvInt64s(ctx, ios.Union, ios.CompRanks[j], tagPlan); err != nil {
			return pioerr.Transport("decomp plan", err)
		}
		rcount[j] = len(lists[j])
		if rcount[j] > 0 {
			from = append(from, j)
			received += rcount[j]
		}
	}

	if d.RFrom, err = arena.Alloc[int](d.arena, len(from)); err != nil {
		return d.memError(int64(len(from)*8), err)
	}
	copy(d.RFrom, from)
	if d.RIndex, err = arena.Alloc[int64](d.arena, received); err != nil {
		return d.memError(int64(received*8), err)
	}

	lo := blockStart(ios.IORank, ios.NumIOTasks, total)
	hi := blockStart(ios.IORank+1, ios.NumIOTasks, total)
	if d.Rearranger == iosys.RearrSubset {
		d.MaxIOBufLen = int64(received)
	} else {
		d.MaxIOBufLen = hi - lo
	}

	d.RTypes = make([]Layout, len(from))
	d.NRecvs = len(from)
	elem := d.BaseType.Size()
	off := 0
	for i, j := range from {
		seg := d.RIndex[off : off+rcount[j]]
		for n, g := range lists[j] {
			if d.Rearranger == iosys.RearrSubset {
				seg[n] = int64(off + n)
				continue
			}
			if g-1 < lo || g-1 >= hi {
				return pioerr.Newf(pioerr.EINVAL, "decomp plan", "element %d sent to the wrong I/O task", g)
			}
			seg[n] = g - 1 - lo
		}
		d.RTypes[i] = NewIndexedLayout(seg, elem)
		off += rcount[j]
	}
	return nil
}

// Gather moves the local data of every compute task into the I/O buffers. It
// is collective over ios.Union and requires Plan. I/O tasks get their buffer of
// MaxIOBufLen elements; everyone else gets nil.
func (d *Desc) Gather(ctx context.Context, ios *iosys.Desc, local []byte) ([]byte, error) {
	elem := int64(d.BaseType.Size())
	if ios.CompRank >= 0 {
		if int64(len(local)) != d.LLen*elem {
			return nil, pioerr.Newf(pioerr.EINVAL, "gather", "buffer of %d bytes for %d elements", len(local), d.LLen)
		}
		for k := 0; k < d.NumSTypes; k++ {
			if d.STypes[k] == nil {
				continue
			}
			msg, err := d.STypes[k].Pack(local)
			if err != nil {
				return nil, err
			}
			if err := ios.Union.Send(ctx, ios.IORanks[k], tagGather, msg); err != nil {
				return nil, pioerr.Transport("gather", err)
			}
		}
	}
	if !ios.IOProc {
		return nil, nil
	}

	buf := make([]byte, d.MaxIOBufLen*elem)
	for i, j := range d.RFrom {
		msg, err := ios.Union.Recv(ctx, ios.CompRanks[j], tagGather)
		if err != nil {
			return nil, pioerr.Transport("gather", err)
		}
		if err := d.RTypes[i].Unpack(buf, msg); err != nil {
			return nil, err
		}
	}
	return buf, nil
}
