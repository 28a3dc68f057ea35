package comm

import (
	"context"
	"fmt"
)

// Root and ProcNull select the sending side of an intercommunicator broadcast.
// The process originating the data passes Root, the other members of its
// group pass ProcNull, and the receiving group passes the root's index in
// the remote group.
const (
	Root     = -1
	ProcNull = -2
)

// Intercomm connects two disjoint groups of one union communicator.
type Intercomm struct {
	union  Comm
	local  []int
	remote []int
	rank   int
}

// NewIntercomm duplicates union and records both groups as union ranks. Every
// member of union must call it; local and remote are swapped between the two
// groups.
func NewIntercomm(ctx context.Context, union Comm, local, remote []int) (*Intercomm, error) {
	rank := -1
	for i, r := range local {
		if r == union.Rank() {
			rank = i
		}
	}
	if rank < 0 {
		return nil, fmt.Errorf("intercomm: union rank %d not in local group", union.Rank())
	}
	dup, err := union.Dup(ctx)
	if err != nil {
		return nil, err
	}
	return &Intercomm{
		union:  dup,
		local:  append([]int(nil), local...),
		remote: append([]int(nil), remote...),
		rank:   rank,
	}, nil
}

// Rank returns the caller's index in its local group.
func (ic *Intercomm) Rank() int {
	return ic.rank
}

// Bcast moves data from one process to every member of the other group.
func (ic *Intercomm) Bcast(ctx context.Context, root int, data []byte) ([]byte, error) {
	switch {
	case root == ProcNull:
		return data, nil
	case root == Root:
		for _, r := range ic.remote {
			if err := ic.union.Send(ctx, r, tagInterBcast, data); err != nil {
				return nil, err
			}
		}
		return data, nil
	case root >= 0 && root < len(ic.remote):
		return ic.union.Recv(ctx, ic.remote[root], tagInterBcast)
	}
	return nil, fmt.Errorf("intercomm: invalid root %d", root)
}

// Free releases the duplicated union communicator.
func (ic *Intercomm) Free() error {
	return ic.union.Free()
}
