package comm

import (
	"context"
	"encoding/binary"
	"fmt"
)

// Internal tags are negative so they never collide with caller tags.
const (
	tagBcast = -(iota + 1)
	tagGather
	tagAllgather
	tagBarrier
	tagInterBcast
)

// Bcast sends data from root to every member. Every member returns the root's data.
func Bcast(ctx context.Context, c Comm, root int, data []byte) ([]byte, error) {
	if c.Rank() != root {
		return c.Recv(ctx, root, tagBcast)
	}
	for r := 0; r < c.Size(); r++ {
		if r == root {
			continue
		}
		if err := c.Send(ctx, r, tagBcast, data); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// Gather collects data from every member at root in rank order. Non-root
// members get a nil result.
func Gather(ctx context.Context, c Comm, root int, data []byte) ([][]byte, error) {
	if c.Rank() != root {
		return nil, c.Send(ctx, root, tagGather, data)
	}
	out := make([][]byte, c.Size())
	for r := range out {
		if r == root {
			out[r] = data
			continue
		}
		d, err := c.Recv(ctx, r, tagGather)
		if err != nil {
			return nil, err
		}
		out[r] = d
	}
	return out, nil
}

// Allgather gives every member the data of every member in rank order.
func Allgather(ctx context.Context, c Comm, data []byte) ([][]byte, error) {
	for r := 0; r < c.Size(); r++ {
		if r == c.Rank() {
			continue
		}
		if err := c.Send(ctx, r, tagAllgather, data); err != nil {
			return nil, err
		}
	}
	out := make([][]byte, c.Size())
	for r := range out {
		if r == c.Rank() {
			out[r] = data
			continue
		}
		d, err := c.Recv(ctx, r, tagAllgather)
		if err != nil {
			return nil, err
		}
		out[r] = d
	}
	return out, nil
}

// Barrier returns once every member has entered it.
func Barrier(ctx context.Context, c Comm) error {
	if c.Rank() != 0 {
		if err := c.Send(ctx, 0, tagBarrier, nil); err != nil {
			return err
		}
		_, err := c.Recv(ctx, 0, tagBarrier)
		return err
	}
	for r := 1; r < c.Size(); r++ {
		if _, err := c.Recv(ctx, r, tagBarrier); err != nil {
			return err
		}
	}
	for r := 1; r < c.Size(); r++ {
		if err := c.Send(ctx, r, tagBarrier, nil); err != nil {
			return err
		}
	}
	return nil
}

// AgreeStatus makes every member return the same status: the first non-zero
// status in rank order, or zero when every member succeeded.
func AgreeStatus(ctx context.Context, c Comm, status int) (int, error) {
	all, err := Gather(ctx, c, 0, EncodeInts([]int{status}))
	if err != nil {
		return status, err
	}
	agreed := 0
	if c.Rank() == 0 {
		for _, d := range all {
			v, err := DecodeInts(d)
			if err != nil {
				return status, err
			}
			if len(v) == 1 && v[0] != 0 {
				agreed = v[0]
				break
			}
		}
	}
	return BcastInt(ctx, c, 0, agreed)
}

// EncodeInts packs vals as little-endian 64-bit integers.
func EncodeInts(vals []int) []byte {
	buf := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(buf[8*i:], uint64(int64(v)))
	}
	return buf
}

// DecodeInts is the inverse of EncodeInts.
func DecodeInts(buf []byte) ([]int, error) {
	if len(buf)%8 != 0 {
		return nil, fmt.Errorf("comm: integer payload of %d bytes", len(buf))
	}
	vals := make([]int, len(buf)/8)
	for i := range vals {
		vals[i] = int(int64(binary.LittleEndian.Uint64(buf[8*i:])))
	}
	return vals, nil
}

// EncodeInt64s packs offsets as little-endian 64-bit integers.
func EncodeInt64s(vals []int64) []byte {
	buf := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(buf[8*i:], uint64(v))
	}
	return buf
}

// DecodeInt64s is the inverse of EncodeInt64s.
func DecodeInt64s(buf []byte) ([]int64, error) {
	if len(buf)%8 != 0 {
		return nil, fmt.Errorf("comm: offset payload of %d bytes", len(buf))
	}
	vals := make([]int64, len(buf)/8)
	for i := range vals {
		vals[i] = int64(binary.LittleEndian.Uint64(buf[8*i:]))
	}
	return vals, nil
}

// BcastInts broadcasts vals from root.
func BcastInts(ctx context.Context, c Comm, root int, vals []int) ([]int, error) {
	data, err := Bcast(ctx, c, root, EncodeInts(vals))
	if err != nil {
		return vals, err
	}
	return DecodeInts(data)
}

// BcastInt broadcasts one integer from root.
func BcastInt(ctx context.Context, c Comm, root, v int) (int, error) {
	vals, err := BcastInts(ctx, c, root, []int{v})
	if err != nil {
		return v, err
	}
	if len(vals) != 1 {
		return v, fmt.Errorf("comm: expected 1 integer, got %d", len(vals))
	}
	return vals[0], nil
}

// BcastInt64s broadcasts offsets from root.
func BcastInt64s(ctx context.Context, c Comm, root int, vals []int64) ([]int64, error) {
	data, err := Bcast(ctx, c, root, EncodeInt64s(vals))
	if err != nil {
		return vals, err
	}
	return DecodeInt64s(data)
}

// AllgatherInts gathers an integer vector from every member.
func AllgatherInts(ctx context.Context, c Comm, vals []int) ([][]int, error) {
	all, err := Allgather(ctx, c, EncodeInts(vals))
	if err != nil {
		return nil, err
	}
	out := make([][]int, len(all))
	for i, d := range all {
		if out[i], err = DecodeInts(d); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// SendInts sends an integer vector to dst.
func SendInts(ctx context.Context, c Comm, dst, tag int, vals []int) error {
	return c.Send(ctx, dst, tag, EncodeInts(vals))
}

// RecvInts receives an integer vector from src.
func RecvInts(ctx context.Context, c Comm, src, tag int) ([]int, error) {
	data, err := c.Recv(ctx, src, tag)
	if err != nil {
		return nil, err
	}
	return DecodeInts(data)
}

// SendInt64s sends offsets to dst.
func SendInt64s(ctx context.Context, c Comm, dst, tag int, vals []int64) error {
	return c.Send(ctx, dst, tag, EncodeInt64s(vals))
}

// RecvInt64s receives offsets from src.
func RecvInt64s(ctx context.Context, c Comm, src, tag int) ([]int64, error) {
	data, err := c.Recv(ctx, src, tag)
	if err != nil {
		return nil, err
	}
	return DecodeInt64s(data)
}
