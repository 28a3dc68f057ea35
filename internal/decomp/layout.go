package decomp

import (
	"errors"
	"fmt"
)

// BaseType is the element type of a decomposed array.
type BaseType int

const (
	Char   BaseType = 2
	Int    BaseType = 4
	Real   BaseType = 5
	Double BaseType = 6
)

// Size returns the element size in bytes. Unknown types are treated as Int.
func (b BaseType) Size() int {
	switch b {
	case Char:
		return 1
	case Double:
		return 8
	}
	return 4
}

func (b BaseType) String() string {
	switch b {
	case Char:
		return "char"
	case Int:
		return "int"
	case Real:
		return "real"
	case Double:
		return "double"
	}
	return fmt.Sprintf("basetype(%d)", int(b))
}

// Valid reports whether b is a supported element type.
func (b BaseType) Valid() bool {
	return b == Char || b == Int || b == Real || b == Double
}

// Layout describes which elements of a buffer make up one message to or from a
// peer. A nil Layout stands for a peer with nothing to exchange.
type Layout interface {
	Pack(src []byte) ([]byte, error)
	Unpack(dst, msg []byte) error
	Free() error
}

// ErrLayoutFreed is returned when a layout is used or freed after Free.
var ErrLayoutFreed = errors.New("layout already freed")

// IndexedLayout selects elements at the given element positions.
type IndexedLayout struct {
	Disp  []int64
	Elem  int
	freed bool
}

// NewIndexedLayout creates a layout of elements elem bytes wide.
func NewIndexedLayout(disp []int64, elem int) *IndexedLayout {
	return &IndexedLayout{Disp: disp, Elem: elem}
}

// Len returns the number of elements in one message.
func (l *IndexedLayout) Len() int {
	return len(l.Disp)
}

// Pack gathers the selected elements of src into a new message.
func (l *IndexedLayout) Pack(src []byte) ([]byte, error) {
	if l.freed {
		return nil, ErrLayoutFreed
	}
	msg := make([]byte, len(l.Disp)*l.Elem)
	for i, d := range l.Disp {
		off := int(d) * l.Elem
		if off < 0 || off+l.Elem > len(src) {
			return nil, fmt.Errorf("layout: element %d outside buffer of %d bytes", d, len(src))
		}
		copy(msg[i*l.Elem:], src[off:off+l.Elem])
	}
	return msg, nil
}

// Unpack scatters msg into the selected elements of dst.
func (l *IndexedLayout) Unpack(dst, msg []byte) error {
	if l.freed {
		return ErrLayoutFreed
	}
	if len(msg) != len(l.Disp)*l.Elem {
		return fmt.Errorf("layout: message of %d bytes, want %d", len(msg), len(l.Disp)*l.Elem)
	}
	for i, d := range l.Disp {
		off := int(d) * l.Elem
		if off < 0 || off+l.Elem > len(dst) {
			return fmt.Errorf("layout: element %d outside buffer of %d bytes", d, len(dst))
		}
		copy(dst[off:off+l.Elem], msg[i*l.Elem:])
	}
	return nil
}

// Free invalidates the layout. A second Free reports ErrLayoutFreed.
func (l *IndexedLayout) Free() error {
	if l.freed {
		return ErrLayoutFreed
	}
	l.freed = true
	l.Disp = nil
	return nil
}
