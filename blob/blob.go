// Package blob packs key, mask and result fields at bit granularity.
//
// Field values are handed in as big-endian byte strings; only the low
// width bits are used. A BigEndian blob places each field most
// significant bit first, starting at the most significant bit of byte
// 0. A Host blob places each field least significant bit first,
// starting at the least significant bit of byte 0.
package blob

import (
	"encoding/binary"
	"fmt"
)

// ByteOrder selects how fields are laid out in a blob.
type ByteOrder uint8

const (
	// Host is little-endian, LSB-first packing.
	Host ByteOrder = iota
	// BigEndian is MSB-first packing.
	BigEndian
)

func (o ByteOrder) String() string {
	if o == BigEndian {
		return "big-endian"
	}
	return "host"
}

// Blob is a fixed-size bit buffer with a write cursor.
type Blob struct {
	order ByteOrder
	size  int
	pos   int
	data  []byte
}

// New returns a zeroed blob of bits bits.
func New(bits int, order ByteOrder) *Blob {
	return &Blob{
		order: order,
		size:  bits,
		data:  make([]byte, (bits+7)/8),
	}
}

// FromBytes wraps existing blob contents for reading.
func FromBytes(data []byte, order ByteOrder) *Blob {
	return &Blob{order: order, size: len(data) * 8, data: data}
}

// Order returns the blob's byte order.
func (b *Blob) Order() ByteOrder { return b.order }

// Size returns the capacity in bits.
func (b *Blob) Size() int { return b.size }

// Len returns the number of bits pushed so far.
func (b *Blob) Len() int { return b.pos }

// Bytes returns the blob contents.
func (b *Blob) Bytes() []byte { return b.data }

// Push appends the low width bits of val.
func (b *Blob) Push(val []byte, width int) error {
	if width < 0 || b.pos+width > b.size {
		return fmt.Errorf("blob: push %d bits at %d overflows %d", width, b.pos, b.size)
	}
	for i := 0; i < width; i++ {
		var bit bool
		if b.order == BigEndian {
			bit = valBit(val, width-1-i)
		} else {
			bit = valBit(val, i)
		}
		b.set(b.pos+i, bit)
	}
	b.pos += width
	return nil
}

// PushUint appends the low width bits of v.
func (b *Blob) PushUint(v uint64, width int) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return b.Push(buf[:], width)
}

// Pad advances the cursor by width zero bits.
func (b *Blob) Pad(width int) error {
	if b.pos+width > b.size {
		return fmt.Errorf("blob: pad %d bits at %d overflows %d", width, b.pos, b.size)
	}
	b.pos += width
	return nil
}

// Field extracts width bits starting at bit offset and returns them as
// a big-endian byte string of (width+7)/8 bytes.
func (b *Blob) Field(offset, width int) ([]byte, error) {
	if offset < 0 || width < 0 || offset+width > b.size {
		return nil, fmt.Errorf("blob: field %d+%d outside %d bits", offset, width, b.size)
	}
	out := make([]byte, (width+7)/8)
	for i := 0; i < width; i++ {
		bit := b.get(offset + i)
		if !bit {
			continue
		}
		var k int
		if b.order == BigEndian {
			k = width - 1 - i
		} else {
			k = i
		}
		out[len(out)-1-k/8] |= 1 << uint(k%8)
	}
	return out, nil
}

// Uint extracts up to 64 bits starting at offset.
func (b *Blob) Uint(offset, width int) (uint64, error) {
	if width > 64 {
		return 0, fmt.Errorf("blob: %d bits do not fit a uint64", width)
	}
	f, err := b.Field(offset, width)
	if err != nil {
		return 0, err
	}
	return ToUint(f), nil
}

// ToUint interprets the last 8 bytes of a big-endian byte string.
func ToUint(be []byte) uint64 {
	var v uint64
	if len(be) > 8 {
		be = be[len(be)-8:]
	}
	for _, c := range be {
		v = v<<8 | uint64(c)
	}
	return v
}

// FromUint returns v as a big-endian byte string wide enough for width
// bits.
func FromUint(v uint64, width int) []byte {
	n := (width + 7) / 8
	out := make([]byte, n)
	for i := n - 1; i >= 0 && v != 0; i-- {
		out[i] = byte(v)
		v >>= 8
	}
	return out
}

func (b *Blob) set(p int, bit bool) {
	if !bit {
		return
	}
	if b.order == BigEndian {
		b.data[p/8] |= 0x80 >> uint(p%8)
	} else {
		b.data[p/8] |= 1 << uint(p%8)
	}
}

func (b *Blob) get(p int) bool {
	if b.order == BigEndian {
		return b.data[p/8]&(0x80>>uint(p%8)) != 0
	}
	return b.data[p/8]&(1<<uint(p%8)) != 0
}

// valBit returns bit i, counted from the least significant bit, of a
// big-endian byte string.
func valBit(val []byte, i int) bool {
	idx := len(val) - 1 - i/8
	if idx < 0 {
		return false
	}
	return val[idx]&(1<<uint(i%8)) != 0
}
