// Package keyrecipe interns key layouts into small per-direction
// recipe ids so flows sharing a layout share one hardware key
// definition.
//
// A recipe is stored in a generic hash table whose key is the
// canonical encoding of the layout and whose slot number is the recipe
// id. Reference counting is the table's.
package keyrecipe

import (
	"encoding/binary"
	"fmt"

	"github.com/frobware/go-ufp"
	"github.com/frobware/go-ufp/gentbl"
)

// Field is one element of a key layout.
type Field struct {
	// Selector identifies the field source (source kind and operand).
	Selector uint16
	// Offset is the bit offset of the field in the key.
	Offset uint16
	// Width is the field width in bits.
	Width uint16
}

const fieldBytes = 6

// Recipe is an interned layout.
type Recipe struct {
	ID         uint16
	LayoutHash uint64
	Fields     []Field
	RefCount   uint32
}

// Store interns layouts for both directions.
type Store struct {
	tables *gentbl.Set
}

// New returns a store over the TableKeyRecipe tables of set.
func New(set *gentbl.Set) (*Store, error) {
	for _, dir := range []ufp.Direction{ufp.DirRX, ufp.DirTX} {
		if _, err := set.Table(dir, gentbl.TableKeyRecipe); err != nil {
			return nil, fmt.Errorf("key recipe store: %w", err)
		}
	}
	return &Store{tables: set}, nil
}

// Encode returns the canonical byte encoding of a layout.
func Encode(fields []Field) []byte {
	b := make([]byte, 0, len(fields)*fieldBytes)
	for _, f := range fields {
		b = binary.BigEndian.AppendUint16(b, f.Selector)
		b = binary.BigEndian.AppendUint16(b, f.Offset)
		b = binary.BigEndian.AppendUint16(b, f.Width)
	}
	return b
}

func decode(b []byte) []Field {
	out := make([]Field, 0, len(b)/fieldBytes)
	for len(b) >= fieldBytes {
		out = append(out, Field{
			Selector: binary.BigEndian.Uint16(b[0:]),
			Offset:   binary.BigEndian.Uint16(b[2:]),
			Width:    binary.BigEndian.Uint16(b[4:]),
		})
		b = b[fieldBytes:]
	}
	return out
}

func (s *Store) table(dir ufp.Direction) (*gentbl.Table, error) {
	return s.tables.Table(dir, gentbl.TableKeyRecipe)
}

// Intern returns the recipe id for fields, creating it on first use and
// taking a reference either way. It also returns the key fingerprint to
// record with the reference.
func (s *Store) Intern(dir ufp.Direction, fields []Field) (id uint16, fingerprint uint64, err error) {
	if len(fields) == 0 {
		return 0, 0, fmt.Errorf("empty key layout: %w", ufp.ErrInvalidArg)
	}
	t, err := s.table(dir)
	if err != nil {
		return 0, 0, err
	}
	key := Encode(fields)
	slot, _, err := t.Write(key, nil, gentbl.WriteOpts{})
	if err != nil {
		return 0, 0, err
	}
	return uint16(slot), gentbl.Fingerprint(key), nil
}

// Release drops one reference on a recipe.
func (s *Store) Release(dir ufp.Direction, id uint16) error {
	t, err := s.table(dir)
	if err != nil {
		return err
	}
	_, err = t.RefDec(uint32(id))
	return err
}

// Lookup returns an in-use recipe.
func (s *Store) Lookup(dir ufp.Direction, id uint16) (Recipe, error) {
	t, err := s.table(dir)
	if err != nil {
		return Recipe{}, err
	}
	e, ok := t.Entry(uint32(id))
	if !ok || !e.InUse {
		return Recipe{}, fmt.Errorf("key recipe %s/%d: %w", dir, id, ufp.ErrNotFound)
	}
	return Recipe{
		ID:         id,
		LayoutHash: gentbl.Fingerprint(e.Key),
		Fields:     decode(e.Key),
		RefCount:   e.RefCount,
	}, nil
}

// RefCount returns the number of references held on a recipe, zero if
// it is not in use.
func (s *Store) RefCount(dir ufp.Direction, id uint16) (uint32, error) {
	t, err := s.table(dir)
	if err != nil {
		return 0, err
	}
	e, ok := t.Entry(uint32(id))
	if !ok || !e.InUse {
		return 0, nil
	}
	return e.RefCount, nil
}
