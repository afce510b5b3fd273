package gentbl

import (
	"fmt"
	"sort"

	"github.com/frobware/go-ufp"
	"github.com/frobware/go-ufp/blob"
)

// ID names a generic table. Each ID exists once per direction.
type ID uint16

const (
	// TableL2CntxtCache caches L2 context allocations by
	// (svif, dmac, vlan tag count).
	TableL2CntxtCache ID = 1
	// TableProfileCache caches profile TCAM allocations by match
	// pattern.
	TableProfileCache ID = 2
	// TableFlowCache caches exact-match entries by full match key and
	// carries the flow signature used for conflict detection.
	TableFlowCache ID = 3
	// TableKeyRecipe interns key layouts.
	TableKeyRecipe ID = 4
	// TablePortDefault is direct-indexed by logical port and guards
	// against a second default flow on a port.
	TablePortDefault ID = 5
)

var idNames = map[ID]string{
	TableL2CntxtCache: "l2_cntxt_cache",
	TableProfileCache: "profile_cache",
	TableFlowCache:    "flow_cache",
	TableKeyRecipe:    "key_recipe",
	TablePortDefault:  "port_default",
}

func (id ID) String() string {
	if n, ok := idNames[id]; ok {
		return n
	}
	return fmt.Sprintf("table(%d)", uint16(id))
}

// ParseID returns the table named s.
func ParseID(s string) (ID, error) {
	for id, n := range idNames {
		if n == s {
			return id, nil
		}
	}
	return 0, fmt.Errorf("unknown generic table %q: %w", s, ufp.ErrInvalidArg)
}

// Descriptor declares one table in one direction.
type Descriptor struct {
	ID        ID
	Direction ufp.Direction
	Params    Params
}

// DefaultDescriptors returns the static table set for both directions.
func DefaultDescriptors() []Descriptor {
	var out []Descriptor
	for _, dir := range []ufp.Direction{ufp.DirRX, ufp.DirTX} {
		out = append(out,
			Descriptor{ID: TableL2CntxtCache, Direction: dir, Params: Params{
				LookupType: LookupHash, NumEntries: 1024, KeyBytes: 10, PartialKeyBytes: 2,
				ResultBytes: 8, NumBuckets: 256, BucketWidth: 8, ByteOrder: blob.BigEndian,
			}},
			Descriptor{ID: TableProfileCache, Direction: dir, Params: Params{
				LookupType: LookupHash, NumEntries: 256, KeyBytes: 24, PartialKeyBytes: 4,
				ResultBytes: 8, NumBuckets: 64, BucketWidth: 8, ByteOrder: blob.BigEndian,
			}},
			Descriptor{ID: TableFlowCache, Direction: dir, Params: Params{
				LookupType: LookupHash, NumEntries: 8192, KeyBytes: 64, PartialKeyBytes: 4,
				ResultBytes: 16, NumBuckets: 2048, BucketWidth: 8, ByteOrder: blob.BigEndian,
			}},
			Descriptor{ID: TableKeyRecipe, Direction: dir, Params: Params{
				LookupType: LookupHash, NumEntries: 64, KeyBytes: 128, PartialKeyBytes: 4,
				ResultBytes: 2, NumBuckets: 16, BucketWidth: 4, ByteOrder: blob.BigEndian,
			}},
			Descriptor{ID: TablePortDefault, Direction: dir, Params: Params{
				LookupType: LookupIndex, NumEntries: 256, KeyBytes: 2,
				ResultBytes: 4, ByteOrder: blob.BigEndian,
			}},
		)
	}
	return out
}

type setKey struct {
	dir ufp.Direction
	id  ID
}

// Set is the registry of generic tables of one context.
type Set struct {
	tables map[setKey]*Table
}

// NewSet creates every described table.
func NewSet(descs []Descriptor) (*Set, error) {
	s := &Set{tables: make(map[setKey]*Table, len(descs))}
	for _, d := range descs {
		k := setKey{d.Direction, d.ID}
		if _, dup := s.tables[k]; dup {
			return nil, fmt.Errorf("generic table %s/%s declared twice: %w", d.Direction, d.ID, ufp.ErrInvalidArg)
		}
		p := d.Params
		if p.Name == "" {
			p.Name = fmt.Sprintf("%s/%s", d.Direction, d.ID)
		}
		t, err := New(p)
		if err != nil {
			return nil, err
		}
		s.tables[k] = t
	}
	return s, nil
}

// Table returns the table for (dir, id).
func (s *Set) Table(dir ufp.Direction, id ID) (*Table, error) {
	t, ok := s.tables[setKey{dir, id}]
	if !ok {
		return nil, fmt.Errorf("generic table %s/%s: %w", dir, id, ufp.ErrNotFound)
	}
	return t, nil
}

// Each calls fn for every table ordered by direction then id.
func (s *Set) Each(fn func(dir ufp.Direction, id ID, t *Table)) {
	keys := make([]setKey, 0, len(s.tables))
	for k := range s.tables {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].dir != keys[j].dir {
			return keys[i].dir < keys[j].dir
		}
		return keys[i].id < keys[j].id
	})
	for _, k := range keys {
		fn(k.dir, k.id, s.tables[k])
	}
}
