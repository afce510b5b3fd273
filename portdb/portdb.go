// Package portdb resolves logical port handles and function ids to the
// hardware addressing context (SVIF, PARIF, VNIC) used to build keys
// and results.
package portdb

import (
	"fmt"
	"sort"
	"sync"

	"github.com/frobware/go-ufp"
)

// PortType classifies a logical port.
type PortType uint8

const (
	PortTypePhy PortType = iota
	PortTypePF
	PortTypeVF
	PortTypeVFRep
)

func (t PortType) String() string {
	switch t {
	case PortTypePhy:
		return "phy"
	case PortTypePF:
		return "pf"
	case PortTypeVF:
		return "vf"
	case PortTypeVFRep:
		return "vfrep"
	default:
		return fmt.Sprintf("PortType(%d)", uint8(t))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t PortType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *PortType) UnmarshalText(b []byte) error {
	for v := PortTypePhy; v <= PortTypeVFRep; v++ {
		if v.String() == string(b) {
			*t = v
			return nil
		}
	}
	return fmt.Errorf("unknown port type %q: %w", b, ufp.ErrInvalidArg)
}

// Descriptor is the addressing context of one logical port.
type Descriptor struct {
	LogicalID uint16        `json:"logical_id"`
	Type      PortType      `json:"type"`
	SVIF      uint16        `json:"svif"`
	Parif     uint16        `json:"parif"`
	VNIC      uint16        `json:"vnic"`
	Direction ufp.Direction `json:"direction"`
	// FunctionID is the internal id of the function owning the port.
	FunctionID uint16 `json:"function_id"`
	// FunctionFID is the caller-facing fid of that function.
	FunctionFID uint16 `json:"function_fid"`
	// PhyPort is the physical port number the port is attached to.
	PhyPort uint8 `json:"phy_port"`
	// VFFunctionID is, for a VF representor, the function id of the
	// represented VF.
	VFFunctionID uint16 `json:"vf_function_id,omitempty"`
	IsVF         bool   `json:"is_vf,omitempty"`
	IsVFR        bool   `json:"is_vfr,omitempty"`
	PortIDMeta   uint16 `json:"port_id_meta,omitempty"`
	Name         string `json:"name,omitempty"`
}

// Field selects a computed value.
type Field uint8

const (
	// PortSVIF is the port's own SVIF.
	PortSVIF Field = iota
	PortParif
	PortVNIC
	PhyPortSVIF
	PhyPortParif
	DrvFuncSVIF
	DrvFuncParif
	DrvFuncVNIC
	VFFuncSVIF
	VFFuncVNIC
	MatchPortIsVFRep
	PortIDMeta
	numFields
)

var fieldNames = [numFields]string{
	PortSVIF:         "PORT_SVIF",
	PortParif:        "PORT_PARIF",
	PortVNIC:         "PORT_VNIC",
	PhyPortSVIF:      "PHY_PORT_SVIF",
	PhyPortParif:     "PHY_PORT_PARIF",
	DrvFuncSVIF:      "DRV_FUNC_SVIF",
	DrvFuncParif:     "DRV_FUNC_PARIF",
	DrvFuncVNIC:      "DRV_FUNC_VNIC",
	VFFuncSVIF:       "VF_FUNC_SVIF",
	VFFuncVNIC:       "VF_FUNC_VNIC",
	MatchPortIsVFRep: "MATCH_PORT_IS_VFREP",
	PortIDMeta:       "PORT_ID_META",
}

func (f Field) String() string {
	if f < numFields {
		return fieldNames[f]
	}
	return fmt.Sprintf("Field(%d)", uint8(f))
}

type function struct {
	svif, parif, vnic uint16
	port              uint16
}

// DB is the port database. Reads may run concurrently; updates take
// the write lock.
type DB struct {
	mu        sync.RWMutex
	ports     []*Descriptor
	functions map[uint16]function
	fids      map[uint16]uint16
	phys      map[uint8]uint16
}

// New creates a database with room for numPorts logical ports.
func New(numPorts int) (*DB, error) {
	if numPorts <= 0 || numPorts > 1<<16 {
		return nil, fmt.Errorf("port table size %d: %w", numPorts, ufp.ErrInvalidArg)
	}
	return &DB{
		ports:     make([]*Descriptor, numPorts),
		functions: make(map[uint16]function),
		fids:      make(map[uint16]uint16),
		phys:      make(map[uint8]uint16),
	}, nil
}

// Size returns the number of port slots.
func (db *DB) Size() int { return len(db.ports) }

// Update populates or replaces the entry for d.LogicalID.
func (db *DB) Update(d Descriptor) error {
	if int(d.LogicalID) >= len(db.ports) {
		return fmt.Errorf("logical port %d outside table of %d: %w", d.LogicalID, len(db.ports), ufp.ErrInvalidArg)
	}
	if !d.Direction.Valid() {
		return fmt.Errorf("logical port %d: direction %d: %w", d.LogicalID, d.Direction, ufp.ErrInvalidArg)
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	if old := db.ports[d.LogicalID]; old != nil {
		db.forget(old)
	}
	nd := d
	db.ports[d.LogicalID] = &nd
	switch d.Type {
	case PortTypePhy:
		db.phys[d.PhyPort] = d.LogicalID
	case PortTypePF, PortTypeVF:
		db.functions[d.FunctionID] = function{svif: d.SVIF, parif: d.Parif, vnic: d.VNIC, port: d.LogicalID}
		db.fids[d.FunctionFID] = d.FunctionID
	}
	return nil
}

func (db *DB) forget(old *Descriptor) {
	switch old.Type {
	case PortTypePhy:
		if db.phys[old.PhyPort] == old.LogicalID {
			delete(db.phys, old.PhyPort)
		}
	case PortTypePF, PortTypeVF:
		if f, ok := db.functions[old.FunctionID]; ok && f.port == old.LogicalID {
			delete(db.functions, old.FunctionID)
			delete(db.fids, old.FunctionFID)
		}
	}
}

// Get returns the descriptor of a logical port.
func (db *DB) Get(logicalID uint16) (Descriptor, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	d, err := db.get(logicalID)
	if err != nil {
		return Descriptor{}, err
	}
	return *d, nil
}

func (db *DB) get(logicalID uint16) (*Descriptor, error) {
	if int(logicalID) >= len(db.ports) || db.ports[logicalID] == nil {
		return nil, ufp.ErrUnknownPort{Port: logicalID}
	}
	return db.ports[logicalID], nil
}

// FuncIDGet maps a caller function fid to the internal function id.
func (db *DB) FuncIDGet(funcFID uint16) (uint16, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	id, ok := db.fids[funcFID]
	if !ok {
		return 0, ufp.ErrUnknownPort{Port: funcFID}
	}
	return id, nil
}

// ComputedFieldGet resolves field for a logical port. Function-scoped
// fields are resolved through the function owning the port (DRV_FUNC)
// or the VF it represents (VF_FUNC).
func (db *DB) ComputedFieldGet(logicalID uint16, field Field) (uint64, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	d, err := db.get(logicalID)
	if err != nil {
		return 0, err
	}
	switch field {
	case PortSVIF:
		return uint64(d.SVIF), nil
	case PortParif:
		return uint64(d.Parif), nil
	case PortVNIC:
		return uint64(d.VNIC), nil
	case PhyPortSVIF, PhyPortParif:
		phy := d
		if d.Type != PortTypePhy {
			id, ok := db.phys[d.PhyPort]
			if !ok {
				return 0, ufp.ErrUnknownPort{Port: uint16(d.PhyPort)}
			}
			phy = db.ports[id]
		}
		if field == PhyPortSVIF {
			return uint64(phy.SVIF), nil
		}
		return uint64(phy.Parif), nil
	case DrvFuncSVIF, DrvFuncParif, DrvFuncVNIC:
		f, ok := db.functions[d.FunctionID]
		if !ok {
			return 0, ufp.ErrUnknownPort{Port: d.FunctionID}
		}
		switch field {
		case DrvFuncSVIF:
			return uint64(f.svif), nil
		case DrvFuncParif:
			return uint64(f.parif), nil
		default:
			return uint64(f.vnic), nil
		}
	case VFFuncSVIF, VFFuncVNIC:
		if !d.IsVFR {
			return 0, fmt.Errorf("port %d is not a VF representor: %w", logicalID, ufp.ErrInvalidArg)
		}
		f, ok := db.functions[d.VFFunctionID]
		if !ok {
			return 0, ufp.ErrUnknownPort{Port: d.VFFunctionID}
		}
		if field == VFFuncSVIF {
			return uint64(f.svif), nil
		}
		return uint64(f.vnic), nil
	case MatchPortIsVFRep:
		if d.IsVFR {
			return 1, nil
		}
		return 0, nil
	case PortIDMeta:
		return uint64(d.PortIDMeta), nil
	default:
		return 0, fmt.Errorf("computed field %d: %w", field, ufp.ErrInvalidArg)
	}
}

// Ports returns every populated descriptor ordered by logical id.
func (db *DB) Ports() []Descriptor {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var out []Descriptor
	for _, d := range db.ports {
		if d != nil {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LogicalID < out[j].LogicalID })
	return out
}
