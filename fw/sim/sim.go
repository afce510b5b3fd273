// Package sim is a simulated device. It answers interrogation from a
// fixed description and table-facility requests from an in-memory
// facility, optionally after a delay, so the firmware path can be
// exercised end to end without hardware.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/frobware/go-ufp"
	"github.com/frobware/go-ufp/fw"
	"github.com/frobware/go-ufp/portdb"
	"github.com/frobware/go-ufp/tf"
	"github.com/frobware/go-ufp/tf/memory"
)

// Config describes the simulated device.
type Config struct {
	Version  fw.VersionReply
	Features fw.Feature
	Ports    []portdb.Descriptor
	Tables   memory.Config
	// Latency delays every reply.
	Latency time.Duration
}

// DefaultPorts is a physical port, its PF, one VF and the VF's
// representor.
func DefaultPorts() []portdb.Descriptor {
	return []portdb.Descriptor{
		{LogicalID: 0, Type: portdb.PortTypePhy, SVIF: 0x10, Parif: 1, PhyPort: 0, Name: "phy0"},
		{LogicalID: 1, Type: portdb.PortTypePF, SVIF: 0x20, Parif: 2, VNIC: 0x100, FunctionID: 1, FunctionFID: 1, Name: "pf0"},
		{LogicalID: 2, Type: portdb.PortTypeVF, SVIF: 0x30, Parif: 3, VNIC: 0x200, FunctionID: 2, FunctionFID: 2, IsVF: true, Name: "pf0vf0"},
		{LogicalID: 3, Type: portdb.PortTypeVFRep, SVIF: 0x40, Parif: 2, VNIC: 0x100, FunctionID: 1, FunctionFID: 1,
			VFFunctionID: 2, IsVFR: true, PortIDMeta: 7, Name: "pf0vf0rep"},
	}
}

// DefaultConfig is a device with every feature and the default ports.
func DefaultConfig() Config {
	return Config{
		Version:  fw.VersionReply{Driver: "ufp-sim", DriverVersion: "1.0", Firmware: "sim-1.0"},
		Features: fw.FeatureFlowOffload | fw.FeatureVLANOffload | fw.FeatureVFRep | fw.FeatureCounters,
		Ports:    DefaultPorts(),
		Tables:   memory.DefaultConfig(),
	}
}

// Device is a simulated device. It implements fw.Handler.
type Device struct {
	cfg      Config
	facility *memory.Facility

	mu      sync.Mutex
	latency time.Duration
}

var _ fw.Handler = (*Device)(nil)

// New creates a device.
func New(cfg Config) *Device {
	return &Device{cfg: cfg, facility: memory.New(cfg.Tables), latency: cfg.Latency}
}

// Facility returns the facility backing the device tables.
func (d *Device) Facility() *memory.Facility { return d.facility }

// SetLatency changes the reply delay.
func (d *Device) SetLatency(l time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.latency = l
}

// Transport returns a loopback transport to the device.
func (d *Device) Transport() fw.Transport { return fw.NewLoopback(d) }

func (d *Device) wait(ctx context.Context) error {
	d.mu.Lock()
	l := d.latency
	d.mu.Unlock()
	if l <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(l)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handle implements fw.Handler. A request whose context ends during the
// simulated latency takes no effect.
func (d *Device) Handle(ctx context.Context, req fw.Request) (fw.Response, error) {
	if err := d.wait(ctx); err != nil {
		return nil, err
	}
	switch r := req.(type) {
	case fw.VersionQuery:
		return d.cfg.Version, nil
	case fw.FeatureQuery:
		return fw.FeatureReply{Features: d.cfg.Features}, nil
	case fw.PortQuery:
		return fw.PortReply{Ports: append([]portdb.Descriptor(nil), d.cfg.Ports...)}, nil
	case fw.TableRequest:
		return d.table(ctx, r)
	default:
		return nil, fmt.Errorf("request %s: %w", req.Name(), ufp.ErrInvalidArg)
	}
}

func (d *Device) table(ctx context.Context, r fw.TableRequest) (fw.Response, error) {
	f := d.facility
	var (
		idx  uint32
		h    uint64
		data []byte
		err  error
	)
	switch r.Op {
	case fw.TableAllocIdent:
		idx, err = f.AllocIdent(ctx, r.Dir, tf.IdentType(r.Type))
	case fw.TableFreeIdent:
		err = f.FreeIdent(ctx, r.Dir, tf.IdentType(r.Type), uint32(r.Index))
	case fw.TableAllocEntry:
		idx, err = f.AllocTblEntry(ctx, r.Dir, tf.TableType(r.Type))
	case fw.TableSetEntry:
		err = f.SetTblEntry(ctx, r.Dir, tf.TableType(r.Type), uint32(r.Index), r.Data)
	case fw.TableGetEntry:
		data, err = f.GetTblEntry(ctx, r.Dir, tf.TableType(r.Type), uint32(r.Index))
	case fw.TableFreeEntry:
		err = f.FreeTblEntry(ctx, r.Dir, tf.TableType(r.Type), uint32(r.Index))
	case fw.TableAllocTCAM:
		idx, err = f.AllocTCAM(ctx, tf.TCAMEntry{
			Dir: r.Dir, Type: tf.TCAMType(r.Type), Priority: r.Priority,
			Key: r.Key, Mask: r.Mask, Result: r.Data,
		})
	case fw.TableFreeTCAM:
		err = f.FreeTCAM(ctx, r.Dir, tf.TCAMType(r.Type), uint32(r.Index))
	case fw.TableInsertEM:
		h, err = f.InsertEM(ctx, tf.EMEntry{Dir: r.Dir, Type: tf.EMType(r.Type), Key: r.Key, Result: r.Data})
	case fw.TableDeleteEM:
		err = f.DeleteEM(ctx, r.Dir, tf.EMType(r.Type), r.Index)
	case fw.TableSetIf:
		err = f.SetIfTbl(ctx, r.Dir, tf.IfTableType(r.Type), uint32(r.Index), r.Data)
	case fw.TableGetIf:
		data, err = f.GetIfTbl(ctx, r.Dir, tf.IfTableType(r.Type), uint32(r.Index))
	case fw.TableSetGlobal:
		err = f.SetGlobalCfg(ctx, tf.GlobalCfg{
			Dir: r.Dir, Type: r.Type, Offset: r.Offset, Value: r.Data, Mask: r.Mask,
		})
	case fw.TableAllocScope:
		idx, err = f.AllocTblScope(ctx, r.Scope)
	case fw.TableFreeScope:
		err = f.FreeTblScope(ctx, uint32(r.Index))
	default:
		err = fmt.Errorf("table op %d: %w", r.Op, ufp.ErrInvalidArg)
	}
	if err != nil {
		return nil, err
	}
	if h == 0 {
		h = uint64(idx)
	}
	return fw.TableReply{Index: h, Data: data}, nil
}
