// Package host answers device interrogation from the Linux view of a
// physical function netdev: driver and firmware versions and offload
// features from ethtool, VFs from netlink and VF representors from
// sriovnet. Table requests are passed to an optional delegate since the
// kernel exposes no table facility.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/k8snetworkplumbingwg/sriovnet"
	"github.com/safchain/ethtool"
	"github.com/vishvananda/netlink"

	"github.com/frobware/go-ufp"
	"github.com/frobware/go-ufp/fw"
	"github.com/frobware/go-ufp/logging"
	"github.com/frobware/go-ufp/portdb"
)

// Link is the part of a netdev the transport reads.
type Link struct {
	Name  string
	Index int
	// VFs are the VF indexes configured on the device.
	VFs []int
}

// DriverInfo is the ethtool driver description.
type DriverInfo struct {
	Driver    string
	Version   string
	FwVersion string
	BusInfo   string
}

// System is the host interface the transport queries.
type System interface {
	Link(name string) (Link, error)
	DriverInfo(name string) (DriverInfo, error)
	Features(name string) (map[string]bool, error)
	// Representor returns the netdev representing VF vf of uplink.
	Representor(uplink string, vf int) (string, error)
	Close()
}

type linux struct {
	et *ethtool.Ethtool
}

// Linux returns the System backed by netlink, ethtool and sriovnet.
func Linux() (System, error) {
	et, err := ethtool.NewEthtool()
	if err != nil {
		return nil, fmt.Errorf("ethtool: %w", err)
	}
	return &linux{et: et}, nil
}

func (l *linux) Link(name string) (Link, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		var nf netlink.LinkNotFoundError
		if errors.As(err, &nf) {
			return Link{}, fmt.Errorf("netdev %s: %w", name, ufp.ErrNotFound)
		}
		return Link{}, fmt.Errorf("netdev %s: %w", name, err)
	}
	a := link.Attrs()
	out := Link{Name: a.Name, Index: a.Index}
	for _, vf := range a.Vfs {
		out.VFs = append(out.VFs, vf.ID)
	}
	return out, nil
}

func (l *linux) DriverInfo(name string) (DriverInfo, error) {
	di, err := l.et.DriverInfo(name)
	if err != nil {
		return DriverInfo{}, err
	}
	return DriverInfo{Driver: di.Driver, Version: di.Version, FwVersion: di.FwVersion, BusInfo: di.BusInfo}, nil
}

func (l *linux) Features(name string) (map[string]bool, error) {
	return l.et.Features(name)
}

func (l *linux) Representor(uplink string, vf int) (string, error) {
	return sriovnet.GetVfRepresentor(uplink, vf)
}

func (l *linux) Close() { l.et.Close() }

// PCIAddress returns the PCI address of a netdev.
func PCIAddress(netdev string) (string, error) {
	return sriovnet.GetPciFromNetDevice(netdev)
}

// Transport is a fw.Transport for one physical function.
type Transport struct {
	sys    System
	netdev string
	tables fw.Handler
	logger *slog.Logger
}

var _ fw.Transport = (*Transport)(nil)

// New returns a transport interrogating netdev through sys. tables, if
// non-nil, answers table requests.
func New(sys System, netdev string, tables fw.Handler, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Transport{
		sys:    sys,
		netdev: netdev,
		tables: tables,
		logger: logger.With(logging.ComponentKey, "fw", "netdev", netdev),
	}
}

// Close releases the system handles.
func (t *Transport) Close() { t.sys.Close() }

// RoundTrip implements fw.Transport. Host queries do not block on the
// device, so ctx is only checked on entry.
func (t *Transport) RoundTrip(ctx context.Context, req fw.Request) (fw.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch r := req.(type) {
	case fw.VersionQuery:
		return t.version()
	case fw.FeatureQuery:
		return t.features()
	case fw.PortQuery:
		return t.ports(ctx)
	case fw.TableRequest:
		if t.tables == nil {
			return nil, fmt.Errorf("%s: no table facility on host transport: %w", r.Name(), ufp.ErrInvalidArg)
		}
		return t.tables.Handle(ctx, r)
	default:
		return nil, fmt.Errorf("request %s: %w", req.Name(), ufp.ErrInvalidArg)
	}
}

func (t *Transport) version() (fw.Response, error) {
	di, err := t.sys.DriverInfo(t.netdev)
	if err != nil {
		return nil, fmt.Errorf("driver info: %w", err)
	}
	return fw.VersionReply{Driver: di.Driver, DriverVersion: di.Version, Firmware: di.FwVersion, BusInfo: di.BusInfo}, nil
}

var ethtoolFeatures = map[string]fw.Feature{
	"hw-tc-offload":    fw.FeatureFlowOffload,
	"rx-vlan-offload":  fw.FeatureVLANOffload,
	"tx-vlan-offload":  fw.FeatureVLANOffload,
	"rx-ntuple-filter": fw.FeatureExternalEM,
}

func (t *Transport) features() (fw.Response, error) {
	m, err := t.sys.Features(t.netdev)
	if err != nil {
		return nil, fmt.Errorf("features: %w", err)
	}
	var f fw.Feature
	for name, on := range m {
		if bit, ok := ethtoolFeatures[name]; ok && on {
			f |= bit
		}
	}
	if f.Has(fw.FeatureFlowOffload) {
		f |= fw.FeatureCounters
	}
	link, err := t.sys.Link(t.netdev)
	if err != nil {
		return nil, err
	}
	if len(link.VFs) > 0 {
		if _, err := t.sys.Representor(t.netdev, link.VFs[0]); err == nil {
			f |= fw.FeatureVFRep
		}
	}
	return fw.FeatureReply{Features: f}, nil
}

// ports lays the function out as logical port 0 for the physical port,
// 1 for the PF and a (VF, representor) pair per VF after that. SVIF
// and VNIC are derived from the netdev index and VF number since the
// kernel does not expose the hardware values.
func (t *Transport) ports(ctx context.Context) (fw.Response, error) {
	link, err := t.sys.Link(t.netdev)
	if err != nil {
		return nil, err
	}
	base := uint16(link.Index) << 4
	out := []portdb.Descriptor{
		{LogicalID: 0, Type: portdb.PortTypePhy, SVIF: base, Parif: 1, Name: link.Name},
		{LogicalID: 1, Type: portdb.PortTypePF, SVIF: base | 1, Parif: 2, VNIC: base | 1,
			FunctionID: 1, FunctionFID: 1, Name: link.Name},
	}
	for i, vf := range link.VFs {
		fn := uint16(2 + i)
		vfID := uint16(2 + 2*i)
		out = append(out, portdb.Descriptor{
			LogicalID: vfID, Type: portdb.PortTypeVF, SVIF: base | (fn + 1), Parif: 2,
			VNIC: base | (fn + 1), FunctionID: fn, FunctionFID: fn, IsVF: true,
			Name: fmt.Sprintf("%svf%d", link.Name, vf),
		})
		rep, err := t.sys.Representor(t.netdev, vf)
		if err != nil {
			t.logger.DebugContext(ctx, "no representor", "vf", vf, "error", err)
			continue
		}
		out = append(out, portdb.Descriptor{
			LogicalID: vfID + 1, Type: portdb.PortTypeVFRep, SVIF: base | 1, Parif: 2, VNIC: base | 1,
			FunctionID: 1, FunctionFID: 1, VFFunctionID: fn, IsVFR: true, PortIDMeta: vfID + 1, Name: rep,
		})
	}
	return fw.PortReply{Ports: out}, nil
}
