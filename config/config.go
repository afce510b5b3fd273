// Package config handles ufpd configuration.
//
// Configuration is loaded with overlay semantics:
//
//  1. Start with built-in defaults (embedded from default.toml)
//  2. Overlay with config file values (if the file exists)
//  3. CLI flags and environment variables override at runtime
//
// The TOML decoder only sets fields present in the file, so a valid
// configuration is always available. A config file that exists but
// does not parse is an error.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"math/bits"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/frobware/go-ufp"
	"github.com/frobware/go-ufp/gentbl"
	"github.com/frobware/go-ufp/logging"
	"github.com/frobware/go-ufp/markdb"
	"github.com/frobware/go-ufp/tf"
	"github.com/frobware/go-ufp/tf/memory"
)

//go:embed default.toml
var defaultConfigTOML string

// DefaultConfigPath is the default path to the ufpd config file.
const DefaultConfigPath = "/etc/ufp/ufpd.toml"

// Config is the top-level ufpd configuration.
type Config struct {
	Device   DeviceConfig   `toml:"device"`
	Mark     MarkConfig     `toml:"mark"`
	Flows    FlowsConfig    `toml:"flows"`
	Tables   TablesConfig   `toml:"tables"`
	Counters CountersConfig `toml:"counters"`
	Firmware FirmwareConfig `toml:"firmware"`
	Server   ServerConfig   `toml:"server"`
	Logging  LoggingConfig  `toml:"logging"`
}

// Backend selects the table-facility provider.
type Backend string

const (
	// BackendMemory keeps tables in process memory.
	BackendMemory Backend = "memory"
	// BackendEBPF keeps tables in BPF maps.
	BackendEBPF Backend = "ebpf"
	// BackendFirmware forwards table operations as firmware requests.
	BackendFirmware Backend = "firmware"
)

// Valid reports whether b names a known backend.
func (b Backend) Valid() bool {
	switch b {
	case BackendMemory, BackendEBPF, BackendFirmware:
		return true
	}
	return false
}

// DeviceConfig names the device a context owns and how it is reached.
type DeviceConfig struct {
	Name       string  `toml:"name"`
	RuntimeDir string  `toml:"runtime_dir"`
	NumPorts   int     `toml:"num_ports"`
	Backend    Backend `toml:"backend"`
	// Netdev, when set, is interrogated through netlink and ethtool
	// instead of the simulated device.
	Netdev string `toml:"netdev"`
	// PinMaps pins the ebpf backend's maps under the runtime bpffs.
	PinMaps bool `toml:"pin_maps"`
}

// MarkConfig sizes the mark database. GFIDEntries may be zero.
type MarkConfig struct {
	LFIDEntries uint32 `toml:"lfid_entries"`
	GFIDEntries uint32 `toml:"gfid_entries"`
}

// FlowsConfig sizes the flow database.
type FlowsConfig struct {
	MaxFlows uint32 `toml:"max_flows"`
}

// GenericTableConfig overrides the size of one generic table in both
// directions. Zero keeps the built-in value.
type GenericTableConfig struct {
	NumEntries uint32 `toml:"num_entries"`
	NumBuckets uint32 `toml:"num_buckets"`
}

// PoolConfig overrides facility pool capacities, keyed by type name
// (for example idents."l2-ctxt" or tcam."wildcard").
type PoolConfig struct {
	Idents    map[string]uint32 `toml:"idents"`
	Index     map[string]uint32 `toml:"index"`
	TCAM      map[string]uint32 `toml:"tcam"`
	EM        map[string]uint32 `toml:"em"`
	IfEntries uint32            `toml:"if_entries"`
	Scopes    uint32            `toml:"scopes"`
}

// TablesConfig overrides generic-table and facility sizes.
type TablesConfig struct {
	// Generic is keyed by table name, for example "flow_cache".
	Generic map[string]GenericTableConfig `toml:"generic"`
	Pools   PoolConfig                    `toml:"pools"`
}

// CountersConfig controls flow-counter accumulation. The masks are the
// hardware counter widths; the rates bound how fast a counter can
// advance and so how long an interval may be.
type CountersConfig struct {
	Interval        Duration `toml:"interval"`
	PacketCountMask uint64   `toml:"packet_count_mask"`
	ByteCountMask   uint64   `toml:"byte_count_mask"`
	MaxPacketRate   uint64   `toml:"max_packet_rate"`
	MaxByteRate     uint64   `toml:"max_byte_rate"`
}

// FirmwareConfig controls the firmware transport.
type FirmwareConfig struct {
	RequestTimeout Duration `toml:"request_timeout"`
}

// ServerConfig controls the daemon's listeners. An empty Socket uses
// the runtime socket path; empty addresses disable the listener.
type ServerConfig struct {
	Socket         string `toml:"socket"`
	TCPAddress     string `toml:"tcp_address"`
	MetricsAddress string `toml:"metrics_address"`
}

// LoggingConfig controls logging behaviour.
type LoggingConfig struct {
	// Level is the log spec (e.g., "info" or "info,mapper=trace").
	Level string `toml:"level"`
	// Format is the output format: "text" or "json".
	Format string `toml:"format"`
	// Components provides an alternative way to specify per-component levels.
	Components map[string]string `toml:"components"`
}

// ToSpec converts the LoggingConfig to a log spec string. Level takes
// precedence over Components.
func (c *LoggingConfig) ToSpec() string {
	if c.Level != "" {
		return c.Level
	}
	if len(c.Components) == 0 {
		return ""
	}
	parts := make([]string, 0, len(c.Components))
	for component, level := range c.Components {
		parts = append(parts, component+"="+level)
	}
	sort.Strings(parts)
	return strings.Join(append([]string{"info"}, parts...), ",")
}

// Duration is a time.Duration written as a Go duration string.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// DefaultConfig returns the configuration in the embedded default.toml.
func DefaultConfig() Config {
	var cfg Config
	if _, err := toml.Decode(defaultConfigTOML, &cfg); err != nil {
		panic(fmt.Sprintf("embedded default.toml: %v", err))
	}
	return cfg
}

// Load reads configuration from path with overlay semantics. A missing
// file yields the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return cfg, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	return cfg, nil
}

// RuntimeDirs returns the runtime paths rooted at Device.RuntimeDir.
func (c *Config) RuntimeDirs() (RuntimeDirs, error) {
	return NewRuntimeDirs(c.Device.RuntimeDir)
}

// MarkDB returns the mark database sizing.
func (c *Config) MarkDB() markdb.Config {
	return markdb.Config{LFIDEntries: c.Mark.LFIDEntries, GFIDEntries: c.Mark.GFIDEntries}
}

// Descriptors returns the built-in generic tables with the configured
// overrides applied.
func (c *TablesConfig) Descriptors() ([]gentbl.Descriptor, error) {
	descs := gentbl.DefaultDescriptors()
	for name, o := range c.Generic {
		id, err := gentbl.ParseID(name)
		if err != nil {
			return nil, fmt.Errorf("tables.generic: %w", err)
		}
		for i := range descs {
			if descs[i].ID != id {
				continue
			}
			if o.NumEntries != 0 {
				descs[i].Params.NumEntries = o.NumEntries
			}
			if o.NumBuckets != 0 {
				descs[i].Params.NumBuckets = o.NumBuckets
			}
		}
	}
	return descs, nil
}

func overlayPool[T ~uint16](dst map[T]uint32, fn ufp.ResourceFunc, section string, src map[string]uint32) error {
	for name, n := range src {
		typ, ok := tf.ParseTypeName(fn, name)
		if !ok {
			return fmt.Errorf("tables.pools.%s: unknown type %q", section, name)
		}
		dst[T(typ)] = n
	}
	return nil
}

// Facility returns the facility pool capacities with the configured
// overrides applied.
func (c *TablesConfig) Facility() (memory.Config, error) {
	mc := memory.DefaultConfig()
	p := c.Pools
	if err := errors.Join(
		overlayPool(mc.Idents, ufp.ResourceFuncIdentifier, "idents", p.Idents),
		overlayPool(mc.Tables, ufp.ResourceFuncIndexTable, "index", p.Index),
		overlayPool(mc.TCAMs, ufp.ResourceFuncTCAMTable, "tcam", p.TCAM),
		overlayPool(mc.EMEntries, ufp.ResourceFuncEMTable, "em", p.EM),
	); err != nil {
		return memory.Config{}, err
	}
	if p.IfEntries != 0 {
		mc.IfEntries = p.IfEntries
	}
	if p.Scopes != 0 {
		mc.Scopes = p.Scopes
	}
	return mc, nil
}

// maskWidth returns the width of a mask of the form 2^w-1.
func maskWidth(m uint64) (int, bool) {
	w := bits.Len64(m)
	return w, m != 0 && m&(m+1) == 0
}

// wrapSafe reports whether a counter advancing at rate per second stays
// below mask+1 over interval, so at most one wrap separates two polls.
func wrapSafe(interval time.Duration, rate, mask uint64) bool {
	if rate == 0 {
		return true
	}
	return float64(rate)*interval.Seconds() < float64(mask)+1
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Device.Name == "" {
		bad("device.name must be set")
	}
	if _, err := c.RuntimeDirs(); err != nil {
		bad("device.runtime_dir: %v", err)
	}
	if c.Device.NumPorts <= 0 || c.Device.NumPorts > 1<<16 {
		bad("device.num_ports %d out of range", c.Device.NumPorts)
	}
	if !c.Device.Backend.Valid() {
		bad("device.backend %q: want memory, ebpf or firmware", c.Device.Backend)
	}
	if c.Device.PinMaps && c.Device.Backend != BackendEBPF {
		bad("device.pin_maps needs the ebpf backend")
	}

	if c.Mark.LFIDEntries == 0 {
		bad("mark.lfid_entries must be positive")
	}
	if g := c.Mark.GFIDEntries; g != 0 && (g < 2 || g&(g-1) != 0) {
		bad("mark.gfid_entries %d is not a power of two", g)
	}
	if c.Flows.MaxFlows == 0 {
		bad("flows.max_flows must be positive")
	}
	if c.Mark.LFIDEntries != 0 && c.Mark.LFIDEntries <= c.Flows.MaxFlows {
		bad("mark.lfid_entries %d must exceed flows.max_flows %d", c.Mark.LFIDEntries, c.Flows.MaxFlows)
	}
	if _, err := c.Tables.Descriptors(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Tables.Facility(); err != nil {
		errs = append(errs, err)
	}

	cc := c.Counters
	if cc.Interval.Duration <= 0 {
		bad("counters.interval must be positive")
	}
	for _, m := range []struct {
		name       string
		mask, rate uint64
	}{
		{"packet", cc.PacketCountMask, cc.MaxPacketRate},
		{"byte", cc.ByteCountMask, cc.MaxByteRate},
	} {
		w, ok := maskWidth(m.mask)
		if !ok {
			bad("counters.%s_count_mask %#x is not a contiguous low mask", m.name, m.mask)
			continue
		}
		if cc.Interval.Duration > 0 && !wrapSafe(cc.Interval.Duration, m.rate, m.mask) {
			bad("counters.interval %s lets a %d-bit %s counter wrap twice at %d/s",
				cc.Interval, w, m.name, m.rate)
		}
	}

	if c.Firmware.RequestTimeout.Duration <= 0 {
		bad("firmware.request_timeout must be positive")
	}

	if _, err := logging.ParseSpec(c.Logging.ToSpec()); err != nil {
		bad("logging.level: %v", err)
	}
	if _, err := logging.ParseFormat(c.Logging.Format); err != nil {
		bad("logging.format: %v", err)
	}

	return errors.Join(errs...)
}
