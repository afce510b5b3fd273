// Package fw is the firmware transport: typed requests carried to a
// device and typed replies carried back, each bounded by a per-request
// timeout.
//
// A Transport moves one request. Client adds the timeout, logging and
// error classification every caller wants; a request that exceeds its
// deadline fails with ufp.ErrRequestTimeout, which is of kind TIMEOUT
// and is never retried here.
package fw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/frobware/go-ufp"
	"github.com/frobware/go-ufp/logging"
	"github.com/frobware/go-ufp/portdb"
)

// DefaultTimeout bounds a request when the client is built without one.
const DefaultTimeout = 2 * time.Second

// Request is one firmware request.
type Request interface {
	// Name identifies the request in logs and errors.
	Name() string
}

// Response is the reply to one Request.
type Response interface {
	response()
}

// Transport delivers a request and waits for its reply. It must return
// promptly once ctx is done.
type Transport interface {
	RoundTrip(ctx context.Context, req Request) (Response, error)
}

// VersionQuery asks for the driver and firmware versions.
type VersionQuery struct{}

func (VersionQuery) Name() string { return "version" }

// VersionReply answers VersionQuery.
type VersionReply struct {
	Driver        string `json:"driver"`
	DriverVersion string `json:"driver_version"`
	Firmware      string `json:"firmware"`
	BusInfo       string `json:"bus_info,omitempty"`
}

func (VersionReply) response() {}

// Feature is a device capability bit.
type Feature uint64

const (
	FeatureFlowOffload Feature = 1 << iota
	FeatureVLANOffload
	FeatureVFRep
	FeatureExternalEM
	FeatureCounters
)

var featureNames = []struct {
	f    Feature
	name string
}{
	{FeatureFlowOffload, "flow-offload"},
	{FeatureVLANOffload, "vlan-offload"},
	{FeatureVFRep, "vf-rep"},
	{FeatureExternalEM, "external-em"},
	{FeatureCounters, "counters"},
}

// Has reports whether every bit of x is set in f.
func (f Feature) Has(x Feature) bool { return f&x == x }

func (f Feature) String() string {
	var s string
	for _, fn := range featureNames {
		if f&fn.f == 0 {
			continue
		}
		if s != "" {
			s += ","
		}
		s += fn.name
	}
	if s == "" {
		return "none"
	}
	return s
}

// MarshalText implements encoding.TextMarshaler.
func (f Feature) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Feature) UnmarshalText(b []byte) error {
	*f = 0
	if string(b) == "none" || len(b) == 0 {
		return nil
	}
next:
	for _, name := range strings.Split(string(b), ",") {
		for _, fn := range featureNames {
			if fn.name == name {
				*f |= fn.f
				continue next
			}
		}
		return fmt.Errorf("unknown feature %q: %w", name, ufp.ErrInvalidArg)
	}
	return nil
}

// FeatureQuery asks for the device feature bits.
type FeatureQuery struct{}

func (FeatureQuery) Name() string { return "features" }

// FeatureReply answers FeatureQuery.
type FeatureReply struct {
	Features Feature `json:"features"`
}

func (FeatureReply) response() {}

// PortQuery asks for the port list.
type PortQuery struct{}

func (PortQuery) Name() string { return "ports" }

// PortReply answers PortQuery.
type PortReply struct {
	Ports []portdb.Descriptor `json:"ports"`
}

func (PortReply) response() {}

// Client issues requests over a Transport.
type Client struct {
	transport Transport
	timeout   time.Duration
	logger    *slog.Logger
}

// NewClient returns a client. A non-positive timeout selects
// DefaultTimeout; a nil logger discards.
func NewClient(t Transport, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Client{
		transport: t,
		timeout:   timeout,
		logger:    logger.With(logging.ComponentKey, "fw"),
	}
}

// Timeout returns the per-request timeout.
func (c *Client) Timeout() time.Duration { return c.timeout }

// Do sends req and waits at most the client timeout for the reply.
func (c *Client) Do(ctx context.Context, req Request) (Response, error) {
	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.transport.RoundTrip(rctx, req)
	elapsed := time.Since(start)
	if err == nil && resp == nil {
		err = ufp.Errorf(ufp.KindInternal, "empty reply")
	}
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			c.logger.WarnContext(ctx, "firmware request timed out", "request", req.Name(), "timeout", c.timeout)
			return nil, ufp.ErrRequestTimeout{Request: req.Name()}
		}
		logging.Trace(ctx, c.logger, "firmware request failed", "request", req.Name(), "elapsed", elapsed, "error", err)
		return nil, fmt.Errorf("firmware %s: %w", req.Name(), err)
	}
	logging.Trace(ctx, c.logger, "firmware request", "request", req.Name(), "elapsed", elapsed)
	return resp, nil
}

// Call sends req and asserts the reply type.
func Call[T Response](ctx context.Context, c *Client, req Request) (T, error) {
	var zero T
	resp, err := c.Do(ctx, req)
	if err != nil {
		return zero, err
	}
	r, ok := resp.(T)
	if !ok {
		return zero, ufp.Errorf(ufp.KindInternal, "firmware %s: unexpected reply %T", req.Name(), resp)
	}
	return r, nil
}

// Device is what a device reports during interrogation.
type Device struct {
	Version  VersionReply
	Features Feature
	Ports    []portdb.Descriptor
}

// Interrogate queries version, features and ports in that order.
func Interrogate(ctx context.Context, c *Client) (Device, error) {
	var d Device
	v, err := Call[VersionReply](ctx, c, VersionQuery{})
	if err != nil {
		return d, err
	}
	f, err := Call[FeatureReply](ctx, c, FeatureQuery{})
	if err != nil {
		return d, err
	}
	p, err := Call[PortReply](ctx, c, PortQuery{})
	if err != nil {
		return d, err
	}
	d.Version, d.Features, d.Ports = v, f.Features, p.Ports
	c.logger.InfoContext(ctx, "device interrogated",
		"driver", v.Driver, "firmware", v.Firmware, "features", f.Features, "ports", len(p.Ports))
	return d, nil
}
