// Package counter accumulates flow counters read from the table
// facility.
//
// Hardware counters are narrower than 64 bits and wrap. Each poll reads
// the raw packet and byte counts of every live counter, masks them to
// the configured width and adds the masked difference from the previous
// read, so a single wrap between polls is absorbed. The caller's lock
// is only held while the counter ids are collected and while the
// deltas are applied, never across facility reads. Polls themselves
// are serialised.
package counter

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/frobware/go-ufp"
	"github.com/frobware/go-ufp/logging"
	"github.com/frobware/go-ufp/tf"
)

// DefaultMask is the width of the counters on the reference device.
const DefaultMask = 1<<36 - 1

// ID names one hardware counter and the flow it is reported against.
type ID struct {
	Flow  ufp.FlowID    `json:"flow"`
	Dir   ufp.Direction `json:"direction"`
	Index uint32        `json:"index"`
}

// Source lists the counters to poll. It is called once per poll and is
// expected to take whatever lock protects the flow state. A counter
// shared by several flows is listed once per flow.
type Source interface {
	CounterIDs() []ID
}

// SourceFunc adapts a function to Source.
type SourceFunc func() []ID

// CounterIDs calls f.
func (f SourceFunc) CounterIDs() []ID { return f() }

// Config controls polling.
type Config struct {
	Interval   time.Duration
	PacketMask uint64
	ByteMask   uint64
}

// Stats are the accumulated counts of one flow.
type Stats struct {
	Packets  uint64    `json:"packets"`
	Bytes    uint64    `json:"bytes"`
	LastUsed time.Time `json:"last_used,omitzero"`
}

type key struct {
	dir ufp.Direction
	idx uint32
}

type state struct {
	flows            []ufp.FlowID
	rawPkts, rawByts uint64
	stats            Stats
}

// reachedBy reports whether any of flows shares this counter.
func (st *state) reachedBy(flows []ufp.FlowID) bool {
	return slices.ContainsFunc(flows, func(f ufp.FlowID) bool {
		return slices.Contains(st.flows, f)
	})
}

// Accumulator polls counters and keeps per-flow totals.
type Accumulator struct {
	src    Source
	tbl    tf.IndexTables
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	// pollMu orders whole polls so an older sample is never applied
	// after a newer one.
	pollMu sync.Mutex

	mu       sync.Mutex
	counters map[key]*state
	polls    uint64
}

// New returns an accumulator. Zero masks select DefaultMask.
func New(src Source, tbl tf.IndexTables, cfg Config, logger *slog.Logger) *Accumulator {
	if cfg.PacketMask == 0 {
		cfg.PacketMask = DefaultMask
	}
	if cfg.ByteMask == 0 {
		cfg.ByteMask = DefaultMask
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Accumulator{
		src:      src,
		tbl:      tbl,
		cfg:      cfg,
		logger:   logger.With(logging.ComponentKey, "counter"),
		now:      time.Now,
		counters: make(map[key]*state),
	}
}

// SetClock replaces the time source used for LastUsed.
func (a *Accumulator) SetClock(now func() time.Time) { a.now = now }

// Decode splits a counter record into packets and bytes.
func Decode(b []byte) (packets, bytes uint64, err error) {
	if len(b) == 0 {
		return 0, 0, nil
	}
	if len(b) != tf.CounterBytes {
		return 0, 0, ufp.Errorf(ufp.KindInternal, "counter record of %d bytes", len(b))
	}
	return binary.BigEndian.Uint64(b[:8]), binary.BigEndian.Uint64(b[8:]), nil
}

// Encode is the inverse of Decode.
func Encode(packets, bytes uint64) []byte {
	b := make([]byte, tf.CounterBytes)
	binary.BigEndian.PutUint64(b[:8], packets)
	binary.BigEndian.PutUint64(b[8:], bytes)
	return b
}

type sample struct {
	id          ID
	pkts, bytes uint64
}

// Poll reads every counter once and applies the deltas. A counter
// listed against several flows is read once and reported against each
// of them. Counters that fail to read keep their previous totals; the
// errors are joined.
func (a *Accumulator) Poll(ctx context.Context) error {
	a.pollMu.Lock()
	defer a.pollMu.Unlock()

	ids := a.src.CounterIDs()
	flows := make(map[key][]ufp.FlowID, len(ids))
	var unique []ID
	for _, id := range ids {
		k := key{id.Dir, id.Index}
		if _, ok := flows[k]; !ok {
			unique = append(unique, id)
		}
		flows[k] = append(flows[k], id.Flow)
	}

	var errs []error
	samples := make([]sample, 0, len(unique))
	for _, id := range unique {
		raw, err := a.tbl.GetTblEntry(ctx, id.Dir, tf.TableStats, id.Index)
		if err != nil {
			errs = append(errs, fmt.Errorf("counter %s/%d of flow %d: %w", id.Dir, id.Index, id.Flow, err))
			continue
		}
		p, b, err := Decode(raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		samples = append(samples, sample{id: id, pkts: p, bytes: b})
	}

	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	for k := range a.counters {
		if _, ok := flows[k]; !ok {
			delete(a.counters, k)
		}
	}
	for _, s := range samples {
		k := key{s.id.Dir, s.id.Index}
		st, ok := a.counters[k]
		if !ok || !st.reachedBy(flows[k]) {
			st = &state{}
			a.counters[k] = st
		}
		st.flows = flows[k]
		p, b := s.pkts&a.cfg.PacketMask, s.bytes&a.cfg.ByteMask
		dp := (p - st.rawPkts) & a.cfg.PacketMask
		db := (b - st.rawByts) & a.cfg.ByteMask
		st.rawPkts, st.rawByts = p, b
		st.stats.Packets += dp
		st.stats.Bytes += db
		if dp > 0 {
			st.stats.LastUsed = now
		}
	}
	a.polls++
	logging.Trace(ctx, a.logger, "counters polled", "counters", len(unique), "errors", len(errs))
	return errors.Join(errs...)
}

// Run polls every interval until ctx is done.
func (a *Accumulator) Run(ctx context.Context) error {
	if a.cfg.Interval <= 0 {
		return fmt.Errorf("counter interval %s: %w", a.cfg.Interval, ufp.ErrInvalidArg)
	}
	t := time.NewTicker(a.cfg.Interval)
	defer t.Stop()
	a.logger.DebugContext(ctx, "counter task started", "interval", a.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			a.logger.DebugContext(ctx, "counter task stopped")
			return nil
		case <-t.C:
			if err := a.Poll(ctx); err != nil {
				a.logger.WarnContext(ctx, "counter poll", "error", err)
			}
		}
	}
}

// Get returns the totals of flow, summed over its counters.
func (a *Accumulator) Get(flow ufp.FlowID) (Stats, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out Stats
	found := false
	for _, st := range a.counters {
		if !slices.Contains(st.flows, flow) {
			continue
		}
		found = true
		out.Packets += st.stats.Packets
		out.Bytes += st.stats.Bytes
		if st.stats.LastUsed.After(out.LastUsed) {
			out.LastUsed = st.stats.LastUsed
		}
	}
	return out, found
}

// Totals returns the sum over every tracked counter, each counted once
// however many flows share it, and the number of polls run.
func (a *Accumulator) Totals() (Stats, uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out Stats
	for _, st := range a.counters {
		out.Packets += st.stats.Packets
		out.Bytes += st.stats.Bytes
	}
	return out, a.polls
}
