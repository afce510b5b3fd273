package manager

import (
	"context"
	"slices"
	"time"

	"github.com/frobware/go-ufp"
	"github.com/frobware/go-ufp/counter"
	"github.com/frobware/go-ufp/flowdb"
	"github.com/frobware/go-ufp/fw"
	"github.com/frobware/go-ufp/gentbl"
	"github.com/frobware/go-ufp/markdb"
	"github.com/frobware/go-ufp/portdb"
)

// QueryCount returns the packets, bytes and last-used time accumulated
// for fid. A flow without a counter, or whose counter has not been
// polled yet, reports zeros.
func (m *Manager) QueryCount(ctx context.Context, fid ufp.FlowID) (counter.Stats, error) {
	if err := m.lock(); err != nil {
		return counter.Stats{}, err
	}
	f, err := m.flows.Get(fid)
	m.mu.Unlock()
	if err != nil {
		return counter.Stats{}, err
	}
	if f.Type == ufp.FlowTypeRID {
		return counter.Stats{}, ufp.ErrFlowNotFound{FlowID: fid}
	}
	st, _ := m.acc.Get(fid)
	return st, nil
}

// PollCounters runs one counter poll now.
func (m *Manager) PollCounters(ctx context.Context) error {
	return m.acc.Poll(withOp(ctx))
}

// CounterTotals returns the sum of every tracked counter and the number
// of polls so far.
func (m *Manager) CounterTotals() (counter.Stats, uint64) {
	return m.acc.Totals()
}

// CounterIDs lists the counter of every committed user flow. Counters
// are found by walking the flow's records and those of the RID flows
// its cache references lead to. A counter shared through the flow cache
// is listed against every flow reaching it.
func (m *Manager) CounterIDs() []counter.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counterIDsLocked()
}

func (m *Manager) counterIDsLocked() []counter.ID {
	type ckey struct {
		dir ufp.Direction
		idx uint32
	}
	var out []counter.ID

	flows := m.flows.Flows()
	slices.SortFunc(flows, func(a, b flowdb.Flow) int { return int(a.ID) - int(b.ID) })
	for _, f := range flows {
		if !f.Committed || f.Type == ufp.FlowTypeRID {
			continue
		}
		visited := map[ufp.FlowID]bool{}
		seen := map[ckey]bool{}
		m.walkRecords(f.ID, visited, func(r ufp.Resource) {
			if r.Func != ufp.ResourceFuncCMMStat {
				return
			}
			k := ckey{r.Direction, uint32(r.Handle)}
			if seen[k] {
				return
			}
			seen[k] = true
			out = append(out, counter.ID{Flow: f.ID, Dir: r.Direction, Index: uint32(r.Handle)})
		})
	}
	return out
}

// walkRecords visits the records of fid and of every RID flow reachable
// through its generic-table records.
func (m *Manager) walkRecords(fid ufp.FlowID, visited map[ufp.FlowID]bool, fn func(ufp.Resource)) {
	if visited[fid] {
		return
	}
	visited[fid] = true
	rs, err := m.flows.Resources(fid)
	if err != nil {
		return
	}
	for _, r := range rs {
		fn(r)
		if r.Func != ufp.ResourceFuncGenericTable {
			continue
		}
		tbl, err := m.tables.Table(r.Direction, gentbl.ID(r.Subtype))
		if err != nil {
			continue
		}
		if e, ok := tbl.Entry(uint32(r.Handle)); ok && e.InUse && e.RID != 0 {
			m.walkRecords(e.RID, visited, fn)
		}
	}
}

// Reachable returns the records of fid followed by those of the RID
// flows its cache references lead to.
func (m *Manager) Reachable(fid ufp.FlowID) ([]ufp.Resource, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	if _, err := m.flows.Get(fid); err != nil {
		return nil, err
	}
	var out []ufp.Resource
	m.walkRecords(fid, map[ufp.FlowID]bool{}, func(r ufp.Resource) { out = append(out, r) })
	return out, nil
}

// UpdatePort adds or replaces a port descriptor, for example on VF
// hotplug.
func (m *Manager) UpdatePort(ctx context.Context, d portdb.Descriptor) error {
	ctx = withOp(ctx)
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if err := m.ports.Update(d); err != nil {
		return err
	}
	m.logger.InfoContext(ctx, "port updated", "port", d.LogicalID, "type", d.Type.String())
	return nil
}

// Port returns one port descriptor.
func (m *Manager) Port(logicalID uint16) (portdb.Descriptor, error) {
	return m.ports.Get(logicalID)
}

// Ports returns every configured port.
func (m *Manager) Ports() []portdb.Descriptor { return m.ports.Ports() }

// MarkGet returns the mark recorded for a completion fid.
func (m *Manager) MarkGet(isGFID bool, fid uint32) (mark uint32, isVFR bool, err error) {
	return m.marks.Get(isGFID, fid)
}

// Flow returns one flow.
func (m *Manager) Flow(fid ufp.FlowID) (flowdb.Flow, error) { return m.flows.Get(fid) }

// Flows returns every flow, RID flows included, in id order.
func (m *Manager) Flows() []flowdb.Flow {
	fs := m.flows.Flows()
	slices.SortFunc(fs, func(a, b flowdb.Flow) int { return int(a.ID) - int(b.ID) })
	return fs
}

// TableUsage is the occupancy of one generic table.
type TableUsage struct {
	Direction ufp.Direction `json:"direction"`
	Table     string        `json:"table"`
	InUse     int           `json:"in_use"`
	Capacity  int           `json:"capacity"`
}

// Usage is a cheap summary of a context for metrics.
type Usage struct {
	Flows        int                      `json:"flows"`
	FlowCapacity int                      `json:"flow_capacity"`
	FlowsByType  map[ufp.FlowType]int     `json:"flows_by_type"`
	Resources    map[ufp.ResourceFunc]int `json:"resources"`
	Tables       []TableUsage             `json:"tables"`
	LFIDMarks    int                      `json:"lfid_marks"`
	GFIDMarks    int                      `json:"gfid_marks"`
	Counters     counter.Stats            `json:"counters"`
	CounterPolls uint64                   `json:"counter_polls"`
}

// Usage summarises the context.
func (m *Manager) Usage() Usage {
	m.mu.Lock()
	u := Usage{
		Flows:        m.flows.Count(),
		FlowCapacity: m.flows.Capacity(),
		FlowsByType:  map[ufp.FlowType]int{},
		Resources:    map[ufp.ResourceFunc]int{},
	}
	for _, f := range m.flows.Flows() {
		u.FlowsByType[f.Type]++
		for _, r := range f.Resources {
			u.Resources[r.Func]++
		}
	}
	u.Tables = m.tableUsageLocked()
	u.LFIDMarks, u.GFIDMarks = m.marks.Valid()
	m.mu.Unlock()

	u.Counters, u.CounterPolls = m.acc.Totals()
	return u
}

func (m *Manager) tableUsageLocked() []TableUsage {
	var out []TableUsage
	m.tables.Each(func(dir ufp.Direction, id gentbl.ID, t *gentbl.Table) {
		out = append(out, TableUsage{
			Direction: dir,
			Table:     id.String(),
			InUse:     t.InUse(),
			Capacity:  int(t.Params().NumEntries),
		})
	})
	return out
}

// TableEntry is one in-use generic-table slot.
type TableEntry struct {
	Direction ufp.Direction
	Table     string
	Slot      uint32
	gentbl.Entry
}

// MarkEntry is one valid mark slot.
type MarkEntry struct {
	Index uint32
	markdb.Entry
}

// FlowCount is the accumulated count of one flow.
type FlowCount struct {
	Flow ufp.FlowID
	counter.Stats
}

// State is a point-in-time copy of everything a context holds.
type State struct {
	Session  string
	Device   string
	OpenedAt time.Time
	TakenAt  time.Time
	Info     fw.Device
	Ports    []portdb.Descriptor
	Flows    []flowdb.Flow
	Tables   []TableEntry
	Marks    []MarkEntry
	Counts   []FlowCount
}

// Snapshot copies the context's state under the context lock.
func (m *Manager) Snapshot(ctx context.Context) (State, error) {
	if err := m.lock(); err != nil {
		return State{}, err
	}
	st := State{
		Session:  m.session.String(),
		Device:   m.device,
		OpenedAt: m.opened,
		TakenAt:  time.Now(),
		Info:     m.info,
		Ports:    m.ports.Ports(),
		Flows:    m.flows.Flows(),
	}
	slices.SortFunc(st.Flows, func(a, b flowdb.Flow) int { return int(a.ID) - int(b.ID) })
	m.tables.Each(func(dir ufp.Direction, id gentbl.ID, t *gentbl.Table) {
		t.Entries(func(slot uint32, e gentbl.Entry) {
			st.Tables = append(st.Tables, TableEntry{Direction: dir, Table: id.String(), Slot: slot, Entry: e})
		})
	})
	m.marks.Entries(func(idx uint32, e markdb.Entry) {
		st.Marks = append(st.Marks, MarkEntry{Index: idx, Entry: e})
	})
	m.mu.Unlock()

	for _, f := range st.Flows {
		if c, ok := m.acc.Get(f.ID); ok {
			st.Counts = append(st.Counts, FlowCount{Flow: f.ID, Stats: c})
		}
	}
	m.logger.DebugContext(withOp(ctx), "snapshot taken", "flows", len(st.Flows), "table_entries", len(st.Tables))
	return st, nil
}
