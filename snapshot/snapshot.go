// Package snapshot stores point-in-time copies of a ULP context in
// SQLite for offline inspection.
//
// A snapshot is written in one transaction and never updated. Rows of
// every table reference their snapshot and are deleted with it, so
// pruning old snapshots is a single delete on the snapshots table.
//
// The default driver is modernc.org/sqlite. Building with the
// cgo_sqlite tag selects github.com/mattn/go-sqlite3 instead.
package snapshot

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/frobware/go-ufp"
	"github.com/frobware/go-ufp/counter"
	"github.com/frobware/go-ufp/flowdb"
	"github.com/frobware/go-ufp/fw"
	"github.com/frobware/go-ufp/logging"
	"github.com/frobware/go-ufp/manager"
	"github.com/frobware/go-ufp/markdb"
	"github.com/frobware/go-ufp/portdb"
)

//go:embed schema.sql
var schemaSQL string

// Summary describes one stored snapshot.
type Summary struct {
	ID      int64     `json:"id"`
	Session string    `json:"session"`
	Device  string    `json:"device"`
	TakenAt time.Time `json:"taken_at"`
	Flows   int       `json:"flows"`
}

// Store is a snapshot database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	stmts  stmts
}

// Open opens or creates the database at path.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := sql.Open(driverName, dsn(path, [][2]string{{"journal_mode", "WAL"}, {"foreign_keys", "1"}}))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return open(ctx, db, path, logger)
}

// OpenInMemory opens a private in-memory database.
func OpenInMemory(ctx context.Context, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open(driverName, dsn(":memory:", [][2]string{{"foreign_keys", "1"}}))
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	// Every connection would get its own empty database.
	db.SetMaxOpenConns(1)
	return open(ctx, db, ":memory:", logger)
}

func open(ctx context.Context, db *sql.DB, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Store{db: db, logger: logger.With(logging.ComponentKey, "store", "db", path)}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to execute schema: %w", err)
	}
	if err := s.stmts.prepare(ctx, db); err != nil {
		s.stmts.close()
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	s.logger.Debug("opened database")
	return s, nil
}

// Close closes the prepared statements and the database.
func (s *Store) Close() error {
	s.stmts.close()
	return s.db.Close()
}

// b2i stores a bool as an SQLite integer.
func b2i(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// Save writes st as a new snapshot and returns its id.
func (s *Store) Save(ctx context.Context, st manager.State) (id int64, err error) {
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()
	stmt := func(p *sql.Stmt) *sql.Stmt { return tx.StmtContext(ctx, p) }

	v := st.Info.Version
	res, err := stmt(s.stmts.insertSnapshot).ExecContext(ctx,
		st.Session, st.Device, st.OpenedAt.UnixNano(), st.TakenAt.UnixNano(),
		v.Driver, v.DriverVersion, v.Firmware, v.BusInfo, int64(st.Info.Features))
	if err != nil {
		return 0, fmt.Errorf("insert snapshot: %w", err)
	}
	if id, err = res.LastInsertId(); err != nil {
		return 0, err
	}

	insPort := stmt(s.stmts.insertPort)
	for _, p := range st.Ports {
		if _, err = insPort.ExecContext(ctx, id, int64(p.LogicalID), int64(p.Type),
			int64(p.SVIF), int64(p.Parif), int64(p.VNIC), int64(p.Direction),
			int64(p.FunctionID), int64(p.FunctionFID), int64(p.PhyPort), int64(p.VFFunctionID),
			b2i(p.IsVF), b2i(p.IsVFR), int64(p.PortIDMeta), p.Name); err != nil {
			return 0, fmt.Errorf("insert port %d: %w", p.LogicalID, err)
		}
	}

	insFlow, insRes := stmt(s.stmts.insertFlow), stmt(s.stmts.insertResource)
	for _, f := range st.Flows {
		if _, err = insFlow.ExecContext(ctx, id, int64(f.ID), int64(f.Type), int64(f.Direction),
			int64(f.FunctionID), int64(f.Priority), int64(f.Parent), int64(f.Children), b2i(f.Committed)); err != nil {
			return 0, fmt.Errorf("insert flow %d: %w", f.ID, err)
		}
		for seq, r := range f.Resources {
			if _, err = insRes.ExecContext(ctx, id, int64(f.ID), int64(seq), int64(r.Func), int64(r.Subtype),
				int64(r.Direction), int64(r.Session), int64(r.Handle), int64(r.Flags),
				int64(r.KeyFingerprint)); err != nil {
				return 0, fmt.Errorf("insert flow %d record %d: %w", f.ID, seq, err)
			}
		}
	}

	insEntry := stmt(s.stmts.insertTableEntry)
	for _, e := range st.Tables {
		if _, err = insEntry.ExecContext(ctx, id, int64(e.Direction), e.Table, int64(e.Slot), e.Key, e.Result,
			int64(e.RefCount), int64(e.Owner), int64(e.FlowSig), int64(e.RID)); err != nil {
			return 0, fmt.Errorf("insert %s %s slot %d: %w", e.Direction, e.Table, e.Slot, err)
		}
	}

	insMark := stmt(s.stmts.insertMark)
	for _, m := range st.Marks {
		if _, err = insMark.ExecContext(ctx, id, b2i(m.Global), int64(m.Index), int64(m.Mark), b2i(m.IsVFR)); err != nil {
			return 0, fmt.Errorf("insert mark %d: %w", m.Index, err)
		}
	}

	insCount := stmt(s.stmts.insertCount)
	for _, c := range st.Counts {
		var last sql.NullInt64
		if !c.LastUsed.IsZero() {
			last = sql.NullInt64{Int64: c.LastUsed.UnixNano(), Valid: true}
		}
		if _, err = insCount.ExecContext(ctx, id, int64(c.Flow), int64(c.Packets), int64(c.Bytes), last); err != nil {
			return 0, fmt.Errorf("insert count of flow %d: %w", c.Flow, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit snapshot: %w", err)
	}
	s.logger.InfoContext(ctx, "snapshot saved",
		"id", id, "device", st.Device, "flows", len(st.Flows),
		"duration_ms", fmt.Sprintf("%.3f", float64(time.Since(start).Microseconds())/1000))
	return id, nil
}

// Latest returns the id of the newest snapshot of device.
func (s *Store) Latest(ctx context.Context, device string) (int64, error) {
	var id int64
	err := s.stmts.latestSnapshot.QueryRowContext(ctx, device).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ufp.Errorf(ufp.KindNotFound, "no snapshot of %s", device)
	}
	return id, err
}

// List summarises every stored snapshot in id order.
func (s *Store) List(ctx context.Context) ([]Summary, error) {
	rows, err := s.stmts.listSnapshots.QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Summary
	for rows.Next() {
		var sum Summary
		var taken int64
		if err := rows.Scan(&sum.ID, &sum.Session, &sum.Device, &taken, &sum.Flows); err != nil {
			return nil, err
		}
		sum.TakenAt = time.Unix(0, taken)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Prune deletes all but the newest keep snapshots of device and
// returns how many went.
func (s *Store) Prune(ctx context.Context, device string, keep int) (int, error) {
	if keep < 0 {
		return 0, ufp.Errorf(ufp.KindInvalidArg, "keep %d", keep)
	}
	res, err := s.stmts.pruneSnapshots.ExecContext(ctx, device, device, int64(keep))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Load reads snapshot id back. Info.Ports is not stored; the port
// table is in Ports.
func (s *Store) Load(ctx context.Context, id int64) (manager.State, error) {
	var st manager.State
	var opened, taken, features int64
	v := &st.Info.Version
	err := s.stmts.getSnapshot.QueryRowContext(ctx, id).Scan(&id, &st.Session, &st.Device, &opened, &taken,
		&v.Driver, &v.DriverVersion, &v.Firmware, &v.BusInfo, &features)
	if errors.Is(err, sql.ErrNoRows) {
		return st, ufp.Errorf(ufp.KindNotFound, "snapshot %d", id)
	}
	if err != nil {
		return st, err
	}
	st.OpenedAt, st.TakenAt = time.Unix(0, opened), time.Unix(0, taken)
	st.Info.Features = fw.Feature(features)

	for _, load := range []func(context.Context, int64, *manager.State) error{
		s.loadPorts, s.loadFlows, s.loadEntries, s.loadMarks, s.loadCounts,
	} {
		if err := load(ctx, id, &st); err != nil {
			return st, fmt.Errorf("snapshot %d: %w", id, err)
		}
	}
	return st, nil
}

func (s *Store) loadPorts(ctx context.Context, id int64, st *manager.State) error {
	rows, err := s.stmts.listPorts.QueryContext(ctx, id)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var p portdb.Descriptor
		var typ, dir uint8
		if err := rows.Scan(&p.LogicalID, &typ, &p.SVIF, &p.Parif, &p.VNIC, &dir, &p.FunctionID, &p.FunctionFID,
			&p.PhyPort, &p.VFFunctionID, &p.IsVF, &p.IsVFR, &p.PortIDMeta, &p.Name); err != nil {
			return err
		}
		p.Type, p.Direction = portdb.PortType(typ), ufp.Direction(dir)
		st.Ports = append(st.Ports, p)
	}
	return rows.Err()
}

func (s *Store) loadFlows(ctx context.Context, id int64, st *manager.State) error {
	rows, err := s.stmts.listFlows.QueryContext(ctx, id)
	if err != nil {
		return err
	}
	byID := map[ufp.FlowID]int{}
	for rows.Next() {
		var f flowdb.Flow
		var fid, parent uint32
		var typ, dir uint8
		if err := rows.Scan(&fid, &typ, &dir, &f.FunctionID, &f.Priority, &parent, &f.Children, &f.Committed); err != nil {
			rows.Close()
			return err
		}
		f.ID, f.Parent = ufp.FlowID(fid), ufp.FlowID(parent)
		f.Type, f.Direction = ufp.FlowType(typ), ufp.Direction(dir)
		byID[f.ID] = len(st.Flows)
		st.Flows = append(st.Flows, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = s.stmts.listResources.QueryContext(ctx, id)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var r ufp.Resource
		var fid uint32
		var fn, dir, sess, flags uint8
		var handle, fp int64
		if err := rows.Scan(&fid, &fn, &r.Subtype, &dir, &sess, &handle, &flags, &fp); err != nil {
			return err
		}
		r.Func, r.Direction, r.Session = ufp.ResourceFunc(fn), ufp.Direction(dir), ufp.SessionType(sess)
		r.Handle, r.Flags, r.KeyFingerprint = uint64(handle), ufp.ReservationFlags(flags), uint64(fp)
		i, ok := byID[ufp.FlowID(fid)]
		if !ok {
			return ufp.Errorf(ufp.KindInternal, "record of unknown flow %d", fid)
		}
		st.Flows[i].Resources = append(st.Flows[i].Resources, r)
	}
	return rows.Err()
}

func (s *Store) loadEntries(ctx context.Context, id int64, st *manager.State) error {
	rows, err := s.stmts.listEntries.QueryContext(ctx, id)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var e manager.TableEntry
		var dir uint8
		var owner, rid uint32
		var sig int64
		if err := rows.Scan(&dir, &e.Table, &e.Slot, &e.Key, &e.Result, &e.RefCount, &owner, &sig, &rid); err != nil {
			return err
		}
		e.Direction = ufp.Direction(dir)
		e.InUse = true
		e.Owner, e.FlowSig, e.RID = ufp.FlowID(owner), uint64(sig), ufp.FlowID(rid)
		st.Tables = append(st.Tables, e)
	}
	return rows.Err()
}

func (s *Store) loadMarks(ctx context.Context, id int64, st *manager.State) error {
	rows, err := s.stmts.listMarks.QueryContext(ctx, id)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		m := manager.MarkEntry{Entry: markdb.Entry{Valid: true}}
		if err := rows.Scan(&m.Global, &m.Index, &m.Mark, &m.IsVFR); err != nil {
			return err
		}
		st.Marks = append(st.Marks, m)
	}
	return rows.Err()
}

func (s *Store) loadCounts(ctx context.Context, id int64, st *manager.State) error {
	rows, err := s.stmts.listCounts.QueryContext(ctx, id)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var c manager.FlowCount
		var fid uint32
		var pkts, byts int64
		var last sql.NullInt64
		if err := rows.Scan(&fid, &pkts, &byts, &last); err != nil {
			return err
		}
		c.Flow = ufp.FlowID(fid)
		c.Stats = counter.Stats{Packets: uint64(pkts), Bytes: uint64(byts)}
		if last.Valid {
			c.LastUsed = time.Unix(0, last.Int64)
		}
		st.Counts = append(st.Counts, c)
	}
	return rows.Err()
}
