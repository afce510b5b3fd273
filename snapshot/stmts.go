package snapshot

import (
	"context"
	"database/sql"
	"fmt"
)

type stmts struct {
	insertSnapshot   *sql.Stmt
	insertPort       *sql.Stmt
	insertFlow       *sql.Stmt
	insertResource   *sql.Stmt
	insertTableEntry *sql.Stmt
	insertMark       *sql.Stmt
	insertCount      *sql.Stmt

	getSnapshot    *sql.Stmt
	latestSnapshot *sql.Stmt
	listSnapshots  *sql.Stmt
	listPorts      *sql.Stmt
	listFlows      *sql.Stmt
	listResources  *sql.Stmt
	listEntries    *sql.Stmt
	listMarks      *sql.Stmt
	listCounts     *sql.Stmt
	pruneSnapshots *sql.Stmt
}

func (s *stmts) all() []*sql.Stmt {
	return []*sql.Stmt{
		s.insertSnapshot, s.insertPort, s.insertFlow, s.insertResource,
		s.insertTableEntry, s.insertMark, s.insertCount,
		s.getSnapshot, s.latestSnapshot, s.listSnapshots, s.listPorts,
		s.listFlows, s.listResources, s.listEntries, s.listMarks,
		s.listCounts, s.pruneSnapshots,
	}
}

// prepare compiles every statement against db.
func (s *stmts) prepare(ctx context.Context, db *sql.DB) error {
	for _, q := range []struct {
		name string
		dst  **sql.Stmt
		sql  string
	}{
		{"InsertSnapshot", &s.insertSnapshot, `
			INSERT INTO snapshots
			(session, device, opened_at, taken_at, driver, driver_version, firmware, bus_info, features)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`},
		{"InsertPort", &s.insertPort, `
			INSERT INTO ports
			(snapshot_id, logical_id, type, svif, parif, vnic, direction, function_id, function_fid,
			 phy_port, vf_function_id, is_vf, is_vfr, port_id_meta, name)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`},
		{"InsertFlow", &s.insertFlow, `
			INSERT INTO flows
			(snapshot_id, flow_id, type, direction, function_id, priority, parent, children, committed)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`},
		{"InsertResource", &s.insertResource, `
			INSERT INTO flow_resources
			(snapshot_id, flow_id, seq, func, subtype, direction, session, handle, flags, key_fingerprint)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`},
		{"InsertTableEntry", &s.insertTableEntry, `
			INSERT INTO table_entries
			(snapshot_id, direction, table_name, slot, key, result, ref_count, owner, flow_sig, rid)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`},
		{"InsertMark", &s.insertMark,
			"INSERT INTO marks (snapshot_id, global, idx, mark, is_vfr) VALUES (?, ?, ?, ?, ?)"},
		{"InsertCount", &s.insertCount,
			"INSERT INTO flow_counts (snapshot_id, flow_id, packets, bytes, last_used) VALUES (?, ?, ?, ?, ?)"},
		{"GetSnapshot", &s.getSnapshot, `
			SELECT id, session, device, opened_at, taken_at, driver, driver_version, firmware, bus_info, features
			FROM snapshots WHERE id = ?`},
		{"LatestSnapshot", &s.latestSnapshot,
			"SELECT id FROM snapshots WHERE device = ? ORDER BY taken_at DESC, id DESC LIMIT 1"},
		{"ListSnapshots", &s.listSnapshots, `
			SELECT s.id, s.session, s.device, s.taken_at,
			       (SELECT COUNT(*) FROM flows f WHERE f.snapshot_id = s.id)
			FROM snapshots s ORDER BY s.id`},
		{"ListPorts", &s.listPorts, `
			SELECT logical_id, type, svif, parif, vnic, direction, function_id, function_fid,
			       phy_port, vf_function_id, is_vf, is_vfr, port_id_meta, name
			FROM ports WHERE snapshot_id = ? ORDER BY logical_id`},
		{"ListFlows", &s.listFlows, `
			SELECT flow_id, type, direction, function_id, priority, parent, children, committed
			FROM flows WHERE snapshot_id = ? ORDER BY flow_id`},
		{"ListResources", &s.listResources, `
			SELECT flow_id, func, subtype, direction, session, handle, flags, key_fingerprint
			FROM flow_resources WHERE snapshot_id = ? ORDER BY flow_id, seq`},
		{"ListEntries", &s.listEntries, `
			SELECT direction, table_name, slot, key, result, ref_count, owner, flow_sig, rid
			FROM table_entries WHERE snapshot_id = ? ORDER BY direction, table_name, slot`},
		{"ListMarks", &s.listMarks,
			"SELECT global, idx, mark, is_vfr FROM marks WHERE snapshot_id = ? ORDER BY global, idx"},
		{"ListCounts", &s.listCounts,
			"SELECT flow_id, packets, bytes, last_used FROM flow_counts WHERE snapshot_id = ? ORDER BY flow_id"},
		{"PruneSnapshots", &s.pruneSnapshots, `
			DELETE FROM snapshots WHERE device = ? AND id NOT IN (
				SELECT id FROM snapshots WHERE device = ? ORDER BY taken_at DESC, id DESC LIMIT ?)`},
	} {
		stmt, err := db.PrepareContext(ctx, q.sql)
		if err != nil {
			return fmt.Errorf("prepare %s: %w", q.name, err)
		}
		*q.dst = stmt
	}
	return nil
}

// close closes every prepared statement. Errors are ignored because
// the database is about to be closed.
func (s *stmts) close() {
	for _, stmt := range s.all() {
		if stmt != nil {
			stmt.Close()
		}
	}
}
