package mapper

import (
	"context"
	"errors"
	"fmt"

	"github.com/frobware/go-ufp"
	"github.com/frobware/go-ufp/gentbl"
	"github.com/frobware/go-ufp/markdb"
	"github.com/frobware/go-ufp/tf"
)

func (m *Mapper) releaseIdent(ctx context.Context, _ ufp.FlowID, r ufp.Resource) error {
	return m.tf.FreeIdent(ctx, r.Direction, tf.IdentType(r.Subtype), uint32(r.Handle))
}

func (m *Mapper) releaseIndex(ctx context.Context, _ ufp.FlowID, r ufp.Resource) error {
	return m.tf.FreeTblEntry(ctx, r.Direction, tf.TableType(r.Subtype), uint32(r.Handle))
}

func (m *Mapper) releaseTCAM(ctx context.Context, _ ufp.FlowID, r ufp.Resource) error {
	return m.tf.FreeTCAM(ctx, r.Direction, tf.TCAMType(r.Subtype), uint32(r.Handle))
}

func (m *Mapper) releaseEM(ctx context.Context, _ ufp.FlowID, r ufp.Resource) error {
	return m.tf.DeleteEM(ctx, r.Direction, tf.EMType(r.Subtype), r.Handle)
}

// releaseIfTable clears the entry; interface tables are written, not
// allocated.
func (m *Mapper) releaseIfTable(ctx context.Context, _ ufp.FlowID, r ufp.Resource) error {
	return m.tf.SetIfTbl(ctx, r.Direction, tf.IfTableType(r.Subtype), uint32(r.Handle), nil)
}

// releaseGeneric drops one reference on a generic-table slot. The slot
// is only touched if it still holds the key the record was taken on.
// Dropping the last reference flushes the RID flow holding the cached
// bundle.
func (m *Mapper) releaseGeneric(ctx context.Context, fid ufp.FlowID, r ufp.Resource) error {
	t, err := m.tables.Table(r.Direction, gentbl.ID(r.Subtype))
	if err != nil {
		return err
	}
	e, ok := t.Entry(uint32(r.Handle))
	if !ok || !e.InUse {
		return fmt.Errorf("%s slot %d: %w", t.Name(), r.Handle, ufp.ErrNotFound)
	}
	if gentbl.Fingerprint(e.Key) != r.KeyFingerprint {
		return fmt.Errorf("%s slot %d holds another key: %w", t.Name(), r.Handle, ufp.ErrInternal)
	}
	if gentbl.ID(r.Subtype) == gentbl.TableKeyRecipe {
		return m.recipes.Release(r.Direction, uint16(r.Handle))
	}
	snap, err := t.RefDec(uint32(r.Handle))
	if err != nil {
		return err
	}
	if snap.RefCount > 0 || snap.RID == 0 {
		return nil
	}
	m.logger.DebugContext(ctx, "cache entry released", "table", t.Name(), "slot", r.Handle, "rid", snap.RID, "flow_id", fid)
	return m.flushRID(ctx, snap.RID)
}

func (m *Mapper) releaseControl(_ context.Context, _ ufp.FlowID, r ufp.Resource) error {
	if r.Subtype != ufp.ControlSubtypeMark {
		return fmt.Errorf("control subtype %d: %w", r.Subtype, ufp.ErrInternal)
	}
	var flags markdb.Flags
	if r.Handle&ufp.MarkHandleGlobal != 0 {
		flags |= markdb.FlagGFID
	}
	return m.marks.Del(flags, uint32(r.Handle))
}

// releaseRID flushes a RID flow allocated by an install that did not
// commit. A RID already flushed through its cache entry is fine.
func (m *Mapper) releaseRID(ctx context.Context, _ ufp.FlowID, r ufp.Resource) error {
	return m.flushRID(ctx, ufp.FlowID(r.Handle))
}

func (m *Mapper) flushRID(ctx context.Context, rid ufp.FlowID) error {
	err := m.flows.FlowFlush(ctx, rid)
	var nf ufp.ErrFlowNotFound
	if errors.As(err, &nf) {
		return nil
	}
	return err
}
