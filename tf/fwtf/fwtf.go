// Package fwtf is a table facility that forwards every call to the
// device as a firmware request.
package fwtf

import (
	"context"

	"github.com/frobware/go-ufp"
	"github.com/frobware/go-ufp/fw"
	"github.com/frobware/go-ufp/tf"
)

// Facility implements tf.Facility over a firmware client.
type Facility struct {
	c *fw.Client
}

var _ tf.Facility = (*Facility)(nil)

// New returns a facility issuing requests through c.
func New(c *fw.Client) *Facility {
	return &Facility{c: c}
}

func (f *Facility) do(ctx context.Context, r fw.TableRequest) (fw.TableReply, error) {
	return fw.Call[fw.TableReply](ctx, f.c, r)
}

func (f *Facility) index(ctx context.Context, r fw.TableRequest) (uint32, error) {
	rep, err := f.do(ctx, r)
	if err != nil {
		return 0, err
	}
	if rep.Index > uint64(^uint32(0)) {
		return 0, ufp.Errorf(ufp.KindInternal, "%s: index %d out of range", r.Op, rep.Index)
	}
	return uint32(rep.Index), nil
}

func (f *Facility) AllocIdent(ctx context.Context, dir ufp.Direction, typ tf.IdentType) (uint32, error) {
	return f.index(ctx, fw.TableRequest{Op: fw.TableAllocIdent, Dir: dir, Type: uint16(typ)})
}

func (f *Facility) FreeIdent(ctx context.Context, dir ufp.Direction, typ tf.IdentType, id uint32) error {
	_, err := f.do(ctx, fw.TableRequest{Op: fw.TableFreeIdent, Dir: dir, Type: uint16(typ), Index: uint64(id)})
	return err
}

func (f *Facility) AllocTblEntry(ctx context.Context, dir ufp.Direction, typ tf.TableType) (uint32, error) {
	return f.index(ctx, fw.TableRequest{Op: fw.TableAllocEntry, Dir: dir, Type: uint16(typ)})
}

func (f *Facility) SetTblEntry(ctx context.Context, dir ufp.Direction, typ tf.TableType, idx uint32, data []byte) error {
	_, err := f.do(ctx, fw.TableRequest{Op: fw.TableSetEntry, Dir: dir, Type: uint16(typ), Index: uint64(idx), Data: data})
	return err
}

func (f *Facility) GetTblEntry(ctx context.Context, dir ufp.Direction, typ tf.TableType, idx uint32) ([]byte, error) {
	rep, err := f.do(ctx, fw.TableRequest{Op: fw.TableGetEntry, Dir: dir, Type: uint16(typ), Index: uint64(idx)})
	return rep.Data, err
}

func (f *Facility) FreeTblEntry(ctx context.Context, dir ufp.Direction, typ tf.TableType, idx uint32) error {
	_, err := f.do(ctx, fw.TableRequest{Op: fw.TableFreeEntry, Dir: dir, Type: uint16(typ), Index: uint64(idx)})
	return err
}

func (f *Facility) AllocTCAM(ctx context.Context, e tf.TCAMEntry) (uint32, error) {
	return f.index(ctx, fw.TableRequest{
		Op: fw.TableAllocTCAM, Dir: e.Dir, Type: uint16(e.Type), Priority: e.Priority,
		Key: e.Key, Mask: e.Mask, Data: e.Result,
	})
}

func (f *Facility) FreeTCAM(ctx context.Context, dir ufp.Direction, typ tf.TCAMType, idx uint32) error {
	_, err := f.do(ctx, fw.TableRequest{Op: fw.TableFreeTCAM, Dir: dir, Type: uint16(typ), Index: uint64(idx)})
	return err
}

func (f *Facility) InsertEM(ctx context.Context, e tf.EMEntry) (uint64, error) {
	rep, err := f.do(ctx, fw.TableRequest{Op: fw.TableInsertEM, Dir: e.Dir, Type: uint16(e.Type), Key: e.Key, Data: e.Result})
	return rep.Index, err
}

func (f *Facility) DeleteEM(ctx context.Context, dir ufp.Direction, typ tf.EMType, handle uint64) error {
	_, err := f.do(ctx, fw.TableRequest{Op: fw.TableDeleteEM, Dir: dir, Type: uint16(typ), Index: handle})
	return err
}

func (f *Facility) SetIfTbl(ctx context.Context, dir ufp.Direction, typ tf.IfTableType, idx uint32, data []byte) error {
	_, err := f.do(ctx, fw.TableRequest{Op: fw.TableSetIf, Dir: dir, Type: uint16(typ), Index: uint64(idx), Data: data})
	return err
}

func (f *Facility) GetIfTbl(ctx context.Context, dir ufp.Direction, typ tf.IfTableType, idx uint32) ([]byte, error) {
	rep, err := f.do(ctx, fw.TableRequest{Op: fw.TableGetIf, Dir: dir, Type: uint16(typ), Index: uint64(idx)})
	return rep.Data, err
}

func (f *Facility) SetGlobalCfg(ctx context.Context, cfg tf.GlobalCfg) error {
	_, err := f.do(ctx, fw.TableRequest{
		Op: fw.TableSetGlobal, Dir: cfg.Dir, Type: cfg.Type, Offset: cfg.Offset, Data: cfg.Value, Mask: cfg.Mask,
	})
	return err
}

func (f *Facility) AllocTblScope(ctx context.Context, p tf.ScopeParams) (uint32, error) {
	return f.index(ctx, fw.TableRequest{Op: fw.TableAllocScope, Scope: p})
}

func (f *Facility) FreeTblScope(ctx context.Context, id uint32) error {
	_, err := f.do(ctx, fw.TableRequest{Op: fw.TableFreeScope, Index: uint64(id)})
	return err
}
