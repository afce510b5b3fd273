package memory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-ufp"
	"github.com/frobware/go-ufp/tf"
	"github.com/frobware/go-ufp/tf/memory"
)

func small() memory.Config {
	cfg := memory.DefaultConfig()
	cfg.Idents[tf.IdentL2Ctxt] = 2
	cfg.EMEntries[tf.EMInternal] = 4
	return cfg
}

func TestIdentifierPoolExhaustion(t *testing.T) {
	f := memory.New(small())
	ctx := context.Background()

	a, err := f.AllocIdent(ctx, ufp.DirRX, tf.IdentL2Ctxt)
	require.NoError(t, err)
	b, err := f.AllocIdent(ctx, ufp.DirRX, tf.IdentL2Ctxt)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2}, []uint32{a, b})

	_, err = f.AllocIdent(ctx, ufp.DirRX, tf.IdentL2Ctxt)
	assert.True(t, errors.Is(err, ufp.ErrResourceExhausted))

	// Directions have separate pools.
	_, err = f.AllocIdent(ctx, ufp.DirTX, tf.IdentL2Ctxt)
	assert.NoError(t, err)

	require.NoError(t, f.FreeIdent(ctx, ufp.DirRX, tf.IdentL2Ctxt, a))
	again, err := f.AllocIdent(ctx, ufp.DirRX, tf.IdentL2Ctxt)
	require.NoError(t, err)
	assert.Equal(t, a, again, "lowest free index reused")

	err = f.FreeIdent(ctx, ufp.DirRX, tf.IdentL2Ctxt, 99)
	assert.True(t, errors.Is(err, ufp.ErrNotFound))
}

func TestInjectFaultFiresOnce(t *testing.T) {
	f := memory.New(small())
	ctx := context.Background()
	boom := ufp.ErrRequestTimeout{Request: "tcam-alloc"}
	f.InjectFault(memory.OpAllocTCAM, 1, boom)

	e := tf.TCAMEntry{Dir: ufp.DirRX, Type: tf.TCAMProfile, Key: []byte{1}, Mask: []byte{0xff}}
	_, err := f.AllocTCAM(ctx, e)
	require.NoError(t, err)
	_, err = f.AllocTCAM(ctx, e)
	assert.True(t, errors.Is(err, ufp.ErrTimeout))
	_, err = f.AllocTCAM(ctx, e)
	assert.NoError(t, err)

	ops := f.Ops()
	require.Len(t, ops, 3)
	assert.Error(t, ops[1].Err)
	assert.Equal(t, 2, f.OutstandingOf(ufp.ResourceFuncTCAMTable, ufp.DirRX, uint16(tf.TCAMProfile)))
}

func TestDuplicateExactMatchKeyConflicts(t *testing.T) {
	f := memory.New(small())
	ctx := context.Background()
	e := tf.EMEntry{Dir: ufp.DirTX, Type: tf.EMInternal, Key: []byte{0xa, 0xb}, Result: []byte{1}}

	h, err := f.InsertEM(ctx, e)
	require.NoError(t, err)
	_, err = f.InsertEM(ctx, e)
	assert.True(t, errors.Is(err, ufp.ErrConflict))

	got, ok := f.EMEntry(ufp.DirTX, tf.EMInternal, h)
	require.True(t, ok)
	assert.Equal(t, e.Key, got.Key)

	require.NoError(t, f.DeleteEM(ctx, ufp.DirTX, tf.EMInternal, h))
	_, err = f.InsertEM(ctx, e)
	assert.NoError(t, err, "key is free again after delete")
}

func TestIndexTableRoundTrip(t *testing.T) {
	f := memory.New(small())
	ctx := context.Background()

	idx, err := f.AllocTblEntry(ctx, ufp.DirRX, tf.TableFullAction)
	require.NoError(t, err)
	require.NoError(t, f.SetTblEntry(ctx, ufp.DirRX, tf.TableFullAction, idx, []byte{1, 2, 3}))
	data, err := f.GetTblEntry(ctx, ufp.DirRX, tf.TableFullAction, idx)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)

	err = f.SetTblEntry(ctx, ufp.DirRX, tf.TableFullAction, idx+1, []byte{1})
	assert.True(t, errors.Is(err, ufp.ErrNotFound), "write to an unallocated entry")
}

func TestOutstandingReturnsToZero(t *testing.T) {
	f := memory.New(small())
	ctx := context.Background()

	id, err := f.AllocIdent(ctx, ufp.DirRX, tf.IdentEMProf)
	require.NoError(t, err)
	tcam, err := f.AllocTCAM(ctx, tf.TCAMEntry{Dir: ufp.DirRX, Type: tf.TCAML2CtxtLow, Key: []byte{1}, Mask: []byte{1}})
	require.NoError(t, err)
	require.NoError(t, f.SetIfTbl(ctx, ufp.DirRX, tf.IfTableSVIFVNIC, 7, []byte{0, 9}))

	u := f.Outstanding()
	assert.Equal(t, 1, u[ufp.ResourceFuncIdentifier])
	assert.Equal(t, 1, u[ufp.ResourceFuncTCAMTable])
	assert.Equal(t, 1, u[ufp.ResourceFuncIfTable])

	require.NoError(t, f.FreeIdent(ctx, ufp.DirRX, tf.IdentEMProf, id))
	require.NoError(t, f.FreeTCAM(ctx, ufp.DirRX, tf.TCAML2CtxtLow, tcam))
	require.NoError(t, f.SetIfTbl(ctx, ufp.DirRX, tf.IfTableSVIFVNIC, 7, nil))
	assert.Empty(t, f.Outstanding())
}
