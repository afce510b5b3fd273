package flowdb_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-ufp"
	"github.com/frobware/go-ufp/flowdb"
)

// releaseLog records release callbacks in call order.
type releaseLog struct {
	calls []ufp.Resource
}

func (l *releaseLog) release(_ context.Context, _ ufp.FlowID, r ufp.Resource) error {
	l.calls = append(l.calls, r)
	return nil
}

func newDB(t *testing.T, size uint32) (*flowdb.DB, *releaseLog) {
	t.Helper()
	db, err := flowdb.New(size, nil)
	require.NoError(t, err)
	log := &releaseLog{}
	for fn := ufp.ResourceFuncIdentifier; fn < ufp.NumResourceFuncs; fn++ {
		db.RegisterRelease(fn, log.release)
	}
	return db, log
}

func res(fn ufp.ResourceFunc, h uint64) ufp.Resource {
	return ufp.Resource{Func: fn, Handle: h}
}

func TestAllocNeverReturnsZero(t *testing.T) {
	db, _ := newDB(t, 3)
	seen := map[ufp.FlowID]bool{}
	for range 3 {
		id, err := db.Alloc(flowdb.Attrs{})
		require.NoError(t, err)
		assert.NotZero(t, id)
		seen[id] = true
	}
	assert.Len(t, seen, 3)

	_, err := db.Alloc(flowdb.Attrs{})
	assert.True(t, errors.Is(err, ufp.ErrResourceExhausted))
}

// TestFlushReleasesInReverse verifies that every record appended is
// released exactly once, last first.
func TestFlushReleasesInReverse(t *testing.T) {
	db, log := newDB(t, 4)
	ctx := context.Background()
	fid, err := db.Alloc(flowdb.Attrs{Type: ufp.FlowTypeRegular})
	require.NoError(t, err)

	added := []ufp.Resource{
		res(ufp.ResourceFuncIdentifier, 1),
		res(ufp.ResourceFuncTCAMTable, 2),
		res(ufp.ResourceFuncEMTable, 3),
	}
	for _, r := range added {
		require.NoError(t, db.ResourceAdd(fid, r))
	}
	require.NoError(t, db.Commit(fid))
	require.NoError(t, db.FlowFlush(ctx, fid))

	require.Len(t, log.calls, len(added))
	for i, r := range log.calls {
		assert.Equal(t, added[len(added)-1-i], r)
	}
	assert.Equal(t, 0, db.Count())

	_, err = db.Get(fid)
	var nf ufp.ErrFlowNotFound
	assert.True(t, errors.As(err, &nf))
}

func TestResourceNextCursor(t *testing.T) {
	db, _ := newDB(t, 2)
	fid, err := db.Alloc(flowdb.Attrs{})
	require.NoError(t, err)
	require.NoError(t, db.ResourceAdd(fid, res(ufp.ResourceFuncIdentifier, 10)))
	require.NoError(t, db.ResourceAdd(fid, res(ufp.ResourceFuncIfTable, 11)))

	var got []uint64
	cursor := 0
	for {
		r, next, err := db.ResourceNext(fid, cursor)
		if errors.Is(err, flowdb.ErrEndOfList) {
			break
		}
		require.NoError(t, err)
		got = append(got, r.Handle)
		cursor = next
	}
	assert.Equal(t, []uint64{10, 11}, got)
}

func TestCommitDropsTransientRecords(t *testing.T) {
	db, log := newDB(t, 2)
	fid, err := db.Alloc(flowdb.Attrs{})
	require.NoError(t, err)
	require.NoError(t, db.ResourceAdd(fid, ufp.Resource{Func: ufp.ResourceFuncRIDAlloc, Handle: 2, Flags: ufp.ReserveTransient}))
	require.NoError(t, db.ResourceAdd(fid, res(ufp.ResourceFuncGenericTable, 5)))
	require.NoError(t, db.Commit(fid))

	f, err := db.Get(fid)
	require.NoError(t, err)
	assert.True(t, f.Committed)
	require.Len(t, f.Resources, 1)
	assert.Equal(t, ufp.ResourceFuncGenericTable, f.Resources[0].Func)

	require.NoError(t, db.FlowFlush(context.Background(), fid))
	assert.Len(t, log.calls, 1)
}

func TestParentBusyWhileChildrenRemain(t *testing.T) {
	db, _ := newDB(t, 4)
	ctx := context.Background()
	parent, err := db.Alloc(flowdb.Attrs{Type: ufp.FlowTypeParent})
	require.NoError(t, err)
	child, err := db.Alloc(flowdb.Attrs{Type: ufp.FlowTypeChild})
	require.NoError(t, err)
	require.NoError(t, db.ParentChildLink(parent, child))

	err = db.FlowFlush(ctx, parent)
	assert.True(t, errors.Is(err, ufp.ErrBusy))
	var busy ufp.ErrFlowBusy
	require.True(t, errors.As(err, &busy))
	assert.Equal(t, 1, busy.Children)

	require.NoError(t, db.FlowFlush(ctx, child))
	p, err := db.Get(parent)
	require.NoError(t, err)
	assert.Zero(t, p.Children)
	require.NoError(t, db.FlowFlush(ctx, parent))
}

func TestParentChildUnlink(t *testing.T) {
	db, _ := newDB(t, 4)
	ctx := context.Background()
	parent, err := db.Alloc(flowdb.Attrs{Type: ufp.FlowTypeParent})
	require.NoError(t, err)
	child, err := db.Alloc(flowdb.Attrs{Type: ufp.FlowTypeChild})
	require.NoError(t, err)
	require.NoError(t, db.ParentChildLink(parent, child))

	require.NoError(t, db.ParentChildUnlink(child))
	c, err := db.Get(child)
	require.NoError(t, err)
	assert.Zero(t, c.Parent)
	require.NoError(t, db.ParentChildUnlink(child))

	require.NoError(t, db.FlowFlush(ctx, parent))
	assert.True(t, errors.Is(db.ParentChildUnlink(parent), ufp.ErrNotFound))
}

func TestParentChildLinkRejectsInvalid(t *testing.T) {
	db, _ := newDB(t, 4)
	rid, err := db.Alloc(flowdb.Attrs{Type: ufp.FlowTypeRID})
	require.NoError(t, err)
	child, err := db.Alloc(flowdb.Attrs{Type: ufp.FlowTypeChild})
	require.NoError(t, err)

	assert.True(t, errors.Is(db.ParentChildLink(rid, child), ufp.ErrInvalidArg))
	assert.True(t, errors.Is(db.ParentChildLink(99, child), ufp.ErrNotFound))
	assert.True(t, errors.Is(db.ParentChildLink(child, child), ufp.ErrInvalidArg))
}

// TestReleaseMayFlushAnotherFlow verifies that a release callback can
// re-enter the database, as happens when dropping the last reference
// on a cache entry flushes its RID flow.
func TestReleaseMayFlushAnotherFlow(t *testing.T) {
	db, err := flowdb.New(4, nil)
	require.NoError(t, err)
	ctx := context.Background()

	var ridReleased bool
	db.RegisterRelease(ufp.ResourceFuncEMTable, func(context.Context, ufp.FlowID, ufp.Resource) error {
		ridReleased = true
		return nil
	})
	db.RegisterRelease(ufp.ResourceFuncGenericTable, func(ctx context.Context, _ ufp.FlowID, r ufp.Resource) error {
		return db.FlowFlush(ctx, ufp.FlowID(r.Handle))
	})

	rid, err := db.Alloc(flowdb.Attrs{Type: ufp.FlowTypeRID})
	require.NoError(t, err)
	require.NoError(t, db.ResourceAdd(rid, res(ufp.ResourceFuncEMTable, 1)))
	main, err := db.Alloc(flowdb.Attrs{})
	require.NoError(t, err)
	require.NoError(t, db.ResourceAdd(main, res(ufp.ResourceFuncGenericTable, uint64(rid))))

	require.NoError(t, db.FlowFlush(ctx, main))
	assert.True(t, ridReleased)
	assert.Equal(t, 0, db.Count())
}

func TestReleaseErrorsStillFreeFlow(t *testing.T) {
	db, err := flowdb.New(2, nil)
	require.NoError(t, err)
	boom := errors.New("boom")
	db.RegisterRelease(ufp.ResourceFuncIdentifier, func(context.Context, ufp.FlowID, ufp.Resource) error { return boom })

	fid, err := db.Alloc(flowdb.Attrs{})
	require.NoError(t, err)
	require.NoError(t, db.ResourceAdd(fid, res(ufp.ResourceFuncIdentifier, 1)))
	require.NoError(t, db.ResourceAdd(fid, res(ufp.ResourceFuncCMMStat, 2)))

	err = db.FlowFlush(context.Background(), fid)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, ufp.ErrInternal, "no callback for cmm-stat")
	assert.Equal(t, 0, db.Count())
}

func TestFunctionFlowFlush(t *testing.T) {
	db, _ := newDB(t, 8)
	ctx := context.Background()

	alloc := func(a flowdb.Attrs) ufp.FlowID {
		id, err := db.Alloc(a)
		require.NoError(t, err)
		require.NoError(t, db.Commit(id))
		return id
	}
	parent := alloc(flowdb.Attrs{Type: ufp.FlowTypeParent, FunctionID: 3})
	child := alloc(flowdb.Attrs{Type: ufp.FlowTypeChild, FunctionID: 3})
	require.NoError(t, db.ParentChildLink(parent, child))
	alloc(flowdb.Attrs{FunctionID: 3})
	other := alloc(flowdb.Attrs{FunctionID: 4})
	alloc(flowdb.Attrs{Type: ufp.FlowTypeRID, FunctionID: 3})

	n, err := db.FunctionFlowFlush(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	flows := db.Flows()
	require.Len(t, flows, 2)
	assert.Equal(t, other, flows[0].ID)
	assert.Equal(t, ufp.FlowTypeRID, flows[1].Type)
}
