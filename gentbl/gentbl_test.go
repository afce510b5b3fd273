package gentbl_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-ufp"
	"github.com/frobware/go-ufp/blob"
	"github.com/frobware/go-ufp/gentbl"
)

func hashTable(t *testing.T, entries uint32, buckets uint32, width uint8) *gentbl.Table {
	t.Helper()
	tbl, err := gentbl.New(gentbl.Params{
		Name:            "test",
		LookupType:      gentbl.LookupHash,
		NumEntries:      entries,
		KeyBytes:        8,
		PartialKeyBytes: 2,
		ResultBytes:     4,
		NumBuckets:      buckets,
		BucketWidth:     width,
		ByteOrder:       blob.BigEndian,
	})
	require.NoError(t, err)
	return tbl
}

// TestWriteThenRead verifies gt_write(k, v); gt_read(k) returns v with
// a non-zero refcount and hit set.
func TestWriteThenRead(t *testing.T) {
	tbl := hashTable(t, 16, 4, 4)

	slot, created, err := tbl.Write([]byte("key1"), []byte{1, 2, 3, 4}, gentbl.WriteOpts{Owner: 7, FlowSig: 99})
	require.NoError(t, err)
	assert.True(t, created)

	rr, err := tbl.Read([]byte("key1"))
	require.NoError(t, err)
	assert.True(t, rr.Hit)
	assert.Equal(t, slot, rr.Slot)
	assert.Equal(t, []byte{1, 2, 3, 4}, rr.Result)
	assert.Equal(t, uint32(1), rr.RefCount)

	e, ok := tbl.Entry(slot)
	require.True(t, ok)
	assert.Equal(t, ufp.FlowID(7), e.Owner)
	assert.Equal(t, uint64(99), e.FlowSig)
}

func TestReadMissAllocatesNothing(t *testing.T) {
	tbl := hashTable(t, 16, 4, 4)
	rr, err := tbl.Read([]byte("absent"))
	require.NoError(t, err)
	assert.False(t, rr.Hit)
	assert.Equal(t, 0, tbl.InUse())
}

// TestWriteExistingIncrementsRefcount verifies that writing an existing
// key shares the slot and leaves the stored result untouched.
func TestWriteExistingIncrementsRefcount(t *testing.T) {
	tbl := hashTable(t, 16, 4, 4)
	s1, _, err := tbl.Write([]byte("k"), []byte{1}, gentbl.WriteOpts{})
	require.NoError(t, err)
	s2, created, err := tbl.Write([]byte("k"), []byte{2}, gentbl.WriteOpts{})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, s1, s2)

	rr, err := tbl.Read([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, uint32(2), rr.RefCount)
	assert.Equal(t, byte(1), rr.Result[0])
	assert.Equal(t, 1, tbl.InUse())
}

func TestRefDecToZeroInvalidatesSlot(t *testing.T) {
	tbl := hashTable(t, 16, 1, 4)
	a, _, err := tbl.Write([]byte("a"), nil, gentbl.WriteOpts{Owner: 1, RID: 5})
	require.NoError(t, err)
	b, _, err := tbl.Write([]byte("b"), nil, gentbl.WriteOpts{})
	require.NoError(t, err)
	require.NoError(t, tbl.RefInc(a))

	snap, err := tbl.RefDec(a)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), snap.RefCount)

	snap, err = tbl.RefDec(a)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), snap.RefCount)
	assert.Equal(t, ufp.FlowID(5), snap.RID, "snapshot carries the RID for the caller to release")

	e, ok := tbl.Entry(a)
	require.True(t, ok)
	assert.False(t, e.InUse)
	assert.Equal(t, ufp.FlowID(0), e.Owner)

	rr, err := tbl.Read([]byte("b"))
	require.NoError(t, err)
	assert.True(t, rr.Hit, "chain survives removal of its head")
	assert.Equal(t, b, rr.Slot, "other slots keep their index")

	_, err = tbl.RefDec(a)
	assert.True(t, errors.Is(err, ufp.ErrNotFound))
}

// TestChainExhaustionLeavesTableUnchanged verifies NO_SPACE on a full
// bucket chain.
func TestChainExhaustionLeavesTableUnchanged(t *testing.T) {
	tbl := hashTable(t, 16, 1, 2)
	_, _, err := tbl.Write([]byte("a"), []byte{1}, gentbl.WriteOpts{})
	require.NoError(t, err)
	_, _, err = tbl.Write([]byte("b"), []byte{2}, gentbl.WriteOpts{})
	require.NoError(t, err)

	_, _, err = tbl.Write([]byte("c"), []byte{3}, gentbl.WriteOpts{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ufp.ErrResourceExhausted))
	assert.Equal(t, 2, tbl.InUse())

	rr, err := tbl.Read([]byte("c"))
	require.NoError(t, err)
	assert.False(t, rr.Hit)
}

func TestEntryExhaustion(t *testing.T) {
	tbl := hashTable(t, 2, 8, 8)
	for _, k := range []string{"a", "b"} {
		_, _, err := tbl.Write([]byte(k), nil, gentbl.WriteOpts{})
		require.NoError(t, err)
	}
	_, _, err := tbl.Write([]byte("c"), nil, gentbl.WriteOpts{})
	assert.True(t, errors.Is(err, ufp.ErrResourceExhausted))
}

func TestInvalidKey(t *testing.T) {
	tbl := hashTable(t, 4, 1, 1)
	_, _, err := tbl.Write(nil, nil, gentbl.WriteOpts{})
	assert.True(t, errors.Is(err, ufp.ErrInvalidArg))
	_, err = tbl.Read([]byte{})
	assert.True(t, errors.Is(err, ufp.ErrInvalidArg))
	_, _, err = tbl.Write([]byte("123456789"), nil, gentbl.WriteOpts{})
	assert.True(t, errors.Is(err, ufp.ErrInvalidArg))
}

func TestConflictCheck(t *testing.T) {
	tbl := hashTable(t, 4, 1, 4)
	slot, _, err := tbl.Write([]byte("s"), nil, gentbl.WriteOpts{FlowSig: 1})
	require.NoError(t, err)
	assert.False(t, tbl.ConflictCheck(slot, 1))
	assert.True(t, tbl.ConflictCheck(slot, 2))
}

func TestIndexTable(t *testing.T) {
	tbl, err := gentbl.New(gentbl.Params{
		Name: "idx", LookupType: gentbl.LookupIndex, NumEntries: 8, KeyBytes: 2, ResultBytes: 4,
	})
	require.NoError(t, err)

	slot, created, err := tbl.Write([]byte{0, 5}, []byte{0xca, 0xfe}, gentbl.WriteOpts{})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, uint32(5), slot)

	rr, err := tbl.Read([]byte{0, 5})
	require.NoError(t, err)
	assert.True(t, rr.Hit)
	assert.Equal(t, []byte{0xca, 0xfe, 0, 0}, rr.Result)

	_, created, err = tbl.Write([]byte{0, 5}, nil, gentbl.WriteOpts{})
	require.NoError(t, err)
	assert.False(t, created)

	_, _, err = tbl.Write([]byte{0, 9}, nil, gentbl.WriteOpts{})
	assert.True(t, errors.Is(err, ufp.ErrInvalidArg), "index beyond the table")

	rr, err = tbl.Read([]byte{0, 1})
	require.NoError(t, err)
	assert.False(t, rr.Hit)
}

func TestSet(t *testing.T) {
	s, err := gentbl.NewSet(gentbl.DefaultDescriptors())
	require.NoError(t, err)

	tbl, err := s.Table(ufp.DirTX, gentbl.TableFlowCache)
	require.NoError(t, err)
	assert.Equal(t, gentbl.LookupHash, tbl.Params().LookupType)

	_, err = s.Table(ufp.DirRX, gentbl.ID(99))
	assert.True(t, errors.Is(err, ufp.ErrNotFound))

	n := 0
	s.Each(func(ufp.Direction, gentbl.ID, *gentbl.Table) { n++ })
	assert.Equal(t, len(gentbl.DefaultDescriptors()), n)

	_, err = gentbl.NewSet(append(gentbl.DefaultDescriptors(), gentbl.DefaultDescriptors()[0]))
	assert.Error(t, err)
}
