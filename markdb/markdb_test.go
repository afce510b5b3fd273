package markdb_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-ufp"
	"github.com/frobware/go-ufp/markdb"
)

func newDB(t *testing.T) *markdb.DB {
	t.Helper()
	db, err := markdb.New(markdb.Config{LFIDEntries: 64, GFIDEntries: 16})
	require.NoError(t, err)
	return db
}

func TestLFIDAddGetDel(t *testing.T) {
	db := newDB(t)
	require.NoError(t, db.Add(0, 5, 0xabc))

	mark, vfr, err := db.Get(false, 5)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xabc), mark)
	assert.False(t, vfr)

	require.NoError(t, db.Del(0, 5))
	_, _, err = db.Get(false, 5)
	assert.True(t, errors.Is(err, ufp.ErrNotFound))
}

func TestDoubleAddConflicts(t *testing.T) {
	db := newDB(t)
	require.NoError(t, db.Add(markdb.FlagVFRID, 1, 7))
	err := db.Add(0, 1, 8)
	assert.True(t, errors.Is(err, ufp.ErrConflict))

	mark, vfr, err := db.Get(false, 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), mark, "first owner kept")
	assert.True(t, vfr)
}

func TestDelInvalidSlot(t *testing.T) {
	db := newDB(t)
	err := db.Del(0, 3)
	assert.True(t, errors.Is(err, ufp.ErrNotFound))
}

// TestGFIDIndexing verifies i == (fid & gfid_mask) | hash_type_bit for
// the high half.
func TestGFIDIndexing(t *testing.T) {
	db := newDB(t)
	assert.Equal(t, uint32(7), db.GFIDMask())

	tests := []struct {
		fid  uint32
		want uint32
	}{
		{0x00000003, 3},
		{0x0000000b, 3},
		{0x80000003, 11},
		{0x8000ffff, 15},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, db.GFIDIndex(tt.fid), "fid 0x%x", tt.fid)
	}

	require.NoError(t, db.Add(markdb.FlagGFID, 0x80000003, 42))
	mark, _, err := db.Get(true, 0x80000003)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), mark)

	_, _, err = db.Get(true, 0x00000003)
	assert.True(t, errors.Is(err, ufp.ErrNotFound), "low half untouched")

	lfid, gfid := db.Valid()
	assert.Equal(t, 0, lfid)
	assert.Equal(t, 1, gfid)
}

func TestGFIDDisabled(t *testing.T) {
	db, err := markdb.New(markdb.Config{LFIDEntries: 4})
	require.NoError(t, err)
	err = db.Add(markdb.FlagGFID, 1, 1)
	assert.True(t, errors.Is(err, ufp.ErrInvalidArg))
}

func TestInvalidSizes(t *testing.T) {
	_, err := markdb.New(markdb.Config{LFIDEntries: 4, GFIDEntries: 12})
	assert.True(t, errors.Is(err, ufp.ErrInvalidArg))
	_, err = markdb.New(markdb.Config{})
	assert.True(t, errors.Is(err, ufp.ErrInvalidArg))
}
