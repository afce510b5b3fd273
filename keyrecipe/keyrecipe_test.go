package keyrecipe_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-ufp"
	"github.com/frobware/go-ufp/gentbl"
	"github.com/frobware/go-ufp/keyrecipe"
)

func newStore(t *testing.T) *keyrecipe.Store {
	t.Helper()
	set, err := gentbl.NewSet(gentbl.DefaultDescriptors())
	require.NoError(t, err)
	s, err := keyrecipe.New(set)
	require.NoError(t, err)
	return s
}

var fiveTuple = []keyrecipe.Field{
	{Selector: 0x0108, Offset: 0, Width: 32},
	{Selector: 0x0109, Offset: 32, Width: 32},
	{Selector: 0x010a, Offset: 64, Width: 8},
}

func TestInternSharesLayouts(t *testing.T) {
	s := newStore(t)

	id1, fp1, err := s.Intern(ufp.DirRX, fiveTuple)
	require.NoError(t, err)
	id2, fp2, err := s.Intern(ufp.DirRX, fiveTuple)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.Equal(t, fp1, fp2)

	other, _, err := s.Intern(ufp.DirRX, fiveTuple[:2])
	require.NoError(t, err)
	assert.NotEqual(t, id1, other)

	r, err := s.Lookup(ufp.DirRX, id1)
	require.NoError(t, err)
	assert.Equal(t, fiveTuple, r.Fields)
	assert.Equal(t, uint32(2), r.RefCount)
	assert.Equal(t, fp1, r.LayoutHash)
}

func TestDirectionsAreIndependent(t *testing.T) {
	s := newStore(t)
	rx, _, err := s.Intern(ufp.DirRX, fiveTuple)
	require.NoError(t, err)
	require.NoError(t, s.Release(ufp.DirRX, rx))

	_, err = s.Lookup(ufp.DirTX, rx)
	assert.True(t, errors.Is(err, ufp.ErrNotFound))
}

func TestReleaseFreesOnLastReference(t *testing.T) {
	s := newStore(t)
	id, _, err := s.Intern(ufp.DirTX, fiveTuple)
	require.NoError(t, err)
	_, _, err = s.Intern(ufp.DirTX, fiveTuple)
	require.NoError(t, err)

	require.NoError(t, s.Release(ufp.DirTX, id))
	_, err = s.Lookup(ufp.DirTX, id)
	require.NoError(t, err)

	require.NoError(t, s.Release(ufp.DirTX, id))
	_, err = s.Lookup(ufp.DirTX, id)
	assert.True(t, errors.Is(err, ufp.ErrNotFound))
}

func TestEmptyLayoutRejected(t *testing.T) {
	s := newStore(t)
	_, _, err := s.Intern(ufp.DirRX, nil)
	assert.True(t, errors.Is(err, ufp.ErrInvalidArg))
}

func TestRefCount(t *testing.T) {
	s := newStore(t)
	id, _, err := s.Intern(ufp.DirRX, fiveTuple)
	require.NoError(t, err)
	_, _, err = s.Intern(ufp.DirRX, fiveTuple)
	require.NoError(t, err)

	n, err := s.RefCount(ufp.DirRX, id)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), n)

	require.NoError(t, s.Release(ufp.DirRX, id))
	require.NoError(t, s.Release(ufp.DirRX, id))
	n, err = s.RefCount(ufp.DirRX, id)
	require.NoError(t, err)
	assert.Zero(t, n)
}
