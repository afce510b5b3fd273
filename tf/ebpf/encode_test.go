package ebpf

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-ufp"
)

func TestEncodeDecode(t *testing.T) {
	v, err := encode([]byte{1, 2}, nil, []byte{3})
	require.NoError(t, err)
	require.Len(t, v, ValueSize)

	segs, err := decode(v, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, segs[0])
	assert.Empty(t, segs[1])
	assert.Equal(t, []byte{3}, segs[2])

	_, err = encode(make([]byte, ValueSize))
	assert.True(t, errors.Is(err, ufp.ErrInvalidArg))

	_, err = decode([]byte{0, 9, 1}, 1)
	assert.True(t, errors.Is(err, ufp.ErrInternal))
}

func TestMapNames(t *testing.T) {
	for _, k := range []mapKey{
		{ufp.ResourceFuncIdentifier, ufp.DirRX, 1},
		{ufp.ResourceFuncTCAMTable, ufp.DirTX, 4},
		{ufp.ResourceFuncIndexTable, ufp.DirTX, 2},
	} {
		assert.LessOrEqual(t, len(k.name()), 15, k.name())
	}
	assert.Equal(t, "ufp_tcam_tx_4", mapKey{ufp.ResourceFuncTCAMTable, ufp.DirTX, 4}.name())
}
