package blob_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-ufp/blob"
)

func TestBigEndianPacksMSBFirst(t *testing.T) {
	b := blob.New(24, blob.BigEndian)
	require.NoError(t, b.PushUint(0x5, 4))
	require.NoError(t, b.Push([]byte{0x0a, 0x00, 0x00, 0x01}, 12))
	require.NoError(t, b.PushUint(0xff, 8))

	// 0101 | 0000 0000 0001 | 1111 1111
	assert.Equal(t, []byte{0x50, 0x01, 0xff}, b.Bytes())
	assert.Equal(t, 24, b.Len())

	v, err := b.Uint(4, 12)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)
}

func TestHostPacksLSBFirst(t *testing.T) {
	b := blob.New(16, blob.Host)
	require.NoError(t, b.PushUint(0x3, 2))
	require.NoError(t, b.PushUint(0x1ff, 9))

	// bits 0-1 = 11, bits 2-10 = 1 1111 1111
	assert.Equal(t, []byte{0xff, 0x07}, b.Bytes())

	v, err := b.Uint(2, 9)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1ff), v)
}

func TestFieldRoundTripsWideValues(t *testing.T) {
	for _, order := range []blob.ByteOrder{blob.Host, blob.BigEndian} {
		t.Run(order.String(), func(t *testing.T) {
			mac := []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
			b := blob.New(3+48+5, order)
			require.NoError(t, b.PushUint(0x5, 3))
			require.NoError(t, b.Push(mac, 48))
			require.NoError(t, b.PushUint(0x11, 5))

			got, err := b.Field(3, 48)
			require.NoError(t, err)
			assert.Equal(t, mac, got)

			tail, err := b.Uint(51, 5)
			require.NoError(t, err)
			assert.Equal(t, uint64(0x11), tail)
		})
	}
}

func TestPushTruncatesToWidth(t *testing.T) {
	b := blob.New(8, blob.BigEndian)
	require.NoError(t, b.PushUint(0xabc, 4))
	assert.Equal(t, []byte{0xc0}, b.Bytes())
}

func TestOverflow(t *testing.T) {
	b := blob.New(8, blob.BigEndian)
	require.NoError(t, b.PushUint(1, 6))
	assert.Error(t, b.PushUint(1, 3))
	assert.Error(t, b.Pad(3))
	_, err := b.Field(4, 8)
	assert.Error(t, err)
}

func TestFromUint(t *testing.T) {
	assert.Equal(t, []byte{0x01, 0x02}, blob.FromUint(0x0102, 12))
	assert.Equal(t, uint64(0x0102), blob.ToUint([]byte{0x01, 0x02}))
	assert.Equal(t, []byte{0}, blob.FromUint(0, 1))
}
