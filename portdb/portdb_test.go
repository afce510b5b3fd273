package portdb_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-ufp"
	"github.com/frobware/go-ufp/portdb"
)

// seedPorts populates a physical port, its PF, a VF and the VF's
// representor.
func seedPorts(t *testing.T) *portdb.DB {
	t.Helper()
	db, err := portdb.New(8)
	require.NoError(t, err)
	for _, d := range []portdb.Descriptor{
		{LogicalID: 0, Type: portdb.PortTypePhy, SVIF: 0x10, Parif: 0x1, PhyPort: 0},
		{LogicalID: 1, Type: portdb.PortTypePF, SVIF: 0x20, Parif: 0x2, VNIC: 0x100, FunctionID: 1, FunctionFID: 0xf1, PhyPort: 0},
		{LogicalID: 2, Type: portdb.PortTypeVF, SVIF: 0x30, Parif: 0x2, VNIC: 0x200, FunctionID: 2, FunctionFID: 0xf2, PhyPort: 0, IsVF: true},
		{LogicalID: 3, Type: portdb.PortTypeVFRep, SVIF: 0x40, Parif: 0x2, VNIC: 0x100, FunctionID: 1, VFFunctionID: 2, PhyPort: 0, IsVFR: true, PortIDMeta: 7},
	} {
		require.NoError(t, db.Update(d))
	}
	return db
}

func TestComputedFields(t *testing.T) {
	db := seedPorts(t)

	tests := []struct {
		port  uint16
		field portdb.Field
		want  uint64
	}{
		{1, portdb.PortSVIF, 0x20},
		{3, portdb.PortSVIF, 0x40},
		{2, portdb.PhyPortSVIF, 0x10},
		{0, portdb.PhyPortParif, 0x1},
		{3, portdb.DrvFuncSVIF, 0x20},
		{3, portdb.DrvFuncVNIC, 0x100},
		{2, portdb.DrvFuncParif, 0x2},
		{3, portdb.VFFuncSVIF, 0x30},
		{3, portdb.VFFuncVNIC, 0x200},
		{3, portdb.MatchPortIsVFRep, 1},
		{1, portdb.MatchPortIsVFRep, 0},
		{3, portdb.PortIDMeta, 7},
	}
	for _, tt := range tests {
		t.Run(tt.field.String(), func(t *testing.T) {
			got, err := db.ComputedFieldGet(tt.port, tt.field)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUnknownPort(t *testing.T) {
	db := seedPorts(t)
	_, err := db.ComputedFieldGet(5, portdb.PortSVIF)
	assert.True(t, errors.Is(err, ufp.ErrNotFound))
	var up ufp.ErrUnknownPort
	assert.True(t, errors.As(err, &up))
	assert.Equal(t, uint16(5), up.Port)

	_, err = db.ComputedFieldGet(100, portdb.PortSVIF)
	assert.True(t, errors.Is(err, ufp.ErrNotFound))

	_, err = db.ComputedFieldGet(1, portdb.VFFuncVNIC)
	assert.True(t, errors.Is(err, ufp.ErrInvalidArg), "not a representor")
}

func TestFuncIDGet(t *testing.T) {
	db := seedPorts(t)
	id, err := db.FuncIDGet(0xf2)
	require.NoError(t, err)
	assert.Equal(t, uint16(2), id)

	_, err = db.FuncIDGet(0xee)
	assert.True(t, errors.Is(err, ufp.ErrNotFound))
}

// TestUpdateIsIdempotentAndReplaces verifies that an update replaces
// the earlier descriptor and the SVIF read back is the update-time one.
func TestUpdateIsIdempotentAndReplaces(t *testing.T) {
	db := seedPorts(t)
	d, err := db.Get(2)
	require.NoError(t, err)
	require.NoError(t, db.Update(d))
	require.NoError(t, db.Update(d))
	assert.Len(t, db.Ports(), 4)

	d.SVIF = 0x33
	d.FunctionFID = 0xf3
	require.NoError(t, db.Update(d))

	svif, err := db.ComputedFieldGet(2, portdb.PortSVIF)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x33), svif)

	_, err = db.FuncIDGet(0xf2)
	assert.Error(t, err, "old fid forgotten")
	id, err := db.FuncIDGet(0xf3)
	require.NoError(t, err)
	assert.Equal(t, uint16(2), id)
}

func TestUpdateOutOfRange(t *testing.T) {
	db, err := portdb.New(2)
	require.NoError(t, err)
	err = db.Update(portdb.Descriptor{LogicalID: 2})
	assert.True(t, errors.Is(err, ufp.ErrInvalidArg))

	_, err = portdb.New(0)
	assert.Error(t, err)
}
