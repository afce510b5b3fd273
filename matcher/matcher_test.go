package matcher_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-ufp"
	"github.com/frobware/go-ufp/matcher"
	"github.com/frobware/go-ufp/template"
)

func fiveTuple(dir ufp.Direction, l4 ufp.HeaderType, extra ufp.FieldID) ufp.Rule {
	l4Fields := map[ufp.FieldID]ufp.FieldSpec{
		ufp.FieldL4SrcPort: {Value: ufp.Bytes{0x00, 0x50}},
		ufp.FieldL4DstPort: {Value: ufp.Bytes{0x1f, 0x90}},
	}
	if extra != ufp.FieldInvalid {
		l4Fields[extra] = ufp.FieldSpec{Value: ufp.Bytes{0x02}}
	}
	return ufp.Rule{
		Direction: dir,
		Headers: []ufp.Header{
			{Type: ufp.HeaderEth},
			{Type: ufp.HeaderIPv4, Fields: map[ufp.FieldID]ufp.FieldSpec{
				ufp.FieldIPv4Src: {Value: ufp.Bytes{192, 168, 0, 1}},
				ufp.FieldIPv4Dst: {Value: ufp.Bytes{192, 168, 0, 2}},
			}},
			{Type: l4, Fields: l4Fields},
		},
		Actions: []ufp.Action{{Type: ufp.ActionCount}, {Type: ufp.ActionDrop}},
	}
}

func match(t *testing.T, m *matcher.Matcher, r ufp.Rule) (matcher.Result, error) {
	t.Helper()
	require.NoError(t, r.Normalize())
	return m.Match(matcher.ParamsOf(&r))
}

func TestMatch(t *testing.T) {
	s := template.Builtin()
	m := matcher.New(s)
	tid := func(name string) uint32 {
		if id, ok := s.ClassTID(name); ok {
			return id
		}
		id, ok := s.ActTID(name)
		require.True(t, ok, name)
		return id
	}

	tests := []struct {
		name  string
		rule  ufp.Rule
		class string
		act   string
		wc    uint16
	}{
		{"udp rx", fiveTuple(ufp.DirRX, ufp.HeaderUDP, 0), template.ClassIPv4UDPRX, template.ActFullActionRX, 0},
		{"tcp tx", fiveTuple(ufp.DirTX, ufp.HeaderTCP, 0), template.ClassIPv4TCPTX, template.ActFullActionTX, 0},
		{"vf representor", ufp.Rule{
			Direction: ufp.DirRX,
			Headers:   []ufp.Header{{Type: ufp.HeaderEth}, {Type: ufp.HeaderOVLAN}, {Type: ufp.HeaderIVLAN}},
			Actions:   []ufp.Action{{Type: ufp.ActionPopVLAN}, {Type: ufp.ActionCount}},
		}, template.ClassVFRepVLAN, template.ActVFRepToVF, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := match(t, m, tt.rule)
			require.NoError(t, err)
			assert.Equal(t, matcher.Result{ClassTID: tid(tt.class), ActTID: tid(tt.act), WCPriority: tt.wc}, got)
		})
	}
}

func TestNoTemplate(t *testing.T) {
	m := matcher.New(template.Builtin())

	missingPort := fiveTuple(ufp.DirRX, ufp.HeaderUDP, 0)
	delete(missingPort.Headers[2].Fields, ufp.FieldL4DstPort)

	vfrDrop := ufp.Rule{
		Direction: ufp.DirRX,
		Headers:   []ufp.Header{{Type: ufp.HeaderEth}, {Type: ufp.HeaderOVLAN}},
		Actions:   []ufp.Action{{Type: ufp.ActionDrop}},
	}
	vfrTX := vfrDrop
	vfrTX.Direction = ufp.DirTX
	vfrTX.Actions = []ufp.Action{{Type: ufp.ActionPopVLAN}}

	tests := []struct {
		name string
		rule ufp.Rule
	}{
		{"excluded tcp flags", fiveTuple(ufp.DirRX, ufp.HeaderTCP, ufp.FieldTCPFlags)},
		{"missing mandatory field", missingPort},
		{"action not allowed for class", vfrDrop},
		{"no class for direction", vfrTX},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := match(t, m, tt.rule)
			assert.True(t, errors.Is(err, ufp.ErrUnsupportedPattern), "got %v", err)
			var nt ufp.ErrNoTemplate
			require.True(t, errors.As(err, &nt))
			assert.NotZero(t, nt.HdrBitmap)
		})
	}
}
