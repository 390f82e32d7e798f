package iso7816

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/skythen/apdu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedCard struct {
	responses [][]byte
	received  [][]byte
}

func (s *scriptedCard) transmit(capdu []byte) ([]byte, error) {
	s.received = append(s.received, capdu)

	if len(s.responses) == 0 {
		return nil, errors.New("no response scripted")
	}

	resp := s.responses[0]
	s.responses = s.responses[1:]

	return resp, nil
}

func TestParseResponse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   []byte
		want    apdu.Rapdu
		wantErr bool
	}{
		{
			name:  "status word only",
			input: []byte{0x90, 0x00},
			want:  apdu.Rapdu{SW1: 0x90, SW2: 0x00},
		},
		{
			name:  "data and status word",
			input: []byte{0x01, 0x02, 0x03, 0x6A, 0x82},
			want:  apdu.Rapdu{Data: []byte{0x01, 0x02, 0x03}, SW1: 0x6A, SW2: 0x82},
		},
		{
			name:    "too short",
			input:   []byte{0x90},
			wantErr: true,
		},
		{
			name:    "empty",
			input:   nil,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseResponse(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.True(t, cmp.Equal(tt.want, got), cmp.Diff(tt.want, got))
		})
	}
}

func TestStatusWord(t *testing.T) {
	t.Parallel()

	assert.Equal(t, uint16(0x6688), StatusWord(apdu.Rapdu{SW1: 0x66, SW2: 0x88}))
}

func TestTransmitGetResponse(t *testing.T) {
	t.Parallel()

	card := &scriptedCard{responses: [][]byte{
		{0x01, 0x02, 0x61, 0x03},
		{0x03, 0x04, 0x05, 0x90, 0x00},
	}}

	got, err := Transmit(card.transmit, apdu.Capdu{Cla: 0x0C, Ins: 0xB0, Ne: 256})
	require.NoError(t, err)

	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04, 0x05}, got.Data)
	assert.Equal(t, uint16(0x9000), StatusWord(got))
	require.Len(t, card.received, 2)
	assert.Equal(t, []byte{0x00, 0xC0, 0x00, 0x00, 0x03}, card.received[1])
}

func TestTransmitGetResponseWrongLe(t *testing.T) {
	t.Parallel()

	card := &scriptedCard{responses: [][]byte{
		{0x61, 0x00},
		{0x6C, 0x02},
		{0xAA, 0xBB, 0x90, 0x00},
	}}

	got, err := Transmit(card.transmit, apdu.Capdu{Cla: 0x00, Ins: 0x84, Ne: 8})
	require.NoError(t, err)

	assert.Equal(t, []byte{0xAA, 0xBB}, got.Data)
	require.Len(t, card.received, 3)
	assert.Equal(t, []byte{0x00, 0xC0, 0x00, 0x00, 0x02}, card.received[2])
}

func TestTransmitError(t *testing.T) {
	t.Parallel()

	card := &scriptedCard{}

	_, err := Transmit(card.transmit, apdu.Capdu{Ins: 0x84, Ne: 8})
	assert.Error(t, err)
}

func TestTransmitEndlessGetResponse(t *testing.T) {
	t.Parallel()

	card := &scriptedCard{}
	for i := 0; i <= MaxGetResponse; i++ {
		card.responses = append(card.responses, []byte{0x01, 0x61, 0x01})
	}

	_, err := Transmit(card.transmit, apdu.Capdu{Ins: 0xB0, Ne: 256})
	assert.Error(t, err)
	assert.Len(t, card.received, MaxGetResponse+1)
}

func TestParseCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   []byte
		want    apdu.Capdu
		wantErr bool
	}{
		{
			name:  "case 1",
			input: []byte{0x00, 0xA4, 0x04, 0x00},
			want:  apdu.Capdu{Cla: 0x00, Ins: 0xA4, P1: 0x04, P2: 0x00},
		},
		{
			name:  "case 2 Le 00",
			input: []byte{0x00, 0xB0, 0x00, 0x00, 0x00},
			want:  apdu.Capdu{Ins: 0xB0, Ne: 256},
		},
		{
			name:  "case 3",
			input: []byte{0x00, 0xA4, 0x02, 0x0C, 0x02, 0x01, 0x1E},
			want:  apdu.Capdu{Ins: 0xA4, P1: 0x02, P2: 0x0C, Data: []byte{0x01, 0x1E}},
		},
		{
			name:  "case 4",
			input: []byte{0x00, 0x88, 0x00, 0x00, 0x02, 0x01, 0x02, 0x80},
			want:  apdu.Capdu{Ins: 0x88, Data: []byte{0x01, 0x02}, Ne: 128},
		},
		{
			name:  "case 2 extended",
			input: []byte{0x00, 0xB0, 0x00, 0x00, 0x00, 0x01, 0x00},
			want:  apdu.Capdu{Ins: 0xB0, Ne: 256},
		},
		{
			name:  "case 4 extended",
			input: []byte{0x00, 0x2A, 0x00, 0x00, 0x00, 0x00, 0x01, 0xAA, 0x00, 0x00},
			want:  apdu.Capdu{Ins: 0x2A, Data: []byte{0xAA}, Ne: 65536},
		},
		{
			name:    "too short",
			input:   []byte{0x00, 0xA4},
			wantErr: true,
		},
		{
			name:    "Lc mismatch",
			input:   []byte{0x00, 0xA4, 0x02, 0x0C, 0x03, 0x01, 0x1E},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseCommand(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.True(t, cmp.Equal(tt.want, got), cmp.Diff(tt.want, got))
		})
	}
}
