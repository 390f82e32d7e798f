package reader

import (
	"bytes"
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skythen/cwa14890/internal/config"
	"github.com/skythen/cwa14890/pcsc"
)

type fakeReader struct {
	atr    []byte
	err    error
	closed bool
}

func (r *fakeReader) Open() error {
	return r.err
}

func (r *fakeReader) ATR() ([]byte, error) {
	return r.atr, nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

// stubReaders replaces the PC/SC and USB access of the commands for the duration of the test.
func stubReaders(t *testing.T, names []string, readers map[string]*fakeReader) *[]pcsc.Configuration {
	t.Helper()

	var opened []pcsc.Configuration

	origList, origUSB, origOpen := listReaders, listUSB, openReader

	listReaders = func() ([]string, error) { return names, nil }
	listUSB = func() ([][2]uint16, error) { return [][2]uint16{{0x08E6, 0x3437}}, nil }
	openReader = func(cfg pcsc.Configuration) cardReader {
		opened = append(opened, cfg)

		if r, ok := readers[cfg.Reader]; ok {
			return r
		}

		return &fakeReader{err: errors.New("no card")}
	}

	t.Cleanup(func() {
		listReaders, listUSB, openReader = origList, origUSB, origOpen
	})

	return &opened
}

func execute(t *testing.T, cmd *cobra.Command, cfg *config.Config, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer

	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(config.WithConfig(context.Background(), cfg))

	return out.String(), err
}

func TestReadersCommand(t *testing.T) {
	withCard := &fakeReader{atr: []byte{0x3B, 0x8F, 0x80, 0x01}}

	stubReaders(t, []string{"Reader A", "Reader B"}, map[string]*fakeReader{"Reader A": withCard})

	out, err := execute(t, NewReadersCommand(), &config.Config{})
	require.NoError(t, err)

	assert.Contains(t, out, "pcsc 0: Reader A ATR 3b8f8001")
	assert.Contains(t, out, "pcsc 1: Reader B (no card)")
	assert.Contains(t, out, "ccid 08e6:3437")
	assert.True(t, withCard.closed)
}

func TestPCSCATRCommandUsesConfiguration(t *testing.T) {
	opened := stubReaders(t, nil, map[string]*fakeReader{"": {atr: []byte{0x3B, 0x02}}})

	cfg := &config.Config{}
	cfg.Reader.Index = 1

	out, err := execute(t, NewPCSCCommand(), cfg, "atr")
	require.NoError(t, err)

	assert.Contains(t, out, "ATR: 3b02")
	require.Len(t, *opened, 1)
	assert.Equal(t, pcsc.Configuration{ReaderIndex: 1}, (*opened)[0])
}

func TestPCSCATRCommandFlags(t *testing.T) {
	opened := stubReaders(t, nil, map[string]*fakeReader{"Reader B": {atr: []byte{0x3B, 0x03}}})

	cfg := &config.Config{}
	cfg.Reader.Name = "Reader A"

	out, err := execute(t, NewPCSCCommand(), cfg, "atr", "--reader", "Reader B")
	require.NoError(t, err)

	assert.Contains(t, out, "ATR: 3b03")
	require.Len(t, *opened, 1)
	assert.Equal(t, "Reader B", (*opened)[0].Reader)
}

func TestPCSCATRCommandNoCard(t *testing.T) {
	stubReaders(t, nil, nil)

	cfg := &config.Config{}
	cfg.Reader.Name = "Reader A"

	_, err := execute(t, NewPCSCCommand(), cfg, "atr")
	assert.Error(t, err)
}
