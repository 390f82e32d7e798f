package sm

import (
	"bytes"
	"context"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skythen/cwa14890/internal/config"
)

func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()

	cfg := &config.Config{}
	cfg.Channel.Suite = "des-mac8"

	var out bytes.Buffer

	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(config.WithConfig(context.Background(), cfg))

	return out.String(), err
}

func TestProtectCommand(t *testing.T) {
	t.Parallel()

	cmd, err := NewProtectCommand()
	require.NoError(t, err)

	out, err := execute(t, cmd,
		"--kenc", "979EC13B1CBFE9DCD01AB0FED307EAE5",
		"--kmac", "F1CB1F1FB5ADF208806B89DC579DC1F8",
		"--ssc", "887022120C06C226",
		"--capdu", "00A4020C02011E",
	)
	require.NoError(t, err)

	assert.Contains(t, out, "887022120C06C227")
	assert.Contains(t, out, "0ca4020c158709016375432908c044f68e08bf8b92d635ff24f800")
}

func TestUnprotectCommand(t *testing.T) {
	t.Parallel()

	cmd, err := NewUnprotectCommand()
	require.NoError(t, err)

	out, err := execute(t, cmd,
		"--kenc", "979EC13B1CBFE9DCD01AB0FED307EAE5",
		"--kmac", "F1CB1F1FB5ADF208806B89DC579DC1F8",
		"--ssc", "887022120C06C229",
		"--rapdu", "8709019FF0EC34F9922651990290008E08AD55CC17140B2DED9000",
	)
	require.NoError(t, err)

	assert.Contains(t, out, "Data: 60145F01")
	assert.Contains(t, out, "SW:   9000")
}

func TestUnprotectCommandInvalidMAC(t *testing.T) {
	t.Parallel()

	cmd, err := NewUnprotectCommand()
	require.NoError(t, err)

	_, err = execute(t, cmd,
		"--kenc", "979EC13B1CBFE9DCD01AB0FED307EAE5",
		"--kmac", "F1CB1F1FB5ADF208806B89DC579DC1F8",
		"--ssc", "887022120C06C228",
		"--rapdu", "8709019FF0EC34F9922651990290008E08AD55CC17140B2DED9000",
	)
	assert.Error(t, err)
}

func TestDeriveCommand(t *testing.T) {
	t.Parallel()

	cmd, err := NewDeriveCommand()
	require.NoError(t, err)

	out, err := execute(t, cmd,
		"--kicc", "0000000000000000000000000000000000000000000000000000000000000000",
		"--kifd", "0000000000000000000000000000000000000000000000000000000000000000",
		"--rnd-icc", "0102030405060708",
		"--rnd-ifd", "1112131415161718",
	)
	require.NoError(t, err)

	assert.Contains(t, out, "SSC:  0506070815161718")
}

func TestMissingFlags(t *testing.T) {
	t.Parallel()

	cmd, err := NewProtectCommand()
	require.NoError(t, err)

	_, err = execute(t, cmd, "--kenc", "979EC13B1CBFE9DCD01AB0FED307EAE5")
	assert.Error(t, err)
}

func TestWrongKeyLength(t *testing.T) {
	t.Parallel()

	cmd, err := NewProtectCommand()
	require.NoError(t, err)

	_, err = execute(t, cmd,
		"--kenc", "979EC13B",
		"--kmac", "F1CB1F1FB5ADF208806B89DC579DC1F8",
		"--ssc", "887022120C06C226",
		"--capdu", "00A4020C02011E",
	)
	assert.Error(t, err)
}
