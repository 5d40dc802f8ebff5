package commands

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"cipherroom/internal/app"
	"cipherroom/internal/domain"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	c := &cli{stdin: bufio.NewReader(strings.NewReader(stdin))}
	root := newRoot(c)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommands_WithoutLogin_Fail(t *testing.T) {
	home := t.TempDir()
	_, err := run(t, "", "--home", home, "-p", "secret", "--log-level", "error", "fingerprint")
	require.ErrorIs(t, err, app.ErrNotLoggedIn)

	_, err = os.Stat(filepath.Join(home, app.ConfigFilename))
	require.NoError(t, err, "first run writes the example config")

	_, err = run(t, "", "--home", home, "-p", "other", "--log-level", "error", "fingerprint")
	require.ErrorIs(t, err, domain.ErrWrongPassphrase)
}

func TestPassphrase_FromStdin_OK(t *testing.T) {
	t.Setenv(passphraseEnv, "")
	home := t.TempDir()
	_, err := run(t, "piped secret\n", "--home", home, "--log-level", "error", "rooms")
	require.ErrorIs(t, err, app.ErrNotLoggedIn)

	_, err = run(t, "piped secret", "--home", home, "--log-level", "error", "rooms")
	require.ErrorIs(t, err, app.ErrNotLoggedIn, "a final line without newline is accepted")
}

func TestOverride_Invalid_Fails(t *testing.T) {
	_, err := run(t, "", "--home", t.TempDir(), "--homeserver", "not a url", "rooms")
	require.Error(t, err)
}

func TestVerifyCommands_MapToStatuses(t *testing.T) {
	require.Equal(t, domain.Verified, verifyCommands["verify"].status)
	require.Equal(t, domain.Unverified, verifyCommands["unverify"].status)
	require.Equal(t, domain.Blacklisted, verifyCommands["blacklist"].status)
}
