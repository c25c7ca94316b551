package adapters

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessRestarter_Exit(t *testing.T) {
	code := -1
	r, err := NewProcessRestarter(ProcessRestarterParams{
		Exit: func(c int) { code = c },
		Exec: func(string, []string, []string) error {
			t.Fatal("exit mode must not exec")
			return nil
		},
		Log: zerolog.Nop(),
	})
	require.NoError(t, err)

	require.NoError(t, r.Restart("remote restart command"))
	assert.Equal(t, RestartExitCode, code)
}

func TestProcessRestarter_Exec(t *testing.T) {
	var gotPath string
	var gotArgs []string
	r, err := NewProcessRestarter(ProcessRestarterParams{
		Mode:      RestartModeExec,
		ImagePath: "/opt/valve/valve-controller",
		Args:      []string{"valve-controller", "--log-writer", "json"},
		Exec: func(argv0 string, argv []string, envv []string) error {
			gotPath, gotArgs = argv0, argv
			return nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, r.Restart("firmware update 1.3.0"))
	assert.Equal(t, "/opt/valve/valve-controller", gotPath)
	assert.Equal(t, []string{"valve-controller", "--log-writer", "json"}, gotArgs)
}

func TestProcessRestarter_ExecError(t *testing.T) {
	r, err := NewProcessRestarter(ProcessRestarterParams{
		Mode:      RestartModeExec,
		ImagePath: "/nonexistent",
		Exec: func(string, []string, []string) error {
			return fmt.Errorf("no such file or directory")
		},
	})
	require.NoError(t, err)

	err = r.Restart("test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/nonexistent")
}

func TestProcessRestarter_InvalidMode(t *testing.T) {
	_, err := NewProcessRestarter(ProcessRestarterParams{Mode: "reboot"})
	require.Error(t, err)
}
