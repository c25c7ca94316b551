package adapters

import (
	"fmt"
	"os"
	"syscall"

	"valve-controller/application"

	"github.com/rs/zerolog"
)

const (
	RestartModeExec = "exec"
	RestartModeExit = "exit"

	// RestartExitCode asks the service manager to start the controller again.
	RestartExitCode = 75
)

type ProcessRestarterParams struct {
	// Mode is RestartModeExec to replace the process image in place, or
	// RestartModeExit to exit and leave the restart to the service manager.
	Mode      string
	ImagePath string
	Args      []string

	// Exec and Exit replace syscall.Exec and os.Exit, for tests.
	Exec func(argv0 string, argv []string, envv []string) error
	Exit func(code int)

	Log zerolog.Logger
}

type ProcessRestarter struct {
	params ProcessRestarterParams
	log    zerolog.Logger
}

func NewProcessRestarter(params ProcessRestarterParams) (*ProcessRestarter, error) {
	if params.Mode == "" {
		params.Mode = RestartModeExit
	}
	if params.Mode != RestartModeExec && params.Mode != RestartModeExit {
		return nil, fmt.Errorf("invalid restart mode %q", params.Mode)
	}
	if params.Mode == RestartModeExec && params.ImagePath == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, err
		}
		params.ImagePath = exe
	}
	if params.Args == nil {
		params.Args = os.Args
	}
	if params.Exec == nil {
		params.Exec = syscall.Exec
	}
	if params.Exit == nil {
		params.Exit = os.Exit
	}
	return &ProcessRestarter{params: params, log: params.Log}, nil
}

// Restart does not return on success.
func (r *ProcessRestarter) Restart(reason string) error {
	r.log.Warn().Str("reason", reason).Str("mode", r.params.Mode).Msg("restarting")

	if r.params.Mode == RestartModeExit {
		r.params.Exit(RestartExitCode)
		return nil
	}

	if err := r.params.Exec(r.params.ImagePath, r.params.Args, os.Environ()); err != nil {
		return fmt.Errorf("exec %s: %w", r.params.ImagePath, err)
	}
	return nil
}

var _ application.Restarter = &ProcessRestarter{}
