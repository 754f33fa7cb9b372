package child

import "errors"

// ErrKillTimeout is returned when a process does not exit within the
// requested grace period after being signalled.
var ErrKillTimeout = errors.New("kill timeout")

// StartConfig describes how to spawn a child process.
type StartConfig struct {
	// Cmd is the path or name of the binary to execute.
	Cmd string `conf:"cmd"`

	// Args is the list of arguments to pass to the command.
	Args []string `conf:"args"`

	// Cwd is the working directory the binary is executed in.
	Cwd string `conf:"cwd"`

	// Env is a map of environment variables to set on the child,
	// on top of the parent's own environment.
	Env map[string]string `conf:"env"`
}
