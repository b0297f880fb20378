package supervisor

import "errors"

var (
	ErrAlreadyRunning        = errors.New("server already running")
	ErrNotRunning            = errors.New("server not running")
	ErrLaunchArtifactMissing = errors.New("launch artifact missing")
	ErrSpawnFailed           = errors.New("failed to spawn server process")
	ErrCommandWriteFailed    = errors.New("failed to write command")
	ErrRestartTimeout        = errors.New("previous process did not exit within the grace period")
	ErrEmptyCommand          = errors.New("command is empty")
	ErrInvalidCommand        = errors.New("command must be a single line")
	ErrClosed                = errors.New("supervisor closed")
)
