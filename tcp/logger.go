package tcp

import "log/slog"

// logger is embedded anonymously in ControlBlock so its log field is
// promoted (tcb.log) for the helpers in debug.go. A zero logger is valid
// and silences all output.
type logger struct {
	log *slog.Logger
}
