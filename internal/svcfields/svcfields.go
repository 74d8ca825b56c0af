// Package svcfields holds the structured-logging field conventions shared by
// every pingd subsystem.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

const (
	// SubsystemKey tags the emitting subsystem (for example "server.lifecycle").
	SubsystemKey = pslog.TrustedString("sys")
	// InstanceKey tags entries with the owning server instance id.
	InstanceKey = pslog.TrustedString("instance")
)

// WithSubsystem attaches a subsystem tag to every log entry. A nil logger is
// replaced by a disabled one.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	logger = Ensure(logger)
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// WithInstance attaches the server instance id to every log entry.
func WithInstance(logger pslog.Logger, id string) pslog.Logger {
	logger = Ensure(logger)
	if id == "" {
		return logger
	}
	return logger.With(InstanceKey, id)
}

// Ensure returns logger when non-nil, otherwise a disabled logger.
func Ensure(logger pslog.Logger) pslog.Logger {
	if logger == nil {
		return pslog.NoopLogger()
	}
	return logger
}
