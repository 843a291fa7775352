// Package pool keeps one warm sandbox per group and routes work to it over
// the file IPC transport. It launches sandboxes on demand, checks their
// health, reclaims idle ones, rebuilds a missing image once, and falls back
// to one-shot execution when a persistent sandbox cannot be had.
package pool

import (
	"errors"
	"fmt"
	"time"

	"github.com/majorcontext/corral/internal/config"
)

var (
	// ErrClosed is returned once Shutdown has begun.
	ErrClosed = errors.New("pool is shut down")

	// ErrBusy is returned when a group already has a request in flight.
	ErrBusy = errors.New("group already has an active request")

	// ErrNotReady is wrapped by LaunchError.
	ErrNotReady = errors.New("sandbox did not become ready")

	// ErrInterrupted is the cancellation cause for an interrupted request.
	ErrInterrupted = errors.New("request interrupted")
)

// Status is the outcome of a request.
type Status string

const (
	StatusSuccess     Status = "success"
	StatusError       Status = "error"
	StatusInterrupted Status = "interrupted"
)

// Input is one unit of work for a group's sandbox.
type Input struct {
	Prompt          string `json:"prompt"`
	SessionID       string `json:"sessionId,omitempty"`
	GroupFolder     string `json:"groupFolder"`
	ChatJID         string `json:"chatJid"`
	IsMain          bool   `json:"isMain"`
	IsScheduledTask bool   `json:"isScheduledTask,omitempty"`

	// TimeoutOverride replaces the configured request timeout when set.
	TimeoutOverride time.Duration `json:"-"`
}

// Output is the result of a request. Persistent and one-shot execution
// produce the same shape.
type Output struct {
	Status       Status  `json:"status"`
	Result       *string `json:"result"`
	NewSessionID string  `json:"newSessionId,omitempty"`
	Error        string  `json:"error,omitempty"`
}

func errorOutput(format string, args ...any) Output {
	return Output{Status: StatusError, Error: fmt.Sprintf(format, args...)}
}

// Entry is a live persistent sandbox. At most one exists per group.
type Entry struct {
	ContainerID string
	Name        string
	GroupFolder string
	IPCDir      string
	StartedAt   time.Time
	LastUsedAt  time.Time
}

// LaunchError describes a sandbox that exited or never heartbeat during
// startup. Logs holds the tail of its output.
type LaunchError struct {
	Group       string
	ContainerID string
	Reason      string
	Logs        string
}

func (e *LaunchError) Error() string {
	msg := fmt.Sprintf("sandbox for %s %s", e.Group, e.Reason)
	if e.Logs != "" {
		msg += "\nlast output:\n" + e.Logs
	}
	return msg
}

func (e *LaunchError) Unwrap() error { return ErrNotReady }

// Options controls pool behavior.
type Options struct {
	Image            string
	BuildContext     string
	PrivilegedFolder string
	Timezone         string

	RequestTimeout time.Duration
	IdleTimeout    time.Duration
	HeartbeatStale time.Duration
	HeartbeatPoll  time.Duration
	StartupTimeout time.Duration
	InterruptGrace time.Duration
	MaxOutputBytes int
	OneShot        bool

	// LogTail is how many lines of output a failed launch captures.
	LogTail int
}

// OptionsFromConfig derives pool options from configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	c := cfg.Container
	return Options{
		Image:            c.Image,
		BuildContext:     c.BuildContext,
		PrivilegedFolder: cfg.PrivilegedFolder,
		Timezone:         cfg.Timezone,
		RequestTimeout:   c.RequestTimeout,
		IdleTimeout:      c.IdleTimeout,
		HeartbeatStale:   c.HeartbeatStale,
		HeartbeatPoll:    c.HeartbeatPoll,
		StartupTimeout:   c.StartupTimeout,
		InterruptGrace:   c.InterruptGrace,
		MaxOutputBytes:   c.MaxOutputBytes,
		OneShot:          c.OneShot,
		LogTail:          50,
	}
}
