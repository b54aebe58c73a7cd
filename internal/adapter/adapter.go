// Package adapter defines the contract between the launcher, the browser
// bridge, and the two backend protocol adapters.
package adapter

import (
	"errors"

	"github.com/agentmux/agentmux/internal/protocol"
)

var (
	// ErrUnsupported is returned for browser intents the backend cannot
	// express (e.g. set_model on a codex session after the handshake).
	ErrUnsupported = errors.New("adapter: unsupported operation")
	// ErrRejected is returned once an adapter has failed or exited.
	ErrRejected = errors.New("adapter: send rejected")
	// ErrNotConnected is returned while the backend transport is not up.
	ErrNotConnected = errors.New("adapter: backend not connected")
)

// Adapter translates between one subprocess's wire protocol and the common
// browser schema.
type Adapter interface {
	// SendBrowserMessage forwards a browser intent to the backend. Adapters
	// may queue it (codex, before the handshake completes) or reject it.
	SendBrowserMessage(msg *protocol.ClientMessage) error
	// Close tears down the adapter's transport state. It does not kill the
	// subprocess; that is the launcher's job.
	Close()
}

// Sinks are the adapter's outbound callbacks, one per concern, owned by
// whoever wires the session together. Any field may be nil.
type Sinks struct {
	// Publish delivers a browser-facing event into the session's fan-out.
	Publish func(msg *protocol.ServerMessage)
	// CLISessionID reports the subprocess's internal conversation id, used
	// for resume on relaunch.
	CLISessionID func(id string)
	// InitError reports a failed backend handshake (codex only).
	InitError func(err error)
}

func (s Sinks) PublishEvent(msg *protocol.ServerMessage) {
	if s.Publish != nil {
		s.Publish(msg)
	}
}

func (s Sinks) ReportCLISessionID(id string) {
	if s.CLISessionID != nil {
		s.CLISessionID(id)
	}
}

func (s Sinks) ReportInitError(err error) {
	if s.InitError != nil {
		s.InitError(err)
	}
}
