// Package protocol defines the wire schema spoken between the crank agent
// and its clients. Both ends marshal from these types; there is no other
// place where control messages are assembled.
package protocol

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Version is the current schema version. Requests carrying a zero version
// are treated as Version for compatibility with terse hand-written clients.
const Version = 1

// Command identifies the operation a request asks the agent to perform.
type Command string

const (
	CommandStart  Command = "start"
	CommandStop   Command = "stop"
	CommandStatus Command = "status"
	CommandList   Command = "list"
)

// ErrorKind classifies a failed request for programmatic handling.
type ErrorKind string

const (
	KindNotFound      ErrorKind = "not_found"
	KindConflict      ErrorKind = "conflict"
	KindLaunchFailure ErrorKind = "launch_failure"
	KindAbnormalExit  ErrorKind = "abnormal_exit"
	KindProtocolError ErrorKind = "protocol_error"
	KindInternal      ErrorKind = "internal"
)

// Status is the top-level outcome of a request.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Request is the single envelope clients send over the control socket.
type Request struct {
	Version int               `json:"version"`
	ID      string            `json:"id,omitempty"`
	Command Command           `json:"command"`
	Guest   string            `json:"guest,omitempty"`
	Args    map[string]string `json:"args,omitempty"`
}

// Response is the single envelope the agent answers with. Exactly one of
// Guest, Guests, or Error is populated, depending on command and outcome.
type Response struct {
	Version   int             `json:"version"`
	ID        string          `json:"id,omitempty"`
	Status    Status          `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
	Guest     *GuestSnapshot  `json:"guest,omitempty"`
	Guests    []GuestSnapshot `json:"guests,omitempty"`
	Error     *ErrorDetail    `json:"error,omitempty"`
}

// ErrorDetail carries a machine-readable kind plus a human-readable message.
type ErrorDetail struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// GuestSnapshot is a point-in-time view of one guest's runtime state.
type GuestSnapshot struct {
	Name             string     `json:"name"`
	Phase            string     `json:"phase"`
	PID              int        `json:"pid,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	ShutdownDeadline *time.Time `json:"shutdown_deadline,omitempty"`
	LastExit         string     `json:"last_exit,omitempty"`
	ConsolePort      int        `json:"console_port,omitempty"`
	MACAddress       string     `json:"mac_address,omitempty"`
}

// NewRequest builds a request with a fresh message ID.
func NewRequest(cmd Command, guest string) Request {
	return Request{
		Version: Version,
		ID:      uuid.NewString(),
		Command: cmd,
		Guest:   guest,
	}
}

// Validate checks the request for well-formedness. Violations map to the
// protocol_error kind; they never reach the dispatch layer.
func (r Request) Validate() error {
	if r.Version != 0 && r.Version != Version {
		return fmt.Errorf("protocol: unsupported version %d", r.Version)
	}
	switch r.Command {
	case CommandStart, CommandStop, CommandStatus:
		if strings.TrimSpace(r.Guest) == "" {
			return fmt.Errorf("protocol: command %q requires a guest name", r.Command)
		}
	case CommandList:
		if strings.TrimSpace(r.Guest) != "" {
			return fmt.Errorf("protocol: command %q takes no guest name", r.Command)
		}
	case "":
		return fmt.Errorf("protocol: missing command")
	default:
		return fmt.Errorf("protocol: unknown command %q", r.Command)
	}
	return nil
}

// OK wraps a successful response, echoing the request ID.
func OK(req Request) Response {
	return Response{
		Version:   Version,
		ID:        req.ID,
		Status:    StatusOK,
		Timestamp: time.Now().UTC(),
	}
}

// Err wraps a failed response, echoing the request ID.
func Err(req Request, kind ErrorKind, message string) Response {
	return Response{
		Version:   Version,
		ID:        req.ID,
		Status:    StatusError,
		Timestamp: time.Now().UTC(),
		Error:     &ErrorDetail{Kind: kind, Message: message},
	}
}
