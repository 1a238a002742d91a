package cqrs

import (
	"log/slog"

	"github.com/codewandler/sequent/core/broker"
)

// Command is a request to change one aggregate. It is routed by its
// aggregate root id; the id of the command makes it idempotent.
type Command interface {
	CommandID() string
	AggregateRootID() string
}

// CommandBase implements Command for embedding.
type CommandBase struct {
	ID          string `json:"id"`
	AggregateID string `json:"aggregate_id"`
}

func (c CommandBase) CommandID() string       { return c.ID }
func (c CommandBase) AggregateRootID() string { return c.AggregateID }

type CommandStatus int

const (
	StatusSuccess CommandStatus = iota + 1
	StatusNothingChanged
	StatusFailed
)

func (s CommandStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusNothingChanged:
		return "nothing_changed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s CommandStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *CommandStatus) UnmarshalText(b []byte) error {
	switch string(b) {
	case "success":
		*s = StatusSuccess
	case "nothing_changed":
		*s = StatusNothingChanged
	case "failed":
		*s = StatusFailed
	default:
		*s = 0
	}
	return nil
}

// CommandResult is the outcome of one command.
type CommandResult struct {
	CommandID       string        `json:"command_id"`
	AggregateRootID string        `json:"aggregate_root_id"`
	Status          CommandStatus `json:"status"`
	Result          string        `json:"result,omitempty"`
	Err             string        `json:"error,omitempty"`
}

func (r CommandResult) Failed() bool { return r.Status == StatusFailed }

func (r CommandResult) SlogAttr() slog.Attr {
	attrs := []any{
		slog.String("command_id", r.CommandID),
		slog.String("status", r.Status.String()),
	}
	if r.Err != "" {
		attrs = append(attrs, slog.String("error", r.Err))
	}
	return slog.Group("result", attrs...)
}

func newResult(cmd Command, status CommandStatus, result string, err error) CommandResult {
	r := CommandResult{
		CommandID:       cmd.CommandID(),
		AggregateRootID: cmd.AggregateRootID(),
		Status:          status,
		Result:          result,
	}
	if err != nil {
		r.Err = err.Error()
	}
	return r
}

// ProcessingCommand is a command in flight: the command, the delivery it
// came from and its position in the per-aggregate queue.
type ProcessingCommand struct {
	Command  Command
	Source   broker.Acker
	Sequence uint64

	queue     *ProcessingCommandQueue
	conflicts int
}

// NewProcessingCommand wraps cmd. A nil source is replaced by
// broker.NopAcker.
func NewProcessingCommand(cmd Command, source broker.Acker) *ProcessingCommand {
	if source == nil {
		source = broker.NopAcker
	}
	return &ProcessingCommand{Command: cmd, Source: source}
}

// Queue returns the queue the command was enqueued to.
func (p *ProcessingCommand) Queue() *ProcessingCommandQueue { return p.queue }

func (p *ProcessingCommand) SlogAttr() slog.Attr {
	return slog.Group(
		"command",
		slog.String("id", p.Command.CommandID()),
		slog.String("aggregate_id", p.Command.AggregateRootID()),
		slog.Uint64("seq", p.Sequence),
	)
}
