// Package testdomain is a small note-taking domain used by tests and the
// load test: one aggregate, a handful of commands and events.
package testdomain

import (
	"errors"
	"fmt"

	"github.com/codewandler/sequent/core/cqrs"
	"github.com/codewandler/sequent/core/es"
)

const AggregateType = "note"

var (
	ErrNoteArchived = errors.New("note is archived")
	ErrEmptyTitle   = errors.New("title must not be empty")
	ErrNoteExists   = errors.New("note already exists")
)

type (
	NoteCreated struct {
		es.EventBase
		Title string `json:"title"`
	}
	NoteRenamed struct {
		es.EventBase
		Title string `json:"title"`
	}
	NoteTagged struct {
		es.EventBase
		Tag string `json:"tag"`
	}
	NoteArchived struct {
		es.EventBase
	}
)

type Note struct {
	es.BaseAggregateRoot
	Title    string
	Tags     []string
	Renames  int
	Archived bool
}

func (n *Note) AggregateType() string { return AggregateType }

func (n *Note) Apply(ev es.DomainEvent) error {
	switch e := ev.(type) {
	case *NoteCreated:
		n.Title = e.Title
	case *NoteRenamed:
		n.Title = e.Title
		n.Renames++
	case *NoteTagged:
		n.Tags = append(n.Tags, e.Tag)
	case *NoteArchived:
		n.Archived = true
	default:
		return fmt.Errorf("%w: %T", es.ErrUnknownEventType, ev)
	}
	return nil
}

type (
	CreateNote struct {
		cqrs.CommandBase
		Title string `json:"title"`
	}
	RenameNote struct {
		cqrs.CommandBase
		Title string `json:"title"`
	}
	TagNote struct {
		cqrs.CommandBase
		Tag string `json:"tag"`
	}
	ArchiveNote struct {
		cqrs.CommandBase
	}
	// CreateAndRename creates the note when missing and renames it in the
	// same command.
	CreateAndRename struct {
		cqrs.CommandBase
		Title string `json:"title"`
	}
)

func NewCreateNote(id, noteID, title string) CreateNote {
	return CreateNote{CommandBase: cqrs.CommandBase{ID: id, AggregateID: noteID}, Title: title}
}

func NewRenameNote(id, noteID, title string) RenameNote {
	return RenameNote{CommandBase: cqrs.CommandBase{ID: id, AggregateID: noteID}, Title: title}
}

func NewTagNote(id, noteID, tag string) TagNote {
	return TagNote{CommandBase: cqrs.CommandBase{ID: id, AggregateID: noteID}, Tag: tag}
}

func NewArchiveNote(id, noteID string) ArchiveNote {
	return ArchiveNote{CommandBase: cqrs.CommandBase{ID: id, AggregateID: noteID}}
}

// Registries bundles everything the domain registers.
type Registries struct {
	Commands   *cqrs.Registry
	Events     *es.EventRegistry
	Aggregates *es.AggregateRegistry
}

func NewRegistries() Registries {
	r := Registries{
		Commands:   cqrs.NewRegistry(),
		Events:     es.NewEventRegistry(),
		Aggregates: es.NewAggregateRegistry(),
	}
	Register(r.Commands, r.Events, r.Aggregates)
	return r
}

// Register adds the note aggregate, its events and command handlers.
func Register(commands *cqrs.Registry, events *es.EventRegistry, aggregates *es.AggregateRegistry) {
	es.RegisterAggregate[Note](aggregates)

	es.RegisterEvent[NoteCreated](events)
	es.RegisterEvent[NoteRenamed](events)
	es.RegisterEvent[NoteTagged](events)
	es.RegisterEvent[NoteArchived](events)

	cqrs.Handle(commands, handleCreate)
	cqrs.Handle(commands, handleRename)
	cqrs.Handle(commands, handleTag)
	cqrs.Handle(commands, handleArchive)
	cqrs.Handle(commands, handleCreateAndRename)
}

func handleCreate(cc *cqrs.CommandContext, c CreateNote) error {
	if c.Title == "" {
		return ErrEmptyTitle
	}
	n, err := cqrs.LoadOrCreate[*Note](cc, AggregateType, c.AggregateRootID())
	if err != nil {
		return err
	}
	if n.GetVersion() > 0 {
		return ErrNoteExists
	}
	return es.ApplyEvent(n, &NoteCreated{Title: c.Title})
}

func handleRename(cc *cqrs.CommandContext, c RenameNote) error {
	n, err := cqrs.Load[*Note](cc, AggregateType, c.AggregateRootID())
	if err != nil {
		return err
	}
	if n.Archived {
		return ErrNoteArchived
	}
	if c.Title == n.Title {
		return nil
	}
	if err := es.ApplyEvent(n, &NoteRenamed{Title: c.Title}); err != nil {
		return err
	}
	cc.SetResult(n.Title)
	return nil
}

func handleTag(cc *cqrs.CommandContext, c TagNote) error {
	n, err := cqrs.Load[*Note](cc, AggregateType, c.AggregateRootID())
	if err != nil {
		return err
	}
	if n.Archived {
		return ErrNoteArchived
	}
	return es.ApplyEvent(n, &NoteTagged{Tag: c.Tag})
}

func handleArchive(cc *cqrs.CommandContext, c ArchiveNote) error {
	n, err := cqrs.Load[*Note](cc, AggregateType, c.AggregateRootID())
	if err != nil {
		return err
	}
	if n.Archived {
		return nil
	}
	return es.ApplyEvent(n, &NoteArchived{})
}

func handleCreateAndRename(cc *cqrs.CommandContext, c CreateAndRename) error {
	n, err := cqrs.LoadOrCreate[*Note](cc, AggregateType, c.AggregateRootID())
	if err != nil {
		return err
	}
	if n.GetVersion() == 0 {
		if err := es.ApplyEvent(n, &NoteCreated{Title: c.Title}); err != nil {
			return err
		}
		return nil
	}
	return es.ApplyEvent(n, &NoteRenamed{Title: c.Title})
}
