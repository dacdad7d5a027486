package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/badibam/assistant-sub007/pkg/store"
)

// NoteStore is the data the notes.* commands operate on.
type NoteStore interface {
	CreateNote(ctx context.Context, note store.Note) (*store.Note, error)
	ListNotes(ctx context.Context, query string, limit int) ([]store.Note, error)
	DeleteNote(ctx context.Context, id string) error
}

// RegisterBuiltins registers time.now and the notes.* commands.
func RegisterBuiltins(e *Executor, notes NoteStore, clock func() time.Time) error {
	if clock == nil {
		clock = time.Now
	}

	defs := []Definition{
		{
			Type:        "time.now",
			Description: "Current date and time, optionally in an IANA time zone",
			ReadOnly:    true,
			Parameters: []Parameter{
				{Name: "tz", Type: "string", Description: "IANA time zone, e.g. Europe/Paris"},
			},
			Handler: func(_ context.Context, params map[string]any) (any, error) {
				now := clock()
				if tz, _ := params["tz"].(string); tz != "" {
					loc, err := time.LoadLocation(tz)
					if err != nil {
						return nil, fmt.Errorf("unknown time zone %q", tz)
					}
					now = now.In(loc)
				}
				return map[string]any{
					"time":    now.Format(time.RFC3339),
					"weekday": now.Weekday().String(),
				}, nil
			},
		},
		{
			Type:        "notes.list",
			Description: "List notes whose title or body contains a query",
			ReadOnly:    true,
			Parameters: []Parameter{
				{Name: "query", Type: "string", Description: "Substring to search for"},
				{Name: "limit", Type: "integer", Description: "Maximum number of notes"},
			},
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				query, _ := params["query"].(string)
				notes, err := notes.ListNotes(ctx, query, intParam(params, "limit"))
				if err != nil {
					return nil, err
				}
				return map[string]any{"count": len(notes), "notes": notes}, nil
			},
		},
		{
			Type:        "notes.create",
			Description: "Create a note",
			Parameters: []Parameter{
				{Name: "title", Type: "string", Description: "Note title", Required: true},
				{Name: "body", Type: "string", Description: "Note body"},
				{Name: "tags", Type: "array", Items: "string", Description: "Tags"},
			},
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				title, _ := params["title"].(string)
				body, _ := params["body"].(string)
				note, err := notes.CreateNote(ctx, store.Note{
					Title: title,
					Body:  body,
					Tags:  stringsParam(params, "tags"),
				})
				if err != nil {
					return nil, err
				}
				return map[string]any{"id": note.ID}, nil
			},
		},
		{
			Type:        "notes.delete",
			Description: "Delete a note by id",
			Parameters: []Parameter{
				{Name: "id", Type: "string", Description: "Note id", Required: true},
			},
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				id, _ := params["id"].(string)
				if err := notes.DeleteNote(ctx, id); err != nil {
					return nil, err
				}
				return map[string]any{"deleted": id}, nil
			},
		},
	}

	for _, def := range defs {
		if err := e.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func intParam(params map[string]any, name string) int {
	switch v := params[name].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	default:
		return 0
	}
}

func stringsParam(params map[string]any, name string) []string {
	switch v := params[name].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
