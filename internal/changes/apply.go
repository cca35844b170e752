package changes

import (
	"encoding/json"
	"fmt"
)

// ApplyTo returns the state that results from applying entry to live. For
// creates live is ignored; for deletes the result is nil. Updates apply each
// recomputed diff to a copy of live, so fields touched by nobody survive.
func ApplyTo(live Snapshot, entry ChangeEntry) (Snapshot, error) {
	switch entry.ChangeType {
	case ChangeCreate:
		after, err := entry.After()
		if err != nil {
			return nil, fmt.Errorf("decode after snapshot: %w", err)
		}
		if after == nil {
			return nil, fmt.Errorf("%w: create without after state", ErrInvalidMutation)
		}
		return after, nil
	case ChangeDelete:
		return nil, nil
	case ChangeUpdate:
	default:
		return nil, fmt.Errorf("%w: unknown change type %q", ErrInvalidMutation, entry.ChangeType)
	}

	recomputed := entry
	if err := RecomputeDiffs(&recomputed); err != nil {
		return nil, err
	}
	next := make(Snapshot, len(live))
	for key, value := range live {
		next[key] = value
	}
	for _, diff := range recomputed.FieldDiffs {
		if diff.Kind == DiffRemoved {
			delete(next, diff.Field)
			continue
		}
		var value any
		if err := json.Unmarshal(diff.NewValue, &value); err != nil {
			return nil, fmt.Errorf("decode field %s: %w", diff.Field, err)
		}
		next[diff.Field] = value
	}
	return next, nil
}

// Name returns the snapshot's "name" field when it is a string.
func (s Snapshot) Name() (string, bool) {
	name, ok := s["name"].(string)
	return name, ok && name != ""
}

// Clone returns a shallow copy.
func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return nil
	}
	out := make(Snapshot, len(s))
	for key, value := range s {
		out[key] = value
	}
	return out
}
