// Package conflict compares a merge request's captured base snapshots against
// live entity state.
package conflict

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"eidos/api/internal/changes"
)

type Type string

const (
	TypeDeleted       Type = "deleted"
	TypeModified      Type = "modified"
	TypeDuplicateName Type = "duplicate_name"
)

// Conflict names the entity and, for field conflicts, the field whose live
// value no longer matches the captured base.
type Conflict struct {
	Type              Type            `json:"type"`
	SequenceNumber    int             `json:"sequenceNumber"`
	EntityType        string          `json:"entityType"`
	EntityID          string          `json:"entityId,omitempty"`
	Field             string          `json:"field,omitempty"`
	BaseValue         json.RawMessage `json:"baseValue,omitempty"`
	MergeRequestValue json.RawMessage `json:"mergeRequestValue,omitempty"`
	CurrentValue      json.RawMessage `json:"currentValue,omitempty"`
	Message           string          `json:"message"`
}

// StateReader exposes live entity state. found is false when the entity does
// not exist.
type StateReader interface {
	GetCurrentState(ctx context.Context, entityType, entityID string) (changes.Snapshot, bool, error)
}

// NameIndex finds a live entity of the given type by name.
type NameIndex interface {
	FindByName(ctx context.Context, entityType, name string) (string, bool, error)
}

type projectedKey struct {
	entityType string
	entityID   string
}

type projected struct {
	state  changes.Snapshot
	exists bool
}

// Detect runs the three-way comparison for every update and delete entry.
// Entries are compared against live state as already advanced by earlier
// entries of the same batch, so a batch that edits one entity twice only
// conflicts where someone else changed it.
func Detect(ctx context.Context, entries []changes.ChangeEntry, reader StateReader) ([]Conflict, error) {
	ordered := sortedEntries(entries)
	view := make(map[projectedKey]projected)
	conflicts := make([]Conflict, 0)

	for _, entry := range ordered {
		key := projectedKey{entityType: entry.EntityType, entityID: entry.EntityID}

		if entry.ChangeType == changes.ChangeCreate {
			if entry.EntityID != "" {
				after, err := entry.After()
				if err != nil {
					return nil, fmt.Errorf("decode entry %d: %w", entry.SequenceNumber, err)
				}
				view[key] = projected{state: after, exists: true}
			}
			continue
		}

		current, ok := view[key]
		if !ok {
			state, found, err := reader.GetCurrentState(ctx, entry.EntityType, entry.EntityID)
			if err != nil {
				return nil, fmt.Errorf("load %s %s: %w", entry.EntityType, entry.EntityID, err)
			}
			current = projected{state: state, exists: found}
		}

		if !current.exists {
			conflicts = append(conflicts, Conflict{
				Type:           TypeDeleted,
				SequenceNumber: entry.SequenceNumber,
				EntityType:     entry.EntityType,
				EntityID:       entry.EntityID,
				Message:        fmt.Sprintf("%s %s no longer exists", entry.EntityType, entry.EntityID),
			})
			continue
		}

		fieldConflicts, err := compareFields(entry, current.state)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, fieldConflicts...)

		switch entry.ChangeType {
		case changes.ChangeDelete:
			view[key] = projected{exists: false}
		case changes.ChangeUpdate:
			next, err := changes.ApplyTo(current.state, entry)
			if err != nil {
				return nil, fmt.Errorf("project entry %d: %w", entry.SequenceNumber, err)
			}
			view[key] = projected{state: next, exists: true}
		}
	}
	return conflicts, nil
}

// compareFields reports every captured base field whose live value differs,
// including base fields the live entity has since lost.
func compareFields(entry changes.ChangeEntry, live changes.Snapshot) ([]Conflict, error) {
	before, err := entry.Before()
	if err != nil {
		return nil, fmt.Errorf("decode entry %d before: %w", entry.SequenceNumber, err)
	}
	after, err := entry.After()
	if err != nil {
		return nil, fmt.Errorf("decode entry %d after: %w", entry.SequenceNumber, err)
	}

	names := make([]string, 0, len(before))
	for field := range before {
		names = append(names, field)
	}
	sort.Strings(names)

	out := make([]Conflict, 0)
	for _, field := range names {
		baseValue := before[field]
		liveValue, inLive := live[field]
		if inLive && changes.EqualValues(baseValue, liveValue) {
			continue
		}
		proposed, inAfter := after[field]
		out = append(out, Conflict{
			Type:              TypeModified,
			SequenceNumber:    entry.SequenceNumber,
			EntityType:        entry.EntityType,
			EntityID:          entry.EntityID,
			Field:             field,
			BaseValue:         rawValue(baseValue, true),
			MergeRequestValue: rawValue(proposed, inAfter),
			CurrentValue:      rawValue(liveValue, inLive),
			Message:           fmt.Sprintf("%s %s field %q changed since capture", entry.EntityType, entry.EntityID, field),
		})
	}
	return out, nil
}

// DetectDuplicateNames flags create entries whose name already exists live or
// is created twice in the batch. Names freed by earlier deletes or renames in
// the same batch do not count.
func DetectDuplicateNames(ctx context.Context, entries []changes.ChangeEntry, index NameIndex) ([]Conflict, error) {
	ordered := sortedEntries(entries)

	type nameKey struct{ entityType, name string }
	released := make(map[nameKey]bool)
	claimed := make(map[nameKey]int)
	conflicts := make([]Conflict, 0)

	for _, entry := range ordered {
		switch entry.ChangeType {
		case changes.ChangeDelete, changes.ChangeUpdate:
			before, err := entry.Before()
			if err != nil {
				return nil, fmt.Errorf("decode entry %d before: %w", entry.SequenceNumber, err)
			}
			after, err := entry.After()
			if err != nil {
				return nil, fmt.Errorf("decode entry %d after: %w", entry.SequenceNumber, err)
			}
			oldName, hadName := before.Name()
			newName, _ := after.Name()
			if hadName && oldName != newName {
				released[nameKey{entry.EntityType, oldName}] = true
			}
			continue
		case changes.ChangeCreate:
		default:
			continue
		}

		after, err := entry.After()
		if err != nil {
			return nil, fmt.Errorf("decode entry %d after: %w", entry.SequenceNumber, err)
		}
		name, ok := after.Name()
		if !ok {
			continue
		}
		key := nameKey{entry.EntityType, name}
		if first, dup := claimed[key]; dup {
			conflicts = append(conflicts, duplicateName(entry, name, fmt.Sprintf("also created by entry %d", first)))
			continue
		}
		claimed[key] = entry.SequenceNumber
		if released[key] {
			continue
		}
		existingID, found, err := index.FindByName(ctx, entry.EntityType, name)
		if err != nil {
			return nil, fmt.Errorf("find %s named %q: %w", entry.EntityType, name, err)
		}
		if found {
			c := duplicateName(entry, name, fmt.Sprintf("already used by %s", existingID))
			c.CurrentValue = rawValue(existingID, true)
			conflicts = append(conflicts, c)
		}
	}
	return conflicts, nil
}

func duplicateName(entry changes.ChangeEntry, name, detail string) Conflict {
	return Conflict{
		Type:              TypeDuplicateName,
		SequenceNumber:    entry.SequenceNumber,
		EntityType:        entry.EntityType,
		EntityID:          entry.EntityID,
		Field:             "name",
		MergeRequestValue: rawValue(name, true),
		Message:           fmt.Sprintf("%s name %q is %s", entry.EntityType, name, detail),
	}
}

// IsStale reports whether the resource advanced past the captured base.
func IsStale(resourceVersion, baseVersion int64) bool {
	return resourceVersion > baseVersion
}

// MarkConflicts sets HasConflict on every entry named by conflicts and clears
// it on the rest.
func MarkConflicts(entries []changes.ChangeEntry, conflicts []Conflict) {
	flagged := make(map[int]bool, len(conflicts))
	for _, c := range conflicts {
		flagged[c.SequenceNumber] = true
	}
	for i := range entries {
		entries[i].HasConflict = flagged[entries[i].SequenceNumber]
	}
}

func sortedEntries(entries []changes.ChangeEntry) []changes.ChangeEntry {
	ordered := make([]changes.ChangeEntry, len(entries))
	copy(ordered, entries)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].SequenceNumber < ordered[j].SequenceNumber
	})
	return ordered
}

func rawValue(value any, present bool) json.RawMessage {
	if !present {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil
	}
	return raw
}
