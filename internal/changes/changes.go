// Package changes turns an ordered mutation log into durable change entries
// with before/after snapshots and derived field diffs.
package changes

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrEmptyMutationLog = errors.New("mutation log is empty")
	ErrInvalidMutation  = errors.New("invalid mutation")
)

type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

func ParseChangeType(value string) (ChangeType, error) {
	switch ChangeType(strings.ToLower(strings.TrimSpace(value))) {
	case ChangeCreate:
		return ChangeCreate, nil
	case ChangeUpdate:
		return ChangeUpdate, nil
	case ChangeDelete:
		return ChangeDelete, nil
	default:
		return "", fmt.Errorf("%w: unknown change type %q", ErrInvalidMutation, value)
	}
}

// Snapshot is one entity's field state.
type Snapshot map[string]any

// Mutation is one record of the editor's mutation log. Before is required for
// updates and deletes; After for creates and updates.
type Mutation struct {
	Type       ChangeType `json:"type"`
	EntityType string     `json:"entityType"`
	EntityID   string     `json:"entityId,omitempty"`
	Before     Snapshot   `json:"before,omitempty"`
	After      Snapshot   `json:"after,omitempty"`
}

type DiffKind string

const (
	DiffAdded   DiffKind = "added"
	DiffRemoved DiffKind = "removed"
	DiffChanged DiffKind = "changed"
)

type FieldDiff struct {
	Field    string          `json:"field"`
	OldValue json.RawMessage `json:"oldValue,omitempty"`
	NewValue json.RawMessage `json:"newValue,omitempty"`
	Kind     DiffKind        `json:"kind"`
}

// ChangeEntry is one captured mutation. FieldDiffs are derived from the
// snapshots and never authoritative; HasConflict is set by conflict detection.
type ChangeEntry struct {
	SequenceNumber int             `json:"sequenceNumber"`
	ChangeType     ChangeType      `json:"changeType"`
	EntityType     string          `json:"entityType"`
	EntityID       string          `json:"entityId,omitempty"`
	BeforeSnapshot json.RawMessage `json:"beforeSnapshot,omitempty"`
	AfterSnapshot  json.RawMessage `json:"afterSnapshot,omitempty"`
	FieldDiffs     []FieldDiff     `json:"fieldDiffs"`
	HasConflict    bool            `json:"hasConflict"`
}

// Capture converts the log into change entries numbered from 1 in log order.
// Repeated edits to one entity each become their own entry.
func Capture(log []Mutation) ([]ChangeEntry, error) {
	if len(log) == 0 {
		return nil, ErrEmptyMutationLog
	}
	entries := make([]ChangeEntry, 0, len(log))
	for i, mutation := range log {
		if err := Validate(mutation); err != nil {
			return nil, fmt.Errorf("mutation %d: %w", i+1, err)
		}
		entry := ChangeEntry{
			SequenceNumber: i + 1,
			ChangeType:     mutation.Type,
			EntityType:     strings.TrimSpace(mutation.EntityType),
			EntityID:       strings.TrimSpace(mutation.EntityID),
		}
		var err error
		if mutation.Before != nil {
			if entry.BeforeSnapshot, err = encodeSnapshot(mutation.Before); err != nil {
				return nil, fmt.Errorf("mutation %d: encode before: %w", i+1, err)
			}
		}
		if mutation.After != nil {
			if entry.AfterSnapshot, err = encodeSnapshot(mutation.After); err != nil {
				return nil, fmt.Errorf("mutation %d: encode after: %w", i+1, err)
			}
		}
		if entry.FieldDiffs, err = Diff(mutation.Before, mutation.After); err != nil {
			return nil, fmt.Errorf("mutation %d: %w", i+1, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Validate checks the per-type snapshot shape of one mutation.
func Validate(m Mutation) error {
	if strings.TrimSpace(m.EntityType) == "" {
		return fmt.Errorf("%w: entity type is required", ErrInvalidMutation)
	}
	switch m.Type {
	case ChangeCreate:
		if m.After == nil {
			return fmt.Errorf("%w: create requires an after state", ErrInvalidMutation)
		}
		if m.Before != nil {
			return fmt.Errorf("%w: create must not carry a before state", ErrInvalidMutation)
		}
	case ChangeUpdate:
		if strings.TrimSpace(m.EntityID) == "" {
			return fmt.Errorf("%w: update requires an entity id", ErrInvalidMutation)
		}
		if m.Before == nil || m.After == nil {
			return fmt.Errorf("%w: update requires before and after states", ErrInvalidMutation)
		}
	case ChangeDelete:
		if strings.TrimSpace(m.EntityID) == "" {
			return fmt.Errorf("%w: delete requires an entity id", ErrInvalidMutation)
		}
		if m.Before == nil {
			return fmt.Errorf("%w: delete requires a before state", ErrInvalidMutation)
		}
		if m.After != nil {
			return fmt.Errorf("%w: delete must not carry an after state", ErrInvalidMutation)
		}
	default:
		return fmt.Errorf("%w: unknown change type %q", ErrInvalidMutation, m.Type)
	}
	return nil
}

// Diff compares two snapshots key by key. Diffs are sorted by field name.
func Diff(before, after Snapshot) ([]FieldDiff, error) {
	fields := make(map[string]struct{}, len(before)+len(after))
	for key := range before {
		fields[key] = struct{}{}
	}
	for key := range after {
		fields[key] = struct{}{}
	}
	names := make([]string, 0, len(fields))
	for key := range fields {
		names = append(names, key)
	}
	sort.Strings(names)

	diffs := make([]FieldDiff, 0)
	for _, field := range names {
		oldValue, inBefore := before[field]
		newValue, inAfter := after[field]
		oldRaw, err := encodeValue(oldValue, inBefore)
		if err != nil {
			return nil, fmt.Errorf("encode field %s: %w", field, err)
		}
		newRaw, err := encodeValue(newValue, inAfter)
		if err != nil {
			return nil, fmt.Errorf("encode field %s: %w", field, err)
		}
		switch {
		case inBefore && !inAfter:
			diffs = append(diffs, FieldDiff{Field: field, OldValue: oldRaw, Kind: DiffRemoved})
		case !inBefore && inAfter:
			diffs = append(diffs, FieldDiff{Field: field, NewValue: newRaw, Kind: DiffAdded})
		case !bytes.Equal(oldRaw, newRaw):
			diffs = append(diffs, FieldDiff{Field: field, OldValue: oldRaw, NewValue: newRaw, Kind: DiffChanged})
		}
	}
	return diffs, nil
}

// RecomputeDiffs re-derives FieldDiffs from the entry's snapshots.
func RecomputeDiffs(entry *ChangeEntry) error {
	before, err := DecodeSnapshot(entry.BeforeSnapshot)
	if err != nil {
		return fmt.Errorf("decode before snapshot: %w", err)
	}
	after, err := DecodeSnapshot(entry.AfterSnapshot)
	if err != nil {
		return fmt.Errorf("decode after snapshot: %w", err)
	}
	diffs, err := Diff(before, after)
	if err != nil {
		return err
	}
	entry.FieldDiffs = diffs
	return nil
}

// Before decodes the entry's before snapshot; nil when absent.
func (e ChangeEntry) Before() (Snapshot, error) {
	return DecodeSnapshot(e.BeforeSnapshot)
}

// After decodes the entry's after snapshot; nil when absent.
func (e ChangeEntry) After() (Snapshot, error) {
	return DecodeSnapshot(e.AfterSnapshot)
}

func DecodeSnapshot(raw json.RawMessage) (Snapshot, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var snapshot Snapshot
	if err := json.Unmarshal(trimmed, &snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// EqualValues compares two field values by their JSON encoding, so that
// numbers decoded from storage compare equal to those built in memory.
func EqualValues(a, b any) bool {
	left, err := json.Marshal(a)
	if err != nil {
		return false
	}
	right, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(left, right)
}

// encodeSnapshot emits keys in sorted order (encoding/json sorts map keys).
func encodeSnapshot(snapshot Snapshot) (json.RawMessage, error) {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func encodeValue(value any, present bool) (json.RawMessage, error) {
	if !present {
		return nil, nil
	}
	return json.Marshal(value)
}
