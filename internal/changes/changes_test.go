package changes

import (
	"errors"
	"testing"
)

func TestCaptureRejectsEmptyLog(t *testing.T) {
	if _, err := Capture(nil); !errors.Is(err, ErrEmptyMutationLog) {
		t.Fatalf("Capture(nil) error = %v, want ErrEmptyMutationLog", err)
	}
}

func TestCaptureAssignsSequenceInLogOrder(t *testing.T) {
	log := []Mutation{
		{Type: ChangeCreate, EntityType: "concept", EntityID: "c9", After: Snapshot{"name": "Cat"}},
		{Type: ChangeUpdate, EntityType: "concept", EntityID: "c1", Before: Snapshot{"name": "Dog"}, After: Snapshot{"name": "Canine"}},
		{Type: ChangeUpdate, EntityType: "concept", EntityID: "c1", Before: Snapshot{"name": "Canine"}, After: Snapshot{"name": "Hound"}},
		{Type: ChangeDelete, EntityType: "relationship", EntityID: "r1", Before: Snapshot{"source": "c1", "target": "c2"}},
	}
	entries, err := Capture(log)
	if err != nil {
		t.Fatalf("Capture() error: %v", err)
	}
	if len(entries) != len(log) {
		t.Fatalf("Capture() returned %d entries, want %d (no dedup)", len(entries), len(log))
	}
	for i, entry := range entries {
		if entry.SequenceNumber != i+1 {
			t.Fatalf("entry %d sequence = %d", i, entry.SequenceNumber)
		}
		if entry.ChangeType != log[i].Type {
			t.Fatalf("entry %d type = %s, want %s", i, entry.ChangeType, log[i].Type)
		}
	}
	if entries[0].BeforeSnapshot != nil {
		t.Fatalf("create entry carries before snapshot %s", entries[0].BeforeSnapshot)
	}
	if entries[3].AfterSnapshot != nil {
		t.Fatalf("delete entry carries after snapshot %s", entries[3].AfterSnapshot)
	}
	if string(entries[1].AfterSnapshot) != `{"name":"Canine"}` {
		t.Fatalf("after snapshot = %s", entries[1].AfterSnapshot)
	}
}

func TestCaptureValidatesShape(t *testing.T) {
	cases := []struct {
		name     string
		mutation Mutation
	}{
		{name: "missing entity type", mutation: Mutation{Type: ChangeCreate, After: Snapshot{"name": "x"}}},
		{name: "create without after", mutation: Mutation{Type: ChangeCreate, EntityType: "concept"}},
		{name: "create with before", mutation: Mutation{Type: ChangeCreate, EntityType: "concept", Before: Snapshot{}, After: Snapshot{}}},
		{name: "update without id", mutation: Mutation{Type: ChangeUpdate, EntityType: "concept", Before: Snapshot{}, After: Snapshot{}}},
		{name: "update without before", mutation: Mutation{Type: ChangeUpdate, EntityType: "concept", EntityID: "c1", After: Snapshot{}}},
		{name: "delete with after", mutation: Mutation{Type: ChangeDelete, EntityType: "concept", EntityID: "c1", Before: Snapshot{}, After: Snapshot{}}},
		{name: "delete without before", mutation: Mutation{Type: ChangeDelete, EntityType: "concept", EntityID: "c1"}},
		{name: "unknown type", mutation: Mutation{Type: "merge", EntityType: "concept"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Capture([]Mutation{tc.mutation}); !errors.Is(err, ErrInvalidMutation) {
				t.Fatalf("Capture() error = %v, want ErrInvalidMutation", err)
			}
		})
	}
}

func TestDiff(t *testing.T) {
	diffs, err := Diff(
		Snapshot{"name": "Dog", "definition": "A pet", "color": "brown", "legs": 4},
		Snapshot{"name": "Canine", "definition": "A pet", "legs": 4.0, "origin": "wolf"},
	)
	if err != nil {
		t.Fatalf("Diff() error: %v", err)
	}
	want := []struct {
		field string
		kind  DiffKind
	}{
		{"color", DiffRemoved},
		{"name", DiffChanged},
		{"origin", DiffAdded},
	}
	if len(diffs) != len(want) {
		t.Fatalf("Diff() = %+v, want %d diffs", diffs, len(want))
	}
	for i, w := range want {
		if diffs[i].Field != w.field || diffs[i].Kind != w.kind {
			t.Fatalf("diff %d = %s/%s, want %s/%s", i, diffs[i].Field, diffs[i].Kind, w.field, w.kind)
		}
	}
	if string(diffs[1].OldValue) != `"Dog"` || string(diffs[1].NewValue) != `"Canine"` {
		t.Fatalf("name diff = %s -> %s", diffs[1].OldValue, diffs[1].NewValue)
	}
}

func TestRecomputeDiffsIgnoresStoredDiffs(t *testing.T) {
	entries, err := Capture([]Mutation{{
		Type: ChangeUpdate, EntityType: "concept", EntityID: "c1",
		Before: Snapshot{"name": "Dog"}, After: Snapshot{"name": "Canine"},
	}})
	if err != nil {
		t.Fatalf("Capture() error: %v", err)
	}
	entry := entries[0]
	entry.FieldDiffs = []FieldDiff{{Field: "bogus", Kind: DiffAdded}}
	if err := RecomputeDiffs(&entry); err != nil {
		t.Fatalf("RecomputeDiffs() error: %v", err)
	}
	if len(entry.FieldDiffs) != 1 || entry.FieldDiffs[0].Field != "name" {
		t.Fatalf("FieldDiffs = %+v", entry.FieldDiffs)
	}
}

func TestApplyToLastWriteWins(t *testing.T) {
	entries, err := Capture([]Mutation{
		{Type: ChangeUpdate, EntityType: "concept", EntityID: "c1", Before: Snapshot{"name": "Dog"}, After: Snapshot{"name": "Canine"}},
		{Type: ChangeUpdate, EntityType: "concept", EntityID: "c1", Before: Snapshot{"name": "Canine", "note": "x"}, After: Snapshot{"name": "Hound"}},
	})
	if err != nil {
		t.Fatalf("Capture() error: %v", err)
	}
	state := Snapshot{"name": "Dog", "note": "x", "definition": "kept"}
	for _, entry := range entries {
		if state, err = ApplyTo(state, entry); err != nil {
			t.Fatalf("ApplyTo() error: %v", err)
		}
	}
	if state["name"] != "Hound" {
		t.Fatalf("name = %v, want Hound", state["name"])
	}
	if _, ok := state["note"]; ok {
		t.Fatalf("note should have been removed: %+v", state)
	}
	if state["definition"] != "kept" {
		t.Fatalf("untouched field lost: %+v", state)
	}
}

func TestApplyToCreateAndDelete(t *testing.T) {
	entries, err := Capture([]Mutation{
		{Type: ChangeCreate, EntityType: "concept", After: Snapshot{"name": "Cat"}},
		{Type: ChangeDelete, EntityType: "concept", EntityID: "c1", Before: Snapshot{"name": "Dog"}},
	})
	if err != nil {
		t.Fatalf("Capture() error: %v", err)
	}
	created, err := ApplyTo(nil, entries[0])
	if err != nil || created["name"] != "Cat" {
		t.Fatalf("ApplyTo(create) = %+v, %v", created, err)
	}
	deleted, err := ApplyTo(Snapshot{"name": "Dog"}, entries[1])
	if err != nil || deleted != nil {
		t.Fatalf("ApplyTo(delete) = %+v, %v", deleted, err)
	}
}

func TestEqualValues(t *testing.T) {
	if !EqualValues(4, 4.0) {
		t.Fatal("expected 4 and 4.0 to compare equal")
	}
	if EqualValues("4", 4) {
		t.Fatal("expected string and number to differ")
	}
	if !EqualValues([]any{"a", 1}, []any{"a", 1.0}) {
		t.Fatal("expected equal lists")
	}
}
