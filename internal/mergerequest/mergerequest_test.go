package mergerequest

import (
	"errors"
	"testing"
	"time"

	"eidos/api/internal/changes"
)

var now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func draft(t *testing.T) MergeRequest {
	t.Helper()
	entries, err := changes.Capture([]changes.Mutation{{
		Type: changes.ChangeUpdate, EntityType: "concept", EntityID: "c1",
		Before: changes.Snapshot{"name": "Dog"}, After: changes.Snapshot{"name": "Canine"},
	}})
	if err != nil {
		t.Fatalf("Capture() error: %v", err)
	}
	mr, err := New("mr_1", "r1", "alice", " Rename dog ", "", 5, entries, now)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return mr
}

func pending(t *testing.T) MergeRequest {
	t.Helper()
	mr := draft(t)
	if err := Submit(&mr, "alice", now); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	return mr
}

func TestNewValidates(t *testing.T) {
	if _, err := New("mr", "r1", "alice", "  ", "", 1, []changes.ChangeEntry{{}}, now); !errors.Is(err, ErrTitleRequired) {
		t.Fatalf("New() error = %v, want ErrTitleRequired", err)
	}
	if _, err := New("mr", "r1", "alice", "t", "", 1, nil, now); !errors.Is(err, ErrEmptyChanges) {
		t.Fatalf("New() error = %v, want ErrEmptyChanges", err)
	}
	mr := draft(t)
	if mr.Status != StatusDraft || mr.Title != "Rename dog" {
		t.Fatalf("draft = %+v", mr)
	}
}

func TestSubmit(t *testing.T) {
	mr := draft(t)
	if err := Submit(&mr, "bob", now); !errors.Is(err, ErrNotSubmitter) {
		t.Fatalf("Submit() by other = %v, want ErrNotSubmitter", err)
	}
	if err := Submit(&mr, "alice", now); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if mr.Status != StatusPending || mr.SubmittedAt == nil {
		t.Fatalf("after submit = %+v", mr)
	}
	if err := Submit(&mr, "alice", now); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second Submit() = %v, want ErrInvalidState", err)
	}

	empty := draft(t)
	empty.Changes = nil
	if err := Submit(&empty, "alice", now); !errors.Is(err, ErrEmptyChanges) {
		t.Fatalf("Submit() empty = %v, want ErrEmptyChanges", err)
	}
}

func TestMarkStale(t *testing.T) {
	mr := pending(t)
	if err := MarkStale(&mr, 5, now); !errors.Is(err, ErrVersionNotAdvanced) {
		t.Fatalf("MarkStale(5) = %v, want ErrVersionNotAdvanced", err)
	}
	if err := MarkStale(&mr, 6, now); err != nil {
		t.Fatalf("MarkStale(6) error: %v", err)
	}
	if mr.Status != StatusStale || mr.CurrentVersion == nil || *mr.CurrentVersion != 6 {
		t.Fatalf("after MarkStale = %+v", mr)
	}
	if err := MarkStale(&mr, 8, now); err != nil || *mr.CurrentVersion != 8 {
		t.Fatalf("MarkStale refresh = %v, version %v", err, mr.CurrentVersion)
	}

	d := draft(t)
	if err := MarkStale(&d, 9, now); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("MarkStale(draft) = %v, want ErrInvalidState", err)
	}
}

func TestApprove(t *testing.T) {
	mr := pending(t)
	if err := Approve(&mr, "alice", "", now); !errors.Is(err, ErrSelfReview) {
		t.Fatalf("self Approve() = %v, want ErrSelfReview", err)
	}
	if err := Approve(&mr, "bob", " ok ", now); err != nil {
		t.Fatalf("Approve() error: %v", err)
	}
	if mr.Status != StatusApproved || mr.ReviewerID != "bob" || mr.ReviewedAt == nil || mr.ReviewComment != "ok" {
		t.Fatalf("after approve = %+v", mr)
	}

	d := draft(t)
	if err := Approve(&d, "bob", "", now); !errors.Is(err, ErrNotReviewable) {
		t.Fatalf("Approve(draft) = %v, want ErrNotReviewable", err)
	}

	stale := pending(t)
	if err := MarkStale(&stale, 7, now); err != nil {
		t.Fatalf("MarkStale() error: %v", err)
	}
	if err := Approve(&stale, "bob", "", now); err != nil {
		t.Fatalf("Approve(stale) error: %v", err)
	}
}

func TestReject(t *testing.T) {
	mr := pending(t)
	if err := Reject(&mr, "bob", "", now); !errors.Is(err, ErrReasonTooShort) {
		t.Fatalf("Reject(empty) = %v, want ErrReasonTooShort", err)
	}
	if err := Reject(&mr, "bob", "   too short  ", now); !errors.Is(err, ErrReasonTooShort) {
		t.Fatalf("Reject(short) = %v, want ErrReasonTooShort", err)
	}
	if err := Reject(&mr, "alice", "Duplicates existing concept X", now); !errors.Is(err, ErrSelfReview) {
		t.Fatalf("self Reject() = %v, want ErrSelfReview", err)
	}
	if mr.Status != StatusPending {
		t.Fatalf("failed rejects changed status to %s", mr.Status)
	}
	if err := Reject(&mr, "bob", "Duplicates existing concept X", now); err != nil {
		t.Fatalf("Reject() error: %v", err)
	}
	if mr.Status != StatusRejected || mr.ReviewComment != "Duplicates existing concept X" {
		t.Fatalf("after reject = %+v", mr)
	}
}

func TestCancel(t *testing.T) {
	for _, name := range []string{"draft", "pending", "stale"} {
		t.Run(name, func(t *testing.T) {
			mr := draft(t)
			if name != "draft" {
				mr = pending(t)
			}
			if name == "stale" {
				if err := MarkStale(&mr, 6, now); err != nil {
					t.Fatalf("MarkStale() error: %v", err)
				}
			}
			if err := Cancel(&mr, "bob", now); !errors.Is(err, ErrNotSubmitter) {
				t.Fatalf("Cancel() by other = %v, want ErrNotSubmitter", err)
			}
			if err := Cancel(&mr, "alice", now); err != nil {
				t.Fatalf("Cancel() error: %v", err)
			}
			if mr.Status != StatusCancelled {
				t.Fatalf("status = %s", mr.Status)
			}
		})
	}
}

func TestTerminalStatesAreImmutable(t *testing.T) {
	finalize := map[Status]func(*MergeRequest) error{
		StatusApproved:  func(mr *MergeRequest) error { return Approve(mr, "bob", "", now) },
		StatusRejected:  func(mr *MergeRequest) error { return Reject(mr, "bob", "Not what we need here", now) },
		StatusCancelled: func(mr *MergeRequest) error { return Cancel(mr, "alice", now) },
	}
	for status, apply := range finalize {
		t.Run(string(status), func(t *testing.T) {
			mr := pending(t)
			if err := apply(&mr); err != nil {
				t.Fatalf("finalize error: %v", err)
			}
			attempts := map[string]error{
				"submit":  Submit(&mr, "alice", now),
				"cancel":  Cancel(&mr, "alice", now),
				"stale":   MarkStale(&mr, 99, now),
				"approve": Approve(&mr, "carol", "", now),
				"reject":  Reject(&mr, "carol", "Changed my mind entirely", now),
				"rebase":  Rebase(&mr, "alice", 99, now),
			}
			for name, err := range attempts {
				if !errors.Is(err, ErrTerminal) {
					t.Fatalf("%s on %s = %v, want ErrTerminal", name, status, err)
				}
			}
			if mr.Status != status {
				t.Fatalf("status changed to %s", mr.Status)
			}
		})
	}
}

func TestRebase(t *testing.T) {
	mr := pending(t)
	if err := Rebase(&mr, "alice", 6, now); !errors.Is(err, ErrNotStale) {
		t.Fatalf("Rebase(pending) = %v, want ErrNotStale", err)
	}
	if err := MarkStale(&mr, 6, now); err != nil {
		t.Fatalf("MarkStale() error: %v", err)
	}
	if err := Rebase(&mr, "bob", 6, now); !errors.Is(err, ErrNotSubmitter) {
		t.Fatalf("Rebase() by other = %v, want ErrNotSubmitter", err)
	}
	if err := Rebase(&mr, "alice", 6, now); err != nil {
		t.Fatalf("Rebase() error: %v", err)
	}
	if mr.Status != StatusPending || mr.BaseVersion != 6 || mr.CurrentVersion != nil {
		t.Fatalf("after rebase = %+v", mr)
	}
	if mr.IsStale(6) || !mr.IsStale(7) {
		t.Fatal("IsStale should compare against the rebased version")
	}
}

func TestParseStatus(t *testing.T) {
	if got, err := ParseStatus(" Pending "); err != nil || got != StatusPending {
		t.Fatalf("ParseStatus() = %q, %v", got, err)
	}
	if _, err := ParseStatus("merged"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}
