package permission

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		level  Level
		action Action
		allow  bool
	}{
		{name: "none read", level: LevelNone, action: ActionRead, allow: false},
		{name: "view read", level: LevelView, action: ActionRead, allow: true},
		{name: "view add", level: LevelView, action: ActionAdd, allow: false},
		{name: "add add", level: LevelAdd, action: ActionAdd, allow: true},
		{name: "add edit", level: LevelAdd, action: ActionEdit, allow: false},
		{name: "edit review", level: LevelEdit, action: ActionReview, allow: false},
		{name: "full review", level: LevelFull, action: ActionReview, allow: true},
		{name: "full administer", level: LevelFull, action: ActionAdminister, allow: true},
		{name: "unknown action", level: LevelEdit, action: Action("purge"), allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.level, tc.action); got != tc.allow {
				t.Fatalf("Can(%s, %q) = %v, want %v", tc.level, tc.action, got, tc.allow)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"":      LevelNone,
		"none":  LevelNone,
		"View":  LevelView,
		" add ": LevelAdd,
		"edit":  LevelEdit,
		"FULL":  LevelFull,
	}
	for input, want := range cases {
		got, err := ParseLevel(input)
		if err != nil {
			t.Fatalf("ParseLevel(%q) error: %v", input, err)
		}
		if got != want {
			t.Fatalf("ParseLevel(%q) = %s, want %s", input, got, want)
		}
	}
	if _, err := ParseLevel("owner"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestLevelTextRoundTrip(t *testing.T) {
	var level Level
	if err := level.UnmarshalText([]byte("edit")); err != nil {
		t.Fatalf("UnmarshalText() error: %v", err)
	}
	text, err := level.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText() error: %v", err)
	}
	if string(text) != "edit" {
		t.Fatalf("MarshalText() = %q, want edit", text)
	}
}
