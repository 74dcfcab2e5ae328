package prescription

import (
	"strings"
	"testing"
	"time"
)

func TestNoteRoundTrip(t *testing.T) {
	at := time.Date(2024, 3, 9, 14, 5, 7, 250*int(time.Millisecond), time.UTC)
	notes := []NoteEntry{
		NewNote(at, "dr-smith", "Patient allergic to penicillin"),
		NewNote(at.Add(time.Minute), "", "auto-refill requested"),
		NewNote(at.Add(2*time.Minute), "rph-7", "Called prescriber [confirmed] (dose ok)"),
		NewNote(at.Add(3*time.Minute), "rph-7", "  indented reminder  "),
	}

	parsed := ParseNotes(FormatNotes(notes))
	if len(parsed) != len(notes) {
		t.Fatalf("parsed %d entries, want %d", len(parsed), len(notes))
	}
	for i := range notes {
		if parsed[i].Author != notes[i].Author {
			t.Errorf("entry %d author = %q, want %q", i, parsed[i].Author, notes[i].Author)
		}
		if parsed[i].Text != notes[i].Text {
			t.Errorf("entry %d text = %q, want %q", i, parsed[i].Text, notes[i].Text)
		}
		if !parsed[i].At.Equal(notes[i].At) {
			t.Errorf("entry %d at = %v, want %v", i, parsed[i].At, notes[i].At)
		}
	}
	if parsed[1].Author != SystemAuthor {
		t.Errorf("default author = %q", parsed[1].Author)
	}
}

func TestParseNotes(t *testing.T) {
	blob := strings.Join([]string{
		"[2024-01-02T03:04:05.000Z] (rph-1) verified by phone",
		"",
		"legacy free text without structure",
		"[not a time] (rph-2) bad stamp",
		"[2024-01-02T03:04:05Z]   (rph-3)   extra spacing  ",
		"[2024-01-02T03:04:05.000Z] () empty author\r",
	}, "\n")

	got := ParseNotes(blob)
	want := []struct {
		author string
		text   string
		zero   bool
	}{
		{"rph-1", "verified by phone", false},
		{UnknownAuthor, "legacy free text without structure", true},
		{UnknownAuthor, "[not a time] (rph-2) bad stamp", true},
		{"rph-3", "  extra spacing  ", false},
		{"", "empty author", false},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d entries, want %d: %+v", len(got), len(want), got)
	}
	for i, w := range want {
		if got[i].Author != w.author || got[i].Text != w.text {
			t.Errorf("entry %d = (%q, %q), want (%q, %q)", i, got[i].Author, got[i].Text, w.author, w.text)
		}
		if got[i].At.IsZero() != w.zero {
			t.Errorf("entry %d zero time = %v, want %v", i, got[i].At.IsZero(), w.zero)
		}
	}
}

func TestNoteStringFlattens(t *testing.T) {
	n := NewNote(time.Unix(0, 0), "a (b)", "line one\nline two")
	s := n.String()
	if strings.Contains(s, "\n") {
		t.Fatalf("rendered note spans lines: %q", s)
	}
	if !strings.Contains(s, "(a b)") {
		t.Fatalf("author parentheses not stripped: %q", s)
	}
}
