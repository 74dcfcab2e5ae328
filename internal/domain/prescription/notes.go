package prescription

import (
	"regexp"
	"strings"
	"time"
)

const (
	// SystemAuthor marks notes written by the workflow itself.
	SystemAuthor = "system"
	// UnknownAuthor marks lines of a legacy note blob that could not be parsed.
	UnknownAuthor = "unknown"

	noteTimeLayout = "2006-01-02T15:04:05.000Z07:00"
)

// NoteEntry is one entry of a prescription's append-only note log.
type NoteEntry struct {
	At     time.Time `json:"at"`
	Author string    `json:"author"`
	Text   string    `json:"text"`
}

// NewNote builds an entry, defaulting the author to SystemAuthor. The text is
// kept as given.
func NewNote(at time.Time, author, text string) NoteEntry {
	author = strings.TrimSpace(author)
	if author == "" {
		author = SystemAuthor
	}
	return NoteEntry{At: at.UTC(), Author: author, Text: text}
}

// String renders the entry as a single "[timestamp] (author) text" line.
func (n NoteEntry) String() string {
	var b strings.Builder
	b.WriteByte('[')
	b.WriteString(n.At.UTC().Format(noteTimeLayout))
	b.WriteString("] (")
	b.WriteString(strings.NewReplacer("(", "", ")", "", "\n", " ").Replace(n.Author))
	b.WriteString(") ")
	b.WriteString(strings.ReplaceAll(n.Text, "\n", " "))
	return b.String()
}

// FormatNotes renders the log as a newline-delimited text blob.
func FormatNotes(notes []NoteEntry) string {
	lines := make([]string, len(notes))
	for i, n := range notes {
		lines[i] = n.String()
	}
	return strings.Join(lines, "\n")
}

// noteLine consumes one space after the author; the rest of the line is the text.
var noteLine = regexp.MustCompile(`^\[([^\]]+)\]\s*\(([^)]*)\) ?(.*)$`)

// ParseNotes splits a text blob back into entries. Lines that do not match the
// "[timestamp] (author) text" shape, or whose timestamp does not parse, are
// kept verbatim with UnknownAuthor and a zero timestamp. Blank lines are dropped.
func ParseNotes(blob string) []NoteEntry {
	var notes []NoteEntry
	for _, line := range strings.Split(blob, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		notes = append(notes, parseNoteLine(line))
	}
	return notes
}

func parseNoteLine(line string) NoteEntry {
	m := noteLine.FindStringSubmatch(strings.TrimLeft(line, " \t"))
	if m == nil {
		return NoteEntry{Author: UnknownAuthor, Text: line}
	}
	at, err := parseNoteTime(strings.TrimSpace(m[1]))
	if err != nil {
		return NoteEntry{Author: UnknownAuthor, Text: line}
	}
	return NoteEntry{At: at, Author: strings.TrimSpace(m[2]), Text: m[3]}
}

func parseNoteTime(s string) (time.Time, error) {
	t, err := time.Parse(noteTimeLayout, s)
	if err == nil {
		return t.UTC(), nil
	}
	t, err = time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
