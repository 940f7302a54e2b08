package orchestrator

import "strings"

// AdvanceMarker asks the orchestrator to close the current stage.
const AdvanceMarker = "ADVANCE_STAGE"

const storePrefix = "STORE_DATA:"

// Decoration the model wraps around the marker. It is removed together with
// the marker; punctuation that ends the preceding prose is kept.
const (
	markerLead  = "`*\"'(["
	markerTrail = "`*\"')].,;:!—"
)

// Fact is one STORE_DATA instruction.
type Fact struct {
	Key   string
	Value string
}

// Markers is a model reply split into its visible text and control signals.
type Markers struct {
	Text    string
	Advance bool
	Facts   []Fact // in reply order
}

// ParseMarkers scans a raw reply. The advance marker matches anywhere in the
// text, including inside STORE_DATA lines, unless it runs into a longer
// identifier. STORE_DATA lines are split on the first "=". Both are removed
// from the visible text.
func ParseMarkers(raw string) Markers {
	var m Markers
	lines := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")
	kept := make([]string, 0, len(lines))

	for _, line := range lines {
		line, advance := stripAdvance(line)
		if advance {
			m.Advance = true
		}

		trimmed := strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(trimmed, storePrefix); ok {
			key, value, found := strings.Cut(rest, "=")
			key = strings.TrimSpace(key)
			if found && key != "" {
				m.Facts = append(m.Facts, Fact{Key: key, Value: strings.TrimSpace(value)})
			}
			continue
		}

		switch {
		case !advance:
			kept = append(kept, line)
		case trimmed != "":
			kept = append(kept, strings.Join(strings.Fields(line), " "))
		}
	}

	m.Text = collapseBlankLines(strings.TrimSpace(strings.Join(kept, "\n")))
	return m
}

// stripAdvance removes every advance marker from line and reports whether
// one was found.
func stripAdvance(line string) (string, bool) {
	if !strings.Contains(line, AdvanceMarker) {
		return line, false
	}
	var b strings.Builder
	found := false
	rest := line
	for {
		i := strings.Index(rest, AdvanceMarker)
		if i < 0 {
			b.WriteString(rest)
			break
		}
		end := i + len(AdvanceMarker)
		if (i > 0 && isIdentByte(rest[i-1])) || (end < len(rest) && isIdentByte(rest[end])) {
			b.WriteString(rest[:end])
			rest = rest[end:]
			continue
		}
		found = true
		b.WriteString(strings.TrimRight(rest[:i], markerLead))
		b.WriteByte(' ')
		rest = strings.TrimLeft(rest[end:], markerTrail)
	}
	return b.String(), found
}

func isIdentByte(c byte) bool {
	return c == '_' || ('0' <= c && c <= '9') || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

func collapseBlankLines(s string) string {
	for strings.Contains(s, "\n\n\n") {
		s = strings.ReplaceAll(s, "\n\n\n", "\n\n")
	}
	return s
}
