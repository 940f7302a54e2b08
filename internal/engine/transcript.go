package engine

import "strings"

// RenderTranscript renders messages as "[role] content" blocks separated by blank lines.
func RenderTranscript(ms []ChatMessage) string {
	var b strings.Builder
	for i, m := range ms {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("[" + string(m.Role) + "] ")
		b.WriteString(m.Content)
	}
	return b.String()
}

// Window returns at most the last n messages of ms.
func Window(ms []ChatMessage, n int) []ChatMessage {
	if n <= 0 {
		return nil
	}
	if len(ms) <= n {
		return ms
	}
	return ms[len(ms)-n:]
}
