package prompts

import (
	"fmt"
	"sort"
	"strings"
)

// PromptBuilder composes a prompt from fragments and {{variable}} substitutions.
type PromptBuilder struct {
	fragments []string
	variables map[string]string
}

// NewPromptBuilder starts a builder whose first fragment is base.
func NewPromptBuilder(base string) *PromptBuilder {
	return &PromptBuilder{
		fragments: []string{base},
		variables: make(map[string]string),
	}
}

// AddFragment appends a fragment to the prompt. Blank fragments are skipped.
func (b *PromptBuilder) AddFragment(text string) *PromptBuilder {
	if strings.TrimSpace(text) == "" {
		return b
	}
	b.fragments = append(b.fragments, text)
	return b
}

// SetVariable sets a variable for template substitution.
func (b *PromptBuilder) SetVariable(key, value string) *PromptBuilder {
	b.variables[key] = value
	return b
}

// Build joins the fragments with blank lines and substitutes variables.
// Substitution runs in key order so output is stable.
func (b *PromptBuilder) Build() string {
	result := strings.Join(b.fragments, "\n\n")

	keys := make([]string, 0, len(b.variables))
	for k := range b.variables {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		result = strings.ReplaceAll(result, fmt.Sprintf("{{%s}}", key), b.variables[key])
	}
	return result
}
