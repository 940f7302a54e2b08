package prompts

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/ChamsBouzaiene/pdn/internal/language"
	"github.com/ChamsBouzaiene/pdn/internal/stages"
)

// DefaultTopChunks is how many reference chunks go into a system prompt.
const DefaultTopChunks = 2

const formattingInstructions = `[FORMATTING]
Format every reply in Markdown. Use **bold** for key terms, leave a blank line between paragraphs,
start with a fitting emoji, and number answer options with emoji numbers (1️⃣, 2️⃣, 3️⃣).`

const formattingReminder = "Remember to format your response with proper Markdown, emojis, and clear structure. " +
	"Use bold for emphasis, proper spacing, and emoji numbers for options."

// Retriever returns reference text ranked against a query.
type Retriever interface {
	TopChunks(ctx context.Context, query string, n int) ([]string, error)
}

// Assembler builds stage system prompts.
type Assembler struct {
	registry    *stages.Registry
	templates   TemplateStore
	retriever   Retriever
	chatbotName string
	topChunks   int
	logger      *zap.Logger
}

// AssemblerOption configures an Assembler.
type AssemblerOption func(*Assembler)

// WithRetriever adds reference text retrieval.
func WithRetriever(r Retriever) AssemblerOption {
	return func(a *Assembler) { a.retriever = r }
}

// WithChatbotName sets the name substituted for {{chatbot_name}}.
func WithChatbotName(name string) AssemblerOption {
	return func(a *Assembler) {
		if name != "" {
			a.chatbotName = name
		}
	}
}

// WithTopChunks overrides how many reference chunks are requested.
func WithTopChunks(n int) AssemblerOption {
	return func(a *Assembler) {
		if n > 0 {
			a.topChunks = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) AssemblerOption {
	return func(a *Assembler) {
		if l != nil {
			a.logger = l
		}
	}
}

// NewAssembler creates an assembler reading templates from store.
func NewAssembler(registry *stages.Registry, store TemplateStore, opts ...AssemblerOption) *Assembler {
	a := &Assembler{
		registry:    registry,
		templates:   store,
		chatbotName: "the assessment guide",
		topChunks:   DefaultTopChunks,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// BuildSystemPrompt returns the system prompt for a stage: the stage template,
// formatting instructions, optional reference material and a directive pinning
// the reply language. Identical inputs produce identical output.
func (a *Assembler) BuildSystemPrompt(ctx context.Context, id stages.ID, lang language.Language) (string, error) {
	stage, err := a.registry.Get(id)
	if err != nil {
		return "", err
	}

	tmpl, err := a.templates.Read(ctx, stage.TemplateRef)
	if err != nil {
		return "", fmt.Errorf("stage %s: %w", id, err)
	}

	b := NewPromptBuilder(tmpl).
		AddFragment(formattingInstructions).
		AddFragment(a.referenceFragment(ctx, stage)).
		AddFragment(LanguageDirective(lang)).
		SetVariable("chatbot_name", a.chatbotName).
		SetVariable("stage_name", stage.DisplayName).
		SetVariable("stage_description", stage.Description).
		SetVariable("stage_id", string(stage.ID))
	return b.Build(), nil
}

// BuildFollowUpPrompt returns the system prompt used once the assessment is
// complete: the terminal template plus the finished report and findings.
func (a *Assembler) BuildFollowUpPrompt(ctx context.Context, lang language.Language, report string, facts map[string]string) (string, error) {
	base, err := a.BuildSystemPrompt(ctx, a.registry.Terminal().ID, lang)
	if err != nil {
		return "", err
	}
	b := NewPromptBuilder(base).
		AddFragment("[COMPLETED ASSESSMENT]\nThe assessment is finished. Answer the user's follow-up questions using the report and findings below. Do not restart the assessment.").
		AddFragment("Final report:\n" + report).
		AddFragment(RenderFacts(facts))
	return b.Build(), nil
}

// SynthesisRequest is the user message asking for the final report.
func (a *Assembler) SynthesisRequest(facts map[string]string) string {
	return "Write my final report based on these findings:\n\n" + RenderFacts(facts)
}

// FormattingReminder is appended as the last system message of every request.
func (a *Assembler) FormattingReminder() string { return formattingReminder }

// LanguageDirective tells the model which language to answer in.
func LanguageDirective(lang language.Language) string {
	if lang == language.Hebrew {
		return "[LANGUAGE]\nRespond only in Hebrew (עברית), even if the user writes in another language."
	}
	return "[LANGUAGE]\nRespond only in English, even if the user writes in another language."
}

// RenderFacts lists facts as "- key: value" lines in key order.
func RenderFacts(facts map[string]string) string {
	if len(facts) == 0 {
		return "Findings: none recorded."
	}
	keys := make([]string, 0, len(facts))
	for k := range facts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString("Findings:")
	for _, k := range keys {
		sb.WriteString("\n- ")
		sb.WriteString(k)
		sb.WriteString(": ")
		sb.WriteString(facts[k])
	}
	return sb.String()
}

func (a *Assembler) referenceFragment(ctx context.Context, stage stages.Stage) string {
	if a.retriever == nil {
		return ""
	}
	query := stage.DisplayName + " " + stage.Description
	chunks, err := a.retriever.TopChunks(ctx, query, a.topChunks)
	if err != nil {
		a.logger.Warn("reference retrieval failed", zap.String("stage", string(stage.ID)), zap.Error(err))
		return ""
	}
	if len(chunks) > a.topChunks {
		chunks = chunks[:a.topChunks]
	}
	if len(chunks) == 0 {
		return ""
	}
	return "Additional reference material:\n\n" + strings.Join(chunks, "\n\n")
}
