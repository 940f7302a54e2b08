// Package orchestrator runs the stage-gated assessment conversation: it
// assembles each request, calls the model, interprets the control markers in
// the reply and moves the session along the stage chain.
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ChamsBouzaiene/pdn/internal/engine"
	"github.com/ChamsBouzaiene/pdn/internal/language"
	"github.com/ChamsBouzaiene/pdn/internal/metrics"
	"github.com/ChamsBouzaiene/pdn/internal/prompts"
	"github.com/ChamsBouzaiene/pdn/internal/session"
	"github.com/ChamsBouzaiene/pdn/internal/stages"
)

// DefaultWindow is how many prior user/assistant turns accompany a request.
const DefaultWindow = 4

// FinalReportKey is the fact holding the synthesized report.
const FinalReportKey = "final_report"

// kickoffMessage is the synthetic user turn that opens a new stage.
const kickoffMessage = "start"

// ResultType tags a TurnResult.
type ResultType string

const (
	ResultText     ResultType = "text"
	ResultRedirect ResultType = "redirect"
)

// Redirect targets and payloads.
const (
	TargetReport       = "report"
	PayloadFinalReport = "final_report"
	TargetIndex        = "index"
	PayloadReset       = "reset"
)

// Turn outcomes recorded in metrics.
const (
	outcomeReply         = "reply"
	outcomeAdvanced      = "advanced"
	outcomeCompleted     = "completed"
	outcomeFollowUp      = "follow_up"
	outcomeCommand       = "command"
	outcomeProviderError = "provider_error"
	outcomeRejected      = "rejected"
)

// ErrEmptyMessage is returned for a blank user message.
var ErrEmptyMessage = errors.New("empty message")

// TurnResult is what one turn hands back to the caller: either text to show
// or a redirect to another view.
type TurnResult struct {
	Type    ResultType `json:"type"`
	Message string     `json:"message,omitempty"`
	Target  string     `json:"target,omitempty"`
	Payload string     `json:"payload,omitempty"`
	Stage   stages.ID  `json:"stage"`
	RTL     bool       `json:"rtl,omitempty"`
}

// IsRedirect reports whether the result asks the caller to switch views.
func (r TurnResult) IsRedirect() bool { return r.Type == ResultRedirect }

// Info is a read-only view of a session.
type Info struct {
	Stage         stages.ID     `json:"stage"`
	HistoryLength int           `json:"history_length"`
	LastMessage   *session.Turn `json:"last_message"`
}

// Options wires an Orchestrator. Registry, Store, Assembler and LLM are required.
type Options struct {
	Registry  *stages.Registry
	Store     *session.Store
	Persister *session.Persister
	Assembler *prompts.Assembler
	LLM       engine.LLMClient

	Model           string
	Temperature     float32
	MaxOutputTokens int
	ProviderTimeout time.Duration
	Window          int

	Recorder metrics.Recorder
	Logger   *zap.Logger
}

// Orchestrator is safe for concurrent use; turns for one session are serialized.
type Orchestrator struct {
	registry  *stages.Registry
	store     *session.Store
	persister *session.Persister
	assembler *prompts.Assembler
	llm       engine.LLMClient
	model     string
	chatOpts  engine.ChatOptions
	timeout   time.Duration
	window    int
	recorder  metrics.Recorder
	logger    *zap.Logger
}

// New validates opts and builds an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Registry == nil {
		return nil, errors.New("stage registry is required")
	}
	if opts.Store == nil {
		return nil, errors.New("session store is required")
	}
	if opts.Assembler == nil {
		return nil, errors.New("prompt assembler is required")
	}
	if opts.LLM == nil {
		return nil, errors.New("LLM client is required")
	}

	o := &Orchestrator{
		registry:  opts.Registry,
		store:     opts.Store,
		persister: opts.Persister,
		assembler: opts.Assembler,
		llm:       opts.LLM,
		model:     opts.Model,
		chatOpts: engine.ChatOptions{
			Temperature:     opts.Temperature,
			MaxOutputTokens: opts.MaxOutputTokens,
		},
		timeout:  opts.ProviderTimeout,
		window:   opts.Window,
		recorder: opts.Recorder,
		logger:   opts.Logger,
	}
	if o.window <= 0 {
		o.window = DefaultWindow
	}
	if o.recorder == nil {
		o.recorder = metrics.Nop{}
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	o.logger = o.logger.Named("orchestrator")
	return o, nil
}

// HandleTurn processes one user message. stageOverride, when non-empty, moves
// the session to that stage first.
//
// Validation and template failures return a result carrying a localized
// message together with the error. Provider failures are absorbed: the user
// turn is rolled back and a localized fallback is returned with a nil error.
func (o *Orchestrator) HandleTurn(ctx context.Context, sessionID, userMessage, stageOverride string) (TurnResult, error) {
	release := o.store.Acquire(sessionID)
	defer release()

	sess := o.store.GetOrCreate(sessionID)
	log := o.logger.With(zap.String("session_id", sessionID))

	message := strings.TrimSpace(userMessage)
	if message == "" {
		lang := sess.Language
		if lang == "" {
			lang = language.English
		}
		o.recorder.ObserveTurn(string(sess.CurrentStage), outcomeRejected)
		return o.textResult(sess.CurrentStage, localize(lang, msgEmptyMessage)), ErrEmptyMessage
	}

	lang, err := o.store.SetLanguage(sessionID, language.Detect(message))
	if err != nil {
		return TurnResult{}, err
	}

	if stageOverride != "" {
		if res, err := o.applyOverride(ctx, sess, lang, stageOverride); err != nil {
			o.recorder.ObserveTurn(string(sess.CurrentStage), outcomeRejected)
			return res, err
		}
		if sess, err = o.store.Get(sessionID); err != nil {
			return TurnResult{}, err
		}
	}

	if sess.Completed {
		res, handled, err := o.handleCommand(sess, lang, message)
		if handled {
			o.recorder.ObserveTurn(string(sess.CurrentStage), outcomeCommand)
			return res, err
		}
		return o.followUp(ctx, log, sess, lang, message)
	}

	stage, err := o.registry.Get(sess.CurrentStage)
	if err != nil {
		return o.textResult(sess.CurrentStage, localize(lang, msgInvalidStage, sess.CurrentStage)),
			&session.InvalidStageError{ID: string(sess.CurrentStage), Err: err}
	}

	system, ok := currentSystemPrompt(sess)
	if !ok {
		system, err = o.assembler.BuildSystemPrompt(ctx, stage.ID, lang)
		if err != nil {
			log.Error("failed to build system prompt", zap.String("stage", string(stage.ID)), zap.Error(err))
			return o.textResult(stage.ID, localize(lang, msgTemplateNotFound)), err
		}
		if _, err := o.store.AppendTurn(sessionID, session.Turn{Role: engine.RoleSystem, Content: system, StageTag: stage.ID}); err != nil {
			return TurnResult{}, err
		}
	}

	prior := sess.Conversation()
	checkpoint, err := o.store.AppendTurn(sessionID, session.Turn{Role: engine.RoleUser, Content: message})
	if err != nil {
		return TurnResult{}, err
	}
	checkpoint--

	raw, err := o.complete(ctx, o.request(system, prior, message))
	if err != nil {
		log.Error("model call failed; rolling back user turn", zap.String("stage", string(stage.ID)), zap.Error(err))
		if terr := o.store.TruncateHistory(sessionID, checkpoint); terr != nil {
			log.Error("failed to roll back user turn", zap.Error(terr))
		}
		o.recorder.ObserveTurn(string(stage.ID), outcomeProviderError)
		return o.textResult(stage.ID, localize(lang, msgProviderFallback)), nil
	}

	parsed := ParseMarkers(raw)
	o.storeFacts(log, sessionID, parsed.Facts)
	if _, err := o.store.AppendTurn(sessionID, session.Turn{Role: engine.RoleAssistant, Content: parsed.Text}); err != nil {
		return TurnResult{}, err
	}

	if !parsed.Advance {
		o.recorder.ObserveTurn(string(stage.ID), outcomeReply)
		return o.textResult(stage.ID, parsed.Text), nil
	}
	return o.advance(ctx, log, sessionID, stage, lang, parsed.Text)
}

// advance closes stage and either synthesizes the final report or opens the
// next stage.
func (o *Orchestrator) advance(ctx context.Context, log *zap.Logger, sessionID string, stage stages.Stage, lang language.Language, reply string) (TurnResult, error) {
	if err := o.store.StoreFact(sessionID, session.StageCompleteKey(stage.ID), "true"); err != nil {
		return TurnResult{}, err
	}

	next, ok, err := o.registry.NextOf(stage.ID)
	if err != nil || !ok {
		log.Warn("advance requested with no next stage; staying put",
			zap.String("stage", string(stage.ID)), zap.Error(err))
		o.recorder.ObserveTurn(string(stage.ID), outcomeReply)
		return o.textResult(stage.ID, reply), nil
	}
	if next.IsTerminal() {
		return o.synthesize(ctx, log, sessionID, stage, next, lang, reply)
	}
	return o.kickoff(ctx, log, sessionID, stage, next, lang, reply)
}

// synthesize asks for the final report with the terminal template and the
// collected facts, then completes the session.
func (o *Orchestrator) synthesize(ctx context.Context, log *zap.Logger, sessionID string, stage, terminal stages.Stage, lang language.Language, reply string) (TurnResult, error) {
	system, err := o.assembler.BuildSystemPrompt(ctx, terminal.ID, lang)
	if err != nil {
		log.Error("failed to build final report prompt", zap.Error(err))
		o.recorder.ObserveTurn(string(stage.ID), outcomeReply)
		return o.textResult(stage.ID, joinReplies(reply, localize(lang, msgTemplateNotFound))), err
	}
	sess, err := o.store.Get(sessionID)
	if err != nil {
		return TurnResult{}, err
	}

	raw, err := o.complete(ctx, []engine.ChatMessage{
		{Role: engine.RoleSystem, Content: system},
		{Role: engine.RoleUser, Content: o.assembler.SynthesisRequest(sess.Facts)},
	})
	if err != nil {
		log.Error("final report synthesis failed", zap.Error(err))
		o.recorder.ObserveTurn(string(stage.ID), outcomeProviderError)
		return o.textResult(stage.ID, joinReplies(reply, localize(lang, msgReportFailed))), nil
	}

	parsed := ParseMarkers(raw)
	o.storeFacts(log, sessionID, parsed.Facts)
	report := parsed.Text
	if err := o.store.StoreFact(sessionID, FinalReportKey, report); err != nil {
		return TurnResult{}, err
	}
	if _, err := o.store.AppendTurn(sessionID, session.Turn{Role: engine.RoleSystem, Content: system, StageTag: terminal.ID}); err != nil {
		return TurnResult{}, err
	}
	if _, err := o.store.AppendTurn(sessionID, session.Turn{Role: engine.RoleAssistant, Content: report}); err != nil {
		return TurnResult{}, err
	}
	if err := o.store.MarkCompleted(sessionID, report); err != nil {
		return TurnResult{}, err
	}

	log.Info("final report generated", zap.Int("length", len(report)))
	o.recorder.ObserveTurn(string(stage.ID), outcomeCompleted)
	return TurnResult{
		Type:    ResultRedirect,
		Message: report,
		Target:  TargetReport,
		Payload: PayloadFinalReport,
		Stage:   terminal.ID,
		RTL:     language.IsRTL(report),
	}, nil
}

// kickoff opens next and asks the model for its first question, which is
// appended after the closing reply of the previous stage.
func (o *Orchestrator) kickoff(ctx context.Context, log *zap.Logger, sessionID string, stage, next stages.Stage, lang language.Language, reply string) (TurnResult, error) {
	system, err := o.assembler.BuildSystemPrompt(ctx, next.ID, lang)
	if err != nil {
		log.Error("failed to build system prompt", zap.String("stage", string(next.ID)), zap.Error(err))
		o.recorder.ObserveTurn(string(stage.ID), outcomeReply)
		return o.textResult(stage.ID, joinReplies(reply, localize(lang, msgTemplateNotFound))), err
	}
	if err := o.store.SetStage(sessionID, next.ID); err != nil {
		return TurnResult{}, err
	}
	if _, err := o.store.AppendTurn(sessionID, session.Turn{Role: engine.RoleSystem, Content: system, StageTag: next.ID}); err != nil {
		return TurnResult{}, err
	}
	o.recorder.ObserveTurn(string(stage.ID), outcomeAdvanced)

	raw, err := o.complete(ctx, o.request(system, nil, kickoffMessage))
	if err != nil {
		log.Warn("kickoff call failed; stage opens on the next message",
			zap.String("stage", string(next.ID)), zap.Error(err))
		return o.textResult(next.ID, reply), nil
	}

	parsed := ParseMarkers(raw)
	o.storeFacts(log, sessionID, parsed.Facts)
	if parsed.Text != "" {
		if _, err := o.store.AppendTurn(sessionID, session.Turn{Role: engine.RoleAssistant, Content: parsed.Text}); err != nil {
			return TurnResult{}, err
		}
	}
	return o.textResult(next.ID, joinReplies(reply, parsed.Text)), nil
}

// followUp answers a question about a completed assessment. The stage never changes.
func (o *Orchestrator) followUp(ctx context.Context, log *zap.Logger, sess session.Session, lang language.Language, message string) (TurnResult, error) {
	system, err := o.assembler.BuildFollowUpPrompt(ctx, lang, sess.FinalReport, sess.Facts)
	if err != nil {
		log.Error("failed to build follow-up prompt", zap.Error(err))
		return o.textResult(sess.CurrentStage, localize(lang, msgTemplateNotFound)), err
	}

	prior := sess.Conversation()
	checkpoint, err := o.store.AppendTurn(sess.ID, session.Turn{Role: engine.RoleUser, Content: message})
	if err != nil {
		return TurnResult{}, err
	}
	checkpoint--

	raw, err := o.complete(ctx, o.request(system, prior, message))
	if err != nil {
		log.Error("follow-up model call failed; rolling back user turn", zap.Error(err))
		if terr := o.store.TruncateHistory(sess.ID, checkpoint); terr != nil {
			log.Error("failed to roll back user turn", zap.Error(terr))
		}
		o.recorder.ObserveTurn(string(sess.CurrentStage), outcomeProviderError)
		return o.textResult(sess.CurrentStage, localize(lang, msgProviderFallback)), nil
	}

	parsed := ParseMarkers(raw)
	if parsed.Advance {
		log.Debug("ignoring advance marker on completed session")
	}
	o.storeFacts(log, sess.ID, parsed.Facts)
	if _, err := o.store.AppendTurn(sess.ID, session.Turn{Role: engine.RoleAssistant, Content: parsed.Text}); err != nil {
		return TurnResult{}, err
	}
	o.recorder.ObserveTurn(string(sess.CurrentStage), outcomeFollowUp)
	return o.textResult(sess.CurrentStage, parsed.Text), nil
}

// applyOverride moves the session to the requested stage. When the session
// already has history, the new stage's system turn is appended so the next
// request carries the right instructions.
func (o *Orchestrator) applyOverride(ctx context.Context, sess session.Session, lang language.Language, raw string) (TurnResult, error) {
	id, err := o.registry.Parse(raw)
	if err != nil {
		return o.textResult(sess.CurrentStage, localize(lang, msgInvalidStage, raw)),
			&session.InvalidStageError{ID: raw, Err: err}
	}
	if id == sess.CurrentStage {
		return TurnResult{}, nil
	}
	if sess.Completed {
		return o.textResult(sess.CurrentStage, localize(lang, msgSessionCompleted)), session.ErrSessionCompleted
	}

	var system string
	if len(sess.History) > 0 {
		system, err = o.assembler.BuildSystemPrompt(ctx, id, lang)
		if err != nil {
			o.logger.Error("failed to build system prompt for override",
				zap.String("session_id", sess.ID), zap.String("stage", string(id)), zap.Error(err))
			return o.textResult(sess.CurrentStage, localize(lang, msgTemplateNotFound)), err
		}
	}

	if err := o.store.SetStage(sess.ID, id); err != nil {
		return o.textResult(sess.CurrentStage, localize(lang, msgInvalidStage, raw)), err
	}
	o.logger.Info("stage overridden by caller",
		zap.String("session_id", sess.ID),
		zap.String("previous", string(sess.CurrentStage)),
		zap.String("next", string(id)))

	if system != "" {
		if _, err := o.store.AppendTurn(sess.ID, session.Turn{Role: engine.RoleSystem, Content: system, StageTag: id}); err != nil {
			return TurnResult{}, err
		}
	}
	return TurnResult{}, nil
}

// SessionInfo reports the stage, history length and last turn of a session.
func (o *Orchestrator) SessionInfo(sessionID string) (Info, error) {
	sess, err := o.store.Get(sessionID)
	if err != nil {
		return Info{}, err
	}
	info := Info{Stage: sess.CurrentStage, HistoryLength: len(sess.History)}
	if last, ok := sess.LastTurn(); ok {
		info.LastMessage = &last
	}
	return info, nil
}

// Reset returns the session to its initial state.
func (o *Orchestrator) Reset(sessionID string) error {
	release := o.store.Acquire(sessionID)
	defer release()
	return o.store.Reset(sessionID)
}

// History returns the full turn history of a session.
func (o *Orchestrator) History(sessionID string) ([]session.Turn, error) {
	sess, err := o.store.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return sess.History, nil
}

// Snapshot loads the persisted snapshot of a session. It returns nil when
// nothing was written yet.
func (o *Orchestrator) Snapshot(ctx context.Context, sessionID string) (*session.Snapshot, error) {
	if o.persister == nil {
		return nil, errors.New("no persister configured")
	}
	o.persister.Flush()
	return o.persister.Load(ctx, sessionID)
}

// request assembles the outgoing messages: system prompt, the last window
// prior turns, the user message and the formatting reminder.
func (o *Orchestrator) request(system string, prior []session.Turn, message string) []engine.ChatMessage {
	history := make([]engine.ChatMessage, 0, len(prior))
	for _, t := range prior {
		history = append(history, t.ChatMessage())
	}
	history = engine.Window(history, o.window)

	msgs := make([]engine.ChatMessage, 0, len(history)+3)
	msgs = append(msgs, engine.ChatMessage{Role: engine.RoleSystem, Content: system})
	msgs = append(msgs, history...)
	msgs = append(msgs,
		engine.ChatMessage{Role: engine.RoleUser, Content: message},
		engine.ChatMessage{Role: engine.RoleSystem, Content: o.assembler.FormattingReminder()},
	)
	return msgs
}

func (o *Orchestrator) complete(ctx context.Context, msgs []engine.ChatMessage) (string, error) {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	resp, err := o.llm.Chat(ctx, o.model, msgs, o.chatOpts)
	if err != nil {
		return "", engine.WrapLLMError(err, 0, "")
	}
	return strings.TrimSpace(resp.Assistant.Content), nil
}

func (o *Orchestrator) storeFacts(log *zap.Logger, sessionID string, facts []Fact) {
	for _, f := range facts {
		if err := o.store.StoreFact(sessionID, f.Key, f.Value); err != nil {
			log.Error("failed to store fact", zap.String("key", f.Key), zap.Error(err))
		}
	}
}

func (o *Orchestrator) textResult(stage stages.ID, message string) TurnResult {
	return TurnResult{
		Type:    ResultText,
		Message: message,
		Stage:   stage,
		RTL:     language.IsRTL(message),
	}
}

// currentSystemPrompt returns the most recent stage system turn.
func currentSystemPrompt(sess session.Session) (string, bool) {
	for i := len(sess.History) - 1; i >= 0; i-- {
		t := sess.History[i]
		if t.Role == engine.RoleSystem && t.StageTag != "" {
			return t.Content, true
		}
	}
	return "", false
}

func joinReplies(parts ...string) string {
	kept := parts[:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}
