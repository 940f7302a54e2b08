package orchestrator

import (
	"strings"

	"go.uber.org/zap"

	"github.com/ChamsBouzaiene/pdn/internal/engine"
	"github.com/ChamsBouzaiene/pdn/internal/language"
	"github.com/ChamsBouzaiene/pdn/internal/session"
)

// Post-completion commands.
const (
	CommandReview = "review"
	CommandSave   = "save"
	CommandDone   = "done"
)

// handleCommand answers the commands a completed session accepts. handled is
// false for anything else, which the caller treats as a follow-up question.
func (o *Orchestrator) handleCommand(sess session.Session, lang language.Language, message string) (res TurnResult, handled bool, err error) {
	switch strings.ToLower(strings.TrimSpace(message)) {
	case CommandReview:
		return o.textResult(sess.CurrentStage, renderReview(sess.Conversation(), lang)), true, nil

	case CommandSave:
		if _, ok := sess.Fact(FinalReportKey); ok {
			return o.textResult(sess.CurrentStage, localize(lang, msgSaveReady)), true, nil
		}
		return o.textResult(sess.CurrentStage, localize(lang, msgSaveMissing)), true, nil

	case CommandDone:
		if err := o.store.Reset(sess.ID); err != nil {
			return TurnResult{}, true, err
		}
		o.logger.Info("session finished by user", zap.String("session_id", sess.ID))
		return TurnResult{
			Type:    ResultRedirect,
			Target:  TargetIndex,
			Payload: PayloadReset,
			Stage:   o.registry.First().ID,
		}, true, nil
	}
	return TurnResult{}, false, nil
}

func renderReview(turns []session.Turn, lang language.Language) string {
	if len(turns) == 0 {
		return localize(lang, msgReviewEmpty)
	}
	var b strings.Builder
	b.WriteString(localize(lang, msgReviewHeader))
	for _, t := range turns {
		label := localize(lang, msgLabelAssistant)
		if t.Role == engine.RoleUser {
			label = localize(lang, msgLabelUser)
		}
		b.WriteString("\n\n**")
		b.WriteString(label)
		b.WriteString(":** ")
		b.WriteString(t.Content)
	}
	return b.String()
}
