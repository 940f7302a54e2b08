package session

import (
	"time"

	"github.com/ChamsBouzaiene/pdn/internal/engine"
	"github.com/ChamsBouzaiene/pdn/internal/language"
	"github.com/ChamsBouzaiene/pdn/internal/stages"
)

// Turn is one history entry.
type Turn struct {
	Role      engine.MessageRole `json:"role"`
	Content   string             `json:"content"`
	Timestamp time.Time          `json:"timestamp"`
	StageTag  stages.ID          `json:"stage_tag,omitempty"` // system turns only
}

// Session is the per-user conversational state.
type Session struct {
	ID           string            `json:"id"`
	User         string            `json:"user,omitempty"`
	CurrentStage stages.ID         `json:"current_stage"`
	History      []Turn            `json:"history"`
	Facts        map[string]string `json:"facts"`
	Language     language.Language `json:"language,omitempty"`
	Completed    bool              `json:"completed"`
	FinalReport  string            `json:"final_report,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Clone returns a deep copy.
func (s Session) Clone() Session {
	out := s
	out.History = append([]Turn(nil), s.History...)
	out.Facts = make(map[string]string, len(s.Facts))
	for k, v := range s.Facts {
		out.Facts[k] = v
	}
	return out
}

// LastTurn returns the most recent turn, if any.
func (s Session) LastTurn() (Turn, bool) {
	if len(s.History) == 0 {
		return Turn{}, false
	}
	return s.History[len(s.History)-1], true
}

// Conversation returns the user and assistant turns in order.
func (s Session) Conversation() []Turn {
	out := make([]Turn, 0, len(s.History))
	for _, t := range s.History {
		if t.Role != engine.RoleSystem {
			out = append(out, t)
		}
	}
	return out
}

// Fact returns the value stored under key.
func (s Session) Fact(key string) (string, bool) {
	v, ok := s.Facts[key]
	return v, ok
}

// ChatMessage converts the turn for a provider request.
func (t Turn) ChatMessage() engine.ChatMessage {
	return engine.ChatMessage{Role: t.Role, Content: t.Content}
}
