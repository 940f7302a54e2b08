package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// Snapshot is the persisted projection of a session.
type Snapshot struct {
	SessionID      string                  `json:"session_id"`
	User           SnapshotUser            `json:"user"`
	StartedAt      time.Time               `json:"started_at"`
	LastUpdated    time.Time               `json:"last_updated"`
	CurrentStage   SnapshotStage           `json:"current_stage"`
	AssessmentData map[string]string       `json:"assessment_data"`
	Completed      bool                    `json:"completed"`
	FinalReport    string                  `json:"final_report,omitempty"`
	Language       string                  `json:"language,omitempty"`
	Stages         map[string]*StageRecord `json:"stages"`
}

// SnapshotUser identifies the session owner.
type SnapshotUser struct {
	Username string `json:"username"`
}

// SnapshotStage describes the stage the session was at when saved.
type SnapshotStage struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Next        string `json:"next,omitempty"`
}

// StageRecord is the per-stage slice of the conversation.
type StageRecord struct {
	StartedAt   *time.Time     `json:"started_at"`
	Messages    []SnapshotMessage `json:"messages"`
	CompletedAt *time.Time     `json:"completed_at"`
}

// SnapshotMessage is one user or assistant message.
type SnapshotMessage struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

const snapshotSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["session_id", "user", "started_at", "last_updated", "current_stage", "assessment_data", "stages"],
  "properties": {
    "session_id": {"type": "string", "minLength": 1},
    "user": {
      "type": "object",
      "required": ["username"],
      "properties": {"username": {"type": "string"}}
    },
    "started_at": {"type": "string", "format": "date-time"},
    "last_updated": {"type": "string", "format": "date-time"},
    "current_stage": {
      "type": "object",
      "required": ["id", "name"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "name": {"type": "string"},
        "description": {"type": "string"},
        "next": {"type": "string"}
      }
    },
    "assessment_data": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    },
    "completed": {"type": "boolean"},
    "final_report": {"type": "string"},
    "language": {"type": "string", "enum": ["en", "he"]},
    "stages": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["started_at", "messages", "completed_at"],
        "properties": {
          "started_at": {"type": ["string", "null"], "format": "date-time"},
          "completed_at": {"type": ["string", "null"], "format": "date-time"},
          "messages": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["role", "content", "timestamp"],
              "properties": {
                "role": {"type": "string", "enum": ["user", "assistant"]},
                "content": {"type": "string"},
                "timestamp": {"type": "string", "format": "date-time"}
              }
            }
          }
        }
      }
    }
  }
}`

var snapshotSchemaLoader = gojsonschema.NewStringLoader(snapshotSchema)

// ValidateSnapshot checks raw snapshot JSON against the snapshot schema.
func ValidateSnapshot(data []byte) error {
	result, err := gojsonschema.Validate(snapshotSchemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("snapshot is not valid JSON: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("snapshot does not match schema: %s", strings.Join(msgs, "; "))
	}
	return nil
}
