package prompts

// PromptVersion represents a version identifier for prompts.
type PromptVersion string

const (
	// PromptV1 is the first version of the stage templates.
	PromptV1 PromptVersion = "1.0.0"
)

// Prompt is a versioned template with metadata.
type Prompt struct {
	ID          string        // Template ref, e.g. "step_1_ap_et_distinction.txt"
	Version     PromptVersion // Version of this prompt
	Content     string        // Template body
	Description string
	Tags        []string
	Deprecated  bool
}
