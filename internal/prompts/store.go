package prompts

import (
	"context"
	"errors"
	"fmt"
)

// TemplateStore reads stage templates by ref.
type TemplateStore interface {
	Read(ctx context.Context, ref string) (string, error)
}

// TemplateNotFoundError is returned when no store holds a template.
type TemplateNotFoundError struct {
	Ref string
}

func (e *TemplateNotFoundError) Error() string {
	return fmt.Sprintf("template not found: %s", e.Ref)
}

// IsTemplateNotFound reports whether err is a TemplateNotFoundError.
func IsTemplateNotFound(err error) bool {
	var nf *TemplateNotFoundError
	return errors.As(err, &nf)
}

// RegistryTemplateStore serves the latest version of each template in a PromptRegistry.
type RegistryTemplateStore struct {
	registry *PromptRegistry
}

// NewRegistryTemplateStore wraps registry. A nil registry means DefaultRegistry.
func NewRegistryTemplateStore(registry *PromptRegistry) *RegistryTemplateStore {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &RegistryTemplateStore{registry: registry}
}

// Read implements TemplateStore.
func (s *RegistryTemplateStore) Read(ctx context.Context, ref string) (string, error) {
	p, err := s.registry.GetLatest(ref)
	if err != nil {
		return "", err
	}
	return p.Content, nil
}

// ChainTemplateStore asks each store in turn; the first hit wins.
type ChainTemplateStore []TemplateStore

// Read implements TemplateStore.
func (c ChainTemplateStore) Read(ctx context.Context, ref string) (string, error) {
	for _, s := range c {
		if s == nil {
			continue
		}
		content, err := s.Read(ctx, ref)
		if err == nil {
			return content, nil
		}
		if !IsTemplateNotFound(err) {
			return "", err
		}
	}
	return "", &TemplateNotFoundError{Ref: ref}
}
