package prompts

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChamsBouzaiene/pdn/internal/language"
	"github.com/ChamsBouzaiene/pdn/internal/stages"
)

type fakeRetriever struct {
	chunks []string
	err    error
	query  string
	n      int
}

func (f *fakeRetriever) TopChunks(ctx context.Context, query string, n int) ([]string, error) {
	f.query, f.n = query, n
	return f.chunks, f.err
}

func TestBuiltinTemplatesCoverEveryStage(t *testing.T) {
	store := NewRegistryTemplateStore(nil)
	for _, s := range stages.Default().All() {
		content, err := store.Read(context.Background(), s.TemplateRef)
		require.NoError(t, err, s.TemplateRef)
		assert.NotEmpty(t, content)
	}
}

func TestRegistryGetLatestSkipsDeprecated(t *testing.T) {
	r := NewPromptRegistry()
	r.Register(&Prompt{ID: "a.txt", Version: "1.0.0", Content: "one"})
	r.Register(&Prompt{ID: "a.txt", Version: "2.0.0", Content: "two", Deprecated: true})

	p, err := r.GetLatest("a.txt")
	require.NoError(t, err)
	assert.Equal(t, "one", p.Content)
	assert.Equal(t, []PromptVersion{"1.0.0", "2.0.0"}, r.Versions("a.txt"))

	_, err = r.GetLatest("missing.txt")
	assert.True(t, IsTemplateNotFound(err))
}

func TestBuilderIsDeterministic(t *testing.T) {
	build := func() string {
		return NewPromptBuilder("Hello {{a}} and {{b}}").
			AddFragment("  ").
			AddFragment("tail {{a}}").
			SetVariable("b", "B").
			SetVariable("a", "A").
			Build()
	}
	want := "Hello A and B\n\ntail A"
	for i := 0; i < 5; i++ {
		assert.Equal(t, want, build())
	}
}

func TestBuildSystemPrompt(t *testing.T) {
	ret := &fakeRetriever{chunks: []string{"chunk one", "chunk two", "chunk three"}}
	a := NewAssembler(stages.Default(), NewRegistryTemplateStore(nil),
		WithRetriever(ret), WithChatbotName("Guide"))

	out, err := a.BuildSystemPrompt(context.Background(), stages.Energy, language.Hebrew)
	require.NoError(t, err)

	assert.Contains(t, out, "You are Guide")
	assert.Contains(t, out, "Energy Questions")
	assert.Contains(t, out, "Additional reference material:\n\nchunk one\n\nchunk two")
	assert.NotContains(t, out, "chunk three")
	assert.True(t, strings.HasSuffix(out, LanguageDirective(language.Hebrew)))
	assert.NotContains(t, out, "{{")

	assert.Equal(t, 2, ret.n)
	assert.Equal(t, "Energy Questions Energy and decision-making patterns", ret.query)

	again, err := a.BuildSystemPrompt(context.Background(), stages.Energy, language.Hebrew)
	require.NoError(t, err)
	assert.Equal(t, out, again)
}

func TestBuildSystemPromptRetrievalFailureIsNotFatal(t *testing.T) {
	a := NewAssembler(stages.Default(), NewRegistryTemplateStore(nil),
		WithRetriever(&fakeRetriever{err: errors.New("index offline")}))

	out, err := a.BuildSystemPrompt(context.Background(), stages.APvsET, language.English)
	require.NoError(t, err)
	assert.NotContains(t, out, "Additional reference material")
	assert.Contains(t, out, "Respond only in English")
}

func TestBuildSystemPromptMissingTemplate(t *testing.T) {
	a := NewAssembler(stages.Default(), NewRegistryTemplateStore(NewPromptRegistry()))

	_, err := a.BuildSystemPrompt(context.Background(), stages.APvsET, language.English)
	var nf *TemplateNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "step_1_ap_et_distinction.txt", nf.Ref)
}

func TestBuildSystemPromptUnknownStage(t *testing.T) {
	a := NewAssembler(stages.Default(), NewRegistryTemplateStore(nil))
	_, err := a.BuildSystemPrompt(context.Background(), "bogus", language.English)
	var unknown *stages.UnknownStageError
	assert.ErrorAs(t, err, &unknown)
}

func TestFollowUpPromptCarriesReportAndFacts(t *testing.T) {
	a := NewAssembler(stages.Default(), NewRegistryTemplateStore(nil))
	out, err := a.BuildFollowUpPrompt(context.Background(), language.English, "Your code is AP-3", map[string]string{
		"orientation": "AP",
		"energy":      "3",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "Final report:\nYour code is AP-3")
	assert.Contains(t, out, "- energy: 3\n- orientation: AP")
}

func TestRenderFactsEmpty(t *testing.T) {
	assert.Equal(t, "Findings: none recorded.", RenderFacts(nil))
}

func TestChainTemplateStorePrefersFirst(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "step_3_energy.txt"), []byte("override"), 0644))

	chain := ChainTemplateStore{NewDirTemplateStore(dir, nil), NewRegistryTemplateStore(nil)}

	got, err := chain.Read(context.Background(), "step_3_energy.txt")
	require.NoError(t, err)
	assert.Equal(t, "override", got)

	got, err = chain.Read(context.Background(), "step_2_personality_types.txt")
	require.NoError(t, err)
	assert.Contains(t, got, "personality type")

	_, err = chain.Read(context.Background(), "nope.txt")
	assert.True(t, IsTemplateNotFound(err))
}

func TestDirTemplateStoreRejectsPathEscapes(t *testing.T) {
	s := NewDirTemplateStore(t.TempDir(), nil)
	_, err := s.Read(context.Background(), "../etc/passwd")
	assert.Error(t, err)
	assert.False(t, IsTemplateNotFound(err))
}

func TestDirTemplateStoreCachesAndInvalidates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t.txt")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0644))

	s := NewDirTemplateStore(dir, nil)
	got, err := s.Read(context.Background(), "t.txt")
	require.NoError(t, err)
	assert.Equal(t, "v1", got)

	require.NoError(t, os.WriteFile(path, []byte("v2"), 0644))
	got, _ = s.Read(context.Background(), "t.txt")
	assert.Equal(t, "v1", got, "served from cache until invalidated")

	s.Invalidate("t.txt")
	got, _ = s.Read(context.Background(), "t.txt")
	assert.Equal(t, "v2", got)
}

func TestDirTemplateStoreWatchInvalidates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t.txt")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0644))

	s := NewDirTemplateStore(dir, nil)
	require.NoError(t, s.Watch())
	defer s.Close()

	_, err := s.Read(context.Background(), "t.txt")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("v2"), 0644))
	assert.Eventually(t, func() bool {
		got, err := s.Read(context.Background(), "t.txt")
		return err == nil && got == "v2"
	}, 2*time.Second, 20*time.Millisecond)
}
