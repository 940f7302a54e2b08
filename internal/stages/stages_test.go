package stages

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistryChain(t *testing.T) {
	r := Default()

	assert.Equal(t, APvsET, r.First().ID)
	assert.Equal(t, Final, r.Terminal().ID)

	var ids []ID
	for _, s := range r.All() {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []ID{APvsET, Personality, Energy, Reinforcement, Final}, ids)
}

func TestNextOf(t *testing.T) {
	r := Default()

	next, ok, err := r.NextOf(APvsET)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Personality, next.ID)

	_, ok, err = r.NextOf(Final)
	require.NoError(t, err)
	assert.False(t, ok, "terminal stage has no successor")

	_, _, err = r.NextOf("bogus")
	var unknown *UnknownStageError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "bogus", unknown.ID)
}

func TestGetUnknown(t *testing.T) {
	_, err := Default().Get("nope")
	var unknown *UnknownStageError
	assert.ErrorAs(t, err, &unknown)
}

func TestParse(t *testing.T) {
	r := Default()

	id, err := r.Parse("  Energy ")
	require.NoError(t, err)
	assert.Equal(t, Energy, id)

	_, err = r.Parse("sixth")
	assert.Error(t, err)
}

func TestTemplateRefs(t *testing.T) {
	s, err := Default().Get(Reinforcement)
	require.NoError(t, err)
	assert.Equal(t, "step_4_reinforcement_childhood.txt", s.TemplateRef)
	assert.Equal(t, "Reinforcement Patterns", s.DisplayName)
}

func TestNewRegistryRejectsBadTables(t *testing.T) {
	tests := []struct {
		name  string
		table []Stage
	}{
		{"empty", nil},
		{"two terminals", []Stage{
			{ID: "a", TemplateRef: "a.txt"},
			{ID: "b", TemplateRef: "b.txt"},
		}},
		{"dangling next", []Stage{
			{ID: "a", TemplateRef: "a.txt", Next: "missing"},
			{ID: "b", TemplateRef: "b.txt"},
		}},
		{"branch", []Stage{
			{ID: "a", TemplateRef: "a.txt", Next: "c"},
			{ID: "b", TemplateRef: "b.txt", Next: "c"},
			{ID: "c", TemplateRef: "c.txt"},
		}},
		{"cycle plus terminal", []Stage{
			{ID: "a", TemplateRef: "a.txt", Next: "b"},
			{ID: "b", TemplateRef: "b.txt", Next: "a"},
			{ID: "c", TemplateRef: "c.txt"},
		}},
		{"duplicate", []Stage{
			{ID: "a", TemplateRef: "a.txt"},
			{ID: "a", TemplateRef: "a.txt"},
		}},
		{"missing template", []Stage{
			{ID: "a"},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.table)
			assert.Error(t, err)
		})
	}
}

func TestIndexIsMonotonicAlongChain(t *testing.T) {
	r := Default()
	prev := -1
	for _, s := range r.All() {
		idx := r.Index(s.ID)
		assert.Greater(t, idx, prev)
		prev = idx
	}
	assert.Equal(t, -1, r.Index("unknown"))
}
