// Package stages defines the fixed, linear chain of assessment stages.
package stages

import (
	"fmt"
	"strings"
)

// ID identifies a stage. The set of valid IDs is closed.
type ID string

const (
	APvsET        ID = "apvset"
	Personality   ID = "personality"
	Energy        ID = "energy"
	Reinforcement ID = "reinforcement"
	Final         ID = "final"
)

// String implements fmt.Stringer.
func (id ID) String() string { return string(id) }

// Stage is an immutable registry entry.
type Stage struct {
	ID          ID
	DisplayName string
	Description string
	TemplateRef string
	Next        ID // empty for the terminal stage
}

// IsTerminal reports whether the stage has no successor.
func (s Stage) IsTerminal() bool { return s.Next == "" }

// UnknownStageError is returned when a stage id is not in the registry.
type UnknownStageError struct {
	ID string
}

func (e *UnknownStageError) Error() string {
	return fmt.Sprintf("unknown stage: %q", e.ID)
}

// Registry is a read-only lookup table over a validated stage chain.
type Registry struct {
	byID  map[ID]Stage
	order []ID
}

// DefaultStages is the assessment chain in order.
var DefaultStages = []Stage{
	{
		ID:          APvsET,
		DisplayName: "AP vs ET Distinction",
		Description: "Initial personality orientation assessment",
		TemplateRef: "step_1_ap_et_distinction.txt",
		Next:        Personality,
	},
	{
		ID:          Personality,
		DisplayName: "Personality Types",
		Description: "Detailed personality type assessment",
		TemplateRef: "step_2_personality_types.txt",
		Next:        Energy,
	},
	{
		ID:          Energy,
		DisplayName: "Energy Questions",
		Description: "Energy and decision-making patterns",
		TemplateRef: "step_3_energy.txt",
		Next:        Reinforcement,
	},
	{
		ID:          Reinforcement,
		DisplayName: "Reinforcement Patterns",
		Description: "Childhood experiences and reinforcement patterns",
		TemplateRef: "step_4_reinforcement_childhood.txt",
		Next:        Final,
	},
	{
		ID:          Final,
		DisplayName: "Final Code Reveal",
		Description: "Summary and personality code revelation",
		TemplateRef: "step_5_final_code_reveal.txt",
	},
}

// Default returns a registry over DefaultStages.
func Default() *Registry {
	r, err := NewRegistry(DefaultStages)
	if err != nil {
		panic(err)
	}
	return r
}

// NewRegistry validates the transition table and builds a registry.
// The table must describe a single acyclic chain with exactly one terminal stage.
func NewRegistry(table []Stage) (*Registry, error) {
	if len(table) == 0 {
		return nil, fmt.Errorf("stage table is empty")
	}

	byID := make(map[ID]Stage, len(table))
	incoming := make(map[ID]int, len(table))
	var terminals []ID
	for _, s := range table {
		if s.ID == "" {
			return nil, fmt.Errorf("stage with empty id")
		}
		if _, dup := byID[s.ID]; dup {
			return nil, fmt.Errorf("duplicate stage id %q", s.ID)
		}
		if s.TemplateRef == "" {
			return nil, fmt.Errorf("stage %q has no template ref", s.ID)
		}
		byID[s.ID] = s
		if s.IsTerminal() {
			terminals = append(terminals, s.ID)
		}
	}
	if len(terminals) != 1 {
		return nil, fmt.Errorf("expected exactly one terminal stage, found %d", len(terminals))
	}

	for _, s := range table {
		if s.IsTerminal() {
			continue
		}
		if _, ok := byID[s.Next]; !ok {
			return nil, fmt.Errorf("stage %q points to unknown stage %q", s.ID, s.Next)
		}
		incoming[s.Next]++
	}

	// The head is the only stage nothing points to.
	var head ID
	for _, s := range table {
		switch incoming[s.ID] {
		case 0:
			if head != "" {
				return nil, fmt.Errorf("stage chain has more than one entry point (%q, %q)", head, s.ID)
			}
			head = s.ID
		case 1:
		default:
			return nil, fmt.Errorf("stage %q has more than one predecessor", s.ID)
		}
	}
	if head == "" {
		return nil, fmt.Errorf("stage chain is cyclic")
	}

	order := make([]ID, 0, len(table))
	for id := head; id != ""; id = byID[id].Next {
		if len(order) == len(table) {
			return nil, fmt.Errorf("stage chain is cyclic")
		}
		order = append(order, id)
	}
	if len(order) != len(table) {
		return nil, fmt.Errorf("stage chain is disconnected: reached %d of %d stages", len(order), len(table))
	}

	return &Registry{byID: byID, order: order}, nil
}

// Get returns the stage for id.
func (r *Registry) Get(id ID) (Stage, error) {
	s, ok := r.byID[id]
	if !ok {
		return Stage{}, &UnknownStageError{ID: string(id)}
	}
	return s, nil
}

// Parse converts a raw identifier into a registered ID.
func (r *Registry) Parse(raw string) (ID, error) {
	id := ID(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := r.byID[id]; !ok {
		return "", &UnknownStageError{ID: raw}
	}
	return id, nil
}

// Valid reports whether id is registered.
func (r *Registry) Valid(id ID) bool {
	_, ok := r.byID[id]
	return ok
}

// NextOf returns the successor of id. ok is false when id is terminal.
func (r *Registry) NextOf(id ID) (next Stage, ok bool, err error) {
	s, err := r.Get(id)
	if err != nil {
		return Stage{}, false, err
	}
	if s.IsTerminal() {
		return Stage{}, false, nil
	}
	return r.byID[s.Next], true, nil
}

// First returns the entry stage.
func (r *Registry) First() Stage { return r.byID[r.order[0]] }

// Terminal returns the last stage of the chain.
func (r *Registry) Terminal() Stage { return r.byID[r.order[len(r.order)-1]] }

// All returns the stages in chain order.
func (r *Registry) All() []Stage {
	out := make([]Stage, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Index returns the position of id in the chain, or -1.
func (r *Registry) Index(id ID) int {
	for i, o := range r.order {
		if o == id {
			return i
		}
	}
	return -1
}
