package domain

import "github.com/google/uuid"

// EdgeCondition gates whether an edge fires given its source step's outcome
// (spec §4.3). Arbitrary expressions are deliberately not supported here —
// routing is a fixed three-way enum, unlike the free-form step Config.
type EdgeCondition string

const (
	EdgeOnSuccess EdgeCondition = "success"
	EdgeOnFailure EdgeCondition = "failure"
	EdgeAlways    EdgeCondition = "always"
)

func (c EdgeCondition) Satisfied(stepFailed bool) bool {
	switch c {
	case EdgeOnSuccess:
		return !stepFailed
	case EdgeOnFailure:
		return stepFailed
	case EdgeAlways:
		return true
	}
	return false
}

// TerminalAction is a leaf an edge may target instead of another step
// (spec §4.3, §9): `stop(outcome)` or `merge(branch)`.
type TerminalAction struct {
	Stop       string `json:"stop,omitempty"`  // outcome, e.g. "passed" or "failed"
	MergeBranch string `json:"merge,omitempty"` // target branch name
}

func (t TerminalAction) IsZero() bool { return t.Stop == "" && t.MergeBranch == "" }

// Edge connects two step templates, or a template to a terminal action.
type Edge struct {
	From      uuid.UUID       `json:"from"`
	To        *uuid.UUID      `json:"to,omitempty"` // nil when Terminal is set
	Condition EdgeCondition   `json:"condition"`
	Terminal  TerminalAction  `json:"terminal,omitempty"`
}

// PipelineDefinition is a directed graph of step templates (spec §3).
type PipelineDefinition struct {
	ID       uuid.UUID               `json:"id"`
	Name     string                  `json:"name"`
	Version  int                     `json:"version"`
	Steps    map[uuid.UUID]StepTemplate `json:"steps"`
	Edges    []Edge                  `json:"edges"`
	Entries  []uuid.UUID             `json:"entries"`
}

// NewPipelineDefinition constructs an empty definition ready for steps/edges
// to be added by the caller (usecase layer).
func NewPipelineDefinition(id uuid.UUID, name string, version int) *PipelineDefinition {
	return &PipelineDefinition{
		ID:      id,
		Name:    name,
		Version: version,
		Steps:   make(map[uuid.UUID]StepTemplate),
	}
}

// OutEdges returns every edge leaving stepID.
func (d *PipelineDefinition) OutEdges(stepID uuid.UUID) []Edge {
	var out []Edge
	for _, e := range d.Edges {
		if e.From == stepID {
			out = append(out, e)
		}
	}
	return out
}

// InEdges returns every edge arriving at stepID.
func (d *PipelineDefinition) InEdges(stepID uuid.UUID) []Edge {
	var in []Edge
	for _, e := range d.Edges {
		if e.To != nil && *e.To == stepID {
			in = append(in, e)
		}
	}
	return in
}

// Validate enforces spec §3's PipelineDefinition invariants: acyclic,
// every non-entry node reachable from some entry, terminal actions only as
// leaf-edge labels.
func (d *PipelineDefinition) Validate() error {
	if len(d.Entries) == 0 {
		return ErrPipelineNoEntry
	}
	for _, e := range d.Edges {
		if e.To == nil && e.Terminal.IsZero() {
			return ErrPipelineHasCycle // malformed edge: neither a target nor a terminal leaf
		}
	}
	if d.hasCycle() {
		return ErrPipelineHasCycle
	}
	reachable := d.reachableFromEntries()
	for id := range d.Steps {
		if !reachable[id] {
			return ErrPipelineUnreachable
		}
	}
	return nil
}

func (d *PipelineDefinition) hasCycle() bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[uuid.UUID]int, len(d.Steps))
	var visit func(uuid.UUID) bool
	visit = func(id uuid.UUID) bool {
		color[id] = gray
		for _, e := range d.OutEdges(id) {
			if e.To == nil {
				continue
			}
			switch color[*e.To] {
			case gray:
				return true
			case white:
				if visit(*e.To) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}
	for id := range d.Steps {
		if color[id] == white {
			if visit(id) {
				return true
			}
		}
	}
	return false
}

func (d *PipelineDefinition) reachableFromEntries() map[uuid.UUID]bool {
	seen := make(map[uuid.UUID]bool, len(d.Steps))
	queue := append([]uuid.UUID{}, d.Entries...)
	for _, id := range d.Entries {
		seen[id] = true
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range d.OutEdges(id) {
			if e.To == nil || seen[*e.To] {
				continue
			}
			seen[*e.To] = true
			queue = append(queue, *e.To)
		}
	}
	return seen
}
