// Package forward implements call-forward rules: their storage with the
// non-overlap invariant, and first-match routing resolution.
package forward

import (
	"fmt"
	"strings"

	"github.com/flowpbx/callforward/internal/registry"
)

// State tells whether a rule has been stored.
type State int

const (
	StateDraft State = iota
	StatePersisted
)

func (s State) String() string {
	switch s {
	case StateDraft:
		return "draft"
	case StatePersisted:
		return "persisted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Rule forwards calls from From to To when they arrive in one of Contexts.
// A draft has no id; the store assigns one on creation and it never changes.
type Rule struct {
	state State
	id    int64

	From     registry.Extension
	To       registry.Extension
	Contexts []registry.Context
}

// NewDraft validates a rule against the registry. Every context name must be
// known, at least one is required, and duplicates are dropped keeping the
// first occurrence.
func NewDraft(reg *registry.Registry, from, to string, contexts []string) (Rule, error) {
	if from == "" || to == "" {
		return Rule{}, ErrEmptyExtension
	}
	ctxs, err := resolveContexts(reg, contexts)
	if err != nil {
		return Rule{}, err
	}
	return Rule{
		state:    StateDraft,
		From:     reg.Extension(from),
		To:       reg.Extension(to),
		Contexts: ctxs,
	}, nil
}

func resolveContexts(reg *registry.Registry, names []string) ([]registry.Context, error) {
	seen := make(map[string]bool, len(names))
	ctxs := make([]registry.Context, 0, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		c, ok := reg.Context(name)
		if !ok {
			return nil, &UnknownContextError{Name: name}
		}
		seen[name] = true
		ctxs = append(ctxs, c)
	}
	if len(ctxs) == 0 {
		return nil, ErrNoContexts
	}
	return ctxs, nil
}

// State returns the rule's lifecycle state.
func (r Rule) State() State {
	return r.state
}

// ID returns the stored id. ok is false for drafts.
func (r Rule) ID() (id int64, ok bool) {
	if r.state != StatePersisted {
		return 0, false
	}
	return r.id, true
}

// Applies reports whether the rule covers the named context.
func (r Rule) Applies(contextName string) bool {
	for _, c := range r.Contexts {
		if c.ProtocolName == contextName {
			return true
		}
	}
	return false
}

// ContextNames returns the protocol names of the rule's contexts.
func (r Rule) ContextNames() []string {
	names := make([]string, len(r.Contexts))
	for i, c := range r.Contexts {
		names[i] = c.ProtocolName
	}
	return names
}

func (r Rule) String() string {
	display := make([]string, len(r.Contexts))
	for i, c := range r.Contexts {
		display[i] = c.String()
	}
	return fmt.Sprintf("%s -> %s [%s]", r.From, r.To, strings.Join(display, ", "))
}

// Overlap returns the contexts present in both a and b, in the order of b.
func Overlap(a, b []registry.Context) []registry.Context {
	inA := make(map[string]bool, len(a))
	for _, c := range a {
		inA[c.ProtocolName] = true
	}
	var out []registry.Context
	for _, c := range b {
		if inA[c.ProtocolName] {
			out = append(out, c)
		}
	}
	return out
}
