package forward

import (
	"context"

	"github.com/flowpbx/callforward/internal/registry"
)

// RuleLister is the read side of the store used for routing.
type RuleLister interface {
	ListFrom(ctx context.Context, ext string) ([]Rule, error)
}

// Resolver answers routing queries: where should a call from an extension,
// arriving in a context, actually go.
type Resolver struct {
	rules RuleLister
	reg   *registry.Registry
}

// NewResolver creates a Resolver.
func NewResolver(rules RuleLister, reg *registry.Registry) *Resolver {
	return &Resolver{rules: rules, reg: reg}
}

// Resolve returns the destination for a call from source in contextName. The
// first rule by ascending id whose contexts include contextName wins; with no
// matching rule the source itself is returned.
func (r *Resolver) Resolve(ctx context.Context, source registry.Extension, contextName string) (registry.Extension, error) {
	if _, ok := r.reg.Context(contextName); !ok {
		return registry.Extension{}, &UnknownContextError{Name: contextName}
	}
	if source.ID == "" {
		return registry.Extension{}, ErrEmptyExtension
	}

	rules, err := r.rules.ListFrom(ctx, source.ID)
	if err != nil {
		return registry.Extension{}, err
	}
	for _, rule := range rules {
		if rule.Applies(contextName) {
			return rule.To, nil
		}
	}
	return source, nil
}
