package forward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/flowpbx/callforward/internal/database"
	"github.com/flowpbx/callforward/internal/database/models"
	"github.com/flowpbx/callforward/internal/registry"
)

// Store persists rules and guarantees that two rules for the same source
// extension never share a context.
type Store struct {
	repo   database.CallForwardRepository
	reg    *registry.Registry
	logger *slog.Logger
}

// NewStore creates a Store backed by repo. Contexts are validated against reg.
func NewStore(repo database.CallForwardRepository, reg *registry.Registry, logger *slog.Logger) *Store {
	return &Store{
		repo:   repo,
		reg:    reg,
		logger: logger.With("component", "forward"),
	}
}

// Registry returns the catalog the store validates against.
func (s *Store) Registry() *registry.Registry {
	return s.reg
}

// Create validates and stores a new rule.
func (s *Store) Create(ctx context.Context, from, to string, contexts []string) (Rule, error) {
	draft, err := NewDraft(s.reg, from, to, contexts)
	if err != nil {
		return Rule{}, err
	}
	return s.Insert(ctx, draft)
}

// Insert stores a draft and returns it with its assigned id.
func (s *Store) Insert(ctx context.Context, draft Rule) (Rule, error) {
	if draft.state == StatePersisted {
		return Rule{}, errors.New("call forward is already stored")
	}
	if err := s.validate(draft); err != nil {
		return Rule{}, err
	}

	m := &models.CallForward{
		FromExtension: draft.From.ID,
		ToExtension:   draft.To.ID,
		Contexts:      draft.ContextNames(),
	}
	if err := s.repo.Create(ctx, m); err != nil {
		return Rule{}, s.mapError("create", err)
	}

	draft.state = StatePersisted
	draft.id = m.ID
	s.logger.Info("call forward created", "id", m.ID, "from", m.FromExtension,
		"to", m.ToExtension, "contexts", m.Contexts)
	return draft, nil
}

// Get returns the rule with the given id.
func (s *Store) Get(ctx context.Context, id int64) (Rule, error) {
	m, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return Rule{}, &StorageError{Op: "get", Err: err}
	}
	if m == nil {
		return Rule{}, ErrNotFound
	}
	return s.fromModel(m), nil
}

// List returns every rule ordered by ascending id.
func (s *Store) List(ctx context.Context) ([]Rule, error) {
	ms, err := s.repo.List(ctx)
	if err != nil {
		return nil, &StorageError{Op: "list", Err: err}
	}
	return s.fromModels(ms), nil
}

// ListFrom returns the rules for a source extension ordered by ascending id.
func (s *Store) ListFrom(ctx context.Context, ext string) ([]Rule, error) {
	ms, err := s.repo.ListByFromExtension(ctx, ext)
	if err != nil {
		return nil, &StorageError{Op: "list", Err: err}
	}
	return s.fromModels(ms), nil
}

// Update writes a stored rule back. Its id stays the same; the overlap check
// is repeated against every other rule.
func (s *Store) Update(ctx context.Context, rule Rule) error {
	id, ok := rule.ID()
	if !ok {
		return ErrNotPersisted
	}
	if err := s.validate(rule); err != nil {
		return err
	}

	m := &models.CallForward{
		ID:            id,
		FromExtension: rule.From.ID,
		ToExtension:   rule.To.ID,
		Contexts:      rule.ContextNames(),
	}
	if err := s.repo.Update(ctx, m); err != nil {
		return s.mapError("update", err)
	}

	s.logger.Info("call forward updated", "id", id, "from", m.FromExtension,
		"to", m.ToExtension, "contexts", m.Contexts)
	return nil
}

// Edit loads a rule, replaces its source, destination and contexts, and
// stores it again.
func (s *Store) Edit(ctx context.Context, id int64, from, to string, contexts []string) (Rule, error) {
	rule, err := s.Get(ctx, id)
	if err != nil {
		return Rule{}, err
	}
	draft, err := NewDraft(s.reg, from, to, contexts)
	if err != nil {
		return Rule{}, err
	}
	rule.From, rule.To, rule.Contexts = draft.From, draft.To, draft.Contexts
	if err := s.Update(ctx, rule); err != nil {
		return Rule{}, err
	}
	return rule, nil
}

// Delete removes a rule. Deleting an id that does not exist returns
// ErrNotFound.
func (s *Store) Delete(ctx context.Context, id int64) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return s.mapError("delete", err)
	}
	s.logger.Info("call forward deleted", "id", id)
	return nil
}

// Count returns the number of stored rules.
func (s *Store) Count(ctx context.Context) (int64, error) {
	n, err := s.repo.Count(ctx)
	if err != nil {
		return 0, &StorageError{Op: "count", Err: err}
	}
	return n, nil
}

// validate re-checks a rule built outside NewDraft.
func (s *Store) validate(rule Rule) error {
	if rule.From.ID == "" || rule.To.ID == "" {
		return ErrEmptyExtension
	}
	if len(rule.Contexts) == 0 {
		return ErrNoContexts
	}
	seen := make(map[string]bool, len(rule.Contexts))
	for _, c := range rule.Contexts {
		if _, ok := s.reg.Context(c.ProtocolName); !ok {
			return &UnknownContextError{Name: c.ProtocolName}
		}
		if seen[c.ProtocolName] {
			return fmt.Errorf("duplicate context %q", c.ProtocolName)
		}
		seen[c.ProtocolName] = true
	}
	return nil
}

func (s *Store) mapError(op string, err error) error {
	var conflict *database.ConflictError
	switch {
	case errors.As(err, &conflict):
		return &OverlapError{
			From:          s.reg.Extension(conflict.FromExtension),
			Context:       s.lookupContext(conflict.Context),
			ConflictingID: conflict.ForwardID,
		}
	case errors.Is(err, database.ErrNotFound):
		return ErrNotFound
	default:
		return &StorageError{Op: op, Err: err}
	}
}

// lookupContext resolves a stored context name. Names dropped from the catalog
// since the rule was written are kept with the protocol name as display name.
func (s *Store) lookupContext(name string) registry.Context {
	if c, ok := s.reg.Context(name); ok {
		return c
	}
	return registry.Context{ProtocolName: name, DisplayName: name}
}

func (s *Store) fromModel(m *models.CallForward) Rule {
	ctxs := make([]registry.Context, len(m.Contexts))
	for i, name := range m.Contexts {
		ctxs[i] = s.lookupContext(name)
	}
	return Rule{
		state:    StatePersisted,
		id:       m.ID,
		From:     s.reg.Extension(m.FromExtension),
		To:       s.reg.Extension(m.ToExtension),
		Contexts: ctxs,
	}
}

func (s *Store) fromModels(ms []models.CallForward) []Rule {
	rules := make([]Rule, 0, len(ms))
	for i := range ms {
		rules = append(rules, s.fromModel(&ms[i]))
	}
	return rules
}
