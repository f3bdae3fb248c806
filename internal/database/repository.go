package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/flowpbx/callforward/internal/database/models"
)

// ErrNotFound is returned by mutating repository methods when the target row
// does not exist. Getters return nil, nil instead.
var ErrNotFound = errors.New("record not found")

// ConflictError reports that a write would give two forwards for the same
// source extension a shared context.
type ConflictError struct {
	FromExtension string
	Context       string
	ForwardID     int64 // the existing forward already holding Context
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("context %q for extension %q already used by call forward %d",
		e.Context, e.FromExtension, e.ForwardID)
}

// CallForwardRepository manages call forward rules and their context sets.
type CallForwardRepository interface {
	Create(ctx context.Context, fwd *models.CallForward) error
	GetByID(ctx context.Context, id int64) (*models.CallForward, error)
	List(ctx context.Context) ([]models.CallForward, error)
	ListByFromExtension(ctx context.Context, ext string) ([]models.CallForward, error)
	Update(ctx context.Context, fwd *models.CallForward) error
	Delete(ctx context.Context, id int64) error
	Count(ctx context.Context) (int64, error)
}
