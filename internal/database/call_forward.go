package database

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/flowpbx/callforward/internal/database/models"
)

// querier is satisfied by both *DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// callForwardRepo implements CallForwardRepository.
type callForwardRepo struct {
	db *DB
}

// NewCallForwardRepository creates a new CallForwardRepository.
func NewCallForwardRepository(db *DB) CallForwardRepository {
	return &callForwardRepo{db: db}
}

// Create inserts a forward and its context memberships in one transaction.
// It returns a *ConflictError when another forward from the same extension
// already holds one of the contexts.
func (r *callForwardRepo) Create(ctx context.Context, fwd *models.CallForward) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	conflict, err := r.findConflict(ctx, tx, fwd.FromExtension, fwd.Contexts, 0)
	if err != nil {
		return err
	}
	if conflict != nil {
		return conflict
	}

	now := time.Now().UTC()
	var id int64
	err = tx.QueryRowContext(ctx, r.db.rebind(
		`INSERT INTO call_forwards (from_extension, to_extension, created_at, updated_at)
		 VALUES (?, ?, ?, ?) RETURNING id`),
		fwd.FromExtension, fwd.ToExtension, now, now,
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("inserting call forward: %w", err)
	}

	for _, name := range fwd.Contexts {
		if err := r.insertContext(ctx, tx, id, fwd.FromExtension, name); err != nil {
			return r.raceConflict(ctx, tx, fwd, 0, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing call forward: %w", err)
	}

	fwd.ID = id
	fwd.Contexts = sortedCopy(fwd.Contexts)
	fwd.CreatedAt = now
	fwd.UpdatedAt = now
	return nil
}

// GetByID returns a forward by ID, or nil if it does not exist.
func (r *callForwardRepo) GetByID(ctx context.Context, id int64) (*models.CallForward, error) {
	var f models.CallForward
	err := r.db.QueryRowContext(ctx, r.db.rebind(
		`SELECT id, from_extension, to_extension, created_at, updated_at
		 FROM call_forwards WHERE id = ?`), id,
	).Scan(&f.ID, &f.FromExtension, &f.ToExtension, &f.CreatedAt, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning call forward: %w", err)
	}

	ctxs, err := r.contextsOf(ctx, r.db, id)
	if err != nil {
		return nil, err
	}
	f.Contexts = ctxs
	return &f, nil
}

// List returns all forwards ordered by ascending ID.
func (r *callForwardRepo) List(ctx context.Context) ([]models.CallForward, error) {
	return r.list(ctx,
		`SELECT id, from_extension, to_extension, created_at, updated_at
		 FROM call_forwards ORDER BY id`,
		`SELECT forward_id, context FROM call_forward_contexts ORDER BY forward_id, context`,
	)
}

// ListByFromExtension returns the forwards for a source extension ordered by
// ascending ID.
func (r *callForwardRepo) ListByFromExtension(ctx context.Context, ext string) ([]models.CallForward, error) {
	return r.list(ctx,
		`SELECT id, from_extension, to_extension, created_at, updated_at
		 FROM call_forwards WHERE from_extension = ? ORDER BY id`,
		`SELECT forward_id, context FROM call_forward_contexts
		 WHERE from_extension = ? ORDER BY forward_id, context`,
		ext,
	)
}

// Update rewrites the source, destination and context set of an existing
// forward. Contexts are diffed against the stored set so unchanged
// memberships are left alone.
func (r *callForwardRepo) Update(ctx context.Context, fwd *models.CallForward) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	result, err := tx.ExecContext(ctx, r.db.rebind(
		`UPDATE call_forwards SET from_extension = ?, to_extension = ?, updated_at = ?
		 WHERE id = ?`),
		fwd.FromExtension, fwd.ToExtension, now, fwd.ID,
	)
	if err != nil {
		return fmt.Errorf("updating call forward: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	conflict, err := r.findConflict(ctx, tx, fwd.FromExtension, fwd.Contexts, fwd.ID)
	if err != nil {
		return err
	}
	if conflict != nil {
		return conflict
	}

	current, err := r.contextsOf(ctx, tx, fwd.ID)
	if err != nil {
		return err
	}
	added, removed := diffContexts(current, fwd.Contexts)

	for _, name := range removed {
		if _, err := tx.ExecContext(ctx, r.db.rebind(
			`DELETE FROM call_forward_contexts WHERE forward_id = ? AND context = ?`),
			fwd.ID, name,
		); err != nil {
			return fmt.Errorf("removing context %s: %w", name, err)
		}
	}

	if _, err := tx.ExecContext(ctx, r.db.rebind(
		`UPDATE call_forward_contexts SET from_extension = ? WHERE forward_id = ?`),
		fwd.FromExtension, fwd.ID,
	); err != nil {
		return r.raceConflict(ctx, tx, fwd, fwd.ID, err)
	}

	for _, name := range added {
		if err := r.insertContext(ctx, tx, fwd.ID, fwd.FromExtension, name); err != nil {
			return r.raceConflict(ctx, tx, fwd, fwd.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing call forward: %w", err)
	}

	fwd.Contexts = sortedCopy(fwd.Contexts)
	fwd.UpdatedAt = now
	return nil
}

// Delete removes a forward and its context memberships.
func (r *callForwardRepo) Delete(ctx context.Context, id int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, r.db.rebind(
		`DELETE FROM call_forward_contexts WHERE forward_id = ?`), id,
	); err != nil {
		return fmt.Errorf("deleting call forward contexts: %w", err)
	}

	result, err := tx.ExecContext(ctx, r.db.rebind(`DELETE FROM call_forwards WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("deleting call forward: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delete: %w", err)
	}
	return nil
}

// Count returns the number of stored forwards.
func (r *callForwardRepo) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM call_forwards`).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting call forwards: %w", err)
	}
	return count, nil
}

func (r *callForwardRepo) list(ctx context.Context, fwdQuery, ctxQuery string, args ...any) ([]models.CallForward, error) {
	rows, err := r.db.QueryContext(ctx, r.db.rebind(fwdQuery), args...)
	if err != nil {
		return nil, fmt.Errorf("querying call forwards: %w", err)
	}

	var fwds []models.CallForward
	index := make(map[int64]int)
	for rows.Next() {
		var f models.CallForward
		if err := rows.Scan(&f.ID, &f.FromExtension, &f.ToExtension, &f.CreatedAt, &f.UpdatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning call forward row: %w", err)
		}
		index[f.ID] = len(fwds)
		fwds = append(fwds, f)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating call forwards: %w", err)
	}
	// Release the connection before the second query; SQLite runs with a
	// single connection.
	rows.Close()

	if len(fwds) == 0 {
		return fwds, nil
	}

	ctxRows, err := r.db.QueryContext(ctx, r.db.rebind(ctxQuery), args...)
	if err != nil {
		return nil, fmt.Errorf("querying call forward contexts: %w", err)
	}
	defer ctxRows.Close()

	for ctxRows.Next() {
		var id int64
		var name string
		if err := ctxRows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("scanning call forward context: %w", err)
		}
		if i, ok := index[id]; ok {
			fwds[i].Contexts = append(fwds[i].Contexts, name)
		}
	}
	return fwds, ctxRows.Err()
}

func (r *callForwardRepo) contextsOf(ctx context.Context, q querier, id int64) ([]string, error) {
	rows, err := q.QueryContext(ctx, r.db.rebind(
		`SELECT context FROM call_forward_contexts WHERE forward_id = ? ORDER BY context`), id)
	if err != nil {
		return nil, fmt.Errorf("querying call forward contexts: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning call forward context: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (r *callForwardRepo) insertContext(ctx context.Context, tx *sql.Tx, id int64, from, name string) error {
	_, err := tx.ExecContext(ctx, r.db.rebind(
		`INSERT INTO call_forward_contexts (forward_id, from_extension, context) VALUES (?, ?, ?)`),
		id, from, name,
	)
	if err != nil {
		return fmt.Errorf("inserting context %s: %w", name, err)
	}
	return nil
}

// findConflict scans the forwards sharing from (ascending ID, skipping
// exclude) and reports the first one holding any of contexts, checked in the
// given order.
func (r *callForwardRepo) findConflict(ctx context.Context, q querier, from string, contexts []string, exclude int64) (*ConflictError, error) {
	rows, err := q.QueryContext(ctx, r.db.rebind(
		`SELECT forward_id, context FROM call_forward_contexts
		 WHERE from_extension = ? AND forward_id <> ?
		 ORDER BY forward_id`),
		from, exclude,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning for overlapping forwards: %w", err)
	}
	defer rows.Close()

	var order []int64
	held := make(map[int64]map[string]bool)
	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("scanning overlapping forward: %w", err)
		}
		if held[id] == nil {
			held[id] = make(map[string]bool)
			order = append(order, id)
		}
		held[id][name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating overlapping forwards: %w", err)
	}

	for _, id := range order {
		for _, name := range contexts {
			if held[id][name] {
				return &ConflictError{FromExtension: from, Context: name, ForwardID: id}, nil
			}
		}
	}
	return nil, nil
}

// raceConflict turns a unique violation raised by a concurrent writer into a
// *ConflictError. The transaction is rolled back first so the follow-up scan
// can use the pool.
func (r *callForwardRepo) raceConflict(ctx context.Context, tx *sql.Tx, fwd *models.CallForward, exclude int64, cause error) error {
	tx.Rollback()
	if !r.db.isUniqueViolation(cause) {
		return cause
	}
	conflict, err := r.findConflict(ctx, r.db, fwd.FromExtension, fwd.Contexts, exclude)
	if err != nil || conflict == nil {
		return cause
	}
	return conflict
}

// diffContexts returns the names in want but not in have, and those in have
// but not in want.
func diffContexts(have, want []string) (added, removed []string) {
	haveSet := make(map[string]bool, len(have))
	for _, name := range have {
		haveSet[name] = true
	}
	wantSet := make(map[string]bool, len(want))
	for _, name := range want {
		wantSet[name] = true
		if !haveSet[name] {
			added = append(added, name)
		}
	}
	for _, name := range have {
		if !wantSet[name] {
			removed = append(removed, name)
		}
	}
	return added, removed
}

func sortedCopy(names []string) []string {
	out := append([]string(nil), names...)
	sort.Strings(out)
	return out
}
