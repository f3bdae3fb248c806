package database

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/flowpbx/callforward/internal/database/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenAndMigrate(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	dbPath := filepath.Join(dir, "callforward.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Fatal("database file was not created")
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("querying journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want wal", journalMode)
	}

	for _, table := range []string{"schema_migrations", "call_forwards", "call_forward_contexts"} {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if err != nil {
			t.Errorf("checking table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s not found", table)
		}
	}

	var migrationCount int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&migrationCount); err != nil {
		t.Fatalf("counting migrations: %v", err)
	}
	if migrationCount != 1 {
		t.Errorf("migration count = %d, want 1", migrationCount)
	}

	if db.Dialect() != DialectSQLite {
		t.Errorf("Dialect() = %q, want sqlite", db.Dialect())
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	db1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open() error: %v", err)
	}
	db1.Close()

	db2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open() error: %v", err)
	}
	db2.Close()
}

func TestRebind(t *testing.T) {
	lite := &DB{dialect: DialectSQLite}
	pg := &DB{dialect: DialectPostgres}

	q := "SELECT id FROM call_forwards WHERE from_extension = ? AND id <> ?"
	if got := lite.rebind(q); got != q {
		t.Errorf("sqlite rebind changed query: %q", got)
	}
	want := "SELECT id FROM call_forwards WHERE from_extension = $1 AND id <> $2"
	if got := pg.rebind(q); got != want {
		t.Errorf("postgres rebind = %q, want %q", got, want)
	}
}

func TestCallForwardCreateAndGet(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewCallForwardRepository(db)

	fwd := &models.CallForward{
		FromExtension: "702",
		ToExtension:   "704",
		Contexts:      []string{"from_sales", "from_internal"},
	}
	if err := repo.Create(ctx, fwd); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if fwd.ID == 0 {
		t.Fatal("Create() did not assign an id")
	}

	got, err := repo.GetByID(ctx, fwd.ID)
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if got == nil {
		t.Fatal("GetByID() returned nil")
	}
	if got.FromExtension != "702" || got.ToExtension != "704" {
		t.Errorf("got %s -> %s, want 702 -> 704", got.FromExtension, got.ToExtension)
	}
	if want := []string{"from_internal", "from_sales"}; !reflect.DeepEqual(got.Contexts, want) {
		t.Errorf("Contexts = %v, want %v", got.Contexts, want)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set")
	}

	missing, err := repo.GetByID(ctx, 9999)
	if err != nil {
		t.Fatalf("GetByID(missing) error: %v", err)
	}
	if missing != nil {
		t.Errorf("GetByID(missing) = %+v, want nil", missing)
	}
}

func TestCallForwardCreateConflict(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewCallForwardRepository(db)

	first := &models.CallForward{FromExtension: "702", ToExtension: "704", Contexts: []string{"from_internal", "from_external"}}
	if err := repo.Create(ctx, first); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	second := &models.CallForward{FromExtension: "702", ToExtension: "705", Contexts: []string{"from_sales", "from_external"}}
	err := repo.Create(ctx, second)

	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("Create() error = %v, want *ConflictError", err)
	}
	if conflict.ForwardID != first.ID || conflict.Context != "from_external" || conflict.FromExtension != "702" {
		t.Errorf("conflict = %+v", conflict)
	}

	// Nothing from the failed create may remain.
	count, err := repo.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error: %v", err)
	}
	if count != 1 {
		t.Errorf("Count() = %d, want 1", count)
	}

	// A different source extension may reuse the same contexts.
	other := &models.CallForward{FromExtension: "703", ToExtension: "705", Contexts: []string{"from_external"}}
	if err := repo.Create(ctx, other); err != nil {
		t.Fatalf("Create() for another source error: %v", err)
	}
}

func TestCallForwardUniqueIndex(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewCallForwardRepository(db)

	fwd := &models.CallForward{FromExtension: "702", ToExtension: "704", Contexts: []string{"from_internal"}}
	if err := repo.Create(ctx, fwd); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	// Bypass the scan and write the row directly, as a concurrent writer would.
	_, err := db.Exec(`INSERT INTO call_forwards (from_extension, to_extension, created_at, updated_at)
		VALUES ('702', '705', datetime('now'), datetime('now'))`)
	if err != nil {
		t.Fatalf("inserting raw forward: %v", err)
	}
	_, err = db.Exec(`INSERT INTO call_forward_contexts (forward_id, from_extension, context)
		VALUES (2, '702', 'from_internal')`)
	if err == nil {
		t.Fatal("unique index should reject a shared context")
	}
	if !db.isUniqueViolation(err) {
		t.Errorf("isUniqueViolation(%v) = false, want true", err)
	}
}

func TestCallForwardRaceConflict(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := &callForwardRepo{db: db}

	first := &models.CallForward{FromExtension: "702", ToExtension: "704", Contexts: []string{"from_internal"}}
	if err := repo.Create(ctx, first); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	// A second writer that passed its scan before first committed ends up
	// hitting the unique index inside its own transaction.
	second := &models.CallForward{FromExtension: "702", ToExtension: "705", Contexts: []string{"from_sales", "from_internal"}}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("BeginTx() error: %v", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO call_forwards (from_extension, to_extension, created_at, updated_at)
		VALUES ('702', '705', datetime('now'), datetime('now'))`)
	if err != nil {
		tx.Rollback()
		t.Fatalf("inserting forward: %v", err)
	}
	secondID, err := res.LastInsertId()
	if err != nil {
		tx.Rollback()
		t.Fatalf("LastInsertId() error: %v", err)
	}
	if err := repo.insertContext(ctx, tx, secondID, "702", "from_sales"); err != nil {
		tx.Rollback()
		t.Fatalf("insertContext(from_sales) error: %v", err)
	}
	cause := repo.insertContext(ctx, tx, secondID, "702", "from_internal")
	if cause == nil {
		tx.Rollback()
		t.Fatal("insertContext(from_internal) should hit the unique index")
	}

	err = repo.raceConflict(ctx, tx, second, 0, cause)
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("raceConflict() = %v, want *ConflictError", err)
	}
	if conflict.ForwardID != first.ID || conflict.Context != "from_internal" || conflict.FromExtension != "702" {
		t.Errorf("conflict = %+v, want forward %d holding from_internal", conflict, first.ID)
	}

	// The rollback leaves nothing of the second forward behind.
	if n, err := repo.Count(ctx); err != nil || n != 1 {
		t.Errorf("Count() = %d, %v; want 1", n, err)
	}
}

func TestCallForwardRaceConflictPassesOtherErrors(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := &callForwardRepo{db: db}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("BeginTx() error: %v", err)
	}
	cause := errors.New("disk full")
	fwd := &models.CallForward{FromExtension: "702", ToExtension: "704", Contexts: []string{"from_internal"}}
	if err := repo.raceConflict(ctx, tx, fwd, 0, cause); err != cause {
		t.Errorf("raceConflict() = %v, want the cause unchanged", err)
	}
}

func TestCallForwardListOrdering(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewCallForwardRepository(db)

	for _, f := range []*models.CallForward{
		{FromExtension: "702", ToExtension: "704", Contexts: []string{"from_internal"}},
		{FromExtension: "703", ToExtension: "704", Contexts: []string{"from_internal"}},
		{FromExtension: "702", ToExtension: "705", Contexts: []string{"from_sales", "from_external"}},
	} {
		if err := repo.Create(ctx, f); err != nil {
			t.Fatalf("Create() error: %v", err)
		}
	}

	all, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("List() len = %d, want 3", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].ID >= all[i].ID {
			t.Errorf("List() not ordered by id: %d before %d", all[i-1].ID, all[i].ID)
		}
	}

	from702, err := repo.ListByFromExtension(ctx, "702")
	if err != nil {
		t.Fatalf("ListByFromExtension() error: %v", err)
	}
	if len(from702) != 2 {
		t.Fatalf("ListByFromExtension() len = %d, want 2", len(from702))
	}
	if from702[0].ToExtension != "704" || from702[1].ToExtension != "705" {
		t.Errorf("ListByFromExtension() order = %s, %s", from702[0].ToExtension, from702[1].ToExtension)
	}
	if want := []string{"from_external", "from_sales"}; !reflect.DeepEqual(from702[1].Contexts, want) {
		t.Errorf("Contexts = %v, want %v", from702[1].Contexts, want)
	}

	none, err := repo.ListByFromExtension(ctx, "999")
	if err != nil {
		t.Fatalf("ListByFromExtension(999) error: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("ListByFromExtension(999) len = %d, want 0", len(none))
	}
}

func TestCallForwardUpdateDiff(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewCallForwardRepository(db)

	fwd := &models.CallForward{FromExtension: "702", ToExtension: "704", Contexts: []string{"from_internal", "from_external"}}
	if err := repo.Create(ctx, fwd); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	id := fwd.ID

	fwd.ToExtension = "705"
	fwd.Contexts = []string{"from_external", "from_sales"}
	if err := repo.Update(ctx, fwd); err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	got, err := repo.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if got.ToExtension != "705" {
		t.Errorf("ToExtension = %q, want 705", got.ToExtension)
	}
	if want := []string{"from_external", "from_sales"}; !reflect.DeepEqual(got.Contexts, want) {
		t.Errorf("Contexts = %v, want %v", got.Contexts, want)
	}

	// Changing the source moves the context rows with it.
	fwd.FromExtension = "703"
	if err := repo.Update(ctx, fwd); err != nil {
		t.Fatalf("Update() source error: %v", err)
	}
	from703, err := repo.ListByFromExtension(ctx, "703")
	if err != nil {
		t.Fatalf("ListByFromExtension() error: %v", err)
	}
	if len(from703) != 1 || len(from703[0].Contexts) != 2 {
		t.Errorf("ListByFromExtension(703) = %+v", from703)
	}
}

func TestCallForwardUpdateConflict(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewCallForwardRepository(db)

	a := &models.CallForward{FromExtension: "702", ToExtension: "704", Contexts: []string{"from_internal"}}
	b := &models.CallForward{FromExtension: "702", ToExtension: "705", Contexts: []string{"from_sales"}}
	for _, f := range []*models.CallForward{a, b} {
		if err := repo.Create(ctx, f); err != nil {
			t.Fatalf("Create() error: %v", err)
		}
	}

	// Keeping its own contexts is not a conflict.
	b.ToExtension = "706"
	if err := repo.Update(ctx, b); err != nil {
		t.Fatalf("Update() without overlap error: %v", err)
	}

	b.Contexts = []string{"from_sales", "from_internal"}
	err := repo.Update(ctx, b)
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("Update() error = %v, want *ConflictError", err)
	}
	if conflict.ForwardID != a.ID || conflict.Context != "from_internal" {
		t.Errorf("conflict = %+v", conflict)
	}

	// The failed update must leave b untouched.
	got, err := repo.GetByID(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if got.ToExtension != "706" || !reflect.DeepEqual(got.Contexts, []string{"from_sales"}) {
		t.Errorf("after failed update got %+v", got)
	}
}

func TestCallForwardUpdateMissing(t *testing.T) {
	db := openTestDB(t)
	repo := NewCallForwardRepository(db)

	err := repo.Update(context.Background(), &models.CallForward{ID: 42, FromExtension: "702", ToExtension: "704", Contexts: []string{"from_internal"}})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Update(missing) error = %v, want ErrNotFound", err)
	}
}

func TestCallForwardDelete(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewCallForwardRepository(db)

	fwd := &models.CallForward{FromExtension: "702", ToExtension: "704", Contexts: []string{"from_internal"}}
	if err := repo.Create(ctx, fwd); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	if err := repo.Delete(ctx, fwd.ID); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	got, err := repo.GetByID(ctx, fwd.ID)
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if got != nil {
		t.Error("forward should be gone after Delete()")
	}

	var rows int
	if err := db.QueryRow("SELECT COUNT(*) FROM call_forward_contexts").Scan(&rows); err != nil {
		t.Fatalf("counting contexts: %v", err)
	}
	if rows != 0 {
		t.Errorf("context rows = %d, want 0", rows)
	}

	if err := repo.Delete(ctx, fwd.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}

	// The freed context can be claimed again.
	again := &models.CallForward{FromExtension: "702", ToExtension: "705", Contexts: []string{"from_internal"}}
	if err := repo.Create(ctx, again); err != nil {
		t.Fatalf("Create() after delete error: %v", err)
	}
}

func TestDiffContexts(t *testing.T) {
	added, removed := diffContexts([]string{"a", "b", "c"}, []string{"b", "d"})
	if !reflect.DeepEqual(added, []string{"d"}) {
		t.Errorf("added = %v, want [d]", added)
	}
	if !reflect.DeepEqual(removed, []string{"a", "c"}) {
		t.Errorf("removed = %v, want [a c]", removed)
	}
}
