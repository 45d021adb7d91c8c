package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

func openTestDatabase(t *testing.T) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("ROLETRACKER_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("ROLETRACKER_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return db
}

func TestMigrationsRoundTripPostgres(t *testing.T) {
	db := openTestDatabase(t)
	ctx := context.Background()
	migrationsDir := filepath.Join("..", "..", "db", "migrations")

	if err := RollbackMigrations(ctx, db, migrationsDir); err != nil {
		t.Fatalf("apply down migrations: %v", err)
	}
	if err := ApplyMigrations(ctx, db, migrationsDir); err != nil {
		t.Fatalf("apply up migrations (pass 2): %v", err)
	}
}

func TestPostgresRoleGrantLifecycle(t *testing.T) {
	db := openTestDatabase(t)
	ctx := context.Background()
	s := NewPostgresStore(db, "428038701")

	grant, err := s.GetRoleGrant(ctx, "role-1")
	if err != nil {
		t.Fatalf("GetRoleGrant failed: %v", err)
	}
	if grant.Addable || len(grant.Users) != 0 {
		t.Fatalf("expected default record, got %+v", grant)
	}

	if err := s.SetAddable(ctx, "role-1", true); err != nil {
		t.Fatalf("SetAddable failed: %v", err)
	}
	if err := s.SetUsers(ctx, "role-1", map[string]int64{"m1": 3}); err != nil {
		t.Fatalf("SetUsers failed: %v", err)
	}

	other := NewPostgresStore(db, "other")
	if g, _ := other.GetRoleGrant(ctx, "role-1"); g.Addable {
		t.Fatal("namespaces must not share records")
	}

	grant, err = s.GetRoleGrant(ctx, "role-1")
	if err != nil {
		t.Fatalf("GetRoleGrant failed: %v", err)
	}
	if !grant.Addable || grant.Users["m1"] != 3 {
		t.Fatalf("unexpected record %+v", grant)
	}
}

func TestPostgresConcurrentUpdatesKeepEveryMember(t *testing.T) {
	db := openTestDatabase(t)
	ctx := context.Background()
	s := NewPostgresStore(db, "428038701")

	members := []string{"m1", "m2", "m3", "m4", "m5", "m6", "m7", "m8"}
	var wg sync.WaitGroup
	errs := make(chan error, len(members))
	for i, member := range members {
		wg.Add(1)
		go func(member string, caseNumber int64) {
			defer wg.Done()
			_, err := s.UpdateRoleGrant(ctx, "role-1", func(g *RoleGrant) error {
				g.Users[member] = caseNumber
				return nil
			})
			errs <- err
		}(member, int64(i+1))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("UpdateRoleGrant failed: %v", err)
		}
	}

	grant, _ := s.GetRoleGrant(ctx, "role-1")
	if len(grant.Users) != len(members) {
		t.Fatalf("expected %d members, got %v", len(members), grant.Users)
	}
}

func TestPostgresCaseLedgerIsAppendOnly(t *testing.T) {
	db := openTestDatabase(t)
	ctx := context.Background()
	s := NewPostgresStore(db, "428038701")

	if err := s.RegisterCaseType(ctx, RoleUpdateCaseType); err != nil {
		t.Fatalf("RegisterCaseType failed: %v", err)
	}
	if err := s.RegisterCaseType(ctx, RoleUpdateCaseType); err != nil {
		t.Fatalf("RegisterCaseType must be idempotent: %v", err)
	}

	created, err := s.CreateCase(ctx, NewCase{GuildID: "g1", Type: CaseTypeRoleUpdate, TargetID: "m1", ModeratorID: "mod1", Reason: "granted"})
	if err != nil {
		t.Fatalf("CreateCase failed: %v", err)
	}
	if created.Number != 1 {
		t.Fatalf("expected case 1, got %d", created.Number)
	}

	edited, err := s.EditCase(ctx, "g1", created.Number, CaseEdit{AppendReason: "\nRole Removed: cleanup", AmendedBy: "mod2"})
	if err != nil {
		t.Fatalf("EditCase failed: %v", err)
	}
	if edited.Reason != "granted\nRole Removed: cleanup" || edited.AmendedBy != "mod2" || edited.ModifiedAt == nil {
		t.Fatalf("unexpected edited case %+v", edited)
	}

	_, err = db.ExecContext(ctx, `UPDATE cases SET reason='rewritten' WHERE guild_id='g1' AND case_number=1`)
	if err == nil {
		t.Fatal("expected overwrite of reason to be blocked")
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		t.Fatalf("expected PgError, got %T: %v", err, err)
	}
	if !strings.Contains(pgErr.Message, "append-only") {
		t.Fatalf("unexpected trigger message %q", pgErr.Message)
	}

	if _, err := s.GetCase(ctx, "g1", 42); !errors.Is(err, ErrCaseNotFound) {
		t.Fatalf("expected ErrCaseNotFound, got %v", err)
	}
	if _, err := s.EditCase(ctx, "g1", 42, CaseEdit{AppendReason: "x"}); !errors.Is(err, ErrCaseNotFound) {
		t.Fatalf("expected ErrCaseNotFound on edit, got %v", err)
	}
}
