package shared

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func TestIsSQLiteConstraintFromDriver(t *testing.T) {
	t.Parallel()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "c.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, `CREATE TABLE t (id TEXT PRIMARY KEY)`); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO t (id) VALUES ('a')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_, err = db.ExecContext(ctx, `INSERT INTO t (id) VALUES ('a')`)
	if !IsSQLiteConstraint(fmt.Errorf("insert: %w", err)) {
		t.Fatalf("expected constraint error, got %v", err)
	}
	if IsSQLiteBusy(err) {
		t.Fatal("constraint error must not be classified as busy")
	}
}

func TestClassifyByMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err        error
		busy       bool
		constraint bool
	}{
		{nil, false, false},
		{errors.New("database is locked"), true, false},
		{errors.New("SQLITE_BUSY: cannot commit"), true, false},
		{errors.New("UNIQUE constraint failed: agents.id"), false, true},
		{errors.New("no such table"), false, false},
	}
	for _, tt := range tests {
		if got := IsSQLiteBusy(tt.err); got != tt.busy {
			t.Errorf("IsSQLiteBusy(%v) = %v", tt.err, got)
		}
		if got := IsSQLiteConstraint(tt.err); got != tt.constraint {
			t.Errorf("IsSQLiteConstraint(%v) = %v", tt.err, got)
		}
	}
}
