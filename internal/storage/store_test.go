package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	core "netsight/internal/core/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir(), Options{ReadConns: 2})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpenStampsSchemaVersion(t *testing.T) {
	store := openTestStore(t)

	var version int
	if err := store.Read().QueryRow(`SELECT version FROM schema_version`).Scan(&version); err != nil {
		t.Fatalf("read schema version: %v", err)
	}
	if version != currentSchemaVersion {
		t.Errorf("expected schema v%d, got v%d", currentSchemaVersion, version)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	store.Close()

	store, err = Open(dir, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	store.Close()
}

func TestMigrationMismatch(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := store.writeDB.Exec(`UPDATE schema_version SET version = ?`, currentSchemaVersion+1); err != nil {
		t.Fatalf("bump version: %v", err)
	}
	store.Close()

	_, err = Open(dir, Options{})
	if !errors.Is(err, core.ErrMigrationMismatch) {
		t.Fatalf("expected ErrMigrationMismatch, got %v", err)
	}
}

func TestRetentionPass(t *testing.T) {
	store := openTestStore(t)

	now := time.Now()
	old := now.Add(-48 * time.Hour).UnixNano()
	fresh := now.Add(-time.Hour).UnixNano()

	insert := func(ts int64) {
		if _, err := store.writeDB.Exec(`
			INSERT INTO packets (ts, interface_id, size, direction, net_proto, transport, app_proto)
			VALUES (?, 'en0', 100, 'in', 'ipv4', 'tcp', 'https')`, ts); err != nil {
			t.Fatalf("insert packet: %v", err)
		}
	}
	insert(old)
	insert(fresh)

	policy := RetentionPolicy{Packets: 24 * time.Hour}
	if err := store.RetentionPass(context.Background(), policy); err != nil {
		t.Fatalf("retention pass: %v", err)
	}

	var count int
	if err := store.Read().QueryRow(`SELECT COUNT(*) FROM packets`).Scan(&count); err != nil {
		t.Fatalf("count packets: %v", err)
	}
	if count != 1 {
		t.Errorf("expected the expired row to be pruned, have %d rows", count)
	}
}
