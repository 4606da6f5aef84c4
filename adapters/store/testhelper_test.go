package store

import (
	"bytes"
	"fmt"
	"net/url"
	"testing"
)

var testKey = bytes.Repeat([]byte{0x42}, KeySize)

func testSealer(t *testing.T) *Sealer {
	t.Helper()
	sealer, err := NewSealer(testKey)
	if err != nil {
		t.Fatalf("create sealer: %v", err)
	}
	return sealer
}

// setupTestDB creates a named shared in-memory sqlite database. Writer and
// reader share it via cache=shared; the test name keeps tests isolated.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	dsn := fmt.Sprintf(
		"file:%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)",
		url.PathEscape(t.Name()),
	)

	db, err := openDSN(dsn)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}

	if err := RunMigrations(db.Writer); err != nil {
		_ = db.Close()
		t.Fatalf("run migrations: %v", err)
	}

	t.Cleanup(func() { _ = db.Close() })

	return db
}
