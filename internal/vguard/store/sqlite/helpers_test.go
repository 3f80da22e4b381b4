package sqlite_test

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/BrandonDHaskell/vguard/internal/db"
	sqlitestore "github.com/BrandonDHaskell/vguard/internal/vguard/store/sqlite"
	"github.com/BrandonDHaskell/vguard/internal/vguard/types"
)

// openTestDB returns an in-memory SQLite connection with the same PRAGMAs
// and schema as production.  The connection is closed automatically when the
// test finishes.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	// The shared-cache URI keeps the database alive for the lifetime of the
	// pool; the test name keeps databases of different tests apart.
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf(
		"file:test_%s?mode=memory&cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)",
		name,
	)

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("openTestDB: sql.Open: %v", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if err := conn.Ping(); err != nil {
		conn.Close()
		t.Fatalf("openTestDB: ping: %v", err)
	}
	if err := db.Migrate(context.Background(), conn); err != nil {
		conn.Close()
		t.Fatalf("openTestDB: migrate: %v", err)
	}

	t.Cleanup(func() { conn.Close() })
	return conn
}

// newTestWriter returns a db.Worker backed by conn.  The worker is closed
// automatically when the test finishes.
func newTestWriter(t *testing.T, conn *sql.DB) *db.Worker {
	t.Helper()

	w := db.NewWorker(conn)
	t.Cleanup(func() { w.Close() })
	return w
}

type testStores struct {
	visitors *sqlitestore.VisitorStore
	visits   *sqlitestore.VisitStore
	audit    *sqlitestore.AuditStore
}

func newTestStores(t *testing.T) (testStores, *sql.DB) {
	t.Helper()
	conn := openTestDB(t)
	w := newTestWriter(t, conn)
	return testStores{
		visitors: sqlitestore.NewVisitorStore(conn, w),
		visits:   sqlitestore.NewVisitStore(conn, w),
		audit:    sqlitestore.NewAuditStore(conn, w),
	}, conn
}

var testNow = time.Date(2026, 2, 15, 9, 0, 0, 0, time.UTC)

func seedVisitor(t *testing.T, s testStores, id string) types.Visitor {
	t.Helper()
	v := types.Visitor{
		VisitorID:    id,
		Name:         "Visitor " + id,
		Contact:      id + "@example.com",
		Embedding:    []float64{0.1, 0.2, 0.3},
		RegisteredAt: testNow,
	}
	if err := s.visitors.CreateVisitor(context.Background(), v); err != nil {
		t.Fatalf("seedVisitor(%q): %v", id, err)
	}
	return v
}

func newVisit(visitorID, visitID string) types.Visit {
	return types.Visit{
		VisitorID: visitorID,
		VisitID:   visitID,
		VisitDate: "2026-02-15",
		Purpose:   "Meeting",
		HostName:  "Dana",
		Status:    types.VisitApproved,
		Duration:  2 * time.Hour,
		CreatedAt: testNow,
		QR: types.QRCredential{
			Token:     "tok-" + visitID,
			Payload:   `{"v":"` + visitorID + `"}`,
			ExpiresAt: testNow.Add(36 * time.Hour),
			MaxScans:  2,
			CreatedAt: testNow,
			State:     types.QRState{Status: types.QRUnused},
		},
	}
}
