package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	dbpkg "github.com/BrandonDHaskell/vguard/internal/db"
	"github.com/BrandonDHaskell/vguard/internal/vguard/store"
	"github.com/BrandonDHaskell/vguard/internal/vguard/types"
)

type VisitorStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewVisitorStore(db *sql.DB, writer *dbpkg.Worker) *VisitorStore {
	return &VisitorStore{db: db, writer: writer}
}

func (s *VisitorStore) CreateVisitor(ctx context.Context, v types.Visitor) error {
	if v.RegisteredAt.IsZero() {
		v.RegisteredAt = time.Now().UTC()
	}

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO visitors(
  visitor_id, name, contact, embedding, blacklisted, blacklist_reason, registered_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?);
`,
			v.VisitorID, v.Name, v.Contact, types.FormatEmbedding(v.Embedding),
			boolInt(v.Blacklisted), v.BlacklistReason, v.RegisteredAt.UTC().UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("CreateVisitor insert: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrExists
		}
		return nil
	})
}

const visitorColumns = `visitor_id, name, contact, embedding, blacklisted, blacklist_reason, registered_at_ms`

func (s *VisitorStore) GetVisitor(ctx context.Context, visitorID string) (types.Visitor, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+visitorColumns+`
FROM visitors
WHERE visitor_id = ?;
`, strings.TrimSpace(visitorID))

	v, err := scanVisitor(row)
	if err == sql.ErrNoRows {
		return types.Visitor{}, store.ErrNotFound
	}
	if err != nil {
		return types.Visitor{}, fmt.Errorf("GetVisitor: %w", err)
	}
	return v, nil
}

func (s *VisitorStore) ListVisitors(ctx context.Context) ([]types.Visitor, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+visitorColumns+`
FROM visitors
ORDER BY visitor_id;
`)
	if err != nil {
		return nil, fmt.Errorf("ListVisitors query: %w", err)
	}
	defer rows.Close()

	var out []types.Visitor
	for rows.Next() {
		v, err := scanVisitor(rows)
		if err != nil {
			return nil, fmt.Errorf("ListVisitors scan: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *VisitorStore) SetBlacklist(ctx context.Context, visitorID string, blacklisted bool, reason string) error {
	if !blacklisted {
		reason = ""
	}
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE visitors
SET blacklisted      = ?,
    blacklist_reason = ?
WHERE visitor_id = ?;
`, boolInt(blacklisted), reason, visitorID)
		if err != nil {
			return fmt.Errorf("SetBlacklist update: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVisitor(r rowScanner) (types.Visitor, error) {
	var (
		v            types.Visitor
		embedding    string
		blacklisted  int
		registeredMs int64
	)
	if err := r.Scan(
		&v.VisitorID, &v.Name, &v.Contact, &embedding,
		&blacklisted, &v.BlacklistReason, &registeredMs,
	); err != nil {
		return types.Visitor{}, err
	}

	if embedding != "" {
		vec, err := types.ParseEmbedding(embedding)
		if err != nil {
			return types.Visitor{}, fmt.Errorf("visitor %s: %w", v.VisitorID, err)
		}
		v.Embedding = vec
	}
	v.Blacklisted = blacklisted == 1
	v.RegisteredAt = timeFromMs(registeredMs)
	return v, nil
}
