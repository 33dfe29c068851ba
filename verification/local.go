package verification

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/sha3"
	_ "modernc.org/sqlite"

	"election-workflow/models"
)

// LocalMatcher is a development-mode verification service. It stores a
// Keccak digest of the enrolled sample per identity in SQLite and verifies
// by exact digest comparison. It exists so the workflows can run end to end
// without the real iris API; the digest comparison stands in for the
// matching model.
type LocalMatcher struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewLocalMatcher(dbPath string, logger *slog.Logger) (*LocalMatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open enrollment database: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS enrollments (
		identity TEXT PRIMARY KEY,
		digest BLOB NOT NULL,
		enrolled_at INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize enrollment database: %w", err)
	}

	return &LocalMatcher{
		db:     db,
		logger: logger.With("component", "verification"),
	}, nil
}

func (m *LocalMatcher) Close() error {
	return m.db.Close()
}

func sampleDigest(sample []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(sample)
	return h.Sum(nil)
}

func (m *LocalMatcher) Enroll(ctx context.Context, id models.Identity, sample []byte) error {
	if len(sample) == 0 {
		return ErrEmptySample
	}

	_, err := m.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO enrollments (identity, digest, enrolled_at) VALUES (?, ?, ?)`,
		id.String(), sampleDigest(sample), time.Now().Unix())
	if err != nil {
		return &UnavailableError{Op: "enroll", Err: err}
	}

	m.logger.Info("enrollment recorded", "identity", id.Short())
	return nil
}

func (m *LocalMatcher) Verify(ctx context.Context, id models.Identity, sample []byte) (Verdict, error) {
	if len(sample) == 0 {
		return Verdict{}, ErrEmptySample
	}

	var stored []byte
	err := m.db.QueryRowContext(ctx,
		`SELECT digest FROM enrollments WHERE identity = ?`, id.String()).Scan(&stored)
	if err == sql.ErrNoRows {
		return Verdict{}, ErrNotEnrolled
	}
	if err != nil {
		return Verdict{}, &UnavailableError{Op: "verify", Err: err}
	}

	if bytes.Equal(stored, sampleDigest(sample)) {
		return Verdict{Verified: true, Similarity: 1.0}, nil
	}
	return Verdict{Verified: false, Similarity: 0.0}, nil
}

func (m *LocalMatcher) Enrolled(ctx context.Context, id models.Identity) (bool, error) {
	var n int
	err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM enrollments WHERE identity = ?`, id.String()).Scan(&n)
	if err != nil {
		return false, &UnavailableError{Op: "enrolled", Err: err}
	}
	return n > 0, nil
}
