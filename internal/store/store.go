package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite"
)

const schemaVersion = 2

// DefaultLeaseTTL is how long a session lease stays valid without renewal
const DefaultLeaseTTL = 30 * time.Second

const schema = `
	CREATE TABLE IF NOT EXISTS sessions (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL,
		created_at    INTEGER NOT NULL,
		sample_rate   INTEGER NOT NULL,
		num_channels  INTEGER NOT NULL,
		chunk_count   INTEGER NOT NULL DEFAULT 0,
		total_size    INTEGER NOT NULL DEFAULT 0,
		total_samples INTEGER NOT NULL DEFAULT 0,
		chunk_ids     TEXT NOT NULL DEFAULT '[]',
		owner         TEXT NOT NULL DEFAULT '',
		heartbeat_at  INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions(created_at);

	CREATE TABLE IF NOT EXISTS chunks (
		id         TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		seq        INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		size       INTEGER NOT NULL,
		samples    INTEGER NOT NULL,
		payload    BLOB NOT NULL,
		UNIQUE(session_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_chunks_session_id ON chunks(session_id);
`

// Version 1 databases predate session leases
const migrateV2 = `
	ALTER TABLE sessions ADD COLUMN owner TEXT NOT NULL DEFAULT '';
	ALTER TABLE sessions ADD COLUMN heartbeat_at INTEGER NOT NULL DEFAULT 0;
`

const sessionColumns = `id, name, created_at, sample_rate, num_channels,
	chunk_count, total_size, total_samples, chunk_ids, owner, heartbeat_at`

// Store provides transactional access to the session and chunk tables.
//
// Every Store handle has its own owner id. A handle holding a fresh lease
// on a session (see ClaimLease) keeps other handles, including ones in
// other processes, from claiming or evicting it.
type Store struct {
	db       *sql.DB
	now      func() time.Time
	owner    string
	leaseTTL time.Duration
}

// Open opens (creating if needed) the database at path and applies the schema.
// The special path ":memory:" opens a private in-memory database.
func Open(path string, busyTimeout time.Duration) (*Store, error) {
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}

	var dsn string
	if path == ":memory:" {
		dsn = fmt.Sprintf("file::memory:?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)",
			busyTimeout.Milliseconds())
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)",
			path, busyTimeout.Milliseconds())
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection serializes transactions and keeps :memory: databases
	// shared across calls.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	owner, err := newID()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("generate store owner id: %w", err)
	}

	s := &Store{db: db, now: time.Now, owner: owner, leaseTTL: DefaultLeaseTTL}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version > schemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, schemaVersion)
	}

	if version == 1 {
		if _, err := s.db.Exec(migrateV2); err != nil {
			return fmt.Errorf("migrate schema to version 2: %w", err)
		}
	}

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	if _, err := s.db.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion)); err != nil {
		return fmt.Errorf("write schema version: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetClock replaces the time source used for created_at stamps.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Owner returns the id this handle records on the sessions it leases
func (s *Store) Owner() string {
	return s.owner
}

// LeaseTTL returns how long a lease stays valid without renewal
func (s *Store) LeaseTTL() time.Duration {
	return s.leaseTTL
}

// SetLeaseTTL changes the lease validity window. Holders must renew well
// within it.
func (s *Store) SetLeaseTTL(ttl time.Duration) {
	if ttl > 0 {
		s.leaseTTL = ttl
	}
}

// IsLeased reports whether sess is held by a fresh lease of any handle
func (s *Store) IsLeased(sess *Session) bool {
	return sess.Owner != "" && s.now().Sub(sess.HeartbeatAt) < s.leaseTTL
}

// ClaimLease takes or renews this handle's lease on a session. It fails
// with ErrSessionLeased while another handle holds a fresh lease.
func (s *Store) ClaimLease(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var owner string
	var heartbeat int64
	err = tx.QueryRowContext(ctx,
		`SELECT owner, heartbeat_at FROM sessions WHERE id = ?`, sessionID,
	).Scan(&owner, &heartbeat)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("claim session %s: %w", sessionID, ErrSessionNotFound)
	}
	if err != nil {
		return fmt.Errorf("read session %s: %w", sessionID, err)
	}

	now := s.now()
	if owner != "" && owner != s.owner && now.Sub(time.Unix(0, heartbeat)) < s.leaseTTL {
		return fmt.Errorf("claim session %s: %w", sessionID, ErrSessionLeased)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET owner = ?, heartbeat_at = ? WHERE id = ?`,
		s.owner, now.UnixNano(), sessionID,
	); err != nil {
		return fmt.Errorf("update lease: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit lease: %w", err)
	}
	return nil
}

// ReleaseLease drops this handle's lease on a session. Releasing a lease
// held by another handle, or on a missing session, does nothing.
func (s *Store) ReleaseLease(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET owner = '', heartbeat_at = 0 WHERE id = ? AND owner = ?`,
		sessionID, s.owner)
	if err != nil {
		return fmt.Errorf("release lease on %s: %w", sessionID, err)
	}
	return nil
}

// CreateSession inserts a new session with zeroed counters and returns it.
func (s *Store) CreateSession(ctx context.Context, name string, sampleRate, numChannels int) (*Session, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	if numChannels <= 0 {
		return nil, fmt.Errorf("channel count must be positive, got %d", numChannels)
	}

	id, err := newID()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}

	sess := &Session{
		ID:          id,
		Name:        name,
		CreatedAt:   s.now(),
		SampleRate:  sampleRate,
		NumChannels: numChannels,
		ChunkIDs:    []string{},
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, name, created_at, sample_rate, num_channels)
		VALUES (?, ?, ?, ?, ?)
	`, sess.ID, sess.Name, sess.CreatedAt.UnixNano(), sess.SampleRate, sess.NumChannels)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	return sess, nil
}

// AppendChunk stores payload as the next chunk of a session. The chunk row
// and the session counters commit in one transaction.
func (s *Store) AppendChunk(ctx context.Context, sessionID string, payload []byte, samples int) (*Chunk, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var count int
	var idsJSON string
	err = tx.QueryRowContext(ctx,
		`SELECT chunk_count, chunk_ids FROM sessions WHERE id = ?`, sessionID,
	).Scan(&count, &idsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("append chunk to %s: %w", sessionID, ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", sessionID, err)
	}

	var ids []string
	if err := json.Unmarshal([]byte(idsJSON), &ids); err != nil {
		return nil, fmt.Errorf("decode chunk ids of %s: %w", sessionID, err)
	}

	id, err := newID()
	if err != nil {
		return nil, fmt.Errorf("generate chunk id: %w", err)
	}

	chunk := &Chunk{
		ID:        id,
		SessionID: sessionID,
		Seq:       count,
		CreatedAt: s.now(),
		Size:      len(payload),
		Samples:   samples,
		Payload:   payload,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO chunks (id, session_id, seq, created_at, size, samples, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, chunk.ID, chunk.SessionID, chunk.Seq, chunk.CreatedAt.UnixNano(), chunk.Size, chunk.Samples, chunk.Payload)
	if err != nil {
		return nil, fmt.Errorf("insert chunk: %w", err)
	}

	updated, err := json.Marshal(append(ids, chunk.ID))
	if err != nil {
		return nil, fmt.Errorf("encode chunk ids: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sessions
		SET chunk_count = chunk_count + 1,
		    total_size = total_size + ?,
		    total_samples = total_samples + ?,
		    chunk_ids = ?,
		    heartbeat_at = CASE WHEN owner = ? THEN ? ELSE heartbeat_at END
		WHERE id = ?
	`, chunk.Size, chunk.Samples, string(updated), s.owner, chunk.CreatedAt.UnixNano(), sessionID)
	if err != nil {
		return nil, fmt.Errorf("update session counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit chunk: %w", err)
	}

	return chunk, nil
}

// GetSession returns a session by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get session %s: %w", sessionID, ErrSessionNotFound)
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// GetChunks returns the chunks of a session in append order.
func (s *Store) GetChunks(ctx context.Context, sessionID string) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, seq, created_at, size, samples, payload
		FROM chunks
		WHERE session_id = ?
		ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	chunks := make([]Chunk, 0)
	for rows.Next() {
		var c Chunk
		var createdAt int64
		if err := rows.Scan(&c.ID, &c.SessionID, &c.Seq, &createdAt, &c.Size, &c.Samples, &c.Payload); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		c.CreatedAt = time.Unix(0, createdAt)
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// ListRecoverable returns every session holding at least one chunk,
// oldest first.
func (s *Store) ListRecoverable(ctx context.Context) ([]*Session, error) {
	return s.listSessions(ctx, `WHERE chunk_count >= 1`)
}

// ListEmpty returns sessions that never received a chunk, oldest first.
func (s *Store) ListEmpty(ctx context.Context) ([]*Session, error) {
	return s.listSessions(ctx, `WHERE chunk_count = 0`)
}

func (s *Store) listSessions(ctx context.Context, where string) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions `+where+` ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]*Session, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// DeleteSession removes a session and all of its chunks in one transaction.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, sessionID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("delete session %s: %w", sessionID, ErrSessionNotFound)
	}
	if err != nil {
		return fmt.Errorf("read session %s: %w", sessionID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}

// EvictOlderThan deletes every unleased recoverable session created before
// cutoff and returns the number of sessions removed.
func (s *Store) EvictOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	sessions, err := s.ListRecoverable(ctx)
	if err != nil {
		return 0, err
	}

	evicted := 0
	for _, sess := range sessions {
		if !sess.CreatedAt.Before(cutoff) || s.IsLeased(sess) {
			continue
		}
		if err := s.DeleteSession(ctx, sess.ID); err != nil && !errors.Is(err, ErrSessionNotFound) {
			return evicted, err
		}
		evicted++
	}
	return evicted, nil
}

// EvictOverCount keeps the maxCount most recently created recoverable
// sessions and deletes the rest, oldest first. Leased sessions are neither
// counted nor evicted.
func (s *Store) EvictOverCount(ctx context.Context, maxCount int) (int, error) {
	if maxCount < 0 {
		maxCount = 0
	}

	all, err := s.ListRecoverable(ctx)
	if err != nil {
		return 0, err
	}

	sessions := all[:0]
	for _, sess := range all {
		if !s.IsLeased(sess) {
			sessions = append(sessions, sess)
		}
	}

	if len(sessions) <= maxCount {
		return 0, nil
	}

	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})

	excess := sessions[:len(sessions)-maxCount]
	evicted := 0
	for _, sess := range excess {
		if err := s.DeleteSession(ctx, sess.ID); err != nil && !errors.Is(err, ErrSessionNotFound) {
			return evicted, err
		}
		evicted++
	}
	return evicted, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var createdAt, heartbeat int64
	var idsJSON string

	if err := row.Scan(&sess.ID, &sess.Name, &createdAt, &sess.SampleRate, &sess.NumChannels,
		&sess.ChunkCount, &sess.TotalSize, &sess.TotalSamples, &idsJSON, &sess.Owner, &heartbeat); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}

	sess.CreatedAt = time.Unix(0, createdAt)
	if heartbeat != 0 {
		sess.HeartbeatAt = time.Unix(0, heartbeat)
	}
	if err := json.Unmarshal([]byte(idsJSON), &sess.ChunkIDs); err != nil {
		return nil, fmt.Errorf("decode chunk ids of %s: %w", sess.ID, err)
	}
	if sess.ChunkIDs == nil {
		sess.ChunkIDs = []string{}
	}

	return &sess, nil
}
