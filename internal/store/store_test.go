package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

// newTestStore opens a file-backed store in a temp directory.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "test.sqlite"), time.Second)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// steppingClock returns a clock advancing by one second per call.
func steppingClock(start time.Time) func() time.Time {
	current := start
	return func() time.Time {
		current = current.Add(time.Second)
		return current
	}
}

func payload(i int) []byte {
	return []byte(fmt.Sprintf("chunk-%03d", i))
}

func TestCreateSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "Morning notes", 16000, 1)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}

	if got.Name != "Morning notes" {
		t.Errorf("Name = %q, want %q", got.Name, "Morning notes")
	}
	if got.SampleRate != 16000 || got.NumChannels != 1 {
		t.Errorf("format = %d/%d, want 16000/1", got.SampleRate, got.NumChannels)
	}
	if got.ChunkCount != 0 || got.TotalSize != 0 || len(got.ChunkIDs) != 0 {
		t.Errorf("new session counters not zero: %+v", got)
	}
	if !got.CreatedAt.Equal(sess.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, sess.CreatedAt)
	}
}

func TestCreateSessionUniqueIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		sess, err := s.CreateSession(ctx, "s", 8000, 1)
		if err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		if seen[sess.ID] {
			t.Fatalf("duplicate session id %s", sess.ID)
		}
		seen[sess.ID] = true
	}
}

func TestCreateSessionInvalidFormat(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateSession(ctx, "bad", 0, 1); err == nil {
		t.Error("expected error for zero sample rate")
	}
	if _, err := s.CreateSession(ctx, "bad", 16000, 0); err == nil {
		t.Error("expected error for zero channels")
	}
}

func TestAppendChunkCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "counters", 16000, 1)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	var wantSize int64
	for i := 0; i < 5; i++ {
		p := bytes.Repeat([]byte{byte(i)}, 100+i)
		if _, err := s.AppendChunk(ctx, sess.ID, p, 1000); err != nil {
			t.Fatalf("AppendChunk %d: %v", i, err)
		}
		wantSize += int64(len(p))

		got, err := s.GetSession(ctx, sess.ID)
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		if got.ChunkCount != len(got.ChunkIDs) {
			t.Errorf("after %d appends: chunk_count %d != len(chunk_ids) %d", i+1, got.ChunkCount, len(got.ChunkIDs))
		}
		if got.ChunkCount != i+1 {
			t.Errorf("chunk_count = %d, want %d", got.ChunkCount, i+1)
		}
		if got.TotalSize != wantSize {
			t.Errorf("total_size = %d, want %d", got.TotalSize, wantSize)
		}
		if got.TotalSamples != int64(1000*(i+1)) {
			t.Errorf("total_samples = %d, want %d", got.TotalSamples, 1000*(i+1))
		}
	}
}

func TestAppendChunkOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "order", 16000, 1)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	empty, err := s.GetChunks(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetChunks: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("got %d chunks for new session, want 0", len(empty))
	}

	const n = 12
	for i := 0; i < n; i++ {
		if _, err := s.AppendChunk(ctx, sess.ID, payload(i), 10); err != nil {
			t.Fatalf("AppendChunk %d: %v", i, err)
		}
	}

	chunks, err := s.GetChunks(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetChunks: %v", err)
	}
	if len(chunks) != n {
		t.Fatalf("got %d chunks, want %d", len(chunks), n)
	}

	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}

	for i, c := range chunks {
		if !bytes.Equal(c.Payload, payload(i)) {
			t.Errorf("chunks[%d] payload = %q, want %q", i, c.Payload, payload(i))
		}
		if c.Seq != i {
			t.Errorf("chunks[%d].Seq = %d", i, c.Seq)
		}
		if got.ChunkIDs[i] != c.ID {
			t.Errorf("chunk_ids[%d] = %s, query returned %s", i, got.ChunkIDs[i], c.ID)
		}
	}
}

func TestAppendChunkMissingSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	real, err := s.CreateSession(ctx, "real", 16000, 1)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := s.AppendChunk(ctx, real.ID, payload(0), 10); err != nil {
		t.Fatalf("AppendChunk: %v", err)
	}

	_, err = s.AppendChunk(ctx, "does-not-exist", payload(1), 10)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("AppendChunk to missing session: err = %v, want ErrSessionNotFound", err)
	}

	got, err := s.GetSession(ctx, real.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.ChunkCount != 1 || got.TotalSize != int64(len(payload(0))) {
		t.Errorf("real session counters changed: %+v", got)
	}
}

func TestAppendChunkRollsBackOnFailure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "atomic", 16000, 1)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := s.AppendChunk(ctx, sess.ID, payload(0), 10); err != nil {
		t.Fatalf("AppendChunk: %v", err)
	}

	// Fail the session update after the chunk insert has already run
	if _, err := s.db.Exec(`
		CREATE TRIGGER fail_counter_update BEFORE UPDATE ON sessions
		BEGIN
			SELECT RAISE(ABORT, 'simulated crash');
		END;
	`); err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	if _, err := s.AppendChunk(ctx, sess.ID, payload(1), 10); err == nil {
		t.Fatal("expected AppendChunk to fail")
	}

	if _, err := s.db.Exec(`DROP TRIGGER fail_counter_update`); err != nil {
		t.Fatalf("drop trigger: %v", err)
	}

	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.ChunkCount != 1 || len(got.ChunkIDs) != 1 {
		t.Errorf("counters advanced by a failed append: %+v", got)
	}

	chunks, err := s.GetChunks(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetChunks: %v", err)
	}
	if len(chunks) != 1 {
		t.Errorf("got %d chunk rows after rollback, want 1", len(chunks))
	}

	// The store stays usable and continues the sequence
	if _, err := s.AppendChunk(ctx, sess.ID, payload(2), 10); err != nil {
		t.Fatalf("AppendChunk after rollback: %v", err)
	}
	chunks, _ = s.GetChunks(ctx, sess.ID)
	if len(chunks) != 2 || chunks[1].Seq != 1 {
		t.Errorf("unexpected chunks after recovery: %d", len(chunks))
	}
}

func TestListRecoverable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	empty, err := s.CreateSession(ctx, "empty", 16000, 1)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	full, err := s.CreateSession(ctx, "full", 16000, 1)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	list, err := s.ListRecoverable(ctx)
	if err != nil {
		t.Fatalf("ListRecoverable: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("got %d recoverable sessions before any append, want 0", len(list))
	}

	if _, err := s.AppendChunk(ctx, full.ID, payload(0), 10); err != nil {
		t.Fatalf("AppendChunk: %v", err)
	}

	list, err = s.ListRecoverable(ctx)
	if err != nil {
		t.Fatalf("ListRecoverable: %v", err)
	}
	if len(list) != 1 || list[0].ID != full.ID {
		t.Fatalf("ListRecoverable = %v, want only %s", list, full.ID)
	}

	emptyList, err := s.ListEmpty(ctx)
	if err != nil {
		t.Fatalf("ListEmpty: %v", err)
	}
	if len(emptyList) != 1 || emptyList[0].ID != empty.ID {
		t.Errorf("ListEmpty = %v, want only %s", emptyList, empty.ID)
	}

	if err := s.DeleteSession(ctx, full.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	list, _ = s.ListRecoverable(ctx)
	if len(list) != 0 {
		t.Errorf("deleted session still listed")
	}
}

func TestDeleteSessionCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	keep, _ := s.CreateSession(ctx, "keep", 16000, 1)
	drop, _ := s.CreateSession(ctx, "drop", 16000, 1)
	for i := 0; i < 3; i++ {
		s.AppendChunk(ctx, keep.ID, payload(i), 10)
		s.AppendChunk(ctx, drop.ID, payload(i), 10)
	}

	if err := s.DeleteSession(ctx, drop.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}

	if _, err := s.GetSession(ctx, drop.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("GetSession after delete: err = %v, want ErrSessionNotFound", err)
	}

	var orphans int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM chunks WHERE session_id = ?`, drop.ID).Scan(&orphans); err != nil {
		t.Fatalf("count chunks: %v", err)
	}
	if orphans != 0 {
		t.Errorf("%d chunk rows survived session delete", orphans)
	}

	chunks, _ := s.GetChunks(ctx, keep.ID)
	if len(chunks) != 3 {
		t.Errorf("other session lost chunks: %d", len(chunks))
	}

	if err := s.DeleteSession(ctx, drop.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("second DeleteSession: err = %v, want ErrSessionNotFound", err)
	}
}

func TestEvictOlderThan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(steppingClock(start))

	var sessions []*Session
	for i := 0; i < 5; i++ {
		sess, err := s.CreateSession(ctx, fmt.Sprintf("s%d", i), 16000, 1)
		if err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		if _, err := s.AppendChunk(ctx, sess.ID, payload(i), 10); err != nil {
			t.Fatalf("AppendChunk: %v", err)
		}
		sessions = append(sessions, sess)
	}

	// Strictly-before semantics: the session created exactly at cutoff survives
	cutoff := sessions[2].CreatedAt
	evicted, err := s.EvictOlderThan(ctx, cutoff)
	if err != nil {
		t.Fatalf("EvictOlderThan: %v", err)
	}
	if evicted != 2 {
		t.Errorf("evicted = %d, want 2", evicted)
	}

	list, _ := s.ListRecoverable(ctx)
	if len(list) != 3 {
		t.Fatalf("got %d sessions, want 3", len(list))
	}
	for i, sess := range list {
		if sess.ID != sessions[i+2].ID {
			t.Errorf("list[%d] = %s, want %s", i, sess.Name, sessions[i+2].Name)
		}
	}
}

func TestEvictOverCount(t *testing.T) {
	tests := []struct {
		name     string
		sessions int
		max      int
		want     int
	}{
		{name: "under limit", sessions: 3, max: 5, want: 3},
		{name: "at limit", sessions: 4, max: 4, want: 4},
		{name: "over limit", sessions: 6, max: 2, want: 2},
		{name: "zero keeps none", sessions: 3, max: 0, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			ctx := context.Background()
			s.SetClock(steppingClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))

			var created []*Session
			for i := 0; i < tt.sessions; i++ {
				sess, _ := s.CreateSession(ctx, fmt.Sprintf("s%d", i), 16000, 1)
				s.AppendChunk(ctx, sess.ID, payload(i), 10)
				created = append(created, sess)
			}

			// A chunkless session never counts toward the limit
			s.CreateSession(ctx, "empty", 16000, 1)

			if _, err := s.EvictOverCount(ctx, tt.max); err != nil {
				t.Fatalf("EvictOverCount: %v", err)
			}

			list, _ := s.ListRecoverable(ctx)
			if len(list) != tt.want {
				t.Fatalf("kept %d sessions, want %d", len(list), tt.want)
			}

			// Survivors are the most recently created ones
			newest := created[len(created)-tt.want:]
			for i, sess := range list {
				if sess.ID != newest[i].ID {
					t.Errorf("kept %s, want %s", sess.Name, newest[i].Name)
				}
			}

			empties, _ := s.ListEmpty(ctx)
			if len(empties) != 1 {
				t.Errorf("empty session was evicted")
			}
		})
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.sqlite")
	ctx := context.Background()

	s, err := Open(path, time.Second)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	sess, _ := s.CreateSession(ctx, "persisted", 16000, 1)
	s.AppendChunk(ctx, sess.ID, payload(0), 16000)
	s.Close()

	reopened, err := Open(path, time.Second)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	list, err := reopened.ListRecoverable(ctx)
	if err != nil {
		t.Fatalf("ListRecoverable: %v", err)
	}
	if len(list) != 1 || list[0].ChunkCount != 1 {
		t.Fatalf("unexpected sessions after reopen: %+v", list)
	}
	if list[0].Duration() != time.Second {
		t.Errorf("Duration = %v, want 1s", list[0].Duration())
	}
}

func TestOpenMemory(t *testing.T) {
	s, err := Open(":memory:", 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	sess, err := s.CreateSession(ctx, "mem", 8000, 1)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := s.GetSession(ctx, sess.ID); err != nil {
		t.Fatalf("GetSession: %v", err)
	}
}

func TestLeaseAcrossHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.sqlite")
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

	open := func(at *time.Time) *Store {
		s, err := Open(path, time.Second)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		s.SetClock(func() time.Time { return *at })
		return s
	}

	clockA, clockB := base, base
	a := open(&clockA)
	b := open(&clockB)
	if a.Owner() == b.Owner() {
		t.Fatal("handles share an owner id")
	}

	sess, err := a.CreateSession(ctx, "live", 16000, 1)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := a.AppendChunk(ctx, sess.ID, payload(0), 10); err != nil {
		t.Fatalf("AppendChunk: %v", err)
	}

	seen, _ := b.GetSession(ctx, sess.ID)
	if b.IsLeased(seen) {
		t.Fatal("new session leased before any claim")
	}

	if err := a.ClaimLease(ctx, sess.ID); err != nil {
		t.Fatalf("ClaimLease: %v", err)
	}

	seen, _ = b.GetSession(ctx, sess.ID)
	if !b.IsLeased(seen) || seen.Owner != a.Owner() {
		t.Fatalf("lease not visible to the other handle: owner=%q", seen.Owner)
	}
	if err := b.ClaimLease(ctx, sess.ID); !errors.Is(err, ErrSessionLeased) {
		t.Errorf("ClaimLease by other handle = %v, want ErrSessionLeased", err)
	}

	// Leased sessions survive eviction from any handle
	if n, err := b.EvictOlderThan(ctx, base.Add(time.Hour)); err != nil || n != 0 {
		t.Errorf("EvictOlderThan = %d, %v; want 0", n, err)
	}
	if n, err := b.EvictOverCount(ctx, 0); err != nil || n != 0 {
		t.Errorf("EvictOverCount = %d, %v; want 0", n, err)
	}

	// Appends renew the holder's heartbeat
	clockA = base.Add(20 * time.Second)
	if _, err := a.AppendChunk(ctx, sess.ID, payload(1), 10); err != nil {
		t.Fatalf("AppendChunk: %v", err)
	}
	clockB = base.Add(40 * time.Second)
	seen, _ = b.GetSession(ctx, sess.ID)
	if !b.IsLeased(seen) {
		t.Error("lease expired although the holder appended a chunk")
	}

	// Releasing from the wrong handle does nothing
	if err := b.ReleaseLease(ctx, sess.ID); err != nil {
		t.Fatalf("ReleaseLease: %v", err)
	}
	seen, _ = b.GetSession(ctx, sess.ID)
	if seen.Owner != a.Owner() {
		t.Errorf("lease released by a non-holder")
	}

	// A holder that stops renewing loses the lease
	clockB = base.Add(20*time.Second + DefaultLeaseTTL)
	seen, _ = b.GetSession(ctx, sess.ID)
	if b.IsLeased(seen) {
		t.Error("stale lease still counted")
	}
	if err := b.ClaimLease(ctx, sess.ID); err != nil {
		t.Fatalf("taking over a stale lease: %v", err)
	}
	if err := a.ClaimLease(ctx, sess.ID); !errors.Is(err, ErrSessionLeased) {
		t.Errorf("former holder reclaimed a fresh lease: %v", err)
	}

	if err := b.ReleaseLease(ctx, sess.ID); err != nil {
		t.Fatalf("ReleaseLease: %v", err)
	}
	seen, _ = a.GetSession(ctx, sess.ID)
	if seen.Owner != "" || !seen.HeartbeatAt.IsZero() || a.IsLeased(seen) {
		t.Errorf("lease not cleared: owner=%q heartbeat=%v", seen.Owner, seen.HeartbeatAt)
	}
	if n, err := b.EvictOverCount(ctx, 0); err != nil || n != 1 {
		t.Errorf("EvictOverCount after release = %d, %v; want 1", n, err)
	}
}

func TestClaimLeaseMissingSession(t *testing.T) {
	s := newTestStore(t)

	if err := s.ClaimLease(context.Background(), "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("ClaimLease = %v, want ErrSessionNotFound", err)
	}
	if err := s.ReleaseLease(context.Background(), "missing"); err != nil {
		t.Errorf("ReleaseLease = %v, want nil", err)
	}
}

func TestOpenMigratesVersion1(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.sqlite")

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	_, err = db.Exec(`
		CREATE TABLE sessions (
			id            TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			created_at    INTEGER NOT NULL,
			sample_rate   INTEGER NOT NULL,
			num_channels  INTEGER NOT NULL,
			chunk_count   INTEGER NOT NULL DEFAULT 0,
			total_size    INTEGER NOT NULL DEFAULT 0,
			total_samples INTEGER NOT NULL DEFAULT 0,
			chunk_ids     TEXT NOT NULL DEFAULT '[]'
		);
		INSERT INTO sessions (id, name, created_at, sample_rate, num_channels, chunk_count, chunk_ids)
		VALUES ('old-session', 'Before leases', 1, 16000, 1, 0, '[]');
		PRAGMA user_version = 1;
	`)
	if err != nil {
		t.Fatalf("create version 1 schema: %v", err)
	}
	db.Close()

	s, err := Open(path, time.Second)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	got, err := s.GetSession(context.Background(), "old-session")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Name != "Before leases" || got.Owner != "" || s.IsLeased(got) {
		t.Errorf("migrated session = %+v", got)
	}
	if err := s.ClaimLease(context.Background(), "old-session"); err != nil {
		t.Errorf("ClaimLease on migrated session: %v", err)
	}

	var version int
	if err := s.db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		t.Fatal(err)
	}
	if version != schemaVersion {
		t.Errorf("user_version = %d, want %d", version, schemaVersion)
	}
}
