package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/skypro1111/chunk-recorder/internal/encoder"
	"github.com/skypro1111/chunk-recorder/internal/store"
)

// SessionStore is the subset of the session store the recorder uses
type SessionStore interface {
	CreateSession(ctx context.Context, name string, sampleRate, numChannels int) (*store.Session, error)
	AppendChunk(ctx context.Context, sessionID string, payload []byte, samples int) (*store.Chunk, error)
	GetSession(ctx context.Context, sessionID string) (*store.Session, error)
	GetChunks(ctx context.Context, sessionID string) ([]store.Chunk, error)
	DeleteSession(ctx context.Context, sessionID string) error
	ClaimLease(ctx context.Context, sessionID string) error
	ReleaseLease(ctx context.Context, sessionID string) error
	LeaseTTL() time.Duration
}

// Encoder converts sample batches into chunks and chunks into a final file
type Encoder interface {
	Encode(ctx context.Context, samples []float32, sampleRate, channels int) ([]byte, error)
	Concatenate(ctx context.Context, chunks [][]byte) ([]byte, error)
	Format() string
	Close() error
}

// Result is a finalized recording
type Result struct {
	SessionID string        `json:"session_id"`
	Name      string        `json:"name"`
	Chunks    int           `json:"chunks"`
	Duration  time.Duration `json:"duration"`
	Size      int           `json:"size"`
	MIMEType  string        `json:"mime_type"`
	Path      string        `json:"path,omitempty"`
	URL       string        `json:"url,omitempty"`
	Audio     []byte        `json:"-"`
}

// Finalize concatenates a session's chunks into one file, writes it to
// outputDir when set, and deletes the session. The session is left in the
// store whenever no final file could be produced. A session without chunks
// is deleted and ErrNoAudio returned.
func Finalize(ctx context.Context, st SessionStore, enc Encoder, sessionID, outputDir string, logger *slog.Logger) (*Result, error) {
	sess, err := st.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	chunks, err := st.GetChunks(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}

	if len(chunks) == 0 {
		if err := st.DeleteSession(ctx, sessionID); err != nil && !errors.Is(err, store.ErrSessionNotFound) {
			logger.Warn("Failed to delete empty session",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()))
		}
		return nil, ErrNoAudio
	}

	payloads := make([][]byte, len(chunks))
	for i, c := range chunks {
		payloads[i] = c.Payload
	}

	data, err := enc.Concatenate(ctx, payloads)
	if err != nil {
		return nil, fmt.Errorf("build final file: %w", err)
	}

	result := &Result{
		SessionID: sess.ID,
		Name:      sess.Name,
		Chunks:    len(chunks),
		Duration:  sess.Duration(),
		Size:      len(data),
		MIMEType:  encoder.MIMEType(enc.Format()),
		Audio:     data,
	}

	if outputDir != "" {
		path, err := writeOutput(outputDir, sess.Name, enc.Format(), data)
		if err != nil {
			return nil, err
		}
		result.Path = path
		result.URL = (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String()
	}

	// The file exists at this point; a failed delete only leaves a
	// duplicate that housekeeping will evict.
	if err := st.DeleteSession(ctx, sessionID); err != nil && !errors.Is(err, store.ErrSessionNotFound) {
		logger.Warn("Failed to delete finalized session",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
	}

	logger.Info("Recording finalized",
		slog.String("session_id", sess.ID),
		slog.String("name", sess.Name),
		slog.Int("chunks", len(chunks)),
		slog.Duration("duration", result.Duration),
		slog.Int("size", len(data)),
		slog.String("path", result.Path))

	return result, nil
}

// writeOutput writes data as <name>.<format> inside dir without replacing
// an existing file.
func writeOutput(dir, name, format string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}

	base := sanitizeName(name)
	for i := 0; ; i++ {
		filename := base + "." + format
		if i > 0 {
			filename = fmt.Sprintf("%s (%d).%s", base, i, format)
		}
		path := filepath.Join(dir, filename)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create output file: %w", err)
		}

		if _, err := f.Write(data); err != nil {
			f.Close()
			os.Remove(path)
			return "", fmt.Errorf("write output file: %w", err)
		}
		if err := f.Close(); err != nil {
			os.Remove(path)
			return "", fmt.Errorf("close output file: %w", err)
		}

		abs, err := filepath.Abs(path)
		if err != nil {
			return path, nil
		}
		return abs, nil
	}
}

func sanitizeName(name string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '-'
		}
		if r < 0x20 {
			return -1
		}
		return r
	}, strings.TrimSpace(name))

	if cleaned == "" || cleaned == "." || cleaned == ".." {
		return "recording"
	}
	return cleaned
}
