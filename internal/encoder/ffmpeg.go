package encoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// FFmpegEngine runs the ffmpeg binary against files in a private scratch
// directory.
type FFmpegEngine struct {
	binary  string
	logger  *slog.Logger
	baseDir string

	mu      sync.Mutex
	path    string // resolved binary path
	workDir string
}

// NewFFmpegEngine creates an engine for the given binary name or path.
// Scratch directories are created under baseDir, or the system temp
// directory when baseDir is empty.
func NewFFmpegEngine(binary, baseDir string, logger *slog.Logger) *FFmpegEngine {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &FFmpegEngine{
		binary:  binary,
		logger:  logger,
		baseDir: baseDir,
	}
}

// Init resolves the binary, checks that it runs and creates the scratch directory
func (e *FFmpegEngine) Init(ctx context.Context) error {
	path, err := exec.LookPath(e.binary)
	if err != nil {
		return fmt.Errorf("ffmpeg binary %q not found: %w", e.binary, err)
	}

	out, err := exec.CommandContext(ctx, path, "-hide_banner", "-version").Output()
	if err != nil {
		return fmt.Errorf("run %s -version: %w", path, err)
	}

	workDir, err := os.MkdirTemp(e.baseDir, "chunk-recorder-*")
	if err != nil {
		return fmt.Errorf("create scratch directory: %w", err)
	}

	// Closed while starting up
	if err := ctx.Err(); err != nil {
		os.RemoveAll(workDir)
		return err
	}

	e.mu.Lock()
	e.path = path
	e.workDir = workDir
	e.mu.Unlock()

	version, _, _ := strings.Cut(string(out), "\n")
	e.logger.Info("FFmpeg engine ready",
		slog.String("binary", path),
		slog.String("version", strings.TrimSpace(version)),
		slog.String("work_dir", workDir))

	return nil
}

func (e *FFmpegEngine) dir() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.workDir == "" {
		return "", errors.New("ffmpeg engine not initialized")
	}
	return e.workDir, nil
}

// resolve maps a temp name into the scratch directory, rejecting names that
// would escape it
func (e *FFmpegEngine) resolve(name string) (string, error) {
	dir, err := e.dir()
	if err != nil {
		return "", err
	}
	if name == "" || name == "." || name == ".." || name != filepath.Base(name) {
		return "", fmt.Errorf("invalid temp name %q", name)
	}
	return filepath.Join(dir, name), nil
}

// WriteTemp writes data to a named scratch file
func (e *FFmpegEngine) WriteTemp(name string, data []byte) error {
	path, err := e.resolve(name)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// ReadTemp reads a named scratch file
func (e *FFmpegEngine) ReadTemp(name string) ([]byte, error) {
	path, err := e.resolve(name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// DeleteTemp removes a named scratch file. Removing a missing file is not an error.
func (e *FFmpegEngine) DeleteTemp(name string) error {
	path, err := e.resolve(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Run executes ffmpeg with args inside the scratch directory
func (e *FFmpegEngine) Run(ctx context.Context, args []string) error {
	dir, err := e.dir()
	if err != nil {
		return err
	}

	e.mu.Lock()
	path := e.path
	e.mu.Unlock()

	full := append([]string{"-hide_banner", "-loglevel", "error", "-nostdin"}, args...)
	cmd := exec.CommandContext(ctx, path, full...)
	cmd.Dir = dir

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("ffmpeg interrupted: %w", ctx.Err())
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return fmt.Errorf("ffmpeg failed: %w", err)
		}
		return fmt.Errorf("ffmpeg failed: %w: %s", err, msg)
	}

	return nil
}

// Close removes the scratch directory
func (e *FFmpegEngine) Close() error {
	e.mu.Lock()
	dir := e.workDir
	e.workDir = ""
	e.mu.Unlock()

	if dir == "" {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove scratch directory: %w", err)
	}
	return nil
}
