// Package transcript writes finished interview transcripts to disk.
package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/hiring-assistant/internal/domain"
)

const (
	filePrefix = "candidate_"
	fileSuffix = ".json"

	// timestampLayout matches %Y%m%d_%H%M%S.
	timestampLayout = "20060102_150405"

	maxCreateAttempts = 5
)

// Submission describes a saved transcript file.
type Submission struct {
	Name    string
	Path    string
	Size    int64
	ModTime time.Time
}

// FileStore persists transcripts as indented JSON files in a directory.
type FileStore struct {
	dir    string
	now    func() time.Time
	logger *slog.Logger
}

// NewFileStore creates a store rooted at dir. The directory is created on
// first write.
func NewFileStore(dir string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{
		dir:    dir,
		now:    time.Now,
		logger: logger,
	}
}

// Dir returns the output directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// Persist writes turns as a JSON array and returns the file path. An existing
// file is never overwritten.
func (s *FileStore) Persist(ctx context.Context, turns []domain.Turn) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if turns == nil {
		turns = []domain.Turn{}
	}
	data, err := json.MarshalIndent(turns, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal transcript: %w", err)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create submissions directory: %w", err)
	}

	tmp, err := writeTemp(s.dir, data)
	if err != nil {
		return "", err
	}
	defer func() {
		if removeErr := os.Remove(tmp); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
			s.logger.Warn("failed to remove temp transcript", "path", tmp, "error", removeErr)
		}
	}()

	stamp := s.now().Format(timestampLayout)
	for range maxCreateAttempts {
		path := filepath.Join(s.dir, fileName(stamp))
		// Link fails with ErrExist instead of replacing the target.
		err := os.Link(tmp, path)
		if err == nil {
			s.logger.Info("transcript saved", "path", path, "turns", len(turns))
			return path, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("publish transcript: %w", err)
		}
	}
	return "", fmt.Errorf("publish transcript: no free file name after %d attempts", maxCreateAttempts)
}

// Load reads a transcript written by Persist.
func (s *FileStore) Load(path string) ([]domain.Turn, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	var turns []domain.Turn
	if err := json.Unmarshal(data, &turns); err != nil {
		return nil, fmt.Errorf("parse transcript %s: %w", filepath.Base(path), err)
	}
	return turns, nil
}

// List returns saved transcripts, newest first. A missing directory yields an
// empty list.
func (s *FileStore) List() ([]Submission, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read submissions directory: %w", err)
	}

	var subs []Submission
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		subs = append(subs, Submission{
			Name:    name,
			Path:    filepath.Join(s.dir, name),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	sort.Slice(subs, func(i, j int) bool {
		if subs[i].ModTime.Equal(subs[j].ModTime) {
			return subs[i].Name > subs[j].Name
		}
		return subs[i].ModTime.After(subs[j].ModTime)
	})
	return subs, nil
}

func fileName(stamp string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return filePrefix + stamp + "_" + suffix + fileSuffix
}

func writeTemp(dir string, data []byte) (string, error) {
	f, err := os.CreateTemp(dir, ".tmp-candidate-")
	if err != nil {
		return "", fmt.Errorf("create temp transcript: %w", err)
	}
	path := f.Name()

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("write transcript: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("sync transcript: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("close transcript: %w", err)
	}
	if err := os.Chmod(path, 0o644); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("chmod transcript: %w", err)
	}
	return path, nil
}
