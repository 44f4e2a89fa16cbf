// Package storage manages the temporary backing files of in-progress upload
// sessions and their atomic promotion to final target paths.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// Spool owns the directory holding one backing file per open session. The
// directory must be on the same filesystem volume as the upload targets so
// Promote can use an atomic rename; a cross-device spool would make the
// promotion a non-atomic copy, which this implementation refuses to do.
type Spool struct {
	dir string
}

// NewSpool creates the spool directory if needed and returns the store.
func NewSpool(dir string) (*Spool, error) {
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Error().Err(err).Str("dir", dir).Msg("failed to create spool directory")
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}

	log.Info().Str("dir", dir).Msg("spool storage initialized")
	return &Spool{dir: dir}, nil
}

// Dir returns the cleaned spool directory path.
func (s *Spool) Dir() string {
	return s.dir
}

// Create opens a fresh backing file for the given session id. The file is
// exclusively owned by that session until it is promoted or discarded.
func (s *Spool) Create(sessionID string) (*os.File, error) {
	path := filepath.Join(s.dir, strings.Trim(sessionID, "{}")+".part")

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to create backing file")
		return nil, fmt.Errorf("failed to create backing file: %w", err)
	}
	return f, nil
}

// Promote flushes a fully written backing file and atomically renames it to
// the target path, replacing any existing file there. On failure the backing
// file is removed so a partial upload never survives as spool debris, let
// alone as the target.
func (s *Spool) Promote(f *os.File, target string) error {
	tempPath := f.Name()

	if err := f.Sync(); err != nil {
		f.Close()
		s.removeTemp(tempPath)
		return fmt.Errorf("failed to sync backing file: %w", err)
	}
	if err := f.Close(); err != nil {
		s.removeTemp(tempPath)
		return fmt.Errorf("failed to close backing file: %w", err)
	}
	if err := os.Rename(tempPath, target); err != nil {
		log.Error().Err(err).Str("temp_path", tempPath).Str("target", target).
			Msg("failed to move backing file to target")
		s.removeTemp(tempPath)
		return fmt.Errorf("failed to move backing file to target: %w", err)
	}

	log.Info().Str("target", target).Msg("upload promoted to target path")
	return nil
}

// Discard closes and deletes a backing file. Deleting an already removed
// file is not an error.
func (s *Spool) Discard(f *os.File) error {
	tempPath := f.Name()
	f.Close()

	if err := os.Remove(tempPath); err != nil && !os.IsNotExist(err) {
		log.Error().Err(err).Str("path", tempPath).Msg("failed to remove backing file")
		return fmt.Errorf("failed to remove backing file: %w", err)
	}
	return nil
}

func (s *Spool) removeTemp(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", path).Msg("failed to clean up backing file")
	}
}
