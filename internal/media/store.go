// Package media manages the permanent local files of downloaded videos
package media

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Extension is appended to every stored video
const Extension = ".mp4"

// ContentIDLength is the length of the upstream content identifier embedded in stream URLs
const ContentIDLength = 17

// ErrNoContentID is returned when a stream URL carries no usable content identifier
var ErrNoContentID = errors.New("stream url has no content identifier")

// Store maps stream URLs to files under a base directory
type Store struct {
	basePath string
	logger   *slog.Logger
}

// NewStore creates the base directory if needed
func NewStore(basePath string) (*Store, error) {
	absPath, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve media path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create media directory: %w", err)
	}
	return &Store{basePath: absPath, logger: slog.Default()}, nil
}

// BasePath returns the absolute media directory
func (s *Store) BasePath() string {
	return s.basePath
}

// ContentID extracts the identifier from the id query parameter of a stream URL
func ContentID(streamURL string) (string, bool) {
	u, err := url.Parse(streamURL)
	if err != nil {
		return "", false
	}
	id := u.Query().Get("id")
	if len(id) != ContentIDLength {
		return "", false
	}
	for _, r := range id {
		if !isIDRune(r) {
			return "", false
		}
	}
	return id, true
}

func isIDRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_'
}

// PathFor returns the permanent path of a stream URL's file
func (s *Store) PathFor(streamURL string) (string, bool) {
	id, ok := ContentID(streamURL)
	if !ok {
		return "", false
	}
	return filepath.Join(s.basePath, id+Extension), true
}

// Exists reports whether the file for streamURL is present
func (s *Store) Exists(streamURL string) bool {
	path, ok := s.PathFor(streamURL)
	if !ok {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Size returns the stored file size in bytes, or 0 if it can't be determined
func (s *Store) Size(streamURL string) int64 {
	path, ok := s.PathFor(streamURL)
	if !ok {
		return 0
	}
	if stat, err := os.Stat(path); err == nil {
		return stat.Size()
	}
	return 0
}

// Remove deletes the file for streamURL. A missing file counts as removed.
func (s *Store) Remove(streamURL string) error {
	path, ok := s.PathFor(streamURL)
	if !ok {
		return nil
	}
	return s.removeFile(path)
}

// Install moves a completed temporary file into place, replacing any existing file
func (s *Store) Install(tempPath, streamURL string) (string, error) {
	dest, ok := s.PathFor(streamURL)
	if !ok {
		return "", ErrNoContentID
	}
	if !s.isPathSafe(dest) {
		return "", fmt.Errorf("unsafe destination path: %s", dest)
	}

	if err := s.removeFile(dest); err != nil {
		return "", fmt.Errorf("failed to replace existing file: %w", err)
	}

	if err := os.Rename(tempPath, dest); err != nil {
		// Temp and media directories may sit on different filesystems
		s.logger.Debug("Rename failed, copying instead", "temp_path", tempPath, "dest", dest, "error", err)
		if err := copyFile(tempPath, dest); err != nil {
			_ = os.Remove(dest)
			return "", fmt.Errorf("failed to install file: %w", err)
		}
		if err := os.Remove(tempPath); err != nil {
			s.logger.Warn("Failed to remove temp file after copy", "temp_path", tempPath, "error", err)
		}
	}

	s.logger.Info("Installed video file", "stream_url", streamURL, "path", dest)
	return dest, nil
}

// SweepTemp removes leftover partial files from dir and returns how many were removed
func (s *Store) SweepTemp(dir, suffix string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read temp directory: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), suffix) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil {
			s.logger.Warn("Failed to remove stale partial file", "path", path, "error", err)
			continue
		}
		removed++
	}

	if removed > 0 {
		s.logger.Info("Removed stale partial files", "directory", dir, "count", removed)
	}
	return removed, nil
}

// isPathSafe checks if a path is directly inside the base directory
func (s *Store) isPathSafe(path string) bool {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	return filepath.Dir(absPath) == s.basePath
}

func (s *Store) removeFile(path string) error {
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.logger.Debug("File already absent", "path", path)
			return nil
		}
		return err
	}
	s.logger.Info("Deleted video file", "path", path)
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
