// Package library implements the user facing video flows on top of the download core
package library

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"downtube/internal/database"
	"downtube/internal/downloader"
	"downtube/internal/registry"
	"downtube/internal/resolver"
	"downtube/pkg/models"
)

// MinURLLength is the length a submitted URL must exceed
const MinURLLength = 10

var (
	// ErrInvalidURL is returned for input that cannot be a video URL
	ErrInvalidURL = errors.New("url too short to be valid")
	// ErrAlreadyDownloaded is returned when the video already has a record
	ErrAlreadyDownloaded = errors.New("video already downloaded")
	// ErrNoLocalFile is returned when a video has not been stored locally
	ErrNoLocalFile = errors.New("video has no local file")
)

// ResolutionError reports that a source URL could not be turned into a stream
type ResolutionError struct {
	SourceURL string
	Err       error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("couldn't get video %s: %v", e.SourceURL, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// Repository is the durable video store
type Repository interface {
	CreateVideo(video *models.Video) error
	GetVideo(id int64) (*models.Video, error)
	GetVideoBySourceURL(sourceURL string) (*models.Video, error)
	GetVideoByStreamURL(streamURL string) (*models.Video, error)
	UpdateVideo(video *models.Video) error
	DeleteVideo(id int64) error
	ListVideos() ([]*models.Video, error)
	ListUnresolvedVideos() ([]*models.Video, error)
}

// Downloads is the orchestration layer
type Downloads interface {
	StartDownload(video *models.Video) error
	PauseDownload(video *models.Video) error
	ResumeDownload(video *models.Video) error
	CancelDownload(video *models.Video) bool
	Snapshot(streamURL string) (registry.ActiveDownload, bool)
}

// Files is the permanent local file namespace
type Files interface {
	PathFor(streamURL string) (string, bool)
	Exists(streamURL string) bool
	Remove(streamURL string) error
}

// Row is a video together with its transfer and storage state
type Row struct {
	Index      int
	Video      *models.Video
	Download   *registry.ActiveDownload
	Downloaded bool
}

// State summarises the row for display
func (r Row) State() string {
	switch {
	case r.Download != nil && r.Download.Status == registry.StatusPaused:
		return "paused"
	case r.Download != nil:
		return "downloading"
	case r.Downloaded:
		return "downloaded"
	case !r.Video.HasStream():
		return "resolving"
	default:
		return "missing"
	}
}

// Service runs submissions one at a time
type Service struct {
	repo      Repository
	resolver  resolver.Resolver
	downloads Downloads
	files     Files
	logger    *slog.Logger

	mu sync.Mutex
}

// NewService creates a library service
func NewService(repo Repository, res resolver.Resolver, downloads Downloads, files Files) *Service {
	return &Service{
		repo:      repo,
		resolver:  res,
		downloads: downloads,
		files:     files,
		logger:    slog.Default(),
	}
}

// ValidateURL rejects input before any network or storage work
func ValidateURL(raw string) error {
	if len(raw) <= MinURLLength {
		return ErrInvalidURL
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	return nil
}

// Submit resolves a source URL, records it and starts downloading its stream
func (s *Service) Submit(ctx context.Context, sourceURL string) (*models.Video, error) {
	sourceURL = strings.TrimSpace(sourceURL)
	if err := ValidateURL(sourceURL); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	placeholder, err := s.repo.GetVideoBySourceURL(sourceURL)
	switch {
	case err == nil && placeholder.HasStream():
		if _, active := s.downloads.Snapshot(placeholder.StreamURL); active {
			return placeholder, downloader.ErrAlreadyDownloading
		}
		return placeholder, ErrAlreadyDownloaded
	case err == nil:
		// Left behind by an earlier failed attempt; reuse it
	case errors.Is(err, database.ErrVideoNotFound):
		placeholder = &models.Video{SourceURL: sourceURL, WatchProgress: models.Unwatched()}
		if err := s.repo.CreateVideo(placeholder); err != nil {
			if errors.Is(err, database.ErrDuplicateVideo) {
				return nil, ErrAlreadyDownloaded
			}
			return nil, fmt.Errorf("failed to save video: %w", err)
		}
	default:
		return nil, fmt.Errorf("failed to look up video: %w", err)
	}

	s.logger.Info("Resolving video", "source_url", sourceURL)
	resolution, err := s.resolver.Resolve(ctx, sourceURL)
	if err != nil {
		s.logger.Warn("Failed to resolve video", "source_url", sourceURL, "error", err)
		s.pruneLocked()
		return nil, &ResolutionError{SourceURL: sourceURL, Err: err}
	}

	if existing, err := s.repo.GetVideoByStreamURL(resolution.StreamURL); err == nil && existing.ID != placeholder.ID {
		s.deletePlaceholder(placeholder)
		if _, active := s.downloads.Snapshot(resolution.StreamURL); active {
			return existing, downloader.ErrAlreadyDownloading
		}
		return existing, ErrAlreadyDownloaded
	}

	placeholder.StreamURL = resolution.StreamURL
	placeholder.Title = resolution.Title
	if err := s.repo.UpdateVideo(placeholder); err != nil {
		s.deletePlaceholder(placeholder)
		if errors.Is(err, database.ErrDuplicateVideo) {
			return nil, ErrAlreadyDownloaded
		}
		return nil, fmt.Errorf("failed to save video: %w", err)
	}

	if err := s.downloads.StartDownload(placeholder); err != nil {
		return placeholder, err
	}

	s.logger.Info("Video queued", "video_id", placeholder.ID, "title", placeholder.Title, "quality", resolution.Quality)
	return placeholder, nil
}

// Stream resolves a source URL for remote playback without storing anything
func (s *Service) Stream(ctx context.Context, sourceURL string) (*resolver.Resolution, error) {
	sourceURL = strings.TrimSpace(sourceURL)
	if err := ValidateURL(sourceURL); err != nil {
		return nil, err
	}

	resolution, err := s.resolver.Resolve(ctx, sourceURL)
	if err != nil {
		s.mu.Lock()
		s.pruneLocked()
		s.mu.Unlock()
		return nil, &ResolutionError{SourceURL: sourceURL, Err: err}
	}
	return resolution, nil
}

// Download starts a fresh transfer for a recorded video whose file is missing
func (s *Service) Download(id int64) error {
	video, err := s.repo.GetVideo(id)
	if err != nil {
		return err
	}
	if !video.HasStream() {
		return downloader.ErrNoStreamURL
	}
	if s.files.Exists(video.StreamURL) {
		return ErrAlreadyDownloaded
	}
	return s.downloads.StartDownload(video)
}

// Pause suspends a video's transfer
func (s *Service) Pause(id int64) error {
	video, err := s.repo.GetVideo(id)
	if err != nil {
		return err
	}
	return s.downloads.PauseDownload(video)
}

// Resume continues a video's paused transfer
func (s *Service) Resume(id int64) error {
	video, err := s.repo.GetVideo(id)
	if err != nil {
		return err
	}
	return s.downloads.ResumeDownload(video)
}

// Delete cancels any transfer, removes the local file and deletes the record
func (s *Service) Delete(id int64) error {
	video, err := s.repo.GetVideo(id)
	if err != nil {
		return err
	}

	s.downloads.CancelDownload(video)

	if err := s.files.Remove(video.StreamURL); err != nil {
		s.logger.Warn("Failed to delete video file", "video_id", id, "error", err)
	}

	if err := s.repo.DeleteVideo(id); err != nil {
		return fmt.Errorf("failed to delete video: %w", err)
	}

	s.logger.Info("Video deleted", "video_id", id, "source_url", video.SourceURL)
	return nil
}

// PruneUnresolved deletes every record that never got a stream URL
func (s *Service) PruneUnresolved() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneLocked()
}

func (s *Service) pruneLocked() (int, error) {
	videos, err := s.repo.ListUnresolvedVideos()
	if err != nil {
		s.logger.Error("Failed to list unresolved videos", "error", err)
		return 0, fmt.Errorf("failed to list unresolved videos: %w", err)
	}

	removed := 0
	for _, video := range videos {
		s.downloads.CancelDownload(video)
		if err := s.repo.DeleteVideo(video.ID); err != nil && !errors.Is(err, database.ErrVideoNotFound) {
			s.logger.Error("Failed to prune unresolved video", "video_id", video.ID, "error", err)
			continue
		}
		removed++
	}

	if removed > 0 {
		s.logger.Info("Pruned unresolved videos", "count", removed)
	}
	return removed, nil
}

func (s *Service) deletePlaceholder(video *models.Video) {
	if err := s.repo.DeleteVideo(video.ID); err != nil && !errors.Is(err, database.ErrVideoNotFound) {
		s.logger.Error("Failed to delete placeholder video", "video_id", video.ID, "error", err)
	}
}

// LocalFile returns the stored file of a video for playback or sharing
func (s *Service) LocalFile(id int64) (string, *models.Video, error) {
	video, err := s.repo.GetVideo(id)
	if err != nil {
		return "", nil, err
	}
	path, ok := s.files.PathFor(video.StreamURL)
	if !ok || !s.files.Exists(video.StreamURL) {
		return "", video, ErrNoLocalFile
	}
	return path, video, nil
}

// Rows returns every video in list order with its download state
func (s *Service) Rows() ([]Row, error) {
	videos, err := s.repo.ListVideos()
	if err != nil {
		return nil, fmt.Errorf("failed to list videos: %w", err)
	}

	rows := make([]Row, 0, len(videos))
	for i, video := range videos {
		rows = append(rows, s.row(i, video))
	}
	return rows, nil
}

// Row returns a single video's row; Index is -1 since only the list knows positions
func (s *Service) Row(id int64) (Row, error) {
	video, err := s.repo.GetVideo(id)
	if err != nil {
		return Row{}, err
	}
	return s.row(-1, video), nil
}

func (s *Service) row(index int, video *models.Video) Row {
	row := Row{Index: index, Video: video}
	if video.HasStream() {
		if entry, ok := s.downloads.Snapshot(video.StreamURL); ok {
			row.Download = &entry
		}
		row.Downloaded = row.Download == nil && s.files.Exists(video.StreamURL)
	}
	return row
}
