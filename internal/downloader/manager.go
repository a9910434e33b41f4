// Package downloader coordinates transfers, the registry and durable state
package downloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"downtube/internal/engine"
	"downtube/internal/registry"
	"downtube/pkg/models"
)

var (
	// ErrAlreadyDownloading is returned when the stream URL already has a transfer
	ErrAlreadyDownloading = errors.New("video is already downloading")
	// ErrNotRunning is returned when pausing something that is not transferring
	ErrNotRunning = errors.New("download is not running")
	// ErrNotPaused is returned when resuming something that is not paused
	ErrNotPaused = errors.New("download is not paused")
	// ErrNoStreamURL is returned for videos that were never resolved
	ErrNoStreamURL = errors.New("video has no stream url")
)

// RowUpdate tells the presentation layer that a row's download state changed
type RowUpdate struct {
	// Index is the row position at the time of the update, -1 when not listed
	Index     int
	StreamURL string
	// Download is nil once the transfer has ended
	Download  *registry.ActiveDownload
	Completed bool
	Err       error
}

// Manager serialises every command and engine event on one mutex
type Manager struct {
	engine    Engine
	registry  *registry.Registry
	positions Positions
	installer Installer
	notifier  Notifier
	logger    *slog.Logger

	mu sync.Mutex
}

// NewManager creates a download manager
func NewManager(eng Engine, reg *registry.Registry, positions Positions, installer Installer) *Manager {
	return &Manager{
		engine:    eng,
		registry:  reg,
		positions: positions,
		installer: installer,
		logger:    slog.Default(),
	}
}

// SetNotifier installs the receiver of row updates
func (m *Manager) SetNotifier(n Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifier = n
}

// StartDownload begins transferring a video's stream and returns immediately
func (m *Manager) StartDownload(video *models.Video) error {
	if !video.HasStream() {
		return ErrNoStreamURL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.registry.LookupByURL(video.StreamURL); exists {
		return ErrAlreadyDownloading
	}

	handle, err := m.engine.Start(video.StreamURL)
	if err != nil {
		return fmt.Errorf("failed to start download: %w", err)
	}

	entry, err := m.registry.Register(video.StreamURL, handle)
	if err != nil {
		m.engine.Cancel(handle)
		return fmt.Errorf("failed to register download: %w", err)
	}

	m.logger.Info("Download started", "video_id", video.ID, "stream_url", video.StreamURL, "handle", handle)
	m.notify(video.StreamURL, &entry, false, nil)
	return nil
}

// PauseDownload suspends a running transfer and keeps its resume state
func (m *Manager) PauseDownload(video *models.Video) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.registry.LookupByURL(video.StreamURL)
	if !ok || entry.Status != registry.StatusRunning {
		return ErrNotRunning
	}

	state, err := m.engine.Pause(entry.Handle)
	if err != nil {
		if errors.Is(err, engine.ErrUnknownHandle) {
			// Finished between lookup and pause; its final event is still queued
			return ErrNotRunning
		}
		return fmt.Errorf("failed to pause download: %w", err)
	}

	paused, err := m.registry.MarkPaused(video.StreamURL, state)
	if err != nil {
		return fmt.Errorf("failed to mark download paused: %w", err)
	}

	m.logger.Info("Download paused", "video_id", video.ID, "stream_url", video.StreamURL, "offset", state.Offset)
	m.notify(video.StreamURL, &paused, false, nil)
	return nil
}

// ResumeDownload restarts a paused transfer from its resume state
func (m *Manager) ResumeDownload(video *models.Video) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.registry.LookupByURL(video.StreamURL)
	if !ok || entry.Status != registry.StatusPaused || entry.ResumeState == nil {
		return ErrNotPaused
	}

	handle, err := m.engine.ResumeFrom(*entry.ResumeState)
	if err != nil {
		return fmt.Errorf("failed to resume download: %w", err)
	}

	running, err := m.registry.MarkRunning(video.StreamURL, handle)
	if err != nil {
		m.engine.Cancel(handle)
		return fmt.Errorf("failed to mark download running: %w", err)
	}

	m.logger.Info("Download resumed", "video_id", video.ID, "stream_url", video.StreamURL, "handle", handle)
	m.notify(video.StreamURL, &running, false, nil)
	return nil
}

// CancelDownload aborts any transfer for the video. It reports whether one existed.
func (m *Manager) CancelDownload(video *models.Video) bool {
	if !video.HasStream() {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.registry.Remove(video.StreamURL)
	if !ok {
		return false
	}

	switch {
	case entry.Status == registry.StatusRunning:
		m.engine.Cancel(entry.Handle)
	case entry.ResumeState != nil:
		if err := m.engine.Discard(*entry.ResumeState); err != nil {
			m.logger.Warn("Failed to discard paused download", "stream_url", video.StreamURL, "error", err)
		}
	}

	m.logger.Info("Download cancelled", "video_id", video.ID, "stream_url", video.StreamURL)
	m.notify(video.StreamURL, nil, false, nil)
	return true
}

// Snapshot returns the active download for a stream URL
func (m *Manager) Snapshot(streamURL string) (registry.ActiveDownload, bool) {
	return m.registry.LookupByURL(streamURL)
}

// ActiveDownloads returns every in-flight or paused transfer
func (m *Manager) ActiveDownloads() []registry.ActiveDownload {
	return m.registry.List()
}

// IndexForHandle resolves the row that currently shows a transfer
func (m *Manager) IndexForHandle(handle engine.Handle) (int, bool) {
	entry, ok := m.registry.LookupByHandle(handle)
	if !ok {
		return -1, false
	}
	index, err := m.positions.IndexOfStreamURL(entry.StreamURL)
	if err != nil || index < 0 {
		return -1, false
	}
	return index, true
}

// Run applies engine events until ctx is done or the engine closes its channel
func (m *Manager) Run(ctx context.Context) error {
	events := m.engine.Events()
	m.logger.Info("Download manager started")

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Download manager shutting down")
			return nil
		case ev, ok := <-events:
			if !ok {
				m.logger.Info("Engine closed, download manager stopping")
				return nil
			}
			m.HandleEvent(ev)
		}
	}
}

// HandleEvent applies one engine event. Events whose handle is no longer current are dropped.
func (m *Manager) HandleEvent(ev engine.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev.Kind {
	case engine.EventProgress:
		entry, ok := m.registry.UpdateProgress(ev.Handle, ev.BytesWritten, ev.BytesExpected, ev.BytesPerSecond)
		if !ok {
			m.logger.Debug("Dropping stale progress event", "handle", ev.Handle)
			return
		}
		m.notify(entry.StreamURL, &entry, false, nil)

	case engine.EventCompleted:
		entry, ok := m.registry.LookupByHandle(ev.Handle)
		if !ok {
			m.logger.Debug("Dropping stale completion event", "handle", ev.Handle)
			if current, ok := m.registry.LookupByURL(ev.URL); ok && current.ResumeState != nil && current.ResumeState.TempPath == ev.TempPath {
				// Still the partial data of the paused entry
				return
			}
			if err := m.engine.Discard(engine.ResumeState{URL: ev.URL, TempPath: ev.TempPath}); err != nil {
				m.logger.Warn("Failed to discard stale download", "temp_path", ev.TempPath, "error", err)
			}
			return
		}
		m.registry.Remove(entry.StreamURL)

		path, err := m.installer.Install(ev.TempPath, entry.StreamURL)
		if err != nil {
			m.logger.Error("Failed to install completed download", "stream_url", entry.StreamURL, "temp_path", ev.TempPath, "error", err)
			if discardErr := m.engine.Discard(engine.ResumeState{URL: ev.URL, TempPath: ev.TempPath}); discardErr != nil {
				m.logger.Warn("Failed to discard download", "temp_path", ev.TempPath, "error", discardErr)
			}
			m.notify(entry.StreamURL, nil, false, fmt.Errorf("failed to save download: %w", err))
			return
		}

		m.logger.Info("Download completed", "stream_url", entry.StreamURL, "path", path, "bytes", ev.BytesWritten)
		m.notify(entry.StreamURL, nil, true, nil)

	case engine.EventFailed:
		entry, ok := m.registry.LookupByHandle(ev.Handle)
		if !ok {
			m.logger.Debug("Dropping stale failure event", "handle", ev.Handle)
			return
		}
		m.registry.Remove(entry.StreamURL)

		m.logger.Warn("Download failed", "stream_url", entry.StreamURL, "error", ev.Err)
		m.notify(entry.StreamURL, nil, false, ev.Err)
	}
}

// notify resolves the row index at delivery time; must hold m.mu
func (m *Manager) notify(streamURL string, entry *registry.ActiveDownload, completed bool, err error) {
	if m.notifier == nil {
		return
	}

	index, lookupErr := m.positions.IndexOfStreamURL(streamURL)
	if lookupErr != nil {
		m.logger.Warn("Failed to resolve row for download", "stream_url", streamURL, "error", lookupErr)
		index = -1
	}

	m.notifier.DownloadChanged(RowUpdate{
		Index:     index,
		StreamURL: streamURL,
		Download:  entry,
		Completed: completed,
		Err:       err,
	})
}
