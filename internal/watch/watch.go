// Package watch advances and persists per-video watch progress
package watch

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"downtube/pkg/models"
)

// WatchedThreshold is the fraction of a video that must be exceeded to count as watched
const WatchedThreshold = 0.95

var (
	// ErrNotApplicable is returned when a mark command targets the current state
	ErrNotApplicable = errors.New("video is already in that state")
	// ErrUnknownDuration is returned for samples without a positive, finite duration
	ErrUnknownDuration = errors.New("video duration is unknown")
	// ErrInvalidPosition is returned for samples whose elapsed time is negative or not finite
	ErrInvalidPosition = errors.New("playback position is invalid")
)

// EventKind names the inputs of the progress state machine
type EventKind int

const (
	Sample EventKind = iota
	MarkWatched
	MarkUnwatched
)

// Event is one input to Transition. Elapsed and Duration are in seconds and only used by Sample.
type Event struct {
	Kind     EventKind
	Elapsed  float64
	Duration float64
}

// Transition computes the next watch progress. It never mutates anything.
func Transition(current models.WatchProgress, ev Event) (models.WatchProgress, error) {
	switch ev.Kind {
	case Sample:
		if !(ev.Duration > 0) || math.IsInf(ev.Duration, 1) {
			return current, ErrUnknownDuration
		}
		if !(ev.Elapsed >= 0) || math.IsInf(ev.Elapsed, 1) {
			return current, ErrInvalidPosition
		}
		if ev.Elapsed/ev.Duration > WatchedThreshold {
			return models.Watched(), nil
		}
		return models.PartiallyWatched(int(ev.Elapsed)), nil
	case MarkWatched:
		if current.State == models.WatchWatched {
			return current, ErrNotApplicable
		}
		return models.Watched(), nil
	case MarkUnwatched:
		if current.State == models.WatchUnwatched {
			return current, ErrNotApplicable
		}
		return models.Unwatched(), nil
	default:
		return current, fmt.Errorf("unknown watch event %d", ev.Kind)
	}
}

// AvailableActions lists the mark commands that apply to a progress value
func AvailableActions(current models.WatchProgress) []EventKind {
	var actions []EventKind
	if current.State != models.WatchWatched {
		actions = append(actions, MarkWatched)
	}
	if current.State != models.WatchUnwatched {
		actions = append(actions, MarkUnwatched)
	}
	return actions
}

// Store is the durable side of the tracker
type Store interface {
	GetVideo(id int64) (*models.Video, error)
	UpdateWatchProgress(id int64, progress models.WatchProgress) error
}

// Tracker applies transitions one at a time and persists each before reporting it
type Tracker struct {
	store  Store
	logger *slog.Logger
	mu     sync.Mutex
}

// NewTracker creates a tracker backed by store
func NewTracker(store Store) *Tracker {
	return &Tracker{store: store, logger: slog.Default()}
}

// Sample records a playback position
func (t *Tracker) Sample(videoID int64, elapsed, duration float64) (models.WatchProgress, error) {
	return t.apply(videoID, Event{Kind: Sample, Elapsed: elapsed, Duration: duration})
}

// MarkWatched sets a video to watched
func (t *Tracker) MarkWatched(videoID int64) (models.WatchProgress, error) {
	return t.apply(videoID, Event{Kind: MarkWatched})
}

// MarkUnwatched resets a video to unwatched
func (t *Tracker) MarkUnwatched(videoID int64) (models.WatchProgress, error) {
	return t.apply(videoID, Event{Kind: MarkUnwatched})
}

// ResumePosition returns where playback should start, in seconds
func (t *Tracker) ResumePosition(videoID int64) (int, error) {
	video, err := t.store.GetVideo(videoID)
	if err != nil {
		return 0, fmt.Errorf("failed to get video: %w", err)
	}
	if video.WatchProgress.State == models.WatchPartiallyWatched {
		return video.WatchProgress.Seconds, nil
	}
	return 0, nil
}

func (t *Tracker) apply(videoID int64, ev Event) (models.WatchProgress, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	video, err := t.store.GetVideo(videoID)
	if err != nil {
		return models.WatchProgress{}, fmt.Errorf("failed to get video: %w", err)
	}

	next, err := Transition(video.WatchProgress, ev)
	if err != nil {
		return video.WatchProgress, err
	}
	if next == video.WatchProgress {
		return next, nil
	}

	if err := t.store.UpdateWatchProgress(videoID, next); err != nil {
		t.logger.Error("Failed to persist watch progress", "video_id", videoID, "progress", next.String(), "error", err)
		return video.WatchProgress, fmt.Errorf("failed to save watch progress: %w", err)
	}

	t.logger.Debug("Watch progress updated", "video_id", videoID, "from", video.WatchProgress.String(), "to", next.String())
	return next, nil
}
