// Package models defines the data structures used throughout the application
package models

import (
	"fmt"
	"time"
)

// WatchState is the tag of a WatchProgress value
type WatchState string

const (
	WatchUnwatched        WatchState = "unwatched"
	WatchPartiallyWatched WatchState = "partially_watched"
	WatchWatched          WatchState = "watched"
)

// WatchProgress is the per-video playback completion state.
// Seconds is only meaningful when State is WatchPartiallyWatched.
type WatchProgress struct {
	State   WatchState `json:"state"`
	Seconds int        `json:"seconds,omitempty"`
}

// Unwatched returns the initial watch progress of every video
func Unwatched() WatchProgress {
	return WatchProgress{State: WatchUnwatched}
}

// PartiallyWatched returns a progress value positioned at the given elapsed seconds
func PartiallyWatched(seconds int) WatchProgress {
	if seconds < 0 {
		seconds = 0
	}
	return WatchProgress{State: WatchPartiallyWatched, Seconds: seconds}
}

// Watched returns the terminal watch progress
func Watched() WatchProgress {
	return WatchProgress{State: WatchWatched}
}

// IsValid reports whether the tag is one of the three known states
func (p WatchProgress) IsValid() bool {
	switch p.State {
	case WatchUnwatched, WatchWatched:
		return true
	case WatchPartiallyWatched:
		return p.Seconds >= 0
	}
	return false
}

func (p WatchProgress) String() string {
	if p.State == WatchPartiallyWatched {
		return fmt.Sprintf("%s(%d)", p.State, p.Seconds)
	}
	return string(p.State)
}

// Video represents a stored video record
type Video struct {
	ID            int64         `json:"id" db:"id"`
	SourceURL     string        `json:"source_url" db:"source_url"`
	StreamURL     string        `json:"stream_url,omitempty" db:"stream_url"` // empty until resolved
	Title         string        `json:"title,omitempty" db:"title"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
	WatchProgress WatchProgress `json:"watch_progress"`
}

// HasStream reports whether the video has been resolved to a fetchable stream
func (v *Video) HasStream() bool {
	return v.StreamURL != ""
}

// DisplayTitle returns the title, falling back to the source URL
func (v *Video) DisplayTitle() string {
	if v.Title != "" {
		return v.Title
	}
	return v.SourceURL
}

// ChangeType identifies the kind of positional change in the ordered video list
type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeDelete ChangeType = "delete"
	ChangeUpdate ChangeType = "update"
	ChangeMove   ChangeType = "move"
)

// VideoChange describes one row-level change of the ordered video list.
// OldIndex is -1 for inserts and NewIndex is -1 for deletes.
type VideoChange struct {
	Type     ChangeType `json:"type"`
	VideoID  int64      `json:"video_id"`
	OldIndex int        `json:"old_index"`
	NewIndex int        `json:"new_index"`
}
