// Package templates holds the templ components rendered by the web handlers.
package templates

//go:generate templ generate

import (
	"fmt"
	"time"

	"downtube/pkg/models"
)

// PlayerOptions configures the player page
type PlayerOptions struct {
	Title string
	Src   string
	// StartAt seeks before playback begins
	StartAt int
	// ProgressURL receives periodic samples; empty disables tracking
	ProgressURL    string
	SampleInterval time.Duration
}

func rowID(id int64) string {
	return fmt.Sprintf("video-%d", id)
}

func rowTarget(id int64) string {
	return "#" + rowID(id)
}

func videoURL(id int64) string {
	return fmt.Sprintf("/videos/%d", id)
}

func actionURL(id int64, action string) string {
	return fmt.Sprintf("/videos/%d/%s", id, action)
}

func formatProgress(fraction float64) string {
	return fmt.Sprintf("%.3f", fraction)
}

func watchLabel(p models.WatchProgress) string {
	switch p.State {
	case models.WatchWatched:
		return "Watched"
	case models.WatchPartiallyWatched:
		return fmt.Sprintf("Watched to %s", (time.Duration(p.Seconds) * time.Second).String())
	default:
		return "Unwatched"
	}
}

func formatSpeed(bytesPerSecond float64) string {
	switch {
	case bytesPerSecond <= 0:
		return ""
	case bytesPerSecond < 1024*1024:
		return fmt.Sprintf("%.0f KB/s", bytesPerSecond/1024)
	default:
		return fmt.Sprintf("%.1f MB/s", bytesPerSecond/(1024*1024))
	}
}
