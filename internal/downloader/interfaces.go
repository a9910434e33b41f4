package downloader

import (
	"downtube/internal/engine"
)

// Engine defines the transfer operations used by the manager
//
//go:generate mockgen -source=interfaces.go -destination=mocks/mock_interfaces.go -package=mocks
type Engine interface {
	Start(url string) (engine.Handle, error)
	Pause(handle engine.Handle) (engine.ResumeState, error)
	ResumeFrom(state engine.ResumeState) (engine.Handle, error)
	Cancel(handle engine.Handle)
	Discard(state engine.ResumeState) error
	Events() <-chan engine.Event
}

// Positions resolves which list row currently shows a stream URL
type Positions interface {
	IndexOfStreamURL(streamURL string) (int, error)
}

// Installer moves completed transfers to their permanent location
type Installer interface {
	Install(tempPath, streamURL string) (string, error)
}

// Notifier receives row updates for the presentation layer
type Notifier interface {
	DownloadChanged(update RowUpdate)
}
