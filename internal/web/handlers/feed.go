package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"downtube/internal/downloader"
	"downtube/pkg/models"

	"github.com/google/uuid"
)

const (
	clientBuffer      = 64
	keepAliveInterval = 30 * time.Second
)

// Message is one server-sent event
type Message struct {
	Event string
	Data  []byte
}

// DownloadMessage is the payload of a "download" event
type DownloadMessage struct {
	VideoID        int64   `json:"video_id,omitempty"`
	Index          int     `json:"index"`
	StreamURL      string  `json:"stream_url"`
	Status         string  `json:"status,omitempty"`
	Progress       float64 `json:"progress"`
	BytesWritten   int64   `json:"bytes_written"`
	BytesExpected  int64   `json:"bytes_expected"`
	BytesPerSecond float64 `json:"bytes_per_second"`
	Completed      bool    `json:"completed,omitempty"`
	Error          string  `json:"error,omitempty"`
}

// StreamLookup finds the video owning a stream URL
type StreamLookup interface {
	GetVideoByStreamURL(streamURL string) (*models.Video, error)
}

// Feed fans row changes out to connected browsers
type Feed struct {
	videos StreamLookup
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[uuid.UUID]chan Message
	closed  bool
}

// NewFeed creates an event feed
func NewFeed(videos StreamLookup) *Feed {
	return &Feed{
		videos:  videos,
		logger:  slog.Default(),
		clients: make(map[uuid.UUID]chan Message),
	}
}

// DownloadChanged relays a download row update. It never blocks.
func (f *Feed) DownloadChanged(update downloader.RowUpdate) {
	msg := DownloadMessage{
		Index:     update.Index,
		StreamURL: update.StreamURL,
		Completed: update.Completed,
	}
	if update.Download != nil {
		msg.Status = string(update.Download.Status)
		msg.Progress = update.Download.Progress
		msg.BytesWritten = update.Download.BytesWritten
		msg.BytesExpected = update.Download.BytesExpected
		msg.BytesPerSecond = update.Download.BytesPerSecond
	}
	if update.Err != nil {
		msg.Error = update.Err.Error()
	}
	if f.videos != nil {
		if video, err := f.videos.GetVideoByStreamURL(update.StreamURL); err == nil {
			msg.VideoID = video.ID
		}
	}
	f.publish("download", msg)
}

// Watch forwards repository changes until ctx is done or changes is closed
func (f *Feed) Watch(ctx context.Context, changes <-chan models.VideoChange) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			f.publish("change", change)
		}
	}
}

// Clients returns the number of connected listeners
func (f *Feed) Clients() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

// Close disconnects every client and refuses new ones
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for id, ch := range f.clients {
		delete(f.clients, id)
		close(ch)
	}
}

func (f *Feed) subscribe() (uuid.UUID, <-chan Message) {
	id := uuid.New()
	ch := make(chan Message, clientBuffer)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		close(ch)
		return id, ch
	}
	f.clients[id] = ch

	return id, ch
}

func (f *Feed) unsubscribe(id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.clients[id]; ok {
		delete(f.clients, id)
		close(ch)
	}
}

func (f *Feed) publish(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		f.logger.Error("Failed to encode event", "event", event, "error", err)
		return
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	for id, ch := range f.clients {
		select {
		case ch <- Message{Event: event, Data: data}:
		default:
			f.logger.Warn("Dropping event for slow client", "client_id", id, "event", event)
		}
	}
}

// ServeHTTP streams events to one client until it disconnects
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	// Server write timeout does not apply to a long lived stream
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	id, messages := f.subscribe()
	defer f.unsubscribe(id)

	f.logger.Debug("Event client connected", "client_id", id)

	if _, err := fmt.Fprintf(w, "retry: 3000\n\n"); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		f.logger.Warn("Response does not support streaming", "error", err)
		return
	}

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			f.logger.Debug("Event client disconnected", "client_id", id)
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		case msg, ok := <-messages:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Event, msg.Data); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
