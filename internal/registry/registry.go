// Package registry tracks in-flight and paused transfers by stream URL
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"downtube/internal/engine"
)

var (
	// ErrAlreadyRegistered is returned when a stream URL already has an entry
	ErrAlreadyRegistered = errors.New("stream url already registered")
	// ErrNotFound is returned when a stream URL has no entry
	ErrNotFound = errors.New("stream url not registered")
)

// Status is the state of an active download
type Status string

const (
	// StatusRunning means the engine is transferring bytes for the entry
	StatusRunning Status = "running"
	// StatusPaused means the transfer is stopped and the entry holds a resume token
	StatusPaused Status = "paused"
)

// ActiveDownload is a snapshot of one registry entry
type ActiveDownload struct {
	StreamURL      string
	Progress       float64
	BytesWritten   int64
	BytesExpected  int64
	BytesPerSecond float64
	Status         Status
	Handle         engine.Handle
	ResumeState    *engine.ResumeState
	StartedAt      time.Time
	UpdatedAt      time.Time
}

// Registry is safe for concurrent use. Every method returns copies so callers never
// observe a later mutation.
type Registry struct {
	mu       sync.Mutex
	byURL    map[string]*ActiveDownload
	byHandle map[engine.Handle]string
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		byURL:    make(map[string]*ActiveDownload),
		byHandle: make(map[engine.Handle]string),
	}
}

// Register adds a running entry for streamURL
func (r *Registry) Register(streamURL string, handle engine.Handle) (ActiveDownload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byURL[streamURL]; exists {
		return ActiveDownload{}, ErrAlreadyRegistered
	}

	now := time.Now()
	entry := &ActiveDownload{
		StreamURL: streamURL,
		Status:    StatusRunning,
		Handle:    handle,
		StartedAt: now,
		UpdatedAt: now,
	}
	r.byURL[streamURL] = entry
	r.byHandle[handle] = streamURL
	return *entry, nil
}

// LookupByURL returns the entry for streamURL
func (r *Registry) LookupByURL(streamURL string) (ActiveDownload, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.byURL[streamURL]
	if !ok {
		return ActiveDownload{}, false
	}
	return entry.copy(), true
}

// LookupByHandle returns the entry whose current handle is handle. Handles superseded by
// a pause or a resume no longer resolve.
func (r *Registry) LookupByHandle(handle engine.Handle) (ActiveDownload, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	streamURL, ok := r.byHandle[handle]
	if !ok {
		return ActiveDownload{}, false
	}
	return r.byURL[streamURL].copy(), true
}

// UpdateProgress records transfer progress for the entry currently owned by handle. It
// reports false when handle is stale.
func (r *Registry) UpdateProgress(handle engine.Handle, written, expected int64, speed float64) (ActiveDownload, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	streamURL, ok := r.byHandle[handle]
	if !ok {
		return ActiveDownload{}, false
	}
	entry := r.byURL[streamURL]
	entry.BytesWritten = written
	entry.BytesExpected = expected
	entry.BytesPerSecond = speed
	if expected > 0 {
		entry.Progress = min(float64(written)/float64(expected), 1)
	}
	entry.UpdatedAt = time.Now()
	return entry.copy(), true
}

// MarkPaused stores the resume token and retires the entry's handle
func (r *Registry) MarkPaused(streamURL string, state engine.ResumeState) (ActiveDownload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.byURL[streamURL]
	if !ok {
		return ActiveDownload{}, ErrNotFound
	}
	delete(r.byHandle, entry.Handle)

	entry.Status = StatusPaused
	entry.Handle = ""
	entry.BytesPerSecond = 0
	entry.ResumeState = &state
	entry.BytesWritten = state.Offset
	switch {
	case state.Expected > 0:
		entry.BytesExpected = state.Expected
		entry.Progress = min(float64(state.Offset)/float64(state.Expected), 1)
	case state.Offset == 0:
		entry.Progress = 0
	}
	entry.UpdatedAt = time.Now()
	return entry.copy(), nil
}

// MarkRunning attaches a new handle to a paused entry
func (r *Registry) MarkRunning(streamURL string, handle engine.Handle) (ActiveDownload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.byURL[streamURL]
	if !ok {
		return ActiveDownload{}, ErrNotFound
	}
	if entry.Handle != "" {
		delete(r.byHandle, entry.Handle)
	}

	entry.Status = StatusRunning
	entry.Handle = handle
	entry.ResumeState = nil
	entry.UpdatedAt = time.Now()
	r.byHandle[handle] = streamURL
	return entry.copy(), nil
}

// Remove deletes the entry for streamURL and returns what it held
func (r *Registry) Remove(streamURL string) (ActiveDownload, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.byURL[streamURL]
	if !ok {
		return ActiveDownload{}, false
	}
	delete(r.byURL, streamURL)
	if entry.Handle != "" {
		delete(r.byHandle, entry.Handle)
	}
	return entry.copy(), true
}

// List returns every entry ordered by start time
func (r *Registry) List() []ActiveDownload {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make([]ActiveDownload, 0, len(r.byURL))
	for _, entry := range r.byURL {
		entries = append(entries, entry.copy())
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].StartedAt.Equal(entries[j].StartedAt) {
			return entries[i].StreamURL < entries[j].StreamURL
		}
		return entries[i].StartedAt.Before(entries[j].StartedAt)
	})
	return entries
}

// Len returns the number of entries
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byURL)
}

func (d *ActiveDownload) copy() ActiveDownload {
	c := *d
	if d.ResumeState != nil {
		state := *d.ResumeState
		c.ResumeState = &state
	}
	return c
}
