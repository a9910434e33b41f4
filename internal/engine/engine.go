// Package engine performs background HTTP transfers with pause and resume support
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrUnknownHandle is returned when a handle does not name a running transfer
	ErrUnknownHandle = errors.New("unknown transfer handle")
	// ErrInvalidResumeState is returned when a resume token cannot even identify its URL
	ErrInvalidResumeState = errors.New("invalid resume state")
	// ErrClosed is returned when starting a transfer on a closed engine
	ErrClosed = errors.New("engine closed")
)

// TempSuffix names every partial file the engine writes
const TempSuffix = ".part"

const (
	eventBuffer    = 64
	copyBufferSize = 32 * 1024
)

// Engine runs transfers on their own goroutines and reports them over Events
type Engine struct {
	client  *http.Client
	tempDir string
	logger  *slog.Logger
	events  chan Event

	ctx  context.Context
	stop context.CancelFunc

	mu        sync.Mutex
	transfers map[Handle]*transfer
	closed    bool
	wg        sync.WaitGroup
}

type transfer struct {
	handle   Handle
	url      string
	tempPath string
	cancel   context.CancelFunc
	done     chan struct{}

	// Written by the transfer goroutine, read by others only after done is closed
	written      int64
	expected     int64
	etag         string
	lastModified string
	rangeable    bool
	complete     bool
}

// New creates an engine that writes partial data under tempDir
func New(client *http.Client, tempDir string) (*Engine, error) {
	if client == nil {
		client = http.DefaultClient
	}

	absDir, err := filepath.Abs(tempDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve temp directory: %w", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Engine{
		client:    client,
		tempDir:   absDir,
		logger:    slog.Default(),
		events:    make(chan Event, eventBuffer),
		ctx:       ctx,
		stop:      stop,
		transfers: make(map[Handle]*transfer),
	}, nil
}

// Events returns the channel every transfer reports on. It is closed by Close.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// TempDir returns the directory holding partial files
func (e *Engine) TempDir() string {
	return e.tempDir
}

// Start begins fetching url and returns immediately
func (e *Engine) Start(url string) (Handle, error) {
	if url == "" {
		return "", fmt.Errorf("stream url is required")
	}
	return e.launch(url, nil)
}

// Pause stops a transfer and returns the token needed to continue it. When the server
// cannot serve byte ranges the partial data is dropped and the token restarts from zero.
func (e *Engine) Pause(handle Handle) (ResumeState, error) {
	t := e.detach(handle, false)
	if t == nil {
		return ResumeState{}, ErrUnknownHandle
	}
	<-t.done

	state := ResumeState{
		URL:          t.url,
		TempPath:     t.tempPath,
		Offset:       t.written,
		Expected:     t.expected,
		ETag:         t.etag,
		LastModified: t.lastModified,
	}

	if t.complete {
		state.Expected = t.written
		return state, nil
	}

	if !t.rangeable || t.written == 0 {
		e.removeQuietly(t.tempPath)
		e.logger.Info("Transfer paused without resume support, will restart from zero", "handle", handle, "url", t.url)
		return ResumeState{URL: t.url}, nil
	}

	e.logger.Info("Transfer paused", "handle", handle, "url", t.url, "offset", t.written, "expected", t.expected)
	return state, nil
}

// ResumeFrom continues a paused transfer under a new handle. A token that no longer
// matches the partial file on disk falls back to a fresh start.
func (e *Engine) ResumeFrom(state ResumeState) (Handle, error) {
	if state.URL == "" {
		return "", ErrInvalidResumeState
	}

	if !state.Resumable() {
		return e.Start(state.URL)
	}

	if !e.ownsTempPath(state.TempPath) {
		e.logger.Warn("Resume state points outside the temp directory, restarting", "url", state.URL, "temp_path", state.TempPath)
		return e.Start(state.URL)
	}

	info, err := os.Stat(state.TempPath)
	if err != nil || info.Size() != state.Offset || (state.Expected > 0 && state.Offset > state.Expected) {
		e.removeQuietly(state.TempPath)
		e.logger.Warn("Resume state does not match partial file, restarting", "url", state.URL, "offset", state.Offset)
		return e.Start(state.URL)
	}

	e.logger.Info("Resuming transfer", "url", state.URL, "offset", state.Offset)
	handle, err := e.launch(state.URL, &state)
	if err != nil && !errors.Is(err, ErrClosed) {
		e.removeQuietly(state.TempPath)
		e.logger.Warn("Could not claim partial file, restarting", "url", state.URL, "error", err)
		return e.Start(state.URL)
	}
	return handle, err
}

// Cancel aborts a transfer and discards its partial data. Unknown handles are ignored.
// Teardown finishes in the background but no further events are emitted for the handle.
func (e *Engine) Cancel(handle Handle) {
	t := e.detach(handle, true)
	if t == nil {
		return
	}

	go func() {
		defer e.wg.Done()
		<-t.done
		e.removeQuietly(t.tempPath)
	}()

	e.logger.Info("Transfer cancelled", "handle", handle, "url", t.url)
}

// Discard removes the partial data held by a paused transfer's token
func (e *Engine) Discard(state ResumeState) error {
	if state.TempPath == "" {
		return nil
	}
	if !e.ownsTempPath(state.TempPath) {
		return ErrInvalidResumeState
	}
	e.removeQuietly(state.TempPath)
	return nil
}

// Close stops every transfer and closes the event channel. Partial files are left on disk.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.stop()
	e.wg.Wait()
	close(e.events)
	return nil
}

func (e *Engine) launch(url string, resume *ResumeState) (Handle, error) {
	handle := Handle(uuid.NewString())
	tempPath := filepath.Join(e.tempDir, string(handle)+TempSuffix)

	ctx, cancel := context.WithCancel(e.ctx)
	t := &transfer{
		handle:   handle,
		url:      url,
		tempPath: tempPath,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		return "", ErrClosed
	}
	// Every handle writes its own file, so nothing done with an earlier handle's
	// path can reach the transfer that continues it
	if resume != nil {
		if err := os.Rename(resume.TempPath, tempPath); err != nil {
			e.mu.Unlock()
			cancel()
			return "", fmt.Errorf("failed to claim partial file: %w", err)
		}
		claimed := *resume
		claimed.TempPath = tempPath
		resume = &claimed
	}
	e.transfers[handle] = t
	e.wg.Add(1)
	e.mu.Unlock()

	e.logger.Debug("Transfer started", "handle", handle, "url", url)
	go e.run(ctx, t, resume)
	return handle, nil
}

// detach removes a transfer from the table and stops it. When track is set the caller
// owes a wg.Done for its teardown goroutine.
func (e *Engine) detach(handle Handle, track bool) *transfer {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.transfers[handle]
	if !ok {
		return nil
	}
	delete(e.transfers, handle)
	t.cancel()
	if track {
		// t's goroutine still holds a count here, so Add cannot race a finished Wait
		e.wg.Add(1)
	}
	return t
}

func (e *Engine) run(ctx context.Context, t *transfer, resume *ResumeState) {
	defer e.wg.Done()
	defer close(t.done)

	var err error
	if resume != nil && resume.Expected > 0 && resume.Offset == resume.Expected {
		t.written, t.expected = resume.Offset, resume.Expected
		t.etag, t.lastModified, t.rangeable = resume.ETag, resume.LastModified, true
	} else {
		err = e.fetch(ctx, t, resume)
	}
	t.complete = err == nil

	e.mu.Lock()
	_, owned := e.transfers[t.handle]
	delete(e.transfers, t.handle)
	e.mu.Unlock()

	// Paused, cancelled or shut down: whoever detached it decides what happens next
	if !owned || e.ctx.Err() != nil {
		return
	}
	t.cancel()

	if err != nil {
		e.logger.Warn("Transfer failed", "handle", t.handle, "url", t.url, "error", err)
		e.removeQuietly(t.tempPath)
		e.emit(Event{
			Kind:          EventFailed,
			Handle:        t.handle,
			URL:           t.url,
			BytesWritten:  t.written,
			BytesExpected: t.expected,
			Err:           err,
		})
		return
	}

	e.logger.Info("Transfer completed", "handle", t.handle, "url", t.url, "bytes", t.written)
	e.emit(Event{
		Kind:          EventCompleted,
		Handle:        t.handle,
		URL:           t.url,
		BytesWritten:  t.written,
		BytesExpected: t.expected,
		TempPath:      t.tempPath,
	})
}

// fetch downloads t.url into t.tempPath, continuing from resume when the server agrees
func (e *Engine) fetch(ctx context.Context, t *transfer, resume *ResumeState) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	var offset int64
	if resume != nil && resume.Resumable() {
		offset = resume.Offset
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		switch {
		case resume.ETag != "":
			req.Header.Set("If-Range", resume.ETag)
		case resume.LastModified != "":
			req.Header.Set("If-Range", resume.LastModified)
		}
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to start transfer: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		if offset > 0 {
			e.logger.Info("Server ignored range request, restarting from zero", "url", t.url, "offset", offset)
			offset = 0
		}
		t.expected = max(resp.ContentLength, 0)
	case http.StatusPartialContent:
		start, total, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if !ok || start != offset {
			if offset == 0 {
				return fmt.Errorf("unexpected partial content response")
			}
			resp.Body.Close()
			e.logger.Info("Server returned a different range, restarting from zero", "url", t.url, "offset", offset)
			return e.fetch(ctx, t, nil)
		}
		switch {
		case total > 0:
			t.expected = total
		case resp.ContentLength >= 0:
			t.expected = offset + resp.ContentLength
		}
		t.rangeable = true
	case http.StatusRequestedRangeNotSatisfiable:
		if offset > 0 {
			resp.Body.Close()
			e.logger.Info("Resume offset rejected, restarting from zero", "url", t.url, "offset", offset)
			return e.fetch(ctx, t, nil)
		}
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	default:
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	if resp.Header.Get("Accept-Ranges") == "bytes" {
		t.rangeable = true
	}
	t.etag = resp.Header.Get("ETag")
	t.lastModified = resp.Header.Get("Last-Modified")
	if offset > 0 {
		if t.etag == "" {
			t.etag = resume.ETag
		}
		if t.lastModified == "" {
			t.lastModified = resume.LastModified
		}
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if offset > 0 {
		flags = os.O_WRONLY | os.O_APPEND
	}
	file, err := os.OpenFile(t.tempPath, flags, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open temp file: %w", err)
	}
	defer file.Close()

	t.written = offset
	if err := e.copyWithProgress(ctx, file, resp.Body, t); err != nil {
		return err
	}

	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if t.expected > 0 && t.written != t.expected {
		return fmt.Errorf("transfer ended at %d of %d bytes: %w", t.written, t.expected, io.ErrUnexpectedEOF)
	}
	return nil
}

// copyWithProgress copies the body while emitting a progress event per chunk
func (e *Engine) copyWithProgress(ctx context.Context, dst io.Writer, src io.Reader, t *transfer) error {
	buffer := make([]byte, copyBufferSize)
	history := newSpeedHistory()
	lastSampleTime := time.Now()
	lastSampleBytes := t.written

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := src.Read(buffer)
		if n > 0 {
			if _, writeErr := dst.Write(buffer[:n]); writeErr != nil {
				return fmt.Errorf("failed to write to temp file: %w", writeErr)
			}
			t.written += int64(n)

			now := time.Now()
			if elapsed := now.Sub(lastSampleTime).Seconds(); elapsed >= sampleMinDuration {
				history.addSample(t.written-lastSampleBytes, elapsed)
				lastSampleTime = now
				lastSampleBytes = t.written
			}

			e.emitProgress(ctx, Event{
				Kind:           EventProgress,
				Handle:         t.handle,
				URL:            t.url,
				BytesWritten:   t.written,
				BytesExpected:  t.expected,
				BytesPerSecond: history.speed(t.written-lastSampleBytes, now.Sub(lastSampleTime).Seconds()),
			})
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read from response: %w", err)
		}
	}
}

func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	case <-e.ctx.Done():
	}
}

// emitProgress gives up as soon as the transfer is stopped so paused or cancelled
// transfers do not report further
func (e *Engine) emitProgress(ctx context.Context, ev Event) {
	if ctx.Err() != nil {
		return
	}
	select {
	case e.events <- ev:
	case <-ctx.Done():
	}
}

func (e *Engine) ownsTempPath(path string) bool {
	clean := filepath.Clean(path)
	return filepath.Dir(clean) == e.tempDir && strings.HasSuffix(clean, TempSuffix)
}

func (e *Engine) removeQuietly(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		e.logger.Warn("Failed to remove partial file", "path", path, "error", err)
	}
}

// parseContentRange parses "bytes start-end/total". total is -1 when the server sent "*".
func parseContentRange(header string) (start, total int64, ok bool) {
	value, found := strings.CutPrefix(header, "bytes ")
	if !found {
		return 0, 0, false
	}
	rangePart, totalPart, found := strings.Cut(value, "/")
	if !found {
		return 0, 0, false
	}
	startPart, _, found := strings.Cut(rangePart, "-")
	if !found {
		return 0, 0, false
	}

	start, err := strconv.ParseInt(strings.TrimSpace(startPart), 10, 64)
	if err != nil || start < 0 {
		return 0, 0, false
	}

	if totalPart == "*" {
		return start, -1, true
	}
	total, err = strconv.ParseInt(strings.TrimSpace(totalPart), 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return start, total, true
}
