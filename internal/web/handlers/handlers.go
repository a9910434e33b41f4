// Package handlers provides HTTP handlers for the web interface
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"downtube/internal/database"
	"downtube/internal/downloader"
	"downtube/internal/inbox"
	"downtube/internal/library"
	"downtube/internal/watch"
	"downtube/internal/web/templates"
	"downtube/pkg/fuzzy"

	"github.com/a-h/templ"
)

// Handlers contains all HTTP handlers and their dependencies
type Handlers struct {
	library        *library.Service
	tracker        *watch.Tracker
	inbox          *inbox.Service
	feed           *Feed
	matcher        *fuzzy.Matcher
	sampleInterval time.Duration
	logger         *slog.Logger
}

// NewHandlers creates a new handlers instance
func NewHandlers(lib *library.Service, tracker *watch.Tracker, in *inbox.Service, feed *Feed, sampleInterval time.Duration) *Handlers {
	return &Handlers{
		library:        lib,
		tracker:        tracker,
		inbox:          in,
		feed:           feed,
		matcher:        fuzzy.NewMatcher(),
		sampleInterval: sampleInterval,
		logger:         slog.Default(),
	}
}

// Home handles the home page (submission form and video list)
func (h *Handlers) Home(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	rows, err := h.library.Rows()
	if err != nil {
		h.logger.Error("Failed to get videos", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.render(w, r, templates.Base("DownTube", templates.Home(rows)))
}

// Videos handles HTMX requests for the video list, optionally filtered by ?q=
func (h *Handlers) Videos(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	rows, err := h.library.Rows()
	if err != nil {
		h.logger.Error("Failed to get videos", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	rows = fuzzy.Filter(h.matcher, r.URL.Query().Get("q"), rows, func(row library.Row) string {
		return row.Video.DisplayTitle()
	})

	h.render(w, r, templates.VideoList(rows))
}

// SubmitVideo handles the download form submission
func (h *Handlers) SubmitVideo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		h.render(w, r, templates.Result(false, "Failed to parse form data"))
		return
	}

	url := r.FormValue("url")
	if url == "" {
		w.WriteHeader(http.StatusBadRequest)
		h.render(w, r, templates.Result(false, "URL is required"))
		return
	}

	video, err := h.library.Submit(r.Context(), url)
	if err != nil {
		h.logger.Warn("Failed to submit video", "url", url, "error", err)
		w.WriteHeader(statusFor(err))
		h.render(w, r, templates.Result(false, messageFor(err)))
		return
	}

	h.logger.Info("Video submitted", "url", url, "video_id", video.ID)
	h.render(w, r, templates.Result(true, fmt.Sprintf("Downloading %s", video.DisplayTitle())))
}

// StreamVideo resolves a URL and plays the remote stream without storing anything
func (h *Handlers) StreamVideo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		h.render(w, r, templates.Result(false, "Failed to parse form data"))
		return
	}

	resolution, err := h.library.Stream(r.Context(), r.FormValue("url"))
	if err != nil {
		h.logger.Warn("Failed to stream video", "url", r.FormValue("url"), "error", err)
		w.WriteHeader(statusFor(err))
		h.render(w, r, templates.Result(false, messageFor(err)))
		return
	}

	h.render(w, r, templates.Base(resolution.Title, templates.Player(templates.PlayerOptions{
		Title: resolution.Title,
		Src:   resolution.StreamURL,
	})))
}

// DownloadVideo starts a fresh transfer for a video whose file is missing
func (h *Handlers) DownloadVideo(w http.ResponseWriter, r *http.Request) {
	h.rowAction(w, r, "download", h.library.Download)
}

// PauseVideo handles pausing an active download
func (h *Handlers) PauseVideo(w http.ResponseWriter, r *http.Request) {
	h.rowAction(w, r, "pause", h.library.Pause)
}

// ResumeVideo handles resuming a paused download
func (h *Handlers) ResumeVideo(w http.ResponseWriter, r *http.Request) {
	h.rowAction(w, r, "resume", h.library.Resume)
}

// MarkWatched sets a video's progress to watched
func (h *Handlers) MarkWatched(w http.ResponseWriter, r *http.Request) {
	h.rowAction(w, r, "mark watched", func(id int64) error {
		_, err := h.tracker.MarkWatched(id)
		return err
	})
}

// MarkUnwatched resets a video's progress
func (h *Handlers) MarkUnwatched(w http.ResponseWriter, r *http.Request) {
	h.rowAction(w, r, "mark unwatched", func(id int64) error {
		_, err := h.tracker.MarkUnwatched(id)
		return err
	})
}

// rowAction runs a per-video command and renders the updated row
func (h *Handlers) rowAction(w http.ResponseWriter, r *http.Request, name string, action func(id int64) error) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	videoID, ok := h.videoID(w, r)
	if !ok {
		return
	}

	if err := action(videoID); err != nil {
		h.logger.Error("Failed to "+name+" video", "video_id", videoID, "error", err)
		http.Error(w, messageFor(err), statusFor(err))
		return
	}

	row, err := h.library.Row(videoID)
	if err != nil {
		h.logger.Error("Failed to get video after "+name, "video_id", videoID, "error", err)
		http.Error(w, messageFor(err), statusFor(err))
		return
	}

	h.logger.Info("Video "+name, "video_id", videoID)
	h.render(w, r, templates.VideoRow(row))
}

// DeleteVideo cancels any transfer, removes the local file and deletes the record
func (h *Handlers) DeleteVideo(w http.ResponseWriter, r *http.Request) {
	videoID, ok := h.videoID(w, r)
	if !ok {
		return
	}

	if err := h.library.Delete(videoID); err != nil {
		h.logger.Error("Failed to delete video", "video_id", videoID, "error", err)
		http.Error(w, messageFor(err), statusFor(err))
		return
	}

	// Return empty response to remove the item from DOM
	w.WriteHeader(http.StatusOK)
}

// PlayVideo renders the player for a local file, seeking to the saved position
func (h *Handlers) PlayVideo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	videoID, ok := h.videoID(w, r)
	if !ok {
		return
	}

	_, video, err := h.library.LocalFile(videoID)
	if err != nil {
		http.Error(w, messageFor(err), statusFor(err))
		return
	}

	startAt, err := h.tracker.ResumePosition(videoID)
	if err != nil {
		h.logger.Warn("Failed to read resume position", "video_id", videoID, "error", err)
	}

	h.render(w, r, templates.Base(video.DisplayTitle(), templates.Player(templates.PlayerOptions{
		Title:          video.DisplayTitle(),
		Src:            fmt.Sprintf("/videos/%d/file", videoID),
		StartAt:        startAt,
		ProgressURL:    fmt.Sprintf("/videos/%d/progress", videoID),
		SampleInterval: h.sampleInterval,
	})))
}

// VideoFile serves the stored file for playback, or as an attachment when shared
func (h *Handlers) VideoFile(w http.ResponseWriter, r *http.Request) {
	videoID, ok := h.videoID(w, r)
	if !ok {
		return
	}

	path, video, err := h.library.LocalFile(videoID)
	if err != nil {
		http.Error(w, messageFor(err), statusFor(err))
		return
	}

	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	if r.URL.Query().Get("share") != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", shareName(video.Title, path)))
	}
	w.Header().Set("Content-Type", "video/mp4")
	http.ServeFile(w, r, path)
}

// UpdateProgress records a periodic playback sample
func (h *Handlers) UpdateProgress(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	videoID, ok := h.videoID(w, r)
	if !ok {
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}
	elapsed, err1 := strconv.ParseFloat(r.FormValue("elapsed"), 64)
	duration, err2 := strconv.ParseFloat(r.FormValue("duration"), 64)
	if err1 != nil || err2 != nil {
		http.Error(w, `{"error": "elapsed and duration are required"}`, http.StatusBadRequest)
		return
	}

	progress, err := h.tracker.Sample(videoID, elapsed, duration)
	if err != nil {
		h.logger.Warn("Failed to record playback sample", "video_id", videoID, "error", err)
		http.Error(w, fmt.Sprintf(`{"error": %q}`, messageFor(err)), statusFor(err))
		return
	}

	if err := json.NewEncoder(w).Encode(progress); err != nil {
		h.logger.Error("Failed to encode progress response", "error", err)
	}
}

// EnqueueURL appends a URL to the shared inbound queue
func (h *Handlers) EnqueueURL(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	url, err := readURL(r)
	if err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}
	if url == "" {
		http.Error(w, `{"error": "url is required"}`, http.StatusBadRequest)
		return
	}

	if err := h.inbox.Enqueue(url); err != nil {
		h.logger.Error("Failed to enqueue URL", "url", url, "error", err)
		http.Error(w, `{"error": "Failed to enqueue URL"}`, http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{"queued": true, "url": url})
}

// SignalInbox submits the most recently queued URL
func (h *Handlers) SignalInbox(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	result, ok, err := h.inbox.HandOff(r.Context())
	if err != nil {
		h.logger.Error("Failed to hand off queued URL", "error", err)
		http.Error(w, `{"error": "Failed to read inbox"}`, http.StatusInternalServerError)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	response := struct {
		URL     string `json:"url"`
		VideoID int64  `json:"video_id,omitempty"`
		Error   string `json:"error,omitempty"`
	}{URL: result.URL}
	if result.Video != nil {
		response.VideoID = result.Video.ID
	}
	status := http.StatusOK
	if result.Err != nil {
		response.Error = messageFor(result.Err)
		status = statusFor(result.Err)
	}

	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(response)
}

// Close ends every open event stream
func (h *Handlers) Close() {
	h.feed.Close()
}

// Events streams row changes to the browser
func (h *Handlers) Events(w http.ResponseWriter, r *http.Request) {
	h.feed.ServeHTTP(w, r)
}

func (h *Handlers) videoID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	idStr := r.PathValue("id")
	videoID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		h.logger.Error("Invalid video ID", "id", idStr, "error", err)
		http.Error(w, "Invalid video ID", http.StatusBadRequest)
		return 0, false
	}
	return videoID, true
}

func (h *Handlers) render(w http.ResponseWriter, r *http.Request, component templ.Component) {
	if err := component.Render(r.Context(), w); err != nil {
		h.logger.Error("Failed to render template", "error", err)
	}
}

func readURL(r *http.Request) (string, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var req struct {
			URL string `json:"url"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return "", err
		}
		return strings.TrimSpace(req.URL), nil
	}
	if err := r.ParseForm(); err != nil {
		return "", err
	}
	return strings.TrimSpace(r.FormValue("url")), nil
}

func shareName(title, path string) string {
	if title == "" {
		return filepath.Base(path)
	}
	name := strings.Map(func(r rune) rune {
		if strings.ContainsRune(`/\:*?"<>|`, r) {
			return '_'
		}
		return r
	}, title)
	return name + filepath.Ext(path)
}

func statusFor(err error) int {
	var resErr *library.ResolutionError
	switch {
	case errors.Is(err, database.ErrVideoNotFound), errors.Is(err, library.ErrNoLocalFile):
		return http.StatusNotFound
	case errors.Is(err, library.ErrInvalidURL):
		return http.StatusBadRequest
	case errors.As(err, &resErr):
		return http.StatusBadGateway
	case errors.Is(err, downloader.ErrAlreadyDownloading),
		errors.Is(err, library.ErrAlreadyDownloaded),
		errors.Is(err, downloader.ErrNotRunning),
		errors.Is(err, downloader.ErrNotPaused),
		errors.Is(err, downloader.ErrNoStreamURL),
		errors.Is(err, watch.ErrNotApplicable):
		return http.StatusConflict
	case errors.Is(err, watch.ErrUnknownDuration),
		errors.Is(err, watch.ErrInvalidPosition):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func messageFor(err error) string {
	var resErr *library.ResolutionError
	switch {
	case errors.Is(err, library.ErrInvalidURL):
		return "That doesn't look like a video URL"
	case errors.As(err, &resErr):
		return fmt.Sprintf("Couldn't get video: %v", resErr.Err)
	case errors.Is(err, downloader.ErrAlreadyDownloading):
		return "Video is already downloading"
	case errors.Is(err, library.ErrAlreadyDownloaded):
		return "Video already downloaded"
	case statusFor(err) == http.StatusInternalServerError:
		return "Internal server error"
	default:
		return err.Error()
	}
}
