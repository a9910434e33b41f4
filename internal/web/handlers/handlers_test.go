package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"downtube/internal/database"
	"downtube/internal/downloader"
	dmocks "downtube/internal/downloader/mocks"
	"downtube/internal/engine"
	"downtube/internal/inbox"
	"downtube/internal/library"
	"downtube/internal/media"
	"downtube/internal/registry"
	"downtube/internal/resolver"
	rmocks "downtube/internal/resolver/mocks"
	"downtube/internal/watch"
	"downtube/pkg/models"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const (
	testSourceURL = "https://www.youtube.com/watch?v=aaaaaaaaaaa"
	testStreamURL = "https://media.example.com/videoplayback?id=o-AAAAAAAAAAAAAAA&itag=22"
)

type fixture struct {
	db       *database.DB
	store    *media.Store
	resolver *rmocks.MockResolver
	engine   *dmocks.MockEngine
	inbox    *inbox.Service
	feed     *Feed
	handlers *Handlers
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)

	db, err := database.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := media.NewStore(t.TempDir())
	require.NoError(t, err)

	f := &fixture{
		db:       db,
		store:    store,
		resolver: rmocks.NewMockResolver(ctrl),
		engine:   dmocks.NewMockEngine(ctrl),
		feed:     NewFeed(db),
	}

	manager := downloader.NewManager(f.engine, registry.New(), db, store)
	manager.SetNotifier(f.feed)
	lib := library.NewService(db, f.resolver, manager, store)
	f.inbox = inbox.NewService(db, lib)
	f.handlers = NewHandlers(lib, watch.NewTracker(db), f.inbox, f.feed, 10*time.Second)
	return f
}

// addVideo stores a resolved video without starting a transfer
func (f *fixture) addVideo(t *testing.T, title string) *models.Video {
	t.Helper()
	video := &models.Video{SourceURL: testSourceURL, StreamURL: testStreamURL, Title: title}
	require.NoError(t, f.db.CreateVideo(video))
	return video
}

func (f *fixture) writeLocalFile(t *testing.T, content string) string {
	t.Helper()
	path, ok := f.store.PathFor(testStreamURL)
	require.True(t, ok)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (f *fixture) expectResolve(source, title string) {
	f.resolver.EXPECT().Resolve(gomock.Any(), source).Return(&resolver.Resolution{
		VideoID:   "aaaaaaaaaaa",
		Title:     title,
		StreamURL: testStreamURL,
		Quality:   resolver.QualityHD720,
	}, nil)
}

func formRequest(method, target string, values url.Values) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func withID(req *http.Request, id int64) *http.Request {
	req.SetPathValue("id", itoa(id))
	return req
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

// eventReader parses a text/event-stream body one event at a time
type eventReader struct {
	lines chan string
}

func newEventReader(resp *http.Response) *eventReader {
	r := &eventReader{lines: make(chan string, 64)}
	go func() {
		defer close(r.lines)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			r.lines <- scanner.Text()
		}
	}()
	return r
}

func (r *eventReader) next(t *testing.T) (string, string) {
	t.Helper()
	var event, data string
	timeout := time.After(2 * time.Second)
	for {
		select {
		case line, ok := <-r.lines:
			require.True(t, ok, "stream closed")
			switch {
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "" && event != "":
				return event, data
			}
		case <-timeout:
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestHandlers_Home(t *testing.T) {
	f := newFixture(t)

	w := httptest.NewRecorder()
	f.handlers.Home(w, httptest.NewRequest("GET", "/", nil))

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Header().Get("Content-Type"), "text/html")
	require.Contains(t, w.Body.String(), "No videos yet")
	require.Contains(t, w.Body.String(), `new EventSource("/events")`)
}

func TestHandlers_Videos(t *testing.T) {
	f := newFixture(t)
	video := f.addVideo(t, "Cats <3")
	f.writeLocalFile(t, "video")

	w := httptest.NewRecorder()
	f.handlers.Videos(w, httptest.NewRequest("GET", "/videos", nil))

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	require.Contains(t, body, `id="video-`+itoa(video.ID)+`"`)
	require.Contains(t, body, `data-state="downloaded"`)
	require.Contains(t, body, "Cats &lt;3")
	require.Contains(t, body, "/play")
	require.Contains(t, body, "Mark watched")
	require.NotContains(t, body, "Mark unwatched")
}

func TestHandlers_VideosSearch(t *testing.T) {
	f := newFixture(t)
	cats := f.addVideo(t, "Funny Cats Compilation")
	dogs := &models.Video{
		SourceURL: "https://www.youtube.com/watch?v=bbbbbbbbbbb",
		StreamURL: "https://media.example.com/videoplayback?id=o-BBBBBBBBBBBBBBB",
		Title:     "Dog Training Basics",
	}
	require.NoError(t, f.db.CreateVideo(dogs))

	w := httptest.NewRecorder()
	f.handlers.Videos(w, httptest.NewRequest("GET", "/videos?q=cats", nil))

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	require.Contains(t, body, `id="video-`+itoa(cats.ID)+`"`)
	require.NotContains(t, body, `id="video-`+itoa(dogs.ID)+`"`)

	w = httptest.NewRecorder()
	f.handlers.Videos(w, httptest.NewRequest("GET", "/videos?q=knitting", nil))
	require.Contains(t, w.Body.String(), "No videos yet")
}

func TestHandlers_SubmitVideo(t *testing.T) {
	tests := []struct {
		name     string
		form     url.Values
		setup    func(f *fixture)
		wantCode int
		wantBody string
	}{
		{
			name:     "missing URL",
			form:     url.Values{},
			wantCode: http.StatusBadRequest,
			wantBody: "URL is required",
		},
		{
			name:     "too short",
			form:     url.Values{"url": {"youtu.be"}},
			wantCode: http.StatusBadRequest,
			wantBody: "doesn&#39;t look like a video URL",
		},
		{
			name: "resolution failure",
			form: url.Values{"url": {testSourceURL}},
			setup: func(f *fixture) {
				f.resolver.EXPECT().Resolve(gomock.Any(), testSourceURL).Return(nil, errors.New("video unavailable"))
			},
			wantCode: http.StatusBadGateway,
			wantBody: "video unavailable",
		},
		{
			name: "queued",
			form: url.Values{"url": {testSourceURL}},
			setup: func(f *fixture) {
				f.expectResolve(testSourceURL, "A video")
				f.engine.EXPECT().Start(testStreamURL).Return(engine.Handle("h1"), nil)
			},
			wantCode: http.StatusOK,
			wantBody: "Downloading A video",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.setup != nil {
				tt.setup(f)
			}

			w := httptest.NewRecorder()
			f.handlers.SubmitVideo(w, formRequest("POST", "/videos", tt.form))

			require.Equal(t, tt.wantCode, w.Code)
			require.Contains(t, w.Body.String(), tt.wantBody)
		})
	}
}

func TestHandlers_SubmitVideoAlreadyDownloaded(t *testing.T) {
	f := newFixture(t)
	f.addVideo(t, "Existing")

	w := httptest.NewRecorder()
	f.handlers.SubmitVideo(w, formRequest("POST", "/videos", url.Values{"url": {testSourceURL}}))

	require.Equal(t, http.StatusConflict, w.Code)
	require.Contains(t, w.Body.String(), "Video already downloaded")
}

func TestHandlers_StreamVideo(t *testing.T) {
	f := newFixture(t)
	f.expectResolve(testSourceURL, "Remote")

	w := httptest.NewRecorder()
	f.handlers.StreamVideo(w, formRequest("POST", "/stream", url.Values{"url": {testSourceURL}}))

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "<video")
	require.Contains(t, w.Body.String(), "media.example.com/videoplayback")
	require.NotContains(t, w.Body.String(), "/progress")

	videos, err := f.db.ListVideos()
	require.NoError(t, err)
	require.Empty(t, videos)
}

func TestHandlers_PauseResume(t *testing.T) {
	f := newFixture(t)
	video := f.addVideo(t, "Long one")

	f.engine.EXPECT().Start(testStreamURL).Return(engine.Handle("h1"), nil)
	f.engine.EXPECT().Pause(engine.Handle("h1")).Return(engine.ResumeState{
		URL: testStreamURL, TempPath: "/tmp/h1.part", Offset: 50, Expected: 100,
	}, nil)
	f.engine.EXPECT().ResumeFrom(gomock.Any()).Return(engine.Handle("h2"), nil)

	w := httptest.NewRecorder()
	f.handlers.DownloadVideo(w, withID(httptest.NewRequest("POST", "/", nil), video.ID))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `data-state="downloading"`)

	w = httptest.NewRecorder()
	f.handlers.PauseVideo(w, withID(httptest.NewRequest("POST", "/", nil), video.ID))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `data-state="paused"`)
	require.Contains(t, w.Body.String(), `value="0.500"`)
	require.Contains(t, w.Body.String(), "Resume")

	// A second pause has nothing to suspend
	w = httptest.NewRecorder()
	f.handlers.PauseVideo(w, withID(httptest.NewRequest("POST", "/", nil), video.ID))
	require.Equal(t, http.StatusConflict, w.Code)

	w = httptest.NewRecorder()
	f.handlers.ResumeVideo(w, withID(httptest.NewRequest("POST", "/", nil), video.ID))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `data-state="downloading"`)
}

func TestHandlers_InvalidAndUnknownID(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest("POST", "/", nil)
	req.SetPathValue("id", "abc")
	w := httptest.NewRecorder()
	f.handlers.PauseVideo(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	f.handlers.ResumeVideo(w, withID(httptest.NewRequest("POST", "/", nil), 999))
	require.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	f.handlers.PlayVideo(w, withID(httptest.NewRequest("GET", "/", nil), 999))
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlers_MarkWatchedUnwatched(t *testing.T) {
	f := newFixture(t)
	video := f.addVideo(t, "Watch me")

	w := httptest.NewRecorder()
	f.handlers.MarkWatched(w, withID(httptest.NewRequest("POST", "/", nil), video.ID))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "Mark unwatched")
	require.NotContains(t, w.Body.String(), "Mark watched")

	stored, err := f.db.GetVideo(video.ID)
	require.NoError(t, err)
	require.Equal(t, models.Watched(), stored.WatchProgress)

	// Not applicable twice in a row
	w = httptest.NewRecorder()
	f.handlers.MarkWatched(w, withID(httptest.NewRequest("POST", "/", nil), video.ID))
	require.Equal(t, http.StatusConflict, w.Code)

	w = httptest.NewRecorder()
	f.handlers.MarkUnwatched(w, withID(httptest.NewRequest("POST", "/", nil), video.ID))
	require.Equal(t, http.StatusOK, w.Code)

	stored, err = f.db.GetVideo(video.ID)
	require.NoError(t, err)
	require.Equal(t, models.Unwatched(), stored.WatchProgress)
}

func TestHandlers_UpdateProgressAndPlay(t *testing.T) {
	f := newFixture(t)
	video := f.addVideo(t, "Player")
	f.writeLocalFile(t, "video")

	sample := func(elapsed, duration string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := formRequest("POST", "/", url.Values{"elapsed": {elapsed}, "duration": {duration}})
		f.handlers.UpdateProgress(w, withID(req, video.ID))
		return w
	}

	w := sample("50", "100")
	require.Equal(t, http.StatusOK, w.Code)
	var progress models.WatchProgress
	require.NoError(t, json.NewDecoder(w.Body).Decode(&progress))
	require.Equal(t, models.PartiallyWatched(50), progress)

	w = httptest.NewRecorder()
	f.handlers.PlayVideo(w, withID(httptest.NewRequest("GET", "/", nil), video.ID))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `data-start="50"`)
	require.Contains(t, w.Body.String(), "/videos/"+itoa(video.ID)+"/file")
	require.Contains(t, w.Body.String(), "/videos/"+itoa(video.ID)+"/progress")
	require.Contains(t, w.Body.String(), "10000")

	w = sample("96", "100")
	require.Equal(t, http.StatusOK, w.Code)
	progress = models.WatchProgress{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&progress))
	require.Equal(t, models.Watched(), progress)

	w = sample("", "100")
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = sample("10", "0")
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	// Non-finite samples leave the saved position alone
	require.NoError(t, f.db.UpdateWatchProgress(video.ID, models.PartiallyWatched(40)))
	for _, bad := range [][2]string{{"NaN", "100"}, {"Inf", "100"}, {"10", "NaN"}, {"10", "+Inf"}} {
		w = sample(bad[0], bad[1])
		require.Equal(t, http.StatusUnprocessableEntity, w.Code, "elapsed=%s duration=%s", bad[0], bad[1])
	}
	stored, err := f.db.GetVideo(video.ID)
	require.NoError(t, err)
	require.Equal(t, models.PartiallyWatched(40), stored.WatchProgress)
}

func TestHandlers_VideoFile(t *testing.T) {
	f := newFixture(t)
	video := f.addVideo(t, "Share/me")

	w := httptest.NewRecorder()
	f.handlers.VideoFile(w, withID(httptest.NewRequest("GET", "/", nil), video.ID))
	require.Equal(t, http.StatusNotFound, w.Code)

	f.writeLocalFile(t, "0123456789")

	w = httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Range", "bytes=2-5")
	f.handlers.VideoFile(w, withID(req, video.ID))
	require.Equal(t, http.StatusPartialContent, w.Code)
	require.Equal(t, "2345", w.Body.String())
	require.Empty(t, w.Header().Get("Content-Disposition"))

	w = httptest.NewRecorder()
	f.handlers.VideoFile(w, withID(httptest.NewRequest("GET", "/?share=1", nil), video.ID))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, `attachment; filename="Share_me.mp4"`, w.Header().Get("Content-Disposition"))
}

func TestHandlers_DeleteVideo(t *testing.T) {
	f := newFixture(t)
	video := f.addVideo(t, "Gone soon")
	path := f.writeLocalFile(t, "video")

	w := httptest.NewRecorder()
	f.handlers.DeleteVideo(w, withID(httptest.NewRequest("DELETE", "/", nil), video.ID))
	require.Equal(t, http.StatusOK, w.Code)

	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))
	_, err = f.db.GetVideo(video.ID)
	require.ErrorIs(t, err, database.ErrVideoNotFound)

	w = httptest.NewRecorder()
	f.handlers.DeleteVideo(w, withID(httptest.NewRequest("DELETE", "/", nil), video.ID))
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlers_Inbox(t *testing.T) {
	f := newFixture(t)

	w := httptest.NewRecorder()
	f.handlers.SignalInbox(w, httptest.NewRequest("POST", "/inbox/signal", nil))
	require.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	f.handlers.EnqueueURL(w, formRequest("POST", "/inbox", url.Values{}))
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	f.handlers.EnqueueURL(w, formRequest("POST", "/inbox", url.Values{"url": {"https://youtu.be/bbbbbbbbbbb"}}))
	require.Equal(t, http.StatusAccepted, w.Code)

	req := httptest.NewRequest("POST", "/inbox", strings.NewReader(`{"url": "`+testSourceURL+`"}`))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	f.handlers.EnqueueURL(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)

	f.expectResolve(testSourceURL, "Handed off")
	f.engine.EXPECT().Start(testStreamURL).Return(engine.Handle("h1"), nil)

	w = httptest.NewRecorder()
	f.handlers.SignalInbox(w, httptest.NewRequest("POST", "/inbox/signal", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var response struct {
		URL     string `json:"url"`
		VideoID int64  `json:"video_id"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	require.Equal(t, testSourceURL, response.URL)
	require.NotZero(t, response.VideoID)

	// The older entry stays queued for the next startup
	count, err := f.db.CountPendingURLs()
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{database.ErrVideoNotFound, http.StatusNotFound},
		{library.ErrNoLocalFile, http.StatusNotFound},
		{library.ErrInvalidURL, http.StatusBadRequest},
		{&library.ResolutionError{SourceURL: "x", Err: errors.New("boom")}, http.StatusBadGateway},
		{downloader.ErrAlreadyDownloading, http.StatusConflict},
		{library.ErrAlreadyDownloaded, http.StatusConflict},
		{downloader.ErrNotPaused, http.StatusConflict},
		{watch.ErrNotApplicable, http.StatusConflict},
		{watch.ErrUnknownDuration, http.StatusUnprocessableEntity},
		{watch.ErrInvalidPosition, http.StatusUnprocessableEntity},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			require.Equal(t, tt.want, statusFor(tt.err))
		})
	}
	require.Equal(t, "Internal server error", messageFor(errors.New("disk on fire")))
}

func TestShareName(t *testing.T) {
	require.Equal(t, "o-AAAA.mp4", shareName("", "/videos/o-AAAA.mp4"))
	require.Equal(t, "a_b_c.mp4", shareName(`a/b:c`, "/videos/o-AAAA.mp4"))
}

func TestHandlers_EventsEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := httptest.NewServer(http.HandlerFunc(f.handlers.Events))
	defer server.Close()

	req, err := http.NewRequestWithContext(ctx, "GET", server.URL, nil)
	require.NoError(t, err)
	resp, err := server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return f.feed.Clients() == 1 }, time.Second, 10*time.Millisecond)

	changes, unsubscribe := f.db.Subscribe(8)
	defer unsubscribe()
	go f.feed.Watch(ctx, changes)

	video := f.addVideo(t, "Live")

	reader := newEventReader(resp)
	event, data := reader.next(t)
	require.Equal(t, "change", event)

	var change models.VideoChange
	require.NoError(t, json.Unmarshal([]byte(data), &change))
	require.Equal(t, models.ChangeInsert, change.Type)
	require.Equal(t, video.ID, change.VideoID)

	f.feed.DownloadChanged(downloader.RowUpdate{
		Index:     0,
		StreamURL: testStreamURL,
		Download:  &registry.ActiveDownload{StreamURL: testStreamURL, Progress: 0.25, Status: registry.StatusRunning},
	})

	event, data = reader.next(t)
	require.Equal(t, "download", event)

	var msg DownloadMessage
	require.NoError(t, json.Unmarshal([]byte(data), &msg))
	require.Equal(t, video.ID, msg.VideoID)
	require.Equal(t, 0.25, msg.Progress)
	require.Equal(t, "running", msg.Status)
}
