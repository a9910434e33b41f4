package engine

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var payload = bytes.Repeat([]byte("0123456789abcdef"), 8192)

// videoServer serves payload. When stallFirst is set the first full request stops after
// half of the body and holds the connection until the client goes away.
type videoServer struct {
	ranges      bool
	stallFirst  bool
	changeETag  bool
	ignoreRange bool
	requests    atomic.Int32
}

func (s *videoServer) etag(request int32) string {
	if s.changeETag && request > 1 {
		return `"v2"`
	}
	return `"v1"`
}

func (s *videoServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := s.requests.Add(1)

	if s.ranges {
		w.Header().Set("ETag", s.etag(n))
		if r.Header.Get("Range") != "" && !s.ignoreRange {
			http.ServeContent(w, r, "video.mp4", time.Time{}, bytes.NewReader(payload))
			return
		}
		w.Header().Set("Accept-Ranges", "bytes")
	}

	w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
	w.WriteHeader(http.StatusOK)

	if n == 1 && s.stallFirst {
		_, _ = w.Write(payload[:len(payload)/2])
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		return
	}
	_, _ = w.Write(payload)
}

func newTestEngine(t *testing.T, client *http.Client) *Engine {
	t.Helper()
	e, err := New(client, t.TempDir())
	require.NoError(t, err)
	return e
}

func waitForEvent(t *testing.T, e *Engine, match func(Event) bool) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-e.Events():
			require.True(t, ok, "event channel closed")
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatal("timed out waiting for engine event")
			return Event{}
		}
	}
}

func isKind(kind EventKind) func(Event) bool {
	return func(ev Event) bool { return ev.Kind == kind }
}

func reachedHalf(ev Event) bool {
	return ev.Kind == EventProgress && ev.BytesWritten == int64(len(payload)/2)
}

func TestEngine_StartCompletes(t *testing.T) {
	srv := &videoServer{ranges: true}
	ts := httptest.NewServer(srv)
	defer ts.Close()
	e := newTestEngine(t, ts.Client())
	defer e.Close()

	handle, err := e.Start(ts.URL + "/video")
	require.NoError(t, err)
	require.NotEmpty(t, handle)

	var lastWritten int64
	done := waitForEvent(t, e, func(ev Event) bool {
		if ev.Kind == EventProgress {
			require.Equal(t, handle, ev.Handle)
			require.GreaterOrEqual(t, ev.BytesWritten, lastWritten)
			lastWritten = ev.BytesWritten
			return false
		}
		return true
	})

	require.Equal(t, EventCompleted, done.Kind)
	require.Equal(t, handle, done.Handle)
	require.Equal(t, ts.URL+"/video", done.URL)
	require.Equal(t, int64(len(payload)), done.BytesWritten)
	require.Equal(t, int64(len(payload)), done.BytesExpected)
	require.Equal(t, filepath.Join(e.TempDir(), string(handle)+".part"), done.TempPath)

	data, err := os.ReadFile(done.TempPath)
	require.NoError(t, err)
	require.Equal(t, payload, data)

	// Finished transfers are no longer addressable
	_, err = e.Pause(handle)
	require.ErrorIs(t, err, ErrUnknownHandle)
}

func TestEngine_PauseResumeIsByteIdentical(t *testing.T) {
	srv := &videoServer{ranges: true, stallFirst: true}
	ts := httptest.NewServer(srv)
	defer ts.Close()
	e := newTestEngine(t, ts.Client())
	defer e.Close()

	handle, err := e.Start(ts.URL)
	require.NoError(t, err)
	waitForEvent(t, e, reachedHalf)

	state, err := e.Pause(handle)
	require.NoError(t, err)
	require.True(t, state.Resumable())
	require.Equal(t, int64(len(payload)/2), state.Offset)
	require.Equal(t, int64(len(payload)), state.Expected)
	require.Equal(t, `"v1"`, state.ETag)

	resumed, err := e.ResumeFrom(state)
	require.NoError(t, err)
	require.NotEqual(t, handle, resumed)

	// The resumed handle owns a fresh path; discarding the paused one cannot touch it
	require.NoError(t, e.Discard(state))

	done := waitForEvent(t, e, func(ev Event) bool {
		return ev.Kind != EventProgress
	})
	require.Equal(t, EventCompleted, done.Kind)
	require.Equal(t, resumed, done.Handle)

	require.Equal(t, filepath.Join(e.TempDir(), string(resumed)+".part"), done.TempPath)

	data, err := os.ReadFile(done.TempPath)
	require.NoError(t, err)
	require.Equal(t, payload, data)
	require.Equal(t, int32(2), srv.requests.Load())
}

func TestEngine_ResumeRestartsWhenServerRefusesRange(t *testing.T) {
	tests := []struct {
		name   string
		server *videoServer
	}{
		{"validator changed", &videoServer{ranges: true, stallFirst: true, changeETag: true}},
		{"range ignored", &videoServer{ranges: true, stallFirst: true, ignoreRange: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(tt.server)
			defer ts.Close()
			e := newTestEngine(t, ts.Client())
			defer e.Close()

			handle, err := e.Start(ts.URL)
			require.NoError(t, err)
			waitForEvent(t, e, reachedHalf)

			state, err := e.Pause(handle)
			require.NoError(t, err)
			require.True(t, state.Resumable())

			_, err = e.ResumeFrom(state)
			require.NoError(t, err)

			done := waitForEvent(t, e, func(ev Event) bool { return ev.Kind != EventProgress })
			require.Equal(t, EventCompleted, done.Kind)

			data, err := os.ReadFile(done.TempPath)
			require.NoError(t, err)
			require.Equal(t, payload, data)
		})
	}
}

func TestEngine_DegradedResume(t *testing.T) {
	srv := &videoServer{stallFirst: true}
	ts := httptest.NewServer(srv)
	defer ts.Close()
	e := newTestEngine(t, ts.Client())
	defer e.Close()

	handle, err := e.Start(ts.URL)
	require.NoError(t, err)
	waitForEvent(t, e, reachedHalf)

	state, err := e.Pause(handle)
	require.NoError(t, err)
	require.False(t, state.Resumable())
	require.Equal(t, ts.URL, state.URL)
	require.Zero(t, state.Offset)

	// The partial file is gone
	_, err = os.Stat(filepath.Join(e.TempDir(), string(handle)+".part"))
	require.True(t, os.IsNotExist(err))

	_, err = e.ResumeFrom(state)
	require.NoError(t, err)

	done := waitForEvent(t, e, isKind(EventCompleted))
	data, err := os.ReadFile(done.TempPath)
	require.NoError(t, err)
	require.Equal(t, payload, data)
}

func TestEngine_ResumeFromMismatchedStateStartsFresh(t *testing.T) {
	srv := &videoServer{ranges: true}
	ts := httptest.NewServer(srv)
	defer ts.Close()
	e := newTestEngine(t, ts.Client())
	defer e.Close()

	tempPath := filepath.Join(e.TempDir(), "stale.part")
	require.NoError(t, os.WriteFile(tempPath, []byte("short"), 0o644))

	_, err := e.ResumeFrom(ResumeState{URL: ts.URL, TempPath: tempPath, Offset: 4096, Expected: int64(len(payload))})
	require.NoError(t, err)

	done := waitForEvent(t, e, isKind(EventCompleted))
	data, err := os.ReadFile(done.TempPath)
	require.NoError(t, err)
	require.Equal(t, payload, data)

	_, err = os.Stat(tempPath)
	require.True(t, os.IsNotExist(err))
}

func TestEngine_ResumeFromCompleteState(t *testing.T) {
	srv := &videoServer{ranges: true}
	ts := httptest.NewServer(srv)
	defer ts.Close()
	e := newTestEngine(t, ts.Client())
	defer e.Close()

	tempPath := filepath.Join(e.TempDir(), "done.part")
	require.NoError(t, os.WriteFile(tempPath, payload, 0o644))

	handle, err := e.ResumeFrom(ResumeState{URL: ts.URL, TempPath: tempPath, Offset: int64(len(payload)), Expected: int64(len(payload))})
	require.NoError(t, err)

	done := waitForEvent(t, e, isKind(EventCompleted))
	require.Equal(t, handle, done.Handle)
	require.Equal(t, filepath.Join(e.TempDir(), string(handle)+".part"), done.TempPath)
	require.Zero(t, srv.requests.Load())

	data, err := os.ReadFile(done.TempPath)
	require.NoError(t, err)
	require.Equal(t, payload, data)
	_, err = os.Stat(tempPath)
	require.True(t, os.IsNotExist(err))
}

func TestEngine_ResumeFromInvalidState(t *testing.T) {
	e := newTestEngine(t, nil)
	defer e.Close()

	_, err := e.ResumeFrom(ResumeState{})
	require.ErrorIs(t, err, ErrInvalidResumeState)

	require.ErrorIs(t, e.Discard(ResumeState{URL: "http://x", TempPath: "/etc/passwd", Offset: 1}), ErrInvalidResumeState)
	require.NoError(t, e.Discard(ResumeState{URL: "http://x"}))
}

func TestEngine_Cancel(t *testing.T) {
	srv := &videoServer{ranges: true, stallFirst: true}
	ts := httptest.NewServer(srv)
	defer ts.Close()
	e := newTestEngine(t, ts.Client())
	defer e.Close()

	handle, err := e.Start(ts.URL)
	require.NoError(t, err)
	waitForEvent(t, e, reachedHalf)

	e.Cancel(handle)
	// Unknown and repeated cancels are harmless
	e.Cancel(handle)
	e.Cancel("nope")

	tempPath := filepath.Join(e.TempDir(), string(handle)+".part")
	require.Eventually(t, func() bool {
		_, err := os.Stat(tempPath)
		return os.IsNotExist(err)
	}, 5*time.Second, 10*time.Millisecond)

	select {
	case ev := <-e.Events():
		require.NotEqual(t, EventCompleted, ev.Kind)
		require.NotEqual(t, EventFailed, ev.Kind)
	case <-time.After(100 * time.Millisecond):
	}

	_, err = e.Pause(handle)
	require.ErrorIs(t, err, ErrUnknownHandle)
}

func TestEngine_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr string
	}{
		{
			name: "not found",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.NotFound(w, r)
			},
			wantErr: "status 404",
		},
		{
			name: "short body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Length", "100")
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write(make([]byte, 50))
			},
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(tt.handler)
			defer ts.Close()
			e := newTestEngine(t, ts.Client())
			defer e.Close()

			handle, err := e.Start(ts.URL)
			require.NoError(t, err)

			ev := waitForEvent(t, e, func(ev Event) bool { return ev.Kind != EventProgress })
			require.Equal(t, EventFailed, ev.Kind)
			require.Equal(t, handle, ev.Handle)
			require.Error(t, ev.Err)
			if tt.wantErr != "" {
				require.Contains(t, ev.Err.Error(), tt.wantErr)
			}

			_, err = os.Stat(filepath.Join(e.TempDir(), string(handle)+".part"))
			require.True(t, os.IsNotExist(err))
		})
	}
}

func TestEngine_Close(t *testing.T) {
	e := newTestEngine(t, nil)

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, err := e.Start("http://127.0.0.1/video")
	require.ErrorIs(t, err, ErrClosed)

	_, open := <-e.Events()
	require.False(t, open)
}

func TestEngine_StartRequiresURL(t *testing.T) {
	e := newTestEngine(t, nil)
	defer e.Close()

	_, err := e.Start("")
	require.Error(t, err)
}

func TestParseContentRange(t *testing.T) {
	tests := []struct {
		header    string
		wantStart int64
		wantTotal int64
		wantOK    bool
	}{
		{"bytes 0-99/200", 0, 200, true},
		{"bytes 100-199/200", 100, 200, true},
		{"bytes 5-9/*", 5, -1, true},
		{"", 0, 0, false},
		{"items 0-1/2", 0, 0, false},
		{"bytes 0-99", 0, 0, false},
		{"bytes x-99/200", 0, 0, false},
		{"bytes 0-99/y", 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.header), func(t *testing.T) {
			start, total, ok := parseContentRange(tt.header)
			require.Equal(t, tt.wantOK, ok)
			if ok {
				require.Equal(t, tt.wantStart, start)
				require.Equal(t, tt.wantTotal, total)
			}
		})
	}
}

func TestEvent_Fraction(t *testing.T) {
	require.Zero(t, Event{BytesWritten: 10}.Fraction())
	require.InDelta(t, 0.25, Event{BytesWritten: 25, BytesExpected: 100}.Fraction(), 1e-9)
	require.Equal(t, 1.0, Event{BytesWritten: 200, BytesExpected: 100}.Fraction())
	require.Equal(t, "completed", EventCompleted.String())
}

func TestSpeedHistory(t *testing.T) {
	sh := newSpeedHistory()
	require.Zero(t, sh.speed(0, 0))

	// Too short to count
	sh.addSample(1000, 0.1)
	require.Zero(t, sh.size)

	sh.addSample(1000, 1)
	sh.addSample(3000, 1)
	require.InDelta(t, 2000, sh.speed(0, 0), 1e-9)

	for i := 0; i < speedHistorySize; i++ {
		sh.addSample(500, 1)
	}
	require.Equal(t, speedHistorySize, sh.size)
	require.InDelta(t, 500, sh.speed(0, 0), 1e-9)
}
