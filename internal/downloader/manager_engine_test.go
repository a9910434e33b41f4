package downloader_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"downtube/internal/downloader"
	"downtube/internal/downloader/mocks"
	"downtube/internal/engine"
	"downtube/internal/media"
	"downtube/internal/registry"
	"downtube/pkg/models"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// stallingServer sends half the payload on the first request and holds the
// connection open; later requests are served with range support
type stallingServer struct {
	payload []byte
	calls   atomic.Int32
}

func (s *stallingServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("ETag", `"v1"`)
	if s.calls.Add(1) == 1 {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", strconv.Itoa(len(s.payload)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(s.payload[:len(s.payload)/2])
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		return
	}
	http.ServeContent(w, r, "video.mp4", time.Time{}, bytes.NewReader(s.payload))
}

func TestManager_StaleCompletionAfterResumeWithRealEngine(t *testing.T) {
	payload := make([]byte, 64*1024)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	srv := &stallingServer{payload: payload}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	eng, err := engine.New(ts.Client(), t.TempDir())
	require.NoError(t, err)
	defer eng.Close()

	store, err := media.NewStore(t.TempDir())
	require.NoError(t, err)

	positions := mocks.NewMockPositions(gomock.NewController(t))
	positions.EXPECT().IndexOfStreamURL(gomock.Any()).Return(0, nil).AnyTimes()

	manager := downloader.NewManager(eng, registry.New(), positions, store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = manager.Run(ctx) }()

	stream := ts.URL + "/videoplayback?id=o-AAAAAAAAAAAAAAA"
	video := &models.Video{ID: 1, SourceURL: "https://youtu.be/aaaaaaaaaaa", StreamURL: stream}

	require.NoError(t, manager.StartDownload(video))
	require.Eventually(t, func() bool {
		entry, ok := manager.Snapshot(stream)
		return ok && entry.BytesWritten == int64(len(payload)/2)
	}, 5*time.Second, 10*time.Millisecond)

	running, _ := manager.Snapshot(stream)
	require.NoError(t, manager.PauseDownload(video))
	paused, ok := manager.Snapshot(stream)
	require.True(t, ok)
	require.NotNil(t, paused.ResumeState)
	require.True(t, paused.ResumeState.Resumable())

	require.NoError(t, manager.ResumeDownload(video))

	// A late completion for the original handle pointing at the paused file
	manager.HandleEvent(engine.Event{
		Kind:     engine.EventCompleted,
		Handle:   running.Handle,
		URL:      stream,
		TempPath: paused.ResumeState.TempPath,
	})

	require.Eventually(t, func() bool {
		return store.Exists(stream)
	}, 5*time.Second, 10*time.Millisecond)

	path, ok := store.PathFor(stream)
	require.True(t, ok)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, payload, data)
	require.Equal(t, int32(2), srv.calls.Load())

	_, active := manager.Snapshot(stream)
	require.False(t, active)
}
