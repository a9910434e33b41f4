package inbox

import (
	"context"
	"errors"
	"sync"
	"testing"

	"downtube/internal/database"
	"downtube/pkg/models"

	"github.com/stretchr/testify/require"
)

// recordingSubmitter remembers every URL and fails the ones listed in fail
type recordingSubmitter struct {
	mu   sync.Mutex
	urls []string
	fail map[string]error
}

func (r *recordingSubmitter) Submit(ctx context.Context, sourceURL string) (*models.Video, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.urls = append(r.urls, sourceURL)
	if err := r.fail[sourceURL]; err != nil {
		return nil, err
	}
	return &models.Video{ID: int64(len(r.urls)), SourceURL: sourceURL}, nil
}

func newTestService(t *testing.T) (*Service, *database.DB, *recordingSubmitter) {
	t.Helper()
	db, err := database.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	submitter := &recordingSubmitter{fail: map[string]error{}}
	return NewService(db, submitter), db, submitter
}

func TestService_Enqueue(t *testing.T) {
	svc, db, _ := newTestService(t)

	require.Error(t, svc.Enqueue(""))
	require.NoError(t, svc.Enqueue("https://youtu.be/aaaaaaaaaaa"))

	count, err := db.CountPendingURLs()
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestService_DrainOnStartup(t *testing.T) {
	svc, db, submitter := newTestService(t)
	urls := []string{"https://youtu.be/aaaaaaaaaaa", "https://youtu.be/bbbbbbbbbbb", "https://youtu.be/ccccccccccc"}
	for _, url := range urls {
		require.NoError(t, svc.Enqueue(url))
	}
	submitter.fail[urls[1]] = errors.New("resolution failed")

	results, err := svc.DrainOnStartup(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.Equal(t, urls, submitter.urls)
	require.NoError(t, results[0].Err)
	require.Error(t, results[1].Err)
	require.NoError(t, results[2].Err)

	// A failed entry is not retried; the queue is empty
	count, err := db.CountPendingURLs()
	require.NoError(t, err)
	require.Zero(t, count)

	results, err = svc.DrainOnStartup(context.Background())
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestService_DrainOnStartupCancelledRequeues(t *testing.T) {
	svc, db, submitter := newTestService(t)
	require.NoError(t, svc.Enqueue("https://youtu.be/aaaaaaaaaaa"))
	require.NoError(t, svc.Enqueue("https://youtu.be/bbbbbbbbbbb"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := svc.DrainOnStartup(ctx)
	require.NoError(t, err)
	require.Empty(t, results)
	require.Empty(t, submitter.urls)

	count, err := db.CountPendingURLs()
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestService_HandOffTakesOnlyLatest(t *testing.T) {
	svc, db, submitter := newTestService(t)

	_, ok, err := svc.HandOff(context.Background())
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, svc.Enqueue("https://youtu.be/aaaaaaaaaaa"))
	require.NoError(t, svc.Enqueue("https://youtu.be/bbbbbbbbbbb"))

	result, ok, err := svc.HandOff(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "https://youtu.be/bbbbbbbbbbb", result.URL)
	require.NoError(t, result.Err)
	require.Equal(t, []string{"https://youtu.be/bbbbbbbbbbb"}, submitter.urls)

	count, err := db.CountPendingURLs()
	require.NoError(t, err)
	require.Equal(t, 1, count)
}
