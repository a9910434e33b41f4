package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"downtube/internal/downloader"
	"downtube/internal/registry"
	"downtube/pkg/models"

	"github.com/stretchr/testify/require"
)

func TestFeed_DownloadChanged(t *testing.T) {
	feed := NewFeed(nil)
	id, messages := feed.subscribe()
	defer feed.unsubscribe(id)

	feed.DownloadChanged(downloader.RowUpdate{
		Index:     2,
		StreamURL: "https://media.example.com/v?id=o-AAAAAAAAAAAAAAA",
		Download: &registry.ActiveDownload{
			Status:         registry.StatusPaused,
			Progress:       0.5,
			BytesWritten:   50,
			BytesExpected:  100,
			BytesPerSecond: 0,
		},
	})
	feed.DownloadChanged(downloader.RowUpdate{
		Index:     2,
		StreamURL: "https://media.example.com/v?id=o-AAAAAAAAAAAAAAA",
		Err:       errors.New("connection reset"),
	})

	msg := <-messages
	require.Equal(t, "download", msg.Event)
	var first DownloadMessage
	require.NoError(t, json.Unmarshal(msg.Data, &first))
	require.Equal(t, 2, first.Index)
	require.Equal(t, "paused", first.Status)
	require.Equal(t, int64(50), first.BytesWritten)
	require.Zero(t, first.VideoID)

	msg = <-messages
	var second DownloadMessage
	require.NoError(t, json.Unmarshal(msg.Data, &second))
	require.Equal(t, "connection reset", second.Error)
	require.Empty(t, second.Status)
}

func TestFeed_SlowClientDropsInsteadOfBlocking(t *testing.T) {
	feed := NewFeed(nil)
	id, messages := feed.subscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < clientBuffer*2; i++ {
			feed.DownloadChanged(downloader.RowUpdate{Index: i})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publishing blocked on a full client")
	}
	require.Len(t, messages, clientBuffer)

	feed.unsubscribe(id)
	require.Zero(t, feed.Clients())
	// Unsubscribing twice is harmless
	feed.unsubscribe(id)
}

func TestFeed_Watch(t *testing.T) {
	feed := NewFeed(nil)
	id, messages := feed.subscribe()
	defer feed.unsubscribe(id)

	changes := make(chan models.VideoChange, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		feed.Watch(context.Background(), changes)
	}()

	changes <- models.VideoChange{Type: models.ChangeMove, VideoID: 7, OldIndex: 3, NewIndex: 0}

	msg := <-messages
	require.Equal(t, "change", msg.Event)
	require.JSONEq(t, `{"type":"move","video_id":7,"old_index":3,"new_index":0}`, string(msg.Data))

	close(changes)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Watch did not return after the channel closed")
	}
}

func TestFeed_Close(t *testing.T) {
	feed := NewFeed(nil)
	_, messages := feed.subscribe()

	feed.Close()
	_, ok := <-messages
	require.False(t, ok)
	require.Zero(t, feed.Clients())

	_, late := feed.subscribe()
	_, ok = <-late
	require.False(t, ok)
	require.Zero(t, feed.Clients())

	// Publishing after close is a no-op
	feed.DownloadChanged(downloader.RowUpdate{Index: 1})
}
