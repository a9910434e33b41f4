// Package inbox drains the shared queue of URLs handed over by companion clients
package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"downtube/internal/database"
	"downtube/pkg/models"
)

// Queue is the durable pending URL list
type Queue interface {
	AppendPendingURL(url string) error
	TakePendingURLs() ([]string, error)
	TakeLatestPendingURL() (string, error)
}

// Submitter takes a URL down the same path as manual entry
type Submitter interface {
	Submit(ctx context.Context, sourceURL string) (*models.Video, error)
}

// Result is the outcome of one submitted URL
type Result struct {
	URL   string
	Video *models.Video
	Err   error
}

// Service connects the queue to the library
type Service struct {
	queue     Queue
	submitter Submitter
	logger    *slog.Logger
}

// NewService creates an inbox service
func NewService(queue Queue, submitter Submitter) *Service {
	return &Service{queue: queue, submitter: submitter, logger: slog.Default()}
}

// Enqueue appends a URL for later pickup
func (s *Service) Enqueue(url string) error {
	if url == "" {
		return fmt.Errorf("url is required")
	}
	if err := s.queue.AppendPendingURL(url); err != nil {
		return err
	}
	s.logger.Info("URL queued", "url", url)
	return nil
}

// DrainOnStartup submits every pending URL, oldest first, and clears the queue
func (s *Service) DrainOnStartup(ctx context.Context) ([]Result, error) {
	urls, err := s.queue.TakePendingURLs()
	if err != nil {
		return nil, fmt.Errorf("failed to drain inbox: %w", err)
	}

	results := make([]Result, 0, len(urls))
	for _, url := range urls {
		if ctx.Err() != nil {
			// Put back what we did not get to
			if err := s.queue.AppendPendingURL(url); err != nil {
				s.logger.Error("Failed to requeue URL", "url", url, "error", err)
			}
			continue
		}
		results = append(results, s.submit(ctx, url))
	}

	if len(urls) > 0 {
		s.logger.Info("Drained inbox", "count", len(urls))
	}
	return results, nil
}

// HandOff submits only the most recently queued URL. It returns false when the queue is empty.
func (s *Service) HandOff(ctx context.Context) (Result, bool, error) {
	url, err := s.queue.TakeLatestPendingURL()
	if err != nil {
		if errors.Is(err, database.ErrQueueEmpty) {
			return Result{}, false, nil
		}
		return Result{}, false, fmt.Errorf("failed to take pending url: %w", err)
	}
	return s.submit(ctx, url), true, nil
}

func (s *Service) submit(ctx context.Context, url string) Result {
	video, err := s.submitter.Submit(ctx, url)
	if err != nil {
		s.logger.Warn("Queued URL was not added", "url", url, "error", err)
	}
	return Result{URL: url, Video: video, Err: err}
}
