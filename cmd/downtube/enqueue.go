package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"downtube/internal/config"
	"downtube/internal/database"
	"downtube/internal/inbox"

	"github.com/spf13/cobra"
)

func newEnqueueCmd() *cobra.Command {
	var signalAddr string

	cmd := &cobra.Command{
		Use:   "enqueue <url>",
		Short: "Queue a video URL for the server to pick up",
		Long: `Appends a URL to the shared inbound queue. The server drains the whole
queue when it starts. With --signal the running server is told to take the
newest entry right away.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(cmd.Context(), args[0], signalAddr, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&signalAddr, "signal", "", "address of a running server to hand the URL to (host:port or URL)")
	return cmd
}

func runEnqueue(ctx context.Context, url, signalAddr string, out io.Writer) error {
	cfg, err := config.LoadQueue()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	// The submitting side lives in the server process
	if err := inbox.NewService(db, nil).Enqueue(strings.TrimSpace(url)); err != nil {
		return fmt.Errorf("failed to enqueue url: %w", err)
	}
	fmt.Fprintf(out, "Queued %s\n", url)

	if signalAddr == "" {
		return nil
	}
	if err := signalServer(ctx, signalAddr); err != nil {
		return fmt.Errorf("failed to signal server (the URL stays queued): %w", err)
	}
	fmt.Fprintln(out, "Server notified")
	return nil
}

func signalServer(ctx context.Context, addr string) error {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(base, "/")+"/inbox/signal", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	// A refused submission is still a completed hand-off
	if resp.StatusCode >= http.StatusInternalServerError {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return nil
}
