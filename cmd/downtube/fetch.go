package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"sync"
	"syscall"

	"downtube/internal/engine"
	"downtube/internal/media"
	"downtube/internal/transport"

	"github.com/cheggaaa/pb/v3"
	"github.com/spf13/cobra"
)

const progressTemplate = `{{string . "prefix"}}{{counters . }} {{bar . }} {{percent . }} {{speed . }} {{rtime . "ETA %s"}}`

type fetchOptions struct {
	URL        string
	Output     string
	ResumePath string
	ProxyURL   string
}

func newFetchCmd() *cobra.Command {
	var opts fetchOptions

	cmd := &cobra.Command{
		Use:   "fetch [stream-url]",
		Short: "Download a stream URL in the foreground",
		Long: `Downloads a single stream URL with a progress bar. Ctrl-C pauses the
transfer and writes a resume token next to the output file; pass it back
with --resume to continue where it stopped.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.URL = args[0]
			}
			if opts.URL == "" && opts.ResumePath == "" {
				return fmt.Errorf("a stream URL or --resume token is required")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runFetch(ctx, opts, cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file (default derived from the URL)")
	cmd.Flags().StringVar(&opts.ResumePath, "resume", "", "resume token written by an earlier paused fetch")
	cmd.Flags().StringVar(&opts.ProxyURL, "proxy", os.Getenv("PROXY_URL"), "http, https or socks5 proxy")
	return cmd
}

// runFetch downloads until completion, or pauses and saves a token when ctx is cancelled
func runFetch(ctx context.Context, opts fetchOptions, progress io.Writer) error {
	var resume *engine.ResumeState
	if opts.ResumePath != "" {
		state, err := readResumeState(opts.ResumePath)
		if err != nil {
			return err
		}
		if opts.URL != "" && opts.URL != state.URL {
			return fmt.Errorf("resume token is for %s, not %s", state.URL, opts.URL)
		}
		opts.URL = state.URL
		resume = &state
	}

	output, err := filepath.Abs(outputName(opts))
	if err != nil {
		return fmt.Errorf("failed to resolve output path: %w", err)
	}
	tokenPath := opts.ResumePath
	if tokenPath == "" {
		tokenPath = output + ".resume.json"
	}

	client, err := transport.NewHTTPClient(transport.Options{ProxyURL: opts.ProxyURL})
	if err != nil {
		return err
	}

	// Partial data sits next to the output so tokens stay valid between runs
	eng, err := engine.New(client, filepath.Dir(output))
	if err != nil {
		return err
	}
	defer eng.Close()

	var handle engine.Handle
	if resume != nil {
		handle, err = eng.ResumeFrom(*resume)
	} else {
		handle, err = eng.Start(opts.URL)
	}
	if err != nil {
		return fmt.Errorf("failed to start download: %w", err)
	}

	bar := pb.ProgressBarTemplate(progressTemplate).New(0)
	bar.SetWriter(progress)
	bar.Set(pb.Bytes, true)
	bar.Set(pb.SIBytesPrefix, true)
	bar.Set("prefix", "Downloading: ")
	bar.Start()
	finish := sync.OnceFunc(func() { bar.Finish() })
	defer finish()

	done := ctx.Done()
	for {
		select {
		case <-done:
			state, err := eng.Pause(handle)
			if errors.Is(err, engine.ErrUnknownHandle) {
				// Already finished; its final event is on the way
				done = nil
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to pause download: %w", err)
			}
			if err := writeResumeState(tokenPath, state); err != nil {
				return err
			}
			finish()
			fmt.Fprintf(progress, "Paused at %d bytes. Resume with: downtube fetch --resume %s -o %s\n", state.Offset, tokenPath, output)
			return nil

		case ev, ok := <-eng.Events():
			if !ok {
				return engine.ErrClosed
			}
			if ev.Handle != handle {
				continue
			}
			switch ev.Kind {
			case engine.EventProgress:
				if ev.BytesExpected > 0 {
					bar.SetTotal(ev.BytesExpected)
				}
				bar.SetCurrent(ev.BytesWritten)
			case engine.EventCompleted:
				if err := os.Rename(ev.TempPath, output); err != nil {
					return fmt.Errorf("failed to move download into place: %w", err)
				}
				bar.SetCurrent(ev.BytesWritten)
				if err := os.Remove(tokenPath); err != nil && !os.IsNotExist(err) {
					slog.Warn("Failed to remove resume token", "path", tokenPath, "error", err)
				}
				finish()
				fmt.Fprintf(progress, "Saved %s\n", output)
				return nil
			case engine.EventFailed:
				return fmt.Errorf("download failed: %w", ev.Err)
			}
		}
	}
}

func outputName(opts fetchOptions) string {
	if opts.Output != "" {
		return opts.Output
	}
	if id, ok := media.ContentID(opts.URL); ok {
		return id + media.Extension
	}
	if u, err := url.Parse(opts.URL); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" {
			return base
		}
	}
	return "video" + media.Extension
}

func readResumeState(path string) (engine.ResumeState, error) {
	var state engine.ResumeState
	data, err := os.ReadFile(path)
	if err != nil {
		return state, fmt.Errorf("failed to read resume token: %w", err)
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, fmt.Errorf("failed to parse resume token: %w", err)
	}
	if state.URL == "" {
		return state, engine.ErrInvalidResumeState
	}
	return state, nil
}

func writeResumeState(path string, state engine.ResumeState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode resume token: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write resume token: %w", err)
	}
	return nil
}
