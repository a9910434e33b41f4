// Package web provides the HTTP server and routing
package web

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"downtube/internal/web/handlers"
)

// Server represents the HTTP server
type Server struct {
	server   *http.Server
	handlers *handlers.Handlers
	logger   *slog.Logger
}

// NewServer creates a new HTTP server listening on addr
func NewServer(addr string, h *handlers.Handlers) *Server {
	mux := http.NewServeMux()

	// Pages
	mux.HandleFunc("GET /{$}", h.Home)
	mux.HandleFunc("GET /videos/{id}/play", h.PlayVideo)
	mux.HandleFunc("GET /videos/{id}/file", h.VideoFile)
	mux.HandleFunc("POST /stream", h.StreamVideo)

	// HTMX partial endpoints
	mux.HandleFunc("GET /videos", h.Videos)
	mux.HandleFunc("POST /videos", h.SubmitVideo)
	mux.HandleFunc("POST /videos/{id}/download", h.DownloadVideo)
	mux.HandleFunc("POST /videos/{id}/pause", h.PauseVideo)
	mux.HandleFunc("POST /videos/{id}/resume", h.ResumeVideo)
	mux.HandleFunc("POST /videos/{id}/watched", h.MarkWatched)
	mux.HandleFunc("POST /videos/{id}/unwatched", h.MarkUnwatched)
	mux.HandleFunc("DELETE /videos/{id}", h.DeleteVideo)
	mux.HandleFunc("POST /videos/{id}/progress", h.UpdateProgress)

	// Companion hand-off
	mux.HandleFunc("POST /inbox", h.EnqueueURL)
	mux.HandleFunc("POST /inbox/signal", h.SignalInbox)

	mux.HandleFunc("GET /events", h.Events)

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	// Shutdown waits for handlers, so long lived event streams must end first
	server.RegisterOnShutdown(h.Close)

	return &Server{
		server:   server,
		handlers: h,
		logger:   slog.Default(),
	}
}

// Handler returns the routed handler, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server
func (s *Server) Start() error {
	localIP := getLocalIP()
	port := s.server.Addr[strings.LastIndex(s.server.Addr, ":")+1:]

	s.logger.Info("Starting HTTP server",
		"addr", s.server.Addr,
		"local_ip", localIP,
		"url", fmt.Sprintf("http://%s:%s", localIP, port))

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// getLocalIP returns the first private IPv4 address, preferring 192.168.*
func getLocalIP() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "localhost"
	}

	fallback := ""
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP.To4()
			if ip == nil || !ip.IsPrivate() {
				continue
			}
			if ip[0] == 192 && ip[1] == 168 {
				return ip.String()
			}
			if fallback == "" {
				fallback = ip.String()
			}
		}
	}

	if fallback != "" {
		return fallback
	}
	return "localhost"
}
