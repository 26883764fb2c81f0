package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"acme/pkg/logging"
)

// Server answers CLI commands on a unix domain socket.
type Server struct {
	socketPath string
	dispatcher *Dispatcher
	httpServer *http.Server
}

// NewServer builds the command server.
func NewServer(socketPath string, dispatcher *Dispatcher) *Server {
	s := &Server{socketPath: socketPath, dispatcher: dispatcher}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post(CommandPath, s.handleCommand)

	s.httpServer = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled. A stale socket from a crashed
// daemon is removed before binding.
func (s *Server) Run(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.socketPath, err)
	}
	// only the local user and root may command the daemon
	if err := os.Chmod(s.socketPath, 0o660); err != nil {
		listener.Close()
		return fmt.Errorf("failed to restrict socket permissions: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(listener)
	}()
	logging.Info("IPC", "Command server listening on %s", s.socketPath)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
		os.Remove(s.socketPath)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Stop shuts the server down outside of Run's context.
func (s *Server) Stop() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.httpServer.Shutdown(shutdownCtx)
	os.Remove(s.socketPath)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResponse(w, Errorf("malformed request: %v", err))
		return
	}
	logging.Debug("IPC", "Command %s", req.Command)
	writeResponse(w, s.dispatcher.Dispatch(r.Context(), req))
}

func writeResponse(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logging.Error("IPC", err, "Failed to write response")
	}
}
