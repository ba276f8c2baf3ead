package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/withObsrvr/obsrvr-lake-compactor/internal/filelist"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/logging"
)

// maxNotifyBody bounds one change batch on the wire.
const maxNotifyBody = 32 << 20

// NotifyServer is the receiving side of HTTPBroadcaster: it serves the
// peer notification endpoint on this node's advertised address and hands
// each change batch to apply.
type NotifyServer struct {
	addr  string
	apply func(events []filelist.FileKey)
	log   *slog.Logger
}

// NewNotifyServer listens on addr. apply runs once per received batch and
// must be safe for concurrent calls.
func NewNotifyServer(addr string, apply func(events []filelist.FileKey)) *NotifyServer {
	return &NotifyServer{
		addr:  addr,
		apply: apply,
		log:   logging.Component("notify"),
	}
}

// Run serves until ctx ends, then shuts down draining in-flight requests.
func (s *NotifyServer) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(notifyPath, s.handleChanged)

	srv := &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("notify server listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *NotifyServer) handleChanged(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxNotifyBody))
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}
	var events []filelist.FileKey
	if err := json.Unmarshal(body, &events); err != nil {
		http.Error(w, "decode events: "+err.Error(), http.StatusBadRequest)
		return
	}
	s.apply(events)
	s.log.Debug("file-list changes applied", "events", len(events))
	w.WriteHeader(http.StatusNoContent)
}
