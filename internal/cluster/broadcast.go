package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/withObsrvr/obsrvr-lake-compactor/internal/filelist"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/logging"
)

// notifyPath is the internal endpoint peers accept file-list changes on.
const notifyPath = "/internal/v1/filelist/changed"

// HTTPBroadcaster pushes file-list change batches to every live peer so their
// in-memory caches track the catalog without polling.
type HTTPBroadcaster struct {
	registry Registry
	client   *http.Client
	log      *slog.Logger
}

func NewHTTPBroadcaster(registry Registry) *HTTPBroadcaster {
	return &HTTPBroadcaster{
		registry: registry,
		client:   &http.Client{Timeout: 30 * time.Second},
		log:      logging.Component("broadcast"),
	}
}

// FileListChanged posts the batch to each peer, retrying each peer a few
// times with exponential backoff. A peer that stays unreachable is skipped
// with a warning; its cache catches up from the catalog.
func (b *HTTPBroadcaster) FileListChanged(ctx context.Context, events []filelist.FileKey) error {
	peers, err := b.registry.Peers(ctx)
	if err != nil {
		return fmt.Errorf("list peers: %w", err)
	}
	if len(peers) == 0 {
		return nil
	}
	body, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}
	for _, peer := range peers {
		op := func() error { return b.post(ctx, peer, body) }
		policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
		if err := backoff.Retry(op, policy); err != nil {
			b.log.Warn("peer notification failed", "peer", peer.ID, "addr", peer.Addr, "error", err)
		}
	}
	return nil
}

func (b *HTTPBroadcaster) post(ctx context.Context, peer Node, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, peer.Addr+notifyPath, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
}

// NoopBroadcaster drops notifications. Used when cache invalidation is
// disabled or the deployment is single-node.
type NoopBroadcaster struct{}

func (NoopBroadcaster) FileListChanged(context.Context, []filelist.FileKey) error { return nil }
