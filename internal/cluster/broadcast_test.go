package cluster

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-lake-compactor/internal/filelist"
)

// staticRegistry hands out a fixed peer list.
type staticRegistry struct {
	self  Node
	peers []Node
}

func (r *staticRegistry) Self() Node { return r.self }
func (r *staticRegistry) IsAlive(_ context.Context, id string) (bool, error) {
	if id == r.self.ID {
		return true, nil
	}
	for _, p := range r.peers {
		if p.ID == id {
			return true, nil
		}
	}
	return false, nil
}
func (r *staticRegistry) Peers(context.Context) ([]Node, error) { return r.peers, nil }
func (r *staticRegistry) Run(ctx context.Context) error         { <-ctx.Done(); return nil }

func TestHTTPBroadcasterNotifiesPeers(t *testing.T) {
	var (
		mu       sync.Mutex
		received [][]filelist.FileKey
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, notifyPath, r.URL.Path)
		var events []filelist.FileKey
		require.NoError(t, json.NewDecoder(r.Body).Decode(&events))
		mu.Lock()
		received = append(received, events)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := &staticRegistry{
		self:  NewNode("http://self"),
		peers: []Node{{ID: "peer-1", Addr: srv.URL}},
	}
	b := NewHTTPBroadcaster(reg)

	stream := filelist.StreamRef{Org: "default", Type: filelist.StreamLogs, Name: "nginx"}
	ts := time.Date(2024, 1, 15, 7, 0, 0, 0, time.UTC).UnixMicro()
	events := []filelist.FileKey{
		{ID: 42, Key: filelist.BuildKey(stream, ts, "a.parquet")},
		{Key: filelist.BuildKey(stream, ts, "b.parquet"), Deleted: true},
	}
	require.NoError(t, b.FileListChanged(context.Background(), events))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	require.Len(t, received[0], 2)
	assert.Equal(t, int64(42), received[0][0].ID)
	assert.True(t, received[0][1].Deleted)
}

func TestHTTPBroadcasterSurvivesDeadPeer(t *testing.T) {
	reg := &staticRegistry{
		self:  NewNode("http://self"),
		peers: []Node{{ID: "peer-dead", Addr: "http://127.0.0.1:1"}},
	}
	b := NewHTTPBroadcaster(reg)
	b.client.Timeout = 100 * time.Millisecond

	// unreachable peers are logged, not fatal
	assert.NoError(t, b.FileListChanged(context.Background(), []filelist.FileKey{}))
}

func TestHTTPBroadcasterNoPeersIsNoop(t *testing.T) {
	reg := &staticRegistry{self: NewNode("http://self")}
	b := NewHTTPBroadcaster(reg)
	assert.NoError(t, b.FileListChanged(context.Background(), nil))
}

func TestLocalRegistry(t *testing.T) {
	node := NewNode("")
	reg := NewLocalRegistry(node)

	alive, err := reg.IsAlive(context.Background(), node.ID)
	require.NoError(t, err)
	assert.True(t, alive)

	alive, err = reg.IsAlive(context.Background(), "someone-else")
	require.NoError(t, err)
	assert.False(t, alive)

	peers, err := reg.Peers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, peers)
}
