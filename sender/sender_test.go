package sender

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"relaynode/config"
	"relaynode/logs"
	"relaynode/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Sender.WorkerCount = 3
	cfg.Sender.QueueCapacity = 256
	cfg.Sender.BaseRetryDelay = 10 * time.Millisecond
	cfg.Sender.MaxRetryDelay = 40 * time.Millisecond
	return cfg
}

func targetOf(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "https://")
}

func TestPublishToDeliversEnvelope(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
		magic []string
	)
	got := make(chan []byte, 2)
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		paths = append(paths, r.URL.Path)
		magic = append(magic, r.Header.Get("magic"))
		mu.Unlock()
		got <- body
	}))
	defer srv.Close()

	cfg := testConfig()
	sm := NewSenderManager(cfg, srv.Client(), logs.Default())
	sm.Start()
	defer sm.Stop()

	msg := &types.PeerMessage{Body: []byte(`{"id":"tx1"}`)}
	n := sm.PublishTo([]string{targetOf(srv), targetOf(srv)}, "transactions", msg)
	assert.Equal(t, 2, n)

	for i := 0; i < 2; i++ {
		select {
		case body := <-got:
			assert.JSONEq(t, `{"body":{"id":"tx1"}}`, string(body))
		case <-time.After(5 * time.Second):
			t.Fatal("publish not delivered")
		}
	}
	mu.Lock()
	assert.Equal(t, []string{"/peer/pub/transactions", "/peer/pub/transactions"}, paths)
	assert.Equal(t, cfg.Node.Magic, magic[0])
	mu.Unlock()
}

func TestPublishRetriesThenGivesUp(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Sender.MaxRetries = 2
	sm := NewSenderManager(cfg, srv.Client(), logs.Default())
	sm.Start()
	defer sm.Stop()

	sm.PublishTo([]string{targetOf(srv)}, "blocks", &types.PeerMessage{Body: []byte(`{}`)})

	require.Eventually(t, func() bool {
		return sm.Queue().GetRuntimeStats().RetryExhausted == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, uint64(3), sm.Queue().GetRuntimeStats().SendError)
}

func TestRequestToReturnsBody(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/peer/rpc/height" {
			http.Error(w, "nope", http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"success":true,"height":7}`))
	}))
	defer srv.Close()

	sm := NewSenderManager(testConfig(), srv.Client(), logs.Default())

	raw, err := sm.RequestTo(context.Background(), targetOf(srv), "height", &types.PeerMessage{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"height":7}`, string(raw))

	_, err = sm.RequestTo(context.Background(), targetOf(srv), "blocks", &types.PeerMessage{})
	var statusErr *HTTPStatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)

	_, err = sm.RequestTo(context.Background(), "", "height", &types.PeerMessage{})
	assert.Error(t, err)
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	cfg := testConfig()
	cfg.Sender.QueueCapacity = 0
	sq := NewSendQueue(http.DefaultClient, logs.Default(), cfg)
	// 不启动 worker，队列只进不出
	for i := 0; i < 100; i++ {
		sq.Enqueue(&SendTask{Target: "x", Topic: "transactions", Priority: PriorityData})
	}
	st := sq.GetRuntimeStats()
	assert.Equal(t, uint64(36), st.DropDataFull)
	assert.Equal(t, 64, sq.QueueLen())

	chs := sq.GetChannelStats()
	require.Len(t, chs, 2)
	assert.Equal(t, "dataChan", chs[1].Name)
	assert.Equal(t, 1.0, chs[1].Usage)
}

func TestNextBackoffBounded(t *testing.T) {
	cfg := testConfig()
	cfg.Sender.BaseRetryDelay = 100 * time.Millisecond
	cfg.Sender.MaxRetryDelay = 300 * time.Millisecond
	cfg.Sender.JitterFactor = 0.3
	sq := NewSendQueue(http.DefaultClient, logs.Default(), cfg)

	for retry := 1; retry <= 6; retry++ {
		d := sq.nextBackoff(retry)
		assert.GreaterOrEqual(t, d, 70*time.Millisecond)
		assert.LessOrEqual(t, d, 390*time.Millisecond)
	}
}
