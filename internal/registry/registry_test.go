package registry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/findswarm/internal/cluster"
	"github.com/dreamware/findswarm/internal/logging"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMemoryRegistryFindByTag(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()

	require.NoError(t, r.Register(ctx, cluster.WorkerHandle{ID: "w2", Tag: "file-search", Root: "/b"}))
	require.NoError(t, r.Register(ctx, cluster.WorkerHandle{ID: "w1", Tag: "file-search", Root: "/a"}))
	require.NoError(t, r.Register(ctx, cluster.WorkerHandle{ID: "pm", Tag: "pool-manager"}))

	got, err := r.Find(ctx, "file-search")
	require.NoError(t, err)
	assert.Equal(t, []string{"w1", "w2"}, IDs(got))
	assert.False(t, got[0].RegisteredAt.IsZero())

	got, err = r.Find(ctx, "analysis-bridge")
	require.NoError(t, err)
	assert.Empty(t, got)

	// overwrite keeps one entry
	require.NoError(t, r.Register(ctx, cluster.WorkerHandle{ID: "w1", Tag: "file-search", Root: "/z"}))
	got, _ = r.Find(ctx, "file-search")
	require.Len(t, got, 2)
	assert.Equal(t, "/z", got[0].Root)

	require.NoError(t, r.Deregister(ctx, "w1"))
	require.NoError(t, r.Deregister(ctx, "never-there"))
	got, _ = r.Find(ctx, "file-search")
	assert.Equal(t, []string{"w2"}, IDs(got))
	assert.Equal(t, 2, r.Len())
}

func TestMemoryRegistryRejectsIncompleteHandle(t *testing.T) {
	r := NewMemoryRegistry()
	assert.ErrorIs(t, r.Register(context.Background(), cluster.WorkerHandle{Tag: "x"}), ErrInvalidHandle)
	assert.ErrorIs(t, r.Register(context.Background(), cluster.WorkerHandle{ID: "x"}), ErrInvalidHandle)
}

// TestMemoryRegistryVisibilityDelay checks that a fresh registration is not
// observable until the delay has passed.
func TestMemoryRegistryVisibilityDelay(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	r := NewMemoryRegistry(WithVisibilityDelay(time.Second), WithClock(clock.Now))

	require.NoError(t, r.Register(ctx, cluster.WorkerHandle{ID: "w1", Tag: "file-search"}))
	got, _ := r.Find(ctx, "file-search")
	assert.Empty(t, got)

	clock.Advance(999 * time.Millisecond)
	got, _ = r.Find(ctx, "file-search")
	assert.Empty(t, got)

	clock.Advance(time.Millisecond)
	got, _ = r.Find(ctx, "file-search")
	assert.Equal(t, []string{"w1"}, IDs(got))
}

func TestMemoryRegistryConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		id := "w" + strings.Repeat("x", i)
		go func() {
			defer wg.Done()
			_ = r.Register(ctx, cluster.WorkerHandle{ID: id, Tag: "file-search"})
		}()
		go func() {
			defer wg.Done()
			_, _ = r.Find(ctx, "file-search")
		}()
	}
	wg.Wait()

	got, _ := r.Find(ctx, "file-search")
	assert.Len(t, got, 50)
}

// TestClientAgainstHandler runs the HTTP client end to end against the server side.
func TestClientAgainstHandler(t *testing.T) {
	mem := NewMemoryRegistry()
	srv := httptest.NewServer(NewHandler(mem, logging.NewNop()))
	defer srv.Close()

	ctx := context.Background()
	c := NewClient(srv.URL + "/")

	require.NoError(t, c.Register(ctx, cluster.WorkerHandle{ID: "w1", Tag: "file-search", Root: "/a"}))
	require.NoError(t, c.Register(ctx, cluster.WorkerHandle{ID: "pm", Tag: "pool-manager"}))

	got, err := c.Find(ctx, "file-search")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "/a", got[0].Root)

	require.NoError(t, c.Deregister(ctx, "w1"))
	got, err = c.Find(ctx, "file-search")
	require.NoError(t, err)
	assert.Empty(t, got)

	err = c.Register(ctx, cluster.WorkerHandle{ID: "", Tag: "file-search"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestHandlerRejectsBadRequests(t *testing.T) {
	h := NewHandler(NewMemoryRegistry(), logging.NewNop())

	cases := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodGet, "/register", "", http.StatusMethodNotAllowed},
		{http.MethodPost, "/register", "{", http.StatusBadRequest},
		{http.MethodPost, "/deregister", `{"id":""}`, http.StatusBadRequest},
		{http.MethodPost, "/services?tag=x", "", http.StatusMethodNotAllowed},
		{http.MethodGet, "/services", "", http.StatusBadRequest},
		{http.MethodGet, "/health", "", http.StatusOK},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, tc.want, rec.Code, "%s %s", tc.method, tc.path)
	}
}

// TestLivenessMonitorEvictsDeadService fails one service's checks and checks it
// is deregistered after the configured number of sweeps, and only once.
func TestLivenessMonitorEvictsDeadService(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()
	require.NoError(t, reg.Register(ctx, cluster.WorkerHandle{ID: "alive", Tag: "file-search"}))
	require.NoError(t, reg.Register(ctx, cluster.WorkerHandle{ID: "dead", Tag: "file-search"}))

	check := func(_ context.Context, h cluster.WorkerHandle) error {
		if h.ID == "dead" {
			return errors.New("gone")
		}
		return nil
	}
	m := NewLivenessMonitor(reg, "file-search", time.Hour, 3, check, logging.NewNop())

	var evicted atomic.Int32
	m.SetOnUnhealthy(func(id string) {
		assert.Equal(t, "dead", id)
		evicted.Add(1)
	})

	m.Sweep(ctx)
	m.Sweep(ctx)
	got, _ := reg.Find(ctx, "file-search")
	assert.Len(t, got, 2, "still inside the failure budget")
	assert.Equal(t, 2, m.Health("dead").ConsecutiveFails)
	assert.True(t, m.IsHealthy("alive"))

	m.Sweep(ctx)
	got, _ = reg.Find(ctx, "file-search")
	assert.Equal(t, []string{"alive"}, IDs(got))
	assert.Equal(t, int32(1), evicted.Load())

	// once gone from the registry it is no longer tracked
	m.Sweep(ctx)
	assert.Nil(t, m.Health("dead"))
	assert.Equal(t, int32(1), evicted.Load())
}

func TestLivenessMonitorRecovery(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()
	require.NoError(t, reg.Register(ctx, cluster.WorkerHandle{ID: "flaky", Tag: "file-search"}))

	var fail atomic.Bool
	fail.Store(true)
	m := NewLivenessMonitor(reg, "file-search", time.Hour, 3, func(context.Context, cluster.WorkerHandle) error {
		if fail.Load() {
			return errors.New("timeout")
		}
		return nil
	}, logging.NewNop())

	m.Sweep(ctx)
	m.Sweep(ctx)
	fail.Store(false)
	m.Sweep(ctx)

	h := m.Health("flaky")
	require.NotNil(t, h)
	assert.Equal(t, StatusHealthy, h.Status)
	assert.Equal(t, 0, h.ConsecutiveFails)
}

func TestLivenessMonitorLoop(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()
	require.NoError(t, reg.Register(ctx, cluster.WorkerHandle{ID: "up", Tag: "svc"}))
	require.NoError(t, reg.Register(ctx, cluster.WorkerHandle{ID: "gone", Tag: "svc"}))

	alive := func(_ context.Context, h cluster.WorkerHandle) error {
		if h.ID == "up" {
			return nil
		}
		return errors.New("no mailbox")
	}
	m := NewLivenessMonitor(reg, "svc", 10*time.Millisecond, 1, alive, logging.NewNop())
	m.Start(ctx)
	defer m.Stop()

	require.Eventually(t, func() bool {
		got, _ := reg.Find(ctx, "svc")
		return len(got) == 1 && got[0].ID == "up"
	}, time.Second, 10*time.Millisecond)
	assert.True(t, m.IsHealthy("up"))
}

func TestLivenessMonitorWithoutCheckKeepsEveryone(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()
	require.NoError(t, reg.Register(ctx, cluster.WorkerHandle{ID: "a", Tag: "svc"}))
	require.NoError(t, reg.Register(ctx, cluster.WorkerHandle{ID: "b", Tag: "svc"}))

	m := NewLivenessMonitor(reg, "svc", time.Hour, 1, nil, logging.NewNop())
	m.Sweep(ctx)
	m.Sweep(ctx)

	got, err := reg.Find(ctx, "svc")
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.True(t, m.IsHealthy("a"))
	assert.True(t, m.IsHealthy("b"))
}
