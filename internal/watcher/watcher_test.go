package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"vawter.tech/stopper"

	"github.com/ChuLiYu/relaunchd/internal/rpc"
)

type recorder struct {
	mu   sync.Mutex
	reqs []rpc.Request
}

func (r *recorder) Post(req rpc.Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	return nil
}

func (r *recorder) snapshot() []rpc.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]rpc.Request(nil), r.reqs...)
}

func start(t *testing.T, dirs ...string) *recorder {
	t.Helper()
	rec := &recorder{}
	w, err := New(Config{Dirs: dirs, Debounce: 20 * time.Millisecond}, rec)
	require.NoError(t, err)

	sctx := stopper.WithContext(context.Background())
	w.Start(sctx)
	t.Cleanup(func() {
		sctx.Stop(time.Second)
		_ = sctx.Wait()
	})
	return rec
}

func TestWatcher_LoadAndUnload(t *testing.T) {
	dir := t.TempDir()
	rec := start(t, dir)
	path := filepath.Join(dir, "svc.json")

	require.NoError(t, os.WriteFile(path, []byte(`{"Label":"svc","Program":"/bin/true"}`), 0o644))
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 5*time.Second, 10*time.Millisecond)
	got := rec.snapshot()[0]
	assert.Equal(t, rpc.MethodLoad, got.Method)
	assert.Equal(t, []string{path}, got.Args)

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, rpc.MethodUnload, rec.snapshot()[1].Method)
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	rec := start(t, dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "svc.json"), []byte("{}"), 0o644))

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	reqs := rec.snapshot()
	require.Len(t, reqs, 1, "a burst of writes to one file settles into one request")
	assert.Equal(t, filepath.Join(dir, "svc.json"), reqs[0].Args[0])
}

func TestNew_MissingDirectory(t *testing.T) {
	rec := &recorder{}
	w, err := New(Config{Dirs: []string{filepath.Join(t.TempDir(), "missing")}}, rec)
	require.NoError(t, err)

	sctx := stopper.WithContext(context.Background())
	w.Start(sctx)
	sctx.Stop(time.Second)
	assert.NoError(t, sctx.Wait())
}
