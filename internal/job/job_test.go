package job

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"poseoverlay/internal/pipeline"
)

// fakeRunner copies the input to the output in upper case, reporting one
// progress tick per byte.
type fakeRunner struct {
	mu      sync.Mutex
	order   []string
	release chan struct{}
	err     error
}

func (r *fakeRunner) ProcessFile(ctx context.Context, in, out string, opts pipeline.Options) (pipeline.Stats, error) {
	b, err := os.ReadFile(in)
	if nil != err {
		return pipeline.Stats{}, err
	}

	r.mu.Lock()
	r.order = append(r.order, string(b))
	r.mu.Unlock()

	if nil != r.release {
		select {
		case <-r.release:
		case <-ctx.Done():
			return pipeline.Stats{}, ctx.Err()
		}
	}

	if nil != r.err {
		return pipeline.Stats{}, r.err
	}

	for i := range b {
		if nil != opts.Progress {
			opts.Progress(pipeline.Progress{Frame: i + 1, Total: len(b)})
		}
	}

	if err := os.WriteFile(out, []byte(strings.ToUpper(string(b))), 0o600); nil != err {
		return pipeline.Stats{}, err
	}

	return pipeline.Stats{FramesRead: len(b), FramesWritten: len(b)}, nil
}

func newTestManager(t *testing.T, runner Runner, cfg Config) *Manager {
	t.Helper()
	cfg.TempDir = t.TempDir()
	m := NewManager(cfg, runner, zap.NewNop())
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func entries(t *testing.T, dir string) []os.DirEntry {
	t.Helper()
	e, err := os.ReadDir(dir)
	require.NoError(t, err)
	return e
}

func TestSupportedFormat(t *testing.T) {
	assert.True(t, SupportedFormat("clip.mp4"))
	assert.True(t, SupportedFormat("CLIP.MOV"))
	assert.True(t, SupportedFormat("a/b/c.avi"))
	assert.False(t, SupportedFormat("clip.mkv"))
	assert.False(t, SupportedFormat("mp4"))
}

func TestManager_Lifecycle(t *testing.T) {
	m := newTestManager(t, &fakeRunner{}, Config{})

	snap, err := m.Submit(strings.NewReader("dance"), "clip.MP4", pipeline.Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, snap.Status)
	assert.Equal(t, "clip.MP4", snap.Filename)
	assert.Len(t, snap.ID, 36)

	done, err := m.Wait(context.Background(), snap.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, done.Status)
	require.NotNil(t, done.Stats)
	assert.Equal(t, 5, done.Stats.FramesWritten)
	assert.Equal(t, 5, done.Progress.Frame)

	// input is removed once processed
	j := m.jobs[snap.ID]
	_, err = os.Stat(j.input)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	rc, _, err := m.Open(snap.ID)
	require.NoError(t, err)

	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "DANCE", string(b))

	// one download only
	_, _, err = m.Open(snap.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, rc.Close())
	assert.Empty(t, entries(t, m.cfg.TempDir))

	_, err = m.Get(snap.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_UnsupportedFormat(t *testing.T) {
	m := newTestManager(t, &fakeRunner{}, Config{})

	_, err := m.Submit(strings.NewReader("x"), "clip.mkv", pipeline.Options{})
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	assert.Empty(t, entries(t, m.cfg.TempDir))
}

func TestManager_FIFO(t *testing.T) {
	r := &fakeRunner{release: make(chan struct{})}
	m := newTestManager(t, r, Config{Workers: 1})

	var ids []string
	for _, name := range []string{"a", "b", "c"} {
		snap, err := m.Submit(strings.NewReader(name), name+".mp4", pipeline.Options{})
		require.NoError(t, err)
		ids = append(ids, snap.ID)
	}

	close(r.release)
	for _, id := range ids {
		_, err := m.Wait(context.Background(), id)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"a", "b", "c"}, r.order)
}

func TestManager_NotReady(t *testing.T) {
	r := &fakeRunner{release: make(chan struct{})}
	m := newTestManager(t, r, Config{})

	snap, err := m.Submit(strings.NewReader("x"), "x.mp4", pipeline.Options{})
	require.NoError(t, err)

	_, _, err = m.Open(snap.ID)
	assert.ErrorIs(t, err, ErrNotReady)

	close(r.release)
	_, err = m.Wait(context.Background(), snap.ID)
	require.NoError(t, err)
}

func TestManager_Failure(t *testing.T) {
	m := newTestManager(t, &fakeRunner{err: errors.New("codec missing")}, Config{})

	rc, snap, err := m.Process(context.Background(), strings.NewReader("x"), "x.avi", pipeline.Options{})
	assert.Nil(t, rc)
	assert.ErrorIs(t, err, ErrFailed)
	assert.Contains(t, err.Error(), "codec missing")
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Empty(t, entries(t, m.cfg.TempDir))
}

func TestManager_Process(t *testing.T) {
	m := newTestManager(t, &fakeRunner{}, Config{})

	rc, snap, err := m.Process(context.Background(), strings.NewReader("pose"), "x.mov", pipeline.Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, snap.Status)

	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "POSE", string(b))
	require.NoError(t, rc.Close())
	assert.Empty(t, entries(t, m.cfg.TempDir))
}

func TestManager_WaitContext(t *testing.T) {
	r := &fakeRunner{release: make(chan struct{})}
	m := newTestManager(t, r, Config{})
	defer close(r.release)

	snap, err := m.Submit(strings.NewReader("x"), "x.mp4", pipeline.Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = m.Wait(ctx, snap.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = m.Wait(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_Subscribe(t *testing.T) {
	r := &fakeRunner{release: make(chan struct{})}
	m := newTestManager(t, r, Config{})

	snap, err := m.Submit(strings.NewReader("abc"), "x.mp4", pipeline.Options{})
	require.NoError(t, err)

	ch, cancel, err := m.Subscribe(snap.ID)
	require.NoError(t, err)
	defer cancel()

	first := <-ch
	assert.Equal(t, snap.ID, first.ID)

	close(r.release)

	var last Snapshot
	for s := range ch {
		last = s
	}
	assert.Equal(t, StatusSucceeded, last.Status)
	assert.Equal(t, 3, last.Progress.Frame)

	// finished jobs yield their final snapshot and a closed channel
	ch, _, err = m.Subscribe(snap.ID)
	require.NoError(t, err)
	s, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, StatusSucceeded, s.Status)
	_, ok = <-ch
	assert.False(t, ok)
}

func TestManager_SubscribeCancel(t *testing.T) {
	r := &fakeRunner{release: make(chan struct{})}
	m := newTestManager(t, r, Config{})
	defer close(r.release)

	snap, err := m.Submit(strings.NewReader("abc"), "x.mp4", pipeline.Options{})
	require.NoError(t, err)

	ch, cancel, err := m.Subscribe(snap.ID)
	require.NoError(t, err)
	cancel()
	cancel()

	for range ch {
	}
}

func TestLatest(t *testing.T) {
	ch := make(chan Snapshot, 1)
	latest(ch, Snapshot{ID: "1"})
	latest(ch, Snapshot{ID: "2"})
	latest(ch, Snapshot{ID: "3"})
	assert.Equal(t, "3", (<-ch).ID)
}

func TestManager_Sweep(t *testing.T) {
	m := newTestManager(t, &fakeRunner{}, Config{Retention: time.Minute})

	snap, err := m.Submit(strings.NewReader("x"), "x.mp4", pipeline.Options{})
	require.NoError(t, err)
	_, err = m.Wait(context.Background(), snap.ID)
	require.NoError(t, err)

	assert.Zero(t, m.sweep(time.Now()))
	assert.Equal(t, 1, m.sweep(time.Now().Add(2*time.Minute)))

	_, err = m.Get(snap.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, entries(t, m.cfg.TempDir))
}

func TestManager_Close(t *testing.T) {
	r := &fakeRunner{release: make(chan struct{})}
	dir := t.TempDir()
	m := NewManager(Config{TempDir: dir, Workers: 1}, r, zap.NewNop())

	running, err := m.Submit(strings.NewReader("a"), "a.mp4", pipeline.Options{})
	require.NoError(t, err)
	queued, err := m.Submit(strings.NewReader("b"), "b.mp4", pipeline.Options{})
	require.NoError(t, err)

	// make sure the first job is running before closing
	require.Eventually(t, func() bool {
		s, err := m.Get(running.ID)
		return nil == err && StatusRunning == s.Status
	}, time.Second, 5*time.Millisecond)

	updates, _, err := m.Subscribe(queued.ID)
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	var last Snapshot
	for s := range updates {
		last = s
	}
	assert.Equal(t, StatusFailed, last.Status)
	assert.Equal(t, ErrClosed.Error(), last.Error)

	assert.Empty(t, entries(t, dir))

	_, err = m.Submit(strings.NewReader("c"), "c.mp4", pipeline.Options{})
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, []string{"a"}, r.order)
}

func TestManager_QueueFull(t *testing.T) {
	r := &fakeRunner{release: make(chan struct{})}
	m := newTestManager(t, r, Config{QueueSize: 1})
	defer close(r.release)

	first, err := m.Submit(strings.NewReader("a"), "a.mp4", pipeline.Options{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, _ := m.Get(first.ID)
		return StatusRunning == s.Status
	}, time.Second, 5*time.Millisecond)

	_, err = m.Submit(strings.NewReader("b"), "b.mp4", pipeline.Options{})
	require.NoError(t, err)

	_, err = m.Submit(strings.NewReader("c"), "c.mp4", pipeline.Options{})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Len(t, entries(t, m.cfg.TempDir), 2)
	assert.Equal(t, 1, m.Pending())
}

func TestStore_Exclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, store(path, strings.NewReader("1")))
	assert.Error(t, store(path, strings.NewReader("2")))
}
