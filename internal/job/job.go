// Package job owns the upload, process and download lifecycle of videos.
//
// Every job gets a private temporary directory holding its input and
// output. Jobs run in submission order on a fixed number of workers; the
// output can be downloaded once, after which the directory is removed.
package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"poseoverlay/internal/pipeline"
)

var (
	// ErrNotFound is returned for unknown or already downloaded jobs.
	ErrNotFound = errors.New("job not found")
	// ErrUnsupportedFormat is returned for uploads with an unknown extension.
	ErrUnsupportedFormat = errors.New("unsupported video format")
	// ErrNotReady is returned when the output of an unfinished job is requested.
	ErrNotReady = errors.New("job output not ready")
	// ErrQueueFull is returned when no more jobs can be queued.
	ErrQueueFull = errors.New("job queue is full")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("job manager closed")
	// ErrFailed wraps the reason a job failed.
	ErrFailed = errors.New("video processing failed")
)

// OutputName is the file name offered for every processed video.
const OutputName = "processed_video.mp4"

// Extensions lists the accepted upload extensions.
var Extensions = []string{".mp4", ".avi", ".mov"}

// Status of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the job will not change any more.
func (s Status) Terminal() bool {
	return StatusSucceeded == s || StatusFailed == s
}

// Snapshot is a point-in-time copy of a job's state.
type Snapshot struct {
	ID        string            `json:"id"`
	Filename  string            `json:"filename"`
	Status    Status            `json:"status"`
	Progress  pipeline.Progress `json:"progress"`
	Stats     *pipeline.Stats   `json:"stats,omitempty"`
	Error     string            `json:"error,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Runner processes one input file into one output file.
type Runner interface {
	ProcessFile(ctx context.Context, in, out string, opts pipeline.Options) (pipeline.Stats, error)
}

// Config tunes the manager.
type Config struct {
	Workers         int
	QueueSize       int
	Retention       time.Duration
	JanitorInterval time.Duration
	// TempDir is the parent of job directories; empty means os.TempDir.
	TempDir string
}

// DefaultConfig runs one job at a time.
func DefaultConfig() Config {
	return Config{
		Workers:         1,
		QueueSize:       16,
		Retention:       time.Hour,
		JanitorInterval: time.Minute,
	}
}

type job struct {
	snap   Snapshot
	dir    string
	input  string
	output string
	opts   pipeline.Options

	done    chan struct{}
	subs    map[int]chan Snapshot
	nextSub int
	opened  bool
}

// Manager queues and runs jobs.
type Manager struct {
	cfg    Config
	runner Runner
	logger *zap.Logger

	mu     sync.Mutex
	jobs   map[string]*job
	closed bool

	queue  chan *job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager starts the workers and the janitor.
func NewManager(cfg Config, runner Runner, logger *zap.Logger) *Manager {
	def := DefaultConfig()
	if 0 >= cfg.Workers {
		cfg.Workers = def.Workers
	}
	if 0 >= cfg.QueueSize {
		cfg.QueueSize = def.QueueSize
	}
	if 0 >= cfg.Retention {
		cfg.Retention = def.Retention
	}
	if 0 >= cfg.JanitorInterval {
		cfg.JanitorInterval = def.JanitorInterval
	}

	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		cfg:    cfg,
		runner: runner,
		logger: logger.With(zap.String("component", "jobs")),
		jobs:   make(map[string]*job),
		queue:  make(chan *job, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		m.wg.Add(1)
		go m.work()
	}

	m.wg.Add(1)
	go m.janitor()

	return m
}

// SupportedFormat reports whether filename has an accepted extension.
func SupportedFormat(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	for _, e := range Extensions {
		if e == ext {
			return true
		}
	}
	return false
}

// Submit stores the upload and queues it for processing.
func (m *Manager) Submit(upload io.Reader, filename string, opts pipeline.Options) (Snapshot, error) {
	if !SupportedFormat(filename) {
		return Snapshot{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(filename))
	}

	dir, err := os.MkdirTemp(m.cfg.TempDir, "poseoverlay-*")
	if nil != err {
		return Snapshot{}, fmt.Errorf("create job directory: %w", err)
	}

	input := filepath.Join(dir, "input"+strings.ToLower(filepath.Ext(filename)))
	if err := store(input, upload); nil != err {
		_ = os.RemoveAll(dir)
		return Snapshot{}, fmt.Errorf("store upload: %w", err)
	}

	now := time.Now()
	j := &job{
		snap: Snapshot{
			ID:        uuid.NewString(),
			Filename:  filepath.Base(filename),
			Status:    StatusQueued,
			CreatedAt: now,
			UpdatedAt: now,
		},
		dir:    dir,
		input:  input,
		output: filepath.Join(dir, OutputName),
		opts:   opts,
		done:   make(chan struct{}),
		subs:   make(map[int]chan Snapshot),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		_ = os.RemoveAll(dir)
		return Snapshot{}, ErrClosed
	}

	select {
	case m.queue <- j:
	default:
		_ = os.RemoveAll(dir)
		return Snapshot{}, ErrQueueFull
	}

	m.jobs[j.snap.ID] = j

	m.logger.Info("job queued",
		zap.String("job_id", j.snap.ID),
		zap.String("filename", j.snap.Filename),
	)

	return j.snap, nil
}

func store(path string, r io.Reader) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if nil != err {
		return err
	}

	if _, err := io.Copy(f, r); nil != err {
		_ = f.Close()
		return err
	}

	return f.Close()
}

func (m *Manager) lookup(id string) (*job, error) {
	j, ok := m.jobs[id]
	if !ok || j.opened {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return j, nil
}

// Get returns the current snapshot of a job.
func (m *Manager) Get(id string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.lookup(id)
	if nil != err {
		return Snapshot{}, err
	}

	return j.snap, nil
}

// Wait blocks until the job is finished or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) (Snapshot, error) {
	m.mu.Lock()
	j, err := m.lookup(id)
	m.mu.Unlock()

	if nil != err {
		return Snapshot{}, err
	}

	select {
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case <-j.done:
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return j.snap, nil
}

// Subscribe streams snapshots of a job. Slow readers only see the latest
// snapshot. The channel is closed after the terminal snapshot; cancel
// stops the subscription early.
func (m *Manager) Subscribe(id string) (<-chan Snapshot, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.lookup(id)
	if nil != err {
		return nil, nil, err
	}

	ch := make(chan Snapshot, 1)
	ch <- j.snap

	if j.snap.Status.Terminal() {
		close(ch)
		return ch, func() {}, nil
	}

	key := j.nextSub
	j.nextSub++
	j.subs[key] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		if sub, ok := j.subs[key]; ok {
			delete(j.subs, key)
			close(sub)
		}
	}

	return ch, cancel, nil
}

// Open returns the output of a finished job. Closing the reader removes
// the job and its files; a job can be opened only once.
func (m *Manager) Open(id string) (io.ReadCloser, Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.lookup(id)
	if nil != err {
		return nil, Snapshot{}, err
	}

	switch j.snap.Status {
	case StatusSucceeded:
	case StatusFailed:
		return nil, j.snap, fmt.Errorf("%w: %s", ErrFailed, j.snap.Error)
	default:
		return nil, j.snap, fmt.Errorf("%w: %s", ErrNotReady, j.snap.Status)
	}

	f, err := os.Open(j.output)
	if nil != err {
		return nil, j.snap, fmt.Errorf("open job output: %w", err)
	}

	j.opened = true

	return &download{File: f, cleanup: func() { m.remove(j.snap.ID) }}, j.snap, nil
}

// Process submits the upload, waits for it and opens the result.
func (m *Manager) Process(ctx context.Context, upload io.Reader, filename string, opts pipeline.Options) (io.ReadCloser, Snapshot, error) {
	snap, err := m.Submit(upload, filename, opts)
	if nil != err {
		return nil, snap, err
	}

	if snap, err = m.Wait(ctx, snap.ID); nil != err {
		return nil, snap, err
	}

	if StatusFailed == snap.Status {
		m.remove(snap.ID)
		return nil, snap, fmt.Errorf("%w: %s", ErrFailed, snap.Error)
	}

	return m.Open(snap.ID)
}

type download struct {
	*os.File
	once    sync.Once
	cleanup func()
}

func (d *download) Close() error {
	err := d.File.Close()
	d.once.Do(d.cleanup)
	return err
}

// remove forgets a job and deletes its directory.
func (m *Manager) remove(id string) {
	m.mu.Lock()
	j, ok := m.jobs[id]
	delete(m.jobs, id)
	m.mu.Unlock()

	if !ok {
		return
	}

	if err := os.RemoveAll(j.dir); nil != err {
		m.logger.Warn("remove job directory", zap.String("job_id", id), zap.Error(err))
		return
	}

	m.logger.Debug("job removed", zap.String("job_id", id))
}

// update applies fn to the snapshot and notifies subscribers.
func (m *Manager) update(j *job, fn func(s *Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fn(&j.snap)
	j.snap.UpdatedAt = time.Now()

	for key, ch := range j.subs {
		latest(ch, j.snap)

		if j.snap.Status.Terminal() {
			delete(j.subs, key)
			close(ch)
		}
	}
}

// latest replaces whatever is pending in ch with snap.
func latest(ch chan Snapshot, snap Snapshot) {
	select {
	case ch <- snap:
		return
	default:
	}

	select {
	case <-ch:
	default:
	}

	select {
	case ch <- snap:
	default:
	}
}

func (m *Manager) work() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case j := <-m.queue:
			if nil != m.ctx.Err() {
				m.abort(j)
				continue
			}
			m.run(j)
		}
	}
}

// abort fails a job that will never run.
func (m *Manager) abort(j *job) {
	m.update(j, func(s *Snapshot) {
		s.Status = StatusFailed
		s.Error = ErrClosed.Error()
	})
	close(j.done)
}

func (m *Manager) run(j *job) {
	logger := m.logger.With(zap.String("job_id", j.snap.ID))
	logger.Info("job started")

	m.update(j, func(s *Snapshot) { s.Status = StatusRunning })

	opts := j.opts
	opts.Progress = pipeline.Fanout(opts.Progress, func(p pipeline.Progress) {
		m.update(j, func(s *Snapshot) { s.Progress = p })
	})

	stats, err := m.runner.ProcessFile(m.ctx, j.input, j.output, opts)

	if rerr := os.Remove(j.input); nil != rerr && !errors.Is(rerr, os.ErrNotExist) {
		logger.Debug("remove job input", zap.Error(rerr))
	}

	m.update(j, func(s *Snapshot) {
		if nil != err {
			s.Status = StatusFailed
			s.Error = err.Error()
			return
		}
		s.Status = StatusSucceeded
		s.Stats = &stats
	})
	close(j.done)

	if nil != err {
		logger.Warn("job failed", zap.Error(err))
		return
	}

	logger.Info("job finished", zap.Int("frames", stats.FramesWritten))
}

func (m *Manager) janitor() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case now := <-ticker.C:
			m.sweep(now)
		}
	}
}

// sweep removes finished jobs nobody picked up within the retention period.
func (m *Manager) sweep(now time.Time) int {
	m.mu.Lock()
	var expired []string
	for id, j := range m.jobs {
		if j.snap.Status.Terminal() && !j.opened && now.Sub(j.snap.UpdatedAt) > m.cfg.Retention {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.logger.Info("job expired", zap.String("job_id", id))
		m.remove(id)
	}

	return len(expired)
}

// Close stops the workers and removes every job directory. A running job
// is cancelled through its context.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()

drain:
	for {
		select {
		case j := <-m.queue:
			m.abort(j)
		default:
			break drain
		}
	}

	m.mu.Lock()
	jobs := m.jobs
	m.jobs = make(map[string]*job)
	m.mu.Unlock()

	var errs []error
	for _, j := range jobs {
		if err := os.RemoveAll(j.dir); nil != err {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Pending is the number of jobs waiting in the queue.
func (m *Manager) Pending() int {
	return len(m.queue)
}
