package concurrency

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultMaxEntries   = 10000
	defaultEntryTTL     = 30 * time.Minute
	defaultPollInterval = 100 * time.Millisecond
)

// RegistryOptions tune the in-process limiter cache.
type RegistryOptions struct {
	Defaults     Defaults
	EntryTTL     time.Duration
	MaxEntries   int
	PollInterval time.Duration
}

// Registry owns one limiter per resource id. Limiters are created on
// first use, kept in an LRU with idle TTL, and disposed exactly once
// when evicted.
type Registry struct {
	client       *redis.Client
	defaults     Defaults
	entryTTL     time.Duration
	maxEntries   int
	pollInterval time.Duration

	mu      sync.Mutex
	entries map[string]*registryEntry
	order   *list.List

	updateLocks sync.Map
}

type registryEntry struct {
	lim       *limiter
	elem      *list.Element
	expiresAt time.Time
}

// limiter binds a resource id to its distributed semaphore plus the
// mutable settings and in-process waiter FIFO.
type limiter struct {
	resourceID string
	sem        *semaphore

	smu      sync.RWMutex
	settings Config

	running atomic.Int64
	queued  atomic.Int64

	wmu     sync.Mutex
	waiters *list.List

	closeOnce sync.Once
	closed    atomic.Bool
}

type waiter struct {
	ready chan struct{}
	elem  *list.Element
}

// ResourceStats is a point-in-time view of one limiter.
type ResourceStats struct {
	Running          int64  `json:"running"`
	Queued           int64  `json:"queued"`
	MaxConcurrency   int    `json:"max_concurrency"`
	QueueSize        int    `json:"queue_size"`
	QueueWaitSeconds int    `json:"queue_wait_seconds"`
	ExecutionSeconds int    `json:"execution_seconds"`
	LastAccessAt     string `json:"last_access_at"`
}

func NewRegistry(client *redis.Client, opts RegistryOptions) *Registry {
	if opts.EntryTTL <= 0 {
		opts.EntryTTL = defaultEntryTTL
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = defaultMaxEntries
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	return &Registry{
		client:       client,
		defaults:     opts.Defaults.withFloors(),
		entryTTL:     opts.EntryTTL,
		maxEntries:   opts.MaxEntries,
		pollInterval: opts.PollInterval,
		entries:      map[string]*registryEntry{},
		order:        list.New(),
	}
}

// Acquire admits the caller into the resource's concurrency budget or
// fails with a typed refusal. The returned handle auto-releases when ctx
// is canceled or the execution budget elapses.
func (r *Registry) Acquire(ctx context.Context, resourceID string, rawConfig any) (*Handle, error) {
	if strings.TrimSpace(resourceID) == "" {
		return nil, ErrInvalidResourceID
	}
	cfg, err := Normalize(rawConfig, r.defaults)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled || cfg.MaxConcurrency <= 0 {
		return newNoopHandle(resourceID), nil
	}
	lim := r.limiterFor(resourceID)
	r.applySettings(lim, cfg)
	return r.acquire(ctx, lim)
}

// Settings exposes the current normalized settings for one resource.
func (r *Registry) Settings(resourceID string) (Config, bool) {
	r.mu.Lock()
	entry, ok := r.entries[resourceID]
	r.mu.Unlock()
	if !ok {
		return Config{}, false
	}
	return entry.lim.snapshotSettings(), true
}

// Stats snapshots every live limiter.
func (r *Registry) Stats() map[string]ResourceStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]ResourceStats, len(r.entries))
	for id, entry := range r.entries {
		cfg := entry.lim.snapshotSettings()
		out[id] = ResourceStats{
			Running:          entry.lim.running.Load(),
			Queued:           entry.lim.queued.Load(),
			MaxConcurrency:   cfg.MaxConcurrency,
			QueueSize:        cfg.QueueSize,
			QueueWaitSeconds: cfg.QueueWaitSeconds,
			ExecutionSeconds: cfg.ExecutionSeconds,
			LastAccessAt:     entry.expiresAt.Add(-r.entryTTL).UTC().Format(time.RFC3339),
		}
	}
	return out
}

// Close disposes every limiter. The registry is unusable afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, entry := range r.entries {
		entry.lim.close()
		delete(r.entries, id)
	}
	r.order.Init()
}

func (r *Registry) limiterFor(resourceID string) *limiter {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictExpiredLocked(now)
	if entry, ok := r.entries[resourceID]; ok {
		entry.expiresAt = now.Add(r.entryTTL)
		r.order.MoveToFront(entry.elem)
		return entry.lim
	}
	lim := &limiter{
		resourceID: resourceID,
		sem:        newSemaphore(r.client, resourceID),
		waiters:    list.New(),
	}
	entry := &registryEntry{lim: lim, expiresAt: now.Add(r.entryTTL)}
	entry.elem = r.order.PushFront(resourceID)
	r.entries[resourceID] = entry
	for len(r.entries) > r.maxEntries {
		r.evictOldestLocked()
	}
	return lim
}

func (r *Registry) evictExpiredLocked(now time.Time) {
	for e := r.order.Back(); e != nil; {
		id := e.Value.(string)
		entry := r.entries[id]
		if entry == nil || now.Before(entry.expiresAt) {
			break
		}
		prev := e.Prev()
		r.order.Remove(e)
		delete(r.entries, id)
		entry.lim.close()
		e = prev
	}
}

func (r *Registry) evictOldestLocked() {
	e := r.order.Back()
	if e == nil {
		return
	}
	id := e.Value.(string)
	r.order.Remove(e)
	if entry, ok := r.entries[id]; ok {
		delete(r.entries, id)
		entry.lim.close()
	}
}

// applySettings hot-applies changed settings with double-checked locking
// so concurrent acquires on the same resource serialize at most one
// writer. The semaphore primitive is never rebuilt.
func (r *Registry) applySettings(lim *limiter, cfg Config) {
	if settingsEqual(lim.snapshotSettings(), cfg) {
		return
	}
	muIface, _ := r.updateLocks.LoadOrStore(lim.resourceID, &sync.Mutex{})
	mu := muIface.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()
	if settingsEqual(lim.snapshotSettings(), cfg) {
		return
	}
	lim.smu.Lock()
	lim.settings = cfg
	lim.smu.Unlock()
}

func (r *Registry) acquire(ctx context.Context, lim *limiter) (*Handle, error) {
	cfg := lim.snapshotSettings()
	leaseID, ok, err := lim.sem.tryAcquire(ctx, cfg.MaxConcurrency, r.leaseMillis(cfg))
	if err != nil {
		return nil, err
	}
	if ok {
		return r.admit(ctx, lim, leaseID, cfg, -1), nil
	}

	waiting, err := lim.sem.enqueue(ctx)
	if err != nil {
		return nil, err
	}
	if waiting > int64(cfg.QueueSize) {
		r.dequeue(lim)
		return nil, &QueueFullError{
			ResourceID:     lim.resourceID,
			CurrentWaiting: int(waiting - 1),
			MaxQueueSize:   cfg.QueueSize,
		}
	}
	lim.queued.Add(1)
	defer lim.queued.Add(-1)
	defer r.dequeue(lim)

	w := lim.pushWaiter()
	defer lim.removeWaiter(w)

	start := time.Now()
	deadline := time.NewTimer(time.Duration(cfg.QueueWaitSeconds) * time.Second)
	defer deadline.Stop()
	tick := time.NewTicker(r.pollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ErrClientDisconnected
		case <-deadline.C:
			return nil, &WaitTimeoutError{ResourceID: lim.resourceID, Timeout: cfg.QueueWaitSeconds}
		case <-w.ready:
		case <-tick.C:
		}
		if !lim.isHead(w) {
			continue
		}
		cfg = lim.snapshotSettings()
		leaseID, ok, err = lim.sem.tryAcquire(ctx, cfg.MaxConcurrency, r.leaseMillis(cfg))
		if err != nil {
			return nil, err
		}
		if ok {
			return r.admit(ctx, lim, leaseID, cfg, time.Since(start).Milliseconds()), nil
		}
	}
}

func (r *Registry) admit(ctx context.Context, lim *limiter, leaseID string, cfg Config, waitMs int64) *Handle {
	lim.running.Add(1)
	h := &Handle{
		resourceID: lim.resourceID,
		leaseID:    leaseID,
		sem:        lim.sem,
		lim:        lim,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	if cfg.ExecutionSeconds > 0 {
		h.execSeconds = cfg.ExecutionSeconds
		h.execTimer = time.NewTimer(time.Duration(cfg.ExecutionSeconds) * time.Second)
	}
	go h.watch(ctx)
	if waitMs >= 0 {
		go lim.sem.recordWaitSample(waitMs)
	}
	return h
}

func (r *Registry) dequeue(lim *limiter) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = lim.sem.dequeue(ctx)
}

func (r *Registry) leaseMillis(cfg Config) int64 {
	secs := cfg.ExecutionSeconds
	if secs <= 0 {
		secs = r.defaults.ExecutionSeconds
	}
	if secs <= 0 {
		secs = DefaultSettings.ExecutionSeconds
	}
	return int64(secs) * 1000
}

func (l *limiter) snapshotSettings() Config {
	l.smu.RLock()
	defer l.smu.RUnlock()
	return l.settings
}

func (l *limiter) close() {
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		l.wmu.Lock()
		for e := l.waiters.Front(); e != nil; e = e.Next() {
			e.Value.(*waiter).signal()
		}
		l.wmu.Unlock()
	})
}

func (l *limiter) pushWaiter() *waiter {
	w := &waiter{ready: make(chan struct{}, 1)}
	l.wmu.Lock()
	w.elem = l.waiters.PushBack(w)
	head := l.waiters.Front() == w.elem
	l.wmu.Unlock()
	if head {
		w.signal()
	}
	return w
}

func (l *limiter) removeWaiter(w *waiter) {
	var next *waiter
	l.wmu.Lock()
	l.waiters.Remove(w.elem)
	if front := l.waiters.Front(); front != nil {
		next = front.Value.(*waiter)
	}
	l.wmu.Unlock()
	if next != nil {
		next.signal()
	}
}

func (l *limiter) isHead(w *waiter) bool {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	return l.waiters.Front() == w.elem
}

func (l *limiter) signalHead() {
	l.wmu.Lock()
	var head *waiter
	if front := l.waiters.Front(); front != nil {
		head = front.Value.(*waiter)
	}
	l.wmu.Unlock()
	if head != nil {
		head.signal()
	}
}

func (w *waiter) signal() {
	select {
	case w.ready <- struct{}{}:
	default:
	}
}
