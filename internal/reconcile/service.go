// Package reconcile drains the session cache into the durable archive on a
// fixed interval or on demand. With a stream source, messages the cache lost
// (failed appends, evictions, concurrent writers) are read back from the
// room stream. A cycle walks Idle -> Scanning -> Batching ->
// Flushing -> Idle. Record failures are counted and kept in a bounded ring;
// they never abort a cycle.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"parley/internal/archive"
	"parley/internal/chat"
	"parley/internal/session"
	"parley/internal/state"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrCycleRunning is returned by RunOnce when this process is already in a cycle.
var ErrCycleRunning = errors.New("reconcile: cycle already running")

// SessionSource is the cache side of reconciliation. *session.Cache satisfies it.
type SessionSource interface {
	Scan(ctx context.Context, count int64, fn func(ids []string) error) error
	LoadMany(ctx context.Context, ids []string) (map[string]session.Record, map[string]error, error)
	CleanupExpired(ctx context.Context) (int, error)
}

// StreamSource is the authoritative room log. *state.StreamLog satisfies it.
// Session ids are room ids, so a session is looked up by its own id.
type StreamSource interface {
	Range(ctx context.Context, roomID, fromID string, limit int) ([]state.Entry, error)
}

// Locker grants the cross-instance lease that keeps one cycle running
// cluster-wide. *state.Store satisfies it.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (*state.Lease, error)
}

// Config tunes the service. Zero values take the defaults.
type Config struct {
	Interval     time.Duration // 5m
	ReadGroup    int           // sessions per LoadMany round trip, 50
	FlushBatch   int           // records per BulkWrite, 100
	BatchTimeout time.Duration // per BulkWrite, 30s
	LockTTL      time.Duration // 10m
	LockName     string        // "reconcile"
	ErrorRing    int           // recent errors kept, 50
	StreamPage   int           // entries per stream read, 500, at most 1000
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.ReadGroup <= 0 {
		c.ReadGroup = 50
	}
	if c.FlushBatch <= 0 {
		c.FlushBatch = 100
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 30 * time.Second
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 10 * time.Minute
	}
	if c.LockName == "" {
		c.LockName = "reconcile"
	}
	if c.ErrorRing <= 0 {
		c.ErrorRing = 50
	}
	if c.StreamPage <= 0 {
		c.StreamPage = 500
	}
	// StreamLog.Range returns at most 1000 entries; a larger page would end paging early.
	c.StreamPage = min(c.StreamPage, 1000)
	return c
}

// Option configures a Service.
type Option func(*Service)

// WithConfig overrides the tuning knobs.
func WithConfig(cfg Config) Option { return func(s *Service) { s.cfg = cfg } }

// WithLocker enables cross-instance mutual exclusion.
func WithLocker(l Locker) Option { return func(s *Service) { s.locker = l } }

// WithStream enables gap filling from the room stream.
func WithStream(src StreamSource) Option { return func(s *Service) { s.stream = src } }

// WithLogger sets the component logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRegisterer registers the service's prometheus collectors.
func WithRegisterer(reg prometheus.Registerer) Option { return func(s *Service) { s.reg = reg } }

// Service is the reconciliation task. It is safe for concurrent use.
type Service struct {
	src    SessionSource
	arch   archive.Archive
	locker Locker
	stream StreamSource
	cfg    Config
	log    *slog.Logger
	now    func() time.Time
	reg    prometheus.Registerer
	prom   *collectors

	state   atomic.Int32
	cycleMu sync.Mutex
	trigger chan struct{}

	mu         sync.Mutex
	metrics    SyncMetrics
	errs       *errRing
	watermarks map[string]string // session id -> newest stream id archived without a gap

	lifeMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a stopped service.
func New(src SessionSource, arch archive.Archive, opts ...Option) (*Service, error) {
	if src == nil {
		return nil, errors.New("reconcile: nil session source")
	}
	if arch == nil {
		return nil, errors.New("reconcile: nil archive")
	}
	s := &Service{
		src:        src,
		arch:       arch,
		log:        slog.Default(),
		now:        func() time.Time { return time.Now().UTC() },
		trigger:    make(chan struct{}, 1),
		watermarks: make(map[string]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.cfg = s.cfg.withDefaults()
	s.log = s.log.With("component", "reconcile")
	s.errs = newErrRing(s.cfg.ErrorRing)
	s.prom = newCollectors(s.reg)
	return s, nil
}

// State returns the current cycle phase.
func (s *Service) State() State { return State(s.state.Load()) }

func (s *Service) setState(st State) { s.state.Store(int32(st)) }

// Metrics returns a snapshot of the sync counters.
func (s *Service) Metrics() SyncMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.metrics
	m.State = s.State().String()
	m.RecentErrors = s.errs.snapshot()
	return m
}

// Trigger requests a cycle as soon as the running loop is free. It reports
// false when a request is already pending.
func (s *Service) Trigger() bool {
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Run drives cycles until ctx is done. Each tick also runs the expired
// session cleanup.
func (s *Service) Run(ctx context.Context) error {
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()

	s.log.Info("reconcile.start", "interval", s.cfg.Interval.String())
	for {
		select {
		case <-ctx.Done():
			s.log.Info("reconcile.stop")
			return nil
		case <-t.C:
			s.cycle(ctx)
			s.CleanupExpiredSessions(ctx)
		case <-s.trigger:
			s.cycle(ctx)
		}
	}
}

func (s *Service) cycle(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, ErrCycleRunning) && ctx.Err() == nil {
		s.log.Warn("reconcile.cycle.fail", "err", err)
	}
}

// Start runs the loop in the background until Stop.
func (s *Service) Start(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.done != nil {
		return errors.New("reconcile: already started")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		_ = s.Run(ctx)
	}(s.done)
	return nil
}

// Stop cancels the loop and waits for an in-flight cycle to return.
func (s *Service) Stop() {
	s.lifeMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.lifeMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Report summarizes one cycle.
type Report struct {
	Skipped  bool
	Sessions int
	Synced   int64
	Failed   int64
	Duration time.Duration
}

// RunOnce performs one full pass. A cycle that cannot take the cluster lease
// is skipped and reported with Skipped set, not as an error.
func (s *Service) RunOnce(ctx context.Context) (Report, error) {
	if !s.cycleMu.TryLock() {
		return Report{}, ErrCycleRunning
	}
	defer s.cycleMu.Unlock()

	if s.locker != nil {
		lease, err := s.locker.TryLock(ctx, s.cfg.LockName, s.cfg.LockTTL)
		if errors.Is(err, state.ErrLockHeld) {
			s.mu.Lock()
			s.metrics.SkippedCycles++
			s.mu.Unlock()
			s.prom.cycles.WithLabelValues("skipped").Inc()
			s.log.Info("reconcile.cycle.skip", "reason", "lock held")
			return Report{Skipped: true}, nil
		}
		if err != nil {
			s.prom.cycles.WithLabelValues("error").Inc()
			return Report{}, err
		}
		defer func() {
			relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			if err := lease.Release(relCtx); err != nil {
				s.log.Warn("reconcile.lock.release.fail", "err", err)
			}
		}()
	}

	start := s.now()
	c := &pass{svc: s, ctx: ctx, seen: make(map[string]bool)}

	s.setState(StateScanning)
	err := s.src.Scan(ctx, int64(s.cfg.ReadGroup), c.group)
	if err == nil {
		err = c.orphans()
	}
	if err == nil {
		err = c.flush(ctx)
	}
	s.setState(StateIdle)

	rep := Report{Sessions: len(c.seen), Synced: c.synced, Failed: c.failed, Duration: s.now().Sub(start)}
	keep := c.keep()

	s.mu.Lock()
	s.metrics.Cycles++
	s.metrics.FailedSinceSuccess += c.failed
	if err == nil {
		s.metrics.LastSyncTime = s.now()
		s.metrics.SyncDurationMs = rep.Duration.Milliseconds()
		if c.failed == 0 {
			s.metrics.FailedSinceSuccess = 0
		}
		s.pruneWatermarks(keep)
	}
	s.mu.Unlock()

	switch {
	case err != nil:
		s.prom.cycles.WithLabelValues("error").Inc()
		return rep, err
	case c.failed > 0:
		s.prom.cycles.WithLabelValues("partial").Inc()
	default:
		s.prom.cycles.WithLabelValues("ok").Inc()
	}
	s.prom.duration.Observe(rep.Duration.Seconds())

	s.log.Info("reconcile.cycle.done",
		"sessions", rep.Sessions,
		"synced", rep.Synced,
		"failed", rep.Failed,
		"duration_ms", rep.Duration.Milliseconds(),
	)
	return rep, nil
}

// CleanupExpiredSessions drops index entries of sessions whose record lapsed.
// It runs independently of the flush cycle.
func (s *Service) CleanupExpiredSessions(ctx context.Context) int {
	n, err := s.src.CleanupExpired(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("reconcile.cleanup.fail", "err", err)
		}
		return 0
	}
	if n > 0 {
		s.prom.cleaned.Add(float64(n))
		s.log.Info("reconcile.cleanup.done", "removed", n)
	}
	return n
}

// pruneWatermarks forgets sessions that were not seen in a complete pass.
// Must be called with s.mu held.
func (s *Service) pruneWatermarks(seen map[string]bool) {
	for id := range s.watermarks {
		if !seen[id] {
			delete(s.watermarks, id)
		}
	}
}

func (s *Service) watermark(sessionID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermarks[sessionID]
}

func (s *Service) recordError(e RecordError) {
	if e.At.IsZero() {
		e.At = s.now()
	}
	if e.Err != nil {
		e.Message = e.Err.Error()
	}
	s.mu.Lock()
	s.metrics.FailedSyncs++
	s.errs.add(e)
	s.mu.Unlock()
	s.prom.failed.Inc()
	s.log.Warn("reconcile.record.fail", "session_id", e.SessionID, "stream_id", e.StreamID, "err", e.Err)
}

func (s *Service) recordSynced(n int64) {
	if n == 0 {
		return
	}
	s.mu.Lock()
	s.metrics.TotalSynced += n
	s.mu.Unlock()
	s.prom.synced.Add(float64(n))
}

// pass is the state of one cycle. Scan callbacks may run concurrently on a
// cluster, so every field is guarded by mu.
type pass struct {
	svc *Service
	ctx context.Context

	mu      sync.Mutex
	seen    map[string]bool
	pending []archive.DurableMessage
	synced  int64
	failed  int64
	retry   map[string]bool // sessions whose watermark must survive pruning

	// per-session progress of the records currently pending
	progress map[string]*sessionProgress
}

type sessionProgress struct {
	broken bool   // a record of this session failed in this pass
	queued int    // records still pending a flush
	done   string // newest stream id flushed before any failure
}

// group is the Scan callback: read one group of sessions and queue their
// unarchived messages, flushing whenever a batch fills.
func (c *pass) group(ids []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.svc
	s.setState(StateBatching)

	fresh := ids[:0:0]
	for _, id := range ids {
		if !c.seen[id] {
			c.seen[id] = true
			fresh = append(fresh, id)
		}
	}
	sort.Strings(fresh)

	if c.progress == nil {
		c.progress = make(map[string]*sessionProgress)
	}
	// SCAN's count is only a hint; keep each read bounded.
	for len(fresh) > 0 {
		n := min(len(fresh), s.cfg.ReadGroup)
		if err := c.read(fresh[:n]); err != nil {
			return err
		}
		fresh = fresh[n:]
	}
	return nil
}

// read loads one bounded group and queues messages newer than each
// session's watermark. Must be called with c.mu held.
func (c *pass) read(ids []string) error {
	s := c.svc
	recs, bad, err := s.src.LoadMany(c.ctx, ids)
	if err != nil {
		return err
	}
	for id, derr := range bad {
		c.failed++
		s.recordError(RecordError{SessionID: id, Err: derr})
	}

	for _, id := range ids {
		rec, ok := recs[id]
		if !ok {
			// Expired between scan and read: nothing left to reconcile.
			continue
		}
		c.queue(id, rec.Messages)
		if len(c.pending) >= s.cfg.FlushBatch {
			if err := c.flushLocked(c.ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// orphans catches up sessions archived in an earlier cycle whose cache record
// is gone, from the stream alone. Their watermarks are pruned afterwards
// unless something failed.
func (c *pass) orphans() error {
	s := c.svc
	if s.stream == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	s.mu.Lock()
	var ids []string
	for id := range s.watermarks {
		if !c.seen[id] {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()
	sort.Strings(ids)

	if c.progress == nil {
		c.progress = make(map[string]*sessionProgress)
	}
	for _, id := range ids {
		c.queue(id, nil)
		if len(c.pending) >= s.cfg.FlushBatch {
			if err := c.flushLocked(c.ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// queue merges cached messages with the stream entries after the session's
// watermark and queues whatever is newer than the watermark, oldest first.
// Must be called with c.mu held.
func (c *pass) queue(id string, cached []chat.Message) {
	s := c.svc
	mark := s.watermark(id)

	byID := make(map[string]chat.Message, len(cached))
	for _, m := range cached {
		if mark == "" || state.CompareIDs(m.ID, mark) > 0 {
			byID[m.ID] = m
		}
	}

	p := c.progress[id]
	if p == nil {
		p = &sessionProgress{}
		c.progress[id] = p
	}
	if s.stream != nil {
		streamed, err := c.readStream(id, mark)
		if err != nil {
			// Without the stream the gaps are unknown: keep the watermark
			// where it is so the next cycle looks again.
			p.broken = true
			c.failed++
			c.markRetry(id)
			s.recordError(RecordError{SessionID: id, Err: err})
		}
		for _, m := range streamed {
			if _, ok := byID[m.ID]; !ok {
				byID[m.ID] = m
			}
		}
	}

	msgs := make([]chat.Message, 0, len(byID))
	for _, m := range byID {
		msgs = append(msgs, m)
	}
	sort.Slice(msgs, func(i, j int) bool { return state.CompareIDs(msgs[i].ID, msgs[j].ID) < 0 })

	for _, m := range msgs {
		c.pending = append(c.pending, archive.FromMessage(id, m))
		p.queued++
	}
	if p.queued == 0 && !p.broken {
		delete(c.progress, id)
	}
}

// readStream pages through the room stream strictly after mark.
func (c *pass) readStream(roomID, mark string) ([]chat.Message, error) {
	s := c.svc
	var out []chat.Message
	from := mark
	for {
		entries, err := s.stream.Range(c.ctx, roomID, from, s.cfg.StreamPage)
		if err != nil {
			return out, err
		}
		for _, e := range entries {
			out = append(out, e.Message)
		}
		if len(entries) < s.cfg.StreamPage {
			return out, nil
		}
		from = entries[len(entries)-1].ID
	}
}

func (c *pass) markRetry(id string) {
	if c.retry == nil {
		c.retry = make(map[string]bool)
	}
	c.retry[id] = true
}

// keep is the set of sessions whose watermarks survive this pass.
func (c *pass) keep() map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]bool, len(c.seen)+len(c.retry))
	for id := range c.seen {
		out[id] = true
	}
	for id := range c.retry {
		out[id] = true
	}
	return out
}

func (c *pass) flush(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked(ctx)
}

// flushLocked writes pending records in FlushBatch chunks, each under its own
// timeout. A chunk that times out or fails as a whole counts every record in
// it as failed and is left for the next cycle. Only a canceled parent
// context ends the pass.
func (c *pass) flushLocked(ctx context.Context) error {
	s := c.svc
	for len(c.pending) > 0 {
		n := min(len(c.pending), s.cfg.FlushBatch)
		batch := c.pending[:n]

		s.setState(StateFlushing)
		bctx, cancel := context.WithTimeout(ctx, s.cfg.BatchTimeout)
		errs, err := s.arch.BulkWrite(bctx, batch)
		cancel()
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var ok int64
		for i, r := range batch {
			rerr := err
			if rerr == nil && i < len(errs) {
				rerr = errs[i]
			}
			p := c.progress[r.SessionID]
			p.queued--
			if rerr != nil {
				c.failed++
				p.broken = true
				c.markRetry(r.SessionID)
				s.recordError(RecordError{SessionID: r.SessionID, StreamID: r.StreamID, Err: rerr})
				continue
			}
			ok++
			if !p.broken {
				p.done = r.StreamID
			}
		}
		c.synced += ok
		s.recordSynced(ok)

		c.pending = append(c.pending[:0:0], c.pending[n:]...)
		s.setState(StateBatching)
	}

	s.mu.Lock()
	for id, p := range c.progress {
		if p.done != "" {
			s.watermarks[id] = p.done
		}
		if p.queued == 0 {
			delete(c.progress, id)
		}
	}
	s.mu.Unlock()
	return nil
}
