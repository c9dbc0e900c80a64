package snapshot

import (
	"context"
	"time"

	"github.com/ValentinKolb/dSync/lib/group"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"golang.org/x/sync/errgroup"
)

var log = logger.GetLogger("snapshot")

var (
	flushesTotal  = metrics.GetOrCreateCounter(`dsync_snapshot_flushes_total`)
	flushFailures = metrics.GetOrCreateCounter(`dsync_snapshot_flush_failures_total`)
)

// GroupSource enumerates the live groups the scheduler may flush. The
// registry implements this; the indirection keeps the package free of a
// registry dependency.
type GroupSource interface {
	// ForEachGroup calls fn for every live group until fn returns false.
	ForEachGroup(fn func(g *group.Group) bool)
}

// SchedulerConfig configures the flush loop.
type SchedulerConfig struct {
	// Interval between flush passes. Defaults to 10s.
	Interval time.Duration
	// WriteTimeout bounds a single snapshot write. Defaults to 5s.
	WriteTimeout time.Duration
	// Parallelism caps concurrent snapshot writes per pass. Defaults to 4.
	Parallelism int
}

func (c *SchedulerConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 4
	}
}

// Scheduler periodically flushes dirty groups into a snapshot store.
//
// The scheduler never blocks the edit path: it captures a serialized copy
// under the group mutex (SnapshotForFlush) and performs the storage write
// outside it. A write failure leaves the group dirty; the next pass
// retries. Confirmation is mark-checked, so an edit racing the write
// keeps the group dirty and is captured by the following pass.
type Scheduler struct {
	store  IStore
	source GroupSource
	cfg    SchedulerConfig

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewScheduler creates a scheduler; call Start to begin flushing.
func NewScheduler(store IStore, source GroupSource, cfg SchedulerConfig) *Scheduler {
	cfg.applyDefaults()
	return &Scheduler{
		store:  store,
		source: source,
		cfg:    cfg,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the periodic flush loop.
func (s *Scheduler) Start() {
	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.FlushAll(context.Background())
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop ends the flush loop and runs one final pass so no confirmed edit
// is lost at shutdown. The context bounds the final pass.
func (s *Scheduler) Stop(ctx context.Context) {
	close(s.stopCh)
	<-s.doneCh
	s.FlushAll(ctx)
}

// FlushAll flushes every dirty group once, writing up to Parallelism
// snapshots at a time. Failures are logged and counted; the pass continues
// with the remaining groups.
func (s *Scheduler) FlushAll(ctx context.Context) {
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(s.cfg.Parallelism)

	s.source.ForEachGroup(func(g *group.Group) bool {
		eg.Go(func() error {
			if err := s.FlushGroup(egCtx, g); err != nil {
				log.Warningf("flush of %q failed, will retry: %v", g.DocID(), err)
			}
			// a failed write must not abort the pass for other groups
			return nil
		})
		return egCtx.Err() == nil
	})
	_ = eg.Wait()
}

// FlushGroup writes one group's state if it is dirty. A clean group is a
// no-op. On success the group's dirty flag is cleared unless an edit
// raced the write.
func (s *Scheduler) FlushGroup(ctx context.Context, g *group.Group) error {
	state, vv, mark, ok := g.SnapshotForFlush()
	if !ok {
		return nil
	}

	writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()

	version, err := s.store.WriteVersion(writeCtx, g.DocID(), vv, state)
	if err != nil {
		flushFailures.Inc()
		return err
	}
	g.ConfirmFlush(mark)
	flushesTotal.Inc()
	log.Debugf("flushed %q as version %d (%d bytes)", g.DocID(), version, len(state))
	return nil
}
