package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ValentinKolb/dSync/lib/admission"
	"github.com/ValentinKolb/dSync/lib/crdt"
	"github.com/ValentinKolb/dSync/lib/group"
	"github.com/ValentinKolb/dSync/lib/relay"
	"github.com/ValentinKolb/dSync/lib/snapshot"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var log = logger.GetLogger("registry")

var (
	rehydrationsTotal = metrics.GetOrCreateCounter(`dsync_registry_rehydrations_total`)
	activationsTotal  = metrics.GetOrCreateCounter(`dsync_registry_activations_total`)
	evictionsTotal    = metrics.GetOrCreateCounter(`dsync_registry_evictions_total`)
)

// Config configures a registry.
type Config struct {
	// NodeID identifies this node on the relay; consumers skip their own
	// publications. Must be unique per node (a uuid).
	NodeID string
	// IdleAfter is how long a clean, subscriber-free group survives before
	// eviction. Defaults to 5m.
	IdleAfter time.Duration
	// EvictInterval is how often the eviction scan runs. Zero disables the
	// background scan (tests call EvictIdle directly). Defaults to 1m when
	// negative.
	EvictInterval time.Duration
	// PublishTimeout bounds the relay enqueue on the edit path. Defaults
	// to 250ms.
	PublishTimeout time.Duration
	// EncodeDiff is handed to every group so the local fan-out frame is
	// built once per commit (see group.Options.EncodeDiff). Optional.
	EncodeDiff func(diff []byte) ([]byte, error)
}

func (c *Config) applyDefaults() {
	if c.IdleAfter <= 0 {
		c.IdleAfter = 5 * time.Minute
	}
	if c.EvictInterval < 0 {
		c.EvictInterval = time.Minute
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 250 * time.Millisecond
	}
}

// remoteApplyTimeout bounds the activation a relayed diff may trigger
// (snapshot read during rehydration). The merge itself is in-memory.
const remoteApplyTimeout = 5 * time.Second

// entry guards one document's activation: the once makes sure rehydration
// runs exactly one time no matter how many callers race on the first touch.
type entry struct {
	once sync.Once
	g    *group.Group
	err  error
}

type registryImpl struct {
	cfg    Config
	store  snapshot.IStore
	relay  relay.IRelay
	auth   admission.IAuthorizer
	groups *xsync.MapOf[string, *entry]

	// relayCancel tears down the node's single relay subscription. All
	// documents share one consumer; routing happens in handleEnvelope.
	relayCancel func()

	mu     sync.Mutex
	closed bool
	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a registry, subscribes it to the relay stream, and starts the
// background eviction scan (unless disabled via Config.EvictInterval == 0).
// A nil authorizer grants everything.
func New(cfg Config, store snapshot.IStore, rly relay.IRelay, auth admission.IAuthorizer) (IRegistry, error) {
	cfg.applyDefaults()
	if auth == nil {
		auth = admission.AllowAll{}
	}
	r := &registryImpl{
		cfg:    cfg,
		store:  store,
		relay:  rly,
		auth:   auth,
		groups: xsync.NewMapOf[string, *entry](),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	// one node-level subscription instead of one per document: a diff for
	// a document this node does not host yet must activate it, exactly
	// like a first local subscriber would
	cancel, err := rly.Subscribe(r.handleEnvelope)
	if err != nil {
		return nil, fmt.Errorf("registry: subscribe relay: %w", err)
	}
	r.relayCancel = cancel

	if cfg.EvictInterval > 0 {
		go r.evictLoop()
	} else {
		close(r.doneCh)
	}
	return r, nil
}

// --------------------------------------------------------------------------
// Group lifecycle
// --------------------------------------------------------------------------

func (r *registryImpl) GetOrCreate(ctx context.Context, docID string) (*group.Group, error) {
	if r.isClosed() {
		return nil, ErrRegistryClosed
	}

	// bounded retry: an entry may have been marked evicted between our
	// load and use, in which case the group is recreated transparently
	for attempt := 0; attempt < 3; attempt++ {
		e, _ := r.groups.LoadOrCompute(docID, func() *entry { return &entry{} })
		e.once.Do(func() {
			e.g, e.err = r.activate(ctx, docID)
		})
		if e.err != nil {
			err := e.err
			r.dropEntry(docID, e)
			return nil, err
		}
		if !e.g.Evicted() {
			return e.g, nil
		}
		r.dropEntry(docID, e)
	}
	return nil, fmt.Errorf("registry: group %q kept vanishing during creation", docID)
}

func (r *registryImpl) Lookup(docID string) (*group.Group, bool) {
	e, ok := r.groups.Load(docID)
	if !ok || e.g == nil || e.g.Evicted() {
		return nil, false
	}
	return e.g, true
}

// activate rehydrates the document from its latest snapshot (or starts
// empty) and wires the group's publish hook. Runs outside any map-level
// critical section; concurrent activations of other documents proceed in
// parallel.
func (r *registryImpl) activate(ctx context.Context, docID string) (*group.Group, error) {
	var replica *crdt.Replica
	rec, loaded, err := r.store.ReadLatest(ctx, docID)
	switch {
	case err != nil:
		return nil, fmt.Errorf("registry: rehydrate %q: %w", docID, err)
	case loaded:
		replica, err = crdt.DecodeState(rec.State)
		if err != nil {
			return nil, fmt.Errorf("registry: rehydrate %q v%d: %w", docID, rec.Version, err)
		}
		rehydrationsTotal.Inc()
		log.Infof("rehydrated %q from version %d", docID, rec.Version)
	default:
		replica = crdt.NewReplica()
	}

	g := group.New(docID, replica, group.Options{
		OnDiff:     func(diff []byte) { r.publish(docID, diff) },
		EncodeDiff: r.cfg.EncodeDiff,
	})

	activationsTotal.Inc()
	return g, nil
}

// handleEnvelope is the node's single relay consumer. Every envelope on the
// stream lands here; own publications are skipped, everything else is merged
// into the document's group, activating it first if this node does not host
// it yet. An eviction racing the merge just means the group is recreated and
// the merge retried.
func (r *registryImpl) handleEnvelope(env relay.Envelope) {
	if env.NodeID == r.cfg.NodeID {
		return // own publication echoed back by the stream
	}
	if r.isClosed() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), remoteApplyTimeout)
	defer cancel()
	for {
		g, err := r.GetOrCreate(ctx, env.DocID)
		if err != nil {
			log.Warningf("remote diff for %q dropped, activation failed: %v", env.DocID, err)
			return
		}
		err = g.SubmitRemote(env.Payload)
		if err == group.ErrGroupEvicted {
			continue
		}
		if err != nil {
			log.Warningf("remote diff for %q rejected: %v", env.DocID, err)
		}
		return
	}
}

// publish hands a locally committed diff to the relay. Failure degrades to
// local-only collaboration for this diff; remote peers converge again with
// the next successful publication or snapshot rehydration.
func (r *registryImpl) publish(docID string, diff []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.PublishTimeout)
	defer cancel()
	env := relay.Envelope{DocID: docID, NodeID: r.cfg.NodeID, Payload: diff}
	if err := r.relay.Publish(ctx, env); err != nil {
		log.Warningf("publish for %q failed, continuing local-only: %v", docID, err)
	}
}

// dropEntry removes a map entry, but only the exact entry the caller holds
// so a freshly recreated group is never torn down by a stale caller.
func (r *registryImpl) dropEntry(docID string, stale *entry) {
	r.groups.Compute(docID, func(cur *entry, loaded bool) (*entry, bool) {
		return cur, !loaded || cur == stale
	})
}

// --------------------------------------------------------------------------
// Transport facade
// --------------------------------------------------------------------------

func (r *registryImpl) Attach(ctx context.Context, docID, clientID string, sub group.Subscriber) error {
	if err := r.auth.Authorize(ctx, clientID, docID, admission.ActionAttach); err != nil {
		return err
	}
	for {
		g, err := r.GetOrCreate(ctx, docID)
		if err != nil {
			return err
		}
		err = g.Attach(sub)
		if err == group.ErrGroupEvicted {
			continue // raced an eviction, recreate
		}
		return err
	}
}

func (r *registryImpl) Detach(docID, subID string) {
	if g, ok := r.Lookup(docID); ok {
		g.Detach(subID)
	}
}

func (r *registryImpl) Submit(ctx context.Context, docID, clientID, originID string, update []byte) ([]byte, error) {
	if err := r.auth.Authorize(ctx, clientID, docID, admission.ActionWrite); err != nil {
		return nil, err
	}
	for {
		g, err := r.GetOrCreate(ctx, docID)
		if err != nil {
			return nil, err
		}
		diff, err := g.SubmitLocal(originID, update)
		if err == group.ErrGroupEvicted {
			continue
		}
		return diff, err
	}
}

func (r *registryImpl) DiffSince(ctx context.Context, docID, clientID string, vv crdt.VV) ([]byte, crdt.VV, error) {
	if err := r.auth.Authorize(ctx, clientID, docID, admission.ActionAttach); err != nil {
		return nil, nil, err
	}
	for {
		g, err := r.GetOrCreate(ctx, docID)
		if err != nil {
			return nil, nil, err
		}
		diff, err := g.DiffSince(vv)
		if err == group.ErrGroupEvicted {
			continue
		}
		return diff, g.VV(), err
	}
}

// --------------------------------------------------------------------------
// Eviction and enumeration
// --------------------------------------------------------------------------

func (r *registryImpl) evictLoop() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.cfg.EvictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := r.EvictIdle(time.Now()); n > 0 {
				log.Infof("evicted %d idle group(s)", n)
			}
		case <-r.stopCh:
			return
		}
	}
}

func (r *registryImpl) EvictIdle(now time.Time) int {
	evicted := 0
	r.groups.Range(func(docID string, e *entry) bool {
		if e.g == nil || !e.g.Evictable(now, r.cfg.IdleAfter) {
			return true
		}
		// MarkEvicted re-checks under the group mutex; a subscriber or
		// edit that arrived since the Evictable probe keeps the group
		if !e.g.MarkEvicted() {
			return true
		}
		r.dropEntry(docID, e)
		evictionsTotal.Inc()
		evicted++
		return true
	})
	return evicted
}

func (r *registryImpl) ForEachGroup(fn func(g *group.Group) bool) {
	r.groups.Range(func(_ string, e *entry) bool {
		if e.g == nil || e.g.Evicted() {
			return true
		}
		return fn(e.g)
	})
}

func (r *registryImpl) Size() int {
	return r.groups.Size()
}

// --------------------------------------------------------------------------
// Shutdown
// --------------------------------------------------------------------------

func (r *registryImpl) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *registryImpl) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	close(r.stopCh)
	<-r.doneCh

	if r.relayCancel != nil {
		r.relayCancel()
	}
	return nil
}
