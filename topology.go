package clustercache

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// RefreshReason is the reason of an adaptive topology refresh.
type RefreshReason int

// List of adaptive refresh reasons.
const (
	// ReasonMovedRedirect is raised when a node replies with a MOVED
	// redirection, so the slot owner changed.
	ReasonMovedRedirect RefreshReason = iota + 1
	// ReasonPersistentReconnect is raised when a node cannot be reached.
	ReasonPersistentReconnect
	// ReasonEmptyTopology is raised when a key is routed while no topology
	// was ever loaded. It is always enabled.
	ReasonEmptyTopology
)

func (r RefreshReason) String() string {
	switch r {
	case ReasonMovedRedirect:
		return "moved-redirect"
	case ReasonPersistentReconnect:
		return "persistent-reconnect"
	case ReasonEmptyTopology:
		return "empty-topology"
	default:
		return "reason(" + strconv.Itoa(int(r)) + ")"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r RefreshReason) MarshalText() ([]byte, error) {
	switch r {
	case ReasonMovedRedirect, ReasonPersistentReconnect, ReasonEmptyTopology:
		return []byte(r.String()), nil
	default:
		return nil, fmt.Errorf("clustercache: invalid refresh reason %d", int(r))
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *RefreshReason) UnmarshalText(b []byte) error {
	switch string(b) {
	case "moved-redirect":
		*r = ReasonMovedRedirect
	case "persistent-reconnect":
		*r = ReasonPersistentReconnect
	case "empty-topology":
		*r = ReasonEmptyTopology
	default:
		return fmt.Errorf("clustercache: invalid refresh reason %q", b)
	}
	return nil
}

// RefreshConfig configures the topology refreshes.
type RefreshConfig struct {
	// PeriodicInterval is the interval of the periodic refresh, 0 disables
	// it.
	PeriodicInterval time.Duration `yaml:"periodic_interval"`
	// AdaptiveDebounce is the minimum time between two adaptive refreshes.
	AdaptiveDebounce time.Duration `yaml:"adaptive_debounce"`
	// AdaptiveTriggers lists the reasons that trigger an adaptive refresh.
	AdaptiveTriggers []RefreshReason `yaml:"adaptive_triggers"`
	// RefreshTimeout bounds the background refreshes.
	RefreshTimeout time.Duration `yaml:"refresh_timeout"`
}

// Validate returns an error if the configuration is invalid.
func (c RefreshConfig) Validate() error {
	var errs []error
	if c.PeriodicInterval < 0 || c.AdaptiveDebounce < 0 {
		errs = append(errs, errors.New("refresh interval and debounce must be >= 0"))
	}
	if c.RefreshTimeout <= 0 {
		errs = append(errs, errors.New("refresh timeout must be > 0"))
	}
	for _, r := range c.AdaptiveTriggers {
		if _, err := r.MarshalText(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// refresh triggers, as logged and counted.
const (
	triggerInitial  = "initial"
	triggerManual   = "manual"
	triggerPeriodic = "periodic"
	triggerAdaptive = "adaptive"
)

type refreshState int

const (
	stateIdle refreshState = iota
	stateRefreshing
)

// flight is a refresh in progress, other callers wait on done for its
// result.
type flight struct {
	done chan struct{}
	err  error
}

// Topology tracks the partition map of the cluster. The map is refreshed
// periodically and on adaptive signals raised by the routing layer, with at
// most one refresh running at a time. It is safe for concurrent use.
type Topology struct {
	cfg      RefreshConfig
	seeds    []Endpoint
	loader   SlotsLoader
	enabled  map[RefreshReason]bool
	onUpdate func(*PartitionMap)
	log      zerolog.Logger
	metrics  *metrics
	now      func() time.Time

	current atomic.Pointer[PartitionMap]

	ctx    context.Context // canceled on Close
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	state        refreshState
	flight       *flight
	lastAdaptive time.Time
	started      bool
	closed       bool
}

// NewTopology creates a topology tracker that loads the slots with loader,
// querying the known nodes then the seeds. The partition map is empty
// until the first successful refresh. If logger is nil, nothing is logged.
func NewTopology(cfg RefreshConfig, seeds []Endpoint, loader SlotsLoader, logger *zerolog.Logger) *Topology {
	return newTopology(cfg, seeds, loader, logger, nopMetrics(), nil)
}

func newTopology(cfg RefreshConfig, seeds []Endpoint, loader SlotsLoader, logger *zerolog.Logger,
	m *metrics, onUpdate func(*PartitionMap)) *Topology {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	enabled := map[RefreshReason]bool{ReasonEmptyTopology: true}
	for _, r := range cfg.AdaptiveTriggers {
		enabled[r] = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Topology{
		cfg:      cfg,
		seeds:    append([]Endpoint(nil), seeds...),
		loader:   loader,
		enabled:  enabled,
		onUpdate: onUpdate,
		log:      logger.With().Str("component", "topology").Logger(),
		metrics:  m,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
	t.current.Store(emptyPartitionMap)
	return t
}

// Snapshot returns the current partition map. It never blocks, and the
// returned map is never modified.
func (t *Topology) Snapshot() *PartitionMap {
	return t.current.Load()
}

// RefreshNow loads the topology and replaces the partition map. If a
// refresh is already running, it waits for it and returns its result
// instead of starting another one. On failure the current map is kept.
func (t *Topology) RefreshNow(ctx context.Context) error {
	return t.refresh(ctx, triggerManual)
}

func (t *Topology) refresh(ctx context.Context, trigger string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return &OpError{Op: "refresh", Kind: ErrClosed}
	}
	if t.state == stateRefreshing {
		f := t.flight
		t.mu.Unlock()

		select {
		case <-f.done:
			return f.err
		case <-ctx.Done():
			return &OpError{Op: "refresh", Kind: ErrTimeout, Err: ctx.Err()}
		}
	}

	f := &flight{done: make(chan struct{})}
	t.state = stateRefreshing
	t.flight = f
	t.mu.Unlock()

	f.err = t.load(ctx, trigger)

	t.mu.Lock()
	t.state = stateIdle
	t.flight = nil
	t.mu.Unlock()
	close(f.done)

	return f.err
}

func (t *Topology) load(ctx context.Context, trigger string) error {
	start := t.now()

	var errs []error
	for _, ep := range t.candidates() {
		ranges, err := t.loader.LoadSlots(ctx, ep)
		if err == nil {
			var pm *PartitionMap
			if pm, err = NewPartitionMap(ranges); err == nil {
				t.replace(pm, ep, trigger, start)
				return nil
			}
		}
		errs = append(errs, fmt.Errorf("%s: %w", ep.Addr(), err))
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		errs = append(errs, errors.New("no node to query"))
	}

	err := fmt.Errorf("clustercache: topology refresh failed: %w", errors.Join(errs...))
	t.metrics.refreshes.WithLabelValues(trigger, "error").Inc()
	t.log.Warn().Err(err).Str("trigger", trigger).Msg("topology refresh failed, keeping current map")
	return err
}

func (t *Topology) replace(pm *PartitionMap, from Endpoint, trigger string, start time.Time) {
	old := t.current.Swap(pm)

	t.metrics.refreshes.WithLabelValues(trigger, "ok").Inc()
	t.log.Debug().
		Str("trigger", trigger).
		Str("from", from.Addr()).
		Int("nodes", len(pm.nodes)).
		Int("ranges", len(pm.ranges)).
		Bool("changed", !old.Equal(pm)).
		Dur("took", t.now().Sub(start)).
		Msg("topology refreshed")

	if t.onUpdate != nil {
		t.onUpdate(pm)
	}
}

// candidates returns the nodes to query, the known nodes in random order
// followed by the seeds that are not known.
func (t *Topology) candidates() []Endpoint {
	known := t.Snapshot().Endpoints()
	rand.Shuffle(len(known), func(i, j int) {
		known[i], known[j] = known[j], known[i]
	})

	seen := make(map[string]bool, len(known))
	for _, ep := range known {
		seen[ep.Addr()] = true
	}
	for _, ep := range t.seeds {
		if !seen[ep.Addr()] {
			seen[ep.Addr()] = true
			known = append(known, ep)
		}
	}
	return known
}

// TriggerAdaptive signals that the topology may have changed. A refresh is
// started in the background unless the reason is not enabled, a refresh is
// already running, or an adaptive refresh was started less than the
// debounce window ago. It returns true if a refresh was started.
func (t *Topology) TriggerAdaptive(reason RefreshReason) bool {
	if !t.enabled[reason] {
		t.metrics.adaptiveSignals.WithLabelValues(reason.String(), "disabled").Inc()
		return false
	}

	var outcome string
	t.mu.Lock()
	now := t.now()
	switch {
	case t.closed:
		outcome = "closed"
	case t.state == stateRefreshing:
		outcome = "coalesced"
	case !t.lastAdaptive.IsZero() && now.Sub(t.lastAdaptive) < t.cfg.AdaptiveDebounce:
		outcome = "debounced"
	default:
		outcome = "scheduled"
		t.lastAdaptive = now
		t.wg.Add(1)
	}
	t.mu.Unlock()

	t.metrics.adaptiveSignals.WithLabelValues(reason.String(), outcome).Inc()
	if outcome != "scheduled" {
		return false
	}

	t.log.Debug().Stringer("reason", reason).Msg("adaptive refresh scheduled")
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(t.ctx, t.cfg.RefreshTimeout)
		defer cancel()
		_ = t.refresh(ctx, triggerAdaptive)
	}()
	return true
}

// Start starts the periodic refresh, if enabled. It is a no-op if the
// tracker is already started or closed.
func (t *Topology) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started || t.closed || t.cfg.PeriodicInterval <= 0 {
		return
	}
	t.started = true
	t.wg.Add(1)
	go t.loop()
}

func (t *Topology) loop() {
	defer t.wg.Done()

	tick := time.NewTicker(t.cfg.PeriodicInterval)
	defer tick.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-tick.C:
			ctx, cancel := context.WithTimeout(t.ctx, t.cfg.RefreshTimeout)
			_ = t.refresh(ctx, triggerPeriodic)
			cancel()
		}
	}
}

// Close stops the periodic refresh and waits for the background refreshes
// to return. The last partition map remains available via Snapshot. It is
// safe to call more than once.
func (t *Topology) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()
	return nil
}
