package registry

import (
	"context"
	"net"
	"time"

	"github.com/sage-x-project/m2m/internal/idgen"
	"github.com/sage-x-project/m2m/internal/logger"
	"github.com/sage-x-project/m2m/internal/metrics"
)

// Registry is the hub's business-logic layer: it composes a Store with id
// minting, address derivation, and the decay sweeper.
type Registry struct {
	store     Store
	log       logger.Logger
	startedAt time.Time

	trustClientAddress bool

	stopSweep chan struct{}
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithLogger injects a logger; defaults to logger.NewDefaultLogger().
func WithLogger(l logger.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// WithTrustClientAddress enables the development-only mode where the
// agent-declared address is used verbatim instead of the hub's
// observed-IP-plus-declared-port policy. Off by default.
func WithTrustClientAddress(trust bool) Option {
	return func(r *Registry) { r.trustClientAddress = trust }
}

// New constructs a Registry over store and starts its decay sweeper.
func New(store Store, opts ...Option) *Registry {
	r := &Registry{
		store:     store,
		log:       logger.NewDefaultLogger(),
		startedAt: time.Now(),
		stopSweep: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.sweepLoop()
	return r
}

// Close stops the sweeper and the underlying store.
func (r *Registry) Close() error {
	close(r.stopSweep)
	return r.store.Close()
}

// DeriveAddress implements the hub's address-override trust policy: the
// observed remote IP plus the port component of the agent-declared
// address, unless trustClientAddress is enabled (then the declared
// address is used verbatim) or the agent supplied no usable port (then the
// full observed endpoint is used).
func DeriveAddress(observedEndpoint, declared string, trustClientAddress bool) (string, error) {
	if trustClientAddress && declared != "" {
		return declared, nil
	}

	observedHost, _, err := net.SplitHostPort(observedEndpoint)
	if err != nil {
		// observedEndpoint had no port component of its own; use it as-is.
		observedHost = observedEndpoint
	}

	if declared != "" {
		if _, port, err := net.SplitHostPort(declared); err == nil && port != "" {
			return net.JoinHostPort(observedHost, port), nil
		}
	}
	return observedEndpoint, nil
}

// Register mints a fresh id and inserts a new online record.
func (r *Registry) Register(ctx context.Context, observedEndpoint, declaredAddress string, capabilities []string, metadata map[string]string) (*Agent, error) {
	id, err := idgen.AgentID()
	if err != nil {
		return nil, err
	}
	address, err := DeriveAddress(observedEndpoint, declaredAddress, r.trustClientAddress)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	agent := &Agent{
		ID:           id,
		Address:      address,
		Capabilities: append([]string(nil), capabilities...),
		Metadata:     metadata,
		Status:       StatusOnline,
		LastSeen:     now,
		CreatedAt:    now,
	}
	if err := r.store.Insert(ctx, agent); err != nil {
		return nil, err
	}

	metrics.HubRegistrationsTotal.Inc()
	r.log.Info("agent registered", logger.String("id", id), logger.String("address", address))
	return agent, nil
}

// Heartbeat refreshes last_seen and forces status online.
func (r *Registry) Heartbeat(ctx context.Context, id string) error {
	return r.store.Touch(ctx, id, StatusOnline, nil)
}

// SetStatus applies a caller-requested status change plus a metadata merge.
// Any control message also counts as a liveness signal by convention, so a
// nil status leaves the current status untouched via Touch with status
// itself.
func (r *Registry) SetStatus(ctx context.Context, id string, status *Status, metadata map[string]string) error {
	current, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	target := current.Status
	if status != nil {
		target = *status
	}
	return r.store.Touch(ctx, id, target, metadata)
}

// Disconnect transitions id directly to offline.
func (r *Registry) Disconnect(ctx context.Context, id string) error {
	return r.store.SetOffline(ctx, id)
}

// Lookup returns the record for id regardless of status.
func (r *Registry) Lookup(ctx context.Context, id string) (*Agent, error) {
	return r.store.Get(ctx, id)
}

// Discover runs a general filtered, paginated query, AND-ing all supplied
// filters. capabilities is any-of.
func (r *Registry) Discover(ctx context.Context, filter Filter) ([]*Agent, int, error) {
	start := time.Now()
	agents, total, err := r.store.List(ctx, filter)
	metrics.HubDiscoverDuration.WithLabelValues("discover").Observe(time.Since(start).Seconds())
	return agents, total, err
}

// Find is a convenience discover restricted to a single capability and
// status=online, ordered most-recently-seen first.
func (r *Registry) Find(ctx context.Context, capability string, limit, offset int) ([]*Agent, int, error) {
	online := StatusOnline
	filter := Filter{
		Capabilities: []string{capability},
		Status:       &online,
		Limit:        limit,
		Offset:       offset,
		OrderDesc:    true,
	}
	start := time.Now()
	agents, total, err := r.store.List(ctx, filter)
	metrics.HubDiscoverDuration.WithLabelValues("find").Observe(time.Since(start).Seconds())
	return agents, total, err
}

// Stats returns the hub's aggregate snapshot.
func (r *Registry) Stats(ctx context.Context) (*Stats, error) {
	counts, err := r.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	total := 0
	for _, c := range counts {
		total += c
	}
	return &Stats{Total: total, ByStatus: counts, Uptime: time.Since(r.startedAt)}, nil
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopSweep:
			return
		case <-ticker.C:
			r.sweepOnce()
		}
	}
}

func (r *Registry) sweepOnce() {
	ctx := context.Background()

	idled, err := r.store.SweepToIdle(ctx, time.Now().Add(-IdleAfter))
	if err != nil {
		r.log.Warn("sweeper idle pass failed", logger.Error(err))
	} else if len(idled) > 0 {
		metrics.HubSweeperTransitionsTotal.WithLabelValues("online", "idle").Add(float64(len(idled)))
		r.log.Debug("sweeper demoted agents to idle", logger.Int("count", len(idled)))
	}

	offlined, err := r.store.SweepToOffline(ctx, time.Now().Add(-OfflineAfter))
	if err != nil {
		r.log.Warn("sweeper offline pass failed", logger.Error(err))
	} else if len(offlined) > 0 {
		metrics.HubSweeperTransitionsTotal.WithLabelValues("idle", "offline").Add(float64(len(offlined)))
		r.log.Debug("sweeper demoted agents to offline", logger.Int("count", len(offlined)))
	}
}
