// Package monitor owns the agent's main loop. It consumes the finalized
// header subscription, drives the tracker, refreshes the store on
// transitions, computes metrics, and dispatches hooks. It also handles
// reconnecting after transport loss.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/helmwatch/helmwatch/internal/chain"
	"github.com/helmwatch/helmwatch/internal/hook"
	"github.com/helmwatch/helmwatch/internal/stats"
	"github.com/helmwatch/helmwatch/internal/store"
	"github.com/helmwatch/helmwatch/internal/telemetry"
	"github.com/helmwatch/helmwatch/internal/tracker"
)

// Hooks carries the script paths for the three hook kinds. An empty path
// disables that hook.
type Hooks struct {
	// NewSession runs for every tracked stash on every session transition.
	NewSession string
	// ActiveNextEra runs on the last session of an era for stashes that are
	// inactive but have session keys queued.
	ActiveNextEra string
	// InactiveNextEra runs on the last session of an era for stashes that
	// are active but have no session keys queued.
	InactiveNextEra string
}

// Config tunes the monitor.
type Config struct {
	Hooks Hooks
	// Flags selects which optional hook contract fields are populated.
	Flags hook.Flags
	// RewardModel projects APR; nil selects stats.ProjectedReturn.
	RewardModel stats.RewardModel
	// FanOut bounds concurrent per-stash work within one transition.
	// Zero selects 8.
	FanOut int
	// ReconnectInterval is the initial pause between reconnect attempts.
	// Zero selects 5s.
	ReconnectInterval time.Duration
	// ReconnectRetries bounds reconnect attempts per outage; exhaustion is
	// fatal. Zero selects 5.
	ReconnectRetries uint64
}

// Monitor wires the tracker, store, and dispatcher together behind one
// finalized-header subscription.
type Monitor struct {
	logger     zerolog.Logger
	client     chain.Client
	store      *store.Store
	tracker    *tracker.Tracker
	dispatcher *hook.Dispatcher
	cfg        Config

	props chain.Properties

	blocks          telemetry.Counter
	sessions        telemetry.Counter
	eras            telemetry.Counter
	reconnects      telemetry.Counter
	refreshFailures telemetry.CounterVec
	hookFailures    telemetry.CounterVec
	finalizedBlock  telemetry.Gauge
}

// New assembles a monitor. The store is expected to already track the
// configured stashes.
func New(logger zerolog.Logger, client chain.Client, st *store.Store, dispatcher *hook.Dispatcher, cfg Config) *Monitor {
	if cfg.RewardModel == nil {
		cfg.RewardModel = stats.ProjectedReturn
	}
	if cfg.FanOut <= 0 {
		cfg.FanOut = 8
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	if cfg.ReconnectRetries == 0 {
		cfg.ReconnectRetries = 5
	}
	return &Monitor{
		logger:          logger.With().Str("component", "monitor").Logger(),
		client:          client,
		store:           st,
		tracker:         tracker.New(logger, client),
		dispatcher:      dispatcher,
		cfg:             cfg,
		blocks:          telemetry.CounterMeter("blocks_finalized_total"),
		sessions:        telemetry.CounterMeter("sessions_total"),
		eras:            telemetry.CounterMeter("eras_total"),
		reconnects:      telemetry.CounterMeter("reconnects_total"),
		refreshFailures: telemetry.CounterVecMeter("refresh_failures_total", []string{"stash"}),
		hookFailures:    telemetry.CounterVecMeter("hook_failures_total", []string{"stash"}),
		finalizedBlock:  telemetry.GaugeMeter("finalized_block_number"),
	}
}

// Run blocks until ctx is cancelled or an unrecoverable error occurs.
// Cancellation is a clean shutdown and returns nil; reconnect exhaustion
// and non-transport failures return the error.
func (m *Monitor) Run(ctx context.Context) error {
	props, err := m.client.Properties(ctx)
	if err != nil {
		return fmt.Errorf("query network properties: %w", err)
	}
	m.props = props
	m.logger.Info().
		Str("network", props.Network).
		Str("token", props.TokenSymbol).
		Uint32("sessions_per_era", props.SessionsPerEra).
		Int("stashes", len(m.store.Stashes())).
		Msg("Monitor starting")

	for {
		sub, err := m.subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		err = m.consume(ctx, sub)
		sub.Close()

		switch {
		case ctx.Err() != nil:
			m.logger.Info().Msg("Monitor stopping")
			return nil
		case chain.IsConnectionError(err):
			m.reconnects.Add(1)
			m.logger.Warn().Err(err).Msg("Subscription lost; reconnecting")
		default:
			return err
		}
	}
}

// subscribe opens the finalized-header stream with bounded exponential
// backoff. Exhaustion returns the last transport error.
func (m *Monitor) subscribe(ctx context.Context) (chain.HeaderSubscription, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.ReconnectInterval
	bo.MaxElapsedTime = 0

	var sub chain.HeaderSubscription
	attempt := 0
	op := func() error {
		attempt++
		s, err := m.client.SubscribeFinalizedHeaders(ctx)
		if err != nil {
			m.logger.Warn().Err(err).Int("attempt", attempt).Msg("Subscribe failed")
			return err
		}
		sub = s
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, m.cfg.ReconnectRetries), ctx))
	if err != nil {
		return nil, fmt.Errorf("reconnect attempts exhausted: %w", err)
	}
	return sub, nil
}

// consume processes headers until the subscription fails or ctx is done.
func (m *Monitor) consume(ctx context.Context, sub chain.HeaderSubscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return err
		case header, ok := <-sub.Headers():
			if !ok {
				return &chain.ConnectionError{Err: fmt.Errorf("header stream closed")}
			}
			if err := m.handleHeader(ctx, header); err != nil {
				return err
			}
		}
	}
}

// handleHeader feeds one header to the tracker and processes the resulting
// transitions. Only transport loss propagates; a transient query failure
// skips the header and keeps the loop alive.
func (m *Monitor) handleHeader(ctx context.Context, header chain.Header) error {
	events, err := m.tracker.Observe(ctx, header)
	if err != nil {
		if chain.IsConnectionError(err) {
			return err
		}
		m.logger.Warn().Err(err).Uint64("block", header.Number).Msg("Skipping header")
		return nil
	}
	m.blocks.Add(1)
	m.finalizedBlock.Set(int64(header.Number))

	var sessionEv *tracker.Event
	newEra := false
	for i := range events {
		switch events[i].Kind {
		case tracker.NewSession:
			sessionEv = &events[i]
		case tracker.NewEra:
			newEra = true
		}
	}
	if sessionEv == nil {
		return nil
	}

	m.sessions.Add(1)
	log := m.logger.Info().
		Uint64("block", sessionEv.Block).
		Uint32("session", uint32(sessionEv.Session)).
		Uint32("era", uint32(sessionEv.Era.Index))
	if newEra {
		m.eras.Add(1)
		log = log.Uint32("previous_era", uint32(sessionEv.PrevEra))
	}
	log.Bool("new_era", newEra).Msg("Session transition")

	facts, eraFacts, err := m.gatherFacts(ctx, *sessionEv, newEra)
	if err != nil {
		if chain.IsConnectionError(err) {
			return err
		}
		// Stale snapshots are retained; the next transition catches up.
		m.logger.Warn().Err(err).Uint32("session", uint32(sessionEv.Session)).
			Msg("Transition facts unavailable; skipping refresh")
		return nil
	}

	m.processTransition(ctx, facts, eraFacts)
	return nil
}

// gatherFacts assembles the transition-wide query results shared by every
// stash refresh, so N stashes do not repeat the same chain queries.
func (m *Monitor) gatherFacts(ctx context.Context, ev tracker.Event, newEra bool) (store.SessionFacts, *store.EraFacts, error) {
	validators := m.tracker.Validators()

	paraIndices, err := m.client.ParaValidatorIndices(ctx)
	if err != nil {
		return store.SessionFacts{}, nil, fmt.Errorf("query para validator indices: %w", err)
	}

	facts := store.SessionFacts{
		Block:              ev.Block,
		Session:            ev.Session,
		Era:                ev.Era,
		EraSessionPosition: uint32(ev.Session-ev.Era.StartSession) + 1,
		Validators:         validators,
		ParaIndices:        paraIndices,
		Authored:           m.tracker.CompletedSessionAuthored,
	}
	if !newEra {
		return facts, nil, nil
	}

	points, err := m.client.EraRewardPoints(ctx, ev.Era.Index)
	if err != nil {
		return store.SessionFacts{}, nil, fmt.Errorf("query era reward points: %w", err)
	}
	prevPoints, err := m.client.EraRewardPoints(ctx, ev.PrevEra)
	if err != nil {
		return store.SessionFacts{}, nil, fmt.Errorf("query previous era reward points: %w", err)
	}
	reward, err := m.client.RewardContext(ctx, ev.PrevEra)
	if err != nil {
		return store.SessionFacts{}, nil, fmt.Errorf("query reward context: %w", err)
	}

	return facts, &store.EraFacts{
		Era:            ev.Era.Index,
		Points:         points,
		PrevEra:        ev.PrevEra,
		PrevPoints:     prevPoints,
		ValidatorCount: len(validators),
		Reward:         reward,
	}, nil
}

// processTransition refreshes every tracked stash and dispatches hooks.
// Refreshes run first and all complete before any metrics are computed;
// both phases fan out over a bounded pool with per-stash isolation. A
// stash whose refresh failed keeps its stale snapshot and gets no hook
// this transition.
func (m *Monitor) processTransition(ctx context.Context, facts store.SessionFacts, eraFacts *store.EraFacts) {
	stashes := m.store.Stashes()
	refreshed := make([]bool, len(stashes))

	g := &errgroup.Group{}
	g.SetLimit(m.cfg.FanOut)
	for i, stash := range stashes {
		i, stash := i, stash
		g.Go(func() error {
			refreshed[i] = m.refreshStash(ctx, stash, facts, eraFacts)
			return nil
		})
	}
	_ = g.Wait()

	g = &errgroup.Group{}
	g.SetLimit(m.cfg.FanOut)
	for i, stash := range stashes {
		if !refreshed[i] {
			continue
		}
		stash := stash
		g.Go(func() error {
			m.dispatchStash(ctx, stash, facts)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Monitor) refreshStash(ctx context.Context, stash chain.Stash, facts store.SessionFacts, eraFacts *store.EraFacts) bool {
	if eraFacts != nil {
		if err := m.store.RefreshEra(ctx, stash, *eraFacts); err != nil {
			m.refreshFailures.AddWithLabels(1, map[string]string{"stash": string(stash)})
			m.logger.Warn().Err(err).Str("stash", string(stash)).Msg("Era refresh failed")
			return false
		}
	}
	if err := m.store.RefreshSession(ctx, stash, facts); err != nil {
		m.refreshFailures.AddWithLabels(1, map[string]string{"stash": string(stash)})
		m.logger.Warn().Err(err).Str("stash", string(stash)).Msg("Session refresh failed")
		return false
	}
	return true
}

// dispatchStash computes metrics from the fresh snapshot and runs the
// applicable hooks. In-flight hooks are allowed to finish up to their own
// timeout even when ctx is cancelled during shutdown.
func (m *Monitor) dispatchStash(ctx context.Context, stash chain.Stash, facts store.SessionFacts) {
	snap, ok := m.store.Snapshot(stash)
	if !ok {
		return
	}

	metrics := stats.Compute(snap, m.props, m.cfg.RewardModel)
	inv := hook.NewInvocation(snap, metrics, m.props, facts.Block, m.cfg.Flags)

	hookCtx := context.WithoutCancel(ctx)
	m.runHook(hookCtx, stash, m.cfg.Hooks.NewSession, inv)

	// Era-edge hooks fire only on the era's final session, when the next
	// session starts a new era.
	if m.props.SessionsPerEra == 0 || snap.Session.EraSessionPosition != m.props.SessionsPerEra {
		return
	}
	switch {
	case !snap.Session.IsActive && snap.Session.KeysQueued:
		m.runHook(hookCtx, stash, m.cfg.Hooks.ActiveNextEra, inv)
	case snap.Session.IsActive && !snap.Session.KeysQueued:
		m.runHook(hookCtx, stash, m.cfg.Hooks.InactiveNextEra, inv)
	}
}

func (m *Monitor) runHook(ctx context.Context, stash chain.Stash, script string, inv hook.Invocation) {
	if script == "" {
		return
	}
	if err := m.dispatcher.Dispatch(ctx, script, inv); err != nil {
		m.hookFailures.AddWithLabels(1, map[string]string{"stash": string(stash)})
		m.logger.Warn().Err(err).Str("stash", string(stash)).Str("script", script).Msg("Hook failed")
	}
}
