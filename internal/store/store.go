// Package store owns all per-stash mutable state: the current session
// context, era stake, rolling authorship and para-duty windows, and the
// two-slot era points buffer. Refreshes are isolated per stash; consumers
// read consistent copy-on-read snapshots.
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/helmwatch/helmwatch/internal/chain"
)

// WindowSessions is the capacity of the rolling per-session windows.
const WindowSessions = 6

// SessionContext is the current-session view of one stash. It is replaced
// wholesale every session.
type SessionContext struct {
	Session chain.SessionIndex
	Era     chain.EraIndex
	// EraSessionPosition is 1-based: 1..SessionsPerEra.
	EraSessionPosition uint32
	IsActive           bool
	KeysQueued         bool
	QueuedKeysHex      string
}

// EraPointsRecord is one era's reward points view for a stash.
type EraPointsRecord struct {
	Era            chain.EraIndex
	Points         uint32
	NetworkAverage float64
}

// State is the full snapshot of one tracked stash.
type State struct {
	Stash    chain.Stash
	Account  chain.AccountID
	Identity string

	Session SessionContext
	Stake   chain.StakeInfo
	// AllNominators is every account nominating the stash, exposed or not.
	// Populated only when the store was configured to fetch it.
	AllNominators []chain.AccountID

	// Authorship holds authored-block counts for up to the last
	// WindowSessions completed sessions, oldest first.
	Authorship Window[int]
	// ParaDuty holds per-session parachain-duty assignment flags.
	ParaDuty Window[bool]

	// CurrentEraPoints and LastEraPoints form the two-slot rolling buffer,
	// replaced wholesale on every era transition. Nil until the first era
	// refresh.
	CurrentEraPoints *EraPointsRecord
	LastEraPoints    *EraPointsRecord

	// Reward carries the payout inputs captured with the last era refresh.
	Reward chain.RewardContext
}

// Clone returns a deep copy of the state.
func (s State) Clone() State {
	out := s
	out.Stake = s.Stake.Clone()
	out.AllNominators = append([]chain.AccountID(nil), s.AllNominators...)
	out.Authorship = s.Authorship.Clone()
	out.ParaDuty = s.ParaDuty.Clone()
	if s.CurrentEraPoints != nil {
		cp := *s.CurrentEraPoints
		out.CurrentEraPoints = &cp
	}
	if s.LastEraPoints != nil {
		lp := *s.LastEraPoints
		out.LastEraPoints = &lp
	}
	return out
}

// SessionFacts is the transition-wide data a session refresh needs. It is
// assembled once per transition so N tracked stashes do not repeat the same
// chain queries.
type SessionFacts struct {
	Block   uint64
	Session chain.SessionIndex
	Era     chain.EraInfo
	// EraSessionPosition is the 1-based position of Session within Era.
	EraSessionPosition uint32
	Validators         []chain.AccountID
	// ParaIndices are indices into Validators assigned to parachain duty.
	ParaIndices []uint32
	// Authored returns the account's block tally for the just-completed
	// session.
	Authored func(chain.AccountID) int
}

// EraFacts is the transition-wide data an era refresh needs.
type EraFacts struct {
	Era chain.EraIndex
	// Points is the current era's reward points table (usually near zero
	// right after the transition).
	Points chain.RewardPoints
	// PrevEra and PrevPoints describe the just-completed era.
	PrevEra    chain.EraIndex
	PrevPoints chain.RewardPoints
	// ValidatorCount sizes the network-average computation.
	ValidatorCount int
	// Reward is the payout context of the just-completed era.
	Reward chain.RewardContext
}

type entry struct {
	mu    sync.Mutex
	state State
}

// Store tracks a set of stashes and refreshes their state from the chain.
//
// The store is the only shared mutable structure in the agent. Refreshes
// for different stashes may run concurrently; refreshes for the same stash
// are serialized by a per-stash mutex.
type Store struct {
	logger zerolog.Logger
	client chain.Client

	// fetchAllNominators enables the expensive full-nominator query during
	// era refreshes.
	fetchAllNominators bool

	mu      sync.RWMutex
	entries map[chain.Stash]*entry
}

// Option customizes store construction.
type Option func(*Store)

// WithAllNominators makes era refreshes fetch the full nominator list.
func WithAllNominators() Option {
	return func(s *Store) { s.fetchAllNominators = true }
}

// New creates an empty store.
func New(logger zerolog.Logger, client chain.Client, opts ...Option) *Store {
	s := &Store{
		logger:  logger.With().Str("component", "store").Logger(),
		client:  client,
		entries: make(map[chain.Stash]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Track registers a stash. The SS58 address is decoded once here; tracking
// an already-tracked stash is a no-op.
func (s *Store) Track(stash chain.Stash) error {
	account, _, err := chain.DecodeSS58(stash)
	if err != nil {
		return fmt.Errorf("track %s: %w", stash, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[stash]; ok {
		return nil
	}
	s.entries[stash] = &entry{state: State{
		Stash:      stash,
		Account:    account,
		Authorship: NewWindow[int](WindowSessions),
		ParaDuty:   NewWindow[bool](WindowSessions),
	}}
	s.logger.Info().Str("stash", string(stash)).Msg("Tracking stash")
	return nil
}

// Untrack removes a stash and its state.
func (s *Store) Untrack(stash chain.Stash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, stash)
}

// Stashes returns the tracked stashes.
func (s *Store) Stashes() []chain.Stash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]chain.Stash, 0, len(s.entries))
	for stash := range s.entries {
		out = append(out, stash)
	}
	return out
}

// Snapshot returns a deep copy of a stash's state.
func (s *Store) Snapshot(stash chain.Stash) (State, bool) {
	e := s.entry(stash)
	if e == nil {
		return State{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone(), true
}

func (s *Store) entry(stash chain.Stash) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[stash]
}

// RefreshSession refreshes a stash's session context and advances its
// rolling windows. All chain queries complete before any state is mutated:
// a failed refresh keeps the previous snapshot intact and does not advance
// the windows.
func (s *Store) RefreshSession(ctx context.Context, stash chain.Stash, facts SessionFacts) error {
	e := s.entry(stash)
	if e == nil {
		return fmt.Errorf("stash %s not tracked", stash)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	who := e.state.Account

	queued, err := s.client.QueuedSessionKeys(ctx, who)
	if err != nil {
		return chain.NewQueryError("queued session keys", err)
	}
	identity, err := s.client.Identity(ctx, who)
	if err != nil {
		return chain.NewQueryError("identity", err)
	}

	isActive, setIndex := indexOf(facts.Validators, who)
	isPara := false
	if isActive {
		for _, pi := range facts.ParaIndices {
			if pi == setIndex {
				isPara = true
				break
			}
		}
	}

	authored := 0
	if facts.Authored != nil {
		authored = facts.Authored(who)
	}

	e.state.Identity = identity
	e.state.Session = SessionContext{
		Session:            facts.Session,
		Era:                facts.Era.Index,
		EraSessionPosition: facts.EraSessionPosition,
		IsActive:           isActive,
		KeysQueued:         queued.Queued,
		QueuedKeysHex:      queued.Hex,
	}
	e.state.Authorship.Push(authored)
	e.state.ParaDuty.Push(isPara)

	return nil
}

// RefreshEra refreshes a stash's stake and era points. Like RefreshSession,
// state is only mutated once every query has succeeded.
func (s *Store) RefreshEra(ctx context.Context, stash chain.Stash, facts EraFacts) error {
	e := s.entry(stash)
	if e == nil {
		return fmt.Errorf("stash %s not tracked", stash)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	who := e.state.Account

	stake, err := s.client.EraStake(ctx, facts.Era, who)
	if err != nil {
		return chain.NewQueryError("era stake", err)
	}

	var all []chain.AccountID
	if s.fetchAllNominators {
		all, err = s.client.Nominators(ctx, who)
		if err != nil {
			return chain.NewQueryError("nominators", err)
		}
	}

	e.state.Stake = stake
	e.state.AllNominators = all
	e.state.CurrentEraPoints = &EraPointsRecord{
		Era:            facts.Era,
		Points:         facts.Points.Individual[who],
		NetworkAverage: averagePoints(facts.Points, facts.ValidatorCount),
	}
	e.state.LastEraPoints = &EraPointsRecord{
		Era:            facts.PrevEra,
		Points:         facts.PrevPoints.Individual[who],
		NetworkAverage: averagePoints(facts.PrevPoints, facts.ValidatorCount),
	}
	e.state.Reward = facts.Reward

	return nil
}

// averagePoints computes the network-average era points over the active
// validator count, falling back to the number of scoring validators when
// the count is unknown.
func averagePoints(points chain.RewardPoints, validatorCount int) float64 {
	n := validatorCount
	if n == 0 {
		n = len(points.Individual)
	}
	if n == 0 {
		return 0
	}
	return float64(points.Total) / float64(n)
}

func indexOf(set []chain.AccountID, who chain.AccountID) (bool, uint32) {
	for i, v := range set {
		if v == who {
			return true, uint32(i)
		}
	}
	return false, 0
}
