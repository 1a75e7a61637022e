// Package tracker follows the finalized block stream and turns it into
// discrete transition events: new block, new session, new era. It also keeps
// the per-session block-author tally that feeds the authorship windows.
package tracker

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/helmwatch/helmwatch/internal/chain"
	"github.com/helmwatch/helmwatch/internal/digest"
)

// EventKind discriminates transition events.
type EventKind int

const (
	// NewBlock fires for every finalized header.
	NewBlock EventKind = iota
	// NewSession fires when the session index strictly increases.
	NewSession
	// NewEra fires when the era index strictly increases. It is always
	// accompanied by a NewSession event for the same header.
	NewEra
)

func (k EventKind) String() string {
	switch k {
	case NewBlock:
		return "new_block"
	case NewSession:
		return "new_session"
	case NewEra:
		return "new_era"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one observed transition.
type Event struct {
	Kind  EventKind
	Block uint64

	Session     chain.SessionIndex
	PrevSession chain.SessionIndex
	Era         chain.EraInfo
	PrevEra     chain.EraIndex
}

// Tracker consumes finalized headers and detects round transitions.
//
// Tracker holds no per-validator state beyond the running block-author
// tallies for the current and just-completed sessions. It is driven from a
// single goroutine; Observe is not safe for concurrent use.
type Tracker struct {
	logger zerolog.Logger
	client chain.Client

	tracking bool
	block    uint64
	session  chain.SessionIndex
	era      chain.EraInfo

	// validators is the set ordering active for the current session. Author
	// resolution for a block always uses the ordering in force at that
	// block, so the set is rotated before the first block of a new session
	// is resolved.
	validators []chain.AccountID

	tally     map[chain.AccountID]int
	lastTally map[chain.AccountID]int
}

// New creates a tracker in the idle state. The first observed header moves
// it to tracking without emitting transition events.
func New(logger zerolog.Logger, client chain.Client) *Tracker {
	return &Tracker{
		logger:    logger.With().Str("component", "tracker").Logger(),
		client:    client,
		tally:     make(map[chain.AccountID]int),
		lastTally: make(map[chain.AccountID]int),
	}
}

// Observe processes one finalized header and returns the transitions it
// triggered, in emission order: NewBlock, then NewSession, then NewEra.
//
// Gaps in block numbers are tolerated; detection always compares session and
// era indices against the last observed values. A decrease of either index
// is treated as a reorg fallback: counters are overwritten and no transition
// fires.
func (t *Tracker) Observe(ctx context.Context, header chain.Header) ([]Event, error) {
	session, err := t.client.SessionIndex(ctx)
	if err != nil {
		return nil, fmt.Errorf("query session index: %w", err)
	}
	era, err := t.client.ActiveEra(ctx)
	if err != nil {
		return nil, fmt.Errorf("query active era: %w", err)
	}

	t.block = header.Number

	if !t.tracking {
		if err := t.rotateValidators(ctx); err != nil {
			return nil, err
		}
		t.tracking = true
		t.session = session
		t.era = era
		t.countAuthor(header)
		t.logger.Info().
			Uint64("block", header.Number).
			Uint32("session", uint32(session)).
			Uint32("era", uint32(era.Index)).
			Msg("Tracking started")
		return []Event{t.event(NewBlock)}, nil
	}

	if session < t.session || era.Index < t.era.Index {
		// Reorg below the finality threshold should never reach this point;
		// overwrite and carry on without events.
		t.logger.Warn().
			Uint32("observed_session", uint32(session)).
			Uint32("known_session", uint32(t.session)).
			Uint32("observed_era", uint32(era.Index)).
			Uint32("known_era", uint32(t.era.Index)).
			Msg("Session or era decreased; resetting counters")
		t.session = session
		t.era = era
		if err := t.rotateValidators(ctx); err != nil {
			return nil, err
		}
		t.resetTally()
		t.lastTally = make(map[chain.AccountID]int)
		t.countAuthor(header)
		return nil, nil
	}

	events := []Event{t.event(NewBlock)}

	prevSession, prevEra := t.session, t.era.Index
	if session > t.session {
		t.session = session
		t.era = era

		// The first block of the new session is authored under the new
		// validator ordering; rotate before resolving it.
		if err := t.rotateValidators(ctx); err != nil {
			return nil, err
		}
		t.resetTally()

		ev := t.event(NewSession)
		ev.PrevSession = prevSession
		ev.PrevEra = prevEra
		events = append(events, ev)

		if era.Index > prevEra {
			eraEv := ev
			eraEv.Kind = NewEra
			events = append(events, eraEv)
		}
	} else {
		t.era = era
	}

	t.countAuthor(header)
	return events, nil
}

// CompletedSessionAuthored returns the authored-block count of the given
// account in the most recently completed session.
func (t *Tracker) CompletedSessionAuthored(who chain.AccountID) int {
	return t.lastTally[who]
}

// Validators returns the validator ordering active for the current session.
func (t *Tracker) Validators() []chain.AccountID {
	out := make([]chain.AccountID, len(t.validators))
	copy(out, t.validators)
	return out
}

// Block returns the last observed finalized block number.
func (t *Tracker) Block() uint64 { return t.block }

// Session returns the current session index.
func (t *Tracker) Session() chain.SessionIndex { return t.session }

// Era returns the current era.
func (t *Tracker) Era() chain.EraInfo { return t.era }

func (t *Tracker) event(kind EventKind) Event {
	return Event{
		Kind:        kind,
		Block:       t.block,
		Session:     t.session,
		PrevSession: t.session,
		Era:         t.era,
		PrevEra:     t.era.Index,
	}
}

func (t *Tracker) rotateValidators(ctx context.Context) error {
	validators, err := t.client.SessionValidators(ctx)
	if err != nil {
		return fmt.Errorf("query session validators: %w", err)
	}
	t.validators = validators
	return nil
}

// resetTally moves the current tally into the completed-session slot and
// starts a fresh one. Each session's blocks are therefore counted exactly
// once.
func (t *Tracker) resetTally() {
	t.lastTally = t.tally
	t.tally = make(map[chain.AccountID]int)
}

// countAuthor resolves the header's author against the current validator
// ordering and adds it to the running tally. A decode failure counts the
// block as author-unknown and moves on.
func (t *Tracker) countAuthor(header chain.Header) {
	author, err := digest.Author(header.Digest, t.validators)
	if err != nil {
		t.logger.Debug().
			Err(err).
			Uint64("block", header.Number).
			Msg("Block author unknown; skipping authorship accounting")
		return
	}
	t.tally[author]++
}
