package chain

import (
	"context"
)

// HeaderSubscription delivers finalized headers until an error or Close.
//
// Headers arrive on Headers in finalization order. A transport failure is
// reported once on Err, after which Headers is closed. Close releases the
// subscription; it is safe to call more than once.
type HeaderSubscription interface {
	Headers() <-chan Header
	Err() <-chan error
	Close()
}

// Client is the read boundary to the observed chain.
//
// Implementations perform network I/O; every method honors ctx cancellation.
// Point queries return QueryError-compatible errors so callers can apply
// per-stash isolation, and SubscribeFinalizedHeaders surfaces transport loss
// as ConnectionError.
type Client interface {
	// SubscribeFinalizedHeaders opens a stream of finalized block headers.
	SubscribeFinalizedHeaders(ctx context.Context) (HeaderSubscription, error)

	// SessionIndex returns the current session index.
	SessionIndex(ctx context.Context) (SessionIndex, error)

	// ActiveEra returns the active era and its starting session.
	ActiveEra(ctx context.Context) (EraInfo, error)

	// SessionValidators returns the active validator set in its canonical
	// session ordering. The ordering is the one consensus digests index into.
	SessionValidators(ctx context.Context) ([]AccountID, error)

	// QueuedSessionKeys reports whether the account has keys queued for the
	// next session.
	QueuedSessionKeys(ctx context.Context, who AccountID) (QueuedKeys, error)

	// EraStake returns the era stake exposure of a validator.
	EraStake(ctx context.Context, era EraIndex, who AccountID) (StakeInfo, error)

	// Nominators returns every account currently nominating the validator,
	// whether or not it is exposed in the active era.
	Nominators(ctx context.Context, who AccountID) ([]AccountID, error)

	// EraRewardPoints returns the reward points table for an era.
	EraRewardPoints(ctx context.Context, era EraIndex) (RewardPoints, error)

	// RewardContext returns the payout inputs for a completed era.
	RewardContext(ctx context.Context, era EraIndex) (RewardContext, error)

	// ParaValidatorIndices returns the indices (into the session validator
	// ordering) of validators assigned to parachain duty this session. An
	// empty slice on chains without parachains.
	ParaValidatorIndices(ctx context.Context) ([]uint32, error)

	// Identity returns the on-chain display identity of an account, or ""
	// when none is registered.
	Identity(ctx context.Context, who AccountID) (string, error)

	// Properties returns network-level constants.
	Properties(ctx context.Context) (Properties, error)

	// Close tears down the transport. Outstanding calls fail.
	Close()
}
