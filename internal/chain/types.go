// Package chain defines the boundary to the observed network: the identifiers
// and state values the agent reads, and the Client interface every transport
// implements.
package chain

import (
	"github.com/holiman/uint256"
)

// AccountID is the raw 32-byte account identifier used on the wire and in
// storage keys.
type AccountID [32]byte

// Stash is the SS58 string form of a validator's stash account. It is the
// stable identity key for all per-validator state.
type Stash string

// SessionIndex numbers sessions monotonically across the chain's lifetime.
type SessionIndex uint32

// EraIndex numbers eras monotonically across the chain's lifetime.
type EraIndex uint32

// Header is a finalized block header reduced to what the agent consumes:
// the block number and the raw consensus digest logs.
type Header struct {
	Number uint64
	Hash   string
	// Digest holds each digest log as raw SCALE bytes, in header order.
	Digest [][]byte
}

// EraInfo describes the active era and the session at which it started.
type EraInfo struct {
	Index        EraIndex
	StartSession SessionIndex
}

// IndividualExposure is one nominator's stake behind a validator.
type IndividualExposure struct {
	Who   AccountID
	Value *uint256.Int
}

// StakeInfo is a validator's era stake snapshot: its own bond, the total
// backing it, and the nominators exposed in the active era. Amounts are
// unscaled planck values; Properties.TokenDecimals gives the scaling factor.
type StakeInfo struct {
	Own    *uint256.Int
	Total  *uint256.Int
	Active []IndividualExposure
}

// Clone returns a deep copy of the stake snapshot.
func (s StakeInfo) Clone() StakeInfo {
	out := StakeInfo{
		Active: make([]IndividualExposure, len(s.Active)),
	}
	if s.Own != nil {
		out.Own = new(uint256.Int).Set(s.Own)
	}
	if s.Total != nil {
		out.Total = new(uint256.Int).Set(s.Total)
	}
	for i, e := range s.Active {
		out.Active[i] = IndividualExposure{Who: e.Who}
		if e.Value != nil {
			out.Active[i].Value = new(uint256.Int).Set(e.Value)
		}
	}
	return out
}

// RewardPoints is the era reward points table: the network total and each
// validator's individual score.
type RewardPoints struct {
	Total      uint32
	Individual map[AccountID]uint32
}

// QueuedKeys reports whether a validator has session keys queued for the next
// session and, when it has, their hex encoding.
type QueuedKeys struct {
	Queued bool
	Hex    string
}

// Properties carries network-level constants read once at startup.
type Properties struct {
	Network       string
	TokenSymbol   string
	TokenDecimals uint32
	// SS58Prefix renders account ids as addresses for this network.
	SS58Prefix uint8
	// SessionsPerEra is the number of sessions composing one era.
	SessionsPerEra uint32
	// ErasPerDay annualizes era-scoped rewards.
	ErasPerDay float64
}

// RewardContext carries the reward inputs for one completed era, used by the
// projected-return model.
type RewardContext struct {
	Era EraIndex
	// Payout is the total validator payout minted for the era, in plancks.
	// Nil when the era has not been rewarded yet.
	Payout *uint256.Int
	// TotalPoints is the network-wide reward points total for the era.
	TotalPoints uint32
	// TotalIssuance is the token issuance at observation time, in plancks.
	TotalIssuance *uint256.Int
}
