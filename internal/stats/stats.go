// Package stats derives the per-validator figures handed to hooks: nominator
// counts, scaled stake, authorship and para-duty counts, era points and the
// projected annual return. Compute is a pure function over a state snapshot.
package stats

import (
	"github.com/holiman/uint256"

	"github.com/helmwatch/helmwatch/internal/chain"
	"github.com/helmwatch/helmwatch/internal/store"
)

// Metrics is the derived view of one stash at one transition.
type Metrics struct {
	ActiveNominators int
	TotalNominators  int

	// OwnStake and TotalStake are scaled to whole tokens, truncated toward
	// zero. Nil until the first era refresh populated the stake snapshot.
	OwnStake   *uint256.Int
	TotalStake *uint256.Int

	// ActiveNominatorStashes and ActiveNominatorStakes are index-aligned.
	ActiveNominatorStashes []chain.Stash
	ActiveNominatorStakes  []*uint256.Int
	AllNominatorStashes    []chain.Stash

	AuthoredLastSession int
	AuthoredWindow      int

	IsParaValidator bool
	ParaDutyCount   int

	CurrentEraPoints         uint32
	CurrentEraNetworkAverage float64
	LastEraPoints            uint32
	LastEraNetworkAverage    float64

	// APR is the projected annualized return on the validator's total
	// stake, as a fraction (0.12 means 12%).
	APR float64
}

// RewardModel projects an annualized return from a state snapshot. The
// formula is network-specific; Compute treats it as pluggable.
type RewardModel func(snap store.State, props chain.Properties) float64

// ScaleAmount converts a planck amount to whole tokens, truncating toward
// zero. The same raw amount and decimals always yield the same result.
func ScaleAmount(raw *uint256.Int, decimals uint32) *uint256.Int {
	if raw == nil {
		return nil
	}
	divisor := uint256.NewInt(10)
	divisor.Exp(divisor, uint256.NewInt(uint64(decimals)))
	return new(uint256.Int).Div(raw, divisor)
}

// Compute derives metrics from a snapshot. It never mutates snap.
func Compute(snap store.State, props chain.Properties, model RewardModel) Metrics {
	m := Metrics{
		ActiveNominators: len(snap.Stake.Active),
		TotalNominators:  len(snap.AllNominators),
		OwnStake:         ScaleAmount(snap.Stake.Own, props.TokenDecimals),
		TotalStake:       ScaleAmount(snap.Stake.Total, props.TokenDecimals),
	}

	for _, exp := range snap.Stake.Active {
		stash, err := chain.EncodeSS58(exp.Who, props.SS58Prefix)
		if err != nil {
			continue
		}
		m.ActiveNominatorStashes = append(m.ActiveNominatorStashes, stash)
		m.ActiveNominatorStakes = append(m.ActiveNominatorStakes, ScaleAmount(exp.Value, props.TokenDecimals))
	}
	for _, who := range snap.AllNominators {
		stash, err := chain.EncodeSS58(who, props.SS58Prefix)
		if err != nil {
			continue
		}
		m.AllNominatorStashes = append(m.AllNominatorStashes, stash)
	}

	if last, ok := snap.Authorship.Last(); ok {
		m.AuthoredLastSession = last
	}
	for _, n := range snap.Authorship.Values() {
		m.AuthoredWindow += n
	}

	for _, onDuty := range snap.ParaDuty.Values() {
		if onDuty {
			m.ParaDutyCount++
		}
	}
	if last, ok := snap.ParaDuty.Last(); ok {
		m.IsParaValidator = last
	}

	if snap.CurrentEraPoints != nil {
		m.CurrentEraPoints = snap.CurrentEraPoints.Points
		m.CurrentEraNetworkAverage = snap.CurrentEraPoints.NetworkAverage
	}
	if snap.LastEraPoints != nil {
		m.LastEraPoints = snap.LastEraPoints.Points
		m.LastEraNetworkAverage = snap.LastEraPoints.NetworkAverage
	}

	if model != nil {
		m.APR = model(snap, props)
	}

	return m
}

// ProjectedReturn is the default reward model. It splits the last completed
// era's total payout by the validator's share of that era's reward points,
// annualizes with the network's eras-per-day, and divides by the
// validator's total stake. Commission is not modelled; the result is the
// gross pool return.
func ProjectedReturn(snap store.State, props chain.Properties) float64 {
	if snap.LastEraPoints == nil || snap.Reward.Payout == nil {
		return 0
	}
	if snap.Reward.TotalPoints == 0 || props.ErasPerDay == 0 {
		return 0
	}
	if snap.Stake.Total == nil || snap.Stake.Total.IsZero() {
		return 0
	}

	share := float64(snap.LastEraPoints.Points) / float64(snap.Reward.TotalPoints)
	eraReward := snap.Reward.Payout.Float64() * share
	annual := eraReward * props.ErasPerDay * 365.25

	return annual / snap.Stake.Total.Float64()
}
