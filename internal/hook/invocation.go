package hook

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/holiman/uint256"

	"github.com/helmwatch/helmwatch/internal/chain"
	"github.com/helmwatch/helmwatch/internal/stats"
	"github.com/helmwatch/helmwatch/internal/store"
)

// ArgCount is the fixed length of every hook argument list. Downstream
// scripts index positionally, so the count never varies with flags.
const ArgCount = 23

// Positions of each argument, stable across all flag configurations.
const (
	argStash = iota
	argIdentity
	argQueuedKeys
	argIsActive
	argKeysQueued
	argEra
	argSession
	argEraSessionPosition
	argBlock
	argNetworkName
	argTokenSymbol
	argTokenDecimals
	argAPR
	argTotalStake
	argOwnStake
	argActiveNominators
	argActiveNominatorStakes
	argAuthoredBlocks
	argAllNominators
	argIsParaValidator
	argParaDutyCount
	argLastEraPoints
	argLastEraNetworkAverage
)

// Invocation is the fully assembled contract for one hook run: the ordered
// argument values plus the flag set that decided which optional fields were
// included. It is built fresh per dispatch and never persisted.
type Invocation struct {
	Stash chain.Stash
	Flags Flags

	args [ArgCount]string
}

// NewInvocation builds the argument contract from a state snapshot and its
// derived metrics.
func NewInvocation(snap store.State, m stats.Metrics, props chain.Properties, block uint64, flags Flags) Invocation {
	inv := Invocation{Stash: snap.Stash, Flags: flags}

	inv.args[argStash] = string(snap.Stash)
	inv.args[argIdentity] = snap.Identity
	inv.args[argQueuedKeys] = snap.Session.QueuedKeysHex
	inv.args[argIsActive] = strconv.FormatBool(snap.Session.IsActive)
	inv.args[argKeysQueued] = strconv.FormatBool(snap.Session.KeysQueued)
	inv.args[argEra] = strconv.FormatUint(uint64(snap.Session.Era), 10)
	inv.args[argSession] = strconv.FormatUint(uint64(snap.Session.Session), 10)
	inv.args[argEraSessionPosition] = strconv.FormatUint(uint64(snap.Session.EraSessionPosition), 10)
	inv.args[argBlock] = strconv.FormatUint(block, 10)

	if flags.Network {
		inv.args[argNetworkName] = props.Network
		inv.args[argTokenSymbol] = props.TokenSymbol
		inv.args[argTokenDecimals] = strconv.FormatUint(uint64(props.TokenDecimals), 10)
	}

	if flags.Nominators {
		inv.args[argAPR] = fmt.Sprintf("%.2f", m.APR*100)
		inv.args[argTotalStake] = formatAmount(m.TotalStake)
		inv.args[argOwnStake] = formatAmount(m.OwnStake)
		inv.args[argActiveNominators] = joinStashes(m.ActiveNominatorStashes)
		inv.args[argActiveNominatorStakes] = joinAmounts(m.ActiveNominatorStakes)
	}

	if flags.AuthoredBlocks {
		inv.args[argAuthoredBlocks] = strconv.Itoa(m.AuthoredLastSession)
	}

	if flags.AllNominators {
		inv.args[argAllNominators] = joinStashes(m.AllNominatorStashes)
	}

	if flags.ParaValidator {
		inv.args[argIsParaValidator] = strconv.FormatBool(m.IsParaValidator)
		inv.args[argParaDutyCount] = strconv.Itoa(m.ParaDutyCount)
	}

	if flags.EraPoints {
		inv.args[argLastEraPoints] = strconv.FormatUint(uint64(m.LastEraPoints), 10)
		inv.args[argLastEraNetworkAverage] = fmt.Sprintf("%.0f", m.LastEraNetworkAverage)
	}

	return inv
}

// Args returns the ordered argument list. The result always has ArgCount
// entries; disabled-flag positions hold empty strings.
func (inv Invocation) Args() []string {
	out := make([]string, ArgCount)
	copy(out, inv.args[:])
	return out
}

func formatAmount(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func joinStashes(stashes []chain.Stash) string {
	parts := make([]string, len(stashes))
	for i, s := range stashes {
		parts[i] = string(s)
	}
	return strings.Join(parts, ",")
}

func joinAmounts(amounts []*uint256.Int) string {
	parts := make([]string, len(amounts))
	for i, a := range amounts {
		parts[i] = formatAmount(a)
	}
	return strings.Join(parts, ",")
}
