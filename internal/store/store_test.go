package store_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/helmwatch/helmwatch/internal/chain"
	"github.com/helmwatch/helmwatch/internal/store"
	"github.com/helmwatch/helmwatch/internal/unittest"
)

func sessionFacts(session chain.SessionIndex, era chain.EraIndex, validators []chain.AccountID) store.SessionFacts {
	return store.SessionFacts{
		Block:              100,
		Session:            session,
		Era:                chain.EraInfo{Index: era, StartSession: session},
		EraSessionPosition: 1,
		Validators:         validators,
	}
}

// TestTrackAndUntrack verifies registration lifecycle and address checking.
func TestTrackAndUntrack(t *testing.T) {
	client := chain.NewMockClient()
	s := store.New(zerolog.Nop(), client)

	id := unittest.RandomAccountID(t)
	stash := unittest.StashOf(t, id)

	require.NoError(t, s.Track(stash))
	require.NoError(t, s.Track(stash), "re-tracking should be a no-op")
	require.Equal(t, []chain.Stash{stash}, s.Stashes())

	snap, ok := s.Snapshot(stash)
	require.True(t, ok)
	require.Equal(t, id, snap.Account, "tracking should decode the account id")

	s.Untrack(stash)
	require.Empty(t, s.Stashes())
	_, ok = s.Snapshot(stash)
	require.False(t, ok)
}

// TestTrackRejectsInvalidAddress verifies SS58 validation at registration.
func TestTrackRejectsInvalidAddress(t *testing.T) {
	s := store.New(zerolog.Nop(), chain.NewMockClient())
	require.Error(t, s.Track("not-an-address"))
}

// TestRefreshSessionUpdatesContext verifies a full session refresh.
func TestRefreshSessionUpdatesContext(t *testing.T) {
	client := chain.NewMockClient()
	s := store.New(zerolog.Nop(), client)

	id := unittest.RandomAccountID(t)
	stash := unittest.StashOf(t, id)
	require.NoError(t, s.Track(stash))

	client.Queued[id] = chain.QueuedKeys{Queued: true, Hex: "0xabcd"}
	client.Identities[id] = "VALIDATOR ONE"

	validators := append(unittest.RandomAccountIDs(t, 2), id)
	facts := sessionFacts(11, 100, validators)
	facts.ParaIndices = []uint32{2}
	facts.Authored = func(who chain.AccountID) int {
		if who == id {
			return 3
		}
		return 0
	}

	require.NoError(t, s.RefreshSession(context.Background(), stash, facts))

	snap, _ := s.Snapshot(stash)
	require.Equal(t, chain.SessionIndex(11), snap.Session.Session)
	require.Equal(t, chain.EraIndex(100), snap.Session.Era)
	require.True(t, snap.Session.IsActive)
	require.True(t, snap.Session.KeysQueued)
	require.Equal(t, "0xabcd", snap.Session.QueuedKeysHex)
	require.Equal(t, "VALIDATOR ONE", snap.Identity)
	require.Equal(t, []int{3}, snap.Authorship.Values())
	require.Equal(t, []bool{true}, snap.ParaDuty.Values(),
		"set index 2 is on para duty")
}

// TestRefreshSessionFailureRetainsSnapshot verifies that a failed refresh
// keeps the previous state and does not advance the rolling windows.
func TestRefreshSessionFailureRetainsSnapshot(t *testing.T) {
	client := chain.NewMockClient()
	s := store.New(zerolog.Nop(), client)

	id := unittest.RandomAccountID(t)
	stash := unittest.StashOf(t, id)
	require.NoError(t, s.Track(stash))

	validators := []chain.AccountID{id}
	require.NoError(t, s.RefreshSession(context.Background(), stash, sessionFacts(11, 100, validators)))

	client.OnQuery = func(method string, who *chain.AccountID) error {
		if method == "Identity" {
			return fmt.Errorf("timeout")
		}
		return nil
	}

	err := s.RefreshSession(context.Background(), stash, sessionFacts(12, 100, validators))
	require.Error(t, err)
	var qe *chain.QueryError
	require.ErrorAs(t, err, &qe, "failure should surface as a QueryError")

	snap, _ := s.Snapshot(stash)
	require.Equal(t, chain.SessionIndex(11), snap.Session.Session,
		"stale snapshot must be retained")
	require.Equal(t, 1, snap.Authorship.Len(),
		"a failed refresh must not advance the windows")
}

// TestRefreshFailureIsolatedPerStash verifies that one stash's query
// failure does not block another stash's refresh in the same transition.
func TestRefreshFailureIsolatedPerStash(t *testing.T) {
	client := chain.NewMockClient()
	s := store.New(zerolog.Nop(), client)

	idA, idB := unittest.RandomAccountID(t), unittest.RandomAccountID(t)
	stashA, stashB := unittest.StashOf(t, idA), unittest.StashOf(t, idB)
	require.NoError(t, s.Track(stashA))
	require.NoError(t, s.Track(stashB))

	client.OnQuery = func(method string, who *chain.AccountID) error {
		if who != nil && *who == idA {
			return fmt.Errorf("unreachable")
		}
		return nil
	}

	facts := sessionFacts(11, 100, []chain.AccountID{idA, idB})
	require.Error(t, s.RefreshSession(context.Background(), stashA, facts))
	require.NoError(t, s.RefreshSession(context.Background(), stashB, facts),
		"stash B must refresh despite stash A failing")

	snap, _ := s.Snapshot(stashB)
	require.Equal(t, chain.SessionIndex(11), snap.Session.Session)
}

// TestRefreshEraTwoSlotBuffer verifies the era points buffer is replaced
// wholesale on each era transition.
func TestRefreshEraTwoSlotBuffer(t *testing.T) {
	client := chain.NewMockClient()
	s := store.New(zerolog.Nop(), client)

	id := unittest.RandomAccountID(t)
	stash := unittest.StashOf(t, id)
	require.NoError(t, s.Track(stash))

	client.Stakes[101] = map[chain.AccountID]chain.StakeInfo{
		id: {Own: uint256.NewInt(1000), Total: uint256.NewInt(5000)},
	}

	// Era boundary 100 -> 101 with era 100's final points.
	facts := store.EraFacts{
		Era:            101,
		Points:         chain.RewardPoints{Total: 0, Individual: map[chain.AccountID]uint32{}},
		PrevEra:        100,
		PrevPoints:     chain.RewardPoints{Total: 7200, Individual: map[chain.AccountID]uint32{id: 2400}},
		ValidatorCount: 4,
	}
	require.NoError(t, s.RefreshEra(context.Background(), stash, facts))

	snap, _ := s.Snapshot(stash)
	require.Equal(t, chain.EraIndex(101), snap.CurrentEraPoints.Era)
	require.Equal(t, chain.EraIndex(100), snap.LastEraPoints.Era)
	require.Equal(t, uint32(2400), snap.LastEraPoints.Points)
	require.Equal(t, float64(1800), snap.LastEraPoints.NetworkAverage)
	require.Equal(t, uint64(1000), snap.Stake.Own.Uint64())

	// Next boundary replaces both slots: era 100 values appear exactly once.
	client.Stakes[102] = client.Stakes[101]
	facts = store.EraFacts{
		Era:            102,
		Points:         chain.RewardPoints{},
		PrevEra:        101,
		PrevPoints:     chain.RewardPoints{Total: 8000, Individual: map[chain.AccountID]uint32{id: 2000}},
		ValidatorCount: 4,
	}
	require.NoError(t, s.RefreshEra(context.Background(), stash, facts))

	snap, _ = s.Snapshot(stash)
	require.Equal(t, chain.EraIndex(101), snap.LastEraPoints.Era)
	require.Equal(t, uint32(2000), snap.LastEraPoints.Points)
}

// TestRefreshEraAllNominators verifies the optional full-nominator fetch.
func TestRefreshEraAllNominators(t *testing.T) {
	client := chain.NewMockClient()
	s := store.New(zerolog.Nop(), client, store.WithAllNominators())

	id := unittest.RandomAccountID(t)
	stash := unittest.StashOf(t, id)
	require.NoError(t, s.Track(stash))

	noms := unittest.RandomAccountIDs(t, 5)
	client.Noms[id] = noms
	client.Stakes[101] = map[chain.AccountID]chain.StakeInfo{
		id: {Own: uint256.NewInt(1), Total: uint256.NewInt(2)},
	}

	require.NoError(t, s.RefreshEra(context.Background(), stash, store.EraFacts{Era: 101}))

	snap, _ := s.Snapshot(stash)
	require.Len(t, snap.AllNominators, 5)
}

// TestSnapshotIsACopy verifies copy-on-read: mutating a snapshot does not
// leak into the store.
func TestSnapshotIsACopy(t *testing.T) {
	client := chain.NewMockClient()
	s := store.New(zerolog.Nop(), client)

	id := unittest.RandomAccountID(t)
	stash := unittest.StashOf(t, id)
	require.NoError(t, s.Track(stash))

	client.Stakes[101] = map[chain.AccountID]chain.StakeInfo{
		id: {Own: uint256.NewInt(1000), Total: uint256.NewInt(5000)},
	}
	require.NoError(t, s.RefreshEra(context.Background(), stash, store.EraFacts{Era: 101}))

	snap, _ := s.Snapshot(stash)
	snap.Stake.Own.SetUint64(999999)
	snap.Authorship.Push(42)

	fresh, _ := s.Snapshot(stash)
	require.Equal(t, uint64(1000), fresh.Stake.Own.Uint64(),
		"snapshot mutation must not reach the store")
	require.Equal(t, 0, fresh.Authorship.Len())
}
