package monitor_test

import (
	"context"
	"fmt"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/helmwatch/helmwatch/internal/chain"
	"github.com/helmwatch/helmwatch/internal/hook"
	"github.com/helmwatch/helmwatch/internal/monitor"
	"github.com/helmwatch/helmwatch/internal/relay"
	"github.com/helmwatch/helmwatch/internal/store"
	"github.com/helmwatch/helmwatch/internal/telemetry"
	"github.com/helmwatch/helmwatch/internal/unittest"
)

const waitFor = 5 * time.Second

// testHarness wires a monitor against mock fixtures with one tracked
// validator at index 0 of the validator set.
type testHarness struct {
	client *chain.MockClient
	store  *store.Store
	stash  chain.Stash
	who    chain.AccountID
	others []chain.AccountID

	// inject is consulted for every mock query, like MockClient.OnQuery.
	inject func(method string, who *chain.AccountID) error

	valQueries atomic.Int64
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	who := unittest.RandomAccountID(t)
	others := unittest.RandomAccountIDs(t, 2)

	client := chain.NewMockClient()
	client.Props = chain.Properties{
		Network:        "testnet",
		TokenSymbol:    "UNIT",
		TokenDecimals:  0,
		SS58Prefix:     unittest.GenericNetworkPrefix,
		SessionsPerEra: 2,
		ErasPerDay:     4,
	}
	client.SetRound(10, chain.EraInfo{Index: 100, StartSession: 9}, append([]chain.AccountID{who}, others...))

	st := store.New(zerolog.Nop(), client)
	stash := unittest.StashOf(t, who)
	require.NoError(t, st.Track(stash))

	h := &testHarness{client: client, store: st, stash: stash, who: who, others: others}
	client.OnQuery = func(method string, who *chain.AccountID) error {
		if method == "SessionValidators" {
			h.valQueries.Add(1)
		}
		if h.inject != nil {
			return h.inject(method, who)
		}
		return nil
	}
	return h
}

// awaitTracking blocks until the monitor has started tracking, observable
// as the validator-set query the first processed header triggers. Round
// rotations applied afterwards are guaranteed to land as transitions.
func (h *testHarness) awaitTracking(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.valQueries.Load() >= 1
	}, waitFor, 5*time.Millisecond, "tracking did not start")
}

// start runs the monitor in the background and returns a stop function that
// cancels it and waits for a clean exit.
func (h *testHarness) start(t *testing.T, cfg monitor.Config) func() {
	t.Helper()

	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = 10 * time.Millisecond
	}
	dispatcher := hook.NewDispatcher(zerolog.Nop(), relay.Noop{}, hook.Config{Timeout: waitFor})
	m := monitor.New(zerolog.Nop(), h.client, h.store, dispatcher, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var runErr error
	go func() {
		runErr = m.Run(ctx)
		close(done)
	}()

	return func() {
		cancel()
		unittest.ChannelMustCloseWithinTimeout(t, done, waitFor, "monitor did not stop")
		require.NoError(t, runErr)
	}
}

// argScript returns a hook script that dumps its arguments, one per line,
// into out. The file is written atomically via rename so readers never see
// a partial dump.
func argScript(t *testing.T, out string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hook.sh")
	body := fmt.Sprintf("#!/bin/sh\nprintf '%%s\\n' \"$@\" > %q.tmp && mv %q.tmp %q\n", out, out, out)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

// waitArgs polls until the hook dump at path exists and returns its lines.
func waitArgs(t *testing.T, path string) []string {
	t.Helper()
	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, waitFor, 10*time.Millisecond, "hook was not invoked")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	require.Len(t, lines, hook.ArgCount)
	return lines
}

func TestSessionTransitionRunsHook(t *testing.T) {
	h := newHarness(t)
	out := filepath.Join(t.TempDir(), "args")

	stop := h.start(t, monitor.Config{
		Hooks: monitor.Hooks{NewSession: argScript(t, out)},
		Flags: hook.AllEnabled(),
	})
	defer stop()

	// First header only starts tracking; the second lands in session 11.
	h.client.EmitHeader(unittest.FinalizedHeader(90, unittest.BABEPreRuntimeLog(0, 1)))
	h.awaitTracking(t)
	h.client.SetRound(11, chain.EraInfo{Index: 100, StartSession: 9}, append([]chain.AccountID{h.who}, h.others...))
	h.client.EmitHeader(unittest.FinalizedHeader(91, unittest.BABEPreRuntimeLog(0, 2)))

	args := waitArgs(t, out)
	require.Equal(t, string(h.stash), args[0])
	require.Equal(t, "true", args[3], "stash is in the validator set")
	require.Equal(t, "100", args[5])
	require.Equal(t, "11", args[6])
	require.Equal(t, "91", args[8])
}

func TestEraTransitionRefreshesEraState(t *testing.T) {
	h := newHarness(t)
	out := filepath.Join(t.TempDir(), "args")

	h.client.Points[100] = chain.RewardPoints{
		Total:      120,
		Individual: map[chain.AccountID]uint32{h.who: 60},
	}

	stop := h.start(t, monitor.Config{
		Hooks: monitor.Hooks{NewSession: argScript(t, out)},
		Flags: hook.AllEnabled(),
	})
	defer stop()

	h.client.EmitHeader(unittest.FinalizedHeader(90, unittest.BABEPreRuntimeLog(0, 1)))
	h.awaitTracking(t)
	h.client.SetRound(11, chain.EraInfo{Index: 101, StartSession: 11}, append([]chain.AccountID{h.who}, h.others...))
	h.client.EmitHeader(unittest.FinalizedHeader(91, unittest.BABEPreRuntimeLog(0, 2)))

	args := waitArgs(t, out)
	require.Equal(t, "101", args[5])
	require.Equal(t, "1", args[7], "first session of the new era")
	require.Equal(t, "60", args[21], "points of the completed era 100")
	require.Equal(t, "40", args[22], "120 points over 3 validators")
}

func TestEraEdgeHookFiresOnFinalSession(t *testing.T) {
	h := newHarness(t)
	edgeOut := filepath.Join(t.TempDir(), "edge")

	// The stash is not in the validator set but has keys queued, so the
	// active-next-era hook must fire on the era's final session (2 of 2).
	h.client.SetRound(10, chain.EraInfo{Index: 100, StartSession: 9}, h.others)
	h.client.Queued[h.who] = chain.QueuedKeys{Queued: true, Hex: "0xabcd"}

	stop := h.start(t, monitor.Config{
		Hooks: monitor.Hooks{ActiveNextEra: argScript(t, edgeOut)},
		Flags: hook.AllEnabled(),
	})
	defer stop()

	h.client.EmitHeader(unittest.FinalizedHeader(90, unittest.BABEPreRuntimeLog(0, 1)))
	h.awaitTracking(t)
	// Session 11 sits at position 11 - 10 + 1 = 2 of era 100, the final
	// session of a two-session era.
	h.client.SetRound(11, chain.EraInfo{Index: 100, StartSession: 10}, h.others)
	h.client.EmitHeader(unittest.FinalizedHeader(91, unittest.BABEPreRuntimeLog(0, 2)))

	args := waitArgs(t, edgeOut)
	require.Equal(t, "false", args[3])
	require.Equal(t, "true", args[4])
	require.Equal(t, "0xabcd", args[2])
	require.Equal(t, "2", args[7])
}

func TestReconnectAfterSubscriptionLoss(t *testing.T) {
	h := newHarness(t)
	out := filepath.Join(t.TempDir(), "args")

	stop := h.start(t, monitor.Config{
		Hooks: monitor.Hooks{NewSession: argScript(t, out)},
		Flags: hook.AllEnabled(),
	})
	defer stop()

	h.client.EmitHeader(unittest.FinalizedHeader(90, unittest.BABEPreRuntimeLog(0, 1)))
	h.awaitTracking(t)
	h.client.FailSubscription(&chain.ConnectionError{Err: fmt.Errorf("gone")})

	// After reconnecting the monitor keeps consuming the stream.
	h.client.SetRound(11, chain.EraInfo{Index: 100, StartSession: 9}, append([]chain.AccountID{h.who}, h.others...))
	h.client.EmitHeader(unittest.FinalizedHeader(95, unittest.BABEPreRuntimeLog(0, 2)))

	args := waitArgs(t, out)
	require.Equal(t, "11", args[6])
}

func TestQueryFailureSkipsHeader(t *testing.T) {
	h := newHarness(t)
	out := filepath.Join(t.TempDir(), "args")

	var failed atomic.Bool
	h.inject = func(method string, _ *chain.AccountID) error {
		if method == "SessionIndex" && failed.CompareAndSwap(false, true) {
			return fmt.Errorf("transient failure")
		}
		return nil
	}

	stop := h.start(t, monitor.Config{
		Hooks: monitor.Hooks{NewSession: argScript(t, out)},
		Flags: hook.AllEnabled(),
	})
	defer stop()

	// The first header hits the injected failure and is skipped; tracking
	// starts on the second and the third delivers the transition.
	h.client.EmitHeader(unittest.FinalizedHeader(90, unittest.BABEPreRuntimeLog(0, 1)))
	h.client.EmitHeader(unittest.FinalizedHeader(91, unittest.BABEPreRuntimeLog(0, 2)))
	h.awaitTracking(t)
	h.client.SetRound(11, chain.EraInfo{Index: 100, StartSession: 9}, append([]chain.AccountID{h.who}, h.others...))
	h.client.EmitHeader(unittest.FinalizedHeader(92, unittest.BABEPreRuntimeLog(0, 3)))

	args := waitArgs(t, out)
	require.Equal(t, "11", args[6])
}

func TestRefreshFailureIsolatedPerStash(t *testing.T) {
	telemetry.InitializePrometheus()

	h := newHarness(t)
	second := unittest.RandomAccountID(t)
	secondStash := unittest.StashOf(t, second)
	require.NoError(t, h.store.Track(secondStash))

	firstOut := filepath.Join(t.TempDir(), "first")
	secondOut := filepath.Join(t.TempDir(), "second")

	// One shared script cannot tell the stashes apart, so give each stash
	// its own dump file keyed off the first argument.
	path := filepath.Join(t.TempDir(), "hook.sh")
	body := fmt.Sprintf(
		"#!/bin/sh\ncase \"$1\" in\n%s) out=%q ;;\n*) out=%q ;;\nesac\nprintf '%%s\\n' \"$@\" > \"$out\".tmp && mv \"$out\".tmp \"$out\"\n",
		h.stash, firstOut, secondOut)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))

	h.inject = func(method string, who *chain.AccountID) error {
		if method == "QueuedSessionKeys" && who != nil && *who == second {
			return fmt.Errorf("query failed")
		}
		return nil
	}

	stop := h.start(t, monitor.Config{
		Hooks: monitor.Hooks{NewSession: path},
		Flags: hook.AllEnabled(),
	})
	defer stop()

	h.client.EmitHeader(unittest.FinalizedHeader(90, unittest.BABEPreRuntimeLog(0, 1)))
	h.awaitTracking(t)
	h.client.SetRound(11, chain.EraInfo{Index: 100, StartSession: 9}, append([]chain.AccountID{h.who}, h.others...))
	h.client.EmitHeader(unittest.FinalizedHeader(91, unittest.BABEPreRuntimeLog(0, 2)))

	args := waitArgs(t, firstOut)
	require.Equal(t, string(h.stash), args[0])

	// The failed stash keeps its stale snapshot and gets no hook.
	time.Sleep(100 * time.Millisecond)
	_, err := os.Stat(secondOut)
	require.True(t, os.IsNotExist(err), "hook must not run for the failed stash")

	// The failure shows up in the scrape, attributed to the stash.
	rec := httptest.NewRecorder()
	telemetry.HTTPHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	scrape, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	require.Contains(t, string(scrape),
		`helmwatch_refresh_failures_total{stash="`+string(secondStash)+`"}`)
	require.Contains(t, string(scrape), "helmwatch_finalized_block_number 91")
}
