package wsclient

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/helmwatch/helmwatch/internal/chain"
	"github.com/helmwatch/helmwatch/internal/unittest"
)

// stubNode is a minimal substrate JSON-RPC endpoint backed by a fixed
// storage map. Finalized-head subscriptions replay whatever is pushed via
// EmitHeader.
type stubNode struct {
	srv *httptest.Server

	mu      sync.Mutex
	storage map[string]string
	headers chan json.RawMessage
	conns   []*websocket.Conn
}

func newStubNode(t *testing.T) *stubNode {
	t.Helper()
	n := &stubNode{
		storage: make(map[string]string),
		headers: make(chan json.RawMessage, 16),
	}
	upgrader := websocket.Upgrader{}
	n.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		n.mu.Lock()
		n.conns = append(n.conns, ws)
		n.mu.Unlock()
		n.serve(ws)
	}))
	t.Cleanup(n.srv.Close)
	return n
}

func (n *stubNode) url() string {
	return "ws" + strings.TrimPrefix(n.srv.URL, "http")
}

// set stores a SCALE-encoded value under a storage key.
func (n *stubNode) set(key []byte, value []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.storage[hexutil.Encode(key)] = hexutil.Encode(value)
}

func (n *stubNode) emitHeader(number uint64, logs ...[]byte) {
	hexLogs := make([]string, len(logs))
	for i, l := range logs {
		hexLogs[i] = hexutil.Encode(l)
	}
	raw, _ := json.Marshal(map[string]any{
		"number": hexutil.EncodeUint64(number),
		"digest": map[string]any{"logs": hexLogs},
	})
	n.headers <- raw
}

// dropConnections severs every open websocket, simulating transport loss.
func (n *stubNode) dropConnections() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ws := range n.conns {
		_ = ws.Close()
	}
	n.conns = nil
}

func (n *stubNode) serve(ws *websocket.Conn) {
	var writeMu sync.Mutex
	reply := func(v any) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = ws.WriteJSON(v)
	}

	for {
		var req rpcRequest
		if err := ws.ReadJSON(&req); err != nil {
			return
		}

		switch req.Method {
		case "state_getStorage":
			params := req.Params.([]any)
			n.mu.Lock()
			value, ok := n.storage[params[0].(string)]
			n.mu.Unlock()
			var result any
			if ok {
				result = value
			}
			reply(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})

		case "system_properties":
			reply(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": map[string]any{
				"ss58Format":    42,
				"tokenDecimals": []any{12},
				"tokenSymbol":   []any{"UNIT"},
			}})

		case "system_chain":
			reply(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": "Local Testnet"})

		case "chain_subscribeFinalizedHeads":
			reply(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": "feed-1"})
			go func() {
				for raw := range n.headers {
					reply(map[string]any{
						"jsonrpc": "2.0",
						"method":  "chain_finalizedHead",
						"params":  map[string]any{"subscription": "feed-1", "result": json.RawMessage(raw)},
					})
				}
			}()

		case "chain_unsubscribeFinalizedHeads":
			reply(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": true})

		case "state_getKeysPaged":
			// No nominators in the stub.
			reply(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": []string{}})

		default:
			reply(map[string]any{"jsonrpc": "2.0", "id": req.ID, "error": map[string]any{
				"code": -32601, "message": "method not found",
			}})
		}
	}
}

func dialTestClient(t *testing.T, n *stubNode) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, zerolog.Nop(), Config{URL: n.url()})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

// SCALE encoding helpers for fixtures. Compact values in tests stay below
// 2^14 so two modes suffice.
func encU32(v uint32) []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, v)
	return out
}

func encU128(v uint64) []byte {
	out := make([]byte, 16)
	binary.LittleEndian.PutUint64(out, v)
	return out
}

func encCompact(v uint64) []byte {
	if v <= 63 {
		return []byte{byte(v << 2)}
	}
	out := make([]byte, 2)
	binary.LittleEndian.PutUint16(out, uint16(v<<2)|0x01)
	return out
}

func TestSessionIndex(t *testing.T) {
	node := newStubNode(t)
	node.set(storageKey("Session", "CurrentIndex"), encU32(9001))

	c := dialTestClient(t, node)
	idx, err := c.SessionIndex(context.Background())
	require.NoError(t, err)
	require.Equal(t, chain.SessionIndex(9001), idx)
}

func TestSessionIndexMissing(t *testing.T) {
	node := newStubNode(t)
	c := dialTestClient(t, node)

	_, err := c.SessionIndex(context.Background())
	require.Error(t, err)
}

func TestActiveEra(t *testing.T) {
	node := newStubNode(t)
	node.set(storageKey("Staking", "ActiveEra"), encU32(120))
	node.set(storageKey("Staking", "ErasStartSessionIndex", twox64Concat(encU32(120))), encU32(714))

	c := dialTestClient(t, node)
	era, err := c.ActiveEra(context.Background())
	require.NoError(t, err)
	require.Equal(t, chain.EraIndex(120), era.Index)
	require.Equal(t, chain.SessionIndex(714), era.StartSession)
}

func TestSessionValidators(t *testing.T) {
	a := unittest.RandomAccountID(t)
	b := unittest.RandomAccountID(t)
	value := append(encCompact(2), a[:]...)
	value = append(value, b[:]...)

	node := newStubNode(t)
	node.set(storageKey("Session", "Validators"), value)

	c := dialTestClient(t, node)
	validators, err := c.SessionValidators(context.Background())
	require.NoError(t, err)
	require.Equal(t, []chain.AccountID{a, b}, validators)
}

func TestQueuedSessionKeys(t *testing.T) {
	a := unittest.RandomAccountID(t)
	b := unittest.RandomAccountID(t)
	keysA := make([]byte, defaultSessionKeyBytes)
	keysB := make([]byte, defaultSessionKeyBytes)
	for i := range keysB {
		keysB[i] = 0x5e
	}
	value := append(encCompact(2), a[:]...)
	value = append(value, keysA...)
	value = append(value, b[:]...)
	value = append(value, keysB...)

	node := newStubNode(t)
	node.set(storageKey("Session", "QueuedKeys"), value)

	c := dialTestClient(t, node)
	queued, err := c.QueuedSessionKeys(context.Background(), b)
	require.NoError(t, err)
	require.True(t, queued.Queued)
	require.Equal(t, hexutil.Encode(keysB), queued.Hex)

	missing, err := c.QueuedSessionKeys(context.Background(), unittest.RandomAccountID(t))
	require.NoError(t, err)
	require.False(t, missing.Queued)
	require.Empty(t, missing.Hex)
}

func TestEraStake(t *testing.T) {
	who := unittest.RandomAccountID(t)
	nominator := unittest.RandomAccountID(t)

	// Exposure{total: 5000, own: 1500, others: [{nominator, 3500}]}
	value := append(encCompact(5000), encCompact(1500)...)
	value = append(value, encCompact(1)...)
	value = append(value, nominator[:]...)
	value = append(value, encCompact(3500)...)

	node := newStubNode(t)
	key := storageKey("Staking", "ErasStakers", twox64Concat(encU32(120)), twox64Concat(who[:]))
	node.set(key, value)

	c := dialTestClient(t, node)
	stake, err := c.EraStake(context.Background(), 120, who)
	require.NoError(t, err)
	require.Equal(t, uint64(5000), stake.Total.Uint64())
	require.Equal(t, uint64(1500), stake.Own.Uint64())
	require.Len(t, stake.Active, 1)
	require.Equal(t, nominator, stake.Active[0].Who)
	require.Equal(t, uint64(3500), stake.Active[0].Value.Uint64())
}

func TestEraStakeNotExposed(t *testing.T) {
	node := newStubNode(t)
	c := dialTestClient(t, node)

	stake, err := c.EraStake(context.Background(), 120, unittest.RandomAccountID(t))
	require.NoError(t, err)
	require.True(t, stake.Total.IsZero())
	require.True(t, stake.Own.IsZero())
	require.Empty(t, stake.Active)
}

func TestEraRewardPoints(t *testing.T) {
	a := unittest.RandomAccountID(t)
	b := unittest.RandomAccountID(t)
	value := append(encU32(180), encCompact(2)...)
	value = append(value, a[:]...)
	value = append(value, encU32(100)...)
	value = append(value, b[:]...)
	value = append(value, encU32(80)...)

	node := newStubNode(t)
	node.set(storageKey("Staking", "ErasRewardPoints", twox64Concat(encU32(120))), value)

	c := dialTestClient(t, node)
	points, err := c.EraRewardPoints(context.Background(), 120)
	require.NoError(t, err)
	require.Equal(t, uint32(180), points.Total)
	require.Equal(t, uint32(100), points.Individual[a])
	require.Equal(t, uint32(80), points.Individual[b])
}

func TestRewardContext(t *testing.T) {
	node := newStubNode(t)
	node.set(storageKey("Staking", "ErasValidatorReward", twox64Concat(encU32(119))), encU128(7_000_000))
	node.set(storageKey("Staking", "ErasRewardPoints", twox64Concat(encU32(119))), append(encU32(240), encCompact(0)...))
	node.set(storageKey("Balances", "TotalIssuance"), encU128(10_000_000_000))

	c := dialTestClient(t, node)
	rc, err := c.RewardContext(context.Background(), 119)
	require.NoError(t, err)
	require.Equal(t, chain.EraIndex(119), rc.Era)
	require.Equal(t, uint64(7_000_000), rc.Payout.Uint64())
	require.Equal(t, uint32(240), rc.TotalPoints)
	require.Equal(t, uint64(10_000_000_000), rc.TotalIssuance.Uint64())
}

func TestParaValidatorIndicesAbsent(t *testing.T) {
	node := newStubNode(t)
	c := dialTestClient(t, node)

	indices, err := c.ParaValidatorIndices(context.Background())
	require.NoError(t, err)
	require.Empty(t, indices)
}

func TestParaValidatorIndices(t *testing.T) {
	value := append(encCompact(3), encU32(4)...)
	value = append(value, encU32(0)...)
	value = append(value, encU32(9)...)

	node := newStubNode(t)
	node.set(storageKey("ParasShared", "ActiveValidatorIndices"), value)

	c := dialTestClient(t, node)
	indices, err := c.ParaValidatorIndices(context.Background())
	require.NoError(t, err)
	require.Equal(t, []uint32{4, 0, 9}, indices)
}

func TestIdentityDisplay(t *testing.T) {
	who := unittest.RandomAccountID(t)

	// Registration{judgements: [(0, KnownGood)], deposit, info{additional: [], display: Raw("Alice")}}
	value := append(encCompact(1), encU32(0)...)
	value = append(value, 3) // KnownGood
	value = append(value, encU128(100)...)
	value = append(value, encCompact(0)...) // no additional fields
	value = append(value, byte(1+len("Alice")))
	value = append(value, []byte("Alice")...)

	node := newStubNode(t)
	node.set(storageKey("Identity", "IdentityOf", twox64Concat(who[:])), value)

	c := dialTestClient(t, node)
	display, err := c.Identity(context.Background(), who)
	require.NoError(t, err)
	require.Equal(t, "Alice", display)

	none, err := c.Identity(context.Background(), unittest.RandomAccountID(t))
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestProperties(t *testing.T) {
	node := newStubNode(t)
	c := dialTestClient(t, node)

	props, err := c.Properties(context.Background())
	require.NoError(t, err)
	require.Equal(t, "Local Testnet", props.Network)
	require.Equal(t, "UNIT", props.TokenSymbol)
	require.Equal(t, uint32(12), props.TokenDecimals)
	require.Equal(t, uint8(42), props.SS58Prefix)
	require.Equal(t, uint32(defaultSessionsPerEra), props.SessionsPerEra)
	require.Equal(t, float64(defaultErasPerDay), props.ErasPerDay)
}

func TestSubscribeFinalizedHeaders(t *testing.T) {
	node := newStubNode(t)
	c := dialTestClient(t, node)

	sub, err := c.SubscribeFinalizedHeaders(context.Background())
	require.NoError(t, err)
	defer sub.Close()

	log := unittest.BABEPreRuntimeLog(2, 77)
	node.emitHeader(500, log)

	select {
	case h := <-sub.Headers():
		require.Equal(t, uint64(500), h.Number)
		require.Equal(t, [][]byte{log}, h.Digest)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for header")
	}
}

func TestSubscriptionReportsTransportLoss(t *testing.T) {
	node := newStubNode(t)
	c := dialTestClient(t, node)

	sub, err := c.SubscribeFinalizedHeaders(context.Background())
	require.NoError(t, err)
	defer sub.Close()

	node.dropConnections()

	select {
	case err := <-sub.Err():
		require.True(t, chain.IsConnectionError(err), "expected connection error, got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for subscription failure")
	}
}
