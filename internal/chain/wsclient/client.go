package wsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/helmwatch/helmwatch/internal/chain"
	"github.com/helmwatch/helmwatch/internal/scale"
)

const (
	// defaultSessionKeyBytes is the encoded width of one validator's
	// concatenated session keys on relay chains: six 32-byte keys.
	defaultSessionKeyBytes = 192

	defaultSessionsPerEra = 6
	defaultErasPerDay     = 4

	// nominatorPageSize bounds one state_getKeysPaged round trip.
	nominatorPageSize = 512
)

// Config carries the endpoint and the network constants that are not
// queryable over RPC.
type Config struct {
	// URL is the node's websocket endpoint, e.g. ws://127.0.0.1:9944.
	URL string
	// SS58Prefix overrides the ss58Format reported by system_properties
	// when set.
	SS58Prefix uint8
	// SessionsPerEra is a runtime constant; zero selects the relay-chain
	// default of 6.
	SessionsPerEra uint32
	// ErasPerDay is a runtime constant; zero selects the relay-chain
	// default of 4.
	ErasPerDay float64
	// SessionKeyBytes is the encoded width of one validator's session
	// keys; zero selects the relay-chain default of 192.
	SessionKeyBytes int
}

// Client talks to a substrate node over its JSON-RPC websocket endpoint and
// implements chain.Client.
type Client struct {
	logger zerolog.Logger
	conn   *conn
	cfg    Config
}

// Dial connects to the node at cfg.URL.
func Dial(ctx context.Context, logger zerolog.Logger, cfg Config) (*Client, error) {
	if cfg.SessionKeyBytes == 0 {
		cfg.SessionKeyBytes = defaultSessionKeyBytes
	}
	if cfg.SessionsPerEra == 0 {
		cfg.SessionsPerEra = defaultSessionsPerEra
	}
	if cfg.ErasPerDay == 0 {
		cfg.ErasPerDay = defaultErasPerDay
	}

	logger = logger.With().Str("component", "wsclient").Logger()
	c, err := dialConn(ctx, logger, cfg.URL)
	if err != nil {
		return nil, &chain.ConnectionError{Err: err}
	}
	return &Client{logger: logger, conn: c, cfg: cfg}, nil
}

// Close tears the websocket down. Outstanding calls fail.
func (c *Client) Close() {
	c.conn.close()
}

// getStorage fetches one storage value. The second return is false when the
// key has no value.
func (c *Client) getStorage(ctx context.Context, key []byte) ([]byte, bool, error) {
	var res *string
	if err := c.conn.call(ctx, "state_getStorage", []any{hexutil.Encode(key)}, &res); err != nil {
		return nil, false, err
	}
	if res == nil {
		return nil, false, nil
	}
	raw, err := hexutil.Decode(*res)
	if err != nil {
		return nil, false, fmt.Errorf("storage value: %w", err)
	}
	return raw, true, nil
}

// SessionIndex returns Session.CurrentIndex.
func (c *Client) SessionIndex(ctx context.Context) (chain.SessionIndex, error) {
	raw, ok, err := c.getStorage(ctx, storageKey("Session", "CurrentIndex"))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("session index not in storage")
	}
	v, err := scale.NewDecoder(raw).DecodeU32()
	if err != nil {
		return 0, fmt.Errorf("decode session index: %w", err)
	}
	return chain.SessionIndex(v), nil
}

// ActiveEra reads Staking.ActiveEra and resolves the session the era
// started at from Staking.ErasStartSessionIndex.
func (c *Client) ActiveEra(ctx context.Context) (chain.EraInfo, error) {
	raw, ok, err := c.getStorage(ctx, storageKey("Staking", "ActiveEra"))
	if err != nil {
		return chain.EraInfo{}, err
	}
	if !ok {
		return chain.EraInfo{}, fmt.Errorf("active era not in storage")
	}
	idx, err := scale.NewDecoder(raw).DecodeU32()
	if err != nil {
		return chain.EraInfo{}, fmt.Errorf("decode active era: %w", err)
	}

	raw, ok, err = c.getStorage(ctx, storageKey("Staking", "ErasStartSessionIndex", twox64Concat(encodeU32(idx))))
	if err != nil {
		return chain.EraInfo{}, err
	}
	if !ok {
		return chain.EraInfo{}, fmt.Errorf("era %d has no start session", idx)
	}
	start, err := scale.NewDecoder(raw).DecodeU32()
	if err != nil {
		return chain.EraInfo{}, fmt.Errorf("decode era start session: %w", err)
	}
	return chain.EraInfo{Index: chain.EraIndex(idx), StartSession: chain.SessionIndex(start)}, nil
}

// SessionValidators returns Session.Validators in storage order, which is
// the ordering consensus digests index into.
func (c *Client) SessionValidators(ctx context.Context) ([]chain.AccountID, error) {
	raw, ok, err := c.getStorage(ctx, storageKey("Session", "Validators"))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("session validators not in storage")
	}

	d := scale.NewDecoder(raw)
	n, err := d.DecodeLength()
	if err != nil {
		return nil, fmt.Errorf("decode validator set: %w", err)
	}
	out := make([]chain.AccountID, 0, n)
	for i := 0; i < n; i++ {
		id, err := d.DecodeAccountID()
		if err != nil {
			return nil, fmt.Errorf("decode validator %d: %w", i, err)
		}
		out = append(out, id)
	}
	return out, nil
}

// QueuedSessionKeys scans Session.QueuedKeys for the account and returns its
// queued keys when present.
func (c *Client) QueuedSessionKeys(ctx context.Context, who chain.AccountID) (chain.QueuedKeys, error) {
	raw, ok, err := c.getStorage(ctx, storageKey("Session", "QueuedKeys"))
	if err != nil {
		return chain.QueuedKeys{}, err
	}
	if !ok {
		return chain.QueuedKeys{}, nil
	}

	d := scale.NewDecoder(raw)
	n, err := d.DecodeLength()
	if err != nil {
		return chain.QueuedKeys{}, fmt.Errorf("decode queued keys: %w", err)
	}
	for i := 0; i < n; i++ {
		id, err := d.DecodeAccountID()
		if err != nil {
			return chain.QueuedKeys{}, fmt.Errorf("decode queued keys entry %d: %w", i, err)
		}
		keys, err := d.ReadBytes(c.cfg.SessionKeyBytes)
		if err != nil {
			return chain.QueuedKeys{}, fmt.Errorf("decode queued keys entry %d: %w", i, err)
		}
		if id == who {
			return chain.QueuedKeys{Queued: true, Hex: hexutil.Encode(keys)}, nil
		}
	}
	return chain.QueuedKeys{}, nil
}

// EraStake reads the validator's Staking.ErasStakers exposure. A validator
// not exposed in the era yields a zero snapshot.
func (c *Client) EraStake(ctx context.Context, era chain.EraIndex, who chain.AccountID) (chain.StakeInfo, error) {
	key := storageKey("Staking", "ErasStakers",
		twox64Concat(encodeU32(uint32(era))),
		twox64Concat(who[:]))
	raw, ok, err := c.getStorage(ctx, key)
	if err != nil {
		return chain.StakeInfo{}, err
	}
	if !ok {
		return chain.StakeInfo{Own: uint256.NewInt(0), Total: uint256.NewInt(0)}, nil
	}

	d := scale.NewDecoder(raw)
	total, err := d.DecodeCompactU128()
	if err != nil {
		return chain.StakeInfo{}, fmt.Errorf("decode exposure total: %w", err)
	}
	own, err := d.DecodeCompactU128()
	if err != nil {
		return chain.StakeInfo{}, fmt.Errorf("decode exposure own: %w", err)
	}
	n, err := d.DecodeLength()
	if err != nil {
		return chain.StakeInfo{}, fmt.Errorf("decode exposure others: %w", err)
	}
	others := make([]chain.IndividualExposure, 0, n)
	for i := 0; i < n; i++ {
		id, err := d.DecodeAccountID()
		if err != nil {
			return chain.StakeInfo{}, fmt.Errorf("decode exposure other %d: %w", i, err)
		}
		value, err := d.DecodeCompactU128()
		if err != nil {
			return chain.StakeInfo{}, fmt.Errorf("decode exposure other %d: %w", i, err)
		}
		others = append(others, chain.IndividualExposure{Who: id, Value: value})
	}
	return chain.StakeInfo{Own: own, Total: total, Active: others}, nil
}

// Nominators walks the Staking.Nominators map and collects every account
// whose targets include the validator. This is a full map scan; it is only
// used when all-nominator reporting is enabled.
func (c *Client) Nominators(ctx context.Context, who chain.AccountID) ([]chain.AccountID, error) {
	prefix := storageKey("Staking", "Nominators")
	prefixHex := hexutil.Encode(prefix)

	var out []chain.AccountID
	startKey := prefixHex
	for {
		var keys []string
		params := []any{prefixHex, nominatorPageSize, startKey}
		if err := c.conn.call(ctx, "state_getKeysPaged", params, &keys); err != nil {
			return nil, err
		}
		for _, k := range keys {
			rawKey, err := hexutil.Decode(k)
			if err != nil || len(rawKey) < 32 {
				return nil, fmt.Errorf("unusable nominator key %s", k)
			}
			var nominator chain.AccountID
			copy(nominator[:], rawKey[len(rawKey)-32:])

			nominates, err := c.nominates(ctx, rawKey, who)
			if err != nil {
				return nil, err
			}
			if nominates {
				out = append(out, nominator)
			}
		}
		if len(keys) < nominatorPageSize {
			return out, nil
		}
		startKey = keys[len(keys)-1]
	}
}

// nominates reports whether the Nominations value at key targets who.
func (c *Client) nominates(ctx context.Context, key []byte, who chain.AccountID) (bool, error) {
	raw, ok, err := c.getStorage(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	d := scale.NewDecoder(raw)
	n, err := d.DecodeLength()
	if err != nil {
		return false, fmt.Errorf("decode nominations: %w", err)
	}
	found := false
	for i := 0; i < n; i++ {
		target, err := d.DecodeAccountID()
		if err != nil {
			return false, fmt.Errorf("decode nomination target %d: %w", i, err)
		}
		if target == who {
			found = true
		}
	}
	return found, nil
}

// EraRewardPoints reads Staking.ErasRewardPoints for the era. A missing
// entry yields an empty table.
func (c *Client) EraRewardPoints(ctx context.Context, era chain.EraIndex) (chain.RewardPoints, error) {
	key := storageKey("Staking", "ErasRewardPoints", twox64Concat(encodeU32(uint32(era))))
	raw, ok, err := c.getStorage(ctx, key)
	if err != nil {
		return chain.RewardPoints{}, err
	}
	points := chain.RewardPoints{Individual: make(map[chain.AccountID]uint32)}
	if !ok {
		return points, nil
	}

	d := scale.NewDecoder(raw)
	total, err := d.DecodeU32()
	if err != nil {
		return chain.RewardPoints{}, fmt.Errorf("decode reward points total: %w", err)
	}
	points.Total = total
	n, err := d.DecodeLength()
	if err != nil {
		return chain.RewardPoints{}, fmt.Errorf("decode reward points table: %w", err)
	}
	for i := 0; i < n; i++ {
		id, err := d.DecodeAccountID()
		if err != nil {
			return chain.RewardPoints{}, fmt.Errorf("decode reward points entry %d: %w", i, err)
		}
		score, err := d.DecodeU32()
		if err != nil {
			return chain.RewardPoints{}, fmt.Errorf("decode reward points entry %d: %w", i, err)
		}
		points.Individual[id] = score
	}
	return points, nil
}

// RewardContext gathers the payout inputs for a completed era: the minted
// validator reward, the era's points total, and the current issuance.
func (c *Client) RewardContext(ctx context.Context, era chain.EraIndex) (chain.RewardContext, error) {
	out := chain.RewardContext{Era: era}

	key := storageKey("Staking", "ErasValidatorReward", twox64Concat(encodeU32(uint32(era))))
	raw, ok, err := c.getStorage(ctx, key)
	if err != nil {
		return chain.RewardContext{}, err
	}
	if ok {
		payout, err := scale.NewDecoder(raw).DecodeU128()
		if err != nil {
			return chain.RewardContext{}, fmt.Errorf("decode era payout: %w", err)
		}
		out.Payout = payout
	}

	points, err := c.EraRewardPoints(ctx, era)
	if err != nil {
		return chain.RewardContext{}, err
	}
	out.TotalPoints = points.Total

	raw, ok, err = c.getStorage(ctx, storageKey("Balances", "TotalIssuance"))
	if err != nil {
		return chain.RewardContext{}, err
	}
	if !ok {
		return chain.RewardContext{}, fmt.Errorf("total issuance not in storage")
	}
	issuance, err := scale.NewDecoder(raw).DecodeU128()
	if err != nil {
		return chain.RewardContext{}, fmt.Errorf("decode total issuance: %w", err)
	}
	out.TotalIssuance = issuance
	return out, nil
}

// ParaValidatorIndices reads ParasShared.ActiveValidatorIndices. Chains
// without parachains have no such entry; that is an empty assignment, not
// an error.
func (c *Client) ParaValidatorIndices(ctx context.Context) ([]uint32, error) {
	raw, ok, err := c.getStorage(ctx, storageKey("ParasShared", "ActiveValidatorIndices"))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	d := scale.NewDecoder(raw)
	n, err := d.DecodeLength()
	if err != nil {
		return nil, fmt.Errorf("decode para validator indices: %w", err)
	}
	out := make([]uint32, 0, n)
	for i := 0; i < n; i++ {
		idx, err := d.DecodeU32()
		if err != nil {
			return nil, fmt.Errorf("decode para validator index %d: %w", i, err)
		}
		out = append(out, idx)
	}
	return out, nil
}

// Identity returns the display field of Identity.IdentityOf, or "" when the
// account has no registered identity.
func (c *Client) Identity(ctx context.Context, who chain.AccountID) (string, error) {
	key := storageKey("Identity", "IdentityOf", twox64Concat(who[:]))
	raw, ok, err := c.getStorage(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	display, err := decodeIdentityDisplay(raw)
	if err != nil {
		return "", fmt.Errorf("decode identity: %w", err)
	}
	return display, nil
}

// decodeIdentityDisplay walks a Registration value far enough to reach the
// display field of its IdentityInfo.
func decodeIdentityDisplay(raw []byte) (string, error) {
	d := scale.NewDecoder(raw)

	// judgements: Vec<(RegistrarIndex, Judgement)>
	n, err := d.DecodeLength()
	if err != nil {
		return "", err
	}
	for i := 0; i < n; i++ {
		if _, err := d.DecodeU32(); err != nil {
			return "", err
		}
		variant, err := d.ReadByte()
		if err != nil {
			return "", err
		}
		// FeePaid carries a balance; the other judgements are bare.
		if variant == 1 {
			if _, err := d.DecodeU128(); err != nil {
				return "", err
			}
		}
	}

	// deposit: Balance
	if _, err := d.DecodeU128(); err != nil {
		return "", err
	}

	// IdentityInfo.additional: Vec<(Data, Data)>
	n, err = d.DecodeLength()
	if err != nil {
		return "", err
	}
	for i := 0; i < 2*n; i++ {
		if _, err := decodeIdentityData(d); err != nil {
			return "", err
		}
	}

	return decodeIdentityData(d)
}

// decodeIdentityData decodes one Data value. Bytes variants render as a
// string; None and the hash variants render as "".
func decodeIdentityData(d *scale.Decoder) (string, error) {
	variant, err := d.ReadByte()
	if err != nil {
		return "", err
	}
	switch {
	case variant == 0:
		return "", nil
	case variant >= 1 && variant <= 33:
		raw, err := d.ReadBytes(int(variant) - 1)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	case variant >= 34 && variant <= 37:
		if _, err := d.ReadBytes(32); err != nil {
			return "", err
		}
		return "", nil
	default:
		return "", fmt.Errorf("unknown identity data variant %d", variant)
	}
}

// systemProperties mirrors the system_properties response. Fields may be
// scalars or single-element arrays depending on the runtime.
type systemProperties struct {
	SS58Format    *jsonScalar `json:"ss58Format"`
	TokenDecimals *jsonScalar `json:"tokenDecimals"`
	TokenSymbol   *jsonScalar `json:"tokenSymbol"`
}

// Properties merges system_properties and system_chain with the configured
// overrides and runtime constants.
func (c *Client) Properties(ctx context.Context) (chain.Properties, error) {
	var props systemProperties
	if err := c.conn.call(ctx, "system_properties", []any{}, &props); err != nil {
		return chain.Properties{}, err
	}
	var network string
	if err := c.conn.call(ctx, "system_chain", []any{}, &network); err != nil {
		return chain.Properties{}, err
	}

	out := chain.Properties{
		Network:        network,
		SS58Prefix:     c.cfg.SS58Prefix,
		SessionsPerEra: c.cfg.SessionsPerEra,
		ErasPerDay:     c.cfg.ErasPerDay,
	}
	if props.TokenSymbol != nil {
		out.TokenSymbol = props.TokenSymbol.str
	}
	if props.TokenDecimals != nil {
		out.TokenDecimals = uint32(props.TokenDecimals.num)
	}
	if c.cfg.SS58Prefix == 0 && props.SS58Format != nil {
		out.SS58Prefix = uint8(props.SS58Format.num)
	}
	return out, nil
}

// SubscribeFinalizedHeaders opens a chain_subscribeFinalizedHeads stream.
func (c *Client) SubscribeFinalizedHeaders(ctx context.Context) (chain.HeaderSubscription, error) {
	id, raw, err := c.conn.subscribe(ctx, "chain_subscribeFinalizedHeads", []any{})
	if err != nil {
		return nil, &chain.ConnectionError{Err: err}
	}

	sub := &headerSub{
		client:  c,
		id:      id,
		headers: make(chan chain.Header, 16),
		errs:    make(chan error, 1),
	}
	go sub.run(raw)
	return sub, nil
}

// rawHeader is the JSON shape of a header notification.
type rawHeader struct {
	Number string `json:"number"`
	Digest struct {
		Logs []string `json:"logs"`
	} `json:"digest"`
}

type headerSub struct {
	client  *Client
	id      string
	headers chan chain.Header
	errs    chan error
	closed  atomic.Bool
}

func (s *headerSub) Headers() <-chan chain.Header { return s.headers }
func (s *headerSub) Err() <-chan error            { return s.errs }

// Close releases the subscription. Safe to call more than once.
func (s *headerSub) Close() {
	if s.closed.CompareAndSwap(false, true) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.client.conn.unsubscribe(ctx, "chain_unsubscribeFinalizedHeads", s.id)
	}
}

func (s *headerSub) run(raw chan json.RawMessage) {
	defer close(s.headers)
	for msg := range raw {
		header, err := parseHeader(msg)
		if err != nil {
			s.client.logger.Debug().Err(err).Msg("Skipping unparsable header notification")
			continue
		}
		s.headers <- header
	}
	// Channel closed: either a deliberate Close or a transport loss.
	if !s.closed.Load() {
		s.errs <- &chain.ConnectionError{Err: s.client.conn.failure()}
	}
}

func parseHeader(raw json.RawMessage) (chain.Header, error) {
	var h rawHeader
	if err := json.Unmarshal(raw, &h); err != nil {
		return chain.Header{}, err
	}
	number, err := hexutil.DecodeUint64(h.Number)
	if err != nil {
		return chain.Header{}, fmt.Errorf("header number %q: %w", h.Number, err)
	}
	logs := make([][]byte, 0, len(h.Digest.Logs))
	for _, l := range h.Digest.Logs {
		b, err := hexutil.Decode(l)
		if err != nil {
			return chain.Header{}, fmt.Errorf("digest log %q: %w", l, err)
		}
		logs = append(logs, b)
	}
	return chain.Header{Number: number, Digest: logs}, nil
}

// jsonScalar accepts a number, a string, or a single-element array of
// either, which covers the shapes system_properties emits in the wild.
type jsonScalar struct {
	str string
	num float64
}

func (s *jsonScalar) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if arr, ok := v.([]any); ok {
		if len(arr) == 0 {
			return nil
		}
		v = arr[0]
	}
	switch t := v.(type) {
	case string:
		s.str = t
	case float64:
		s.num = t
	default:
		return fmt.Errorf("unsupported property value %s", data)
	}
	return nil
}
