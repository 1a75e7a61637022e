package chain

import (
	"context"
	"sync"
)

// MockClient is a test implementation of the Client interface.
//
// MockClient serves chain state from in-memory fixtures so tracking,
// refresh and dispatch logic can be exercised without a network. All fields
// are guarded by a single mutex; tests mutate state between emitted headers
// to simulate session and era rotations.
type MockClient struct {
	mu sync.Mutex

	Session    SessionIndex
	Era        EraInfo
	Validators []AccountID
	Queued     map[AccountID]QueuedKeys
	Stakes     map[EraIndex]map[AccountID]StakeInfo
	Noms       map[AccountID][]AccountID
	Points     map[EraIndex]RewardPoints
	Rewards    map[EraIndex]RewardContext
	ParaIdx    []uint32
	Identities map[AccountID]string
	Props      Properties

	// OnQuery, when set, is consulted before every point query. Returning a
	// non-nil error fails that query; who is nil for queries that take no
	// account. This drives per-stash failure-isolation tests.
	OnQuery func(method string, who *AccountID) error

	headers chan Header
	subErr  chan error
	closed  bool
}

// NewMockClient creates a mock with empty but usable fixtures.
func NewMockClient() *MockClient {
	return &MockClient{
		Queued:     make(map[AccountID]QueuedKeys),
		Stakes:     make(map[EraIndex]map[AccountID]StakeInfo),
		Noms:       make(map[AccountID][]AccountID),
		Points:     make(map[EraIndex]RewardPoints),
		Rewards:    make(map[EraIndex]RewardContext),
		Identities: make(map[AccountID]string),
		headers:    make(chan Header, 16),
		subErr:     make(chan error, 1),
	}
}

type mockSubscription struct {
	headers chan Header
	err     chan error
	once    sync.Once
}

func (s *mockSubscription) Headers() <-chan Header { return s.headers }
func (s *mockSubscription) Err() <-chan error      { return s.err }
func (s *mockSubscription) Close()                 { s.once.Do(func() {}) }

// SubscribeFinalizedHeaders returns a subscription fed by EmitHeader.
func (m *MockClient) SubscribeFinalizedHeaders(_ context.Context) (HeaderSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &mockSubscription{headers: m.headers, err: m.subErr}, nil
}

// EmitHeader delivers a finalized header to the subscription.
func (m *MockClient) EmitHeader(h Header) {
	m.headers <- h
}

// FailSubscription injects a transport error into the subscription and
// closes the header stream, simulating connection loss.
func (m *MockClient) FailSubscription(err error) {
	m.subErr <- err
	close(m.headers)
	m.mu.Lock()
	m.headers = make(chan Header, 16)
	m.subErr = make(chan error, 1)
	m.mu.Unlock()
}

// SetRound updates the session/era counters and validator set in one step.
func (m *MockClient) SetRound(session SessionIndex, era EraInfo, validators []AccountID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Session = session
	m.Era = era
	m.Validators = validators
}

func (m *MockClient) check(method string, who *AccountID) error {
	if m.OnQuery != nil {
		return m.OnQuery(method, who)
	}
	return nil
}

func (m *MockClient) SessionIndex(_ context.Context) (SessionIndex, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("SessionIndex", nil); err != nil {
		return 0, err
	}
	return m.Session, nil
}

func (m *MockClient) ActiveEra(_ context.Context) (EraInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("ActiveEra", nil); err != nil {
		return EraInfo{}, err
	}
	return m.Era, nil
}

func (m *MockClient) SessionValidators(_ context.Context) ([]AccountID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("SessionValidators", nil); err != nil {
		return nil, err
	}
	out := make([]AccountID, len(m.Validators))
	copy(out, m.Validators)
	return out, nil
}

func (m *MockClient) QueuedSessionKeys(_ context.Context, who AccountID) (QueuedKeys, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("QueuedSessionKeys", &who); err != nil {
		return QueuedKeys{}, err
	}
	return m.Queued[who], nil
}

func (m *MockClient) EraStake(_ context.Context, era EraIndex, who AccountID) (StakeInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("EraStake", &who); err != nil {
		return StakeInfo{}, err
	}
	return m.Stakes[era][who].Clone(), nil
}

func (m *MockClient) Nominators(_ context.Context, who AccountID) ([]AccountID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("Nominators", &who); err != nil {
		return nil, err
	}
	out := make([]AccountID, len(m.Noms[who]))
	copy(out, m.Noms[who])
	return out, nil
}

func (m *MockClient) EraRewardPoints(_ context.Context, era EraIndex) (RewardPoints, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("EraRewardPoints", nil); err != nil {
		return RewardPoints{}, err
	}
	rp := m.Points[era]
	out := RewardPoints{Total: rp.Total, Individual: make(map[AccountID]uint32, len(rp.Individual))}
	for k, v := range rp.Individual {
		out.Individual[k] = v
	}
	return out, nil
}

func (m *MockClient) RewardContext(_ context.Context, era EraIndex) (RewardContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("RewardContext", nil); err != nil {
		return RewardContext{}, err
	}
	return m.Rewards[era], nil
}

func (m *MockClient) ParaValidatorIndices(_ context.Context) ([]uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("ParaValidatorIndices", nil); err != nil {
		return nil, err
	}
	out := make([]uint32, len(m.ParaIdx))
	copy(out, m.ParaIdx)
	return out, nil
}

func (m *MockClient) Identity(_ context.Context, who AccountID) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("Identity", &who); err != nil {
		return "", err
	}
	return m.Identities[who], nil
}

func (m *MockClient) Properties(_ context.Context) (Properties, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("Properties", nil); err != nil {
		return Properties{}, err
	}
	return m.Props, nil
}

func (m *MockClient) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}
