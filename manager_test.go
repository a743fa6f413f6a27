package recargas

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	http "github.com/bogdanfinn/fhttp"
)

// fakeSession scripts one account's login behavior.
type fakeSession struct {
	name string

	mu         sync.Mutex
	loginOK    bool
	tokenValid bool
	logins     int
	refreshes  int
}

func (s *fakeSession) Account() string { return s.name }

func (s *fakeSession) Login(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logins++
	if s.loginOK {
		s.tokenValid = true
	}
	return s.loginOK
}

func (s *fakeSession) IsTokenValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenValid
}

func (s *fakeSession) Headers(ctx context.Context, destination string) (http.Header, bool) {
	if !s.IsTokenValid() && !s.Login(ctx) {
		return nil, false
	}
	h := make(http.Header)
	h.Set("Authorization", "Bearer token-"+s.name)
	return h, true
}

func (s *fakeSession) ForceRefresh(ctx context.Context) bool {
	s.mu.Lock()
	s.refreshes++
	s.mu.Unlock()
	return s.Login(ctx)
}

func (s *fakeSession) Status() AccountStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return AccountStatus{Username: s.name, TokenValid: s.tokenValid}
}

func (s *fakeSession) loginCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

func (s *fakeSession) setLoginOK(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loginOK = ok
}

func newTestManager(sessions ...*fakeSession) (*SessionManager, *Config) {
	cfg := testConfig()
	managed := make([]ManagedSession, len(sessions))
	for i, s := range sessions {
		managed[i] = s
	}
	return NewSessionManager(cfg, NoopLogger{}, managed), cfg
}

func TestInitializeAllReady(t *testing.T) {
	a := &fakeSession{name: "0981111111", loginOK: true}
	b := &fakeSession{name: "0982222222", loginOK: true}
	m, _ := newTestManager(a, b)

	state := m.InitializeAll(context.Background())
	assert.Equal(t, StateReady, state)
	assert.Equal(t, "0981111111", m.Current())
	assert.False(t, m.ShouldRetry())
}

func TestInitializeAllPartial(t *testing.T) {
	a := &fakeSession{name: "0981111111", loginOK: false}
	b := &fakeSession{name: "0982222222", loginOK: true}
	m, _ := newTestManager(a, b)

	state := m.InitializeAll(context.Background())
	assert.Equal(t, StatePartial, state)
	// The failing first account never blocks the second.
	assert.Equal(t, "0982222222", m.Current())

	st := m.Status()
	assert.Contains(t, st.Errors, "0981111111")
	assert.False(t, st.NextRetryAt.IsZero())
}

func TestInitializeAllWaitingRetry(t *testing.T) {
	a := &fakeSession{name: "0981111111", loginOK: false}
	m, _ := newTestManager(a)

	state := m.InitializeAll(context.Background())
	assert.Equal(t, StateWaitingRetry, state)
	assert.Empty(t, m.Current())
}

func TestRetryGateTiming(t *testing.T) {
	a := &fakeSession{name: "0981111111", loginOK: false}
	m, cfg := newTestManager(a)

	base := time.Now()
	current := base
	m.now = func() time.Time { return current }

	m.InitializeAll(context.Background())
	initLogins := a.loginCount()

	// Inside the window the gate stays closed.
	current = base.Add(cfg.InitRetryDelay - time.Second)
	assert.False(t, m.ShouldRetry())
	m.MaybeRetry(context.Background())
	assert.Equal(t, initLogins, a.loginCount())

	// Past the window one retry runs.
	current = base.Add(cfg.InitRetryDelay + time.Second)
	assert.True(t, m.ShouldRetry())
	m.MaybeRetry(context.Background())
	assert.Equal(t, initLogins+1, a.loginCount())

	// The attempt re-arms the gate.
	assert.False(t, m.ShouldRetry())
}

func TestMaybeRetryRecoversAccount(t *testing.T) {
	a := &fakeSession{name: "0981111111", loginOK: false}
	m, cfg := newTestManager(a)

	base := time.Now()
	current := base
	m.now = func() time.Time { return current }

	assert.Equal(t, StateWaitingRetry, m.InitializeAll(context.Background()))

	a.setLoginOK(true)
	current = base.Add(cfg.InitRetryDelay + time.Second)
	m.MaybeRetry(context.Background())

	st := m.Status()
	assert.Equal(t, StateReady, st.State)
	assert.Equal(t, "0981111111", m.Current())
}

func TestGetValidSessionPrefersCurrent(t *testing.T) {
	a := &fakeSession{name: "0981111111", loginOK: true}
	b := &fakeSession{name: "0982222222", loginOK: true}
	m, _ := newTestManager(a, b)
	m.InitializeAll(context.Background())

	account, err := m.SwitchAccount(context.Background(), "0982222222")
	require.NoError(t, err)
	require.Equal(t, "0982222222", account)

	s, ok := m.GetValidSession(context.Background())
	require.True(t, ok)
	assert.Equal(t, "0982222222", s.Account())
}

func TestGetValidSessionFallsBack(t *testing.T) {
	a := &fakeSession{name: "0981111111", loginOK: true}
	b := &fakeSession{name: "0982222222", loginOK: true}
	m, _ := newTestManager(a, b)
	m.InitializeAll(context.Background())
	assert.Equal(t, "0981111111", m.Current())

	// The current account goes bad mid-flight.
	a.mu.Lock()
	a.tokenValid = false
	a.loginOK = false
	a.mu.Unlock()

	s, ok := m.GetValidSession(context.Background())
	require.True(t, ok)
	assert.Equal(t, "0982222222", s.Account())
	assert.Equal(t, "0982222222", m.Current())
}

func TestGetValidSessionAllDown(t *testing.T) {
	a := &fakeSession{name: "0981111111"}
	b := &fakeSession{name: "0982222222"}
	m, _ := newTestManager(a, b)

	_, ok := m.GetValidSession(context.Background())
	assert.False(t, ok)
	assert.Equal(t, StateWaitingRetry, m.Status().State)
}

func TestSwitchAccountUnknown(t *testing.T) {
	a := &fakeSession{name: "0981111111", loginOK: true}
	m, _ := newTestManager(a)

	_, err := m.SwitchAccount(context.Background(), "0989999999")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown account")
}

func TestSwitchAccountLoginFailure(t *testing.T) {
	a := &fakeSession{name: "0981111111", loginOK: true}
	b := &fakeSession{name: "0982222222", loginOK: false}
	m, _ := newTestManager(a, b)
	m.InitializeAll(context.Background())

	account, err := m.SwitchAccount(context.Background(), "0982222222")
	require.Error(t, err)
	assert.Equal(t, "0981111111", account, "failed switch must not change the current account")
	assert.Equal(t, "0981111111", m.Current())
}

func TestSwitchAccountRotates(t *testing.T) {
	a := &fakeSession{name: "0981111111", loginOK: true}
	b := &fakeSession{name: "0982222222", loginOK: true}
	m, _ := newTestManager(a, b)
	m.InitializeAll(context.Background())
	require.Equal(t, "0981111111", m.Current())

	// No target: pick a different account than the current one.
	account, err := m.SwitchAccount(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "0982222222", account)
	assert.Equal(t, "0982222222", m.Current())

	account, err = m.SwitchAccount(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "0981111111", account)
}

func TestSwitchAccountRotationExhausted(t *testing.T) {
	a := &fakeSession{name: "0981111111", loginOK: true}
	b := &fakeSession{name: "0982222222", loginOK: false}
	m, _ := newTestManager(a, b)
	m.InitializeAll(context.Background())

	account, err := m.SwitchAccount(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, "0981111111", account)
	assert.Equal(t, "0981111111", m.Current())
}

func TestSwitchAccountToCurrentIsNoop(t *testing.T) {
	a := &fakeSession{name: "0981111111", loginOK: true}
	m, _ := newTestManager(a)
	m.InitializeAll(context.Background())

	account, err := m.SwitchAccount(context.Background(), "0981111111")
	require.NoError(t, err)
	assert.Equal(t, "0981111111", account)
}

func TestManagerHeadersDelegate(t *testing.T) {
	a := &fakeSession{name: "0981111111", loginOK: true}
	m, _ := newTestManager(a)

	h, ok := m.Headers(context.Background(), "0983333333")
	require.True(t, ok)
	assert.Equal(t, "Bearer token-0981111111", h.Get("Authorization"))
	assert.Equal(t, "0981111111", m.Account())
}

func TestFallbackAfterAllPrimariesFail(t *testing.T) {
	a := &fakeSession{name: "0981111111"}
	b := &fakeSession{name: "0982222222"}
	legacy := &fakeSession{name: "0981111111", loginOK: true}
	m, _ := newTestManager(a, b)
	m.SetFallback(legacy)

	state := m.InitializeAll(context.Background())
	assert.Equal(t, StatePartial, state)
	assert.Equal(t, "0981111111", m.Current())
	assert.Equal(t, 1, legacy.loginCount())

	s, ok := m.GetValidSession(context.Background())
	require.True(t, ok)
	assert.Same(t, legacy, s.(*fakeSession))
}

func TestFallbackNotTriedWhenPrimaryWorks(t *testing.T) {
	a := &fakeSession{name: "0981111111", loginOK: true}
	legacy := &fakeSession{name: "0981111111", loginOK: true}
	m, _ := newTestManager(a)
	m.SetFallback(legacy)

	assert.Equal(t, StateReady, m.InitializeAll(context.Background()))
	assert.Zero(t, legacy.loginCount())
}

func TestRecoveredPrimarySupersedesFallback(t *testing.T) {
	a := &fakeSession{name: "0981111111"}
	b := &fakeSession{name: "0982222222"}
	legacy := &fakeSession{name: "0981111111", loginOK: true}
	m, cfg := newTestManager(a, b)
	m.SetFallback(legacy)

	base := time.Now()
	current := base
	m.now = func() time.Time { return current }

	m.InitializeAll(context.Background())

	b.setLoginOK(true)
	current = base.Add(cfg.InitRetryDelay + time.Second)
	m.MaybeRetry(context.Background())

	s, ok := m.GetValidSession(context.Background())
	require.True(t, ok)
	assert.Equal(t, "0982222222", s.Account())
}

func TestManagerStatusNoAccounts(t *testing.T) {
	m, _ := newTestManager()
	assert.Equal(t, StateError, m.Status().State)
}
