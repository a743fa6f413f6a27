package recargas

import (
	"context"
	"fmt"
	"sync"
	"time"

	http "github.com/bogdanfinn/fhttp"
)

// SystemState summarizes how much of the account pool is usable.
type SystemState string

const (
	// StateReady means every configured account authenticated.
	StateReady SystemState = "READY"
	// StatePartial means at least one account authenticated.
	StatePartial SystemState = "PARTIAL"
	// StateWaitingRetry means no account authenticated yet but a retry
	// window is pending.
	StateWaitingRetry SystemState = "WAITING_RETRY"
	// StateError means no account authenticated and no retry is scheduled.
	StateError SystemState = "ERROR"
)

// ManagedSession is what the manager needs from each per-account session.
type ManagedSession interface {
	Session
	Status() AccountStatus
}

// ManagerStatus is a snapshot of the whole pool for health reporting.
type ManagerStatus struct {
	State       SystemState       `json:"state"`
	Current     string            `json:"current_account,omitempty"`
	Accounts    []AccountStatus   `json:"accounts"`
	Errors      map[string]string `json:"errors,omitempty"`
	NextRetryAt time.Time         `json:"next_retry_at,omitzero"`
}

// SessionManager owns one session per configured account, initializes them
// independently, and picks a working one for each API call. Failed accounts
// are retried lazily: no background timer, just a time gate checked on the
// next request that needs a session.
type SessionManager struct {
	cfg    *Config
	logger Logger

	// Config order; also the scan order after the current account.
	sessions []ManagedSession

	// Legacy-protocol session for the default account, consulted only after
	// every primary login has failed.
	fallback ManagedSession

	mu            sync.Mutex
	current       string
	errors        map[string]string
	lastAttempt   time.Time
	usingFallback bool

	now func() time.Time
}

// BuildSessions constructs one primary-protocol session per configured
// account, all sharing the same HTTP client, store and mailbox.
func BuildSessions(cfg *Config, client httpDoer, store CredentialStore, mailbox OTPMailbox, logger Logger) []ManagedSession {
	sessions := make([]ManagedSession, 0, len(cfg.Accounts))
	for _, account := range cfg.Accounts {
		sessions = append(sessions, NewCarrierSession(cfg, account, client, store, mailbox, logger))
	}
	return sessions
}

func NewSessionManager(cfg *Config, logger Logger, sessions []ManagedSession) *SessionManager {
	if logger == nil {
		logger = NoopLogger{}
	}
	return &SessionManager{
		cfg:      cfg,
		logger:   PrefixLogger(logger, "manager"),
		sessions: sessions,
		errors:   make(map[string]string),
		now:      time.Now,
	}
}

// SetFallback registers a legacy-protocol session. It is only attempted when
// initialization fails for every primary session; every legacy login costs a
// full OTP cycle, so it never runs speculatively.
func (m *SessionManager) SetFallback(s ManagedSession) {
	m.fallback = s
}

// InitializeAll logs every account in sequentially. One account failing never
// blocks the others; failures are recorded and retried later.
func (m *SessionManager) InitializeAll(ctx context.Context) SystemState {
	m.logger.Log("initializing %d account(s)", len(m.sessions))

	errors := make(map[string]string)
	firstOK := ""
	for _, s := range m.sessions {
		if s.Login(ctx) {
			if firstOK == "" {
				firstOK = s.Account()
			}
			continue
		}
		errors[s.Account()] = "login failed"
		m.logger.Log("account %s failed to initialize", s.Account())
	}

	usingFallback := false
	if firstOK == "" && m.fallback != nil {
		m.logger.Log("all primary logins failed, trying legacy protocol for %s", m.fallback.Account())
		if m.fallback.Login(ctx) {
			firstOK = m.fallback.Account()
			delete(errors, firstOK)
			usingFallback = true
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = errors
	m.lastAttempt = m.now()
	m.usingFallback = usingFallback
	if m.current == "" {
		m.current = firstOK
	}

	state := m.stateLocked()
	m.logger.Log("initialization done: %s (%d/%d accounts)", state, len(m.sessions)-len(errors), len(m.sessions))
	return state
}

// ShouldRetry reports whether failed accounts exist and the retry delay has
// elapsed since the last initialization attempt.
func (m *SessionManager) ShouldRetry() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shouldRetryLocked()
}

func (m *SessionManager) shouldRetryLocked() bool {
	if len(m.errors) == 0 {
		return false
	}
	return m.now().Sub(m.lastAttempt) >= m.cfg.InitRetryDelay
}

// MaybeRetry runs a retry pass if the gate is open. Call sites invoke this
// before serving a request; it is a no-op most of the time.
func (m *SessionManager) MaybeRetry(ctx context.Context) {
	m.mu.Lock()
	if !m.shouldRetryLocked() {
		m.mu.Unlock()
		return
	}
	failed := make([]string, 0, len(m.errors))
	for name := range m.errors {
		failed = append(failed, name)
	}
	// Close the gate before releasing the lock so concurrent requests do
	// not stampede into parallel retries.
	m.lastAttempt = m.now()
	m.mu.Unlock()

	m.logger.Log("retrying %d failed account(s)", len(failed))
	m.retryAccounts(ctx, failed)
}

// retryAccounts re-attempts login for the named accounts only.
func (m *SessionManager) retryAccounts(ctx context.Context, names []string) {
	recovered := make([]string, 0, len(names))
	for _, name := range names {
		s := m.sessionFor(name)
		if s == nil {
			continue
		}
		if s.Login(ctx) {
			recovered = append(recovered, name)
			m.logger.Log("account %s recovered", name)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range recovered {
		delete(m.errors, name)
		if m.current == "" {
			m.current = name
		}
	}
	// A recovered primary session supersedes the legacy fallback.
	if len(recovered) > 0 {
		m.usingFallback = false
	}
}

// GetValidSession returns a session ready for API calls, preferring the
// current account and falling back through the pool in config order. Logins
// run outside the manager lock so a slow handshake on one account does not
// block status queries.
func (m *SessionManager) GetValidSession(ctx context.Context) (Session, bool) {
	for _, s := range m.scanOrder() {
		if s.IsTokenValid() || s.Login(ctx) {
			m.mu.Lock()
			if m.current != s.Account() {
				m.logger.Log("active account is now %s", s.Account())
				m.current = s.Account()
			}
			delete(m.errors, s.Account())
			if s != m.fallback {
				m.usingFallback = false
			}
			m.mu.Unlock()
			return s, true
		}
		m.mu.Lock()
		m.errors[s.Account()] = "login failed"
		m.mu.Unlock()
	}

	m.logger.Log("no account could authenticate")
	return nil, false
}

// scanOrder yields the current account first, then the rest in config order.
// While the legacy fallback is active it goes ahead of every primary session.
func (m *SessionManager) scanOrder() []ManagedSession {
	m.mu.Lock()
	current := m.current
	usingFallback := m.usingFallback
	m.mu.Unlock()

	order := make([]ManagedSession, 0, len(m.sessions)+1)
	for _, s := range m.sessions {
		if s.Account() == current {
			order = append([]ManagedSession{s}, order...)
			continue
		}
		order = append(order, s)
	}
	if usingFallback && m.fallback != nil {
		order = append([]ManagedSession{m.fallback}, order...)
	}
	return order
}

// SwitchAccount promotes another account to current and returns the account
// that is current afterwards. With an empty username it rotates to the first
// non-current account that authenticates; a named target must exist and
// authenticate, and naming the current account is a no-op.
func (m *SessionManager) SwitchAccount(ctx context.Context, username string) (string, error) {
	current := m.Current()
	if username == "" {
		return m.rotateAccount(ctx, current)
	}
	if username == current {
		return current, nil
	}

	s := m.sessionFor(username)
	if s == nil {
		return current, fmt.Errorf("unknown account %q", username)
	}
	if !s.IsTokenValid() && !s.Login(ctx) {
		return current, fmt.Errorf("account %s failed to authenticate", username)
	}

	m.promote(username)
	return username, nil
}

// rotateAccount picks a different configured account than the current one.
func (m *SessionManager) rotateAccount(ctx context.Context, current string) (string, error) {
	for _, s := range m.sessions {
		if s.Account() == current {
			continue
		}
		if s.IsTokenValid() || s.Login(ctx) {
			m.promote(s.Account())
			return s.Account(), nil
		}
		m.mu.Lock()
		m.errors[s.Account()] = "login failed"
		m.mu.Unlock()
	}
	return current, fmt.Errorf("no other account could authenticate")
}

func (m *SessionManager) promote(username string) {
	m.mu.Lock()
	m.current = username
	delete(m.errors, username)
	m.mu.Unlock()
	m.logger.Log("switched to account %s", username)
}

func (m *SessionManager) sessionFor(username string) ManagedSession {
	for _, s := range m.sessions {
		if s.Account() == username {
			return s
		}
	}
	return nil
}

// Current returns the current account name, which may be empty before any
// successful login.
func (m *SessionManager) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Account reports the account funding API calls right now. Together with
// Headers and ForceRefresh this lets the order engine run against the pool.
func (m *SessionManager) Account() string {
	return m.Current()
}

// Status reports the pool state and every account's snapshot.
func (m *SessionManager) Status() ManagerStatus {
	accounts := make([]AccountStatus, 0, len(m.sessions))
	for _, s := range m.sessions {
		accounts = append(accounts, s.Status())
	}

	m.mu.Lock()
	usingFallback := m.usingFallback
	m.mu.Unlock()
	if usingFallback && m.fallback != nil {
		accounts = append(accounts, m.fallback.Status())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st := ManagerStatus{
		State:    m.stateLocked(),
		Current:  m.current,
		Accounts: accounts,
	}
	if len(m.errors) > 0 {
		st.Errors = make(map[string]string, len(m.errors))
		for k, v := range m.errors {
			st.Errors[k] = v
		}
		st.NextRetryAt = m.lastAttempt.Add(m.cfg.InitRetryDelay)
	}
	return st
}

func (m *SessionManager) stateLocked() SystemState {
	failed := len(m.errors)
	total := len(m.sessions)
	switch {
	case total == 0:
		return StateError
	case failed == 0:
		return StateReady
	case failed < total:
		return StatePartial
	default:
		return StateWaitingRetry
	}
}

// Headers satisfies AuthSource: pick a working session and delegate, so the
// order engine can run against the pool without knowing about accounts.
func (m *SessionManager) Headers(ctx context.Context, destination string) (http.Header, bool) {
	s, ok := m.GetValidSession(ctx)
	if !ok {
		return nil, false
	}
	return s.Headers(ctx, destination)
}

// ForceRefresh refreshes the current account's session.
func (m *SessionManager) ForceRefresh(ctx context.Context) bool {
	s, ok := m.GetValidSession(ctx)
	if !ok {
		return false
	}
	return s.ForceRefresh(ctx)
}
