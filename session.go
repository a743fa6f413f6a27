package recargas

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	http "github.com/bogdanfinn/fhttp"
	"github.com/golang-jwt/jwt/v5"
)

// AuthSource is the minimal capability the order engine needs from an
// authenticated session.
type AuthSource interface {
	// Headers returns ready-to-use request headers carrying the resource
	// token, re-authenticating first if needed. ok is false when no valid
	// session could be obtained.
	Headers(ctx context.Context, destination string) (http.Header, bool)
	// ForceRefresh discards current tokens and re-authenticates.
	ForceRefresh(ctx context.Context) bool
}

// Session is the full contract shared by the primary and legacy protocols,
// letting the manager and order engine treat either interchangeably.
type Session interface {
	AuthSource
	Login(ctx context.Context) bool
	IsTokenValid() bool
	Account() string
}

// AccountStatus is a read-only snapshot of one session's state.
type AccountStatus struct {
	Username       string    `json:"username"`
	HasFingerprint bool      `json:"has_fingerprint"`
	Fingerprint    string    `json:"fingerprint,omitempty"`
	HasToken       bool      `json:"has_token"`
	TokenValid     bool      `json:"token_valid"`
	TokenExpiresAt time.Time `json:"token_expires_at,omitzero"`
	AccountName    string    `json:"account_name,omitempty"`
}

// Wire shapes for the primary auth protocol.
type accessTaskResponse struct {
	UUID string `json:"uuid"`
	// Absent means "OTP required"; the carrier only sets it false for
	// fingerprints it already trusts.
	OTP *bool `json:"otp"`
}

type otpMessageResponse struct {
	Message string `json:"message"`
}

type validateResponse struct {
	Next        string          `json:"next"`
	AccountInfo json.RawMessage `json:"account_info"`
}

type loginResponse struct {
	AccessToken   string          `json:"access_token"`
	RefreshToken  string          `json:"refresh_token"`
	ResourceToken string          `json:"token_aws"`
	ExpiresIn     int             `json:"expires_in"`
	AccountInfo   json.RawMessage `json:"account_info"`
}

// CarrierSession drives the primary login protocol for one carrier account:
// fingerprint check, optional OTP cycle, correlation-id validation, final
// login. It owns that account's fingerprint and token state exclusively.
//
// All handshake steps run under the session mutex, so concurrent callers that
// both observe an expired token are serialized: one performs the handshake,
// the rest wake up, see a valid token, and return without spending an OTP.
type CarrierSession struct {
	cfg     *Config
	account AccountConfig
	client  httpDoer
	store   CredentialStore
	mailbox OTPMailbox
	logger  Logger

	mu          sync.Mutex
	fingerprint string
	// Set when the carrier signals a credential-level failure. Blocks
	// further login attempts until the fingerprint is renewed.
	fatalErr error
	// Correlation id the carrier issued for the current handshake attempt.
	handshakeID   string
	accessToken   string
	refreshToken  string
	resourceToken string
	expiresAt     time.Time
	accountInfo   json.RawMessage

	now func() time.Time
}

// NewCarrierSession builds a session for one account, loading any previously
// persisted fingerprint. Tokens are loaded lazily on the first Login.
func NewCarrierSession(cfg *Config, account AccountConfig, client httpDoer, store CredentialStore, mailbox OTPMailbox, logger Logger) *CarrierSession {
	if logger == nil {
		logger = NoopLogger{}
	}

	s := &CarrierSession{
		cfg:     cfg,
		account: account,
		client:  client,
		store:   store,
		mailbox: mailbox,
		logger:  PrefixLogger(logger, account.Username),
		now:     time.Now,
	}

	if creds, ok, err := store.Load(account.Username); err != nil {
		s.logger.Log("credential store read failed: %v", err)
	} else if ok && creds.Fingerprint != "" {
		s.fingerprint = creds.Fingerprint
		s.logger.Log("loaded persisted fingerprint %s…", shortFingerprint(creds.Fingerprint))
	}

	return s
}

func (s *CarrierSession) Account() string {
	return s.account.Username
}

// IsTokenValid reports whether the session can make API calls right now:
// resource token present and not past expiry. No I/O.
func (s *CarrierSession) IsTokenValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenValidLocked()
}

func (s *CarrierSession) tokenValidLocked() bool {
	return s.resourceToken != "" && s.now().Before(s.expiresAt)
}

// Login runs the full authentication flow, reusing persisted tokens when they
// are still valid. Returns true only when every required step succeeded.
func (s *CarrierSession) Login(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loginLocked(ctx)
}

func (s *CarrierSession) loginLocked(ctx context.Context) bool {
	// A concurrent caller may have completed the handshake while we waited
	// on the mutex.
	if s.tokenValidLocked() {
		return true
	}

	if s.loadStoredTokensLocked() {
		s.logger.Log("reusing stored tokens, valid until %s", s.expiresAt.Format(time.RFC3339))
		return true
	}

	if IsFatalError(s.fatalErr) {
		s.logger.Log("login blocked by earlier credential failure: %v", s.fatalErr)
		return false
	}

	ok, needsOTP := s.accessTask(ctx)
	if !ok {
		s.logger.Log("access task failed")
		return false
	}

	if needsOTP {
		s.logger.Log("fingerprint needs OTP validation")
		if err := s.completeOTPCycle(ctx); err != nil {
			switch {
			case errors.Is(err, ErrOTPRejected):
				s.logger.Log("carrier refused the OTP code")
			case errors.Is(err, ErrOTPTimeout):
				s.logger.Log("no OTP arrived within the wait window")
			default:
				s.logger.Log("OTP cycle failed: %v", err)
			}
			return false
		}
	} else {
		s.logger.Log("fingerprint already trusted, skipping OTP")
		s.persistFingerprintLocked()
	}

	if !s.validateHandshake(ctx) {
		return false
	}

	return s.finalLogin(ctx)
}

// loadStoredTokensLocked restores a persisted, still-valid token set.
func (s *CarrierSession) loadStoredTokensLocked() bool {
	creds, ok, err := s.store.Load(s.account.Username)
	if err != nil {
		s.logger.Log("credential store read failed: %v", err)
		return false
	}
	if !ok || !creds.HasValidTokens(s.now()) {
		return false
	}

	s.accessToken = creds.AccessToken
	s.refreshToken = creds.RefreshToken
	s.resourceToken = creds.ResourceToken
	s.expiresAt = creds.ExpiresAt
	s.accountInfo = creds.AccountInfo
	if creds.Fingerprint != "" {
		s.fingerprint = creds.Fingerprint
	}
	return true
}

// accessTask submits the fingerprint check. A transient failure here must not
// clear the fingerprint; only the carrier's explicit staleness signal does.
func (s *CarrierSession) accessTask(ctx context.Context) (ok, needsOTP bool) {
	if s.fingerprint == "" {
		s.fingerprint = generateFingerprint()
		s.logger.Log("generated new fingerprint %s…", shortFingerprint(s.fingerprint))
	}

	payload := map[string]string{
		"username":    s.account.Username,
		"fingerprint": s.fingerprint,
		"model":       s.account.Model,
	}

	resp, err := s.authRequest(ctx, http.MethodPost, "/access/task", payload)
	if err != nil || resp.StatusCode != http.StatusOK {
		s.logStepFailure("access task", resp, err)
		return false, true
	}

	var data accessTaskResponse
	if err := decodeJSON(resp.Body, &data); err != nil || data.UUID == "" {
		s.logger.Log("access task: unusable response: %v", err)
		return false, true
	}

	s.handshakeID = data.UUID
	needsOTP = true
	if data.OTP != nil {
		needsOTP = *data.OTP
	}
	s.logger.Log("access task ok, correlation %s, otp required: %v", data.UUID, needsOTP)
	return true, needsOTP
}

// completeOTPCycle requests an SMS code, waits for it, and validates it.
// Returns ErrOTPTimeout when no code arrives and ErrOTPRejected when the
// carrier refuses the submitted code.
func (s *CarrierSession) completeOTPCycle(ctx context.Context) error {
	if err := s.requestOTP(ctx); err != nil {
		return err
	}

	code, err := s.waitForOTP(ctx)
	if err != nil {
		return err
	}

	return s.validateOTP(ctx, code)
}

func (s *CarrierSession) requestOTP(ctx context.Context) error {
	payload := map[string]string{
		"uuid": s.handshakeID,
		"code": s.cfg.OTPDeviceCode,
	}

	resp, err := s.authRequest(ctx, http.MethodPost, "/otp", payload)
	if err != nil {
		s.logStepFailure("OTP request", nil, err)
		return err
	}
	if resp.StatusCode != http.StatusOK {
		s.logStepFailure("OTP request", resp, nil)
		return fmt.Errorf("OTP request: HTTP %d", resp.StatusCode)
	}

	var data otpMessageResponse
	if err := decodeJSON(resp.Body, &data); err == nil && data.Message != "OTP Generated" {
		// Proceed anyway; some carrier builds word this differently.
		s.logger.Log("unexpected OTP request response: %q", data.Message)
	}
	s.logger.Log("OTP requested, waiting for SMS")
	return nil
}

func (s *CarrierSession) waitForOTP(ctx context.Context) (string, error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.SMSWaitTimeout)
	defer cancel()
	return s.mailbox.WaitForCode(waitCtx, s.cfg.OTPMaxAge)
}

func (s *CarrierSession) validateOTP(ctx context.Context, code string) error {
	payload := map[string]string{
		"uuid": s.handshakeID,
		"otp":  code,
	}

	resp, err := s.authRequest(ctx, http.MethodPut, "/otp", payload)
	if err != nil {
		s.logStepFailure("OTP validation", nil, err)
		return err
	}
	if resp.StatusCode != http.StatusOK {
		s.logStepFailure("OTP validation", resp, nil)
		return ErrOTPRejected
	}

	var data otpMessageResponse
	if err := decodeJSON(resp.Body, &data); err != nil || data.Message != "OTP Validated" {
		return ErrOTPRejected
	}

	// The carrier now trusts this fingerprint; keep it for future logins.
	s.persistFingerprintLocked()
	s.logger.Log("OTP validated, fingerprint persisted")
	return nil
}

// validateHandshake confirms the correlation id is ready for login. A 406
// means the fingerprint is stale server-side: clear it so the next attempt
// runs a fresh OTP cycle instead of looping on the same rejection.
func (s *CarrierSession) validateHandshake(ctx context.Context) bool {
	resp, err := s.authRequest(ctx, http.MethodGet, "/auth/validate/"+s.handshakeID, nil)
	if err != nil {
		s.logStepFailure("correlation validation", resp, err)
		return false
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var data validateResponse
		if err := decodeJSON(resp.Body, &data); err != nil {
			s.logger.Log("correlation validation: %v", err)
			return false
		}
		if data.Next != "LOGIN" {
			s.logger.Log("correlation validation: unexpected next step %q", data.Next)
			return false
		}
		s.accountInfo = data.AccountInfo
		s.logger.Log("correlation validated, account: %s", accountFullName(data.AccountInfo))
		return true

	case http.StatusNotAcceptable:
		s.logger.Log("fingerprint no longer accepted by carrier, clearing")
		s.clearFingerprintLocked()
		return false

	default:
		s.logger.Log("correlation validation failed: HTTP %d", resp.StatusCode)
		return false
	}
}

// finalLogin exchanges the validated correlation id and password for tokens.
func (s *CarrierSession) finalLogin(ctx context.Context) bool {
	payload := map[string]string{
		"uuid":     s.handshakeID,
		"password": s.account.Password,
	}

	resp, err := s.authRequest(ctx, http.MethodPost, "/auth/login", payload)
	if err != nil || resp.StatusCode != http.StatusOK {
		s.logStepFailure("final login", resp, err)
		if resp != nil && resp.StatusCode != http.StatusOK {
			if cause := fmt.Errorf("final login: %s", resp.Body); ContainsFatalErrorString(cause) {
				// Wrong password or blocked account: repeating the same
				// handshake cannot succeed, so stop trying until an operator
				// renews the fingerprint.
				s.fatalErr = NewFatalError(cause)
				s.logger.Log("credential failure, logins suspended until fingerprint renewal")
			}
		}
		return false
	}

	var data loginResponse
	if err := decodeJSON(resp.Body, &data); err != nil {
		s.logger.Log("final login: %v", err)
		return false
	}
	if data.ResourceToken == "" {
		s.logger.Log("final login: no resource token in response")
		return false
	}

	s.accessToken = data.AccessToken
	s.refreshToken = data.RefreshToken
	s.resourceToken = data.ResourceToken
	s.expiresAt = tokenExpiry(data.ResourceToken, data.ExpiresIn, s.now(), s.cfg.TokenSafetyMargin)
	if len(data.AccountInfo) > 0 {
		s.accountInfo = data.AccountInfo
	}

	s.persistCredentialsLocked()
	s.logger.Log("login successful, token valid until %s", s.expiresAt.Format(time.RFC3339))
	return true
}

// Headers returns the API header set carrying the resource token (never the
// login access token), re-authenticating first when the token is invalid.
func (s *CarrierSession) Headers(ctx context.Context, destination string) (http.Header, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.tokenValidLocked() {
		s.logger.Log("token expired or missing, renewing")
		if !s.loginLocked(ctx) {
			return nil, false
		}
	}

	h := appHeaders(s.cfg, s.cfg.WalletBaseURL, s.cfg.AuthAPIKey)
	h.Set("Authorization", "Bearer "+s.resourceToken)
	if destination != "" {
		// Literal key: the carrier wants the lowercase wire form, Set would
		// canonicalize it.
		h["accountnumber"] = []string{destination}
	}
	return h, true
}

// ForceRefresh discards in-memory and persisted tokens, then re-authenticates.
// With a trusted fingerprint this is a cheap OTP-less renewal; if the carrier
// has invalidated the fingerprint it falls through to a full OTP cycle.
func (s *CarrierSession) ForceRefresh(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if IsFatalError(s.fatalErr) {
		s.logger.Log("refresh blocked by earlier credential failure: %v", s.fatalErr)
		return false
	}

	s.logger.Log("forcing token renewal")
	s.clearTokensLocked()

	if s.fingerprint == "" {
		s.logger.Log("no fingerprint, full OTP login required")
		return s.loginLocked(ctx)
	}

	return s.renewWithFingerprint(ctx)
}

// renewWithFingerprint runs the OTP-less renewal path, falling back to the
// OTP cycle when the carrier no longer trusts the fingerprint.
func (s *CarrierSession) renewWithFingerprint(ctx context.Context) bool {
	ok, needsOTP := s.accessTask(ctx)
	if !ok {
		return false
	}

	if needsOTP {
		s.logger.Log("fingerprint no longer trusted, completing OTP cycle")
		if err := s.completeOTPCycle(ctx); err != nil {
			s.logger.Log("OTP cycle failed: %v", err)
			return false
		}
	}

	if !s.validateHandshake(ctx) {
		return false
	}
	return s.finalLogin(ctx)
}

// ForceFingerprintRenewal drops the fingerprint and tokens unconditionally
// and runs a full OTP-bearing login.
func (s *CarrierSession) ForceFingerprintRenewal(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Log("forcing fingerprint renewal")
	s.fatalErr = nil
	s.clearFingerprintLocked()
	s.clearTokensLocked()
	return s.loginLocked(ctx)
}

// Status returns a read-only snapshot for health reporting.
func (s *CarrierSession) Status() AccountStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := AccountStatus{
		Username:       s.account.Username,
		HasFingerprint: s.fingerprint != "",
		HasToken:       s.resourceToken != "",
		TokenValid:     s.tokenValidLocked(),
		AccountName:    accountFullName(s.accountInfo),
	}
	if s.fingerprint != "" {
		st.Fingerprint = shortFingerprint(s.fingerprint) + "…"
	}
	if !s.expiresAt.IsZero() {
		st.TokenExpiresAt = s.expiresAt
	}
	return st
}

// =============================================================================
// internals
// =============================================================================

func (s *CarrierSession) authRequest(ctx context.Context, method, path string, payload any) (*apiResponse, error) {
	headers := appHeaders(s.cfg, s.cfg.AuthBaseURL, s.cfg.AuthAPIKey)
	return doJSON(ctx, s.client, s.logger, method, s.cfg.AuthBaseURL+path, headers, payload, s.cfg.MaxHTTPAttempts, s.cfg.HTTPRetryDelay)
}

func (s *CarrierSession) logStepFailure(step string, resp *apiResponse, err error) {
	if err != nil {
		s.logger.Log("%s failed: %v", step, err)
		return
	}
	if resp != nil {
		preview := string(resp.Body)
		if len(preview) > 200 {
			preview = preview[:200]
		}
		s.logger.Log("%s failed: HTTP %d %s", step, resp.StatusCode, preview)
	}
}

func (s *CarrierSession) persistFingerprintLocked() {
	creds, _, err := s.store.Load(s.account.Username)
	if err != nil {
		s.logger.Log("credential store read failed: %v", err)
		creds = AccountCredentials{}
	}
	creds.Fingerprint = s.fingerprint
	creds.FingerprintSavedAt = s.now()
	creds.Model = s.account.Model
	if err := s.store.Save(s.account.Username, creds); err != nil {
		s.logger.Log("persisting fingerprint failed: %v", err)
	}
}

func (s *CarrierSession) persistCredentialsLocked() {
	creds := AccountCredentials{
		Fingerprint:        s.fingerprint,
		FingerprintSavedAt: s.now(),
		Model:              s.account.Model,
		AccessToken:        s.accessToken,
		RefreshToken:       s.refreshToken,
		ResourceToken:      s.resourceToken,
		ExpiresAt:          s.expiresAt,
		AccountInfo:        s.accountInfo,
		SavedAt:            s.now(),
	}
	if err := s.store.Save(s.account.Username, creds); err != nil {
		s.logger.Log("persisting tokens failed: %v", err)
	}
}

func (s *CarrierSession) clearTokensLocked() {
	s.accessToken = ""
	s.refreshToken = ""
	s.resourceToken = ""
	s.expiresAt = time.Time{}
	if err := s.store.ClearTokens(s.account.Username); err != nil {
		s.logger.Log("clearing stored tokens failed: %v", err)
	}
}

func (s *CarrierSession) clearFingerprintLocked() {
	s.fingerprint = ""
	if err := s.store.ClearFingerprint(s.account.Username); err != nil {
		s.logger.Log("clearing stored fingerprint failed: %v", err)
	}
}

func generateFingerprint() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func shortFingerprint(fp string) string {
	if len(fp) > 8 {
		return fp[:8]
	}
	return fp
}

// tokenExpiry derives the moment we stop trusting a token: the carrier's
// expires_in hint minus a safety margin, or the token's own exp claim when
// the hint is missing.
func tokenExpiry(resourceToken string, expiresIn int, now time.Time, margin time.Duration) time.Time {
	if expiresIn > 0 {
		return now.Add(time.Duration(expiresIn)*time.Second - margin)
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(resourceToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time.Add(-margin)
		}
	}

	// No usable hint; assume the carrier's customary 6000 s window.
	return now.Add(6000*time.Second - margin)
}

// accountFullName extracts name.fullName from the carrier's account snapshot.
func accountFullName(info json.RawMessage) string {
	if len(info) == 0 {
		return ""
	}
	var parsed struct {
		Name struct {
			FullName string `json:"fullName"`
		} `json:"name"`
	}
	if err := json.Unmarshal(info, &parsed); err != nil {
		return ""
	}
	return parsed.Name.FullName
}
