package recargas

import (
	"context"
	"net/url"
	"strconv"
	"sync"
	"time"

	http "github.com/bogdanfinn/fhttp"
	"github.com/google/uuid"
)

// LegacySession drives the older identity-service login flow. It has no
// fingerprint concept: every login runs a full OTP cycle, so it is only used
// as a fallback when the primary protocol is unavailable for an account.
type LegacySession struct {
	cfg     *Config
	account AccountConfig
	client  httpDoer
	mailbox OTPMailbox
	logger  Logger

	mu            sync.Mutex
	resourceToken string
	expiresAt     time.Time

	now func() time.Time
}

func NewLegacySession(cfg *Config, account AccountConfig, client httpDoer, mailbox OTPMailbox, logger Logger) *LegacySession {
	if logger == nil {
		logger = NoopLogger{}
	}
	return &LegacySession{
		cfg:     cfg,
		account: account,
		client:  client,
		mailbox: mailbox,
		logger:  PrefixLogger(logger, account.Username+" legacy"),
		now:     time.Now,
	}
}

func (s *LegacySession) Account() string {
	return s.account.Username
}

func (s *LegacySession) IsTokenValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenValidLocked()
}

func (s *LegacySession) tokenValidLocked() bool {
	return s.resourceToken != "" && s.now().Before(s.expiresAt)
}

// Login runs the legacy flow: identity validation, OTP request against the
// wallet service, SMS wait, OTP verification, then device login.
func (s *LegacySession) Login(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loginLocked(ctx)
}

func (s *LegacySession) loginLocked(ctx context.Context) bool {
	if s.tokenValidLocked() {
		return true
	}

	sessionID, ok := s.validateIdentity(ctx)
	if !ok {
		return false
	}

	if !s.requestOTP(ctx) {
		return false
	}

	code, err := s.waitForOTP(ctx)
	if err != nil {
		s.logger.Log("no OTP received: %v", err)
		return false
	}

	if !s.verifyOTP(ctx, code) {
		return false
	}

	return s.loginWithDevice(ctx, sessionID)
}

// validateIdentity asks the identity service for a session id keyed on the
// phone number.
func (s *LegacySession) validateIdentity(ctx context.Context) (string, bool) {
	headers := appHeaders(s.cfg, s.cfg.IdentityBaseURL, s.cfg.IdentityAPIKey)
	resp, err := doJSON(ctx, s.client, s.logger, http.MethodGet,
		s.cfg.IdentityBaseURL+"/auth/validation/"+s.account.Username,
		headers, nil, s.cfg.MaxHTTPAttempts, s.cfg.HTTPRetryDelay)
	if err != nil || resp.StatusCode != http.StatusOK {
		s.logger.Log("identity validation failed: %v (HTTP %s)", err, statusOf(resp))
		return "", false
	}

	var data struct {
		UUID string `json:"uuid"`
	}
	if err := decodeJSON(resp.Body, &data); err != nil || data.UUID == "" {
		s.logger.Log("identity validation: unusable response: %v", err)
		return "", false
	}
	s.logger.Log("identity validated, session %s", data.UUID)
	return data.UUID, true
}

func (s *LegacySession) requestOTP(ctx context.Context) bool {
	payload := map[string]string{
		"phone":      "+" + s.account.Username,
		"userName":   "Test2",
		"chanel":     "phone",
		"deviceCode": s.cfg.OTPDeviceCode,
		"otpType":    "registro",
		"otp_length": "6",
	}

	headers := appHeaders(s.cfg, s.cfg.WalletBaseURL, s.cfg.LegacyOTPAPIKey)
	resp, err := doJSON(ctx, s.client, s.logger, http.MethodPost,
		s.cfg.WalletBaseURL+"/utilities/v1-0-0-0/utils/otp",
		headers, payload, s.cfg.MaxHTTPAttempts, s.cfg.HTTPRetryDelay)
	if err != nil || resp.StatusCode != http.StatusOK {
		s.logger.Log("OTP request failed: %v (HTTP %s)", err, statusOf(resp))
		return false
	}
	s.logger.Log("OTP requested, waiting for SMS")
	return true
}

func (s *LegacySession) waitForOTP(ctx context.Context) (string, error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.SMSWaitTimeout)
	defer cancel()
	return s.mailbox.WaitForCode(waitCtx, s.cfg.OTPMaxAge)
}

func (s *LegacySession) verifyOTP(ctx context.Context, code string) bool {
	q := url.Values{}
	q.Set("otp", code)
	q.Set("phone", "+"+s.account.Username)
	q.Set("channel", "phone")

	headers := appHeaders(s.cfg, s.cfg.WalletBaseURL, s.cfg.LegacyOTPAPIKey)
	resp, err := doJSON(ctx, s.client, s.logger, http.MethodGet,
		s.cfg.WalletBaseURL+"/utilities/v1-0-0-0/utils/otp?"+q.Encode(),
		headers, nil, s.cfg.MaxHTTPAttempts, s.cfg.HTTPRetryDelay)
	if err != nil || resp.StatusCode != http.StatusOK {
		s.logger.Log("OTP verification failed: %v (HTTP %s)", err, statusOf(resp))
		return false
	}

	var data struct {
		ValidCode bool `json:"validCode"`
	}
	if err := decodeJSON(resp.Body, &data); err != nil || !data.ValidCode {
		s.logger.Log("carrier rejected OTP code")
		return false
	}
	s.logger.Log("OTP verified")
	return true
}

// loginWithDevice finishes the legacy flow. Some carrier builds return the
// resource token as token_aws and others as access_token; accept either.
func (s *LegacySession) loginWithDevice(ctx context.Context, sessionID string) bool {
	payload := map[string]string{
		"username": s.account.Username,
		"password": s.account.Password,
		"uuid":     sessionID,
		"imei":     uuid.NewString(),
		"model":    s.account.Model,
	}

	headers := appHeaders(s.cfg, s.cfg.IdentityBaseURL, s.cfg.IdentityAPIKey)
	resp, err := doJSON(ctx, s.client, s.logger, http.MethodPost,
		s.cfg.IdentityBaseURL+"/auth/loginWithDevice",
		headers, payload, s.cfg.MaxHTTPAttempts, s.cfg.HTTPRetryDelay)
	if err != nil || resp.StatusCode != http.StatusOK {
		s.logger.Log("device login failed: %v (HTTP %s)", err, statusOf(resp))
		return false
	}

	var data struct {
		ResourceToken string `json:"token_aws"`
		AccessToken   string `json:"access_token"`
		ExpiresIn     int    `json:"expires_in"`
	}
	if err := decodeJSON(resp.Body, &data); err != nil {
		s.logger.Log("device login: %v", err)
		return false
	}

	token := data.ResourceToken
	if token == "" {
		token = data.AccessToken
	}
	if token == "" {
		s.logger.Log("device login: no token in response")
		return false
	}

	s.resourceToken = token
	s.expiresAt = tokenExpiry(token, data.ExpiresIn, s.now(), s.cfg.TokenSafetyMargin)
	s.logger.Log("legacy login successful, token valid until %s", s.expiresAt.Format(time.RFC3339))
	return true
}

// Headers returns API headers for the wallet service using the legacy token.
func (s *LegacySession) Headers(ctx context.Context, destination string) (http.Header, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.tokenValidLocked() {
		s.logger.Log("token expired or missing, renewing")
		if !s.loginLocked(ctx) {
			return nil, false
		}
	}

	h := appHeaders(s.cfg, s.cfg.WalletBaseURL, s.cfg.WalletAPIKey)
	h.Set("Authorization", "Bearer "+s.resourceToken)
	if destination != "" {
		h["accountnumber"] = []string{destination}
	}
	return h, true
}

func (s *LegacySession) Status() AccountStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := AccountStatus{
		Username:   s.account.Username,
		HasToken:   s.resourceToken != "",
		TokenValid: s.tokenValidLocked(),
	}
	if !s.expiresAt.IsZero() {
		st.TokenExpiresAt = s.expiresAt
	}
	return st
}

func (s *LegacySession) ForceRefresh(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.resourceToken = ""
	s.expiresAt = time.Time{}
	return s.loginLocked(ctx)
}

// statusOf formats a response status for log lines where the response may be
// nil because the transport failed.
func statusOf(resp *apiResponse) string {
	if resp == nil {
		return "-"
	}
	return strconv.Itoa(resp.StatusCode)
}
