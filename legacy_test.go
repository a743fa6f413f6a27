package recargas

import (
	"context"
	"testing"
	"time"

	http "github.com/bogdanfinn/fhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// legacyFlowHandler scripts the full fallback login: identity validation,
// wallet OTP request and verification, device login.
func legacyFlowHandler(tokenField string) func(req *http.Request) (*http.Response, error) {
	return func(req *http.Request) (*http.Response, error) {
		switch {
		case req.Method == http.MethodGet && req.URL.Path == "/auth/validation/0981111111":
			return jsonResponse(200, `{"uuid":"legacy-1"}`), nil
		case req.Method == http.MethodPost && req.URL.Path == "/utilities/v1-0-0-0/utils/otp":
			return jsonResponse(200, `{"message":"sent"}`), nil
		case req.Method == http.MethodGet && req.URL.Path == "/utilities/v1-0-0-0/utils/otp":
			return jsonResponse(200, `{"validCode":true}`), nil
		case req.Method == http.MethodPost && req.URL.Path == "/auth/loginWithDevice":
			return jsonResponse(200, `{"`+tokenField+`":"legacy-token","expires_in":3600}`), nil
		default:
			return jsonResponse(404, `{}`), nil
		}
	}
}

func newLegacySessionForTest(cfg *Config, client *fakeClient, mailbox OTPMailbox) *LegacySession {
	return NewLegacySession(cfg, cfg.Accounts[0], client, mailbox, NoopLogger{})
}

func TestLegacyLoginFlow(t *testing.T) {
	cfg := testConfig()
	client := &fakeClient{handler: legacyFlowHandler("token_aws")}
	mailbox := &fakeMailbox{code: "186976"}

	s := newLegacySessionForTest(cfg, client, mailbox)
	require.True(t, s.Login(context.Background()))
	assert.True(t, s.IsTokenValid())
	assert.Equal(t, 1, mailbox.waitCount())

	h, ok := s.Headers(context.Background(), "0983333333")
	require.True(t, ok)
	assert.Equal(t, "Bearer legacy-token", h.Get("Authorization"))
	assert.Equal(t, []string{cfg.WalletAPIKey}, h["x-api-key"])
}

func TestLegacyLoginAcceptsAccessToken(t *testing.T) {
	cfg := testConfig()
	client := &fakeClient{handler: legacyFlowHandler("access_token")}

	s := newLegacySessionForTest(cfg, client, &fakeMailbox{code: "186976"})
	require.True(t, s.Login(context.Background()))
	assert.True(t, s.IsTokenValid())
}

func TestLegacyLoginStopsOnRejectedOTP(t *testing.T) {
	cfg := testConfig()
	client := &fakeClient{handler: func(req *http.Request) (*http.Response, error) {
		switch {
		case req.URL.Path == "/auth/validation/0981111111":
			return jsonResponse(200, `{"uuid":"legacy-1"}`), nil
		case req.Method == http.MethodPost && req.URL.Path == "/utilities/v1-0-0-0/utils/otp":
			return jsonResponse(200, `{}`), nil
		case req.Method == http.MethodGet && req.URL.Path == "/utilities/v1-0-0-0/utils/otp":
			return jsonResponse(200, `{"validCode":false}`), nil
		default:
			return jsonResponse(404, `{}`), nil
		}
	}}

	s := newLegacySessionForTest(cfg, client, &fakeMailbox{code: "186976"})
	require.False(t, s.Login(context.Background()))
	assert.False(t, s.IsTokenValid())
	assert.False(t, client.called("loginWithDevice"))
}

func TestLegacyLoginEveryRefreshRunsFullFlow(t *testing.T) {
	cfg := testConfig()
	client := &fakeClient{handler: legacyFlowHandler("token_aws")}
	mailbox := &fakeMailbox{code: "186976"}

	s := newLegacySessionForTest(cfg, client, mailbox)
	require.True(t, s.Login(context.Background()))
	require.True(t, s.ForceRefresh(context.Background()))

	// No fingerprint shortcut exists: each refresh costs an OTP.
	assert.Equal(t, 2, mailbox.waitCount())
}

func TestLegacyTokenExpiry(t *testing.T) {
	cfg := testConfig()
	client := &fakeClient{handler: legacyFlowHandler("token_aws")}

	s := newLegacySessionForTest(cfg, client, &fakeMailbox{code: "186976"})

	base := time.Now()
	current := base
	s.now = func() time.Time { return current }

	require.True(t, s.Login(context.Background()))
	assert.True(t, s.IsTokenValid())

	current = base.Add(3600*time.Second - cfg.TokenSafetyMargin + time.Second)
	assert.False(t, s.IsTokenValid())
}
