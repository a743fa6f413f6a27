package recargas

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

// OTPMailbox is the seam between the login state machines and whatever
// actually receives the carrier's SMS. WaitForCode blocks until a fresh
// 6-digit code arrives, the context expires, or maxAge excludes everything
// on offer. A returned code is consumed: a second call will not see it again.
type OTPMailbox interface {
	WaitForCode(ctx context.Context, maxAge time.Duration) (string, error)
}

// OTPRecord is one received code with its arrival time.
type OTPRecord struct {
	Code       string    `json:"code"`
	ReceivedAt time.Time `json:"received_at"`
}

// otpPatterns match the carrier's SMS wording, most specific first.
var otpPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(\d{6})\s+es\s+el\s+c[oó]digo`),
	regexp.MustCompile(`(?i)c[oó]digo[:\s]+(\d{6})`),
	regexp.MustCompile(`(?i)tu\s+c[oó]digo\s+es\s+(\d{6})`),
	regexp.MustCompile(`(?:^|[^\d])(\d{6})(?:[^\d]|$)`),
}

// ExtractOTP pulls a 6-digit verification code out of an SMS body.
// Returns "" when no code is found.
func ExtractOTP(text string) string {
	if text == "" {
		return ""
	}
	clean := strings.Join(strings.Fields(text), " ")
	for _, re := range otpPatterns {
		if m := re.FindStringSubmatch(clean); m != nil {
			return m[1]
		}
	}
	return ""
}

func validOTP(code string) bool {
	if len(code) != 6 {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// =============================================================================
// File mailbox
// =============================================================================

// FileMailbox reads codes from a two-line file (code, RFC3339 timestamp)
// written by the SMS receiver. The file lives on shared storage when receiver
// and API run on the same host.
type FileMailbox struct {
	path     string
	interval time.Duration
	mu       sync.Mutex
}

func NewFileMailbox(path string, interval time.Duration) *FileMailbox {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &FileMailbox{path: path, interval: interval}
}

// Record writes a received code, replacing any previous one.
func (m *FileMailbox) Record(code string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if dir := filepath.Dir(m.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	content := fmt.Sprintf("%s\n%s\n", code, at.Format(time.RFC3339))
	return os.WriteFile(m.path, []byte(content), 0o600)
}

// Peek returns the current record without consuming it.
func (m *FileMailbox) Peek() (OTPRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read()
}

// Consume removes the current record.
func (m *FileMailbox) Consume() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := os.Remove(m.path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

func (m *FileMailbox) read() (OTPRecord, bool) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return OTPRecord{}, false
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) < 2 {
		return OTPRecord{}, false
	}
	code := strings.TrimSpace(lines[0])
	at, err := time.Parse(time.RFC3339, strings.TrimSpace(lines[1]))
	if err != nil {
		return OTPRecord{}, false
	}
	return OTPRecord{Code: code, ReceivedAt: at}, true
}

// WaitForCode discards any leftover record, then polls until a fresh valid
// code arrives or the context ends.
func (m *FileMailbox) WaitForCode(ctx context.Context, maxAge time.Duration) (string, error) {
	// Stale leftovers from an earlier login attempt must not satisfy this one.
	_ = m.Consume()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ErrOTPTimeout
		case <-ticker.C:
		}

		m.mu.Lock()
		rec, ok := m.read()
		if ok && validOTP(rec.Code) && time.Since(rec.ReceivedAt) < maxAge {
			_ = os.Remove(m.path)
			m.mu.Unlock()
			return rec.Code, nil
		}
		m.mu.Unlock()
	}
}

// =============================================================================
// HTTP mailbox
// =============================================================================

// HTTPMailbox polls a remote SMS receiver over HTTP. Used when the SMS
// forwarder lands on a different host than the API.
type HTTPMailbox struct {
	client   *resty.Client
	interval time.Duration
}

func NewHTTPMailbox(baseURL string, interval time.Duration) *HTTPMailbox {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second)
	return &HTTPMailbox{client: client, interval: interval}
}

func (m *HTTPMailbox) WaitForCode(ctx context.Context, maxAge time.Duration) (string, error) {
	// Drop whatever the receiver is still holding from before this attempt.
	_, _ = m.client.R().SetContext(ctx).Delete("/otp/last")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ErrOTPTimeout
		case <-ticker.C:
		}

		var rec OTPRecord
		resp, err := m.client.R().
			SetContext(ctx).
			SetResult(&rec).
			Get("/otp/last")
		if err != nil || resp.StatusCode() != http.StatusOK {
			continue
		}

		if validOTP(rec.Code) && time.Since(rec.ReceivedAt) < maxAge {
			_, _ = m.client.R().SetContext(ctx).Delete("/otp/last")
			return rec.Code, nil
		}
	}
}
