package recargas

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// AccountConfig holds the static credentials for one carrier account.
// Parsed from the environment as "phone:password:device model".
type AccountConfig struct {
	Username string
	Password string
	Model    string
}

// UnmarshalText implements encoding.TextUnmarshaler so account lists can be
// parsed directly by the env package. The device model may contain colons.
func (a *AccountConfig) UnmarshalText(text []byte) error {
	parts := strings.SplitN(strings.TrimSpace(string(text)), ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("account entry %q: want phone:password[:model]", string(text))
	}
	a.Username = parts[0]
	a.Password = parts[1]
	if len(parts) == 3 {
		a.Model = parts[2]
	} else {
		a.Model = "iPhone"
	}
	return nil
}

// Config holds all runtime configuration. Loaded once at startup and passed
// to components by reference; nothing reads the environment after Load.
type Config struct {
	// Carrier accounts, e.g. "0981111111:pass1:iPhone 15 Pro;0982222222:pass2:Galaxy S24"
	Accounts []AccountConfig `env:"TIGO_ACCOUNTS,required" envSeparator:";"`

	// Primary auth protocol.
	AuthBaseURL   string `env:"TIGO_AUTH_URL" envDefault:"https://auth.api.py-tigomoney.io"`
	AuthAPIKey    string `env:"TIGO_AUTH_API_KEY,required"`
	OTPDeviceCode string `env:"TIGO_OTP_DEVICE_CODE,required"`

	// Wallet (package/order) API.
	WalletBaseURL     string `env:"TIGO_WALLET_URL" envDefault:"https://nwallet.py.tigomoney.io"`
	WalletAPIKey      string `env:"TIGO_WALLET_API_KEY,required"`
	PaymentCustomerID string `env:"TIGO_PAYMENT_CUSTOMER_ID,required"`

	// Legacy auth protocol (fallback).
	IdentityBaseURL string `env:"TIGO_IDENTITY_URL" envDefault:"https://py-prod-identity-backend.py.tigomoney.io"`
	IdentityAPIKey  string `env:"TIGO_IDENTITY_API_KEY"`
	LegacyOTPAPIKey string `env:"TIGO_LEGACY_OTP_API_KEY"`

	// App identity headers the carrier expects on every call.
	AppNamespace string `env:"TIGO_APP_NAMESPACE" envDefault:"com.juvo.tigomoney"`
	AppBuild     string `env:"TIGO_APP_BUILD" envDefault:"82000060"`
	AppVersion   string `env:"TIGO_APP_VERSION" envDefault:"8.2.0"`
	UserAgent    string `env:"TIGO_USER_AGENT" envDefault:"Dart/3.7 (dart:io)"`

	// Network. ProxyFile points to a list of proxies, one per line; when set
	// it takes precedence over the single ProxyURL.
	ProxyURL        string        `env:"PROXY_URL"`
	ProxyFile       string        `env:"PROXY_FILE"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"120s"`
	MaxHTTPAttempts int           `env:"MAX_HTTP_ATTEMPTS" envDefault:"3"`
	HTTPRetryDelay  time.Duration `env:"HTTP_RETRY_DELAY" envDefault:"2s"`

	// OTP delivery.
	SMSWaitTimeout   time.Duration `env:"SMS_WAIT_TIMEOUT" envDefault:"180s"`
	SMSCheckInterval time.Duration `env:"SMS_CHECK_INTERVAL" envDefault:"2s"`
	OTPMaxAge        time.Duration `env:"OTP_MAX_AGE" envDefault:"5m"`
	OTPFile          string        `env:"OTP_FILE" envDefault:"data/last_otp.txt"`
	SMSReceiverURL   string        `env:"SMS_RECEIVER_URL"`

	// Tokens.
	TokenSafetyMargin time.Duration `env:"TOKEN_SAFETY_MARGIN" envDefault:"5m"`

	// Orders.
	OrderCooldown      time.Duration `env:"ORDER_COOLDOWN" envDefault:"65s"`
	OrderCheckInterval time.Duration `env:"ORDER_CHECK_INTERVAL" envDefault:"4s"`
	MaxOrderAttempts   int           `env:"MAX_ORDER_ATTEMPTS" envDefault:"10"`
	OrderTrackingTime  time.Duration `env:"ORDER_TRACKING_TIME" envDefault:"45s"`
	OrderEvictHorizon  time.Duration `env:"ORDER_EVICT_HORIZON" envDefault:"5m"`

	// Session manager.
	InitRetryDelay time.Duration `env:"INIT_RETRY_DELAY" envDefault:"10m"`

	// Persistence. RedisURL switches the credential store from the JSON file
	// to Redis.
	CredentialsFile string `env:"CREDENTIALS_FILE" envDefault:"data/credentials.json"`
	RedisURL        string `env:"REDIS_URL"`

	// Servers.
	ListenAddr        string `env:"LISTEN_ADDR" envDefault:":5000"`
	SMSListenAddr     string `env:"SMS_LISTEN_ADDR" envDefault:":5002"`
	SharedBearerToken string `env:"SHARED_BEARER_TOKEN,required"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// LoadConfig reads .env (if present) and parses the environment.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if len(cfg.Accounts) == 0 {
		return nil, fmt.Errorf("config: TIGO_ACCOUNTS is empty")
	}
	return cfg, nil
}

// Account returns the configuration for a given phone number.
func (c *Config) Account(username string) (AccountConfig, bool) {
	for _, a := range c.Accounts {
		if a.Username == username {
			return a, true
		}
	}
	return AccountConfig{}, false
}
