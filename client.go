package recargas

import (
	tls_client "github.com/bogdanfinn/tls-client"
	"github.com/bogdanfinn/tls-client/profiles"
)

// DefaultProfile is the TLS profile used for carrier traffic. The Tigo Money
// app is a Dart/Flutter client, so the default hello imitates dart:io on
// Android rather than a browser.
var DefaultProfile = dartMobileProfile

// NewClient builds the HTTP client used for all carrier traffic.
// proxyURL may be empty for a direct connection.
func NewClient(logger tls_client.Logger, proxyURL string, timeoutSeconds int) (tls_client.HttpClient, error) {
	return NewClientWithProfile(logger, proxyURL, timeoutSeconds, DefaultProfile)
}

// NewClientWithProfile builds a carrier HTTP client with a specific TLS profile.
func NewClientWithProfile(logger tls_client.Logger, proxyURL string, timeoutSeconds int, profile profiles.ClientProfile) (tls_client.HttpClient, error) {
	if logger == nil {
		logger = tls_client.NewNoopLogger()
	}
	if timeoutSeconds <= 0 {
		timeoutSeconds = 120
	}

	jar := tls_client.NewCookieJar()
	options := []tls_client.HttpClientOption{
		tls_client.WithTimeoutSeconds(timeoutSeconds),
		tls_client.WithClientProfile(profile),
		tls_client.WithNotFollowRedirects(),
		tls_client.WithCookieJar(jar),
		// The carrier's middleware terminates TLS on hosts with
		// mismatched certificates.
		tls_client.WithInsecureSkipVerify(),
	}

	if proxyURL != "" {
		options = append(options, tls_client.WithProxyUrl(proxyURL))
	}

	return tls_client.NewHttpClient(logger, options...)
}
