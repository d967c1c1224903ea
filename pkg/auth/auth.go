// Package auth exchanges account credentials for a bearer token.
package auth

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/fdfe-tools/market-session/internal/log"
	"github.com/fdfe-tools/market-session/pkg/connector"
	"github.com/fdfe-tools/market-session/pkg/credential"
	"github.com/fdfe-tools/market-session/pkg/protocol"
)

const (
	DefaultLoginURL = "https://www.google.com/accounts/ClientLogin"
	DefaultService  = "androidmarket"
)

// Account types accepted by the login endpoint.
const (
	AccountTypeGoogle         = "GOOGLE"
	AccountTypeHosted         = "HOSTED"
	AccountTypeHostedOrGoogle = "HOSTED_OR_GOOGLE"
)

// Authenticator obtains a new Credential.
//
//go:generate mockgen -destination=../../mocks/authenticator.go -package=mocks github.com/fdfe-tools/market-session/pkg/auth Authenticator
type Authenticator interface {
	Login(ctx context.Context, email, password string) (credential.Credential, error)
}

// Config controls how ClientLogin contacts the login endpoint.
type Config struct {
	URL         string
	Service     string
	AccountType string
	UserAgent   string

	// InsecureSkipVerify disables TLS certificate verification, matching the network stack of
	// the emulated handset. Leave it off unless the endpoint requires it.
	InsecureSkipVerify bool
}

// ClientLogin implements Authenticator with a single form POST.
type ClientLogin struct {
	config Config
	client *http.Client
	logger *log.Logger
}

// New returns a ClientLogin. Empty Config fields take their defaults.
func New(config Config, logger *log.Logger) *ClientLogin {
	if config.URL == "" {
		config.URL = DefaultLoginURL
	}
	if config.Service == "" {
		config.Service = DefaultService
	}
	if config.AccountType == "" {
		config.AccountType = AccountTypeGoogle
	}
	if config.UserAgent == "" {
		config.UserAgent = connector.DefaultUserAgent
	}
	return &ClientLogin{
		config: config,
		client: connector.NewHTTPClient(config.InsecureSkipVerify, true, connector.DefaultTimeout),
		logger: logger,
	}
}

// Client exposes the underlying http.Client so that tests can install a mock transport.
func (c *ClientLogin) Client() *http.Client {
	return c.client
}

// Login posts email and password to the login endpoint and returns the Auth value of the
// reply. It makes exactly one attempt.
func (c *ClientLogin) Login(ctx context.Context, email, password string) (credential.Credential, error) {
	if email == "" || password == "" {
		return "", &protocol.AuthFailure{Reason: "missing email or password", Err: protocol.ErrNoCredentials}
	}
	form := url.Values{
		"Email":       {email},
		"Passwd":      {password},
		"service":     {c.config.Service},
		"accountType": {c.config.AccountType},
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", &protocol.AuthFailure{Reason: "error constructing login request", Err: err}
	}
	request.Header.Set("User-Agent", c.config.UserAgent)
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	request.Header.Set("Accept-Charset", "ISO-8859-1,utf-8;q=0.7,*;q=0.7")

	c.logger.Info("Logging in as %s", email)
	response, err := c.client.Do(request)
	if err != nil {
		c.logger.Error("Login request failed: %s", err)
		return "", &protocol.AuthFailure{Reason: "transport error", Err: err}
	}
	defer response.Body.Close()

	body, err := connector.ReadBody(response.Body)
	if err != nil {
		c.logger.Error("Error reading login response: %s", err)
		return "", &protocol.AuthFailure{Reason: "error reading response", Err: err}
	}
	fields, err := ParseResponse(bytes.NewReader(body))
	if err != nil {
		return "", &protocol.AuthFailure{Reason: "error parsing response", Err: err}
	}
	token := credential.Credential(fields["Auth"])
	if token.IsZero() {
		reason := "no Auth line in response"
		if msg, ok := fields["Error"]; ok {
			reason = fmt.Sprintf("server returned Error=%s", msg)
		}
		var cause error
		if response.StatusCode != http.StatusOK {
			cause = &protocol.HttpError{Code: response.StatusCode}
		}
		c.logger.Error("Login failed (status %d): %s", response.StatusCode, reason)
		return "", &protocol.AuthFailure{Reason: reason, Err: cause}
	}
	c.logger.Info("Login successful")
	return token, nil
}

var errLineTooLong = errors.New("login response line too long")

// ParseResponse reads newline-delimited key=value pairs. Lines without '=' are ignored; later
// keys replace earlier ones.
func ParseResponse(r io.Reader) (map[string]string, error) {
	fields := make(map[string]string)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		fields[key] = value
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, errLineTooLong
		}
		return nil, err
	}
	return fields, nil
}
