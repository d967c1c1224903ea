// Package connector holds what the login and API transports share: the emulated device identity
// and HTTP client construction.
package connector

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/fdfe-tools/market-session/pkg/wire"
)

// DefaultUserAgent identifies the client as the Play Store app on a handset.
const DefaultUserAgent = "Android-Finsky/4.3.11 (api=3,versionCode=80230011,sdk=16,device=vanquish,hardware=qcom,product=XT926_verizon)"

// MaxResponseLength caps the maximum byte-length of responses that connectors must support.
const MaxResponseLength = 10000000

// DefaultTimeout bounds a single HTTP exchange.
const DefaultTimeout = 30 * time.Second

var ErrResponseTooLarge = errors.New("response exceeds maximum length")

// Defaults applied by [Device.WithDefaults].
const (
	DefaultLanguage              = "en_US"
	DefaultClientID              = "am-android-verizon"
	DefaultSmallestScreenWidthDp = 360
	DefaultFilterLevel           = 3
)

// Device describes the emulated handset presented to the backend.
type Device struct {
	ID                    string // X-DFE-Device-Id; the hex Android ID
	Language              string // Accept-Language, e.g. en_US
	ClientID              string
	UserAgent             string
	SmallestScreenWidthDp int
	FilterLevel           int
}

// WithDefaults fills in unset fields.
func (d Device) WithDefaults() Device {
	if d.Language == "" {
		d.Language = DefaultLanguage
	}
	if d.ClientID == "" {
		d.ClientID = DefaultClientID
	}
	if d.UserAgent == "" {
		d.UserAgent = DefaultUserAgent
	}
	if d.SmallestScreenWidthDp == 0 {
		d.SmallestScreenWidthDp = DefaultSmallestScreenWidthDp
	}
	if d.FilterLevel == 0 {
		d.FilterLevel = DefaultFilterLevel
	}
	return d
}

// Requester executes API requests addressed by path. A nil body issues a GET.
//
//go:generate mockgen -destination=../../mocks/requester.go -package=mocks github.com/fdfe-tools/market-session/pkg/connector Requester
type Requester interface {
	Execute(ctx context.Context, path string, body []byte) (*wire.Response, error)
}

// NewHTTPClient returns an http.Client for talking to the backend. Certificate verification is
// only skipped when insecureSkipVerify is set. When followRedirects is false the client returns
// 3xx responses to the caller instead of following them.
func NewHTTPClient(insecureSkipVerify, followRedirects bool, timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if insecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client := &http.Client{Transport: transport, Timeout: timeout}
	if !followRedirects {
		client.CheckRedirect = NoRedirects
	}
	return client
}

// NoRedirects is an http.Client CheckRedirect function that stops at the first response.
func NoRedirects(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

// ReadBody reads r until EOF, failing if it is longer than MaxResponseLength.
func ReadBody(r io.Reader) ([]byte, error) {
	reader := io.LimitedReader{R: r, N: MaxResponseLength + 1}
	body, err := io.ReadAll(&reader)
	if err != nil {
		return nil, err
	}
	if len(body) > MaxResponseLength {
		return nil, ErrResponseTooLarge
	}
	return body, nil
}
