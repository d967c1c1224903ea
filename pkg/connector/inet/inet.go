// Package inet sends authenticated requests to the fdfe API over HTTPS.
package inet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/fdfe-tools/market-session/internal/log"
	"github.com/fdfe-tools/market-session/pkg/connector"
	"github.com/fdfe-tools/market-session/pkg/credential"
	"github.com/fdfe-tools/market-session/pkg/prefetch"
	"github.com/fdfe-tools/market-session/pkg/protocol"
	"github.com/fdfe-tools/market-session/pkg/wire"
)

const (
	DefaultBaseURL = "https://android.clients.google.com/fdfe/"

	// DefaultBackoff is the flat delay between failed attempts.
	DefaultBackoff = 10 * time.Second

	// DefaultRetries is the attempt budget for ordinary data requests.
	DefaultRetries = 5

	postContentType = "application/x-www-form-urlencoded; charset=UTF-8"

	enabledExperiments     = "cl:billing.purchase_button_show_wallet_3d_icon"
	unsupportedExperiments = "nocache:dfe:dc:1,nocache:dfe:uc:US,buyer_currency,buyer_currency_in_app," +
		"checkin.set_asset_paid_app_field,cl:billing.purchase_button_show_wallet_icon," +
		"cl:billing.select_add_instrument_by_default,content_ratings,localized_images,market_emails," +
		"nocache:billing.use_charging_poller,nocache:billing.use_provisioning_poller," +
		"nocache:billing.use_provisioning_poller_inapp,nocache:billing.use_provisioning_poller_subs," +
		"nocache:cl:warm_welcome.disabled,nocache:enable_play_country,nocache:enable_tablet_large," +
		"nocache:encrypted_apk,nocache:recs:automated_weight_adjuster_36," +
		"nocache:recs:books_annotate_merch_collection_20130620_75," +
		"nocache:recs:movies_annotate_merch_collection_20130620_25,nocache:recs:weights_apps_20130219_00," +
		"nocache:recs:weights_books_20130219_00,nocache:recs:weights_movies_20130614_90," +
		"nocache:recs:weights_plusones_20130708_00,nocache:recs:weights_track_20130409_35," +
		"nocache:remove_plusone_annotation_control,nocache:use_gaia_mint_instead_of_checkout_auth_token," +
		"nocache:user_challenge,prod_locale_boost,recent_changes,recs:books_portrait_20121210_25,shekel_test"
)

// TokenSource supplies the bearer token. It is consulted on every attempt, so a token replaced
// mid-retry is picked up by the next attempt.
type TokenSource interface {
	Token() credential.Credential
}

// Config controls an Executor. Empty fields take their defaults, except Backoff, where zero
// means no delay.
type Config struct {
	BaseURL string
	Device  connector.Device
	Backoff time.Duration
	Timeout time.Duration
	Decoder wire.Decoder

	// InsecureSkipVerify disables TLS certificate verification, matching the network stack of
	// the emulated handset. Leave it off unless the endpoint requires it.
	InsecureSkipVerify bool

	// Transport replaces the HTTP transport, for example with a recording or mock transport.
	Transport http.RoundTripper
}

// Executor sends API requests with a bounded number of attempts and serves repeated GETs from a
// prefetch cache.
type Executor struct {
	baseURL string
	device  connector.Device
	backoff time.Duration
	decoder wire.Decoder
	client  *http.Client
	tokens  TokenSource
	cache   *prefetch.Cache
	logger  *log.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an Executor. Responses found in the prefetch entries of replies are
// stored in cache.
func NewExecutor(config Config, tokens TokenSource, cache *prefetch.Cache, logger *log.Logger) *Executor {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Decoder == nil {
		config.Decoder = wire.ProtoDecoder{}
	}
	if config.Timeout == 0 {
		config.Timeout = connector.DefaultTimeout
	}
	if cache == nil {
		cache = prefetch.New(0)
	}
	client := connector.NewHTTPClient(config.InsecureSkipVerify, false, config.Timeout)
	if config.Transport != nil {
		client.Transport = config.Transport
	}
	return &Executor{
		baseURL: config.BaseURL,
		device:  config.Device.WithDefaults(),
		backoff: config.Backoff,
		decoder: config.Decoder,
		client:  client,
		tokens:  tokens,
		cache:   cache,
		logger:  logger,
		sleep:   sleepContext,
	}
}

// Client exposes the underlying http.Client so that tests can install a mock transport.
func (e *Executor) Client() *http.Client {
	return e.client
}

// Cache returns the prefetch cache used by e.
func (e *Executor) Cache() *prefetch.Cache {
	return e.cache
}

// URL returns the absolute URL for path.
func (e *Executor) URL(path string) string {
	return e.baseURL + path
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Headers returns the header set sent with every API request. Content-Type is only included
// when the request has a body.
func Headers(token credential.Credential, device connector.Device, hasBody bool) http.Header {
	device = device.WithDefaults()
	h := http.Header{}
	h.Set("Accept-Language", device.Language)
	h.Set("Authorization", "GoogleLogin auth="+string(token))
	h.Set("X-DFE-Enabled-Experiments", enabledExperiments)
	h.Set("X-DFE-Unsupported-Experiments", unsupportedExperiments)
	h.Set("X-DFE-Device-Id", device.ID)
	h.Set("X-DFE-Client-Id", device.ClientID)
	h.Set("User-Agent", device.UserAgent)
	h.Set("X-DFE-SmallestScreenWidthDp", strconv.Itoa(device.SmallestScreenWidthDp))
	h.Set("X-DFE-Filter-Level", strconv.Itoa(device.FilterLevel))
	if hasBody {
		h.Set("Content-Type", postContentType)
	}
	return h
}

func (e *Executor) token() credential.Credential {
	if e.tokens == nil {
		return ""
	}
	return e.tokens.Token()
}

// send performs one HTTP exchange. It returns the status code (zero if none was received) and
// the body of a 200 reply.
func (e *Executor) send(ctx context.Context, url string, body []byte) (int, []byte, error) {
	method := http.MethodGet
	var reader io.Reader
	if body != nil {
		method = http.MethodPost
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("error constructing request to %s: %w", url, err)
	}
	request.Header = Headers(e.token(), e.device, body != nil)

	response, err := e.client.Do(request)
	if err != nil {
		return 0, nil, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return response.StatusCode, nil, &protocol.HttpError{Code: response.StatusCode}
	}
	data, err := connector.ReadBody(response.Body)
	if err != nil {
		return response.StatusCode, nil, fmt.Errorf("error reading response: %w", err)
	}
	return response.StatusCode, data, nil
}

// Execute requests path, making at most maxRetries attempts (values below one count as one).
//
// A GET (nil body) for a path that was delivered as a prefetch entry is answered from the cache
// without a network call. A 302 reply is treated as a rejected token and retried immediately;
// every other failure waits for the backoff interval before the next attempt.
func (e *Executor) Execute(ctx context.Context, path string, body []byte, maxRetries int) (*wire.Response, error) {
	url := e.URL(path)
	e.logger.Info("CALLING %s", url)

	if body == nil {
		if rsp, ok := e.cache.Get(path); ok {
			e.logger.Info("PREFETCH found for %s", url)
			return rsp, nil
		}
	}

	if maxRetries < 1 {
		maxRetries = 1
	}

	var (
		data       []byte
		lastStatus int
		lastErr    error
		attempt    int
	)
	for attempt = 1; attempt <= maxRetries; attempt++ {
		var status int
		status, data, lastErr = e.send(ctx, url, body)
		lastStatus = status
		if lastErr == nil {
			break
		}

		if ctx.Err() != nil {
			e.logger.Error("Request to %s abandoned on try %d: %s", url, attempt, ctx.Err())
			return nil, &protocol.RequestFailure{Path: path, Attempts: attempt, LastStatus: status, Err: ctx.Err()}
		}

		last := attempt == maxRetries
		var httpErr *protocol.HttpError
		if errors.As(lastErr, &httpErr) && httpErr.AuthRedirect() {
			e.logger.Error("ERROR %d: Auth error? HTTP request to %s returned error on try %d", status, url, attempt)
			continue
		}
		if last {
			e.logger.Error("ERROR %d: HTTP request to %s returned error on try %d: %s", status, url, attempt, lastErr)
			continue
		}
		e.logger.Error("ERROR %d: HTTP request to %s returned error on try %d, sleeping for %s: %s", status, url, attempt, e.backoff, lastErr)
		if err := e.sleep(ctx, e.backoff); err != nil {
			return nil, &protocol.RequestFailure{Path: path, Attempts: attempt, LastStatus: status, Err: err}
		}
	}
	if lastErr != nil {
		e.logger.Error("Giving up on %s after %d attempt(s)", url, maxRetries)
		return nil, &protocol.RequestFailure{Path: path, Attempts: maxRetries, LastStatus: lastStatus, Err: lastErr}
	}

	rsp, err := e.decoder.Decode(data)
	if err != nil {
		e.logger.Error("Could not decode %d byte response from %s: %s", len(data), url, err)
		return nil, &protocol.RequestFailure{
			Path:       path,
			Attempts:   attempt,
			LastStatus: lastStatus,
			Err:        fmt.Errorf("%w: %w", protocol.ErrBadResponse, err),
		}
	}
	e.handleCommands(url, rsp.Commands)
	for _, key := range e.cache.Drain(rsp) {
		e.logger.Debug("Stored prefetch entry for %s", key)
	}
	return rsp, nil
}

func (e *Executor) handleCommands(url string, commands wire.ServerCommands) {
	if commands.ClearCache {
		e.logger.Info("Server requested cache clear after %s", url)
		e.cache.Purge()
	}
	if commands.DisplayErrorMessage != "" {
		e.logger.Error("Server message for %s: %s", url, commands.DisplayErrorMessage)
	}
	if commands.LogErrorStacktrace != "" {
		e.logger.Debug("Server stacktrace for %s: %s", url, commands.LogErrorStacktrace)
	}
}
