package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/fdfe-tools/market-session/internal/log"
	"github.com/fdfe-tools/market-session/pkg/connector"
	"github.com/fdfe-tools/market-session/pkg/market"
	"github.com/fdfe-tools/market-session/pkg/protocol"
	"github.com/fdfe-tools/market-session/pkg/wire"
)

const (
	// DefaultTimeout bounds a single proxied query. It leaves room for the executor's retries.
	DefaultTimeout       = 2 * time.Minute
	proxyProtocolVersion = "market-http-proxy/1.0.0"
	protobufContentType  = "application/x-protobuf"
)

// Backend is what the proxy needs from a session.Session.
type Backend interface {
	connector.Requester
	Validate(ctx context.Context) bool
}

// Proxy exposes an HTTP API for querying the store through one authenticated session.
type Proxy struct {
	Timeout time.Duration

	backend Backend
	client  *market.Client
	logger  *log.Logger
	mux     *http.ServeMux
}

// New creates an http proxy that sends every query through backend.
func New(backend Backend, logger *log.Logger) *Proxy {
	p := &Proxy{
		Timeout: DefaultTimeout,
		backend: backend,
		client:  market.NewClient(backend, logger),
		logger:  logger,
		mux:     http.NewServeMux(),
	}
	p.mux.HandleFunc("GET /v1/details/{pkg}", p.handleDetails)
	p.mux.HandleFunc("GET /v1/reviews/{pkg}", p.handleReviews)
	p.mux.HandleFunc("GET /v1/browse", p.handleBrowse)
	p.mux.HandleFunc("GET /v1/validate", p.handleValidate)
	return p
}

// Response contains the proxy's JSON reply to a client request.
type Response struct {
	Response   interface{} `json:"response,omitempty"`
	Error      string      `json:"error,omitempty"`
	ErrDetails string      `json:"error_description,omitempty"`
}

type validateResponse struct {
	Valid bool `json:"valid"`
}

// statusForError maps a query failure onto the HTTP status returned to the client.
func statusForError(err error) int {
	var fatal *protocol.FatalAuthError
	var failure *protocol.RequestFailure
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &fatal):
		return http.StatusUnauthorized
	case errors.As(err, &failure):
		if failure.LastStatus == http.StatusFound {
			return http.StatusUnauthorized
		}
		return http.StatusBadGateway
	case errors.Is(err, market.ErrMissingPayload), errors.Is(err, protocol.ErrBadResponse):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (p *Proxy) writeJSON(w http.ResponseWriter, code int, reply *Response) {
	jsonBytes, err := json.Marshal(reply)
	if err != nil {
		p.logger.Error("Error serializing reply %+v: %s", reply, err)
		code = http.StatusInternalServerError
		jsonBytes = []byte("{\"error\": \"internal server error\"}")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	jsonBytes = append(jsonBytes, '\n')
	w.Write(jsonBytes)
}

func (p *Proxy) writeJSONError(w http.ResponseWriter, code int, err error) {
	reply := Response{Error: http.StatusText(code)}
	if err != nil {
		reply.ErrDetails = err.Error()
	}
	p.logger.Error("Returning error %s: %v", http.StatusText(code), err)
	p.writeJSON(w, code, &reply)
}

func (p *Proxy) writeMessage(w http.ResponseWriter, msg wire.Message) {
	w.Header().Set("Content-Type", protobufContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(msg)))
	w.WriteHeader(http.StatusOK)
	w.Write(msg)
}

func (p *Proxy) reply(w http.ResponseWriter, msg wire.Message, err error) {
	if err != nil {
		p.writeJSONError(w, statusForError(err), err)
		return
	}
	p.writeMessage(w, msg)
}

func optionalInt(req *http.Request, name string) (*int, error) {
	value := req.URL.Query().Get(name)
	if value == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return nil, fmt.Errorf("query parameter %s must be a non-negative integer", name)
	}
	return &n, nil
}

// reviewOptions reads market.ReviewOptions from the query string.
func reviewOptions(req *http.Request) (market.ReviewOptions, error) {
	var opts market.ReviewOptions
	var err error
	query := req.URL.Query()
	if s := query.Get("sort"); s != "" {
		if opts.Sort, err = market.ParseSort(s); err != nil {
			return opts, err
		}
	}
	if opts.NumResults, err = optionalInt(req, "n"); err != nil {
		return opts, err
	}
	if opts.Offset, err = optionalInt(req, "o"); err != nil {
		return opts, err
	}
	if f := query.Get("dfil"); f != "" {
		if opts.FilterByDevice, err = strconv.ParseBool(f); err != nil {
			return opts, fmt.Errorf("query parameter dfil must be a boolean")
		}
	}
	return opts, nil
}

func (p *Proxy) handleDetails(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), p.Timeout)
	defer cancel()
	msg, err := p.client.Details(ctx, req.PathValue("pkg"))
	p.reply(w, msg, err)
}

func (p *Proxy) handleReviews(w http.ResponseWriter, req *http.Request) {
	opts, err := reviewOptions(req)
	if err != nil {
		p.writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), p.Timeout)
	defer cancel()
	msg, err := p.client.Reviews(ctx, req.PathValue("pkg"), opts)
	p.reply(w, msg, err)
}

func (p *Proxy) handleBrowse(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), p.Timeout)
	defer cancel()
	msg, err := p.client.Browse(ctx)
	p.reply(w, msg, err)
}

func (p *Proxy) handleValidate(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), p.Timeout)
	defer cancel()
	p.writeJSON(w, http.StatusOK, &Response{Response: &validateResponse{Valid: p.backend.Validate(ctx)}})
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	p.logger.Info("Received %s request for %s", req.Method, req.URL.Path)
	w.Header().Set("Server", proxyProtocolVersion)
	p.mux.ServeHTTP(w, req)
}
