package inet

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/jarcoal/httpmock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/fdfe-tools/market-session/internal/log"
	"github.com/fdfe-tools/market-session/pkg/connector"
	"github.com/fdfe-tools/market-session/pkg/credential"
	"github.com/fdfe-tools/market-session/pkg/prefetch"
	"github.com/fdfe-tools/market-session/pkg/protocol"
	"github.com/fdfe-tools/market-session/pkg/wire"
)

type staticToken credential.Credential

func (s staticToken) Token() credential.Credential {
	return credential.Credential(s)
}

func detailsResponse(doc string) *wire.Response {
	return &wire.Response{Payload: wire.NewMessage(wire.PayloadDetailsResponse, []byte(doc))}
}

func bodyResponder(rsp *wire.Response) httpmock.Responder {
	return httpmock.NewBytesResponder(http.StatusOK, rsp.Marshal())
}

// sequence replies with each status in turn; a zero status replies 200 with body.
func sequence(body []byte, statuses ...int) httpmock.Responder {
	call := 0
	return func(*http.Request) (*http.Response, error) {
		status := statuses[len(statuses)-1]
		if call < len(statuses) {
			status = statuses[call]
		}
		call++
		if status == 0 {
			return httpmock.NewBytesResponse(http.StatusOK, body), nil
		}
		return httpmock.NewStringResponse(status, ""), nil
	}
}

var _ = Describe("Executor", func() {
	var (
		executor  *Executor
		transport *httpmock.MockTransport
		sleeps    []time.Duration
		ctx       context.Context
	)

	const (
		reviewsPath = "rev?doc=com.example.app&sort=0"
		detailsPath = "details?doc=com.example.app"
	)

	BeforeEach(func() {
		ctx = context.Background()
		sleeps = nil
		executor = NewExecutor(Config{
			Backoff: DefaultBackoff,
			Device:  connector.Device{ID: "3a2b1c", Language: "en_US"},
		}, staticToken("abc123"), prefetch.New(0), log.Discard())
		transport = httpmock.NewMockTransport()
		executor.Client().Transport = transport
		executor.sleep = func(_ context.Context, d time.Duration) error {
			sleeps = append(sleeps, d)
			return nil
		}
	})

	Context("successful request", func() {
		It("sends the fixed header set and decodes the body", func() {
			transport.RegisterResponder(http.MethodGet, DefaultBaseURL+"browse?c=0", func(r *http.Request) (*http.Response, error) {
				Expect(r.Header.Get("Authorization")).To(Equal("GoogleLogin auth=abc123"))
				Expect(r.Header.Get("X-DFE-Device-Id")).To(Equal("3a2b1c"))
				Expect(r.Header.Get("Accept-Language")).To(Equal("en_US"))
				Expect(r.Header.Get("User-Agent")).To(Equal(connector.DefaultUserAgent))
				Expect(r.Header.Get("X-DFE-Unsupported-Experiments")).To(ContainSubstring("shekel_test"))
				Expect(r.Header.Get("Content-Type")).To(BeEmpty())
				return httpmock.NewBytesResponse(http.StatusOK, detailsResponse("root").Marshal()), nil
			})

			rsp, err := executor.Execute(ctx, "browse?c=0", nil, 1)
			Expect(err).ToNot(HaveOccurred())
			payload, ok := rsp.PayloadField(wire.PayloadDetailsResponse)
			Expect(ok).To(BeTrue())
			Expect(string(payload)).To(Equal("root"))
			Expect(transport.GetTotalCallCount()).To(Equal(1))
			Expect(sleeps).To(BeEmpty())
		})

		It("POSTs the body with a Content-Type header", func() {
			transport.RegisterResponder(http.MethodPost, DefaultBaseURL+"purchase", func(r *http.Request) (*http.Response, error) {
				Expect(r.Header.Get("Content-Type")).To(Equal(postContentType))
				body, err := io.ReadAll(r.Body)
				Expect(err).ToNot(HaveOccurred())
				Expect(string(body)).To(Equal("doc=com.example.app"))
				return httpmock.NewBytesResponse(http.StatusOK, nil), nil
			})

			_, err := executor.Execute(ctx, "purchase", []byte("doc=com.example.app"), DefaultRetries)
			Expect(err).ToNot(HaveOccurred())
			Expect(transport.GetTotalCallCount()).To(Equal(1))
		})
	})

	Context("prefetch", func() {
		BeforeEach(func() {
			review := &wire.Response{Payload: wire.NewMessage(wire.PayloadReviewResponse, nil)}
			review.AddPrefetch(wire.PrefetchEntry{URL: detailsPath, Response: detailsResponse("com.example.app")})
			transport.RegisterResponder(http.MethodGet, DefaultBaseURL+reviewsPath, bodyResponder(review))
			transport.RegisterResponder(http.MethodGet, DefaultBaseURL+detailsPath, bodyResponder(detailsResponse("network")))
		})

		It("serves a prefetched path without a network call", func() {
			_, err := executor.Execute(ctx, reviewsPath, nil, DefaultRetries)
			Expect(err).ToNot(HaveOccurred())
			Expect(transport.GetTotalCallCount()).To(Equal(1))

			rsp, err := executor.Execute(ctx, detailsPath, nil, DefaultRetries)
			Expect(err).ToNot(HaveOccurred())
			payload, _ := rsp.PayloadField(wire.PayloadDetailsResponse)
			Expect(string(payload)).To(Equal("com.example.app"))
			Expect(transport.GetTotalCallCount()).To(Equal(1))
		})

		It("caches prefetch entries nested inside prefetched responses", func() {
			const browsePath = "browse?c=0"
			details := detailsResponse("com.example.app")
			details.AddPrefetch(wire.PrefetchEntry{URL: browsePath, Response: detailsResponse("nested")})
			listing := &wire.Response{Payload: wire.NewMessage(wire.PayloadListResponse, nil)}
			listing.AddPrefetch(wire.PrefetchEntry{URL: detailsPath, Response: details})
			transport.RegisterResponder(http.MethodGet, DefaultBaseURL+"list?c=apps", bodyResponder(listing))
			transport.RegisterResponder(http.MethodGet, DefaultBaseURL+browsePath, bodyResponder(detailsResponse("network")))

			_, err := executor.Execute(ctx, "list?c=apps", nil, DefaultRetries)
			Expect(err).ToNot(HaveOccurred())
			_, err = executor.Execute(ctx, detailsPath, nil, DefaultRetries)
			Expect(err).ToNot(HaveOccurred())
			rsp, err := executor.Execute(ctx, browsePath, nil, DefaultRetries)
			Expect(err).ToNot(HaveOccurred())
			payload, _ := rsp.PayloadField(wire.PayloadDetailsResponse)
			Expect(string(payload)).To(Equal("nested"))
			Expect(transport.GetTotalCallCount()).To(Equal(1))
		})

		It("bypasses the cache for requests with a body", func() {
			transport.RegisterResponder(http.MethodPost, DefaultBaseURL+detailsPath, bodyResponder(detailsResponse("posted")))
			_, err := executor.Execute(ctx, reviewsPath, nil, DefaultRetries)
			Expect(err).ToNot(HaveOccurred())

			rsp, err := executor.Execute(ctx, detailsPath, []byte("x=1"), DefaultRetries)
			Expect(err).ToNot(HaveOccurred())
			payload, _ := rsp.PayloadField(wire.PayloadDetailsResponse)
			Expect(string(payload)).To(Equal("posted"))
			Expect(transport.GetTotalCallCount()).To(Equal(2))
		})

		It("issues a network call for paths that were never prefetched", func() {
			_, err := executor.Execute(ctx, detailsPath, nil, DefaultRetries)
			Expect(err).ToNot(HaveOccurred())
			Expect(transport.GetTotalCallCount()).To(Equal(1))
		})

		It("drops cached entries when the server asks for a cache clear", func() {
			_, err := executor.Execute(ctx, reviewsPath, nil, DefaultRetries)
			Expect(err).ToNot(HaveOccurred())
			Expect(executor.Cache().Len()).To(Equal(1))

			clearCache := &wire.Response{Commands: wire.ServerCommands{ClearCache: true}}
			transport.RegisterResponder(http.MethodGet, DefaultBaseURL+"browse?c=0", bodyResponder(clearCache))
			_, err = executor.Execute(ctx, "browse?c=0", nil, 1)
			Expect(err).ToNot(HaveOccurred())
			Expect(executor.Cache().Len()).To(Equal(0))
		})
	})

	Context("retries", func() {
		It("retries transient failures after the backoff interval", func() {
			transport.RegisterResponder(http.MethodGet, DefaultBaseURL+detailsPath,
				sequence(detailsResponse("ok").Marshal(), http.StatusServiceUnavailable, http.StatusInternalServerError, 0))

			_, err := executor.Execute(ctx, detailsPath, nil, DefaultRetries)
			Expect(err).ToNot(HaveOccurred())
			Expect(transport.GetTotalCallCount()).To(Equal(3))
			Expect(sleeps).To(Equal([]time.Duration{DefaultBackoff, DefaultBackoff}))
		})

		It("gives up after maxRetries attempts", func() {
			transport.RegisterResponder(http.MethodGet, DefaultBaseURL+detailsPath, sequence(nil, http.StatusInternalServerError))

			_, err := executor.Execute(ctx, detailsPath, nil, 3)
			var failure *protocol.RequestFailure
			Expect(errors.As(err, &failure)).To(BeTrue())
			Expect(failure.Attempts).To(Equal(3))
			Expect(failure.LastStatus).To(Equal(http.StatusInternalServerError))
			Expect(transport.GetTotalCallCount()).To(Equal(3))
			Expect(sleeps).To(HaveLen(2))
		})

		It("does not sleep after a 302", func() {
			transport.RegisterResponder(http.MethodGet, DefaultBaseURL+detailsPath, sequence(nil, http.StatusFound))

			_, err := executor.Execute(ctx, detailsPath, nil, 3)
			Expect(err).To(HaveOccurred())
			Expect(protocol.IsAuthError(err)).To(BeTrue())
			Expect(transport.GetTotalCallCount()).To(Equal(3))
			Expect(sleeps).To(BeEmpty())
		})

		It("makes exactly one attempt with a budget of one", func() {
			transport.RegisterResponder(http.MethodGet, DefaultBaseURL+"browse?c=0", sequence(nil, http.StatusForbidden))

			_, err := executor.Execute(ctx, "browse?c=0", nil, 1)
			Expect(err).To(HaveOccurred())
			Expect(transport.GetTotalCallCount()).To(Equal(1))
			Expect(sleeps).To(BeEmpty())
		})

		It("treats a non-positive budget as one attempt", func() {
			transport.RegisterResponder(http.MethodGet, DefaultBaseURL+detailsPath, sequence(nil, http.StatusInternalServerError))

			_, err := executor.Execute(ctx, detailsPath, nil, 0)
			Expect(err).To(HaveOccurred())
			Expect(transport.GetTotalCallCount()).To(Equal(1))
		})

		It("retries transport errors", func() {
			calls := 0
			transport.RegisterResponder(http.MethodGet, DefaultBaseURL+detailsPath, func(*http.Request) (*http.Response, error) {
				calls++
				if calls == 1 {
					return nil, errors.New("connection reset")
				}
				return httpmock.NewBytesResponse(http.StatusOK, nil), nil
			})

			_, err := executor.Execute(ctx, detailsPath, nil, 2)
			Expect(err).ToNot(HaveOccurred())
			Expect(calls).To(Equal(2))
			Expect(sleeps).To(HaveLen(1))
		})

		It("stops when the context is cancelled during backoff", func() {
			transport.RegisterResponder(http.MethodGet, DefaultBaseURL+detailsPath, sequence(nil, http.StatusInternalServerError))
			executor.sleep = func(context.Context, time.Duration) error {
				return context.Canceled
			}

			_, err := executor.Execute(ctx, detailsPath, nil, DefaultRetries)
			Expect(errors.Is(err, context.Canceled)).To(BeTrue())
			Expect(transport.GetTotalCallCount()).To(Equal(1))
		})
	})

	Context("undecodable response", func() {
		It("fails without retrying", func() {
			transport.RegisterResponder(http.MethodGet, DefaultBaseURL+detailsPath, httpmock.NewBytesResponder(http.StatusOK, []byte{0x0a, 0x05}))

			_, err := executor.Execute(ctx, detailsPath, nil, DefaultRetries)
			Expect(errors.Is(err, protocol.ErrBadResponse)).To(BeTrue())
			Expect(errors.Is(err, wire.ErrMalformed)).To(BeTrue())
			Expect(transport.GetTotalCallCount()).To(Equal(1))
		})
	})

	Context("token source", func() {
		It("reads the current token on each attempt", func() {
			tokens := &rotatingToken{tokens: []credential.Credential{"old", "new"}}
			executor.tokens = tokens
			var seen []string
			transport.RegisterResponder(http.MethodGet, DefaultBaseURL+detailsPath, func(r *http.Request) (*http.Response, error) {
				seen = append(seen, r.Header.Get("Authorization"))
				if len(seen) == 1 {
					return httpmock.NewStringResponse(http.StatusFound, ""), nil
				}
				return httpmock.NewBytesResponse(http.StatusOK, nil), nil
			})

			_, err := executor.Execute(ctx, detailsPath, nil, 2)
			Expect(err).ToNot(HaveOccurred())
			Expect(seen).To(Equal([]string{"GoogleLogin auth=old", "GoogleLogin auth=new"}))
		})
	})
})

type rotatingToken struct {
	tokens []credential.Credential
	calls  int
}

func (r *rotatingToken) Token() credential.Credential {
	token := r.tokens[r.calls%len(r.tokens)]
	r.calls++
	return token
}
