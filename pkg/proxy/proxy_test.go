package proxy_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/fdfe-tools/market-session/internal/log"
	"github.com/fdfe-tools/market-session/mocks"
	"github.com/fdfe-tools/market-session/pkg/protocol"
	"github.com/fdfe-tools/market-session/pkg/proxy"
	"github.com/fdfe-tools/market-session/pkg/wire"
)

type testBackend struct {
	*mocks.MockRequester
	valid bool
}

func (b *testBackend) Validate(context.Context) bool {
	return b.valid
}

var _ = Describe("Proxy", func() {
	var (
		ctrl      *gomock.Controller
		requester *mocks.MockRequester
		backend   *testBackend
		p         *proxy.Proxy
	)

	sendRequest := func(method, path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		rr := httptest.NewRecorder()
		p.ServeHTTP(rr, req)
		return rr
	}

	decodeError := func(rr *httptest.ResponseRecorder) proxy.Response {
		var reply proxy.Response
		Expect(rr.Header().Get("Content-Type")).To(Equal("application/json"))
		Expect(json.Unmarshal(rr.Body.Bytes(), &reply)).To(Succeed())
		return reply
	}

	BeforeEach(func() {
		ctrl = gomock.NewController(GinkgoT())
		requester = mocks.NewMockRequester(ctrl)
		backend = &testBackend{MockRequester: requester, valid: true}
		p = proxy.New(backend, log.Discard())
		DeferCleanup(func() {
			ctrl.Finish()
		})
	})

	It("returns the details message as protobuf", func() {
		details := wire.NewMessage(1, []byte("com.example.app"))
		rsp := &wire.Response{Payload: wire.NewMessage(wire.PayloadDetailsResponse, details)}
		requester.EXPECT().Execute(gomock.Any(), "details?doc=com.example.app", nil).Return(rsp, nil)

		rr := sendRequest(http.MethodGet, "/v1/details/com.example.app")
		Expect(rr.Code).To(Equal(http.StatusOK))
		Expect(rr.Header().Get("Content-Type")).To(Equal("application/x-protobuf"))
		Expect(rr.Body.Bytes()).To(Equal([]byte(details)))
	})

	It("translates query parameters into review options", func() {
		review := wire.NewMessage(wire.ReviewGetResponse, nil)
		rsp := &wire.Response{Payload: wire.NewMessage(wire.PayloadReviewResponse, review)}
		requester.EXPECT().Execute(gomock.Any(), "rev?doc=com.example.app&n=10&o=20&dfil=1&sort=1", nil).Return(rsp, nil)

		rr := sendRequest(http.MethodGet, "/v1/reviews/com.example.app?sort=rating&n=10&o=20&dfil=1")
		Expect(rr.Code).To(Equal(http.StatusOK))
	})

	It("rejects invalid review options without contacting the backend", func() {
		rr := sendRequest(http.MethodGet, "/v1/reviews/com.example.app?n=lots")
		Expect(rr.Code).To(Equal(http.StatusBadRequest))
		Expect(decodeError(rr).ErrDetails).To(ContainSubstring("n"))
	})

	It("reports exhausted retries as a bad gateway", func() {
		failure := &protocol.RequestFailure{Path: "browse?c=0", Attempts: 5, LastStatus: http.StatusServiceUnavailable}
		requester.EXPECT().Execute(gomock.Any(), "browse?c=0", nil).Return(nil, failure)

		rr := sendRequest(http.MethodGet, "/v1/browse")
		Expect(rr.Code).To(Equal(http.StatusBadGateway))
		Expect(decodeError(rr).Error).To(Equal(http.StatusText(http.StatusBadGateway)))
	})

	It("reports a rejected token as unauthorized", func() {
		failure := &protocol.RequestFailure{Path: "browse?c=0", Attempts: 5, LastStatus: http.StatusFound}
		requester.EXPECT().Execute(gomock.Any(), "browse?c=0", nil).Return(nil, failure)

		rr := sendRequest(http.MethodGet, "/v1/browse")
		Expect(rr.Code).To(Equal(http.StatusUnauthorized))
	})

	It("reports a missing payload as a bad gateway", func() {
		rsp := &wire.Response{Payload: wire.NewMessage(wire.PayloadListResponse, nil)}
		requester.EXPECT().Execute(gomock.Any(), "browse?c=0", nil).Return(rsp, nil)

		rr := sendRequest(http.MethodGet, "/v1/browse")
		Expect(rr.Code).To(Equal(http.StatusBadGateway))
	})

	It("reports token validity", func() {
		backend.valid = false
		rr := sendRequest(http.MethodGet, "/v1/validate")
		Expect(rr.Code).To(Equal(http.StatusOK))
		Expect(rr.Body.String()).To(MatchJSON(`{"response": {"valid": false}}`))
	})

	It("only serves GET", func() {
		rr := sendRequest(http.MethodPost, "/v1/browse")
		Expect(rr.Code).To(Equal(http.StatusMethodNotAllowed))
	})

	It("returns not found for unknown routes", func() {
		rr := sendRequest(http.MethodGet, "/api/1/vehicles")
		Expect(rr.Code).To(Equal(http.StatusNotFound))
	})
})
