package session_test

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/jarcoal/httpmock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/fdfe-tools/market-session/internal/log"
	"github.com/fdfe-tools/market-session/mocks"
	"github.com/fdfe-tools/market-session/pkg/connector/inet"
	"github.com/fdfe-tools/market-session/pkg/credential"
	"github.com/fdfe-tools/market-session/pkg/protocol"
	"github.com/fdfe-tools/market-session/pkg/session"
	"github.com/fdfe-tools/market-session/pkg/wire"
)

const (
	email    = "user@example.com"
	password = "hunter2"
)

var validationURL = inet.DefaultBaseURL + session.ValidationPath

func browseBody() []byte {
	rsp := &wire.Response{Payload: wire.NewMessage(wire.PayloadBrowseResponse, nil)}
	return rsp.Marshal()
}

var _ = Describe("Session", func() {
	var (
		ctrl      *gomock.Controller
		ctx       context.Context
		authn     *mocks.MockAuthenticator
		store     *credential.FileStore
		transport *httpmock.MockTransport
		config    session.Config
	)

	writeToken := func(token string) {
		Expect(os.WriteFile(store.Path(), []byte(token), 0600)).To(Succeed())
	}

	BeforeEach(func() {
		ctx = context.Background()
		ctrl = gomock.NewController(GinkgoT())
		authn = mocks.NewMockAuthenticator(ctrl)
		store = credential.NewFileStore(GinkgoT().TempDir(), "", log.Discard())
		transport = httpmock.NewMockTransport()
		config = session.Config{
			Store:         store,
			Authenticator: authn,
			Email:         email,
			Password:      password,
			Executor: inet.Config{
				Backoff:   time.Millisecond,
				Transport: transport,
			},
			Logger: log.Discard(),
		}
		DeferCleanup(func() {
			ctrl.Finish()
		})
	})

	Context("no stored token", func() {
		It("logs in once and persists the token", func() {
			authn.EXPECT().Login(gomock.Any(), email, password).Return(credential.Credential("fresh"), nil).Times(1)

			s, err := session.New(ctx, config)
			Expect(err).ToNot(HaveOccurred())
			Expect(s.Token()).To(Equal(credential.Credential("fresh")))

			stored, err := os.ReadFile(store.Path())
			Expect(err).ToNot(HaveOccurred())
			Expect(string(stored)).To(Equal("fresh"))
			Expect(transport.GetTotalCallCount()).To(Equal(0))
		})

		It("fails construction when login fails", func() {
			authn.EXPECT().Login(gomock.Any(), email, password).Return(credential.Credential(""), &protocol.AuthFailure{Reason: "BadAuthentication"})

			s, err := session.New(ctx, config)
			Expect(s).To(BeNil())
			var fatal *protocol.FatalAuthError
			Expect(errors.As(err, &fatal)).To(BeTrue())
			var authErr *protocol.AuthFailure
			Expect(errors.As(err, &authErr)).To(BeTrue())
			_, statErr := os.Stat(store.Path())
			Expect(os.IsNotExist(statErr)).To(BeTrue())
		})
	})

	Context("stored token accepted", func() {
		It("adopts the token without logging in", func() {
			writeToken("abc123")
			transport.RegisterResponder(http.MethodGet, validationURL, func(r *http.Request) (*http.Response, error) {
				Expect(r.Header.Get("Authorization")).To(Equal("GoogleLogin auth=abc123"))
				return httpmock.NewBytesResponse(http.StatusOK, browseBody()), nil
			})

			s, err := session.New(ctx, config)
			Expect(err).ToNot(HaveOccurred())
			Expect(s.Token()).To(Equal(credential.Credential("abc123")))
			Expect(transport.GetTotalCallCount()).To(Equal(1))
		})
	})

	Context("stored token rejected", func() {
		BeforeEach(func() {
			writeToken("expired")
			transport.RegisterResponder(http.MethodGet, validationURL, httpmock.NewStringResponder(http.StatusForbidden, ""))
		})

		It("deletes the token and fails construction", func() {
			s, err := session.New(ctx, config)
			Expect(s).To(BeNil())
			var fatal *protocol.FatalAuthError
			Expect(errors.As(err, &fatal)).To(BeTrue())
			var validation *protocol.ValidationFailure
			Expect(errors.As(err, &validation)).To(BeTrue())

			Expect(transport.GetTotalCallCount()).To(Equal(1))
			_, statErr := os.Stat(store.Path())
			Expect(os.IsNotExist(statErr)).To(BeTrue())
		})

		It("logs in again when configured to", func() {
			config.ReloginOnInvalidToken = true
			authn.EXPECT().Login(gomock.Any(), email, password).Return(credential.Credential("fresh"), nil).Times(1)

			s, err := session.New(ctx, config)
			Expect(err).ToNot(HaveOccurred())
			Expect(s.Token()).To(Equal(credential.Credential("fresh")))
			token, err := store.Load(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(token).To(Equal(credential.Credential("fresh")))
		})
	})

	Context("unreadable store", func() {
		It("fails without logging in", func() {
			mockStore := mocks.NewMockStore(ctrl)
			storageErr := &protocol.StorageError{Op: "load", Err: errors.New("permission denied")}
			mockStore.EXPECT().Load(gomock.Any()).Return(credential.Credential(""), storageErr)
			config.Store = mockStore

			_, err := session.New(ctx, config)
			var fatal *protocol.FatalAuthError
			Expect(errors.As(err, &fatal)).To(BeTrue())
			Expect(errors.Is(err, storageErr)).To(BeTrue())
		})

		It("fails when the new token cannot be saved", func() {
			mockStore := mocks.NewMockStore(ctrl)
			mockStore.EXPECT().Load(gomock.Any()).Return(credential.Credential(""), credential.ErrAbsent)
			mockStore.EXPECT().Save(gomock.Any(), credential.Credential("fresh")).Return(&protocol.StorageError{Op: "save", Err: errors.New("disk full")})
			authn.EXPECT().Login(gomock.Any(), email, password).Return(credential.Credential("fresh"), nil)
			config.Store = mockStore

			s, err := session.New(ctx, config)
			Expect(s).To(BeNil())
			var storage *protocol.StorageError
			Expect(errors.As(err, &storage)).To(BeTrue())
		})
	})

	Context("established session", func() {
		var s *session.Session

		BeforeEach(func() {
			writeToken("abc123")
			transport.RegisterResponder(http.MethodGet, validationURL, httpmock.NewBytesResponder(http.StatusOK, browseBody()))
			var err error
			s, err = session.New(ctx, config)
			Expect(err).ToNot(HaveOccurred())
			transport.ZeroCallCounters()
		})

		It("answers prefetched paths from the cache", func() {
			review := &wire.Response{Payload: wire.NewMessage(wire.PayloadReviewResponse, nil)}
			details := &wire.Response{Payload: wire.NewMessage(wire.PayloadDetailsResponse, []byte("com.example.app"))}
			review.AddPrefetch(wire.PrefetchEntry{URL: "details?doc=com.example.app", Response: details})
			transport.RegisterResponder(http.MethodGet, inet.DefaultBaseURL+"rev?doc=com.example.app&sort=0", httpmock.NewBytesResponder(http.StatusOK, review.Marshal()))

			_, err := s.Execute(ctx, "rev?doc=com.example.app&sort=0", nil)
			Expect(err).ToNot(HaveOccurred())
			rsp, err := s.Execute(ctx, "details?doc=com.example.app", nil)
			Expect(err).ToNot(HaveOccurred())
			payload, ok := rsp.PayloadField(wire.PayloadDetailsResponse)
			Expect(ok).To(BeTrue())
			Expect(string(payload)).To(Equal("com.example.app"))
			Expect(transport.GetTotalCallCount()).To(Equal(1))
		})

		It("uses the default retry budget for data requests", func() {
			transport.RegisterResponder(http.MethodGet, inet.DefaultBaseURL+"details?doc=com.example.app", httpmock.NewStringResponder(http.StatusInternalServerError, ""))

			_, err := s.Execute(ctx, "details?doc=com.example.app", nil)
			var failure *protocol.RequestFailure
			Expect(errors.As(err, &failure)).To(BeTrue())
			Expect(failure.Attempts).To(Equal(inet.DefaultRetries))
			Expect(transport.GetTotalCallCount()).To(Equal(inet.DefaultRetries))
		})

		It("validates against the network even if the browse page was prefetched", func() {
			s.Cache().Put(session.ValidationPath, &wire.Response{})
			Expect(s.Validate(ctx)).To(BeTrue())
			Expect(transport.GetTotalCallCount()).To(Equal(1))
		})

		It("reports a rejected token with a single attempt", func() {
			transport.RegisterResponder(http.MethodGet, validationURL, httpmock.NewStringResponder(http.StatusFound, ""))
			Expect(s.Validate(ctx)).To(BeFalse())
			Expect(transport.GetTotalCallCount()).To(Equal(1))
		})

		It("replaces the token on Relogin", func() {
			authn.EXPECT().Login(gomock.Any(), email, password).Return(credential.Credential("fresh"), nil)
			Expect(s.Relogin(ctx)).To(Succeed())
			Expect(s.Token()).To(Equal(credential.Credential("fresh")))
		})

		It("deletes the token on Logout", func() {
			Expect(s.Logout(ctx)).To(Succeed())
			Expect(s.Token().IsZero()).To(BeTrue())
			_, err := store.Load(ctx)
			Expect(errors.Is(err, credential.ErrAbsent)).To(BeTrue())
		})

		It("refuses requests after Logout without contacting the server", func() {
			transport.RegisterResponder(http.MethodGet, inet.DefaultBaseURL+"details?doc=com.example.app", httpmock.NewBytesResponder(http.StatusOK, browseBody()))
			Expect(s.Logout(ctx)).To(Succeed())

			_, err := s.Execute(ctx, "details?doc=com.example.app", nil)
			var fatal *protocol.FatalAuthError
			Expect(errors.As(err, &fatal)).To(BeTrue())
			Expect(errors.Is(err, protocol.ErrNoCredentials)).To(BeTrue())
			Expect(s.Validate(ctx)).To(BeFalse())
			Expect(transport.GetTotalCallCount()).To(Equal(0))

			authn.EXPECT().Login(gomock.Any(), email, password).Return(credential.Credential("fresh"), nil)
			Expect(s.Relogin(ctx)).To(Succeed())
			_, err = s.Execute(ctx, "details?doc=com.example.app", nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(transport.GetTotalCallCount()).To(Equal(1))
		})

		It("serves concurrent callers", func() {
			const workers = 8
			transport.RegisterResponder(http.MethodGet, inet.DefaultBaseURL+"details?doc=com.example.app", httpmock.NewBytesResponder(http.StatusOK, browseBody()))
			authn.EXPECT().Login(gomock.Any(), email, password).Return(credential.Credential("fresh"), nil).Times(workers)

			var wg sync.WaitGroup
			for i := 0; i < workers; i++ {
				wg.Add(3)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					_, err := s.Execute(ctx, "details?doc=com.example.app", nil)
					Expect(err).ToNot(HaveOccurred())
				}()
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					Expect(s.Validate(ctx)).To(BeTrue())
				}()
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					Expect(s.Relogin(ctx)).To(Succeed())
				}()
			}
			wg.Wait()

			Expect(s.Token()).To(Equal(credential.Credential("fresh")))
			Expect(transport.GetTotalCallCount()).To(Equal(2 * workers))
		})
	})
})
