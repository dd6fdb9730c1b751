package account_test

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jarcoal/httpmock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/teslamotors/vehicle-session/pkg/account"
	"github.com/teslamotors/vehicle-session/pkg/connector"
	"github.com/teslamotors/vehicle-session/pkg/protocol"
)

const (
	tokenURL = "https://auth.example.com/oauth2/v3/token"
	apiHost  = "api.example.com"
)

func accessToken(expiry time.Time) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user",
		"exp": expiry.Unix(),
	})
	signed, err := token.SignedString([]byte("secret"))
	Expect(err).ToNot(HaveOccurred())
	return signed
}

var _ = Describe("TokenSource", func() {
	var (
		source   *account.TokenSource
		requests atomic.Int32
		expiry   time.Time
	)

	BeforeEach(func() {
		httpmock.Activate()
		DeferCleanup(httpmock.DeactivateAndReset)
		requests.Store(0)
		expiry = time.Now().Add(time.Hour).Truncate(time.Second)
		source = account.NewTokenSource(tokenURL, "client-id", "refresh-1")
	})

	respond := func(status int, body map[string]interface{}) {
		httpmock.RegisterResponder(http.MethodPost, tokenURL, func(r *http.Request) (*http.Response, error) {
			requests.Add(1)
			Expect(r.ParseForm()).To(Succeed())
			Expect(r.PostForm.Get("grant_type")).To(Equal("refresh_token"))
			Expect(r.PostForm.Get("client_id")).To(Equal("client-id"))
			return httpmock.NewJsonResponse(status, body)
		})
	}

	It("reads the expiry from the access token", func() {
		respond(http.StatusOK, map[string]interface{}{"access_token": accessToken(expiry)})
		token, err := source.Token(context.Background())
		Expect(err).ToNot(HaveOccurred())
		Expect(token.Expiry.Equal(expiry)).To(BeTrue())
	})

	It("caches the access token until shortly before it expires", func() {
		respond(http.StatusOK, map[string]interface{}{"access_token": accessToken(expiry)})
		first, err := source.Token(context.Background())
		Expect(err).ToNot(HaveOccurred())
		second, err := source.Token(context.Background())
		Expect(err).ToNot(HaveOccurred())
		Expect(second).To(Equal(first))
		Expect(requests.Load()).To(Equal(int32(1)))

		source.Leeway = 2 * time.Hour
		_, err = source.Token(context.Background())
		Expect(err).ToNot(HaveOccurred())
		Expect(requests.Load()).To(Equal(int32(2)))
	})

	It("falls back to expires_in for opaque tokens", func() {
		respond(http.StatusOK, map[string]interface{}{"access_token": "opaque", "expires_in": 600})
		token, err := source.Token(context.Background())
		Expect(err).ToNot(HaveOccurred())
		Expect(token.Expiry).To(BeTemporally("~", time.Now().Add(10*time.Minute), 5*time.Second))
	})

	It("reports rotated refresh tokens", func() {
		var rotated string
		source.OnRotate = func(token string) { rotated = token }
		respond(http.StatusOK, map[string]interface{}{"access_token": accessToken(expiry), "refresh_token": "refresh-2"})
		_, err := source.Token(context.Background())
		Expect(err).ToNot(HaveOccurred())
		Expect(rotated).To(Equal("refresh-2"))
	})

	It("delivers tokens asynchronously", func() {
		respond(http.StatusOK, map[string]interface{}{"access_token": accessToken(expiry)})
		tokens := make(chan connector.Token, 1)
		source.RequestToken(func(t connector.Token) { tokens <- t })
		Eventually(tokens).Should(Receive(HaveField("Expiry", BeTemporally("==", expiry))))
	})

	It("drops failed refreshes", func() {
		respond(http.StatusUnauthorized, map[string]interface{}{"error": "invalid_grant"})
		_, err := source.Token(context.Background())
		Expect(err).To(HaveOccurred())

		tokens := make(chan connector.Token, 1)
		source.RequestToken(func(t connector.Token) { tokens <- t })
		Eventually(requests.Load).Should(Equal(int32(2)))
		Consistently(tokens, 50*time.Millisecond).ShouldNot(Receive())
	})
})

var _ = Describe("Account", func() {
	var acct *account.Account

	BeforeEach(func() {
		httpmock.Activate()
		DeferCleanup(httpmock.DeactivateAndReset)
		httpmock.RegisterResponder(http.MethodPost, tokenURL,
			httpmock.NewJsonResponderOrPanic(http.StatusOK, map[string]interface{}{"access_token": accessToken(time.Now().Add(time.Hour))}))

		var err error
		acct, err = account.New(apiHost, account.NewTokenSource(tokenURL, "client-id", "refresh-1"), "")
		Expect(err).ToNot(HaveOccurred())
	})

	It("rejects hosts containing paths", func() {
		_, err := account.New("example.com/evil", account.NewTokenSource(tokenURL, "c", "r"), "")
		Expect(err).To(HaveOccurred())
	})

	It("reloads the vehicle list", func() {
		var changed []account.Vehicle
		acct.OnVehiclesChanged = func(v []account.Vehicle) { changed = v }
		httpmock.RegisterResponder(http.MethodGet, "https://"+apiHost+"/api/v1/vehicles", func(r *http.Request) (*http.Response, error) {
			Expect(r.Header.Get("Authorization")).To(HavePrefix("Bearer "))
			return httpmock.NewJsonResponse(http.StatusOK, map[string]interface{}{
				"vehicles": []map[string]interface{}{
					{"vin": "VIN1", "display_name": "Blue", "authorized": true},
					{"vin": "VIN2", "display_name": "Red"},
				},
			})
		})
		Expect(acct.RefreshVehicles(context.Background(), []string{"VIN2"})).To(Succeed())
		Expect(acct.Vehicles()).To(Equal([]account.Vehicle{
			{VIN: "VIN1", DisplayName: "Blue", Authorized: true},
			{VIN: "VIN2", DisplayName: "Red"},
		}))
		Expect(changed).To(HaveLen(2))
	})

	It("reloads services of one vehicle", func() {
		httpmock.RegisterResponder(http.MethodGet, "https://"+apiHost+"/api/v1/vehicles/VIN1/services",
			httpmock.NewJsonResponderOrPanic(http.StatusOK, map[string]interface{}{
				"services": []map[string]interface{}{{"id": 7, "name": "remote-start", "status": "active"}},
			}))
		err := acct.RefreshServices(context.Background(), "VIN1", []protocol.ServiceStatus{{ServiceID: 7}})
		Expect(err).ToNot(HaveOccurred())
		Expect(acct.Services("VIN1")).To(Equal([]account.Service{{ID: 7, Name: "remote-start", Status: "active"}}))
	})

	It("surfaces HTTP errors", func() {
		httpmock.RegisterResponder(http.MethodGet, "https://"+apiHost+"/api/v1/vehicles",
			httpmock.NewStringResponder(http.StatusInternalServerError, "boom"))
		Expect(acct.RefreshVehicles(context.Background(), nil)).ToNot(Succeed())
		Expect(acct.Vehicles()).To(BeEmpty())
	})

	It("records pending commands", func() {
		pending := []protocol.PendingCommand{{RequestID: "r1", VIN: "VIN1", Command: "doors-lock"}}
		Expect(acct.RefreshPendingCommands(context.Background(), pending)).To(Succeed())
		Expect(acct.PendingCommands()).To(Equal(pending))
	})
})

var _ = Describe("Expiry", func() {
	It("rejects malformed tokens", func() {
		_, err := account.Expiry("not-a-jwt")
		Expect(err).To(HaveOccurred())
	})

	It("rejects tokens without exp", func() {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "x"}).SignedString([]byte("k"))
		Expect(err).ToNot(HaveOccurred())
		_, err = account.Expiry(token)
		Expect(err).To(HaveOccurred())
	})
})
