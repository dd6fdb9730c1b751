package account

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/teslamotors/vehicle-session/internal/log"
	"github.com/teslamotors/vehicle-session/pkg/connector"
)

// DefaultLeeway is how long before its expiry a cached access token is refreshed.
const DefaultLeeway = time.Minute

const tokenRequestTimeout = 30 * time.Second

// TokenSource implements connector.TokenProvider using an OAuth refresh token.
type TokenSource struct {
	UserAgent string

	// Leeway defaults to DefaultLeeway.
	Leeway time.Duration

	// OnRotate is called when the server issues a new refresh token, so that it can be persisted.
	OnRotate func(refreshToken string)

	tokenURL string
	clientID string
	client   http.Client

	lock         sync.Mutex
	refreshToken string
	cached       connector.Token
}

// NewTokenSource returns a TokenSource that exchanges refreshToken for access tokens at tokenURL.
func NewTokenSource(tokenURL, clientID, refreshToken string) *TokenSource {
	return &TokenSource{
		UserAgent:    buildUserAgent(""),
		Leeway:       DefaultLeeway,
		tokenURL:     tokenURL,
		clientID:     clientID,
		refreshToken: refreshToken,
	}
}

// RequestToken fetches a token in the background. Failures are logged and onToken is not called.
func (t *TokenSource) RequestToken(onToken func(connector.Token)) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), tokenRequestTimeout)
		defer cancel()
		token, err := t.Token(ctx)
		if err != nil {
			log.Warning("Failed to obtain access token: %s", err)
			return
		}
		onToken(token)
	}()
}

// Token returns the cached access token, refreshing it if it expires within Leeway.
func (t *TokenSource) Token(ctx context.Context) (connector.Token, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.cached.Value != "" && !t.cached.Expired(t.Leeway) {
		return t.cached, nil
	}
	if t.refreshToken == "" {
		return connector.Token{}, fmt.Errorf("no refresh token available")
	}
	token, err := t.refresh(ctx)
	if err != nil {
		return connector.Token{}, err
	}
	t.cached = token
	return token, nil
}

var _ connector.TokenInvalidator = (*TokenSource)(nil)

// Invalidate drops the cached access token so the next request refreshes it.
func (t *TokenSource) Invalidate() {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.cached = connector.Token{}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// refresh performs the refresh grant. Caller must hold the lock.
func (t *TokenSource) refresh(ctx context.Context) (connector.Token, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", t.clientID)
	form.Set("refresh_token", t.refreshToken)

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, t.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return connector.Token{}, fmt.Errorf("error constructing token request: %w", err)
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	request.Header.Set("User-Agent", t.UserAgent)

	log.Debug("Refreshing access token at %s", t.tokenURL)
	response, err := t.client.Do(request)
	if err != nil {
		return connector.Token{}, fmt.Errorf("error refreshing access token: %w", err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(&io.LimitedReader{R: response.Body, N: maxResponseLength})
	if err != nil {
		return connector.Token{}, err
	}
	if response.StatusCode != http.StatusOK {
		return connector.Token{}, fmt.Errorf("token endpoint returned %s", response.Status)
	}

	var rsp tokenResponse
	if err := json.Unmarshal(body, &rsp); err != nil {
		return connector.Token{}, fmt.Errorf("invalid token response: %w", err)
	}
	if rsp.AccessToken == "" {
		return connector.Token{}, fmt.Errorf("token response did not include an access token")
	}

	expiry, err := Expiry(rsp.AccessToken)
	if err != nil && rsp.ExpiresIn > 0 {
		expiry = time.Now().Add(time.Duration(rsp.ExpiresIn) * time.Second)
	} else if err != nil {
		log.Debug("Access token has no usable expiry: %s", err)
	}

	if rsp.RefreshToken != "" && rsp.RefreshToken != t.refreshToken {
		t.refreshToken = rsp.RefreshToken
		if t.OnRotate != nil {
			t.OnRotate(rsp.RefreshToken)
		}
	}
	return connector.Token{Value: rsp.AccessToken, Expiry: expiry}, nil
}

// Expiry extracts the exp claim of a JWT access token. The signature is not verified; the backend
// does that.
func Expiry(accessToken string) (time.Time, error) {
	token, _, err := jwt.NewParser().ParseUnverified(accessToken, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, err
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, err
	}
	if exp == nil {
		return time.Time{}, fmt.Errorf("token has no exp claim")
	}
	return exp.Time, nil
}
