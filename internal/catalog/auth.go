/*
   Copyright The Sentinel COG Service Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	rhttp "github.com/hashicorp/go-retryablehttp"
)

// ErrAuth reports a failed credential exchange with the catalog identity
// provider. There is no retry policy beyond the transport client's own: a
// failed exchange fails the caller.
var ErrAuth = errors.New("catalog: authentication failed")

// tokenSafetyMargin is subtracted from the advertised lifetime so a token
// is refreshed before it actually expires mid-request.
const tokenSafetyMargin = 10 * time.Second

// TokenSource lazily exchanges password-grant credentials for a bearer
// token and caches it until shortly before expiry. One TokenSource is
// shared per process and is safe for concurrent use.
type TokenSource struct {
	tokenURL string
	clientID string
	username string
	password string
	client   *rhttp.Client
	now      func() time.Time

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// TokenSourceOpt adjusts a TokenSource at construction time.
type TokenSourceOpt func(*TokenSource)

// WithTokenClient attaches a retryable client to the TokenSource.
func WithTokenClient(client *rhttp.Client) TokenSourceOpt {
	return func(ts *TokenSource) {
		ts.client = client
	}
}

// withClock overrides the clock, for tests.
func withClock(now func() time.Time) TokenSourceOpt {
	return func(ts *TokenSource) {
		ts.now = now
	}
}

func NewTokenSource(tokenURL, clientID, username, password string, opts ...TokenSourceOpt) (*TokenSource, error) {
	if username == "" || password == "" {
		return nil, fmt.Errorf("%w: username and password must be set", ErrAuth)
	}
	ts := &TokenSource{
		tokenURL: tokenURL,
		clientID: clientID,
		username: username,
		password: password,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(ts)
	}
	if ts.client == nil {
		ts.client = rhttp.NewClient()
		ts.client.Logger = nil
	}
	return ts, nil
}

// Token returns a valid bearer token, performing the identity exchange
// only when no cached credential remains inside its safety window.
func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.token != "" && ts.now().Before(ts.expiry) {
		return ts.token, nil
	}

	form := url.Values{
		"client_id":  {ts.clientID},
		"grant_type": {"password"},
		"username":   {ts.username},
		"password":   {ts.password},
	}
	req, err := rhttp.NewRequestWithContext(ctx, http.MethodPost, ts.tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrAuth, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := ts.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrAuth, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: token endpoint returned %s", ErrAuth, resp.Status)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("%w: decoding token response: %w", ErrAuth, err)
	}
	if payload.AccessToken == "" {
		return "", fmt.Errorf("%w: no access token in response", ErrAuth)
	}
	expiresIn := payload.ExpiresIn
	if expiresIn == 0 {
		expiresIn = 3600
	}

	ts.token = payload.AccessToken
	ts.expiry = ts.now().Add(time.Duration(expiresIn)*time.Second - tokenSafetyMargin)
	return ts.token, nil
}
