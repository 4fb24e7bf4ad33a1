// Package idp drives the card-based login at the central identity provider:
// fetch a challenge for an authorization request, sign it with the card and
// exchange it for an authorization code.
package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/ehr/pssim/internal/platform/card"
	"github.com/ehr/pssim/internal/platform/remote"
)

// CodeChallengeMethodS256 is the only PKCE method the IdP accepts.
const CodeChallengeMethodS256 = "S256"

// AuthorizationParams are the OAuth parameters of one authorization request,
// as handed out by the authorization server's redirect.
type AuthorizationParams struct {
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
}

func (p AuthorizationParams) query() url.Values {
	q := url.Values{}
	q.Set("client_id", p.ClientID)
	q.Set("redirect_uri", p.RedirectURI)
	q.Set("response_type", "code")
	q.Set("scope", p.Scope)
	q.Set("state", p.State)
	if p.Nonce != "" {
		q.Set("nonce", p.Nonce)
	}
	q.Set("code_challenge", p.CodeChallenge)
	method := p.CodeChallengeMethod
	if method == "" {
		method = CodeChallengeMethodS256
	}
	q.Set("code_challenge_method", method)
	return q
}

// AuthenticatorResponse is the result of a successful IdP login.
type AuthenticatorResponse struct {
	Code        string
	State       string
	RedirectURI string
}

// oauthErrorBody is the IdP's error payload.
type oauthErrorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// responseError reads an OAuth error body when present and falls back to
// the record system's classification otherwise.
func responseError(op string, resp *remote.Response) error {
	var body oauthErrorBody
	if err := json.Unmarshal(resp.Body, &body); err == nil && body.Error != "" {
		return &Error{Op: op, Code: body.Error, Description: body.ErrorDescription}
	}
	return &Error{Op: op, Err: remote.Classify(resp)}
}

// challengeResponse is the body of GET /auth.
type challengeResponse struct {
	Challenge string `json:"challenge"`
}

// Client talks to one IdP authorization endpoint. It holds no per-login
// state and is safe for concurrent use.
type Client struct {
	endpoint string
	http     *remote.Client
	logger   zerolog.Logger
}

// NewClient creates a client for the IdP authorization endpoint, e.g.
// "https://idp.example/auth".
func NewClient(endpoint string, hc *remote.Client, logger zerolog.Logger) *Client {
	return &Client{endpoint: endpoint, http: hc, logger: logger}
}

// Login performs challenge retrieval, card signing and code retrieval.
func (c *Client) Login(ctx context.Context, params AuthorizationParams, creds *card.Credentials) (*AuthenticatorResponse, error) {
	if creds == nil {
		return nil, &Error{Op: "login", Code: "invalid_request", Description: "no card credentials"}
	}

	challenge, err := c.fetchChallenge(ctx, params)
	if err != nil {
		return nil, err
	}

	signed, err := card.CreateSignedJWT(
		jwt.MapClaims{"njwt": challenge},
		creds.Certificate,
		creds.Sign,
		creds.Algorithm,
		card.WithHeader("cty", "NJWT"),
	)
	if err != nil {
		return nil, &Error{Op: "sign challenge", Err: err}
	}

	resp, err := c.http.PostForm(ctx, c.endpoint, nil, url.Values{"signed_challenge": {signed}})
	if err != nil {
		return nil, &Error{Op: "submit signed challenge", Err: err}
	}
	if resp.StatusCode != http.StatusFound && resp.StatusCode != http.StatusSeeOther {
		return nil, responseError("submit signed challenge", resp)
	}

	return c.parseRedirect(resp.Location(), params.State)
}

func (c *Client) fetchChallenge(ctx context.Context, params AuthorizationParams) (string, error) {
	target, err := url.Parse(c.endpoint)
	if err != nil {
		return "", &Error{Op: "fetch challenge", Err: fmt.Errorf("parsing endpoint: %w", err)}
	}
	target.RawQuery = params.query().Encode()

	resp, err := c.http.Get(ctx, target.String(), nil)
	if err != nil {
		return "", &Error{Op: "fetch challenge", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return "", responseError("fetch challenge", resp)
	}

	var body challengeResponse
	if err := remote.DecodeJSON(resp, &body); err != nil {
		return "", &Error{Op: "fetch challenge", Err: err}
	}
	if body.Challenge == "" {
		return "", &Error{Op: "fetch challenge", Code: "invalid_response", Description: "empty challenge"}
	}

	c.logger.Debug().Str("client_id", params.ClientID).Msg("idp challenge received")
	return body.Challenge, nil
}

func (c *Client) parseRedirect(location, wantState string) (*AuthenticatorResponse, error) {
	if location == "" {
		return nil, &Error{Op: "read redirect", Code: "invalid_response", Description: "missing Location header"}
	}
	u, err := url.Parse(location)
	if err != nil {
		return nil, &Error{Op: "read redirect", Err: err}
	}

	q := u.Query()
	if code := q.Get("error"); code != "" {
		return nil, &Error{Op: "read redirect", Code: code, Description: q.Get("error_description")}
	}
	if wantState != "" && q.Get("state") != wantState {
		return nil, &Error{Op: "read redirect", Code: "invalid_state", Description: "state does not match the authorization request"}
	}

	u.RawQuery = ""
	return &AuthenticatorResponse{
		Code:        q.Get("code"),
		State:       q.Get("state"),
		RedirectURI: u.String(),
	}, nil
}
