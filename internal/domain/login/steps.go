package login

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ehr/pssim/internal/platform/card"
	"github.com/ehr/pssim/internal/platform/idp"
	"github.com/ehr/pssim/internal/platform/remote"
)

// Failure messages of the authorization and code exchange steps.
const (
	MsgRedirectParse = "error while parsing redirect url"
	MsgNoAuthCode    = "error while getting authorization code from idp"
	MsgVAUNPNull     = "VAU-NP is null"
)

// noSession is the VAU status reported when no user is authenticated.
const noSession = "None"

type step func(ctx context.Context, s *session, state State) transition

// session is the working data of one Login call. It is owned by that call
// and never shared.
type session struct {
	req          Request
	baseURL      string
	nonce        string
	cardHandle   string
	params       idp.AuthorizationParams
	authCode     string
	clientAttest string
	lastStatus   int
}

func (s *session) result(state State, status int) Result {
	return Result{
		TelematikID:    s.req.TelematikID,
		FQDN:           s.req.FQDN,
		Nonce:          s.nonce,
		CardHandle:     s.cardHandle,
		HTTPStatusCode: status,
		State:          state,
	}
}

func (s *session) fail(state State, status int, msg string) Result {
	r := s.result(state, status)
	r.ErrorMessage = msg
	return r
}

func (s *session) url(path string) string {
	return remote.JoinURL(s.baseURL, path)
}

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

type vauStatus struct {
	UserAuthentication string `json:"User-Authentication"`
}

type nonceResponse struct {
	Nonce string `json:"nonce"`
}

type authCodeRequest struct {
	AuthorizationCode string `json:"authorizationCode"`
	ClientAttest      string `json:"clientAttest"`
}

type authCodeResponse struct {
	VAUNP *string `json:"vau-np"`
}

// clientAttestClaims binds the record system's nonce to the card.
type clientAttestClaims struct {
	Nonce string `json:"nonce"`
	jwt.RegisteredClaims
}

// ---------------------------------------------------------------------------
// Steps
// ---------------------------------------------------------------------------

func (f *Flow) checkSession(ctx context.Context, s *session, state State) transition {
	resp, err := f.http.Get(ctx, s.url(PathVAUStatus), nil)
	if err != nil {
		return finish(s.fail(state, 0, err.Error()))
	}
	s.lastStatus = resp.StatusCode
	if resp.StatusCode != http.StatusOK {
		return finish(s.fail(state, resp.StatusCode, remote.GenericErrorMessage))
	}

	var status vauStatus
	if err := remote.DecodeJSON(resp, &status); err != nil {
		return finish(s.fail(state, resp.StatusCode, remote.GenericErrorMessage))
	}

	auth := status.UserAuthentication
	if auth != "" && !strings.EqualFold(auth, noSession) && strings.Contains(auth, s.req.TelematikID) {
		r := s.result(state, resp.StatusCode)
		r.Success = true
		return finish(r)
	}
	return advance(StateFetchNonce)
}

func (f *Flow) fetchNonce(ctx context.Context, s *session, state State) transition {
	resp, err := f.http.Get(ctx, s.url(PathGetNonce), nil)
	if err != nil {
		return finish(s.fail(state, 0, err.Error()))
	}
	s.lastStatus = resp.StatusCode
	if resp.StatusCode != http.StatusOK {
		return finish(s.fail(state, resp.StatusCode, remote.Classify(resp).Error()))
	}

	var body nonceResponse
	if err := remote.DecodeJSON(resp, &body); err != nil || body.Nonce == "" {
		return finish(s.fail(state, resp.StatusCode, remote.GenericErrorMessage))
	}
	s.nonce = body.Nonce
	return advance(StateResolveCardHandle)
}

func (f *Flow) resolveCardHandle(ctx context.Context, s *session, state State) transition {
	handle, err := f.cards.CardHandle(ctx, card.Selector{TelematikID: s.req.TelematikID, Type: card.CardTypeSMCB})
	if err != nil {
		return finish(s.fail(state, s.lastStatus, err.Error()))
	}
	s.cardHandle = handle
	return advance(StateRequestAuthorization)
}

func (f *Flow) requestAuthorization(ctx context.Context, s *session, state State) transition {
	resp, err := f.http.Get(ctx, s.url(PathAuthorizationRequest), nil)
	if err != nil {
		return finish(s.fail(state, 0, err.Error()))
	}
	s.lastStatus = resp.StatusCode
	if resp.StatusCode != http.StatusFound {
		return finish(s.fail(state, resp.StatusCode, remote.Classify(resp).Error()))
	}

	q, err := parseQuery(resp.Location())
	if err != nil {
		return finish(s.fail(state, resp.StatusCode, MsgRedirectParse))
	}
	for _, required := range []string{"client_id", "redirect_uri", "state", "code_challenge"} {
		if q[required] == "" {
			return finish(s.fail(state, resp.StatusCode, MsgRedirectParse))
		}
	}

	s.params = idp.AuthorizationParams{
		ClientID:            q["client_id"],
		RedirectURI:         q["redirect_uri"],
		Scope:               q["scope"],
		State:               q["state"],
		Nonce:               q["nonce"],
		CodeChallenge:       q["code_challenge"],
		CodeChallengeMethod: idp.CodeChallengeMethodS256,
	}
	return advance(StateIdpLogin)
}

func (f *Flow) idpLogin(ctx context.Context, s *session, state State) transition {
	creds, err := f.cards.Credentials(ctx, s.cardHandle)
	if err != nil {
		return finish(s.fail(state, s.lastStatus, err.Error()))
	}

	resp, err := f.idp.Login(ctx, s.params, creds)
	if err != nil {
		return finish(s.fail(state, s.lastStatus, err.Error()))
	}
	if resp == nil || resp.Code == "" {
		return finish(s.fail(state, s.lastStatus, MsgNoAuthCode))
	}
	s.authCode = resp.Code
	return advance(StateCreateClientAttestation)
}

func (f *Flow) createClientAttestation(ctx context.Context, s *session, state State) transition {
	creds, err := f.cards.Credentials(ctx, s.cardHandle)
	if err != nil {
		return finish(s.fail(state, s.lastStatus, err.Error()))
	}

	iat := f.now().Truncate(time.Second)
	claims := clientAttestClaims{
		Nonce: s.nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(iat),
			ExpiresAt: jwt.NewNumericDate(iat.Add(ClientAttestValidity)),
		},
	}
	signed, err := card.CreateSignedJWT(claims, creds.Certificate, creds.Sign, creds.Algorithm)
	if err != nil {
		return finish(s.fail(state, s.lastStatus, err.Error()))
	}
	s.clientAttest = signed
	return advance(StateExchangeCode)
}

func (f *Flow) exchangeCode(ctx context.Context, s *session, state State) transition {
	resp, err := f.http.PostJSON(ctx, s.url(PathAuthCode), nil, authCodeRequest{
		AuthorizationCode: s.authCode,
		ClientAttest:      s.clientAttest,
	})
	if err != nil {
		return finish(s.fail(state, 0, err.Error()))
	}
	s.lastStatus = resp.StatusCode
	if resp.StatusCode != http.StatusOK {
		return finish(s.fail(state, resp.StatusCode, remote.Classify(resp).Error()))
	}

	var body authCodeResponse
	if len(bytes.TrimSpace(resp.Body)) > 0 {
		if err := remote.DecodeJSON(resp, &body); err != nil {
			return finish(s.fail(state, resp.StatusCode, remote.GenericErrorMessage))
		}
	}
	if body.VAUNP == nil || *body.VAUNP == "" {
		return finish(s.fail(state, resp.StatusCode, MsgVAUNPNull))
	}

	r := s.result(state, resp.StatusCode)
	r.Success = true
	r.VAUNP = *body.VAUNP
	return finish(r)
}
