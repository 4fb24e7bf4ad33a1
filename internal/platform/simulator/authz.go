package simulator

import (
	"net/http"
	"net/url"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/pssim/internal/platform/card"
	"github.com/ehr/pssim/internal/platform/middleware"
)

// CodeAuthorizationFailure is the error code of every rejected login.
const CodeAuthorizationFailure = "authorization_failure"

type vauStatusResponse struct {
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
	VAUNP string `json:"vau-np"`
}

type clientAttestClaims struct {
	Nonce string `json:"nonce"`
	jwt.RegisteredClaims
}

func (s *Server) handleVAUStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, vauStatusResponse{UserAuthentication: s.Session()})
}

func (s *Server) handleGetNonce(c echo.Context) error {
	nonce := uuid.NewString()
	s.mu.Lock()
	s.nonces[nonce] = s.now().Add(pendingTTL)
	s.mu.Unlock()
	return c.JSON(http.StatusOK, nonceResponse{Nonce: nonce})
}

// handleAuthorizationRequest starts a PKCE authorization: the verifier stays
// here, the challenge goes to the IdP through the redirect.
func (s *Server) handleAuthorizationRequest(c echo.Context) error {
	verifier, err := newVerifier()
	if err != nil {
		return err
	}
	state := uuid.NewString()

	s.mu.Lock()
	s.pending[state] = pendingAuthorization{verifier: verifier, expiresAt: s.now().Add(pendingTTL)}
	s.mu.Unlock()

	q := url.Values{}
	q.Set("client_id", s.cfg.ClientID)
	q.Set("redirect_uri", s.cfg.RedirectURI)
	q.Set("response_type", "code")
	q.Set("scope", s.cfg.Scope)
	q.Set("state", state)
	q.Set("nonce", uuid.NewString())
	q.Set("code_challenge", codeChallenge(verifier))
	q.Set("code_challenge_method", "S256")

	idpURL := c.Scheme() + "://" + c.Request().Host + PathIDPAuth + "?" + q.Encode()
	return c.Redirect(http.StatusFound, idpURL)
}

func (s *Server) handleAuthCode(c echo.Context) error {
	var req authCodeRequest
	if err := c.Bind(&req); err != nil || req.AuthorizationCode == "" || req.ClientAttest == "" {
		return middleware.WriteError(c, http.StatusBadRequest, middleware.CodeMalformed,
			"authorizationCode and clientAttest are required")
	}

	now := s.now()
	s.mu.Lock()
	code, ok := s.codes[req.AuthorizationCode]
	delete(s.codes, req.AuthorizationCode)
	pending, pendingOK := s.pending[code.state]
	delete(s.pending, code.state)
	s.mu.Unlock()

	if !ok || now.After(code.expiresAt) {
		return s.deny(c, "unknown or expired authorization code")
	}
	if !pendingOK || now.After(pending.expiresAt) || !verifyPKCE(pending.verifier, code.codeChallenge) {
		return s.deny(c, "pkce verification failed")
	}

	var claims clientAttestClaims
	cert, err := card.ParseSignedJWT(req.ClientAttest, &claims,
		jwt.WithIssuedAt(), jwt.WithExpirationRequired(), jwt.WithTimeFunc(s.now))
	if err != nil {
		return s.deny(c, "invalid client attestation: "+err.Error())
	}
	if card.TelematikID(cert) != code.telematikID {
		return s.deny(c, "client attestation signed by a different card")
	}

	s.mu.Lock()
	expires, nonceOK := s.nonces[claims.Nonce]
	delete(s.nonces, claims.Nonce)
	if nonceOK && !now.After(expires) {
		s.session = code.telematikID
	}
	s.mu.Unlock()
	if !nonceOK || now.After(expires) {
		return s.deny(c, "unknown or expired nonce")
	}

	s.cfg.Logger.Info().Str("telematik_id", code.telematikID).Msg("vau session established")
	return c.JSON(http.StatusOK, authCodeResponse{VAUNP: uuid.NewString()})
}

func (s *Server) deny(c echo.Context, detail string) error {
	s.cfg.Logger.Warn().Str("path", c.Request().URL.Path).Str("reason", detail).Msg("login rejected")
	return middleware.WriteError(c, http.StatusForbidden, CodeAuthorizationFailure, detail)
}
