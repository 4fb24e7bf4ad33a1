package simulator

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/pssim/internal/platform/card"
)

// challengeValidity is how long a signed challenge may take to come back.
const challengeValidity = 3 * time.Minute

// OAuthError is the IdP's error body.
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

type challengeResponse struct {
	Challenge string `json:"challenge"`
}

// challengeClaims carry the authorization request through the card
// signature, so the IdP keeps no state between challenge and response.
type challengeClaims struct {
	ClientID      string `json:"client_id"`
	RedirectURI   string `json:"redirect_uri"`
	Scope         string `json:"scope"`
	State         string `json:"state"`
	Nonce         string `json:"nonce,omitempty"`
	CodeChallenge string `json:"code_challenge"`
	jwt.RegisteredClaims
}

func (s *Server) oauthError(c echo.Context, status int, code, description string) error {
	s.cfg.Logger.Warn().Str("error", code).Str("reason", description).Msg("idp rejected request")
	return c.JSON(status, OAuthError{Code: code, Description: description})
}

func (s *Server) handleIDPChallenge(c echo.Context) error {
	q := c.QueryParams()

	switch {
	case q.Get("response_type") != "code":
		return s.oauthError(c, http.StatusBadRequest, "unsupported_response_type", "response_type must be code")
	case q.Get("client_id") != s.cfg.ClientID:
		return s.oauthError(c, http.StatusBadRequest, "invalid_client", "unknown client_id")
	case q.Get("redirect_uri") != s.cfg.RedirectURI:
		return s.oauthError(c, http.StatusBadRequest, "invalid_request", "redirect_uri does not match the client")
	case q.Get("state") == "":
		return s.oauthError(c, http.StatusBadRequest, "invalid_request", "state is required")
	case q.Get("code_challenge") == "" || q.Get("code_challenge_method") != "S256":
		return s.oauthError(c, http.StatusBadRequest, "invalid_request", "PKCE with S256 is required")
	}

	now := s.now()
	claims := challengeClaims{
		ClientID:      q.Get("client_id"),
		RedirectURI:   q.Get("redirect_uri"),
		Scope:         q.Get("scope"),
		State:         q.Get("state"),
		Nonce:         q.Get("nonce"),
		CodeChallenge: q.Get("code_challenge"),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(challengeValidity)),
		},
	}
	challenge, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.challengeKey)
	if err != nil {
		return fmt.Errorf("signing challenge: %w", err)
	}
	return c.JSON(http.StatusOK, challengeResponse{Challenge: challenge})
}

func (s *Server) handleIDPSignedChallenge(c echo.Context) error {
	signed := c.FormValue("signed_challenge")
	if signed == "" {
		return s.oauthError(c, http.StatusBadRequest, "invalid_request", "signed_challenge is required")
	}

	outer := jwt.MapClaims{}
	cert, err := card.ParseSignedJWT(signed, outer)
	if err != nil {
		return s.oauthError(c, http.StatusBadRequest, "invalid_request", "signature verification failed: "+err.Error())
	}
	tok, _, err := jwt.NewParser().ParseUnverified(signed, jwt.MapClaims{})
	if err != nil || tok.Header["cty"] != "NJWT" {
		return s.oauthError(c, http.StatusBadRequest, "invalid_request", "signed challenge must have cty NJWT")
	}
	njwt, _ := outer["njwt"].(string)

	var claims challengeClaims
	_, err = jwt.ParseWithClaims(njwt, &claims, func(*jwt.Token) (interface{}, error) {
		return s.challengeKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return s.oauthError(c, http.StatusBadRequest, "invalid_request", "challenge expired")
		}
		return s.oauthError(c, http.StatusBadRequest, "invalid_request", "challenge was not issued here")
	}

	telematikID := card.TelematikID(cert)
	if telematikID == "" {
		return s.oauthError(c, http.StatusBadRequest, "access_denied", "certificate carries no telematik id")
	}

	code := uuid.NewString()
	s.mu.Lock()
	s.codes[code] = issuedCode{
		telematikID:   telematikID,
		state:         claims.State,
		codeChallenge: claims.CodeChallenge,
		expiresAt:     s.now().Add(pendingTTL),
	}
	s.mu.Unlock()

	redirect, err := url.Parse(claims.RedirectURI)
	if err != nil {
		return s.oauthError(c, http.StatusBadRequest, "invalid_request", "malformed redirect_uri")
	}
	q := redirect.Query()
	q.Set("code", code)
	q.Set("state", claims.State)
	redirect.RawQuery = q.Encode()

	s.cfg.Logger.Info().Str("telematik_id", telematikID).Msg("idp issued authorization code")
	return c.Redirect(http.StatusFound, redirect.String())
}
