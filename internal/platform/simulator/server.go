// Package simulator emulates the remote parties of the primary system: the
// record system's authorization server, VAU status and entitlement endpoint,
// and the central IdP. It verifies everything the flows send (PKCE, card
// signatures, client attestation, Prüfziffer and HCV) so the flows can be
// exercised end to end without a test environment.
package simulator

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/pssim/internal/domain/entitlement"
	"github.com/ehr/pssim/internal/domain/login"
	"github.com/ehr/pssim/internal/domain/vsdm"
	"github.com/ehr/pssim/internal/platform/middleware"
)

// PathIDPAuth is the IdP authorization endpoint.
const PathIDPAuth = "/idp/auth"

// Defaults applied by New.
const (
	DefaultClientID            = "GEMBITMAePAe2zrxzLOR"
	DefaultRedirectURI         = "https://epa.simulator/epa/authz/v1/callback"
	DefaultScope               = "openid ePA-bmt-rt"
	DefaultEntitlementValidity = 90 * 24 * time.Hour
	DefaultRequestTimeout      = 10 * time.Second
	DefaultBodyLimit           = "64K"

	// pendingTTL bounds nonces, authorization requests and codes.
	pendingTTL = 5 * time.Minute
)

// noSession is reported by the VAU status when nobody is logged in.
const noSession = "None"

// Config configures a Server.
type Config struct {
	// Issuer verifies the audit evidence of entitlement requests. Required.
	Issuer *vsdm.Issuer

	ClientID    string
	RedirectURI string
	Scope       string

	EntitlementValidity time.Duration
	// AuditEvidenceMaxAge rejects Prüfziffern issued longer ago. Zero
	// disables the check.
	AuditEvidenceMaxAge time.Duration

	RequestTimeout time.Duration
	BodyLimit      string
	RateLimit      middleware.RateLimitConfig

	Now    func() time.Time
	Logger zerolog.Logger
}

func (c *Config) applyDefaults() {
	if c.ClientID == "" {
		c.ClientID = DefaultClientID
	}
	if c.RedirectURI == "" {
		c.RedirectURI = DefaultRedirectURI
	}
	if c.Scope == "" {
		c.Scope = DefaultScope
	}
	if c.EntitlementValidity <= 0 {
		c.EntitlementValidity = DefaultEntitlementValidity
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.BodyLimit == "" {
		c.BodyLimit = DefaultBodyLimit
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Entitlement is a granted entitlement.
type Entitlement struct {
	KVNR        string    `json:"kvnr"`
	TelematikID string    `json:"telematikId"`
	ValidTo     time.Time `json:"validTo"`
}

type pendingAuthorization struct {
	verifier  string
	expiresAt time.Time
}

type issuedCode struct {
	telematikID   string
	state         string
	codeChallenge string
	expiresAt     time.Time
}

type fault struct {
	status int
	code   string
}

// Server is the simulator. All state is in memory and guarded by mu.
type Server struct {
	cfg          Config
	echo         *echo.Echo
	challengeKey []byte

	mu           sync.Mutex
	session      string
	nonces       map[string]time.Time
	pending      map[string]pendingAuthorization
	codes        map[string]issuedCode
	entitlements map[string]Entitlement
	faults       map[string]fault
	calls        map[string]int
}

// New creates a simulator.
func New(cfg Config) (*Server, error) {
	if cfg.Issuer == nil {
		return nil, errors.New("simulator: a checksum issuer is required")
	}
	cfg.applyDefaults()

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("simulator: generating challenge key: %w", err)
	}

	s := &Server{
		cfg:          cfg,
		challengeKey: key,
		session:      noSession,
		nonces:       make(map[string]time.Time),
		pending:      make(map[string]pendingAuthorization),
		codes:        make(map[string]issuedCode),
		entitlements: make(map[string]Entitlement),
		faults:       make(map[string]fault),
		calls:        make(map[string]int),
	}
	s.echo = s.newEcho()
	return s, nil
}

func (s *Server) newEcho() *echo.Echo {
	logger := s.cfg.Logger

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.BodyLimit(s.cfg.BodyLimit))
	e.Use(middleware.RateLimit(s.cfg.RateLimit))
	e.Use(middleware.RequestTimeout(s.cfg.RequestTimeout))
	e.Use(s.countAndInject)

	e.GET(login.PathVAUStatus, s.handleVAUStatus)
	e.GET(login.PathGetNonce, s.handleGetNonce)
	e.GET(login.PathAuthorizationRequest, s.handleAuthorizationRequest)
	e.POST(login.PathAuthCode, s.handleAuthCode)

	e.GET(PathIDPAuth, s.handleIDPChallenge)
	e.POST(PathIDPAuth, s.handleIDPSignedChallenge)

	e.POST(entitlement.PathEntitlements, s.handleEntitlement)
	return e
}

// Handler returns the HTTP handler serving all simulated endpoints.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Calls returns how many requests reached path.
func (s *Server) Calls(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[path]
}

// Session returns the telematik id of the current VAU session, or "None".
func (s *Server) Session() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// ResetSession ends the current VAU session.
func (s *Server) ResetSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = noSession
}

// Entitlement returns the entitlement granted for kvnr.
func (s *Server) Entitlement(kvnr string) (Entitlement, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entitlements[kvnr]
	return e, ok
}

// InjectFault makes the next request to path fail with status and an error
// body carrying errorCode.
func (s *Server) InjectFault(path string, status int, errorCode string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[path] = fault{status: status, code: errorCode}
}

func (s *Server) countAndInject(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		path := c.Request().URL.Path
		s.mu.Lock()
		s.calls[path]++
		f, injected := s.faults[path]
		delete(s.faults, path)
		s.mu.Unlock()

		if injected {
			return middleware.WriteError(c, f.status, f.code, "injected fault")
		}
		return next(c)
	}
}

// now returns the simulator clock.
func (s *Server) now() time.Time {
	return s.cfg.Now()
}
