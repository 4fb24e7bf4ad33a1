// Package login authenticates an SMC-B against a record system: it checks for
// an existing VAU session, runs the PKCE authorization at the IdP with a
// card-signed challenge and exchanges the code for a VAU-NP.
package login

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/pssim/internal/platform/card"
	"github.com/ehr/pssim/internal/platform/idp"
	"github.com/ehr/pssim/internal/platform/remote"
)

// Record system endpoints used by the flow.
const (
	PathVAUStatus            = "/VAU-Status"
	PathGetNonce             = "/epa/authz/v1/getNonce"
	PathAuthorizationRequest = "/epa/authz/v1/send_authorization_request_sc"
	PathAuthCode             = "/epa/authz/v1/send_authcode_sc"
)

// DefaultStepTimeout bounds every step of a login.
const DefaultStepTimeout = 30 * time.Second

// ClientAttestValidity is the lifetime of the client attestation.
const ClientAttestValidity = 20 * time.Minute

// ErrInvalidRequest is returned for requests missing a telematik id or FQDN.
var ErrInvalidRequest = errors.New("login: invalid request")

// Authenticator performs the IdP part of the login.
type Authenticator interface {
	Login(ctx context.Context, params idp.AuthorizationParams, creds *card.Credentials) (*idp.AuthenticatorResponse, error)
}

// Request identifies whose card logs in where.
type Request struct {
	TelematikID string
	// FQDN is the host of the record system.
	FQDN string
}

// Option configures a Flow.
type Option func(*Flow)

// WithStepTimeout overrides DefaultStepTimeout.
func WithStepTimeout(d time.Duration) Option {
	return func(f *Flow) {
		if d > 0 {
			f.stepTimeout = d
		}
	}
}

// WithBaseURL sets how an FQDN maps to the record system's base URL. The
// default is "https://" + fqdn.
func WithBaseURL(resolve func(fqdn string) string) Option {
	return func(f *Flow) { f.baseURL = resolve }
}

// WithClock sets the time source for attestation timestamps.
func WithClock(now func() time.Time) Option {
	return func(f *Flow) { f.now = now }
}

// WithLogger sets the flow logger.
func WithLogger(l zerolog.Logger) Option {
	return func(f *Flow) { f.logger = l }
}

// Flow runs logins. A Flow has no per-login state; concurrent calls to Login
// are independent.
type Flow struct {
	cards       *card.Facade
	http        *remote.Client
	idp         Authenticator
	stepTimeout time.Duration
	baseURL     func(string) string
	now         func() time.Time
	logger      zerolog.Logger
	steps       map[State]step
}

// NewFlow creates a login flow over the given collaborators.
func NewFlow(cards *card.Facade, hc *remote.Client, authenticator Authenticator, opts ...Option) *Flow {
	f := &Flow{
		cards:       cards,
		http:        hc,
		idp:         authenticator,
		stepTimeout: DefaultStepTimeout,
		baseURL:     func(fqdn string) string { return "https://" + fqdn },
		now:         time.Now,
		logger:      zerolog.Nop(),
	}
	for _, o := range opts {
		o(f)
	}
	f.steps = map[State]step{
		StateCheckSession:            f.checkSession,
		StateFetchNonce:              f.fetchNonce,
		StateResolveCardHandle:       f.resolveCardHandle,
		StateRequestAuthorization:    f.requestAuthorization,
		StateIdpLogin:                f.idpLogin,
		StateCreateClientAttestation: f.createClientAttestation,
		StateExchangeCode:            f.exchangeCode,
	}
	return f
}

// Login runs the state machine for req. Failures of any step end the flow
// and are reported in the Result; only an invalid request is returned as an
// error.
func (f *Flow) Login(ctx context.Context, req Request) (Result, error) {
	if req.TelematikID == "" || req.FQDN == "" {
		return Result{}, fmt.Errorf("%w: telematik id and fqdn are required", ErrInvalidRequest)
	}

	s := &session{req: req, baseURL: f.baseURL(req.FQDN)}
	state := StateCheckSession
	for {
		run, ok := f.steps[state]
		if !ok {
			return s.fail(state, 0, fmt.Sprintf("unknown login state %q", state)), nil
		}

		f.logger.Debug().
			Str("state", string(state)).
			Str("telematik_id", req.TelematikID).
			Str("fqdn", req.FQDN).
			Msg("login step")

		stepCtx, cancel := context.WithTimeout(ctx, f.stepTimeout)
		t := run(stepCtx, s, state)
		cancel()

		if t.result != nil {
			f.logResult(*t.result)
			return *t.result, nil
		}
		state = t.next
	}
}

func (f *Flow) logResult(r Result) {
	ev := f.logger.Info()
	if !r.Success {
		ev = f.logger.Warn().Str("error", r.ErrorMessage)
	}
	ev.Str("state", string(r.State)).
		Str("telematik_id", r.TelematikID).
		Str("fqdn", r.FQDN).
		Int("status", r.HTTPStatusCode).
		Bool("success", r.Success).
		Msg("login finished")
}
