// Package entitlement requests an entitlement for an insurant at the record
// system, proving a recent online check of the insurant's card with the
// Prüfziffer and HCV.
package entitlement

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/pssim/internal/domain/insurance"
	"github.com/ehr/pssim/internal/domain/vsdm"
	"github.com/ehr/pssim/internal/platform/card"
	"github.com/ehr/pssim/internal/platform/remote"
)

// PathEntitlements is the record system's entitlement endpoint.
const PathEntitlements = "/epa/basic/api/v1/ps/entitlements"

// HeaderInsurantID names the insurant an entitlement is requested for.
const HeaderInsurantID = "x-insurantid"

// MsgInsuranceRead prefixes failures to read the insurant's record.
const MsgInsuranceRead = "error while reading insurance data: "

// TokenValidity is the lifetime of the entitlement JWT.
const TokenValidity = 20 * time.Minute

// DefaultTimeout bounds one entitlement request.
const DefaultTimeout = 30 * time.Second

var (
	// ErrInvalidRequest is returned for requests without KVNR or FQDN, or
	// with an unknown test case.
	ErrInvalidRequest = errors.New("entitlement: invalid request")
	// ErrHCVRequired is returned when the flow requires an HCV and the test
	// case omits it.
	ErrHCVRequired = errors.New("entitlement: hcv required but test case supplies none")
)

// Request describes one entitlement request.
type Request struct {
	KVNR string
	// TelematikID selects the SMC-B. Empty selects the only SMC-B present.
	TelematikID string
	FQDN        string
	TestCase    TestCase
}

// Outcome is the result of an entitlement request.
type Outcome struct {
	KVNR           string     `json:"kvnr"`
	Success        bool       `json:"success"`
	HTTPStatusCode int        `json:"httpStatusCode,omitempty"`
	ValidTo        *time.Time `json:"validTo,omitempty"`
	StatusMessage  string     `json:"statusMessage,omitempty"`
}

// Claims is the payload of the entitlement JWT.
type Claims struct {
	AuditEvidence string `json:"auditEvidence"`
	HCV           string `json:"hcv,omitempty"`
	jwt.RegisteredClaims
}

type requestBody struct {
	JWT string `json:"jwt"`
}

type responseBody struct {
	ValidTo string `json:"validTo"`
}

// Option configures a Flow.
type Option func(*Flow)

// WithRequireHCV makes NO_HCV requests fail with ErrHCVRequired.
func WithRequireHCV(require bool) Option {
	return func(f *Flow) { f.requireHCV = require }
}

// WithBaseURL sets how an FQDN maps to the record system's base URL.
func WithBaseURL(resolve func(fqdn string) string) Option {
	return func(f *Flow) { f.baseURL = resolve }
}

// WithClock sets the time source for token timestamps.
func WithClock(now func() time.Time) Option {
	return func(f *Flow) { f.now = now }
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(f *Flow) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithLogger sets the flow logger.
func WithLogger(l zerolog.Logger) Option {
	return func(f *Flow) { f.logger = l }
}

// Flow requests entitlements. It is safe for concurrent use.
type Flow struct {
	cards      *card.Facade
	insurance  insurance.Source
	http       *remote.Client
	requireHCV bool
	baseURL    func(string) string
	now        func() time.Time
	timeout    time.Duration
	logger     zerolog.Logger
}

// NewFlow creates an entitlement flow.
func NewFlow(cards *card.Facade, source insurance.Source, hc *remote.Client, opts ...Option) *Flow {
	f := &Flow{
		cards:     cards,
		insurance: source,
		http:      hc,
		baseURL:   func(fqdn string) string { return "https://" + fqdn },
		now:       time.Now,
		timeout:   DefaultTimeout,
		logger:    zerolog.Nop(),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Request runs one entitlement request. Every failure after the request was
// validated is reported in the Outcome; nothing is retried.
func (f *Flow) Request(ctx context.Context, req Request) (Outcome, error) {
	if req.KVNR == "" || req.FQDN == "" {
		return Outcome{}, fmt.Errorf("%w: kvnr and fqdn are required", ErrInvalidRequest)
	}
	if !req.TestCase.Valid() {
		return Outcome{}, fmt.Errorf("%w: unknown test case %q", ErrInvalidRequest, req.TestCase)
	}
	if f.requireHCV && req.TestCase == NoHCV {
		return Outcome{}, ErrHCVRequired
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	out := f.run(ctx, req)
	ev := f.logger.Info()
	if !out.Success {
		ev = f.logger.Warn().Str("error", out.StatusMessage)
	}
	ev.Str("kvnr", req.KVNR).
		Str("test_case", string(req.TestCase)).
		Str("fqdn", req.FQDN).
		Int("status", out.HTTPStatusCode).
		Bool("success", out.Success).
		Msg("entitlement requested")
	return out, nil
}

// RequestAll runs independent requests concurrently, at most limit at a
// time (unlimited when limit <= 0). Outcomes are in request order. The first
// invalid request cancels the rest and is returned as the error.
func (f *Flow) RequestAll(ctx context.Context, reqs []Request, limit int) ([]Outcome, error) {
	outcomes := make([]Outcome, len(reqs))
	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, req := range reqs {
		g.Go(func() error {
			out, err := f.Request(ctx, req)
			if err != nil {
				return fmt.Errorf("request %d (%s): %w", i, req.KVNR, err)
			}
			outcomes[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

func (f *Flow) run(ctx context.Context, req Request) Outcome {
	failed := func(status int, msg string) Outcome {
		return Outcome{KVNR: req.KVNR, HTTPStatusCode: status, StatusMessage: msg}
	}

	sel := card.Selector{TelematikID: req.TelematikID}
	if sel.TelematikID == "" {
		sel.Type = card.CardTypeSMCB
	}
	handle, err := f.cards.CardHandle(ctx, sel)
	if err != nil {
		return failed(0, err.Error())
	}

	record, err := f.insurance.Fetch(ctx, req.KVNR)
	if err != nil {
		return failed(0, MsgInsuranceRead+err.Error())
	}

	hcv, err := selectHCV(req.TestCase, record)
	if err != nil {
		return failed(0, err.Error())
	}

	token, err := f.signToken(ctx, handle, record, hcv)
	if err != nil {
		return failed(0, err.Error())
	}

	header := http.Header{}
	header.Set(HeaderInsurantID, req.KVNR)
	resp, err := f.http.PostJSON(ctx, remote.JoinURL(f.baseURL(req.FQDN), PathEntitlements), header, requestBody{JWT: token})
	if err != nil {
		return failed(0, err.Error())
	}

	if resp.StatusCode == http.StatusCreated {
		var body responseBody
		if err := remote.DecodeJSON(resp, &body); err != nil {
			return failed(resp.StatusCode, err.Error())
		}
		validTo, err := time.Parse(time.RFC3339, body.ValidTo)
		if err != nil {
			return failed(resp.StatusCode, fmt.Sprintf("parsing validTo: %v", err))
		}
		return Outcome{KVNR: req.KVNR, Success: true, HTTPStatusCode: resp.StatusCode, ValidTo: &validTo}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		if eb, ok := remote.ParseErrorBody(resp.Body); ok {
			return failed(resp.StatusCode, fmt.Sprintf("%d: %s", resp.StatusCode, eb.ErrorCode))
		}
	}
	return failed(resp.StatusCode, fmt.Sprintf("%d: %s", resp.StatusCode, remote.GenericErrorMessage))
}

// selectHCV returns the hcv claim value for tc; empty means no claim.
func selectHCV(tc TestCase, record *insurance.Record) (string, error) {
	switch tc {
	case ValidHCV:
		hcv, err := vsdm.ComputeHCV(record.Versicherungsbeginn, record.StrassenAdresse)
		if err != nil {
			return "", fmt.Errorf("computing hcv: %w", err)
		}
		return hcv.Base64(), nil
	case InvalidHCVHash:
		hcv, err := vsdm.ComputeHCV(wrongVersicherungsbeginn, wrongStrassenAdresse)
		if err != nil {
			return "", fmt.Errorf("computing hcv: %w", err)
		}
		return hcv.Base64(), nil
	case InvalidHCVStructure:
		return MalformedHCV, nil
	default:
		return "", nil
	}
}

func (f *Flow) signToken(ctx context.Context, handle string, record *insurance.Record, hcv string) (string, error) {
	creds, err := f.cards.Credentials(ctx, handle)
	if err != nil {
		return "", err
	}
	iat := f.now().Truncate(time.Second)
	claims := Claims{
		AuditEvidence: base64.StdEncoding.EncodeToString(record.PriorChecksum),
		HCV:           hcv,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(iat),
			ExpiresAt: jwt.NewNumericDate(iat.Add(TokenValidity)),
		},
	}
	return card.CreateSignedJWT(claims, creds.Certificate, creds.Sign, creds.Algorithm)
}
