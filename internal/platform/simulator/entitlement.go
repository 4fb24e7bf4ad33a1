package simulator

import (
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/ehr/pssim/internal/domain/entitlement"
	"github.com/ehr/pssim/internal/domain/vsdm"
	"github.com/ehr/pssim/internal/platform/card"
	"github.com/ehr/pssim/internal/platform/middleware"
)

// Error codes of the entitlement endpoint.
const (
	CodeInvalidToken         = "invalidToken"
	CodeInvalidAuditEvidence = "invalAuditEvidence"
	CodeHCVMismatch          = "hcvMismatch"
	CodeMalformedHCV         = "malformedHcv"
)

type entitlementRequest struct {
	JWT string `json:"jwt"`
}

type entitlementResponse struct {
	ValidTo string `json:"validTo"`
}

func (s *Server) handleEntitlement(c echo.Context) error {
	kvnr := c.Request().Header.Get(entitlement.HeaderInsurantID)
	var req entitlementRequest
	if err := c.Bind(&req); err != nil || req.JWT == "" || kvnr == "" {
		return middleware.WriteError(c, http.StatusBadRequest, middleware.CodeMalformed,
			"jwt body and x-insurantid header are required")
	}

	var claims entitlement.Claims
	cert, err := card.ParseSignedJWT(req.JWT, &claims,
		jwt.WithIssuedAt(), jwt.WithExpirationRequired(), jwt.WithTimeFunc(s.now))
	if err != nil {
		return s.reject(c, http.StatusForbidden, CodeInvalidToken, err.Error())
	}

	pz, err := s.cfg.Issuer.Verify(claims.AuditEvidence)
	if err != nil {
		return s.reject(c, http.StatusForbidden, CodeInvalidAuditEvidence, err.Error())
	}
	switch {
	case pz.KVNR != kvnr:
		return s.reject(c, http.StatusForbidden, CodeInvalidAuditEvidence, "audit evidence belongs to another insurant")
	case pz.Revoked:
		return s.reject(c, http.StatusForbidden, CodeInvalidAuditEvidence, "health card is revoked")
	case s.cfg.AuditEvidenceMaxAge > 0 && s.now().Sub(pz.IssuedAt) > s.cfg.AuditEvidenceMaxAge:
		return s.reject(c, http.StatusForbidden, CodeInvalidAuditEvidence, "audit evidence expired")
	}

	if claims.HCV != "" {
		hcv, err := vsdm.ParseHCV(claims.HCV)
		if err != nil {
			return s.reject(c, http.StatusBadRequest, CodeMalformedHCV, err.Error())
		}
		if hcv != pz.HCV {
			return s.reject(c, http.StatusForbidden, CodeHCVMismatch, "hcv does not match the audit evidence")
		}
	}

	granted := Entitlement{
		KVNR:        kvnr,
		TelematikID: card.TelematikID(cert),
		ValidTo:     s.now().Add(s.cfg.EntitlementValidity).UTC().Truncate(time.Second),
	}
	s.mu.Lock()
	s.entitlements[kvnr] = granted
	s.mu.Unlock()

	s.cfg.Logger.Info().
		Str("kvnr", kvnr).
		Str("telematik_id", granted.TelematikID).
		Bool("hcv", claims.HCV != "").
		Time("valid_to", granted.ValidTo).
		Msg("entitlement granted")
	return c.JSON(http.StatusCreated, entitlementResponse{ValidTo: granted.ValidTo.Format(time.RFC3339)})
}

func (s *Server) reject(c echo.Context, status int, code, detail string) error {
	s.cfg.Logger.Warn().Str("error_code", code).Str("reason", detail).Msg("entitlement rejected")
	return middleware.WriteError(c, status, code, detail)
}
