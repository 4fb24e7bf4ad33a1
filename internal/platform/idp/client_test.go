package idp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/ehr/pssim/internal/platform/card"
	"github.com/ehr/pssim/internal/platform/remote"
)

const testTelematikID = "1-SMC-B-Testkarte-883110000092414"

func testCredentials(t *testing.T, keyType card.KeyType) *card.Credentials {
	t.Helper()
	authority := card.NewSoftAuthority()
	c, err := authority.AddCard(card.CardTypeSMCB, testTelematikID, keyType)
	if err != nil {
		t.Fatalf("AddCard: %v", err)
	}
	creds, err := card.NewFacade(authority, zerolog.Nop()).Credentials(context.Background(), c.Handle)
	if err != nil {
		t.Fatalf("Credentials: %v", err)
	}
	return creds
}

// fakeIdP serves a fixed challenge and redirects with code "auth-code" after
// verifying the card signature.
func fakeIdP(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			q := r.URL.Query()
			if q.Get("code_challenge_method") != "S256" || q.Get("response_type") != "code" {
				t.Errorf("unexpected authorization query %v", q)
			}
			if q.Get("client_id") != "GEMBITMAePAe2zrxzLOR" {
				t.Errorf("unexpected client_id %q", q.Get("client_id"))
			}
			json.NewEncoder(w).Encode(map[string]string{"challenge": "challenge-token"})
		case http.MethodPost:
			r.ParseForm()
			claims := jwt.MapClaims{}
			_, err := card.ParseSignedJWT(r.PostForm.Get("signed_challenge"), claims)
			if err != nil {
				t.Errorf("signed challenge did not verify: %v", err)
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			tok, _, _ := jwt.NewParser().ParseUnverified(r.PostForm.Get("signed_challenge"), jwt.MapClaims{})
			if tok.Header["cty"] != "NJWT" {
				t.Errorf("expected cty NJWT, got %v", tok.Header["cty"])
			}
			if claims["njwt"] != "challenge-token" {
				t.Errorf("unexpected njwt claim %v", claims["njwt"])
			}
			http.Redirect(w, r, "https://epa.example/callback?code=auth-code&state=state-1", http.StatusFound)
		}
	}))
}

func testParams() AuthorizationParams {
	return AuthorizationParams{
		ClientID:      "GEMBITMAePAe2zrxzLOR",
		RedirectURI:   "https://epa.example/callback",
		Scope:         "openid ePA-bmt-rt",
		State:         "state-1",
		Nonce:         "nonce-1",
		CodeChallenge: "Ca3Ve8jSsBQOBFVqQvLs1E-dGV1BXg2FTvrd-Tg19Vg",
	}
}

func TestLogin_Success(t *testing.T) {
	for _, kt := range []card.KeyType{card.KeyTypeECDSA, card.KeyTypeRSA} {
		t.Run(string(kt), func(t *testing.T) {
			srv := fakeIdP(t)
			defer srv.Close()

			c := NewClient(srv.URL+"/auth", remote.NewClient(), zerolog.Nop())
			resp, err := c.Login(context.Background(), testParams(), testCredentials(t, kt))
			if err != nil {
				t.Fatalf("Login failed: %v", err)
			}
			if resp.Code != "auth-code" || resp.State != "state-1" {
				t.Errorf("unexpected response %+v", resp)
			}
			if resp.RedirectURI != "https://epa.example/callback" {
				t.Errorf("unexpected redirect uri %q", resp.RedirectURI)
			}
		})
	}
}

func TestLogin_StateMismatch(t *testing.T) {
	srv := fakeIdP(t)
	defer srv.Close()

	params := testParams()
	params.State = "other-state"
	c := NewClient(srv.URL+"/auth", remote.NewClient(), zerolog.Nop())
	_, err := c.Login(context.Background(), params, testCredentials(t, card.KeyTypeECDSA))

	var idpErr *Error
	if !errors.As(err, &idpErr) || idpErr.Code != "invalid_state" {
		t.Fatalf("expected invalid_state error, got %v", err)
	}
}

func TestLogin_ErrorRedirect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			json.NewEncoder(w).Encode(map[string]string{"challenge": "c"})
			return
		}
		q := url.Values{"error": {"access_denied"}, "error_description": {"card revoked"}}
		http.Redirect(w, r, "https://epa.example/callback?"+q.Encode(), http.StatusFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, remote.NewClient(), zerolog.Nop())
	_, err := c.Login(context.Background(), testParams(), testCredentials(t, card.KeyTypeECDSA))

	var idpErr *Error
	if !errors.As(err, &idpErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if idpErr.Code != "access_denied" || idpErr.Description != "card revoked" {
		t.Errorf("unexpected error %+v", idpErr)
	}
}

func TestLogin_ChallengeFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"not found", http.StatusNotFound, ""},
		{"empty challenge", http.StatusOK, `{"challenge":""}`},
		{"not json", http.StatusOK, "<html/>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method == http.MethodPost {
					t.Error("signed challenge must not be submitted")
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewClient(srv.URL, remote.NewClient(), zerolog.Nop())
			_, err := c.Login(context.Background(), testParams(), testCredentials(t, card.KeyTypeECDSA))
			var idpErr *Error
			if !errors.As(err, &idpErr) {
				t.Fatalf("expected *Error, got %v", err)
			}
		})
	}
}

func TestLogin_SigningFailure(t *testing.T) {
	srv := fakeIdP(t)
	defer srv.Close()

	creds := testCredentials(t, card.KeyTypeECDSA)
	creds.Sign = func([]byte) ([]byte, error) { return nil, errors.New("card removed") }

	c := NewClient(srv.URL, remote.NewClient(), zerolog.Nop())
	_, err := c.Login(context.Background(), testParams(), creds)
	if !errors.Is(err, card.ErrSigning) {
		t.Fatalf("expected ErrSigning in chain, got %v", err)
	}
}

func TestLogin_StructuredRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			json.NewEncoder(w).Encode(map[string]string{"challenge": "c"})
			return
		}
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"errorCode":"invalid_signature"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, remote.NewClient(), zerolog.Nop())
	_, err := c.Login(context.Background(), testParams(), testCredentials(t, card.KeyTypeECDSA))

	var se *remote.StructuredError
	if !errors.As(err, &se) || se.ErrorCode != "invalid_signature" {
		t.Fatalf("expected structured error, got %v", err)
	}
}

func TestLogin_NilCredentials(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", remote.NewClient(), zerolog.Nop())
	if _, err := c.Login(context.Background(), testParams(), nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestLogin_OAuthErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_client","error_description":"unknown client_id"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, remote.NewClient(), zerolog.Nop())
	_, err := c.Login(context.Background(), testParams(), testCredentials(t, card.KeyTypeECDSA))

	var idpErr *Error
	if !errors.As(err, &idpErr) || idpErr.Code != "invalid_client" {
		t.Fatalf("expected invalid_client, got %v", err)
	}
	if err.Error() != "idp fetch challenge: invalid_client: unknown client_id" {
		t.Errorf("unexpected message %q", err.Error())
	}
}
