package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/pssim/internal/config"
	"github.com/ehr/pssim/internal/domain/entitlement"
	"github.com/ehr/pssim/internal/domain/insurance"
	"github.com/ehr/pssim/internal/domain/login"
	"github.com/ehr/pssim/internal/domain/vsdm"
	"github.com/ehr/pssim/internal/platform/card"
	"github.com/ehr/pssim/internal/platform/idp"
	"github.com/ehr/pssim/internal/platform/middleware"
	"github.com/ehr/pssim/internal/platform/remote"
	"github.com/ehr/pssim/internal/platform/simulator"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "pssim",
		Short:        "Primary system simulator for record system login and entitlements",
		SilenceUsage: true,
	}

	root.AddCommand(simulateCmd())
	root.AddCommand(loginCmd())
	root.AddCommand(entitleCmd())
	root.AddCommand(checksumCmd())
	return root
}

// loadConfig loads and validates the configuration and builds the logger.
// Logs go to stderr so command output on stdout stays machine readable.
func loadConfig(cmd *cobra.Command) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("invalid config: %w", err)
	}
	return cfg, newLogger(cfg, cmd.ErrOrStderr()), nil
}

func newLogger(cfg *config.Config, w io.Writer) zerolog.Logger {
	logger := zerolog.New(w).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
	}
	return logger.Level(cfg.Level())
}

func newIssuer(cfg *config.Config) (*vsdm.Issuer, error) {
	if _, err := cfg.Secret(); err != nil {
		return nil, err
	}
	return vsdm.NewIssuer(cfg.VSDMOperatorID, cfg.VSDMKeyVersion, cfg.VSDMSecret)
}

func newHTTPClient(cfg *config.Config, logger zerolog.Logger) *remote.Client {
	return remote.NewClient(
		remote.WithUserAgent(cfg.UserAgent),
		remote.WithRateLimit(cfg.HTTPRateLimitRPS, cfg.HTTPRateLimitBurst),
		remote.WithLogger(logger),
	)
}

// baseURL maps an FQDN to the record system. RECORD_SYSTEM_URL overrides
// the https://<fqdn> default, which is how the local simulator is reached.
func baseURL(cfg *config.Config) func(string) string {
	return func(fqdn string) string {
		if cfg.RecordSystemURL != "" {
			return cfg.RecordSystemURL
		}
		return "https://" + fqdn
	}
}

func idpEndpoint(cfg *config.Config, fqdn string) string {
	if cfg.IDPURL != "" {
		return cfg.IDPURL
	}
	return remote.JoinURL(baseURL(cfg)(fqdn), simulator.PathIDPAuth)
}

func parseKeyType(s string) (card.KeyType, error) {
	switch card.KeyType(s) {
	case card.KeyTypeECDSA, card.KeyTypeRSA, card.KeyTypeBrainpool:
		return card.KeyType(s), nil
	}
	return "", fmt.Errorf("unknown key type %q (want ecdsa, rsa or brainpool)", s)
}

// softCards inserts one software SMC-B for telematikID.
func softCards(telematikID, keyType string, logger zerolog.Logger) (*card.Facade, error) {
	kt, err := parseKeyType(keyType)
	if err != nil {
		return nil, err
	}
	authority := card.NewSoftAuthority()
	if _, err := authority.AddCard(card.CardTypeSMCB, telematikID, kt); err != nil {
		return nil, fmt.Errorf("inserting software card: %w", err)
	}
	return card.NewFacade(authority, logger), nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func simulateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "simulate",
		Short: "Serve the record system and IdP simulator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			issuer, err := newIssuer(cfg)
			if err != nil {
				return err
			}

			sim, err := simulator.New(simulator.Config{
				Issuer:              issuer,
				ClientID:            cfg.ClientID,
				RedirectURI:         cfg.RedirectURI,
				AuditEvidenceMaxAge: cfg.AuditEvidenceMaxAge,
				RateLimit: middleware.RateLimitConfig{
					RequestsPerSecond: cfg.RateLimitRPS,
					BurstSize:         cfg.RateLimitBurst,
				},
				Logger: logger,
			})
			if err != nil {
				return err
			}
			return serve(sim, ":"+cfg.Port, logger)
		},
	}
}

// serve runs the simulator until SIGINT or SIGTERM.
func serve(sim *simulator.Server, addr string, logger zerolog.Logger) error {
	errc := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("starting simulator")
		errc <- sim.Start(addr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errc:
		return err
	case <-quit:
	}

	logger.Info().Msg("shutting down simulator")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sim.Shutdown(ctx); err != nil {
		return fmt.Errorf("simulator shutdown failed: %w", err)
	}
	logger.Info().Msg("simulator stopped")
	return nil
}

func loginCmd() *cobra.Command {
	var telematikID, fqdn, keyType string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log a software SMC-B into a record system",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cards, err := softCards(telematikID, keyType, logger)
			if err != nil {
				return err
			}

			hc := newHTTPClient(cfg, logger)
			flow := login.NewFlow(cards, hc, idp.NewClient(idpEndpoint(cfg, fqdn), hc, logger),
				login.WithStepTimeout(cfg.StepTimeout),
				login.WithBaseURL(baseURL(cfg)),
				login.WithLogger(logger),
			)

			res, err := flow.Login(cmd.Context(), login.Request{TelematikID: telematikID, FQDN: fqdn})
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("login failed in %s: %s", res.State, res.ErrorMessage)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&telematikID, "telematik-id", "", "telematik id of the SMC-B")
	cmd.Flags().StringVar(&fqdn, "fqdn", "", "host of the record system")
	cmd.Flags().StringVar(&keyType, "key", string(card.KeyTypeECDSA), "card key type (ecdsa, rsa or brainpool)")
	_ = cmd.MarkFlagRequired("telematik-id")
	_ = cmd.MarkFlagRequired("fqdn")
	return cmd
}

func entitleCmd() *cobra.Command {
	var (
		telematikID, fqdn, keyType, testCase string
		kvnrs                                []string
		parallel                             int
	)

	cmd := &cobra.Command{
		Use:   "entitle",
		Short: "Request entitlements for insurants from the fixture file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			tc, err := entitlement.ParseTestCase(testCase)
			if err != nil {
				return err
			}
			if cfg.InsuranceFixtures == "" {
				return fmt.Errorf("INSURANCE_FIXTURES is required")
			}
			issuer, err := newIssuer(cfg)
			if err != nil {
				return err
			}
			source, err := insurance.LoadFixtures(cfg.InsuranceFixtures, issuer)
			if err != nil {
				return err
			}
			if len(kvnrs) == 0 {
				kvnrs = source.KVNRs()
			}

			cards, err := softCards(telematikID, keyType, logger)
			if err != nil {
				return err
			}
			flow := entitlement.NewFlow(cards, source, newHTTPClient(cfg, logger),
				entitlement.WithRequireHCV(cfg.RequireHCV),
				entitlement.WithBaseURL(baseURL(cfg)),
				entitlement.WithTimeout(cfg.StepTimeout),
				entitlement.WithLogger(logger),
			)

			reqs := make([]entitlement.Request, 0, len(kvnrs))
			for _, kvnr := range kvnrs {
				reqs = append(reqs, entitlement.Request{
					KVNR:        kvnr,
					TelematikID: telematikID,
					FQDN:        fqdn,
					TestCase:    tc,
				})
			}
			outcomes, err := flow.RequestAll(cmd.Context(), reqs, parallel)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), outcomes)
		},
	}

	cmd.Flags().StringVar(&telematikID, "telematik-id", "", "telematik id of the SMC-B")
	cmd.Flags().StringVar(&fqdn, "fqdn", "", "host of the record system")
	cmd.Flags().StringVar(&keyType, "key", string(card.KeyTypeECDSA), "card key type (ecdsa, rsa or brainpool)")
	cmd.Flags().StringVar(&testCase, "test-case", string(entitlement.ValidHCV), "HCV test case")
	cmd.Flags().StringSliceVar(&kvnrs, "kvnr", nil, "insurants to entitle (default: all fixtures)")
	cmd.Flags().IntVar(&parallel, "parallel", 4, "maximum concurrent requests")
	_ = cmd.MarkFlagRequired("telematik-id")
	_ = cmd.MarkFlagRequired("fqdn")
	return cmd
}

func checksumCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checksum",
		Short: "Issue and decode VSDM+ Prüfziffern",
	}

	var kvnr, begin, street string
	var revoked bool
	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a Prüfziffer for an insurant",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			issuer, err := newIssuer(cfg)
			if err != nil {
				return err
			}
			checksum, err := issuer.Issue(begin, street, kvnr, revoked)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), checksum)
			return err
		},
	}
	issueCmd.Flags().StringVar(&kvnr, "kvnr", "", "insurant KVNR")
	issueCmd.Flags().StringVar(&begin, "versicherungsbeginn", "", "insurance start date (YYYYMMDD)")
	issueCmd.Flags().StringVar(&street, "street", "", "street address")
	issueCmd.Flags().BoolVar(&revoked, "revoked", false, "mark the eGK as revoked")
	_ = issueCmd.MarkFlagRequired("kvnr")
	_ = issueCmd.MarkFlagRequired("versicherungsbeginn")

	decodeCmd := &cobra.Command{
		Use:   "decode <checksum>",
		Short: "Verify and decode a Prüfziffer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			issuer, err := newIssuer(cfg)
			if err != nil {
				return err
			}
			p, err := issuer.Verify(args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), decodedChecksum{
				OperatorID: string(p.OperatorID),
				KeyVersion: p.KeyVersion,
				KVNR:       p.KVNR,
				HCV:        p.HCV.Base64(),
				IssuedAt:   p.IssuedAt.UTC().Format(time.RFC3339),
				Revoked:    p.Revoked,
			})
		},
	}

	cmd.AddCommand(issueCmd, decodeCmd)
	return cmd
}

type decodedChecksum struct {
	OperatorID string `json:"operatorId"`
	KeyVersion int    `json:"keyVersion"`
	KVNR       string `json:"kvnr"`
	HCV        string `json:"hcv"`
	IssuedAt   string `json:"issuedAt"`
	Revoked    bool   `json:"revoked"`
}
