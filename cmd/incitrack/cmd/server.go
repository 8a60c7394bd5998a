package cmd

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/incitrack/incitrack/api"
	"github.com/incitrack/incitrack/internal/config"
	"github.com/incitrack/incitrack/verify"
	"github.com/incitrack/incitrack/web"
)

var serverFlags struct {
	addr    string
	dataDir string
	backend string
	tlsCert string
	tlsKey  string
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the incident API and browser shell",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		applyServerFlags(cmd, &cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := cfg.ValidateServer(); err != nil {
			return err
		}
		logger, err := newLogger(cfg.LogLevel)
		if err != nil {
			return err
		}

		store, closeStore, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		sessions := api.NewPersistentSessionStore(store, cfg.Session.IdleTimeout, logger)
		defer sessions.Close()

		validator := verify.NewHTTPValidator(cfg.Verify.URL, []byte(cfg.Verify.APIKey),
			verify.WithTimeout(cfg.Verify.Timeout),
			verify.WithInsecureSkipVerify(cfg.Verify.InsecureSkipVerify),
		)

		opts, err := apiOptions(cfg)
		if err != nil {
			return err
		}
		opts = append(opts, api.WithLogger(logger), api.WithSessionStore(sessions))

		a := api.New(validator, store, opts...)
		defer a.Close()

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)
		r.Use(api.SecurityHeaders)
		r.Mount("/", a.Router())

		server := newHTTPServer(cfg.HTTP.Addr, r)
		if !cfg.HTTP.Plaintext || cfg.HTTP.TLSCert != "" {
			server.TLSConfig, err = tlsConfig(cfg.HTTP.TLSCert, cfg.HTTP.TLSKey, logger)
			if err != nil {
				return err
			}
		}

		out := cmd.OutOrStdout()
		printBanner(out, "Security Incident Tracker")
		fmt.Fprintf(out, "Starting server on %s (backend: %s, validator: %s)...\n",
			cfg.HTTP.Addr, cfg.Session.Backend, cfg.Verify.URL)
		return runServer(server, out)
	},
}

func applyServerFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.HTTP.Addr = serverFlags.addr
	}
	if flags.Changed("data-dir") {
		cfg.Storage.DataDir = serverFlags.dataDir
	}
	if flags.Changed("backend") {
		cfg.Session.Backend = serverFlags.backend
	}
	if flags.Changed("tls-cert") {
		cfg.HTTP.TLSCert = serverFlags.tlsCert
	}
	if flags.Changed("tls-key") {
		cfg.HTTP.TLSKey = serverFlags.tlsKey
	}
}

// apiOptions maps configuration onto api options, including the browser
// shell mounted behind the session gate.
func apiOptions(cfg config.Config) ([]api.Option, error) {
	opts := []api.Option{
		api.WithSessionTTL(cfg.Session.TTL),
		api.WithLoginURL(cfg.SSO.LoginURL),
		api.WithPublicURL(cfg.SSO.PublicURL),
		api.WithAuditWebhook(cfg.Alerts.WebhookURL, cfg.Alerts.WebhookAuthHeader),
	}
	if len(cfg.Auth.BypassPrefixes) > 0 {
		opts = append(opts, api.WithBypassPrefixes(cfg.Auth.BypassPrefixes))
	}
	if len(cfg.HTTP.TrustedProxies) > 0 {
		opt, err := api.WithTrustedProxies(cfg.HTTP.TrustedProxies)
		if err != nil {
			return nil, err
		}
		opts = append(opts, opt)
	}

	shell, err := web.Handler(shellMeta)
	if err != nil {
		return nil, err
	}
	return append(opts, api.WithAppHandler(shell)), nil
}

func shellMeta(r *http.Request) map[string]string {
	user, ok := api.CurrentUser(r.Context())
	if !ok {
		return nil
	}
	return map[string]string{
		"incitrack-user": user.Name,
		"incitrack-role": user.RoleLabel,
	}
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVar(&serverFlags.addr, "addr", ":8443", "Address to listen on")
	serverCmd.Flags().StringVar(&serverFlags.dataDir, "data-dir", "./data", "Directory for persistent data (bbolt backend)")
	serverCmd.Flags().StringVar(&serverFlags.backend, "backend", config.BackendMemory, "Storage backend: memory, bbolt, redis or postgres")
	serverCmd.Flags().StringVar(&serverFlags.tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&serverFlags.tlsKey, "tls-key", "", "Path to TLS key file")
}
