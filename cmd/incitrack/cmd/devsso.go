package cmd

import (
	"fmt"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/incitrack/incitrack/ssodev"
)

var devssoAddr string

var devssoCmd = &cobra.Command{
	Use:   "devsso",
	Short: "Run the development SSO provider (login, token and verify endpoints)",
	Long: `devsso issues short-lived HS256 tokens for a fixed directory of test
users and answers the token verification calls of the incitrack server.
It is meant for local development only and serves plain HTTP.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("addr") {
			cfg.DevSSO.Addr = devssoAddr
		}
		logger, err := newLogger(cfg.LogLevel)
		if err != nil {
			return err
		}

		provider, err := ssodev.New([]byte(cfg.DevSSO.Secret), cfg.DevSSO.APIKey,
			ssodev.WithLogger(logger),
			ssodev.WithTokenTTL(cfg.DevSSO.TokenTTL),
			ssodev.WithRotateWithin(cfg.DevSSO.RotateWithin),
		)
		if err != nil {
			return fmt.Errorf("devsso: %w", err)
		}

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)
		r.Mount("/", provider.Router())

		out := cmd.OutOrStdout()
		printBanner(out, "Development SSO")
		fmt.Fprintf(out, "Starting devsso on %s (token ttl %s)...\n", cfg.DevSSO.Addr, cfg.DevSSO.TokenTTL)
		return runServer(newHTTPServer(cfg.DevSSO.Addr, r), out)
	},
}

func init() {
	rootCmd.AddCommand(devssoCmd)
	devssoCmd.Flags().StringVar(&devssoAddr, "addr", ":9443", "Address to listen on")
}
