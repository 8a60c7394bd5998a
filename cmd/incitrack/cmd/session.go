package cmd

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/incitrack/incitrack/activity"
	"github.com/incitrack/incitrack/client"
	"github.com/incitrack/incitrack/internal/config"
	"github.com/incitrack/incitrack/session"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage the command-line session",
}

var loginFlags struct {
	token string
	user  string
	sso   bool
}

var sessionStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCLIClient(cmd, func(ctx context.Context, c *client.Client, state *session.State) error {
			out := cmd.OutOrStdout()
			snap := state.Snapshot()
			if !snap.Authenticated {
				fmt.Fprintln(out, "Not logged in.")
				return nil
			}
			if snap.User != nil {
				fmt.Fprintf(out, "User:    %s (%s)\n", snap.User.Name, snap.User.Login)
				if snap.User.HasRole() {
					fmt.Fprintf(out, "Role:    %s\n", snap.User.RoleLabel)
				}
			}
			if exp, ok := client.TokenExpiry(snap.Token); ok {
				fmt.Fprintf(out, "Expires: %s (%s)\n", exp.Local().Format(time.RFC3339), time.Until(exp).Round(time.Second))
			}
			return nil
		})
	},
}

var sessionLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in with a token, a development SSO user or the SSO round-trip",
	Long: `login stores a session for later commands.

  incitrack session login --token eyJ...
  incitrack session login --user u1001
  incitrack session login --sso [--user u1001]

--sso walks the same redirects as a browser: /auth/login, the SSO login
page and /auth/callback. The session cookie obtained there is then checked
with /auth/me, which hands back the token and the user.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		switch {
		case loginFlags.sso && loginFlags.token != "":
			return errors.New("--sso cannot be combined with --token")
		case !loginFlags.sso && (loginFlags.token == "") == (loginFlags.user == ""):
			return errors.New("exactly one of --token or --user is required")
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return withCLIClient(cmd, func(ctx context.Context, c *client.Client, state *session.State) error {
			switch {
			case loginFlags.sso:
				if err := ssoLogin(ctx, cfg, c, loginFlags.user); err != nil {
					return fmt.Errorf("login failed: %w", err)
				}
			default:
				token := loginFlags.token
				if token == "" {
					if token, err = devToken(ctx, cfg, loginFlags.user); err != nil {
						return err
					}
				}
				if err := c.Login(ctx, token); err != nil {
					return fmt.Errorf("login failed: %w", err)
				}
			}
			name := "unknown user"
			if u, ok := state.CurrentUser(); ok {
				name = u.Name
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s.\n", name)
			return nil
		})
	},
}

var sessionLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCLIClient(cmd, func(ctx context.Context, c *client.Client, _ *session.State) error {
			if err := c.Logout(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
			return nil
		})
	},
}

// withCLIClient opens the persisted session, restores it and hands a
// client bound to it to fn.
func withCLIClient(cmd *cobra.Command, fn func(context.Context, *client.Client, *session.State) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}

	store, err := openStateStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	state := session.New(store, session.WithLogger(logger))
	errOut := cmd.ErrOrStderr()
	c, err := client.New(cfg.Client.BaseURL, state,
		client.WithLogger(logger),
		client.WithHTTPClient(cliHTTPClient(cfg)),
		client.WithNotifier(client.NotifierFunc(func(_ context.Context, n client.Notice) {
			fmt.Fprintf(errOut, "%s: %s\n", n.Title, n.Message)
		})),
	)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if err := c.Bootstrap(ctx); err != nil {
		return fmt.Errorf("restoring session: %w", err)
	}
	// Running a command is the user's keystroke.
	c.Tracker().Record(activity.KeyDown)
	return fn(ctx, c, state)
}

func cliHTTPClient(cfg config.Config) *http.Client {
	jar, _ := cookiejar.New(nil)
	return &http.Client{Transport: cliTransport(cfg), Jar: jar, Timeout: 30 * time.Second}
}

func cliTransport(cfg config.Config) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.TLSClientConfig = &tls.Config{InsecureSkipVerify: cfg.Client.InsecureSkipVerify} //nolint:gosec
	return t
}

// ssoLogin follows /auth/login through the SSO back to /auth/callback with
// the client's cookie jar, then adopts the session through /auth/me. When
// login is set it picks the development SSO user.
func ssoLogin(ctx context.Context, cfg config.Config, c *client.Client, login string) error {
	sso, err := url.Parse(cfg.Client.SSOURL)
	if err != nil {
		return fmt.Errorf("parsing SSO URL: %w", err)
	}
	hc := &http.Client{
		Transport: cliTransport(cfg),
		Jar:       c.HTTPClient().Jar,
		Timeout:   30 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return errors.New("stopped after 10 redirects")
			}
			if via[len(via)-1].URL.Path == "/auth/callback" {
				return http.ErrUseLastResponse
			}
			if login != "" && req.URL.Host == sso.Host {
				q := req.URL.Query()
				q.Set("login", login)
				req.URL.RawQuery = q.Encode()
			}
			return nil
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL("/auth/login"), nil)
	if err != nil {
		return err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("SSO round-trip: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("SSO round-trip ended with %s", resp.Status)
	}

	if st := c.ValidateSession(ctx); !st.Authenticated {
		return errors.New("no session was established")
	}
	return nil
}

// devToken asks the development SSO provider for a token for login.
func devToken(ctx context.Context, cfg config.Config, login string) (string, error) {
	body, err := json.Marshal(map[string]string{"login": login})
	if err != nil {
		return "", err
	}
	url := strings.TrimRight(cfg.Client.SSOURL, "/") + "/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := cliHTTPClient(cfg).Do(req)
	if err != nil {
		return "", fmt.Errorf("contacting SSO provider: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("reading SSO response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("SSO provider refused %q: %s", login, strings.TrimSpace(string(raw)))
	}

	var tok struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(raw, &tok); err != nil || tok.Token == "" {
		return "", errors.New("SSO provider returned no token")
	}
	return tok.Token, nil
}

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionStatusCmd, sessionLoginCmd, sessionLogoutCmd)
	sessionLoginCmd.Flags().StringVar(&loginFlags.token, "token", "", "Bearer token to adopt")
	sessionLoginCmd.Flags().StringVar(&loginFlags.user, "user", "", "Development SSO login to request a token for")
	sessionLoginCmd.Flags().BoolVar(&loginFlags.sso, "sso", false, "Log in through the SSO redirect round-trip")
}
