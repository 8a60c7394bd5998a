package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/incitrack/incitrack/client"
	"github.com/incitrack/incitrack/session"
)

var callData string

var callCmd = &cobra.Command{
	Use:   "call METHOD PATH",
	Short: "Send an authenticated request to the API and print the response",
	Long: `call sends one request with the stored session token. An expired token
is refreshed transparently and the request retried; when the session
cannot be renewed it is cleared and the command fails.

  incitrack call GET /api/v1/incidents
  incitrack call POST /api/v1/incidents --data @draft.json`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		method := strings.ToUpper(args[0])
		path := args[1]

		body, err := callBody(callData)
		if err != nil {
			return err
		}

		return withCLIClient(cmd, func(ctx context.Context, c *client.Client, _ *session.State) error {
			resp, err := c.Call(ctx, method, path, body)
			if errors.Is(err, client.ErrSessionEnded) {
				return errors.New("session ended; run `incitrack session login` again")
			}
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if _, err := io.Copy(cmd.OutOrStdout(), resp.Body); err != nil {
				return fmt.Errorf("reading response: %w", err)
			}
			if resp.StatusCode >= http.StatusBadRequest {
				return fmt.Errorf("%s %s: %s", method, path, resp.Status)
			}
			return nil
		})
	},
}

// callBody resolves --data: empty means no body, a leading @ names a file.
func callBody(data string) (io.Reader, error) {
	switch {
	case data == "":
		return nil, nil
	case strings.HasPrefix(data, "@"):
		raw, err := os.ReadFile(strings.TrimPrefix(data, "@"))
		if err != nil {
			return nil, fmt.Errorf("reading request body: %w", err)
		}
		return bytes.NewReader(raw), nil
	default:
		return strings.NewReader(data), nil
	}
}

func init() {
	rootCmd.AddCommand(callCmd)
	callCmd.Flags().StringVarP(&callData, "data", "d", "", "JSON request body, or @file")
}
