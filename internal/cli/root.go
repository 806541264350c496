// Package cli implements chatctl, a terminal client for the chat sync server.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/FuturIsHere/Nox-Network-sub000/internal/auth"
	"github.com/FuturIsHere/Nox-Network-sub000/internal/config"
	"github.com/FuturIsHere/Nox-Network-sub000/internal/httpapi"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Token   string
	APIURL  string
	WSURL   string
	Format  string
	Verbose bool

	client config.ClientConfig
}

var ValidFormats = []string{"text", "json"}

func NewRootCommand() *cobra.Command {
	config.LoadDotenv()
	opts := &RootOptions{client: config.LoadClient()}

	cmd := &cobra.Command{
		Use:   "chatctl",
		Short: "Talk to a chat sync server from the terminal",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Token, "token", os.Getenv("CHAT_TOKEN"), "access token (default $CHAT_TOKEN)")
	cmd.PersistentFlags().StringVar(&opts.APIURL, "api", opts.client.APIBaseURL, "REST base URL")
	cmd.PersistentFlags().StringVar(&opts.WSURL, "ws", opts.client.EventServerURL, "event server URL")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(NewTokenCommand(opts))
	cmd.AddCommand(NewConversationsCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewSendCommand(opts))
	cmd.AddCommand(NewListenCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

var errNoToken = errors.New("no access token: pass --token or set CHAT_TOKEN")

func (o *RootOptions) api() (*httpapi.Client, error) {
	if o.Token == "" {
		return nil, errNoToken
	}
	return httpapi.New(o.APIURL, o.Token, o.client.Timeout), nil
}

// userID reads the uid claim without verifying the signature; the server
// does that.
func (o *RootOptions) userID() (string, error) {
	if o.Token == "" {
		return "", errNoToken
	}
	var claims auth.Claims
	if _, _, err := jwt.NewParser().ParseUnverified(o.Token, &claims); err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	if claims.UserID == "" {
		return "", errors.New("token has no uid claim")
	}
	return claims.UserID, nil
}

// emit writes v as one JSON line, or text via fn.
func (o *RootOptions) emit(w io.Writer, v any, fn func(io.Writer)) error {
	if o.Format == "json" {
		return json.NewEncoder(w).Encode(v)
	}
	fn(w)
	return nil
}
