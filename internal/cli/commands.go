package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/FuturIsHere/Nox-Network-sub000/internal/auth"
	"github.com/FuturIsHere/Nox-Network-sub000/internal/chatclient"
	"github.com/FuturIsHere/Nox-Network-sub000/internal/config"
	"github.com/FuturIsHere/Nox-Network-sub000/internal/connmgr"
	"github.com/FuturIsHere/Nox-Network-sub000/internal/conversation"
	clog "github.com/FuturIsHere/Nox-Network-sub000/internal/log"
	"github.com/FuturIsHere/Nox-Network-sub000/internal/protocol"
	"github.com/FuturIsHere/Nox-Network-sub000/internal/unread"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	var name string
	var ttl int
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint an access token with the server's JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			tok, err := auth.GenerateAccessToken(args[0], name, cfg.JWTSecret, ttl)
			if err != nil {
				return err
			}
			return rootOpts.emit(cmd.OutOrStdout(), map[string]string{"token": tok}, func(w io.Writer) {
				fmt.Fprintln(w, tok)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name claim")
	cmd.Flags().IntVar(&ttl, "ttl", 60, "lifetime in minutes")
	return cmd
}

func NewConversationsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"ls"},
		Short:   "List conversations with unread counts",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := rootOpts.api()
			if err != nil {
				return err
			}
			list, err := api.ListConversations(cmd.Context())
			if err != nil {
				return err
			}
			return rootOpts.emit(cmd.OutOrStdout(), list, func(w io.Writer) {
				for _, c := range list {
					peer := c.PeerUsername
					if peer == "" {
						peer = c.PeerID
					}
					status := " "
					if c.IsOnline {
						status = "*"
					}
					last := ""
					if c.LastMessage != nil {
						last = c.LastMessage.Content
					}
					fmt.Fprintf(w, "%s %-36s %-20s %3d  %s\n", status, c.ID, peer, c.UnreadCount, last)
				}
			})
		},
	}
}

func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	var pages int
	cmd := &cobra.Command{
		Use:   "history <conversation-id>",
		Short: "Print messages, oldest first, paging back as requested",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := rootOpts.api()
			if err != nil {
				return err
			}
			v := conversation.NewView(args[0], api, nil, conversation.Options{PageSize: rootOpts.client.PageSize})
			if err := v.LoadInitial(cmd.Context()); err != nil {
				return err
			}
			for i := 1; i < pages && v.HasMore(); i++ {
				if _, err := v.LoadOlder(cmd.Context()); err != nil {
					return err
				}
			}
			msgs := v.Messages()
			return rootOpts.emit(cmd.OutOrStdout(), msgs, func(w io.Writer) {
				for _, m := range msgs {
					printMessage(w, m)
				}
				if v.HasMore() {
					fmt.Fprintln(w, "(older messages available, use --pages)")
				}
			})
		},
	}
	cmd.Flags().IntVar(&pages, "pages", 1, "number of pages to load")
	return cmd
}

func NewSendCommand(rootOpts *RootOptions) *cobra.Command {
	var media, kind string
	cmd := &cobra.Command{
		Use:   "send <conversation-id> <text>...",
		Short: "Send a message and relay it to connected peers",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := rootOpts.session(ctx, chatclient.Options{})
			if err != nil {
				return err
			}
			defer s.close()

			if !s.waitConnected(ctx, rootOpts.client.Timeout) {
				s.log.Warn().Msg("event server unreachable, message will not be relayed live")
			}
			convID := args[0]
			if _, err := s.client.Open(ctx, convID); err != nil {
				return err
			}
			d := conversation.Draft{Content: strings.Join(args[1:], " "), Type: kind}
			if media != "" {
				d.MediaURL = &media
			}
			op, err := s.client.Send(ctx, convID, d)
			if err != nil {
				return err
			}
			return rootOpts.emit(cmd.OutOrStdout(), map[string]string{"id": op.MessageID}, func(w io.Writer) {
				fmt.Fprintln(w, op.MessageID)
			})
		},
	}
	cmd.Flags().StringVar(&media, "media", "", "media URL to attach")
	cmd.Flags().StringVar(&kind, "type", "TEXT", "message type")
	return cmd
}

func NewListenCommand(rootOpts *RootOptions) *cobra.Command {
	var open string
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Stay connected and print messages as they arrive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			s, err := rootOpts.session(ctx, chatclient.Options{
				OnMessage: func(m protocol.Message) {
					_ = rootOpts.emit(out, m, func(w io.Writer) { printMessage(w, m) })
				},
			})
			if err != nil {
				return err
			}
			defer s.close()

			s.manager.OnStateChange(func(st connmgr.State) {
				s.log.Info().Stringer("state", st).Msg("connection")
			})
			if rootOpts.Verbose {
				s.client.Unread().Subscribe(func(snap unread.Snapshot) {
					s.log.Info().Int("total", snap.Total).Interface("counts", snap.Counts).Msg("unread")
				})
			}
			if open != "" {
				if _, err := s.client.Open(ctx, open); err != nil {
					return err
				}
			}
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&open, "open", "", "conversation to keep open and read")
	return cmd
}

func printMessage(w io.Writer, m protocol.Message) {
	line := m.Content
	if m.MediaURL != nil && *m.MediaURL != "" {
		line = strings.TrimSpace(line + " [" + *m.MediaURL + "]")
	}
	fmt.Fprintf(w, "%s %s %s: %s\n", m.CreatedAt.Local().Format(time.DateTime), m.ConversationID, m.SenderID, line)
}

type session struct {
	manager *connmgr.Manager
	client  *chatclient.Client
	log     zerolog.Logger
}

// session connects the event channel and starts a client for the token's user.
func (o *RootOptions) session(ctx context.Context, copts chatclient.Options) (*session, error) {
	api, err := o.api()
	if err != nil {
		return nil, err
	}
	uid, err := o.userID()
	if err != nil {
		return nil, err
	}
	level := zerolog.WarnLevel
	if o.Verbose {
		level = zerolog.DebugLevel
	}
	l := clog.New("dev", os.Stderr).Level(level)
	log.Logger = l

	m := connmgr.New(connmgr.Options{
		URL:        o.WSURL,
		MaxRetries: o.client.MaxRetries,
		Backoff:    connmgr.Backoff{Base: o.client.BaseDelay, Max: o.client.MaxDelay, Jitter: 0.2},
		Timeout:    o.client.Timeout,
		Dialer:     connmgr.WSDialer{Header: http.Header{"Authorization": {"Bearer " + o.Token}}},
		Logger:     &l,
	})
	copts.PageSize = o.client.PageSize
	c := chatclient.New(uid, m, api, copts)
	m.Start(ctx)
	if err := c.Start(ctx); err != nil {
		m.Close()
		return nil, err
	}
	return &session{manager: m, client: c, log: l}, nil
}

func (s *session) waitConnected(ctx context.Context, timeout time.Duration) bool {
	up := make(chan struct{})
	var once sync.Once
	dispose := s.manager.OnStateChange(func(st connmgr.State) {
		if st == connmgr.Connected {
			once.Do(func() { close(up) })
		}
	})
	defer dispose()
	if s.manager.State() == connmgr.Connected {
		return true
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-up:
		return true
	case <-t.C:
	case <-ctx.Done():
	}
	return false
}

func (s *session) close() {
	s.client.Stop()
	s.manager.Close()
}

// ExitCode maps an error to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, errNoToken) {
		return 2
	}
	return 1
}
