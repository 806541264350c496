package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/FuturIsHere/Nox-Network-sub000/internal/auth"
	"github.com/FuturIsHere/Nox-Network-sub000/internal/chatclient"
	"github.com/FuturIsHere/Nox-Network-sub000/internal/config"
	"github.com/FuturIsHere/Nox-Network-sub000/internal/db"
	"github.com/FuturIsHere/Nox-Network-sub000/internal/httpapi"
	"github.com/FuturIsHere/Nox-Network-sub000/internal/protocol"
	"github.com/FuturIsHere/Nox-Network-sub000/internal/server"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "cli-secret"

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "chatctl", cmd.Use)

	for _, name := range []string{"token", "conversations", "history", "send", "listen"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}

	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestInvalidFormat(t *testing.T) {
	_, err := run(t, "conversations", "--format", "yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestMissingToken(t *testing.T) {
	t.Setenv("CHAT_TOKEN", "")
	_, err := run(t, "conversations")
	assert.ErrorIs(t, err, errNoToken)
	assert.Equal(t, 2, ExitCode(err))
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	out, err := run(t, "token", "alice", "--name", "Alice")
	require.NoError(t, err)

	claims, err := auth.ParseAccessToken(strings.TrimSpace(out), testSecret)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)
	assert.Equal(t, "Alice", claims.Username)
}

func startServer(t *testing.T) (*httptest.Server, *server.App) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.Config{
		Port:                  "0",
		Env:                   "dev",
		DatabaseDriver:        "sqlite",
		DatabaseDSN:           filepath.Join(t.TempDir(), "chat.db"),
		JWTSecret:             testSecret,
		AccessTokenTTLMinutes: 15,
		PresenceScope:         "shared",
	}
	gdb, err := db.Connect(cfg.DatabaseDriver, cfg.DatabaseDSN)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))
	app := server.New(cfg, gdb, nil)
	srv := httptest.NewServer(app.Engine)
	t.Cleanup(func() {
		srv.Close()
		app.Close()
		if sqlDB, err := gdb.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return srv, app
}

func mint(t *testing.T, user string) string {
	t.Helper()
	tok, err := auth.GenerateAccessToken(user, user, testSecret, 15)
	require.NoError(t, err)
	return tok
}

func TestSendThenHistory(t *testing.T) {
	srv, _ := startServer(t)
	api := srv.URL + "/api/v1"
	ws := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	alice, bob := mint(t, "alice"), mint(t, "bob")
	ctx := context.Background()

	// bob has to be known to the server before alice can start with them
	_, err := httpapi.New(api, bob, time.Second).ListConversations(ctx)
	require.NoError(t, err)
	conv, err := httpapi.New(api, alice, time.Second).StartConversation(ctx, "bob")
	require.NoError(t, err)

	out, err := run(t, "send", conv.ID, "hello", "bob", "--token", alice, "--api", api, "--ws", ws)
	require.NoError(t, err)
	msgID := strings.TrimSpace(out)
	require.NotEmpty(t, msgID)

	out, err = run(t, "history", conv.ID, "--token", bob, "--api", api)
	require.NoError(t, err)
	assert.Contains(t, out, "alice: hello bob")

	out, err = run(t, "conversations", "--token", bob, "--api", api, "--format", "json")
	require.NoError(t, err)
	var list []protocol.ConversationSummary
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list, 1)
	assert.Equal(t, conv.ID, list[0].ID)
	assert.Equal(t, 1, list[0].UnreadCount)
	require.NotNil(t, list[0].LastMessage)
	assert.Equal(t, msgID, list[0].LastMessage.ID)
}

func TestListenerCountsUnopenedConversation(t *testing.T) {
	srv, app := startServer(t)
	api := srv.URL + "/api/v1"
	ws := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	alice, bob := mint(t, "alice"), mint(t, "bob")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := httpapi.New(api, bob, time.Second).ListConversations(ctx)
	require.NoError(t, err)
	conv, err := httpapi.New(api, alice, time.Second).StartConversation(ctx, "bob")
	require.NoError(t, err)

	opts := &RootOptions{Token: bob, APIURL: api, WSURL: ws, client: config.LoadClient()}
	s, err := opts.session(ctx, chatclient.Options{})
	require.NoError(t, err)
	defer s.close()
	require.True(t, s.waitConnected(ctx, 5*time.Second))
	require.Eventually(t, func() bool { return app.Router.RoomSize(conv.ID) == 1 }, 5*time.Second, 10*time.Millisecond,
		"listed conversations are joined without opening them")

	_, err = run(t, "send", conv.ID, "ping", "--token", alice, "--api", api, "--ws", ws)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.client.Unread().RawCount(conv.ID) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, s.client.Unread().TotalUnreadCount())
}
