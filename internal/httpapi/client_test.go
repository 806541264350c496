package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/FuturIsHere/Nox-Network-sub000/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_ListMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "/api/v1/messages/c1/messages", r.URL.Path)
		assert.Equal(t, "20", r.URL.Query().Get("offset"))
		assert.Equal(t, "20", r.URL.Query().Get("limit"))
		json.NewEncoder(w).Encode(map[string]any{
			"messages": []protocol.Message{{ID: "m1", ConversationID: "c1"}},
		})
	}))
	defer srv.Close()

	c := New(srv.URL+"/api/v1/", "tok", time.Second)
	msgs, err := c.ListMessages(context.Background(), "c1", 20, 20)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
}

func TestClient_CreateAndDelete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var in protocol.NewMessage
			require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(protocol.Message{ID: "m9", Content: in.Content})
		case http.MethodDelete:
			json.NewEncoder(w).Encode(protocol.DeleteResult{ConversationDeleted: true, Reason: "last_message_deleted"})
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second)
	m, err := c.CreateMessage(context.Background(), "c1", protocol.NewMessage{Content: "hey"})
	require.NoError(t, err)
	assert.Equal(t, "hey", m.Content)

	res, err := c.DeleteMessage(context.Background(), "c1", "m9")
	require.NoError(t, err)
	assert.True(t, res.ConversationDeleted)
}

func TestClient_StatusErrors(t *testing.T) {
	tests := []struct {
		code   int
		denied bool
	}{
		{http.StatusForbidden, true},
		{http.StatusNotFound, true},
		{http.StatusBadRequest, false},
		{http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.code), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				json.NewEncoder(w).Encode(map[string]string{"error": "nope"})
			}))
			defer srv.Close()

			err := New(srv.URL, "", time.Second).MarkRead(context.Background(), "c1")
			var se *StatusError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.code, se.Code)
			assert.Equal(t, "nope", se.Message)
			assert.Equal(t, tt.denied, IsAccessDenied(err))
		})
	}
}
