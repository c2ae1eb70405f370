package websocket

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ictaccess/internal/event"
	"ictaccess/internal/model"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTokens map[string]model.ActorContext

func (f fakeTokens) ParseToken(token string) (model.ActorContext, error) {
	actor, ok := f[token]
	if !ok {
		return model.ActorContext{}, errors.New("unknown token")
	}
	return actor, nil
}

func startHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	hub := NewHub(logger)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	tokens := fakeTokens{
		"head":  model.NewActor(uuid.New(), model.RoleHeadOfIT),
		"staff": model.NewActor(uuid.New(), model.RoleStaff),
	}
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		ServeWs(hub, c, tokens, model.RoleHeadOfIT, model.RoleAdmin)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func TestServeWsRejectsBadTokens(t *testing.T) {
	_, srv := startHub(t)

	tests := []struct {
		query string
		want  int
	}{
		{query: "", want: http.StatusUnauthorized},
		{query: "?token=forged", want: http.StatusUnauthorized},
		{query: "?token=staff", want: http.StatusForbidden},
	}
	for _, tt := range tests {
		resp, err := http.Get(srv.URL + "/ws" + tt.query)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, tt.want, resp.StatusCode, tt.query)
	}
}

func TestHubBroadcastsWorkflowEvents(t *testing.T) {
	hub, srv := startHub(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=head"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	ev := event.New(event.KindDecided, uuid.New(), model.RequestTypeModuleAccess, "ICT-20261019-00001", uuid.New())
	ev.Stage = model.StageHOD
	hub.HandleEvent(context.Background(), ev)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "workflow_event", msg.Type)
	assert.Equal(t, ev.ID, msg.Data.ID)
	assert.Equal(t, event.KindDecided, msg.Data.Kind)
	assert.Equal(t, model.StageHOD, msg.Data.Stage)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestServeWsAcceptsBearerHeader(t *testing.T) {
	hub, srv := startHub(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	conn, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer head"}})
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	assert.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	_, resp, err = websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer staff"}})
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
