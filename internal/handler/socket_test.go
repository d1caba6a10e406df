package handler

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaza/chat-service/internal/apperr"
	"github.com/plaza/chat-service/internal/protocol"
	socket "github.com/plaza/chat-service/internal/ws"
)

type client struct {
	t    *testing.T
	conn net.Conn
	rw   io.ReadWriter
}

type readWriter struct {
	io.Reader
	io.Writer
}

func startSocketServer(t *testing.T, e *testEnv) string {
	t.Helper()

	h := NewSocketHandler(e.svc, nil)
	srv := socket.NewServer(socket.DefaultServerConfig(), h.Hooks())
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Shutdown() })

	e.engine.GET("/ws", UpgradeRoute(srv))
	ts := httptest.NewServer(e.engine)
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, br, _, err := ws.Dial(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var r io.Reader = conn
	if br != nil {
		r = br
	}
	c := &client{t: t, conn: conn, rw: readWriter{Reader: r, Writer: conn}}

	hello := c.read()
	require.Equal(t, protocol.TypeSessionCreated, hello["type"])
	require.NotEmpty(t, hello["sessionId"])
	return c
}

func (c *client) send(frame string) {
	c.t.Helper()
	require.NoError(c.t, wsutil.WriteClientText(c.conn, []byte(frame)))
}

func (c *client) read() map[string]interface{} {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	data, err := wsutil.ReadServerText(c.rw)
	require.NoError(c.t, err)

	var m map[string]interface{}
	require.NoError(c.t, json.Unmarshal(data, &m))
	return m
}

func (c *client) expect(msgType string) map[string]interface{} {
	c.t.Helper()
	m := c.read()
	require.Equal(c.t, msgType, m["type"], "frame: %v", m)
	return m
}

func TestSocket_AnonymousHola(t *testing.T) {
	e := newTestEnv(t)
	url := startSocketServer(t, e)

	a := dial(t, url)
	b := dial(t, url)

	a.send(`{"type":"authenticate"}`)
	auth := a.expect(protocol.TypeAuthenticated)
	name := auth["anonymousName"].(string)
	assert.True(t, strings.HasPrefix(name, "anonimo-"))
	assert.Equal(t, false, auth["canModerate"])

	a.send(`{"type":"join_chat"}`)
	joined := a.expect(protocol.TypeJoinedChat)
	assert.EqualValues(t, e.room.ID, joined["chatId"])

	b.send(`{"type":"authenticate"}`)
	b.expect(protocol.TypeAuthenticated)
	b.send(`{"type":"join_chat"}`)
	b.expect(protocol.TypeJoinedChat)

	a.send(`{"type":"send_message","content":"hola"}`)
	for _, c := range []*client{a, b} {
		m := c.expect(protocol.TypeNewMessage)["message"].(map[string]interface{})
		assert.Equal(t, "hola", m["content"])
		assert.Equal(t, name, m["anonymousName"])
		assert.Nil(t, m["user"])
	}
}

func TestSocket_HTTPPostReachesSocket(t *testing.T) {
	e := newTestEnv(t)
	url := startSocketServer(t, e)

	a := dial(t, url)
	a.send(`{"type":"authenticate"}`)
	a.expect(protocol.TypeAuthenticated)
	a.send(`{"type":"join_chat"}`)
	a.expect(protocol.TypeJoinedChat)

	status, _ := e.do(t, http.MethodPost, "/chat/messages", bearer(t, memberUser.ID), gin.H{"content": "via http"})
	require.Equal(t, http.StatusCreated, status)

	m := a.expect(protocol.TypeNewMessage)["message"].(map[string]interface{})
	assert.Equal(t, "via http", m["content"])
	assert.EqualValues(t, memberUser.ID, m["user"].(map[string]interface{})["id"])
}

func TestSocket_BannedJoinThenExpiry(t *testing.T) {
	e := newTestEnv(t)
	url := startSocketServer(t, e)

	status, _ := e.do(t, http.MethodPost, "/chat/moderate", bearer(t, modUser.ID),
		gin.H{"action": "ban_user", "userId": memberUser.ID, "reason": "flood", "duration": 60})
	require.Equal(t, http.StatusOK, status)

	c := dial(t, url)
	c.send(`{"type":"authenticate","token":"` + strings.TrimPrefix(bearer(t, memberUser.ID), "Bearer ") + `"}`)
	auth := c.expect(protocol.TypeAuthenticated)
	assert.EqualValues(t, memberUser.ID, auth["user"].(map[string]interface{})["id"])

	e.clock.Advance(30 * time.Minute)
	c.send(`{"type":"join_chat"}`)
	banned := c.expect(protocol.TypeBanned)
	assert.Equal(t, "flood", banned["reason"])
	assert.NotEmpty(t, banned["expiresAt"])

	c.send(`{"type":"send_message","content":"let me in"}`)
	assert.Equal(t, apperr.Code(apperr.ErrInvalidState), c.expect(protocol.TypeError)["code"])

	e.clock.Advance(31 * time.Minute)
	c.send(`{"type":"join_chat"}`)
	c.expect(protocol.TypeJoinedChat)
}

func TestSocket_ModeratorDeleteAndBan(t *testing.T) {
	e := newTestEnv(t)
	url := startSocketServer(t, e)

	author := dial(t, url)
	author.send(`{"type":"authenticate"}`)
	author.expect(protocol.TypeAuthenticated)
	author.send(`{"type":"join_chat"}`)
	author.expect(protocol.TypeJoinedChat)
	author.send(`{"type":"send_message","content":"delete me"}`)
	msgID := author.expect(protocol.TypeNewMessage)["message"].(map[string]interface{})["id"].(float64)

	mod := dial(t, url)
	mod.send(`{"type":"authenticate","token":"` + strings.TrimPrefix(bearer(t, modUser.ID), "Bearer ") + `"}`)
	assert.Equal(t, true, mod.expect(protocol.TypeAuthenticated)["canModerate"])

	mod.send(`{"type":"delete_message","messageId":` + jsonNumber(msgID) + `}`)
	deleted := author.expect(protocol.TypeMessageDeleted)
	assert.EqualValues(t, msgID, deleted["messageId"])

	mod.send(`{"type":"ban_user","messageId":` + jsonNumber(msgID) + `,"reason":"troll"}`)
	issued := mod.expect(protocol.TypeBanIssued)["ban"].(map[string]interface{})
	assert.Equal(t, "127.0.0.1", issued["ip"])
	assert.Nil(t, issued["expiresAt"])
}

func TestSocket_ErrorsStayOnConnection(t *testing.T) {
	e := newTestEnv(t)
	url := startSocketServer(t, e)

	c := dial(t, url)
	c.send(`not json`)
	assert.Equal(t, socket.CodeParseError, c.expect(protocol.TypeError)["code"])

	c.send(`{"type":"join_chat"}`)
	assert.Equal(t, apperr.Code(apperr.ErrInvalidState), c.expect(protocol.TypeError)["code"])

	c.send(`{"type":"authenticate","token":"garbage"}`)
	c.expect(protocol.TypeAuthError)
	c.expect(protocol.TypeAuthenticated)

	c.send(`{"type":"delete_message","messageId":1}`)
	assert.Equal(t, "permission_denied", c.expect(protocol.TypeError)["code"])

	c.send(`{"type":"ping"}`)
	c.expect(protocol.TypePong)
}

func jsonNumber(f float64) string {
	b, _ := json.Marshal(int64(f))
	return string(b)
}
