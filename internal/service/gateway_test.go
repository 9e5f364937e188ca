package service

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	fiberws "github.com/gofiber/websocket/v2"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/wavechat/wavechat-api/internal/dto"
	"github.com/wavechat/wavechat-api/internal/models"
)

type gatewayHarness struct {
	env      *testEnv
	gateway  Gateway
	presence PresenceService
}

func newGatewayHarness(t *testing.T) *gatewayHarness {
	t.Helper()
	env := newTestEnv(t)

	presence := NewPresenceService(env.users, env.roomRepo, env.workspaces, env.broker, nil, "wavechat", time.Minute, zerolog.New(io.Discard))
	validate := validator.New(validator.WithRequiredStructEnabled())
	gw := NewGateway(env.broker, env.messages, presence, validate, zerolog.New(io.Discard))

	return &gatewayHarness{env: env, gateway: gw, presence: presence}
}

// startGatewayServer exposes the gateway over a real listener so tests can
// drive it with a plain websocket client.
func (h *gatewayHarness) startGatewayServer(t *testing.T, user *models.User) string {
	t.Helper()

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use("/ws", func(c *fiber.Ctx) error {
		if fiberws.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", fiberws.New(func(conn *fiberws.Conn) {
		h.gateway.ServeConnection(conn, ConnectionOptions{User: user, Context: context.Background()})
	}))

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		_ = app.Listener(listener)
	}()
	t.Cleanup(func() {
		_ = app.Shutdown()
	})

	return "ws://" + listener.Addr().String() + "/ws"
}

func dialGateway(t *testing.T, url string) *websocket.Conn {
	t.Helper()

	var conn *websocket.Conn
	var err error
	for attempt := 0; attempt < 20; attempt++ {
		conn, _, err = websocket.DefaultDialer.Dial(url, nil)
		if err == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, destination string, payload interface{}) {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(dto.ClientFrame{Destination: destination, Payload: body}))
}

type receivedFrame struct {
	Topic   string                 `json:"topic"`
	Event   string                 `json:"event"`
	Payload map[string]interface{} `json:"payload"`
}

func readFrame(t *testing.T, conn *websocket.Conn) receivedFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var frame receivedFrame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func expectNoFrame(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	var frame receivedFrame
	err := conn.ReadJSON(&frame)
	require.Error(t, err, "unexpected frame: %+v", frame)
}

func TestGatewaySubscribeAndSendMessage(t *testing.T) {
	h := newGatewayHarness(t)
	ctx := context.Background()

	alice := h.env.seedUser(t, "alice", models.StatusOnline)
	workspace := h.env.seedWorkspace(t, "acme", alice.ID)
	room, err := h.env.rooms.CreateRoom(ctx, alice.ID, dto.CreateChatRoomRequest{WorkspaceID: workspace.ID, Name: "general"})
	require.NoError(t, err)

	url := h.startGatewayServer(t, &alice)
	conn := dialGateway(t, url)

	sendFrame(t, conn, "subscribe", dto.SubscribeRequest{Topic: TopicChat(room.ID)})
	sendFrame(t, conn, "chat.sendMessage", dto.MessageEvent{
		ChatRoomID: room.ID,
		SenderID:   999, // forged, the gateway overrides it
		Content:    "hello from the wire",
	})

	frame := readFrame(t, conn)
	require.Equal(t, TopicChat(room.ID), frame.Topic)
	require.Equal(t, dto.EventMessage, frame.Event)
	require.Equal(t, "hello from the wire", frame.Payload["content"])
	require.Equal(t, float64(alice.ID), frame.Payload["sender_id"], "sender identity comes from the connection")
	require.NotEmpty(t, frame.Payload["id"])

	var stored models.ChatMessage
	require.NoError(t, h.env.db.Where("chat_room_id = ?", room.ID).Order("created_at DESC").First(&stored).Error)
	require.Equal(t, "hello from the wire", stored.Content)
}

func TestGatewayUnsubscribeStopsFrames(t *testing.T) {
	h := newGatewayHarness(t)
	ctx := context.Background()

	alice := h.env.seedUser(t, "alice", models.StatusOnline)
	workspace := h.env.seedWorkspace(t, "acme", alice.ID)
	room, err := h.env.rooms.CreateRoom(ctx, alice.ID, dto.CreateChatRoomRequest{WorkspaceID: workspace.ID, Name: "general"})
	require.NoError(t, err)

	url := h.startGatewayServer(t, &alice)
	conn := dialGateway(t, url)

	sendFrame(t, conn, "subscribe", dto.SubscribeRequest{Topic: TopicTyping(room.ID)})
	sendFrame(t, conn, "chat.typing", dto.TypingEvent{ChatRoomID: room.ID, SenderID: alice.ID, Typing: true})

	frame := readFrame(t, conn)
	require.Equal(t, dto.EventTyping, frame.Event)

	sendFrame(t, conn, "unsubscribe", dto.SubscribeRequest{Topic: TopicTyping(room.ID)})
	sendFrame(t, conn, "chat.typing", dto.TypingEvent{ChatRoomID: room.ID, SenderID: alice.ID, Typing: false})

	expectNoFrame(t, conn)
}

func TestGatewayRejectsIdentityFramesOnAnonymousConnections(t *testing.T) {
	h := newGatewayHarness(t)
	ctx := context.Background()

	alice := h.env.seedUser(t, "alice", models.StatusOffline)
	workspace := h.env.seedWorkspace(t, "acme", alice.ID)
	room, err := h.env.rooms.CreateRoom(ctx, alice.ID, dto.CreateChatRoomRequest{WorkspaceID: workspace.ID, Name: "general"})
	require.NoError(t, err)

	url := h.startGatewayServer(t, nil)
	conn := dialGateway(t, url)

	sendFrame(t, conn, "subscribe", dto.SubscribeRequest{Topic: TopicChat(room.ID)})
	sendFrame(t, conn, "chat.sendMessage", dto.MessageEvent{ChatRoomID: room.ID, SenderID: alice.ID, Content: "should be dropped"})

	expectNoFrame(t, conn)

	var count int64
	require.NoError(t, h.env.db.Model(&models.ChatMessage{}).Where("content = ?", "should be dropped").Count(&count).Error)
	require.Zero(t, count)
}

func TestGatewayAnonymousStatusUpdateByUsername(t *testing.T) {
	h := newGatewayHarness(t)

	alice := h.env.seedUser(t, "alice", models.StatusOffline)

	url := h.startGatewayServer(t, nil)
	conn := dialGateway(t, url)

	sendFrame(t, conn, "chat.updateStatus", dto.StatusChangeRequest{Username: "alice", Status: models.StatusOnline})

	require.Eventually(t, func() bool {
		var user models.User
		if err := h.env.db.First(&user, alice.ID).Error; err != nil {
			return false
		}
		return user.Status == models.StatusOnline
	}, 3*time.Second, 50*time.Millisecond, "legacy clients update status by username without a token")
}

func TestGatewayIgnoresMalformedFrames(t *testing.T) {
	h := newGatewayHarness(t)
	ctx := context.Background()

	alice := h.env.seedUser(t, "alice", models.StatusOnline)
	workspace := h.env.seedWorkspace(t, "acme", alice.ID)
	room, err := h.env.rooms.CreateRoom(ctx, alice.ID, dto.CreateChatRoomRequest{WorkspaceID: workspace.ID, Name: "general"})
	require.NoError(t, err)

	url := h.startGatewayServer(t, &alice)
	conn := dialGateway(t, url)

	// No destination, unknown destination, and junk payload types.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"bogus":true}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"destination":"chat.hijack","payload":{}}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"destination":"subscribe","payload":"not-an-object"}`)))

	// The connection survives and keeps working.
	sendFrame(t, conn, "subscribe", dto.SubscribeRequest{Topic: TopicChat(room.ID)})
	sendFrame(t, conn, "chat.sendMessage", dto.MessageEvent{ChatRoomID: room.ID, SenderID: alice.ID, Content: "still alive"})

	frame := readFrame(t, conn)
	require.Equal(t, "still alive", frame.Payload["content"])
}
