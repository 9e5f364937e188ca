package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/wavechat/wavechat-api/internal/dto"
	"github.com/wavechat/wavechat-api/internal/models"
	"github.com/wavechat/wavechat-api/internal/observability"
)

const (
	gatewaySendBufferSize = 32
	gatewayPingInterval   = 30 * time.Second
)

// Client destinations accepted over the websocket.
const (
	destSubscribe    = "subscribe"
	destUnsubscribe  = "unsubscribe"
	destSendMessage  = "chat.sendMessage"
	destAddUser      = "chat.addUser"
	destTyping       = "chat.typing"
	destUpdateStatus = "chat.updateStatus"
)

// clientFrameSchema rejects malformed envelopes before any dispatch happens.
const clientFrameSchema = `{
	"type": "object",
	"required": ["destination"],
	"properties": {
		"destination": {
			"type": "string",
			"enum": ["subscribe", "unsubscribe", "chat.sendMessage", "chat.addUser", "chat.typing", "chat.updateStatus"]
		},
		"payload": {"type": "object"}
	},
	"additionalProperties": false
}`

// ConnectionOptions carries the outcome of the handshake. A nil User means
// token validation soft-failed and the connection runs anonymously.
type ConnectionOptions struct {
	User          *models.User
	CorrelationID string
	Context       context.Context
}

// Gateway owns authenticated websocket connections: it validates inbound
// frames, manages topic subscriptions, and hands chat events to the router
// and presence propagator.
type Gateway interface {
	ServeConnection(conn *websocket.Conn, opts ConnectionOptions)
}

type gateway struct {
	broker    Broker
	messages  MessageService
	presence  PresenceService
	validator *validator.Validate
	logger    zerolog.Logger
	schema    *jsonschema.Schema
}

// NewGateway constructs the connection gateway.
func NewGateway(broker Broker, messages MessageService, presence PresenceService, validate *validator.Validate, logger zerolog.Logger) Gateway {
	return &gateway{
		broker:    broker,
		messages:  messages,
		presence:  presence,
		validator: validate,
		logger:    logger.With().Str("component", "gateway").Logger(),
		schema:    jsonschema.MustCompileString("client_frame.json", clientFrameSchema),
	}
}

type gatewayClient struct {
	conn    *websocket.Conn
	send    chan dto.ServerFrame
	user    *models.User
	mu      sync.Mutex
	unsubs  map[string]func()
	gateway *gateway
	baseCtx context.Context
	closed  chan struct{}
	once    sync.Once
}

func (g *gateway) ServeConnection(conn *websocket.Conn, opts ConnectionOptions) {
	baseCtx := opts.Context
	if baseCtx == nil {
		baseCtx = context.Background()
	}

	client := &gatewayClient{
		conn:    conn,
		send:    make(chan dto.ServerFrame, gatewaySendBufferSize),
		user:    opts.User,
		unsubs:  make(map[string]func()),
		gateway: g,
		baseCtx: baseCtx,
		closed:  make(chan struct{}),
	}

	observability.ChatConnections().Inc()

	go client.writer()
	client.reader()
}

func (c *gatewayClient) reader() {
	defer c.close()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.gateway.logger.Debug().Err(err).Msg("gateway read loop ended")
			return
		}

		frame, err := c.gateway.decodeFrame(data)
		if err != nil {
			observability.RejectedFrames().WithLabelValues("malformed").Inc()
			c.gateway.logger.Warn().Err(err).Msg("rejecting malformed client frame")
			continue
		}

		if err := c.dispatch(frame); err != nil {
			c.gateway.logger.Warn().Err(err).Str("destination", frame.Destination).Msg("failed to process client frame")
		}
	}
}

func (g *gateway) decodeFrame(data []byte) (dto.ClientFrame, error) {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return dto.ClientFrame{}, err
	}
	if err := g.schema.Validate(raw); err != nil {
		return dto.ClientFrame{}, err
	}

	var frame dto.ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return dto.ClientFrame{}, err
	}
	return frame, nil
}

func (c *gatewayClient) dispatch(frame dto.ClientFrame) error {
	switch frame.Destination {
	case destSubscribe:
		return c.subscribe(frame.Payload)
	case destUnsubscribe:
		return c.unsubscribe(frame.Payload)
	case destSendMessage:
		return c.sendMessage(frame.Payload)
	case destAddUser:
		return c.addUser(frame.Payload)
	case destTyping:
		return c.typing(frame.Payload)
	case destUpdateStatus:
		return c.updateStatus(frame.Payload)
	}
	return nil
}

func (c *gatewayClient) subscribe(payload json.RawMessage) error {
	var request dto.SubscribeRequest
	if err := json.Unmarshal(payload, &request); err != nil {
		return err
	}
	if err := c.gateway.validator.Struct(request); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.unsubs[request.Topic]; exists {
		return nil
	}
	c.unsubs[request.Topic] = c.gateway.broker.Subscribe(request.Topic, c.send)
	return nil
}

func (c *gatewayClient) unsubscribe(payload json.RawMessage) error {
	var request dto.SubscribeRequest
	if err := json.Unmarshal(payload, &request); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if unsub, exists := c.unsubs[request.Topic]; exists {
		unsub()
		delete(c.unsubs, request.Topic)
	}
	return nil
}

// requireIdentity enforces that identity-bearing operations fail on anonymous
// connections. Handshake token failures are soft, this is where they bite.
func (c *gatewayClient) requireIdentity(destination string) (*models.User, bool) {
	if c.user != nil {
		return c.user, true
	}
	observability.RejectedFrames().WithLabelValues("anonymous").Inc()
	c.gateway.logger.Warn().Str("destination", destination).Msg("rejecting frame from unauthenticated connection")
	return nil, false
}

func (c *gatewayClient) sendMessage(payload json.RawMessage) error {
	user, ok := c.requireIdentity(destSendMessage)
	if !ok {
		return nil
	}

	var event dto.MessageEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return err
	}
	event.SenderID = user.ID

	_, err := c.gateway.messages.Route(c.baseCtx, event)
	return err
}

func (c *gatewayClient) addUser(payload json.RawMessage) error {
	user, ok := c.requireIdentity(destAddUser)
	if !ok {
		return nil
	}

	var event dto.MessageEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return err
	}
	event.SenderID = user.ID

	return c.gateway.messages.Announce(c.baseCtx, event)
}

func (c *gatewayClient) typing(payload json.RawMessage) error {
	user, ok := c.requireIdentity(destTyping)
	if !ok {
		return nil
	}

	var event dto.TypingEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return err
	}
	event.SenderID = user.ID
	event.Username = user.Username

	return c.gateway.messages.Typing(c.baseCtx, event)
}

func (c *gatewayClient) updateStatus(payload json.RawMessage) error {
	var request dto.StatusChangeRequest
	if err := json.Unmarshal(payload, &request); err != nil {
		return err
	}
	if err := c.gateway.validator.Struct(request); err != nil {
		return err
	}

	// Legacy clients address the user by name in the payload, so status
	// updates stay usable on anonymous connections.
	switch {
	case c.user != nil:
		_, err := c.gateway.presence.UpdateStatus(c.baseCtx, c.user.ID, request.Status)
		return err
	case request.Username != "":
		_, err := c.gateway.presence.UpdateStatusByUsername(c.baseCtx, request.Username, request.Status)
		return err
	case request.UserID != 0:
		_, err := c.gateway.presence.UpdateStatus(c.baseCtx, request.UserID, request.Status)
		return err
	default:
		observability.RejectedFrames().WithLabelValues("anonymous").Inc()
		c.gateway.logger.Warn().Msg("rejecting status update without identity")
		return nil
	}
}

func (c *gatewayClient) writer() {
	defer c.close()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.WriteJSON(frame); err != nil {
				c.gateway.logger.Debug().Err(err).Msg("gateway write loop terminated")
				return
			}
		case <-time.After(gatewayPingInterval):
			if err := c.conn.WriteMessage(websocket.PingMessage, []byte("keepalive")); err != nil {
				c.gateway.logger.Debug().Err(err).Msg("gateway ping failed")
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *gatewayClient) close() {
	c.once.Do(func() {
		close(c.closed)
		c.mu.Lock()
		for _, unsub := range c.unsubs {
			unsub()
		}
		c.unsubs = make(map[string]func())
		c.mu.Unlock()
		_ = c.conn.Close()
	})
}
