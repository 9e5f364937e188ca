package service

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/wavechat/wavechat-api/internal/dto"
)

func newTestBroker() *topicBroker {
	return NewBroker(nil, "", nil, zerolog.New(io.Discard)).(*topicBroker)
}

func TestBrokerDeliversToTopicSubscribers(t *testing.T) {
	broker := newTestBroker()

	chatCh := make(chan dto.ServerFrame, 1)
	otherCh := make(chan dto.ServerFrame, 1)
	broker.Subscribe(TopicChat(1), chatCh)
	broker.Subscribe(TopicChat(2), otherCh)

	broker.Publish(context.Background(), dto.ServerFrame{Topic: TopicChat(1), Event: dto.EventMessage, Payload: "hello"})

	select {
	case frame := <-chatCh:
		require.Equal(t, dto.EventMessage, frame.Event)
	case <-time.After(time.Second):
		t.Fatal("expected frame on subscribed topic")
	}

	select {
	case <-otherCh:
		t.Fatal("frame leaked to an unrelated topic")
	default:
	}
}

func TestBrokerUnsubscribeStopsDelivery(t *testing.T) {
	broker := newTestBroker()

	ch := make(chan dto.ServerFrame, 1)
	unsub := broker.Subscribe(TopicUsersStatus, ch)
	unsub()

	broker.Publish(context.Background(), dto.ServerFrame{Topic: TopicUsersStatus, Event: dto.EventStatus})

	select {
	case <-ch:
		t.Fatal("received frame after unsubscribe")
	default:
	}
}

func TestBrokerSkipsSlowSubscribers(t *testing.T) {
	broker := newTestBroker()

	full := make(chan dto.ServerFrame) // unbuffered, nobody reading
	healthy := make(chan dto.ServerFrame, 1)
	broker.Subscribe(TopicChat(3), full)
	broker.Subscribe(TopicChat(3), healthy)

	broker.Publish(context.Background(), dto.ServerFrame{Topic: TopicChat(3), Event: dto.EventMessage})

	select {
	case <-healthy:
	case <-time.After(time.Second):
		t.Fatal("healthy subscriber starved by a slow one")
	}
}

func TestBrokerIgnoresItsOwnMirroredEvents(t *testing.T) {
	broker := newTestBroker()

	ch := make(chan dto.ServerFrame, 1)
	broker.Subscribe(TopicChat(4), ch)

	own, err := json.Marshal(brokerEvent{
		Source: broker.nodeID,
		Frame:  dto.ServerFrame{Topic: TopicChat(4), Event: dto.EventMessage},
		SentAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	broker.handlePeerEvent(own)

	select {
	case <-ch:
		t.Fatal("own mirrored event must not be redelivered")
	default:
	}

	peer, err := json.Marshal(brokerEvent{
		Source: "some-other-node",
		Frame:  dto.ServerFrame{Topic: TopicChat(4), Event: dto.EventMessage},
		SentAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	broker.handlePeerEvent(peer)

	select {
	case frame := <-ch:
		require.Equal(t, dto.EventMessage, frame.Event)
	case <-time.After(time.Second):
		t.Fatal("expected peer event delivery")
	}
}

func TestBrokerTopicNames(t *testing.T) {
	require.Equal(t, "/topic/chat/7", TopicChat(7))
	require.Equal(t, "/topic/chat/7/typing", TopicTyping(7))
	require.Equal(t, "/topic/chat/7/status", TopicRoomStatus(7))
	require.Equal(t, "/topic/workspace/3/status", TopicWorkspaceStatus(3))
}
