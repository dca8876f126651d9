package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentd/agentd/internal/common/logger"
	"github.com/agentd/agentd/internal/events"
	"github.com/agentd/agentd/internal/events/bus"
	"github.com/agentd/agentd/pkg/ws"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

func startHub(t *testing.T, subs Subscriptions) *Hub {
	t.Helper()
	h := NewHub(subs, nil, newTestLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return h
}

func addClient(t *testing.T, h *Hub, id string) *Client {
	t.Helper()
	c := NewClient(id, nil, h, newTestLogger(t))
	h.Register(c)
	require.Eventually(t, func() bool {
		h.mu.RLock()
		defer h.mu.RUnlock()
		return h.clients[c]
	}, time.Second, 5*time.Millisecond)
	return c
}

func readFrame(t *testing.T, c *Client) *ws.Message {
	t.Helper()
	select {
	case data := <-c.send:
		var msg ws.Message
		require.NoError(t, json.Unmarshal(data, &msg))
		return &msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func assertNoFrame(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data, ok := <-c.send:
		if ok {
			t.Fatalf("unexpected frame: %s", data)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubRegisterAndUnregister(t *testing.T) {
	h := startHub(t, nil)

	c1 := addClient(t, h, "client-1")
	addClient(t, h, "client-2")
	assert.Equal(t, 2, h.GetClientCount())

	h.Unregister(c1)
	require.Eventually(t, func() bool {
		return h.GetClientCount() == 1
	}, time.Second, 5*time.Millisecond)

	// The dropped client's send channel is closed.
	_, ok := <-c1.send
	assert.False(t, ok)

	// Unregistering twice is harmless.
	h.Unregister(c1)
	assert.Equal(t, 1, h.GetClientCount())
}

func TestRoomBroadcastReachesOnlyMembers(t *testing.T) {
	h := startHub(t, nil)

	member := addClient(t, h, "member")
	outsider := addClient(t, h, "outsider")
	h.Join(member.ID, "agent-1")

	evt, err := ws.NewEvent(ws.EventAgentMessage, map[string]interface{}{"agentId": "agent-1"})
	require.NoError(t, err)
	h.BroadcastToAgent("agent-1", evt)

	frame := readFrame(t, member)
	assert.Equal(t, ws.MessageTypeEvent, frame.Type)
	assert.Equal(t, ws.EventAgentMessage, frame.Action)
	assertNoFrame(t, outsider)
}

func TestBroadcastReachesAllClients(t *testing.T) {
	h := startHub(t, nil)

	c1 := addClient(t, h, "client-1")
	c2 := addClient(t, h, "client-2")

	evt, err := ws.NewEvent(ws.EventAgentCreated, map[string]interface{}{"agent": map[string]interface{}{"id": "a1"}})
	require.NoError(t, err)
	h.Broadcast(evt)

	assert.Equal(t, ws.EventAgentCreated, readFrame(t, c1).Action)
	assert.Equal(t, ws.EventAgentCreated, readFrame(t, c2).Action)
}

func TestLeaveStopsRoomDelivery(t *testing.T) {
	h := startHub(t, nil)
	c := addClient(t, h, "client-1")

	h.Join(c.ID, "agent-1")
	h.Leave(c.ID, "agent-1")

	evt, err := ws.NewEvent(ws.EventAgentMessage, map[string]interface{}{"agentId": "agent-1"})
	require.NoError(t, err)
	h.BroadcastToAgent("agent-1", evt)
	assertNoFrame(t, c)
}

func TestLeaveAllClearsEveryRoom(t *testing.T) {
	h := startHub(t, nil)
	c := addClient(t, h, "client-1")

	h.Join(c.ID, "agent-1")
	h.Join(c.ID, "agent-2")
	h.LeaveAll(c.ID)

	for _, agentID := range []string{"agent-1", "agent-2"} {
		evt, err := ws.NewEvent(ws.EventAgentMessage, map[string]interface{}{"agentId": agentID})
		require.NoError(t, err)
		h.BroadcastToAgent(agentID, evt)
	}
	assertNoFrame(t, c)
}

func TestUnregisterRemovesRoomMembership(t *testing.T) {
	h := startHub(t, nil)

	c := addClient(t, h, "client-1")
	h.Join(c.ID, "agent-1")
	h.Unregister(c)
	require.Eventually(t, func() bool {
		return h.GetClientCount() == 0
	}, time.Second, 5*time.Millisecond)

	h.mu.RLock()
	defer h.mu.RUnlock()
	assert.Empty(t, h.rooms)
}

func TestSlowClientIsDropped(t *testing.T) {
	h := startHub(t, nil)

	c := addClient(t, h, "slow")
	h.Join(c.ID, "agent-1")
	for i := 0; i < cap(c.send); i++ {
		c.send <- []byte("{}")
	}

	evt, err := ws.NewEvent(ws.EventAgentMessage, map[string]interface{}{"agentId": "agent-1"})
	require.NoError(t, err)
	h.BroadcastToAgent("agent-1", evt)

	assert.Equal(t, 0, h.GetClientCount())

	// Draining the buffered frames ends at a closed channel.
	closed := false
	for i := 0; i <= cap(c.send); i++ {
		if _, ok := <-c.send; !ok {
			closed = true
			break
		}
	}
	assert.True(t, closed)
}

func TestShutdownClosesClients(t *testing.T) {
	h := NewHub(nil, nil, newTestLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(stopped)
	}()

	c := addClient(t, h, "client-1")
	cancel()
	<-stopped

	_, ok := <-c.send
	assert.False(t, ok)
	assert.Equal(t, 0, h.GetClientCount())

	// Registration after shutdown returns instead of blocking.
	registered := make(chan struct{})
	go func() {
		h.Register(NewClient("late", nil, h, newTestLogger(t)))
		close(registered)
	}()
	select {
	case <-registered:
	case <-time.After(time.Second):
		t.Fatal("register blocked after shutdown")
	}
}

func TestBroadcasterRoutesEventsToRooms(t *testing.T) {
	log := newTestLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	h := startHub(t, nil)
	b, err := RegisterAgentNotifications(context.Background(), eventBus, h, log)
	require.NoError(t, err)
	t.Cleanup(b.Close)

	member := addClient(t, h, "member")
	outsider := addClient(t, h, "outsider")
	h.Join(member.ID, "agent-1")

	event := bus.NewEvent(events.AgentMessage, "test", map[string]interface{}{
		"agentId": "agent-1",
		"message": map[string]interface{}{"content": "hello"},
	})
	require.NoError(t, eventBus.Publish(context.Background(), events.BuildAgentMessageSubject("agent-1"), event))

	frame := readFrame(t, member)
	assert.Equal(t, ws.MessageTypeEvent, frame.Type)
	assert.Equal(t, ws.EventAgentMessage, frame.Action)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(frame.Payload, &payload))
	assert.Equal(t, "agent-1", payload["agentId"])
	assertNoFrame(t, outsider)
}

func TestBroadcasterFansOutCreatedEvents(t *testing.T) {
	log := newTestLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	h := startHub(t, nil)
	b, err := RegisterAgentNotifications(context.Background(), eventBus, h, log)
	require.NoError(t, err)
	t.Cleanup(b.Close)

	c1 := addClient(t, h, "client-1")
	c2 := addClient(t, h, "client-2")

	// Created events carry no agentId and go to every connected client.
	event := bus.NewEvent(events.AgentCreated, "test", map[string]interface{}{
		"agent": map[string]interface{}{"id": "agent-1"},
	})
	require.NoError(t, eventBus.Publish(context.Background(), events.BuildAgentCreatedSubject("agent-1"), event))

	assert.Equal(t, ws.EventAgentCreated, readFrame(t, c1).Action)
	assert.Equal(t, ws.EventAgentCreated, readFrame(t, c2).Action)
}

func TestBroadcasterSkipsUnmappedEventTypes(t *testing.T) {
	log := newTestLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	h := startHub(t, nil)
	b, err := RegisterAgentNotifications(context.Background(), eventBus, h, log)
	require.NoError(t, err)
	t.Cleanup(b.Close)

	c := addClient(t, h, "client-1")
	h.Join(c.ID, "agent-1")

	event := bus.NewEvent("agent.heartbeat", "test", map[string]interface{}{"agentId": "agent-1"})
	require.NoError(t, eventBus.Publish(context.Background(), "agent.heartbeat.agent-1", event))
	assertNoFrame(t, c)
}

func TestSubscribeFlowOverWebSocket(t *testing.T) {
	gin.SetMode(gin.TestMode)
	log := newTestLogger(t)

	h := startHub(t, nil)
	handler := NewHandler(h, log)

	router := gin.New()
	router.GET("/ws", handler.HandleConnection)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, resp, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	payload, err := json.Marshal(ws.SubscribePayload{AgentID: "agent-1"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(ws.Message{
		ID:        "req-1",
		Type:      ws.MessageTypeRequest,
		Action:    ws.ActionSubscribe,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}))

	var ack ws.Message
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "req-1", ack.ID)
	assert.Equal(t, ws.MessageTypeResponse, ack.Type)
	assert.Equal(t, ws.ActionSubscribed, ack.Action)

	var ackPayload ws.SubscribePayload
	require.NoError(t, json.Unmarshal(ack.Payload, &ackPayload))
	assert.Equal(t, "agent-1", ackPayload.AgentID)

	evt, err := ws.NewEvent(ws.EventAgentMessage, map[string]interface{}{"agentId": "agent-1"})
	require.NoError(t, err)
	h.BroadcastToAgent("agent-1", evt)

	var frame ws.Message
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, ws.MessageTypeEvent, frame.Type)
	assert.Equal(t, ws.EventAgentMessage, frame.Action)
}

func TestSubscribeWithoutAgentIDIsRejected(t *testing.T) {
	gin.SetMode(gin.TestMode)
	log := newTestLogger(t)

	h := startHub(t, nil)
	handler := NewHandler(h, log)

	router := gin.New()
	router.GET("/ws", handler.HandleConnection)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, resp, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.WriteJSON(ws.Message{
		ID:        "req-1",
		Type:      ws.MessageTypeRequest,
		Action:    ws.ActionSubscribe,
		Timestamp: time.Now().UTC(),
	}))

	var errMsg ws.Message
	require.NoError(t, conn.ReadJSON(&errMsg))
	assert.Equal(t, ws.MessageTypeError, errMsg.Type)

	var errPayload ws.ErrorPayload
	require.NoError(t, json.Unmarshal(errMsg.Payload, &errPayload))
	assert.Equal(t, ws.ErrorCodeValidation, errPayload.Code)
	assert.Contains(t, errPayload.Message, "agentId")
}
