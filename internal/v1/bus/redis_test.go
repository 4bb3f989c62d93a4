package bus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	svc, err := NewService(mr.Addr(), "")
	require.NoError(t, err)

	return svc, mr
}

func TestNewServiceMintsInstanceID(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	assert.NotNil(t, svc.Client())
	assert.NotEmpty(t, svc.InstanceID())
	assert.NoError(t, svc.Ping(context.Background()))

	other, err := NewService(mr.Addr(), "")
	require.NoError(t, err)
	defer func() { _ = other.Close() }()

	assert.NotEqual(t, svc.InstanceID(), other.InstanceID())
}

func TestPublishWrapsFrameInEnvelope(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	roomID := "room-1"

	sub := svc.Client().Subscribe(ctx, "inkdeck:room:"+roomID)
	defer func() { _ = sub.Close() }()

	// Wait for the subscription to be active
	time.Sleep(50 * time.Millisecond)

	frame := []byte(`{"type":"update","payload":"AAEC","from":"client-9"}`)
	err := svc.Publish(ctx, roomID, "update", frame, svc.InstanceID())
	assert.NoError(t, err)

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)

	var envelope Envelope
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &envelope))

	assert.Equal(t, roomID, envelope.RoomID)
	assert.Equal(t, "update", envelope.Event)
	assert.Equal(t, svc.InstanceID(), envelope.SenderID)
	assert.JSONEq(t, string(frame), string(envelope.Payload))
}

func TestSubscribeDeliversPeerEnvelopes(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	roomID := "room-sub"
	wg := &sync.WaitGroup{}

	received := make(chan Envelope, 1)
	svc.Subscribe(ctx, roomID, wg, func(e Envelope) {
		received <- e
	})

	// Wait for the subscription to be active
	time.Sleep(50 * time.Millisecond)

	peer := Envelope{
		RoomID:   roomID,
		Event:    "chat",
		Payload:  json.RawMessage(`{"type":"chat","text":"hi"}`),
		SenderID: "peer-instance",
	}
	bytes, _ := json.Marshal(peer)
	svc.Client().Publish(ctx, "inkdeck:room:"+roomID, bytes)

	select {
	case e := <-received:
		assert.Equal(t, "chat", e.Event)
		assert.Equal(t, "peer-instance", e.SenderID)
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for envelope")
	}

	cancel()
	wg.Wait()
}

func TestSubscribeSkipsMalformedMessages(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	roomID := "room-garbage"
	wg := &sync.WaitGroup{}

	received := make(chan Envelope, 2)
	svc.Subscribe(ctx, roomID, wg, func(e Envelope) {
		received <- e
	})
	time.Sleep(50 * time.Millisecond)

	channel := "inkdeck:room:" + roomID
	svc.Client().Publish(ctx, channel, "not-json")

	valid, _ := json.Marshal(Envelope{RoomID: roomID, Event: "presence", SenderID: "peer"})
	svc.Client().Publish(ctx, channel, valid)

	select {
	case e := <-received:
		assert.Equal(t, "presence", e.Event)
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for the valid envelope")
	}
	assert.Empty(t, received)

	cancel()
	wg.Wait()
}

func TestRoundTripBetweenTwoInstances(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	first, err := NewService(mr.Addr(), "")
	require.NoError(t, err)
	defer func() { _ = first.Close() }()

	second, err := NewService(mr.Addr(), "")
	require.NoError(t, err)
	defer func() { _ = second.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg := &sync.WaitGroup{}
	received := make(chan Envelope, 1)
	first.Subscribe(ctx, "shared-room", wg, func(e Envelope) {
		received <- e
	})
	time.Sleep(50 * time.Millisecond)

	frame := []byte(`{"type":"update","payload":"AQ=="}`)
	require.NoError(t, second.Publish(ctx, "shared-room", "update", frame, second.InstanceID()))

	select {
	case e := <-received:
		assert.Equal(t, second.InstanceID(), e.SenderID)
		assert.NotEqual(t, first.InstanceID(), e.SenderID)
		assert.JSONEq(t, string(frame), string(e.Payload))
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for relay")
	}

	cancel()
	wg.Wait()
}

func TestPingReportsOutage(t *testing.T) {
	svc, mr := newTestService(t)
	defer func() { _ = svc.Close() }()

	mr.Close()

	err := svc.Ping(context.Background())
	assert.Error(t, err)
}

func TestPublishSurvivesOutage(t *testing.T) {
	svc, mr := newTestService(t)
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	mr.Close()

	// Repeated failures trip the breaker; once open, publishes degrade to
	// silent drops instead of surfacing errors to the caller.
	for i := 0; i < 10; i++ {
		_ = svc.Publish(ctx, "room-1", "update", []byte(`{}`), svc.InstanceID())
	}

	err := svc.Publish(ctx, "room-1", "update", []byte(`{}`), svc.InstanceID())
	assert.NoError(t, err)
}
