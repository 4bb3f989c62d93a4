// Package bus relays room frames between hub instances over Redis
// pub/sub. A hub running without Redis configured stays in
// single-instance mode and every method becomes a no-op.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/inkdeck/inkdeck/backend/go/internal/v1/logging"
	"github.com/inkdeck/inkdeck/backend/go/internal/v1/metrics"
)

// Envelope is the standardized container for frames moving between
// instances.
type Envelope struct {
	RoomID   string          `json:"roomId"`
	Event    string          `json:"event"`    // outbound frame type ("update", "presence", ...)
	Payload  json.RawMessage `json:"payload"`  // the encoded frame, forwarded verbatim
	SenderID string          `json:"senderId"` // publishing instance, used to suppress echo
}

// Service handles all interaction with the Redis relay.
type Service struct {
	client     *redis.Client
	cb         *gobreaker.CircuitBreaker
	instanceID string
}

// channelFor returns the pub/sub channel carrying a room's frames.
// Channel schema: "inkdeck:room:{id}".
func channelFor(roomID string) string {
	return fmt.Sprintf("inkdeck:room:%s", roomID)
}

// NewService connects to Redis and verifies the connection before
// returning. Each service instance mints its own sender identity so
// subscribers can tell their own publishes apart from peers'.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateVal)
		},
	}

	logging.Info(context.Background(), "connected to Redis relay", zap.String("addr", addr))
	return &Service{
		client:     rdb,
		cb:         gobreaker.NewCircuitBreaker(st),
		instanceID: uuid.NewString(),
	}, nil
}

// Client returns the underlying Redis client.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// InstanceID identifies this hub instance on the relay.
func (s *Service) InstanceID() string {
	if s == nil {
		return ""
	}
	return s.instanceID
}

// Publish forwards an already-encoded frame to every other instance
// watching this room. An open circuit breaker drops the message rather
// than failing the caller; peers reconverge from snapshots.
func (s *Service) Publish(ctx context.Context, roomID string, event string, payload []byte, senderID string) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		msg := Envelope{
			RoomID:   roomID,
			Event:    event,
			Payload:  json.RawMessage(payload),
			SenderID: senderID,
		}

		data, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal relay envelope: %w", err)
		}

		return nil, s.client.Publish(ctx, channelFor(roomID), data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			logging.Warn(ctx, "relay circuit breaker open, dropping publish", zap.String("room_id", roomID))
			return nil // Graceful degradation: drop message, don't crash caller
		}
		logging.Error(ctx, "relay publish failed", zap.String("room_id", roomID), zap.Error(err))
		return err
	}

	metrics.RelayMessages.WithLabelValues("publish").Inc()
	return nil
}

// Subscribe starts a background goroutine that delivers frames published
// by other instances for this room. The handler runs on the subscription
// goroutine and must not block. The loop exits when ctx is cancelled.
func (s *Service) Subscribe(ctx context.Context, roomID string, wg *sync.WaitGroup, handler func(Envelope)) {
	if s == nil || s.client == nil {
		return // Single-instance mode, no Redis available
	}

	channel := channelFor(roomID)
	pubsub := s.client.Subscribe(ctx, channel)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		logging.Debug(ctx, "subscribed to relay channel", zap.String("channel", channel))

		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					logging.Warn(ctx, "relay subscription channel closed", zap.String("channel", channel))
					return
				}

				var envelope Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
					logging.Error(ctx, "failed to unmarshal relay message", zap.Error(err), zap.String("raw", msg.Payload))
					continue
				}

				metrics.RelayMessages.WithLabelValues("receive").Inc()
				handler(envelope)
			}
		}
	}()
}

// Ping checks Redis connectivity. Used by readiness checks.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		return err
	}
	return nil
}

// Close shuts down the Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}
	return s.client.Close()
}
