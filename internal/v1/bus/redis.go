package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/ACM-VIT/conclave/internal/v1/metrics"
)

// PubSubPayload is the standardized container for moving events between
// instances.
type PubSubPayload struct {
	ChannelID string          `json:"channelId"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	SenderID  string          `json:"senderId"` // CRITICAL: used to prevent echo loops
}

// instancesKey is the Redis set tracking live control-plane instances.
const instancesKey = "sfu:instances"

// Service handles all interaction with the Redis cluster. A nil Service is
// valid and means single-instance mode: every call degrades to a no-op.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Client returns the underlying Redis client.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService creates a robust Redis connection with an immediate ping check.
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
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	slog.Info("Connected to Redis Pub/Sub", "addr", addr)
	return &Service{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

// Publish broadcasts an event to every other instance watching this channel.
func (s *Service) Publish(ctx context.Context, channelID string, event string, payload any, senderID string) error {
	if s == nil || s.client == nil {
		return nil // single-instance mode
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		innerBytes, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal inner payload: %w", err)
		}

		msg := PubSubPayload{
			ChannelID: channelID,
			Event:     event,
			Payload:   innerBytes,
			SenderID:  senderID,
		}

		data, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal pubsub envelope: %w", err)
		}

		// Channel schema: "sfu:channel:{channelId}"
		return nil, s.client.Publish(ctx, channelName(channelID), data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis Circuit Breaker Open: dropping publish", "channelId", channelID)
			return nil // graceful degradation: drop, don't crash the caller
		}
		slog.Error("Redis Publish Failed", "channelId", channelID, "error", err)
		return err
	}

	return nil
}

// Subscribe starts a background goroutine delivering messages published by
// OTHER instances for one channel. The loop stops when ctx is cancelled.
func (s *Service) Subscribe(ctx context.Context, channelID string, wg *sync.WaitGroup, handler func(PubSubPayload)) {
	if s == nil || s.client == nil {
		return
	}

	pubsub := s.client.Subscribe(ctx, channelName(channelID))

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		slog.Info("Subscribed to Redis channel", "channel", channelName(channelID))

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					slog.Warn("Redis subscription channel closed", "channel", channelName(channelID))
					return
				}

				var payload PubSubPayload
				if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
					slog.Error("Failed to unmarshal Redis message", "error", err, "raw", msg.Payload)
					continue
				}
				handler(payload)
			}
		}
	}()
}

// RegisterInstance adds this instance to the live-instances set, so the
// workers endpoint can enumerate the cluster.
func (s *Service) RegisterInstance(ctx context.Context, instanceID string) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.SAdd(ctx, instancesKey, instanceID).Err()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis Circuit Breaker Open: skipping instance registration", "instanceId", instanceID)
			return nil
		}
		slog.Error("Redis instance registration failed", "instanceId", instanceID, "error", err)
		return fmt.Errorf("failed to register instance: %w", err)
	}
	return nil
}

// DeregisterInstance removes this instance from the live-instances set.
func (s *Service) DeregisterInstance(ctx context.Context, instanceID string) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.SRem(ctx, instancesKey, instanceID).Err()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis Circuit Breaker Open: skipping instance deregistration", "instanceId", instanceID)
			return nil
		}
		slog.Error("Redis instance deregistration failed", "instanceId", instanceID, "error", err)
		return fmt.Errorf("failed to deregister instance: %w", err)
	}
	return nil
}

// Instances lists every registered instance. Degrades to this instance only
// when Redis is unavailable.
func (s *Service) Instances(ctx context.Context) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.SMembers(ctx, instancesKey).Result()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis Circuit Breaker Open: returning empty instance list")
			return nil, nil
		}
		slog.Error("Redis instance listing failed", "error", err)
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	return res.([]string), nil
}

// Ping checks Redis connectivity. Used by health checks.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
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

// Close gracefully shuts down the Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func channelName(channelID string) string {
	return fmt.Sprintf("sfu:channel:%s", channelID)
}
