// Package drain coordinates instance restarts: flag the process as draining,
// warn every connected and waiting socket, then cut them loose so clients
// reconnect to a healthy instance.
package drain

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ACM-VIT/conclave/internal/v1/events"
	"github.com/ACM-VIT/conclave/internal/v1/logging"
	"github.com/ACM-VIT/conclave/internal/v1/registry"
)

// MaxNoticeDelay clamps the warning window before a forced disconnect.
const MaxNoticeDelay = 30 * time.Second

// Request is the drain command from either operator surface.
type Request struct {
	Draining      bool   `json:"draining"`
	Force         bool   `json:"force,omitempty"`
	Notice        string `json:"notice,omitempty"`
	NoticeDelayMs int64  `json:"noticeDelayMs,omitempty"`
}

// Result reports the applied transition.
type Result struct {
	Draining      bool `json:"draining"`
	Forced        bool `json:"forced"`
	RoomsNotified int  `json:"roomsNotified,omitempty"`
	Disconnected  int  `json:"disconnected,omitempty"`
}

// Coordinator owns mass disconnection. Nothing else in the process is
// allowed to disconnect sockets across rooms.
type Coordinator struct {
	registry *registry.Registry
	fanout   events.Sender

	// sleep is swapped in tests to avoid real waits.
	sleep func(time.Duration)
}

// New creates a drain coordinator.
func New(reg *registry.Registry, fanout events.Sender) *Coordinator {
	return &Coordinator{registry: reg, fanout: fanout, sleep: time.Sleep}
}

// Apply transitions the drain flag and, for a forced drain, runs the two
// phases in strict order: broadcast serverRestarting everywhere, optionally
// wait (clamped), then disconnect every socket. Once started, a forced drain
// runs to completion; there is no cancellation.
func (c *Coordinator) Apply(ctx context.Context, req Request) Result {
	c.registry.SetDraining(req.Draining)
	res := Result{Draining: req.Draining}

	logging.Info(ctx, "Drain state changed",
		zap.Bool("draining", req.Draining), zap.Bool("force", req.Force))

	if !req.Force || !req.Draining {
		return res
	}
	res.Forced = true

	rooms := c.registry.All()
	payload := events.ServerRestartingPayload{
		Reconnecting: true,
		Notice:       req.Notice,
	}

	// Phase one: every room channel and every waiting socket gets the
	// notice before any disconnect is issued.
	for _, rm := range rooms {
		c.fanout.SendToChannel(rm.ChannelID(), events.EventServerRestarting, payload)
		for _, s := range rm.PendingSockets() {
			s.Send(events.EventServerRestarting, payload)
		}
	}
	res.RoomsNotified = len(rooms)

	if delay := clampDelay(req.NoticeDelayMs); delay > 0 {
		c.sleep(delay)
	}

	// Phase two: participants first, then the waiting room.
	for _, rm := range rooms {
		res.Disconnected += rm.DisconnectAll(ctx)
	}

	logging.Info(ctx, "Forced drain complete",
		zap.Int("rooms", res.RoomsNotified), zap.Int("disconnected", res.Disconnected))
	return res
}

// Status reports the current drain flag.
func (c *Coordinator) Status() Result {
	return Result{Draining: c.registry.IsDraining()}
}

func clampDelay(ms int64) time.Duration {
	if ms <= 0 {
		return 0
	}
	d := time.Duration(ms) * time.Millisecond
	if d > MaxNoticeDelay {
		return MaxNoticeDelay
	}
	return d
}
