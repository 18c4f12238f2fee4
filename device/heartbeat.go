package device

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"
)

// DefaultHeartbeatInterval keeps the camera's control channel alive; the
// camera-side timeout is configured to a multiple of it.
const DefaultHeartbeatInterval = 3 * time.Second

// heartbeatFailureLimit is the number of consecutive missed beats before
// control is declared lost.
const heartbeatFailureLimit = 3

// HeartbeatInterval returns the configured heartbeat interval, honoring
// the ARV_HEARTBEAT_INTERVAL environment knob.
func HeartbeatInterval() time.Duration {
	if s := os.Getenv("ARV_HEARTBEAT_INTERVAL"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			return d
		}
	}
	return DefaultHeartbeatInterval
}

// Heartbeat periodically writes a keepalive register through the beat
// callback. Three consecutive failures invoke onLost once and stop the
// task.
type Heartbeat struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// StartHeartbeat launches the heartbeat task. A single success resets
// the failure counter.
func StartHeartbeat(ctx context.Context, interval time.Duration, beat func() error, onLost func(), logger *zap.Logger) *Heartbeat {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(ctx)
	h := &Heartbeat{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(h.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if err := beat(); err != nil {
				failures++
				logger.Warn("heartbeat failed",
					zap.Int("consecutive", failures), zap.Error(err))
				if failures >= heartbeatFailureLimit {
					logger.Error("control lost after consecutive heartbeat failures",
						zap.Int("failures", failures))
					onLost()
					return
				}
				continue
			}
			failures = 0
		}
	}()
	return h
}

// Stop cancels the heartbeat and waits for the task to exit.
func (h *Heartbeat) Stop() {
	h.cancel()
	<-h.done
}
