package tradovate

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// HeartbeatHooks are notified after every keep-alive attempt.
type HeartbeatHooks struct {
	OnBeat    func(err error) // nil error on a successful send
	OnFailure func(error)     // send failed, scheduler stopped
}

// HeartbeatScheduler writes a keep-alive frame on a fixed interval until stopped or
// until a send fails, which is treated as connection lost.
type HeartbeatScheduler struct {
	interval time.Duration
	hooks    HeartbeatHooks
	logger   *slog.Logger

	task task
}

// NewHeartbeatScheduler creates an idle scheduler. A non-positive interval uses the 2.5s default.
func NewHeartbeatScheduler(interval time.Duration, hooks HeartbeatHooks, logger *slog.Logger) *HeartbeatScheduler {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HeartbeatScheduler{
		interval: interval,
		hooks:    hooks,
		logger:   logger,
	}
}

// Start begins emitting heartbeats on target. Returns false if already running.
func (h *HeartbeatScheduler) Start(target Heartbeater) bool {
	return h.task.start(func(ctx context.Context) error {
		return h.run(ctx, target)
	}, h.exited)
}

// Stop halts the heartbeat and waits for the loop to exit.
func (h *HeartbeatScheduler) Stop() {
	h.task.stop()
}

func (h *HeartbeatScheduler) Running() bool {
	return h.task.running()
}

func (h *HeartbeatScheduler) Interval() time.Duration {
	return h.interval
}

func (h *HeartbeatScheduler) run(ctx context.Context, target Heartbeater) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			err := target.Heartbeat()
			if h.hooks.OnBeat != nil {
				h.hooks.OnBeat(err)
			}
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("heartbeat send failed: %w", err)
			}
		}
	}
}

func (h *HeartbeatScheduler) exited(err error) {
	if err == nil {
		return
	}
	h.logger.Error("Heartbeat stopped",
		"function", "HeartbeatScheduler.exited",
		"error", err)
	if h.hooks.OnFailure != nil {
		h.hooks.OnFailure(err)
	}
}
