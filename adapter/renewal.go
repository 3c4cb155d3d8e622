package tradovate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// RenewalHooks are notified as the scheduler moves through its states.
type RenewalHooks struct {
	OnFiring  func()          // renewal call about to start
	OnRenewed func(TokenInfo) // store updated, scheduler re-armed
	OnFailure func(error)     // renewal failed, scheduler is idle again
}

// RenewalScheduler renews the bearer token ahead of expiry.
//
// Idle -> Armed (timer at remaining validity minus margin) -> Firing (renew + store update)
// -> Armed. A failed renewal is reported once through OnFailure and leaves the scheduler
// idle; it never retries on its own.
type RenewalScheduler struct {
	auth     AuthClient
	store    *TokenStore
	margin   time.Duration
	minDelay time.Duration
	hooks    RenewalHooks
	logger   *slog.Logger

	task task

	mu       sync.Mutex
	nextFire time.Time
}

// NewRenewalScheduler creates an idle scheduler using the config's margin and minimum delay.
func NewRenewalScheduler(auth AuthClient, store *TokenStore, cfg Config, hooks RenewalHooks, logger *slog.Logger) *RenewalScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	minDelay := cfg.MinRenewalDelay
	if minDelay <= 0 {
		minDelay = DefaultMinRenewalDelay
	}
	return &RenewalScheduler{
		auth:     auth,
		store:    store,
		margin:   cfg.RenewalMargin,
		minDelay: minDelay,
		hooks:    hooks,
		logger:   logger,
	}
}

// Delay is how long the scheduler would wait if armed now.
func (r *RenewalScheduler) Delay() time.Duration {
	d := r.store.RemainingValidity(r.margin)
	if d < r.minDelay {
		d = r.minDelay
	}
	return d
}

// Start arms the scheduler. Returns false if it is already armed.
func (r *RenewalScheduler) Start() bool {
	return r.task.start(r.run, r.exited)
}

// Stop disarms the scheduler, aborting an in-flight renewal, and waits for it to go idle.
func (r *RenewalScheduler) Stop() {
	r.task.stop()
	r.setNextFire(time.Time{})
}

// Armed reports whether a renewal is scheduled or firing.
func (r *RenewalScheduler) Armed() bool {
	return r.task.running()
}

// NextFire is the wall-clock time of the next renewal, zero when idle.
func (r *RenewalScheduler) NextFire() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextFire
}

func (r *RenewalScheduler) run(ctx context.Context) error {
	for {
		delay := r.Delay()
		r.setNextFire(time.Now().Add(delay))
		r.logger.Debug("Token renewal armed",
			"function", "RenewalScheduler.run",
			"fire_in", delay,
			"expires_at", r.store.ExpiresAt())

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		if err := r.fire(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (r *RenewalScheduler) fire(ctx context.Context) error {
	if r.hooks.OnFiring != nil {
		r.hooks.OnFiring()
	}

	current := r.store.Snapshot()
	info, err := r.auth.RenewToken(ctx, current.AccessToken)
	if err != nil {
		return fmt.Errorf("token renewal failed: %w", err)
	}
	if info.MarketToken == "" {
		info.MarketToken = current.MarketToken
	}
	if err := r.store.Update(info); err != nil {
		return fmt.Errorf("token renewal failed: %w", err)
	}

	r.logger.Info("Token renewed",
		"function", "RenewalScheduler.fire",
		"expires_at", info.ExpiresAt)

	if r.hooks.OnRenewed != nil {
		r.hooks.OnRenewed(info)
	}
	return nil
}

func (r *RenewalScheduler) exited(err error) {
	r.setNextFire(time.Time{})
	if err == nil {
		return
	}
	r.logger.Error("Token renewal stopped",
		"function", "RenewalScheduler.exited",
		"error", err)
	if r.hooks.OnFailure != nil {
		r.hooks.OnFailure(err)
	}
}

func (r *RenewalScheduler) setNextFire(t time.Time) {
	r.mu.Lock()
	r.nextFire = t
	r.mu.Unlock()
}
