package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/keyquorum/recovery-backend/totp"
)

// Poller periodically refreshes the owner state in the background. Start and
// Stop are safe to call repeatedly; Stop blocks until the loop exits.
type Poller struct {
	refresh func(ctx context.Context) error
	log     *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller wraps a refresh function, typically Controller.Refresh.
func NewPoller(refresh func(ctx context.Context) error, log *slog.Logger) *Poller {
	return &Poller{refresh: refresh, log: log}
}

// Start launches the polling loop. The first refresh fires after
// initialDelay, subsequent ones every interval. Calling Start while running
// restarts the loop with the new timings.
func (p *Poller) Start(interval, initialDelay time.Duration) {
	p.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	p.mu.Lock()
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	go func() {
		defer close(done)

		select {
		case <-time.After(initialDelay):
		case <-ctx.Done():
			return
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			if err := p.refresh(ctx); err != nil && ctx.Err() == nil {
				p.log.Warn("state refresh failed", "err", err)
			}

			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the loop and waits for it to exit. No-op when not running.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	done := p.done
	p.cancel = nil
	p.done = nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// TotpCode is one tick of the code display: the current code and how long it
// remains valid.
type TotpCode struct {
	Code             string
	SecondsRemaining int
}

// TotpTicker drives a live TOTP code display for one staged approver. It
// ticks every second, regenerating the code only when the 30-second window
// rolls over.
type TotpTicker struct {
	secret totp.Secret
	onTick func(TotpCode)
	log    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTotpTicker creates a ticker for the given shared secret. onTick is
// called from the ticker goroutine once a second while running.
func NewTotpTicker(secret totp.Secret, onTick func(TotpCode), log *slog.Logger) *TotpTicker {
	return &TotpTicker{secret: secret, onTick: onTick, log: log}
}

// Start begins ticking immediately. Calling Start while running restarts the
// loop.
func (t *TotpTicker) Start() {
	t.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	t.mu.Lock()
	t.cancel = cancel
	t.done = done
	t.mu.Unlock()

	go func() {
		defer close(done)

		var lastCounter uint64
		var code string

		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		for {
			now := time.Now()
			counter := totp.CounterAt(now)
			if code == "" || counter != lastCounter {
				generated, err := totp.GenerateCode(t.secret, counter)
				if err != nil {
					t.log.Warn("failed to generate totp code", "err", err)
				} else {
					code = generated
					lastCounter = counter
				}
			}

			if code != "" {
				t.onTick(TotpCode{Code: code, SecondsRemaining: totp.SecondsRemaining(now)})
			}

			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the loop and waits for it to exit. No-op when not running.
func (t *TotpTicker) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	done := t.done
	t.cancel = nil
	t.done = nil
	t.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
