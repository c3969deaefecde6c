// Package session exposes the authentication subsystem's single observable
// state machine. The controller computes the current status, serializes
// concurrent login attempts, and runs periodic validity checks while
// authenticated. It owns the only mutable shared state in the subsystem;
// all mutation goes through it so observers never see torn snapshots.
package session

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"quill/internal/broker"
	"quill/internal/retry"
	"quill/pkg/auth"
	"quill/pkg/autherr"
	"quill/pkg/logging"
)

// DefaultCheckInterval is how often token validity is re-checked while
// authenticated.
const DefaultCheckInterval = 5 * time.Minute

// Config configures the controller.
type Config struct {
	// Broker drives the provider exchange.
	Broker *broker.Broker

	// CheckInterval overrides the background validity check interval.
	CheckInterval time.Duration

	// Changes, if non-nil, delivers signals when persisted auth state was
	// mutated by another process; each signal triggers a status re-check.
	Changes <-chan struct{}

	// OnChange, if non-nil, observes every status Start recomputes.
	OnChange func(auth.Status)
}

// Controller is the top-level authentication state machine.
type Controller struct {
	broker        *broker.Broker
	checkInterval time.Duration
	changes       <-chan struct{}
	onChange      func(auth.Status)

	mu     sync.RWMutex
	status auth.Status

	// opMu is the single "current operation" slot: a login in flight is
	// mutually exclusive with status checks and background refreshes.
	opMu sync.Mutex

	// loginGroup collapses concurrent Login calls onto one provider flow;
	// late callers observe the first call's result.
	loginGroup singleflight.Group

	tickerMu     sync.Mutex
	tickerStopCh chan struct{}
}

// NewController creates a controller. The status starts pending until the
// first CheckStatus (run by Start, or explicitly) resolves it.
func NewController(cfg Config) *Controller {
	interval := cfg.CheckInterval
	if interval == 0 {
		interval = DefaultCheckInterval
	}

	return &Controller{
		broker:        cfg.Broker,
		checkInterval: interval,
		changes:       cfg.Changes,
		onChange:      cfg.OnChange,
		status:        auth.Status{Pending: true},
	}
}

// Status returns a snapshot of the current authentication state.
func (c *Controller) Status() auth.Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Start runs the initial status check and then blocks, reacting to external
// state-change signals until the context is cancelled. The periodic validity
// check runs only while authenticated; it is started on entering the
// authenticated state and cancelled on leaving it.
func (c *Controller) Start(ctx context.Context) {
	c.notify(c.CheckStatus(ctx))

	changes := c.changes // nil channel blocks forever, which is fine
	for {
		select {
		case <-ctx.Done():
			c.stopValidityLoop()
			return
		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			logging.Debug("Session", "external auth state change, re-checking status")
			c.notify(c.CheckStatus(ctx))
		}
	}
}

func (c *Controller) notify(status auth.Status) {
	if c.onChange != nil {
		c.onChange(status)
	}
}

// CheckStatus reconciles the observable status against the broker: it
// initializes the provider integration, loads the current identity, and
// resolves the pending state. Irrecoverable failures surface in
// Status.LastError; nothing is thrown across this boundary.
func (c *Controller) CheckStatus(ctx context.Context) auth.Status {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.setPending(true)

	result := retry.Do(ctx, "check-status", retry.Conservative(), func(ctx context.Context) (*auth.Identity, error) {
		if err := c.broker.Initialize(ctx); err != nil {
			return nil, err
		}
		return c.broker.CurrentIdentity(ctx)
	})

	switch {
	case result.Err != nil:
		c.setUnauthenticated(result.Err)
	case result.Value != nil:
		c.setAuthenticated(result.Value)
	default:
		c.setUnauthenticated(nil)
	}

	return c.Status()
}

// Login runs the interactive provider flow. Concurrent calls share a single
// flow: the second caller blocks and observes the first's result instead of
// starting a duplicate exchange.
func (c *Controller) Login(ctx context.Context) auth.Status {
	return c.runLogin(ctx, c.broker.Login)
}

// LoginSilent runs only the prompt=none flavor of the flow; it shares the
// same single-flow slot as Login.
func (c *Controller) LoginSilent(ctx context.Context) auth.Status {
	return c.runLogin(ctx, c.broker.LoginSilent)
}

func (c *Controller) runLogin(ctx context.Context, flow func(context.Context) (*auth.Identity, error)) auth.Status {
	type loginResult struct {
		identity *auth.Identity
		err      *autherr.Error
	}

	v, _, shared := c.loginGroup.Do("login", func() (any, error) {
		c.opMu.Lock()
		defer c.opMu.Unlock()

		c.setPending(true)

		identity, err := flow(ctx)
		if err != nil {
			return loginResult{nil, autherr.Classify(err)}, nil
		}
		return loginResult{identity, nil}, nil
	})

	result := v.(loginResult)
	if shared {
		logging.Debug("Session", "login joined an in-flight attempt")
	}

	if result.err != nil {
		c.setUnauthenticated(result.err)
	} else {
		c.setAuthenticated(result.identity)
	}

	return c.Status()
}

// Logout clears the session. Local state is always cleared; the observable
// status becomes unauthenticated with no error.
func (c *Controller) Logout(ctx context.Context) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.broker.Logout(ctx)
	c.setUnauthenticated(nil)
}

// Refresh attempts a token refresh. On failure the session is logged out,
// because a session that can neither validate nor refresh its token is
// over.
func (c *Controller) Refresh(ctx context.Context) bool {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	return c.refreshLocked(ctx)
}

func (c *Controller) refreshLocked(ctx context.Context) bool {
	if c.broker.Refresh(ctx) {
		return true
	}

	c.broker.Logout(ctx)
	c.setUnauthenticated(autherr.New(autherr.KindTokenExpired, "session token expired and refresh failed"))
	return false
}

// setAuthenticated records an authenticated status and starts the validity
// loop.
func (c *Controller) setAuthenticated(identity *auth.Identity) {
	c.mu.Lock()
	c.status = auth.Status{
		Authenticated: true,
		Identity:      identity,
		Pending:       false,
		LastError:     nil,
	}
	c.mu.Unlock()

	c.startValidityLoop()
}

// setUnauthenticated records an unauthenticated status, carrying the
// classified error if present, and cancels the validity loop.
func (c *Controller) setUnauthenticated(lastErr *autherr.Error) {
	c.mu.Lock()
	c.status = auth.Status{
		Authenticated: false,
		Identity:      nil,
		Pending:       false,
		LastError:     lastErr,
	}
	c.mu.Unlock()

	c.stopValidityLoop()
}

func (c *Controller) setPending(pending bool) {
	c.mu.Lock()
	c.status.Pending = pending
	c.mu.Unlock()
}

// startValidityLoop begins the periodic token validity check. Idempotent:
// a loop that is already running is left alone.
func (c *Controller) startValidityLoop() {
	c.tickerMu.Lock()
	defer c.tickerMu.Unlock()

	if c.tickerStopCh != nil {
		return
	}
	stopCh := make(chan struct{})
	c.tickerStopCh = stopCh

	go func() {
		ticker := time.NewTicker(c.checkInterval)
		defer ticker.Stop()

		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				c.checkValidity()
			}
		}
	}()
}

// stopValidityLoop cancels the periodic check, if running.
func (c *Controller) stopValidityLoop() {
	c.tickerMu.Lock()
	defer c.tickerMu.Unlock()

	if c.tickerStopCh != nil {
		close(c.tickerStopCh)
		c.tickerStopCh = nil
	}
}

// checkValidity is the autonomous state transition: while authenticated, an
// invalid token triggers a refresh, and a failed refresh logs the session
// out. It skips its turn rather than race an in-flight login.
func (c *Controller) checkValidity() {
	if !c.opMu.TryLock() {
		logging.Debug("Session", "validity check skipped: another operation is in flight")
		return
	}
	defer c.opMu.Unlock()

	if !c.Status().Authenticated {
		return
	}
	if c.broker.IsTokenValid() {
		return
	}

	logging.Info("Session", "stored token is no longer valid, attempting refresh")
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	c.refreshLocked(ctx)
}
