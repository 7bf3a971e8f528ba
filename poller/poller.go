// Package poller drives the token polling loop of the device authorization
// and CIBA grants: wait the server interval, poll, slow down when told to,
// and stop on a terminal answer or at expiry.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jrsteele09/go-oauth-flows/flowerrors"
	"github.com/jrsteele09/go-oauth-flows/flowstate"
	"github.com/jrsteele09/go-oauth-flows/internal/clock"
	"github.com/jrsteele09/go-oauth-flows/oauth2"
	"github.com/jrsteele09/go-oauth-flows/token"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type State string

const (
	Pending   State = "pending"
	Expired   State = "expired"
	Denied    State = "denied"
	Granted   State = "granted"
	Cancelled State = "cancelled"
	Error     State = "error"
)

// DefaultSlowDownIncrement is the RFC 8628 section 3.5 increase.
const DefaultSlowDownIncrement = 5 * time.Second

// PollFunc issues one token request. OAuth errors must be returned as
// *flowerrors.ProtocolError so their code can be inspected.
type PollFunc func(ctx context.Context) (*oauth2.TokenResponse, error)

// TokenSink receives the token response of a granted flow.
type TokenSink interface {
	Accept(ctx context.Context, key flowstate.FlowKey, raw oauth2.TokenResponse) (*token.TokenSet, error)
}

type Result struct {
	State  State
	Tokens *token.TokenSet
	Polls  int
}

type Poller struct {
	Key     flowstate.FlowKey
	Session DeviceSession
	Poll    PollFunc
	Sink    TokenSink
	Clock   clock.Clock
	// Sleep waits d or until ctx is done. Tests replace it to drive a fake clock.
	Sleep             func(ctx context.Context, d time.Duration) error
	SlowDownIncrement time.Duration
	// OnSlowDown is told the new interval so it can be persisted.
	OnSlowDown func(interval time.Duration)
	Logger     *zerolog.Logger

	mu        sync.Mutex
	intervals []time.Duration
}

// Intervals lists the wait used before each poll.
func (p *Poller) Intervals() []time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]time.Duration(nil), p.intervals...)
}

func (p *Poller) record(d time.Duration) {
	p.mu.Lock()
	p.intervals = append(p.intervals, d)
	p.mu.Unlock()
}

func (p *Poller) defaults() (clock.Clock, func(context.Context, time.Duration) error, time.Duration, zerolog.Logger) {
	c := p.Clock
	if c == nil {
		c = clock.Real()
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}
	inc := p.SlowDownIncrement
	if inc <= 0 {
		inc = DefaultSlowDownIncrement
	}
	logger := log.Logger
	if p.Logger != nil {
		logger = *p.Logger
	}
	return c, sleep, inc, logger
}

// Run polls until a terminal state. Expired and denied flows return a
// PollingTerminalError; cancellation returns the context error in the
// cancelled state. A response that arrives after cancellation is dropped and
// never reaches the sink.
func (p *Poller) Run(ctx context.Context) (Result, error) {
	clk, sleep, increment, logger := p.defaults()
	interval := p.Session.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	result := Result{State: Pending}
	logger = logger.With().Str("flow", p.Key.String()).Logger()

	for {
		remaining := p.Session.ExpiresAt.Sub(clk.Now())
		if remaining <= 0 {
			result.State = Expired
			return result, &flowerrors.PollingTerminalError{State: string(Expired), Code: oauth2.ErrCodeExpiredToken, Description: "device session reached its expiry"}
		}
		wait := interval
		if wait > remaining {
			wait = remaining
		}
		p.record(interval)
		if err := sleep(ctx, wait); err != nil {
			if ctx.Err() != nil {
				result.State = Cancelled
			}
			return result, err
		}
		if !clk.Now().Before(p.Session.ExpiresAt) {
			continue
		}

		resp, err := p.Poll(ctx)
		result.Polls++
		if ctxErr := ctx.Err(); ctxErr != nil {
			result.State = Cancelled
			logger.Debug().Int("polls", result.Polls).Msg("polling cancelled")
			return result, ctxErr
		}
		if err == nil {
			tokens, sinkErr := p.Sink.Accept(ctx, p.Key, *resp)
			if sinkErr != nil {
				result.State = Error
				return result, sinkErr
			}
			result.State = Granted
			result.Tokens = tokens
			logger.Info().Int("polls", result.Polls).Msg("device flow granted")
			return result, nil
		}

		var perr *flowerrors.ProtocolError
		if !errors.As(err, &perr) {
			result.State = Error
			return result, err
		}
		switch perr.Code {
		case oauth2.ErrCodeAuthorizationPending:
			logger.Debug().Dur("interval", interval).Msg("authorization pending")
		case oauth2.ErrCodeSlowDown:
			interval += increment
			logger.Debug().Dur("interval", interval).Msg("slow down requested")
			if p.OnSlowDown != nil {
				p.OnSlowDown(interval)
			}
		case oauth2.ErrCodeExpiredToken:
			result.State = Expired
			return result, &flowerrors.PollingTerminalError{State: string(Expired), Code: perr.Code, Description: perr.Description}
		case oauth2.ErrCodeAccessDenied:
			result.State = Denied
			return result, &flowerrors.PollingTerminalError{State: string(Denied), Code: perr.Code, Description: perr.Description}
		default:
			result.State = Error
			return result, perr
		}
	}
}

// Handle controls a poller running in its own goroutine.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
	result Result
	err    error
}

// Start runs the poller in the background.
func (p *Poller) Start(ctx context.Context) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		defer cancel()
		h.result, h.err = p.Run(ctx)
	}()
	return h
}

// Cancel stops polling. Calling it again, or after completion, does nothing.
func (h *Handle) Cancel() {
	h.cancel()
}

func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result waits for the poller to finish.
func (h *Handle) Result() (Result, error) {
	<-h.done
	return h.result, h.err
}

// SleepContext waits d unless ctx ends first. The timer is always released.
func SleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
