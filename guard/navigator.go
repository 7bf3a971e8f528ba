// Package guard gates movement between the steps of a grant. Advancing
// requires valid credentials from step 0 and the target step's declared
// preconditions; a refused move always explains itself.
package guard

import (
	"context"
	"fmt"
	"strings"

	"github.com/jrsteele09/go-oauth-flows/credentials"
	"github.com/jrsteele09/go-oauth-flows/flowerrors"
	"github.com/jrsteele09/go-oauth-flows/flowstate"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Complete is the pseudo step index reached after the last step.
const Complete = -1

// Decision is the outcome of a transition request.
type Decision struct {
	Allowed    bool
	From       int
	To         int
	Missing    []string
	Diagnostic string
}

// Err is a ValidationError for a blocked decision, nil otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &flowerrors.ValidationError{Fields: d.Missing}
}

// Cleaner removes forward-only artifacts of a flow on reset.
type Cleaner interface {
	DeleteFlow(ctx context.Context, key flowstate.FlowKey) error
}

type Navigator struct {
	steps   []Step
	cleaner Cleaner
	logger  zerolog.Logger
}

type Option func(*Navigator)

func WithLogger(l zerolog.Logger) Option {
	return func(n *Navigator) { n.logger = l }
}

func NewNavigator(steps []Step, cleaner Cleaner, opts ...Option) *Navigator {
	n := &Navigator{steps: steps, cleaner: cleaner, logger: log.Logger}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *Navigator) Steps() []Step { return n.steps }

// Index returns the position of a step id, or -1.
func (n *Navigator) Index(id string) int {
	for i, s := range n.steps {
		if s.ID == id {
			return i
		}
	}
	return -1
}

// Advance decides whether the session may move from its current step to the
// next one. An allowed move updates the session in place.
func (n *Navigator) Advance(state State) Decision {
	from := 0
	if state.Session != nil {
		from = state.Session.CurrentStep
	}
	d := Decision{From: from, To: from + 1}

	if from < 0 || from >= len(n.steps) {
		d.Diagnostic = "flow is already complete"
		d.Missing = []string{}
		return d
	}

	var missing []string
	if from == 0 {
		missing = append(missing, credentials.ValidateFor(state.Credentials, credentials.RequirementsFor(state.Grant)).Labels()...)
	}
	if d.To < len(n.steps) {
		for _, p := range n.steps[d.To].Preconditions {
			if !p.Check(state) {
				missing = append(missing, p.Label)
			}
		}
	}

	if len(missing) > 0 {
		d.Missing = missing
		d.Diagnostic = fmt.Sprintf("cannot continue from %q: missing %s", n.steps[from].Title, strings.Join(missing, ", "))
		n.logger.Debug().Str("grant", string(state.Grant)).Int("step", from).Strs("missing", missing).Msg("step advance blocked")
		return d
	}

	d.Allowed = true
	if state.Session != nil {
		state.Session.Complete(n.steps[from].ID)
		if d.To >= len(n.steps) {
			d.To = Complete
		}
		state.Session.CurrentStep = d.To
	}
	return d
}

// Retreat always succeeds and stops at step 0. Results of the step returned
// to and of every later step are dropped so they must be produced again.
func (n *Navigator) Retreat(session *flowstate.FlowSession) Decision {
	to := 0
	switch {
	case session.CurrentStep == Complete:
		to = len(n.steps) - 1
	case session.CurrentStep > 0:
		to = session.CurrentStep - 1
	}
	return n.Rewind(session, to)
}

// Rewind moves the session back to step to, dropping the results of that
// step and every later one. Moving forward is refused.
func (n *Navigator) Rewind(session *flowstate.FlowSession, to int) Decision {
	d := Decision{From: session.CurrentStep, To: to}
	if to < 0 || to >= len(n.steps) || (session.CurrentStep != Complete && to > session.CurrentStep) {
		d.Missing = []string{}
		d.Diagnostic = fmt.Sprintf("cannot rewind from step %d to step %d", session.CurrentStep, to)
		return d
	}
	d.Allowed = true
	session.CurrentStep = to

	kept := session.CompletedSteps[:0]
	for _, id := range session.CompletedSteps {
		if i := n.Index(id); i >= 0 && i < to {
			kept = append(kept, id)
		}
	}
	session.CompletedSteps = kept
	for i := to; i < len(n.steps); i++ {
		delete(session.Results, n.steps[i].ID)
	}
	return d
}

// Reset discards the session and every derived artifact (PKCE, device
// session, tokens, state index). Credentials live outside the flow key and
// are untouched.
func (n *Navigator) Reset(ctx context.Context, key flowstate.FlowKey) (Decision, error) {
	if err := n.cleaner.DeleteFlow(ctx, key); err != nil {
		return Decision{}, err
	}
	return Decision{Allowed: true, To: 0}, nil
}
