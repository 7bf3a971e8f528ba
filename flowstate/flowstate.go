// Package flowstate persists in-flight OAuth flows. Values are JSON blobs
// stored under explicit keys in a pluggable Backend; the Store layers
// debounce-and-supersede writes, read-your-writes loads and the state
// parameter index used to resume a flow after a browser redirect.
package flowstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	interrors "github.com/jrsteele09/go-oauth-flows/internal/errors"
	"github.com/jrsteele09/go-oauth-flows/oauth2"
)

var (
	// ErrNotFound is the store miss. It matches the module wide not found
	// sentinel too.
	ErrNotFound       = fmt.Errorf("flow state %w", interrors.ErrNotFound)
	ErrInvalidKey     = errors.New("invalid flow key")
	ErrInvalidSession = errors.New("invalid flow session")
)

const (
	flowPrefix  = "flow:"
	statePrefix = "state:"
)

// Backend is a flat key/value persistence layer. Implementations must return
// ErrNotFound for absent keys and must not retain the byte slices they are given.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// FlowKey identifies one flow: the grant plus a variant (e.g. "pkce",
// "default", "saml"). Variants must not contain ':'.
type FlowKey struct {
	Grant   oauth2.GrantType `json:"grant"`
	Variant string           `json:"variant"`
}

func NewFlowKey(grant oauth2.GrantType, variant string) FlowKey {
	if variant == "" {
		variant = "default"
	}
	return FlowKey{Grant: grant, Variant: variant}
}

func (k FlowKey) Validate() error {
	if k.Grant == "" {
		return fmt.Errorf("%w: empty grant", ErrInvalidKey)
	}
	if k.Variant == "" || strings.Contains(k.Variant, ":") {
		return fmt.Errorf("%w: variant %q", ErrInvalidKey, k.Variant)
	}
	return nil
}

// String is the storage key of the session itself.
func (k FlowKey) String() string {
	return flowPrefix + k.Grant.Slug() + ":" + k.Variant
}

// Derive names a value that belongs to the flow (pkce, device, tokens...).
// DeleteFlow removes every derived value with the session.
func (k FlowKey) Derive(name string) string {
	return k.String() + ":" + name
}

// FlowSession is the resumable record of a flow's progress. Results holds
// opaque per-step output keyed by step id.
type FlowSession struct {
	Key            FlowKey                    `json:"key"`
	CurrentStep    int                        `json:"current_step"`
	CompletedSteps []string                   `json:"completed_steps"`
	Results        map[string]json.RawMessage `json:"results,omitempty"`
	CreatedAt      time.Time                  `json:"created_at"`
	UpdatedAt      time.Time                  `json:"updated_at"`
}

func NewFlowSession(key FlowKey, now time.Time) *FlowSession {
	return &FlowSession{
		Key:            key,
		CompletedSteps: []string{},
		Results:        map[string]json.RawMessage{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// SetResult stores v as the JSON result of a step.
func (s *FlowSession) SetResult(step string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if s.Results == nil {
		s.Results = map[string]json.RawMessage{}
	}
	s.Results[step] = data
	return nil
}

// Result decodes a step result into out. Absent results return ErrNotFound.
func (s *FlowSession) Result(step string, out any) error {
	data, ok := s.Results[step]
	if !ok {
		return ErrNotFound
	}
	return json.Unmarshal(data, out)
}

// Complete marks a step done once.
func (s *FlowSession) Complete(step string) {
	for _, done := range s.CompletedSteps {
		if done == step {
			return
		}
	}
	s.CompletedSteps = append(s.CompletedSteps, step)
}

func (s *FlowSession) IsCompleted(step string) bool {
	for _, done := range s.CompletedSteps {
		if done == step {
			return true
		}
	}
	return false
}
