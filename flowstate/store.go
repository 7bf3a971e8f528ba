package flowstate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jrsteele09/go-oauth-flows/internal/clock"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const DefaultWindow = 500 * time.Millisecond

type Option func(*Store)

func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

func WithWindow(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.window = d
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

type pendingWrite struct {
	generation uint64
	data       []byte
	timer      clock.Timer
}

// Store is the keyed flow state store. Debounced saves to the same key are
// coalesced into one trailing write; a newer save always supersedes an older
// pending one. Loads see pending values before they reach the backend.
type Store struct {
	backend Backend
	clock   clock.Clock
	window  time.Duration
	logger  zerolog.Logger

	// mu guards every field below and serialises backend writes.
	mu         sync.Mutex
	generation map[string]uint64
	pending    map[string]*pendingWrite

	writes atomic.Int64
}

func NewStore(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend:    backend,
		clock:      clock.Real(),
		window:     DefaultWindow,
		logger:     log.Logger,
		generation: map[string]uint64{},
		pending:    map[string]*pendingWrite{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Window() time.Duration { return s.window }

// Writes counts values that actually reached the backend.
func (s *Store) Writes() int64 { return s.writes.Load() }

// Pending is the number of keys with a scheduled write.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Load returns a private copy of the newest complete session for key.
func (s *Store) Load(ctx context.Context, key FlowKey) (*FlowSession, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	session := &FlowSession{}
	if err := s.LoadValue(ctx, key.String(), session); err != nil {
		return nil, err
	}
	if session.Results == nil {
		session.Results = map[string]json.RawMessage{}
	}
	return session, nil
}

// Save schedules a debounced write of the session.
func (s *Store) Save(ctx context.Context, key FlowKey, session *FlowSession) error {
	data, err := s.encodeSession(key, session)
	if err != nil {
		return err
	}
	s.schedule(key.String(), data)
	return nil
}

// SaveNow writes the session immediately, cancelling any pending write. It is
// used before a redirect suspends the process.
func (s *Store) SaveNow(ctx context.Context, key FlowKey, session *FlowSession) error {
	data, err := s.encodeSession(key, session)
	if err != nil {
		return err
	}
	return s.writeNow(ctx, key.String(), data)
}

// Delete removes only the session record.
func (s *Store) Delete(ctx context.Context, key FlowKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	return s.DeleteValue(ctx, key.String())
}

// DeleteFlow removes the session, every value derived from its key and any
// state index entries pointing at it.
func (s *Store) DeleteFlow(ctx context.Context, key FlowKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := s.DeleteValue(ctx, key.String()); err != nil {
		return err
	}
	derived, err := s.keys(ctx, key.String()+":")
	if err != nil {
		return err
	}
	for _, k := range derived {
		if err := s.DeleteValue(ctx, k); err != nil {
			return err
		}
	}
	indexed, err := s.keys(ctx, statePrefix)
	if err != nil {
		return err
	}
	for _, k := range indexed {
		var target FlowKey
		if err := s.LoadValue(ctx, k, &target); err != nil {
			continue
		}
		if target == key {
			if err := s.DeleteValue(ctx, k); err != nil {
				return err
			}
		}
	}
	return nil
}

// Flush writes every pending value now.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for k, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, k)
		if err := s.putLocked(ctx, k, p.data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LoadValue decodes the newest value stored under k into out.
func (s *Store) LoadValue(ctx context.Context, k string, out any) error {
	s.mu.Lock()
	var data []byte
	if p, ok := s.pending[k]; ok {
		data = bytes.Clone(p.data)
	}
	s.mu.Unlock()

	if data == nil {
		var err error
		data, err = s.backend.Get(ctx, k)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return ErrNotFound
			}
			return pkgerrors.Wrapf(err, "[Store.LoadValue] %s", k)
		}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return pkgerrors.Wrapf(err, "[Store.LoadValue] decode %s", k)
	}
	return nil
}

// SaveValue writes v under k immediately.
func (s *Store) SaveValue(ctx context.Context, k string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return pkgerrors.Wrapf(err, "[Store.SaveValue] encode %s", k)
	}
	return s.writeNow(ctx, k, data)
}

// SaveValueDebounced coalesces writes of v under k.
func (s *Store) SaveValueDebounced(ctx context.Context, k string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return pkgerrors.Wrapf(err, "[Store.SaveValueDebounced] encode %s", k)
	}
	s.schedule(k, data)
	return nil
}

// DeleteValue cancels any pending write for k and removes it from the backend.
func (s *Store) DeleteValue(ctx context.Context, k string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(k)
	if err := s.backend.Delete(ctx, k); err != nil && !errors.Is(err, ErrNotFound) {
		return pkgerrors.Wrapf(err, "[Store.DeleteValue] %s", k)
	}
	return nil
}

// IndexState records which flow a state value belongs to so a callback can
// find its flow in a fresh process.
func (s *Store) IndexState(ctx context.Context, state string, key FlowKey) error {
	if state == "" {
		return pkgerrors.Wrap(ErrInvalidKey, "[Store.IndexState] empty state")
	}
	if err := key.Validate(); err != nil {
		return err
	}
	return s.SaveValue(ctx, statePrefix+state, key)
}

func (s *Store) LookupState(ctx context.Context, state string) (FlowKey, error) {
	var key FlowKey
	if state == "" {
		return key, ErrNotFound
	}
	err := s.LoadValue(ctx, statePrefix+state, &key)
	return key, err
}

func (s *Store) DeleteState(ctx context.Context, state string) error {
	return s.DeleteValue(ctx, statePrefix+state)
}

func (s *Store) encodeSession(key FlowKey, session *FlowSession) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if session == nil {
		return nil, pkgerrors.Wrap(ErrInvalidSession, "nil session")
	}
	if session.Key != key {
		return nil, pkgerrors.Wrapf(ErrInvalidSession, "session key %s does not match %s", session.Key, key)
	}
	return json.Marshal(session)
}

func (s *Store) schedule(k string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.pending[k]; ok && bytes.Equal(p.data, data) {
		return
	}

	s.cancelLocked(k)
	s.generation[k]++
	gen := s.generation[k]
	p := &pendingWrite{generation: gen, data: data}
	p.timer = s.clock.AfterFunc(s.window, func() { s.land(k, gen) })
	s.pending[k] = p
}

// land performs a trailing write unless a newer save superseded it.
func (s *Store) land(k string, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[k]
	if !ok || p.generation != gen {
		return
	}
	delete(s.pending, k)
	if err := s.putLocked(context.Background(), k, p.data); err != nil {
		s.logger.Error().Err(err).Str("key", k).Msg("debounced flow state write failed")
	}
}

func (s *Store) writeNow(ctx context.Context, k string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(k)
	return s.putLocked(ctx, k, data)
}

func (s *Store) cancelLocked(k string) {
	if p, ok := s.pending[k]; ok {
		p.timer.Stop()
		delete(s.pending, k)
		s.generation[k]++
	}
}

// putLocked writes data unless the backend already holds the same bytes.
// The comparison reads the backend so nothing is cached per key.
func (s *Store) putLocked(ctx context.Context, k string, data []byte) error {
	if current, err := s.backend.Get(ctx, k); err == nil && bytes.Equal(current, data) {
		return nil
	}
	if err := s.backend.Put(ctx, k, data); err != nil {
		return pkgerrors.Wrapf(err, "[Store] write %s", k)
	}
	s.writes.Add(1)
	s.logger.Debug().Str("key", k).Int("bytes", len(data)).Msg("flow state persisted")
	return nil
}

// keys merges backend keys with pending ones under prefix.
func (s *Store) keys(ctx context.Context, prefix string) ([]string, error) {
	found, err := s.backend.Keys(ctx, prefix)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "[Store] keys %s", prefix)
	}
	seen := map[string]struct{}{}
	for _, k := range found {
		seen[k] = struct{}{}
	}
	s.mu.Lock()
	for k := range s.pending {
		if _, ok := seen[k]; !ok && strings.HasPrefix(k, prefix) {
			found = append(found, k)
		}
	}
	s.mu.Unlock()
	return found, nil
}
