package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jrsteele09/go-oauth-flows/flowstate"
	"github.com/jrsteele09/go-oauth-flows/internal/secretbox"
	pkgerrors "github.com/pkg/errors"
)

var ErrUnknownField = errors.New("unknown credential field")

// StorageKey is where the credential set of a variant is persisted. It sits
// outside every flow key so resetting or switching flows never touches it.
func StorageKey(variant string) string {
	if variant == "" {
		variant = "default"
	}
	return "credentials:" + variant
}

// record is the persisted form. With a sealer configured the secret fields
// are replaced by their sealed counterparts.
type record struct {
	CredentialSet
	SealedSecret     string `json:"sealed_secret,omitempty"`
	SealedPrivateKey string `json:"sealed_private_key,omitempty"`
}

type EditorOption func(*Editor)

// WithSealer seals the client secret and private key before they are persisted.
func WithSealer(box *secretbox.Box) EditorOption {
	return func(e *Editor) { e.box = box }
}

// Editor is the mutation API used by a credential form. Every change is
// written through the store's debounced path, so a burst of keystrokes lands
// as one write of the final value.
type Editor struct {
	store   *flowstate.Store
	key     string
	box     *secretbox.Box
	mu      sync.Mutex
	current CredentialSet
}

func NewEditor(store *flowstate.Store, variant string, opts ...EditorOption) *Editor {
	e := &Editor{store: store, key: StorageKey(variant)}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Load restores the persisted set. A missing record leaves an empty set.
func (e *Editor) Load(ctx context.Context) (CredentialSet, error) {
	var rec record
	err := e.store.LoadValue(ctx, e.key, &rec)
	if errors.Is(err, flowstate.ErrNotFound) {
		return e.Current(), nil
	}
	if err != nil {
		return CredentialSet{}, pkgerrors.Wrap(err, "[Editor.Load] failed to load credentials")
	}
	creds, err := e.unseal(rec)
	if err != nil {
		return CredentialSet{}, err
	}
	e.mu.Lock()
	e.current = creds
	e.mu.Unlock()
	return creds, nil
}

// Current is the in-memory value, including edits not yet persisted.
func (e *Editor) Current() CredentialSet {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// Set changes one field.
func (e *Editor) Set(ctx context.Context, field Field, value string) error {
	var err error
	updateErr := e.Update(ctx, func(c *CredentialSet) {
		if !c.set(field, value) {
			err = fmt.Errorf("%w: %s", ErrUnknownField, field)
		}
	})
	if err != nil {
		return err
	}
	return updateErr
}

// Update applies fn to a copy of the current set and schedules persistence.
func (e *Editor) Update(ctx context.Context, fn func(*CredentialSet)) error {
	e.mu.Lock()
	next := e.current
	fn(&next)
	e.current = next
	e.mu.Unlock()

	rec, err := e.seal(next)
	if err != nil {
		return err
	}
	return e.store.SaveValueDebounced(ctx, e.key, rec)
}

// Replace swaps the whole set and persists it immediately.
func (e *Editor) Replace(ctx context.Context, c CredentialSet) error {
	e.mu.Lock()
	e.current = c
	e.mu.Unlock()

	rec, err := e.seal(c)
	if err != nil {
		return err
	}
	return e.store.SaveValue(ctx, e.key, rec)
}

func (e *Editor) seal(c CredentialSet) (record, error) {
	rec := record{CredentialSet: c}
	if e.box == nil {
		return rec, nil
	}
	var err error
	if c.ClientSecret != "" {
		if rec.SealedSecret, err = e.box.Seal(c.ClientSecret, c.ClientID); err != nil {
			return record{}, err
		}
	}
	if c.PrivateKeyPEM != "" {
		if rec.SealedPrivateKey, err = e.box.Seal(c.PrivateKeyPEM, c.ClientID); err != nil {
			return record{}, err
		}
	}
	rec.CredentialSet = c.Public()
	return rec, nil
}

func (e *Editor) unseal(rec record) (CredentialSet, error) {
	c := rec.CredentialSet
	if rec.SealedSecret == "" && rec.SealedPrivateKey == "" {
		return c, nil
	}
	if e.box == nil {
		return CredentialSet{}, pkgerrors.New("[Editor.Load] credentials are sealed but no key is configured")
	}
	var err error
	if rec.SealedSecret != "" {
		if c.ClientSecret, err = e.box.Open(rec.SealedSecret, c.ClientID); err != nil {
			return CredentialSet{}, pkgerrors.Wrap(err, "[Editor.Load] client secret")
		}
	}
	if rec.SealedPrivateKey != "" {
		if c.PrivateKeyPEM, err = e.box.Open(rec.SealedPrivateKey, c.ClientID); err != nil {
			return CredentialSet{}, pkgerrors.Wrap(err, "[Editor.Load] private key")
		}
	}
	return c, nil
}
