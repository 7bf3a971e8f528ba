package flowstate_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jrsteele09/go-oauth-flows/flowstate"
	"github.com/jrsteele09/go-oauth-flows/flowstate/memory"
	"github.com/jrsteele09/go-oauth-flows/internal/clock"
	interrors "github.com/jrsteele09/go-oauth-flows/internal/errors"
	"github.com/jrsteele09/go-oauth-flows/oauth2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) (*flowstate.Store, *memory.Backend, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(t0)
	backend := memory.New()
	return flowstate.NewStore(backend, flowstate.WithClock(fake), flowstate.WithWindow(500*time.Millisecond)), backend, fake
}

func pkceKey() flowstate.FlowKey {
	return flowstate.NewFlowKey(oauth2.AuthorizationCodeGrant, "pkce")
}

func TestFlowKey(t *testing.T) {
	key := pkceKey()
	require.Equal(t, "flow:authorization_code:pkce", key.String())
	require.Equal(t, "flow:authorization_code:pkce:tokens", key.Derive("tokens"))
	require.Equal(t, "flow:device_code:default", flowstate.NewFlowKey(oauth2.DeviceCodeGrant, "").String())

	require.ErrorIs(t, flowstate.FlowKey{Grant: oauth2.ImplicitGrant, Variant: "a:b"}.Validate(), flowstate.ErrInvalidKey)
	require.ErrorIs(t, flowstate.FlowKey{Variant: "a"}.Validate(), flowstate.ErrInvalidKey)
}

func TestStore_LoadMissing(t *testing.T) {
	store, _, _ := newStore(t)
	_, err := store.Load(context.Background(), pkceKey())
	require.ErrorIs(t, err, flowstate.ErrNotFound)
	require.ErrorIs(t, err, interrors.ErrNotFound)
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newStore(t)
	key := pkceKey()

	session := flowstate.NewFlowSession(key, t0)
	session.CurrentStep = 3
	session.Complete("configure")
	session.Complete("pkce")
	session.Complete("pkce")
	require.NoError(t, session.SetResult("pkce", map[string]any{"challenge": "abc", "n": 1}))
	require.NoError(t, store.SaveNow(ctx, key, session))

	loaded, err := store.Load(ctx, key)
	require.NoError(t, err)
	require.Equal(t, session.CurrentStep, loaded.CurrentStep)
	require.Equal(t, []string{"configure", "pkce"}, loaded.CompletedSteps)
	require.JSONEq(t, `{"challenge":"abc","n":1}`, string(loaded.Results["pkce"]))
	require.True(t, loaded.CreatedAt.Equal(t0))

	// Loads are private copies.
	loaded.CompletedSteps[0] = "mutated"
	loaded.Results["pkce"] = json.RawMessage(`{}`)
	again, err := store.Load(ctx, key)
	require.NoError(t, err)
	require.Equal(t, "configure", again.CompletedSteps[0])
	require.JSONEq(t, `{"challenge":"abc","n":1}`, string(again.Results["pkce"]))
}

func TestStore_IdenticalSaveWritesOnce(t *testing.T) {
	ctx := context.Background()
	store, _, fake := newStore(t)
	key := pkceKey()
	session := flowstate.NewFlowSession(key, t0)

	require.NoError(t, store.SaveNow(ctx, key, session))
	require.NoError(t, store.SaveNow(ctx, key, session))
	require.EqualValues(t, 1, store.Writes())

	require.NoError(t, store.Save(ctx, key, session))
	fake.Advance(time.Second)
	require.EqualValues(t, 1, store.Writes())
	require.Zero(t, fake.Pending())
}

func TestStore_IdenticalSaveFollowsBackend(t *testing.T) {
	ctx := context.Background()
	store, backend, _ := newStore(t)
	key := pkceKey()
	session := flowstate.NewFlowSession(key, t0)

	require.NoError(t, store.SaveNow(ctx, key, session))
	require.NoError(t, backend.Put(ctx, key.String(), []byte(`{"changed":"elsewhere"}`)))

	// the value no longer matches what the backend holds, so it is written again
	require.NoError(t, store.SaveNow(ctx, key, session))
	require.EqualValues(t, 2, store.Writes())
	loaded, err := store.Load(ctx, key)
	require.NoError(t, err)
	require.Equal(t, key, loaded.Key)

	require.NoError(t, store.DeleteValue(ctx, key.String()))
	require.NoError(t, store.SaveNow(ctx, key, session))
	require.EqualValues(t, 3, store.Writes())
}

func TestStore_DebounceCoalesces(t *testing.T) {
	ctx := context.Background()
	store, _, fake := newStore(t)
	key := pkceKey()
	session := flowstate.NewFlowSession(key, t0)

	for i := 1; i <= 10; i++ {
		session.CurrentStep = i
		require.NoError(t, store.Save(ctx, key, session))
		fake.Advance(100 * time.Millisecond)
	}
	require.EqualValues(t, 0, store.Writes())

	// Read-your-writes while the value is still pending.
	pending, err := store.Load(ctx, key)
	require.NoError(t, err)
	require.Equal(t, 10, pending.CurrentStep)

	fake.Advance(400 * time.Millisecond)
	require.EqualValues(t, 1, store.Writes())
	require.Zero(t, store.Pending())

	loaded, err := store.Load(ctx, key)
	require.NoError(t, err)
	require.Equal(t, 10, loaded.CurrentStep)
}

func TestStore_NewerSaveSupersedes(t *testing.T) {
	ctx := context.Background()
	store, backend, fake := newStore(t)
	key := pkceKey()

	first := flowstate.NewFlowSession(key, t0)
	first.CurrentStep = 1
	require.NoError(t, store.Save(ctx, key, first))
	fake.Advance(499 * time.Millisecond)

	second := flowstate.NewFlowSession(key, t0)
	second.CurrentStep = 2
	require.NoError(t, store.Save(ctx, key, second))
	fake.Advance(499 * time.Millisecond)
	require.EqualValues(t, 0, store.Writes())

	fake.Advance(time.Millisecond)
	require.EqualValues(t, 1, store.Writes())

	raw, err := backend.Get(ctx, key.String())
	require.NoError(t, err)
	var persisted flowstate.FlowSession
	require.NoError(t, json.Unmarshal(raw, &persisted))
	require.Equal(t, 2, persisted.CurrentStep)
}

func TestStore_SaveNowCancelsPending(t *testing.T) {
	ctx := context.Background()
	store, _, fake := newStore(t)
	key := pkceKey()

	stale := flowstate.NewFlowSession(key, t0)
	stale.CurrentStep = 1
	require.NoError(t, store.Save(ctx, key, stale))

	fresh := flowstate.NewFlowSession(key, t0)
	fresh.CurrentStep = 4
	require.NoError(t, store.SaveNow(ctx, key, fresh))
	fake.Advance(time.Second)

	require.EqualValues(t, 1, store.Writes())
	loaded, err := store.Load(ctx, key)
	require.NoError(t, err)
	require.Equal(t, 4, loaded.CurrentStep)
}

func TestStore_Flush(t *testing.T) {
	ctx := context.Background()
	store, backend, _ := newStore(t)

	require.NoError(t, store.SaveValueDebounced(ctx, "credentials:default", map[string]string{"client_id": "abc"}))
	require.NoError(t, store.SaveValueDebounced(ctx, "credentials:other", map[string]string{"client_id": "def"}))
	require.Equal(t, 2, store.Pending())

	require.NoError(t, store.Flush(ctx))
	require.Zero(t, store.Pending())
	require.Equal(t, 2, backend.Len())
	require.EqualValues(t, 2, store.Writes())
}

func TestStore_SessionKeyMismatch(t *testing.T) {
	store, _, _ := newStore(t)
	other := flowstate.NewFlowSession(flowstate.NewFlowKey(oauth2.ImplicitGrant, "default"), t0)
	require.ErrorIs(t, store.SaveNow(context.Background(), pkceKey(), other), flowstate.ErrInvalidSession)
	require.ErrorIs(t, store.Save(context.Background(), pkceKey(), nil), flowstate.ErrInvalidSession)
}

func TestStore_StateIndex(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newStore(t)
	key := pkceKey()

	require.NoError(t, store.IndexState(ctx, "state-123", key))
	found, err := store.LookupState(ctx, "state-123")
	require.NoError(t, err)
	require.Equal(t, key, found)

	_, err = store.LookupState(ctx, "unknown")
	require.ErrorIs(t, err, flowstate.ErrNotFound)
	_, err = store.LookupState(ctx, "")
	require.ErrorIs(t, err, flowstate.ErrNotFound)
	require.Error(t, store.IndexState(ctx, "", key))
}

func TestStore_DeleteFlow(t *testing.T) {
	ctx := context.Background()
	store, backend, fake := newStore(t)
	key := pkceKey()
	other := flowstate.NewFlowKey(oauth2.DeviceCodeGrant, "default")

	require.NoError(t, store.SaveNow(ctx, key, flowstate.NewFlowSession(key, t0)))
	require.NoError(t, store.SaveValue(ctx, key.Derive("pkce"), map[string]string{"v": "x"}))
	require.NoError(t, store.SaveValueDebounced(ctx, key.Derive("tokens"), map[string]string{"a": "b"}))
	require.NoError(t, store.IndexState(ctx, "s1", key))
	require.NoError(t, store.SaveNow(ctx, other, flowstate.NewFlowSession(other, t0)))
	require.NoError(t, store.IndexState(ctx, "s2", other))
	require.NoError(t, store.SaveValue(ctx, "credentials:default", map[string]string{"client_id": "c"}))

	require.NoError(t, store.DeleteFlow(ctx, key))
	fake.Advance(time.Second)

	keys, err := backend.Keys(ctx, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"credentials:default", other.String(), "state:s2"}, keys)

	_, err = store.Load(ctx, key)
	require.ErrorIs(t, err, flowstate.ErrNotFound)
}

func TestStore_ConcurrentSaves(t *testing.T) {
	ctx := context.Background()
	store := flowstate.NewStore(memory.New(), flowstate.WithWindow(5*time.Millisecond))
	key := pkceKey()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(step int) {
			defer wg.Done()
			s := flowstate.NewFlowSession(key, t0)
			s.CurrentStep = step
			_ = store.Save(ctx, key, s)
		}(i)
	}
	wg.Wait()
	require.NoError(t, store.Flush(ctx))

	loaded, err := store.Load(ctx, key)
	require.NoError(t, err)
	require.GreaterOrEqual(t, loaded.CurrentStep, 0)
	require.LessOrEqual(t, store.Writes(), int64(20))
}
