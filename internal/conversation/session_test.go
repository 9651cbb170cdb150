package conversation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/flightdesk-ai/internal/fsm"
	"github.com/wolfman30/flightdesk-ai/internal/intent"
)

func newRedisSessions(t *testing.T) (*RedisSessionStore, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisSessionStore(client, time.Hour, quietLogger()), mr, client
}

func TestSessionAppendKeepsNewestWindow(t *testing.T) {
	var s Session
	at := time.Now()
	for i := 0; i < 7; i++ {
		s.Append(RoleCustomer, fmt.Sprint(i), at, 4)
	}
	require.Len(t, s.History, 4)
	assert.Equal(t, "3", s.History[0].Text)
	assert.Equal(t, "6", s.History[3].Text)
	assert.Equal(t, []intent.Turn{{Role: "customer", Text: "3"}, {Role: "customer", Text: "4"}, {Role: "customer", Text: "5"}, {Role: "customer", Text: "6"}}, s.Turns())
}

func TestMemorySessionStoreVersioning(t *testing.T) {
	store := NewMemorySessionStore()
	ctx := context.Background()

	sess, ok, err := store.Load(ctx, "+967 000 0001")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, fsm.StateNew, sess.State)
	assert.Equal(t, "+9670000001", sess.CustomerPhone)

	saved, err := store.Save(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, int64(1), saved.Version)

	_, err = store.Save(ctx, sess)
	assert.ErrorIs(t, err, ErrSessionConflict, "stale version must not overwrite")

	saved.State = fsm.StateActiveBooking
	saved, err = store.Save(ctx, saved)
	require.NoError(t, err)
	assert.Equal(t, int64(2), saved.Version)

	loaded, ok, err := store.Load(ctx, "+9670000001")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, fsm.StateActiveBooking, loaded.State)
}

func TestRedisSessionStoreRoundTrip(t *testing.T) {
	store, mr, _ := newRedisSessions(t)
	ctx := context.Background()

	sess, ok, err := store.Load(ctx, "+9670000001")
	require.NoError(t, err)
	require.False(t, ok)

	sess.State = fsm.StateActiveBooking
	sess.Draft = intent.Entities{FromCity: "عدن", ToCity: "القاهرة"}
	sess.PendingField = intent.FieldDate
	sess.Append(RoleCustomer, "اريد رحلة", time.Now(), 10)
	saved, err := store.Save(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, int64(1), saved.Version)

	loaded, ok, err := store.Load(ctx, "+9670000001")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, fsm.StateActiveBooking, loaded.State)
	assert.Equal(t, sess.Draft, loaded.Draft)
	assert.Equal(t, intent.FieldDate, loaded.PendingField)
	assert.Len(t, loaded.History, 1)

	ttl := mr.TTL("session:+9670000001")
	assert.True(t, ttl > 59*time.Minute && ttl <= time.Hour, "ttl %s", ttl)
}

func TestRedisSessionStoreRejectsStaleSave(t *testing.T) {
	store, _, _ := newRedisSessions(t)
	ctx := context.Background()

	first, _, _ := store.Load(ctx, "+9670000001")
	saved, err := store.Save(ctx, first)
	require.NoError(t, err)

	_, err = store.Save(ctx, first)
	assert.ErrorIs(t, err, ErrSessionConflict, "version 0 save over an existing session")

	saved.Language = "ar"
	_, err = store.Save(ctx, saved)
	require.NoError(t, err)
	_, err = store.Save(ctx, saved)
	assert.ErrorIs(t, err, ErrSessionConflict)
}

func TestRedisSessionStoreResetsUnknownState(t *testing.T) {
	store, mr, _ := newRedisSessions(t)
	require.NoError(t, mr.Set("session:+9670000001", `{"customer_phone":"+9670000001","state":"limbo","version":4}`))

	sess, ok, err := store.Load(context.Background(), "+9670000001")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, fsm.StateNew, sess.State)
	assert.Equal(t, int64(4), sess.Version)
}

func TestRedisSessionStoreLoadError(t *testing.T) {
	store, mr, _ := newRedisSessions(t)
	mr.SetError("LOADING")

	_, _, err := store.Load(context.Background(), "+9670000001")
	assert.Error(t, err)
}
