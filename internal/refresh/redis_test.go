package refresh

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStoreTest(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb, "rr"), mr
}

func testRecord(subjectID, rotationID, digest string) Record {
	return Record{
		SubjectID:        subjectID,
		RotationID:       rotationID,
		CredentialDigest: digest,
		ExpiresAt:        time.Now().Add(time.Hour),
		OriginIP:         "10.0.0.1",
		OriginAgent:      "test-agent",
	}
}

func TestRedisStore_InsertAndFind(t *testing.T) {
	store, _ := newRedisStoreTest(t)
	ctx := context.Background()

	inserted, err := store.Insert(ctx, testRecord("u1", "rot-1", "dig-1"))
	require.NoError(t, err)
	assert.NotEmpty(t, inserted.ID)

	active, err := store.FindActiveByRotationID(ctx, "rot-1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, inserted.ID, active.ID)
	assert.Equal(t, "u1", active.SubjectID)
	assert.Equal(t, "dig-1", active.CredentialDigest)
	assert.Equal(t, "10.0.0.1", active.OriginIP)
	assert.Nil(t, active.RevokedAt)

	missing, err := store.FindAnyByRotationID(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRedisStore_InsertDuplicateDigest(t *testing.T) {
	store, _ := newRedisStoreTest(t)
	ctx := context.Background()

	_, err := store.Insert(ctx, testRecord("u1", "rot-1", "dig-1"))
	require.NoError(t, err)

	_, err = store.Insert(ctx, testRecord("u1", "rot-2", "dig-1"))
	assert.ErrorIs(t, err, ErrDuplicateDigest)
}

func TestRedisStore_RevokeIfActive(t *testing.T) {
	store, _ := newRedisStoreTest(t)
	ctx := context.Background()

	_, err := store.Insert(ctx, testRecord("u1", "rot-1", "dig-1"))
	require.NoError(t, err)

	outcome, err := store.RevokeIfActive(ctx, "missing", "dig-1", "")
	require.NoError(t, err)
	assert.Equal(t, NotFound, outcome)

	outcome, err = store.RevokeIfActive(ctx, "rot-1", "other-digest", "")
	require.NoError(t, err)
	assert.Equal(t, AlreadyRevoked, outcome, "digest mismatch never revokes")

	outcome, err = store.RevokeIfActive(ctx, "rot-1", "dig-1", "dig-2")
	require.NoError(t, err)
	assert.Equal(t, RevokedNow, outcome)

	outcome, err = store.RevokeIfActive(ctx, "rot-1", "dig-1", "dig-3")
	require.NoError(t, err)
	assert.Equal(t, AlreadyRevoked, outcome)

	record, err := store.FindAnyByRotationID(ctx, "rot-1")
	require.NoError(t, err)
	require.NotNil(t, record)
	require.NotNil(t, record.RevokedAt)
	require.NotNil(t, record.ReplacedByDigest)
	assert.Equal(t, "dig-2", *record.ReplacedByDigest, "losing caller must not overwrite the chain link")

	active, err := store.FindActiveByRotationID(ctx, "rot-1")
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestRedisStore_RevokeIfActiveSingleWinner(t *testing.T) {
	store, _ := newRedisStoreTest(t)
	ctx := context.Background()

	_, err := store.Insert(ctx, testRecord("u1", "rot-race", "dig-race"))
	require.NoError(t, err)

	const workers = 16
	start := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(workers)

	results := make(chan RevokeOutcome, workers)
	for i := 0; i < workers; i++ {
		go func(n int) {
			defer wg.Done()
			<-start
			outcome, err := store.RevokeIfActive(ctx, "rot-race", "dig-race", fmt.Sprintf("next-%d", n))
			if err != nil {
				t.Errorf("revoke: %v", err)
				return
			}
			results <- outcome
		}(i)
	}

	close(start)
	wg.Wait()
	close(results)

	winners := 0
	for outcome := range results {
		switch outcome {
		case RevokedNow:
			winners++
		case AlreadyRevoked:
		default:
			t.Fatalf("unexpected outcome %s", outcome)
		}
	}

	assert.Equal(t, 1, winners)
}

func TestRedisStore_ExpiredRecordIsNotRevocable(t *testing.T) {
	store, _ := newRedisStoreTest(t)
	ctx := context.Background()

	base := time.Now()
	store.now = func() time.Time { return base }
	record := testRecord("u1", "rot-1", "dig-1")
	record.ExpiresAt = base.Add(time.Minute)
	_, err := store.Insert(ctx, record)
	require.NoError(t, err)

	store.now = func() time.Time { return base.Add(2 * time.Minute) }

	outcome, err := store.RevokeIfActive(ctx, "rot-1", "dig-1", "")
	require.NoError(t, err)
	assert.Equal(t, AlreadyRevoked, outcome)

	active, err := store.FindActiveByRotationID(ctx, "rot-1")
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestRedisStore_KeysExpireWithRecord(t *testing.T) {
	store, mr := newRedisStoreTest(t)
	ctx := context.Background()

	record := testRecord("u1", "rot-1", "dig-1")
	record.ExpiresAt = time.Now().Add(time.Minute)
	_, err := store.Insert(ctx, record)
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	found, err := store.FindAnyByRotationID(ctx, "rot-1")
	require.NoError(t, err)
	assert.Nil(t, found)
	assert.False(t, mr.Exists("rr:dig:dig-1"))
	assert.False(t, mr.Exists("rr:sub:u1"))
}

func TestRedisStore_RevokeAllActiveForSubject(t *testing.T) {
	store, _ := newRedisStoreTest(t)
	ctx := context.Background()

	_, err := store.Insert(ctx, testRecord("u1", "rot-1", "dig-1"))
	require.NoError(t, err)
	_, err = store.Insert(ctx, testRecord("u1", "rot-2", "dig-2"))
	require.NoError(t, err)
	_, err = store.Insert(ctx, testRecord("u1", "rot-3", "dig-3"))
	require.NoError(t, err)
	_, err = store.Insert(ctx, testRecord("u2", "rot-4", "dig-4"))
	require.NoError(t, err)

	outcome, err := store.RevokeIfActive(ctx, "rot-1", "dig-1", "dig-2")
	require.NoError(t, err)
	require.Equal(t, RevokedNow, outcome)

	count, err := store.RevokeAllActiveForSubject(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	remaining, err := store.ListActiveForSubject(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, remaining)

	other, err := store.ListActiveForSubject(ctx, "u2")
	require.NoError(t, err)
	assert.Len(t, other, 1)
}

func TestRedisStore_RevokeActiveByDigest(t *testing.T) {
	store, _ := newRedisStoreTest(t)
	ctx := context.Background()

	_, err := store.Insert(ctx, testRecord("u1", "rot-1", "dig-1"))
	require.NoError(t, err)

	revoked, err := store.RevokeActiveByDigest(ctx, "dig-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	revoked, err = store.RevokeActiveByDigest(ctx, "dig-1")
	require.NoError(t, err)
	assert.False(t, revoked, "second logout is a no-op")

	revoked, err = store.RevokeActiveByDigest(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestRedisStore_Unavailable(t *testing.T) {
	store, mr := newRedisStoreTest(t)
	mr.Close()

	_, err := store.RevokeIfActive(context.Background(), "rot-1", "dig-1", "")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}
