package keydir

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zecret/crypto"
)

var (
	testKeyOnce sync.Once
	testKeyPair crypto.KeyPair
	testKeyErr  error
)

func testPublicKey(t *testing.T) string {
	t.Helper()
	testKeyOnce.Do(func() {
		testKeyPair, testKeyErr = crypto.GenerateKeyPair(crypto.DefaultRSAKeyBits)
	})
	require.NoError(t, testKeyErr)
	return testKeyPair.PublicKey
}

type fakeFetcher struct {
	calls   atomic.Int32
	release chan struct{}
	pem     string
	err     error
}

func (f *fakeFetcher) PublicKey(ctx context.Context, userID string) (string, error) {
	f.calls.Add(1)
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return "", f.err
	}
	return f.pem, nil
}

func TestResolveCoalescesConcurrentFetches(t *testing.T) {
	fetcher := &fakeFetcher{pem: testPublicKey(t), release: make(chan struct{})}
	dir := New(fetcher)

	const callers = 16
	var wg sync.WaitGroup
	results := make([]Key, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = dir.Resolve(context.Background(), "alice")
		}(i)
	}

	require.Eventually(t, func() bool { return fetcher.calls.Load() == 1 }, time.Second, time.Millisecond)
	// Give the other callers time to join the in-flight fetch.
	time.Sleep(20 * time.Millisecond)
	close(fetcher.release)
	wg.Wait()

	assert.EqualValues(t, 1, fetcher.calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "alice", results[i].UserID)
		assert.NotNil(t, results[i].Public)
	}

	_, err := dir.Resolve(context.Background(), "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 1, fetcher.calls.Load())
}

func TestResolveDoesNotCacheFailures(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("boom")}
	dir := New(fetcher)

	_, err := dir.Resolve(context.Background(), "bob")
	var resErr *KeyResolutionError
	require.True(t, errors.As(err, &resErr))
	assert.Equal(t, "bob", resErr.UserID)

	fetcher.err = nil
	fetcher.pem = testPublicKey(t)
	key, err := dir.Resolve(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", key.UserID)
	assert.EqualValues(t, 2, fetcher.calls.Load())
}

func TestResolveRejectsMalformedKey(t *testing.T) {
	dir := New(&fakeFetcher{pem: "not a key"})

	_, err := dir.Resolve(context.Background(), "mallory")
	var keyErr *crypto.KeyFormatError
	require.True(t, errors.As(err, &keyErr))

	_, ok := dir.Cached("mallory")
	assert.False(t, ok)
}

func TestResolveHonorsContext(t *testing.T) {
	fetcher := &fakeFetcher{pem: testPublicKey(t), release: make(chan struct{})}
	defer close(fetcher.release)
	dir := New(fetcher)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := dir.Resolve(ctx, "slow")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestPrimeSkipsFetch(t *testing.T) {
	fetcher := &fakeFetcher{}
	dir := New(fetcher)

	primed, err := dir.Prime("me", testPublicKey(t))
	require.NoError(t, err)
	assert.NotEmpty(t, primed.Fingerprint)

	key, err := dir.Resolve(context.Background(), "me")
	require.NoError(t, err)
	assert.Equal(t, primed.Fingerprint, key.Fingerprint)
	assert.Zero(t, fetcher.calls.Load())

	_, err = dir.Prime("bad", "garbage")
	assert.Error(t, err)
}
