// Package keydir resolves user ids to public keys.
package keydir

import (
	"context"
	"crypto/rsa"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"zecret/crypto"
)

// Fetcher looks up the PEM public key of a user.
type Fetcher interface {
	PublicKey(ctx context.Context, userID string) (string, error)
}

// Key is a resolved public key.
type Key struct {
	UserID      string
	PEM         string
	Public      *rsa.PublicKey
	Fingerprint string
}

// KeyResolutionError reports a failed lookup.
type KeyResolutionError struct {
	UserID string
	Err    error
}

func (e *KeyResolutionError) Error() string {
	return fmt.Sprintf("keydir: resolve key for %q: %v", e.UserID, e.Err)
}

func (e *KeyResolutionError) Unwrap() error {
	return e.Err
}

// Directory caches public keys for the lifetime of a session. Keys are
// immutable once created, so entries are never invalidated. Failures are
// not cached.
type Directory struct {
	fetcher Fetcher
	group   singleflight.Group

	mu   sync.RWMutex
	keys map[string]Key
}

// New creates an empty directory backed by fetcher.
func New(fetcher Fetcher) *Directory {
	return &Directory{
		fetcher: fetcher,
		keys:    make(map[string]Key),
	}
}

// Cached returns the key for userID without fetching.
func (d *Directory) Cached(userID string) (Key, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	key, ok := d.keys[userID]
	return key, ok
}

// Prime seeds the cache with a known key.
func (d *Directory) Prime(userID, publicKeyPEM string) (Key, error) {
	key, err := newKey(userID, publicKeyPEM)
	if err != nil {
		return Key{}, err
	}
	d.store(key)
	return key, nil
}

// Resolve returns the cached key or fetches it. Concurrent calls for the same
// id share one fetch. A caller whose ctx ends stops waiting; the shared fetch
// keeps going for the others.
func (d *Directory) Resolve(ctx context.Context, userID string) (Key, error) {
	if userID == "" {
		return Key{}, &KeyResolutionError{UserID: userID, Err: errors.New("user id is required")}
	}
	if key, ok := d.Cached(userID); ok {
		return key, nil
	}

	fetchCtx := context.WithoutCancel(ctx)
	ch := d.group.DoChan(userID, func() (interface{}, error) {
		if key, ok := d.Cached(userID); ok {
			return key, nil
		}

		logrus.WithFields(logrus.Fields{
			"function": "Resolve",
			"user_id":  userID,
		}).Debug("Fetching public key")

		pemText, err := d.fetcher.PublicKey(fetchCtx, userID)
		if err != nil {
			return nil, &KeyResolutionError{UserID: userID, Err: err}
		}
		key, err := newKey(userID, pemText)
		if err != nil {
			return nil, err
		}
		d.store(key)
		return key, nil
	})

	select {
	case <-ctx.Done():
		return Key{}, &KeyResolutionError{UserID: userID, Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return Key{}, res.Err
		}
		return res.Val.(Key), nil
	}
}

func (d *Directory) store(key Key) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys[key.UserID] = key
}

func newKey(userID, publicKeyPEM string) (Key, error) {
	public, err := crypto.ParsePublicKey(publicKeyPEM)
	if err != nil {
		return Key{}, err
	}
	fingerprint, err := crypto.KeyFingerprint(public)
	if err != nil {
		return Key{}, err
	}
	return Key{
		UserID:      userID,
		PEM:         publicKeyPEM,
		Public:      public,
		Fingerprint: fingerprint,
	}, nil
}
