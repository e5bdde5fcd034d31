package crypto

import (
	"crypto/rsa"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type testIdentity struct {
	id      string
	pair    KeyPair
	private *rsa.PrivateKey
	public  *rsa.PublicKey
}

var (
	identitiesOnce sync.Once
	identities     []testIdentity
	identitiesErr  error
)

// testIdentities returns three RSA identities, generated once per test binary.
func testIdentities(t *testing.T) (alice, bob, carol testIdentity) {
	t.Helper()

	identitiesOnce.Do(func() {
		for _, id := range []string{"alice", "bob", "carol"} {
			pair, err := GenerateKeyPair(DefaultRSAKeyBits)
			if err != nil {
				identitiesErr = err
				return
			}
			private, err := ParsePrivateKey(pair.PrivateKey)
			if err != nil {
				identitiesErr = err
				return
			}
			identities = append(identities, testIdentity{
				id:      id,
				pair:    pair,
				private: private,
				public:  &private.PublicKey,
			})
		}
	})
	require.NoError(t, identitiesErr)

	return identities[0], identities[1], identities[2]
}
