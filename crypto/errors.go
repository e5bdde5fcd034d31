package crypto

import "fmt"

// KeyFormatError reports key material that cannot be parsed. It is fatal for
// the operation that needed the key.
type KeyFormatError struct {
	Kind string
	Err  error
}

func (e *KeyFormatError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("crypto: malformed %s", e.Kind)
	}
	return fmt.Sprintf("crypto: malformed %s: %v", e.Kind, e.Err)
}

func (e *KeyFormatError) Unwrap() error { return e.Err }

// AsymmetricDecryptError reports that the one-time message key could not be
// unsealed with the supplied private key.
type AsymmetricDecryptError struct {
	Err error
}

func (e *AsymmetricDecryptError) Error() string {
	return fmt.Sprintf("crypto: unseal message key: %v", e.Err)
}

func (e *AsymmetricDecryptError) Unwrap() error { return e.Err }

// SymmetricDecryptError reports a padding or integrity failure while
// decrypting message content.
type SymmetricDecryptError struct {
	Err error
}

func (e *SymmetricDecryptError) Error() string {
	return fmt.Sprintf("crypto: decrypt message content: %v", e.Err)
}

func (e *SymmetricDecryptError) Unwrap() error { return e.Err }
