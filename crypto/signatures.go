package crypto

import (
	stdcrypto "crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"

	"github.com/pkg/errors"
)

// Sign signs the SHA-256 digest of data with RSASSA-PKCS1-v1_5.
func Sign(privateKey *rsa.PrivateKey, data []byte) ([]byte, error) {
	if privateKey == nil {
		return nil, &KeyFormatError{Kind: "signing key", Err: errors.New("key is nil")}
	}
	if len(data) == 0 {
		return nil, errors.New("data is required")
	}

	digest := sha256.Sum256(data)
	signature, err := rsa.SignPKCS1v15(rand.Reader, privateKey, stdcrypto.SHA256, digest[:])
	if err != nil {
		return nil, errors.Wrap(err, "sign digest")
	}
	return signature, nil
}

// Verify reports whether signature is a valid RSASSA-PKCS1-v1_5 SHA-256
// signature of data.
func Verify(publicKey *rsa.PublicKey, data, signature []byte) bool {
	if publicKey == nil {
		return false
	}
	if len(data) == 0 || len(signature) == 0 {
		return false
	}

	digest := sha256.Sum256(data)
	return rsa.VerifyPKCS1v15(publicKey, stdcrypto.SHA256, digest[:], signature) == nil
}

// SealKey encrypts a one-time message key for the recipient with RSA-OAEP
// (SHA-256 digest and MGF1-SHA-256).
//
// The sealed payload is the base64 text of the key rather than the raw bytes.
// Browser clients of the relay expect that shape.
func SealKey(recipientKey *rsa.PublicKey, messageKey []byte) ([]byte, error) {
	if recipientKey == nil {
		return nil, &KeyFormatError{Kind: "recipient public key", Err: errors.New("key is nil")}
	}

	payload := []byte(b64.EncodeToString(messageKey))
	sealed, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, recipientKey, payload, nil)
	if err != nil {
		return nil, errors.Wrap(err, "seal message key")
	}
	return sealed, nil
}

// UnsealKey reverses SealKey. Any failure is an *AsymmetricDecryptError.
func UnsealKey(recipientKey *rsa.PrivateKey, sealed []byte) ([]byte, error) {
	if recipientKey == nil {
		return nil, &AsymmetricDecryptError{Err: errors.New("private key is nil")}
	}

	payload, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, recipientKey, sealed, nil)
	if err != nil {
		return nil, &AsymmetricDecryptError{Err: err}
	}

	messageKey, err := b64.DecodeString(string(payload))
	if err != nil {
		return nil, &AsymmetricDecryptError{Err: errors.Wrap(err, "decode message key")}
	}
	if len(messageKey) != aes256KeySize {
		return nil, &AsymmetricDecryptError{Err: errors.Errorf("invalid message key length %d", len(messageKey))}
	}
	return messageKey, nil
}
