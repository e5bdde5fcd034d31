package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"

	"github.com/pkg/errors"
)

const (
	aes256KeySize = 32
	ivSize        = aes.BlockSize
)

var errBadPadding = errors.New("invalid PKCS#7 padding")

// GenerateMessageKey returns a fresh random AES-256 key.
func GenerateMessageKey() ([]byte, error) {
	key := make([]byte, aes256KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, errors.Wrap(err, "generate message key")
	}
	return key, nil
}

// Encrypt encrypts plaintext with AES-256-CBC under a fresh random IV and
// PKCS#7 padding. It returns ciphertext and IV.
func Encrypt(messageKey, plaintext []byte) (ciphertext, iv []byte, err error) {
	if len(messageKey) != aes256KeySize {
		return nil, nil, errors.Errorf("invalid message key length: got %d want %d", len(messageKey), aes256KeySize)
	}

	block, err := aes.NewCipher(messageKey)
	if err != nil {
		return nil, nil, errors.Wrap(err, "create AES cipher")
	}

	iv = make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, errors.Wrap(err, "generate IV")
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext = make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	return ciphertext, iv, nil
}

// Decrypt reverses Encrypt. Any malformed input or padding failure is
// reported as *SymmetricDecryptError.
func Decrypt(messageKey, iv, ciphertext []byte) ([]byte, error) {
	if len(messageKey) != aes256KeySize {
		return nil, &SymmetricDecryptError{Err: errors.Errorf("invalid message key length: got %d want %d", len(messageKey), aes256KeySize)}
	}
	if len(iv) != ivSize {
		return nil, &SymmetricDecryptError{Err: errors.Errorf("invalid IV length: got %d want %d", len(iv), ivSize)}
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, &SymmetricDecryptError{Err: errors.Errorf("invalid ciphertext length %d", len(ciphertext))}
	}

	block, err := aes.NewCipher(messageKey)
	if err != nil {
		return nil, &SymmetricDecryptError{Err: errors.Wrap(err, "create AES cipher")}
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	unpadded, err := pkcs7Unpad(plaintext, aes.BlockSize)
	if err != nil {
		return nil, &SymmetricDecryptError{Err: err}
	}
	return unpadded, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(append(make([]byte, 0, len(data)+n), data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errBadPadding
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, errBadPadding
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errBadPadding
		}
	}
	return data[:len(data)-n], nil
}
