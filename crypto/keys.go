package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"strings"

	"github.com/pkg/errors"
)

const (
	publicPEMType     = "PUBLIC KEY"
	rsaPublicPEMType  = "RSA PUBLIC KEY"
	privatePEMType    = "PRIVATE KEY"
	rsaPrivatePEMType = "RSA PRIVATE KEY"
	minimumRSAKeyBits = 2048
)

// DefaultRSAKeyBits matches the modulus size the relay server issues.
const DefaultRSAKeyBits = 2048

// KeyPair holds PEM-encoded RSA key material. The private half is held in
// memory only and never leaves the client process.
type KeyPair struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

// GenerateKeyPair creates an RSA keypair encoded as SPKI and PKCS#8 PEM.
func GenerateKeyPair(bits int) (KeyPair, error) {
	if bits < minimumRSAKeyBits {
		return KeyPair{}, errors.Errorf("RSA key size %d below minimum %d", bits, minimumRSAKeyBits)
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return KeyPair{}, errors.Wrap(err, "generate RSA keypair")
	}

	privateDER, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return KeyPair{}, errors.Wrap(err, "marshal RSA private key")
	}
	publicDER, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return KeyPair{}, errors.Wrap(err, "marshal RSA public key")
	}

	return KeyPair{
		PublicKey:  string(pem.EncodeToMemory(&pem.Block{Type: publicPEMType, Bytes: publicDER})),
		PrivateKey: string(pem.EncodeToMemory(&pem.Block{Type: privatePEMType, Bytes: privateDER})),
	}, nil
}

// ParsePublicKey decodes an RSA public key from SPKI or PKCS#1 PEM text.
func ParsePublicKey(pemText string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(pemText)))
	if block == nil {
		return nil, &KeyFormatError{Kind: "public key", Err: errors.New("no PEM block")}
	}

	switch block.Type {
	case publicPEMType:
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, &KeyFormatError{Kind: "public key", Err: err}
		}
		key, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, &KeyFormatError{Kind: "public key", Err: errors.Errorf("unsupported key type %T", parsed)}
		}
		return key, nil
	case rsaPublicPEMType:
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, &KeyFormatError{Kind: "public key", Err: err}
		}
		return key, nil
	default:
		return nil, &KeyFormatError{Kind: "public key", Err: errors.Errorf("unexpected PEM type %q", block.Type)}
	}
}

// ParsePrivateKey decodes an RSA private key from PKCS#8 or PKCS#1 PEM text.
func ParsePrivateKey(pemText string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(pemText)))
	if block == nil {
		return nil, &KeyFormatError{Kind: "private key", Err: errors.New("no PEM block")}
	}

	switch block.Type {
	case privatePEMType:
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, &KeyFormatError{Kind: "private key", Err: err}
		}
		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, &KeyFormatError{Kind: "private key", Err: errors.Errorf("unsupported key type %T", parsed)}
		}
		return key, nil
	case rsaPrivatePEMType:
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, &KeyFormatError{Kind: "private key", Err: err}
		}
		return key, nil
	default:
		return nil, &KeyFormatError{Kind: "private key", Err: errors.Errorf("unexpected PEM type %q", block.Type)}
	}
}

// KeyFingerprint returns the truncated SHA-256 hex fingerprint of a public
// key's SPKI encoding.
func KeyFingerprint(publicKey *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(publicKey)
	if err != nil {
		return "", errors.Wrap(err, "marshal public key")
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:16]), nil
}

// FormatFingerprint groups fingerprint text into uppercase chunks of 4 so two
// parties can compare it out of band.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(clean[i:min(i+4, len(clean))])
	}
	return b.String()
}
