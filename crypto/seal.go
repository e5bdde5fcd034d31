package crypto

import (
	"crypto/rsa"
	"time"

	"github.com/pkg/errors"
)

// SelfSentText replaces the text of envelopes the local user sealed for
// someone else. Those are encrypted to the recipient's key and cannot be
// opened locally.
const SelfSentText = "You sent an encrypted message"

var timeNow = time.Now

// PlaintextResult is the outcome of opening an envelope.
type PlaintextResult struct {
	Text string
	// Verified is false when the signature does not match the sender's key.
	// The message is still surfaced, with reduced trust.
	Verified bool
	// SelfSent marks the sentinel result for envelopes authored by the local
	// user for another recipient. Text is SelfSentText and Verified is
	// meaningless.
	SelfSent bool
}

// IsSelfSent reports whether an envelope was authored by localUserID for a
// different recipient and therefore cannot be opened with the local key.
func IsSelfSent(envelope SealedEnvelope, localUserID string) bool {
	return localUserID != "" &&
		envelope.SenderID == localUserID &&
		envelope.RecipientID != envelope.SenderID
}

// SealPEM parses PEM keys and calls Seal.
func SealPEM(plaintext, senderPrivateKeyPEM, recipientPublicKeyPEM, senderID, recipientID string) (SealedEnvelope, error) {
	senderKey, err := ParsePrivateKey(senderPrivateKeyPEM)
	if err != nil {
		return SealedEnvelope{}, err
	}
	recipientKey, err := ParsePublicKey(recipientPublicKeyPEM)
	if err != nil {
		return SealedEnvelope{}, err
	}
	return Seal(plaintext, senderKey, recipientKey, senderID, recipientID)
}

// Seal encrypts plaintext under a one-time AES-256 key, signs the serialized
// content with the sender key and seals the one-time key for the recipient.
func Seal(plaintext string, senderKey *rsa.PrivateKey, recipientKey *rsa.PublicKey, senderID, recipientID string) (SealedEnvelope, error) {
	if senderKey == nil {
		return SealedEnvelope{}, &KeyFormatError{Kind: "private key", Err: errors.New("key is nil")}
	}
	if recipientKey == nil {
		return SealedEnvelope{}, &KeyFormatError{Kind: "public key", Err: errors.New("key is nil")}
	}
	if senderID == "" || recipientID == "" {
		return SealedEnvelope{}, errors.New("sender and recipient IDs are required")
	}

	messageKey, err := GenerateMessageKey()
	if err != nil {
		return SealedEnvelope{}, err
	}

	ciphertext, iv, err := Encrypt(messageKey, []byte(plaintext))
	if err != nil {
		return SealedEnvelope{}, errors.Wrap(err, "encrypt content")
	}
	content := EncryptedContent{IV: iv, Ciphertext: ciphertext}

	signed, err := content.SignedBytes()
	if err != nil {
		return SealedEnvelope{}, err
	}
	signature, err := Sign(senderKey, signed)
	if err != nil {
		return SealedEnvelope{}, err
	}

	sealedKey, err := SealKey(recipientKey, messageKey)
	if err != nil {
		return SealedEnvelope{}, err
	}

	return SealedEnvelope{
		SenderID:         senderID,
		RecipientID:      recipientID,
		EncryptedContent: content,
		EncryptedKey:     sealedKey,
		Signature:        signature,
		Timestamp:        FormatTimestamp(timeNow()),
	}, nil
}

// OpenPEM parses PEM keys and calls Open.
func OpenPEM(envelope SealedEnvelope, localUserID, recipientPrivateKeyPEM, senderPublicKeyPEM string) (PlaintextResult, error) {
	if IsSelfSent(envelope, localUserID) {
		return selfSentResult(), nil
	}

	recipientKey, err := ParsePrivateKey(recipientPrivateKeyPEM)
	if err != nil {
		return PlaintextResult{}, err
	}
	senderKey, err := ParsePublicKey(senderPublicKeyPEM)
	if err != nil {
		return PlaintextResult{}, err
	}
	return Open(envelope, localUserID, recipientKey, senderKey)
}

// Open recovers the plaintext of an envelope addressed to localUserID.
//
// Envelopes the local user sealed for someone else return the SelfSent
// sentinel without attempting decryption. Signature failures do not fail the
// call; they clear Verified.
func Open(envelope SealedEnvelope, localUserID string, recipientKey *rsa.PrivateKey, senderKey *rsa.PublicKey) (PlaintextResult, error) {
	if IsSelfSent(envelope, localUserID) {
		return selfSentResult(), nil
	}

	messageKey, err := UnsealKey(recipientKey, envelope.EncryptedKey)
	if err != nil {
		return PlaintextResult{}, err
	}

	plaintext, err := Decrypt(messageKey, envelope.EncryptedContent.IV, envelope.EncryptedContent.Ciphertext)
	if err != nil {
		return PlaintextResult{}, err
	}

	verified := false
	if signed, err := envelope.EncryptedContent.SignedBytes(); err == nil {
		verified = Verify(senderKey, signed, envelope.Signature)
	}

	return PlaintextResult{Text: string(plaintext), Verified: verified}, nil
}

func selfSentResult() PlaintextResult {
	return PlaintextResult{Text: SelfSentText, SelfSent: true}
}
