package crypto

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// TimestampLayout is the ISO-8601 layout written at seal time (UTC,
// millisecond precision).
const TimestampLayout = "2006-01-02T15:04:05.000Z"

var b64 = base64.StdEncoding

// timestampLayouts are accepted when reading timestamps. The relay stores its
// own creation time as a zone-less isoformat string.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// EncryptedContent is the symmetric half of an envelope.
type EncryptedContent struct {
	IV         []byte `json:"iv"`
	Ciphertext []byte `json:"ciphertext"`
}

// SealedEnvelope is the transportable unit representing one message. It is
// treated as immutable once constructed.
type SealedEnvelope struct {
	SenderID         string           `json:"sender_id"`
	RecipientID      string           `json:"recipient_id"`
	EncryptedContent EncryptedContent `json:"encrypted_content"`
	EncryptedKey     []byte           `json:"encrypted_key"`
	Signature        []byte           `json:"signature"`
	Timestamp        string           `json:"timestamp"`
}

// SignedBytes returns the deterministic serialization of the content that the
// sender signs: compact JSON with iv before ciphertext.
func (c EncryptedContent) SignedBytes() ([]byte, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "serialize encrypted content")
	}
	return raw, nil
}

// UnmarshalJSON accepts the content either as an object or as a JSON string
// holding that object, which is how the relay returns stored history.
func (c *EncryptedContent) UnmarshalJSON(data []byte) error {
	type plain EncryptedContent

	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return errors.Wrap(err, "decode encrypted content string")
		}
		data = []byte(inner)
	}

	var out plain
	if err := json.Unmarshal(data, &out); err != nil {
		return errors.Wrap(err, "decode encrypted content")
	}
	*c = EncryptedContent(out)
	return nil
}

// Validate checks that every field needed to open the envelope is present.
func (e SealedEnvelope) Validate() error {
	switch {
	case e.SenderID == "":
		return errors.New("envelope: sender_id is required")
	case e.RecipientID == "":
		return errors.New("envelope: recipient_id is required")
	case len(e.EncryptedContent.IV) == 0 || len(e.EncryptedContent.Ciphertext) == 0:
		return errors.New("envelope: encrypted_content is incomplete")
	case len(e.EncryptedKey) == 0:
		return errors.New("envelope: encrypted_key is required")
	case len(e.Signature) == 0:
		return errors.New("envelope: signature is required")
	}
	return nil
}

// SentAt parses the envelope timestamp.
func (e SealedEnvelope) SentAt() (time.Time, error) {
	return ParseTimestamp(e.Timestamp)
}

// SignatureID returns a stable identifier for an envelope derived from its
// signature. Two distinct envelopes never share one.
func (e SealedEnvelope) SignatureID() string {
	return b64.EncodeToString(e.Signature)
}

// ParseTimestamp parses an ISO-8601 timestamp. Zone-less values are UTC.
func ParseTimestamp(value string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, errors.Errorf("unrecognized timestamp %q", value)
}

// FormatTimestamp renders ts in TimestampLayout.
func FormatTimestamp(ts time.Time) string {
	return ts.UTC().Format(TimestampLayout)
}
