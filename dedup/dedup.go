// Package dedup suppresses re-delivery of the same logical message through
// the history fetch and the live push channel.
//
// Identity is a content fingerprint over sender, text and a truncated
// timestamp, never the message id: the two delivery paths carry different
// or absent ids for the same write. Two distinct messages with identical
// sender and text inside one truncation window collide; the window is
// configurable for that reason.
package dedup

import (
	"encoding/binary"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"zecret/crypto"
	"zecret/models"
)

// DefaultTimestampPrefix keeps "2006-01-02T15:04" of the normalized
// timestamp, i.e. minute precision.
const DefaultTimestampPrefix = 16

// Options tune the fingerprint function.
type Options struct {
	// TimestampPrefix is the number of leading characters of the
	// crypto.TimestampLayout rendering that take part in the fingerprint.
	TimestampPrefix int
}

func (o Options) normalized() Options {
	if o.TimestampPrefix <= 0 || o.TimestampPrefix > len(crypto.TimestampLayout) {
		o.TimestampPrefix = DefaultTimestampPrefix
	}
	return o
}

// Fingerprint is the content identity of a message.
type Fingerprint [blake2b.Size256]byte

func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// Fingerprint computes the identity of a message sent by senderID at ts.
func (o Options) Fingerprint(senderID, text string, ts time.Time) Fingerprint {
	o = o.normalized()
	stamp := crypto.FormatTimestamp(ts)[:o.TimestampPrefix]

	h, _ := blake2b.New256(nil)
	for _, field := range []string{senderID, text, stamp} {
		var size [4]byte
		binary.BigEndian.PutUint32(size[:], uint32(len(field)))
		h.Write(size[:])
		h.Write([]byte(field))
	}

	var out Fingerprint
	copy(out[:], h.Sum(nil))
	return out
}

// Deduplicator holds one seen set per conversation. Sets grow until Reset.
type Deduplicator struct {
	opts Options

	mu   sync.Mutex
	seen map[string]map[Fingerprint]struct{}
}

// New creates an empty Deduplicator.
func New(opts Options) *Deduplicator {
	return &Deduplicator{
		opts: opts.normalized(),
		seen: make(map[string]map[Fingerprint]struct{}),
	}
}

// Options returns the effective options.
func (d *Deduplicator) Options() Options {
	return d.opts
}

// FingerprintOf fingerprints a display message.
func (d *Deduplicator) FingerprintOf(msg models.DisplayMessage) Fingerprint {
	return d.opts.Fingerprint(msg.SenderID, msg.Text, msg.Timestamp)
}

// IsDuplicate reports whether msg was already remembered for the conversation.
func (d *Deduplicator) IsDuplicate(conversationID string, msg models.DisplayMessage) bool {
	fp := d.FingerprintOf(msg)

	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[conversationID][fp]
	return ok
}

// Remember records msg for the conversation.
func (d *Deduplicator) Remember(conversationID string, msg models.DisplayMessage) {
	d.CheckAndRemember(conversationID, msg)
}

// CheckAndRemember records msg and reports whether it was new.
func (d *Deduplicator) CheckAndRemember(conversationID string, msg models.DisplayMessage) bool {
	fp := d.FingerprintOf(msg)

	d.mu.Lock()
	defer d.mu.Unlock()

	set, ok := d.seen[conversationID]
	if !ok {
		set = make(map[Fingerprint]struct{})
		d.seen[conversationID] = set
	}
	if _, dup := set[fp]; dup {
		return false
	}
	set[fp] = struct{}{}
	return true
}

// Reset forgets every fingerprint of the conversation.
func (d *Deduplicator) Reset(conversationID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, conversationID)
}

// Len returns the number of remembered fingerprints for the conversation.
func (d *Deduplicator) Len(conversationID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen[conversationID])
}
