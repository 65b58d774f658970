// Package nostr holds the event model and the filter engine shared by the
// websocket transport and the event store. The canonical serialization here
// must produce byte-identical output to other protocol implementations,
// since the event id is the hash of that serialization.
package nostr

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
)

var (
	// ErrBadID means the advertised id does not match the hash of the
	// canonical serialization.
	ErrBadID = errors.New("event id is computed incorrectly")
	// ErrBadSignature means the schnorr signature does not verify over the
	// event id under the event pubkey.
	ErrBadSignature = errors.New("signature is invalid")
)

// Tag is one tag row: name, value, then arbitrary extra elements.
type Tag []string

// Event is a signed, content-addressed protocol record.
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      []Tag  `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`

	// SizeBytes is the storage-accounting size: canonical serialization
	// plus the 64 signature bytes. Derived, never sent on the wire.
	SizeBytes int64 `json:"-"`
}

// Serialize produces the canonical serialization used for hashing:
// [0,pubkey,created_at,kind,tags,content] with no insignificant whitespace.
func (ev *Event) Serialize() []byte {
	b := make([]byte, 0, 256+len(ev.Content))
	b = append(b, `[0,"`...)
	b = append(b, ev.PubKey...)
	b = append(b, `",`...)
	b = strconv.AppendInt(b, ev.CreatedAt, 10)
	b = append(b, ',')
	b = strconv.AppendInt(b, int64(ev.Kind), 10)
	b = append(b, ',')
	b = appendTags(b, ev.Tags)
	b = append(b, ',')
	b = appendEscapedString(b, ev.Content)
	b = append(b, ']')
	return b
}

func appendTags(b []byte, tags []Tag) []byte {
	b = append(b, '[')
	for i, tag := range tags {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '[')
		for j, s := range tag {
			if j > 0 {
				b = append(b, ',')
			}
			b = appendEscapedString(b, s)
		}
		b = append(b, ']')
	}
	return append(b, ']')
}

// appendEscapedString writes s as a JSON string with the exact escaping the
// protocol requires: ", \, \b \t \n \f \r, and \u00XX for other control
// characters. Everything else passes through verbatim.
func appendEscapedString(b []byte, s string) []byte {
	b = append(b, '"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			b = append(b, '\\', '"')
		case c == '\\':
			b = append(b, '\\', '\\')
		case c == '\b':
			b = append(b, '\\', 'b')
		case c == '\t':
			b = append(b, '\\', 't')
		case c == '\n':
			b = append(b, '\\', 'n')
		case c == '\f':
			b = append(b, '\\', 'f')
		case c == '\r':
			b = append(b, '\\', 'r')
		case c < 0x20:
			const hexChars = "0123456789abcdef"
			b = append(b, '\\', 'u', '0', '0', hexChars[c>>4], hexChars[c&0xf])
		default:
			b = append(b, c)
		}
	}
	return append(b, '"')
}

// ComputeID hashes the canonical serialization and returns lowercase hex.
func (ev *Event) ComputeID() string {
	hash := sha256.Sum256(ev.Serialize())
	return hex.EncodeToString(hash[:])
}

// ComputeSize fills in SizeBytes from the canonical serialization.
func (ev *Event) ComputeSize() {
	ev.SizeBytes = int64(len(ev.Serialize())) + 64
}

// CheckID recomputes the id and compares it to the advertised one,
// case-insensitively.
func (ev *Event) CheckID() error {
	if ev.ComputeID() != strings.ToLower(ev.ID) {
		return ErrBadID
	}
	return nil
}

// TagValues returns the values of every tag whose name matches, in order.
func (ev *Event) TagValues(name string) []string {
	var values []string
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == name {
			values = append(values, tag[1])
		}
	}
	return values
}
