package nostr

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/nostrhive/nostrhive/lib/signing"
)

// CheckSignature verifies the event end to end: the advertised id must be
// the hash of the canonical serialization, and the schnorr signature must
// verify over the id bytes under the x-only pubkey.
func (ev *Event) CheckSignature() error {
	if err := ev.CheckID(); err != nil {
		return err
	}

	pubkey, err := hex.DecodeString(strings.ToLower(ev.PubKey))
	if err != nil || len(pubkey) != 32 {
		return ErrBadSignature
	}

	sig, err := hex.DecodeString(strings.ToLower(ev.Sig))
	if err != nil || len(sig) != 64 {
		return ErrBadSignature
	}

	// The signature covers the 32 id bytes, not the serialization itself.
	hash := sha256.Sum256(ev.Serialize())
	if err := signing.VerifySchnorr(pubkey, hash[:], sig); err != nil {
		return ErrBadSignature
	}

	return nil
}
