package signing

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// DecodeKey decodes a bech32 serialized key (npub/nsec) to raw bytes.
func DecodeKey(serializedKey string) ([]byte, error) {
	_, bytesToBits, err := bech32.Decode(serializedKey)
	if err != nil {
		return nil, err
	}

	keyBytes, err := bech32.ConvertBits(bytesToBits, 5, 8, false)
	if err != nil {
		return nil, err
	}

	return keyBytes, nil
}

// DeserializePublicKey parses an x-only public key from its bech32 npub form.
func DeserializePublicKey(serializedKey string) (*secp256k1.PublicKey, error) {
	publicKeyBytes, err := DecodeKey(serializedKey)
	if err != nil {
		return nil, err
	}

	publicKey, err := schnorr.ParsePubKey(publicKeyBytes)
	if err != nil {
		return nil, err
	}

	return publicKey, nil
}

// NormalizePublicKey accepts a pubkey as 64-char hex or bech32 npub and
// returns the lowercase hex form.
func NormalizePublicKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if strings.HasPrefix(key, "npub") {
		publicKey, err := DeserializePublicKey(key)
		if err != nil {
			return "", fmt.Errorf("invalid npub key: %w", err)
		}
		return hex.EncodeToString(schnorr.SerializePubKey(publicKey)), nil
	}

	raw, err := hex.DecodeString(strings.ToLower(key))
	if err != nil || len(raw) != 32 {
		return "", fmt.Errorf("public key must be 32 bytes of hex or an npub")
	}
	return strings.ToLower(key), nil
}

// GeneratePrivateKey creates a new secp256k1 private key.
func GeneratePrivateKey() (*secp256k1.PrivateKey, error) {
	privateKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}

	return privateKey, nil
}

// VerifySchnorr checks a 64-byte schnorr signature over data under an
// x-only 32-byte public key.
func VerifySchnorr(pubkey, data, signature []byte) error {
	publicKey, err := schnorr.ParsePubKey(pubkey)
	if err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}

	sig, err := schnorr.ParseSignature(signature)
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}

	if !sig.Verify(data, publicKey) {
		return fmt.Errorf("data failed to verify")
	}

	return nil
}
