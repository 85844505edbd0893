// Package identity derives the content-addressed identity of module source.
//
// The derivation is two pure steps:
//
//	digest := Hash(code)               // SHA-256, lower-case hex
//	key    := DeriveIdentity(digest)   // ed25519 key seeded from the digest
//
// Identical code therefore always yields the identical address. Addresses use the
// SS58 layout (network prefix, public key, two byte blake2b checksum, base58).
package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"

	"modhub/internal/module/models"
)

const (
	// SchemeEd25519 tags identities produced by Default.
	SchemeEd25519 = "ed25519"

	// SS58Prefix is the generic substrate network prefix.
	SS58Prefix byte = 42

	ss58ChecksumLen = 2
)

var ss58Context = []byte("SS58PRE")

// ErrIdentityDerivation marks failures of the digest or key primitives.
// These are not data problems and must never be skipped.
var ErrIdentityDerivation = errors.New("identity derivation failed")

// Deriver provides the digest and key-derivation primitives.
type Deriver interface {
	Hash(code []byte) (string, error)
	DeriveIdentity(digest string) (models.Key, error)
}

// Derive computes the identity of code using d's primitives.
func Derive(d Deriver, code []byte) (models.Identity, error) {
	digest, err := d.Hash(code)
	if err != nil {
		return models.Identity{}, fmt.Errorf("%w: hash: %w", ErrIdentityDerivation, err)
	}
	key, err := d.DeriveIdentity(digest)
	if err != nil {
		return models.Identity{}, fmt.Errorf("%w: derive key: %w", ErrIdentityDerivation, err)
	}
	return models.Identity{
		ContentHash:  digest,
		IdentityKey:  key.Address,
		CryptoScheme: key.Scheme,
	}, nil
}

// Default implements Deriver with SHA-256 and ed25519/SS58.
type Default struct{}

var _ Deriver = Default{}

// Hash returns the hex SHA-256 digest of code.
func (Default) Hash(code []byte) (string, error) {
	sum := sha256.Sum256(code)
	return hex.EncodeToString(sum[:]), nil
}

// DeriveIdentity treats digest as a password: the ed25519 seed is the SHA-256
// of the digest text, so any digest format yields a valid key.
func (Default) DeriveIdentity(digest string) (models.Key, error) {
	seed := sha256.Sum256([]byte(digest))
	priv := ed25519.NewKeyFromSeed(seed[:])
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return models.Key{}, fmt.Errorf("unexpected public key type %T", priv.Public())
	}
	addr, err := EncodeAddress(pub, SS58Prefix)
	if err != nil {
		return models.Key{}, err
	}
	return models.Key{Address: addr, Scheme: SchemeEd25519}, nil
}

// EncodeAddress encodes a public key as an SS58 address.
func EncodeAddress(pub []byte, prefix byte) (string, error) {
	payload := make([]byte, 0, 1+len(pub)+ss58ChecksumLen)
	payload = append(payload, prefix)
	payload = append(payload, pub...)
	sum, err := checksum(payload)
	if err != nil {
		return "", err
	}
	return base58.Encode(append(payload, sum...)), nil
}

// DecodeAddress verifies an SS58 address and returns its prefix and public key.
func DecodeAddress(addr string) (byte, []byte, error) {
	raw, err := base58.Decode(addr)
	if err != nil {
		return 0, nil, fmt.Errorf("decode address: %w", err)
	}
	if len(raw) != 1+ed25519.PublicKeySize+ss58ChecksumLen {
		return 0, nil, fmt.Errorf("decode address: unexpected length %d", len(raw))
	}
	payload, got := raw[:len(raw)-ss58ChecksumLen], raw[len(raw)-ss58ChecksumLen:]
	want, err := checksum(payload)
	if err != nil {
		return 0, nil, err
	}
	if string(got) != string(want) {
		return 0, nil, fmt.Errorf("decode address: checksum mismatch")
	}
	return payload[0], payload[1:], nil
}

func checksum(payload []byte) ([]byte, error) {
	h, err := blake2b.New512(nil)
	if err != nil {
		return nil, fmt.Errorf("blake2b: %w", err)
	}
	h.Write(ss58Context)
	h.Write(payload)
	return h.Sum(nil)[:ss58ChecksumLen], nil
}
