/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023-2025 OCapN Authors. All Rights Reserved.
 */

package captp

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	"github.com/ocapn/ocapn-test-suite-go/syrup"
)

const (
	PublicKeySize = ed25519.PublicKeySize
	SignatureSize = ed25519.SignatureSize
	SideIDSize    = sha256.Size
	SessionIDSize = sha256.Size
)

type (
	SideID    [SideIDSize]byte
	SessionID [SessionIDSize]byte
)

// PublicKey is a session Ed25519 public key together with its canonical
// record form (public-key (ecc (curve Ed25519) (flags eddsa) (q <bytes>))).
type PublicKey struct {
	key ed25519.PublicKey
}

// GenerateKeypair creates a fresh session keypair.
func GenerateKeypair() (*PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return &PublicKey{key: pub}, priv, nil
}

// PublicKeyFor wraps the public half of an existing private key.
func PublicKeyFor(priv ed25519.PrivateKey) *PublicKey {
	return &PublicKey{key: priv.Public().(ed25519.PublicKey)}
}

// Verify reports whether sig is a valid signature of data under the key.
func (pk *PublicKey) Verify(data, sig []byte) bool {
	if len(sig) != SignatureSize {
		return false
	}
	return ed25519.Verify(pk.key, data, sig)
}

// Equal compares two public keys in constant time.
func (pk *PublicKey) Equal(o *PublicKey) bool {
	if pk == nil || o == nil {
		return pk == o
	}
	return subtle.ConstantTimeCompare(pk.key, o.key) == 1
}

// ToValue returns the gcrypt-style s-expression carried on the wire.
func (pk *PublicKey) ToValue() syrup.Value {
	return syrup.List{
		syrup.Symbol("public-key"),
		syrup.List{
			syrup.Symbol("ecc"),
			syrup.List{syrup.Symbol("curve"), syrup.Symbol("Ed25519")},
			syrup.List{syrup.Symbol("flags"), syrup.Symbol("eddsa")},
			syrup.List{syrup.Symbol("q"), []byte(pk.key)},
		},
	}
}

// Encoded returns the canonical Syrup bytes of the key's wire form, the
// input to side-ID derivation.
func (pk *PublicKey) Encoded() []byte {
	encoded, err := syrup.Encode(pk.ToValue())
	if err != nil {
		panic("captp: public key encoding cannot fail: " + err.Error())
	}
	return encoded
}

// SideID derives the peer's stable per-session hash:
// SHA-256(SHA-256(encoded public key)).
func (pk *PublicKey) SideID() SideID {
	first := sha256.Sum256(pk.Encoded())
	return sha256.Sum256(first[:])
}

// PublicKeyFromValue validates the wire s-expression and extracts the key.
func PublicKeyFromValue(v syrup.Value) (*PublicKey, error) {
	outer, ok := v.(syrup.List)
	if !ok || len(outer) != 2 || !syrup.Equal(outer[0], syrup.Symbol("public-key")) {
		return nil, fmt.Errorf("%w: not a public-key s-expression", ErrBadKeyShape)
	}
	ecc, ok := outer[1].(syrup.List)
	if !ok || len(ecc) != 4 || !syrup.Equal(ecc[0], syrup.Symbol("ecc")) {
		return nil, fmt.Errorf("%w: missing ecc section", ErrBadKeyShape)
	}
	if !syrup.Equal(ecc[1], syrup.List{syrup.Symbol("curve"), syrup.Symbol("Ed25519")}) {
		return nil, fmt.Errorf("%w: unsupported curve", ErrBadKeyShape)
	}
	if !syrup.Equal(ecc[2], syrup.List{syrup.Symbol("flags"), syrup.Symbol("eddsa")}) {
		return nil, fmt.Errorf("%w: unsupported flags", ErrBadKeyShape)
	}
	q, ok := ecc[3].(syrup.List)
	if !ok || len(q) != 2 || !syrup.Equal(q[0], syrup.Symbol("q")) {
		return nil, fmt.Errorf("%w: missing q section", ErrBadKeyShape)
	}
	data, ok := q[1].([]byte)
	if !ok || len(data) != PublicKeySize {
		return nil, fmt.Errorf("%w: bad key data", ErrBadKeyShape)
	}
	return &PublicKey{key: ed25519.PublicKey(data)}, nil
}

// signatureToValue splits a raw Ed25519 signature into the wire form
// (sig-val (eddsa (r <32 bytes>) (s <32 bytes>))).
func signatureToValue(sig []byte) syrup.Value {
	return syrup.List{
		syrup.Symbol("sig-val"),
		syrup.List{
			syrup.Symbol("eddsa"),
			syrup.List{syrup.Symbol("r"), append([]byte(nil), sig[:32]...)},
			syrup.List{syrup.Symbol("s"), append([]byte(nil), sig[32:64]...)},
		},
	}
}

// signatureFromValue reassembles a raw signature from the wire form,
// left-padding short r/s components with zero bytes to 32 bytes.
func signatureFromValue(v syrup.Value) ([]byte, error) {
	outer, ok := v.(syrup.List)
	if !ok || len(outer) != 2 || !syrup.Equal(outer[0], syrup.Symbol("sig-val")) {
		return nil, fmt.Errorf("%w: not a sig-val s-expression", ErrBadSignatureShape)
	}
	eddsa, ok := outer[1].(syrup.List)
	if !ok || len(eddsa) != 3 || !syrup.Equal(eddsa[0], syrup.Symbol("eddsa")) {
		return nil, fmt.Errorf("%w: missing eddsa section", ErrBadSignatureShape)
	}
	r, err := signatureComponent(eddsa[1], "r")
	if err != nil {
		return nil, err
	}
	s, err := signatureComponent(eddsa[2], "s")
	if err != nil {
		return nil, err
	}
	return append(r, s...), nil
}

func signatureComponent(v syrup.Value, name string) ([]byte, error) {
	pair, ok := v.(syrup.List)
	if !ok || len(pair) != 2 || !syrup.Equal(pair[0], syrup.Symbol(name)) {
		return nil, fmt.Errorf("%w: missing %s component", ErrBadSignatureShape, name)
	}
	data, ok := pair[1].([]byte)
	if !ok || len(data) > 32 {
		return nil, fmt.Errorf("%w: bad %s component", ErrBadSignatureShape, name)
	}
	padded := make([]byte, 32)
	copy(padded[32-len(data):], data)
	return padded, nil
}

// DeriveSessionID computes the identifier both parties agree on:
// SHA-256(SHA-256("prot0" || lo || hi)) over the byte-sorted side-IDs.
func DeriveSessionID(a, b SideID) SessionID {
	lo, hi := a, b
	for i := 0; i < SideIDSize; i++ {
		if lo[i] == hi[i] {
			continue
		}
		if lo[i] > hi[i] {
			lo, hi = hi, lo
		}
		break
	}
	material := make([]byte, 0, 5+2*SideIDSize)
	material = append(material, "prot0"...)
	material = append(material, lo[:]...)
	material = append(material, hi[:]...)
	first := sha256.Sum256(material)
	return sha256.Sum256(first[:])
}
