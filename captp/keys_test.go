/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023-2025 OCapN Authors. All Rights Reserved.
 */

package captp

import (
	"bytes"
	"crypto/ed25519"
	"testing"

	"github.com/ocapn/ocapn-test-suite-go/syrup"
)

func assertNil(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func TestPublicKeyWireRoundTrip(t *testing.T) {
	publicKey, _, err := GenerateKeypair()
	assertNil(t, err)

	decoded, err := PublicKeyFromValue(publicKey.ToValue())
	assertNil(t, err)
	if !publicKey.Equal(decoded) {
		t.Fatal("key changed through its wire form")
	}

	// And through a full encode/decode cycle.
	encoded, err := syrup.Encode(publicKey.ToValue())
	assertNil(t, err)
	reread, err := syrup.Decode(encoded)
	assertNil(t, err)
	decoded, err = PublicKeyFromValue(reread)
	assertNil(t, err)
	if !publicKey.Equal(decoded) {
		t.Fatal("key changed through encoded bytes")
	}
}

func TestPublicKeyFromValueRejectsBadShapes(t *testing.T) {
	publicKey, _, err := GenerateKeypair()
	assertNil(t, err)
	good := publicKey.ToValue().(syrup.List)

	bad := []syrup.Value{
		int64(3),
		syrup.List{syrup.Symbol("private-key"), good[1]},
		syrup.List{syrup.Symbol("public-key")},
		syrup.List{syrup.Symbol("public-key"), syrup.List{
			syrup.Symbol("ecc"),
			syrup.List{syrup.Symbol("curve"), syrup.Symbol("P-256")},
			syrup.List{syrup.Symbol("flags"), syrup.Symbol("eddsa")},
			syrup.List{syrup.Symbol("q"), make([]byte, 32)},
		}},
		syrup.List{syrup.Symbol("public-key"), syrup.List{
			syrup.Symbol("ecc"),
			syrup.List{syrup.Symbol("curve"), syrup.Symbol("Ed25519")},
			syrup.List{syrup.Symbol("flags"), syrup.Symbol("eddsa")},
			syrup.List{syrup.Symbol("q"), make([]byte, 16)},
		}},
	}
	for _, v := range bad {
		if _, err := PublicKeyFromValue(v); err == nil {
			t.Fatalf("PublicKeyFromValue(%v) accepted a malformed key", v)
		}
	}
}

func TestSignatureWireRoundTrip(t *testing.T) {
	publicKey, privateKey, err := GenerateKeypair()
	assertNil(t, err)

	data := []byte("the bytes under signature")
	sig := ed25519.Sign(privateKey, data)

	recovered, err := signatureFromValue(signatureToValue(sig))
	assertNil(t, err)
	if !bytes.Equal(sig, recovered) {
		t.Fatal("signature changed through its wire form")
	}
	if !publicKey.Verify(data, recovered) {
		t.Fatal("recovered signature does not verify")
	}
}

func TestSignatureFromValuePadsShortComponents(t *testing.T) {
	// gcrypt-style encodings may strip leading zero bytes from r and s.
	short := syrup.List{
		syrup.Symbol("sig-val"),
		syrup.List{
			syrup.Symbol("eddsa"),
			syrup.List{syrup.Symbol("r"), bytes.Repeat([]byte{1}, 30)},
			syrup.List{syrup.Symbol("s"), bytes.Repeat([]byte{2}, 31)},
		},
	}
	sig, err := signatureFromValue(short)
	assertNil(t, err)
	if len(sig) != SignatureSize {
		t.Fatalf("signature length %d, want %d", len(sig), SignatureSize)
	}
}

func TestSideIDIsStable(t *testing.T) {
	publicKey, _, err := GenerateKeypair()
	assertNil(t, err)
	if publicKey.SideID() != publicKey.SideID() {
		t.Fatal("side id not deterministic")
	}

	other, _, err := GenerateKeypair()
	assertNil(t, err)
	if publicKey.SideID() == other.SideID() {
		t.Fatal("distinct keys share a side id")
	}
}

func TestDeriveSessionIDIsSymmetric(t *testing.T) {
	a, _, err := GenerateKeypair()
	assertNil(t, err)
	b, _, err := GenerateKeypair()
	assertNil(t, err)

	if DeriveSessionID(a.SideID(), b.SideID()) != DeriveSessionID(b.SideID(), a.SideID()) {
		t.Fatal("session id depends on argument order")
	}
	if DeriveSessionID(a.SideID(), b.SideID()) == DeriveSessionID(a.SideID(), a.SideID()) {
		t.Fatal("session id ignores the peer")
	}
}
