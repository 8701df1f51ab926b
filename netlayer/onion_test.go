/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023-2025 OCapN Authors. All Rights Reserved.
 */

package netlayer

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base32"
	"strings"
	"testing"

	"golang.org/x/crypto/sha3"
)

// onionServiceID builds a v3 service ID from a service key, the same
// construction tor uses.
func onionServiceID(pubkey ed25519.PublicKey) string {
	h := sha3.New256()
	h.Write([]byte(".onion checksum"))
	h.Write(pubkey)
	h.Write([]byte{3})
	checksum := h.Sum(nil)[:2]

	blob := make([]byte, 0, 35)
	blob = append(blob, pubkey...)
	blob = append(blob, checksum...)
	blob = append(blob, 3)
	return strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(blob))
}

func TestValidateOnionServiceID(t *testing.T) {
	pubkey, _, err := ed25519.GenerateKey(rand.Reader)
	assertNil(t, err)
	id := onionServiceID(pubkey)
	if len(id) != onionServiceIDLen {
		t.Fatalf("generated id has length %d", len(id))
	}
	assertNil(t, ValidateOnionServiceID(id))
}

func TestValidateOnionServiceIDRejectsCorruption(t *testing.T) {
	pubkey, _, err := ed25519.GenerateKey(rand.Reader)
	assertNil(t, err)
	id := onionServiceID(pubkey)

	// Flip one address character: the checksum no longer binds.
	flipped := []byte(id)
	if flipped[0] == 'a' {
		flipped[0] = 'b'
	} else {
		flipped[0] = 'a'
	}
	if err := ValidateOnionServiceID(string(flipped)); err == nil {
		t.Fatal("corrupted service id accepted")
	}

	if err := ValidateOnionServiceID(id[:40]); err == nil {
		t.Fatal("truncated service id accepted")
	}
	if err := ValidateOnionServiceID(strings.Repeat("!", onionServiceIDLen)); err == nil {
		t.Fatal("non-base32 service id accepted")
	}
}
