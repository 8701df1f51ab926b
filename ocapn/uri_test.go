/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023-2025 OCapN Authors. All Rights Reserved.
 */

package ocapn

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ocapn/ocapn-test-suite-go/syrup"
)

func assertNil(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func TestParsePeer(t *testing.T) {
	peer, err := ParsePeer("ocapn://127.0.0.1:22045.tcp")
	assertNil(t, err)
	if peer.Transport != syrup.Symbol("tcp") {
		t.Fatalf("transport = %q", peer.Transport)
	}
	if peer.Designator != "127.0.0.1:22045" {
		t.Fatalf("designator = %q", peer.Designator)
	}
	if len(peer.Hints) != 0 {
		t.Fatalf("unexpected hints: %v", peer.Hints)
	}
}

func TestParsePeerWithHints(t *testing.T) {
	peer, err := ParsePeer("ocapn://example.org:1234.tcp?cert=ab%20cd&zone=eu")
	assertNil(t, err)
	if peer.Hints["cert"] != "ab cd" || peer.Hints["zone"] != "eu" {
		t.Fatalf("hints = %v", peer.Hints)
	}

	// Hint keys serialize sorted, so round trips are stable.
	if peer.String() != "ocapn://example.org:1234.tcp?cert=ab+cd&zone=eu" {
		t.Fatalf("serialized as %q", peer.String())
	}
	reparsed, err := ParsePeer(peer.String())
	assertNil(t, err)
	if !peer.Equal(reparsed) {
		t.Fatal("round trip changed the locator")
	}
}

func TestParsePeerErrors(t *testing.T) {
	for _, uri := range []string{
		"tcp://127.0.0.1:22045",
		"ocapn://no-transport",
		"ocapn://trailing-dot.",
		"ocapn://.tcp",
	} {
		if _, err := ParsePeer(uri); !errors.Is(err, ErrBadURI) {
			t.Fatalf("ParsePeer(%q) = %v, want ErrBadURI", uri, err)
		}
	}
}

func TestPeerRecordRoundTrip(t *testing.T) {
	peer := &Peer{
		Transport:  "onion",
		Designator: "abcdefghijklmnop",
		Hints:      map[string]string{"k": "v"},
	}
	record := peer.ToRecord()
	decoded, err := PeerFromRecord(record)
	assertNil(t, err)
	if !peer.Equal(decoded) {
		t.Fatal("record round trip changed the locator")
	}

	// The wire form survives an encode/decode cycle too.
	encoded, err := syrup.Encode(record)
	assertNil(t, err)
	reread, err := syrup.Decode(encoded)
	assertNil(t, err)
	decoded, err = PeerFromRecord(reread)
	assertNil(t, err)
	if !peer.Equal(decoded) {
		t.Fatal("wire round trip changed the locator")
	}
}

func TestPeerFromRecordAcceptsLegacyFalseHints(t *testing.T) {
	record := syrup.NewRecord("ocapn-peer", syrup.Symbol("tcp"), "h:1", false)
	peer, err := PeerFromRecord(record)
	assertNil(t, err)
	if len(peer.Hints) != 0 {
		t.Fatalf("hints = %v", peer.Hints)
	}
}

func TestPeerFromRecordRejectsBadShapes(t *testing.T) {
	bad := []syrup.Value{
		syrup.NewRecord("ocapn-peer", syrup.Symbol("tcp"), "h:1"),
		syrup.NewRecord("ocapn-peer", "tcp", "h:1", false),
		syrup.NewRecord("ocapn-peer", syrup.Symbol("tcp"), int64(1), false),
		syrup.NewRecord("ocapn-peer", syrup.Symbol("tcp"), "h:1", true),
		syrup.NewRecord("other", syrup.Symbol("tcp"), "h:1", false),
		int64(3),
	}
	for _, v := range bad {
		if _, err := PeerFromRecord(v); !errors.Is(err, ErrBadRecord) {
			t.Fatalf("PeerFromRecord(%v) = %v, want ErrBadRecord", v, err)
		}
	}
}

func TestSturdyref(t *testing.T) {
	ref, err := ParseSturdyref("ocapn://example.org:1234.tcp/s/IO58l1laTyhcrgDKbEzFOO32MDd6zE5w")
	assertNil(t, err)
	if !bytes.Equal(ref.SwissNum, []byte("IO58l1laTyhcrgDKbEzFOO32MDd6zE5w")) {
		t.Fatalf("swiss num = %q", ref.SwissNum)
	}
	if ref.Peer.Transport != syrup.Symbol("tcp") {
		t.Fatalf("transport = %q", ref.Peer.Transport)
	}

	reparsed, err := ParseSturdyref(ref.String())
	assertNil(t, err)
	if !ref.Equal(reparsed) {
		t.Fatal("uri round trip changed the sturdyref")
	}

	decoded, err := SturdyrefFromRecord(ref.ToRecord())
	assertNil(t, err)
	if !ref.Equal(decoded) {
		t.Fatal("record round trip changed the sturdyref")
	}
}
