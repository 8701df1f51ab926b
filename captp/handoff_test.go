/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023-2025 OCapN Authors. All Rights Reserved.
 */

package captp

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/ocapn/ocapn-test-suite-go/ocapn"
	"github.com/ocapn/ocapn-test-suite-go/syrup"
)

func testGive(t *testing.T, receiverKey *PublicKey) *DescHandoffGive {
	t.Helper()
	session := sha256.Sum256([]byte("gifter-exporter session"))
	side := sha256.Sum256([]byte("gifter side"))
	return &DescHandoffGive{
		ReceiverKey:      receiverKey,
		ExporterLocation: ocapn.NewPeer("tcp", "exporter:22045"),
		SessionID:        session[:],
		GifterSideID:     side[:],
		GiftID:           NewGiftID(),
	}
}

func TestHandoffGiveWireRoundTrip(t *testing.T) {
	receiverKey, _, err := GenerateKeypair()
	assertNil(t, err)
	_, gifterPriv, err := GenerateKeypair()
	assertNil(t, err)

	give := testGive(t, receiverKey)
	signedGive, err := SignEnvelope(give, gifterPriv)
	assertNil(t, err)

	receive := &DescHandoffReceive{
		ReceivingSessionID: give.SessionID,
		ReceivingSideID:    give.GifterSideID,
		HandoffCount:       0,
		SignedGive:         signedGive,
	}

	encoded, err := syrup.Encode(receive.ToRecord())
	assertNil(t, err)
	value, err := syrup.Decode(encoded)
	assertNil(t, err)
	decoded, err := fromWireValue(value)
	assertNil(t, err)

	reread, ok := decoded.(*DescHandoffReceive)
	if !ok {
		t.Fatalf("decoded as %T", decoded)
	}
	if !MessagesEqual(receive, reread) {
		t.Fatal("handoff-receive changed through the wire")
	}
	innerGive, ok := reread.Give()
	if !ok {
		t.Fatal("signed-give lost its handoff-give")
	}
	if !MessagesEqual(innerGive, give) {
		t.Fatal("handoff-give changed through the wire")
	}
}

// The envelope signature covers the encoded record bytes, so it must
// survive a wire round trip.
func TestSignEnvelopeVerifiesAfterRoundTrip(t *testing.T) {
	receiverKey, _, err := GenerateKeypair()
	assertNil(t, err)
	gifterPub, gifterPriv, err := GenerateKeypair()
	assertNil(t, err)

	signedGive, err := SignEnvelope(testGive(t, receiverKey), gifterPriv)
	assertNil(t, err)
	if !signedGive.Verify(gifterPub) {
		t.Fatal("fresh envelope does not verify")
	}

	encoded, err := syrup.Encode(signedGive.ToRecord())
	assertNil(t, err)
	value, err := syrup.Decode(encoded)
	assertNil(t, err)
	decoded, err := fromWireValue(value)
	assertNil(t, err)
	if !decoded.(*DescSigEnvelope).Verify(gifterPub) {
		t.Fatal("envelope does not verify after a wire round trip")
	}
	if decoded.(*DescSigEnvelope).Verify(receiverKey) {
		t.Fatal("envelope verifies under the wrong key")
	}
}

func makeSignedReceive(t *testing.T, gifterPriv, receiverPriv ed25519.PrivateKey, receiverKey *PublicKey, count uint64) (*DescSigEnvelope, *DescHandoffGive) {
	t.Helper()
	give := testGive(t, receiverKey)
	signedGive, err := SignEnvelope(give, gifterPriv)
	assertNil(t, err)
	receive := &DescHandoffReceive{
		ReceivingSessionID: sha256Bytes("receiver-exporter session"),
		ReceivingSideID:    sha256Bytes("receiver side"),
		HandoffCount:       count,
		SignedGive:         signedGive,
	}
	envelope, err := SignEnvelope(receive, receiverPriv)
	assertNil(t, err)
	return envelope, give
}

func sha256Bytes(s string) []byte {
	sum := sha256.Sum256([]byte(s))
	return sum[:]
}

func TestVerifyHandoffReceive(t *testing.T) {
	gifterPub, gifterPriv, err := GenerateKeypair()
	assertNil(t, err)
	receiverKey, receiverPriv, err := GenerateKeypair()
	assertNil(t, err)

	counts := NewHandoffCounts()
	envelope, give := makeSignedReceive(t, gifterPriv, receiverPriv, receiverKey, 0)

	receive, err := VerifyHandoffReceive(envelope, gifterPub, give.SessionID, counts)
	assertNil(t, err)
	if receive.HandoffCount != 0 {
		t.Fatalf("handoff count %d", receive.HandoffCount)
	}

	// Same count again: replay.
	if _, err := VerifyHandoffReceive(envelope, gifterPub, give.SessionID, counts); !errors.Is(err, ErrReplayedHandoff) {
		t.Fatalf("expected ErrReplayedHandoff, got %v", err)
	}
}

func TestVerifyHandoffReceiveRejectsBadOuterSignature(t *testing.T) {
	gifterPub, gifterPriv, err := GenerateKeypair()
	assertNil(t, err)
	receiverKey, receiverPriv, err := GenerateKeypair()
	assertNil(t, err)

	envelope, give := makeSignedReceive(t, gifterPriv, receiverPriv, receiverKey, 0)
	envelope.Signature = ed25519.Sign(receiverPriv, []byte("this signature is invalid"))

	if _, err := VerifyHandoffReceive(envelope, gifterPub, give.SessionID, NewHandoffCounts()); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestVerifyHandoffReceiveRejectsWrongGifterKey(t *testing.T) {
	_, gifterPriv, err := GenerateKeypair()
	assertNil(t, err)
	receiverKey, receiverPriv, err := GenerateKeypair()
	assertNil(t, err)
	otherPub, _, err := GenerateKeypair()
	assertNil(t, err)

	envelope, give := makeSignedReceive(t, gifterPriv, receiverPriv, receiverKey, 0)
	if _, err := VerifyHandoffReceive(envelope, otherPub, give.SessionID, NewHandoffCounts()); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestVerifyHandoffReceiveRejectsWrongSession(t *testing.T) {
	gifterPub, gifterPriv, err := GenerateKeypair()
	assertNil(t, err)
	receiverKey, receiverPriv, err := GenerateKeypair()
	assertNil(t, err)

	envelope, _ := makeSignedReceive(t, gifterPriv, receiverPriv, receiverKey, 0)
	if _, err := VerifyHandoffReceive(envelope, gifterPub, sha256Bytes("some other session"), NewHandoffCounts()); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestHandoffCountsPerPathway(t *testing.T) {
	counts := NewHandoffCounts()
	assertNil(t, counts.Advance([]byte("path-a"), 0))
	assertNil(t, counts.Advance([]byte("path-b"), 0))
	assertNil(t, counts.Advance([]byte("path-a"), 5))
	if err := counts.Advance([]byte("path-a"), 5); !errors.Is(err, ErrReplayedHandoff) {
		t.Fatalf("expected ErrReplayedHandoff, got %v", err)
	}
	if err := counts.Advance([]byte("path-a"), 2); !errors.Is(err, ErrReplayedHandoff) {
		t.Fatalf("expected ErrReplayedHandoff, got %v", err)
	}
	assertNil(t, counts.Advance([]byte("path-b"), 1))
}
