/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023-2025 OCapN Authors. All Rights Reserved.
 */

package captp

import (
	"crypto/ed25519"
	"errors"
	"testing"

	"github.com/ocapn/ocapn-test-suite-go/ocapn"
	"github.com/ocapn/ocapn-test-suite-go/syrup"
)

func testLocation() *ocapn.Peer {
	return ocapn.NewPeer("tcp", "127.0.0.1:22045")
}

func encodeDecode(t *testing.T, m Message) Message {
	t.Helper()
	encoded, err := syrup.Encode(m.ToRecord())
	assertNil(t, err)
	value, err := syrup.Decode(encoded)
	assertNil(t, err)
	decoded, err := DecodeMessage(value)
	assertNil(t, err)
	return decoded
}

func TestOperationWireRoundTrips(t *testing.T) {
	publicKey, privateKey, err := GenerateKeypair()
	assertNil(t, err)
	signed, err := LocationSignatureBytes(testLocation())
	assertNil(t, err)

	answerPos := uint64(3)
	messages := []Message{
		&OpStartSession{
			Version:     "1.0",
			SessionKey:  publicKey,
			Location:    testLocation(),
			LocationSig: ed25519.Sign(privateKey, signed),
		},
		&OpBootstrap{AnswerPos: 0, ResolveMe: DescImportObject{Position: 0}},
		&OpDeliverOnly{
			To:   DescExport{Position: 1},
			Args: []syrup.Value{syrup.Symbol("fulfill"), DescImportObject{Position: 2}},
		},
		&OpDeliver{
			To:        DescAnswer{Position: 4},
			Args:      []syrup.Value{"foo", int64(1), false, []byte("bar"), syrup.List{"baz"}},
			AnswerPos: &answerPos,
			ResolveMe: DescImportPromise{Position: 5},
		},
		&OpDeliver{
			To:        DescExport{Position: 0},
			ResolveMe: DescImportObject{Position: 6},
		},
		&OpListen{To: DescExport{Position: 7}, ResolveMe: DescImportObject{Position: 8}, WantsPartial: true},
		&OpAbort{Reason: "shutdown"},
		&OpGcExport{ExportPos: 9, WireDelta: 4},
		&OpGcAnswer{AnswerPos: 10},
		&OpIndex{To: DescAnswer{Position: 11}, Index: 2, NewAnswerPos: 12},
		&OpGet{To: DescExport{Position: 13}, FieldName: "foo", NewAnswerPos: 14},
	}

	for _, m := range messages {
		decoded := encodeDecode(t, m)
		if !MessagesEqual(m, decoded) {
			t.Fatalf("wire round trip changed %v into %v", m.ToRecord(), decoded.ToRecord())
		}
	}
}

func TestDeliverAnswerPosFalse(t *testing.T) {
	deliver := &OpDeliver{
		To:        DescExport{Position: 0},
		ResolveMe: DescImportObject{Position: 1},
	}
	record := deliver.ToRecord()
	if !syrup.Equal(record.Args[2], false) {
		t.Fatalf("unallocated answer position encodes as %v, want false", record.Args[2])
	}

	decoded := encodeDecode(t, deliver).(*OpDeliver)
	if decoded.AnswerPos != nil {
		t.Fatal("false answer position decoded as allocated")
	}
	if _, ok := decoded.Vow(); ok {
		t.Fatal("unallocated deliver has a vow")
	}
}

func TestDecodeMessageUnknownLabel(t *testing.T) {
	_, err := DecodeMessage(syrup.NewRecord("op:mystery", int64(1)))
	if !errors.Is(err, ErrUnknownOpLabel) {
		t.Fatalf("expected ErrUnknownOpLabel, got %v", err)
	}
}

func TestDecodeMessageBadArity(t *testing.T) {
	_, err := DecodeMessage(syrup.NewRecord("op:abort"))
	if !errors.Is(err, ErrBadArity) {
		t.Fatalf("expected ErrBadArity, got %v", err)
	}
	_, err = DecodeMessage(syrup.NewRecord("op:gc-export", int64(1)))
	if !errors.Is(err, ErrBadArity) {
		t.Fatalf("expected ErrBadArity, got %v", err)
	}
}

func TestDecodeMessageBadShapes(t *testing.T) {
	bad := []syrup.Value{
		int64(1),
		&syrup.Record{Label: int64(9), Args: []syrup.Value{int64(1)}},
		// deliver-only to something that is not a target
		syrup.NewRecord("op:deliver-only",
			syrup.NewRecord("desc:import-object", int64(0)), syrup.List{}),
		// negative position
		syrup.NewRecord("op:gc-answer", int64(-1)),
	}
	for _, v := range bad {
		if _, err := DecodeMessage(v); err == nil {
			t.Fatalf("DecodeMessage(%v) accepted malformed input", v)
		}
	}
}

func TestArgumentDescriptorsDecodeTyped(t *testing.T) {
	record := syrup.NewRecord("op:deliver-only",
		syrup.NewRecord("desc:export", int64(0)),
		syrup.List{
			syrup.Symbol("fulfill"),
			syrup.NewRecord("desc:import-promise", int64(3)),
			syrup.List{syrup.NewRecord("desc:import-object", int64(4))},
		})
	decoded, err := DecodeMessage(record)
	assertNil(t, err)
	deliverOnly := decoded.(*OpDeliverOnly)

	if _, ok := deliverOnly.Args[1].(DescImportPromise); !ok {
		t.Fatalf("nested promise decoded as %T", deliverOnly.Args[1])
	}
	inner := deliverOnly.Args[2].(syrup.List)
	if _, ok := inner[0].(DescImportObject); !ok {
		t.Fatalf("descriptor inside a list decoded as %T", inner[0])
	}
}

func TestStartSessionVerify(t *testing.T) {
	publicKey, privateKey, err := GenerateKeypair()
	assertNil(t, err)
	signed, err := LocationSignatureBytes(testLocation())
	assertNil(t, err)

	hello := &OpStartSession{
		Version:     "1.0",
		SessionKey:  publicKey,
		Location:    testLocation(),
		LocationSig: ed25519.Sign(privateKey, signed),
	}
	if !hello.Verify() {
		t.Fatal("valid location signature rejected")
	}

	hello.LocationSig = ed25519.Sign(privateKey, []byte("i am invalid"))
	if hello.Verify() {
		t.Fatal("invalid location signature accepted")
	}
}

func TestImportExportSymmetry(t *testing.T) {
	object := DescImportObject{Position: 7}
	promise := DescImportPromise{Position: 7}
	if object.AsExport() != (DescExport{Position: 7}) {
		t.Fatal("import-object does not convert to its export")
	}
	if promise.AsExport() != (DescExport{Position: 7}) {
		t.Fatal("import-promise does not convert to its export")
	}
}
