/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023-2025 OCapN Authors. All Rights Reserved.
 */

// Package captp implements the client side of the CapTP protocol over
// OCapN: the wire value model, session lifecycle, promise bookkeeping and
// the third-party handoff subsystem.
package captp

import (
	"fmt"

	"github.com/ocapn/ocapn-test-suite-go/ocapn"
	"github.com/ocapn/ocapn-test-suite-go/syrup"
)

// Record labels. The sig-envelope spelling matches the wire protocol, not
// the dictionary.
const (
	labelDescImportObject   = syrup.Symbol("desc:import-object")
	labelDescImportPromise  = syrup.Symbol("desc:import-promise")
	labelDescExport         = syrup.Symbol("desc:export")
	labelDescAnswer         = syrup.Symbol("desc:answer")
	labelDescSigEnvelope    = syrup.Symbol("desc:sig-envolope")
	labelDescHandoffGive    = syrup.Symbol("desc:handoff-give")
	labelDescHandoffReceive = syrup.Symbol("desc:handoff-receive")

	labelOpStartSession = syrup.Symbol("op:start-session")
	labelOpBootstrap    = syrup.Symbol("op:bootstrap")
	labelOpDeliverOnly  = syrup.Symbol("op:deliver-only")
	labelOpDeliver      = syrup.Symbol("op:deliver")
	labelOpListen       = syrup.Symbol("op:listen")
	labelOpAbort        = syrup.Symbol("op:abort")
	labelOpGcExport     = syrup.Symbol("op:gc-export")
	labelOpGcAnswer     = syrup.Symbol("op:gc-answer")
	labelOpIndex        = syrup.Symbol("op:index")
	labelOpGet          = syrup.Symbol("op:get")
)

// Well-known resolution heads.
const (
	SymbolFulfill = syrup.Symbol("fulfill")
	SymbolBreak   = syrup.Symbol("break")
)

// A Message is any CapTP descriptor or operation. Equality between
// messages is structural over the record form.
type Message interface {
	ToRecord() *syrup.Record
}

// MessagesEqual compares two messages by their record encodings.
func MessagesEqual(a, b Message) bool {
	return syrup.Equal(a.ToRecord(), b.ToRecord())
}

// A Target is a valid destination for deliveries: one of my exports, as
// the peer names it, or the answer promise of an earlier delivery.
type Target interface {
	Message
	targetable()
}

// A DescImport is a reference I hand to the peer: either an object or a
// promise. Its wire-symmetric view on the peer's side is a DescExport at
// the same position.
type DescImport interface {
	Message
	AsExport() DescExport
	importable()
}

// DescImportObject is <desc:import-object position>.
type DescImportObject struct {
	Position uint64
}

func (d DescImportObject) ToRecord() *syrup.Record {
	return syrup.NewRecord(labelDescImportObject, int64(d.Position))
}

func (d DescImportObject) AsExport() DescExport { return DescExport{Position: d.Position} }
func (DescImportObject) importable()            {}

// DescImportPromise is <desc:import-promise position>.
type DescImportPromise struct {
	Position uint64
}

func (d DescImportPromise) ToRecord() *syrup.Record {
	return syrup.NewRecord(labelDescImportPromise, int64(d.Position))
}

func (d DescImportPromise) AsExport() DescExport { return DescExport{Position: d.Position} }
func (DescImportPromise) importable()            {}

// DescExport is <desc:export position>.
type DescExport struct {
	Position uint64
}

func (d DescExport) ToRecord() *syrup.Record {
	return syrup.NewRecord(labelDescExport, int64(d.Position))
}

func (DescExport) targetable() {}

// DescAnswer is <desc:answer position>: the result promise of a specific
// delivery.
type DescAnswer struct {
	Position uint64
}

func (d DescAnswer) ToRecord() *syrup.Record {
	return syrup.NewRecord(labelDescAnswer, int64(d.Position))
}

func (DescAnswer) targetable() {}

// DescSigEnvelope wraps a value with an Ed25519 signature over the
// value's canonical encoding.
type DescSigEnvelope struct {
	Object    syrup.Value
	Signature []byte
}

func (d *DescSigEnvelope) ToRecord() *syrup.Record {
	return syrup.NewRecord(labelDescSigEnvelope,
		toWireValue(d.Object),
		signatureToValue(d.Signature))
}

// SignedBytes returns the bytes the signature covers.
func (d *DescSigEnvelope) SignedBytes() ([]byte, error) {
	return syrup.Encode(toWireValue(d.Object))
}

// Verify reports whether the envelope's signature is valid under pk.
func (d *DescSigEnvelope) Verify(pk *PublicKey) bool {
	data, err := d.SignedBytes()
	if err != nil {
		return false
	}
	return pk.Verify(data, d.Signature)
}

// DescHandoffGive is the gifter's signed promise of a gift awaiting the
// receiver at the exporter:
// <desc:handoff-give receiver-key exporter-location session gifter-side gift-id>.
type DescHandoffGive struct {
	ReceiverKey      *PublicKey
	ExporterLocation *ocapn.Peer
	SessionID        []byte
	GifterSideID     []byte
	GiftID           []byte
}

func (d *DescHandoffGive) ToRecord() *syrup.Record {
	return syrup.NewRecord(labelDescHandoffGive,
		d.ReceiverKey.ToValue(),
		d.ExporterLocation.ToRecord(),
		d.SessionID,
		d.GifterSideID,
		d.GiftID)
}

// DescHandoffReceive is the receiver's counter-signed withdrawal request:
// <desc:handoff-receive receiving-session receiving-side handoff-count signed-give>.
type DescHandoffReceive struct {
	ReceivingSessionID []byte
	ReceivingSideID    []byte
	HandoffCount       uint64
	SignedGive         *DescSigEnvelope
}

func (d *DescHandoffReceive) ToRecord() *syrup.Record {
	return syrup.NewRecord(labelDescHandoffReceive,
		d.ReceivingSessionID,
		d.ReceivingSideID,
		int64(d.HandoffCount),
		d.SignedGive.ToRecord())
}

// Give returns the inner handoff-give, if the envelope wraps one.
func (d *DescHandoffReceive) Give() (*DescHandoffGive, bool) {
	give, ok := d.SignedGive.Object.(*DescHandoffGive)
	return give, ok
}

// OpStartSession is <op:start-session captp-version session-pubkey location location-sig>.
type OpStartSession struct {
	Version     string
	SessionKey  *PublicKey
	Location    *ocapn.Peer
	LocationSig []byte
}

func (m *OpStartSession) ToRecord() *syrup.Record {
	return syrup.NewRecord(labelOpStartSession,
		m.Version,
		m.SessionKey.ToValue(),
		m.Location.ToRecord(),
		signatureToValue(m.LocationSig))
}

// LocationSignatureBytes is what a start-session signature covers: the
// location record inside a my-location wrapper, so the signature cannot
// be replayed in another context.
func LocationSignatureBytes(location *ocapn.Peer) ([]byte, error) {
	return syrup.Encode(syrup.NewRecord("my-location", location.ToRecord()))
}

// Verify reports whether the location signature is valid under the
// session key the message itself carries.
func (m *OpStartSession) Verify() bool {
	data, err := LocationSignatureBytes(m.Location)
	if err != nil {
		return false
	}
	return m.SessionKey.Verify(data, m.LocationSig)
}

// OpBootstrap is <op:bootstrap answer-position resolve-me-desc>.
type OpBootstrap struct {
	AnswerPos uint64
	ResolveMe DescImport
}

func (m *OpBootstrap) ToRecord() *syrup.Record {
	return syrup.NewRecord(labelOpBootstrap, int64(m.AnswerPos), m.ResolveMe.ToRecord())
}

// Vow is the pipelined promise of the bootstrap object.
func (m *OpBootstrap) Vow() DescAnswer { return DescAnswer{Position: m.AnswerPos} }

// ExportedResolveMe is where the peer will deliver the resolution.
func (m *OpBootstrap) ExportedResolveMe() DescExport { return m.ResolveMe.AsExport() }

// OpDeliverOnly is <op:deliver-only to-desc args>: fire and forget.
type OpDeliverOnly struct {
	To   Target
	Args []syrup.Value
}

func (m *OpDeliverOnly) ToRecord() *syrup.Record {
	return syrup.NewRecord(labelOpDeliverOnly, m.To.ToRecord(), wireArgs(m.Args))
}

// OpDeliver is <op:deliver to args answer-position resolve-me-desc>. A nil
// AnswerPos encodes as false: no pipelined answer is allocated.
type OpDeliver struct {
	To        Target
	Args      []syrup.Value
	AnswerPos *uint64
	ResolveMe DescImport
}

func (m *OpDeliver) ToRecord() *syrup.Record {
	var answerPos syrup.Value = false
	if m.AnswerPos != nil {
		answerPos = int64(*m.AnswerPos)
	}
	return syrup.NewRecord(labelOpDeliver,
		m.To.ToRecord(),
		wireArgs(m.Args),
		answerPos,
		m.ResolveMe.ToRecord())
}

// Vow is the answer promise, when one was allocated.
func (m *OpDeliver) Vow() (DescAnswer, bool) {
	if m.AnswerPos == nil {
		return DescAnswer{}, false
	}
	return DescAnswer{Position: *m.AnswerPos}, true
}

// ExportedResolveMe is where the peer will deliver the resolution.
func (m *OpDeliver) ExportedResolveMe() DescExport { return m.ResolveMe.AsExport() }

// OpListen is <op:listen to-desc resolve-me-desc wants-partial>.
type OpListen struct {
	To           Target
	ResolveMe    DescImport
	WantsPartial bool
}

func (m *OpListen) ToRecord() *syrup.Record {
	return syrup.NewRecord(labelOpListen, m.To.ToRecord(), m.ResolveMe.ToRecord(), m.WantsPartial)
}

// ExportedResolveMe is where the peer will deliver the resolution.
func (m *OpListen) ExportedResolveMe() DescExport { return m.ResolveMe.AsExport() }

// OpAbort is <op:abort reason>.
type OpAbort struct {
	Reason string
}

func (m *OpAbort) ToRecord() *syrup.Record {
	return syrup.NewRecord(labelOpAbort, m.Reason)
}

// OpGcExport is <op:gc-export export-position wire-delta>.
type OpGcExport struct {
	ExportPos uint64
	WireDelta uint64
}

func (m *OpGcExport) ToRecord() *syrup.Record {
	return syrup.NewRecord(labelOpGcExport, int64(m.ExportPos), int64(m.WireDelta))
}

// OpGcAnswer is <op:gc-answer answer-position>.
type OpGcAnswer struct {
	AnswerPos uint64
}

func (m *OpGcAnswer) ToRecord() *syrup.Record {
	return syrup.NewRecord(labelOpGcAnswer, int64(m.AnswerPos))
}

// OpIndex is <op:index to index new-answer-pos>: a promise-pipelineable
// sequence getter.
type OpIndex struct {
	To           Target
	Index        uint64
	NewAnswerPos uint64
}

func (m *OpIndex) ToRecord() *syrup.Record {
	return syrup.NewRecord(labelOpIndex, m.To.ToRecord(), int64(m.Index), int64(m.NewAnswerPos))
}

// Answer is the promise holding the indexed element.
func (m *OpIndex) Answer() DescAnswer { return DescAnswer{Position: m.NewAnswerPos} }

// OpGet is <op:get to field-name new-answer-pos>: a promise-pipelineable
// mapping getter.
type OpGet struct {
	To           Target
	FieldName    syrup.Value
	NewAnswerPos uint64
}

func (m *OpGet) ToRecord() *syrup.Record {
	return syrup.NewRecord(labelOpGet, m.To.ToRecord(), m.FieldName, int64(m.NewAnswerPos))
}

// Answer is the promise holding the field value.
func (m *OpGet) Answer() DescAnswer { return DescAnswer{Position: m.NewAnswerPos} }

// toWireValue lowers typed values inside argument lists to their record
// forms, recursing through lists only, mirroring how deliveries carry
// descriptors.
func toWireValue(v syrup.Value) syrup.Value {
	switch x := v.(type) {
	case Message:
		return x.ToRecord()
	case *ocapn.Peer:
		return x.ToRecord()
	case *ocapn.Sturdyref:
		return x.ToRecord()
	case *PublicKey:
		return x.ToValue()
	case syrup.List:
		out := make(syrup.List, len(x))
		for i, item := range x {
			out[i] = toWireValue(item)
		}
		return out
	case []syrup.Value:
		return toWireValue(syrup.List(x))
	default:
		return v
	}
}

func wireArgs(args []syrup.Value) syrup.List {
	out := make(syrup.List, len(args))
	for i, arg := range args {
		out[i] = toWireValue(arg)
	}
	return out
}

// fromWireValue raises known records inside argument lists back to typed
// values, leaving unknown records untouched.
func fromWireValue(v syrup.Value) (syrup.Value, error) {
	switch x := v.(type) {
	case syrup.List:
		out := make(syrup.List, len(x))
		for i, item := range x {
			decoded, err := fromWireValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = decoded
		}
		return out, nil
	case *syrup.Record:
		label, ok := x.Label.(syrup.Symbol)
		if !ok {
			return x, nil
		}
		switch label {
		case labelDescImportObject, labelDescImportPromise, labelDescExport,
			labelDescAnswer, labelDescSigEnvelope, labelDescHandoffGive,
			labelDescHandoffReceive:
			return decodeDescriptor(x)
		case ocapnPeerLabel:
			return ocapn.PeerFromRecord(x)
		case ocapnSturdyrefLabel:
			return ocapn.SturdyrefFromRecord(x)
		default:
			return x, nil
		}
	default:
		return v, nil
	}
}

const (
	ocapnPeerLabel      = syrup.Symbol("ocapn-peer")
	ocapnSturdyrefLabel = syrup.Symbol("ocapn-sturdyref")
)

func recordArgs(r *syrup.Record, label syrup.Symbol, arity int) ([]syrup.Value, error) {
	if len(r.Args) != arity {
		return nil, fmt.Errorf("%w: %s takes %d args, got %d", ErrBadArity, label, arity, len(r.Args))
	}
	return r.Args, nil
}

func positionFromValue(v syrup.Value, what string) (uint64, error) {
	n, ok := v.(int64)
	if !ok || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a nonnegative integer", ErrBadRecordShape, what)
	}
	return uint64(n), nil
}

func decodeDescriptor(r *syrup.Record) (syrup.Value, error) {
	label, _ := r.Label.(syrup.Symbol)
	switch label {
	case labelDescImportObject:
		args, err := recordArgs(r, label, 1)
		if err != nil {
			return nil, err
		}
		pos, err := positionFromValue(args[0], "import position")
		if err != nil {
			return nil, err
		}
		return DescImportObject{Position: pos}, nil

	case labelDescImportPromise:
		args, err := recordArgs(r, label, 1)
		if err != nil {
			return nil, err
		}
		pos, err := positionFromValue(args[0], "import position")
		if err != nil {
			return nil, err
		}
		return DescImportPromise{Position: pos}, nil

	case labelDescExport:
		args, err := recordArgs(r, label, 1)
		if err != nil {
			return nil, err
		}
		pos, err := positionFromValue(args[0], "export position")
		if err != nil {
			return nil, err
		}
		return DescExport{Position: pos}, nil

	case labelDescAnswer:
		args, err := recordArgs(r, label, 1)
		if err != nil {
			return nil, err
		}
		pos, err := positionFromValue(args[0], "answer position")
		if err != nil {
			return nil, err
		}
		return DescAnswer{Position: pos}, nil

	case labelDescSigEnvelope:
		args, err := recordArgs(r, label, 2)
		if err != nil {
			return nil, err
		}
		object, err := fromWireValue(args[0])
		if err != nil {
			return nil, err
		}
		sig, err := signatureFromValue(args[1])
		if err != nil {
			return nil, err
		}
		return &DescSigEnvelope{Object: object, Signature: sig}, nil

	case labelDescHandoffGive:
		args, err := recordArgs(r, label, 5)
		if err != nil {
			return nil, err
		}
		receiverKey, err := PublicKeyFromValue(args[0])
		if err != nil {
			return nil, err
		}
		exporterLoc, err := ocapn.PeerFromRecord(args[1])
		if err != nil {
			return nil, err
		}
		sessionID, ok := args[2].([]byte)
		if !ok {
			return nil, fmt.Errorf("%w: handoff-give session must be bytes", ErrBadRecordShape)
		}
		gifterSide, ok := args[3].([]byte)
		if !ok {
			return nil, fmt.Errorf("%w: handoff-give gifter-side must be bytes", ErrBadRecordShape)
		}
		giftID, ok := args[4].([]byte)
		if !ok {
			return nil, fmt.Errorf("%w: handoff-give gift-id must be bytes", ErrBadRecordShape)
		}
		return &DescHandoffGive{
			ReceiverKey:      receiverKey,
			ExporterLocation: exporterLoc,
			SessionID:        sessionID,
			GifterSideID:     gifterSide,
			GiftID:           giftID,
		}, nil

	case labelDescHandoffReceive:
		args, err := recordArgs(r, label, 4)
		if err != nil {
			return nil, err
		}
		receivingSession, ok := args[0].([]byte)
		if !ok {
			return nil, fmt.Errorf("%w: handoff-receive session must be bytes", ErrBadRecordShape)
		}
		receivingSide, ok := args[1].([]byte)
		if !ok {
			return nil, fmt.Errorf("%w: handoff-receive side must be bytes", ErrBadRecordShape)
		}
		count, err := positionFromValue(args[2], "handoff count")
		if err != nil {
			return nil, err
		}
		signedGive, err := fromWireValue(args[3])
		if err != nil {
			return nil, err
		}
		envelope, ok := signedGive.(*DescSigEnvelope)
		if !ok {
			return nil, fmt.Errorf("%w: handoff-receive signed-give must be a sig-envelope", ErrBadRecordShape)
		}
		return &DescHandoffReceive{
			ReceivingSessionID: receivingSession,
			ReceivingSideID:    receivingSide,
			HandoffCount:       count,
			SignedGive:         envelope,
		}, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrUnknownOpLabel, r.Label)
}

func decodeTarget(v syrup.Value) (Target, error) {
	decoded, err := fromWireValue(v)
	if err != nil {
		return nil, err
	}
	target, ok := decoded.(Target)
	if !ok {
		return nil, fmt.Errorf("%w: target must be desc:export or desc:answer", ErrBadRecordShape)
	}
	return target, nil
}

func decodeImport(v syrup.Value) (DescImport, error) {
	decoded, err := fromWireValue(v)
	if err != nil {
		return nil, err
	}
	imported, ok := decoded.(DescImport)
	if !ok {
		return nil, fmt.Errorf("%w: resolve-me must be desc:import-object or desc:import-promise", ErrBadRecordShape)
	}
	return imported, nil
}

func decodeArgs(v syrup.Value) ([]syrup.Value, error) {
	list, ok := v.(syrup.List)
	if !ok {
		return nil, fmt.Errorf("%w: args must be a list", ErrBadRecordShape)
	}
	decoded, err := fromWireValue(list)
	if err != nil {
		return nil, err
	}
	return decoded.(syrup.List), nil
}

// DecodeMessage dispatches a top-level wire record to its operation type.
// Unknown labels are a protocol error.
func DecodeMessage(v syrup.Value) (Message, error) {
	r, ok := v.(*syrup.Record)
	if !ok {
		return nil, fmt.Errorf("%w: message must be a record", ErrBadRecordShape)
	}
	label, ok := r.Label.(syrup.Symbol)
	if !ok {
		return nil, fmt.Errorf("%w: label must be a symbol", ErrBadRecordShape)
	}

	switch label {
	case labelOpStartSession:
		args, err := recordArgs(r, label, 4)
		if err != nil {
			return nil, err
		}
		version, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("%w: captp-version must be a string", ErrBadRecordShape)
		}
		key, err := PublicKeyFromValue(args[1])
		if err != nil {
			return nil, err
		}
		location, err := ocapn.PeerFromRecord(args[2])
		if err != nil {
			return nil, err
		}
		sig, err := signatureFromValue(args[3])
		if err != nil {
			return nil, err
		}
		return &OpStartSession{Version: version, SessionKey: key, Location: location, LocationSig: sig}, nil

	case labelOpBootstrap:
		args, err := recordArgs(r, label, 2)
		if err != nil {
			return nil, err
		}
		pos, err := positionFromValue(args[0], "answer position")
		if err != nil {
			return nil, err
		}
		resolveMe, err := decodeImport(args[1])
		if err != nil {
			return nil, err
		}
		return &OpBootstrap{AnswerPos: pos, ResolveMe: resolveMe}, nil

	case labelOpDeliverOnly:
		args, err := recordArgs(r, label, 2)
		if err != nil {
			return nil, err
		}
		to, err := decodeTarget(args[0])
		if err != nil {
			return nil, err
		}
		deliverArgs, err := decodeArgs(args[1])
		if err != nil {
			return nil, err
		}
		return &OpDeliverOnly{To: to, Args: deliverArgs}, nil

	case labelOpDeliver:
		args, err := recordArgs(r, label, 4)
		if err != nil {
			return nil, err
		}
		to, err := decodeTarget(args[0])
		if err != nil {
			return nil, err
		}
		deliverArgs, err := decodeArgs(args[1])
		if err != nil {
			return nil, err
		}
		var answerPos *uint64
		switch pos := args[2].(type) {
		case bool:
			if pos {
				return nil, fmt.Errorf("%w: answer position must be an integer or false", ErrBadRecordShape)
			}
		case int64:
			p, err := positionFromValue(pos, "answer position")
			if err != nil {
				return nil, err
			}
			answerPos = &p
		default:
			return nil, fmt.Errorf("%w: answer position must be an integer or false", ErrBadRecordShape)
		}
		resolveMe, err := decodeImport(args[3])
		if err != nil {
			return nil, err
		}
		return &OpDeliver{To: to, Args: deliverArgs, AnswerPos: answerPos, ResolveMe: resolveMe}, nil

	case labelOpListen:
		args, err := recordArgs(r, label, 3)
		if err != nil {
			return nil, err
		}
		to, err := decodeTarget(args[0])
		if err != nil {
			return nil, err
		}
		resolveMe, err := decodeImport(args[1])
		if err != nil {
			return nil, err
		}
		wantsPartial, ok := args[2].(bool)
		if !ok {
			return nil, fmt.Errorf("%w: wants-partial must be a boolean", ErrBadRecordShape)
		}
		return &OpListen{To: to, ResolveMe: resolveMe, WantsPartial: wantsPartial}, nil

	case labelOpAbort:
		args, err := recordArgs(r, label, 1)
		if err != nil {
			return nil, err
		}
		switch reason := args[0].(type) {
		case string:
			return &OpAbort{Reason: reason}, nil
		case syrup.Symbol:
			return &OpAbort{Reason: string(reason)}, nil
		}
		return nil, fmt.Errorf("%w: abort reason must be a string", ErrBadRecordShape)

	case labelOpGcExport:
		args, err := recordArgs(r, label, 2)
		if err != nil {
			return nil, err
		}
		pos, err := positionFromValue(args[0], "export position")
		if err != nil {
			return nil, err
		}
		delta, err := positionFromValue(args[1], "wire delta")
		if err != nil {
			return nil, err
		}
		return &OpGcExport{ExportPos: pos, WireDelta: delta}, nil

	case labelOpGcAnswer:
		args, err := recordArgs(r, label, 1)
		if err != nil {
			return nil, err
		}
		pos, err := positionFromValue(args[0], "answer position")
		if err != nil {
			return nil, err
		}
		return &OpGcAnswer{AnswerPos: pos}, nil

	case labelOpIndex:
		args, err := recordArgs(r, label, 3)
		if err != nil {
			return nil, err
		}
		to, err := decodeTarget(args[0])
		if err != nil {
			return nil, err
		}
		index, err := positionFromValue(args[1], "index")
		if err != nil {
			return nil, err
		}
		pos, err := positionFromValue(args[2], "new answer position")
		if err != nil {
			return nil, err
		}
		return &OpIndex{To: to, Index: index, NewAnswerPos: pos}, nil

	case labelOpGet:
		args, err := recordArgs(r, label, 3)
		if err != nil {
			return nil, err
		}
		to, err := decodeTarget(args[0])
		if err != nil {
			return nil, err
		}
		pos, err := positionFromValue(args[2], "new answer position")
		if err != nil {
			return nil, err
		}
		return &OpGet{To: to, FieldName: args[1], NewAnswerPos: pos}, nil
	}

	return nil, fmt.Errorf("%w: %v", ErrUnknownOpLabel, label)
}
