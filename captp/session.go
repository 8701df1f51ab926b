/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023-2025 OCapN Authors. All Rights Reserved.
 */

package captp

import (
	"bytes"
	"crypto/ed25519"
	"time"

	"github.com/ocapn/ocapn-test-suite-go/ocapn"
	"github.com/ocapn/ocapn-test-suite-go/syrup"
)

// A MessageConn carries whole Syrup values over some transport. The
// netlayer provides it; the session never looks beneath it.
type MessageConn interface {
	SendMessage(v syrup.Value) error
	ReceiveMessage(timeout time.Duration) (syrup.Value, error)
	Close() error
}

// Role is the session lifecycle state.
type Role int

const (
	RoleUnstarted Role = iota
	RoleStarted
	RoleAborted
)

// A Delivery is the common view over op:deliver and op:deliver-only.
type Delivery interface {
	Message
	DeliveryTo() Target
	DeliveryArgs() []syrup.Value
}

func (m *OpDeliver) DeliveryTo() Target { return m.To }

func (m *OpDeliver) DeliveryArgs() []syrup.Value { return m.Args }

func (m *OpDeliverOnly) DeliveryTo() Target { return m.To }

func (m *OpDeliverOnly) DeliveryArgs() []syrup.Value { return m.Args }

// A Resolution is the terminal outcome of following a promise: either a
// fulfilled value or a break reason.
type Resolution struct {
	Broken bool
	Value  syrup.Value
	Last   Delivery
}

// Session is one CapTP connection: it owns the position allocators, the
// bootstrap cache, the session keys and the handoff replay ledger, and is
// the sole arbiter of position allocation. Sessions are single-threaded:
// one goroutine drives a session at a time, suspending only inside
// receives.
type Session struct {
	conn MessageConn
	log  *Logger
	cfg  *Config

	location     *ocapn.Peer
	peerLocation *ocapn.Peer
	isOutbound   bool
	role         Role

	privateKey ed25519.PrivateKey
	publicKey  *PublicKey
	peerKey    *PublicKey

	nextExportPos    uint64
	nextAnswerPos    uint64
	nextHandoffCount uint64

	bootstrap         *DescExport
	seenHandoffCounts map[uint64]struct{}
}

// NewSession wraps a transport connection. The session starts Unstarted;
// Handshake performs the op:start-session exchange.
func NewSession(conn MessageConn, location *ocapn.Peer, isOutbound bool, cfg *Config, log *Logger) *Session {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = NewLogger(LogLevelError, "(session) ")
	}
	return &Session{
		conn:              conn,
		log:               log,
		cfg:               cfg,
		location:          location,
		isOutbound:        isOutbound,
		seenHandoffCounts: make(map[uint64]struct{}),
	}
}

func (s *Session) Role() Role { return s.role }

func (s *Session) IsOutbound() bool { return s.isOutbound }

func (s *Session) Location() *ocapn.Peer { return s.location }

func (s *Session) PeerLocation() *ocapn.Peer { return s.peerLocation }

func (s *Session) PublicKey() *PublicKey { return s.publicKey }

func (s *Session) PeerKey() *PublicKey { return s.peerKey }

// PrivateKey exposes the session signing key for handoff envelopes.
func (s *Session) PrivateKey() ed25519.PrivateKey { return s.privateKey }

// Handshake generates the session keypair, sends our op:start-session and
// validates the peer's. The initiator sends first and reads second; an
// acceptor reads first and adopts the initiator's version string. On a
// version mismatch or a bad location signature the session aborts.
func (s *Session) Handshake() error {
	if s.role != RoleUnstarted {
		return ErrDuplicateStartSession
	}

	publicKey, privateKey, err := GenerateKeypair()
	if err != nil {
		return err
	}
	s.publicKey, s.privateKey = publicKey, privateKey

	signed, err := LocationSignatureBytes(s.location)
	if err != nil {
		return err
	}
	hello := &OpStartSession{
		Version:     s.cfg.CapTPVersion,
		SessionKey:  s.publicKey,
		Location:    s.location,
		LocationSig: ed25519.Sign(s.privateKey, signed),
	}

	if s.isOutbound {
		if err := s.SendMessage(hello); err != nil {
			return err
		}
		theirs, err := s.receiveStartSession()
		if err != nil {
			return err
		}
		if theirs.Version != hello.Version {
			return s.abortWith("captp-version-mismatch", ErrVersionMismatch)
		}
		return s.acceptPeerHello(theirs)
	}

	theirs, err := s.receiveStartSession()
	if err != nil {
		return err
	}
	hello.Version = theirs.Version
	if err := s.acceptPeerHello(theirs); err != nil {
		return err
	}
	return s.SendMessage(hello)
}

func (s *Session) receiveStartSession() (*OpStartSession, error) {
	msg, err := s.receiveDecoded(s.cfg.DefaultTimeout)
	if err != nil {
		return nil, err
	}
	theirs, ok := msg.(*OpStartSession)
	if !ok {
		if abort, isAbort := msg.(*OpAbort); isAbort {
			s.role = RoleAborted
			return nil, &AbortedError{Reason: abort.Reason}
		}
		return nil, ErrBadRecordShape
	}
	return theirs, nil
}

func (s *Session) acceptPeerHello(theirs *OpStartSession) error {
	if !theirs.Verify() {
		return s.abortWith("invalid-location-signature", ErrBadLocationSignature)
	}
	s.peerKey = theirs.SessionKey
	s.peerLocation = theirs.Location
	s.role = RoleStarted
	s.log.Debug.Printf("session started with %s", theirs.Location)
	return nil
}

func (s *Session) abortWith(reason string, err error) error {
	s.Abort(reason)
	return err
}

// Abort sends op:abort and marks the session Aborted. Position counters
// and caches are dead from here on; no GC messages follow an abort.
func (s *Session) Abort(reason string) {
	if s.role == RoleAborted {
		return
	}
	if err := s.SendMessage(&OpAbort{Reason: reason}); err != nil {
		s.log.Debug.Printf("abort send failed: %v", err)
	}
	s.role = RoleAborted
	s.bootstrap = nil
}

// Close aborts gracefully and releases the transport.
func (s *Session) Close() error {
	s.Abort("shutdown")
	return s.conn.Close()
}

// SendMessage encodes one message as a single wire frame.
func (s *Session) SendMessage(msg Message) error {
	return s.conn.SendMessage(msg.ToRecord())
}

func (s *Session) receiveDecoded(timeout time.Duration) (Message, error) {
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	value, err := s.conn.ReceiveMessage(timeout)
	if err != nil {
		return nil, err
	}
	return DecodeMessage(value)
}

// ReceiveMessage reads and decodes the next message. Incoming deliveries
// are scanned for signed handoff-receives so a replayed handoff count
// aborts the session, and a second op:start-session on a started session
// is rejected.
func (s *Session) ReceiveMessage(timeout time.Duration) (Message, error) {
	msg, err := s.receiveDecoded(timeout)
	if err != nil {
		return nil, err
	}

	switch m := msg.(type) {
	case *OpAbort:
		s.role = RoleAborted
	case *OpStartSession:
		if s.role == RoleStarted {
			return nil, s.abortWith("duplicate-start-session", ErrDuplicateStartSession)
		}
	case *OpDeliver:
		if err := s.noteHandoffCounts(m.Args); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

// noteHandoffCounts implements the received-handoff replay guard over the
// top-level arguments of a delivery.
func (s *Session) noteHandoffCounts(args []syrup.Value) error {
	for _, arg := range args {
		envelope, ok := arg.(*DescSigEnvelope)
		if !ok {
			continue
		}
		receive, ok := envelope.Object.(*DescHandoffReceive)
		if !ok {
			continue
		}
		if _, seen := s.seenHandoffCounts[receive.HandoffCount]; seen {
			return s.abortWith("replayed-handoff", ErrReplayedHandoff)
		}
		s.seenHandoffCounts[receive.HandoffCount] = struct{}{}
	}
	return nil
}

// NextImportObject allocates the next export position as an import-object
// reference. Positions are never reused, even after GC retires them.
func (s *Session) NextImportObject() DescImportObject {
	pos := s.nextExportPos
	s.nextExportPos++
	return DescImportObject{Position: pos}
}

// NextImportPromise allocates the next export position as a promise.
func (s *Session) NextImportPromise() DescImportPromise {
	pos := s.nextExportPos
	s.nextExportPos++
	return DescImportPromise{Position: pos}
}

// NextAnswer allocates the next answer position.
func (s *Session) NextAnswer() DescAnswer {
	pos := s.nextAnswerPos
	s.nextAnswerPos++
	return DescAnswer{Position: pos}
}

// NextHandoffCount draws the monotone counter for outgoing
// handoff-receives.
func (s *Session) NextHandoffCount() uint64 {
	count := s.nextHandoffCount
	s.nextHandoffCount++
	return count
}

// OurSideID is our stable hash on this session.
func (s *Session) OurSideID() SideID { return s.publicKey.SideID() }

// TheirSideID is the peer's stable hash on this session.
func (s *Session) TheirSideID() SideID { return s.peerKey.SideID() }

// ID is the session identifier both parties derive identically from the
// two session public keys.
func (s *Session) ID() (SessionID, error) {
	if s.publicKey == nil || s.peerKey == nil {
		return SessionID{}, ErrSessionNotStarted
	}
	return DeriveSessionID(s.OurSideID(), s.TheirSideID()), nil
}

// GetBootstrapObject fetches the peer's bootstrap object, caching the
// resolved export. A pipelined fetch returns the unresolved answer
// reference instead and deliberately bypasses the cache.
func (s *Session) GetBootstrapObject(pipeline bool) (Target, error) {
	if !pipeline && s.bootstrap != nil {
		return *s.bootstrap, nil
	}

	op := &OpBootstrap{
		AnswerPos: s.NextAnswer().Position,
		ResolveMe: s.NextImportObject(),
	}
	if err := s.SendMessage(op); err != nil {
		return nil, err
	}
	if pipeline {
		return op.Vow(), nil
	}

	delivery, err := s.ExpectMessageTo([]Target{op.ExportedResolveMe()}, s.cfg.DefaultTimeout)
	if err != nil {
		return nil, err
	}
	args := delivery.DeliveryArgs()
	if len(args) != 2 || !syrup.Equal(args[0], SymbolFulfill) {
		return nil, ErrBadRecordShape
	}
	imported, ok := args[1].(DescImportObject)
	if !ok {
		return nil, ErrBadRecordShape
	}
	export := imported.AsExport()
	s.bootstrap = &export
	return export, nil
}

// FetchObject enlivens a swiss number on the peer's bootstrap object. With
// pipeline set, the returned target is the unresolved answer promise.
func (s *Session) FetchObject(swissNum []byte, pipeline bool) (Target, error) {
	bootstrap, err := s.GetBootstrapObject(pipeline)
	if err != nil {
		return nil, err
	}

	fetch := &OpDeliver{
		To:        bootstrap,
		Args:      []syrup.Value{syrup.Symbol("fetch"), swissNum},
		ResolveMe: s.NextImportObject(),
	}
	if pipeline {
		pos := s.NextAnswer().Position
		fetch.AnswerPos = &pos
	}
	if err := s.SendMessage(fetch); err != nil {
		return nil, err
	}
	if pipeline {
		vow, _ := fetch.Vow()
		return vow, nil
	}

	resolution, err := s.ExpectPromiseResolution(fetch.ExportedResolveMe(), s.cfg.DefaultTimeout)
	if err != nil {
		return nil, err
	}
	if resolution.Broken {
		return nil, &PromiseBroken{Reason: resolution.Value}
	}
	imported, ok := resolution.Value.(DescImportObject)
	if !ok {
		return nil, ErrBadRecordShape
	}
	return imported.AsExport(), nil
}

// ExpectMessageType reads and discards messages until one of type M
// arrives or the timeout expires.
func ExpectMessageType[M Message](s *Session, timeout time.Duration) (M, error) {
	var zero M
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return zero, ErrTimeout
		}
		msg, err := s.ReceiveMessage(remaining)
		if err != nil {
			return zero, err
		}
		if m, ok := msg.(M); ok {
			return m, nil
		}
	}
}

// ExpectMessageTo reads until a delivery addressed to one of the targets
// arrives.
func (s *Session) ExpectMessageTo(targets []Target, timeout time.Duration) (Delivery, error) {
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrTimeout
		}
		delivery, err := ExpectMessageType[Delivery](s, remaining)
		if err != nil {
			return nil, err
		}
		for _, target := range targets {
			if MessagesEqual(delivery.DeliveryTo(), target) {
				return delivery, nil
			}
		}
	}
}

// ExpectPromiseResolution drives the promise follower: it reads
// resolutions delivered to resolveMe, transparently chasing promise links
// with op:listen until a non-promise fulfillment or a break arrives.
func (s *Session) ExpectPromiseResolution(resolveMe DescExport, timeout time.Duration) (*Resolution, error) {
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrTimeout
		}
		delivery, err := s.ExpectMessageTo([]Target{resolveMe}, remaining)
		if err != nil {
			return nil, err
		}

		args := delivery.DeliveryArgs()
		if len(args) != 2 {
			return nil, ErrBadArity
		}
		switch {
		case syrup.Equal(args[0], SymbolBreak):
			return &Resolution{Broken: true, Value: args[1], Last: delivery}, nil
		case syrup.Equal(args[0], SymbolFulfill):
		default:
			return nil, ErrBadRecordShape
		}

		// A promise resolving to another promise chains: listen on the
		// new target and follow its resolve-me instead.
		if promise, ok := args[1].(DescImportPromise); ok {
			listen := &OpListen{
				To:        promise.AsExport(),
				ResolveMe: s.NextImportObject(),
			}
			if err := s.SendMessage(listen); err != nil {
				return nil, err
			}
			resolveMe = listen.ExportedResolveMe()
			continue
		}

		return &Resolution{Value: args[1], Last: delivery}, nil
	}
}

// CrossedHellosLoser resolves simultaneous hellos: given our outbound and
// inbound connections to the same peer, it returns the session whose
// locally-assigned side-ID sorts first, which both participants
// independently agree must be aborted with reason crossed-hellos.
func CrossedHellosLoser(outbound, inbound *Session) *Session {
	ours := outbound.OurSideID()
	theirs := inbound.TheirSideID()
	if bytes.Compare(ours[:], theirs[:]) < 0 {
		return outbound
	}
	return inbound
}
