/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023-2025 OCapN Authors. All Rights Reserved.
 */

package suite

import (
	"crypto/ed25519"
	"crypto/sha256"
	"time"

	"github.com/pkg/errors"

	"github.com/ocapn/ocapn-test-suite-go/captp"
	"github.com/ocapn/ocapn-test-suite-go/ocapn"
	"github.com/ocapn/ocapn-test-suite-go/syrup"
)

func handoffScenarios() []Scenario {
	return []Scenario{
		{Name: "handoff/remote-as-receiver", Run: runHandoffRemoteAsReceiver},
		{Name: "handoff/remote-as-exporter", Run: runHandoffRemoteAsExporter},
		{Name: "handoff/remote-as-exporter-deposit-later", Run: runHandoffDepositLater},
		{Name: "handoff/remote-as-exporter-replayed-count", Run: runHandoffReplayedCount},
		{Name: "handoff/remote-as-exporter-invalid-signature", Run: runHandoffInvalidSignature},
		{Name: "handoff/remote-as-gifter", Run: runHandoffRemoteAsGifter},
	}
}

// mimicKeypair stands in for one direction of a session the suite does
// not actually hold.
func mimicKeypair() (*captp.PublicKey, ed25519.PrivateKey, error) {
	return captp.GenerateKeypair()
}

// The peer is the receiver: we gift it an object held at our second
// netlayer, and it must come withdraw it from us.
func runHandoffRemoteAsReceiver(t *T) error {
	g2r, err := t.Connect()
	if err != nil {
		return err
	}
	greeter, err := g2r.FetchObject(SwissGreeter, false)
	if err != nil {
		return err
	}
	exporter, err := t.SecondNetlayer()
	if err != nil {
		return err
	}

	// We play both gifter and exporter; the gifter-exporter session is
	// mimicked, so its identifiers are arbitrary known bytes.
	_, g2ePriv, err := mimicKeypair()
	if err != nil {
		return err
	}
	g2eSessionID := sha256.Sum256([]byte("Gifter <-> exporter session ID"))
	gifterSideID := sha256.Sum256([]byte("Gifter side ID"))

	give := &captp.DescHandoffGive{
		ReceiverKey:      g2r.PeerKey(),
		ExporterLocation: exporter.Location(),
		SessionID:        g2eSessionID[:],
		GifterSideID:     gifterSideID[:],
		GiftID:           []byte("my-gift"),
	}
	signedGive, err := captp.SignEnvelope(give, g2ePriv)
	if err != nil {
		return err
	}

	if err := g2r.SendMessage(&captp.OpDeliverOnly{
		To:   greeter,
		Args: []syrup.Value{signedGive},
	}); err != nil {
		return err
	}

	// The receiver connects to the exporter location from the give.
	e2r, err := exporter.Accept(longTimeout)
	if err != nil {
		return errors.Wrap(err, "waiting for the receiver to connect")
	}
	if err := e2r.Handshake(); err != nil {
		return errors.Wrap(err, "exporter-receiver handshake")
	}

	theirBootstrap, err := captp.ExpectMessageType[*captp.OpBootstrap](e2r, longTimeout)
	if err != nil {
		return errors.Wrap(err, "waiting for the receiver's op:bootstrap")
	}
	ourBootstrap := e2r.NextImportObject()
	if err := e2r.SendMessage(&captp.OpDeliverOnly{
		To:   theirBootstrap.ExportedResolveMe(),
		Args: []syrup.Value{captp.SymbolFulfill, ourBootstrap},
	}); err != nil {
		return err
	}

	withdraw, err := e2r.ExpectMessageTo(
		[]captp.Target{ourBootstrap.AsExport(), theirBootstrap.Vow()}, longTimeout)
	if err != nil {
		return errors.Wrap(err, "waiting for withdraw-gift")
	}
	args := withdraw.DeliveryArgs()
	if len(args) < 2 {
		return errors.Errorf("withdraw-gift arity %d", len(args))
	}
	if err := expectEqual(args[0], captp.SymbolWithdrawGift, "withdraw verb"); err != nil {
		return err
	}
	signedReceive, ok := args[1].(*captp.DescSigEnvelope)
	if !ok {
		return errors.Errorf("withdraw-gift carried %T, want a sig-envelope", args[1])
	}
	receive, ok := signedReceive.Object.(*captp.DescHandoffReceive)
	if !ok {
		return errors.Errorf("sig-envelope wraps %T, want a handoff-receive", signedReceive.Object)
	}

	innerGive, ok := receive.Give()
	if !ok {
		return errors.New("handoff-receive carries no handoff-give")
	}
	if !captp.MessagesEqual(innerGive, give) {
		return errors.New("handoff-receive does not carry our original give")
	}
	if !signedReceive.Verify(innerGive.ReceiverKey) {
		return errors.New("handoff-receive signature does not verify under the receiver key")
	}

	e2rID, err := e2r.ID()
	if err != nil {
		return err
	}
	return expectEqual(receive.ReceivingSessionID, e2rID[:], "receiving-session")
}

// exporterFixture is the shared setup when the peer plays the exporter:
// a gifter session, a receiver session from the second netlayer, and a
// mimicked gifter-receiver key pair.
type exporterFixture struct {
	g2e, r2e          *captp.Session
	r2gPub            *captp.PublicKey
	r2gPriv           ed25519.PrivateKey
	greeter           captp.Target
	gifterBootstrap   captp.Target
	receiverBootstrap captp.Target
}

func setupExporterFixture(t *T) (*exporterFixture, error) {
	g2e, err := t.Connect()
	if err != nil {
		return nil, err
	}
	second, err := t.SecondNetlayer()
	if err != nil {
		return nil, err
	}
	r2e, err := second.Connect(t.Peer)
	if err != nil {
		return nil, errors.Wrap(err, "receiver connect")
	}
	t.track(r2e)
	if err := r2e.Handshake(); err != nil {
		return nil, errors.Wrap(err, "receiver handshake")
	}

	r2gPub, r2gPriv, err := mimicKeypair()
	if err != nil {
		return nil, err
	}
	greeter, err := g2e.FetchObject(SwissGreeter, false)
	if err != nil {
		return nil, err
	}
	gifterBootstrap, err := g2e.GetBootstrapObject(false)
	if err != nil {
		return nil, err
	}
	receiverBootstrap, err := r2e.GetBootstrapObject(false)
	if err != nil {
		return nil, err
	}
	return &exporterFixture{
		g2e:               g2e,
		r2e:               r2e,
		r2gPub:            r2gPub,
		r2gPriv:           r2gPriv,
		greeter:           greeter,
		gifterBootstrap:   gifterBootstrap,
		receiverBootstrap: receiverBootstrap,
	}, nil
}

func (f *exporterFixture) makeSignedGive(t *T, giftID []byte) (*captp.DescSigEnvelope, error) {
	give, err := f.g2e.NewHandoffGive(f.r2gPub, giftID)
	if err != nil {
		return nil, err
	}
	// The exporter location inside the give is the peer we are testing.
	give.ExporterLocation = t.Peer
	return captp.SignEnvelope(give, f.g2e.PrivateKey())
}

func (f *exporterFixture) makeSignedReceive(signedGive *captp.DescSigEnvelope) (*captp.DescSigEnvelope, error) {
	receive, err := f.r2e.NewHandoffReceive(signedGive)
	if err != nil {
		return nil, err
	}
	return captp.SignEnvelope(receive, f.r2gPriv)
}

// depositGift parks the greeter reference at the exporter under giftID.
func (f *exporterFixture) depositGift(giftID []byte) error {
	return f.g2e.SendMessage(captp.DepositGift(f.gifterBootstrap, giftID, f.greeter))
}

func (f *exporterFixture) withdraw(signedReceive *captp.DescSigEnvelope) (*captp.OpDeliver, error) {
	msg := captp.WithdrawGift(f.receiverBootstrap, signedReceive, f.r2e.NextImportObject())
	if err := f.r2e.SendMessage(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Valid handoff with the gift already deposited resolves to an import of
// the gifted object.
func runHandoffRemoteAsExporter(t *T) error {
	f, err := setupExporterFixture(t)
	if err != nil {
		return err
	}
	signedGive, err := f.makeSignedGive(t, []byte("my-gift"))
	if err != nil {
		return err
	}
	give := signedGive.Object.(*captp.DescHandoffGive)

	if err := f.depositGift(give.GiftID); err != nil {
		return err
	}

	signedReceive, err := f.makeSignedReceive(signedGive)
	if err != nil {
		return err
	}
	withdrawMsg, err := f.withdraw(signedReceive)
	if err != nil {
		return err
	}

	res, err := f.r2e.ExpectPromiseResolution(withdrawMsg.ExportedResolveMe(), longTimeout)
	if err != nil {
		return err
	}
	value, err := fulfilled(res)
	if err != nil {
		return err
	}
	if _, ok := value.(captp.DescImportObject); !ok {
		return errors.Errorf("withdraw resolved to %T, want desc:import-object", value)
	}
	return nil
}

// Withdrawing before the deposit yields a promise that resolves once the
// deposit lands, observed through op:listen with wants-partial.
func runHandoffDepositLater(t *T) error {
	f, err := setupExporterFixture(t)
	if err != nil {
		return err
	}
	signedGive, err := f.makeSignedGive(t, []byte("my-gift"))
	if err != nil {
		return err
	}
	give := signedGive.Object.(*captp.DescHandoffGive)

	signedReceive, err := f.makeSignedReceive(signedGive)
	if err != nil {
		return err
	}
	withdrawMsg, err := f.withdraw(signedReceive)
	if err != nil {
		return err
	}

	// Without the deposit, the exporter can only answer with a promise.
	vowDelivery, err := f.r2e.ExpectMessageTo(
		[]captp.Target{withdrawMsg.ExportedResolveMe()}, longTimeout)
	if err != nil {
		return errors.Wrap(err, "waiting for the withdraw vow")
	}
	head, pending, err := resolutionHead(vowDelivery)
	if err != nil {
		return err
	}
	if head != captp.SymbolFulfill {
		return errors.Errorf("withdraw vow resolved with %v", head)
	}
	promise, ok := pending.(captp.DescImportPromise)
	if !ok {
		return errors.Errorf("withdraw answered with %T, want desc:import-promise", pending)
	}

	if err := f.depositGift(give.GiftID); err != nil {
		return err
	}

	notifyAt, err := listenOn(f.r2e, promise.AsExport(), true)
	if err != nil {
		return err
	}
	res, err := f.r2e.ExpectPromiseResolution(notifyAt, longTimeout)
	if err != nil {
		return err
	}
	value, err := fulfilled(res)
	if err != nil {
		return err
	}
	if _, ok := value.(captp.DescImportObject); !ok {
		return errors.Errorf("gift promise resolved to %T, want desc:import-object", value)
	}
	return nil
}

// A handoff count used twice must break the second withdrawal.
func runHandoffReplayedCount(t *T) error {
	f, err := setupExporterFixture(t)
	if err != nil {
		return err
	}
	signedGive, err := f.makeSignedGive(t, []byte("my-gift"))
	if err != nil {
		return err
	}
	give := signedGive.Object.(*captp.DescHandoffGive)

	if err := f.depositGift(give.GiftID); err != nil {
		return err
	}

	signedReceive, err := f.makeSignedReceive(signedGive)
	if err != nil {
		return err
	}
	withdrawMsg, err := f.withdraw(signedReceive)
	if err != nil {
		return err
	}
	res, err := f.r2e.ExpectPromiseResolution(withdrawMsg.ExportedResolveMe(), longTimeout)
	if err != nil {
		return err
	}
	if _, err := fulfilled(res); err != nil {
		return errors.Wrap(err, "first withdrawal")
	}

	// Deposit again and replay the same signed receive, same count.
	if err := f.depositGift(give.GiftID); err != nil {
		return err
	}
	replay := captp.WithdrawGift(f.receiverBootstrap, signedReceive, f.r2e.NextImportObject())
	if err := f.r2e.SendMessage(replay); err != nil {
		return err
	}
	res, err = f.r2e.ExpectPromiseResolution(replay.ExportedResolveMe(), longTimeout)
	if err != nil {
		return err
	}
	return broken(res)
}

// A handoff-receive with a corrupted outer signature must break.
func runHandoffInvalidSignature(t *T) error {
	f, err := setupExporterFixture(t)
	if err != nil {
		return err
	}
	signedGive, err := f.makeSignedGive(t, []byte("my-gift"))
	if err != nil {
		return err
	}
	give := signedGive.Object.(*captp.DescHandoffGive)

	if err := f.depositGift(give.GiftID); err != nil {
		return err
	}

	signedReceive, err := f.makeSignedReceive(signedGive)
	if err != nil {
		return err
	}
	signedReceive.Signature = ed25519.Sign(f.r2gPriv, []byte("this signature is invalid"))

	withdrawMsg, err := f.withdraw(signedReceive)
	if err != nil {
		return err
	}
	res, err := f.r2e.ExpectPromiseResolution(withdrawMsg.ExportedResolveMe(), longTimeout)
	if err != nil {
		return err
	}
	return broken(res)
}

// The peer is the gifter: asked to enliven a sturdyref at our mimicked
// exporter, it must fetch the object from us, deposit the gift, and hand
// the receiver a valid signed handoff-give.
func runHandoffRemoteAsGifter(t *T) error {
	r2g, err := t.Connect()
	if err != nil {
		return err
	}
	second, err := t.SecondNetlayer()
	if err != nil {
		return err
	}
	e2g, err := second.Connect(t.Peer)
	if err != nil {
		return errors.Wrap(err, "exporter connect")
	}
	t.track(e2g)
	if err := e2g.Handshake(); err != nil {
		return errors.Wrap(err, "exporter handshake")
	}

	enlivener, err := r2g.FetchObject(SwissSturdyrefEnlivener, false)
	if err != nil {
		return err
	}

	sturdyref := &ocapn.Sturdyref{
		Peer:     e2g.Location(),
		SwissNum: captp.NewGiftID(),
	}
	enliven := &captp.OpDeliver{
		To:        enlivener,
		Args:      []syrup.Value{sturdyref},
		ResolveMe: r2g.NextImportObject(),
	}
	if err := r2g.SendMessage(enliven); err != nil {
		return err
	}

	// The gifter asks the mimicked exporter for its bootstrap.
	ourBootstrap := e2g.NextImportObject()
	bootstrapOp, err := captp.ExpectMessageType[*captp.OpBootstrap](e2g, longTimeout)
	if err != nil {
		return errors.Wrap(err, "waiting for the gifter's op:bootstrap")
	}
	if err := e2g.SendMessage(&captp.OpDeliverOnly{
		To:   bootstrapOp.ExportedResolveMe(),
		Args: []syrup.Value{captp.SymbolFulfill, ourBootstrap},
	}); err != nil {
		return err
	}

	// Then fetches the sturdyref's swiss number from us.
	fetchMsg, err := e2g.ExpectMessageTo(
		[]captp.Target{ourBootstrap.AsExport(), bootstrapOp.Vow()}, longTimeout)
	if err != nil {
		return errors.Wrap(err, "waiting for the gifter's fetch")
	}
	fetchDeliver, ok := fetchMsg.(*captp.OpDeliver)
	if !ok {
		return errors.Errorf("fetch arrived as %T, want op:deliver", fetchMsg)
	}
	fetchArgs := fetchDeliver.DeliveryArgs()
	if len(fetchArgs) != 2 {
		return errors.Errorf("fetch arity %d", len(fetchArgs))
	}
	if err := expectEqual(fetchArgs[0], syrup.Symbol("fetch"), "fetch verb"); err != nil {
		return err
	}
	if err := expectEqual(fetchArgs[1], sturdyref.SwissNum, "fetched swiss number"); err != nil {
		return err
	}
	if err := e2g.SendMessage(&captp.OpDeliverOnly{
		To:   fetchDeliver.ExportedResolveMe(),
		Args: []syrup.Value{captp.SymbolFulfill, e2g.NextImportObject()},
	}); err != nil {
		return err
	}

	// The deposit-gift at us and the handoff-give to the receiver can
	// land in either order; poll both until both have arrived.
	var depositMsg captp.Delivery
	var giveRes *captp.Resolution
	deadline := time.Now().Add(longTimeout)
	for depositMsg == nil || giveRes == nil {
		if time.Now().After(deadline) {
			return errors.Wrap(captp.ErrTimeout, "waiting for deposit-gift and handoff-give")
		}
		if depositMsg == nil {
			msg, err := e2g.ExpectMessageTo([]captp.Target{ourBootstrap.AsExport()}, 5*time.Second)
			if err == nil {
				depositMsg = msg
			} else if !errors.Is(err, captp.ErrTimeout) {
				return err
			}
		}
		if giveRes == nil {
			res, err := r2g.ExpectPromiseResolution(enliven.ExportedResolveMe(), 5*time.Second)
			if err == nil {
				giveRes = res
			} else if !errors.Is(err, captp.ErrTimeout) {
				return err
			}
		}
	}

	depositArgs := depositMsg.DeliveryArgs()
	if len(depositArgs) < 2 {
		return errors.Errorf("deposit-gift arity %d", len(depositArgs))
	}
	if err := expectEqual(depositArgs[0], captp.SymbolDepositGift, "deposit verb"); err != nil {
		return err
	}
	depositedGiftID, ok := depositArgs[1].([]byte)
	if !ok {
		return errors.Errorf("gift id is %T, want bytes", depositArgs[1])
	}

	value, err := fulfilled(giveRes)
	if err != nil {
		return err
	}
	signedGive, ok := value.(*captp.DescSigEnvelope)
	if !ok {
		return errors.Errorf("enliven resolved to %T, want a sig-envelope", value)
	}
	give, ok := signedGive.Object.(*captp.DescHandoffGive)
	if !ok {
		return errors.Errorf("sig-envelope wraps %T, want a handoff-give", signedGive.Object)
	}

	if !give.ReceiverKey.Equal(r2g.PublicKey()) {
		return errors.New("handoff-give receiver key is not our key on the receiver session")
	}
	if !give.ExporterLocation.Equal(e2g.Location()) {
		return errors.New("handoff-give exporter location is not our mimicked exporter")
	}
	e2gID, err := e2g.ID()
	if err != nil {
		return err
	}
	if err := expectEqual(give.SessionID, e2gID[:], "handoff-give session"); err != nil {
		return err
	}
	gifterSide := e2g.TheirSideID()
	if err := expectEqual(give.GifterSideID, gifterSide[:], "handoff-give gifter side"); err != nil {
		return err
	}
	return expectEqual(give.GiftID, depositedGiftID, "gift id")
}
