/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023-2025 OCapN Authors. All Rights Reserved.
 */

package captp

import (
	"crypto/ed25519"
	"fmt"

	"github.com/google/uuid"
	"github.com/ocapn/ocapn-test-suite-go/syrup"
)

// Bootstrap verbs of the three-party rendezvous.
const (
	SymbolDepositGift  = syrup.Symbol("deposit-gift")
	SymbolWithdrawGift = syrup.Symbol("withdraw-gift")
)

// NewGiftID returns fresh unguessable bytes naming a gift.
func NewGiftID() []byte {
	id := uuid.New()
	return []byte(id.String())
}

// SignEnvelope signs the canonical encoding of object's wire form and
// wraps both in a sig-envelope.
func SignEnvelope(object syrup.Value, priv ed25519.PrivateKey) (*DescSigEnvelope, error) {
	envelope := &DescSigEnvelope{Object: object}
	data, err := envelope.SignedBytes()
	if err != nil {
		return nil, err
	}
	envelope.Signature = ed25519.Sign(priv, data)
	return envelope, nil
}

// NewHandoffGive constructs the gift the gifter sends to the receiver: it
// names the receiver's key on the gifter-receiver session, the exporter's
// location, and the gifter's identity on the gifter-exporter session the
// gift is deposited over. The session receiver is the gifter-exporter
// session.
func (s *Session) NewHandoffGive(receiverKey *PublicKey, giftID []byte) (*DescHandoffGive, error) {
	sessionID, err := s.ID()
	if err != nil {
		return nil, err
	}
	if giftID == nil {
		giftID = NewGiftID()
	}
	side := s.OurSideID()
	return &DescHandoffGive{
		ReceiverKey:      receiverKey,
		ExporterLocation: s.peerLocation,
		SessionID:        sessionID[:],
		GifterSideID:     side[:],
		GiftID:           giftID,
	}, nil
}

// NewHandoffReceive constructs the withdrawal request for a signed give,
// drawing the session's monotone handoff count. The session receiver is
// the receiver-exporter session.
func (s *Session) NewHandoffReceive(signedGive *DescSigEnvelope) (*DescHandoffReceive, error) {
	sessionID, err := s.ID()
	if err != nil {
		return nil, err
	}
	side := s.OurSideID()
	return &DescHandoffReceive{
		ReceivingSessionID: sessionID[:],
		ReceivingSideID:    side[:],
		HandoffCount:       s.NextHandoffCount(),
		SignedGive:         signedGive,
	}, nil
}

// HandoffCounts is the exporter-side replay ledger: per gift pathway, a
// withdrawal's handoff count must be strictly greater than every count
// seen before it.
type HandoffCounts struct {
	last map[string]uint64
}

func NewHandoffCounts() *HandoffCounts {
	return &HandoffCounts{last: make(map[string]uint64)}
}

// Advance records count for the pathway, failing on any count that does
// not strictly advance it.
func (h *HandoffCounts) Advance(pathway []byte, count uint64) error {
	key := string(pathway)
	if last, seen := h.last[key]; seen && count <= last {
		return fmt.Errorf("%w: count %d after %d", ErrReplayedHandoff, count, last)
	}
	h.last[key] = count
	return nil
}

// VerifyHandoffReceive performs the exporter's checks on a withdraw-gift
// argument: both envelope layers, the session binding, and the replay
// ledger. gifterKey is the key the gifter committed to on the
// gifter-exporter session; gifterSessionID is that session's identifier
// as the exporter knows it.
func VerifyHandoffReceive(envelope *DescSigEnvelope, gifterKey *PublicKey, gifterSessionID []byte, counts *HandoffCounts) (*DescHandoffReceive, error) {
	receive, ok := envelope.Object.(*DescHandoffReceive)
	if !ok {
		return nil, fmt.Errorf("%w: envelope does not wrap a handoff-receive", ErrBadRecordShape)
	}
	give, ok := receive.Give()
	if !ok {
		return nil, fmt.Errorf("%w: signed-give does not wrap a handoff-give", ErrBadRecordShape)
	}

	if !envelope.Verify(give.ReceiverKey) {
		return nil, fmt.Errorf("%w: handoff-receive signature", ErrSignatureInvalid)
	}
	if !receive.SignedGive.Verify(gifterKey) {
		return nil, fmt.Errorf("%w: handoff-give signature", ErrSignatureInvalid)
	}
	if !syrup.Equal(give.SessionID, gifterSessionID) {
		return nil, fmt.Errorf("%w: handoff-give names a different gifter session", ErrSignatureInvalid)
	}
	if counts != nil {
		if err := counts.Advance(give.ReceiverKey.Encoded(), receive.HandoffCount); err != nil {
			return nil, err
		}
	}
	return receive, nil
}

// DepositGift builds the deliver-only that parks a gift at the exporter.
// The gift is whichever reference descriptor names the object on the
// gifter-exporter session.
func DepositGift(exporterBootstrap Target, giftID []byte, gift syrup.Value) *OpDeliverOnly {
	return &OpDeliverOnly{
		To:   exporterBootstrap,
		Args: []syrup.Value{SymbolDepositGift, giftID, gift},
	}
}

// WithdrawGift builds the deliver that redeems a signed handoff-receive at
// the exporter's bootstrap, resolving to an import of the gifted object.
func WithdrawGift(exporterBootstrap Target, signedReceive *DescSigEnvelope, resolveMe DescImport) *OpDeliver {
	return &OpDeliver{
		To:        exporterBootstrap,
		Args:      []syrup.Value{SymbolWithdrawGift, signedReceive},
		ResolveMe: resolveMe,
	}
}
