/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023-2025 OCapN Authors. All Rights Reserved.
 */

package suite

import (
	"crypto/ed25519"

	"github.com/pkg/errors"

	"github.com/ocapn/ocapn-test-suite-go/captp"
)

func startSessionScenarios() []Scenario {
	return []Scenario{
		{Name: "start-session/remote-hello-valid", Run: runRemoteHelloValid},
		{Name: "start-session/invalid-version-aborts", Run: runInvalidVersion},
		{Name: "start-session/invalid-signature-aborts", Run: runInvalidSignature},
		{Name: "start-session/duplicate-session-aborts", Run: runDuplicateSession},
	}
}

// The peer sends a well-formed op:start-session whose location signature
// verifies under the key it supplies.
func runRemoteHelloValid(t *T) error {
	session, err := t.ConnectRaw()
	if err != nil {
		return err
	}

	hello, err := captp.ExpectMessageType[*captp.OpStartSession](session, shortTimeout)
	if err != nil {
		return errors.Wrap(err, "waiting for the peer's op:start-session")
	}
	if !hello.Verify() {
		return errors.New("peer location signature does not verify")
	}
	return nil
}

// craftedHello builds an op:start-session with our own keypair, letting
// scenarios corrupt individual fields before sending.
func craftedHello(t *T, version string) (*captp.OpStartSession, ed25519.PrivateKey, error) {
	publicKey, privateKey, err := captp.GenerateKeypair()
	if err != nil {
		return nil, nil, err
	}
	signed, err := captp.LocationSignatureBytes(t.Netlayer.Location())
	if err != nil {
		return nil, nil, err
	}
	return &captp.OpStartSession{
		Version:     version,
		SessionKey:  publicKey,
		Location:    t.Netlayer.Location(),
		LocationSig: ed25519.Sign(privateKey, signed),
	}, privateKey, nil
}

// A mismatched captp-version must draw op:abort.
func runInvalidVersion(t *T) error {
	session, err := t.ConnectRaw()
	if err != nil {
		return err
	}
	if _, err := captp.ExpectMessageType[*captp.OpStartSession](session, shortTimeout); err != nil {
		return errors.Wrap(err, "waiting for the peer's op:start-session")
	}

	hello, _, err := craftedHello(t, "invalid-version-number")
	if err != nil {
		return err
	}
	if err := session.SendMessage(hello); err != nil {
		return err
	}

	if _, err := captp.ExpectMessageType[*captp.OpAbort](session, shortTimeout); err != nil {
		return errors.Wrap(err, "waiting for op:abort")
	}
	return nil
}

// A location signature over the wrong bytes must draw op:abort and a
// closed transport.
func runInvalidSignature(t *T) error {
	session, err := t.ConnectRaw()
	if err != nil {
		return err
	}
	theirs, err := captp.ExpectMessageType[*captp.OpStartSession](session, shortTimeout)
	if err != nil {
		return errors.Wrap(err, "waiting for the peer's op:start-session")
	}

	hello, privateKey, err := craftedHello(t, theirs.Version)
	if err != nil {
		return err
	}
	hello.LocationSig = ed25519.Sign(privateKey, []byte("i am invalid"))
	if err := session.SendMessage(hello); err != nil {
		return err
	}

	_, err = captp.ExpectMessageType[*captp.OpAbort](session, shortTimeout)
	if errors.Is(err, captp.ErrConnectionClosed) {
		// Closing without the courtesy abort is also a rejection.
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "waiting for op:abort")
	}
	// After the abort the peer must close the transport.
	if _, err := session.ReceiveMessage(shortTimeout); !errors.Is(err, captp.ErrConnectionClosed) {
		return errors.Errorf("transport still open after op:abort (read returned %v)", err)
	}
	return nil
}

// A second live session from the same party must be rejected, and the
// first must keep working.
func runDuplicateSession(t *T) error {
	first, err := t.Connect()
	if err != nil {
		return err
	}
	second, err := t.ConnectRaw()
	if err != nil {
		return err
	}

	if err := second.Handshake(); err == nil {
		// The peer accepted the handshake; the rejection must follow as
		// an abort on the duplicate connection.
		_, err := captp.ExpectMessageType[*captp.OpAbort](second, shortTimeout)
		if err != nil && !errors.Is(err, captp.ErrConnectionClosed) {
			return errors.Wrap(err, "waiting for op:abort on the duplicate session")
		}
	} else if !errors.Is(err, captp.ErrSessionAborted) && !errors.Is(err, captp.ErrConnectionClosed) {
		return errors.Wrap(err, "duplicate handshake")
	}

	// The original session must still answer a bootstrap.
	if _, err := first.GetBootstrapObject(false); err != nil {
		return errors.Wrap(err, "first session became unusable")
	}
	return nil
}
