/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023-2025 OCapN Authors. All Rights Reserved.
 */

package suite

import (
	"github.com/pkg/errors"

	"github.com/ocapn/ocapn-test-suite-go/captp"
)

func abortScenarios() []Scenario {
	return []Scenario{
		{Name: "abort/before-setup", Run: runAbortBeforeSetup},
		{Name: "abort/after-setup", Run: runAbortAfterSetup},
	}
}

// expectUnusable sends a bootstrap and insists nothing comes back on it.
func expectUnusable(session *captp.Session) error {
	op := &captp.OpBootstrap{AnswerPos: 0, ResolveMe: captp.DescImportObject{Position: 0}}
	if err := session.SendMessage(op); err != nil {
		// A rejected write is exactly what an aborted session looks like.
		return nil
	}
	_, err := session.ExpectMessageTo([]captp.Target{op.ExportedResolveMe()}, shortTimeout)
	switch {
	case err == nil:
		return errors.New("aborted session answered a bootstrap")
	case errors.Is(err, captp.ErrTimeout), errors.Is(err, captp.ErrConnectionClosed),
		errors.Is(err, captp.ErrSessionAborted):
		return nil
	}
	return err
}

// Aborting before the handshake completes kills the nascent session.
func runAbortBeforeSetup(t *T) error {
	session, err := t.ConnectRaw()
	if err != nil {
		return err
	}
	if err := session.SendMessage(&captp.OpAbort{Reason: "test-abort-before-setup"}); err != nil {
		return err
	}
	// The handshake may or may not complete depending on how fast the
	// abort lands; either way the session must be dead afterwards.
	if err := session.Handshake(); err != nil {
		return nil
	}
	return expectUnusable(session)
}

// Aborting an established session renders it unusable.
func runAbortAfterSetup(t *T) error {
	session, err := t.Connect()
	if err != nil {
		return err
	}
	if err := session.SendMessage(&captp.OpAbort{Reason: "test-abort-after-setup"}); err != nil {
		return err
	}
	return expectUnusable(session)
}
