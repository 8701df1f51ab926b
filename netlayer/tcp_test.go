/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023-2025 OCapN Authors. All Rights Reserved.
 */

package netlayer

import (
	"errors"
	"testing"
	"time"

	"github.com/ocapn/ocapn-test-suite-go/captp"
	"github.com/ocapn/ocapn-test-suite-go/syrup"
)

func assertNil(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func testTCP(t *testing.T) *TCP {
	t.Helper()
	nl, err := NewTCP("127.0.0.1", DefaultTCPPort, nil, nil)
	assertNil(t, err)
	t.Cleanup(func() { nl.Shutdown() })
	return nl
}

func TestTCPConnectAccept(t *testing.T) {
	a := testTCP(t)
	b := testTCP(t)

	accepted := make(chan *captp.Session, 1)
	errs := make(chan error, 1)
	go func() {
		s, err := b.Accept(5 * time.Second)
		if err != nil {
			errs <- err
			return
		}
		accepted <- s
	}()

	outbound, err := a.Connect(b.Location())
	assertNil(t, err)
	assertNil(t, outbound.SendMessage(&captp.OpAbort{Reason: "ping"}))

	var inbound *captp.Session
	select {
	case inbound = <-accepted:
	case err := <-errs:
		t.Fatal(err)
	}
	msg, err := inbound.ReceiveMessage(5 * time.Second)
	assertNil(t, err)
	abort, ok := msg.(*captp.OpAbort)
	if !ok || abort.Reason != "ping" {
		t.Fatalf("received %v", msg)
	}
}

// Two netlayers on one host prove the autoport scan: the second must move
// past the first's port.
func TestTCPAutoport(t *testing.T) {
	a := testTCP(t)
	b := testTCP(t)
	if a.Location().Designator == b.Location().Designator {
		t.Fatalf("both listeners claim %s", a.Location())
	}
}

func TestTCPAcceptTimeout(t *testing.T) {
	a := testTCP(t)
	_, err := a.Accept(50 * time.Millisecond)
	if !errors.Is(err, captp.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestTCPReceiveTimeoutLeavesSessionUsable(t *testing.T) {
	a := testTCP(t)
	b := testTCP(t)

	accepted := make(chan *captp.Session, 1)
	go func() {
		s, err := b.Accept(5 * time.Second)
		if err == nil {
			accepted <- s
		}
	}()
	outbound, err := a.Connect(b.Location())
	assertNil(t, err)
	inbound := <-accepted

	_, err = outbound.ReceiveMessage(50 * time.Millisecond)
	if !errors.Is(err, captp.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	// A frame sent after the timeout still arrives.
	assertNil(t, inbound.SendMessage(&captp.OpGcAnswer{AnswerPos: 3}))
	msg, err := outbound.ReceiveMessage(5 * time.Second)
	assertNil(t, err)
	if gc, ok := msg.(*captp.OpGcAnswer); !ok || gc.AnswerPos != 3 {
		t.Fatalf("received %v", msg)
	}
}

func TestTCPFramesSelfSynchronize(t *testing.T) {
	a := testTCP(t)
	b := testTCP(t)

	accepted := make(chan *captp.Session, 1)
	go func() {
		s, err := b.Accept(5 * time.Second)
		if err == nil {
			accepted <- s
		}
	}()
	outbound, err := a.Connect(b.Location())
	assertNil(t, err)
	inbound := <-accepted

	// Several frames written back to back parse one at a time.
	for i := uint64(0); i < 5; i++ {
		assertNil(t, inbound.SendMessage(&captp.OpGcExport{ExportPos: i, WireDelta: 1}))
	}
	for i := uint64(0); i < 5; i++ {
		msg, err := outbound.ReceiveMessage(5 * time.Second)
		assertNil(t, err)
		gc, ok := msg.(*captp.OpGcExport)
		if !ok || gc.ExportPos != i {
			t.Fatalf("frame %d arrived as %v", i, msg)
		}
	}
}

func TestTCPRejectsForeignTransport(t *testing.T) {
	a := testTCP(t)
	foreign := a.Location()
	peer := *foreign
	peer.Transport = syrup.Symbol("onion")
	if _, err := a.Connect(&peer); err == nil {
		t.Fatal("tcp netlayer dialed an onion locator")
	}
}
