/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023-2025 OCapN Authors. All Rights Reserved.
 */

// Package netlayer implements the pluggable OCapN transports. A netlayer
// dials and accepts CapTP sessions; the protocol layer sits strictly above
// this surface and never touches sockets.
package netlayer

import (
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/ocapn/ocapn-test-suite-go/captp"
	"github.com/ocapn/ocapn-test-suite-go/ocapn"
	"github.com/ocapn/ocapn-test-suite-go/syrup"
)

// A Netlayer owns a listener and mints sessions in both directions.
type Netlayer interface {
	// Connect dials the peer and returns an outbound, un-handshaken
	// session. It blocks until the transport handshake completes.
	Connect(peer *ocapn.Peer) (*captp.Session, error)

	// Accept blocks until an inbound connection arrives.
	Accept(timeout time.Duration) (*captp.Session, error)

	// Location is the self-identifier embedded in op:start-session.
	Location() *ocapn.Peer

	// Shutdown releases the listener and every owned connection.
	Shutdown() error
}

// Conn frames Syrup values over a stream connection. Frames carry no
// length prefix; the codec's self-synchronizing form delimits them, and
// the decoder's buffer persists across frames.
type Conn struct {
	conn net.Conn
	dec  *syrup.Decoder
}

var _ captp.MessageConn = (*Conn)(nil)

// NewConn wraps an established stream connection.
func NewConn(c net.Conn, cfg *captp.Config) *Conn {
	dec := syrup.NewDecoder(c)
	if cfg != nil {
		dec.ConvertSingleFloats(cfg.ConvertSingleFloats)
	}
	return &Conn{conn: c, dec: dec}
}

// SendMessage writes one value as one frame.
func (c *Conn) SendMessage(v syrup.Value) error {
	encoded, err := syrup.Encode(v)
	if err != nil {
		return err
	}
	if _, err := c.conn.Write(encoded); err != nil {
		return errors.Wrap(transportError(err), "send")
	}
	return nil
}

// ReceiveMessage reads exactly one frame, failing with captp.ErrTimeout
// when the deadline passes. The session remains usable after a timeout
// that strikes between frames.
func (c *Conn) ReceiveMessage(timeout time.Duration) (syrup.Value, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	v, err := c.dec.Decode()
	if err != nil {
		return nil, transportError(err)
	}
	return v, nil
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

// transportError folds net-level failures into the protocol taxonomy.
func transportError(err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return captp.ErrTimeout
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, syrup.ErrUnexpectedEOF) {
		return captp.ErrConnectionClosed
	}
	return err
}
