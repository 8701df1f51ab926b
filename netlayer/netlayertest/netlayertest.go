/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023-2025 OCapN Authors. All Rights Reserved.
 */

// Package netlayertest provides in-memory netlayers for tests: two
// cross-wired endpoints exchanging whole encoded frames over buffered
// channels, with no sockets involved.
package netlayertest

import (
	"bytes"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ocapn/ocapn-test-suite-go/captp"
	"github.com/ocapn/ocapn-test-suite-go/netlayer"
	"github.com/ocapn/ocapn-test-suite-go/ocapn"
	"github.com/ocapn/ocapn-test-suite-go/syrup"
)

const frameBuffer = 256

// ChannelNetlayer is one endpoint of a NewChannelNetlayers pair.
type ChannelNetlayer struct {
	location *ocapn.Peer
	cfg      *captp.Config
	peer     *ChannelNetlayer
	incoming chan *channelConn
	closed   chan struct{}
}

var _ netlayer.Netlayer = (*ChannelNetlayer)(nil)

var pairCounter atomic.Uint64

// NewChannelNetlayers returns two connected in-memory netlayers. Either
// side may Connect; the other observes it via Accept. Locations are
// unique across pairs.
func NewChannelNetlayers(cfg *captp.Config) [2]*ChannelNetlayer {
	if cfg == nil {
		cfg = captp.DefaultConfig()
	}
	pairID := pairCounter.Add(1)
	var pair [2]*ChannelNetlayer
	for i := range pair {
		pair[i] = &ChannelNetlayer{
			location: ocapn.NewPeer("testing", fmt.Sprintf("pair%d-endpoint%d", pairID, i)),
			cfg:      cfg,
			incoming: make(chan *channelConn, 8),
			closed:   make(chan struct{}),
		}
	}
	pair[0].peer = pair[1]
	pair[1].peer = pair[0]
	return pair
}

func (c *ChannelNetlayer) Location() *ocapn.Peer { return c.location }

func (c *ChannelNetlayer) Connect(peer *ocapn.Peer) (*captp.Session, error) {
	if !c.peer.location.Equal(peer) {
		return nil, fmt.Errorf("netlayertest: unknown peer %s", peer)
	}
	aToB := make(chan []byte, frameBuffer)
	bToA := make(chan []byte, frameBuffer)
	local := &channelConn{tx: aToB, rx: bToA, closed: make(chan struct{}), cfg: c.cfg}
	remote := &channelConn{tx: bToA, rx: aToB, closed: make(chan struct{}), cfg: c.cfg}
	local.peer, remote.peer = remote, local

	select {
	case c.peer.incoming <- remote:
	case <-c.peer.closed:
		return nil, captp.ErrConnectionClosed
	}
	return captp.NewSession(local, c.location, true, c.cfg, nil), nil
}

func (c *ChannelNetlayer) Accept(timeout time.Duration) (*captp.Session, error) {
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case conn := <-c.incoming:
		return captp.NewSession(conn, c.location, false, c.cfg, nil), nil
	case <-timer.C:
		return nil, captp.ErrTimeout
	case <-c.closed:
		return nil, captp.ErrConnectionClosed
	}
}

func (c *ChannelNetlayer) Shutdown() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

// channelConn carries one whole encoded frame per channel element.
type channelConn struct {
	tx     chan []byte
	rx     chan []byte
	peer   *channelConn
	closed chan struct{}
	cfg    *captp.Config
}

var _ captp.MessageConn = (*channelConn)(nil)

func (c *channelConn) SendMessage(v syrup.Value) error {
	encoded, err := syrup.Encode(v)
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return captp.ErrConnectionClosed
	case <-c.peer.closed:
		return captp.ErrConnectionClosed
	case c.tx <- encoded:
		return nil
	}
}

func (c *channelConn) ReceiveMessage(timeout time.Duration) (syrup.Value, error) {
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case frame := <-c.rx:
		return decodeFrame(frame, c.cfg)
	case <-timer.C:
		return nil, captp.ErrTimeout
	case <-c.closed:
		return nil, captp.ErrConnectionClosed
	case <-c.peer.closed:
		return nil, captp.ErrConnectionClosed
	}
}

func decodeFrame(frame []byte, cfg *captp.Config) (syrup.Value, error) {
	if !cfg.ConvertSingleFloats {
		return syrup.Decode(frame)
	}
	d := syrup.NewDecoder(bytes.NewReader(frame))
	d.ConvertSingleFloats(true)
	return d.Decode()
}

func (c *channelConn) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}
