/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023-2025 OCapN Authors. All Rights Reserved.
 */

package netlayer

import (
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/ocapn/ocapn-test-suite-go/captp"
	"github.com/ocapn/ocapn-test-suite-go/ocapn"
)

const (
	// DefaultTCPPort is where a TCP netlayer starts listening; with
	// Autoport set it scans upward from here.
	DefaultTCPPort = 22045

	// autoportScanLimit bounds the upward scan.
	autoportScanLimit = 512
)

// TCP is the plain TCP netlayer: locator transport symbol tcp, designator
// host:port.
type TCP struct {
	listener *net.TCPListener
	location *ocapn.Peer
	cfg      *captp.Config
	log      *captp.Logger
	conns    []*Conn
}

var _ Netlayer = (*TCP)(nil)

// NewTCP listens on listenAddr:port. With cfg.Autoport set, a busy port is
// skipped and the next one tried.
func NewTCP(listenAddr string, port int, cfg *captp.Config, log *captp.Logger) (*TCP, error) {
	if cfg == nil {
		cfg = captp.DefaultConfig()
	}
	if log == nil {
		log = captp.NewLogger(captp.LogLevelError, "(tcp) ")
	}

	var listener net.Listener
	var err error
	for attempt := 0; ; attempt++ {
		listener, err = net.Listen("tcp", fmt.Sprintf("%s:%d", listenAddr, port))
		if err == nil {
			break
		}
		if !cfg.Autoport || attempt >= autoportScanLimit {
			return nil, errors.Wrap(err, "tcp netlayer listen")
		}
		port++
	}

	t := &TCP{
		listener: listener.(*net.TCPListener),
		location: ocapn.NewPeer("tcp", fmt.Sprintf("%s:%d", listenAddr, port)),
		cfg:      cfg,
		log:      log,
	}
	t.log.Debug.Printf("listening on %s", t.location)
	return t, nil
}

func (t *TCP) Location() *ocapn.Peer { return t.location }

func (t *TCP) Connect(peer *ocapn.Peer) (*captp.Session, error) {
	if peer.Transport != "tcp" {
		return nil, errors.Errorf("tcp netlayer cannot reach transport %q", peer.Transport)
	}
	conn, err := net.DialTimeout("tcp", peer.Designator, t.cfg.DefaultTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "connect %s", peer)
	}
	mc := NewConn(conn, t.cfg)
	t.conns = append(t.conns, mc)
	return captp.NewSession(mc, t.location, true, t.cfg, t.log), nil
}

func (t *TCP) Accept(timeout time.Duration) (*captp.Session, error) {
	if timeout <= 0 {
		timeout = t.cfg.DefaultTimeout
	}
	if err := t.listener.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	conn, err := t.listener.Accept()
	if err != nil {
		return nil, transportError(err)
	}
	mc := NewConn(conn, t.cfg)
	t.conns = append(t.conns, mc)
	return captp.NewSession(mc, t.location, false, t.cfg, t.log), nil
}

func (t *TCP) Shutdown() error {
	err := t.listener.Close()
	for _, conn := range t.conns {
		conn.Close()
	}
	return err
}
