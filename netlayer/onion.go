/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023-2025 OCapN Authors. All Rights Reserved.
 */

package netlayer

import (
	"encoding/base32"
	"fmt"
	"net"
	"net/textproto"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/sha3"
	"golang.org/x/net/proxy"

	"github.com/ocapn/ocapn-test-suite-go/captp"
	"github.com/ocapn/ocapn-test-suite-go/ocapn"
)

const (
	// OnionPort is the fixed virtual port OCapN onion services expose.
	OnionPort = 9045

	// onionServiceIDLen is the length of a v3 onion service ID: 35 bytes
	// (pubkey || checksum || version) in unpadded base32.
	onionServiceIDLen = 56

	onionChecksumPrefix = ".onion checksum"
	onionVersion        = 3
)

var onionBase32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// Onion is the Tor netlayer: outbound connections ride a SOCKS5 proxy,
// inbound ones arrive through a hidden service added over the Tor control
// port and forwarded to a local listener.
type Onion struct {
	socksAddr string
	control   *textproto.Conn
	listener  net.Listener
	serviceID string
	location  *ocapn.Peer
	cfg       *captp.Config
	log       *captp.Logger
	conns     []*Conn
}

var _ Netlayer = (*Onion)(nil)

// NewOnion provisions a fresh ED25519-V3 hidden service on a running Tor
// instance. socksAddr and controlAddr are Tor's SocksPort and ControlPort
// listeners.
func NewOnion(socksAddr, controlAddr string, cfg *captp.Config, log *captp.Logger) (*Onion, error) {
	if cfg == nil {
		cfg = captp.DefaultConfig()
	}
	if log == nil {
		log = captp.NewLogger(captp.LogLevelError, "(onion) ")
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, errors.Wrap(err, "onion netlayer local listener")
	}

	control, err := textproto.Dial("tcp", controlAddr)
	if err != nil {
		listener.Close()
		return nil, errors.Wrap(err, "tor control port")
	}

	o := &Onion{
		socksAddr: socksAddr,
		control:   control,
		listener:  listener,
		cfg:       cfg,
		log:       log,
	}
	if err := o.addHiddenService(); err != nil {
		o.Shutdown()
		return nil, err
	}
	return o, nil
}

func (o *Onion) addHiddenService() error {
	if err := o.controlCommand("AUTHENTICATE"); err != nil {
		return err
	}

	localPort := o.listener.Addr().(*net.TCPAddr).Port
	id, err := o.control.Cmd("ADD_ONION NEW:ED25519-V3 Port=%d,127.0.0.1:%d", OnionPort, localPort)
	if err != nil {
		return errors.Wrap(err, "ADD_ONION")
	}
	o.control.StartResponse(id)
	defer o.control.EndResponse(id)
	_, reply, err := o.control.ReadResponse(250)
	if err != nil {
		return errors.Wrap(err, "ADD_ONION")
	}

	for _, line := range strings.Split(reply, "\n") {
		if strings.HasPrefix(line, "ServiceID=") {
			o.serviceID = strings.TrimSpace(strings.TrimPrefix(line, "ServiceID="))
			break
		}
	}
	if o.serviceID == "" {
		return errors.New("tor did not return a ServiceID")
	}
	if err := ValidateOnionServiceID(o.serviceID); err != nil {
		return err
	}

	o.location = ocapn.NewPeer("onion", o.serviceID)
	o.log.Info.Printf("hidden service %s.onion ready", o.serviceID)
	return nil
}

func (o *Onion) controlCommand(format string, args ...any) error {
	id, err := o.control.Cmd(format, args...)
	if err != nil {
		return err
	}
	o.control.StartResponse(id)
	defer o.control.EndResponse(id)
	_, _, err = o.control.ReadResponse(250)
	return errors.Wrapf(err, "tor control %s", format)
}

func (o *Onion) Location() *ocapn.Peer { return o.location }

func (o *Onion) Connect(peer *ocapn.Peer) (*captp.Session, error) {
	if peer.Transport != "onion" {
		return nil, errors.Errorf("onion netlayer cannot reach transport %q", peer.Transport)
	}
	if err := ValidateOnionServiceID(peer.Designator); err != nil {
		return nil, err
	}

	dialer, err := proxy.SOCKS5("tcp", o.socksAddr, nil, proxy.Direct)
	if err != nil {
		return nil, errors.Wrap(err, "socks5 dialer")
	}
	conn, err := dialer.Dial("tcp", fmt.Sprintf("%s.onion:%d", peer.Designator, OnionPort))
	if err != nil {
		return nil, errors.Wrapf(err, "connect %s", peer)
	}
	mc := NewConn(conn, o.cfg)
	o.conns = append(o.conns, mc)
	return captp.NewSession(mc, o.location, true, o.cfg, o.log), nil
}

func (o *Onion) Accept(timeout time.Duration) (*captp.Session, error) {
	if timeout <= 0 {
		timeout = o.cfg.DefaultTimeout
	}
	if err := o.listener.(*net.TCPListener).SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	conn, err := o.listener.Accept()
	if err != nil {
		return nil, transportError(err)
	}
	mc := NewConn(conn, o.cfg)
	o.conns = append(o.conns, mc)
	return captp.NewSession(mc, o.location, false, o.cfg, o.log), nil
}

func (o *Onion) Shutdown() error {
	if o.serviceID != "" {
		if err := o.controlCommand("DEL_ONION %s", o.serviceID); err != nil {
			o.log.Debug.Printf("DEL_ONION: %v", err)
		}
		o.serviceID = ""
	}
	if o.control != nil {
		o.control.Close()
		o.control = nil
	}
	for _, conn := range o.conns {
		conn.Close()
	}
	return o.listener.Close()
}

// ValidateOnionServiceID checks a v3 onion service ID: correct length,
// base32 shape, version byte, and the SHA3-256 checksum binding the
// address to its Ed25519 service key.
func ValidateOnionServiceID(id string) error {
	if len(id) != onionServiceIDLen {
		return errors.Errorf("onion service ID must be %d characters: %q", onionServiceIDLen, id)
	}
	decoded, err := onionBase32.DecodeString(strings.ToUpper(id))
	if err != nil {
		return errors.Wrapf(err, "onion service ID %q", id)
	}
	pubkey, checksum, version := decoded[:32], decoded[32:34], decoded[34]
	if version != onionVersion {
		return errors.Errorf("onion service ID %q has version %d", id, version)
	}

	h := sha3.New256()
	h.Write([]byte(onionChecksumPrefix))
	h.Write(pubkey)
	h.Write([]byte{version})
	if want := h.Sum(nil)[:2]; want[0] != checksum[0] || want[1] != checksum[1] {
		return errors.Errorf("onion service ID %q has a bad checksum", id)
	}
	return nil
}
