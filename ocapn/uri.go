/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023-2025 OCapN Authors. All Rights Reserved.
 */

// Package ocapn models OCapN peer locators and sturdyrefs, in both their
// textual URI form and their Syrup record form.
package ocapn

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/ocapn/ocapn-test-suite-go/syrup"
)

const (
	Scheme         = "ocapn://"
	peerLabel      = syrup.Symbol("ocapn-peer")
	sturdyrefLabel = syrup.Symbol("ocapn-sturdyref")
)

var (
	ErrBadURI    = errors.New("ocapn: malformed uri")
	ErrBadRecord = errors.New("ocapn: malformed record")
)

// A Peer locates an OCapN machine: a transport symbol, a
// transport-specific designator, and optional hints.
type Peer struct {
	Transport  syrup.Symbol
	Designator string
	Hints      map[string]string
}

// NewPeer returns a locator without hints.
func NewPeer(transport syrup.Symbol, designator string) *Peer {
	return &Peer{Transport: transport, Designator: designator}
}

// ParsePeer parses the textual form ocapn://<designator>.<transport>[?k=v&...].
func ParsePeer(uri string) (*Peer, error) {
	if !strings.HasPrefix(uri, Scheme) {
		return nil, fmt.Errorf("%w: missing %s prefix: %q", ErrBadURI, Scheme, uri)
	}
	rest := uri[len(Scheme):]

	var query string
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		rest, query = rest[:i], rest[i+1:]
	}

	// The designator may itself contain dots (IP addresses, onion
	// addresses), so the transport is everything after the last one.
	i := strings.LastIndexByte(rest, '.')
	if i <= 0 || i == len(rest)-1 {
		return nil, fmt.Errorf("%w: no transport suffix: %q", ErrBadURI, uri)
	}
	designator, err := url.PathUnescape(rest[:i])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadURI, err)
	}

	peer := &Peer{
		Transport:  syrup.Symbol(rest[i+1:]),
		Designator: designator,
	}
	if query != "" {
		values, err := url.ParseQuery(query)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadURI, err)
		}
		peer.Hints = make(map[string]string, len(values))
		for k, vs := range values {
			peer.Hints[k] = vs[len(vs)-1]
		}
	}
	return peer, nil
}

// String returns the textual URI form.
func (p *Peer) String() string {
	var b strings.Builder
	b.WriteString(Scheme)
	b.WriteString(url.PathEscape(p.Designator))
	b.WriteByte('.')
	b.WriteString(string(p.Transport))
	if len(p.Hints) > 0 {
		keys := make([]string, 0, len(p.Hints))
		for k := range p.Hints {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sep := byte('?')
		for _, k := range keys {
			b.WriteByte(sep)
			sep = '&'
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(p.Hints[k]))
		}
	}
	return b.String()
}

// ToRecord returns the wire form <ocapn-peer transport designator hints>.
func (p *Peer) ToRecord() *syrup.Record {
	hints := syrup.Dict{}
	for k, v := range p.Hints {
		hints = append(hints, syrup.DictEntry{Key: k, Value: v})
	}
	return syrup.NewRecord(peerLabel, p.Transport, p.Designator, hints)
}

// PeerFromRecord validates and extracts an ocapn-peer record. Hints are a
// string-to-string dictionary; a boolean false (the legacy no-hints form)
// is accepted as empty.
func PeerFromRecord(v syrup.Value) (*Peer, error) {
	r, ok := v.(*syrup.Record)
	if !ok || !syrup.Equal(r.Label, peerLabel) {
		return nil, fmt.Errorf("%w: not an ocapn-peer", ErrBadRecord)
	}
	if len(r.Args) != 3 {
		return nil, fmt.Errorf("%w: ocapn-peer arity %d", ErrBadRecord, len(r.Args))
	}
	transport, ok := r.Args[0].(syrup.Symbol)
	if !ok {
		return nil, fmt.Errorf("%w: transport must be a symbol", ErrBadRecord)
	}
	designator, ok := r.Args[1].(string)
	if !ok {
		return nil, fmt.Errorf("%w: designator must be a string", ErrBadRecord)
	}
	peer := &Peer{Transport: transport, Designator: designator}
	switch hints := r.Args[2].(type) {
	case bool:
		if hints {
			return nil, fmt.Errorf("%w: hints must be a dictionary or false", ErrBadRecord)
		}
	case syrup.Dict:
		if len(hints) > 0 {
			peer.Hints = make(map[string]string, len(hints))
			for _, e := range hints {
				k, kok := e.Key.(string)
				v, vok := e.Value.(string)
				if !kok || !vok {
					return nil, fmt.Errorf("%w: hints must map strings to strings", ErrBadRecord)
				}
				peer.Hints[k] = v
			}
		}
	default:
		return nil, fmt.Errorf("%w: hints must be a dictionary or false", ErrBadRecord)
	}
	return peer, nil
}

// Equal compares two locators by their record encodings.
func (p *Peer) Equal(o *Peer) bool {
	if p == nil || o == nil {
		return p == o
	}
	return syrup.Equal(p.ToRecord(), o.ToRecord())
}

// A Sturdyref bundles a peer locator with a swiss number: an unguessable
// byte string naming an object under the peer's bootstrap.
type Sturdyref struct {
	Peer     *Peer
	SwissNum []byte
}

// ParseSturdyref parses <peer-uri>/s/<swiss-num>.
func ParseSturdyref(uri string) (*Sturdyref, error) {
	i := strings.Index(uri, "/s/")
	if i < 0 {
		return nil, fmt.Errorf("%w: missing /s/ segment: %q", ErrBadURI, uri)
	}
	peer, err := ParsePeer(uri[:i])
	if err != nil {
		return nil, err
	}
	swiss, err := url.PathUnescape(uri[i+len("/s/"):])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadURI, err)
	}
	if swiss == "" {
		return nil, fmt.Errorf("%w: empty swiss number", ErrBadURI)
	}
	return &Sturdyref{Peer: peer, SwissNum: []byte(swiss)}, nil
}

// String returns the textual URI form.
func (s *Sturdyref) String() string {
	return s.Peer.String() + "/s/" + url.PathEscape(string(s.SwissNum))
}

// ToRecord returns the wire form <ocapn-sturdyref peer swiss-num>.
func (s *Sturdyref) ToRecord() *syrup.Record {
	return syrup.NewRecord(sturdyrefLabel, s.Peer.ToRecord(), s.SwissNum)
}

// SturdyrefFromRecord validates and extracts an ocapn-sturdyref record.
func SturdyrefFromRecord(v syrup.Value) (*Sturdyref, error) {
	r, ok := v.(*syrup.Record)
	if !ok || !syrup.Equal(r.Label, sturdyrefLabel) {
		return nil, fmt.Errorf("%w: not an ocapn-sturdyref", ErrBadRecord)
	}
	if len(r.Args) != 2 {
		return nil, fmt.Errorf("%w: ocapn-sturdyref arity %d", ErrBadRecord, len(r.Args))
	}
	peer, err := PeerFromRecord(r.Args[0])
	if err != nil {
		return nil, err
	}
	swiss, ok := r.Args[1].([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: swiss number must be a byte string", ErrBadRecord)
	}
	return &Sturdyref{Peer: peer, SwissNum: swiss}, nil
}

// Equal compares two sturdyrefs by their record encodings.
func (s *Sturdyref) Equal(o *Sturdyref) bool {
	if s == nil || o == nil {
		return s == o
	}
	return syrup.Equal(s.ToRecord(), o.ToRecord())
}
