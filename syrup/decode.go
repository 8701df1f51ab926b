/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023-2025 OCapN Authors. All Rights Reserved.
 */

package syrup

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"math/big"
	"unicode/utf8"
)

// DefaultMaxDepth bounds container nesting so adversarial input cannot
// exhaust the stack.
const DefaultMaxDepth = 128

// A Decoder reads Syrup values from a byte stream. The length-prefixed
// atoms and balanced delimiters make frames self-synchronizing, so one
// Decode call consumes exactly one value; it never reads past it.
type Decoder struct {
	r              *bufio.Reader
	off            int64
	maxDepth       int
	convertSingles bool
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Decoder{r: br, maxDepth: DefaultMaxDepth}
}

// SetMaxDepth overrides the container nesting bound.
func (d *Decoder) SetMaxDepth(n int) { d.maxDepth = n }

// ConvertSingleFloats makes tag F decode as a widened double instead of
// failing. The encoder never emits F.
func (d *Decoder) ConvertSingleFloats(on bool) { d.convertSingles = on }

// Offset returns the number of bytes consumed so far.
func (d *Decoder) Offset() int64 { return d.off }

// Decode reads the next value from the stream.
func (d *Decoder) Decode() (Value, error) {
	return d.readValue(0)
}

// Decode decodes a single value from b, rejecting trailing garbage.
func Decode(b []byte) (Value, error) {
	d := NewDecoder(bytes.NewReader(b))
	v, err := d.Decode()
	if err != nil {
		return nil, err
	}
	if err := d.expectEOF(); err != nil {
		return nil, err
	}
	return v, nil
}

const whitespace = " \t\n\r\v\f"

func (d *Decoder) fail(err error) error {
	return &DecodeError{Err: err, Offset: d.off}
}

// readErr maps clean stream ends to the codec's own error; transport
// failures (deadlines, resets) pass through untouched so callers can tell
// them apart.
func (d *Decoder) readErr(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return d.fail(ErrUnexpectedEOF)
	}
	return err
}

func (d *Decoder) readByte() (byte, error) {
	b, err := d.r.ReadByte()
	if err != nil {
		return 0, d.readErr(err)
	}
	d.off++
	return b, nil
}

func (d *Decoder) readFull(buf []byte) error {
	n, err := io.ReadFull(d.r, buf)
	d.off += int64(n)
	if err != nil {
		return d.readErr(err)
	}
	return nil
}

// peek skips whitespace and returns the next byte without consuming it.
func (d *Decoder) peek() (byte, error) {
	for {
		b, err := d.r.ReadByte()
		if err != nil {
			return 0, d.readErr(err)
		}
		if bytes.IndexByte([]byte(whitespace), b) >= 0 {
			d.off++
			continue
		}
		if err := d.r.UnreadByte(); err != nil {
			return 0, err
		}
		return b, nil
	}
}

func (d *Decoder) expectEOF() error {
	for {
		b, err := d.r.ReadByte()
		if err != nil {
			return nil
		}
		d.off++
		if bytes.IndexByte([]byte(whitespace), b) < 0 {
			return d.fail(ErrMalformedFraming)
		}
	}
}

func (d *Decoder) readValue(depth int) (Value, error) {
	if depth > d.maxDepth {
		return nil, d.fail(ErrDepthExceeded)
	}

	next, err := d.peek()
	if err != nil {
		return nil, err
	}

	switch {
	case next >= '0' && next <= '9':
		return d.readAtom()

	case next == '[':
		d.mustConsume()
		var list List
		for {
			done, err := d.atClose(']')
			if err != nil {
				return nil, err
			}
			if done {
				return list, nil
			}
			item, err := d.readValue(depth + 1)
			if err != nil {
				return nil, err
			}
			list = append(list, item)
		}

	case next == '{':
		d.mustConsume()
		var dict Dict
		seen := make(map[string]struct{})
		for {
			done, err := d.atClose('}')
			if err != nil {
				return nil, err
			}
			if done {
				return dict, nil
			}
			key, err := d.readValue(depth + 1)
			if err != nil {
				return nil, err
			}
			encodedKey, err := Encode(key)
			if err != nil {
				return nil, d.fail(err)
			}
			if _, dup := seen[string(encodedKey)]; dup {
				return nil, d.fail(ErrDuplicateEntry)
			}
			seen[string(encodedKey)] = struct{}{}
			val, err := d.readValue(depth + 1)
			if err != nil {
				return nil, err
			}
			dict = append(dict, DictEntry{Key: key, Value: val})
		}

	case next == '#':
		d.mustConsume()
		var set Set
		seen := make(map[string]struct{})
		for {
			done, err := d.atClose('$')
			if err != nil {
				return nil, err
			}
			if done {
				return set, nil
			}
			item, err := d.readValue(depth + 1)
			if err != nil {
				return nil, err
			}
			encoded, err := Encode(item)
			if err != nil {
				return nil, d.fail(err)
			}
			if _, dup := seen[string(encoded)]; dup {
				return nil, d.fail(ErrDuplicateEntry)
			}
			seen[string(encoded)] = struct{}{}
			set = append(set, item)
		}

	case next == '<':
		d.mustConsume()
		label, err := d.readValue(depth + 1)
		if err != nil {
			return nil, err
		}
		record := &Record{Label: label}
		for {
			done, err := d.atClose('>')
			if err != nil {
				return nil, err
			}
			if done {
				return record, nil
			}
			arg, err := d.readValue(depth + 1)
			if err != nil {
				return nil, err
			}
			record.Args = append(record.Args, arg)
		}

	case next == 't':
		d.mustConsume()
		return true, nil
	case next == 'f':
		d.mustConsume()
		return false, nil

	case next == 'D':
		d.mustConsume()
		var buf [8]byte
		if err := d.readFull(buf[:]); err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.BigEndian.Uint64(buf[:])), nil

	case next == 'F':
		if !d.convertSingles {
			return nil, d.fail(ErrSinglePrecision)
		}
		d.mustConsume()
		var buf [4]byte
		if err := d.readFull(buf[:]); err != nil {
			return nil, err
		}
		return float64(math.Float32frombits(binary.BigEndian.Uint32(buf[:]))), nil

	default:
		return nil, d.fail(ErrUnknownTag)
	}
}

// mustConsume eats the byte a successful peek just saw.
func (d *Decoder) mustConsume() {
	d.r.ReadByte()
	d.off++
}

func (d *Decoder) atClose(delim byte) (bool, error) {
	b, err := d.peek()
	if err != nil {
		return false, err
	}
	if b == delim {
		d.mustConsume()
		return true, nil
	}
	return false, nil
}

// readAtom handles the length-prefixed productions: a run of decimal digits
// terminated by a joiner that selects byte string, string, symbol or integer.
func (d *Decoder) readAtom() (Value, error) {
	var digits []byte
	for {
		b, err := d.readByte()
		if err != nil {
			return nil, err
		}
		switch {
		case b >= '0' && b <= '9':
			digits = append(digits, b)
			continue
		case b == '+':
			return atomInt(digits, false), nil
		case b == '-':
			return atomInt(digits, true), nil
		case b == ':':
			return d.readCounted(digits, 'b')
		case b == '"':
			return d.readCounted(digits, 's')
		case b == '\'':
			return d.readCounted(digits, 'y')
		default:
			return nil, d.fail(ErrMalformedFraming)
		}
	}
}

func atomInt(digits []byte, negative bool) Value {
	n := new(big.Int)
	n.SetString(string(digits), 10)
	if negative {
		n.Neg(n)
	}
	if n.IsInt64() {
		return n.Int64()
	}
	return n
}

func (d *Decoder) readCounted(digits []byte, kind byte) (Value, error) {
	n := new(big.Int)
	n.SetString(string(digits), 10)
	if !n.IsInt64() || n.Int64() > int64(math.MaxInt32) {
		return nil, d.fail(ErrMalformedFraming)
	}
	payload := make([]byte, n.Int64())
	if err := d.readFull(payload); err != nil {
		return nil, err
	}
	switch kind {
	case 'b':
		return payload, nil
	case 's':
		if !utf8.Valid(payload) {
			return nil, d.fail(ErrBadUTF8)
		}
		return string(payload), nil
	default:
		if !utf8.Valid(payload) {
			return nil, d.fail(ErrBadUTF8)
		}
		return Symbol(payload), nil
	}
}
