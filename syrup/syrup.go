/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023-2025 OCapN Authors. All Rights Reserved.
 */

// Package syrup implements the Syrup serialization used on the CapTP wire:
// a self-describing binary encoding with a canonical form. A given abstract
// value has exactly one encoding, which makes encoded bytes usable for
// signatures, set membership and map keys.
package syrup

import (
	"bytes"
	"encoding/binary"
	"math"
	"math/big"
	"sort"
	"strconv"
	"unicode/utf8"
)

// A Value is one of:
//
//	bool
//	int, int64, uint64, *big.Int  (integers; Decode yields int64 or *big.Int)
//	float64
//	string                        (UTF-8 text)
//	[]byte                        (byte string)
//	Symbol
//	List
//	Set
//	Dict
//	*Record
type Value = any

// Symbol is a UTF-8 atom, distinct from strings.
type Symbol string

// List is an ordered sequence of values.
type List []Value

// Set is semantically unordered; its canonical encoding sorts elements by
// their encoded bytes.
type Set []Value

// DictEntry is a single key-value pair of a Dict.
type DictEntry struct {
	Key   Value
	Value Value
}

// Dict is a mapping from value to value. Entry order is irrelevant; the
// canonical encoding sorts entries by the encoded key bytes.
type Dict []DictEntry

// Get returns the value for key, comparing keys by canonical encoding.
func (d Dict) Get(key Value) (Value, bool) {
	for _, e := range d {
		if Equal(e.Key, key) {
			return e.Value, true
		}
	}
	return nil, false
}

// Record is a labeled tuple. The label is by convention a Symbol.
type Record struct {
	Label Value
	Args  []Value
}

// NewRecord builds a record with the given label symbol.
func NewRecord(label Symbol, args ...Value) *Record {
	return &Record{Label: label, Args: args}
}

// Encode returns the canonical encoding of v.
func Encode(v Value) ([]byte, error) {
	return appendValue(nil, v)
}

// Equal reports whether two values have the same canonical encoding, which
// for well-formed values coincides with structural equality.
func Equal(a, b Value) bool {
	ea, err := Encode(a)
	if err != nil {
		return false
	}
	eb, err := Encode(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ea, eb)
}

func appendNetstring(dst []byte, payload []byte, joiner byte) []byte {
	dst = strconv.AppendInt(dst, int64(len(payload)), 10)
	dst = append(dst, joiner)
	return append(dst, payload...)
}

func appendValue(dst []byte, v Value) ([]byte, error) {
	switch v := v.(type) {
	case bool:
		if v {
			return append(dst, 't'), nil
		}
		return append(dst, 'f'), nil

	case int:
		return appendInt64(dst, int64(v)), nil
	case int64:
		return appendInt64(dst, v), nil
	case uint64:
		dst = strconv.AppendUint(dst, v, 10)
		return append(dst, '+'), nil
	case *big.Int:
		if v.Sign() < 0 {
			dst = append(dst, new(big.Int).Neg(v).String()...)
			return append(dst, '-'), nil
		}
		dst = append(dst, v.String()...)
		return append(dst, '+'), nil

	case float64:
		dst = append(dst, 'D')
		return appendFloat64(dst, v), nil

	case []byte:
		return appendNetstring(dst, v, ':'), nil

	case string:
		if !utf8.ValidString(v) {
			return nil, ErrBadUTF8
		}
		return appendNetstring(dst, []byte(v), '"'), nil

	case Symbol:
		if !utf8.ValidString(string(v)) {
			return nil, ErrBadUTF8
		}
		return appendNetstring(dst, []byte(v), '\''), nil

	case List:
		dst = append(dst, '[')
		var err error
		for _, item := range v {
			if dst, err = appendValue(dst, item); err != nil {
				return nil, err
			}
		}
		return append(dst, ']'), nil

	case []Value:
		return appendValue(dst, List(v))

	case Set:
		encoded := make([][]byte, 0, len(v))
		for _, item := range v {
			e, err := Encode(item)
			if err != nil {
				return nil, err
			}
			encoded = append(encoded, e)
		}
		sort.Slice(encoded, func(i, j int) bool {
			return bytes.Compare(encoded[i], encoded[j]) < 0
		})
		dst = append(dst, '#')
		for i, e := range encoded {
			if i > 0 && bytes.Equal(e, encoded[i-1]) {
				return nil, ErrDuplicateEntry
			}
			dst = append(dst, e...)
		}
		return append(dst, '$'), nil

	case Dict:
		type pair struct{ key, val []byte }
		pairs := make([]pair, 0, len(v))
		for _, e := range v {
			k, err := Encode(e.Key)
			if err != nil {
				return nil, err
			}
			val, err := Encode(e.Value)
			if err != nil {
				return nil, err
			}
			pairs = append(pairs, pair{k, val})
		}
		sort.Slice(pairs, func(i, j int) bool {
			return bytes.Compare(pairs[i].key, pairs[j].key) < 0
		})
		dst = append(dst, '{')
		for i, p := range pairs {
			if i > 0 && bytes.Equal(p.key, pairs[i-1].key) {
				return nil, ErrDuplicateEntry
			}
			dst = append(dst, p.key...)
			dst = append(dst, p.val...)
		}
		return append(dst, '}'), nil

	case *Record:
		dst = append(dst, '<')
		dst, err := appendValue(dst, v.Label)
		if err != nil {
			return nil, err
		}
		for _, arg := range v.Args {
			if dst, err = appendValue(dst, arg); err != nil {
				return nil, err
			}
		}
		return append(dst, '>'), nil

	case nil:
		return nil, ErrUnsupportedType
	default:
		return nil, ErrUnsupportedType
	}
}

func appendFloat64(dst []byte, v float64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], math.Float64bits(v))
	return append(dst, buf[:]...)
}

func appendInt64(dst []byte, v int64) []byte {
	if v < 0 {
		dst = strconv.AppendUint(dst, uint64(-(v+1))+1, 10)
		return append(dst, '-')
	}
	dst = strconv.AppendInt(dst, v, 10)
	return append(dst, '+')
}
