/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023-2025 OCapN Authors. All Rights Reserved.
 */

package syrup

import (
	"bytes"
	"errors"
	"math/big"
	"strings"
	"testing"
)

func assertNil(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func assertEncodes(t *testing.T, v Value, want string) {
	t.Helper()
	got, err := Encode(v)
	assertNil(t, err)
	if !bytes.Equal(got, []byte(want)) {
		t.Fatalf("encoded %q, want %q", got, want)
	}
}

func TestEncodeAtoms(t *testing.T) {
	assertEncodes(t, int64(0), "0+")
	assertEncodes(t, int64(42), "42+")
	assertEncodes(t, int64(-5), "5-")
	assertEncodes(t, 7, "7+")
	assertEncodes(t, uint64(18446744073709551615), "18446744073709551615+")

	huge, ok := new(big.Int).SetString("123456789012345678901234567890", 10)
	if !ok {
		t.Fatal("SetString failed")
	}
	assertEncodes(t, huge, "123456789012345678901234567890+")
	assertEncodes(t, new(big.Int).Neg(huge), "123456789012345678901234567890-")

	assertEncodes(t, true, "t")
	assertEncodes(t, false, "f")
	assertEncodes(t, "foo", `3"foo`)
	assertEncodes(t, []byte("bar"), "3:bar")
	assertEncodes(t, Symbol("fulfill"), "7'fulfill")
	assertEncodes(t, 1.0, "D\x3f\xf0\x00\x00\x00\x00\x00\x00")
}

func TestEncodeContainers(t *testing.T) {
	assertEncodes(t, List{int64(1), "2", Symbol("three")}, `[1+1"25'three]`)
	assertEncodes(t, NewRecord("op:abort", "reason"), `<8'op:abort6"reason>`)
	assertEncodes(t, List{}, "[]")
	assertEncodes(t, Dict{}, "{}")
	assertEncodes(t, Set{}, "#$")
}

func TestCanonicalOrdering(t *testing.T) {
	// Dictionary entries sort by encoded key, sets by encoded element,
	// regardless of the order they were built in.
	d := Dict{
		{Key: "foo", Value: int64(1)},
		{Key: "bar", Value: int64(2)},
	}
	assertEncodes(t, d, `{3"bar2+3"foo1+}`)

	s := Set{Symbol("b"), Symbol("a")}
	assertEncodes(t, s, "#1'a1'b$")
}

func TestEncodeRejectsDuplicates(t *testing.T) {
	_, err := Encode(Dict{{Key: "a", Value: int64(1)}, {Key: "a", Value: int64(2)}})
	if !errors.Is(err, ErrDuplicateEntry) {
		t.Fatalf("expected ErrDuplicateEntry, got %v", err)
	}
	_, err = Encode(Set{int64(1), int64(1)})
	if !errors.Is(err, ErrDuplicateEntry) {
		t.Fatalf("expected ErrDuplicateEntry, got %v", err)
	}
}

func TestRoundTrip(t *testing.T) {
	values := []Value{
		int64(0),
		int64(-1234567),
		true,
		false,
		2.5,
		"hello world",
		[]byte{0, 1, 2, 0xff},
		Symbol("op:deliver"),
		List{int64(1), List{int64(2), List{int64(3)}}},
		Set{int64(3), int64(1), int64(2)},
		Dict{
			{Key: Symbol("name"), Value: "zoomracer"},
			{Key: int64(7), Value: []byte("x")},
		},
		NewRecord("desc:export", int64(0)),
		NewRecord("op:deliver",
			NewRecord("desc:export", int64(0)),
			List{"foo", int64(1), false, []byte("bar"), List{"baz"}},
			false,
			NewRecord("desc:import-object", int64(1))),
	}
	for _, v := range values {
		encoded, err := Encode(v)
		assertNil(t, err)
		decoded, err := Decode(encoded)
		assertNil(t, err)
		if !Equal(v, decoded) {
			t.Fatalf("round trip changed %v into %v", v, decoded)
		}
		reencoded, err := Encode(decoded)
		assertNil(t, err)
		if !bytes.Equal(encoded, reencoded) {
			t.Fatalf("canonical encoding not stable: %q vs %q", encoded, reencoded)
		}
	}
}

func TestDecodeNonCanonicalOrderReencodesCanonically(t *testing.T) {
	// Keys out of order are accepted on decode; re-encoding sorts them.
	decoded, err := Decode([]byte(`{3"foo1+3"bar2+}`))
	assertNil(t, err)
	reencoded, err := Encode(decoded)
	assertNil(t, err)
	if want := `{3"bar2+3"foo1+}`; string(reencoded) != want {
		t.Fatalf("re-encoded %q, want %q", reencoded, want)
	}
}

func TestDecodeBigInteger(t *testing.T) {
	decoded, err := Decode([]byte("123456789012345678901234567890+"))
	assertNil(t, err)
	n, ok := decoded.(*big.Int)
	if !ok {
		t.Fatalf("expected *big.Int, got %T", decoded)
	}
	if n.String() != "123456789012345678901234567890" {
		t.Fatalf("wrong value: %v", n)
	}

	decoded, err = Decode([]byte("42+"))
	assertNil(t, err)
	if decoded != int64(42) {
		t.Fatalf("small integers should decode as int64, got %T", decoded)
	}
}

func TestDecodeWhitespaceBetweenValues(t *testing.T) {
	decoded, err := Decode([]byte("[1+ 2+\n3+]"))
	assertNil(t, err)
	if !Equal(decoded, List{int64(1), int64(2), int64(3)}) {
		t.Fatalf("got %v", decoded)
	}
}

func TestDecodeErrors(t *testing.T) {
	cases := []struct {
		input string
		want  error
	}{
		{"q", ErrUnknownTag},
		{"3x", ErrMalformedFraming},
		{"3:ab", ErrUnexpectedEOF},
		{"[1+", ErrUnexpectedEOF},
		{"D\x00\x00", ErrUnexpectedEOF},
		{"F\x00\x00\x00\x00", ErrSinglePrecision},
		{`{1+2+1+3+}`, ErrDuplicateEntry},
		{"#1+1+$", ErrDuplicateEntry},
		{"2\"\xff\xfe", ErrBadUTF8},
		{"2'\xff\xfe", ErrBadUTF8},
		{"1+garbage", ErrMalformedFraming},
	}
	for _, c := range cases {
		_, err := Decode([]byte(c.input))
		if !errors.Is(err, c.want) {
			t.Fatalf("Decode(%q) = %v, want %v", c.input, err, c.want)
		}
		var derr *DecodeError
		if !errors.As(err, &derr) {
			t.Fatalf("Decode(%q) error carries no offset: %v", c.input, err)
		}
	}
}

func TestDecodeSingleFloatCoercion(t *testing.T) {
	d := NewDecoder(strings.NewReader("F\x3f\x80\x00\x00"))
	d.ConvertSingleFloats(true)
	v, err := d.Decode()
	assertNil(t, err)
	if v != 1.0 {
		t.Fatalf("expected 1.0, got %v", v)
	}
}

func TestDepthBound(t *testing.T) {
	deep := strings.Repeat("[", 200) + strings.Repeat("]", 200)
	_, err := Decode([]byte(deep))
	if !errors.Is(err, ErrDepthExceeded) {
		t.Fatalf("expected ErrDepthExceeded, got %v", err)
	}

	shallow := strings.Repeat("[", 100) + strings.Repeat("]", 100)
	_, err = Decode([]byte(shallow))
	assertNil(t, err)
}

func TestEqualByEncoding(t *testing.T) {
	a := Dict{{Key: "a", Value: int64(1)}, {Key: "b", Value: int64(2)}}
	b := Dict{{Key: "b", Value: int64(2)}, {Key: "a", Value: int64(1)}}
	if !Equal(a, b) {
		t.Fatal("dictionaries differing only in entry order must be equal")
	}
	if Equal(a, Dict{{Key: "a", Value: int64(1)}}) {
		t.Fatal("different dictionaries must not be equal")
	}
	if !Equal(Set{int64(1), int64(2)}, Set{int64(2), int64(1)}) {
		t.Fatal("sets differing only in order must be equal")
	}
	if !Equal(int64(5), big.NewInt(5)) {
		t.Fatal("integer representations must compare equal")
	}
}

func TestStreamDecoderConsumesExactlyOneFrame(t *testing.T) {
	var stream bytes.Buffer
	first, err := Encode(NewRecord("op:abort", "one"))
	assertNil(t, err)
	second, err := Encode(NewRecord("op:abort", "two"))
	assertNil(t, err)
	stream.Write(first)
	stream.Write(second)

	d := NewDecoder(&stream)
	v1, err := d.Decode()
	assertNil(t, err)
	v2, err := d.Decode()
	assertNil(t, err)
	if !Equal(v1, NewRecord("op:abort", "one")) || !Equal(v2, NewRecord("op:abort", "two")) {
		t.Fatalf("frames decoded wrong: %v %v", v1, v2)
	}
}
