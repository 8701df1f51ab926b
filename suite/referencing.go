/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023-2025 OCapN Authors. All Rights Reserved.
 */

package suite

import (
	"github.com/ocapn/ocapn-test-suite-go/captp"
	"github.com/ocapn/ocapn-test-suite-go/syrup"
)

func referencingScenarios() []Scenario {
	return []Scenario{
		{Name: "index/on-answer", Run: runIndexOnAnswer},
		{Name: "index/on-export", Run: runIndexOnExport},
		{Name: "index/broken-promise", Run: runIndexBrokenPromise},
		{Name: "index/non-sequence", Run: runIndexNonSequence},
		{Name: "get/on-answer", Run: runGetOnAnswer},
		{Name: "get/on-export", Run: runGetOnExport},
		{Name: "get/broken-promise", Run: runGetBrokenPromise},
		{Name: "get/non-mapping", Run: runGetNonMapping},
	}
}

// indexAndListen issues op:index on target and an op:listen on the fresh
// answer, returning where the element will land.
func indexAndListen(session *captp.Session, target captp.Target, index uint64) (captp.DescExport, error) {
	indexOp := &captp.OpIndex{
		To:           target,
		Index:        index,
		NewAnswerPos: session.NextAnswer().Position,
	}
	if err := session.SendMessage(indexOp); err != nil {
		return captp.DescExport{}, err
	}
	return listenOn(session, indexOp.Answer(), false)
}

// getAndListen issues op:get on target and an op:listen on the fresh
// answer.
func getAndListen(session *captp.Session, target captp.Target, field syrup.Value) (captp.DescExport, error) {
	getOp := &captp.OpGet{
		To:           target,
		FieldName:    field,
		NewAnswerPos: session.NextAnswer().Position,
	}
	if err := session.SendMessage(getOp); err != nil {
		return captp.DescExport{}, err
	}
	return listenOn(session, getOp.Answer(), false)
}

// op:index against the answer of a pending echo delivery.
func runIndexOnAnswer(t *T) error {
	session, err := t.Connect()
	if err != nil {
		return err
	}
	echo, err := session.FetchObject(SwissEcho, false)
	if err != nil {
		return err
	}

	vow := session.NextAnswer()
	deliver := &captp.OpDeliver{
		To:        echo,
		Args:      []syrup.Value{syrup.Symbol("foo"), syrup.Symbol("bar"), syrup.Symbol("baz")},
		AnswerPos: &vow.Position,
		ResolveMe: session.NextImportObject(),
	}
	if err := session.SendMessage(deliver); err != nil {
		return err
	}

	notifyAt, err := indexAndListen(session, vow, 1)
	if err != nil {
		return err
	}
	res, err := session.ExpectPromiseResolution(notifyAt, mediumTimeout)
	if err != nil {
		return err
	}
	value, err := fulfilled(res)
	if err != nil {
		return err
	}
	return expectEqual(value, syrup.Symbol("bar"), "indexed element")
}

// op:index against an exported promise resolved afterwards.
func runIndexOnExport(t *T) error {
	session, err := t.Connect()
	if err != nil {
		return err
	}
	vow, resolver, err := fetchPromisePair(session)
	if err != nil {
		return err
	}

	notifyAt, err := indexAndListen(session, vow, 2)
	if err != nil {
		return err
	}
	resolveWith := syrup.List{int64(100), int64(200), int64(300), int64(400)}
	if err := resolveVia(session, resolver, captp.SymbolFulfill, resolveWith); err != nil {
		return err
	}

	res, err := session.ExpectPromiseResolution(notifyAt, mediumTimeout)
	if err != nil {
		return err
	}
	value, err := fulfilled(res)
	if err != nil {
		return err
	}
	return expectEqual(value, int64(300), "indexed element")
}

// op:index on a promise that breaks yields a broken answer.
func runIndexBrokenPromise(t *T) error {
	session, err := t.Connect()
	if err != nil {
		return err
	}
	vow, resolver, err := fetchPromisePair(session)
	if err != nil {
		return err
	}

	notifyAt, err := indexAndListen(session, vow, 2)
	if err != nil {
		return err
	}
	if err := resolveVia(session, resolver, captp.SymbolBreak, syrup.Symbol("oh-no")); err != nil {
		return err
	}

	res, err := session.ExpectPromiseResolution(notifyAt, mediumTimeout)
	if err != nil {
		return err
	}
	return broken(res)
}

// op:index on a non-sequence yields a broken answer.
func runIndexNonSequence(t *T) error {
	session, err := t.Connect()
	if err != nil {
		return err
	}
	vow, resolver, err := fetchPromisePair(session)
	if err != nil {
		return err
	}

	notifyAt, err := indexAndListen(session, vow, 2)
	if err != nil {
		return err
	}
	if err := resolveVia(session, resolver, captp.SymbolFulfill, syrup.Symbol("not-a-list")); err != nil {
		return err
	}

	res, err := session.ExpectPromiseResolution(notifyAt, mediumTimeout)
	if err != nil {
		return err
	}
	return broken(res)
}

// op:get against the answer of deliveries routed through echo.
func runGetOnAnswer(t *T) error {
	session, err := t.Connect()
	if err != nil {
		return err
	}
	echo, err := session.FetchObject(SwissEcho, false)
	if err != nil {
		return err
	}

	// Echo returns the argument list, so index 0 recovers the mapping
	// before op:get digs into it.
	vow := session.NextAnswer()
	deliver := &captp.OpDeliver{
		To: echo,
		Args: []syrup.Value{syrup.Dict{
			{Key: "foo", Value: int64(72)},
			{Key: "bar", Value: "baz"},
		}},
		AnswerPos: &vow.Position,
		ResolveMe: session.NextImportObject(),
	}
	if err := session.SendMessage(deliver); err != nil {
		return err
	}

	indexOp := &captp.OpIndex{
		To:           vow,
		Index:        0,
		NewAnswerPos: session.NextAnswer().Position,
	}
	if err := session.SendMessage(indexOp); err != nil {
		return err
	}
	notifyAt, err := getAndListen(session, indexOp.Answer(), "foo")
	if err != nil {
		return err
	}

	res, err := session.ExpectPromiseResolution(notifyAt, mediumTimeout)
	if err != nil {
		return err
	}
	value, err := fulfilled(res)
	if err != nil {
		return err
	}
	return expectEqual(value, int64(72), "field value")
}

// op:get against an exported promise fulfilled with a mapping.
func runGetOnExport(t *T) error {
	session, err := t.Connect()
	if err != nil {
		return err
	}
	vow, resolver, err := fetchPromisePair(session)
	if err != nil {
		return err
	}

	if err := resolveVia(session, resolver, captp.SymbolFulfill, syrup.Dict{
		{Key: "foo", Value: int64(72)},
		{Key: "bar", Value: "baz"},
	}); err != nil {
		return err
	}
	notifyAt, err := getAndListen(session, vow, "foo")
	if err != nil {
		return err
	}

	res, err := session.ExpectPromiseResolution(notifyAt, mediumTimeout)
	if err != nil {
		return err
	}
	value, err := fulfilled(res)
	if err != nil {
		return err
	}
	return expectEqual(value, int64(72), "field value")
}

// op:get on a promise that breaks yields a broken answer.
func runGetBrokenPromise(t *T) error {
	session, err := t.Connect()
	if err != nil {
		return err
	}
	vow, resolver, err := fetchPromisePair(session)
	if err != nil {
		return err
	}

	if err := resolveVia(session, resolver, captp.SymbolBreak, syrup.Symbol("oh-no")); err != nil {
		return err
	}
	notifyAt, err := getAndListen(session, vow, "foo")
	if err != nil {
		return err
	}

	res, err := session.ExpectPromiseResolution(notifyAt, mediumTimeout)
	if err != nil {
		return err
	}
	return broken(res)
}

// op:get on a non-mapping yields a broken answer.
func runGetNonMapping(t *T) error {
	session, err := t.Connect()
	if err != nil {
		return err
	}
	vow, resolver, err := fetchPromisePair(session)
	if err != nil {
		return err
	}

	if err := resolveVia(session, resolver, captp.SymbolFulfill, syrup.Symbol("not-a-struct")); err != nil {
		return err
	}
	notifyAt, err := getAndListen(session, vow, "foo")
	if err != nil {
		return err
	}

	res, err := session.ExpectPromiseResolution(notifyAt, mediumTimeout)
	if err != nil {
		return err
	}
	return broken(res)
}
