/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023-2025 OCapN Authors. All Rights Reserved.
 */

package suite

import (
	"github.com/pkg/errors"

	"github.com/ocapn/ocapn-test-suite-go/captp"
	"github.com/ocapn/ocapn-test-suite-go/syrup"
)

func listenScenarios() []Scenario {
	return []Scenario{
		{Name: "listen/promise-fulfill", Run: runListenFulfill},
		{Name: "listen/promise-break", Run: runListenBreak},
		{Name: "listen/already-resolved", Run: runListenAlreadyResolved},
	}
}

// fetchPromisePair asks the promise-resolver actor for a fresh vow and
// resolver, returning both as exports we can address.
func fetchPromisePair(session *captp.Session) (vow, resolver captp.DescExport, err error) {
	actor, err := session.FetchObject(SwissPromiseResolver, false)
	if err != nil {
		return vow, resolver, err
	}
	deliver := &captp.OpDeliver{
		To:        actor,
		ResolveMe: session.NextImportObject(),
	}
	if err = session.SendMessage(deliver); err != nil {
		return vow, resolver, err
	}
	res, err := session.ExpectPromiseResolution(deliver.ExportedResolveMe(), mediumTimeout)
	if err != nil {
		return vow, resolver, err
	}
	value, err := fulfilled(res)
	if err != nil {
		return vow, resolver, err
	}
	pair, ok := value.(syrup.List)
	if !ok || len(pair) != 2 {
		return vow, resolver, errors.Errorf("promise pair resolved to %v", value)
	}
	vowImport, ok := pair[0].(captp.DescImport)
	if !ok {
		return vow, resolver, errors.Errorf("vow is %T", pair[0])
	}
	resolverImport, ok := pair[1].(captp.DescImport)
	if !ok {
		return vow, resolver, errors.Errorf("resolver is %T", pair[1])
	}
	return vowImport.AsExport(), resolverImport.AsExport(), nil
}

// listenOn sends op:listen and returns the export the notification will
// arrive at.
func listenOn(session *captp.Session, target captp.Target, wantsPartial bool) (captp.DescExport, error) {
	listen := &captp.OpListen{
		To:           target,
		ResolveMe:    session.NextImportObject(),
		WantsPartial: wantsPartial,
	}
	if err := session.SendMessage(listen); err != nil {
		return captp.DescExport{}, err
	}
	return listen.ExportedResolveMe(), nil
}

// resolveVia fulfills or breaks a promise through its resolver.
func resolveVia(session *captp.Session, resolver captp.DescExport, head syrup.Symbol, value syrup.Value) error {
	return session.SendMessage(&captp.OpDeliverOnly{
		To:   resolver,
		Args: []syrup.Value{head, value},
	})
}

// Listening on a pending promise notifies on fulfillment.
func runListenFulfill(t *T) error {
	session, err := t.Connect()
	if err != nil {
		return err
	}
	vow, resolver, err := fetchPromisePair(session)
	if err != nil {
		return err
	}

	notifyAt, err := listenOn(session, vow, false)
	if err != nil {
		return err
	}
	if err := resolveVia(session, resolver, captp.SymbolFulfill, syrup.Symbol("ok")); err != nil {
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
	return expectEqual(value, syrup.Symbol("ok"), "listen notification")
}

// Listening on a pending promise notifies on break, carrying the reason.
func runListenBreak(t *T) error {
	session, err := t.Connect()
	if err != nil {
		return err
	}
	vow, resolver, err := fetchPromisePair(session)
	if err != nil {
		return err
	}

	notifyAt, err := listenOn(session, vow, false)
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
	if err := broken(res); err != nil {
		return err
	}
	return expectEqual(res.Value, syrup.Symbol("oh-no"), "break reason")
}

// Listening on an already-resolved promise must deliver the resolution
// immediately.
func runListenAlreadyResolved(t *T) error {
	session, err := t.Connect()
	if err != nil {
		return err
	}
	vow, resolver, err := fetchPromisePair(session)
	if err != nil {
		return err
	}

	if err := resolveVia(session, resolver, captp.SymbolFulfill, syrup.Symbol("ok")); err != nil {
		return err
	}
	notifyAt, err := listenOn(session, vow, false)
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
	return expectEqual(value, syrup.Symbol("ok"), "listen notification")
}
