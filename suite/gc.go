/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023-2025 OCapN Authors. All Rights Reserved.
 */

package suite

import (
	"time"

	"github.com/pkg/errors"

	"github.com/ocapn/ocapn-test-suite-go/captp"
	"github.com/ocapn/ocapn-test-suite-go/syrup"
)

func gcScenarios() []Scenario {
	return []Scenario{
		{Name: "gc/export-single-reference", Run: runGcExportSingle},
		{Name: "gc/export-wire-delta-one-message", Run: runGcExportOneMessage},
		{Name: "gc/export-wire-delta-many-messages", Run: runGcExportManyMessages},
		{Name: "gc/answer", Run: runGcAnswer},
	}
}

// expectGcExportSum reads gc-export messages for position until their
// wire-deltas sum to want. Coalesced and split deltas are both valid.
func expectGcExportSum(session *captp.Session, position, want uint64, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var sum uint64
	for sum < want {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return errors.Wrapf(captp.ErrTimeout, "gc-export deltas for position %d reached %d of %d", position, sum, want)
		}
		gc, err := captp.ExpectMessageType[*captp.OpGcExport](session, remaining)
		if err != nil {
			return err
		}
		if gc.ExportPos != position {
			continue
		}
		sum += gc.WireDelta
	}
	if sum != want {
		return errors.Errorf("gc-export deltas for position %d sum to %d, want %d", position, sum, want)
	}
	return nil
}

// A single discarded reference draws gc-export with wire-delta 1.
func runGcExportSingle(t *T) error {
	session, err := t.Connect()
	if err != nil {
		return err
	}
	echo, err := session.FetchObject(SwissEcho, false)
	if err != nil {
		return err
	}

	localObj := session.NextImportObject()
	if err := session.SendMessage(&captp.OpDeliverOnly{
		To:   echo,
		Args: []syrup.Value{localObj},
	}); err != nil {
		return err
	}
	return expectGcExportSum(session, localObj.Position, 1, mediumTimeout)
}

// Four references in one message retire with deltas summing to four.
func runGcExportOneMessage(t *T) error {
	session, err := t.Connect()
	if err != nil {
		return err
	}
	echo, err := session.FetchObject(SwissEcho, false)
	if err != nil {
		return err
	}

	localObj := session.NextImportObject()
	if err := session.SendMessage(&captp.OpDeliverOnly{
		To:   echo,
		Args: []syrup.Value{localObj, localObj, localObj, localObj},
	}); err != nil {
		return err
	}
	return expectGcExportSum(session, localObj.Position, 4, mediumTimeout)
}

// Four references across four messages retire with deltas summing to four.
func runGcExportManyMessages(t *T) error {
	session, err := t.Connect()
	if err != nil {
		return err
	}
	echo, err := session.FetchObject(SwissEcho, false)
	if err != nil {
		return err
	}

	localObj := session.NextImportObject()
	for i := 0; i < 4; i++ {
		if err := session.SendMessage(&captp.OpDeliverOnly{
			To:   echo,
			Args: []syrup.Value{localObj},
		}); err != nil {
			return err
		}
	}
	return expectGcExportSum(session, localObj.Position, 4, mediumTimeout)
}

// Fulfilling the greeter's delivery retires its answer position.
func runGcAnswer(t *T) error {
	session, err := t.Connect()
	if err != nil {
		return err
	}
	greeter, err := session.FetchObject(SwissGreeter, false)
	if err != nil {
		return err
	}

	objectToGreet := session.NextImportObject()
	if err := session.SendMessage(&captp.OpDeliverOnly{
		To:   greeter,
		Args: []syrup.Value{objectToGreet},
	}); err != nil {
		return err
	}

	greeting, err := session.ExpectMessageTo([]captp.Target{objectToGreet.AsExport()}, mediumTimeout)
	if err != nil {
		return errors.Wrap(err, "waiting for the greeting")
	}
	deliver, ok := greeting.(*captp.OpDeliver)
	if !ok {
		return errors.Errorf("greeting arrived as %T, want op:deliver", greeting)
	}
	vow, ok := deliver.Vow()
	if !ok {
		return errors.New("greeting carried no answer position")
	}

	if err := session.SendMessage(&captp.OpDeliverOnly{
		To:   deliver.ExportedResolveMe(),
		Args: []syrup.Value{captp.SymbolFulfill, "Hello"},
	}); err != nil {
		return err
	}

	deadline := time.Now().Add(mediumTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return errors.Wrapf(captp.ErrTimeout, "gc-answer for position %d", vow.Position)
		}
		gc, err := captp.ExpectMessageType[*captp.OpGcAnswer](session, remaining)
		if err != nil {
			return err
		}
		if gc.AnswerPos == vow.Position {
			return nil
		}
	}
}
