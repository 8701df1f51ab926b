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

func deliverScenarios() []Scenario {
	return []Scenario{
		{Name: "deliver-only/greeter-greets", Run: runDeliverOnlyGreeter},
		{Name: "deliver/echo-round-trip", Run: runDeliverEcho},
		{Name: "deliver/promise-pipeline", Run: runPromisePipeline},
		{Name: "deliver/promise-pipeline-break", Run: runPromisePipelineBreak},
	}
}

// A fire-and-forget delivery to the greeter makes it greet the object we
// handed over.
func runDeliverOnlyGreeter(t *T) error {
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
	return expectEqual(syrup.List(greeting.DeliveryArgs()), syrup.List{"Hello"}, "greeting args")
}

// Echo returns the argument list unchanged through the resolver.
func runDeliverEcho(t *T) error {
	session, err := t.Connect()
	if err != nil {
		return err
	}
	echo, err := session.FetchObject(SwissEcho, false)
	if err != nil {
		return err
	}

	sentArgs := []syrup.Value{"foo", int64(1), false, []byte("bar"), syrup.List{"baz"}}
	deliver := &captp.OpDeliver{
		To:        echo,
		Args:      sentArgs,
		ResolveMe: session.NextImportObject(),
	}
	if err := session.SendMessage(deliver); err != nil {
		return err
	}

	res, err := session.ExpectPromiseResolution(deliver.ExportedResolveMe(), mediumTimeout)
	if err != nil {
		return err
	}
	value, err := fulfilled(res)
	if err != nil {
		return err
	}
	return expectEqual(value, syrup.List(sentArgs), "echoed args")
}

// Three pipelined deliveries through unresolved answers: build a car
// factory, build a car, drive it.
func runPromisePipeline(t *T) error {
	session, err := t.Connect()
	if err != nil {
		return err
	}
	factoryBuilder, err := session.FetchObject(SwissCarFactoryBuilder, true)
	if err != nil {
		return err
	}

	factoryVow := session.NextAnswer()
	buildFactory := &captp.OpDeliver{
		To:        factoryBuilder,
		Args:      nil,
		AnswerPos: &factoryVow.Position,
		ResolveMe: session.NextImportObject(),
	}
	if err := session.SendMessage(buildFactory); err != nil {
		return err
	}

	carVow := session.NextAnswer()
	buildCar := &captp.OpDeliver{
		To:        factoryVow,
		Args:      []syrup.Value{syrup.List{syrup.Symbol("red"), syrup.Symbol("zoomracer")}},
		AnswerPos: &carVow.Position,
		ResolveMe: session.NextImportObject(),
	}
	if err := session.SendMessage(buildCar); err != nil {
		return err
	}

	drive := &captp.OpDeliver{
		To:        carVow,
		Args:      nil,
		ResolveMe: session.NextImportObject(),
	}
	if err := session.SendMessage(drive); err != nil {
		return err
	}

	res, err := session.ExpectPromiseResolution(drive.ExportedResolveMe(), mediumTimeout)
	if err != nil {
		return err
	}
	value, err := fulfilled(res)
	if err != nil {
		return err
	}
	return expectEqual(value, "Vroom! I am a red zoomracer car!", "drive result")
}

// Breaking mid-pipeline propagates: the downstream delivery resolves
// broken.
func runPromisePipelineBreak(t *T) error {
	session, err := t.Connect()
	if err != nil {
		return err
	}
	factoryBuilder, err := session.FetchObject(SwissCarFactoryBuilder, true)
	if err != nil {
		return err
	}

	factoryVow := session.NextAnswer()
	buildFactory := &captp.OpDeliver{
		To:        factoryBuilder,
		AnswerPos: &factoryVow.Position,
		ResolveMe: session.NextImportObject(),
	}
	if err := session.SendMessage(buildFactory); err != nil {
		return err
	}

	// Invalid car arguments break the car promise.
	carVow := session.NextAnswer()
	buildCar := &captp.OpDeliver{
		To:        factoryVow,
		Args:      []syrup.Value{syrup.List{int64(1), int64(2), int64(3), int64(4), int64(5)}},
		AnswerPos: &carVow.Position,
		ResolveMe: session.NextImportObject(),
	}
	if err := session.SendMessage(buildCar); err != nil {
		return err
	}

	drive := &captp.OpDeliver{
		To:        carVow,
		ResolveMe: session.NextImportObject(),
	}
	if err := session.SendMessage(drive); err != nil {
		return err
	}

	res, err := session.ExpectPromiseResolution(drive.ExportedResolveMe(), mediumTimeout)
	if err != nil {
		return err
	}
	return broken(res)
}
