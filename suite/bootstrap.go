/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023-2025 OCapN Authors. All Rights Reserved.
 */

package suite

import (
	"github.com/pkg/errors"

	"github.com/ocapn/ocapn-test-suite-go/captp"
)

func bootstrapScenarios() []Scenario {
	return []Scenario{
		{Name: "bootstrap/fulfills-resolve-me", Run: runBootstrap},
	}
}

// op:bootstrap(0, import-object 0) must eventually deliver
// (fulfill <desc:import-object _>) to export 0.
func runBootstrap(t *T) error {
	session, err := t.Connect()
	if err != nil {
		return err
	}

	op := &captp.OpBootstrap{
		AnswerPos: session.NextAnswer().Position,
		ResolveMe: session.NextImportObject(),
	}
	if err := session.SendMessage(op); err != nil {
		return err
	}

	delivery, err := session.ExpectMessageTo([]captp.Target{op.ExportedResolveMe()}, mediumTimeout)
	if err != nil {
		return errors.Wrap(err, "waiting for the bootstrap resolution")
	}
	head, value, err := resolutionHead(delivery)
	if err != nil {
		return err
	}
	if head != captp.SymbolFulfill {
		return errors.Errorf("bootstrap resolved with %v", head)
	}
	if _, ok := value.(captp.DescImportObject); !ok {
		return errors.Errorf("bootstrap fulfilled with %T, want desc:import-object", value)
	}
	return nil
}
