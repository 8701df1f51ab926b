/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023-2025 OCapN Authors. All Rights Reserved.
 */

// Package suite drives an OCapN implementation through the CapTP
// conformance scenarios. Each scenario opens fresh sessions against the
// peer under test, exercises one protocol behavior, and reports an error
// on any observable deviation.
package suite

import (
	"time"

	"github.com/pkg/errors"

	"github.com/ocapn/ocapn-test-suite-go/captp"
	"github.com/ocapn/ocapn-test-suite-go/netlayer"
	"github.com/ocapn/ocapn-test-suite-go/ocapn"
	"github.com/ocapn/ocapn-test-suite-go/syrup"
)

// Swiss numbers of the objects every conformant peer exposes to the suite.
var (
	SwissEcho               = []byte("IO58l1laTyhcrgDKbEzFOO32MDd6zE5w")
	SwissCarFactoryBuilder  = []byte("JadQ0++RzsD4M+40uLxTWVaVqM10DcBJ")
	SwissGreeter            = []byte("VMDDd1voKWarCe2GvgLbxbVFysNzRPzx")
	SwissPromiseResolver    = []byte("IokCxYmMj04nos2JN1TDoY1bT8dXh6Lr")
	SwissSturdyrefEnlivener = []byte("gi02I1qghIwPiKGKleCQAOhpy3ZtYRpB")
)

// A NetlayerFactory builds one transport endpoint; handoff scenarios ask
// for a second one.
type NetlayerFactory func() (netlayer.Netlayer, error)

// A Scenario is a single conformance check.
type Scenario struct {
	Name string
	Run  func(t *T) error
}

// T is the context one scenario runs in.
type T struct {
	Netlayer netlayer.Netlayer
	Peer     *ocapn.Peer
	Cfg      *captp.Config
	Log      *captp.Logger

	factory  NetlayerFactory
	second   netlayer.Netlayer
	sessions []*captp.Session
}

// ConnectRaw dials the peer without performing the CapTP handshake, for
// scenarios that need to misbehave during session setup.
func (t *T) ConnectRaw() (*captp.Session, error) {
	session, err := t.Netlayer.Connect(t.Peer)
	if err != nil {
		return nil, errors.Wrap(err, "connect")
	}
	t.sessions = append(t.sessions, session)
	return session, nil
}

// Connect dials the peer and completes the handshake.
func (t *T) Connect() (*captp.Session, error) {
	session, err := t.ConnectRaw()
	if err != nil {
		return nil, err
	}
	if err := session.Handshake(); err != nil {
		return nil, errors.Wrap(err, "handshake")
	}
	return session, nil
}

// SecondNetlayer lazily builds the scenario's second transport endpoint.
func (t *T) SecondNetlayer() (netlayer.Netlayer, error) {
	if t.second == nil {
		second, err := t.factory()
		if err != nil {
			return nil, errors.Wrap(err, "second netlayer")
		}
		t.second = second
	}
	return t.second, nil
}

func (t *T) track(s *captp.Session) *captp.Session {
	t.sessions = append(t.sessions, s)
	return s
}

func (t *T) teardown() {
	for _, session := range t.sessions {
		session.Close()
	}
	t.sessions = nil
	if t.second != nil {
		t.second.Shutdown()
		t.second = nil
	}
}

// A Runner executes scenarios against one peer, retrying on network
// timeouts and closed connections (see retryable).
type Runner struct {
	Factory  NetlayerFactory
	Peer     *ocapn.Peer
	Cfg      *captp.Config
	Log      *captp.Logger
	Attempts int
}

// Results summarizes a run.
type Results struct {
	Passed  int
	Failed  int
	Retried int
}

// Run executes every scenario in order and reports the tally.
func (r *Runner) Run(scenarios []Scenario) (*Results, error) {
	if r.Cfg == nil {
		r.Cfg = captp.DefaultConfig()
	}
	if r.Log == nil {
		r.Log = captp.NewLogger(captp.LogLevelInfo, "(suite) ")
	}
	attempts := r.Attempts
	if attempts <= 0 {
		attempts = 3
	}

	primary, err := r.Factory()
	if err != nil {
		return nil, errors.Wrap(err, "netlayer setup")
	}
	defer primary.Shutdown()

	results := &Results{}
	for _, scenario := range scenarios {
		var lastErr error
		for attempt := 1; attempt <= attempts; attempt++ {
			t := &T{
				Netlayer: primary,
				Peer:     r.Peer,
				Cfg:      r.Cfg,
				Log:      r.Log,
				factory:  r.Factory,
			}
			lastErr = scenario.Run(t)
			t.teardown()

			if lastErr == nil {
				break
			}
			if !retryable(lastErr) || attempt == attempts {
				break
			}
			results.Retried++
			r.Log.Info.Printf("RETRY %s (attempt %d): %v", scenario.Name, attempt, lastErr)
		}

		if lastErr == nil {
			results.Passed++
			r.Log.Info.Printf("PASS  %s", scenario.Name)
		} else {
			results.Failed++
			r.Log.Error.Printf("FAIL  %s: %v", scenario.Name, lastErr)
		}
	}
	return results, nil
}

// retryable covers captp.ErrTimeout and captp.ErrConnectionClosed. Other
// failures, including errors from dialing the peer or building a
// netlayer, are not retried; protocol deviations are conclusive.
func retryable(err error) bool {
	return errors.Is(err, captp.ErrTimeout) || errors.Is(err, captp.ErrConnectionClosed)
}

// All returns every scenario, leaves-first: session setup before the
// operations that require one.
func All() []Scenario {
	var scenarios []Scenario
	scenarios = append(scenarios, startSessionScenarios()...)
	scenarios = append(scenarios, abortScenarios()...)
	scenarios = append(scenarios, bootstrapScenarios()...)
	scenarios = append(scenarios, deliverScenarios()...)
	scenarios = append(scenarios, listenScenarios()...)
	scenarios = append(scenarios, referencingScenarios()...)
	scenarios = append(scenarios, gcScenarios()...)
	scenarios = append(scenarios, handoffScenarios()...)
	return scenarios
}

// fulfilled unwraps a resolution, failing on a break.
func fulfilled(res *captp.Resolution) (syrup.Value, error) {
	if res.Broken {
		return nil, errors.Errorf("promise broke: %v", res.Value)
	}
	return res.Value, nil
}

// broken asserts a resolution is a break.
func broken(res *captp.Resolution) error {
	if !res.Broken {
		return errors.Errorf("expected a broken promise, got fulfillment %v", res.Value)
	}
	return nil
}

func expectEqual(got, want syrup.Value, what string) error {
	if !syrup.Equal(got, want) {
		return errors.Errorf("%s: got %v, want %v", what, got, want)
	}
	return nil
}

func resolutionHead(delivery captp.Delivery) (syrup.Symbol, syrup.Value, error) {
	args := delivery.DeliveryArgs()
	if len(args) != 2 {
		return "", nil, errors.Errorf("resolution arity %d", len(args))
	}
	head, ok := args[0].(syrup.Symbol)
	if !ok {
		return "", nil, errors.Errorf("resolution head %v is not a symbol", args[0])
	}
	return head, args[1], nil
}

const (
	shortTimeout  = 10 * time.Second
	mediumTimeout = 30 * time.Second
	longTimeout   = 60 * time.Second
)
