/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023-2025 OCapN Authors. All Rights Reserved.
 */

package main

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/ocapn/ocapn-test-suite-go/captp"
	"github.com/ocapn/ocapn-test-suite-go/flags"
	"github.com/ocapn/ocapn-test-suite-go/netlayer"
	"github.com/ocapn/ocapn-test-suite-go/suite"
)

const Version = "0.1.0"

const (
	ExitSuccess     = 0
	ExitSetupFailed = 1
	ExitTestsFailed = 2
)

func logLevel(name string) int {
	switch name {
	case "debug":
		return captp.LogLevelDebug
	case "info":
		return captp.LogLevelInfo
	case "error":
		return captp.LogLevelError
	case "silent":
		return captp.LogLevelSilent
	}
	return captp.LogLevelInfo
}

// netlayerFactory picks the transport matching the locator under test.
func netlayerFactory(opts *flags.Options, cfg *captp.Config, log *captp.Logger) (suite.NetlayerFactory, error) {
	switch opts.Peer.Transport {
	case "tcp":
		return func() (netlayer.Netlayer, error) {
			return netlayer.NewTCP("0.0.0.0", netlayer.DefaultTCPPort, cfg, log)
		}, nil
	case "onion":
		return func() (netlayer.Netlayer, error) {
			return netlayer.NewOnion(opts.SocksAddr, opts.ControlAddr, cfg, log)
		}, nil
	}
	return nil, fmt.Errorf("unsupported transport layer: %s", opts.Peer.Transport)
}

func main() {
	opts := flags.NewOptions()
	if err := flags.Parse(opts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintf(os.Stderr, "Run %s --help for usage.\n", os.Args[0])
		os.Exit(ExitSetupFailed)
	}

	if opts.ShowVersion {
		fmt.Printf("ocapn-test-suite v%s\n\nCapTP conformance suite for %s-%s.\n", Version, runtime.GOOS, runtime.GOARCH)
		return
	}

	cfg := &captp.Config{
		CapTPVersion:        opts.CapTPVersion,
		ConvertSingleFloats: opts.ConvertSingleFloats,
		DefaultTimeout:      opts.Timeout,
		Autoport:            opts.Autoport,
	}
	logger := captp.NewLogger(logLevel(opts.LogLevel), "(suite) ")

	factory, err := netlayerFactory(opts, cfg, logger)
	if err != nil {
		logger.Error.Println("Unable to setup netlayer:", err)
		os.Exit(ExitSetupFailed)
	}

	scenarios := suite.All()
	if opts.Filter != "" {
		var kept []suite.Scenario
		for _, s := range scenarios {
			if strings.Contains(s.Name, opts.Filter) {
				kept = append(kept, s)
			}
		}
		scenarios = kept
	}

	logger.Info.Printf("Testing %s with %d scenarios", opts.Peer, len(scenarios))

	runner := &suite.Runner{
		Factory: factory,
		Peer:    opts.Peer,
		Cfg:     cfg,
		Log:     logger,
	}
	results, err := runner.Run(scenarios)
	if err != nil {
		logger.Error.Println("Suite setup failed:", err)
		os.Exit(ExitSetupFailed)
	}

	logger.Info.Printf("%d passed, %d failed, %d retried", results.Passed, results.Failed, results.Retried)
	if results.Failed > 0 {
		os.Exit(ExitTestsFailed)
	}
}
