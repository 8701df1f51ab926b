/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023-2025 OCapN Authors. All Rights Reserved.
 */

package flags

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/ocapn/ocapn-test-suite-go/captp"
	"github.com/ocapn/ocapn-test-suite-go/ocapn"
)

func Parse(opts *Options) error {
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <ocapn-locator-uri>\n", os.Args[0])
		pflag.PrintDefaults()
	}

	pflag.StringVar(&opts.CapTPVersion, "captp-version", captp.DefaultCapTPVersion, "CapTP version string sent in op:start-session")
	pflag.DurationVar(&opts.Timeout, "timeout", captp.DefaultTimeout, "Default timeout for receive operations")
	pflag.BoolVar(&opts.ConvertSingleFloats, "convert-single-floats", false, "Decode single-precision floats as doubles instead of rejecting them")
	pflag.BoolVar(&opts.Autoport, "autoport", true, "Scan upward for a free listener port")
	pflag.StringVar(&opts.SocksAddr, "socks-addr", "127.0.0.1:9050", "Tor SOCKS listener for the onion netlayer")
	pflag.StringVar(&opts.ControlAddr, "control-addr", "127.0.0.1:9051", "Tor control listener for the onion netlayer")
	pflag.StringVar(&opts.Filter, "run", "", "Only run scenarios whose name contains this substring")
	pflag.StringVar(&opts.LogLevel, "log-level", "info", "Log level: silent, error, info or debug")
	pflag.BoolVarP(&opts.ShowVersion, "version", "v", false, "Print the version number and exit")

	pflag.Parse()

	if opts.ShowVersion {
		return nil
	}

	return setLocator(opts)
}

func setLocator(opts *Options) error {
	if pflag.NArg() != 1 {
		return fmt.Errorf("Must pass exactly one OCapN locator, but got %d", pflag.NArg())
	}
	peer, err := ocapn.ParsePeer(pflag.Arg(0))
	if err != nil {
		return err
	}
	opts.Peer = peer
	return nil
}
