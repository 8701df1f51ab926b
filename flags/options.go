/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023-2025 OCapN Authors. All Rights Reserved.
 */

package flags

import (
	"time"

	"github.com/ocapn/ocapn-test-suite-go/ocapn"
)

type Options struct {
	Peer *ocapn.Peer

	CapTPVersion        string
	Timeout             time.Duration
	ConvertSingleFloats bool
	Autoport            bool
	SocksAddr           string
	ControlAddr         string
	Filter              string
	LogLevel            string
	ShowVersion         bool
}

func NewOptions() *Options {
	return &Options{}
}
