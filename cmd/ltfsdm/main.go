// Copyright (c) 2026 the ltfsdmd authors. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"flag"
	"os"
)

func main() {
	flag.Set("logtostderr", "true")
	flag.Parse()

	app := newLtfsdmCli()
	if err := app.run(os.Args); err != nil {
		os.Exit(1)
	}
}
