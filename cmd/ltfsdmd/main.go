// Copyright (c) 2026 the ltfsdmd authors. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"encoding/json"
	"flag"
	"os"
)

/*

Configuring ltfsdmd follows three steps:

  (1) Default config parameters come from config.DefaultProdConfig.

  (2) An optional configuration file (JSON) can be given via '-cfg' to
      override the defaults.

  (3) Optional individual flags override whatever (1) and (2) produced.

*/

var (
	cfg = defaultConfig()

	cfgFile = flag.String("cfg", "", "configuration file for ltfsdmd")

	network     = flag.String("network", "", `"tcp" or "unix", selects how -addr is interpreted`)
	addr        = flag.String("addr", "", "address for ltfsdm client connections")
	dbPath      = flag.String("dbPath", "", "path to the queue store database")
	poolFile    = flag.String("poolFile", "", "path to the pool membership file")
	lockFile    = flag.String("lockFile", "", "path to the single-instance lock file")
	metricsAddr = flag.String("metricsAddr", "", "address to serve /metrics on")
	forceRun    = flag.Bool("forceRun", false, "skip the single-instance lock check")
)

func init() {
	flag.Set("logtostderr", "true")
	flag.Parse()

	if *cfgFile != "" {
		f, err := os.Open(*cfgFile)
		if err != nil {
			fatalf("couldn't open the provided config file: %s", err)
		}
		defer f.Close()
		if err := json.NewDecoder(f).Decode(&cfg); err != nil {
			fatalf("failed to decode the config file: %s", err)
		}
	}

	// NOTE: Go's flag package can't tell whether a flag was explicitly
	// set, so every override flag defaults to "" and is only applied if
	// non-empty, mirroring the corpus's config-override idiom.
	if *network != "" {
		cfg.Network = *network
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *poolFile != "" {
		cfg.PoolFile = *poolFile
	}
	if *lockFile != "" {
		cfg.LockFile = *lockFile
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
}

func main() {
	if err := cfg.Validate(); err != nil {
		fatalf("invalid configuration: %s", err)
	}
	run()
}
