// Copyright (c) 2026 the ltfsdmd authors. All rights reserved.
// SPDX-License-Identifier: MIT

package config

import "testing"

func TestDefaultProdConfigValidates(t *testing.T) {
	cfg := DefaultProdConfig
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultProdConfig should validate, got %s", err)
	}
}

func TestValidateRejectsEmptyAddrOrDBPath(t *testing.T) {
	cfg := DefaultProdConfig
	cfg.Addr = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for an empty Addr")
	}

	cfg = DefaultProdConfig
	cfg.DBPath = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for an empty DBPath")
	}
}

func TestValidateRejectsUnknownNetwork(t *testing.T) {
	cfg := DefaultProdConfig
	cfg.Network = "udp"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for an unknown network")
	}

	cfg.Network = "unix"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unix should be a valid network, got %s", err)
	}
}
