// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// bootstrapOverrides is an optional YAML file that overrides the
// server subcommand's flag values, for deployments that prefer a
// checked-in config file over long command lines. Every non-zero field
// in the file replaces the flag value, including one passed explicitly
// on the command line; zero fields leave the flag value alone.
type bootstrapOverrides struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	ModelRoot string `yaml:"model_root"`
	DBPath    string `yaml:"db_path"`
}

func loadBootstrapOverrides(path string) (bootstrapOverrides, error) {
	var b bootstrapOverrides
	data, err := os.ReadFile(path)
	if err != nil {
		return b, fmt.Errorf("bootstrap: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &b); err != nil {
		return b, fmt.Errorf("bootstrap: parse %s: %w", path, err)
	}
	return b, nil
}

// applyBootstrap overlays any non-zero fields in overrides onto the
// flag-parsed values, without using cobra's Changed() introspection
// (the flags in question don't distinguish "explicitly set to the
// default" from "left unset" here, which is an acceptable ambiguity
// for a handful of bootstrap-only fields).
func applyBootstrap(b bootstrapOverrides) {
	if b.Host != "" {
		serverHost = b.Host
	}
	if b.Port != 0 {
		serverPort = b.Port
	}
	if b.ModelRoot != "" {
		modelRoot = b.ModelRoot
	}
	if b.DBPath != "" {
		dbPath = b.DBPath
	}
}
