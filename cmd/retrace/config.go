package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/grafana/retrace/pkg/symbolizer"
)

// defaultConfig returns the configuration with the flag defaults applied.
func defaultConfig() symbolizer.Config {
	var c symbolizer.Config
	c.RegisterFlags(flag.NewFlagSet("defaults", flag.ContinueOnError))
	return c
}

// loadConfig reads the YAML configuration file at path on top of the
// defaults. An empty path returns the defaults.
func loadConfig(fs afero.Fs, path string) (symbolizer.Config, error) {
	c := defaultConfig()
	if path == "" {
		return c, nil
	}
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return c, fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return c, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return c, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return c, nil
}
