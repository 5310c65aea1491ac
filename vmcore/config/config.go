// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides basic infrastructure to set configuration settings
// for vmcore. Settings come from an optional TOML file and are overridden by
// command line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"strconv"

	"github.com/BurntSushi/toml"
	units "github.com/docker/go-units"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/kernel"
	"gvisor.dev/vmcore/pkg/log"
)

// Config holds configuration that is not part of a single command.
type Config struct {
	// CPUs is the number of vCPUs.
	CPUs int `toml:"cpus"`

	// Memory is the size of physical memory.
	Memory Size `toml:"memory"`

	// Reserved is the size of the kernel image at the start of physical
	// memory.
	Reserved Size `toml:"reserved"`

	// PageSizes is the number of page sizes used by the boot time linear
	// maps: 1 (4K), 2 (2M) or 3 (1G).
	PageSizes int `toml:"page-sizes"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `toml:"debug"`

	// LogFormat is the log format: text or json.
	LogFormat string `toml:"log-format"`

	// DebugLog is a file to which logs are written in addition to stderr.
	DebugLog string `toml:"debug-log"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		CPUs:      4,
		Memory:    64 << 20,
		Reserved:  2 << 20,
		PageSizes: 2,
		LogFormat: "text",
	}
}

// Size is a byte count. It is written as an integer with an optional unit
// suffix.
type Size uint64

// String implements flag.Value.String.
func (s Size) String() string {
	for _, u := range []struct {
		suffix string
		shift  uint
	}{{"G", 30}, {"M", 20}, {"K", 10}} {
		if s != 0 && s%(1<<u.shift) == 0 {
			return fmt.Sprintf("%d%s", s>>u.shift, u.suffix)
		}
	}
	return strconv.FormatUint(uint64(s), 10)
}

// Set implements flag.Value.Set. Units are binary, so "2M" and "2MiB" are
// both 2097152 bytes.
func (s *Size) Set(v string) error {
	n, err := units.RAMInBytes(v)
	if err != nil {
		return err
	}
	*s = Size(n)
	return nil
}

// UnmarshalText implements encoding.TextUnmarshaler.UnmarshalText.
func (s *Size) UnmarshalText(text []byte) error {
	return s.Set(string(text))
}

// MarshalText implements encoding.TextMarshaler.MarshalText.
func (s Size) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	d := Default()
	flagSet.String("config", "", "TOML file with default settings. Flags override it.")
	flagSet.Int("cpus", d.CPUs, "number of vCPUs.")
	flagSet.Var(&d.Memory, "memory", "size of physical memory, e.g. 64M.")
	flagSet.Var(&d.Reserved, "reserved", "size of the kernel image at the start of physical memory.")
	flagSet.Int("page-sizes", d.PageSizes, "page sizes for the boot linear map: 1 (4K), 2 (2M) or 3 (1G).")
	flagSet.Bool("debug", d.Debug, "enable debug logging.")
	flagSet.String("log-format", d.LogFormat, "log format: text (default) or json.")
	flagSet.String("debug-log", d.DebugLog, "additional file where logs are written.")
}

// LoadFile returns the configuration in the TOML file at path, on top of the
// defaults.
func LoadFile(path string) (*Config, error) {
	c := Default()
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("loading %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("loading %q: unknown keys %v", path, undecoded)
	}
	return c, nil
}

// NewFromFlags creates a new Config with values coming from the config file
// named by the "config" flag, then from every flag set on the command line.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	c := Default()
	if path := flagSet.Lookup("config").Value.String(); path != "" {
		var err error
		if c, err = LoadFile(path); err != nil {
			return nil, err
		}
	}
	var err error
	flagSet.Visit(func(f *flag.Flag) {
		if err != nil {
			return
		}
		err = c.set(f.Name, f.Value.String())
	})
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// set sets the field of c named by the flag name to value.
func (c *Config) set(name, value string) error {
	var err error
	switch name {
	case "config":
	case "cpus":
		c.CPUs, err = strconv.Atoi(value)
	case "memory":
		err = c.Memory.Set(value)
	case "reserved":
		err = c.Reserved.Set(value)
	case "page-sizes":
		c.PageSizes, err = strconv.Atoi(value)
	case "debug":
		c.Debug, err = strconv.ParseBool(value)
	case "log-format":
		c.LogFormat = value
	case "debug-log":
		c.DebugLog = value
	default:
		return fmt.Errorf("unknown flag %q", name)
	}
	if err != nil {
		return fmt.Errorf("flag %q: %w", name, err)
	}
	return nil
}

// Validate checks that the configuration describes a machine that can boot.
func (c *Config) Validate() error {
	var errs []error
	if c.CPUs < 1 {
		errs = append(errs, fmt.Errorf("cpus must be at least 1, got %d", c.CPUs))
	}
	if c.Memory < hostarch.HugePageSize {
		errs = append(errs, fmt.Errorf("memory must be at least %s, got %s", Size(hostarch.HugePageSize), c.Memory))
	}
	if c.Reserved >= c.Memory {
		errs = append(errs, fmt.Errorf("reserved (%s) must be smaller than memory (%s)", c.Reserved, c.Memory))
	}
	if c.PageSizes < 1 || c.PageSizes > 3 {
		errs = append(errs, fmt.Errorf("page-sizes must be 1, 2 or 3, got %d", c.PageSizes))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat))
	}
	return errors.Join(errs...)
}

// KernelOpts returns the boot options described by c.
func (c *Config) KernelOpts() kernel.Opts {
	return kernel.Opts{
		CPUs:       c.CPUs,
		MemorySize: uint64(c.Memory),
		Reserved:   uint64(c.Reserved),
		PageSizes:  c.PageSizes,
	}
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config: cpus=%d memory=%s reserved=%s page-sizes=%d", c.CPUs, c.Memory, c.Reserved, c.PageSizes)
	log.Infof("Config: debug=%t log-format=%s debug-log=%q", c.Debug, c.LogFormat, c.DebugLog)
}
