// Copyright 2026 The AMC-Pico8 Authors. All Rights Reserved.
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

// Package config loads the pico8 configuration from file and environment.
package config

import (
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
	"k8s.io/klog/v2"

	"github.com/amc-pico/pico8/pkg/board"
	"github.com/amc-pico/pico8/pkg/pci"
)

const (
	// Name is the configuration file name without extension.
	Name = "pico8"
	// EnvPrefix prefixes environment overrides, e.g. PICO8_PAGE_COUNT.
	EnvPrefix = "PICO8"
	// SearchDir is searched for the configuration file before the
	// working directory.
	SearchDir = "/etc/pico8"
)

// Config holds the settings of the pico8 tools.
type Config struct {
	Device       string            `mapstructure:"device" yaml:"device"`
	UIO          string            `mapstructure:"uio" yaml:"uio"`
	SysfsRoot    string            `mapstructure:"sysfs_root" yaml:"sysfs_root"`
	SubVendor    string            `mapstructure:"sub_vendor" yaml:"sub_vendor"`
	SubDevice    string            `mapstructure:"sub_device" yaml:"sub_device"`
	PageCount    uint32            `mapstructure:"page_count" yaml:"page_count"`
	IRQMode      string            `mapstructure:"irq_mode" yaml:"irq_mode"`
	PollInterval time.Duration     `mapstructure:"poll_interval" yaml:"poll_interval"`
	WaitTimeout  time.Duration     `mapstructure:"wait_timeout" yaml:"wait_timeout"`
	Registers    board.RegisterMap `mapstructure:"registers" yaml:"registers"`
	MetricsAddr  string            `mapstructure:"metrics_addr" yaml:"metrics_addr"`
	HealthSocket string            `mapstructure:"health_socket" yaml:"health_socket"`
	Sim          bool              `mapstructure:"sim" yaml:"sim"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("device", "")
	v.SetDefault("uio", "")
	v.SetDefault("sysfs_root", "/sys")
	v.SetDefault("sub_vendor", "")
	v.SetDefault("sub_device", "")
	v.SetDefault("page_count", board.DefaultPageCount)
	v.SetDefault("irq_mode", board.IRQMSI.String())
	v.SetDefault("poll_interval", time.Millisecond)
	v.SetDefault("wait_timeout", 5*time.Second)
	v.SetDefault("metrics_addr", "localhost:9108")
	v.SetDefault("health_socket", "/run/pico8/health.sock")
	v.SetDefault("sim", false)

	for name, off := range board.DefaultRegisters().Fields() {
		v.SetDefault("registers."+name, off)
	}
}

// Load reads the configuration. An empty path searches SearchDir and the
// working directory for pico8.yaml and falls back to defaults when none is
// found; an explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(Name)
		v.AddConfigPath(SearchDir)
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "reading configuration")
		}

		klog.V(2).Info("no configuration file found, using defaults")
	} else {
		klog.V(2).Infof("configuration loaded from %s", v.ConfigFileUsed())
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decoding configuration")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks values that cannot be checked by decoding alone.
func (c *Config) Validate() error {
	if c.PageCount == 0 {
		return errors.Wrap(board.ErrInvalid, "page_count must be positive")
	}

	if _, err := board.ParseIRQMode(c.IRQMode); err != nil {
		return err
	}

	if c.PollInterval <= 0 {
		return errors.Wrapf(board.ErrInvalid, "poll_interval %v", c.PollInterval)
	}

	for key, id := range map[string]string{"sub_vendor": c.SubVendor, "sub_device": c.SubDevice} {
		if err := pci.ValidateID(id); err != nil {
			return errors.Wrapf(board.ErrInvalid, "%s: %v", key, err)
		}
	}

	return nil
}

// BoardOptions converts the configuration into board options.
func (c *Config) BoardOptions() (board.Options, error) {
	mode, err := board.ParseIRQMode(c.IRQMode)
	if err != nil {
		return board.Options{}, err
	}

	return board.Options{
		Regs:      c.Registers,
		PageCount: c.PageCount,
		IRQMode:   mode,
	}, nil
}

// AttachOptions returns the options to attach the configured device.
func (c *Config) AttachOptions() (board.AttachOptions, error) {
	opts, err := c.BoardOptions()
	if err != nil {
		return board.AttachOptions{}, err
	}

	return board.AttachOptions{
		Options:   opts,
		SysfsRoot: c.SysfsRoot,
		Device:    c.Device,
		SubVendor: c.SubVendor,
		SubDevice: c.SubDevice,
	}, nil
}

// Dump writes the effective configuration as YAML.
func (c *Config) Dump(w io.Writer) error {
	out, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "encoding configuration")
	}

	_, err = w.Write(out)

	return errors.WithStack(err)
}
