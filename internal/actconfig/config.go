// Copyright 2025 Tom Barlow
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

// Package actconfig loads the daemon's typed configuration from a YAML
// file, following this runtime's own typed-struct-with-defaults style
// rather than a generic key/value config library.
package actconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/acts/internal/actlog"
)

// Config is the daemon's full set of knobs.
type Config struct {
	Listen string `yaml:"listen"`

	Store struct {
		Driver string `yaml:"driver"` // memory | sqlite
		DSN    string `yaml:"dsn"`
		WAL    bool   `yaml:"wal"`
	} `yaml:"store"`

	Models struct {
		Dir string `yaml:"dir"` // glob root for *.yaml model files
	} `yaml:"models"`

	Scheduler struct {
		MaxParallel         int           `yaml:"max_parallel"`
		QueueSize           int           `yaml:"queue_size"`
		TimeoutPollInterval time.Duration `yaml:"timeout_poll_interval"`
	} `yaml:"scheduler"`

	Emitter struct {
		RetryInterval time.Duration `yaml:"retry_interval"`
		RetryCeiling  int           `yaml:"retry_ceiling"`
		RetryRate     float64       `yaml:"retry_rate_per_second"`
	} `yaml:"emitter"`

	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Tracing struct {
		Exporter string `yaml:"exporter"` // stdout only by default; see DESIGN.md
	} `yaml:"tracing"`
}

// Default returns the daemon's out-of-the-box configuration.
func Default() Config {
	var c Config
	c.Listen = ":8090"
	c.Store.Driver = "memory"
	c.Scheduler.MaxParallel = 10
	c.Scheduler.QueueSize = 1024
	c.Scheduler.TimeoutPollInterval = time.Second
	c.Emitter.RetryInterval = 30 * time.Second
	c.Emitter.RetryCeiling = 5
	c.Emitter.RetryRate = 10
	c.Log.Level = "info"
	c.Log.Format = "text"
	c.Tracing.Exporter = "stdout"
	return c
}

// Load reads and merges a YAML file over Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LogFormat maps the config's string format to actlog.Format.
func (c Config) LogFormat() actlog.Format {
	if c.Log.Format == "json" {
		return actlog.FormatJSON
	}
	return actlog.FormatText
}
