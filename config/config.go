// Copyright 2025 Morgridge Institute for Research
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

// Package config loads the YAML configuration a CBS client is started
// from: the broker to dial, the token duration to request, and the
// set of audiences to keep authenticated for the life of the process.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// AudienceConfig is one statically-configured audience this client
// should authenticate (and, if Renew is set, keep renewed) on startup.
type AudienceConfig struct {
	Audience string   `yaml:"audience"`
	Claims   []string `yaml:"claims,omitempty"`
	Renew    bool     `yaml:"renew"`
}

// ClientConfig is the top-level shape of a CBS client's YAML config
// file.
type ClientConfig struct {
	// Host is the AMQP broker's hostname or address.
	Host string `yaml:"host"`
	// Port defaults to 5671 (AMQPS) if left zero.
	Port int `yaml:"port"`
	// CBSNode is a CBS node name read from the file. cbs.Dispatcher does
	// not read it: the dispatcher takes the node name from the peer's
	// Open properties, or "$cbs" when none is given.
	CBSNode string `yaml:"cbsNode,omitempty"`

	// TokenDuration is the lifetime requested for every minted token.
	// Parsed from a Go duration string (e.g. "20m"); left zero if empty,
	// so the caller applies its own default.
	TokenDuration time.Duration `yaml:"-"`
	RawDuration   string        `yaml:"tokenDuration,omitempty"`

	Audiences []AudienceConfig `yaml:"audiences,omitempty"`
}

// Load reads and parses a ClientConfig from path.
func Load(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: reading %s", path)
	}
	return Parse(data)
}

// Parse unmarshals a ClientConfig from raw YAML bytes.
func Parse(data []byte) (*ClientConfig, error) {
	var cfg ClientConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "config: parsing YAML")
	}

	if cfg.RawDuration != "" {
		d, err := time.ParseDuration(cfg.RawDuration)
		if err != nil {
			return nil, errors.Wrapf(err, "config: tokenDuration %q", cfg.RawDuration)
		}
		cfg.TokenDuration = d
	}
	if cfg.Port == 0 {
		cfg.Port = 5671
	}

	return &cfg, nil
}
