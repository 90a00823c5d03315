// Copyright 2026 The grcomm Authors.
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

package comm

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"grcomm.dev/grcomm/pkg/ivc"
)

const (
	// DefaultSendTimeout bounds how long Send waits for a full channel.
	DefaultSendTimeout = 250 * time.Millisecond

	// DefaultPollInterval bounds how long a receive pump sleeps between
	// checks of its stop request.
	DefaultPollInterval = 250 * time.Millisecond
)

// TransportConfig names one channel instance serving a queue.
type TransportConfig struct {
	Node     string `toml:"node"`
	Instance uint32 `toml:"instance"`
}

// QueueConfig lists the transports of a queue index. A queue with an entry
// but no transports is local only: it can only be sent to via Self.
type QueueConfig struct {
	Index      QueueIndex        `toml:"index"`
	Transports []TransportConfig `toml:"transport"`
}

// Config is the configuration of a Comm. It is usually loaded from a device
// configuration file with LoadConfig.
type Config struct {
	// VMID is the local VM.
	VMID ivc.VMID `toml:"vmid"`

	// SendTimeout bounds how long Send waits for a remote channel to become
	// writable.
	SendTimeout time.Duration `toml:"send_timeout"`

	// PollInterval bounds each wait of a receive pump.
	PollInterval time.Duration `toml:"poll_interval"`

	// MaxElements caps the number of elements a single queue may own. Zero
	// means unbounded.
	MaxElements int `toml:"max_elements"`

	// Queues lists the transports of each queue index.
	Queues []QueueConfig `toml:"queue"`

	// Bus describes the nodes of an in-process ivc.Bus. It is not used by
	// Comm itself.
	Bus []ivc.NodeConfig `toml:"bus"`
}

// DefaultConfig returns a configuration for vmid with default timeouts and
// no queues.
func DefaultConfig(vmid ivc.VMID) Config {
	cfg := Config{VMID: vmid}
	cfg.setDefaults()
	return cfg
}

func (cfg *Config) setDefaults() {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
}

// transports returns the transports configured for idx, and whether idx is
// configured at all.
func (cfg *Config) transports(idx QueueIndex) ([]TransportConfig, bool) {
	for _, q := range cfg.Queues {
		if q.Index == idx {
			return q.Transports, true
		}
	}
	return nil, false
}

// LoadConfig loads a device configuration file.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("error loading device config %q: %v", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("unknown keys in device config %q: %v", path, undecoded)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid device config %q: %v", path, err)
	}
	cfg.setDefaults()
	return &cfg, nil
}

func (cfg *Config) validate() error {
	if cfg.VMID == Self {
		return fmt.Errorf("vmid %d is reserved", Self)
	}
	if cfg.MaxElements < 0 {
		return fmt.Errorf("max_elements is negative: %d", cfg.MaxElements)
	}
	seen := make(map[QueueIndex]bool)
	for _, q := range cfg.Queues {
		if seen[q.Index] {
			return fmt.Errorf("queue %d listed twice", q.Index)
		}
		seen[q.Index] = true
		for _, t := range q.Transports {
			if t.Node == "" {
				return fmt.Errorf("queue %d: transport without node", q.Index)
			}
		}
	}
	return nil
}
