/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package node

import (
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"

	"github.com/peertalk/peertalk/protocol"
	"github.com/peertalk/peertalk/queue"
)

// Config specifies PeerTalk run options
type Config struct {
	LocalName         string              `yaml:"local_name"`
	MaxPeers          int                 `yaml:"max_peers"`
	DiscoveryPort     uint16              `yaml:"discovery_port"`
	TCPPort           uint16              `yaml:"tcp_port"`
	UDPPort           uint16              `yaml:"udp_port"`
	DiscoveryInterval time.Duration       `yaml:"discovery_interval"`
	PingInterval      time.Duration       `yaml:"ping_interval"`
	PeerTimeout       time.Duration       `yaml:"peer_timeout"`
	DiscoveryTimeout  time.Duration       `yaml:"discovery_timeout"`
	ConnectTimeout    time.Duration       `yaml:"connect_timeout"`
	Transports        protocol.Transports `yaml:"transports"`
	AutoAccept        *bool               `yaml:"auto_accept"`
	AutoCleanup       *bool               `yaml:"auto_cleanup"`
	QueueCapacity     int                 `yaml:"queue_capacity"`
}

// DefaultConfig returns Config initialized with default values
func DefaultConfig() *Config {
	on := true
	return &Config{
		LocalName:         defaultName(),
		MaxPeers:          16,
		DiscoveryPort:     protocol.PortDiscovery,
		TCPPort:           protocol.PortTCP,
		UDPPort:           protocol.PortUDP,
		DiscoveryInterval: 5 * time.Second,
		PingInterval:      3 * time.Second,
		PeerTimeout:       15 * time.Second,
		DiscoveryTimeout:  15 * time.Second,
		ConnectTimeout:    5 * time.Second,
		Transports:        protocol.TransportTCP | protocol.TransportUDP,
		AutoAccept:        &on,
		AutoCleanup:       &on,
		QueueCapacity:     64,
	}
}

func defaultName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "peertalk"
	}
	if len(host) > protocol.MaxNameLen {
		host = host[:protocol.MaxNameLen]
	}
	return host
}

// Validate config is sane
func (c *Config) Validate() error {
	if len(c.LocalName) == 0 || len(c.LocalName) > protocol.MaxNameLen {
		return fmt.Errorf("local_name must be 1..%d bytes", protocol.MaxNameLen)
	}
	for i := 0; i < len(c.LocalName); i++ {
		if c.LocalName[i] == 0 {
			return fmt.Errorf("local_name must not contain NUL bytes")
		}
	}
	if c.MaxPeers <= 0 {
		return fmt.Errorf("max_peers must be positive")
	}
	if c.DiscoveryInterval <= 0 {
		return fmt.Errorf("discovery_interval must be greater than zero")
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("ping_interval must be greater than zero")
	}
	if c.PeerTimeout <= c.PingInterval {
		return fmt.Errorf("peer_timeout must be greater than ping_interval")
	}
	if c.DiscoveryTimeout <= 0 {
		return fmt.Errorf("discovery_timeout must be greater than zero")
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be greater than zero")
	}
	if c.Transports&(protocol.TransportTCP|protocol.TransportUDP) == 0 {
		return fmt.Errorf("at least one of the tcp or udp transports must be enabled")
	}
	if c.QueueCapacity <= 0 || c.QueueCapacity > queue.MaxCapacity || c.QueueCapacity&(c.QueueCapacity-1) != 0 {
		return fmt.Errorf("queue_capacity must be a power of two no larger than %d", queue.MaxCapacity)
	}
	if c.AutoAccept == nil || c.AutoCleanup == nil {
		return fmt.Errorf("auto_accept and auto_cleanup must be resolved")
	}
	return nil
}

// ReadConfig reads config from the file
func ReadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	cData, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(cData, c); err != nil {
		return nil, err
	}
	return c, nil
}

// PrepareConfig prepares the final config from defaults, an optional
// on-disk file and CLI flag overrides, and validates the result
func PrepareConfig(cfgPath string, name string, discoveryPort, tcpPort, udpPort int, interval time.Duration, setFlags map[string]bool) (*Config, error) {
	cfg := DefaultConfig()
	var err error
	warn := func(n string) {
		log.Warningf("overriding %s from CLI flag", n)
	}
	if cfgPath != "" {
		cfg, err = ReadConfig(cfgPath)
		if err != nil {
			return nil, fmt.Errorf("reading config from %q: %w", cfgPath, err)
		}
	}
	if setFlags["name"] {
		warn("name")
		cfg.LocalName = name
	}
	if setFlags["discoveryport"] {
		warn("discoveryport")
		cfg.DiscoveryPort = uint16(discoveryPort)
	}
	if setFlags["tcpport"] {
		warn("tcpport")
		cfg.TCPPort = uint16(tcpPort)
	}
	if setFlags["udpport"] {
		warn("udpport")
		cfg.UDPPort = uint16(udpPort)
	}
	if setFlags["interval"] {
		warn("interval")
		cfg.DiscoveryInterval = interval
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	log.Debugf("config: %+v", cfg)
	return cfg, nil
}

// autoAccept resolves the tri-state flag with its default
func (c *Config) autoAccept() bool {
	return c.AutoAccept == nil || *c.AutoAccept
}

func (c *Config) autoCleanup() bool {
	return c.AutoCleanup == nil || *c.AutoCleanup
}
