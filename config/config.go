// Package config defines the yaml configuration consumed by the talon
// command-line tools.
package config

import (
	"fmt"
	"io/ioutil"
	"time"

	"github.com/pkg/errors"
	yaml "github.com/zrepl/yaml-config"
)

type Config struct {
	Nexus    NexusConfig    `yaml:"nexus"`
	Endpoint EndpointConfig `yaml:"endpoint"`
	Bench    *BenchConfig   `yaml:"bench,optional"`
	Logging  *LoggingConfig `yaml:"logging,optional,fromdefaults"`
}

type NexusConfig struct {
	// Listen is the management listener address ("host:port").
	Listen string `yaml:"listen"`
}

type EndpointConfig struct {
	ID         uint8  `yaml:"id"`
	DataListen string `yaml:"data_listen"`
	MTU        int    `yaml:"mtu,optional"`
	InlineSize int    `yaml:"inline_size,optional"`

	WindowSize        int           `yaml:"window_size,optional"`
	MaxMsgSize        int           `yaml:"max_msg_size,optional"`
	RetransmitTimeout time.Duration `yaml:"retransmit_timeout,optional"`
	NumBgWorkers      int           `yaml:"num_bg_workers,optional"`
	ResponseBatchSize int           `yaml:"response_batch_size,optional"`
	DatapathChecks    bool          `yaml:"datapath_checks,optional"`

	RetryConnectOnInvalidRemoteID bool `yaml:"retry_connect_on_invalid_remote_id,optional"`
}

type BenchConfig struct {
	// Mode is "server" or "client".
	Mode string `yaml:"mode"`

	// Client-only fields.
	RemoteURI        string        `yaml:"remote_uri,optional"`
	RemoteEndpointID uint8         `yaml:"remote_endpoint_id,optional"`
	MsgSize          int           `yaml:"msg_size,optional,default=64"`
	Duration         time.Duration `yaml:"duration,optional,default=10s"`
	Concurrency      int           `yaml:"concurrency,optional,default=1"`

	// Server-only: prometheus scrape listener, empty disables it.
	MetricsListen string `yaml:"metrics_listen,optional"`
}

type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level,optional,default=info"`
	// Format is "human" or "logfmt".
	Format string `yaml:"format,optional,default=human"`
}

func (c *Config) Validate() error {
	if c.Nexus.Listen == "" {
		return errors.New("nexus.listen must be set")
	}
	if c.Endpoint.DataListen == "" {
		return errors.New("endpoint.data_listen must be set")
	}
	if c.Bench != nil {
		switch c.Bench.Mode {
		case "server":
		case "client":
			if c.Bench.RemoteURI == "" {
				return errors.New("bench.remote_uri must be set in client mode")
			}
		default:
			return errors.Errorf("bench.mode must be \"server\" or \"client\", not %q", c.Bench.Mode)
		}
	}
	switch c.Logging.Format {
	case "", "human", "logfmt":
	default:
		return errors.Errorf("logging.format must be \"human\" or \"logfmt\", not %q", c.Logging.Format)
	}
	return nil
}

func ParseConfig(path string) (*Config, error) {
	bytes, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return ParseConfigBytes(bytes)
}

func ParseConfigBytes(bytes []byte) (*Config, error) {
	var c *Config
	if err := yaml.UnmarshalStrict(bytes, &c); err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("config is empty or only consists of comments")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
