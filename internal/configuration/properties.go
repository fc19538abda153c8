package configuration

import (
	"fmt"
	"net"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration accepts either a Go duration string ("250ms") or a bare number of
// milliseconds, which yaml.v3 cannot do for time.Duration on its own.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var ms int64
	if err := value.Decode(&ms); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Properties struct {
	App       AppProperties       `yaml:"app"`
	Transport TransportProperties `yaml:"transport"`
	Raft      RaftProperties      `yaml:"raft"`
}

type AppProperties struct {
	LogLevel    string `yaml:"log-level"`
	MetricsPort string `yaml:"metrics-port"`
}

type TransportProperties struct {
	Address    string `yaml:"address"`
	RaftPort   string `yaml:"raft-port"`
	ClientPort string `yaml:"client-port"`
}

// RaftProperties tunes the consensus integration engine. Intervals follow the
// engine defaults when zero: interval 100ms, request timeout 250ms, election
// timeout 500ms, reconnect interval 100ms, max log entries 10000.
type RaftProperties struct {
	NodeID            uint64   `yaml:"node-id"`
	DataDir           string   `yaml:"data-dir"`
	Interval          Duration `yaml:"interval"`
	RequestTimeout    Duration `yaml:"request-timeout"`
	ElectionTimeout   Duration `yaml:"election-timeout"`
	ReconnectInterval Duration `yaml:"reconnect-interval"`
	MaxLogEntries     uint64   `yaml:"max-log-entries"`
	MaxSizePerMsg     uint64   `yaml:"max-size-per-msg"`
	MaxInflightMsgs   int      `yaml:"max-inflight-msgs"`
	LogNoSync         bool     `yaml:"log-no-sync"`
}

func (t *TransportProperties) RaftAddr() string {
	return net.JoinHostPort(t.Address, t.RaftPort)
}

func (t *TransportProperties) ClientAddr() string {
	return net.JoinHostPort(t.Address, t.ClientPort)
}

func (p *Properties) Validate() error {
	if p.Raft.NodeID == 0 {
		return fmt.Errorf("raft.node-id must be set and non-zero")
	}
	if p.Raft.DataDir == "" {
		return fmt.Errorf("raft.data-dir must be set")
	}
	if p.Transport.RaftPort == "" || p.Transport.ClientPort == "" {
		return fmt.Errorf("transport.raft-port and transport.client-port must be set")
	}
	return nil
}
