package kv

import (
	"encoding/json"
	"fmt"
)

// Command ops replicated through the consensus log. Reads never go through
// the log; they are served locally by the service.
const (
	OpSet    = "set"
	OpDelete = "delete"
)

type Command struct {
	Op    string `json:"op"`
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

func EncodeCommand(c *Command) ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	return data, nil
}

func DecodeCommand(data []byte) (*Command, error) {
	var c Command
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}
	if c.Key == "" {
		return nil, fmt.Errorf("decode command: missing key")
	}
	switch c.Op {
	case OpSet, OpDelete:
		return &c, nil
	default:
		return nil, fmt.Errorf("decode command: unknown op %q", c.Op)
	}
}
