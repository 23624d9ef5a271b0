package protocol

import (
	"context"
)

// Core message types for the snapshot transfer tool.
// This package defines shared types used across internal packages and the
// JSON shapes handed to the guest module.

// Tag is a name/value pair attached to messages and processes.
type Tag struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

// Message describes one input to the compute step.
type Message struct {
	ID          string `json:"Id"`
	Target      string `json:"Target"`
	Owner       string `json:"Owner"`
	From        string `json:"From,omitempty"`
	Module      string `json:"Module,omitempty"`
	BlockHeight string `json:"Block-Height,omitempty"`
	Timestamp   int64  `json:"Timestamp"`
	Tags        []Tag  `json:"Tags"`
	Data        string `json:"Data"`
}

// Action returns the value of the Action tag, or "" when absent.
func (m *Message) Action() string {
	return TagValue(m.Tags, TagAction)
}

// Process is the logical process identity.
type Process struct {
	ID    string `json:"Id"`
	Owner string `json:"Owner"`
	Tags  []Tag  `json:"Tags"`
}

// Module is the logical module identity.
type Module struct {
	ID    string `json:"Id"`
	Owner string `json:"Owner"`
	Tags  []Tag  `json:"Tags"`
}

// Environment is the second descriptor passed to the compute step.
type Environment struct {
	Process Process `json:"Process"`
	Module  Module  `json:"Module"`
}

// Result is what one compute step invocation yields.
type Result struct {
	// Memory is the post-invocation linear memory image.
	Memory []byte
	// Output is the textual output of the invocation.
	Output string
}

// ComputeStep is the opaque execution service both sides of a transfer call into.
// A nil prior means start from a freshly initialised module.
type ComputeStep interface {
	Invoke(ctx context.Context, prior []byte, msg *Message, env *Environment) (*Result, error)
}

// ComputeFunc adapts a function to ComputeStep.
type ComputeFunc func(ctx context.Context, prior []byte, msg *Message, env *Environment) (*Result, error)

// Invoke calls f.
func (f ComputeFunc) Invoke(ctx context.Context, prior []byte, msg *Message, env *Environment) (*Result, error) {
	return f(ctx, prior, msg, env)
}

// Well-known tag names.
const (
	TagDataProtocol = "Data-Protocol"
	TagType         = "Type"
	TagAction       = "Action"
	TagExtension    = "Extension"
)

// TagValue returns the first value for name.
func TagValue(tags []Tag, name string) string {
	for _, t := range tags {
		if t.Name == name {
			return t.Value
		}
	}
	return ""
}
