package plan

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/woxQAQ/aoxfer/internal/transfer"
	"github.com/woxQAQ/aoxfer/pkg/protocol"
)

// Plan describes a sequence of round trips, one message per compute step.
type Plan struct {
	Name   string  `yaml:"name"`
	Rounds []Round `yaml:"rounds"`

	// Internal fields
	path string // File the plan was read from
}

// Round holds the messages of one round trip. Only Remote is required.
type Round struct {
	Produce *MessageSpec `yaml:"produce"`
	Remote  *MessageSpec `yaml:"remote"`
	Resume  *MessageSpec `yaml:"resume"`
}

// MessageSpec is the authored form of a protocol.Message. Identity fields
// left empty are filled from the process and module being run.
type MessageSpec struct {
	Action      string         `yaml:"action"`
	Data        string         `yaml:"data"`
	DataFile    string         `yaml:"data_file"`
	Target      string         `yaml:"target"`
	Owner       string         `yaml:"owner"`
	From        string         `yaml:"from"`
	BlockHeight string         `yaml:"block_height"`
	Tags        []protocol.Tag `yaml:"tags"`
}

// Parse reads and validates the plan at path.
func Parse(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &PlanNotFoundError{
			Path: path,
			Err:  err,
		}
	}

	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, &PlanParseError{
			Path: path,
			Err:  err,
		}
	}

	p.path = path

	if err := p.Validate(); err != nil {
		return nil, err
	}

	return &p, nil
}

// Validate checks plan fields.
func (p *Plan) Validate() error {
	if p.Name == "" {
		return &PlanValidationError{
			Path:    p.path,
			Field:   "name",
			Message: "name is required",
		}
	}

	if len(p.Rounds) == 0 {
		return &PlanValidationError{
			Path:    p.path,
			Field:   "rounds",
			Message: "at least one round is required",
		}
	}

	for i, r := range p.Rounds {
		if r.Remote == nil {
			return &PlanValidationError{
				Path:    p.path,
				Field:   fmt.Sprintf("rounds[%d].remote", i),
				Message: "every round needs a remote message",
			}
		}

		steps := []struct {
			name string
			spec *MessageSpec
		}{
			{"produce", r.Produce},
			{"remote", r.Remote},
			{"resume", r.Resume},
		}
		for _, s := range steps {
			if s.spec == nil {
				continue
			}
			if err := p.validateMessage(fmt.Sprintf("rounds[%d].%s", i, s.name), s.spec); err != nil {
				return err
			}
		}
	}

	return nil
}

func (p *Plan) validateMessage(field string, m *MessageSpec) error {
	if m.Action == "" {
		return &PlanValidationError{
			Path:    p.path,
			Field:   field + ".action",
			Message: "action is required",
		}
	}

	if m.Data != "" && m.DataFile != "" {
		return &PlanValidationError{
			Path:    p.path,
			Field:   field,
			Message: "data and data_file are mutually exclusive",
		}
	}

	for _, t := range m.Tags {
		if t.Name == "" {
			return &PlanValidationError{
				Path:    p.path,
				Field:   field + ".tags",
				Message: "tag name is required",
			}
		}
		if t.Name == protocol.TagAction {
			return &PlanValidationError{
				Path:    p.path,
				Field:   field + ".tags",
				Message: "use action instead of an Action tag",
			}
		}
	}

	if m.DataFile != "" {
		if _, err := os.Stat(p.resolve(m.DataFile)); os.IsNotExist(err) {
			return &DataFileNotFoundError{
				PlanPath: p.path,
				DataFile: m.DataFile,
			}
		}
	}

	return nil
}

// Path returns the plan file path.
func (p *Plan) Path() string {
	return p.path
}

// Dir returns the directory data files are resolved against.
func (p *Plan) Dir() string {
	return filepath.Dir(p.path)
}

func (p *Plan) resolve(file string) string {
	if filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(p.Dir(), file)
}

// Steps builds the transfer steps for every round. Each message gets a fresh
// id and a timestamp from clock, in plan order.
func (p *Plan) Steps(clock *protocol.Clock, env *protocol.Environment) ([]transfer.Steps, error) {
	out := make([]transfer.Steps, 0, len(p.Rounds))
	for _, r := range p.Rounds {
		var s transfer.Steps
		var err error
		if s.Produce, err = p.message(r.Produce, clock, env); err != nil {
			return nil, err
		}
		if s.Remote, err = p.message(r.Remote, clock, env); err != nil {
			return nil, err
		}
		if s.Resume, err = p.message(r.Resume, clock, env); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (p *Plan) message(m *MessageSpec, clock *protocol.Clock, env *protocol.Environment) (*protocol.Message, error) {
	if m == nil {
		return nil, nil
	}

	data := m.Data
	if m.DataFile != "" {
		b, err := os.ReadFile(p.resolve(m.DataFile))
		if err != nil {
			return nil, fmt.Errorf("failed to read data file %s: %w", m.DataFile, err)
		}
		data = string(b)
	}

	tags := make([]protocol.Tag, 0, len(m.Tags)+3)
	tags = append(tags,
		protocol.Tag{Name: protocol.TagDataProtocol, Value: "ao"},
		protocol.Tag{Name: protocol.TagType, Value: "Message"},
		protocol.Tag{Name: protocol.TagAction, Value: m.Action},
	)
	tags = append(tags, m.Tags...)

	msg := &protocol.Message{
		ID:          uuid.NewString(),
		Target:      orDefault(m.Target, env.Process.ID),
		Owner:       orDefault(m.Owner, env.Process.Owner),
		From:        m.From,
		Module:      env.Module.ID,
		BlockHeight: m.BlockHeight,
		Timestamp:   clock.Next(),
		Tags:        tags,
		Data:        data,
	}
	return msg, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
