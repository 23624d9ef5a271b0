package plan

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/woxQAQ/aoxfer/pkg/protocol"
)

func testEnv() *protocol.Environment {
	return &protocol.Environment{
		Process: protocol.Process{ID: "Test2", Owner: "Test"},
		Module:  protocol.Module{ID: "BlucTh6AJQvcbhNPa1t1UpNgHTM7UEmR0czYdAdCxXg"},
	}
}

func TestParse_Valid(t *testing.T) {
	path := filepath.Join("testdata", "llama", "plan.yaml")

	p, err := Parse(path)
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}

	if p.Name != "llama-dad-joke" {
		t.Errorf("expected Name 'llama-dad-joke', got '%s'", p.Name)
	}

	if len(p.Rounds) != 2 {
		t.Fatalf("expected 2 rounds, got %d", len(p.Rounds))
	}

	if p.Rounds[0].Produce.DataFile != "init.lua" {
		t.Errorf("expected data_file 'init.lua', got '%s'", p.Rounds[0].Produce.DataFile)
	}

	if p.Rounds[1].Produce != nil || p.Rounds[1].Resume != nil {
		t.Errorf("second round should only have a remote message")
	}

	if p.Path() != path {
		t.Errorf("expected Path '%s', got '%s'", path, p.Path())
	}
}

func TestParse_NotFound(t *testing.T) {
	_, err := Parse(filepath.Join("testdata", "nonexistent.yaml"))
	if err == nil {
		t.Fatal("Parse() should fail for a missing file")
	}

	if _, ok := err.(*PlanNotFoundError); !ok {
		t.Errorf("expected PlanNotFoundError, got %T", err)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse(filepath.Join("testdata", "invalid-yaml.yaml"))
	if err == nil {
		t.Fatal("Parse() should fail for invalid YAML")
	}

	if _, ok := err.(*PlanParseError); !ok {
		t.Errorf("expected PlanParseError, got %T", err)
	}
}

func TestParse_ValidationFailures(t *testing.T) {
	tests := []struct {
		file  string
		field string
	}{
		{"missing-name.yaml", "name"},
		{"no-rounds.yaml", "rounds"},
		{"missing-remote.yaml", "rounds[0].remote"},
		{"missing-action.yaml", "rounds[0].remote.action"},
		{"both-data.yaml", "rounds[0].remote"},
		{"action-tag.yaml", "rounds[0].remote.tags"},
	}

	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			_, err := Parse(filepath.Join("testdata", tt.file))
			if err == nil {
				t.Fatal("Parse() should fail")
			}

			validationErr, ok := err.(*PlanValidationError)
			if !ok {
				t.Fatalf("expected PlanValidationError, got %T: %v", err, err)
			}

			if validationErr.Field != tt.field {
				t.Errorf("expected Field '%s', got '%s'", tt.field, validationErr.Field)
			}
		})
	}
}

func TestParse_DataFileNotFound(t *testing.T) {
	_, err := Parse(filepath.Join("testdata", "missing-data-file.yaml"))
	if err == nil {
		t.Fatal("Parse() should fail for a missing data file")
	}

	if _, ok := err.(*DataFileNotFoundError); !ok {
		t.Errorf("expected DataFileNotFoundError, got %T", err)
	}
}

func TestPlan_Steps(t *testing.T) {
	p, err := Parse(filepath.Join("testdata", "llama", "plan.yaml"))
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}

	steps, err := p.Steps(protocol.NewClock(), testEnv())
	if err != nil {
		t.Fatalf("Steps() failed: %v", err)
	}

	if len(steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(steps))
	}

	produce := steps[0].Produce
	if !strings.Contains(produce.Data, `require("llama")`) {
		t.Errorf("produce data not read from init.lua: %q", produce.Data)
	}
	if produce.Target != "Test2" || produce.Owner != "Test" {
		t.Errorf("identity not filled from environment: target=%s owner=%s", produce.Target, produce.Owner)
	}
	if produce.Module != "BlucTh6AJQvcbhNPa1t1UpNgHTM7UEmR0czYdAdCxXg" {
		t.Errorf("unexpected module %s", produce.Module)
	}
	if produce.BlockHeight != "1000" {
		t.Errorf("expected block height 1000, got %s", produce.BlockHeight)
	}
	if produce.Action() != "Eval" {
		t.Errorf("expected Eval action, got %s", produce.Action())
	}
	if protocol.TagValue(produce.Tags, protocol.TagDataProtocol) != "ao" {
		t.Errorf("missing Data-Protocol tag: %v", produce.Tags)
	}

	if got := protocol.TagValue(steps[0].Resume.Tags, "Reply-To"); got != "Test" {
		t.Errorf("expected extra tag Reply-To=Test, got %q", got)
	}

	if steps[1].Produce != nil || steps[1].Resume != nil {
		t.Errorf("second round should only have a remote message")
	}

	// Ids are unique and timestamps never go backwards in plan order.
	msgs := []*protocol.Message{steps[0].Produce, steps[0].Remote, steps[0].Resume, steps[1].Remote}
	seen := make(map[string]bool)
	var last int64
	for _, m := range msgs {
		if seen[m.ID] {
			t.Errorf("duplicate message id %s", m.ID)
		}
		seen[m.ID] = true

		if m.Timestamp < last {
			t.Errorf("timestamp went backwards: %d < %d", m.Timestamp, last)
		}
		last = m.Timestamp
	}
}
