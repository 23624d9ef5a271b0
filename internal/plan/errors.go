package plan

import (
	"fmt"
)

// PlanNotFoundError occurs when the plan file cannot be read.
type PlanNotFoundError struct {
	Path string
	Err  error
}

func (e *PlanNotFoundError) Error() string {
	return fmt.Sprintf("plan not found at '%s': %v", e.Path, e.Err)
}

func (e *PlanNotFoundError) Unwrap() error {
	return e.Err
}

// PlanParseError occurs when the plan file is not valid YAML.
type PlanParseError struct {
	Path string
	Err  error
}

func (e *PlanParseError) Error() string {
	return fmt.Sprintf("failed to parse plan at '%s': %v", e.Path, e.Err)
}

func (e *PlanParseError) Unwrap() error {
	return e.Err
}

// PlanValidationError occurs when a plan parses but describes an unusable run.
type PlanValidationError struct {
	Path    string
	Field   string
	Message string
}

func (e *PlanValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("plan validation failed at '%s': %s (field: %s)",
			e.Path, e.Message, e.Field)
	}
	return fmt.Sprintf("plan validation failed at '%s': %s", e.Path, e.Message)
}

// DataFileNotFoundError occurs when a message's data_file does not exist.
type DataFileNotFoundError struct {
	PlanPath string
	DataFile string
}

func (e *DataFileNotFoundError) Error() string {
	return fmt.Sprintf("data file '%s' not found (referenced in plan '%s')",
		e.DataFile, e.PlanPath)
}
