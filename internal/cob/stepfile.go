package cob

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"loan-cob-scheduler/internal/models"
)

// StepFile is the YAML seed of the step registry:
//
//	jobs:
//	  LOAN_COB:
//	    - name: EXTERNAL_ASSET_OWNER_TRANSFER
//	      order: 1
type StepFile struct {
	Jobs map[string][]models.BusinessStep `yaml:"jobs"`
}

// LoadStepFile reads and validates a step file from disk.
func LoadStepFile(path string) (StepFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return StepFile{}, fmt.Errorf("open step file: %w", err)
	}
	defer f.Close()
	return ParseStepFile(f)
}

// ParseStepFile decodes a step file. Step names must be unique and
// non-empty within a job.
func ParseStepFile(r io.Reader) (StepFile, error) {
	var sf StepFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&sf); err != nil && err != io.EOF {
		return StepFile{}, fmt.Errorf("decode step file: %w", err)
	}
	for job, steps := range sf.Jobs {
		seen := make(map[string]struct{}, len(steps))
		for _, s := range steps {
			if s.Name == "" {
				return StepFile{}, fmt.Errorf("job %s: step without name", job)
			}
			if _, dup := seen[s.Name]; dup {
				return StepFile{}, fmt.Errorf("job %s: %w: %s", job, ErrDuplicateStep, s.Name)
			}
			seen[s.Name] = struct{}{}
		}
		sf.Jobs[job] = SortSteps(steps)
	}
	return sf, nil
}

// Validate checks every configured step has an implementation.
func (sf StepFile) Validate(r *Registry) error {
	for job, steps := range sf.Jobs {
		if _, err := r.Chain(steps); err != nil {
			return fmt.Errorf("job %s: %w", job, err)
		}
	}
	return nil
}
