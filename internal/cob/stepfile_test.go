package cob

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loan-cob-scheduler/internal/models"
)

func TestParseStepFile(t *testing.T) {
	sf, err := ParseStepFile(strings.NewReader(`
jobs:
  LOAN_COB:
    - name: B
      order: 2
    - name: A
      order: 1
`))
	require.NoError(t, err)
	assert.Equal(t, []models.BusinessStep{{Name: "A", Order: 1}, {Name: "B", Order: 2}}, sf.Jobs["LOAN_COB"])

	require.NoError(t, sf.Validate(NewRegistry(&funcStep{name: "A"}, &funcStep{name: "B"})))
	require.ErrorIs(t, sf.Validate(NewRegistry(&funcStep{name: "A"})), ErrUnknownStep)
}

func TestParseStepFileRejectsDuplicates(t *testing.T) {
	_, err := ParseStepFile(strings.NewReader(`
jobs:
  LOAN_COB:
    - {name: A, order: 1}
    - {name: A, order: 2}
`))
	require.ErrorIs(t, err, ErrDuplicateStep)
}

func TestParseStepFileRejectsUnknownFields(t *testing.T) {
	_, err := ParseStepFile(strings.NewReader(`
jobs:
  LOAN_COB:
    - {name: A, position: 1}
`))
	require.Error(t, err)
}

func TestLoadStepFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "steps.yaml")
	require.NoError(t, os.WriteFile(path, []byte("jobs:\n  LOAN_COB:\n    - {name: A, order: 1}\n"), 0o600))

	sf, err := LoadStepFile(path)
	require.NoError(t, err)
	assert.Len(t, sf.Jobs["LOAN_COB"], 1)

	_, err = LoadStepFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
