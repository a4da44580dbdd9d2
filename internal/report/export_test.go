package report

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"loan-cob-scheduler/internal/config"
	"loan-cob-scheduler/internal/models"
)

func TestExport_LocalSummary(t *testing.T) {
	tempDir := t.TempDir()
	exporter, err := New(context.Background(), config.Config{ReportOutputDir: tempDir})
	if err != nil {
		t.Fatalf("new exporter: %v", err)
	}

	exec := models.JobExecution{
		ID:              42,
		JobName:         "LOAN_COB",
		Status:          models.StatusCompleted,
		BusinessDate:    time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC),
		PartitionsTotal: 2,
		PartitionsDone:  2,
		LoansProcessed:  10,
		LoansFailed:     1,
	}
	failures := []models.AuditLog{{ExecutionID: 42, Event: "loan_failed", Detail: "loan=7 step=EXTERNAL_ASSET_OWNER_TRANSFER"}}

	loc, err := exporter.Export(context.Background(), exec, failures)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	want := filepath.Join(tempDir, "cob", "LOAN_COB", "2024-03-01", "execution-42.json")
	if loc != want {
		t.Fatalf("expected %s, got %s", want, loc)
	}
	data, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("summary not written: %v", err)
	}

	var got Summary
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if got.Execution.ID != 42 || got.COBDate != "2024-03-01" {
		t.Fatalf("unexpected summary header: %+v", got)
	}
	if len(got.Failures) != 1 || got.Failures[0].Detail != failures[0].Detail {
		t.Fatalf("unexpected failures: %+v", got.Failures)
	}
}

func TestSanitizeKey(t *testing.T) {
	cases := map[string]string{
		"/cob/a.json":         "cob/a.json",
		"./cob/a.json":        "cob/a.json",
		"cob/../cob/b/a.json": "cob/b/a.json",
	}
	for in, want := range cases {
		if got := sanitizeKey(in); got != want {
			t.Fatalf("sanitizeKey(%q) = %q, want %q", in, got, want)
		}
	}
}
