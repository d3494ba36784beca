package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func writePlan(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plan.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write plan: %v", err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

const passingPlan = `
tests:
  - name: Setup
    class: Flow
    order: 1
    command: [sh, -c, "true"]
  - name: Check
    class: Flow
    order: 2
    method_data: [1, 2]
    not_in_parallel: [db]
    command: [sh, -c, 'test -n "$TANDEM_ARG_0"']
`

const failingPlan = `
tests:
  - name: Good
    command: [sh, -c, "true"]
  - name: Bad
    command: [sh, -c, "echo nope >&2; exit 2"]
`

func TestVersionMetadataDefaults(t *testing.T) {
	if version != "dev" {
		t.Fatalf("expected default version %q, got %q", "dev", version)
	}
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, "tandem dev") {
		t.Fatalf("unexpected version output %q", out)
	}
}

func TestValidateCommand(t *testing.T) {
	out, err := execute(t, "validate", writePlan(t, passingPlan))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "plan OK: 2 tests, 3 instances, 0 blocked") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestValidateRejectsSchemaViolations(t *testing.T) {
	_, err := execute(t, "validate", writePlan(t, "tests:\n  - name: A\n    retries: 2\n"))
	if err == nil {
		t.Fatal("expected schema error")
	}
}

func TestListCommandJSON(t *testing.T) {
	out, err := execute(t, "list", "--json", writePlan(t, passingPlan))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var listed []listedInstance
	if err := json.Unmarshal([]byte(out), &listed); err != nil {
		t.Fatalf("decode list output: %v\n%s", err, out)
	}
	if len(listed) != 3 {
		t.Fatalf("expected 3 instances, got %d", len(listed))
	}
	if listed[0].DisplayName != "Setup" || listed[1].Keys[0] != "db" {
		t.Fatalf("unexpected instances: %+v", listed)
	}
}

func TestRunPassingPlan(t *testing.T) {
	requireShell(t)
	out, err := execute(t, "run", "--parallelism", "2", writePlan(t, passingPlan))
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	if !strings.Contains(out, "passed: 3 passed") {
		t.Fatalf("unexpected summary %q", out)
	}
}

func TestRunFailingPlanAndHistory(t *testing.T) {
	requireShell(t)
	dsn := filepath.Join(t.TempDir(), "history.db")

	out, err := execute(t, "run", "--results-dsn", dsn, writePlan(t, failingPlan))
	if !errors.Is(err, errTestsFailed) {
		t.Fatalf("expected errTestsFailed, got %v\n%s", err, out)
	}
	if !strings.Contains(out, "failed: 1 passed, 1 failed") {
		t.Fatalf("unexpected summary %q", out)
	}

	out, err = execute(t, "history", "--json", "--results-dsn", dsn)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var runs []struct {
		ID      string `json:"id"`
		Outcome string `json:"outcome"`
		Total   int    `json:"total"`
		Failed  int    `json:"failed"`
	}
	if err := json.Unmarshal([]byte(out), &runs); err != nil {
		t.Fatalf("decode history: %v\n%s", err, out)
	}
	if len(runs) != 1 || runs[0].Outcome != "failed" || runs[0].Total != 2 || runs[0].Failed != 1 {
		t.Fatalf("unexpected history %+v", runs)
	}

	out, err = execute(t, "history", "--results-dsn", dsn, "--run", runs[0].ID)
	if err != nil {
		t.Fatalf("history --run: %v", err)
	}
	if !strings.Contains(out, "Bad") || !strings.Contains(out, "Good") {
		t.Fatalf("expected both results listed, got %q", out)
	}
}

func TestHistoryRequiresStore(t *testing.T) {
	t.Setenv("TANDEM_RESULTS_DSN", "")
	if _, err := execute(t, "history"); err == nil {
		t.Fatal("expected error without a result store")
	}
}

func TestRunExitCodes(t *testing.T) {
	if code := run([]string{"version"}); code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if code := run([]string{"no-such-command"}); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
}
