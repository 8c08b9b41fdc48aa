package gates

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/corvid-labs/autopilot/internal/task"
)

func TestCommandGatePass(t *testing.T) {
	g := &CommandGate{GateName: "build", Command: "true"}
	res := g.Check(context.Background(), nil, &Artifact{})
	if !res.Passed {
		t.Fatalf("result = %+v, want pass", res)
	}
}

func TestCommandGateFailureIsRetryable(t *testing.T) {
	g := &CommandGate{GateName: "tests", Command: "sh", Args: []string{"-c", "echo 2 tests failed; exit 1"}}
	res := g.Check(context.Background(), nil, &Artifact{})
	if res.Passed {
		t.Fatal("non-zero exit must not pass")
	}
	if !res.Retryable {
		t.Error("exit-code failure must be retryable")
	}
	if !strings.Contains(res.Details, "2 tests failed") {
		t.Errorf("details = %q, want command output", res.Details)
	}
}

func TestCommandGateMissingBinaryIsFatal(t *testing.T) {
	g := &CommandGate{GateName: "lint", Command: "/nonexistent/linter"}
	res := g.Check(context.Background(), nil, &Artifact{})
	if res.Passed || res.Retryable {
		t.Fatalf("result = %+v, want fatal failure", res)
	}
}

func TestCommandGateTimeout(t *testing.T) {
	g := &CommandGate{GateName: "slow", Command: "sleep", Args: []string{"10"}, Timeout: 50 * time.Millisecond}
	start := time.Now()
	res := g.Check(context.Background(), nil, &Artifact{})
	if res.Passed {
		t.Fatal("timed-out gate must not pass")
	}
	if !res.Retryable {
		t.Error("timeout must be retryable")
	}
	if time.Since(start) > 3*time.Second {
		t.Error("timeout not enforced")
	}
}

func TestCommandGateRunsInWorkDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "marker"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write marker: %v", err)
	}
	g := &CommandGate{GateName: "check", Command: "test", Args: []string{"-f", "marker"}}
	res := g.Check(context.Background(), nil, &Artifact{WorkDir: dir})
	if !res.Passed {
		t.Fatalf("result = %+v, want pass in workdir", res)
	}
}

func TestProbeGate(t *testing.T) {
	g := &ProbeGate{GateName: "transcript", Forbidden: []string{"I was unable to", "gave up"}}

	tests := []struct {
		name   string
		output string
		pass   bool
	}{
		{"clean output", "all changes applied and verified", true},
		{"exact marker", "I was unable to run the tests", false},
		{"case insensitive", "eventually I GAVE UP on the migration", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := g.Check(context.Background(), nil, &Artifact{Output: tt.output})
			if res.Passed != tt.pass {
				t.Errorf("Passed = %v, want %v (%+v)", res.Passed, tt.pass, res)
			}
			if !tt.pass && !res.Retryable {
				t.Error("probe failures must be retryable")
			}
		})
	}
}

func TestArtifactGate(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "report.json"), []byte("{}"), 0o644); err != nil {
		t.Fatalf("write report: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "empty.log"), nil, 0o644); err != nil {
		t.Fatalf("write empty: %v", err)
	}

	tests := []struct {
		name   string
		paths  []string
		pass   bool
		detail string
	}{
		{"present and non-empty", []string{"report.json"}, true, ""},
		{"missing", []string{"missing.bin"}, false, "missing artifact"},
		{"empty", []string{"empty.log"}, false, "empty artifact"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := &ArtifactGate{GateName: "artifacts", Paths: tt.paths}
			res := g.Check(context.Background(), &task.Task{}, &Artifact{WorkDir: dir})
			if res.Passed != tt.pass {
				t.Fatalf("Passed = %v, want %v (%+v)", res.Passed, tt.pass, res)
			}
			if !tt.pass {
				if res.Retryable {
					t.Error("artifact failures must be fatal")
				}
				if !strings.Contains(res.Details, tt.detail) {
					t.Errorf("details = %q, want %q", res.Details, tt.detail)
				}
			}
		})
	}
}
