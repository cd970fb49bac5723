package toolexec

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mediagw/internal/apierr"
)

// TestHelperProcess is not a real test; it is re-executed as a fake tool.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	if len(args) > 0 {
		args = args[1:]
	}
	switch args[0] {
	case "ok":
		fmt.Fprint(os.Stdout, "done")
		os.Exit(0)
	case "write":
		_ = os.WriteFile(args[1], []byte("stem"), 0o600)
		os.Exit(0)
	case "fail":
		fmt.Fprintf(os.Stderr, "RuntimeError: could not read %s", args[1])
		os.Exit(3)
	case "sleep":
		time.Sleep(10 * time.Second)
		os.Exit(0)
	}
	os.Exit(2)
}

func helper(args ...string) Command {
	return Command{
		Tool: "fake",
		Name: os.Args[0],
		Args: append([]string{"-test.run=TestHelperProcess", "--"}, args...),
		Env:  []string{"GO_WANT_HELPER_PROCESS=1"},
	}
}

func TestRunSuccess(t *testing.T) {
	inv := New(0, zerolog.Nop())
	res, err := inv.Run(context.Background(), helper("ok"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode != 0 || !strings.Contains(res.Stdout, "done") {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRunNonZeroIsToolFailureWithRedactedStderr(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "input.wav")
	c := helper("fail", in)
	c.Redact = []string{dir}
	inv := New(0, zerolog.Nop())
	res, err := inv.Run(context.Background(), c)
	if !apierr.IsToolFailure(err) {
		t.Fatalf("expected tool failure, got %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("exit code = %d", res.ExitCode)
	}
	msg := apierr.Public(err)
	if !strings.Contains(msg, "RuntimeError") {
		t.Fatalf("diagnostic missing: %q", msg)
	}
	if strings.Contains(msg, dir) {
		t.Fatalf("path leaked: %q", msg)
	}
}

func TestRunMissingBinary(t *testing.T) {
	inv := New(0, zerolog.Nop())
	_, err := inv.Run(context.Background(), Command{Tool: "nope", Name: "/definitely/not/here"})
	if !apierr.IsToolFailure(err) {
		t.Fatalf("expected tool failure, got %v", err)
	}
}

func TestRunTimeoutKillsTool(t *testing.T) {
	inv := New(200*time.Millisecond, zerolog.Nop())
	start := time.Now()
	_, err := inv.Run(context.Background(), helper("sleep"))
	if err == nil {
		t.Fatalf("expected error on timeout")
	}
	if apierr.IsToolFailure(err) {
		t.Fatalf("timeout should not be reported as tool failure: %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("tool was not killed promptly")
	}
}

func TestExpect(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "vocals.wav")
	if err := Expect(out, "stem vocals"); !apierr.IsOutputMissing(err) {
		t.Fatalf("expected output missing, got %v", err)
	}
	inv := New(0, zerolog.Nop())
	if _, err := inv.Run(context.Background(), helper("write", out)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := Expect(out, "stem vocals"); err != nil {
		t.Fatalf("expected artifact present: %v", err)
	}
}
