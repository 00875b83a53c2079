package capture

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "lapse/pkg/logx"

	"lapse/internal/timelapse"
)

func TestNewSelectsLogCapturer(t *testing.T) {
	t.Parallel()
	c := New(Config{}, logx.Nop())
	if _, ok := c.(*logCapturer); !ok {
		t.Fatalf("New with empty command = %T, want *logCapturer", c)
	}
	rec := &timelapse.Record{ID: 1, Name: "x"}
	if err := c.Capture(context.Background(), rec); err != nil {
		t.Fatalf("log capture error: %v", err)
	}
}

func TestRunnerEnvironment(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	out := filepath.Join(dir, "env.txt")

	c := New(Config{
		Command: "/bin/sh",
		Args:    []string{"-c", "env | grep ^LAPSE_ > " + out},
		Timeout: 10 * time.Second,
	}, logx.Nop())

	rec := &timelapse.Record{
		ID:        42,
		Name:      "garden",
		Camera:    "usb:001,004",
		Directory: "/data/garden",
		Frames:    9,
	}
	if err := c.Capture(context.Background(), rec); err != nil {
		t.Fatalf("Capture error: %v", err)
	}

	b, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("ReadFile error: %v", err)
	}
	env := string(b)
	for _, want := range []string{
		"LAPSE_JOB_ID=42",
		"LAPSE_JOB_NAME=garden",
		"LAPSE_CAMERA=usb:001,004",
		"LAPSE_DIR=/data/garden",
		"LAPSE_FRAME=10",
	} {
		if !strings.Contains(env, want) {
			t.Fatalf("environment missing %q:\n%s", want, env)
		}
	}
}

func TestRunnerFailureIncludesOutput(t *testing.T) {
	t.Parallel()
	c := New(Config{
		Command: "/bin/sh",
		Args:    []string{"-c", "echo lens cap on >&2; exit 3"},
		Timeout: 10 * time.Second,
	}, logx.Nop())

	err := c.Capture(context.Background(), &timelapse.Record{ID: 1})
	if err == nil {
		t.Fatal("expected error from failing command")
	}
	if !strings.Contains(err.Error(), "lens cap on") {
		t.Fatalf("error %q should carry the command output", err)
	}
}

func TestRunnerTimeout(t *testing.T) {
	t.Parallel()
	c := New(Config{
		Command: "/bin/sh",
		Args:    []string{"-c", "sleep 5"},
		Timeout: 50 * time.Millisecond,
	}, logx.Nop())

	start := time.Now()
	err := c.Capture(context.Background(), &timelapse.Record{ID: 1})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("error = %q, want a timeout message", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatal("timeout did not fire promptly")
	}
}
