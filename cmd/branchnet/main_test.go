package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"branchnet/internal/config"
)

func TestHelp(t *testing.T) {
	var out bytes.Buffer
	code := run([]string{"--help"}, &out, &out)
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	for _, want := range []string{"branchnet", "run", "observe", "send", "constants"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("expected help output to mention %q:\n%s", want, out.String())
		}
	}
}

func TestUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"frobnicate"}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "unknown command") {
		t.Fatalf("unexpected stderr: %s", stderr.String())
	}
}

func TestConstants(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"constants"}, &stdout, &stderr); code != 0 {
		t.Fatalf("constants failed: %s", stderr.String())
	}
	var got struct {
		Version        string `json:"version"`
		MaxMessageSize int    `json:"max_message_size"`
		DefaultAdvPort int    `json:"default_adv_port"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &got); err != nil {
		t.Fatalf("decode constants: %v\n%s", err, stdout.String())
	}
	want := config.DefaultConstants()
	if got.Version != want.Version() || got.MaxMessageSize != want.MaxMessageSize || got.DefaultAdvPort != want.DefaultAdvPort {
		t.Fatalf("unexpected constants: %+v", got)
	}
}

func TestRunMissingConfig(t *testing.T) {
	var stdout, stderr bytes.Buffer
	missing := filepath.Join(t.TempDir(), "missing.toml")
	if code := run([]string{"run", "--config", missing}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "could not open file") {
		t.Fatalf("unexpected stderr: %s", stderr.String())
	}
}

func TestRunInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "branch.toml")
	if err := os.WriteFile(path, []byte("name = \"a\"\npath = \"no-slash\"\n"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	var stdout, stderr bytes.Buffer
	if code := run([]string{"observe", "--config", path}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "path must start with /") {
		t.Fatalf("unexpected stderr: %s", stderr.String())
	}
}

func TestInlinePropsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "branch.json")
	if err := os.WriteFile(path, []byte(`{"name":"file","path":"/file"}`), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	f := branchFlags{config: path, props: `{"path":"/inline"}`, network: "flag-net"}
	p, err := f.properties()
	if err != nil {
		t.Fatalf("properties: %v", err)
	}
	if p.Name != "file" || p.Path != "/inline" || p.NetworkName != "flag-net" {
		t.Fatalf("unexpected properties: %+v", p)
	}
}

func TestSendArgs(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"send"}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected exit code 1 without a message, got %d", code)
	}
	if code := run([]string{"send", "--peers", "0", "hi"}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected exit code 1 for --peers 0, got %d", code)
	}
	if !strings.Contains(stderr.String(), "--peers must be at least 1") {
		t.Fatalf("unexpected stderr: %s", stderr.String())
	}
}
