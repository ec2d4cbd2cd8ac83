package cli

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"kmpipe/internal/pipeline"
)

func noEnv(string) string { return "" }

func TestParseInvocation_RunFlagsOverrideDefaults(t *testing.T) {
	inv, err := ParseInvocation([]string{
		"run",
		"--file", "fof.txt",
		"--run-dir", "out",
		"--kmer-size", "25",
		"--nb-cores", "16",
		"--until", "count",
		"--merge-abundance-min", "0.2",
		"--task-timeout", "1h",
		"-skip-merge", "-mode", "bf",
		"-verbose",
	}, noEnv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	o := inv.Config.Pipeline
	if inv.Command != CommandRun || !inv.Verbose || inv.Debug {
		t.Fatalf("unexpected invocation: %+v", inv)
	}
	if o.Manifest != "fof.txt" || o.RunDir != "out" || o.KmerSize != 25 || o.Cores != 16 {
		t.Fatalf("flags not applied: %+v", o)
	}
	if o.Until != pipeline.StepCount || o.Only != pipeline.StepAll {
		t.Fatalf("unexpected steps until=%s only=%s", o.Until, o.Only)
	}
	if o.MergeAbundanceMin != "0.2" || o.TaskTimeout != time.Hour || !o.SkipMerge || o.Mode != "bf" {
		t.Fatalf("flags not applied: %+v", o)
	}
	if o.MaxCount != 255 {
		t.Fatalf("expected default max count, got %d", o.MaxCount)
	}
}

func TestParseInvocation_ConfigFileSuppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kmpipe.yaml")
	if err := os.WriteFile(path, []byte("kmer_size: 21\nnb_cores: 2\nstate_dir: /var/kmpipe\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	inv, err := ParseInvocation([]string{"run", "--nb-cores", "6", "--config=" + path}, noEnv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inv.ConfigPath != path {
		t.Fatalf("config path not recorded: %q", inv.ConfigPath)
	}
	if inv.Config.Pipeline.KmerSize != 21 || inv.Config.Pipeline.Cores != 6 || inv.Config.StateDir != "/var/kmpipe" {
		t.Fatalf("unexpected config: %+v", inv.Config)
	}
}

func TestParseInvocation_EnvironmentDefaults(t *testing.T) {
	env := func(k string) string {
		if k == "KMPIPE_BIN_DIR" {
			return "/opt/km/bin"
		}
		return ""
	}
	inv, err := ParseInvocation([]string{"env"}, env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inv.Config.Pipeline.BinDir != "/opt/km/bin" {
		t.Fatalf("expected bin dir from environment, got %q", inv.Config.Pipeline.BinDir)
	}
}

func TestParseInvocation_Errors(t *testing.T) {
	cases := []struct {
		name string
		args []string
		code int
	}{
		{"no command", nil, ExitInvalidInvocation},
		{"unknown command", []string{"build"}, ExitInvalidInvocation},
		{"unknown flag", []string{"run", "--bf-size", "3"}, ExitInvalidInvocation},
		{"bad step", []string{"run", "--only", "index"}, ExitInvalidInvocation},
		{"positional", []string{"run", "fof.txt"}, ExitInvalidInvocation},
		{"run flag on runs", []string{"runs", "--file", "x"}, ExitInvalidInvocation},
		{"config missing", []string{"run", "--config", "/does/not/exist.yaml"}, ExitConfigError},
		{"config without value", []string{"run", "--config"}, ExitInvalidInvocation},
		{"help", []string{"--help"}, ExitSuccess},
		{"run help", []string{"run", "-h"}, ExitSuccess},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseInvocation(tc.args, noEnv)
			if err == nil {
				t.Fatalf("expected error")
			}
			if got := ExitCode(err); got != tc.code {
				t.Fatalf("exit code: want %d, got %d (%v)", tc.code, got, err)
			}
		})
	}
}

func TestConfigPath(t *testing.T) {
	cases := map[string][]string{
		"a.yaml": {"--file", "f", "-config", "a.yaml"},
		"b.yaml": {"--config=b.yaml"},
		"":       {"--file", "config", "--", "--config", "c.yaml"},
	}
	for want, args := range cases {
		got, err := configPath(args)
		if err != nil {
			t.Fatalf("%v: unexpected error: %v", args, err)
		}
		if got != want {
			t.Fatalf("%v: want %q, got %q", args, want, got)
		}
	}
}
