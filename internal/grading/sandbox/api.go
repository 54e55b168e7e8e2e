// Package sandbox runs untrusted programs in disposable, resource-bounded containers.
package sandbox

import (
	"context"
	"time"
)

// Runner executes one program against one input.
// A program failure is reported in Result; an error means the sandbox itself failed.
type Runner interface {
	Run(ctx context.Context, req Request) (Result, error)
}

// Request describes one execution.
type Request struct {
	Code          string
	Stdin         string
	TimeLimit     time.Duration
	MemoryLimitMB int
}

// Result is the observed outcome of one execution.
type Result struct {
	// Output is the last non-empty line written to stdout.
	Output    string
	TimedOut  bool
	Crashed   bool
	OOMKilled bool
	ExitCode  int
	// Stderr holds the tail of stderr, for diagnostics only.
	Stderr  string
	Elapsed time.Duration
}

// Config controls container construction.
type Config struct {
	Image string `yaml:"image"`
	// Command is prefixed to the submitted code, e.g. ["python", "-c"].
	Command []string `yaml:"command"`
	User    string   `yaml:"user"`
	// Margin is added to the time limit to form the wall-clock budget.
	Margin         time.Duration `yaml:"margin"`
	PidsLimit      int64         `yaml:"pidsLimit"`
	NanoCPUs       int64         `yaml:"nanoCPUs"`
	MaxOutputBytes int           `yaml:"maxOutputBytes"`
	StderrTail     int           `yaml:"stderrTail"`
	ReadOnlyRootfs bool          `yaml:"readOnlyRootfs"`
	RemoveTimeout  time.Duration `yaml:"removeTimeout"`
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.Image == "" {
		c.Image = "python:3.9-slim"
	}
	if len(c.Command) == 0 {
		c.Command = []string{"python", "-c"}
	}
	if c.Margin <= 0 {
		c.Margin = time.Second
	}
	if c.PidsLimit <= 0 {
		c.PidsLimit = 64
	}
	if c.NanoCPUs <= 0 {
		c.NanoCPUs = 1_000_000_000
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = 1 << 20
	}
	if c.StderrTail <= 0 {
		c.StderrTail = 2048
	}
	if c.RemoveTimeout <= 0 {
		c.RemoveTimeout = 10 * time.Second
	}
}
