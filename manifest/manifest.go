// Package manifest handles rox.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Manifest represents a rox.toml project configuration.
type Manifest struct {
	Project Project    `toml:"project"`
	Runtime Runtime    `toml:"runtime"`
	GC      GCConfig   `toml:"gc"`
	Debug   DebugFlags `toml:"debug"`

	// Dir is the directory containing the rox.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
	Entry   string `toml:"entry"`
}

// Runtime configures interpreter limits.
type Runtime struct {
	FrameLimit int `toml:"frame-limit"`
}

// GCConfig configures the collector's pacing.
type GCConfig struct {
	InitialThreshold int  `toml:"initial-threshold"`
	GrowthFactor     int  `toml:"growth-factor"`
	Stress           bool `toml:"stress"`
}

// DebugFlags enables diagnostic output.
type DebugFlags struct {
	TraceExecution   bool `toml:"trace-execution"`
	PrintDisassembly bool `toml:"print-disassembly"`
	LogGC            bool `toml:"log-gc"`
}

// Load parses a rox.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "rox.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	m.applyDefaults()
	return &m, nil
}

// FindAndLoad walks up from startDir to find a rox.toml file, then loads
// and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, "rox.toml")
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// Default returns a manifest with all defaults applied, for runs without a
// rox.toml.
func Default() *Manifest {
	var m Manifest
	m.applyDefaults()
	return &m
}

func (m *Manifest) applyDefaults() {
	if m.Project.Entry == "" {
		m.Project.Entry = "main.lox"
	}
	if m.Runtime.FrameLimit <= 0 {
		m.Runtime.FrameLimit = 256
	}
	if m.GC.InitialThreshold <= 0 {
		m.GC.InitialThreshold = 1024 * 1024
	}
	if m.GC.GrowthFactor <= 0 {
		m.GC.GrowthFactor = 2
	}
}

// EntryPath returns the absolute path of the entry script.
func (m *Manifest) EntryPath() string {
	if m.Dir == "" {
		return m.Project.Entry
	}
	return filepath.Join(m.Dir, m.Project.Entry)
}
