// Package manifest handles cinder.toml host configuration.
package manifest

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/chazu/cinder/vm"
)

// FileName is the manifest file looked up by Load and FindAndLoad.
const FileName = "cinder.toml"

// Manifest represents a cinder.toml host configuration.
type Manifest struct {
	VM      VMConfig    `toml:"vm"`
	Debug   DebugConfig `toml:"debug"`
	Log     LogConfig   `toml:"log"`
	Scripts []Script    `toml:"script"`

	// Dir is the directory containing the cinder.toml file (set at load time).
	Dir string `toml:"-"`
}

// VMConfig mirrors vm.Config. Zero values keep the VM defaults.
type VMConfig struct {
	TimeBudget     time.Duration `toml:"time-budget"`
	GCInterval     time.Duration `toml:"gc-interval"`
	HeapCapacity   int           `toml:"heap-capacity"`
	ObjectCapacity int           `toml:"object-capacity"`
	StackCapacity  int           `toml:"stack-capacity"`
	AttachOnFault  *bool         `toml:"attach-on-fault"`
}

// DebugConfig configures the debug server.
type DebugConfig struct {
	Listen        string        `toml:"listen"`
	Tick          time.Duration `toml:"tick"`
	SessionTTL    time.Duration `toml:"session-ttl"`
	SweepInterval time.Duration `toml:"sweep-interval"`
}

// LogConfig configures commonlog.
type LogConfig struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Script is one image to load at startup.
type Script struct {
	Path     string `toml:"path"`
	Priority int    `toml:"priority"`
	Cache    bool   `toml:"cache"`
}

// Load parses a cinder.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	md, err := toml.Decode(string(data), &m)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%s: unknown key %q", path, undecoded[0].String())
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	// Defaults
	if m.Debug.Tick <= 0 {
		m.Debug.Tick = 16 * time.Millisecond
	}
	if m.Debug.SessionTTL <= 0 {
		m.Debug.SessionTTL = 30 * time.Minute
	}
	if m.Debug.SweepInterval <= 0 {
		m.Debug.SweepInterval = time.Minute
	}

	return &m, nil
}

// FindAndLoad walks up from startDir to find a cinder.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
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

// ToConfig converts the [vm] table to a vm.Config, starting from the VM
// defaults.
func (m *Manifest) ToConfig() vm.Config {
	cfg := vm.DefaultConfig()
	if m.VM.TimeBudget > 0 {
		cfg.TimeBudget = m.VM.TimeBudget
	}
	if m.VM.GCInterval > 0 {
		cfg.GCInterval = m.VM.GCInterval
	}
	if m.VM.HeapCapacity > 0 {
		cfg.HeapCapacity = m.VM.HeapCapacity
	}
	if m.VM.ObjectCapacity > 0 {
		cfg.ObjectCapacity = m.VM.ObjectCapacity
	}
	if m.VM.StackCapacity > 0 {
		cfg.StackCapacity = m.VM.StackCapacity
	}
	if m.VM.AttachOnFault != nil {
		cfg.AttachOnFault = *m.VM.AttachOnFault
	}
	return cfg
}

// ScriptFS returns the file system script URLs are resolved against.
func (m *Manifest) ScriptFS() fs.FS {
	return os.DirFS(m.Dir)
}
