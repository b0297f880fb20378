package supervisor

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/magiconair/properties"
)

const (
	PropertiesFile    = "server.properties"
	DefaultPort       = 25565
	DefaultMaxPlayers = 20
)

// LaunchProfile is the fixed recipe for spawning the game server.
type LaunchProfile struct {
	Executable  string
	Artifact    string
	MinMemory   string
	MaxMemory   string
	ExtraArgs   []string
	StopCommand string
	Env         map[string]string
}

func DefaultLaunchProfile() LaunchProfile {
	return LaunchProfile{
		Executable:  "java",
		Artifact:    "server.jar",
		MinMemory:   "2G",
		MaxMemory:   "4G",
		StopCommand: "stop",
	}
}

func (p LaunchProfile) withDefaults() LaunchProfile {
	def := DefaultLaunchProfile()
	if p.Executable == "" {
		p.Executable = def.Executable
	}
	if p.Artifact == "" {
		p.Artifact = def.Artifact
	}
	if p.StopCommand == "" {
		p.StopCommand = def.StopCommand
	}
	return p
}

// Args is the child's argument list: heap sizes, explicit UTF-8 console
// encoding, extra JVM flags, then the jar in headless mode.
func (p LaunchProfile) Args() []string {
	var args []string
	if p.MaxMemory != "" {
		args = append(args, "-Xmx"+p.MaxMemory)
	}
	if p.MinMemory != "" {
		args = append(args, "-Xms"+p.MinMemory)
	}
	args = append(args, "-Dfile.encoding=UTF-8", "-Dconsole.encoding=UTF-8")
	args = append(args, p.ExtraArgs...)
	return append(args, "-jar", p.Artifact, "nogui")
}

// Environ returns base with a UTF-8 locale forced and the profile's own
// variables applied on top.
func (p LaunchProfile) Environ(base []string) []string {
	vars := map[string]string{
		"LANG":   "C.UTF-8",
		"LC_ALL": "C.UTF-8",
	}
	for k, v := range p.Env {
		vars[k] = v
	}

	out := make([]string, 0, len(base)+len(vars))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if _, overridden := vars[k]; overridden {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+vars[k])
	}
	return out
}

// MaxMemoryMB converts the -Xmx value to megabytes, or 0 if unset.
func (p LaunchProfile) MaxMemoryMB() uint64 {
	return parseMemoryMB(p.MaxMemory)
}

// parseMemoryMB understands the JVM size syntax: 4G, 512m, 1048576.
func parseMemoryMB(s string) uint64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	mult := 1.0 / (1024 * 1024)
	switch s[len(s)-1] {
	case 'k', 'K':
		mult = 1.0 / 1024
		s = s[:len(s)-1]
	case 'm', 'M':
		mult = 1
		s = s[:len(s)-1]
	case 'g', 'G':
		mult = 1024
		s = s[:len(s)-1]
	case 't', 'T':
		mult = 1024 * 1024
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return uint64(float64(n) * mult)
}

// CommandFactory builds the unstarted command for a launch directory.
type CommandFactory func(dir string, p LaunchProfile) *exec.Cmd

// JavaCommand is the production CommandFactory.
func JavaCommand(dir string, p LaunchProfile) *exec.Cmd {
	cmd := exec.Command(p.Executable, p.Args()...)
	cmd.Dir = dir
	cmd.Env = p.Environ(os.Environ())
	return cmd
}

// ServerProperties holds the server.properties values the panel reports.
type ServerProperties struct {
	Port       int
	MaxPlayers int
}

// ReadProperties reads server.properties from dir. A missing file yields the
// defaults; unparsable or out-of-range values fall back individually.
func ReadProperties(dir string) (ServerProperties, error) {
	out := ServerProperties{Port: DefaultPort, MaxPlayers: DefaultMaxPlayers}

	path := filepath.Join(dir, PropertiesFile)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return out, nil
	}

	// Values such as motd may contain "${", so expansion stays off.
	l := &properties.Loader{Encoding: properties.UTF8, DisableExpansion: true}
	props, err := l.LoadFile(path)
	if err != nil {
		return out, fmt.Errorf("read %s: %w", PropertiesFile, err)
	}

	if port := props.GetInt("server-port", DefaultPort); port > 0 && port <= 65535 {
		out.Port = port
	}
	if n := props.GetInt("max-players", DefaultMaxPlayers); n >= 0 {
		out.MaxPlayers = n
	}
	return out, nil
}
