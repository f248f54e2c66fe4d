package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Sources describes the log source inventory loaded from the YAML settings
// file: manually configured local files, scanned local directories, and
// remote hosts with their own log entries.
type Sources struct {
	LogFiles       []LocalFile  `yaml:"log_files"`
	LogDirectories []LocalDir   `yaml:"log_directories"`
	RemoteServers  []RemoteHost `yaml:"remote_servers"`
}

// LocalFile is a single explicitly configured local log file.
type LocalFile struct {
	Name     string `yaml:"name"`
	Path     string `yaml:"path"`
	Encoding string `yaml:"encoding"`
	AlwaysOn bool   `yaml:"always_on"`
}

// LocalDir is a local directory scanned for matching log files.
type LocalDir struct {
	Name      string `yaml:"name"`
	ScanDir   string `yaml:"scan_dir"`
	Pattern   string `yaml:"pattern"`
	Recursive bool   `yaml:"recursive"`
	Encoding  string `yaml:"encoding"`
}

// RemoteHost describes one SSH-reachable host, its credentials, and the
// access restrictions applied to every log source on it.
type RemoteHost struct {
	Name       string   `yaml:"name"`
	Host       string   `yaml:"host"`
	Port       int      `yaml:"port"`
	User       string   `yaml:"user"`
	AuthMethod string   `yaml:"auth_method"` // "key" or "password"
	KeyPath    string   `yaml:"key_path"`
	Password   string   `yaml:"password"`
	// AllowedPaths is the whitelist of absolute path prefixes this host's
	// sources may reference. Required and non-empty.
	AllowedPaths []string `yaml:"allowed_paths"`
	// MaxFileSize bounds remote files before tailing begins (bytes).
	MaxFileSize int64 `yaml:"max_file_size"`
	// InsecureSkipVerify disables host key verification. Off by default;
	// turning it on is logged loudly at connect time.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
	KnownHostsPath     string `yaml:"known_hosts_path"`

	Logs []RemoteLog `yaml:"logs"`
}

// RemoteLog is one log entry on a remote host, either a single file or a
// directory expanded by the scanner.
type RemoteLog struct {
	Name      string `yaml:"name"`
	Path      string `yaml:"path"`
	Type      string `yaml:"type"` // "file" or "directory"
	Pattern   string `yaml:"pattern"`
	Recursive bool   `yaml:"recursive"`
	Encoding  string `yaml:"encoding"`
	AlwaysOn  bool   `yaml:"always_on"`
}

// DefaultMaxFileSize is applied when a remote host omits max_file_size.
const DefaultMaxFileSize int64 = 100 * 1024 * 1024

// LoadSources reads and validates the YAML source inventory. A missing file
// yields an empty inventory rather than an error, matching first-run usage.
func LoadSources(path string) (*Sources, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Sources{}, nil
		}
		return nil, fmt.Errorf("read sources file %s: %w", path, err)
	}

	var src Sources
	if err := yaml.Unmarshal(data, &src); err != nil {
		return nil, fmt.Errorf("parse sources file %s: %w", path, err)
	}

	if err := src.validate(); err != nil {
		return nil, err
	}
	src.applyDefaults()
	return &src, nil
}

func (s *Sources) validate() error {
	for i, f := range s.LogFiles {
		if f.Name == "" || f.Path == "" {
			return fmt.Errorf("log_files[%d]: name and path are required", i)
		}
	}
	for i, d := range s.LogDirectories {
		if d.ScanDir == "" {
			return fmt.Errorf("log_directories[%d]: scan_dir is required", i)
		}
	}
	for i, h := range s.RemoteServers {
		if h.Host == "" || h.User == "" {
			return fmt.Errorf("remote_servers[%d]: host and user are required", i)
		}
		if len(h.AllowedPaths) == 0 {
			return fmt.Errorf("remote_servers[%d] (%s): allowed_paths is required and must be non-empty", i, h.Host)
		}
		switch h.AuthMethod {
		case "", "key":
			if h.KeyPath == "" {
				return fmt.Errorf("remote_servers[%d] (%s): key_path is required for key auth", i, h.Host)
			}
		case "password":
			if h.Password == "" {
				return fmt.Errorf("remote_servers[%d] (%s): password is required for password auth", i, h.Host)
			}
		default:
			return fmt.Errorf("remote_servers[%d] (%s): unsupported auth_method %q", i, h.Host, h.AuthMethod)
		}
	}
	return nil
}

func (s *Sources) applyDefaults() {
	for i := range s.LogDirectories {
		if s.LogDirectories[i].Pattern == "" {
			s.LogDirectories[i].Pattern = "*.log"
		}
		if s.LogDirectories[i].Name == "" {
			s.LogDirectories[i].Name = "Scanned"
		}
	}
	for i := range s.RemoteServers {
		h := &s.RemoteServers[i]
		if h.Port == 0 {
			h.Port = 22
		}
		if h.AuthMethod == "" {
			h.AuthMethod = "key"
		}
		if h.MaxFileSize == 0 {
			h.MaxFileSize = DefaultMaxFileSize
		}
		if h.Name == "" {
			h.Name = h.Host
		}
		for j := range h.Logs {
			if h.Logs[j].Type == "" {
				h.Logs[j].Type = "file"
			}
			if h.Logs[j].Type == "directory" && h.Logs[j].Pattern == "" {
				h.Logs[j].Pattern = "*.log"
			}
		}
	}
}
