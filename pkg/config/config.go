package config

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".steptrace"
	configFile string = "config.yml"
)

const (
	// DefaultMaxTraceCount is the step cap used by conditional traces when
	// neither the command nor the configuration file specify one.
	DefaultMaxTraceCount = 50000

	// DefaultTraceRecordCachePages is the number of trace record pages kept
	// in memory before the least recently used one is written back.
	DefaultTraceRecordCachePages = 4096

	// DefaultTraceRecordFlushInterval is the number of executed
	// instructions recorded between two automatic flushes.
	DefaultTraceRecordFlushInterval = 10000
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Commands aliases.
	Aliases map[string][]string `yaml:"aliases"`

	// MaxTraceCount is the default maximum number of steps of a
	// conditional trace.
	MaxTraceCount *uint64 `yaml:"max-trace-count,omitempty"`

	// TraceLogFile, if set, is the file trace log messages are written to
	// instead of the console.
	TraceLogFile string `yaml:"trace-log-file,omitempty"`

	// TraceRecordDir is the directory used by 'tracerecord on' when no path
	// is given.
	TraceRecordDir string `yaml:"trace-record-dir,omitempty"`

	// TraceRecordType selects the page layout of new trace record pages:
	// bit, byte or word.
	TraceRecordType string `yaml:"trace-record-type,omitempty"`

	// TraceRecordCachePages is the number of pages the trace record keeps
	// in memory.
	TraceRecordCachePages int `yaml:"trace-record-cache-pages,omitempty"`

	// TraceRecordFlushInterval is the number of recorded instructions
	// between automatic flushes of the trace record.
	TraceRecordFlushInterval int `yaml:"trace-record-flush-interval,omitempty"`
}

// GetMaxTraceCount returns the configured step cap or DefaultMaxTraceCount.
func (c *Config) GetMaxTraceCount() uint64 {
	if c == nil || c.MaxTraceCount == nil || *c.MaxTraceCount == 0 {
		return DefaultMaxTraceCount
	}
	return *c.MaxTraceCount
}

// GetTraceRecordDir returns the configured trace record directory,
// defaulting to a directory inside the configuration directory.
func (c *Config) GetTraceRecordDir() string {
	if c != nil && c.TraceRecordDir != "" {
		return c.TraceRecordDir
	}
	p, _ := GetConfigFilePath("tracerecord")
	return p
}

// GetTraceRecordCachePages returns the configured page cache size.
func (c *Config) GetTraceRecordCachePages() int {
	if c == nil || c.TraceRecordCachePages <= 0 {
		return DefaultTraceRecordCachePages
	}
	return c.TraceRecordCachePages
}

// GetTraceRecordFlushInterval returns the configured flush interval.
func (c *Config) GetTraceRecordFlushInterval() int {
	if c == nil || c.TraceRecordFlushInterval <= 0 {
		return DefaultTraceRecordFlushInterval
	}
	return c.TraceRecordFlushInterval
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return &Config{}
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return &Config{}
		}
	}
	defer func() {
		err := f.Close()
		if err != nil {
			fmt.Printf("Closing config file failed: %v.", err)
		}
	}()

	c, err := readConfig(f)
	if err != nil {
		fmt.Printf("Unable to decode config file: %v.", err)
		return &Config{}
	}
	return c
}

func readConfig(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return f, nil
}

func writeDefaultConfig(f io.Writer) error {
	_, err := io.WriteString(f,
		`# Configuration file for steptrace.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Provided aliases will be added to the default aliases for a given command.
aliases:
  # command: ["alias1", "alias2"]

# Maximum number of steps taken by a conditional trace (ticnd, tocnd, ...)
# when the command does not specify one.
# max-trace-count: 50000

# Write trace log messages to this file instead of the console.
# trace-log-file: /tmp/steptrace.log

# Directory used by 'tracerecord on' when no path is given.
# trace-record-dir: /tmp/steptrace-record

# Layout of trace record pages: bit (visited only), byte or word (visited
# plus hit counter and instruction byte type).
# trace-record-type: bit

# Number of trace record pages kept in memory.
# trace-record-cache-pages: 4096

# Number of recorded instructions between automatic trace record flushes.
# trace-record-flush-interval: 10000
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	if configPath := os.Getenv("STEPTRACE_CONFIG_DIR"); configPath != "" {
		return path.Join(configPath, file), nil
	}

	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
