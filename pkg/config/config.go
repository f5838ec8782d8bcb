// Package config loads skald's node configuration from SKALD_*-prefixed
// environment variables, an optional YAML file, and cobra flags, in that
// order of increasing precedence.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is one node's full configuration, covering storage, worker
// sizing, replication identity, the command port, plugin selection, the
// node's version string, and query-log destination.
type Config struct {
	DB             string `yaml:"db"`
	CacheSize      int64  `yaml:"cacheSize"`
	MaxJournalSize int64  `yaml:"maxJournalSize"`
	WorkerThreads  int    `yaml:"workerThreads"`
	ReadThreads    int    `yaml:"readThreads"`

	NodeName         string   `yaml:"nodeName"`
	NodeHost         string   `yaml:"nodeHost"`
	PeerList         []string `yaml:"peerList"`
	Priority         int      `yaml:"priority"`
	QuorumCheckpoint int      `yaml:"quorumCheckpoint"`

	ServerHost string   `yaml:"serverHost"`
	StatusHost string   `yaml:"statusHost"`
	Plugins    []string `yaml:"plugins"`

	Version string `yaml:"version"`
	QueryLog string `yaml:"queryLog"`
}

// Default returns a Config with every field set to skald's baked-in
// defaults, overridable by environment, file, and flags in that order.
func Default() Config {
	return Config{
		DB:             "./skald.db",
		CacheSize:      64 << 20,
		MaxJournalSize: 256 << 20,
		WorkerThreads:  runtime.GOMAXPROCS(0),
		ReadThreads:    runtime.GOMAXPROCS(0),
		NodeName:       "skald-node",
		NodeHost:       "127.0.0.1:8901",
		Priority:       100,
		ServerHost:     "127.0.0.1:8900",
		StatusHost:     "127.0.0.1:8902",
		Version:        "dev",
	}
}

const envPrefix = "SKALD_"

// LoadFromEnv starts from Default and overlays every recognized SKALD_*
// environment variable that is set.
func LoadFromEnv() Config {
	c := Default()
	if v := os.Getenv(envPrefix + "DB"); v != "" {
		c.DB = v
	}
	if v := os.Getenv(envPrefix + "CACHE_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.CacheSize = n
		}
	}
	if v := os.Getenv(envPrefix + "MAX_JOURNAL_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.MaxJournalSize = n
		}
	}
	if v := os.Getenv(envPrefix + "WORKER_THREADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.WorkerThreads = n
		}
	}
	if v := os.Getenv(envPrefix + "READ_THREADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ReadThreads = n
		}
	}
	if v := os.Getenv(envPrefix + "NODE_NAME"); v != "" {
		c.NodeName = v
	}
	if v := os.Getenv(envPrefix + "NODE_HOST"); v != "" {
		c.NodeHost = v
	}
	if v := os.Getenv(envPrefix + "PEER_LIST"); v != "" {
		c.PeerList = splitCSV(v)
	}
	if v := os.Getenv(envPrefix + "PRIORITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Priority = n
		}
	}
	if v := os.Getenv(envPrefix + "QUORUM_CHECKPOINT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.QuorumCheckpoint = n
		}
	}
	if v := os.Getenv(envPrefix + "SERVER_HOST"); v != "" {
		c.ServerHost = v
	}
	if v := os.Getenv(envPrefix + "STATUS_HOST"); v != "" {
		c.StatusHost = v
	}
	if v := os.Getenv(envPrefix + "PLUGINS"); v != "" {
		c.Plugins = splitCSV(v)
	}
	if v := os.Getenv(envPrefix + "VERSION"); v != "" {
		c.Version = v
	}
	if v := os.Getenv(envPrefix + "VERSION_OVERRIDE"); v != "" {
		c.Version = v
	}
	if v := os.Getenv(envPrefix + "QUERY_LOG"); v != "" {
		c.QueryLog = v
	}
	return c
}

// LoadFile overlays c with whatever keys a YAML config file at path sets,
// leaving unset keys untouched. A missing file is not an error; callers
// that require one should os.Stat first.
func LoadFile(c Config, path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return c, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return c, nil
}

// Validate reports the first configuration error found, if any.
func (c Config) Validate() error {
	if c.DB == "" {
		return fmt.Errorf("config: db path must not be empty")
	}
	if c.WorkerThreads <= 0 {
		return fmt.Errorf("config: workerThreads must be positive")
	}
	if c.ReadThreads <= 0 {
		return fmt.Errorf("config: readThreads must be positive")
	}
	if c.ServerHost == "" {
		return fmt.Errorf("config: serverHost must not be empty")
	}
	return nil
}

func splitCSV(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
