package agent

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

const DefaultDatasetPrefix = "https://docs.google.com/spreadsheets/d/"

type Config struct {
	Server struct {
		Port         int    `yaml:"port"`
		Origin       string `yaml:"origin"`
		FetchTimeout string `yaml:"fetchTimeout"`
	} `yaml:"server"`

	Storage struct {
		Path string `yaml:"path"`
		RAM  struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`
	} `yaml:"storage"`

	// Generation names the app-shell cache generation this deploy installs,
	// e.g. "formulary-cache-v3".
	Generation string `yaml:"generation"`

	Shell struct {
		URLs            []string `yaml:"urls"`
		Sitemaps        []string `yaml:"sitemaps"`
		WarmConcurrency int      `yaml:"warmConcurrency"`
	} `yaml:"shell"`

	Dataset struct {
		Prefix string `yaml:"prefix"`
		URL    string `yaml:"url"`
	} `yaml:"dataset"`

	Logging struct {
		Level         string `yaml:"level"`
		Format        string `yaml:"format"`
		File          string `yaml:"file"`
		LogStatsEvery string `yaml:"logStatsEvery"`
	} `yaml:"logging"`

	// compiled
	fetchTimeout     time.Duration
	ramMax           int64
	logStatsEveryDur time.Duration
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate fills defaults and compiles derived fields. It is safe to call more
// than once.
func (c *Config) Validate() error {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	c.Server.Origin = strings.TrimRight(c.Server.Origin, "/")

	c.fetchTimeout = 30 * time.Second
	if c.Server.FetchTimeout != "" {
		d, err := time.ParseDuration(c.Server.FetchTimeout)
		if err != nil {
			return fmt.Errorf("server.fetchTimeout: %w", err)
		}
		c.fetchTimeout = d
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "./data/leveldb"
	}
	if c.Storage.RAM.Max == "" {
		c.Storage.RAM.Max = "64MB"
	}
	n, err := humanize.ParseBytes(c.Storage.RAM.Max)
	if err != nil {
		return fmt.Errorf("storage.ram.max: %w", err)
	}
	c.ramMax = int64(n)

	if _, err := generationVersion(c.Generation); err != nil {
		return fmt.Errorf("generation %q: %w", c.Generation, err)
	}

	if c.Shell.WarmConcurrency <= 0 {
		c.Shell.WarmConcurrency = 4
	}
	for i, u := range c.Shell.URLs {
		u = strings.TrimSpace(u)
		if u == "" {
			return fmt.Errorf("shell.urls[%d]: empty", i)
		}
		c.Shell.URLs[i] = u
	}

	if c.Dataset.Prefix == "" {
		c.Dataset.Prefix = DefaultDatasetPrefix
	}
	if !strings.HasPrefix(c.Dataset.Prefix, "http://") && !strings.HasPrefix(c.Dataset.Prefix, "https://") {
		return fmt.Errorf("dataset.prefix must be an absolute http(s) URL, got %q", c.Dataset.Prefix)
	}

	if c.Logging.LogStatsEvery != "" {
		d, err := time.ParseDuration(c.Logging.LogStatsEvery)
		if err != nil {
			return fmt.Errorf("logging.logStatsEvery: %w", err)
		}
		c.logStatsEveryDur = d
	}
	return nil
}

func (c Config) FetchTimeout() time.Duration { return c.fetchTimeout }

func (c Config) RAMMax() int64 { return c.ramMax }

var generationRe = regexp.MustCompile(`-v(\d+)$`)

// generationVersion extracts the version marker N from a "<name>-v<N>" tag.
func generationVersion(name string) (int, error) {
	m := generationRe.FindStringSubmatch(strings.TrimSpace(name))
	if m == nil {
		return 0, ErrBadGeneration
	}
	v, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadGeneration, err)
	}
	return v, nil
}
