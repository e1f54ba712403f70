// Package config loads graphctl's process configuration.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// .env files, then the process environment. The result is validated
// before use.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables read by Load.
const (
	EnvConfig        = "GRAPH_CONFIG"
	EnvStore         = "GRAPH_STORE"
	EnvDSN           = "GRAPH_DSN"
	EnvMaxConcurrent = "GRAPH_MAX_CONCURRENT"
	EnvMaxSteps      = "GRAPH_MAX_STEPS"
	EnvLogFormat     = "GRAPH_LOG_FORMAT"
	EnvMetricsAddr   = "GRAPH_METRICS_ADDR"
	EnvDesign        = "GRAPH_DESIGN"
	EnvTracing       = "GRAPH_TRACING"
	EnvDedup         = "GRAPH_DEDUP"
	EnvLLM           = "GRAPH_LLM"
)

// Config is the process configuration.
type Config struct {
	Store         string `yaml:"store" validate:"oneof=memory sqlite mysql postgres"`
	DSN           string `yaml:"dsn" validate:"required_unless=Store memory"`
	MaxConcurrent int    `yaml:"max_concurrent" validate:"min=0"`
	MaxSteps      int    `yaml:"max_steps" validate:"min=0"`
	LogFormat     string `yaml:"log_format" validate:"oneof=text json none"`
	MetricsAddr   string `yaml:"metrics_addr" validate:"omitempty,hostname_port"`
	Design        string `yaml:"design"`
	Tracing       bool   `yaml:"tracing"`
	Dedup         string `yaml:"dedup" validate:"oneof=dedup_by_capability bind_all"`
	// LLM picks the chat model provider. auto uses the first provider
	// whose API key is set.
	LLM           string `yaml:"llm" validate:"oneof=auto none anthropic openai google"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Store:     "sqlite",
		DSN:       "graph.db",
		MaxSteps:  100,
		LogFormat: "text",
		Dedup:     "dedup_by_capability",
		LLM:       "auto",
	}
}

// Load builds the configuration from the process environment. envFiles are
// read with godotenv; a missing file is skipped. The YAML file named by
// GRAPH_CONFIG, when set, is applied before the environment.
func Load(envFiles ...string) (Config, error) {
	dotenv := make(map[string]string)
	for _, f := range envFiles {
		vals, err := godotenv.Read(f)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", f, err)
		}
		for k, v := range vals {
			if _, seen := dotenv[k]; !seen {
				dotenv[k] = v
			}
		}
	}

	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}
	return FromLookup(lookup)
}

// FromLookup builds the configuration from an arbitrary key lookup.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()

	if path, ok := lookup(EnvConfig); ok && path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.mergeEnv(lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("config: decode %s: %w", path, err)
	}
	return nil
}

func (c *Config) mergeEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str(EnvStore, &c.Store)
	str(EnvDSN, &c.DSN)
	str(EnvLogFormat, &c.LogFormat)
	str(EnvMetricsAddr, &c.MetricsAddr)
	str(EnvDesign, &c.Design)
	str(EnvDedup, &c.Dedup)
	str(EnvLLM, &c.LLM)
	if err := num(EnvMaxConcurrent, &c.MaxConcurrent); err != nil {
		return err
	}
	if err := num(EnvMaxSteps, &c.MaxSteps); err != nil {
		return err
	}
	if v, ok := lookup(EnvTracing); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvTracing, err)
		}
		c.Tracing = b
	}

	c.Store = strings.ToLower(c.Store)
	c.LLM = strings.ToLower(c.LLM)
	if c.Store == "memory" && c.DSN == Default().DSN {
		c.DSN = ""
	}
	return nil
}

var validate = validator.New()

// Validate checks every value.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("config: invalid: %s", strings.Join(msgs, "; "))
}
