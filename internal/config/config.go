// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package config

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/viper"

	"github.com/sigil-dev/loopback/internal/loopback"
	"github.com/sigil-dev/loopback/internal/secrets"
	sigilerr "github.com/sigil-dev/loopback/pkg/errors"
)

// CredentialEnv is read when no credential is configured explicitly.
const CredentialEnv = "OPENWEBUI_API_KEY"

// Config is the top-level loopbackd configuration.
type Config struct {
	Log       LogConfig                 `mapstructure:"log" yaml:"log"`
	Server    ServerConfig              `mapstructure:"server" yaml:"server"`
	Storage   StorageConfig             `mapstructure:"storage" yaml:"storage"`
	Loopback  LoopbackConfig            `mapstructure:"loopback" yaml:"loopback"`
	Pipeline  PipelineConfig            `mapstructure:"pipeline" yaml:"pipeline"`
	Providers map[string]ProviderConfig `mapstructure:"providers" yaml:"providers"`
	// Models holds per-model overrides. Model ids often contain dots, so the
	// section is decoded separately from the rest of the tree.
	Models map[string]ModelOverride `mapstructure:"-" yaml:"models"`
	// DefaultProvider routes model references that carry no provider prefix.
	DefaultProvider string `mapstructure:"default_provider" yaml:"default_provider"`

	path string
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// ServerConfig controls the filter HTTP surface.
type ServerConfig struct {
	Listen      string   `mapstructure:"listen" yaml:"listen"`
	CORSOrigins []string `mapstructure:"cors_origins" yaml:"cors_origins"`
	// APIKey, when set, is required as a bearer token on every filter call.
	APIKey    string          `mapstructure:"api_key" yaml:"api_key"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig bounds requests per client IP. Zero disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `mapstructure:"burst" yaml:"burst"`
}

// StorageConfig selects the marker and history backend and where uploaded
// images go.
type StorageConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"`
	Path    string `mapstructure:"path" yaml:"path"`
	// Files is "openwebui" to upload through the file service, or "local" to
	// keep image bytes in the storage backend.
	Files string `mapstructure:"files" yaml:"files"`
}

// LoopbackConfig carries the operator valves.
type LoopbackConfig struct {
	Enable            bool          `mapstructure:"enable" yaml:"enable"`
	AllowedTools      []string      `mapstructure:"allowed_tools" yaml:"allowed_tools"`
	AllowedMIMETypes  []string      `mapstructure:"allowed_mime_types" yaml:"allowed_mime_types"`
	MaxBytes          int64         `mapstructure:"max_bytes" yaml:"max_bytes"`
	MaxImages         int           `mapstructure:"max_images" yaml:"max_images"`
	AutoPrompt        string        `mapstructure:"auto_prompt" yaml:"auto_prompt"`
	AllowURLFetch     bool          `mapstructure:"allow_url_fetch" yaml:"allow_url_fetch"`
	// AllowPrivateFetch lets URL fetch reach loopback and private networks.
	AllowPrivateFetch bool          `mapstructure:"allow_private_fetch" yaml:"allow_private_fetch"`
	BaseURL           string        `mapstructure:"base_url" yaml:"base_url"`
	APIKey            string        `mapstructure:"api_key" yaml:"api_key"`
	FailurePolicy     string        `mapstructure:"failure_policy" yaml:"failure_policy"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// PipelineConfig is reported to the host so it can order filters.
type PipelineConfig struct {
	Pipelines []string `mapstructure:"pipelines" yaml:"pipelines"`
	Priority  int      `mapstructure:"priority" yaml:"priority"`
}

// ProviderConfig holds credentials and endpoint for a model backend.
type ProviderConfig struct {
	APIKey   string        `mapstructure:"api_key" yaml:"api_key"`
	Endpoint string        `mapstructure:"endpoint" yaml:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// ModelOverride adjusts valves and capabilities for one model. Nil fields
// inherit the global value.
type ModelOverride struct {
	Enable       *bool    `mapstructure:"enable" yaml:"enable,omitempty"`
	Vision       *bool    `mapstructure:"vision" yaml:"vision,omitempty"`
	MaxImages    *int     `mapstructure:"max_images" yaml:"max_images,omitempty"`
	MaxBytes     *int64   `mapstructure:"max_bytes" yaml:"max_bytes,omitempty"`
	AutoPrompt   *string  `mapstructure:"auto_prompt" yaml:"auto_prompt,omitempty"`
	AllowedTools []string `mapstructure:"allowed_tools" yaml:"allowed_tools,omitempty"`
}

// legacyEnv maps valve keys to the environment names older deployments use.
var legacyEnv = map[string][]string{
	"loopback.enable":              {"LOOPBACK_ENABLE", "IMAGE_LOOPBACK_ENABLE"},
	"loopback.allowed_tools":       {"LOOPBACK_ALLOWED_TOOLS", "IMAGE_LOOPBACK_ALLOWED_TOOLS"},
	"loopback.allowed_mime_types":  {"LOOPBACK_ALLOWED_MIME_TYPES", "IMAGE_LOOPBACK_ALLOWED_MIME_TYPES"},
	"loopback.max_bytes":           {"LOOPBACK_MAX_BYTES", "IMAGE_LOOPBACK_MAX_BYTES"},
	"loopback.max_images":          {"LOOPBACK_MAX_IMAGES", "IMAGE_LOOPBACK_MAX_IMAGES"},
	"loopback.auto_prompt":         {"LOOPBACK_AUTO_PROMPT", "IMAGE_LOOPBACK_AUTO_PROMPT"},
	"loopback.allow_url_fetch":     {"LOOPBACK_ALLOW_URL_FETCH", "IMAGE_LOOPBACK_ALLOW_URL_FETCH"},
	"loopback.allow_private_fetch": {"LOOPBACK_ALLOW_PRIVATE_FETCH"},
	"loopback.base_url":            {"LOOPBACK_BASE_URL", "OPENWEBUI_BASE_URL"},
	"loopback.api_key":             {"LOOPBACK_API_KEY"},
	"loopback.failure_policy":      {"LOOPBACK_FAILURE_POLICY"},
	"loopback.timeout":             {"LOOPBACK_TIMEOUT"},
	"log.level":                    {"LOOPBACK_LOG_LEVEL", "IMAGE_LOOPBACK_LOG_LEVEL"},
	"server.api_key":               {"LOOPBACK_SERVER_API_KEY", "PIPELINES_API_KEY"},
}

// SearchPaths lists the directories searched for loopback.yaml when no
// explicit path is given.
func SearchPaths() []string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "loopback"))
	}
	return append(paths, "/etc/loopback")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "warn")
	v.SetDefault("log.format", "text")
	v.SetDefault("server.listen", "127.0.0.1:9099")
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.rate_limit.requests_per_second", 0)
	v.SetDefault("server.rate_limit.burst", 0)
	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("storage.path", "loopback.db")
	v.SetDefault("storage.files", "openwebui")
	v.SetDefault("loopback.enable", false)
	v.SetDefault("loopback.allowed_tools", []string{loopback.DefaultTool})
	v.SetDefault("loopback.allowed_mime_types", loopback.DefaultMIMETypes)
	v.SetDefault("loopback.max_bytes", loopback.DefaultMaxBytes)
	v.SetDefault("loopback.max_images", loopback.DefaultMaxImages)
	v.SetDefault("loopback.auto_prompt", loopback.DefaultPrompt)
	v.SetDefault("loopback.allow_url_fetch", false)
	v.SetDefault("loopback.allow_private_fetch", false)
	v.SetDefault("loopback.base_url", "http://localhost:8080")
	v.SetDefault("loopback.api_key", "")
	v.SetDefault("loopback.failure_policy", string(loopback.FailureRetry))
	v.SetDefault("loopback.timeout", loopback.DefaultTimeout)
	v.SetDefault("pipeline.pipelines", []string{"*"})
	v.SetDefault("pipeline.priority", 0)
	v.SetDefault("default_provider", "openwebui")
}

// Load reads configuration from path, or from the first loopback.yaml found
// in SearchPaths when path is empty. Environment variables (prefix
// LOOPBACK_) override the file. When store is non-nil, keyring:// values are
// resolved through it.
func Load(path string, store secrets.Store) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LOOPBACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range legacyEnv {
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return nil, sigilerr.Errorf(sigilerr.CodeConfigLoadReadFailure, "binding env for %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("loopback")
		v.SetConfigType("yaml")
		for _, dir := range SearchPaths() {
			v.AddConfigPath(dir)
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, sigilerr.Errorf(sigilerr.CodeConfigLoadReadFailure, "reading config %s: %w", path, err)
		}
	}

	if store != nil {
		if err := secrets.ResolveViper(v, store); err != nil {
			return nil, sigilerr.Wrap(err, sigilerr.CodeConfigLoadReadFailure, "resolving secrets")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, sigilerr.Errorf(sigilerr.CodeConfigParseInvalidFormat, "unmarshalling config: %w", err)
	}
	if err := v.UnmarshalKey("models", &cfg.Models); err != nil {
		return nil, sigilerr.Errorf(sigilerr.CodeConfigParseInvalidFormat, "unmarshalling models: %w", err)
	}
	cfg.path = v.ConfigFileUsed()
	cfg.normalize()

	if cfg.Loopback.APIKey == "" {
		cfg.Loopback.APIKey = strings.TrimSpace(os.Getenv(CredentialEnv))
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, sigilerr.Errorf(sigilerr.CodeConfigValidateInvalidValue, "validating config: %w", errors.Join(errs...))
	}

	return &cfg, nil
}

// Path returns the config file that was read, or "" when running on
// defaults and environment only.
func (c *Config) Path() string {
	return c.path
}

// normalize trims list valves. Comma separated env values arrive already
// split by the decoder.
func (c *Config) normalize() {
	c.Loopback.AllowedTools = cleanList(c.Loopback.AllowedTools)
	c.Loopback.AllowedMIMETypes = lo.Map(cleanList(c.Loopback.AllowedMIMETypes), func(s string, _ int) string {
		return strings.ToLower(s)
	})
	c.Server.CORSOrigins = cleanList(c.Server.CORSOrigins)
	c.Loopback.BaseURL = strings.TrimRight(strings.TrimSpace(c.Loopback.BaseURL), "/")
	c.Loopback.APIKey = strings.TrimSpace(c.Loopback.APIKey)

	if len(c.Models) > 0 {
		models := make(map[string]ModelOverride, len(c.Models))
		for id, o := range c.Models {
			o.AllowedTools = cleanList(o.AllowedTools)
			models[strings.ToLower(strings.TrimSpace(id))] = o
		}
		c.Models = models
	}
}

func cleanList(in []string) []string {
	var out []string
	for _, item := range in {
		out = append(out, strings.Split(item, ",")...)
	}
	out = lo.Map(out, func(s string, _ int) string { return strings.TrimSpace(s) })
	return lo.Uniq(lo.Compact(out))
}

// Validate checks the configuration for logical errors, collecting every
// issue rather than stopping at the first.
func (c *Config) Validate() []error {
	var errs []error

	errs = append(errs, c.validateServer()...)
	errs = append(errs, c.validateStorage()...)
	errs = append(errs, c.validateLoopback()...)
	errs = append(errs, c.validateModels()...)

	return errs
}

func invalid(format string, args ...any) error {
	return sigilerr.Errorf(sigilerr.CodeConfigValidateInvalidValue, "config: "+format, args...)
}

func (c *Config) validateServer() []error {
	var errs []error

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true, "off": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, invalid("log.level must be one of [debug, info, warn, error, off], got %q", c.Log.Level))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, invalid("log.format must be one of [text, json], got %q", c.Log.Format))
	}

	if c.Server.Listen == "" {
		errs = append(errs, invalid("server.listen must not be empty"))
		return errs
	}
	_, portStr, err := net.SplitHostPort(c.Server.Listen)
	if err != nil {
		errs = append(errs, invalid("server.listen must be a valid host:port address, got %q: %w", c.Server.Listen, err))
		return errs
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		errs = append(errs, invalid("server.listen port must be between 1 and 65535, got %q", portStr))
	}
	if rl := c.Server.RateLimit; rl.RequestsPerSecond < 0 || (rl.RequestsPerSecond > 0 && rl.Burst <= 0) {
		errs = append(errs, invalid("server.rate_limit needs a non-negative rate and a positive burst, got rate=%g burst=%d",
			rl.RequestsPerSecond, rl.Burst))
	}

	return errs
}

func (c *Config) validateStorage() []error {
	var errs []error

	if c.Storage.Backend != "sqlite" && c.Storage.Backend != "memory" {
		errs = append(errs, invalid("storage.backend must be one of [sqlite, memory], got %q", c.Storage.Backend))
	}
	if c.Storage.Backend == "sqlite" && c.Storage.Path == "" {
		errs = append(errs, invalid("storage.path must not be empty for the sqlite backend"))
	}
	if c.Storage.Files != "openwebui" && c.Storage.Files != "local" {
		errs = append(errs, invalid("storage.files must be one of [openwebui, local], got %q", c.Storage.Files))
	}

	return errs
}

func (c *Config) validateLoopback() []error {
	var errs []error
	l := c.Loopback

	if l.MaxBytes <= 0 {
		errs = append(errs, invalid("loopback.max_bytes must be greater than 0, got %d", l.MaxBytes))
	}
	if l.MaxImages < 0 {
		errs = append(errs, invalid("loopback.max_images must not be negative, got %d", l.MaxImages))
	}
	if !loopback.FailurePolicy(l.FailurePolicy).Valid() {
		errs = append(errs, invalid("loopback.failure_policy must be one of [retry, suppress], got %q", l.FailurePolicy))
	}
	if l.Timeout <= 0 {
		errs = append(errs, invalid("loopback.timeout must be greater than 0, got %s", l.Timeout))
	}
	for i, mt := range l.AllowedMIMETypes {
		if !strings.Contains(mt, "/") {
			errs = append(errs, invalid("loopback.allowed_mime_types[%d] is not a MIME type: %q", i, mt))
		}
	}
	if l.BaseURL != "" && !strings.HasPrefix(l.BaseURL, "http://") && !strings.HasPrefix(l.BaseURL, "https://") {
		errs = append(errs, invalid("loopback.base_url must be an http(s) URL, got %q", l.BaseURL))
	}
	if c.Storage.Files == "openwebui" && l.BaseURL == "" {
		errs = append(errs, invalid("loopback.base_url is required when storage.files is openwebui"))
	}

	return errs
}

func (c *Config) validateModels() []error {
	var errs []error

	if c.DefaultProvider == "" {
		errs = append(errs, invalid("default_provider must not be empty"))
	}

	for id, o := range c.Models {
		if o.MaxImages != nil && *o.MaxImages < 0 {
			errs = append(errs, invalid("models.%s.max_images must not be negative, got %d", id, *o.MaxImages))
		}
		if o.MaxBytes != nil && *o.MaxBytes <= 0 {
			errs = append(errs, invalid("models.%s.max_bytes must be greater than 0, got %d", id, *o.MaxBytes))
		}
	}

	return errs
}

// Override returns the per-model override for modelRef. A reference with a
// provider prefix also matches an override keyed by the bare model name.
func (c *Config) Override(modelRef string) (ModelOverride, bool) {
	key := strings.ToLower(strings.TrimSpace(modelRef))
	if o, ok := c.Models[key]; ok {
		return o, true
	}
	if _, bare, found := strings.Cut(key, "/"); found {
		if o, ok := c.Models[bare]; ok {
			return o, true
		}
	}
	return ModelOverride{}, false
}

// Snapshot returns the immutable engine configuration for one decision about
// modelRef, with that model's overrides applied.
func (c *Config) Snapshot(modelRef string) loopback.Config {
	l := c.Loopback
	snap := loopback.Config{
		Enabled:          l.Enable,
		AllowedTools:     append([]string(nil), l.AllowedTools...),
		AllowedMIMETypes: append([]string(nil), l.AllowedMIMETypes...),
		MaxBytes:         l.MaxBytes,
		MaxImages:        l.MaxImages,
		PromptTemplate:   l.AutoPrompt,
		AllowURLFetch:    l.AllowURLFetch,
		BaseURL:          l.BaseURL,
		Credential:       l.APIKey,
		FailurePolicy:    loopback.FailurePolicy(l.FailurePolicy),
		Timeout:          l.Timeout,
	}

	o, ok := c.Override(modelRef)
	if !ok {
		return snap
	}
	if o.Enable != nil {
		snap.Enabled = *o.Enable
	}
	if o.MaxImages != nil {
		snap.MaxImages = *o.MaxImages
	}
	if o.MaxBytes != nil {
		snap.MaxBytes = *o.MaxBytes
	}
	if o.AutoPrompt != nil {
		snap.PromptTemplate = *o.AutoPrompt
	}
	if len(o.AllowedTools) > 0 {
		snap.AllowedTools = append([]string(nil), o.AllowedTools...)
	}
	return snap
}

// VisionOverrides returns the models whose vision capability the operator
// pinned.
func (c *Config) VisionOverrides() map[string]bool {
	out := make(map[string]bool)
	for id, o := range c.Models {
		if o.Vision != nil {
			out[id] = *o.Vision
		}
	}
	return out
}

// Redacted returns a copy with every credential masked, for display.
func (c *Config) Redacted() Config {
	out := *c
	out.Loopback.APIKey = mask(out.Loopback.APIKey)
	out.Server.APIKey = mask(out.Server.APIKey)
	if c.Providers != nil {
		out.Providers = make(map[string]ProviderConfig, len(c.Providers))
		for name, p := range c.Providers {
			p.APIKey = mask(p.APIKey)
			out.Providers[name] = p
		}
	}
	return out
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}
