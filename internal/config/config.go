package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is a flat key -> string map. The pipeline consumes it but
// does not own it: unknown keys are preserved and typed access is
// done at the call site with the accessors below.
type Config struct {
	values map[string]string
}

// New wraps an existing key/value set, mostly for tests and for the
// built-in defaults the binaries use when no config file exists.
func New(values map[string]string) *Config {
	m := make(map[string]string, len(values))
	for k, v := range values {
		m[k] = v
	}
	return &Config{values: m}
}

// Load loads configuration from a YAML file, expanding $VAR and
// ${VAR} environment references in its text first. Only scalar values
// are accepted; nested structure is a config error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var raw map[string]interface{}
	if err := yaml.Unmarshal(expandedData, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	values := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			values[k] = val
		case bool:
			values[k] = strconv.FormatBool(val)
		case int:
			values[k] = strconv.Itoa(val)
		case int64:
			values[k] = strconv.FormatInt(val, 10)
		case float64:
			values[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case nil:
			values[k] = ""
		default:
			return nil, fmt.Errorf("config key %q has non-scalar value", k)
		}
	}

	return &Config{values: values}, nil
}

// HasKey reports whether key is present.
func (c *Config) HasKey(key string) bool {
	_, ok := c.values[key]
	return ok
}

// GetString returns the raw string value, or "" if absent.
func (c *Config) GetString(key string) string {
	return c.values[key]
}

// GetStringOr returns the value, or def if the key is absent.
func (c *Config) GetStringOr(key, def string) string {
	if v, ok := c.values[key]; ok {
		return v
	}
	return def
}

// GetUint64 parses the value as a non-negative decimal integer.
func (c *Config) GetUint64(key string) (uint64, error) {
	v, ok := c.values[key]
	if !ok {
		return 0, fmt.Errorf("config key %q not found", key)
	}
	n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config key %q: %w", key, err)
	}
	return n, nil
}

// GetUint64Or parses the value, or returns def if the key is absent.
func (c *Config) GetUint64Or(key string, def uint64) (uint64, error) {
	if !c.HasKey(key) {
		return def, nil
	}
	return c.GetUint64(key)
}

// GetDouble parses the value as a float.
func (c *Config) GetDouble(key string) (float64, error) {
	v, ok := c.values[key]
	if !ok {
		return 0, fmt.Errorf("config key %q not found", key)
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, fmt.Errorf("config key %q: %w", key, err)
	}
	return f, nil
}

// GetDoubleOr parses the value, or returns def if the key is absent.
func (c *Config) GetDoubleOr(key string, def float64) (float64, error) {
	if !c.HasKey(key) {
		return def, nil
	}
	return c.GetDouble(key)
}

// GetBool parses the value as a boolean. "true"/"yes"/"on"/"1" are
// true, "false"/"no"/"off"/"0" are false.
func (c *Config) GetBool(key string) (bool, error) {
	v, ok := c.values[key]
	if !ok {
		return false, fmt.Errorf("config key %q not found", key)
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "yes", "on", "1":
		return true, nil
	case "false", "no", "off", "0":
		return false, nil
	}
	return false, fmt.Errorf("config key %q: invalid boolean %q", key, v)
}

// GetBoolOr parses the value, or returns def if the key is absent.
func (c *Config) GetBoolOr(key string, def bool) (bool, error) {
	if !c.HasKey(key) {
		return def, nil
	}
	return c.GetBool(key)
}

// Keys returns the sorted key set, for reload diffing and logging.
func (c *Config) Keys() []string {
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ParseDirList splits a ":"-separated list of absolute directories.
// Every entry must be absolute; entries gain a trailing "/" so prefix
// checks cannot match partial path components.
func ParseDirList(val string) ([]string, error) {
	var dirs []string
	for _, dir := range strings.Split(val, ":") {
		if dir == "" {
			continue
		}
		if len(dir) < 2 || dir[0] != '/' {
			return nil, fmt.Errorf("invalid directory %q in list", dir)
		}
		if !strings.HasSuffix(dir, "/") {
			dir += "/"
		}
		dirs = append(dirs, dir)
	}
	return dirs, nil
}
