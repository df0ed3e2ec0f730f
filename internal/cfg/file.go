package cfg

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"sort"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not an
// error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// ApplyFile fills flags that are still at their defaults from a YAML mapping
// of flag name to scalar value. Call it after FillFromEnv so that
// cli > env > file > default holds. Unknown keys are rejected.
func ApplyFile(fset *flag.FlagSet, path string) error {
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var values map[string]any
	if err := yaml.Unmarshal(raw, &values); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	set := setFlags(fset)
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs []error
	for _, k := range keys {
		if fset.Lookup(k) == nil {
			errs = append(errs, fmt.Errorf("config file %s: unknown key %q", path, k))
			continue
		}
		if set[k] {
			continue
		}
		v := values[k]
		switch v.(type) {
		case nil, map[string]any, []any:
			errs = append(errs, fmt.Errorf("config file %s: key %q must be a scalar", path, k))
			continue
		}
		if err := fset.Set(k, fmt.Sprint(v)); err != nil {
			errs = append(errs, fmt.Errorf("config file %s: key %q: %w", path, k, err))
		}
	}
	return errors.Join(errs...)
}

// Load runs the full precedence chain on an already-parsed FlagSet.
func Load(fset *flag.FlagSet, c *App, logf func(string, ...any)) error {
	envFile := c.EnvFile
	if v, ok := os.LookupEnv(EnvKey(EnvPrefix, "env-file")); ok && !setFlags(fset)["env-file"] {
		envFile = v
	}
	if err := LoadDotEnv(envFile); err != nil {
		return err
	}
	FillFromEnv(fset, EnvPrefix, logf)
	return ApplyFile(fset, c.ConfigFile)
}
