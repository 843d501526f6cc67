package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// RedactedValue replaces secrets in any config that leaves the process.
const RedactedValue = "[REDACTED]"

// Fields tagged redact:"true" may hold a reference instead of the value:
// ${env:NAME} reads the environment and ${file:/abs/path} reads a mounted
// file with trailing whitespace trimmed.
var secretRef = regexp.MustCompile(`^\$\{(env|file):(.+)\}$`)

func (l *Loader) resolveSecrets(cfg *Config) error {
	var firstErr error
	eachSecret(reflect.ValueOf(cfg).Elem(), "", func(field reflect.Value, path string) {
		if firstErr != nil {
			return
		}
		m := secretRef.FindStringSubmatch(field.String())
		if m == nil {
			return
		}
		v, err := l.readSecret(m[1], m[2])
		if err != nil {
			firstErr = fmt.Errorf("%s: %w", path, err)
			return
		}
		field.SetString(v)
	})
	return firstErr
}

func (l *Loader) readSecret(scheme, ref string) (string, error) {
	switch scheme {
	case "env":
		v, ok := l.lookupEnv(ref)
		if !ok {
			return "", fmt.Errorf("environment variable %q is not set", ref)
		}
		return v, nil
	case "file":
		if !filepath.IsAbs(ref) {
			return "", fmt.Errorf("secret file path %q must be absolute", ref)
		}
		data, err := os.ReadFile(ref)
		if err != nil {
			return "", fmt.Errorf("reading secret file: %w", err)
		}
		return strings.TrimRight(string(data), " \t\r\n"), nil
	default:
		return "", fmt.Errorf("unknown secret scheme %q", scheme)
	}
}

// RedactConfig returns a copy of cfg with every non-empty secret replaced by
// RedactedValue. cfg is not modified.
func RedactConfig(cfg *Config) (*Config, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("redact: %w", err)
	}
	var cp Config
	if err := yaml.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("redact: %w", err)
	}
	eachSecret(reflect.ValueOf(&cp).Elem(), "", func(field reflect.Value, _ string) {
		if field.String() != "" {
			field.SetString(RedactedValue)
		}
	})
	return &cp, nil
}

// eachSecret calls fn for every settable string field tagged redact:"true"
// reachable from v. path uses yaml names. Map values are not addressable, so
// they are copied out, visited and written back.
func eachSecret(v reflect.Value, path string, fn func(field reflect.Value, path string)) {
	switch v.Kind() {
	case reflect.Ptr:
		if !v.IsNil() {
			eachSecret(v.Elem(), path, fn)
		}
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			sf, f := t.Field(i), v.Field(i)
			if !f.CanSet() {
				continue
			}
			p := yamlName(sf)
			if path != "" {
				p = path + "." + p
			}
			if f.Kind() == reflect.String {
				if sf.Tag.Get("redact") == "true" {
					fn(f, p)
				}
				continue
			}
			eachSecret(f, p, fn)
		}
	case reflect.Slice:
		if k := v.Type().Elem().Kind(); k != reflect.Struct && k != reflect.Ptr {
			return
		}
		for i := 0; i < v.Len(); i++ {
			eachSecret(v.Index(i), fmt.Sprintf("%s[%d]", path, i), fn)
		}
	case reflect.Map:
		elem := v.Type().Elem()
		if elem.Kind() != reflect.Struct {
			return
		}
		for _, key := range v.MapKeys() {
			cp := reflect.New(elem).Elem()
			cp.Set(v.MapIndex(key))
			eachSecret(cp, path+"."+key.String(), fn)
			v.SetMapIndex(key, cp)
		}
	}
}

func yamlName(sf reflect.StructField) string {
	name, _, _ := strings.Cut(sf.Tag.Get("yaml"), ",")
	if name == "" {
		return strings.ToLower(sf.Name)
	}
	return name
}
