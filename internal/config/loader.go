package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/edgefleetops/fleetcore/internal/errs"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// secretMappings maps a secret's name in the remote container to the
// dotted schema path it should be spliced into, matching original_source's
// ConfigLoader._load_secrets/secret_mappings.
var secretMappings = map[string]string{
	"database_password": "Database.Password",
	"messaging_password": "Messaging.Password",
	"cache_password":     "Cache.Password",
}

// Loader resolves the five-tier configuration precedence from spec.md
// §4.A: built-in defaults, default.yaml, <environment>.yaml, process
// environment (__-nested), remote encrypted secrets.
type Loader struct {
	Dir     string
	Secrets *SecretsManager
}

// Load performs tiers 1-4 (Tier 5, secret splicing, runs separately via
// LoadWithSecrets because it requires network access and the caller decides
// whether failover to cached-only is acceptable).
func (l *Loader) Load() (*Schema, error) {
	schema := Defaults()

	if err := l.mergeYAMLFile(&schema, filepath.Join(l.Dir, "default.yaml")); err != nil {
		return nil, err
	}

	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = schema.Environment
	}
	if err := l.mergeYAMLFile(&schema, filepath.Join(l.Dir, env+".yaml")); err != nil {
		return nil, err
	}
	schema.Environment = env

	// .env overlay, matching the teacher's dotenv-based env-file loading
	// (internal/config's TestLoad_DotEnv texture) before reading os.Environ.
	if envFile := filepath.Join(l.Dir, ".env"); fileExists(envFile) {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("path", envFile).Msg("failed to load .env overlay")
		}
	}

	applyEnvOverrides(&schema)

	if err := validateSchema(&schema); err != nil {
		return nil, err
	}
	return &schema, nil
}

// LoadWithSecrets runs Load, then splices remote secrets (tier 5) into the
// resolved schema per secretMappings. On remote-store failure it falls back
// to the schema as resolved from tiers 1-4 when enableFailover is set,
// matching spec.md §4.A failure semantics; otherwise the error propagates.
func (l *Loader) LoadWithSecrets(ctx context.Context, enableFailover bool) (*Schema, error) {
	schema, err := l.Load()
	if err != nil {
		return nil, err
	}
	if l.Secrets == nil {
		return schema, nil
	}
	for name, path := range secretMappings {
		value, found, err := l.Secrets.GetSecret(ctx, name)
		if err != nil {
			if enableFailover {
				log.Warn().Err(err).Str("secret", name).Msg("secret store unavailable, falling back to resolved config")
				continue
			}
			return nil, &errs.SecretStore{Op: "splice_" + name, Cause: err, Recoverable: false}
		}
		if !found {
			continue
		}
		if err := setNestedField(schema, path, value); err != nil {
			return nil, fmt.Errorf("config: splice secret %q into %s: %w", name, path, err)
		}
	}
	if err := validateSchema(schema); err != nil {
		return nil, err
	}
	return schema, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// mergeYAMLFile decodes path over schema in place. A missing file is
// skipped silently per spec.md §6; a present-but-malformed file fails.
// Unknown top-level keys are warned about and dropped before decoding;
// unknown nested keys under a recognized section fail via KnownFields.
func (l *Loader) mergeYAMLFile(schema *Schema, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	warnUnknownTopLevelKeys(raw)
	for k := range raw {
		if !knownTopLevelKeys[strings.ToLower(k)] {
			delete(raw, k)
		}
	}
	known, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	dec := yaml.NewDecoder(strings.NewReader(string(known)))
	dec.KnownFields(true)
	if err := dec.Decode(schema); err != nil {
		return &errs.ConfigValidation{Paths: []string{fmt.Sprintf("%s: %v", path, err)}}
	}
	return nil
}

var knownTopLevelKeys = map[string]bool{
	"environment": true, "database": true, "logging": true, "secrets": true,
	"plugins": true, "messaging": true, "cache": true, "discovery": true,
	"audit": true,
}

func warnUnknownTopLevelKeys(raw map[string]any) {
	for k := range raw {
		if !knownTopLevelKeys[strings.ToLower(k)] {
			log.Warn().Str("key", k).Msg("unknown top-level config key ignored")
		}
	}
}

// applyEnvOverrides walks Schema's fields and applies any
// <PATH_UPPER>-with-__-separators environment variable found, matching
// spec.md §6's case-insensitive __-nested convention.
func applyEnvOverrides(schema *Schema) {
	walkFields(reflect.ValueOf(schema).Elem(), nil)
}

func walkFields(v reflect.Value, path []string) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		fv := v.Field(i)
		fieldPath := append(append([]string{}, path...), field.Name)

		if fv.Kind() == reflect.Struct {
			walkFields(fv, fieldPath)
			continue
		}
		envName := strings.ToUpper(strings.Join(fieldPath, "__"))
		raw, ok := lookupEnvCaseInsensitive(envName)
		if !ok {
			continue
		}
		if err := setFieldFromString(fv, raw); err != nil {
			log.Warn().Str("env", envName).Err(err).Msg("ignoring invalid environment override")
		}
	}
}

func lookupEnvCaseInsensitive(name string) (string, bool) {
	if v, ok := os.LookupEnv(name); ok {
		return v, true
	}
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], name) {
			return parts[1], true
		}
	}
	return "", false
}

func setFieldFromString(fv reflect.Value, raw string) error {
	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		fv.SetBool(b)
	case reflect.Int, reflect.Int64:
		if fv.Type() == reflect.TypeOf(time.Duration(0)) || fv.Type() == reflect.TypeOf(Duration(0)) {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return err
			}
			fv.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		fv.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		fv.SetFloat(f)
	case reflect.Slice:
		if fv.Type().Elem().Kind() == reflect.String {
			fv.Set(reflect.ValueOf(strings.Split(raw, ",")))
			return nil
		}
		return fmt.Errorf("unsupported slice element kind %s", fv.Type().Elem().Kind())
	default:
		return fmt.Errorf("unsupported field kind %s", fv.Kind())
	}
	return nil
}

// setNestedField sets a dotted field path (e.g. "Database.Password") on
// schema to value, matching original_source's
// ConfigLoader._set_nested_config_value getattr/setattr walk.
func setNestedField(schema *Schema, dottedPath, value string) error {
	parts := strings.Split(dottedPath, ".")
	v := reflect.ValueOf(schema).Elem()
	for i, part := range parts {
		f := v.FieldByName(part)
		if !f.IsValid() {
			return fmt.Errorf("no such field %q", part)
		}
		if i == len(parts)-1 {
			return setFieldFromString(f, value)
		}
		v = f
	}
	return nil
}

func validateSchema(schema *Schema) error {
	if err := validate.Struct(schema); err != nil {
		verrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return &errs.ConfigValidation{Paths: []string{err.Error()}}
		}
		paths := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			paths = append(paths, fe.Namespace())
		}
		return &errs.ConfigValidation{Paths: paths}
	}
	return nil
}
