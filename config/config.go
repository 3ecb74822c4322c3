// Package config loads gatekeeper settings from an optional YAML file and the
// environment.
//
// Sources are applied in order: defaults, the YAML file, then environment
// overrides. The result is validated before it is returned.
//
//	REDIS_URL                      shared counter store (blank: in-memory)
//	GATEKEEPER_ADDR                listen address
//	GATEKEEPER_JWT_SECRET          enables bearer authentication
//	RATE_LIMIT_<GROUP>_WINDOW_MS   window length of group <GROUP>
//	RATE_LIMIT_<GROUP>_MAX         max hits per window of group <GROUP>
//
// <GROUP> is the group name upper-cased with "-" replaced by "_".
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"
)

// Key derivation modes for a group.
const (
	KeyIP       = "ip"
	KeyIdentity = "identity"
	KeyHeader   = "header"
)

// Config is the gatekeeper configuration.
type Config struct {
	Addr            string        `yaml:"addr" validate:"required"`
	RedisURL        string        `yaml:"redis_url"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" validate:"gt=0"`
	JWTSecret       string        `yaml:"jwt_secret"`
	JWTIssuer       string        `yaml:"jwt_issuer"`
	Groups          []Group       `yaml:"groups" validate:"required,min=1,unique=Name,dive"`
}

// Group configures the rate limit of one endpoint group.
type Group struct {
	Name    string        `yaml:"name" validate:"required,groupname"`
	Path    string        `yaml:"path" validate:"required,startswith=/"`
	Window  time.Duration `yaml:"window" validate:"gt=0"`
	Max     int           `yaml:"max" validate:"gt=0"`
	Message string        `yaml:"message"`
	Key     string        `yaml:"key" validate:"omitempty,oneof=ip identity header"`
	Header  string        `yaml:"header" validate:"required_if=Key header"`
}

var (
	validate      *validator.Validate
	groupNameExpr = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		if name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]; name != "" && name != "-" {
			return name
		}
		return fld.Name
	})

	if err := validate.RegisterValidation("groupname", func(fl validator.FieldLevel) bool {
		return groupNameExpr.MatchString(fl.Field().String())
	}); err != nil {
		panic(err)
	}
}

// Default returns the configuration used when nothing is configured: one
// "api" group on /api allowing 100 requests per minute per client address.
func Default() Config {
	return Config{
		Addr:            ":8080",
		ConnectTimeout:  5 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		CleanupInterval: time.Minute,
		Groups: []Group{
			{
				Name:    "api",
				Path:    "/api",
				Window:  time.Minute,
				Max:     100,
				Message: "Too many requests, please try again later",
				Key:     KeyIP,
			},
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (skipped
// when path is empty), and the environment.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}

	for i := range cfg.Groups {
		if cfg.Groups[i].Key == "" {
			cfg.Groups[i].Key = KeyIP
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	// Groups in the file replace the default groups rather than merging.
	c.Groups = nil
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	if c.Groups == nil {
		c.Groups = Default().Groups
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("REDIS_URL"); ok {
		c.RedisURL = strings.TrimSpace(v)
	}
	if v, ok := lookup("GATEKEEPER_ADDR"); ok && v != "" {
		c.Addr = v
	}
	if v, ok := lookup("GATEKEEPER_JWT_SECRET"); ok {
		c.JWTSecret = v
	}

	for i := range c.Groups {
		g := &c.Groups[i]
		prefix := "RATE_LIMIT_" + EnvName(g.Name) + "_"

		if v, ok := lookup(prefix + "WINDOW_MS"); ok && v != "" {
			ms, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("%sWINDOW_MS: %w", prefix, err)
			}
			if ms > math.MaxInt64/int64(time.Millisecond) {
				return fmt.Errorf("%sWINDOW_MS: %d is out of range", prefix, ms)
			}
			g.Window = time.Duration(ms) * time.Millisecond
		}
		if v, ok := lookup(prefix + "MAX"); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%sMAX: %w", prefix, err)
			}
			g.Max = n
		}
	}
	return nil
}

// EnvName returns the environment variable token for a group name.
func EnvName(group string) string {
	return strings.ToUpper(strings.ReplaceAll(group, "-", "_"))
}

// Validate checks the configuration.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, len(verrs))
	for i, e := range verrs {
		msgs[i] = formatError(e)
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func formatError(e validator.FieldError) string {
	field := strings.TrimPrefix(e.Namespace(), "Config.")
	switch e.Tag() {
	case "required":
		return field + " is required"
	case "required_if":
		return field + " is required when key is header"
	case "gt":
		return field + " must be positive"
	case "min":
		return field + " must have at least " + e.Param() + " entry"
	case "unique":
		return field + " must have unique names"
	case "oneof":
		return field + " must be one of: " + e.Param()
	case "startswith":
		return field + " must start with " + e.Param()
	case "groupname":
		return field + " may only contain letters, digits, '-' and '_'"
	default:
		return field + " failed " + e.Tag() + " validation"
	}
}
