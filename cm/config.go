package cm

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// QPNPolicy controls whether device contexts use hardware reserved QP numbers.
type QPNPolicy string

const (
	// ReservedQPNTry uses reserved QP numbers when the device supports them
	// and falls back to a dummy queue pair otherwise.
	ReservedQPNTry QPNPolicy = "try"
	// ReservedQPNYes fails device context creation without reserved QP
	// number support.
	ReservedQPNYes QPNPolicy = "yes"
	// ReservedQPNNo always uses the dummy queue pair.
	ReservedQPNNo QPNPolicy = "no"
)

// LogLevel selects the severity of a log record.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelDiag  LogLevel = "diag"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

const (
	DefaultTimeout      = 10 * time.Second
	DefaultReservedQPN  = ReservedQPNTry
	DefaultFailureLevel = LogLevelDiag
)

// Config controls a Manager.
type Config struct {
	// Timeout bounds address and route resolution.
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
	// SourceAddress is the local IP address used for address resolution.
	// Empty selects the address from the routing table.
	SourceAddress string `mapstructure:"source_address" validate:"omitempty,ip"`
	// Interface, when set, limits Connect to destinations the kernel routes
	// through this network interface.
	Interface   string    `mapstructure:"interface" validate:"omitempty,max=15"`
	ReservedQPN QPNPolicy `mapstructure:"reserved_qpn" validate:"oneof=try yes no"`
	// FailureLevel is the severity of unreachable-peer and peer error logs.
	FailureLevel LogLevel `mapstructure:"failure_level" validate:"oneof=debug diag warn error"`

	Logger           Logger           `mapstructure:"-" validate:"-"`
	StructuredLogger StructuredLogger `mapstructure:"-" validate:"-"`
	Tracer           Tracer           `mapstructure:"-" validate:"-"`
	Metrics          MetricHook       `mapstructure:"-" validate:"-"`
	// Allocator overrides DefaultAllocator.
	Allocator QPNAllocator `mapstructure:"-" validate:"-"`
}

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// ApplyDefaults fills zero fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.ReservedQPN == "" {
		c.ReservedQPN = DefaultReservedQPN
	}
	if c.FailureLevel == "" {
		c.FailureLevel = DefaultFailureLevel
	}
	c.ReservedQPN = QPNPolicy(strings.ToLower(string(c.ReservedQPN)))
	c.FailureLevel = LogLevel(strings.ToLower(string(c.FailureLevel)))
}

// Validate checks the configuration values.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}
	return nil
}

// LoadConfig reads a configuration file and RDMACM_* environment overrides.
// An empty path reads the environment only.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setupViper(v, path)

	if path != "" {
		if err := readConfigFile(v); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func setupViper(v *viper.Viper, path string) {
	v.SetEnvPrefix("RDMACM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal only sees environment overrides for known keys.
	v.SetDefault("timeout", DefaultTimeout)
	v.SetDefault("source_address", "")
	v.SetDefault("interface", "")
	v.SetDefault("reserved_qpn", string(DefaultReservedQPN))
	v.SetDefault("failure_level", string(DefaultFailureLevel))

	if path != "" {
		v.SetConfigFile(path)
	}
}

func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
