// Package config loads process settings from flags, IMPULSE_* environment
// variables and defaults through viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "IMPULSE"

// Option names, shared by flags, environment and viper keys.
const (
	OptName           = "name"
	OptRobotID        = "robot-id"
	OptCapability     = "capability"
	OptInterface      = "interface"
	OptPort           = "port"
	OptGroup          = "group"
	OptAddress        = "address"
	OptSerial         = "serial"
	OptInterval       = "interval"
	OptStatusInterval = "status-interval"
	OptMetricsAddr    = "metrics-addr"
	OptEtcd           = "etcd"
	OptLogLevel       = "log-level"
	OptDevelopment    = "dev"
	OptCount          = "count"
	OptMode           = "mode"
)

type Config struct {
	Name           string
	RobotID        uint32
	Capability     int32
	Interface      string
	Port           uint16
	Group          string
	Address        string
	Serial         string
	Interval       time.Duration
	StatusInterval time.Duration
	MetricsAddr    string
	Etcd           []string
	LogLevel       string
	Development    bool
}

var ErrInvalid = errors.New("config: invalid")

// NewViper returns a viper with defaults and environment binding set up.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault(OptCapability, 75)
	v.SetDefault(OptInterface, "eno2")
	v.SetDefault(OptPort, 7447)
	v.SetDefault(OptGroup, "ff02::1")
	v.SetDefault(OptInterval, time.Second)
	v.SetDefault(OptStatusInterval, 5*time.Second)
	v.SetDefault(OptLogLevel, "info")
	v.SetDefault(OptCount, 3)
	v.SetDefault(OptMode, "agent")
}

// Load reads every option out of v and validates the result.
func Load(v *viper.Viper) (Config, error) {
	c := Config{
		Name:           v.GetString(OptName),
		RobotID:        v.GetUint32(OptRobotID),
		Capability:     v.GetInt32(OptCapability),
		Interface:      v.GetString(OptInterface),
		Port:           v.GetUint16(OptPort),
		Group:          v.GetString(OptGroup),
		Address:        v.GetString(OptAddress),
		Serial:         v.GetString(OptSerial),
		Interval:       v.GetDuration(OptInterval),
		StatusInterval: v.GetDuration(OptStatusInterval),
		MetricsAddr:    v.GetString(OptMetricsAddr),
		Etcd:           v.GetStringSlice(OptEtcd),
		LogLevel:       v.GetString(OptLogLevel),
		Development:    v.GetBool(OptDevelopment),
	}
	return c, c.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Name) == "" {
		errs = append(errs, errors.New("name is empty"))
	}
	if c.Capability < 0 || c.Capability > 100 {
		errs = append(errs, fmt.Errorf("capability %d outside 0..100", c.Capability))
	}
	if c.Port == 0 {
		errs = append(errs, errors.New("port is zero"))
	}
	if c.Interval <= 0 {
		errs = append(errs, fmt.Errorf("interval %v is not positive", c.Interval))
	}
	if c.StatusInterval <= 0 {
		errs = append(errs, fmt.Errorf("status interval %v is not positive", c.StatusInterval))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}
