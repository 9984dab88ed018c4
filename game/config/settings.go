package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// EnvPrefix is prepended to every environment override
const EnvPrefix = "DSCARS_"

// Settings is the complete runtime configuration
type Settings struct {
	Server ServerSettings `yaml:"server" json:"server"`
	Admin  AdminSettings  `yaml:"admin" json:"admin"`
	Ngrok  NgrokSettings  `yaml:"ngrok" json:"ngrok"`
	Maps   []string       `yaml:"maps" json:"maps" validate:"min=1,dive,required"`
	Bot    BotSettings    `yaml:"bot" json:"bot"`
}

// ServerSettings configures the game server
type ServerSettings struct {
	// Ports players may be told to connect to
	Ports          []int         `yaml:"ports" json:"ports" validate:"min=1,dive,min=1,max=65535"`
	DefaultPort    int           `yaml:"default_port" json:"default_port" validate:"min=1,max=65535"`
	AutoStart      bool          `yaml:"auto_start" json:"auto_start"`
	MaxSessions    int           `yaml:"max_sessions" json:"max_sessions" validate:"min=0"`
	FaultThreshold int           `yaml:"fault_threshold" json:"fault_threshold" validate:"min=1"`
	OutboundQueue  int           `yaml:"outbound_queue" json:"outbound_queue" validate:"min=1"`
	WriteTimeout   time.Duration `yaml:"write_timeout" json:"write_timeout" validate:"gt=0"`
	Codec          string        `yaml:"codec" json:"codec" validate:"oneof=json msgpack"`
}

// AdminSettings configures the HTTP admin surface
type AdminSettings struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr" validate:"required_if=Enabled true"`
}

// NgrokSettings configures the public TCP tunnel for the game listener
type NgrokSettings struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	AuthToken string `yaml:"authtoken" json:"-" validate:"required_if=Enabled true"`
}

// BotSettings holds defaults for the headless bot
type BotSettings struct {
	Host           string        `yaml:"host" json:"host" validate:"required"`
	Port           int           `yaml:"port" json:"port" validate:"min=1,max=65535"`
	Map            string        `yaml:"map" json:"map" validate:"required"`
	Car            int           `yaml:"car" json:"car" validate:"min=0"`
	UpdateInterval time.Duration `yaml:"update_interval" json:"update_interval" validate:"gt=0"`
	Updates        int           `yaml:"updates" json:"updates" validate:"min=0"`
}

// DefaultPorts are the ports the game has always offered
var DefaultPorts = []int{24816, 48162, 16248}

// DefaultMaps are the maps shipped with the game
var DefaultMaps = []string{"Easy", "Medium", "Hard"}

// Default returns the built-in settings used when no file is present
func Default() *Settings {
	return &Settings{
		Server: ServerSettings{
			Ports:          slices.Clone(DefaultPorts),
			DefaultPort:    DefaultPorts[0],
			MaxSessions:    0,
			FaultThreshold: 5,
			OutboundQueue:  64,
			WriteTimeout:   5 * time.Second,
			Codec:          "json",
		},
		Admin: AdminSettings{
			Enabled: true,
			Addr:    "localhost:8080",
		},
		Maps: slices.Clone(DefaultMaps),
		Bot: BotSettings{
			Host:           "localhost",
			Port:           DefaultPorts[0],
			Map:            DefaultMaps[0],
			Car:            0,
			UpdateInterval: 50 * time.Millisecond,
			Updates:        200,
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and that the default port is one of
// the allowed ports.
func (s *Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if !s.IsAllowedPort(s.Server.DefaultPort) {
		return fmt.Errorf("%w: default port %d is not in the allowed ports %v",
			ErrInvalidConfig, s.Server.DefaultPort, s.Server.Ports)
	}
	return nil
}

// IsAllowedPort reports whether port is on the allow-list
func (s *Settings) IsAllowedPort(port int) bool {
	return slices.Contains(s.Server.Ports, port)
}

// IsKnownMap reports whether name is one of the configured maps
func (s *Settings) IsKnownMap(name string) bool {
	return slices.Contains(s.Maps, name)
}

// ApplyEnv overrides settings from DSCARS_* variables. NGROK_AUTHTOKEN is
// honoured as well so an existing ngrok setup works unchanged.
func (s *Settings) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	var errs []string
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v, ok := lookup(EnvPrefix + key)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s%s=%q is not a number", EnvPrefix, key, v))
			return
		}
		*dst = n
	}
	flag := func(key string, dst *bool) {
		v, ok := lookup(EnvPrefix + key)
		if !ok || v == "" {
			return
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s%s=%q is not a boolean", EnvPrefix, key, v))
			return
		}
		*dst = b
	}
	dur := func(key string, dst *time.Duration) {
		v, ok := lookup(EnvPrefix + key)
		if !ok || v == "" {
			return
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s%s=%q is not a duration", EnvPrefix, key, v))
			return
		}
		*dst = d
	}

	if v, ok := lookup(EnvPrefix + "PORTS"); ok && v != "" {
		var ports []int
		for _, field := range strings.Split(v, ",") {
			n, err := strconv.Atoi(strings.TrimSpace(field))
			if err != nil {
				errs = append(errs, fmt.Sprintf("%sPORTS=%q has a bad entry %q", EnvPrefix, v, field))
				ports = nil
				break
			}
			ports = append(ports, n)
		}
		if ports != nil {
			s.Server.Ports = ports
		}
	}
	num("PORT", &s.Server.DefaultPort)
	flag("AUTO_START", &s.Server.AutoStart)
	num("MAX_SESSIONS", &s.Server.MaxSessions)
	num("FAULT_THRESHOLD", &s.Server.FaultThreshold)
	num("OUTBOUND_QUEUE", &s.Server.OutboundQueue)
	dur("WRITE_TIMEOUT", &s.Server.WriteTimeout)
	str("CODEC", &s.Server.Codec)
	flag("ADMIN_ENABLED", &s.Admin.Enabled)
	str("ADMIN_ADDR", &s.Admin.Addr)
	flag("NGROK", &s.Ngrok.Enabled)
	str("NGROK_AUTHTOKEN", &s.Ngrok.AuthToken)
	if s.Ngrok.AuthToken == "" {
		if v, ok := lookup("NGROK_AUTHTOKEN"); ok {
			s.Ngrok.AuthToken = v
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}
