// Package config holds the environment-variable configuration surface of the gateway.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Defaults for the deployment in Bogotá. The fallback point is used only when
// GPS validation is disabled and a sender has no cached fix.
const (
	DefaultDataDir    = "/var/lib/lora-osmnotes"
	DefaultSerialPort = "/dev/ttyACM0"
	DefaultTimezone   = "America/Bogota"
	DefaultLanguage   = "es"
	DefaultAdminAddr  = "127.0.0.1:8099"

	DefaultOSMAPIURL       = "https://api.openstreetmap.org/api/0.6/notes.json"
	DefaultNominatimAPIURL = "https://nominatim.openstreetmap.org/reverse"

	// Center of Bogotá.
	DefaultFallbackLat = 4.6097
	DefaultFallbackLon = -74.0817
)

// Config is the resolved runtime configuration.
type Config struct {
	DataDir               string
	SerialPort            string
	DryRun                bool
	GPSValidationDisabled bool
	LogLevel              string
	Timezone              string
	DailyBroadcastEnabled bool
	DefaultLanguage       string
	AdminAddr             string

	OSMAPIURL       string
	NominatimAPIURL string

	FallbackLat float64
	FallbackLon float64

	Env string
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envBool(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// FromEnv builds a Config from the process environment, applying defaults.
// Call Validate before using it.
func FromEnv() Config {
	return Config{
		DataDir:               env("DATA_DIR", DefaultDataDir),
		SerialPort:            env("SERIAL_PORT", DefaultSerialPort),
		DryRun:                envBool("DRY_RUN", false),
		GPSValidationDisabled: envBool("GPS_VALIDATION_DISABLED", false),
		LogLevel:              env("LOG_LEVEL", "info"),
		Timezone:              env("TZ", DefaultTimezone),
		DailyBroadcastEnabled: envBool("DAILY_BROADCAST_ENABLED", false),
		DefaultLanguage:       env("LANGUAGE", DefaultLanguage),
		AdminAddr:             env("ADMIN_ADDR", DefaultAdminAddr),
		OSMAPIURL:             env("OSM_API_URL", DefaultOSMAPIURL),
		NominatimAPIURL:       env("NOMINATIM_API_URL", DefaultNominatimAPIURL),
		FallbackLat:           DefaultFallbackLat,
		FallbackLon:           DefaultFallbackLon,
		Env:                   env("ENV", "prod"),
	}
}

// Validate rejects configurations the gateway cannot safely run with.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("DATA_DIR must not be empty")
	}
	if c.SerialPort == "" {
		return errors.New("SERIAL_PORT must not be empty")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("TZ %q is not a valid IANA timezone: %w", c.Timezone, err)
	}
	if c.DefaultLanguage != "es" && c.DefaultLanguage != "en" {
		return fmt.Errorf("LANGUAGE must be es or en, got %q", c.DefaultLanguage)
	}
	// A (0,0) fallback would collide with the ingress rejection of null island
	// and let bypassed notes from different users dedup against each other.
	if c.GPSValidationDisabled && c.FallbackLat == 0 && c.FallbackLon == 0 {
		return errors.New("GPS bypass fallback point must not be (0,0)")
	}
	return nil
}

// DBPath is the location of the gateway database inside DataDir.
func (c Config) DBPath() string {
	return filepath.Join(c.DataDir, "gateway.db")
}

// Location resolves the configured operator timezone. Validate must have
// passed; on error the UTC location is returned.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
