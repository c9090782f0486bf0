// Package config loads the lvmscp configuration: built-in defaults, then a
// YAML file, then LVMSCP_ environment variables
package config

import (
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	yml "gopkg.in/yaml.v2"

	"github.com/sdss/lvmscp/astro"
	"github.com/sdss/lvmscp/bus"
	"github.com/sdss/lvmscp/influx"
	"github.com/sdss/lvmscp/wago"
)

// EnvPrefix prefixes the environment variables read by Load.  A double
// underscore separates levels: LVMSCP_ACTOR__NAME sets actor.name.
const EnvPrefix = "LVMSCP_"

// Actor configures the actor itself
type Actor struct {
	Name        string        `koanf:"name" yaml:"name"`
	StatusDelay time.Duration `koanf:"status_delay" yaml:"status_delay"`
	Version     string        `koanf:"version" yaml:"version"`
}

// Bus configures the message bus.  An empty broker selects the in-process
// loopback.
type Bus struct {
	Broker   string `koanf:"broker" yaml:"broker"`
	ClientID string `koanf:"client_id" yaml:"client_id"`
	Username string `koanf:"username" yaml:"username"`
	Password string `koanf:"password" yaml:"password"`
	QoS      byte   `koanf:"qos" yaml:"qos"`
	Encoding string `koanf:"encoding" yaml:"encoding"`
	Prefix   string `koanf:"prefix" yaml:"prefix"`
}

// MQTT returns the broker connection parameters
func (b Bus) MQTT() bus.MQTTConfig {
	return bus.MQTTConfig{Broker: b.Broker, ClientID: b.ClientID, Username: b.Username, Password: b.Password, QoS: b.QoS}
}

// Controller configures one spectrograph controller
type Controller struct {
	IEB         string        `koanf:"lvmieb" yaml:"lvmieb"`
	CCDs        []string      `koanf:"ccds" yaml:"ccds"`
	Mock        bool          `koanf:"mock" yaml:"mock"`
	ReadoutTime time.Duration `koanf:"readout_time" yaml:"readout_time"`
	Width       int           `koanf:"width" yaml:"width"`
	Height      int           `koanf:"height" yaml:"height"`
}

// Shutter configures the shutter controller
type Shutter struct {
	Enabled    bool          `koanf:"enabled" yaml:"enabled"`
	RetryDelay time.Duration `koanf:"retry_delay" yaml:"retry_delay"`
}

// Telemetry bounds the telemetry queries made during an exposure
type Telemetry struct {
	TimeLimit      time.Duration `koanf:"time_limit" yaml:"time_limit"`
	LampsTimeLimit time.Duration `koanf:"lamps_time_limit" yaml:"lamps_time_limit"`
}

// Files configures where frames are written
type Files struct {
	DataDir     string `koanf:"data_dir" yaml:"data_dir"`
	Observatory string `koanf:"observatory" yaml:"observatory"`
}

// HTTP configures the HTTP API
type HTTP struct {
	Addr string `koanf:"addr" yaml:"addr"`
}

// Log configures the process log.  An empty file logs to stderr.
type Log struct {
	File       string `koanf:"file" yaml:"file"`
	MaxSizeMB  int    `koanf:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `koanf:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `koanf:"max_age_days" yaml:"max_age_days"`
}

// ExpLog configures the local exposure log.  An empty path disables it.
type ExpLog struct {
	Path string `koanf:"path" yaml:"path"`
}

// Sensors selects where the lab temperature and humidity come from
type Sensors struct {
	Source string      `koanf:"source" yaml:"source"`
	Modbus wago.Config `koanf:"modbus" yaml:"modbus"`
}

// Gauge locates a depth gauge counter, by TCP address or serial port
type Gauge struct {
	Addr   string `koanf:"addr" yaml:"addr"`
	Serial string `koanf:"serial" yaml:"serial"`
	Camera string `koanf:"camera" yaml:"camera"`
}

// Depth selects where the depth probe readings come from
type Depth struct {
	Source string `koanf:"source" yaml:"source"`
	Gauge  Gauge  `koanf:"gauge" yaml:"gauge"`
}

// LN2 configures the fill tool
type LN2 struct {
	Broker     string        `koanf:"broker" yaml:"broker"`
	Email      bool          `koanf:"email" yaml:"email"`
	Recipients []string      `koanf:"recipients" yaml:"recipients"`
	SMTPRelay  string        `koanf:"smtp_relay" yaml:"smtp_relay"`
	OutletWait time.Duration `koanf:"outlet_wait" yaml:"outlet_wait"`
	FillWait   time.Duration `koanf:"fill_wait" yaml:"fill_wait"`
}

// Config is the whole configuration
type Config struct {
	Actor       Actor                 `koanf:"actor" yaml:"actor"`
	Bus         Bus                   `koanf:"bus" yaml:"bus"`
	Controllers map[string]Controller `koanf:"controllers" yaml:"controllers"`
	Shutter     Shutter               `koanf:"shutter" yaml:"shutter"`
	Lamps       []string              `koanf:"lamps" yaml:"lamps"`
	NPS         string                `koanf:"lvmnps" yaml:"lvmnps"`
	Telescopes  []string              `koanf:"telescopes" yaml:"telescopes"`
	Telemetry   Telemetry             `koanf:"telemetry" yaml:"telemetry"`
	ReadoutTime time.Duration         `koanf:"readout_time" yaml:"readout_time"`
	Files       Files                 `koanf:"files" yaml:"files"`
	Observatory astro.Location        `koanf:"observatory" yaml:"observatory"`
	HTTP        HTTP                  `koanf:"http" yaml:"http"`
	Log         Log                   `koanf:"log" yaml:"log"`
	ExpLog      ExpLog                `koanf:"explog" yaml:"explog"`
	Influx      influx.Config         `koanf:"influx" yaml:"influx"`
	Sensors     Sensors               `koanf:"sensors" yaml:"sensors"`
	Depth       Depth                 `koanf:"depth" yaml:"depth"`
	LN2         LN2                   `koanf:"ln2" yaml:"ln2"`
}

// DefaultController is used when the configuration names no controller
var DefaultController = Controller{
	IEB:         "lvmieb",
	CCDs:        []string{"r1", "b1", "z1"},
	Mock:        true,
	ReadoutTime: 2 * time.Second,
	Width:       64,
	Height:      64,
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Actor:       Actor{Name: "lvmscp", StatusDelay: 30 * time.Second},
		Bus:         Bus{QoS: 1, Encoding: "json", Prefix: "lvm"},
		Shutter:     Shutter{Enabled: true, RetryDelay: 3 * time.Second},
		Lamps:       []string{"Argon", "Neon", "LDLS", "Quartz", "HgNe", "Xenon"},
		NPS:         "lvmnps",
		Telescopes:  []string{"sci", "skye", "skyw", "spec"},
		Telemetry:   Telemetry{TimeLimit: 5 * time.Second, LampsTimeLimit: 10 * time.Second},
		ReadoutTime: 55 * time.Second,
		Files:       Files{DataDir: "/data/spectro/lvm", Observatory: "LCO"},
		Observatory: astro.LCO,
		HTTP:        HTTP{Addr: ":8090"},
		Log:         Log{MaxSizeMB: 100, MaxBackups: 10, MaxAgeDays: 60},
		Sensors:     Sensors{Source: "bus", Modbus: wago.Config{SlaveID: 1, TempRegister: 0, RHRegister: 1, Scale: 0.1}},
		Depth:       Depth{Source: "bus"},
		LN2: LN2{
			Recipients: []string{"lvm-ln2@lco.cl"},
			SMTPRelay:  "smtp.lco.cl:25",
			OutletWait: time.Second,
			FillWait:   2 * time.Second,
		},
	}
}

// Load reads the configuration.  A missing file is not an error; the
// defaults and environment still apply.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return Config{}, err
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !os.IsNotExist(err) && !strings.Contains(err.Error(), "no such") {
				return Config{}, err
			}
		}
	}
	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil)
	if err != nil {
		return Config{}, err
	}

	var c Config
	if err = k.Unmarshal("", &c); err != nil {
		return Config{}, err
	}
	if len(c.Controllers) == 0 {
		c.Controllers = map[string]Controller{"sp1": DefaultController}
	}
	return c, nil
}

// Write emits c as YAML
func Write(w io.Writer, c Config) error {
	return yml.NewEncoder(w).Encode(c)
}

// ControllerNames returns the configured controllers, sorted
func (c Config) ControllerNames() []string {
	names := make([]string, 0, len(c.Controllers))
	for n := range c.Controllers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// IEB maps every controller to its IEB actor
func (c Config) IEB() map[string]string {
	out := make(map[string]string, len(c.Controllers))
	for n, ctrl := range c.Controllers {
		if ctrl.IEB != "" {
			out[n] = ctrl.IEB
		}
	}
	return out
}
