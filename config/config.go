// Package config reads HCL config files, then environment overrides.
// Precedence: environment > files in given order > defaults.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/maixbridge/helpers"
	"github.com/temoto/maixbridge/log2"
)

const EnvPrefix = "MAIXBRIDGE_"

const (
	DefaultDeviceListen     = "tcp://:3000"
	DefaultHTTPListen       = ":3001"
	DefaultShutdownTimeout  = 5 * time.Second
	DefaultMetricsNamespace = "maixbridge"
)

type Config struct {
	// includeSeen contains normalized paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []Source `hcl:"include"`

	LogDebug bool `hcl:"log_debug"`

	Device  DeviceConfig  `hcl:"device"`
	HTTP    HTTPConfig    `hcl:"http"`
	Queue   QueueConfig   `hcl:"queue"`
	Metrics MetricsConfig `hcl:"metrics"`
}

type DeviceConfig struct {
	Listen            string `hcl:"listen" env:"LISTEN"`
	NetworkTimeoutSec int    `hcl:"network_timeout_sec" env:"NETWORK_TIMEOUT_SEC"`
	ReadLimit         int    `hcl:"read_limit" env:"READ_LIMIT"` // zero accepts any frame length
	QuoteRecords      bool   `hcl:"quote_records" env:"QUOTE_RECORDS"`
	LogDebug          bool   `hcl:"log_debug" env:"LOG_DEBUG"`
}

type HTTPConfig struct {
	Listen             string `hcl:"listen" env:"LISTEN"`
	StaticDir          string `hcl:"static_dir" env:"STATIC_DIR"`
	ShutdownTimeoutSec int    `hcl:"shutdown_timeout_sec" env:"SHUTDOWN_TIMEOUT_SEC"`
}

type QueueConfig struct {
	PersistPath string `hcl:"persist_path" env:"PERSIST_PATH"`
}

type MetricsConfig struct {
	Enable    bool   `hcl:"enable" env:"ENABLE"`
	Namespace string `hcl:"namespace" env:"NAMESPACE"`
}

type Source struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

// zero means wait forever
func (c *Config) DeviceNetworkTimeout() time.Duration {
	return helpers.IntSecondDefault(c.Device.NetworkTimeoutSec, 0)
}

func (c *Config) HTTPShutdownTimeout() time.Duration {
	return helpers.IntSecondDefault(c.HTTP.ShutdownTimeoutSec, DefaultShutdownTimeout)
}

// ReadConfig reads names in order, later files override earlier.
// environ=nil means process environment.
func ReadConfig(log *log2.Log, fs FullReader, environ map[string]string, names ...string) (*Config, error) {
	if osfs, ok := fs.(*OsFullReader); ok && len(names) != 0 {
		dir, name := splitPath(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, Source{Name: name}, &errs)
	}
	if err := c.ApplyEnv(environ); err != nil {
		errs = append(errs, err)
	}
	c.setDefaults()
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, environ map[string]string, names ...string) *Config {
	c, err := ReadConfig(log, fs, environ, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}

// ApplyEnv overrides values from MAIXBRIDGE_* variables,
// e.g. MAIXBRIDGE_DEVICE_LISTEN, MAIXBRIDGE_QUEUE_PERSIST_PATH.
func (c *Config) ApplyEnv(environ map[string]string) error {
	top := struct {
		LogDebug bool `env:"LOG_DEBUG"`
	}{LogDebug: c.LogDebug}
	sections := []struct {
		prefix string
		v      interface{}
	}{
		{"", &top},
		{"DEVICE_", &c.Device},
		{"HTTP_", &c.HTTP},
		{"QUEUE_", &c.Queue},
		{"METRICS_", &c.Metrics},
	}
	for _, s := range sections {
		opt := env.Options{Prefix: EnvPrefix + s.prefix, Environment: environ}
		if err := env.ParseWithOptions(s.v, opt); err != nil {
			return errors.Annotatef(err, "config env prefix=%s", opt.Prefix)
		}
	}
	c.LogDebug = top.LogDebug
	return nil
}

func (c *Config) setDefaults() {
	if c.Device.Listen == "" {
		c.Device.Listen = DefaultDeviceListen
	}
	if c.Device.ReadLimit < 0 {
		c.Device.ReadLimit = 0
	}
	if c.HTTP.Listen == "" {
		c.HTTP.Listen = DefaultHTTPListen
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = DefaultMetricsNamespace
	}
}

func (c *Config) read(log *log2.Log, fs FullReader, source Source, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	if err = hcl.Unmarshal(bs, c); err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s", source.Name)
		*errs = append(*errs, err)
		return
	}

	var includes []Source
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		if _, ok := c.includeSeen[fs.Normalize(include.Name)]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}
