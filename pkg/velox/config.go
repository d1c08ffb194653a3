package velox

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings such as
// "30s" or "1m".
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("velox: duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("velox: bad duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config holds the server configuration.
type Config struct {
	Addr         string `yaml:"addr"`
	Multicore    bool   `yaml:"multicore"`
	NumEventLoop int    `yaml:"num_event_loop"`
	ReusePort    bool   `yaml:"reuse_port"`

	IdleTimeout Duration `yaml:"idle_timeout"`

	ReadBufferSize int `yaml:"read_buffer_size"`
	MaxReadBuffer  int `yaml:"max_read_buffer"`

	MaxConcurrentStreams uint32 `yaml:"max_concurrent_streams"`
	MaxFrameSize         uint32 `yaml:"max_frame_size"`
	InitialWindowSize    uint32 `yaml:"initial_window_size"`

	Logger *log.Logger `yaml:"-"`
}

func newSilentLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Addr:                 ":8080",
		Multicore:            true,
		ReusePort:            true,
		IdleTimeout:          Duration(60 * time.Second),
		ReadBufferSize:       4096,
		MaxReadBuffer:        1 << 20,
		MaxConcurrentStreams: 100,
		MaxFrameSize:         16384,
		InitialWindowSize:    65535,
		Logger:               newSilentLogger(),
	}
}

// Validate checks and normalizes the configuration values.
func (c *Config) Validate() error {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.MaxFrameSize < 16384 {
		c.MaxFrameSize = 16384
	}
	if c.MaxFrameSize > (1<<24)-1 {
		c.MaxFrameSize = (1 << 24) - 1
	}
	if c.InitialWindowSize == 0 {
		c.InitialWindowSize = 65535
	}
	if c.MaxConcurrentStreams == 0 {
		c.MaxConcurrentStreams = 100
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = 4096
	}
	if c.MaxReadBuffer < c.ReadBufferSize {
		c.MaxReadBuffer = 1 << 20
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return nil
}

// LoadConfig reads a YAML config file, layering it over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("velox: read config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("velox: parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// WatchConfig reloads the config file whenever it changes and hands the new
// value to onChange. It returns a stop function. Reload errors are logged
// and the previous config stays in effect.
func WatchConfig(path string, logger *log.Logger, onChange func(Config)) (func(), error) {
	if logger == nil {
		logger = log.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("velox: config watcher: %w", err)
	}
	// Watch the directory: editors often replace the file, which drops a
	// watch registered on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("velox: config watcher: %w", err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				cfg, err := LoadConfig(path)
				if err != nil {
					logger.Printf("config reload failed: %v", err)
					continue
				}
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Printf("config watcher: %v", err)
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		watcher.Close()
	}, nil
}
