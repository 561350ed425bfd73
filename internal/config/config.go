package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"gridcollect/internal/aggregator"
	"gridcollect/internal/grid"
	"gridcollect/internal/raster"
)

const (
	QueueDial   = "dial"
	QueueListen = "listen"
)

type Config struct {
	Queue        QueueConfig       `yaml:"queue"`
	StartRow     int               `yaml:"start_row"`
	Grid         GridConfig        `yaml:"grid"`
	Output       OutputConfig      `yaml:"output"`
	Journal      JournalConfig     `yaml:"journal"`
	Index        IndexConfig       `yaml:"index"`
	HTTP         HTTPConfig        `yaml:"http"`
	FinishPolicy string            `yaml:"finish_policy"`
	Variables    []raster.Variable `yaml:"variables"`
}

type QueueConfig struct {
	// Mode is "dial" (connect to the distributor) or "listen" (workers connect to us).
	Mode            string `yaml:"mode"`
	Server          string `yaml:"server"`
	Port            int    `yaml:"port"`
	Path            string `yaml:"path"`
	RecvTimeoutMs   int    `yaml:"recv_timeout_ms"`
	MaxMessageBytes int64  `yaml:"max_message_bytes"`
	Buffer          int    `yaml:"buffer"`
}

type GridConfig struct {
	Template string      `yaml:"template"`
	Header   grid.Header `yaml:"header"`
}

type OutputConfig struct {
	Dir        string `yaml:"dir"`
	Archive    bool   `yaml:"archive"`
	ArchiveDir string `yaml:"archive_dir"`
}

type JournalConfig struct {
	Dir     string `yaml:"dir"`
	Disable bool   `yaml:"disable"`
}

type IndexConfig struct {
	Path    string `yaml:"path"`
	Disable bool   `yaml:"disable"`
}

type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

func Defaults() Config {
	return Config{
		Queue: QueueConfig{
			Mode:            QueueDial,
			Server:          "cluster1",
			Port:            7777,
			Path:            "/v1/results",
			RecvTimeoutMs:   10000,
			MaxMessageBytes: 64 << 20,
			Buffer:          1024,
		},
		Grid: GridConfig{
			Template: "Soil/Carbiocial_Soil_Raster_final.asc",
			Header: grid.Header{
				NCols:     1928,
				NRows:     2544,
				XLLCorner: -9345,
				YLLCorner: 8000665,
				CellSize:  900,
				NoData:    grid.NoData,
			},
		},
		Output:       OutputConfig{Dir: "out"},
		Journal:      JournalConfig{Dir: "data/journal"},
		Index:        IndexConfig{Path: "data/index.db"},
		FinishPolicy: string(aggregator.FinishFlush),
		Variables:    raster.DefaultVariables(),
	}
}

// Load reads a YAML config on top of Defaults. Keys absent from the file keep
// their default.
func Load(path string) (Config, error) {
	c := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Set applies one run parameter given as key=value on the command line.
func (c *Config) Set(key, value string) error {
	value = strings.TrimSpace(value)
	switch strings.TrimSpace(key) {
	case "port":
		p, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("port: %w", err)
		}
		c.Queue.Port = p
	case "start-row":
		r, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("start-row: %w", err)
		}
		c.StartRow = r
	case "server":
		c.Queue.Server = value
	default:
		return fmt.Errorf("unknown parameter %q", key)
	}
	return nil
}

func (c Config) Validate() error {
	switch c.Queue.Mode {
	case QueueDial:
		if strings.TrimSpace(c.Queue.Server) == "" {
			return fmt.Errorf("queue.server is required in dial mode")
		}
	case QueueListen:
	default:
		return fmt.Errorf("queue.mode %q (want %s|%s)", c.Queue.Mode, QueueDial, QueueListen)
	}
	if c.Queue.Port <= 0 || c.Queue.Port > 65535 {
		return fmt.Errorf("queue.port %d out of range", c.Queue.Port)
	}
	if !strings.HasPrefix(c.Queue.Path, "/") {
		return fmt.Errorf("queue.path %q must start with /", c.Queue.Path)
	}
	if c.Queue.RecvTimeoutMs <= 0 {
		return fmt.Errorf("queue.recv_timeout_ms must be positive")
	}
	h := c.Grid.Header
	if h.NCols <= 0 || h.NRows <= 0 {
		return fmt.Errorf("grid.header: %dx%d is not a grid", h.NRows, h.NCols)
	}
	if c.StartRow < 0 || c.StartRow > h.NRows {
		return fmt.Errorf("start_row %d outside [0,%d]", c.StartRow, h.NRows)
	}
	if strings.TrimSpace(c.Grid.Template) == "" {
		return fmt.Errorf("grid.template is required")
	}
	if strings.TrimSpace(c.Output.Dir) == "" {
		return fmt.Errorf("output.dir is required")
	}
	if _, err := aggregator.ParseFinishPolicy(c.FinishPolicy); err != nil {
		return err
	}
	if len(c.Variables) == 0 {
		return fmt.Errorf("variables: none configured")
	}
	seen := map[string]bool{}
	for _, v := range c.Variables {
		if err := v.Validate(); err != nil {
			return err
		}
		if seen[v.Name] {
			return fmt.Errorf("variables: duplicate %q", v.Name)
		}
		seen[v.Name] = true
	}
	return nil
}

func (c Config) RecvTimeout() time.Duration {
	return time.Duration(c.Queue.RecvTimeoutMs) * time.Millisecond
}

// QueueURL is the websocket URL dialed in dial mode.
func (c Config) QueueURL() string {
	u := url.URL{
		Scheme: "ws",
		Host:   net.JoinHostPort(c.Queue.Server, strconv.Itoa(c.Queue.Port)),
		Path:   c.Queue.Path,
	}
	return u.String()
}

// ListenAddr is the address served in listen mode.
func (c Config) ListenAddr() string {
	return ":" + strconv.Itoa(c.Queue.Port)
}

func (c Config) ArchiveDir() string {
	if c.Output.ArchiveDir != "" {
		return c.Output.ArchiveDir
	}
	return filepath.Join(c.Output.Dir, "archives")
}
