package relay

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr        string        `yaml:"http_addr"`
	DataDir         string        `yaml:"data_dir"`
	SnapshotEvery   time.Duration `yaml:"snapshot_every"`
	SnapshotKeep    int           `yaml:"snapshot_keep"`
	AutodeleteAfter time.Duration `yaml:"autodelete_after"`
	ClientQueue     int           `yaml:"client_queue"`
	Feed            FeedSpec      `yaml:"feed"`
	Rooms           []RoomSpec    `yaml:"rooms"`
}

type FeedSpec struct {
	Enabled      bool `yaml:"enabled"`
	LoopbackOnly bool `yaml:"loopback_only"`
	Queue        int  `yaml:"queue"`
}

type RoomSpec struct {
	Name   string `yaml:"name"`
	Listen string `yaml:"listen"`
	// AutodeleteAfter overrides the top-level value when set.
	AutodeleteAfter time.Duration `yaml:"autodelete_after,omitempty"`
}

var roomNameRE = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

func Load(path string) (Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	// Rooms in the file replace the default room.
	cfg.Rooms = nil
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("relay.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("relay.yaml: %w", err)
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		HTTPAddr:        ":24819",
		DataDir:         "./data",
		SnapshotEvery:   5 * time.Minute,
		SnapshotKeep:    24,
		AutodeleteAfter: 7 * 24 * time.Hour,
		ClientQueue:     256,
		Feed: FeedSpec{
			Enabled:      true,
			LoopbackOnly: true,
			Queue:        64,
		},
		Rooms: []RoomSpec{
			{Name: "default", Listen: fmt.Sprintf("127.0.0.1:%d", 24818)},
		},
	}
}

func (c *Config) Normalize() {
	c.HTTPAddr = strings.TrimSpace(c.HTTPAddr)
	c.DataDir = strings.TrimSpace(c.DataDir)
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.ClientQueue <= 0 {
		c.ClientQueue = 256
	}
	if c.Feed.Queue <= 0 {
		c.Feed.Queue = 64
	}
	for i := range c.Rooms {
		r := &c.Rooms[i]
		r.Name = strings.TrimSpace(r.Name)
		r.Listen = strings.TrimSpace(r.Listen)
		if r.AutodeleteAfter == 0 {
			r.AutodeleteAfter = c.AutodeleteAfter
		}
	}
}

func (c Config) Validate() error {
	if len(c.Rooms) == 0 {
		return fmt.Errorf("rooms must not be empty")
	}
	if c.SnapshotEvery < 0 {
		return fmt.Errorf("snapshot_every must be >= 0")
	}
	if c.SnapshotKeep < 0 {
		return fmt.Errorf("snapshot_keep must be >= 0")
	}
	if c.AutodeleteAfter < 0 {
		return fmt.Errorf("autodelete_after must be >= 0")
	}
	names := map[string]bool{}
	listens := map[string]bool{}
	for i, r := range c.Rooms {
		if !roomNameRE.MatchString(r.Name) {
			return fmt.Errorf("rooms[%d] invalid name %q", i, r.Name)
		}
		if names[r.Name] {
			return fmt.Errorf("duplicate room name: %s", r.Name)
		}
		names[r.Name] = true
		if _, _, err := net.SplitHostPort(r.Listen); err != nil {
			return fmt.Errorf("room %s listen %q: %v", r.Name, r.Listen, err)
		}
		if listens[r.Listen] {
			return fmt.Errorf("room %s listen %s already used", r.Name, r.Listen)
		}
		listens[r.Listen] = true
		if r.AutodeleteAfter < 0 {
			return fmt.Errorf("room %s autodelete_after must be >= 0", r.Name)
		}
	}
	return nil
}

func (c Config) Room(name string) (RoomSpec, bool) {
	for _, r := range c.Rooms {
		if r.Name == name {
			return r, true
		}
	}
	return RoomSpec{}, false
}
