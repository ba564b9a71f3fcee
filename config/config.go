// Package config holds the read-only settings snapshot the engine is
// started from. The file is YAML; every field missing from it keeps its
// default.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type ProxyType string

const (
	ProxyHTTP   ProxyType = "http"
	ProxyHTTPS  ProxyType = "https"
	ProxySocks5 ProxyType = "socks5"
)

const DefaultTrackerSource = "https://raw.githubusercontent.com/ngosang/trackerslist/master/trackers_best.txt"

// Config is the engine-relevant part of the application settings.
type Config struct {
	DownloadDir string `yaml:"download_dir"`
	DataDir     string `yaml:"data_dir"`
	LogDir      string `yaml:"log_dir"`
	EnginePath  string `yaml:"engine_path"`

	// Download settings
	MaxConcurrentDownloads int    `yaml:"max_concurrent_downloads"`
	MaxConnectionPerServer int    `yaml:"max_connection_per_server"`
	Split                  int    `yaml:"split"`
	MinSplitSize           string `yaml:"min_split_size"`
	MaxDownloadLimit       string `yaml:"max_download_limit"`
	MaxUploadLimit         string `yaml:"max_upload_limit"`

	// BitTorrent settings
	BtListenPort    int      `yaml:"bt_listen_port"`
	DHTListenPort   int      `yaml:"dht_listen_port"`
	EnableUPnP      bool     `yaml:"enable_upnp"`
	SeedRatio       float64  `yaml:"seed_ratio"`
	SeedTime        int      `yaml:"seed_time"`
	BtTracker       string   `yaml:"bt_tracker"`
	TrackerSource   []string `yaml:"tracker_source"`
	AutoSyncTracker bool     `yaml:"auto_sync_tracker"`

	// Advanced settings
	UserAgent         string `yaml:"user_agent"`
	RPCPort           int    `yaml:"rpc_port"`
	RPCSecret         string `yaml:"rpc_secret"`
	ResumeAllOnLaunch bool   `yaml:"resume_all_on_launch"`
	PreventSleep      bool   `yaml:"prevent_sleep"`

	// Proxy settings
	ProxyEnabled  bool      `yaml:"proxy_enabled"`
	ProxyType     ProxyType `yaml:"proxy_type"`
	ProxyHost     string    `yaml:"proxy_host"`
	ProxyPort     int       `yaml:"proxy_port"`
	ProxyUsername string    `yaml:"proxy_username"`
	ProxyPassword string    `yaml:"proxy_password"`
}

// Default returns the settings used when no file is present. The RPC secret
// is left empty; Load fills it in.
func Default() *Config {
	home, _ := os.UserHomeDir()
	dataDir := "."
	if dir, err := os.UserConfigDir(); err == nil {
		dataDir = filepath.Join(dir, "aria2rpc")
	}
	return &Config{
		DownloadDir: filepath.Join(home, "Downloads"),
		DataDir:     dataDir,
		LogDir:      filepath.Join(dataDir, "logs"),
		EnginePath:  "aria2c",

		MaxConcurrentDownloads: 10,
		MaxConnectionPerServer: 16,
		Split:                  16,
		MinSplitSize:           "1M",
		MaxDownloadLimit:       "0",
		MaxUploadLimit:         "0",

		BtListenPort:  21301,
		DHTListenPort: 21302,
		EnableUPnP:    true,
		SeedRatio:     1.0,
		SeedTime:      60,
		TrackerSource: []string{DefaultTrackerSource},

		UserAgent:         "aria2rpc/1.0",
		RPCPort:           16800,
		ResumeAllOnLaunch: true,
		PreventSleep:      true,

		ProxyType: ProxyHTTP,
		ProxyPort: 1080,
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
// An empty RPC secret is replaced by a random one for this run.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, errors.Wrapf(err, "read config %s", path)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}
	if cfg.RPCSecret == "" {
		cfg.RPCSecret = uuid.NewString()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validPort(p int) bool {
	return p > 0 && p < 65536
}

// Validate rejects settings the engine could not start with.
func (c *Config) Validate() error {
	for name, port := range map[string]int{
		"rpc_port":        c.RPCPort,
		"bt_listen_port":  c.BtListenPort,
		"dht_listen_port": c.DHTListenPort,
	} {
		if !validPort(port) {
			return errors.Errorf("invalid %s %d", name, port)
		}
	}
	if c.DownloadDir == "" {
		return errors.New("download_dir must be set")
	}
	if c.DataDir == "" {
		return errors.New("data_dir must be set")
	}
	if strings.ContainsAny(c.RPCSecret, "\n\r") {
		return errors.New("rpc_secret must be a single line")
	}
	if c.ProxyEnabled {
		switch c.ProxyType {
		case ProxyHTTP, ProxyHTTPS, ProxySocks5:
		default:
			return errors.Errorf("unknown proxy_type %q", c.ProxyType)
		}
		if c.ProxyHost != "" && !validPort(c.ProxyPort) {
			return errors.Errorf("invalid proxy_port %d", c.ProxyPort)
		}
	}
	return nil
}

// ProxyURL returns the all-proxy value, or "" when no proxy is in use.
func (c *Config) ProxyURL() string {
	if !c.ProxyEnabled || c.ProxyHost == "" {
		return ""
	}
	return fmt.Sprintf("%s://%s:%d", c.ProxyType, c.ProxyHost, c.ProxyPort)
}

// EngineArgs renders the settings as engine command line flags. Secrets
// other than the RPC secret never appear here; see the engine package for
// how the proxy password is passed.
func (c *Config) EngineArgs() []string {
	args := []string{
		fmt.Sprintf("--dir=%s", c.DownloadDir),
		fmt.Sprintf("--max-concurrent-downloads=%d", c.MaxConcurrentDownloads),
		fmt.Sprintf("--max-connection-per-server=%d", c.MaxConnectionPerServer),
		fmt.Sprintf("--split=%d", c.Split),
		fmt.Sprintf("--min-split-size=%s", c.MinSplitSize),
		fmt.Sprintf("--max-download-limit=%s", c.MaxDownloadLimit),
		fmt.Sprintf("--max-upload-limit=%s", c.MaxUploadLimit),
		fmt.Sprintf("--listen-port=%d", c.BtListenPort),
		fmt.Sprintf("--dht-listen-port=%d", c.DHTListenPort),
		fmt.Sprintf("--seed-ratio=%g", c.SeedRatio),
		fmt.Sprintf("--seed-time=%d", c.SeedTime),
		fmt.Sprintf("--user-agent=%s", c.UserAgent),
		fmt.Sprintf("--rpc-listen-port=%d", c.RPCPort),
		fmt.Sprintf("--rpc-secret=%s", c.RPCSecret),
		"--enable-rpc=true",
		"--rpc-listen-all=false",
		"--rpc-allow-origin-all=true",
		"--enable-dht=true",
		"--enable-dht6=true",
		fmt.Sprintf("--enable-peer-exchange=%t", c.EnableUPnP),
		"--bt-enable-lpd=true",
		"--follow-torrent=true",
		"--check-certificate=false",
	}

	if proxy := c.ProxyURL(); proxy != "" {
		args = append(args, "--all-proxy="+proxy)
		if c.ProxyUsername != "" {
			args = append(args, "--all-proxy-user="+c.ProxyUsername)
		}
	}

	if c.BtTracker != "" {
		args = append(args, "--bt-tracker="+c.BtTracker)
	}
	return args
}
