package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	OCPP    OCPPConfig    `mapstructure:"ocpp"`
	Storage StorageConfig `mapstructure:"storage"`
	Replay  ReplayConfig  `mapstructure:"replay"`
	Perf    PerfConfig    `mapstructure:"perf"`
	Export  ExportConfig  `mapstructure:"export"`
}

type ServerConfig struct {
	ListenHost string `mapstructure:"listen_host"`
	ListenPort int    `mapstructure:"listen_port"`
}

type OCPPConfig struct {
	CentralSystemURL string        `mapstructure:"central_system_url"`
	CallTimeout      time.Duration `mapstructure:"call_timeout"`
	MeterInterval    time.Duration `mapstructure:"meter_interval"`
	HoldDuration     time.Duration `mapstructure:"hold_duration"`
	Heartbeat        time.Duration `mapstructure:"heartbeat_interval"`
}

type StorageConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type ReplayConfig struct {
	Mode        string        `mapstructure:"mode"`
	SpeedFactor float64       `mapstructure:"speed_factor"`
	Grace       time.Duration `mapstructure:"grace"`
}

type PerfConfig struct {
	Concurrency   int           `mapstructure:"concurrency"`
	RampInterval  time.Duration `mapstructure:"ramp_interval"`
	LatencyWindow int           `mapstructure:"latency_window"`
}

type ExportConfig struct {
	PrettyPrint bool `mapstructure:"pretty_print"`
}

func LoadConfig(configPath string) (*Config, error) {
	if err := ensureDataDirectory(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.ocppsim")
	}

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return getDefaultConfig(), nil
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

func ensureDataDirectory() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get user home directory: %w", err)
	}

	dataDir := filepath.Join(homeDir, ".ocppsim")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

func setDefaults() {
	homeDir, _ := os.UserHomeDir()
	defaultDataDir := filepath.Join(homeDir, ".ocppsim")

	viper.SetDefault("server.listen_host", "0.0.0.0")
	viper.SetDefault("server.listen_port", 8080)

	viper.SetDefault("ocpp.central_system_url", "ws://localhost:9000/ocpp")
	viper.SetDefault("ocpp.call_timeout", 30*time.Second)
	viper.SetDefault("ocpp.meter_interval", 10*time.Second)
	viper.SetDefault("ocpp.hold_duration", 5*time.Second)
	viper.SetDefault("ocpp.heartbeat_interval", 60*time.Second)

	viper.SetDefault("storage.data_dir", defaultDataDir)

	viper.SetDefault("replay.mode", "smart")
	viper.SetDefault("replay.speed_factor", 1.0)
	viper.SetDefault("replay.grace", 2*time.Second)

	viper.SetDefault("perf.concurrency", 10)
	viper.SetDefault("perf.ramp_interval", 500*time.Millisecond)
	viper.SetDefault("perf.latency_window", 100)

	viper.SetDefault("export.pretty_print", true)
}

func getDefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultDataDir := filepath.Join(homeDir, ".ocppsim")

	return &Config{
		Server: ServerConfig{
			ListenHost: "0.0.0.0",
			ListenPort: 8080,
		},
		OCPP: OCPPConfig{
			CentralSystemURL: "ws://localhost:9000/ocpp",
			CallTimeout:      30 * time.Second,
			MeterInterval:    10 * time.Second,
			HoldDuration:     5 * time.Second,
			Heartbeat:        60 * time.Second,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir,
		},
		Replay: ReplayConfig{
			Mode:        "smart",
			SpeedFactor: 1.0,
			Grace:       2 * time.Second,
		},
		Perf: PerfConfig{
			Concurrency:   10,
			RampInterval:  500 * time.Millisecond,
			LatencyWindow: 100,
		},
		Export: ExportConfig{
			PrettyPrint: true,
		},
	}
}

func (c *Config) Validate() error {
	if c.Server.ListenPort <= 0 || c.Server.ListenPort > 65535 {
		return fmt.Errorf("invalid server listen_port: %d", c.Server.ListenPort)
	}

	if c.OCPP.CentralSystemURL == "" {
		return fmt.Errorf("ocpp central_system_url cannot be empty")
	}

	if c.OCPP.CallTimeout <= 0 {
		return fmt.Errorf("ocpp call_timeout must be positive")
	}

	switch c.Replay.Mode {
	case "instant", "fast", "smart", "stress", "realtime":
	default:
		return fmt.Errorf("invalid replay mode: %s", c.Replay.Mode)
	}

	if c.Replay.SpeedFactor <= 0 {
		return fmt.Errorf("replay speed_factor must be positive")
	}

	if c.Perf.Concurrency <= 0 {
		return fmt.Errorf("perf concurrency must be positive")
	}

	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage data_dir cannot be empty")
	}

	return nil
}

func SaveConfig(config *Config, path string) error {
	viper.Set("server", config.Server)
	viper.Set("ocpp", config.OCPP)
	viper.Set("storage", config.Storage)
	viper.Set("replay", config.Replay)
	viper.Set("perf", config.Perf)
	viper.Set("export", config.Export)

	if path == "" {
		path = "config.yaml"
	}

	return viper.WriteConfigAs(path)
}
