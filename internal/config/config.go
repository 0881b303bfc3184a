package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the broker's runtime configuration
type Config struct {
	ListenAddr     string        `mapstructure:"listen_addr"`
	PublicHostname string        `mapstructure:"public_hostname"`
	DBPath         string        `mapstructure:"db_path"`
	JWTSecret      string        `mapstructure:"jwt_secret"`
	ServiceKeyPath string        `mapstructure:"service_key_path"`
	GatewayHost    string        `mapstructure:"gateway_host"`
	GatewaySSHPort int           `mapstructure:"gateway_ssh_port"`
	GatewayUser    string        `mapstructure:"gateway_user"`
	PortPoolMin    int           `mapstructure:"port_pool_min"`
	PortPoolMax    int           `mapstructure:"port_pool_max"`
	ProbeInterval  time.Duration `mapstructure:"probe_interval"`
	SSHDialTimeout time.Duration `mapstructure:"ssh_dial_timeout"`
}

// Load reads configuration from file (optional) and environment
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("public_hostname", "localhost")
	v.SetDefault("db_path", "telepy.db")
	v.SetDefault("service_key_path", "~/.ssh/telepy_service_key")
	v.SetDefault("gateway_host", "localhost")
	v.SetDefault("gateway_ssh_port", 2222)
	v.SetDefault("gateway_user", "telepy")
	v.SetDefault("port_pool_min", 2300)
	v.SetDefault("port_pool_max", 2400)
	v.SetDefault("probe_interval", 10*time.Second)
	v.SetDefault("ssh_dial_timeout", 10*time.Second)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("telepy")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/telepy")
	}

	v.SetEnvPrefix("TELEPY")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.ServiceKeyPath = expandHome(cfg.ServiceKeyPath)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// expandHome resolves a leading ~ so the key file can be read directly
func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func (c *Config) validate() error {
	if c.PortPoolMin <= 0 || c.PortPoolMax > 65536 || c.PortPoolMin >= c.PortPoolMax {
		return fmt.Errorf("invalid port pool range [%d, %d)", c.PortPoolMin, c.PortPoolMax)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("jwt_secret is required")
	}
	return nil
}

// PoolSize returns the number of allocatable reverse ports
func (c *Config) PoolSize() int {
	return c.PortPoolMax - c.PortPoolMin
}
