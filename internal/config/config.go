// Package config loads the proxy's configuration from CLI flags,
// ACP_PROXY_* environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// DefaultPort is the proxy's default TCP port.
const DefaultPort = 9315

// EnvPrefix namespaces the environment variables, e.g. ACP_PROXY_PORT.
const EnvPrefix = "ACP_PROXY"

// Config holds everything the launcher needs.
type Config struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	HTTPS          bool   `mapstructure:"https"`
	NoAuth         bool   `mapstructure:"no-auth"`
	PublicURL      string `mapstructure:"public-url"`
	Termux         bool   `mapstructure:"termux"`
	Debug          bool   `mapstructure:"debug"`
	ExtensionTools bool   `mapstructure:"extension-tools"`
	StaticDir      string `mapstructure:"static-dir"`

	// AgentArgv is the agent command line: the positional arguments,
	// including everything after --.
	AgentArgv []string `mapstructure:"-"`

	// AuthToken is a fixed token from ACP_AUTH_TOKEN; empty means generate
	// a random one. --no-auth takes priority.
	AuthToken string `mapstructure:"-"`
}

// RegisterFlags declares the CLI flags on cmd.
func RegisterFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Int("port", DefaultPort, "TCP port to listen on")
	f.String("host", "localhost", "bind address")
	f.Bool("https", false, "serve TLS with a locally generated certificate")
	f.Bool("no-auth", false, "disable the token check on the WebSocket endpoint")
	f.String("public-url", "", "override the URL shown in the banner and QR code")
	f.Bool("termux", false, "open the web UI via Android 'am start'")
	f.Bool("debug", false, "write trace logs to ./.acp-proxy/")
	f.Bool("extension-tools", false, "additionally register the browser_screenshot and browser_tabs MCP tools")
	f.String("static-dir", "", "directory of web UI assets served under /app/")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "localhost")
	v.SetDefault("port", DefaultPort)
	v.SetDefault("https", false)
	v.SetDefault("no-auth", false)
	v.SetDefault("public-url", "")
	v.SetDefault("termux", false)
	v.SetDefault("debug", false)
	v.SetDefault("extension-tools", false)
	v.SetDefault("static-dir", "")
}

// Load resolves the configuration: flags beat environment beats defaults.
// args are cobra's positional arguments forming the agent command line.
func Load(cmd *cobra.Command, args []string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	// Optional ~/.acp-proxy/config.yaml for persistent settings.
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".acp-proxy"))
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.AgentArgv = args
	cfg.AuthToken = os.Getenv("ACP_AUTH_TOKEN")

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string
	if len(cfg.AgentArgv) == 0 {
		errs = append(errs, "an agent command is required: acp-proxy [flags] <agent-cmd> [-- <agent-args...>]")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		errs = append(errs, "port must be between 1 and 65535")
	}
	if cfg.Host == "" {
		errs = append(errs, "host must not be empty")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// Scheme returns the URL scheme matching the TLS setting.
func (c *Config) Scheme() string {
	if c.HTTPS {
		return "https"
	}
	return "http"
}

// BaseURL is the address clients should dial, honoring --public-url.
func (c *Config) BaseURL() string {
	if c.PublicURL != "" {
		return strings.TrimRight(c.PublicURL, "/")
	}
	return fmt.Sprintf("%s://%s:%d", c.Scheme(), c.Host, c.Port)
}
