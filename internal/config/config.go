package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. PAYWIRE_HTTP_LISTEN.
const EnvPrefix = "PAYWIRE"

type Config struct {
	DataDir  string `mapstructure:"data_dir"`
	LogLevel string `mapstructure:"log_level"`
	HTTP     struct {
		Listen string `mapstructure:"listen"`
	} `mapstructure:"http"`
	Seller struct {
		Embedded     bool     `mapstructure:"embedded"`
		Listen       string   `mapstructure:"listen"`
		URL          string   `mapstructure:"url"`
		AgentID      string   `mapstructure:"agent_id"`
		Name         string   `mapstructure:"name"`
		Description  string   `mapstructure:"description"`
		Capabilities []string `mapstructure:"capabilities"`
		Service      string   `mapstructure:"service"`
		Price        float64  `mapstructure:"price"`
		Currency     string   `mapstructure:"currency"`
		Address      string   `mapstructure:"address"`
	} `mapstructure:"seller"`
	Buyer struct {
		AgentID      string   `mapstructure:"agent_id"`
		Name         string   `mapstructure:"name"`
		Capabilities []string `mapstructure:"capabilities"`
		MaxPrice     float64  `mapstructure:"max_price"`
	} `mapstructure:"buyer"`
	Protocol struct {
		MaxVerifyAttempts int           `mapstructure:"max_verify_attempts"`
		InitialDelay      time.Duration `mapstructure:"initial_delay"`
		Multiplier        float64       `mapstructure:"multiplier"`
		MaxDelay          time.Duration `mapstructure:"max_delay"`
		RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	} `mapstructure:"protocol"`
	Registry struct {
		HeartbeatWindow time.Duration `mapstructure:"heartbeat_window"`
		ExpiryInterval  time.Duration `mapstructure:"expiry_interval"`
	} `mapstructure:"registry"`
	Payment struct {
		ConfirmAfter int     `mapstructure:"confirm_after"`
		Balance      float64 `mapstructure:"balance"`
	} `mapstructure:"payment"`
	LLM struct {
		Enabled          bool          `mapstructure:"enabled"`
		BaseURL          string        `mapstructure:"base_url"`
		APIKey           string        `mapstructure:"api_key"`
		Model            string        `mapstructure:"model"`
		MaxTokens        int           `mapstructure:"max_tokens"`
		Temperature      float32       `mapstructure:"temperature"`
		MaxContextTokens int           `mapstructure:"max_context_tokens"`
		OutputReserve    int           `mapstructure:"output_reserve"`
		Timeout          time.Duration `mapstructure:"timeout"`
	} `mapstructure:"llm"`
	Telegram struct {
		Token  string `mapstructure:"token"`
		ChatID int64  `mapstructure:"chat_id"`
	} `mapstructure:"telegram"`
	Demo struct {
		RegisterAgents    bool          `mapstructure:"register_agents"`
		KeepaliveInterval time.Duration `mapstructure:"keepalive_interval"`
	} `mapstructure:"demo"`
}

// SellerURL is where the buyer reaches the seller.
func (c *Config) SellerURL() string {
	if c.Seller.URL != "" {
		return c.Seller.URL
	}
	return "http://" + c.Seller.Listen
}

// JournalPath is the conversation journal file under the data directory.
func (c *Config) JournalPath() string {
	return filepath.Join(c.DataDir, "conversation.jsonl")
}

// PIDPath is the PID file written by serve.
func (c *Config) PIDPath() string {
	return filepath.Join(c.DataDir, "paywire.pid")
}

func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()
	v.SetDefault("data_dir", filepath.Join(home, ".paywire"))
	v.SetDefault("log_level", "info")

	v.SetDefault("http.listen", "127.0.0.1:8080")

	v.SetDefault("seller.embedded", true)
	v.SetDefault("seller.listen", "127.0.0.1:3000")
	v.SetDefault("seller.url", "")
	v.SetDefault("seller.agent_id", "fridge_001")
	v.SetDefault("seller.name", "Smart Fridge Agent")
	v.SetDefault("seller.description", "Smart fridge with payment verification")
	v.SetDefault("seller.capabilities", []string{"soda_dispensing", "payment_verification", "ai_responses"})
	v.SetDefault("seller.service", "soda")
	v.SetDefault("seller.price", 0.1)
	v.SetDefault("seller.currency", "APT")
	v.SetDefault("seller.address", "0xsimulation_seller_address")

	v.SetDefault("buyer.agent_id", "homehub_001")
	v.SetDefault("buyer.name", "Home Hub Agent")
	v.SetDefault("buyer.capabilities", []string{"service_acquisition", "payment_processing", "ai_decision_making"})
	v.SetDefault("buyer.max_price", 1.0)

	v.SetDefault("protocol.max_verify_attempts", 3)
	v.SetDefault("protocol.initial_delay", "1s")
	v.SetDefault("protocol.multiplier", 1.0)
	v.SetDefault("protocol.max_delay", "30s")
	v.SetDefault("protocol.request_timeout", "10s")

	v.SetDefault("registry.heartbeat_window", "30s")
	v.SetDefault("registry.expiry_interval", "5s")

	v.SetDefault("payment.confirm_after", 2)
	v.SetDefault("payment.balance", 0.0)

	v.SetDefault("llm.enabled", false)
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.max_tokens", 80)
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.max_context_tokens", 8192)
	v.SetDefault("llm.output_reserve", 256)
	v.SetDefault("llm.timeout", "10s")

	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.chat_id", 0)

	v.SetDefault("demo.register_agents", true)
	v.SetDefault("demo.keepalive_interval", "10s")
}

// bindEnv enables PAYWIRE_* overrides plus the well-known variables.
func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("llm.api_key", EnvPrefix+"_LLM_API_KEY", "OPENAI_API_KEY")
	v.BindEnv("llm.base_url", EnvPrefix+"_LLM_BASE_URL", "OPENAI_BASE_URL")
	v.BindEnv("telegram.token", EnvPrefix+"_TELEGRAM_TOKEN", "TELEGRAM_BOT_TOKEN")
	v.BindEnv("seller.address", EnvPrefix+"_SELLER_ADDRESS", "SELLER_ADDRESS")
}

func newViper(path string, withEnv bool) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	setDefaults(v)
	if withEnv {
		bindEnv(v)
	}
	return v
}

// open reads path into a viper instance. When the file does not exist the
// defaults are written there first.
func open(path string, withEnv bool) (*viper.Viper, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeDefaults(path); err != nil {
			return nil, err
		}
	}
	v := newViper(path, withEnv)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return v, nil
}

// Load reads the config file at path, creating it with defaults on first
// run, and applies environment overrides (highest precedence).
func Load(path string) (*Config, error) {
	v, err := open(path, true)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func writeDefaults(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	v := newViper(path, false)
	return writeAtomic(v, path)
}

func writeAtomic(v *viper.Viper, path string) error {
	tmpPath := path + ".tmp"
	if err := v.WriteConfigAs(tmpPath); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ListValues returns the effective settings as a flat, dot-keyed map.
// Secrets are masked when mask is set.
func ListValues(path string, mask bool) (map[string]any, error) {
	v, err := open(path, true)
	if err != nil {
		return nil, err
	}
	flat := Flatten(v.AllSettings())
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue returns the effective value of a dot-separated key.
func GetValue(path, key string) (any, error) {
	v, err := open(path, true)
	if err != nil {
		return nil, err
	}
	if !v.IsSet(key) {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v.Get(key), nil
}

// SetValue stores raw under key in the config file. raw is decoded as JSON
// when possible (numbers, booleans, arrays) and kept as a string
// otherwise. Environment overrides are never written back.
func SetValue(path, key, raw string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("config file: %w", err)
	}
	v := newViper(path, false)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		value = raw
	}
	v.Set(key, value)
	return writeAtomic(v, path)
}
