package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Loginapp holds all configuration for the login server.
type Loginapp struct {
	// Network
	BindAddress      string `yaml:"bind_address"`
	Port             int    `yaml:"port"`
	InternalBind     string `yaml:"internal_bind_address"`
	InternalPort     int    `yaml:"internal_port"`
	ExternalAddress  string `yaml:"external_address"` // публикуемый внешний хост (пусто — адрес листенера)
	HTTPCbPort       int    `yaml:"http_cb_port"`
	ComponentID      uint64 `yaml:"component_id"`

	// Logging
	LogLevel string `yaml:"log_level"` // debug, info, warn, error (default: info)

	// Account policy
	AccountType               string `yaml:"account_type"` // normal, mail, smart
	AccountRegistrationEnable bool   `yaml:"account_registration_enable"`
	AllowEmptyDigest          bool   `yaml:"allow_empty_digest"`
	AccountNameMaxLen         int    `yaml:"account_name_max_len"`
	AccountPasswdMaxLen       int    `yaml:"account_passwd_max_len"`
	AccountDataMaxLen         int    `yaml:"account_data_max_len"`

	// Channel policy
	ExternalChannelEncryptType string `yaml:"external_channel_encrypt_type"` // none, symmetric
	ChannelTimeoutSec          int    `yaml:"channel_timeout"`               // seconds
	PendingTTLSec              int    `yaml:"pending_ttl"`                   // seconds

	// Tick
	GameUpdateHertz uint `yaml:"game_update_hertz"`

	// Versions advertised in onHelloCB
	Version       string `yaml:"version"`
	ScriptVersion string `yaml:"script_version"`

	// Entry script file name (loaded and defaulted; no component reads it)
	EntryScriptFile string `yaml:"entry_script_file"`

	// Mail
	SMTP SMTPConfig `yaml:"smtp"`
}

// SMTPConfig — параметры отправки писем активации/сброса пароля.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	From     string `yaml:"from"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Workers  int    `yaml:"workers"`
}

// EncryptionEnabled сообщает, включена ли политика шифрования внешних каналов.
func (l Loginapp) EncryptionEnabled() bool {
	return strings.EqualFold(l.ExternalChannelEncryptType, "symmetric")
}

// DefaultLoginapp returns Loginapp config with sensible defaults.
func DefaultLoginapp() Loginapp {
	return Loginapp{
		BindAddress:                "0.0.0.0",
		Port:                       20013,
		InternalBind:               "127.0.0.1",
		InternalPort:               20113,
		HTTPCbPort:                 21103,
		ComponentID:                1,
		LogLevel:                   "info",
		AccountType:                "smart",
		AccountRegistrationEnable:  true,
		AllowEmptyDigest:           true,
		AccountNameMaxLen:          191,
		AccountPasswdMaxLen:        255,
		AccountDataMaxLen:          1024,
		ExternalChannelEncryptType: "symmetric",
		ChannelTimeoutSec:          60,
		PendingTTLSec:              60,
		GameUpdateHertz:            50,
		Version:                    "2.0.0",
		ScriptVersion:              "0.1.0",
		EntryScriptFile:            "entry",
		SMTP: SMTPConfig{
			Host:    "127.0.0.1",
			Port:    25,
			From:    "noreply@localhost",
			Workers: 2,
		},
	}
}

// LoadLoginapp loads login server config from a YAML file.
// If the file doesn't exist, returns defaults.
func LoadLoginapp(path string) (Loginapp, error) {
	cfg := DefaultLoginapp()
	if err := loadYAML(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// DBServer holds configuration for the database component.
type DBServer struct {
	LoginInternalAddr string         `yaml:"login_internal_addr"`
	ComponentID       uint64         `yaml:"component_id"`
	LogLevel          string         `yaml:"log_level"`
	Digest            string         `yaml:"entitydefs_digest"`
	Database          DatabaseConfig `yaml:"database"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`

	// Connection pool parameters (optional, defaults from pgxpool apply if not set)
	MaxConns        int32  `yaml:"max_conns"`
	MinConns        int32  `yaml:"min_conns"`
	MaxConnLifetime string `yaml:"max_conn_lifetime"` // duration, e.g. "1h"
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	base := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)

	var params []string
	if d.MaxConns > 0 {
		params = append(params, fmt.Sprintf("pool_max_conns=%d", d.MaxConns))
	}
	if d.MinConns > 0 {
		params = append(params, fmt.Sprintf("pool_min_conns=%d", d.MinConns))
	}
	if d.MaxConnLifetime != "" {
		params = append(params, fmt.Sprintf("pool_max_conn_lifetime=%s", d.MaxConnLifetime))
	}

	if len(params) > 0 {
		return base + "&" + strings.Join(params, "&")
	}
	return base
}

// DefaultDBServer returns DBServer config with sensible defaults.
func DefaultDBServer() DBServer {
	return DBServer{
		LoginInternalAddr: "127.0.0.1:20113",
		ComponentID:       100,
		LogLevel:          "info",
		Database: DatabaseConfig{
			Host:     "127.0.0.1",
			Port:     5432,
			User:     "mmolobby",
			Password: "mmolobby",
			DBName:   "mmolobby",
			SSLMode:  "disable",
		},
	}
}

// LoadDBServer loads database component config from a YAML file.
// If the file doesn't exist, returns defaults.
func LoadDBServer(path string) (DBServer, error) {
	cfg := DefaultDBServer()
	if err := loadYAML(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Client holds configuration for the client session.
type Client struct {
	Version         string `yaml:"version"`
	ScriptVersion   string `yaml:"script_version"`
	EncryptChannel  bool   `yaml:"encrypt_channel"`
	GameUpdateHertz uint   `yaml:"game_update_hertz"`
}

// DefaultClient returns Client config with sensible defaults.
func DefaultClient() Client {
	return Client{
		Version:         "2.0.0",
		ScriptVersion:   "0.1.0",
		EncryptChannel:  true,
		GameUpdateHertz: 50,
	}
}

// LoadClient loads client config from a YAML file.
// If the file doesn't exist, returns defaults.
func LoadClient(path string) (Client, error) {
	cfg := DefaultClient()
	if err := loadYAML(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}
