/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package zonecore

import (
	"fmt"
	"net"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// ZoneFileConf is one zone's entry in the config file, grounded on
// tdnsd/config.go's Config.Zones map[string]tdns.ZoneConf.
type ZoneFileConf struct {
	Name        string   `mapstructure:"name" validate:"required"`
	Type        string   `mapstructure:"type" validate:"required,oneof=primary secondary"`
	ZoneFile    string   `mapstructure:"zonefile"`
	DbFile      string   `mapstructure:"db"`
	Upstream    string   `mapstructure:"upstream"`
	Downstreams []string `mapstructure:"downstreams"`
	TransferACL []string `mapstructure:"transfer_acl"`
	UpdateACL   []string `mapstructure:"update_acl"`
	NotifyACL   []string `mapstructure:"notify_acl"`
	RefreshMin  string   `mapstructure:"refresh_min"`
	RetryMin    string   `mapstructure:"retry_min"`
	ExpireMax   string   `mapstructure:"expire_max"`

	DbsyncTimeout string `mapstructure:"dbsync_timeout"`
	NotifyRetries int    `mapstructure:"notify_retries"`
	NotifyTimeout string `mapstructure:"notify_timeout"`
	IxfrFslimit   int    `mapstructure:"ixfr_fslimit"`
}

// ServiceConf controls the overall daemon lifecycle gates, matching
// tdnsd/config.go's ServiceConf.
type ServiceConf struct {
	Name       string `mapstructure:"name" validate:"required"`
	ReloadOnly bool   `mapstructure:"reload_only"`
}

// DnsEngineConf configures the listener the query responder binds to.
type DnsEngineConf struct {
	Addresses []string `mapstructure:"addresses" validate:"required,min=1"`
}

// ApiserverConf configures the gorilla/mux admin API, grounded on
// tdnsd/config.go's ApiserverConf / apihandler.go's X-API-Key gate.
type ApiserverConf struct {
	Address string `mapstructure:"address" validate:"required"`
	ApiKey  string `mapstructure:"api_key" validate:"required"`
}

// JournalConf holds the config file's journal section. EntryCount is not
// read anywhere: each zone's journal bound comes from its own
// ixfr_fslimit (see ToZoneConfigs).
type JournalConf struct {
	EntryCount int `mapstructure:"entry_count"`
}

// LogConf holds the config file's log section, shaped after
// tdns/logging.go's SetupLogging parameters. It is validated with the rest
// of the config but its fields are not read: cmd/zoned logs to stderr via
// SetupCliLogging.
type LogConf struct {
	File       string `mapstructure:"file" validate:"required"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Config is the top-level daemon configuration, grounded on
// tdnsd/config.go's Config struct.
type Config struct {
	Service   ServiceConf             `mapstructure:"service" validate:"required"`
	DnsEngine DnsEngineConf           `mapstructure:"dnsengine" validate:"required"`
	Apiserver ApiserverConf           `mapstructure:"apiserver" validate:"required"`
	Zones     map[string]ZoneFileConf `mapstructure:"zones"`
	Journal   JournalConf             `mapstructure:"journal"`
	Log       LogConf                 `mapstructure:"log" validate:"required"`
}

// LoadConfig reads and validates a config file via spf13/viper +
// go-playground/validator, matching tdnsd/main.go's ParseConfig /
// tdnsd/config.go's ValidateConfig two-step shape: viper does the
// file/env merge, validator enforces the required/oneof struct tags.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, NewError(CodeFatal, "LoadConfig", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, NewError(CodeMalformed, "LoadConfig", err)
	}

	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ValidateConfig runs struct-tag validation over the whole config,
// matching tdnsd/config.go's ValidateConfig/ValidateBySection pattern of
// a fresh validator.New() per call.
func ValidateConfig(cfg *Config) error {
	val := validator.New()
	if err := val.Struct(cfg); err != nil {
		return NewError(CodeInvalid, "ValidateConfig", err)
	}
	for name, zc := range cfg.Zones {
		if zc.Type == "secondary" && zc.Upstream == "" {
			return NewError(CodeInvalid, "ValidateConfig",
				fmt.Errorf("zone %q: secondary requires an upstream", name))
		}
	}
	return nil
}

// ToZoneConfigs converts the file-shaped zone config map into runtime
// ZoneConfig values, parsing durations and building ACL sets.
func ToZoneConfigs(cfg *Config) (map[string]ZoneConfig, error) {
	out := make(map[string]ZoneConfig, len(cfg.Zones))
	for name, zc := range cfg.Zones {
		zoneType := Primary
		if zc.Type == "secondary" {
			zoneType = Secondary
		}

		refresh, err := parseDurationOr(zc.RefreshMin, 3*time.Hour)
		if err != nil {
			return nil, err
		}
		retry, err := parseDurationOr(zc.RetryMin, 15*time.Minute)
		if err != nil {
			return nil, err
		}
		expire, err := parseDurationOr(zc.ExpireMax, 7*24*time.Hour)
		if err != nil {
			return nil, err
		}
		dbsync, err := parseDurationOr(zc.DbsyncTimeout, 30*time.Minute)
		if err != nil {
			return nil, err
		}
		notifyTimeout, err := parseDurationOr(zc.NotifyTimeout, 60*time.Second)
		if err != nil {
			return nil, err
		}
		journalSize := zc.IxfrFslimit
		if journalSize <= 0 {
			journalSize = 256
		}

		out[name] = ZoneConfig{
			Name:         name,
			Type:         zoneType,
			ZoneFile:     zc.ZoneFile,
			CompiledFile: zc.DbFile,
			Upstream:     zc.Upstream,
			Downstreams:  zc.Downstreams,
			ACL: ZoneACLConfig{
				Transfer: aclSetFromAddrs(zc.TransferACL),
				Update:   aclSetFromAddrs(zc.UpdateACL),
				Notify:   aclSetFromAddrs(zc.NotifyACL),
			},
			RefreshMin:       refresh,
			RetryMin:         retry,
			ExpireMax:        expire,
			DBSyncTimeout:    dbsync,
			NotifyRetries:    zc.NotifyRetries,
			NotifyTimeout:    notifyTimeout,
			JournalSizeLimit: journalSize,
		}
	}
	return out, nil
}

func parseDurationOr(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, NewError(CodeMalformed, "parseDurationOr", err)
	}
	return d, nil
}

func aclSetFromAddrs(addrs []string) *ACLSet {
	if len(addrs) == 0 {
		return nil
	}
	entries := make([]ACLEntry, 0, len(addrs))
	for _, a := range addrs {
		ip := net.ParseIP(a)
		if ip == nil {
			continue
		}
		entries = append(entries, ACLEntry{Address: ip, Name: a})
	}
	return BuildACLSet(entries)
}
