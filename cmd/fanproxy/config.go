package main

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type config struct {
	Listen        string
	Timeout       time.Duration
	Grain         time.Duration
	LogLevel      string        `toml:"log-level"`
	AuditDir      string        `toml:"audit-dir"`
	StatsInterval time.Duration `toml:"stats-interval"`
	AllowedNet    []string      `toml:"allowed-net"`
	UpstreamFile  string        `toml:"upstream-file"`
	Upstreams     []upstream    `toml:"upstream"`
	Admin         *admin
	AuditSyslog   *syslog `toml:"audit-syslog"`
}

type upstream struct {
	Suffix  string
	Address string
}

type admin struct {
	Address   string
	Transport string
	ServerCrt string `toml:"server-crt"`
	ServerKey string `toml:"server-key"`
}

type syslog struct {
	Network  string
	Address  string
	Priority int
	Tag      string
}

// LoadConfig reads a config file and returns the decoded structure.
func loadConfig(name string) (config, error) {
	var c config
	f, err := os.Open(name)
	if err != nil {
		return c, err
	}
	defer f.Close()
	_, err = toml.NewDecoder(f).Decode(&c)
	return c, err
}
