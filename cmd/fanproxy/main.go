package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	fanproxy "github.com/fanproxy/fanproxy"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Used when the configuration doesn't contain any upstreams.
var defaultUpstreams = []string{"8.8.8.8:53", "8.8.4.4:53"}

type options struct {
	listen   string
	timeout  time.Duration
	logLevel string
}

func main() {
	var opt options
	cmd := &cobra.Command{
		Use:   "fanproxy <config>",
		Short: "DNS forwarding proxy with fan-out to multiple upstreams",
		Long: `DNS forwarding proxy with fan-out to multiple upstreams.

Every query received over UDP is sent to all upstream
resolvers selected for it and answered with the first
response that comes back. Upstreams can be restricted
to name suffixes, upstreams without suffix are used for
everything else.

The result and latency of every upstream is written to
an hourly audit log.
`,
		Example: `  fanproxy config.toml`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return start(opt, args)
		},
		SilenceUsage: true,
	}
	cmd.Flags().StringVar(&opt.listen, "listen", "", "listen address, overrides the config")
	cmd.Flags().DurationVar(&opt.timeout, "timeout", 0, "query timeout, overrides the config")
	cmd.Flags().StringVar(&opt.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func start(opt options, args []string) error {
	config, err := loadConfig(args[0])
	if err != nil {
		return errors.Wrapf(err, "failed to load config '%s'", args[0])
	}
	if opt.listen != "" {
		config.Listen = opt.listen
	}
	if opt.timeout != 0 {
		config.Timeout = opt.timeout
	}
	if opt.logLevel != "" {
		config.LogLevel = opt.logLevel
	}

	if config.LogLevel != "" {
		level, err := logrus.ParseLevel(config.LogLevel)
		if err != nil {
			return err
		}
		fanproxy.Log.SetLevel(level)
	}
	if config.Listen == "" {
		config.Listen = "127.0.0.1:53"
	}
	if config.Timeout == 0 {
		return errors.New("no query timeout configured")
	}

	upstreams, err := buildUpstreams(config)
	if err != nil {
		return err
	}
	allowedNet, err := parseCIDRList(config.AllowedNet)
	if err != nil {
		return err
	}

	proxyOpt := fanproxy.ProxyOptions{
		Listen:   config.Listen,
		Listener: fanproxy.ListenOptions{AllowedNet: allowedNet},
		Coordinator: fanproxy.CoordinatorOptions{
			Timeout: config.Timeout,
			Grain:   config.Grain,
		},
		Audit: fanproxy.AuditLoggerOptions{
			Directory: config.AuditDir,
		},
		StatsInterval: config.StatsInterval,
	}
	if s := config.AuditSyslog; s != nil {
		proxyOpt.Audit.Syslog = &fanproxy.SyslogOptions{
			Network:  s.Network,
			Address:  s.Address,
			Priority: s.Priority,
			Tag:      s.Tag,
		}
	}

	proxy, err := fanproxy.NewProxy("fanproxy", upstreams, proxyOpt)
	if err != nil {
		return err
	}

	if a := config.Admin; a != nil {
		tlsConfig, err := fanproxy.TLSServerConfig(a.ServerCrt, a.ServerKey)
		if err != nil {
			return err
		}
		l, err := fanproxy.NewAdminListener("admin", a.Address, fanproxy.AdminListenerOptions{
			Transport: a.Transport,
			TLSConfig: tlsConfig,
			Vars:      proxy.Vars(),
			Upstreams: proxy.Sessions(),
		})
		if err != nil {
			return err
		}
		proxy.AddListener(l)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := proxy.Run(ctx); err != nil {
		fanproxy.Log.WithError(err).Error("proxy failed")
		return err
	}
	return nil
}

// Builds the upstream list from the upstream file followed by the upstreams in the
// config itself, in that order.
func buildUpstreams(config config) ([]fanproxy.UpstreamConfig, error) {
	list := new(fanproxy.UpstreamList)
	if config.UpstreamFile != "" {
		f, err := os.Open(config.UpstreamFile)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if err := fanproxy.LoadUpstreams(f, list); err != nil {
			return nil, errors.Wrapf(err, "failed to load upstreams from '%s'", config.UpstreamFile)
		}
	}
	for _, u := range config.Upstreams {
		if _, err := list.AddAddress(u.Suffix, u.Address); err != nil {
			return nil, err
		}
	}
	if list.Len() == 0 {
		fanproxy.Log.WithField("upstreams", defaultUpstreams).Warn("no upstreams configured, using defaults")
		for _, addr := range defaultUpstreams {
			if _, err := list.AddAddress("", addr); err != nil {
				return nil, err
			}
		}
	}
	return list.Configs(), nil
}

func parseCIDRList(networks []string) ([]*net.IPNet, error) {
	var out []*net.IPNet
	for _, s := range networks {
		_, n, err := net.ParseCIDR(s)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
