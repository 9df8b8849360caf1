package fanproxy

import (
	syslog "github.com/RackSec/srslog"
)

// SyslogOptions configures forwarding of audit records to a syslog server.
type SyslogOptions struct {
	// "udp", "tcp", "unix". Defaults to "udp"
	Network string

	// Remote address, defaults to local syslog server
	Address string

	// Priority value as per https://pkg.go.dev/log/syslog#Priority
	Priority int

	// Syslog tag
	Tag string
}

func newSyslogWriter(opt SyslogOptions) (*syslog.Writer, error) {
	network := opt.Network
	if network == "" && opt.Address != "" {
		network = "udp"
	}
	priority := syslog.Priority(opt.Priority)
	if priority == 0 {
		priority = syslog.LOG_INFO | syslog.LOG_DAEMON
	}
	tag := opt.Tag
	if tag == "" {
		tag = "fanproxy"
	}
	return syslog.Dial(network, opt.Address, priority, tag)
}
