package fanproxy

import (
	"context"
	"fmt"
	"net"
)

// Listener is an interface for a client-facing listener.
type Listener interface {
	Run(ctx context.Context) error
	fmt.Stringer
}

// ListenOptions contains settings shared by listeners.
type ListenOptions struct {
	// Networks allowed to query this listener. All clients are allowed if empty.
	AllowedNet []*net.IPNet
}

func isAllowed(allowedNet []*net.IPNet, ip net.IP) bool {
	if len(allowedNet) == 0 {
		return true
	}
	for _, net := range allowedNet {
		if net.Contains(ip) {
			return true
		}
	}
	return false
}
