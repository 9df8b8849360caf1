package fanproxy

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"expvar"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/sirupsen/logrus"
)

// Read/Write timeout in the admin server
const adminServerTimeout = 10 * time.Second

// AdminListener serves the proxy counters and the state of the upstream sessions
// over HTTP, HTTPS or HTTP/3.
type AdminListener struct {
	id  string
	opt AdminListenerOptions
	mux *http.ServeMux
	log *logrus.Entry

	addr     string
	serve    func() error
	shutdown func() error
}

var _ Listener = &AdminListener{}

// AdminListenerOptions contains options used by the admin service.
type AdminListenerOptions struct {
	// Transport protocol to run HTTP over. "quic" or "tcp", defaults to "tcp".
	Transport string

	// Serve HTTPS if set. Required for "quic".
	TLSConfig *tls.Config

	// Counters served under /fanproxy/vars.
	Vars expvar.Var

	// Sessions listed under /fanproxy/upstreams.
	Upstreams []*UpstreamSession
}

// Entry in the upstream status listing.
type upstreamStatus struct {
	Index          int    `json:"index"`
	Suffix         string `json:"suffix"`
	Address        string `json:"address"`
	Inflight       int    `json:"inflight"`
	ParseErrors    int64  `json:"parse-errors"`
	MismatchErrors int64  `json:"mismatch-errors"`
}

// NewAdminListener returns an instance of an admin service listener.
func NewAdminListener(id, addr string, opt AdminListenerOptions) (*AdminListener, error) {
	switch opt.Transport {
	case "tcp", "":
		opt.Transport = "tcp"
	case "quic":
		if opt.TLSConfig == nil {
			return nil, fmt.Errorf("transport quic requires a tls certificate")
		}
	default:
		return nil, fmt.Errorf("unknown protocol: '%s'", opt.Transport)
	}

	l := &AdminListener{
		id:   id,
		addr: addr,
		opt:  opt,
		mux:  http.NewServeMux(),
		log: Log.WithFields(logrus.Fields{
			"id":       id,
			"protocol": opt.Transport,
			"addr":     addr,
		}),
	}
	l.mux.HandleFunc("/fanproxy/vars", l.vars)
	l.mux.HandleFunc("/fanproxy/upstreams", l.upstreams)

	if opt.Transport == "quic" {
		srv := &http3.Server{
			Addr:       addr,
			TLSConfig:  opt.TLSConfig,
			Handler:    l.mux,
			QUICConfig: &quic.Config{},
		}
		l.serve = srv.ListenAndServe
		l.shutdown = srv.Close
	} else {
		srv := &http.Server{
			Addr:         addr,
			TLSConfig:    opt.TLSConfig,
			Handler:      l.mux,
			ReadTimeout:  adminServerTimeout,
			WriteTimeout: adminServerTimeout,
		}
		l.serve = func() error { return l.serveTCP(srv) }
		l.shutdown = func() error { return srv.Shutdown(context.Background()) }
	}
	return l, nil
}

// Run the admin server until the context is cancelled.
func (s *AdminListener) Run(ctx context.Context) error {
	s.log.Info("starting listener")
	errCh := make(chan error, 1)
	go func() { errCh <- s.serve() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.log.Info("stopping listener")
		return s.shutdown()
	}
}

// Serve HTTP, or HTTPS if there's a certificate, over TCP.
func (s *AdminListener) serveTCP(srv *http.Server) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	defer ln.Close()
	if s.opt.TLSConfig == nil {
		err = srv.Serve(ln)
	} else {
		err = srv.ServeTLS(ln, "", "")
	}
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *AdminListener) vars(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if s.opt.Vars == nil {
		fmt.Fprintln(w, "{}")
		return
	}
	fmt.Fprintln(w, s.opt.Vars.String())
}

func (s *AdminListener) upstreams(w http.ResponseWriter, r *http.Request) {
	out := make([]upstreamStatus, 0, len(s.opt.Upstreams))
	for _, u := range s.opt.Upstreams {
		cfg := u.Config()
		out = append(out, upstreamStatus{
			Index:          cfg.Index,
			Suffix:         cfg.Suffix,
			Address:        cfg.Address(),
			Inflight:       u.Inflight(),
			ParseErrors:    u.ParseErrors(),
			MismatchErrors: u.MismatchErrors(),
		})
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		s.log.WithError(err).Warn("failed to write upstream status")
	}
}

func (s *AdminListener) String() string {
	return s.id
}
