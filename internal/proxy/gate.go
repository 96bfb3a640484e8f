package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/elazarl/goproxy"
	"go.uber.org/zap"
	netproxy "golang.org/x/net/proxy"
)

// Gate is a private forwarding proxy owned by a single lease. Every request
// it accepts is dialed through the upstream dialer, normally the SOCKS5 side
// of mihomo's mixed port. Closing the gate cuts off any traffic still in
// flight for the lease holder.
type Gate struct {
	proxy    *goproxy.ProxyHttpServer
	server   *http.Server
	listener net.Listener
	logger   *zap.Logger

	closeOnce sync.Once
	serveErr  chan error
}

// NewUpstreamDialer returns a dialer that tunnels through the SOCKS5
// listener at addr (host:port).
func NewUpstreamDialer(addr string) (netproxy.ContextDialer, error) {
	d, err := netproxy.SOCKS5("tcp", addr, nil, netproxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("failed to build socks5 dialer for %s: %w", addr, err)
	}
	cd, ok := d.(netproxy.ContextDialer)
	if !ok {
		return nil, errors.New("socks5 dialer does not support contexts")
	}
	return cd, nil
}

// StartGate listens on a random loopback port and starts forwarding.
func StartGate(upstream netproxy.ContextDialer, logger *zap.Logger) (*Gate, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to listen for egress gate: %w", err)
	}

	log := logger.Named("egress_gate").With(zap.String("addr", listener.Addr().String()))

	p := goproxy.NewProxyHttpServer()
	p.Verbose = false
	p.Tr = &http.Transport{
		Proxy:                 nil,
		DialContext:           upstream.DialContext,
		MaxIdleConns:          16,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	// CONNECT tunnels are dialed by goproxy itself.
	p.ConnectDial = func(network, addr string) (net.Conn, error) {
		return upstream.DialContext(context.Background(), network, addr)
	}
	p.OnResponse().DoFunc(func(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
		if resp == nil && ctx.Error != nil {
			log.Debug("Upstream request failed.", zap.Error(ctx.Error))
		}
		return resp
	})

	g := &Gate{
		proxy:    p,
		server:   &http.Server{Handler: p, ReadHeaderTimeout: 10 * time.Second},
		listener: listener,
		logger:   log,
		serveErr: make(chan error, 1),
	}
	go func() {
		err := g.server.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		g.serveErr <- err
	}()

	log.Debug("Egress gate started.")
	return g, nil
}

// URL is the proxy URL clients should use.
func (g *Gate) URL() string {
	return "http://" + g.listener.Addr().String()
}

// Close stops accepting connections and drops open ones.
func (g *Gate) Close() error {
	var err error
	g.closeOnce.Do(func() {
		err = g.server.Close()
		if serveErr := <-g.serveErr; serveErr != nil && err == nil {
			err = serveErr
		}
		g.logger.Debug("Egress gate closed.")
	})
	return err
}
