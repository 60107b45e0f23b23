package proxy

import (
	"io"
	"net"
	"net/netip"
	"time"

	log "github.com/sirupsen/logrus"
)

// TCPProxy handles L4 connections of one entrypoint.
type TCPProxy struct {
	gw          *Gateway
	Entrypoint  string
	IdleTimeout time.Duration
}

// TCPProxy returns the connection handler of a TCP entrypoint.
func (g *Gateway) TCPProxy(entrypoint string, idleTimeout time.Duration) *TCPProxy {
	return &TCPProxy{gw: g, Entrypoint: entrypoint, IdleTimeout: idleTimeout}
}

func (p *TCPProxy) Handle(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	logger := log.WithFields(log.Fields{"entrypoint": p.Entrypoint, "client": conn.RemoteAddr().String()})

	rt := p.gw.runtime.Load()
	if rt == nil {
		return
	}
	table, ok := rt.TCP[p.Entrypoint]
	if !ok {
		return
	}
	client := clientAddr(conn.RemoteAddr())
	route := table.Match(client)
	if route == nil {
		logger.Debug("tcp proxy: no router matches client")
		return
	}
	svc, ok := rt.TCPServices[route.Service]
	if !ok {
		return
	}

	if m := p.gw.Metrics; m != nil {
		m.IncActiveConns(p.Entrypoint, route.Service)
		defer m.DecActiveConns(p.Entrypoint, route.Service)
	}

	ep := svc.Balancer.Next()
	if ep == nil {
		logger.Warnf("tcp proxy: no healthy upstream for %s", route.Service)
		return
	}

	// We use the Host from the URL (e.g. "127.0.0.1:8080")
	u := ep.URL()
	upstream, err := net.DialTimeout("tcp", u.Host, p.gw.DialTimeout)
	if err != nil {
		logger.Warnf("tcp proxy: dial upstream %s: %v", u.Host, err)
		ep.Feedback(false)
		if m := p.gw.Metrics; m != nil {
			m.IncUpstreamError(route.Service, "dial")
		}
		return
	}
	defer func() { _ = upstream.Close() }()

	ep.Feedback(true)

	// Wrap connections for idle timeout
	var clientConn, upstreamConn = conn, upstream
	if p.IdleTimeout > 0 {
		clientConn = &idleTimeoutConn{Conn: conn, timeout: p.IdleTimeout}
		upstreamConn = &idleTimeoutConn{Conn: upstream, timeout: p.IdleTimeout}
	}

	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(upstreamConn, clientConn)
		closeWrite(upstream)
		close(done)
	}()

	_, _ = io.Copy(clientConn, upstreamConn)
	closeWrite(conn)
	<-done
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}

func clientAddr(a net.Addr) netip.Addr {
	if tcp, ok := a.(*net.TCPAddr); ok {
		return tcp.AddrPort().Addr().Unmap()
	}
	ap, err := netip.ParseAddrPort(a.String())
	if err != nil {
		return netip.Addr{}
	}
	return ap.Addr().Unmap()
}

type idleTimeoutConn struct {
	net.Conn
	timeout time.Duration
}

func (c *idleTimeoutConn) Read(b []byte) (n int, err error) {
	_ = c.SetDeadline(time.Now().Add(c.timeout))
	return c.Conn.Read(b)
}

func (c *idleTimeoutConn) Write(b []byte) (n int, err error) {
	_ = c.SetDeadline(time.Now().Add(c.timeout))
	return c.Conn.Write(b)
}
