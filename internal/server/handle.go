package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/fabian4/verkehr/internal/config"
)

// Kind tells HTTP and TCP entrypoints apart.
type Kind string

const (
	KindHTTP Kind = "http"
	KindTCP  Kind = "tcp"
)

// Handle is a running entrypoint listener. A handle keeps its identity for
// as long as its entrypoint configuration is unchanged.
type Handle struct {
	ID         uuid.UUID
	Kind       Kind
	Name       string
	Entrypoint config.Entrypoint
	Address    net.Addr

	resolver config.CertResolver // definition the TLS config was built from

	ln   net.Listener
	srv  *http.Server
	tcp  *tcpServer
	once sync.Once
	done chan struct{}
	err  error
}

func (h *Handle) listener() listener {
	return listener{entrypoint: h.Entrypoint, resolver: h.resolver}
}

// Done is closed once the listener is closed and its connections drained.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) logger() *log.Entry {
	return log.WithFields(log.Fields{"entrypoint": h.Name, "kind": h.Kind, "address": h.Address.String()})
}

// stop closes the listener right away, so the address can be bound again,
// then drains open connections until ctx is done and force-closes the rest.
func (h *Handle) stop(ctx context.Context) error {
	h.once.Do(func() {
		defer close(h.done)
		if err := h.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			h.logger().Debugf("close listener: %v", err)
		}
		switch {
		case h.srv != nil:
			if err := h.srv.Shutdown(ctx); err != nil && !errors.Is(err, net.ErrClosed) {
				h.err = err
				_ = h.srv.Close()
			}
		case h.tcp != nil:
			h.err = h.tcp.drain(ctx)
		}
		h.logger().Info("entrypoint stopped")
	})
	<-h.done
	return h.err
}

// tcpServer runs the accept loop of a TCP entrypoint and tracks open
// connections for draining.
type tcpServer struct {
	ln     net.Listener
	handle func(net.Conn)

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

func newTCPServer(ln net.Listener, handle func(net.Conn)) *tcpServer {
	return &tcpServer{ln: ln, handle: handle, conns: make(map[net.Conn]struct{})}
}

func (s *tcpServer) serve() error {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = c.Close()
			return nil
		}
		s.conns[c] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go func() {
			defer func() {
				s.mu.Lock()
				delete(s.conns, c)
				s.mu.Unlock()
				s.wg.Done()
			}()
			s.handle(c)
		}()
	}
}

func (s *tcpServer) drain(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
	}

	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	<-drained
	return ctx.Err()
}
