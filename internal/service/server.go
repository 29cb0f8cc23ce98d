// Package service implements the client-service adapter: the
// per-connection driver that sits between raw sockets and the TU/PBX
// core. It owns the accept loop, line framing, and command dispatch; it
// never decides call semantics itself.
package service

import (
	"bufio"
	"bytes"
	"log/slog"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/flowpbx/pbx/internal/pbx"
	"github.com/flowpbx/pbx/internal/tu"
)

// Config configures accept-side behavior for a Server.
type Config struct {
	// AcceptRate and AcceptBurst bound new-connection acceptance per
	// source IP. A zero Rate disables throttling.
	AcceptRate  rate.Limit
	AcceptBurst int
}

// Server accepts line-oriented PBX client connections, wraps each in a
// TU, and drives it against a registry until the connection closes.
type Server struct {
	ln       net.Listener
	registry *pbx.PBX
	logger   *slog.Logger
	limiter  *ipAcceptLimiter
	extSeq   atomic.Int64

	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

// New wraps ln. Serve must be called to begin accepting connections.
func New(ln net.Listener, registry *pbx.PBX, cfg Config, logger *slog.Logger) *Server {
	acceptRate := cfg.AcceptRate
	if acceptRate == 0 {
		acceptRate = rate.Inf
	}
	return &Server{
		ln:       ln,
		registry: registry,
		logger:   logger.With("component", "service"),
		limiter:  newIPAcceptLimiter(acceptRate, cfg.AcceptBurst, logger),
		closed:   make(chan struct{}),
	}
}

// Serve runs the accept loop until Close is called or Accept fails for
// some other reason. A clean shutdown (via Close) returns nil.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return nil
			default:
				return err
			}
		}

		ip := extractIP(conn.RemoteAddr())
		if !s.limiter.allow(ip) {
			s.logger.Warn("connection throttled", "ip", ip)
			_ = conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn)
		}()
	}
}

// Close stops the accept loop and the accept limiter's cleanup
// goroutine. Already-accepted connections are unaffected; their
// teardown is driven by registry.Shutdown or their own EOF.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.ln.Close()
		s.limiter.stop()
	})
	return err
}

// Wait blocks until every connection goroutine spawned by Serve has
// returned. Call after registry.Shutdown has kicked every TU socket.
func (s *Server) Wait() {
	s.wg.Wait()
}

// serveConn owns one accepted connection end to end: register, dispatch
// lines until EOF or error, unregister, release the adapter's own TU
// reference.
func (s *Server) serveConn(conn net.Conn) {
	connID := uuid.NewString()
	logger := s.logger.With("conn_id", connID, "remote_addr", conn.RemoteAddr().String())

	t := tu.New(conn, logger)

	ext := int(s.extSeq.Add(1)) - 1
	if ext < 0 || ext >= s.registry.Size() {
		logger.Warn("no extension slot available", "ext", ext)
		_ = conn.Close()
		return
	}
	if err := s.registry.Register(t, ext); err != nil {
		logger.Warn("register failed", "ext", ext, "error", err)
		_ = conn.Close()
		return
	}

	defer func() {
		if err := s.registry.Unregister(t); err != nil {
			logger.Debug("unregister", "error", err)
		}
		tu.Unref(t)
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), math.MaxInt)
	scanner.Split(splitCRLF)

	for scanner.Scan() {
		dispatch(t, s.registry, scanner.Text(), logger)
	}
	if err := scanner.Err(); err != nil {
		logger.Debug("connection read error", "error", err)
	}
}

// splitCRLF is a bufio.SplitFunc that frames on a literal "\r\n", unlike
// bufio.ScanLines' bare "\n", matching the wire protocol's CRLF line
// termination exactly. The buffer grows on demand (via Scanner.Buffer's
// max), so there is no a-priori line length bound.
func splitCRLF(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.Index(data, []byte("\r\n")); i >= 0 {
		return i + 2, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// dispatch parses one already-framed line and invokes the matching TU
// or registry operation. Matching is case-sensitive, leading-keyword
// only, with strict equality for argument-less commands; anything else
// is dropped silently.
func dispatch(t *tu.TU, registry *pbx.PBX, line string, logger *slog.Logger) {
	switch {
	case line == "pickup":
		t.Pickup()
	case line == "hangup":
		t.Hangup()
	case strings.HasPrefix(line, "dial "):
		digits := line[len("dial "):]
		ext, err := strconv.Atoi(digits)
		if err != nil {
			return
		}
		if err := registry.Dial(t, ext); err != nil {
			logger.Debug("dial", "ext", ext, "error", err)
		}
	case strings.HasPrefix(line, "chat "):
		t.Chat(line[len("chat "):])
	}
}

// extractIP returns the IP portion of a net.Addr, stripping the port.
func extractIP(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
