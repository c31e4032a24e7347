package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/ccyuki/zeppelin/internal/wire"
)

// Server accepts client command connections and dispatches each framed
// MetaCmd to the Dispatcher, generalized from the source's RPC accept
// thread plus a configurable worker pool; here each connection is served
// by its own goroutine, bounded implicitly by the OS connection count
// rather than a fixed pool, since the command bodies are small and
// non-blocking apart from the log/redirect I/O the Dispatcher itself
// already bounds with timeouts.
type Server struct {
	addr       string
	dispatcher *Dispatcher
	logger     *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
	closed   bool
}

// NewServer returns a Server bound to addr. Call Start to begin accepting.
func NewServer(addr string, dispatcher *Dispatcher, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{addr: addr, dispatcher: dispatcher, logger: logger}
}

// Start listens and accepts connections until Stop is called. It blocks;
// callers typically run it in its own goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("server: listening for commands", zap.String("addr", s.addr))

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go s.serve(conn)
	}
}

// Stop closes the listener (stops accepting) and waits for in-flight
// connections to finish their current request.
func (s *Server) Stop() {
	s.mu.Lock()
	s.closed = true
	ln := s.listener
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	s.wg.Wait()
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	r := bufio.NewReader(conn)
	for {
		payload, err := wire.ReadFrame(r)
		if err != nil {
			return
		}

		var cmd wire.MetaCmd
		if err := json.Unmarshal(payload, &cmd); err != nil {
			s.logger.Warn("server: malformed request", zap.Error(err))
			return
		}

		resp := s.dispatcher.Dispatch(context.Background(), cmd)
		respBytes, err := json.Marshal(resp)
		if err != nil {
			s.logger.Warn("server: failed to marshal response", zap.Error(err))
			return
		}
		if err := wire.WriteFrame(conn, respBytes); err != nil {
			return
		}
	}
}
