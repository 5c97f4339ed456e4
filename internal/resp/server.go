package resp

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/jassi-singh/aether-kv/internal/kv"
)

// Server accepts TCP connections, parses RESP2 command frames, and
// dispatches them to a kv.Store (spec.md §6 "RESP server"). It is
// polymorphic over the store implementation, per §9 "Abstracting the KV
// back-end" — it never imports internal/bitcask directly.
type Server struct {
	store    kv.Store
	listener net.Listener

	wg       sync.WaitGroup
	quit     chan struct{}
	quitOnce sync.Once
}

// NewServer constructs a Server over an already-listening net.Listener and
// a store to dispatch commands to.
func NewServer(listener net.Listener, store kv.Store) *Server {
	return &Server{
		store:    store,
		listener: listener,
		quit:     make(chan struct{}),
	}
}

// Serve accepts connections until Close is called, handling each on its
// own goroutine. A blocking kv.Store call inside one connection's goroutine
// never delays another connection's I/O (see command.go's Dispatch doc).
func (s *Server) Serve() error {
	slog.Info("resp: server listening", "addr", s.listener.Addr().String())
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return nil
			default:
			}
			return err
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Close stops accepting new connections and waits for in-flight ones to
// finish.
func (s *Server) Close() error {
	s.quitOnce.Do(func() { close(s.quit) })
	err := s.listener.Close()
	s.wg.Wait()
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	addr := conn.RemoteAddr().String()
	slog.Debug("resp: connection accepted", "addr", addr)

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	for {
		cmd, err := ReadFrame(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Debug("resp: connection read error", "addr", addr, "error", err)
			}
			return
		}

		reply := Dispatch(s.store, cmd)
		if err := reply.WriteTo(writer); err != nil {
			slog.Warn("resp: write reply failed", "addr", addr, "error", err)
			return
		}
		if err := writer.Flush(); err != nil {
			slog.Warn("resp: flush reply failed", "addr", addr, "error", err)
			return
		}
	}
}
