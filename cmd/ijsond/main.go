// Command ijsond runs the dispatch engine behind a plain TCP listener,
// speaking one newline-delimited JSON request/response per connection.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"sync"
	"syscall"
	"time"

	ijson "github.com/dendisuhubdy/ijson"
	"github.com/dendisuhubdy/ijson/internal/conn"
	"github.com/dendisuhubdy/ijson/internal/logging"
	"github.com/dendisuhubdy/ijson/internal/loop"
	"github.com/dendisuhubdy/ijson/internal/wire"
)

func main() {
	var (
		addr     = flag.String("addr", ":7777", "address to listen on")
		threads  = flag.Int("threads", 4, "number of dispatch loops")
		maxConns = flag.Int("max-conns", 16384, "maximum live connections")
		logLevel = flag.String("log-level", "info", "debug, info, warn, or error")
		jsonrpc2 = flag.Bool("jsonrpc2", false, "jsonrpc2 compatibility flag (stored in the config; does not change responses)")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	switch *logLevel {
	case "debug":
		logConfig.Level = logging.LevelDebug
	case "warn":
		logConfig.Level = logging.LevelWarn
	case "error":
		logConfig.Level = logging.LevelError
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	cfg := ijson.DefaultConfig()
	cfg.Addr = *addr
	cfg.Threads = *threads
	cfg.MaxConns = *maxConns
	cfg.JSONRPC2 = *jsonrpc2
	cfg.Logger = logger

	dispatcher, err := ijson.NewDispatcher(cfg)
	if err != nil {
		logger.Error("failed to create dispatcher", "error", err)
		os.Exit(1)
	}

	srv := &server{dispatcher: dispatcher, logger: logger, conns: make(map[int]*connState)}
	dispatcher.Start(srv.handleReadable, srv.handleClose)

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		logger.Error("failed to listen", "addr", *addr, "error", err)
		os.Exit(1)
	}
	logger.Info("listening", "addr", *addr, "threads", *threads)

	go srv.acceptLoop(ln)

	stackDumpCh := make(chan os.Signal, 1)
	signal.Notify(stackDumpCh, syscall.SIGUSR1)
	go func() {
		for range stackDumpCh {
			buf := make([]byte, 1<<20)
			n := runtime.Stack(buf, true)
			fmt.Fprintf(os.Stderr, "\n=== GOROUTINE STACK DUMP ===\n%s\n", buf[:n])
			filename := fmt.Sprintf("ijsond-stacks-%d.txt", time.Now().Unix())
			if f, err := os.Create(filename); err == nil {
				fmt.Fprintf(f, "stack dump at %s\n\n", time.Now().Format(time.RFC3339))
				f.Write(buf[:n])
				pprof.Lookup("goroutine").WriteTo(f, 2)
				f.Close()
				logger.Info("stack trace written to file", "file", filename)
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("received shutdown signal")

	done := make(chan struct{})
	go func() {
		ln.Close()
		dispatcher.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logger.Info("shutdown timeout, forcing exit")
	}
}

// connState pairs a Conn's dispatch state with the net.Conn used for
// framing its actual bytes, plus the half-read line buffer for that
// socket.
type connState struct {
	c      *conn.Conn
	netc   net.Conn
	reader *bufio.Reader
}

// server owns the fd -> connState table the loop.ReadHandler callback
// uses to turn "fd is readable" into an actual parsed request, and the
// round-robin accept loop that hands new connections to the Dispatcher.
type server struct {
	dispatcher *ijson.Dispatcher
	logger     *logging.Logger

	mu    sync.Mutex
	conns map[int]*connState
}

func (s *server) acceptLoop(ln net.Listener) {
	for {
		netc, err := ln.Accept()
		if err != nil {
			return
		}
		c, err := s.dispatcher.Accept(netc)
		if err != nil {
			s.logger.Warn("rejected connection", "remote", netc.RemoteAddr(), "error", err)
			netc.Close()
			continue
		}
		s.mu.Lock()
		s.conns[c.FD] = &connState{c: c, netc: netc, reader: bufio.NewReader(netc)}
		s.mu.Unlock()
	}
}

// handleReadable is the loop.ReadHandler wired into every Loop: parse
// one newline-delimited JSON request off c's socket and dispatch it as
// either a worker registration or a client call, then flush whatever
// response landed in c.SendBuf.
func (s *server) handleReadable(c *conn.Conn) error {
	st := s.stateFor(c)
	if st == nil {
		return fmt.Errorf("ijsond: no connection state for fd %d", c.FD)
	}

	line, err := st.reader.ReadBytes('\n')
	if err != nil {
		return err
	}

	var req wire.Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.logger.Warn("malformed request", "fd", c.FD, "error", err)
		return nil
	}

	l := s.loopFor(c)
	c.SetRequest(conn.Request{
		Method:           req.Name,
		ID:               req.ID,
		Name:             req.Name,
		Body:             req.Body,
		Priority:         req.Priority,
		FailOnDisconnect: req.FailOnDisconnect,
		NoID:             req.NoID,
		WorkerMode:       req.WorkerMode,
		Info:             req.Info,
	})

	if req.WorkerMode {
		if err := l.AddWorker(req.Names, c); err != nil {
			s.logger.Debug("add_worker", "names", req.Names, "error", err)
		}
	} else {
		if err := l.ClientRequest(req.Name, c); err != nil {
			s.logger.Debug("client_request", "name", req.Name, "error", err)
		}
	}

	return s.flush(st)
}

func (s *server) flush(st *connState) error {
	if len(st.c.SendBuf) == 0 {
		return nil
	}
	_, err := st.netc.Write(st.c.SendBuf)
	st.c.SendBuf = st.c.SendBuf[:0]
	return err
}

// handleClose releases the server-side bookkeeping for a Conn the
// dispatch engine has decided is dead: closes its socket and forgets
// its connState.
func (s *server) handleClose(c *conn.Conn) {
	s.mu.Lock()
	st, ok := s.conns[c.FD]
	delete(s.conns, c.FD)
	s.mu.Unlock()
	if ok {
		st.netc.Close()
	}
}

func (s *server) stateFor(c *conn.Conn) *connState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[c.FD]
}

func (s *server) loopFor(c *conn.Conn) *loop.Loop {
	return s.dispatcher.Loops()[c.NLoop.Load()]
}
