package hl7v2

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	StartBlock     = 0x0B
	EndBlock       = 0x1C
	CarriageReturn = 0x0D

	readTimeout  = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// MessageHandler processes one unframed message and returns the ACK to
// send back, or nil to send nothing.
type MessageHandler func(ctx context.Context, raw []byte, remoteAddr string) []byte

// AckObserver is told about every ACK written, including failed writes.
type AckObserver func(ctx context.Context, remoteAddr string, ack []byte, writeErr error)

// MLLPServer accepts analyzer connections and feeds framed messages to a
// MessageHandler, one message at a time per connection.
type MLLPServer struct {
	addr     string
	maxSize  int
	handler  MessageHandler
	observer AckObserver
	logger   zerolog.Logger

	listener net.Listener
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewMLLPServer(addr string, maxSize int, handler MessageHandler, logger zerolog.Logger) *MLLPServer {
	ctx, cancel := context.WithCancel(context.Background())
	return &MLLPServer{
		addr:    addr,
		maxSize: maxSize,
		handler: handler,
		logger:  logger.With().Str("component", "mllp").Logger(),
		conns:   make(map[net.Conn]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (s *MLLPServer) SetAckObserver(fn AckObserver) {
	s.observer = fn
}

// Start listens and runs the accept loop in the background.
func (s *MLLPServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("mllp: listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("MLLP listener started")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()
	return nil
}

// Stop closes the listener and every open connection, then waits for
// in-flight messages to finish.
func (s *MLLPServer) Stop() error {
	s.cancel()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

func (s *MLLPServer) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *MLLPServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("accept failed")
			}
			return
		}

		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			defer conn.Close()
			s.serve(conn)
		}()
	}
}

func (s *MLLPServer) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *MLLPServer) serve(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	log := s.logger.With().Str("remote", remote).Logger()
	log.Debug().Msg("connection opened")

	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		if s.ctx.Err() != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if len(buf) > s.maxSize+3 {
				log.Warn().Int("max_size", s.maxSize).Msg("message exceeds max size, closing connection")
				return
			}
			for {
				msg, rest, found := Unframe(buf)
				if !found {
					break
				}
				s.dispatch(conn, remote, msg)
				buf = append(buf[:0], rest...)
			}
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() && len(buf) > 0 {
				continue
			}
			log.Debug().Err(err).Msg("connection closed")
			return
		}
	}
}

func (s *MLLPServer) dispatch(conn net.Conn, remote string, raw []byte) {
	// The buffer is reused for the next frame.
	msg := append([]byte(nil), raw...)
	ack := s.handler(s.ctx, msg, remote)
	if ack == nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := conn.Write(Frame(ack))
	if err != nil {
		s.logger.Error().Err(err).Str("remote", remote).Msg("write ACK failed")
	}
	if s.observer != nil {
		s.observer(s.ctx, remote, ack, err)
	}
}

// Frame wraps data as <VT>data<FS><CR>.
func Frame(data []byte) []byte {
	out := make([]byte, 0, len(data)+3)
	out = append(out, StartBlock)
	out = append(out, data...)
	return append(out, EndBlock, CarriageReturn)
}

// Unframe extracts the first complete frame from data. Bytes before the
// start block are discarded.
func Unframe(data []byte) (message, rest []byte, found bool) {
	start := bytes.IndexByte(data, StartBlock)
	if start < 0 {
		return nil, data, false
	}
	end := bytes.Index(data[start+1:], []byte{EndBlock, CarriageReturn})
	if end < 0 {
		return nil, data, false
	}
	end += start + 1
	return data[start+1 : end], data[end+2:], true
}
