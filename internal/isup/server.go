package isup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"
)

// Processor receives decoded frames from the TCP server. Implementations
// must not block: the server ACKs each frame as soon as Submit returns and
// durability is the pending store's job, not the read loop's.
type Processor interface {
	ProcessISUPFrame(frame *Frame, clientAddr string)
}

// Counters is the slice of the metrics surface the server touches.
type Counters interface {
	ConnectionOpened()
	FrameReceived()
	FrameRejected()
}

// ServerConfig holds the ISUP listener settings.
type ServerConfig struct {
	Host         string
	Port         int
	IdleTimeout  time.Duration // close after this long without a byte
	MaxFrameSize int           // 28 + data_length above this closes the connection
	StrictCRC    bool
}

// Server accepts persistent TCP connections from ISUP controllers and runs
// the per-connection READ_HEADER -> READ_BODY -> DISPATCH_AND_ACK loop.
type Server struct {
	cfg       ServerConfig
	codec     *Codec
	processor Processor
	counters  Counters
	logger    *log.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
	closed   bool
}

// NewServer creates an ISUP TCP server. Zero-valued timeouts get defaults
// (30s idle, 8 KiB max frame).
func NewServer(cfg ServerConfig, processor Processor, counters Counters, logger *log.Logger) *Server {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = 8192
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[ISUP] ", log.LstdFlags)
	}
	return &Server{
		cfg:       cfg,
		codec:     &Codec{StrictCRC: cfg.StrictCRC},
		processor: processor,
		counters:  counters,
		logger:    logger,
		conns:     make(map[net.Conn]struct{}),
	}
}

// Start binds the listener and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("isup: listen %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Printf("ISUP TCP server listening on %s", listener.Addr())

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("isup: accept: %w", err)
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Addr returns the bound address, useful when Port is 0.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and all live connections, then waits for the
// per-connection goroutines to drain.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Printf("ISUP TCP server stopped")
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	peer := conn.RemoteAddr().String()
	if s.counters != nil {
		s.counters.ConnectionOpened()
	}
	s.logger.Printf("new ISUP connection from %s", peer)

	for {
		conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))

		frame, err := s.readFrame(conn)
		if err != nil {
			s.logConnError(peer, err)
			return
		}

		if s.counters != nil {
			s.counters.FrameReceived()
		}

		// Hand off before ACK so the read loop never waits on upstream
		// delivery; the ACK itself is written synchronously.
		if !frame.IsHeartbeat() {
			go s.processor.ProcessISUPFrame(frame, peer)
		}

		var ack []byte
		if frame.IsHeartbeat() {
			ack = MakeHeartbeatAck()
		} else {
			ack = MakeAck(frame.Header.Sequence)
		}
		if _, err := conn.Write(ack); err != nil {
			s.logger.Printf("ACK write to %s failed: %v", peer, err)
			return
		}
	}
}

func (s *Server) readFrame(conn net.Conn) (*Frame, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(conn, headerBuf); err != nil {
		return nil, err
	}

	header, err := ParseHeader(headerBuf)
	if err != nil {
		if s.counters != nil {
			s.counters.FrameRejected()
		}
		return nil, err
	}

	if HeaderSize+int(header.DataLength) > s.cfg.MaxFrameSize {
		if s.counters != nil {
			s.counters.FrameRejected()
		}
		return nil, fmt.Errorf("isup: frame of %d bytes exceeds limit %d",
			HeaderSize+int(header.DataLength), s.cfg.MaxFrameSize)
	}

	packet := make([]byte, HeaderSize+int(header.DataLength))
	copy(packet, headerBuf)
	if header.DataLength > 0 {
		if _, err := io.ReadFull(conn, packet[HeaderSize:]); err != nil {
			return nil, err
		}
	}

	frame, err := s.codec.Decode(packet)
	if err != nil {
		if s.counters != nil {
			s.counters.FrameRejected()
		}
		return nil, err
	}
	if !s.cfg.StrictCRC && !VerifyCRC(packet) {
		s.logger.Printf("CRC mismatch from %s (tolerant mode, frame accepted)", conn.RemoteAddr())
	}
	return frame, nil
}

func (s *Server) logConnError(peer string, err error) {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		s.logger.Printf("connection from %s closed", peer)
	case errors.Is(err, net.ErrClosed):
		// shutdown path
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			s.logger.Printf("idle timeout from %s, closing", peer)
			return
		}
		s.logger.Printf("ISUP connection error from %s: %v", peer, err)
	}
}
