package isup

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingProcessor struct {
	mu     sync.Mutex
	frames []*Frame
}

func (rp *recordingProcessor) ProcessISUPFrame(frame *Frame, clientAddr string) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.frames = append(rp.frames, frame)
}

func (rp *recordingProcessor) count() int {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	return len(rp.frames)
}

type countingCounters struct {
	mu                          sync.Mutex
	conns, received, rejections int
}

func (c *countingCounters) ConnectionOpened() { c.mu.Lock(); c.conns++; c.mu.Unlock() }
func (c *countingCounters) FrameReceived()    { c.mu.Lock(); c.received++; c.mu.Unlock() }
func (c *countingCounters) FrameRejected()    { c.mu.Lock(); c.rejections++; c.mu.Unlock() }

func (c *countingCounters) snapshot() (int, int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conns, c.received, c.rejections
}

func startTestServer(t *testing.T, cfg ServerConfig) (*Server, *recordingProcessor, *countingCounters, net.Conn) {
	t.Helper()
	proc := &recordingProcessor{}
	counters := &countingCounters{}
	cfg.Host = "127.0.0.1"
	srv := NewServer(cfg, proc, counters, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Start(ctx)

	var addr net.Addr
	require.Eventually(t, func() bool {
		addr = srv.Addr()
		return addr != nil
	}, time.Second, 5*time.Millisecond)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return srv, proc, counters, conn
}

func readAck(t *testing.T, conn net.Conn) *Ack {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	head := make([]byte, 6)
	_, err := io.ReadFull(conn, head)
	require.NoError(t, err)
	bodyLen := int(head[4])<<8 | int(head[5])

	rest := make([]byte, bodyLen+2)
	_, err = io.ReadFull(conn, rest)
	require.NoError(t, err)

	ack, err := ParseAck(append(head, rest...))
	require.NoError(t, err)
	return ack
}

func TestServerAcksCardEvent(t *testing.T) {
	_, proc, counters, conn := startTestServer(t, ServerConfig{})

	body := accessBody(1, 1, 42,
		[8]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08},
		[6]byte{24, 9, 12, 14, 23, 10}, 1, 1, 1)
	_, err := conn.Write(EncodeFrame(1, 0x00, "TERM000000000001", 1, body))
	require.NoError(t, err)

	ack := readAck(t, conn)
	assert.Equal(t, CommandAck, ack.Command)
	assert.Equal(t, uint32(1), ack.Sequence)

	require.Eventually(t, func() bool { return proc.count() == 1 }, time.Second, 5*time.Millisecond)

	conns, received, rejections := counters.snapshot()
	assert.Equal(t, 1, conns)
	assert.Equal(t, 1, received)
	assert.Equal(t, 0, rejections)
}

func TestServerHeartbeatKeepsConnectionOpen(t *testing.T) {
	_, proc, _, conn := startTestServer(t, ServerConfig{})

	_, err := conn.Write(EncodeFrame(1, 0x00, "DEV1", 5, nil))
	require.NoError(t, err)

	ack := readAck(t, conn)
	assert.Equal(t, uint16(0), ack.DataLength)

	// still alive: a second heartbeat on the same connection gets acked
	_, err = conn.Write(EncodeFrame(1, 0x00, "DEV1", 6, nil))
	require.NoError(t, err)
	readAck(t, conn)

	assert.Equal(t, 0, proc.count())
}

func TestServerClosesOnBadMarker(t *testing.T) {
	_, _, counters, conn := startTestServer(t, ServerConfig{})

	junk := make([]byte, HeaderSize)
	copy(junk, "XXnotaframe")
	_, err := conn.Write(junk)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	assert.ErrorIs(t, err, io.EOF)

	_, _, rejections := counters.snapshot()
	assert.Equal(t, 1, rejections)
}

func TestServerClosesOnOversizedFrame(t *testing.T) {
	_, _, _, conn := startTestServer(t, ServerConfig{MaxFrameSize: 64})

	body := make([]byte, 128)
	_, err := conn.Write(EncodeFrame(1, 0x00, "DEV1", 1, body))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestServerStrictCRCClosesOnCorruptFrame(t *testing.T) {
	_, proc, counters, conn := startTestServer(t, ServerConfig{StrictCRC: true})

	body := accessBody(1, 1, 1, [8]byte{}, [6]byte{24, 1, 1, 0, 0, 0}, 1, 1, 1)
	packet := EncodeFrame(1, 0x00, "DEV1", 1, body)
	packet[len(packet)-1] ^= 0xFF

	_, err := conn.Write(packet)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	assert.ErrorIs(t, err, io.EOF)

	assert.Equal(t, 0, proc.count())
	_, _, rejections := counters.snapshot()
	assert.Equal(t, 1, rejections)
}

func TestServerStopDrainsConnections(t *testing.T) {
	srv, _, _, conn := startTestServer(t, ServerConfig{})

	srv.Stop()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err := conn.Read(buf)
	assert.Error(t, err)
}
