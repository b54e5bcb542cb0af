// Command simulator emulates an ISUP access terminal against a running
// bridge: it opens a TCP session, sends heartbeats and card events, and
// verifies the ACKs coming back.
package main

import (
	"encoding/binary"
	"encoding/hex"
	"flag"
	"io"
	"log"
	"net"
	"time"

	"github.com/accessbridge/bridge/internal/isup"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:7661", "bridge ISUP address")
	deviceID := flag.String("device", "TERM000000000001", "device ID (max 16 chars)")
	card := flag.String("card", "0102030405060708", "card number, 16 hex digits")
	count := flag.Int("count", 1, "number of card events to send")
	interval := flag.Duration("interval", time.Second, "delay between events")
	heartbeat := flag.Bool("heartbeat", true, "send a heartbeat before the events")
	flag.Parse()

	logger := log.New(log.Writer(), "[SIM] ", log.LstdFlags)

	cardBytes, err := hex.DecodeString(*card)
	if err != nil || len(cardBytes) != 8 {
		logger.Fatalf("card must be 16 hex digits: %v", err)
	}

	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		logger.Fatalf("connect %s: %v", *addr, err)
	}
	defer conn.Close()
	logger.Printf("connected to %s as %s", *addr, *deviceID)

	seq := uint32(1)
	if *heartbeat {
		sendAndAwaitAck(logger, conn, isup.EncodeFrame(1, 0x00, *deviceID, seq, nil), seq, true)
		seq++
	}

	for i := 0; i < *count; i++ {
		body := cardEventBody(cardBytes, uint32(42+i), time.Now())
		sendAndAwaitAck(logger, conn, isup.EncodeFrame(1, 0x00, *deviceID, seq, body), seq, false)
		seq++
		if i < *count-1 {
			time.Sleep(*interval)
		}
	}
	logger.Printf("done, sent %d event(s)", *count)
}

// cardEventBody renders a granted card swipe at door 1, reader 1.
func cardEventBody(card []byte, userID uint32, ts time.Time) []byte {
	body := make([]byte, 25)
	body[2] = 1 // card
	body[3] = 1 // in
	binary.BigEndian.PutUint32(body[4:8], userID)
	copy(body[8:16], card)
	body[16] = byte(ts.Year() - 2000)
	body[17] = byte(ts.Month())
	body[18] = byte(ts.Day())
	body[19] = byte(ts.Hour())
	body[20] = byte(ts.Minute())
	body[21] = byte(ts.Second())
	body[22] = 1 // door
	body[23] = 1 // reader
	body[24] = 1 // granted
	return body
}

func sendAndAwaitAck(logger *log.Logger, conn net.Conn, packet []byte, seq uint32, heartbeat bool) {
	if _, err := conn.Write(packet); err != nil {
		logger.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	head := make([]byte, 6)
	if _, err := io.ReadFull(conn, head); err != nil {
		logger.Fatalf("read ack header: %v", err)
	}
	bodyLen := int(binary.BigEndian.Uint16(head[4:6]))
	rest := make([]byte, bodyLen+2)
	if _, err := io.ReadFull(conn, rest); err != nil {
		logger.Fatalf("read ack body: %v", err)
	}

	ack, err := isup.ParseAck(append(head, rest...))
	if err != nil {
		logger.Fatalf("bad ack: %v", err)
	}
	kind := "event"
	if heartbeat {
		kind = "heartbeat"
	} else if ack.Sequence != seq {
		logger.Fatalf("ack sequence mismatch: sent %d, got %d", seq, ack.Sequence)
	}
	logger.Printf("%s ack ok (seq=%d)", kind, seq)
}
