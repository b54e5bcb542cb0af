// Package isup implements the Hikvision ISUP v5 binary protocol: frame
// codec, CRC-16 validation, ACK construction and the TCP session server
// used by turnstiles and access controllers.
package isup

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"
)

// Magic bytes for ISUP frame identification ("##")
const (
	MagicByte1 uint8 = 0x23
	MagicByte2 uint8 = 0x23
)

// HeaderSize is the fixed size of the ISUP v5 frame header.
const HeaderSize = 28

// CommandAck is the only opcode the bridge emits.
const CommandAck uint8 = 0x20

// ============================================================================
// FRAME HEADER (28 bytes)
// ============================================================================

// Header is the 28-byte ISUP v5 frame header.
//
//	Offset | Size | Field
//	-------|------|---------------------------
//	0      | 2    | Start marker "##"
//	2      | 1    | Version
//	3      | 1    | Command
//	4      | 2    | Data length (big endian)
//	6      | 16   | Device ID (ASCII, NUL padded)
//	22     | 4    | Sequence number (big endian)
//	26     | 2    | CRC-16 (big endian)
type Header struct {
	Version    uint8
	Command    uint8
	DataLength uint16
	DeviceID   string
	Sequence   uint32
	Checksum   uint16
}

// ParseHeader decodes a 28-byte header. It only validates the marker; CRC
// validation needs the body and is done by the codec once both are read.
func ParseHeader(d []byte) (*Header, error) {
	if len(d) < HeaderSize {
		return nil, fmt.Errorf("isup: header too short: %d bytes (need %d)", len(d), HeaderSize)
	}
	if d[0] != MagicByte1 || d[1] != MagicByte2 {
		return nil, fmt.Errorf("isup: missing start marker: %02X %02X", d[0], d[1])
	}

	return &Header{
		Version:    d[2],
		Command:    d[3],
		DataLength: binary.BigEndian.Uint16(d[4:6]),
		DeviceID:   strings.TrimRight(string(d[6:22]), "\x00"),
		Sequence:   binary.BigEndian.Uint32(d[22:26]),
		Checksum:   binary.BigEndian.Uint16(d[26:28]),
	}, nil
}

// Frame is a complete ISUP packet: raw header bytes, decoded header and body.
type Frame struct {
	Header *Header
	Body   []byte

	// Raw holds the full packet (header + body) for audit and CRC checks.
	Raw []byte
}

// IsHeartbeat reports whether this is a zero-length keep-alive frame.
func (f *Frame) IsHeartbeat() bool {
	return f.Header.DataLength == 0
}

// ============================================================================
// CODEC
// ============================================================================

// Codec parses ISUP packets and builds ACK responses. StrictCRC controls
// whether a checksum mismatch rejects the frame or only logs.
type Codec struct {
	StrictCRC bool
}

// CRC16 computes CRC-16/IBM (poly 0xA001, init 0xFFFF, reflected).
func CRC16(data []byte) uint16 {
	var crc uint16 = 0xFFFF
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// VerifyCRC checks the checksum field at offset 26 against a CRC computed
// over every other byte of the packet (header and body, checksum excluded).
func VerifyCRC(packet []byte) bool {
	if len(packet) < HeaderSize {
		return false
	}
	expected := binary.BigEndian.Uint16(packet[26:28])
	scratch := make([]byte, 0, len(packet)-2)
	scratch = append(scratch, packet[:26]...)
	scratch = append(scratch, packet[HeaderSize:]...)
	return CRC16(scratch) == expected
}

// ErrCRCMismatch is returned in strict mode when the checksum does not match.
var ErrCRCMismatch = fmt.Errorf("isup: CRC mismatch")

// Decode parses a complete packet (header + body). In strict mode a CRC
// mismatch returns ErrCRCMismatch; in tolerant mode the caller is expected to
// log CRCValid=false and proceed.
func (c *Codec) Decode(packet []byte) (*Frame, error) {
	header, err := ParseHeader(packet)
	if err != nil {
		return nil, err
	}
	if len(packet) < HeaderSize+int(header.DataLength) {
		return nil, fmt.Errorf("isup: body too short: have %d bytes, need %d",
			len(packet)-HeaderSize, header.DataLength)
	}

	if !VerifyCRC(packet[:HeaderSize+int(header.DataLength)]) && c.StrictCRC {
		return nil, ErrCRCMismatch
	}

	body := make([]byte, header.DataLength)
	copy(body, packet[HeaderSize:HeaderSize+int(header.DataLength)])

	raw := make([]byte, HeaderSize+int(header.DataLength))
	copy(raw, packet)

	return &Frame{Header: header, Body: body, Raw: raw}, nil
}

// ReadFrame reads one complete frame from the stream with exact reads.
func (c *Codec) ReadFrame(r io.Reader) (*Frame, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, err
	}

	header, err := ParseHeader(headerBuf)
	if err != nil {
		return nil, err
	}

	packet := make([]byte, HeaderSize+int(header.DataLength))
	copy(packet, headerBuf)
	if header.DataLength > 0 {
		if _, err := io.ReadFull(r, packet[HeaderSize:]); err != nil {
			return nil, err
		}
	}

	return c.Decode(packet)
}

// ============================================================================
// ACCESS EVENTS
// ============================================================================

// AccessEvent is the decoded body of an access-event frame.
//
//	Byte  | Meaning
//	------|---------------------------
//	2     | Verify mode (1=card, 2=fingerprint, ...)
//	3     | Direction (1=in, 2=out)
//	4-7   | User ID (u32 BE)
//	8-15  | Card number (8 bytes binary, rendered uppercase hex)
//	16-21 | Timestamp YY MM DD hh mm ss
//	22    | Door number
//	23    | Reader number
//	24    | Verify result (1=allow, 0=deny)
type AccessEvent struct {
	DeviceID     string
	CardNumber   string
	AccessMethod string
	Direction    string
	Timestamp    time.Time
	DoorNumber   int
	ReaderNumber int
	UserID       string
	VerifyResult int
	RawPacket    []byte
}

// Success reports whether the controller granted access.
func (e *AccessEvent) Success() bool {
	return e.VerifyResult == 1
}

// RawHex renders the full packet as hex for audit.
func (e *AccessEvent) RawHex() string {
	return strings.ToUpper(hex.EncodeToString(e.RawPacket))
}

const minAccessEventBody = 25

// ParseAccessEvent decodes the frame body into an access event. Frames whose
// body is too short or whose timestamp does not decode yield (nil, false);
// they are handled like heartbeats.
func ParseAccessEvent(f *Frame) (*AccessEvent, bool) {
	d := f.Body
	if len(d) < minAccessEventBody {
		return nil, false
	}

	ts, ok := parseTimestamp(d[16:22])
	if !ok {
		return nil, false
	}

	return &AccessEvent{
		DeviceID:     f.Header.DeviceID,
		CardNumber:   strings.ToUpper(hex.EncodeToString(d[8:16])),
		AccessMethod: mapAccessMethod(d[2]),
		Direction:    mapDirection(d[3]),
		Timestamp:    ts,
		DoorNumber:   int(d[22]),
		ReaderNumber: int(d[23]),
		UserID:       fmt.Sprintf("%d", binary.BigEndian.Uint32(d[4:8])),
		VerifyResult: int(d[24]),
		RawPacket:    f.Raw,
	}, true
}

// parseTimestamp decodes the 6-byte YY MM DD hh mm ss field; two-digit years
// map to 2000+yy.
func parseTimestamp(b []byte) (time.Time, bool) {
	yy, mm, dd := int(b[0]), int(b[1]), int(b[2])
	hh, mi, ss := int(b[3]), int(b[4]), int(b[5])
	if mm < 1 || mm > 12 || dd < 1 || dd > 31 || hh > 23 || mi > 59 || ss > 59 {
		return time.Time{}, false
	}
	return time.Date(2000+yy, time.Month(mm), dd, hh, mi, ss, 0, time.Local), true
}

func mapAccessMethod(v uint8) string {
	switch v {
	case 1:
		return "CARD"
	case 2:
		return "FINGERPRINT"
	case 3:
		return "FACE"
	case 4:
		return "PIN"
	case 5:
		return "QR"
	case 6:
		return "COMBINED"
	default:
		return "UNKNOWN"
	}
}

func mapDirection(v uint8) string {
	switch v {
	case 1:
		return "IN"
	case 2:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// ============================================================================
// ACK CONSTRUCTION
// ============================================================================

// MakeAck builds the data-carrying ACK for a received frame:
// "##" | 0x01 | 0x20 | len=6 BE | "OK" | sequence BE | CRC16(header|body) BE.
// The sequence is echoed verbatim; the bridge never rewrites it.
func MakeAck(sequence uint32) []byte {
	body := make([]byte, 0, 6)
	body = append(body, 'O', 'K')
	body = binary.BigEndian.AppendUint32(body, sequence)
	return buildAck(body)
}

// MakeHeartbeatAck builds the zero-length ACK sent for keep-alive frames.
func MakeHeartbeatAck() []byte {
	return buildAck(nil)
}

func buildAck(body []byte) []byte {
	ack := make([]byte, 0, 6+len(body)+2)
	ack = append(ack, MagicByte1, MagicByte2, 0x01, CommandAck)
	ack = binary.BigEndian.AppendUint16(ack, uint16(len(body)))
	ack = append(ack, body...)
	ack = binary.BigEndian.AppendUint16(ack, CRC16(ack[:6+len(body)]))
	return ack
}

// EncodeFrame builds a complete packet with a valid CRC. Used by the
// terminal simulator and tests; real devices are the producers in production.
func EncodeFrame(version, command uint8, deviceID string, sequence uint32, body []byte) []byte {
	packet := make([]byte, HeaderSize+len(body))
	packet[0], packet[1] = MagicByte1, MagicByte2
	packet[2] = version
	packet[3] = command
	binary.BigEndian.PutUint16(packet[4:6], uint16(len(body)))
	copy(packet[6:22], deviceID)
	binary.BigEndian.PutUint32(packet[22:26], sequence)
	copy(packet[HeaderSize:], body)

	scratch := make([]byte, 0, len(packet)-2)
	scratch = append(scratch, packet[:26]...)
	scratch = append(scratch, packet[HeaderSize:]...)
	binary.BigEndian.PutUint16(packet[26:28], CRC16(scratch))
	return packet
}

// Ack is a decoded ACK frame.
type Ack struct {
	Version    uint8
	Command    uint8
	DataLength uint16
	Sequence   uint32
	Checksum   uint16
}

// ParseAck decodes an ACK packet produced by MakeAck or MakeHeartbeatAck.
func ParseAck(d []byte) (*Ack, error) {
	if len(d) < 8 {
		return nil, fmt.Errorf("isup: ack too short: %d bytes", len(d))
	}
	if d[0] != MagicByte1 || d[1] != MagicByte2 {
		return nil, fmt.Errorf("isup: ack missing start marker")
	}

	ack := &Ack{
		Version:    d[2],
		Command:    d[3],
		DataLength: binary.BigEndian.Uint16(d[4:6]),
	}
	if len(d) < 6+int(ack.DataLength)+2 {
		return nil, fmt.Errorf("isup: ack body too short")
	}

	ack.Checksum = binary.BigEndian.Uint16(d[6+ack.DataLength:])
	if CRC16(d[:6+ack.DataLength]) != ack.Checksum {
		return nil, ErrCRCMismatch
	}

	if ack.DataLength >= 6 {
		body := d[6 : 6+ack.DataLength]
		if body[0] != 'O' || body[1] != 'K' {
			return nil, fmt.Errorf("isup: unexpected ack body %q", body[:2])
		}
		ack.Sequence = binary.BigEndian.Uint32(body[2:6])
	}

	return ack, nil
}
