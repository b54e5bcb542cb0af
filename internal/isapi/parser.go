// Package isapi implements the Hikvision ISAPI HTTP protocol surface of the
// bridge: EventNotificationAlert XML parsing, the inbound webhook server,
// the outbound alert-stream client, RFC 7616 Digest authentication and the
// one-shot device provisioning client.
package isapi

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"
)

// Event is a parsed EventNotificationAlert, normalized to the fields the
// pipeline cares about. Numeric-looking fields stay strings here; devices
// disagree on formats and the normalizer owns conversion.
type Event struct {
	EventType  string
	EventState string
	DeviceID   string // mac ?? deviceID ?? "unknown"
	MacAddress string
	IPAddress  string
	Timestamp  string

	CardNumber     string
	EmployeeNumber string
	DoorID         string
	ReaderID       string
	Direction      string
	MajorEventType string
	MinorEventType string
	Success        bool

	PicURL string
	Images map[string][]byte

	RawXML string
}

type accessControllerXML struct {
	CardNo         string `xml:"cardNo"`
	CardNoHex      string `xml:"cardNoHex"`
	EmployeeNo     string `xml:"employeeNo"`
	DoorID         string `xml:"doorID"`
	ReaderID       string `xml:"readerID"`
	MajorEventType string `xml:"majorEventType"`
	MinorEventType string `xml:"minorEventType"`
	PicData        string `xml:"picData"`
	PicURL         string `xml:"picURL"`
}

type alertXML struct {
	EventType     string               `xml:"eventType"`
	EventState    string               `xml:"eventState"`
	DeviceID      string               `xml:"deviceID"`
	MacAddress    string               `xml:"macAddress"`
	IPAddress     string               `xml:"ipAddress"`
	DateTime      string               `xml:"dateTime"`
	EventDateTime string               `xml:"eventDateTime"`
	PicData       string               `xml:"picData"`
	PicURL        string               `xml:"picURL"`
	Access        *accessControllerXML `xml:"AccessControllerEvent"`
}

// Parser turns EventNotificationAlert XML into Events.
type Parser struct {
	// SuccessMinorTypes decides which minorEventType values count as a
	// granted access. Devices are inconsistent here, so the table is
	// configurable rather than a hardcoded comparison.
	SuccessMinorTypes map[string]bool

	logger *log.Logger
}

// NewParser creates a parser with the default success table ({"1"}).
func NewParser(successMinorTypes []string, logger *log.Logger) *Parser {
	if logger == nil {
		logger = log.New(log.Writer(), "[ISAPI] ", log.LstdFlags)
	}
	table := make(map[string]bool)
	if len(successMinorTypes) == 0 {
		table["1"] = true
	}
	for _, v := range successMinorTypes {
		table[v] = true
	}
	return &Parser{SuccessMinorTypes: table, logger: logger}
}

// Parse decodes one or more EventNotificationAlert documents from xmlText.
// A root EventNotificationAlert yields one event; a batch wrapper yields one
// event per nested alert. Malformed XML returns an error; an empty body
// yields (nil, nil).
func (p *Parser) Parse(xmlText string, images map[string][]byte) ([]*Event, error) {
	cleaned := strings.TrimSpace(stripLeadingNoise(xmlText))
	if cleaned == "" {
		return nil, nil
	}

	dec := xml.NewDecoder(strings.NewReader(cleaned))
	var alerts []alertXML
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if se.Name.Local == "EventNotificationAlert" {
			var a alertXML
			if err := dec.DecodeElement(&a, &se); err != nil {
				return nil, fmt.Errorf("isapi: decode EventNotificationAlert: %w", err)
			}
			alerts = append(alerts, a)
		}
	}

	if len(alerts) == 0 {
		return nil, fmt.Errorf("isapi: no EventNotificationAlert element found")
	}

	events := make([]*Event, 0, len(alerts))
	for i := range alerts {
		events = append(events, p.toEvent(&alerts[i], cleaned, images))
	}
	return events, nil
}

func (p *Parser) toEvent(a *alertXML, rawXML string, images map[string][]byte) *Event {
	ev := &Event{
		EventType:  textOr(a.EventType, "unknown"),
		EventState: textOr(a.EventState, "unknown"),
		MacAddress: a.MacAddress,
		IPAddress:  a.IPAddress,
		Timestamp:  firstNonEmpty(a.DateTime, a.EventDateTime),
		Direction:  "UNKNOWN",
		PicURL:     a.PicURL,
		RawXML:     rawXML,
		Images:     images,
	}

	ev.DeviceID = firstNonEmpty(a.MacAddress, a.DeviceID, "unknown")
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().Format(time.RFC3339)
	}

	if a.Access != nil {
		ac := a.Access
		ev.CardNumber = firstNonEmpty(ac.CardNo, ac.CardNoHex)
		ev.EmployeeNumber = ac.EmployeeNo
		ev.DoorID = ac.DoorID
		ev.ReaderID = ac.ReaderID
		ev.MajorEventType = ac.MajorEventType
		ev.MinorEventType = ac.MinorEventType
		if ev.PicURL == "" {
			ev.PicURL = ac.PicURL
		}

		// Site wiring convention: odd reader numbers face in, even face out.
		if rid, err := strconv.Atoi(strings.TrimSpace(ac.ReaderID)); err == nil {
			if rid%2 == 1 {
				ev.Direction = "IN"
			} else {
				ev.Direction = "OUT"
			}
		}

		ev.Success = p.SuccessMinorTypes[ac.MinorEventType]
	}

	picData := firstNonEmpty(a.PicData, accessPicData(a))
	if picData != "" {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(picData))
		if err != nil {
			p.logger.Printf("failed to decode picData for %s: %v", ev.DeviceID, err)
		} else {
			if ev.Images == nil {
				ev.Images = make(map[string][]byte)
			}
			ev.Images["picData"] = decoded
		}
	}

	return ev
}

func accessPicData(a *alertXML) string {
	if a.Access == nil {
		return ""
	}
	return a.Access.PicData
}

func textOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// stripLeadingNoise removes the NULs, BOM and control bytes some firmwares
// prefix to XML payloads.
func stripLeadingNoise(s string) string {
	s = strings.TrimLeft(s, "\x00\x01\x02\x03\x04\x05\x06\x07\x08\x09\x0a\x0b\x0c\x0d\x0e\x0f \t\r\n")
	return strings.TrimPrefix(s, "\xef\xbb\xbf")
}

// LooksLikeXML reports whether the body plausibly contains an
// EventNotificationAlert or any XML document.
func LooksLikeXML(body []byte) bool {
	s := bytes.TrimLeft(body, "\x00\x01\x02\x03\x04\x05\x06\x07\x08\x09\x0a\x0b\x0c\x0d\x0e\x0f \t\r\n")
	s = bytes.TrimPrefix(s, []byte("\xef\xbb\xbf"))
	if len(s) == 0 {
		return false
	}
	head := s
	if len(head) > 8192 {
		head = head[:8192]
	}
	return bytes.HasPrefix(s, []byte("<?xml")) ||
		bytes.HasPrefix(s, []byte("<EventNotificationAlert")) ||
		bytes.Contains(head, []byte("<EventNotificationAlert")) ||
		(s[0] == '<' && bytes.Contains(head, []byte("</")))
}

// ExtractAlertXML scans a raw body for an <EventNotificationAlert> ...
// </EventNotificationAlert> substring. NUL bytes are removed for scanning
// only. Returns "" when no complete document is present.
func ExtractAlertXML(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	scan := bytes.ReplaceAll(body, []byte{0}, nil)
	start := bytes.Index(scan, []byte("<EventNotificationAlert"))
	if start == -1 {
		return ""
	}
	const closing = "</EventNotificationAlert>"
	end := bytes.Index(scan[start:], []byte(closing))
	if end == -1 {
		return ""
	}
	return string(scan[start : start+end+len(closing)])
}
