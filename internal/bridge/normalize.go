package bridge

import (
	"strconv"
	"strings"
	"time"

	"github.com/accessbridge/bridge/internal/isapi"
	"github.com/accessbridge/bridge/internal/isup"
)

// FromISUP converts a decoded ISUP access event into the canonical schema.
func FromISUP(ev *isup.AccessEvent, clientAddr string) *NormalizedEvent {
	return &NormalizedEvent{
		Source:       SourceISUP,
		DeviceID:     ev.DeviceID,
		ClientAddr:   clientAddr,
		Timestamp:    ev.Timestamp.Format(time.RFC3339),
		CardNumber:   ev.CardNumber,
		UserID:       ev.UserID,
		Direction:    parseDirection(ev.Direction),
		AccessMethod: parseAccessMethod(ev.AccessMethod),
		Success:      ev.Success(),
		DoorID:       ev.DoorNumber,
		ReaderID:     ev.ReaderNumber,
		Raw:          ev.RawHex(),
	}
}

// FromISAPI converts a parsed EventNotificationAlert into the canonical
// schema. Source distinguishes the webhook path from the alert stream.
func FromISAPI(ev *isapi.Event, clientAddr string, source Source) *NormalizedEvent {
	n := &NormalizedEvent{
		Source:         source,
		DeviceID:       ev.DeviceID,
		ClientAddr:     clientAddr,
		Timestamp:      ev.Timestamp,
		CardNumber:     ev.CardNumber,
		UserID:         ev.EmployeeNumber,
		Direction:      parseDirection(ev.Direction),
		AccessMethod:   MethodCard,
		Success:        ev.Success,
		MajorEventType: ev.MajorEventType,
		MinorEventType: ev.MinorEventType,
		Raw:            ev.RawXML,
		PicURL:         ev.PicURL,
		Images:         ev.Images,
	}
	n.DoorID = atoiOrZero(ev.DoorID)
	n.ReaderID = atoiOrZero(ev.ReaderID)
	if n.Timestamp == "" {
		n.Timestamp = IngestionTimestamp()
	}
	return n
}

func parseDirection(s string) Direction {
	switch strings.ToUpper(s) {
	case "IN":
		return DirectionIn
	case "OUT":
		return DirectionOut
	default:
		return DirectionUnknown
	}
}

func parseAccessMethod(s string) AccessMethod {
	switch strings.ToUpper(s) {
	case "CARD":
		return MethodCard
	case "FINGERPRINT":
		return MethodFingerprint
	case "FACE":
		return MethodFace
	case "PIN":
		return MethodPIN
	case "QR":
		return MethodQR
	case "COMBINED":
		return MethodCombined
	default:
		return MethodUnknown
	}
}

func atoiOrZero(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}
