// Package bridge normalizes access-control events from the ISUP and ISAPI
// ingestion paths into a single schema and runs them through tenant
// resolution, upstream dispatch and the durable pending queue.
package bridge

import "time"

// Source identifies the ingestion path an event arrived on.
type Source string

const (
	SourceISUP         Source = "ISUP"
	SourceISAPIWebhook Source = "ISAPI_WEBHOOK"
	SourceISAPIStream  Source = "ISAPI_STREAM"
)

// Direction of passage through the access point.
type Direction string

const (
	DirectionIn      Direction = "IN"
	DirectionOut     Direction = "OUT"
	DirectionUnknown Direction = "UNKNOWN"
)

// AccessMethod is how the person identified themselves at the reader.
type AccessMethod string

const (
	MethodCard        AccessMethod = "CARD"
	MethodFingerprint AccessMethod = "FINGERPRINT"
	MethodFace        AccessMethod = "FACE"
	MethodPIN         AccessMethod = "PIN"
	MethodQR          AccessMethod = "QR"
	MethodCombined    AccessMethod = "COMBINED"
	MethodUnknown     AccessMethod = "UNKNOWN"
)

// NormalizedEvent is the canonical internal representation of a single
// access event, regardless of which device protocol produced it.
type NormalizedEvent struct {
	Source     Source `json:"source"`
	DeviceID   string `json:"device_id"`
	ClientAddr string `json:"client_addr"`

	// Timestamp is ISO-8601; device-provided when present, otherwise the
	// ingestion time.
	Timestamp string `json:"timestamp"`

	CardNumber string `json:"card_number,omitempty"`
	UserID     string `json:"user_id,omitempty"`

	Direction    Direction    `json:"direction"`
	AccessMethod AccessMethod `json:"access_method"`
	Success      bool         `json:"success"`

	DoorID   int `json:"door_id,omitempty"`
	ReaderID int `json:"reader_id,omitempty"`

	MajorEventType string `json:"major_event_type,omitempty"`
	MinorEventType string `json:"minor_event_type,omitempty"`

	// Raw is the original payload for audit: hex for ISUP packets, the XML
	// text for ISAPI events.
	Raw string `json:"raw,omitempty"`

	// PicURL is carried through from ISAPI events; the bridge never fetches it.
	PicURL string `json:"pic_url,omitempty"`

	// Tenant is stamped by the pipeline once resolution succeeds.
	Tenant string `json:"tenant,omitempty"`

	// Images maps filename to raw bytes for multipart image attachments.
	Images map[string][]byte `json:"-"`
}

// IngestionTimestamp returns the current time in the format used for
// device-less timestamps.
func IngestionTimestamp() string {
	return time.Now().Format(time.RFC3339)
}
