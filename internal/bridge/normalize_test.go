package bridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/accessbridge/bridge/internal/isapi"
	"github.com/accessbridge/bridge/internal/isup"
)

func TestFromISUP(t *testing.T) {
	ev := FromISUP(&isup.AccessEvent{
		DeviceID:     "TERM000000000001",
		CardNumber:   "0102030405060708",
		AccessMethod: "CARD",
		Direction:    "IN",
		Timestamp:    time.Date(2024, 9, 12, 14, 23, 10, 0, time.UTC),
		DoorNumber:   1,
		ReaderNumber: 2,
		UserID:       "42",
		VerifyResult: 1,
		RawPacket:    []byte{0x23, 0x23, 0x01},
	}, "10.0.0.9:4000")

	assert.Equal(t, SourceISUP, ev.Source)
	assert.Equal(t, "TERM000000000001", ev.DeviceID)
	assert.Equal(t, "10.0.0.9:4000", ev.ClientAddr)
	assert.Equal(t, "2024-09-12T14:23:10Z", ev.Timestamp)
	assert.Equal(t, DirectionIn, ev.Direction)
	assert.Equal(t, MethodCard, ev.AccessMethod)
	assert.True(t, ev.Success)
	assert.Equal(t, 1, ev.DoorID)
	assert.Equal(t, 2, ev.ReaderID)
	assert.Equal(t, "42", ev.UserID)
	assert.Equal(t, "232301", ev.Raw)
}

func TestFromISAPI(t *testing.T) {
	ev := FromISAPI(&isapi.Event{
		DeviceID:       "AA:BB:CC:DD:EE:01",
		Timestamp:      "2024-09-12T14:23:10+08:00",
		CardNumber:     "1234567890",
		EmployeeNumber: "EMP1",
		DoorID:         "2",
		ReaderID:       "3",
		Direction:      "IN",
		MinorEventType: "1",
		Success:        true,
		PicURL:         "http://device/pic/1.jpg",
	}, "192.0.2.10", SourceISAPIWebhook)

	assert.Equal(t, SourceISAPIWebhook, ev.Source)
	assert.Equal(t, "1234567890", ev.CardNumber)
	assert.Equal(t, "EMP1", ev.UserID)
	assert.Equal(t, 2, ev.DoorID)
	assert.Equal(t, 3, ev.ReaderID)
	assert.Equal(t, DirectionIn, ev.Direction)
	assert.Equal(t, MethodCard, ev.AccessMethod)
	assert.True(t, ev.Success)
	assert.Equal(t, "http://device/pic/1.jpg", ev.PicURL)
}

func TestFromISAPIDefaults(t *testing.T) {
	ev := FromISAPI(&isapi.Event{DeviceID: "door-7", Direction: "sideways", DoorID: "n/a"}, "192.0.2.10", SourceISAPIStream)

	assert.Equal(t, DirectionUnknown, ev.Direction)
	assert.Equal(t, 0, ev.DoorID)
	assert.NotEmpty(t, ev.Timestamp) // ingestion time fallback
	assert.False(t, ev.Success)
}

func TestParseAccessMethodValues(t *testing.T) {
	assert.Equal(t, MethodFace, parseAccessMethod("face"))
	assert.Equal(t, MethodCombined, parseAccessMethod("COMBINED"))
	assert.Equal(t, MethodUnknown, parseAccessMethod("telepathy"))
}
