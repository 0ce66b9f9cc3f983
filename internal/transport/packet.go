package transport

import (
	"time"
)

// Port names used by the Meshtastic driver for the packets the gateway cares
// about. Drivers may also deliver numeric port ids; see portName.
const (
	PortText      = "TEXT_MESSAGE_APP"
	PortPosition  = "POSITION_APP"
	PortTelemetry = "TELEMETRY_APP"
)

// RawPacket mirrors the decoded packet record produced by the driver.
type RawPacket struct {
	From    any        `json:"from"`
	Decoded RawDecoded `json:"decoded"`

	// Seconds since the sending device booted, when the driver reports it.
	DeviceUptime *float64 `json:"deviceUptime,omitempty"`
}

// RawDecoded is the payload portion of a RawPacket.
type RawDecoded struct {
	Portnum  string       `json:"portnum"`
	Text     string       `json:"text,omitempty"`
	Position *RawPosition `json:"position,omitempty"`
}

// RawPosition carries 1e-7 scaled integer coordinates.
type RawPosition struct {
	LatitudeI  int32 `json:"latitudeI"`
	LongitudeI int32 `json:"longitudeI"`
}

// Packet is the tagged union produced by Decode. Concrete types are
// TextPacket, PositionPacket, TelemetryPacket and OtherPacket.
type Packet interface {
	packet()
}

func (TextPacket) packet()      {}
func (PositionPacket) packet()  {}
func (TelemetryPacket) packet() {}
func (OtherPacket) packet()     {}

// Decode normalizes a raw driver record into the packet union. rxTime stamps
// the packet with the gateway's receive instant. The second return value is
// false when the record is unusable (no sender, empty text, missing fields).
func Decode(raw RawPacket, rxTime time.Time) (Packet, bool) {
	nodeID, err := CanonicalNodeID(raw.From)
	if err != nil {
		return nil, false
	}

	switch raw.Decoded.Portnum {
	case PortText, "1":
		if raw.Decoded.Text == "" {
			return nil, false
		}
		pkt := TextPacket{
			NodeID: nodeID,
			Text:   raw.Decoded.Text,
			RxTime: rxTime,
		}
		if raw.Decoded.Position != nil {
			pkt.Lat = Degrees(raw.Decoded.Position.LatitudeI)
			pkt.Lon = Degrees(raw.Decoded.Position.LongitudeI)
			pkt.HasPosition = true
		}
		if raw.DeviceUptime != nil {
			pkt.DeviceUptime = time.Duration(*raw.DeviceUptime * float64(time.Second))
			pkt.HasUptime = true
		}
		return pkt, true
	case PortPosition, "3":
		if raw.Decoded.Position == nil {
			return nil, false
		}
		return PositionPacket{
			NodeID: nodeID,
			Lat:    Degrees(raw.Decoded.Position.LatitudeI),
			Lon:    Degrees(raw.Decoded.Position.LongitudeI),
			RxTime: rxTime,
		}, true
	case PortTelemetry, "67":
		return TelemetryPacket{NodeID: nodeID, RxTime: rxTime}, true
	default:
		return OtherPacket{NodeID: nodeID, Portnum: raw.Decoded.Portnum}, true
	}
}
