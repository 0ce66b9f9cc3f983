// Package transport defines the boundary between the gateway core and the
// radio driver. Drivers deliver decoded packet records; this package
// normalizes them into a small tagged union and canonicalizes node addresses.
package transport

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Handler funcs receive normalized packets from the driver. Implementations
// must return quickly; drivers call them on their own goroutine.
type (
	TextHandler     func(TextPacket)
	PositionHandler func(PositionPacket)
)

// Adapter is the contract the core requires from a radio driver.
type Adapter interface {
	Start() error
	Stop()
	IsConnected() bool
	Subscribe(onText TextHandler, onPosition PositionHandler)
	SendDM(nodeID, text string) bool
	SendBroadcast(text string) bool
}

// TextPacket is a decoded text message from a mesh node.
type TextPacket struct {
	NodeID string
	Text   string
	RxTime time.Time

	// Sender position attached to the packet, if the driver had one.
	Lat, Lon    float64
	HasPosition bool

	// Seconds since the sender device booted, if reported.
	DeviceUptime time.Duration
	HasUptime    bool
}

// PositionPacket is a decoded GPS fix from a mesh node.
type PositionPacket struct {
	NodeID   string
	Lat, Lon float64
	RxTime   time.Time
}

// TelemetryPacket carries device metrics. The gateway only logs these.
type TelemetryPacket struct {
	NodeID string
	RxTime time.Time
}

// OtherPacket is anything on a port the gateway does not understand.
type OtherPacket struct {
	NodeID  string
	Portnum string
}

// NodeID converts a 32-bit mesh address to its canonical "!xxxxxxxx" form.
func NodeID(num uint32) string {
	return fmt.Sprintf("!%08x", num)
}

// ParseNodeID converts a canonical node id back to its numeric address.
// Both "!a1b2c3d4" and bare decimal/hex numbers are accepted.
func ParseNodeID(id string) (uint32, error) {
	s := strings.TrimPrefix(id, "!")
	if s == "" {
		return 0, fmt.Errorf("empty node id")
	}
	if strings.HasPrefix(id, "!") {
		n, err := strconv.ParseUint(s, 16, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid node id %q: %w", id, err)
		}
		return uint32(n), nil
	}
	if n, err := strconv.ParseUint(s, 10, 32); err == nil {
		return uint32(n), nil
	}
	n, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid node id %q: %w", id, err)
	}
	return uint32(n), nil
}

// CanonicalNodeID normalizes any driver-provided sender field (integer or
// string, with or without the "!" prefix) to "!xxxxxxxx".
func CanonicalNodeID(from any) (string, error) {
	switch v := from.(type) {
	case uint32:
		return NodeID(v), nil
	case int:
		return NodeID(uint32(v)), nil
	case int64:
		return NodeID(uint32(v)), nil
	case float64:
		// JSON numbers decode as float64.
		return NodeID(uint32(int64(v))), nil
	case string:
		n, err := ParseNodeID(v)
		if err != nil {
			return "", err
		}
		return NodeID(n), nil
	default:
		return "", fmt.Errorf("unsupported sender type %T", from)
	}
}

// Degrees converts a driver-scaled 1e-7 integer coordinate to degrees.
func Degrees(i int32) float64 {
	return float64(i) * 1e-7
}
