package transport

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNodeID(t *testing.T) {
	tests := []struct {
		num  uint32
		want string
	}{
		{0xa1b2c3d4, "!a1b2c3d4"},
		{0x0000002a, "!0000002a"},
		{0xffffffff, "!ffffffff"},
		{0, "!00000000"},
	}
	for _, tt := range tests {
		if got := NodeID(tt.num); got != tt.want {
			t.Errorf("NodeID(%#x) = %q, want %q", tt.num, got, tt.want)
		}
	}
}

func TestParseNodeID(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    uint32
		wantErr bool
	}{
		{"canonical", "!a1b2c3d4", 0xa1b2c3d4, false},
		{"uppercase hex", "!A1B2C3D4", 0xa1b2c3d4, false},
		{"bare decimal", "42", 42, false},
		{"bare hex", "a1b2c3d4", 0xa1b2c3d4, false},
		{"not hex", "!zzzzzzzz", 0, true},
		{"bang only", "!", 0, true},
		{"empty", "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseNodeID(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseNodeID(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("ParseNodeID(%q) = %#x, want %#x", tt.in, got, tt.want)
			}
		})
	}
}

func TestCanonicalNodeID(t *testing.T) {
	tests := []struct {
		name    string
		in      any
		want    string
		wantErr bool
	}{
		{"float64 from json", float64(0xa1b2c3d4), "!a1b2c3d4", false},
		{"string canonical", "!a1b2c3d4", "!a1b2c3d4", false},
		{"string uppercase", "!A1B2C3D4", "!a1b2c3d4", false},
		{"string decimal", "42", "!0000002a", false},
		{"nil", nil, "", true},
		{"garbage string", "node-7", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CanonicalNodeID(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CanonicalNodeID(%v) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("CanonicalNodeID(%v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestDegrees(t *testing.T) {
	if got := Degrees(46097000); got != 4.6097 {
		t.Errorf("Degrees(46097000) = %v, want 4.6097", got)
	}
	if got := Degrees(-740817000); got != -74.0817 {
		t.Errorf("Degrees(-740817000) = %v, want -74.0817", got)
	}
}

func TestDecode(t *testing.T) {
	rx := time.Unix(1756000000, 0)
	uptime := 42.0

	tests := []struct {
		name   string
		raw    RawPacket
		wantOK bool
		check  func(t *testing.T, pkt Packet)
	}{
		{
			name: "text with position and uptime",
			raw: RawPacket{
				From: float64(0xa1b2c3d4),
				Decoded: RawDecoded{
					Portnum:  PortText,
					Text:     "#osmnote broken bridge",
					Position: &RawPosition{LatitudeI: 46097000, LongitudeI: -740817000},
				},
				DeviceUptime: &uptime,
			},
			wantOK: true,
			check: func(t *testing.T, pkt Packet) {
				text, ok := pkt.(TextPacket)
				if !ok {
					t.Fatalf("decoded %T, want TextPacket", pkt)
				}
				if text.NodeID != "!a1b2c3d4" {
					t.Errorf("NodeID = %q", text.NodeID)
				}
				if !text.HasPosition || text.Lat != 4.6097 {
					t.Errorf("position = %v %v,%v", text.HasPosition, text.Lat, text.Lon)
				}
				if !text.HasUptime || text.DeviceUptime != 42*time.Second {
					t.Errorf("uptime = %v %v", text.HasUptime, text.DeviceUptime)
				}
			},
		},
		{
			name: "numeric text port",
			raw: RawPacket{
				From:    float64(1),
				Decoded: RawDecoded{Portnum: "1", Text: "hello"},
			},
			wantOK: true,
			check: func(t *testing.T, pkt Packet) {
				if _, ok := pkt.(TextPacket); !ok {
					t.Fatalf("decoded %T, want TextPacket", pkt)
				}
			},
		},
		{
			name: "position",
			raw: RawPacket{
				From: float64(2),
				Decoded: RawDecoded{
					Portnum:  PortPosition,
					Position: &RawPosition{LatitudeI: 46097000, LongitudeI: -740817000},
				},
			},
			wantOK: true,
			check: func(t *testing.T, pkt Packet) {
				pos, ok := pkt.(PositionPacket)
				if !ok {
					t.Fatalf("decoded %T, want PositionPacket", pkt)
				}
				if pos.Lat != 4.6097 || !pos.RxTime.Equal(rx) {
					t.Errorf("position = %+v", pos)
				}
			},
		},
		{
			name: "position missing coordinates",
			raw: RawPacket{
				From:    float64(2),
				Decoded: RawDecoded{Portnum: PortPosition},
			},
			wantOK: false,
		},
		{
			name: "empty text dropped",
			raw: RawPacket{
				From:    float64(3),
				Decoded: RawDecoded{Portnum: PortText},
			},
			wantOK: false,
		},
		{
			name: "no sender",
			raw: RawPacket{
				Decoded: RawDecoded{Portnum: PortText, Text: "x"},
			},
			wantOK: false,
		},
		{
			name: "telemetry",
			raw: RawPacket{
				From:    float64(4),
				Decoded: RawDecoded{Portnum: PortTelemetry},
			},
			wantOK: true,
			check: func(t *testing.T, pkt Packet) {
				if _, ok := pkt.(TelemetryPacket); !ok {
					t.Fatalf("decoded %T, want TelemetryPacket", pkt)
				}
			},
		},
		{
			name: "unknown port",
			raw: RawPacket{
				From:    float64(5),
				Decoded: RawDecoded{Portnum: "ROUTING_APP"},
			},
			wantOK: true,
			check: func(t *testing.T, pkt Packet) {
				other, ok := pkt.(OtherPacket)
				if !ok {
					t.Fatalf("decoded %T, want OtherPacket", pkt)
				}
				if other.Portnum != "ROUTING_APP" {
					t.Errorf("Portnum = %q", other.Portnum)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkt, ok := Decode(tt.raw, rx)
			if ok != tt.wantOK {
				t.Fatalf("Decode() ok = %v, want %v", ok, tt.wantOK)
			}
			if tt.check != nil {
				tt.check(t, pkt)
			}
		})
	}
}

func TestStreamAdapterStartRefusesSerialDevice(t *testing.T) {
	info, err := os.Stat("/dev/null")
	if err != nil || info.Mode()&os.ModeCharDevice == 0 {
		t.Skip("no character device available")
	}

	a := NewStreamAdapter("/dev/null")
	if err := a.Start(); err == nil {
		a.Stop()
		t.Fatal("Start() accepted a serial device path")
	}
}

func TestStreamAdapterStartAcceptsDriverSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "radio.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	a := NewStreamAdapter(path)
	if err := a.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	a.Stop()
}
