package transport

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const reconnectDelay = 5 * time.Second

// StreamAdapter speaks to an external radio driver over a byte stream. The
// driver (for example a meshtastic sidecar bound to the serial device) emits
// one decoded packet record per line as JSON and accepts outbound
// {"to":..,"text":..} lines. Binary radio framing never crosses this boundary.
//
// The adapter reconnects with a fixed delay whenever the stream drops, so a
// radio unplug degrades to failed sends rather than a crashed process.
type StreamAdapter struct {
	path string
	dial func(path string) (net.Conn, error)

	mu         sync.Mutex
	conn       net.Conn
	running    bool
	onText     TextHandler
	onPosition PositionHandler

	done chan struct{}
}

// NewStreamAdapter creates an adapter for the driver's unix socket at path.
func NewStreamAdapter(path string) *StreamAdapter {
	return &StreamAdapter{
		path: path,
		dial: func(p string) (net.Conn, error) {
			return net.DialTimeout("unix", p, 3*time.Second)
		},
		done: make(chan struct{}),
	}
}

// Subscribe registers packet handlers. Must be called before Start.
func (a *StreamAdapter) Subscribe(onText TextHandler, onPosition PositionHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onText = onText
	a.onPosition = onPosition
}

// Start launches the reader loop. Idempotent. A path that turns out to be a
// raw serial device node is refused up front: the adapter dials the driver
// sidecar's unix socket, and silently retrying against a tty would loop
// forever without ever connecting.
func (a *StreamAdapter) Start() error {
	if info, err := os.Stat(a.path); err == nil && info.Mode()&os.ModeCharDevice != 0 {
		return fmt.Errorf("%s is a serial device node, not a driver socket; run the radio driver sidecar on the device and point SERIAL_PORT at its socket", a.path)
	}

	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = true
	a.mu.Unlock()

	go a.readLoop()
	return nil
}

// Stop closes the stream and halts the reader loop. Idempotent.
func (a *StreamAdapter) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
	a.mu.Unlock()
	close(a.done)
}

// IsConnected reports whether the driver stream is currently up.
func (a *StreamAdapter) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn != nil
}

func (a *StreamAdapter) isRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

func (a *StreamAdapter) readLoop() {
	for a.isRunning() {
		conn, err := a.dial(a.path)
		if err != nil {
			log.Warn().Err(err).Str("path", a.path).Msg("radio driver unreachable, retrying")
			select {
			case <-a.done:
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}

		a.mu.Lock()
		a.conn = conn
		a.mu.Unlock()
		log.Info().Str("path", a.path).Msg("connected to radio driver")

		scanner := bufio.NewScanner(conn)
		scanner.Buffer(make([]byte, 0, 4096), 64*1024)
		for scanner.Scan() {
			a.dispatch(scanner.Bytes())
		}

		a.mu.Lock()
		if a.conn != nil {
			a.conn.Close()
			a.conn = nil
		}
		a.mu.Unlock()

		if a.isRunning() {
			log.Warn().Str("path", a.path).Msg("radio driver stream closed, reconnecting")
		}
	}
}

func (a *StreamAdapter) dispatch(line []byte) {
	var raw RawPacket
	if err := json.Unmarshal(line, &raw); err != nil {
		log.Debug().Err(err).Msg("dropping undecodable driver record")
		return
	}
	pkt, ok := Decode(raw, time.Now())
	if !ok {
		return
	}

	a.mu.Lock()
	onText, onPosition := a.onText, a.onPosition
	a.mu.Unlock()

	switch p := pkt.(type) {
	case TextPacket:
		if onText != nil {
			onText(p)
		}
	case PositionPacket:
		if onPosition != nil {
			onPosition(p)
		}
	case TelemetryPacket:
		log.Debug().Str("node", p.NodeID).Msg("telemetry packet")
	case OtherPacket:
		log.Debug().Str("node", p.NodeID).Str("portnum", p.Portnum).Msg("ignoring packet")
	}
}

type outboundLine struct {
	To   string `json:"to,omitempty"`
	Text string `json:"text"`
}

func (a *StreamAdapter) send(msg outboundLine) bool {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		log.Warn().Msg("radio driver not connected, cannot send")
		return false
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	conn.SetWriteDeadline(time.Now().Add(3 * time.Second))
	if _, err := conn.Write(append(data, '\n')); err != nil {
		log.Error().Err(err).Msg("failed to write to radio driver")
		return false
	}
	return true
}

// SendDM sends a direct message. The node id may be canonical ("!a1b2c3d4")
// or a bare numeric address; it is canonicalized before sending.
func (a *StreamAdapter) SendDM(nodeID, text string) bool {
	canonical, err := CanonicalNodeID(nodeID)
	if err != nil {
		log.Error().Err(err).Str("node", nodeID).Msg("invalid DM destination")
		return false
	}
	ok := a.send(outboundLine{To: canonical, Text: text})
	if ok {
		log.Info().Str("node", canonical).Int("len", len(text)).Msg("sent DM")
	}
	return ok
}

// SendBroadcast sends a mesh-wide message.
func (a *StreamAdapter) SendBroadcast(text string) bool {
	ok := a.send(outboundLine{Text: text})
	if ok {
		log.Info().Int("len", len(text)).Msg("sent broadcast")
	}
	return ok
}

// DeviceExists reports whether the driver endpoint (socket or serial device
// node) is present on the filesystem. Used by the meshprobe CLI.
func DeviceExists(path string) (os.FileInfo, error) {
	return os.Stat(path)
}
