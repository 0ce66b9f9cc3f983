package transport

import (
	"sync"
	"time"
)

// Fake is an in-process Adapter used by tests and local development. Inbound
// packets are injected with Inject*; outbound traffic is recorded.
type Fake struct {
	mu         sync.Mutex
	connected  bool
	started    bool
	onText     TextHandler
	onPosition PositionHandler

	DMs        []FakeDM
	Broadcasts []string

	// FailSends makes SendDM/SendBroadcast return false without recording.
	FailSends bool
}

// FakeDM is one recorded direct message.
type FakeDM struct {
	NodeID string
	Text   string
}

// NewFake returns a connected fake adapter.
func NewFake() *Fake {
	return &Fake{connected: true}
}

func (f *Fake) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *Fake) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = false
}

func (f *Fake) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// SetConnected toggles the simulated radio link.
func (f *Fake) SetConnected(up bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = up
}

func (f *Fake) Subscribe(onText TextHandler, onPosition PositionHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onText = onText
	f.onPosition = onPosition
}

func (f *Fake) SendDM(nodeID, text string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailSends || !f.connected {
		return false
	}
	f.DMs = append(f.DMs, FakeDM{NodeID: nodeID, Text: text})
	return true
}

func (f *Fake) SendBroadcast(text string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailSends || !f.connected {
		return false
	}
	f.Broadcasts = append(f.Broadcasts, text)
	return true
}

// InjectText delivers a text packet to the subscribed handler.
func (f *Fake) InjectText(pkt TextPacket) {
	f.mu.Lock()
	h := f.onText
	f.mu.Unlock()
	if h != nil {
		h(pkt)
	}
}

// InjectPosition delivers a position packet to the subscribed handler.
func (f *Fake) InjectPosition(nodeID string, lat, lon float64) {
	f.mu.Lock()
	h := f.onPosition
	f.mu.Unlock()
	if h != nil {
		h(PositionPacket{NodeID: nodeID, Lat: lat, Lon: lon, RxTime: time.Now()})
	}
}

// SentDMs returns a copy of the recorded direct messages.
func (f *Fake) SentDMs() []FakeDM {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeDM, len(f.DMs))
	copy(out, f.DMs)
	return out
}
