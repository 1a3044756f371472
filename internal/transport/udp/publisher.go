// SPDX-License-Identifier: MIT
package udp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"livepv/internal/control"
	"livepv/internal/log"
)

// PacketSize is the encoded length of one status packet.
const PacketSize = 4 + 8 + 8 + 1 + 4*4 + 8*4

// Packet flags.
const (
	FlagRunning  uint8 = 1 << 0
	FlagBuildErr uint8 = 1 << 1
)

// StatusFunc returns the snapshot to publish.
type StatusFunc func() control.Status

// UDPPublisher periodically fetches a status snapshot, packs it into a
// fixed binary layout and sends it over UDP using a UDPSender. It runs in a
// separate goroutine managed by Start and Stop.
type UDPPublisher struct {
	sender   *UDPSender    // The underlying UDP sender instance.
	status   StatusFunc    // Source of the published snapshot.
	interval time.Duration // The interval at which packets are sent.
	logger   *log.Logger

	ticker   *time.Ticker   // Ticker that triggers packet sending.
	doneChan chan struct{}  // Channel used to signal the publisher goroutine to stop.
	stopOnce sync.Once      // Ensures the stop logic runs only once per Start/Stop cycle.
	wg       sync.WaitGroup // Waits for the publisher goroutine to finish during Stop.
	mu       sync.Mutex     // Protects access to ticker and doneChan during Start/Stop.

	sequenceNum uint32 // Monotonically increasing sequence number for packets.

	packetBuffer *bytes.Buffer // Reusable buffer for constructing the binary packet.
}

// NewUDPPublisher creates and initializes a new UDPPublisher.
// If the provided interval is invalid (<= 0), it defaults to 16ms (~60Hz).
func NewUDPPublisher(interval time.Duration, sender *UDPSender, status StatusFunc) (*UDPPublisher, error) {
	if sender == nil {
		return nil, fmt.Errorf("UDPPublisher: UDP sender cannot be nil")
	}
	if status == nil {
		return nil, fmt.Errorf("UDPPublisher: status source cannot be nil")
	}

	logger := log.With("udp")
	if interval <= 0 {
		interval = 16 * time.Millisecond // Default to ~60Hz if invalid
		logger.Warn("invalid interval, using default", "interval", interval)
	}

	return &UDPPublisher{
		sender:       sender,
		status:       status,
		interval:     interval,
		logger:       logger,
		packetBuffer: bytes.NewBuffer(make([]byte, 0, PacketSize)),
	}, nil
}

// Start begins the periodic publishing process.
// It is safe to call Start multiple times; subsequent calls are no-ops if already started.
func (p *UDPPublisher) Start() {
	p.mu.Lock()
	if p.ticker != nil {
		p.mu.Unlock()
		p.logger.Warn("start called but already running")
		return
	}

	p.ticker = time.NewTicker(p.interval)
	p.doneChan = make(chan struct{})
	p.stopOnce = sync.Once{}

	// Capture local variables for the goroutine to avoid data races on p.ticker/p.doneChan
	ticker := p.ticker
	doneChan := p.doneChan

	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.logger.Info("publisher started", "interval", p.interval, "target", p.sender.Target().String())
		for {
			select {
			case <-ticker.C:
				p.buildAndSendPacket()
			case <-doneChan:
				return
			}
		}
	}()
}

// Stop gracefully signals the publisher goroutine to terminate and waits for it to exit.
// It is safe to call Stop multiple times; subsequent calls are no-ops.
func (p *UDPPublisher) Stop() error {
	p.mu.Lock()
	if p.ticker == nil {
		p.mu.Unlock()
		return nil
	}

	p.stopOnce.Do(func() {
		close(p.doneChan)
		p.ticker.Stop()
		p.ticker = nil
	})

	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Debug("publisher stopped", "packets", p.sequenceNum)
	return nil
}

/*
UDP Packet Structure (BigEndian)

+--------------------------------------------------------------+
| Field             | Data Type | Size (Bytes) | Description   |
|-------------------|-----------|--------------|---------------|
| Sequence Number   | uint32    | 4            | Monotonic     |
| Timestamp         | int64     | 8            | Unix nanos    |
| Generation        | uint64    | 8            | Module gen    |
| Flags             | uint8     | 1            | Running, ...  |
| Stretch           | float32   | 4            |               |
| Pitch             | float32   | 4            |               |
| Ring Fill         | float32   | 4            | 0..1          |
| Peak Frequency    | float32   | 4            | Hz            |
| Underruns         | uint64    | 8            |               |
| Overruns          | uint64    | 8            |               |
| Hops              | uint64    | 8            |               |
| Violations        | uint64    | 8            |               |
+--------------------------------------------------------------+
*/

// Packet is the decoded form of one status datagram.
type Packet struct {
	Sequence   uint32
	Timestamp  int64
	Generation uint64
	Flags      uint8
	Stretch    float32
	Pitch      float32
	RingFill   float32
	PeakHz     float32
	Underruns  uint64
	Overruns   uint64
	Hops       uint64
	Violations uint64
}

// NewPacket converts a status snapshot into its wire form.
func NewPacket(seq uint32, s control.Status) Packet {
	var flags uint8
	if s.Running {
		flags |= FlagRunning
	}
	if s.LastBuild != nil && s.LastBuild.Error != "" {
		flags |= FlagBuildErr
	}
	ts := s.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return Packet{
		Sequence:   seq,
		Timestamp:  ts.UnixNano(),
		Generation: s.Generation,
		Flags:      flags,
		Stretch:    float32(s.Stretch),
		Pitch:      float32(s.Pitch),
		RingFill:   float32(s.RingFill),
		PeakHz:     float32(s.PeakHz),
		Underruns:  s.Underruns,
		Overruns:   s.Overruns,
		Hops:       s.Hops,
		Violations: s.Violations,
	}
}

// Encode writes the packet in network byte order.
func (pk Packet) Encode(w io.Writer) error {
	return binary.Write(w, binary.BigEndian, pk)
}

// DecodePacket parses one datagram.
func DecodePacket(data []byte) (Packet, error) {
	var pk Packet
	if len(data) != PacketSize {
		return pk, fmt.Errorf("udp: packet is %d bytes, want %d", len(data), PacketSize)
	}
	err := binary.Read(bytes.NewReader(data), binary.BigEndian, &pk)
	return pk, err
}

// buildAndSendPacket runs on each tick: snapshot, pack, send.
func (p *UDPPublisher) buildAndSendPacket() {
	p.sequenceNum++
	pk := NewPacket(p.sequenceNum, p.status())

	p.packetBuffer.Reset()
	if err := pk.Encode(p.packetBuffer); err != nil {
		p.logger.Error("packing status", "err", err)
		return
	}

	if err := p.sender.Send(p.packetBuffer.Bytes()); err != nil {
		if !errors.Is(err, ErrSenderClosed) {
			p.logger.Debug("packet dropped", "seq", p.sequenceNum, "err", err)
		}
	}
}

// Close implements the io.Closer interface. It gracefully stops the publisher goroutine.
func (p *UDPPublisher) Close() error {
	return p.Stop()
}

// Ensure UDPPublisher satisfies the io.Closer interface at compile time.
var _ interface{ Close() error } = (*UDPPublisher)(nil)
