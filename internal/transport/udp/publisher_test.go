// SPDX-License-Identifier: MIT
package udp

import (
	"bytes"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"livepv/internal/control"
)

func listen(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Skipf("udp loopback unavailable: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestPacketEncodeDecode(t *testing.T) {
	s := control.Status{
		Time:       time.Unix(100, 5),
		Running:    true,
		Generation: 9,
		Stretch:    1.5,
		Pitch:      0.5,
		RingFill:   0.25,
		PeakHz:     1000,
		Underruns:  3,
		Overruns:   4,
		Hops:       5000,
		Violations: 1,
		LastBuild:  &control.Build{Error: "build failed"},
	}
	var buf bytes.Buffer
	if err := NewPacket(12, s).Encode(&buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if buf.Len() != PacketSize {
		t.Fatalf("encoded %d bytes, want %d", buf.Len(), PacketSize)
	}

	pk, err := DecodePacket(buf.Bytes())
	if err != nil {
		t.Fatalf("DecodePacket: %v", err)
	}
	if pk.Sequence != 12 || pk.Timestamp != time.Unix(100, 5).UnixNano() || pk.Generation != 9 {
		t.Errorf("header = %+v", pk)
	}
	if pk.Flags != FlagRunning|FlagBuildErr {
		t.Errorf("flags = %08b", pk.Flags)
	}
	if pk.Stretch != 1.5 || pk.Pitch != 0.5 || pk.RingFill != 0.25 || pk.PeakHz != 1000 {
		t.Errorf("floats = %+v", pk)
	}
	if pk.Underruns != 3 || pk.Overruns != 4 || pk.Hops != 5000 || pk.Violations != 1 {
		t.Errorf("counters = %+v", pk)
	}

	if _, err := DecodePacket(buf.Bytes()[:10]); err == nil {
		t.Error("expected error for a short packet")
	}
}

func TestPublisherSends(t *testing.T) {
	conn := listen(t)
	sender, err := NewUDPSender(conn.LocalAddr().String())
	if err != nil {
		t.Fatalf("NewUDPSender: %v", err)
	}
	defer sender.Close()

	var gen atomic.Uint64
	gen.Store(3)
	pub, err := NewUDPPublisher(5*time.Millisecond, sender, func() control.Status {
		return control.Status{Generation: gen.Load(), Stretch: 2}
	})
	if err != nil {
		t.Fatalf("NewUDPPublisher: %v", err)
	}
	pub.Start()
	pub.Start() // no-op
	defer pub.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 256)
	var last uint32
	for range 3 {
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		pk, err := DecodePacket(buf[:n])
		if err != nil {
			t.Fatalf("DecodePacket: %v", err)
		}
		if pk.Sequence <= last {
			t.Errorf("sequence %d not increasing after %d", pk.Sequence, last)
		}
		last = pk.Sequence
		if pk.Generation != 3 || pk.Stretch != 2 {
			t.Errorf("packet = %+v", pk)
		}
	}

	if err := pub.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := pub.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if sender.Sent() < 3 || sender.Failed() != 0 {
		t.Errorf("sender sent=%d failed=%d", sender.Sent(), sender.Failed())
	}
}

func TestNewUDPPublisherValidation(t *testing.T) {
	if _, err := NewUDPPublisher(time.Second, nil, func() control.Status { return control.Status{} }); err == nil {
		t.Error("expected error for nil sender")
	}
	conn := listen(t)
	sender, err := NewUDPSender(conn.LocalAddr().String())
	if err != nil {
		t.Fatalf("NewUDPSender: %v", err)
	}
	defer sender.Close()
	if _, err := NewUDPPublisher(time.Second, sender, nil); err == nil {
		t.Error("expected error for nil status source")
	}
	pub, err := NewUDPPublisher(0, sender, func() control.Status { return control.Status{} })
	if err != nil || pub.interval != 16*time.Millisecond {
		t.Errorf("zero interval should default to 16ms, got %v (%v)", pub.interval, err)
	}
}

func TestSenderClosed(t *testing.T) {
	conn := listen(t)
	sender, err := NewUDPSender(conn.LocalAddr().String())
	if err != nil {
		t.Fatalf("NewUDPSender: %v", err)
	}
	if err := sender.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sender.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := sender.Send([]byte{1}); err != ErrSenderClosed {
		t.Errorf("Send after Close = %v, want ErrSenderClosed", err)
	}
}

func TestSenderRejectsOversizePayload(t *testing.T) {
	conn := listen(t)
	sender, err := NewUDPSender(conn.LocalAddr().String())
	if err != nil {
		t.Fatalf("NewUDPSender: %v", err)
	}
	defer sender.Close()
	if err := sender.Send(make([]byte, maxDatagram+1)); err == nil {
		t.Error("expected an error for a payload larger than one datagram")
	}
	if sender.Sent() != 0 {
		t.Errorf("sent = %d", sender.Sent())
	}
}

func TestNewUDPSenderBadAddress(t *testing.T) {
	if _, err := NewUDPSender("not an address"); err == nil {
		t.Error("expected resolve error")
	}
}

func BenchmarkBuildPacket(b *testing.B) {
	var buf bytes.Buffer
	s := control.Status{Generation: 1, Stretch: 1, Pitch: 1}
	for b.Loop() {
		buf.Reset()
		_ = NewPacket(1, s).Encode(&buf)
	}
}
