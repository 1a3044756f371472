// SPDX-License-Identifier: MIT
package udp

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"livepv/internal/log"
)

// ErrSenderClosed is returned by Send after Close.
var ErrSenderClosed = errors.New("udp: sender is closed")

// maxDatagram is the largest payload that fits a single IPv4 datagram.
const maxDatagram = 65507

// UDPSender writes status datagrams to one connected target. Nobody
// listening is normal for a status feed: failures are counted, and only the
// first one after a success is logged above debug.
type UDPSender struct {
	target *net.UDPAddr
	logger *log.Logger

	mu   sync.Mutex // guards conn against Close
	conn *net.UDPConn

	sent    atomic.Uint64
	failed  atomic.Uint64
	failing atomic.Bool
}

// NewUDPSender dials targetAddress ("host:port").
func NewUDPSender(targetAddress string) (*UDPSender, error) {
	addr, err := net.ResolveUDPAddr("udp", targetAddress)
	if err != nil {
		return nil, fmt.Errorf("udp: resolve %q: %w", targetAddress, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("udp: dial %s: %w", addr, err)
	}

	s := &UDPSender{target: addr, conn: conn, logger: log.With("udp")}
	s.logger.Debug("sender ready", "target", addr.String(), "local", conn.LocalAddr().String())
	return s, nil
}

// Target returns the resolved destination.
func (s *UDPSender) Target() *net.UDPAddr { return s.target }

// Sent returns how many datagrams were written.
func (s *UDPSender) Sent() uint64 { return s.sent.Load() }

// Failed returns how many writes failed.
func (s *UDPSender) Failed() uint64 { return s.failed.Load() }

// Send writes data as one datagram.
func (s *UDPSender) Send(data []byte) error {
	if len(data) > maxDatagram {
		return fmt.Errorf("udp: %d byte payload exceeds one datagram", len(data))
	}

	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return ErrSenderClosed
	}
	_, err := s.conn.Write(data)
	s.mu.Unlock()

	if err != nil {
		s.failed.Add(1)
		if !s.failing.Swap(true) {
			s.logger.Warn("status target unreachable", "target", s.target.String(), "err", err)
		} else {
			s.logger.Debug("send failed", "err", err)
		}
		return fmt.Errorf("udp: send: %w", err)
	}
	s.sent.Add(1)
	if s.failing.Swap(false) {
		s.logger.Info("status target reachable again", "target", s.target.String())
	}
	return nil
}

// Close releases the socket. Later calls are no-ops.
func (s *UDPSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	if err != nil {
		return fmt.Errorf("udp: close: %w", err)
	}
	return nil
}
