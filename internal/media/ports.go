package media

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// ErrNoPortsAvailable is returned by Allocate when every port pair in the
// configured range is checked out.
var ErrNoPortsAvailable = errors.New("no rtp ports available")

// PortPair holds an RTP port and its companion RTCP port (RTP+1).
type PortPair struct {
	RTP  int
	RTCP int
}

// SocketPair holds the UDP connections for an RTP/RTCP port pair.
type SocketPair struct {
	Ports    PortPair
	RTPConn  *net.UDPConn
	RTCPConn *net.UDPConn
}

// Close releases both UDP sockets.
func (sp *SocketPair) Close() error {
	var rtpErr, rtcpErr error
	if sp.RTPConn != nil {
		rtpErr = sp.RTPConn.Close()
	}
	if sp.RTCPConn != nil {
		rtcpErr = sp.RTCPConn.Close()
	}
	if rtpErr != nil {
		return rtpErr
	}
	return rtcpErr
}

// PortPool hands out bound RTP/RTCP socket pairs from a fixed port range.
// RTP ports are even, RTCP is always RTP+1. The pool tracks checkout state
// per slot so that repeated allocate/release cycles always return to the
// same baseline: no slot is ever lost, and exhaustion is reported cleanly
// instead of corrupting the pool.
type PortPool struct {
	portMin int
	portMax int
	logger  *slog.Logger

	mu    sync.Mutex
	taken []bool // checkout state per slot; slot i covers RTP port portMin+2*i
	inUse int
	next  int // next slot to try
}

// NewPortPool creates a pool over the given port range.
// portMin must be even; portMax must be greater than portMin.
func NewPortPool(portMin, portMax int, logger *slog.Logger) (*PortPool, error) {
	if portMin%2 != 0 {
		return nil, fmt.Errorf("portMin must be even, got %d", portMin)
	}
	if portMax <= portMin {
		return nil, fmt.Errorf("portMax (%d) must be greater than portMin (%d)", portMax, portMin)
	}

	capacity := (portMax - portMin + 1) / 2
	l := logger.With("subsystem", "port-pool")
	l.Info("rtp port pool initialized",
		"port_min", portMin,
		"port_max", portMax,
		"capacity", capacity,
	)

	return &PortPool{
		portMin: portMin,
		portMax: portMax,
		logger:  l,
		taken:   make([]bool, capacity),
	}, nil
}

// Capacity returns the total number of port pairs in the range.
func (p *PortPool) Capacity() int {
	return len(p.taken)
}

// AllocatedCount returns the number of currently checked-out port pairs.
func (p *PortPool) AllocatedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// Allocate binds an RTP+RTCP UDP socket pair from the pool and returns it
// ready for use. Returns ErrNoPortsAvailable when the range is exhausted
// or no remaining pair can be bound.
func (p *PortPool) Allocate() (*SocketPair, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	capacity := len(p.taken)
	if p.inUse >= capacity {
		return nil, fmt.Errorf("%w: all %d pairs checked out", ErrNoPortsAvailable, capacity)
	}

	// Scan from the last position, wrapping once around the whole range.
	for scanned := 0; scanned < capacity; scanned++ {
		slot := p.next
		p.next = (p.next + 1) % capacity

		if p.taken[slot] {
			continue
		}

		port := p.portMin + 2*slot
		pair, err := bindPair(port)
		if err != nil {
			// Port may be held by another process; skip the slot for now
			// but leave it free so a later scan can retry it.
			p.logger.Debug("port pair bind failed, trying next",
				"rtp_port", port,
				"error", err,
			)
			continue
		}

		p.taken[slot] = true
		p.inUse++

		p.logger.Debug("port pair allocated",
			"rtp_port", port,
			"rtcp_port", port+1,
			"allocated", p.inUse,
			"capacity", capacity,
		)
		return pair, nil
	}

	return nil, fmt.Errorf("%w: no bindable pair in range %d-%d", ErrNoPortsAvailable, p.portMin, p.portMax)
}

// Release closes the pair's sockets and returns its slot to the pool.
// Releasing a nil pair or a pair outside the pool's range is a no-op.
func (p *PortPool) Release(pair *SocketPair) {
	if pair == nil {
		return
	}

	if err := pair.Close(); err != nil {
		p.logger.Warn("error closing socket pair",
			"rtp_port", pair.Ports.RTP,
			"error", err,
		)
	}

	slot := (pair.Ports.RTP - p.portMin) / 2

	p.mu.Lock()
	defer p.mu.Unlock()

	if slot < 0 || slot >= len(p.taken) || !p.taken[slot] {
		return
	}
	p.taken[slot] = false
	p.inUse--

	p.logger.Debug("port pair released",
		"rtp_port", pair.Ports.RTP,
		"rtcp_port", pair.Ports.RTCP,
		"allocated", p.inUse,
	)
}

// bindPair creates UDP sockets bound to the given even port (RTP) and
// its companion odd port (RTCP). If either bind fails, both are cleaned up.
func bindPair(rtpPort int) (*SocketPair, error) {
	rtpAddr := &net.UDPAddr{IP: net.IPv4zero, Port: rtpPort}
	rtpConn, err := net.ListenUDP("udp", rtpAddr)
	if err != nil {
		return nil, fmt.Errorf("binding rtp port %d: %w", rtpPort, err)
	}

	rtcpPort := rtpPort + 1
	rtcpAddr := &net.UDPAddr{IP: net.IPv4zero, Port: rtcpPort}
	rtcpConn, err := net.ListenUDP("udp", rtcpAddr)
	if err != nil {
		rtpConn.Close()
		return nil, fmt.Errorf("binding rtcp port %d: %w", rtcpPort, err)
	}

	return &SocketPair{
		Ports:    PortPair{RTP: rtpPort, RTCP: rtcpPort},
		RTPConn:  rtpConn,
		RTCPConn: rtcpConn,
	}, nil
}
