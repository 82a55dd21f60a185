// Package rlog tees log output to the local network as UDP broadcast
// datagrams, one line per entry, so the bridge can be observed without a
// console cable. Delivery is fire-and-forget: the hook never blocks or
// fails the logger.
package rlog

import (
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
)

// DefaultPort matches the port the monitoring scripts listen on.
const DefaultPort = 3333

// Hook is a logrus hook that broadcasts formatted entries over UDP.
type Hook struct {
	conn      *net.UDPConn
	formatter logrus.Formatter
}

// NewHook opens a UDP socket aimed at addr ("host:port"; an empty host
// broadcasts to 255.255.255.255).
func NewHook(addr string) (*Hook, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("rlog: bad address %q: %w", addr, err)
	}
	if host == "" {
		host = "255.255.255.255"
	}
	udpAddr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, port))
	if err != nil {
		return nil, fmt.Errorf("rlog: resolve %q: %w", addr, err)
	}
	conn, err := net.DialUDP("udp4", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("rlog: dial: %w", err)
	}
	return &Hook{
		conn: conn,
		formatter: &logrus.TextFormatter{
			DisableColors: true,
		},
	}, nil
}

// Levels implements logrus.Hook.
func (h *Hook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements logrus.Hook. Send errors are swallowed: losing a log
// datagram must never disturb the control path.
func (h *Hook) Fire(entry *logrus.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return nil
	}
	h.conn.Write(line) //nolint:errcheck
	return nil
}

// Close releases the socket.
func (h *Hook) Close() error {
	return h.conn.Close()
}
