// Package domain: peer types.
// A KnownPeer is a durable record of an endpoint this node has been connected
// to. It says nothing about current liveness.
package domain

import (
	"net"
	"strconv"
	"time"
)

// KnownPeer is a row of the durable peers table.
type KnownPeer struct {
	IP       string    `json:"ip"`
	Port     int       `json:"port"`
	LastSeen time.Time `json:"last_seen"`
}

// Address returns the peer as host:port.
func (p KnownPeer) Address() string {
	return net.JoinHostPort(p.IP, strconv.Itoa(p.Port))
}

// NodeIdentity identifies the running node. EphemeralID is regenerated on
// every start and is only used to recognize our own discovery broadcasts.
type NodeIdentity struct {
	IP          string `json:"ip"`
	Port        int    `json:"port"`
	EphemeralID string `json:"node_id"`
}

// Address returns the node's TCP address as host:port.
func (n NodeIdentity) Address() string {
	return net.JoinHostPort(n.IP, strconv.Itoa(n.Port))
}

// ParsePeerAddr splits "IP:PORT" into its parts.
func ParsePeerAddr(s string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil || host == "" {
		return "", 0, ErrInvalidPeerAddr
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, ErrInvalidPeerAddr
	}
	return host, port, nil
}
