package raft

import (
	"fmt"
	"net"
	"strconv"
)

// NodeAddr is a peer network address. Host may be a hostname or IP; it is
// resolved by the peer connection manager, not at parse time.
type NodeAddr struct {
	Host string `json:"host"`
	Port uint16 `json:"port"`
}

func (a NodeAddr) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}

func (a NodeAddr) IsZero() bool {
	return a.Host == "" && a.Port == 0
}

func ParseNodeAddr(s string) (NodeAddr, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return NodeAddr{}, fmt.Errorf("parse node address %q: %w", s, err)
	}
	if host == "" {
		return NodeAddr{}, fmt.Errorf("parse node address %q: empty host", s)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return NodeAddr{}, fmt.Errorf("parse node address %q: invalid port", s)
	}
	return NodeAddr{Host: host, Port: uint16(port)}, nil
}

// AddrList is an ordered collection of candidate addresses used by the
// cluster-join flow. Appends keep the list duplicate-free.
type AddrList struct {
	addrs []NodeAddr
}

func ParseAddrList(specs []string) (*AddrList, error) {
	l := &AddrList{}
	for _, s := range specs {
		addr, err := ParseNodeAddr(s)
		if err != nil {
			return nil, err
		}
		l.Add(addr)
	}
	return l, nil
}

func (l *AddrList) Add(addr NodeAddr) {
	for _, a := range l.addrs {
		if a == addr {
			return
		}
	}
	l.addrs = append(l.addrs, addr)
}

func (l *AddrList) Len() int {
	return len(l.addrs)
}

func (l *AddrList) All() []NodeAddr {
	out := make([]NodeAddr, len(l.addrs))
	copy(out, l.addrs)
	return out
}
