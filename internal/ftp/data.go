// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package ftp

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

const (
	// dataConnectWait bounds how long a transfer command waits for the
	// client to connect to the passive listener.
	dataConnectWait = 10 * time.Second

	// storWait bounds a STOR from first byte to client half-close.
	storWait = 60 * time.Second
)

// dataChannel is the passive-mode listener plus the single accepted
// data socket. The accept result is delivered over a capacity-1
// channel the transfer commands select on with a timeout.
type dataChannel struct {
	ln    net.Listener
	ready chan net.Conn
	port  int
}

// openPassive claims the first free port in [min..max] and starts the
// one-shot accept loop.
func openPassive(min, max int) (*dataChannel, error) {
	for port := min; port <= max; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			continue
		}
		d := &dataChannel{ln: ln, ready: make(chan net.Conn, 1), port: port}
		go d.acceptOne()
		return d, nil
	}
	return nil, errors.New("no free passive port")
}

func (d *dataChannel) acceptOne() {
	conn, err := d.ln.Accept()
	if err != nil {
		close(d.ready)
		return
	}
	d.ready <- conn
}

// conn waits for the accepted data socket.
func (d *dataChannel) conn() (net.Conn, error) {
	select {
	case c, ok := <-d.ready:
		if !ok || c == nil {
			return nil, errors.New("data connection not established")
		}
		return c, nil
	case <-time.After(dataConnectWait):
		return nil, errors.New("timed out waiting for data connection")
	}
}

func (d *dataChannel) close() {
	d.ln.Close()
	select {
	case c, ok := <-d.ready:
		if ok && c != nil {
			c.Close()
		}
	default:
	}
}

// openData tears down any previous channel and allocates a fresh
// passive listener; only one data channel may exist per session.
func (s *session) openData() (*dataChannel, error) {
	s.closeData()
	d, err := openPassive(s.srv.cfg.PasvPortMin, s.srv.cfg.PasvPortMax)
	if err != nil {
		return nil, err
	}
	s.data = d
	return d, nil
}

func (s *session) closeData() {
	if s.data != nil {
		s.data.close()
		s.data = nil
	}
}

func (s *session) cmdPasv() {
	d, err := s.openData()
	if err != nil {
		s.reply(425, "Cannot open passive connection")
		return
	}
	ip := s.advertisedIP()
	s.reply(227, fmt.Sprintf("Entering Passive Mode (%s,%d,%d)",
		strings.ReplaceAll(ip, ".", ","), d.port>>8, d.port&0xff))
}

func (s *session) cmdEpsv() {
	d, err := s.openData()
	if err != nil {
		s.reply(425, "Cannot open passive connection")
		return
	}
	s.reply(229, fmt.Sprintf("Entering Extended Passive Mode (|||%d|)", d.port))
}

// advertisedIP picks the address placed in the PASV reply: loopback
// clients get 127.0.0.1, everyone else the cached LAN address.
func (s *session) advertisedIP() string {
	if host, _, err := net.SplitHostPort(s.ctrl.RemoteAddr().String()); err == nil {
		if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
			return "127.0.0.1"
		}
	}
	return s.srv.lanAddress()
}
