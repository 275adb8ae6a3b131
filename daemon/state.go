// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only
package daemon

import (
	"sync"
	"sync/atomic"
	"time"
)

// ListenerSettings captures the runtime listener configuration for the daemon.
type ListenerSettings struct {
	BindAddress string
	DNSPort     string
	Upstream    string
	Database    string
	APIPort     string
	APIEnabled  bool
}

// State owns mutable runtime data for the daemon process.
type State struct {
	stopMu        sync.Mutex
	stopDNSCh     chan struct{}
	stoppedDNSCh  chan struct{}
	stopClosed    bool
	stoppedClosed bool

	serverStatusMu sync.RWMutex
	serverUp       bool
	startedAt      time.Time

	storeReady atomic.Bool

	listenerMu sync.RWMutex
	listener   ListenerSettings

	apiRunning atomic.Bool
}

// NewState builds a State with initial runtime defaults.
func NewState() *State {
	s := &State{}
	s.ResetDNSChannels()
	return s
}

// ResetDNSChannels reinitialises the coordination channels used to control the DNS server lifecycle.
func (s *State) ResetDNSChannels() {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	s.stopDNSCh = make(chan struct{})
	s.stoppedDNSCh = make(chan struct{})
	s.stopClosed = false
	s.stoppedClosed = false
}

// StopChannel returns the channel used to signal a DNS shutdown.
func (s *State) StopChannel() <-chan struct{} {
	s.stopMu.Lock()
	ch := s.stopDNSCh
	s.stopMu.Unlock()
	return ch
}

// StoppedChannel returns the channel that is closed once DNS shutdown has completed.
func (s *State) StoppedChannel() <-chan struct{} {
	s.stopMu.Lock()
	ch := s.stoppedDNSCh
	s.stopMu.Unlock()
	return ch
}

// SignalStop closes the stop channel (once) and returns the channel that should be awaited for shutdown completion.
func (s *State) SignalStop() <-chan struct{} {
	s.stopMu.Lock()
	if !s.stopClosed {
		close(s.stopDNSCh)
		s.stopClosed = true
	}
	stopped := s.stoppedDNSCh
	s.stopMu.Unlock()
	return stopped
}

// NotifyStopped closes the stopped channel (once) to indicate DNS shutdown completion.
func (s *State) NotifyStopped() {
	s.stopMu.Lock()
	if !s.stoppedClosed {
		close(s.stoppedDNSCh)
		s.stoppedClosed = true
	}
	s.stopMu.Unlock()
}

// SetServerStatus stores whether the DNS listeners are running. Going up records the start time.
func (s *State) SetServerStatus(up bool) {
	s.serverStatusMu.Lock()
	if up && !s.serverUp {
		s.startedAt = time.Now()
	}
	s.serverUp = up
	s.serverStatusMu.Unlock()
}

// ServerStatus reports whether the DNS listeners are running.
func (s *State) ServerStatus() bool {
	s.serverStatusMu.RLock()
	defer s.serverStatusMu.RUnlock()
	return s.serverUp
}

// Uptime returns how long the DNS listeners have been running, or zero when down.
func (s *State) Uptime() time.Duration {
	s.serverStatusMu.RLock()
	defer s.serverStatusMu.RUnlock()
	if !s.serverUp {
		return 0
	}
	return time.Since(s.startedAt)
}

// SetStoreReady records whether the record store is open.
func (s *State) SetStoreReady(ready bool) {
	s.storeReady.Store(ready)
}

// StoreReady reports whether the record store is open.
func (s *State) StoreReady() bool {
	return s.storeReady.Load()
}

// Ready reports whether queries can be answered: store open and listeners up.
func (s *State) Ready() bool {
	return s.StoreReady() && s.ServerStatus()
}

// UpdateListener applies a mutation to the stored listener settings.
func (s *State) UpdateListener(update func(*ListenerSettings)) {
	s.listenerMu.Lock()
	update(&s.listener)
	s.listenerMu.Unlock()
}

// ListenerSnapshot returns a copy of the current listener settings.
func (s *State) ListenerSnapshot() ListenerSettings {
	s.listenerMu.RLock()
	defer s.listenerMu.RUnlock()
	return s.listener
}

// SetAPIRunning records the API server running state.
func (s *State) SetAPIRunning(running bool) {
	s.apiRunning.Store(running)
}

// APIRunning reports whether the API server goroutine is currently running.
func (s *State) APIRunning() bool {
	return s.apiRunning.Load()
}
