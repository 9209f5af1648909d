// Package ipc provides the page-granular message transport environments
// use to talk to each other. A message carries a 32-bit value and
// optionally shares a page with the receiver; delivery is a rendezvous,
// the sender blocks until the receiver asks for a message.
package ipc

import (
	"sync"

	"github.com/koan-os/koan/pkg/errno"
)

// PageSize is the transfer granule. Shared buffers are exactly one page.
const PageSize = 4096

// Page is a unit of shareable memory. Pages travel by reference, both
// sides of an exchange see the same backing array.
type Page [PageSize]byte

// EnvID names an environment on a Hub. Zero is never a valid ID.
type EnvID int32

// EnvType classifies environments so that well-known services can be
// found without configuration.
type EnvType int32

const (
	TypeUser EnvType = iota
	TypeFS
)

// Perm describes how a shared page is mapped on the receiving side.
type Perm uint32

const (
	PermPresent Perm = 0x001
	PermWrite   Perm = 0x002
	PermUser    Perm = 0x004
)

// Writable reports whether the permission set shares the page for
// writing.
func (p Perm) Writable() bool {
	return p&(PermPresent|PermWrite) == PermPresent|PermWrite
}

// Msg is one delivered message.
type Msg struct {
	From EnvID
	Val  int32
	Page *Page
	Perm Perm
}

// MaxEnvs bounds the number of live environments on a hub.
const MaxEnvs = 1024

// Hub is the in-process environment registry and message switch.
type Hub struct {
	mu     sync.Mutex
	nextID EnvID
	envs   map[EnvID]*Endpoint
}

func NewHub() *Hub {
	return &Hub{
		nextID: 0x1000,
		envs:   make(map[EnvID]*Endpoint),
	}
}

// NewEnv registers a new environment of the given type and returns its
// endpoint. Fails with NoFreeEnv when the hub is full.
func (h *Hub) NewEnv(typ EnvType) (*Endpoint, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.envs) >= MaxEnvs {
		return nil, errno.NoFreeEnv
	}
	e := &Endpoint{
		id:   h.nextID,
		typ:  typ,
		hub:  h,
		ch:   make(chan Msg),
		done: make(chan struct{}),
	}
	h.nextID++
	h.envs[e.id] = e
	return e, nil
}

// Find returns the ID of some live environment of the given type, or
// zero when none exists.
func (h *Hub) Find(typ EnvType) EnvID {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, e := range h.envs {
		if e.typ == typ {
			return id
		}
	}
	return 0
}

func (h *Hub) lookup(id EnvID) *Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.envs[id]
}

// Endpoint is one environment's attachment to a Hub.
type Endpoint struct {
	id   EnvID
	typ  EnvType
	hub  *Hub
	ch   chan Msg
	done chan struct{}
	once sync.Once
}

// ID returns the environment's identifier.
func (e *Endpoint) ID() EnvID {
	return e.id
}

// Send delivers val, and the page if non-nil, to the environment named
// by to. It blocks until the receiver accepts the message. Sending to
// an unknown or closed environment fails with BadEnv.
func (e *Endpoint) Send(to EnvID, val int32, pg *Page, perm Perm) error {
	dst := e.hub.lookup(to)
	if dst == nil {
		return errno.BadEnv
	}
	m := Msg{From: e.id, Val: val, Perm: perm}
	if pg != nil {
		m.Page = pg
	}
	select {
	case dst.ch <- m:
		return nil
	case <-dst.done:
		return errno.BadEnv
	}
}

// Recv blocks until a message arrives. It fails with BadEnv once the
// endpoint is closed.
func (e *Endpoint) Recv() (Msg, error) {
	select {
	case m := <-e.ch:
		return m, nil
	case <-e.done:
		return Msg{}, errno.BadEnv
	}
}

// Close removes the environment from its hub and releases any peers
// blocked on it.
func (e *Endpoint) Close() {
	e.once.Do(func() {
		e.hub.mu.Lock()
		delete(e.hub.envs, e.id)
		e.hub.mu.Unlock()
		close(e.done)
	})
}
