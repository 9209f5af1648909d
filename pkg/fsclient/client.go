// Package fsclient is the user side of the file service. A Client owns
// one request page and a descriptor table; every operation stages its
// request in the page, sends it to the file server over the hub and
// blocks for the reply. Descriptor pages handed out by open are shared
// with the server, so the file offset advances on the client's copy as
// the server consumes reads and writes.
//
// A Client serves one goroutine. The request page is a single shared
// buffer and an operation started while another is in flight panics.
package fsclient

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/koan-os/koan/pkg/errno"
	"github.com/koan-os/koan/pkg/fsproto"
	"github.com/koan-os/koan/pkg/ipc"
	"github.com/koan-os/koan/pkg/logflags"
)

// Client is one environment's attachment to the file service.
type Client struct {
	hub      *ipc.Hub
	ep       *ipc.Endpoint
	fsenv    ipc.EnvID
	buf      *ipc.Page
	inflight int32
	fds      [fsproto.MaxOpen]*ipc.Page
	log      *logrus.Entry
}

// NewClient registers a user environment on the hub. The file server is
// looked up lazily, on the first request.
func NewClient(hub *ipc.Hub) (*Client, error) {
	ep, err := hub.NewEnv(ipc.TypeUser)
	if err != nil {
		return nil, err
	}
	return &Client{
		hub: hub,
		ep:  ep,
		buf: new(ipc.Page),
		log: logflags.FSRPCLogger(),
	}, nil
}

// ID returns the client environment's identifier.
func (c *Client) ID() ipc.EnvID {
	return c.ep.ID()
}

// Close detaches the client from the hub. Open descriptors are dropped
// without flushing.
func (c *Client) Close() {
	c.ep.Close()
}

// fsipc sends the staged request page to the file server and waits for
// the result. The server's environment ID is resolved once and reused;
// a failed resolution is retried on the next call.
func (c *Client) fsipc(tag fsproto.Tag) (int32, *ipc.Page, error) {
	if !atomic.CompareAndSwapInt32(&c.inflight, 0, 1) {
		panic("fsclient: concurrent use of the request page")
	}
	defer atomic.StoreInt32(&c.inflight, 0)

	if c.fsenv == 0 {
		c.fsenv = c.hub.Find(ipc.TypeFS)
		if c.fsenv == 0 {
			return 0, nil, errno.BadEnv
		}
	}
	c.log.Debugf("[%08x] fsipc %v to %08x", c.ep.ID(), tag, c.fsenv)
	err := c.ep.Send(c.fsenv, int32(tag), c.buf, ipc.PermPresent|ipc.PermWrite|ipc.PermUser)
	if err != nil {
		return 0, nil, err
	}
	m, err := c.ep.Recv()
	if err != nil {
		return 0, nil, err
	}
	return m.Val, m.Page, errno.FromWire(m.Val)
}

// Open opens path on the file server with the given mode and binds the
// returned descriptor into a free table slot. Overlong paths and a full
// descriptor table are rejected before any server traffic; a failed
// open leaves the table untouched.
func (c *Client) Open(path string, mode fsproto.OpenMode) (*File, error) {
	if len(path) >= fsproto.MaxPathLen {
		return nil, errno.BadPath
	}
	num := -1
	for i := range c.fds {
		if c.fds[i] == nil {
			num = i
			break
		}
	}
	if num < 0 {
		return nil, errno.MaxOpen
	}

	req := fsproto.ViewOpen(c.buf)
	req.SetPath(path)
	req.SetMode(mode)
	_, pg, err := c.fsipc(fsproto.TagOpen)
	if err != nil {
		return nil, err
	}
	if pg == nil {
		c.log.Debugf("[%08x] open %s: no descriptor page in reply", c.ep.ID(), path)
		return nil, errno.Unspecified
	}
	c.fds[num] = pg
	return &File{c: c, num: num, pg: pg}, nil
}

// Remove deletes path on the file server.
func (c *Client) Remove(path string) error {
	if len(path) >= fsproto.MaxPathLen {
		return errno.BadPath
	}
	req := fsproto.ViewRemove(c.buf)
	req.SetPath(path)
	_, _, err := c.fsipc(fsproto.TagRemove)
	return err
}

// Sync asks the server to push everything to stable storage.
func (c *Client) Sync() error {
	_, _, err := c.fsipc(fsproto.TagSync)
	return err
}

// FdCount returns the number of descriptor table slots in use.
func (c *Client) FdCount() int {
	n := 0
	for _, pg := range c.fds {
		if pg != nil {
			n++
		}
	}
	return n
}
