// Package fsserv is the file service. One goroutine owns the whole
// store and serves requests from the hub one at a time; files live in
// memory. Descriptor pages created by open are shared with the client,
// the offset field advances here as reads and writes are consumed and
// the client repositions it directly.
package fsserv

import (
	"errors"
	"path"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/koan-os/koan/pkg/errno"
	"github.com/koan-os/koan/pkg/fsproto"
	"github.com/koan-os/koan/pkg/ipc"
	"github.com/koan-os/koan/pkg/logflags"
)

// maxFileSize matches a store of ten direct block pointers plus one
// indirect block of a page of pointers, a page per block.
const maxFileSize = (10 + 1024) * 4096

// serverMaxOpen bounds the open-descriptor table across all clients.
const serverMaxOpen = 1024

type file struct {
	name  string
	data  []byte
	isDir bool
}

type openFile struct {
	file *file
	fd   *ipc.Page
	mode fsproto.OpenMode
}

// Server owns the file store. All fields are confined to the Serve
// goroutine once it starts.
type Server struct {
	ep     *ipc.Endpoint
	files  map[string]*file
	opens  map[int32]*openFile
	nextID int32
	log    *logrus.Entry
}

// New registers the file service on the hub. The store starts with an
// empty root directory.
func New(hub *ipc.Hub) (*Server, error) {
	ep, err := hub.NewEnv(ipc.TypeFS)
	if err != nil {
		return nil, err
	}
	return &Server{
		ep:     ep,
		files:  map[string]*file{"/": {name: "/", isDir: true}},
		opens:  make(map[int32]*openFile),
		nextID: 1,
		log:    logflags.FSServerLogger(),
	}, nil
}

// ID returns the server environment's identifier.
func (s *Server) ID() ipc.EnvID {
	return s.ep.ID()
}

// Close detaches the server from the hub, releasing any client blocked
// on it and stopping Serve.
func (s *Server) Close() {
	s.ep.Close()
}

// Serve handles requests until the endpoint is closed. Run it on its
// own goroutine.
func (s *Server) Serve() {
	for {
		m, err := s.ep.Recv()
		if err != nil {
			return
		}
		s.dispatch(m)
	}
}

func (s *Server) dispatch(m ipc.Msg) {
	if m.Page == nil || m.Perm&ipc.PermPresent == 0 {
		// No reply either; the sender is broken.
		s.log.Infof("Invalid request from %08x: no argument page", m.From)
		return
	}

	var (
		r    int32
		err  error
		pg   *ipc.Page
		perm ipc.Perm
	)
	switch tag := fsproto.Tag(m.Val); tag {
	case fsproto.TagOpen:
		pg, err = s.serveOpen(m.From, m.Page)
		if err == nil {
			perm = ipc.PermPresent | ipc.PermWrite | ipc.PermUser
		}
	case fsproto.TagSetSize:
		err = s.serveSetSize(m.From, m.Page)
	case fsproto.TagRead:
		r, err = s.serveRead(m.From, m.Page)
	case fsproto.TagWrite:
		r, err = s.serveWrite(m.From, m.Page)
	case fsproto.TagStat:
		err = s.serveStat(m.From, m.Page)
	case fsproto.TagFlush:
		err = s.serveFlush(m.From, m.Page)
	case fsproto.TagRemove:
		err = s.serveRemove(m.From, m.Page)
	case fsproto.TagSync:
		s.log.Debugf("serve_sync %08x", m.From)
	default:
		s.log.Infof("Invalid request code %d from %08x", m.Val, m.From)
		err = errno.Inval
	}
	if err != nil {
		r = wireError(err)
	}
	if serr := s.ep.Send(m.From, r, pg, perm); serr != nil {
		s.log.Infof("reply to %08x failed: %v", m.From, serr)
	}
}

func wireError(err error) int32 {
	var e errno.Errno
	if errors.As(err, &e) {
		return e.Wire()
	}
	return errno.Unspecified.Wire()
}

func cleanPath(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// reclaim drops table entries whose descriptor page has been marked
// dead by the client. The mark is written right before the closing
// flush is sent, so by the time any later request is being served here
// the write is visible.
func (s *Server) reclaim() {
	for id, o := range s.opens {
		if fsproto.ViewFd(o.fd).DevID() == 0 {
			delete(s.opens, id)
		}
	}
}

func (s *Server) lookup(fileid int32) (*openFile, error) {
	o, ok := s.opens[fileid]
	if !ok {
		return nil, errno.Inval
	}
	return o, nil
}

func (s *Server) serveOpen(whom ipc.EnvID, pg *ipc.Page) (*ipc.Page, error) {
	req := fsproto.ViewOpen(pg)
	p, mode := req.Path(), req.Mode()
	s.log.Debugf("serve_open %08x %s 0x%x", whom, p, mode)

	s.reclaim()
	if len(s.opens) >= serverMaxOpen {
		return nil, errno.MaxOpen
	}

	np := cleanPath(p)
	f, ok := s.files[np]
	switch {
	case ok && mode&(fsproto.O_CREATE|fsproto.O_MKDIR) != 0 && mode&fsproto.O_EXCL != 0:
		return nil, errno.FileExists
	case !ok && mode&(fsproto.O_CREATE|fsproto.O_MKDIR) == 0:
		return nil, errno.NotFound
	case !ok:
		parent, pok := s.files[path.Dir(np)]
		if !pok || !parent.isDir {
			return nil, errno.NotFound
		}
		f = &file{name: path.Base(np), isDir: mode&fsproto.O_MKDIR != 0}
		s.files[np] = f
	}
	if f.isDir && mode.Access() != fsproto.O_RDONLY {
		return nil, errno.Inval
	}
	if mode&fsproto.O_TRUNC != 0 {
		f.data = nil
	}

	id := s.nextID
	s.nextID++
	fdpg := new(ipc.Page)
	fd := fsproto.ViewFd(fdpg)
	fd.SetDevID(fsproto.DevFile)
	fd.SetOffset(0)
	fd.SetMode(mode)
	fd.SetFileID(id)
	s.opens[id] = &openFile{file: f, fd: fdpg, mode: mode}
	return fdpg, nil
}

func (s *Server) serveSetSize(whom ipc.EnvID, pg *ipc.Page) error {
	req := fsproto.ViewSetSize(pg)
	s.log.Debugf("serve_set_size %08x %08x %d", whom, req.FileID(), req.Size())
	o, err := s.lookup(req.FileID())
	if err != nil {
		return err
	}
	size := req.Size()
	if size < 0 {
		return errno.Inval
	}
	if size > maxFileSize {
		return errno.NoDisk
	}
	o.file.data = resize(o.file.data, int(size))
	return nil
}

func (s *Server) serveRead(whom ipc.EnvID, pg *ipc.Page) (int32, error) {
	req := fsproto.ViewRead(pg)
	s.log.Debugf("serve_read %08x %08x", whom, req.FileID())
	o, err := s.lookup(req.FileID())
	if err != nil {
		return 0, err
	}
	n := req.N()
	if n > fsproto.PageSize {
		n = fsproto.PageSize
	}
	fd := fsproto.ViewFd(o.fd)
	off := fd.Offset()
	if off < 0 {
		return 0, errno.Inval
	}
	if int(off) >= len(o.file.data) {
		return 0, nil
	}
	avail := o.file.data[off:]
	if int(n) < len(avail) {
		avail = avail[:n]
	}
	cnt := fsproto.ViewReadRet(pg).SetData(avail)
	fd.SetOffset(off + int32(cnt))
	return int32(cnt), nil
}

func (s *Server) serveWrite(whom ipc.EnvID, pg *ipc.Page) (int32, error) {
	req := fsproto.ViewWrite(pg)
	s.log.Debugf("serve_write %08x %08x %d", whom, req.FileID(), req.N())
	o, err := s.lookup(req.FileID())
	if err != nil {
		return 0, err
	}
	b := req.Data()
	fd := fsproto.ViewFd(o.fd)
	off := fd.Offset()
	if off < 0 {
		return 0, errno.Inval
	}
	end := int(off) + len(b)
	if end > maxFileSize {
		return 0, errno.NoDisk
	}
	if end > len(o.file.data) {
		o.file.data = resize(o.file.data, end)
	}
	copy(o.file.data[off:], b)
	fd.SetOffset(off + int32(len(b)))
	return int32(len(b)), nil
}

func (s *Server) serveStat(whom ipc.EnvID, pg *ipc.Page) error {
	req := fsproto.ViewStat(pg)
	s.log.Debugf("serve_stat %08x %08x", whom, req.FileID())
	o, err := s.lookup(req.FileID())
	if err != nil {
		return err
	}
	ret := fsproto.ViewStatRet(pg)
	ret.SetName(o.file.name)
	ret.SetSize(int32(len(o.file.data)))
	ret.SetIsDir(o.file.isDir)
	return nil
}

func (s *Server) serveFlush(whom ipc.EnvID, pg *ipc.Page) error {
	req := fsproto.ViewFlush(pg)
	s.log.Debugf("serve_flush %08x %08x", whom, req.FileID())
	_, err := s.lookup(req.FileID())
	return err
}

func (s *Server) serveRemove(whom ipc.EnvID, pg *ipc.Page) error {
	req := fsproto.ViewRemove(pg)
	p := req.Path()
	s.log.Debugf("serve_remove %08x %s", whom, p)
	np := cleanPath(p)
	if np == "/" {
		return errno.Inval
	}
	f, ok := s.files[np]
	if !ok {
		return errno.NotFound
	}
	if f.isDir {
		prefix := np + "/"
		for name := range s.files {
			if strings.HasPrefix(name, prefix) {
				return errno.Inval
			}
		}
	}
	delete(s.files, np)
	return nil
}

// resize grows or shrinks b to n bytes, zero-filling new space.
func resize(b []byte, n int) []byte {
	if n <= len(b) {
		return b[:n]
	}
	if n <= cap(b) {
		grown := b[:n]
		for i := len(b); i < n; i++ {
			grown[i] = 0
		}
		return grown
	}
	grown := make([]byte, n)
	copy(grown, b)
	return grown
}
