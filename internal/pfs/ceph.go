//go:build ceph

/*
Copyright (C) 2024-2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package pfs

import (
	"bytes"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/ceph/go-ceph/rados"
)

// CephFactory opens a RADOS-backed PFS prefix. Build with -tags=ceph.
type CephFactory struct {
	UserName    string
	ClusterName string
	ConfFile    string
	Pool        string
}

func (f *CephFactory) Open(prefix string) Backend {
	return &CephBackend{factory: f, prefix: strings.TrimSuffix(prefix, "/")}
}

// CephBackend stores every path as one RADOS object in factory.Pool,
// keyed by path.Join(prefix, path) -- there is no directory hierarchy
// to create, so MkdirAll is a no-op, matching the object-store backends.
type CephBackend struct {
	factory *CephFactory
	prefix  string

	mu     sync.Mutex
	conn   *rados.Conn
	ioctx  *rados.IOContext
	opened bool
}

func (b *CephBackend) ensureOpen() *rados.IOContext {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.opened {
		return b.ioctx
	}

	conn, err := rados.NewConnWithClusterAndUser(b.factory.ClusterName, b.factory.UserName)
	if err != nil {
		panic(err)
	}
	if b.factory.ConfFile != "" {
		if err := conn.ReadConfigFile(b.factory.ConfFile); err != nil {
			panic(err)
		}
	} else {
		_ = conn.ReadDefaultConfigFile()
	}
	if err := conn.Connect(); err != nil {
		panic(err)
	}
	ioctx, err := conn.OpenIOContext(b.factory.Pool)
	if err != nil {
		conn.Shutdown()
		panic(err)
	}
	b.conn = conn
	b.ioctx = ioctx
	b.opened = true
	return b.ioctx
}

func (b *CephBackend) obj(p string) string {
	return path.Join(b.prefix, p)
}

func (b *CephBackend) MkdirAll(path string) error { return nil }

func (b *CephBackend) Create(p string) (io.WriteCloser, error) {
	return &cephWriter{b: b, obj: b.obj(p)}, nil
}

func (b *CephBackend) Open(p string) (io.ReadCloser, error) {
	ioctx := b.ensureOpen()
	obj := b.obj(p)
	stat, err := ioctx.Stat(obj)
	if err != nil {
		return nil, err
	}
	data := make([]byte, stat.Size)
	n, err := ioctx.Read(obj, data, 0)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data[:n])), nil
}

func (b *CephBackend) Remove(p string) error {
	ioctx := b.ensureOpen()
	return ioctx.Delete(b.obj(p))
}

func (b *CephBackend) RemoveAll(p string) error {
	ioctx := b.ensureOpen()
	iter, err := ioctx.Iter()
	if err != nil {
		return err
	}
	defer iter.Close()
	prefix := b.obj(p)
	for iter.Next() {
		if strings.HasPrefix(iter.Value(), prefix) {
			ioctx.Delete(iter.Value())
		}
	}
	return nil
}

func (b *CephBackend) Exists(p string) bool {
	ioctx := b.ensureOpen()
	_, err := ioctx.Stat(b.obj(p))
	return err == nil
}

func (b *CephBackend) Symlink(target, linkName string) error {
	ioctx := b.ensureOpen()
	return ioctx.WriteFull(b.obj(linkName), []byte(target))
}

func (b *CephBackend) ReadLink(linkName string) (string, bool) {
	r, err := b.Open(linkName)
	if err != nil {
		return "", false
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return "", false
	}
	return string(data), true
}

type cephWriter struct {
	b   *CephBackend
	obj string
	buf bytes.Buffer
}

func (w *cephWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *cephWriter) Close() error {
	ioctx := w.b.ensureOpen()
	return ioctx.WriteFull(w.obj, w.buf.Bytes())
}
