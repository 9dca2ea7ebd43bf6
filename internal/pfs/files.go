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
	"io"
	"os"
	"path/filepath"
)

// FilesFactory opens a FilesBackend rooted at Basepath/<prefix>.
type FilesFactory struct {
	Basepath string
}

func (f *FilesFactory) Open(prefix string) Backend {
	return &FilesBackend{root: filepath.Join(f.Basepath, prefix)}
}

// FilesBackend is the plain POSIX-filesystem PFS backend: every
// operation is a direct os.* call rooted at root.
type FilesBackend struct {
	root string
}

func (b *FilesBackend) full(path string) string {
	return filepath.Join(b.root, path)
}

func (b *FilesBackend) MkdirAll(path string) error {
	return os.MkdirAll(b.full(path), 0750)
}

func (b *FilesBackend) Create(path string) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(b.full(path)), 0750); err != nil {
		return nil, err
	}
	return os.Create(b.full(path))
}

func (b *FilesBackend) Open(path string) (io.ReadCloser, error) {
	return os.Open(b.full(path))
}

func (b *FilesBackend) Remove(path string) error {
	err := os.Remove(b.full(path))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (b *FilesBackend) RemoveAll(path string) error {
	return os.RemoveAll(b.full(path))
}

func (b *FilesBackend) Exists(path string) bool {
	_, err := os.Stat(b.full(path))
	return err == nil
}

func (b *FilesBackend) Symlink(target, linkName string) error {
	full := b.full(linkName)
	os.Remove(full)
	return os.Symlink(target, full)
}

func (b *FilesBackend) ReadLink(linkName string) (string, bool) {
	target, err := os.Readlink(b.full(linkName))
	if err != nil {
		return "", false
	}
	return target, true
}
