package transport

import (
	"context"
	"io"
	"os"

	"github.com/spf13/afero"
	"github.com/warpdl/warpvault/pkg/vaultlib"
)

// dirDialer serves dir:// destinations, a mounted volume or network share
// reached through the local filesystem.
type dirDialer struct {
	fs afero.Fs
}

func (d *dirDialer) Dial(_ context.Context, _ vaultlib.BackupDestination) (Session, error) {
	return &dirSession{fs: d.fs}, nil
}

type dirSession struct {
	fs afero.Fs
}

func (s *dirSession) MkdirAll(dir string) error {
	return s.fs.MkdirAll(dir, 0o755)
}

func (s *dirSession) Create(name string) (io.WriteCloser, error) {
	return s.fs.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
}

func (s *dirSession) Open(name string) (io.ReadCloser, error) {
	return s.fs.Open(name)
}

func (s *dirSession) Rename(oldname, newname string) error {
	return s.fs.Rename(oldname, newname)
}

func (s *dirSession) Remove(name string) error {
	return s.fs.Remove(name)
}

func (s *dirSession) List(dir string) ([]Entry, error) {
	infos, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(infos))
	for _, fi := range infos {
		out = append(out, Entry{Name: fi.Name(), Dir: fi.IsDir(), Size: fi.Size()})
	}
	return out, nil
}

func (s *dirSession) Close() error {
	return nil
}
