package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"os"
	"path"
	"strings"

	"github.com/jlaffaye/ftp"
	"github.com/warpdl/warpvault/pkg/vaultlib"
)

// ftpDialer opens sessions for ftp:// and ftps:// destinations. ftps uses
// explicit TLS (AUTH TLS).
type ftpDialer struct {
	opts Options
	net  *netDialer
	// tlsConfig overrides the client TLS settings. Tests use it to trust a
	// self-signed server.
	tlsConfig *tls.Config
}

func newFTPDialer(opts Options, nd *netDialer) *ftpDialer {
	return &ftpDialer{opts: opts, net: nd}
}

func (d *ftpDialer) Dial(ctx context.Context, dest vaultlib.BackupDestination) (Session, error) {
	user, password, err := destinationUser(dest, d.opts.Secrets)
	if err != nil {
		return nil, err
	}
	if user == "" {
		user, password = "anonymous", "anonymous"
	}
	dialOpts := []ftp.DialOption{
		ftp.DialWithTimeout(d.opts.DialTimeout),
		ftp.DialWithContext(ctx),
		ftp.DialWithDialFunc(func(network, address string) (net.Conn, error) {
			return d.net.DialContext(ctx, address)
		}),
	}
	if dest.Scheme() == "ftps" {
		cfg := d.tlsConfig
		if cfg == nil {
			cfg = &tls.Config{ServerName: dest.Host, MinVersion: tls.VersionTLS12}
		}
		dialOpts = append(dialOpts, ftp.DialWithExplicitTLS(cfg))
	}
	conn, err := ftp.Dial(dest.Address(), dialOpts...)
	if err != nil {
		return nil, err
	}
	if err := conn.Login(user, password); err != nil {
		conn.Quit()
		return nil, err
	}
	if err := conn.Type(ftp.TransferTypeBinary); err != nil {
		conn.Quit()
		return nil, err
	}
	return &ftpSession{c: conn}, nil
}

type ftpSession struct {
	c *ftp.ServerConn
}

// MkdirAll creates every missing element of dir. MKD of an existing
// directory fails on most servers, so errors are only reported when the
// final directory cannot be listed.
func (s *ftpSession) MkdirAll(dir string) error {
	dir = path.Clean("/" + dir)
	cur := ""
	for _, part := range strings.Split(strings.TrimPrefix(dir, "/"), "/") {
		if part == "" {
			continue
		}
		cur += "/" + part
		_ = s.c.MakeDir(cur)
	}
	if _, err := s.c.List(dir); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return nil
}

// Create streams the written bytes to STOR through a pipe. Close waits for
// the server to confirm the upload.
func (s *ftpSession) Create(name string) (io.WriteCloser, error) {
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		err := s.c.Stor(name, pr)
		pr.CloseWithError(err)
		done <- err
	}()
	return &ftpUpload{pw: pw, done: done}, nil
}

type ftpUpload struct {
	pw   *io.PipeWriter
	done chan error
}

func (u *ftpUpload) Write(p []byte) (int, error) {
	return u.pw.Write(p)
}

func (u *ftpUpload) Close() error {
	u.pw.Close()
	return <-u.done
}

func (s *ftpSession) Open(name string) (io.ReadCloser, error) {
	r, err := s.c.Retr(name)
	if err != nil {
		return nil, notExist(err)
	}
	return r, nil
}

func (s *ftpSession) Rename(oldname, newname string) error {
	_ = s.c.Delete(newname)
	return s.c.Rename(oldname, newname)
}

func (s *ftpSession) Remove(name string) error {
	err := s.c.Delete(name)
	if err == nil {
		return nil
	}
	if derr := s.c.RemoveDir(name); derr == nil {
		return nil
	}
	return err
}

func (s *ftpSession) List(dir string) ([]Entry, error) {
	entries, err := s.c.List(dir)
	if err != nil {
		return nil, notExist(err)
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		switch e.Type {
		case ftp.EntryTypeFolder:
			out = append(out, Entry{Name: e.Name, Dir: true})
		case ftp.EntryTypeFile:
			out = append(out, Entry{Name: e.Name, Size: int64(e.Size)})
		}
	}
	return out, nil
}

func (s *ftpSession) Close() error {
	return s.c.Quit()
}

// notExist marks a 550 reply on a read as a missing file.
func notExist(err error) error {
	var tp *textproto.Error
	if errors.As(err, &tp) && tp.Code == ftp.StatusFileUnavailable {
		return fmt.Errorf("%w: %v", os.ErrNotExist, err)
	}
	return err
}
