package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/sftp"
	"github.com/warpdl/warpvault/pkg/vaultlib"
	"golang.org/x/crypto/ssh"
)

// sftpDialer opens SFTP sessions for sftp:// destinations.
type sftpDialer struct {
	opts Options
	net  *netDialer
}

func newSFTPDialer(opts Options, nd *netDialer) *sftpDialer {
	return &sftpDialer{opts: opts, net: nd}
}

func (d *sftpDialer) Dial(ctx context.Context, dest vaultlib.BackupDestination) (Session, error) {
	user, password, err := destinationUser(dest, d.opts.Secrets)
	if err != nil {
		return nil, err
	}
	auth, err := sshAuthMethods(password, d.opts.SSHKeyPath)
	if err != nil {
		return nil, vaultlib.NewTransferError(vaultlib.KindAuthenticationFailure, dest.ID, "sftp:auth", err)
	}
	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: tofuHostKeyCallback(d.opts.KnownHostsPath),
		Timeout:         d.opts.DialTimeout,
	}
	addr := dest.Address()
	conn, err := d.net.DialContext(ctx, addr)
	if err != nil {
		return nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	sshClient := ssh.NewClient(c, chans, reqs)
	client, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, err
	}
	return &sftpSession{ssh: sshClient, c: client}, nil
}

// sshAuthMethods prefers the password and falls back to a private key file.
func sshAuthMethods(password, keyPath string) ([]ssh.AuthMethod, error) {
	if password != "" {
		return []ssh.AuthMethod{ssh.Password(password)}, nil
	}
	paths := []string{keyPath}
	if keyPath == "" {
		home, _ := os.UserHomeDir()
		paths = []string{filepath.Join(home, ".ssh", "id_ed25519"), filepath.Join(home, ".ssh", "id_rsa")}
	}
	for _, p := range paths {
		pem, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			var ppErr *ssh.PassphraseMissingError
			if errors.As(err, &ppErr) {
				return nil, fmt.Errorf("ssh key %q is passphrase-protected", p)
			}
			continue
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	return nil, errors.New("no password stored and no usable ssh key found")
}

type sftpSession struct {
	ssh *ssh.Client
	c   *sftp.Client
}

func (s *sftpSession) MkdirAll(dir string) error {
	return s.c.MkdirAll(dir)
}

func (s *sftpSession) Create(name string) (io.WriteCloser, error) {
	return s.c.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
}

func (s *sftpSession) Open(name string) (io.ReadCloser, error) {
	return s.c.Open(name)
}

// Rename uses the posix-rename extension when the server offers it, which
// replaces the target atomically.
func (s *sftpSession) Rename(oldname, newname string) error {
	if _, ok := s.c.HasExtension("posix-rename@openssh.com"); ok {
		return s.c.PosixRename(oldname, newname)
	}
	if err := s.c.Remove(newname); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return s.c.Rename(oldname, newname)
}

func (s *sftpSession) Remove(name string) error {
	return s.c.Remove(name)
}

func (s *sftpSession) List(dir string) ([]Entry, error) {
	infos, err := s.c.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(infos))
	for _, fi := range infos {
		out = append(out, Entry{Name: fi.Name(), Dir: fi.IsDir(), Size: fi.Size()})
	}
	return out, nil
}

func (s *sftpSession) Close() error {
	s.c.Close()
	return s.ssh.Close()
}
