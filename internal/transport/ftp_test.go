package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"testing"
	"time"

	ftpserver "github.com/fclairamb/ftpserverlib"
	"github.com/spf13/afero"
	"github.com/warpdl/warpvault/pkg/vaultlib"
)

// ftpDriver serves one MemMapFs to a single user.
type ftpDriver struct {
	fs       afero.Fs
	listener net.Listener
	user     string
	pass     string
}

func (d *ftpDriver) GetSettings() (*ftpserver.Settings, error) {
	return &ftpserver.Settings{Listener: d.listener, IdleTimeout: 30}, nil
}

func (d *ftpDriver) ClientConnected(ftpserver.ClientContext) (string, error) {
	return "warpvault test archive", nil
}

func (d *ftpDriver) ClientDisconnected(ftpserver.ClientContext) {}

func (d *ftpDriver) AuthUser(_ ftpserver.ClientContext, user, pass string) (ftpserver.ClientDriver, error) {
	if user == d.user && pass == d.pass {
		return afero.NewBasePathFs(d.fs, "/"), nil
	}
	return nil, fmt.Errorf("invalid credentials")
}

func (d *ftpDriver) GetTLSConfig() (*tls.Config, error) {
	return nil, nil
}

func startFTPServer(t *testing.T, user, pass string) (string, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := ftpserver.NewFtpServer(&ftpDriver{fs: fs, listener: l, user: user, pass: pass})
	go srv.ListenAndServe()
	// wait for the server to be ready
	time.Sleep(100 * time.Millisecond)
	t.Cleanup(func() { srv.Stop() })
	return l.Addr().String(), fs
}

func ftpDestination(t *testing.T, addr string) vaultlib.BackupDestination {
	t.Helper()
	d := vaultlib.BackupDestination{ID: "ftp1", Name: "ftp archive", URL: "ftp://archiver@" + addr + "/pacs", Enabled: true, RequiresAuth: true}
	if err := d.Normalize(); err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	return d
}

// TestFTPSendAndVerify stores a study over FTP and reads it back.
func TestFTPSendAndVerify(t *testing.T) {
	addr, fs := startFTPServer(t, "archiver", "s3cret")
	r, err := NewRouter(Options{Secrets: mapSecrets{"ftp1": "s3cret"}})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	dest := ftpDestination(t, addr)
	st := testStudy("1.2.840.7")
	ctx := context.Background()

	res, err := r.Send(ctx, vaultlib.SendRequest{Destination: dest, Study: st})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Images != 3 || res.Bytes != st.ContentLength() {
		t.Fatalf("unexpected result %+v", res)
	}
	stored := InstancePath("/pacs", st.UID, st.OrderedInstances()[1])
	if body, err := afero.ReadFile(fs, stored); err != nil || string(body) != "second" {
		t.Fatalf("expected stored instance, got %q, %v", body, err)
	}

	n, err := r.RemoteImageCount(ctx, dest, st.UID)
	if err != nil || n != 3 {
		t.Fatalf("RemoteImageCount = %d, %v", n, err)
	}
	want, _ := vaultlib.Fingerprint(ctx, st)
	if got, err := r.RemoteFingerprint(ctx, dest, st); err != nil || got != want {
		t.Fatalf("RemoteFingerprint = %s, %v", got, err)
	}
	if m, err := r.ReadManifest(ctx, dest, st.UID); err != nil || m.StudyUID != st.UID {
		t.Fatalf("ReadManifest = %+v, %v", m, err)
	}

	// resend over existing files
	if _, err := r.Send(ctx, vaultlib.SendRequest{Destination: dest, Study: st}); err != nil {
		t.Fatalf("resend: %v", err)
	}
}

// TestFTPLoginRejected classifies a 530 reply as an authentication failure.
func TestFTPLoginRejected(t *testing.T) {
	addr, _ := startFTPServer(t, "archiver", "s3cret")
	r, err := NewRouter(Options{Secrets: mapSecrets{"ftp1": "wrong"}})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	_, err = r.Send(context.Background(), vaultlib.SendRequest{Destination: ftpDestination(t, addr), Study: testStudy("1")})
	if k := vaultlib.KindOf(err); k != vaultlib.KindAuthenticationFailure {
		t.Fatalf("expected authentication failure, got %v (%v)", k, err)
	}
}

// TestFTPUnreachable classifies a refused connection.
func TestFTPUnreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	r, err := NewRouter(Options{Secrets: mapSecrets{"ftp1": "s3cret"}})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	_, err = r.Send(context.Background(), vaultlib.SendRequest{Destination: ftpDestination(t, addr), Study: testStudy("1")})
	if k := vaultlib.KindOf(err); k != vaultlib.KindDestinationUnreachable {
		t.Fatalf("expected unreachable, got %v (%v)", k, err)
	}
}
