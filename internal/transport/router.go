package transport

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/warpdl/warpvault/pkg/vaultlib"
)

// Router dispatches transfers and verification to the transport of each
// destination's URL scheme.
type Router struct {
	senders   map[string]vaultlib.Transport
	verifiers map[string]vaultlib.RemoteVerifier
	files     map[string]*FileTransport
}

var (
	_ vaultlib.Transport           = (*Router)(nil)
	_ vaultlib.RemoteVerifier      = (*Router)(nil)
	_ vaultlib.RemoteFingerprinter = (*Router)(nil)
)

// NewRouter creates a router with the sftp, ftp, ftps and dir transports
// and the storescu sender for dicom destinations. dicom destinations have no
// verifier until one is registered.
func NewRouter(opts Options) (*Router, error) {
	opts.applyDefaults()
	nd, err := newNetDialer(opts.Proxy, opts.DialTimeout)
	if err != nil {
		return nil, err
	}
	r := &Router{
		senders:   make(map[string]vaultlib.Transport),
		verifiers: make(map[string]vaultlib.RemoteVerifier),
		files:     make(map[string]*FileTransport),
	}
	r.Register("sftp", NewFileTransport("sftp", newSFTPDialer(opts, nd)))
	ftpT := NewFileTransport("ftp", newFTPDialer(opts, nd))
	r.Register("ftp", ftpT)
	r.Register("ftps", ftpT)
	r.Register("dir", NewFileTransport("dir", &dirDialer{fs: opts.Fs}))
	r.RegisterSender("dicom", NewStoreSCU(opts.DICOM))
	return r, nil
}

// Register routes a scheme to a file transport for sending and
// verification.
func (r *Router) Register(scheme string, t *FileTransport) {
	scheme = strings.ToLower(scheme)
	r.senders[scheme] = t
	r.verifiers[scheme] = t
	r.files[scheme] = t
}

// RegisterSender routes the transfers of a scheme to t.
func (r *Router) RegisterSender(scheme string, t vaultlib.Transport) {
	r.senders[strings.ToLower(scheme)] = t
}

// RegisterVerifier routes the verification of a scheme to v.
func (r *Router) RegisterVerifier(scheme string, v vaultlib.RemoteVerifier) {
	r.verifiers[strings.ToLower(scheme)] = v
}

// Schemes returns the schemes that can be sent to, sorted.
func (r *Router) Schemes() []string {
	out := make([]string, 0, len(r.senders))
	for s := range r.senders {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func unsupported(dest vaultlib.BackupDestination, op string, supported []string) error {
	return vaultlib.NewTransferError(vaultlib.KindConfigurationInvalid, dest.ID, op,
		fmt.Errorf("%w %q; supported: %s", ErrUnsupportedScheme, dest.Scheme(), strings.Join(supported, ", ")))
}

// Send implements vaultlib.Transport.
func (r *Router) Send(ctx context.Context, req vaultlib.SendRequest) (vaultlib.SendResult, error) {
	t, ok := r.senders[req.Destination.Scheme()]
	if !ok {
		return vaultlib.SendResult{}, unsupported(req.Destination, "route", r.Schemes())
	}
	return t.Send(ctx, req)
}

// RemoteImageCount implements vaultlib.RemoteVerifier.
func (r *Router) RemoteImageCount(ctx context.Context, dest vaultlib.BackupDestination, studyUID string) (int, error) {
	v, ok := r.verifiers[dest.Scheme()]
	if !ok {
		return 0, unsupported(dest, "verify", r.Schemes())
	}
	return v.RemoteImageCount(ctx, dest, studyUID)
}

// RemoteFingerprint implements vaultlib.RemoteFingerprinter. Schemes whose
// verifier cannot read data back report vaultlib.ErrReadBackUnsupported.
func (r *Router) RemoteFingerprint(ctx context.Context, dest vaultlib.BackupDestination, study *vaultlib.Study) (string, error) {
	v, ok := r.verifiers[dest.Scheme()]
	if !ok {
		return "", unsupported(dest, "verify", r.Schemes())
	}
	rf, ok := v.(vaultlib.RemoteFingerprinter)
	if !ok {
		return "", vaultlib.ErrReadBackUnsupported
	}
	return rf.RemoteFingerprint(ctx, dest, study)
}

// ReadManifest returns the manifest stored with a study at dest.
func (r *Router) ReadManifest(ctx context.Context, dest vaultlib.BackupDestination, studyUID string) (*vaultlib.StudyManifest, error) {
	t, ok := r.files[dest.Scheme()]
	if !ok {
		return nil, vaultlib.ErrReadBackUnsupported
	}
	return t.ReadManifest(ctx, dest, studyUID)
}

// destinationUser returns the login of dest. A password in the URL wins;
// otherwise the stored secret is used. Destinations that require auth fail
// without one.
func destinationUser(dest vaultlib.BackupDestination, secrets Secrets) (string, string, error) {
	u, err := url.Parse(dest.URL)
	if err != nil {
		return "", "", vaultlib.NewTransferError(vaultlib.KindConfigurationInvalid, dest.ID, "configure", err)
	}
	var user, password string
	if u.User != nil {
		user = u.User.Username()
		password, _ = u.User.Password()
	}
	if password != "" {
		return user, password, nil
	}
	if secrets != nil {
		p, serr := secrets.Secret(dest.ID)
		if serr == nil && p != "" {
			return user, p, nil
		}
		if dest.RequiresAuth {
			return "", "", missingSecret(dest, serr)
		}
		return user, "", nil
	}
	if dest.RequiresAuth {
		return "", "", missingSecret(dest, nil)
	}
	return user, "", nil
}
