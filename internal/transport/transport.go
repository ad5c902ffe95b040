// Package transport stores studies on remote archives. Every destination
// scheme is a Dialer producing a Session over the destination's file tree;
// FileTransport runs the shared study layout on top of any Session.
//
// Layout under the destination base path:
//
//	<study uid>/<series number>_<series uid>/<instance number>_<sop uid>.dcm
//	<study uid>/manifest.json
//
// Instances are written as .part files and renamed when complete, so a
// listing never counts a partially stored instance.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/warpdl/warpvault/pkg/vaultlib"
)

// Entry is one name in a remote directory listing.
type Entry struct {
	Name string
	Dir  bool
	Size int64
}

// Session is an open connection to the file tree of one destination.
// Sessions are used by one goroutine at a time.
type Session interface {
	MkdirAll(dir string) error
	Create(name string) (io.WriteCloser, error)
	Open(name string) (io.ReadCloser, error)
	// Rename replaces newname if it exists.
	Rename(oldname, newname string) error
	// Remove deletes a file or an empty directory.
	Remove(name string) error
	List(dir string) ([]Entry, error)
	Close() error
}

// Dialer opens sessions for one family of URL schemes.
type Dialer interface {
	Dial(ctx context.Context, dest vaultlib.BackupDestination) (Session, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, dest vaultlib.BackupDestination) (Session, error)

func (f DialerFunc) Dial(ctx context.Context, dest vaultlib.BackupDestination) (Session, error) {
	return f(ctx, dest)
}

// FileTransport stores studies through sessions of a Dialer and reads them
// back for verification.
type FileTransport struct {
	proto  string
	dialer Dialer
}

var (
	_ vaultlib.Transport           = (*FileTransport)(nil)
	_ vaultlib.RemoteVerifier      = (*FileTransport)(nil)
	_ vaultlib.RemoteFingerprinter = (*FileTransport)(nil)
)

// NewFileTransport creates a transport named proto over dialer.
func NewFileTransport(proto string, dialer Dialer) *FileTransport {
	return &FileTransport{proto: proto, dialer: dialer}
}

// BasePath returns the archive directory of dest taken from its URL path.
func BasePath(dest vaultlib.BackupDestination) (string, error) {
	u, err := url.Parse(dest.URL)
	if err != nil {
		return "", vaultlib.NewTransferError(vaultlib.KindConfigurationInvalid, dest.ID, "configure", err)
	}
	p := u.Path
	if p == "" {
		p = "/"
	}
	return path.Clean(p), nil
}

func (t *FileTransport) open(ctx context.Context, dest vaultlib.BackupDestination, op string) (Session, string, error) {
	base, err := BasePath(dest)
	if err != nil {
		return nil, "", err
	}
	s, err := t.dialer.Dial(ctx, dest)
	if err != nil {
		return nil, "", classify(t.proto, dest.ID, op+":connect", err)
	}
	return s, base, nil
}

// Send stores req.Study under the destination base path.
func (t *FileTransport) Send(ctx context.Context, req vaultlib.SendRequest) (vaultlib.SendResult, error) {
	if req.Study == nil {
		return vaultlib.SendResult{}, vaultlib.ErrEmptyStudy
	}
	s, base, err := t.open(ctx, req.Destination, "send")
	if err != nil {
		return vaultlib.SendResult{}, err
	}
	defer s.Close()

	w := &studyWriter{
		s:       s,
		dir:     StudyDir(base, req.Study.UID),
		made:    make(map[string]bool),
		written: make(map[string]bool),
	}
	if err := s.MkdirAll(w.dir); err != nil {
		return vaultlib.SendResult{}, classify(t.proto, req.Destination.ID, "send:mkdir", err)
	}
	res, err := vaultlib.SendStudy(ctx, req, w)
	if err != nil {
		return res, classify(t.proto, req.Destination.ID, "send", err)
	}
	return res, nil
}

// RemoteImageCount counts the complete instance files stored for a study.
func (t *FileTransport) RemoteImageCount(ctx context.Context, dest vaultlib.BackupDestination, studyUID string) (int, error) {
	s, base, err := t.open(ctx, dest, "count")
	if err != nil {
		return 0, err
	}
	defer s.Close()
	files, err := listInstances(s, StudyDir(base, studyUID))
	if err != nil {
		return 0, classify(t.proto, dest.ID, "count", err)
	}
	return len(files), nil
}

// RemoteFingerprint reads every instance of study back from dest in
// fingerprint order and hashes it.
func (t *FileTransport) RemoteFingerprint(ctx context.Context, dest vaultlib.BackupDestination, study *vaultlib.Study) (string, error) {
	s, base, err := t.open(ctx, dest, "fingerprint")
	if err != nil {
		return "", err
	}
	defer s.Close()

	h := vaultlib.FingerprintHasher()
	for _, in := range study.OrderedInstances() {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		p := InstancePath(base, study.UID, in)
		rc, err := s.Open(p)
		if err != nil {
			if isNotExist(err) {
				return "", vaultlib.NewTransferError(vaultlib.KindContentIntegrityMismatch, dest.ID, t.proto+":fingerprint",
					fmt.Errorf("instance %s missing at destination: %w", in.SOPInstanceUID, err))
			}
			return "", classify(t.proto, dest.ID, "fingerprint", err)
		}
		_, err = vaultlib.CopyChunks(ctx, h, rc, nil, nil, nil)
		rc.Close()
		if err != nil {
			return "", classify(t.proto, dest.ID, "fingerprint", err)
		}
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// ReadManifest returns the manifest stored with a study.
func (t *FileTransport) ReadManifest(ctx context.Context, dest vaultlib.BackupDestination, studyUID string) (*vaultlib.StudyManifest, error) {
	s, base, err := t.open(ctx, dest, "manifest")
	if err != nil {
		return nil, err
	}
	defer s.Close()
	rc, err := s.Open(path.Join(StudyDir(base, studyUID), ManifestName))
	if err != nil {
		return nil, classify(t.proto, dest.ID, "manifest", err)
	}
	defer rc.Close()
	var m vaultlib.StudyManifest
	if err := json.NewDecoder(rc).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode manifest of %s: %w", studyUID, err)
	}
	return &m, nil
}

// listInstances returns the paths of the complete instance files of a
// study directory, sorted.
func listInstances(s Session, studyDir string) ([]string, error) {
	series, err := s.List(studyDir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, se := range series {
		if !se.Dir {
			continue
		}
		dir := path.Join(studyDir, se.Name)
		files, err := s.List(dir)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			if !f.Dir && strings.HasSuffix(f.Name, InstanceExt) {
				out = append(out, path.Join(dir, f.Name))
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// studyWriter implements vaultlib.StudyWriter on a Session.
type studyWriter struct {
	s       Session
	dir     string
	mu      sync.Mutex
	made    map[string]bool
	written map[string]bool
}

func (w *studyWriter) CreateInstance(_ context.Context, in vaultlib.Instance) (io.WriteCloser, error) {
	seriesDir := path.Join(w.dir, SeriesDirName(in))
	w.mu.Lock()
	made := w.made[seriesDir]
	w.mu.Unlock()
	if !made {
		if err := w.s.MkdirAll(seriesDir); err != nil {
			return nil, err
		}
		w.mu.Lock()
		w.made[seriesDir] = true
		w.mu.Unlock()
	}
	final := path.Join(seriesDir, InstanceName(in))
	part := final + partSuffix
	wc, err := w.s.Create(part)
	if err != nil {
		return nil, err
	}
	return &partFile{w: w, wc: wc, part: part, final: final, want: in.Size}, nil
}

// Finish stores the manifest and removes instance files left over from
// earlier versions of the study.
func (w *studyWriter) Finish(_ context.Context, m *vaultlib.StudyManifest) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m); err != nil {
		return err
	}
	final := path.Join(w.dir, ManifestName)
	part := final + partSuffix
	wc, err := w.s.Create(part)
	if err != nil {
		return err
	}
	if _, err := wc.Write(buf.Bytes()); err != nil {
		wc.Close()
		w.s.Remove(part)
		return err
	}
	if err := wc.Close(); err != nil {
		w.s.Remove(part)
		return err
	}
	if err := w.s.Rename(part, final); err != nil {
		return err
	}
	return w.prune()
}

func (w *studyWriter) prune() error {
	series, err := w.s.List(w.dir)
	if err != nil {
		return err
	}
	for _, se := range series {
		if !se.Dir {
			continue
		}
		dir := path.Join(w.dir, se.Name)
		files, err := w.s.List(dir)
		if err != nil {
			return err
		}
		for _, f := range files {
			p := path.Join(dir, f.Name)
			if !f.Dir && !w.written[p] {
				if err := w.s.Remove(p); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// partFile promotes a .part file to its final name on Close when the
// expected number of bytes was written. Short files are discarded.
type partFile struct {
	w     *studyWriter
	wc    io.WriteCloser
	part  string
	final string
	want  int64
	n     int64
}

func (f *partFile) Write(p []byte) (int, error) {
	n, err := f.wc.Write(p)
	f.n += int64(n)
	return n, err
}

func (f *partFile) Close() error {
	if err := f.wc.Close(); err != nil {
		f.w.s.Remove(f.part)
		return err
	}
	if f.want > 0 && f.n != f.want {
		f.w.s.Remove(f.part)
		return fmt.Errorf("%s: wrote %d of %d bytes: %w", path.Base(f.final), f.n, f.want, io.ErrUnexpectedEOF)
	}
	if err := f.w.s.Rename(f.part, f.final); err != nil {
		return err
	}
	f.w.mu.Lock()
	f.w.written[f.final] = true
	f.w.mu.Unlock()
	return nil
}

func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
