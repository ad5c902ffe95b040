package vaultlib

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"sort"
	"strings"
	"time"
)

// chunkSize bounds how much instance data is hashed between context checks.
const chunkSize = 256 * 1024

// VerificationMode selects how a transfer is confirmed before Completed.
type VerificationMode string

const (
	// VerifySkip trusts the transport result.
	VerifySkip VerificationMode = "skip"
	// VerifySimple compares the remote image count with the local one.
	VerifySimple VerificationMode = "simple"
	// VerifyFull compares the remote content fingerprint with the local one.
	VerifyFull VerificationMode = "full"
)

// ParseVerificationMode parses a mode name. The empty string means full.
func ParseVerificationMode(s string) (VerificationMode, error) {
	switch VerificationMode(strings.ToLower(s)) {
	case "", VerifyFull, "advanced":
		return VerifyFull, nil
	case VerifySimple:
		return VerifySimple, nil
	case VerifySkip:
		return VerifySkip, nil
	}
	return "", fmt.Errorf("unknown verification mode %q", s)
}

// RemoteVerifier inspects what a destination holds for a study.
type RemoteVerifier interface {
	// RemoteImageCount returns the number of instances stored remotely.
	RemoteImageCount(ctx context.Context, dest BackupDestination, studyUID string) (int, error)
}

// RemoteFingerprinter is implemented by verifiers that can read the stored
// bytes back and fingerprint them.
type RemoteFingerprinter interface {
	RemoteFingerprint(ctx context.Context, dest BackupDestination, study *Study) (string, error)
}

// FingerprintHasher returns the hash used for content fingerprints.
func FingerprintHasher() hash.Hash {
	return sha256.New()
}

// Fingerprint computes the SHA-256 digest over the study's instance data in
// series/instance order. The result does not depend on the order in which
// the catalog enumerated the instances.
func Fingerprint(ctx context.Context, study *Study) (string, error) {
	if len(study.Instances) == 0 {
		return "", ErrEmptyStudy
	}
	h := FingerprintHasher()
	for _, in := range study.OrderedInstances() {
		if err := hashInstance(ctx, h, in); err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// FingerprintReaders hashes already ordered streams the same way Fingerprint
// does. Used by verifiers reading data back from a destination.
func FingerprintReaders(ctx context.Context, readers []io.Reader) (string, error) {
	if len(readers) == 0 {
		return "", ErrEmptyStudy
	}
	h := FingerprintHasher()
	for _, r := range readers {
		if err := copyChunks(ctx, h, r); err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashInstance(ctx context.Context, w io.Writer, in Instance) error {
	if in.Open == nil {
		return fmt.Errorf("instance %s: no data source", in.SOPInstanceUID)
	}
	rc, err := in.Open()
	if err != nil {
		return fmt.Errorf("instance %s: %w", in.SOPInstanceUID, err)
	}
	defer rc.Close()
	return copyChunks(ctx, w, rc)
}

func copyChunks(ctx context.Context, w io.Writer, r io.Reader) error {
	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Validator confirms transferred studies.
type Validator struct {
	mode   VerificationMode
	remote RemoteVerifier
}

// NewValidator creates a validator. remote may be nil, in which case simple
// and full verification only check local consistency.
func NewValidator(mode VerificationMode, remote RemoteVerifier) *Validator {
	if mode == "" {
		mode = VerifyFull
	}
	return &Validator{mode: mode, remote: remote}
}

// Mode returns the configured verification mode.
func (v *Validator) Mode() VerificationMode {
	return v.mode
}

// ValidateIntegrity recomputes the study fingerprint and compares it with
// expected. A mismatch is a ContentIntegrityMismatch failure.
func (v *Validator) ValidateIntegrity(ctx context.Context, study *Study, expected string) (string, error) {
	fp, err := Fingerprint(ctx, study)
	if err != nil {
		return "", err
	}
	if expected != "" && !strings.EqualFold(fp, expected) {
		return fp, NewTransferError(KindContentIntegrityMismatch, "", "verify",
			fmt.Errorf("%w: study %s expected %s got %s", ErrFingerprintMismatch, study.UID, expected, fp))
	}
	return fp, nil
}

// Verify confirms that dest holds study after a successful transport call.
// localFP is the fingerprint computed before sending; it is returned as the
// item's fingerprint on success.
func (v *Validator) Verify(ctx context.Context, dest BackupDestination, study *Study, localFP string) error {
	switch v.mode {
	case VerifySkip:
		return nil
	case VerifySimple:
		if v.remote == nil {
			return nil
		}
		n, err := v.remote.RemoteImageCount(ctx, dest, study.UID)
		if err != nil {
			return NewTransferError(KindOf(err), dest.ID, "verify", err)
		}
		if n != study.ImageCount() {
			return NewTransferError(KindContentIntegrityMismatch, dest.ID, "verify",
				fmt.Errorf("%w: study %s has %d images, destination has %d", ErrImageCountMismatch, study.UID, study.ImageCount(), n))
		}
		return nil
	default:
		if rf, ok := v.remote.(RemoteFingerprinter); ok {
			remoteFP, err := rf.RemoteFingerprint(ctx, dest, study)
			if errors.Is(err, ErrReadBackUnsupported) {
				return v.verifyLocal(ctx, dest, study, localFP)
			}
			if err != nil {
				return NewTransferError(KindOf(err), dest.ID, "verify", err)
			}
			if !strings.EqualFold(remoteFP, localFP) {
				return NewTransferError(KindContentIntegrityMismatch, dest.ID, "verify",
					fmt.Errorf("%w: study %s local %s remote %s", ErrFingerprintMismatch, study.UID, localFP, remoteFP))
			}
			return nil
		}
		return v.verifyLocal(ctx, dest, study, localFP)
	}
}

// verifyLocal is full verification for destinations that cannot return the
// stored bytes: the image count must match when the remote can report it,
// and the source must still hash to what was sent.
func (v *Validator) verifyLocal(ctx context.Context, dest BackupDestination, study *Study, localFP string) error {
	if v.remote != nil {
		n, err := v.remote.RemoteImageCount(ctx, dest, study.UID)
		if err != nil {
			return NewTransferError(KindOf(err), dest.ID, "verify", err)
		}
		if n != study.ImageCount() {
			return NewTransferError(KindContentIntegrityMismatch, dest.ID, "verify",
				fmt.Errorf("%w: study %s has %d images, destination has %d", ErrImageCountMismatch, study.UID, study.ImageCount(), n))
		}
	}
	_, err := v.ValidateIntegrity(ctx, study, localFP)
	return err
}

// SeriesManifest describes one series of a study manifest.
type SeriesManifest struct {
	SeriesUID    string `json:"seriesUid"`
	SeriesNumber int    `json:"seriesNumber"`
	Images       int    `json:"images"`
	Bytes        int64  `json:"bytes"`
	Hash         string `json:"hash"`
}

// StudyManifest is a per-series description of a study's content.
type StudyManifest struct {
	StudyUID    string           `json:"studyUid"`
	PatientName string           `json:"patientName,omitempty"`
	Modality    string           `json:"modality,omitempty"`
	Fingerprint string           `json:"fingerprint"`
	TotalImages int              `json:"totalImages"`
	TotalBytes  int64            `json:"totalBytes"`
	Series      []SeriesManifest `json:"series"`
	Compression string           `json:"compression,omitempty"`
	GeneratedAt time.Time        `json:"generatedAt"`
}

// GenerateManifest hashes every series of study on its own and the whole
// study as one fingerprint.
func GenerateManifest(ctx context.Context, study *Study) (*StudyManifest, error) {
	if len(study.Instances) == 0 {
		return nil, ErrEmptyStudy
	}
	type seriesAcc struct {
		m SeriesManifest
		h hash.Hash
	}
	whole := FingerprintHasher()
	bySeries := make(map[string]*seriesAcc)
	var order []string
	for _, in := range study.OrderedInstances() {
		key := fmt.Sprintf("%d|%s", in.SeriesNumber, in.SeriesUID)
		acc, ok := bySeries[key]
		if !ok {
			acc = &seriesAcc{
				m: SeriesManifest{SeriesUID: in.SeriesUID, SeriesNumber: in.SeriesNumber},
				h: FingerprintHasher(),
			}
			bySeries[key] = acc
			order = append(order, key)
		}
		if err := hashInstance(ctx, io.MultiWriter(whole, acc.h), in); err != nil {
			return nil, err
		}
		acc.m.Images++
		acc.m.Bytes += in.Size
	}
	m := &StudyManifest{
		StudyUID:    study.UID,
		PatientName: study.PatientName,
		Modality:    study.Modality,
		Fingerprint: hex.EncodeToString(whole.Sum(nil)),
		GeneratedAt: time.Now().UTC(),
	}
	for _, key := range order {
		acc := bySeries[key]
		acc.m.Hash = hex.EncodeToString(acc.h.Sum(nil))
		m.Series = append(m.Series, acc.m)
		m.TotalImages += acc.m.Images
		m.TotalBytes += acc.m.Bytes
	}
	return m, nil
}

// ValidateManifest regenerates the manifest of study and lists the series
// whose hash or image count differs from m. An empty result means the
// study still matches.
func ValidateManifest(ctx context.Context, study *Study, m *StudyManifest) ([]string, error) {
	current, err := GenerateManifest(ctx, study)
	if err != nil {
		return nil, err
	}
	want := make(map[string]SeriesManifest, len(m.Series))
	for _, s := range m.Series {
		want[s.SeriesUID] = s
	}
	var diffs []string
	seen := make(map[string]bool)
	for _, s := range current.Series {
		seen[s.SeriesUID] = true
		w, ok := want[s.SeriesUID]
		switch {
		case !ok:
			diffs = append(diffs, fmt.Sprintf("series %s: not in manifest", s.SeriesUID))
		case w.Images != s.Images:
			diffs = append(diffs, fmt.Sprintf("series %s: %d images, manifest has %d", s.SeriesUID, s.Images, w.Images))
		case !strings.EqualFold(w.Hash, s.Hash):
			diffs = append(diffs, fmt.Sprintf("series %s: hash changed", s.SeriesUID))
		}
	}
	for uid := range want {
		if !seen[uid] {
			diffs = append(diffs, fmt.Sprintf("series %s: missing", uid))
		}
	}
	sort.Strings(diffs)
	return diffs, nil
}

// BackupManifest lists the studies a backup run stored at a destination.
type BackupManifest struct {
	Destination string           `json:"destination"`
	CreatedAt   time.Time        `json:"createdAt"`
	Studies     []*StudyManifest `json:"studies"`
}

// WriteJSON encodes the manifest with indentation.
func (b *BackupManifest) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(b)
}
