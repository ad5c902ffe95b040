package verify

import (
	"context"
	"time"

	"github.com/warpdl/warpvault/pkg/vaultlib"
)

// Bounded limits every verification call of a verifier to a timeout. It
// forwards RemoteFingerprint when the wrapped verifier supports it and
// reports vaultlib.ErrReadBackUnsupported otherwise.
type Bounded struct {
	v       vaultlib.RemoteVerifier
	timeout time.Duration
}

var (
	_ vaultlib.RemoteVerifier      = (*Bounded)(nil)
	_ vaultlib.RemoteFingerprinter = (*Bounded)(nil)
)

// WithTimeout wraps v. A timeout <= 0 disables the bound.
func WithTimeout(v vaultlib.RemoteVerifier, timeout time.Duration) *Bounded {
	return &Bounded{v: v, timeout: timeout}
}

func (b *Bounded) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	if b.timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, b.timeout)
}

func (b *Bounded) RemoteImageCount(ctx context.Context, dest vaultlib.BackupDestination, studyUID string) (int, error) {
	ctx, cancel := b.ctx(ctx)
	defer cancel()
	return b.v.RemoteImageCount(ctx, dest, studyUID)
}

func (b *Bounded) RemoteFingerprint(ctx context.Context, dest vaultlib.BackupDestination, study *vaultlib.Study) (string, error) {
	rf, ok := b.v.(vaultlib.RemoteFingerprinter)
	if !ok {
		return "", vaultlib.ErrReadBackUnsupported
	}
	ctx, cancel := b.ctx(ctx)
	defer cancel()
	return rf.RemoteFingerprint(ctx, dest, study)
}
