package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/sftp"
	"github.com/warpdl/warpvault/pkg/vaultlib"
)

var (
	ErrUnsupportedScheme = errors.New("unsupported destination scheme")
	ErrMissingSecret     = errors.New("destination requires credentials but none are stored")
)

// classify wraps err in a TransferError carrying the failure kind of a
// remote operation. Errors that already carry a kind, cancellations and
// context errors pass through unchanged.
func classify(proto, destID, op string, err error) error {
	if err == nil {
		return nil
	}
	var te *vaultlib.TransferError
	if errors.As(err, &te) ||
		errors.Is(err, vaultlib.ErrCancelled) ||
		errors.Is(err, context.Canceled) {
		return err
	}
	return vaultlib.NewTransferError(kindOf(err), destID, proto+":"+op, err)
}

func kindOf(err error) vaultlib.ErrorKind {
	if errors.Is(err, ErrMissingSecret) {
		return vaultlib.KindAuthenticationFailure
	}
	// x/crypto/ssh reports failed authentication only as text
	if strings.Contains(err.Error(), "unable to authenticate") {
		return vaultlib.KindAuthenticationFailure
	}
	if strings.Contains(err.Error(), "host key changed") {
		return vaultlib.KindConfigurationInvalid
	}
	kind := vaultlib.ClassifyError(err)
	if kind != vaultlib.KindUnknown {
		return kind
	}
	var st *sftp.StatusError
	if errors.As(err, &st) || errors.Is(err, os.ErrPermission) || errors.Is(err, os.ErrNotExist) {
		return vaultlib.KindDestinationRejected
	}
	return kind
}

func missingSecret(dest vaultlib.BackupDestination, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", ErrMissingSecret, dest.Name)
	}
	return fmt.Errorf("%w: %s: %v", ErrMissingSecret, dest.Name, err)
}
