// Package verify holds remote verifiers that confirm what a destination
// stored after a transfer.
package verify

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/warpdl/warpvault/internal/transport"
	"github.com/warpdl/warpvault/pkg/vaultlib"
)

// FindSCUOptions configures FindSCU.
type FindSCUOptions struct {
	// Binary is the findscu executable. Defaults to "findscu" on PATH.
	Binary    string
	CallingAE string
	Run       transport.Runner
}

// FindSCU counts the instances a DICOM archive holds for a study with a
// study level C-FIND through the DCMTK findscu tool.
type FindSCU struct {
	opts FindSCUOptions
}

var _ vaultlib.RemoteVerifier = (*FindSCU)(nil)

// NewFindSCU creates a C-FIND verifier.
func NewFindSCU(opts FindSCUOptions) *FindSCU {
	if opts.Binary == "" {
		opts.Binary = "findscu"
	}
	if opts.CallingAE == "" {
		opts.CallingAE = transport.DEF_CALLING_AE
	}
	if opts.Run == nil {
		opts.Run = transport.ExecRunner
	}
	return &FindSCU{opts: opts}
}

// NumberOfStudyRelatedInstances in the response dataset.
var instancesTag = regexp.MustCompile(`\(0020,1208\)\s+IS\s+\[\s*(\d+)\s*\]`)

// RemoteImageCount implements vaultlib.RemoteVerifier. A study the archive
// does not know counts zero images.
func (f *FindSCU) RemoteImageCount(ctx context.Context, dest vaultlib.BackupDestination, studyUID string) (int, error) {
	if dest.AETitle == "" {
		return 0, vaultlib.NewTransferError(vaultlib.KindConfigurationInvalid, dest.ID, "dicom:find",
			fmt.Errorf("destination %q has no AE title", dest.Name))
	}
	args := []string{
		"-v", "-S",
		"-k", "QueryRetrieveLevel=STUDY",
		"-k", "StudyInstanceUID=" + studyUID,
		"-k", "NumberOfStudyRelatedInstances",
		"-aet", f.opts.CallingAE,
		"-aec", dest.AETitle,
		dest.Host, strconv.Itoa(dest.Port),
	}
	out, err := f.opts.Run(ctx, f.opts.Binary, args...)
	if err != nil {
		return 0, vaultlib.NewTransferError(transport.DCMTKErrorKind(string(out), err), dest.ID, "dicom:find",
			fmt.Errorf("%w: %s", err, lastLine(out)))
	}
	return ParseInstanceCount(string(out))
}

// ParseInstanceCount extracts NumberOfStudyRelatedInstances from findscu
// output. Several responses for one study UID are an error.
func ParseInstanceCount(out string) (int, error) {
	m := instancesTag.FindAllStringSubmatch(out, -1)
	switch len(m) {
	case 0:
		return 0, nil
	case 1:
		return strconv.Atoi(m[0][1])
	}
	return 0, fmt.Errorf("findscu returned %d matches for one study", len(m))
}

func lastLine(out []byte) string {
	s := strings.TrimSpace(string(out))
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
