package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/warpdl/warpvault/pkg/vaultlib"
)

// DEF_CALLING_AE is the application entity title warpvault presents.
const DEF_CALLING_AE = "WARPVAULT"

// DEF_STORE_BATCH is the number of instances passed to one storescu run.
const DEF_STORE_BATCH = 50

// Runner runs an external command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// StoreSCUOptions configures StoreSCU.
type StoreSCUOptions struct {
	// Binary is the storescu executable. Defaults to "storescu" on PATH.
	Binary    string
	CallingAE string
	// TempDir holds staged instances. Defaults to the system temp dir.
	TempDir   string
	BatchSize int
	Run       Runner
}

// StoreSCU sends studies to dicom:// destinations with the DCMTK storescu
// tool. Instances are staged to temporary files in batches so the token and
// bandwidth limit apply while reading the catalog.
type StoreSCU struct {
	opts StoreSCUOptions
}

var _ vaultlib.Transport = (*StoreSCU)(nil)

// NewStoreSCU creates a DICOM C-STORE transport.
func NewStoreSCU(opts StoreSCUOptions) *StoreSCU {
	if opts.Binary == "" {
		opts.Binary = "storescu"
	}
	if opts.CallingAE == "" {
		opts.CallingAE = DEF_CALLING_AE
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DEF_STORE_BATCH
	}
	if opts.Run == nil {
		opts.Run = ExecRunner
	}
	return &StoreSCU{opts: opts}
}

// Send implements vaultlib.Transport.
func (s *StoreSCU) Send(ctx context.Context, req vaultlib.SendRequest) (vaultlib.SendResult, error) {
	study := req.Study
	if study == nil || len(study.Instances) == 0 {
		return vaultlib.SendResult{}, vaultlib.ErrEmptyStudy
	}
	dest := req.Destination
	if dest.AETitle == "" {
		return vaultlib.SendResult{}, vaultlib.NewTransferError(vaultlib.KindConfigurationInvalid, dest.ID, "dicom:configure",
			fmt.Errorf("destination %q has no AE title", dest.Name))
	}
	dir, err := os.MkdirTemp(s.opts.TempDir, "warpvault-dcm-")
	if err != nil {
		return vaultlib.SendResult{}, fmt.Errorf("stage study: %w", err)
	}
	defer os.RemoveAll(dir)

	prog := vaultlib.Progress{TotalImages: study.ImageCount(), TotalBytes: study.ContentLength()}
	report := func() {
		if req.OnProgress != nil {
			req.OnProgress(prog)
		}
	}
	report()

	instances := study.OrderedInstances()
	for start := 0; start < len(instances); start += s.opts.BatchSize {
		end := start + s.opts.BatchSize
		if end > len(instances) {
			end = len(instances)
		}
		files, size, err := s.stage(ctx, req, dir, instances[start:end])
		if err != nil {
			return vaultlib.SendResult{Images: prog.Images, Bytes: prog.Bytes}, classify("dicom", dest.ID, "stage", err)
		}
		args := []string{"-aet", s.opts.CallingAE, "-aec", dest.AETitle, dest.Host, strconv.Itoa(dest.Port)}
		out, err := s.opts.Run(ctx, s.opts.Binary, append(args, files...)...)
		for _, f := range files {
			os.Remove(f)
		}
		if err != nil {
			return vaultlib.SendResult{Images: prog.Images, Bytes: prog.Bytes}, dcmtkError(dest.ID, "dicom:store", out, err)
		}
		prog.Images += len(files)
		prog.Bytes += size
		report()
	}
	return vaultlib.SendResult{Images: prog.Images, Bytes: prog.Bytes}, nil
}

func (s *StoreSCU) stage(ctx context.Context, req vaultlib.SendRequest, dir string, batch []vaultlib.Instance) ([]string, int64, error) {
	var (
		files []string
		size  int64
	)
	for _, in := range batch {
		if in.Open == nil {
			return files, size, fmt.Errorf("instance %s: no data source", in.SOPInstanceUID)
		}
		src, err := in.Open()
		if err != nil {
			return files, size, fmt.Errorf("open instance %s: %w", in.SOPInstanceUID, err)
		}
		name := filepath.Join(dir, InstanceName(in))
		dst, err := os.Create(name)
		if err != nil {
			src.Close()
			return files, size, err
		}
		n, err := vaultlib.CopyChunks(ctx, dst, src, req.Token, req.Limiter, nil)
		src.Close()
		if cerr := dst.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return files, size, err
		}
		files = append(files, name)
		size += n
	}
	return files, size, nil
}

// dcmtkError classifies a failed DCMTK tool run from its output.
func dcmtkError(destID, op string, out []byte, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, vaultlib.ErrCancelled) {
		return err
	}
	kind := DCMTKErrorKind(string(out), err)
	msg := strings.TrimSpace(string(out))
	if i := strings.LastIndexByte(msg, '\n'); i >= 0 {
		msg = strings.TrimSpace(msg[i+1:])
	}
	if msg != "" {
		err = fmt.Errorf("%w: %s", err, msg)
	}
	return vaultlib.NewTransferError(kind, destID, op, err)
}

// DCMTKErrorKind maps the output of a failed storescu or findscu run to a
// failure kind.
func DCMTKErrorKind(out string, err error) vaultlib.ErrorKind {
	if errors.Is(err, exec.ErrNotFound) {
		return vaultlib.KindConfigurationInvalid
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return vaultlib.KindTransientNetwork
	}
	lower := strings.ToLower(out)
	switch {
	case strings.Contains(lower, "association rejected"):
		if strings.Contains(lower, "called ae title not recognized") || strings.Contains(lower, "calling ae title not recognized") {
			return vaultlib.KindConfigurationInvalid
		}
		return vaultlib.KindDestinationRejected
	case strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "no route to host"),
		strings.Contains(lower, "unknown host"),
		strings.Contains(lower, "association request failed"):
		return vaultlib.KindDestinationUnreachable
	case strings.Contains(lower, "timed out"),
		strings.Contains(lower, "association aborted"),
		strings.Contains(lower, "connection reset"):
		return vaultlib.KindTransientNetwork
	case strings.Contains(lower, "store failed"), strings.Contains(lower, "status: refused"):
		return vaultlib.KindDestinationRejected
	}
	return vaultlib.KindTransientNetwork
}
