package vaultlib

import (
	"context"
	"fmt"
	"io"
)

// Progress is a transport progress report for one study.
type Progress struct {
	Images      int
	TotalImages int
	Bytes       int64
	TotalBytes  int64
}

// SendRequest describes one study transfer to one destination.
type SendRequest struct {
	Destination BackupDestination
	Study       *Study
	// Compression is the transfer syntax chosen by the compression policy.
	// Transports record it with the stored study; they do not transcode.
	Compression string
	// Token is checked before every chunk. A signalled token aborts the
	// transfer with ErrCancelled.
	Token *CancelToken
	// OnProgress may be nil.
	OnProgress func(Progress)
	// Limiter may be nil for unlimited bandwidth.
	Limiter *BandwidthLimiter
}

// SendResult reports what a transport stored.
type SendResult struct {
	Images int
	Bytes  int64
}

// Transport moves study data to a destination.
type Transport interface {
	Send(ctx context.Context, req SendRequest) (SendResult, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req SendRequest) (SendResult, error)

func (f TransportFunc) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	return f(ctx, req)
}

// CopyChunks copies r to w in chunks, checking ctx and token before each
// chunk and throttling through limiter. onChunk receives the size of every
// chunk written.
func CopyChunks(ctx context.Context, w io.Writer, r io.Reader, token *CancelToken, limiter *BandwidthLimiter, onChunk func(n int)) (int64, error) {
	buf := make([]byte, chunkSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		if token != nil && token.Cancelled() {
			return written, ErrCancelled
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			if err := limiter.WaitN(ctx, n); err != nil {
				return written, err
			}
			m, werr := w.Write(buf[:n])
			written += int64(m)
			if werr != nil {
				return written, werr
			}
			if m != n {
				return written, io.ErrShortWrite
			}
			if onChunk != nil {
				onChunk(n)
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

// StudyWriter is the destination side of SendStudy: it receives the
// instances of a study one at a time.
type StudyWriter interface {
	// CreateInstance opens the remote file for an instance.
	CreateInstance(ctx context.Context, in Instance) (io.WriteCloser, error)
	// Finish stores the study manifest after all instances were written.
	Finish(ctx context.Context, m *StudyManifest) error
}

// SendStudy streams every instance of req.Study to sw in fingerprint order
// and finishes with a manifest describing what was written. Transports
// implement the connection handling and call SendStudy for the data path.
func SendStudy(ctx context.Context, req SendRequest, sw StudyWriter) (SendResult, error) {
	study := req.Study
	if study == nil || len(study.Instances) == 0 {
		return SendResult{}, ErrEmptyStudy
	}
	total := study.ContentLength()
	prog := Progress{TotalImages: study.ImageCount(), TotalBytes: total}
	report := func() {
		if req.OnProgress != nil {
			req.OnProgress(prog)
		}
	}
	report()

	for _, in := range study.OrderedInstances() {
		if err := sendInstance(ctx, req, sw, in, &prog, report); err != nil {
			return SendResult{Images: prog.Images, Bytes: prog.Bytes}, err
		}
		prog.Images++
		report()
	}

	m, err := GenerateManifest(ctx, study)
	if err != nil {
		return SendResult{Images: prog.Images, Bytes: prog.Bytes}, err
	}
	m.Compression = req.Compression
	if err := sw.Finish(ctx, m); err != nil {
		return SendResult{Images: prog.Images, Bytes: prog.Bytes}, err
	}
	return SendResult{Images: prog.Images, Bytes: prog.Bytes}, nil
}

func sendInstance(ctx context.Context, req SendRequest, sw StudyWriter, in Instance, prog *Progress, report func()) error {
	if in.Open == nil {
		return fmt.Errorf("instance %s: no data source", in.SOPInstanceUID)
	}
	src, err := in.Open()
	if err != nil {
		return fmt.Errorf("open instance %s: %w", in.SOPInstanceUID, err)
	}
	defer src.Close()

	dst, err := sw.CreateInstance(ctx, in)
	if err != nil {
		return err
	}
	_, err = CopyChunks(ctx, dst, src, req.Token, req.Limiter, func(n int) {
		prog.Bytes += int64(n)
		report()
	})
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	return err
}
