package vaultlib

import (
	"path"
	"strings"
)

// Transfer syntaxes chosen by the compression policy.
const (
	CompressionNone             = "none"
	CompressionGzip             = "gzip"
	CompressionJPEG2000Lossless = "jpeg2000-lossless"
)

// minCompressSize is the size below which compressing is not worth it.
const minCompressSize = 1024

var precompressedExt = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".jp2":  true,
	".zip":  true,
	".gz":   true,
}

// CompressionPolicy picks the transfer syntax for a study.
type CompressionPolicy struct {
	// ByModality overrides the built-in modality table.
	ByModality map[string]string
}

// ForStudy returns the compression to use for study at dest. A destination
// with a preferred compression always wins.
func (p CompressionPolicy) ForStudy(study *Study, dest BackupDestination) string {
	if dest.Compression != "" {
		return dest.Compression
	}
	mod := strings.ToUpper(study.Modality)
	if c, ok := p.ByModality[mod]; ok {
		return c
	}
	switch mod {
	case "CT", "MR":
		return CompressionJPEG2000Lossless
	case "US", "XA":
		// already compressed cine loops
		return CompressionNone
	}
	return CompressionGzip
}

// ShouldCompress reports whether an instance is worth compressing.
func ShouldCompress(in Instance) bool {
	if in.Size < minCompressSize {
		return false
	}
	return !precompressedExt[strings.ToLower(path.Ext(in.Path))]
}
