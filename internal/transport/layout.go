package transport

import (
	"fmt"
	"path"
	"strings"

	"github.com/warpdl/warpvault/pkg/vaultlib"
)

// ManifestName is the study manifest stored next to the series directories.
const ManifestName = "manifest.json"

// InstanceExt is the extension of stored instance files.
const InstanceExt = ".dcm"

// partSuffix marks an instance that is still being written.
const partSuffix = ".part"

// sanitizeName keeps UID characters and replaces everything else so a
// remote name can never escape its directory.
func sanitizeName(s string) string {
	if s == "" {
		return "_"
	}
	var sb strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	out := sb.String()
	if out == "." || out == ".." {
		return "_"
	}
	return out
}

// StudyDir returns the directory of a study under base.
func StudyDir(base, studyUID string) string {
	return path.Join(base, sanitizeName(studyUID))
}

// SeriesDirName names the directory of an instance's series. The zero
// padded number keeps lexical order equal to series order.
func SeriesDirName(in vaultlib.Instance) string {
	return fmt.Sprintf("%06d_%s", in.SeriesNumber, sanitizeName(in.SeriesUID))
}

// InstanceName names an instance file within its series directory.
func InstanceName(in vaultlib.Instance) string {
	return fmt.Sprintf("%06d_%s%s", in.InstanceNumber, sanitizeName(in.SOPInstanceUID), InstanceExt)
}

// InstancePath returns the full remote path of an instance.
func InstancePath(base, studyUID string, in vaultlib.Instance) string {
	return path.Join(StudyDir(base, studyUID), SeriesDirName(in), InstanceName(in))
}
