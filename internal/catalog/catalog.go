// Package catalog exposes a directory tree of DICOM studies as a
// vaultlib.Catalog. Every study lives in its own directory holding a
// study.yaml descriptor and the instance files it lists.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"github.com/warpdl/warpvault/pkg/vaultlib"
	"gopkg.in/yaml.v3"
)

// DescriptorName is the per-study metadata file.
const DescriptorName = "study.yaml"

var (
	ErrStudyNotFound     = errors.New("study not found")
	ErrInvalidDescriptor = errors.New("invalid study descriptor")
)

// Descriptor is the on-disk form of a study.
type Descriptor struct {
	UID         string             `yaml:"uid"`
	PatientName string             `yaml:"patient_name,omitempty"`
	PatientID   string             `yaml:"patient_id,omitempty"`
	Description string             `yaml:"description,omitempty"`
	Modality    string             `yaml:"modality"`
	StudyDate   time.Time          `yaml:"study_date,omitempty"`
	Created     time.Time          `yaml:"created,omitempty"`
	Modified    time.Time          `yaml:"modified,omitempty"`
	Series      []SeriesDescriptor `yaml:"series"`
}

// SeriesDescriptor lists the instances of one series.
type SeriesDescriptor struct {
	UID       string               `yaml:"uid"`
	Number    int                  `yaml:"number"`
	Instances []InstanceDescriptor `yaml:"instances"`
}

// InstanceDescriptor points at one instance file, relative to the study
// directory.
type InstanceDescriptor struct {
	SOPInstanceUID string `yaml:"sop_uid"`
	Number         int    `yaml:"number"`
	File           string `yaml:"file"`
}

// Catalog reads studies from Root on Fs.
type Catalog struct {
	fs   afero.Fs
	root string

	mu    sync.RWMutex
	index map[string]string // study uid -> study directory
}

// New returns a catalog over root. A nil fs uses the OS filesystem.
func New(fs afero.Fs, root string) *Catalog {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Catalog{fs: fs, root: root, index: make(map[string]string)}
}

// Root returns the catalog directory.
func (c *Catalog) Root() string {
	return c.root
}

// ListStudies scans the catalog and returns the studies matching filter,
// ordered by study uid. Directories without a descriptor are ignored; a
// malformed descriptor fails the scan.
func (c *Catalog) ListStudies(ctx context.Context, filter vaultlib.StudyFilter) ([]vaultlib.Study, error) {
	dirs, err := c.studyDirs()
	if err != nil {
		return nil, err
	}
	index := make(map[string]string, len(dirs))
	var out []vaultlib.Study
	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		st, err := c.load(dir)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if prev, dup := index[st.UID]; dup {
			return nil, fmt.Errorf("%w: study %s in both %s and %s", ErrInvalidDescriptor, st.UID, prev, dir)
		}
		index[st.UID] = dir
		if filter.Match(st) {
			out = append(out, *st)
		}
	}
	c.mu.Lock()
	c.index = index
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

// GetStudy returns one study. The uid index built by the last scan is
// tried first; a miss rescans the catalog.
func (c *Catalog) GetStudy(ctx context.Context, uid string) (*vaultlib.Study, error) {
	c.mu.RLock()
	dir, ok := c.index[uid]
	c.mu.RUnlock()
	if ok {
		st, err := c.load(dir)
		if err == nil && st.UID == uid {
			return st, nil
		}
	}
	list, err := c.ListStudies(ctx, vaultlib.StudyFilter{StudyUIDs: []string{uid}})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrStudyNotFound, uid)
	}
	return &list[0], nil
}

func (c *Catalog) studyDirs() ([]string, error) {
	entries, err := afero.ReadDir(c.fs, c.root)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", c.root, err)
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			dirs = append(dirs, path.Join(c.root, e.Name()))
		}
	}
	return dirs, nil
}

// load reads the descriptor of the study in dir.
func (c *Catalog) load(dir string) (*vaultlib.Study, error) {
	descPath := path.Join(dir, DescriptorName)
	fi, err := c.fs.Stat(descPath)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(c.fs, descPath)
	if err != nil {
		return nil, err
	}
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidDescriptor, descPath, err)
	}
	if strings.TrimSpace(d.UID) == "" {
		return nil, fmt.Errorf("%w: %s: missing uid", ErrInvalidDescriptor, descPath)
	}

	st := &vaultlib.Study{
		UID:         d.UID,
		PatientName: d.PatientName,
		PatientID:   d.PatientID,
		Description: d.Description,
		Modality:    strings.ToUpper(d.Modality),
		StudyDate:   d.StudyDate,
		Created:     d.Created,
		Modified:    d.Modified,
	}
	if st.Created.IsZero() {
		st.Created = fi.ModTime()
	}
	// without an explicit date the newest file marks the last change
	inferModified := st.Modified.IsZero()
	if inferModified {
		st.Modified = fi.ModTime()
	}
	for _, se := range d.Series {
		for _, in := range se.Instances {
			rel := path.Clean("/" + in.File)[1:]
			if rel == "" {
				return nil, fmt.Errorf("%w: %s: instance %s has no file", ErrInvalidDescriptor, descPath, in.SOPInstanceUID)
			}
			full := path.Join(dir, rel)
			ifi, err := c.fs.Stat(full)
			if err != nil {
				return nil, fmt.Errorf("study %s: instance %s: %w", d.UID, in.SOPInstanceUID, err)
			}
			if inferModified && ifi.ModTime().After(st.Modified) {
				st.Modified = ifi.ModTime()
			}
			st.Instances = append(st.Instances, vaultlib.Instance{
				SOPInstanceUID: in.SOPInstanceUID,
				SeriesUID:      se.UID,
				SeriesNumber:   se.Number,
				InstanceNumber: in.Number,
				Size:           ifi.Size(),
				Path:           path.Join(path.Base(dir), rel),
				Open:           c.opener(full),
			})
		}
	}
	return st, nil
}

func (c *Catalog) opener(p string) func() (io.ReadCloser, error) {
	fs := c.fs
	return func() (io.ReadCloser, error) {
		return fs.Open(p)
	}
}

// WriteDescriptor stores d as the descriptor of the study directory dir,
// relative to the catalog root. Used by import tooling and tests.
func (c *Catalog) WriteDescriptor(dir string, d Descriptor) error {
	data, err := yaml.Marshal(d)
	if err != nil {
		return err
	}
	full := path.Join(c.root, dir)
	if err := c.fs.MkdirAll(full, 0o755); err != nil {
		return err
	}
	return afero.WriteFile(c.fs, path.Join(full, DescriptorName), data, 0o644)
}
