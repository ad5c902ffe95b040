package vaultlib

import (
	"context"
	"io"
	"sort"
	"strings"
	"time"
)

// Instance is a single image of a study.
type Instance struct {
	// SOPInstanceUID identifies the image. Used as the last ordering key.
	SOPInstanceUID string
	SeriesUID      string
	SeriesNumber   int
	InstanceNumber int
	Size           int64
	// Path is the catalog-relative location of the instance data.
	Path string
	// Open returns the instance bytes. Callers close the reader.
	Open func() (io.ReadCloser, error)
}

// Study is a patient imaging examination as exposed by the catalog.
type Study struct {
	UID         string
	PatientName string
	PatientID   string
	Description string
	Modality    string
	StudyDate   time.Time
	Created     time.Time
	Modified    time.Time
	Instances   []Instance
}

// DisplayName returns a human readable label for the study.
func (s *Study) DisplayName() string {
	switch {
	case s.PatientName != "" && s.Description != "":
		return s.PatientName + " - " + s.Description
	case s.PatientName != "":
		return s.PatientName
	case s.Description != "":
		return s.Description
	}
	return s.UID
}

// ContentLength returns the total size of the study's instances.
func (s *Study) ContentLength() int64 {
	var n int64
	for _, in := range s.Instances {
		n += in.Size
	}
	return n
}

// ImageCount returns the number of instances.
func (s *Study) ImageCount() int {
	return len(s.Instances)
}

// LastChange returns the later of the created and modified timestamps.
func (s *Study) LastChange() time.Time {
	if s.Modified.After(s.Created) {
		return s.Modified
	}
	return s.Created
}

// OrderedInstances returns the instances sorted by series number, then
// instance number, then SOP instance UID. The study is not modified.
func (s *Study) OrderedInstances() []Instance {
	out := make([]Instance, len(s.Instances))
	copy(out, s.Instances)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.SeriesNumber != b.SeriesNumber {
			return a.SeriesNumber < b.SeriesNumber
		}
		if a.InstanceNumber != b.InstanceNumber {
			return a.InstanceNumber < b.InstanceNumber
		}
		if a.SOPInstanceUID != b.SOPInstanceUID {
			return a.SOPInstanceUID < b.SOPInstanceUID
		}
		return a.Path < b.Path
	})
	return out
}

// StudyFilter restricts the studies a catalog lists. Zero fields match all.
type StudyFilter struct {
	Modalities    []string  `json:"modalities,omitempty" yaml:"modalities,omitempty"`
	ModifiedAfter time.Time `json:"modifiedAfter,omitempty" yaml:"modified_after,omitempty"`
	StudyUIDs     []string  `json:"studyUids,omitempty" yaml:"study_uids,omitempty"`
	// PatientQuery matches a case-insensitive substring of name or id.
	PatientQuery string `json:"patientQuery,omitempty" yaml:"patient_query,omitempty"`
}

// IsZero reports whether the filter lets every study through.
func (f StudyFilter) IsZero() bool {
	return len(f.Modalities) == 0 && f.ModifiedAfter.IsZero() && len(f.StudyUIDs) == 0 && f.PatientQuery == ""
}

// Match reports whether s passes the filter.
func (f StudyFilter) Match(s *Study) bool {
	if len(f.Modalities) > 0 && !containsFold(f.Modalities, s.Modality) {
		return false
	}
	if !f.ModifiedAfter.IsZero() && !s.LastChange().After(f.ModifiedAfter) {
		return false
	}
	if len(f.StudyUIDs) > 0 {
		found := false
		for _, uid := range f.StudyUIDs {
			if uid == s.UID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.PatientQuery != "" {
		q := strings.ToLower(f.PatientQuery)
		if !strings.Contains(strings.ToLower(s.PatientName), q) &&
			!strings.Contains(strings.ToLower(s.PatientID), q) {
			return false
		}
	}
	return true
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

// Catalog is the local study database the engine backs up from.
type Catalog interface {
	ListStudies(ctx context.Context, filter StudyFilter) ([]Study, error)
	GetStudy(ctx context.Context, uid string) (*Study, error)
}
