package catalog

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/warpdl/warpvault/pkg/vaultlib"
)

const root = "/srv/catalog"

func newTestCatalog(t *testing.T) (*Catalog, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	c := New(fs, root)
	ct := Descriptor{
		UID: "1.2.840.1", PatientName: "Doe^John", PatientID: "P1", Description: "Chest",
		Modality: "ct",
		Created:  time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC),
		Modified: time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC),
		Series: []SeriesDescriptor{
			{UID: "1.2.840.1.2", Number: 2, Instances: []InstanceDescriptor{{SOPInstanceUID: "i3", Number: 1, File: "s2/1.dcm"}}},
			{UID: "1.2.840.1.1", Number: 1, Instances: []InstanceDescriptor{
				{SOPInstanceUID: "i2", Number: 2, File: "s1/2.dcm"},
				{SOPInstanceUID: "i1", Number: 1, File: "s1/1.dcm"},
			}},
		},
	}
	mr := Descriptor{
		UID: "1.2.840.2", PatientName: "Roe^Jane", PatientID: "P2", Modality: "MR",
		Created:  time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC),
		Modified: time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC),
		Series: []SeriesDescriptor{
			{UID: "1.2.840.2.1", Number: 1, Instances: []InstanceDescriptor{{SOPInstanceUID: "m1", Number: 1, File: "1.dcm"}}},
		},
	}
	for dir, d := range map[string]Descriptor{"ct-study": ct, "mr-study": mr} {
		if err := c.WriteDescriptor(dir, d); err != nil {
			t.Fatalf("WriteDescriptor: %v", err)
		}
	}
	files := map[string]string{
		"ct-study/s1/1.dcm": "aaaa",
		"ct-study/s1/2.dcm": "bbbbbb",
		"ct-study/s2/1.dcm": "cc",
		"mr-study/1.dcm":    "mmmmmmmm",
	}
	for p, body := range files {
		if err := afero.WriteFile(fs, root+"/"+p, []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}
	// directories without a descriptor are not studies
	if err := fs.MkdirAll(root+"/incoming", 0o755); err != nil {
		t.Fatal(err)
	}
	return c, fs
}

// TestListStudies loads descriptors and applies filters.
func TestListStudies(t *testing.T) {
	c, _ := newTestCatalog(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		filter vaultlib.StudyFilter
		want   []string
	}{
		{"all", vaultlib.StudyFilter{}, []string{"1.2.840.1", "1.2.840.2"}},
		{"modality", vaultlib.StudyFilter{Modalities: []string{"MR"}}, []string{"1.2.840.2"}},
		{"modified after", vaultlib.StudyFilter{ModifiedAfter: time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC)}, []string{"1.2.840.1"}},
		{"patient", vaultlib.StudyFilter{PatientQuery: "roe"}, []string{"1.2.840.2"}},
		{"uids", vaultlib.StudyFilter{StudyUIDs: []string{"1.2.840.1", "9.9"}}, []string{"1.2.840.1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.ListStudies(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListStudies: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("expected %v, got %d studies", tt.want, len(got))
			}
			for i := range got {
				if got[i].UID != tt.want[i] {
					t.Fatalf("expected %v at %d, got %s", tt.want[i], i, got[i].UID)
				}
			}
		})
	}
}

// TestGetStudyInstances resolves sizes, ordering keys and readers.
func TestGetStudyInstances(t *testing.T) {
	c, _ := newTestCatalog(t)
	st, err := c.GetStudy(context.Background(), "1.2.840.1")
	if err != nil {
		t.Fatalf("GetStudy: %v", err)
	}
	if st.Modality != "CT" || st.DisplayName() != "Doe^John - Chest" {
		t.Fatalf("unexpected study %+v", st)
	}
	if st.ImageCount() != 3 || st.ContentLength() != 12 {
		t.Fatalf("expected 3 images of 12 bytes, got %d / %d", st.ImageCount(), st.ContentLength())
	}
	ordered := st.OrderedInstances()
	if ordered[0].SOPInstanceUID != "i1" || ordered[2].SOPInstanceUID != "i3" {
		t.Fatalf("unexpected order %v, %v", ordered[0].SOPInstanceUID, ordered[2].SOPInstanceUID)
	}
	rc, err := ordered[1].Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	if string(body) != "bbbbbb" {
		t.Fatalf("unexpected instance body %q", body)
	}

	if _, err := c.GetStudy(context.Background(), "missing"); !errors.Is(err, ErrStudyNotFound) {
		t.Fatalf("expected ErrStudyNotFound, got %v", err)
	}
}

// TestCatalogErrors rejects broken descriptors and missing instance files.
func TestCatalogErrors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(fs afero.Fs)
	}{
		{"malformed yaml", func(fs afero.Fs) {
			afero.WriteFile(fs, root+"/bad/study.yaml", []byte("uid: [unclosed"), 0o644)
		}},
		{"missing uid", func(fs afero.Fs) {
			afero.WriteFile(fs, root+"/bad/study.yaml", []byte("modality: CT\n"), 0o644)
		}},
		{"missing instance", func(fs afero.Fs) {
			afero.WriteFile(fs, root+"/bad/study.yaml", []byte("uid: 7.7\nseries:\n  - uid: s\n    instances:\n      - sop_uid: x\n        file: gone.dcm\n"), 0o644)
		}},
		{"duplicate uid", func(fs afero.Fs) {
			afero.WriteFile(fs, root+"/bad/study.yaml", []byte("uid: 1.2.840.2\n"), 0o644)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, fs := newTestCatalog(t)
			tt.setup(fs)
			if _, err := c.ListStudies(context.Background(), vaultlib.StudyFilter{}); err == nil {
				t.Fatal("expected scan error")
			}
		})
	}
}

// TestMissingRoot reports an unreadable catalog directory.
func TestMissingRoot(t *testing.T) {
	c := New(afero.NewMemMapFs(), "/nowhere")
	if _, err := c.ListStudies(context.Background(), vaultlib.StudyFilter{}); err == nil {
		t.Fatal("expected error for missing root")
	}
}
