//go:build !windows

package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/warpdl/warpvault/common"
	"github.com/warpdl/warpvault/internal/catalog"
	"github.com/warpdl/warpvault/internal/config"
	"github.com/warpdl/warpvault/internal/store"
	"github.com/warpdl/warpvault/pkg/vaultlib"
)

type memSecrets struct {
	mu   sync.Mutex
	data map[string]string
}

func (m *memSecrets) Set(id, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[id] = secret
	return nil
}

func (m *memSecrets) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, id)
	return nil
}

func (m *memSecrets) Secret(id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[id], nil
}

type stubProber struct{}

func (stubProber) Probe(context.Context, vaultlib.BackupDestination) (time.Duration, error) {
	return time.Millisecond, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir, err := os.MkdirTemp("", "wvd")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	cfg := config.Default(dir)
	cfg.Catalog.Root = "/catalog"
	cfg.Engine.Verification = string(vaultlib.VerifySkip)
	cfg.RPC.Socket = filepath.Join(dir, "rpc.sock")
	return cfg
}

func testFs(t *testing.T) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	err := catalog.New(fs, "/catalog").WriteDescriptor("mr", catalog.Descriptor{
		UID: "9.8.7", PatientName: "Roe^Jane", Modality: "MR",
		Created: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		Series: []catalog.SeriesDescriptor{{UID: "9.8.7.1", Number: 1, Instances: []catalog.InstanceDescriptor{
			{SOPInstanceUID: "9.8.7.1.1", Number: 1, File: "1.dcm"},
		}}},
	})
	if err != nil {
		t.Fatalf("WriteDescriptor: %v", err)
	}
	if err := afero.WriteFile(fs, "/catalog/mr/1.dcm", []byte("pixels"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return fs
}

// seedState writes a destination and a waiting transfer as a previous
// daemon run would have left them.
func seedState(t *testing.T, cfg *config.Config) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()
	err = st.SaveDestination(ctx, vaultlib.BackupDestination{
		ID: "arch", Name: "Archive", URL: "dir:///backup", Enabled: true,
	})
	if err != nil {
		t.Fatalf("SaveDestination: %v", err)
	}
	err = st.SaveQueue(ctx, []vaultlib.TransferItem{{
		ID: "item-1", StudyUID: "9.8.7", Name: "Roe^Jane", Modality: "MR",
		Status: vaultlib.StatusInProgress, DestinationID: "arch",
		QueuedDate: time.Now().Add(-time.Hour),
	}})
	if err != nil {
		t.Fatalf("SaveQueue: %v", err)
	}
}

func build(t *testing.T, cfg *config.Config) *Components {
	t.Helper()
	c, err := Build(context.Background(), cfg, Options{
		Version: "0.9.0",
		Fs:      testFs(t),
		Secrets: &memSecrets{data: map[string]string{}},
		Prober:  stubProber{},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

// TestBuildRestoresState loads destinations and the interrupted queue.
func TestBuildRestoresState(t *testing.T) {
	cfg := testConfig(t)
	seedState(t, cfg)
	c := build(t, cfg)

	if _, ok := c.Registry.Get("arch"); !ok {
		t.Fatal("expected destination loaded from the store")
	}
	it, ok := c.Engine.Queue().Get("item-1")
	if !ok {
		t.Fatal("expected queued item restored")
	}
	if it.Status != vaultlib.StatusQueued {
		t.Fatalf("expected interrupted item requeued, got %s", it.Status)
	}
	if c.Catalog.Root() != "/catalog" {
		t.Fatalf("unexpected catalog root %q", c.Catalog.Root())
	}
}

// TestBuildInvalidScript fails on a smart script that cannot be loaded.
func TestBuildInvalidScript(t *testing.T) {
	cfg := testConfig(t)
	cfg.Smart.Script = filepath.Join(cfg.StateDir, "missing.js")
	_, err := Build(context.Background(), cfg, Options{Fs: testFs(t), Secrets: &memSecrets{data: map[string]string{}}})
	if vaultlib.KindOf(err) != vaultlib.KindConfigurationInvalid {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func callVersion(sock string) (common.VersionResult, error) {
	var out struct {
		Result common.VersionResult `json:"result"`
	}
	client := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", sock)
		},
	}}
	body, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": 1, "method": common.MethodVersion})
	resp, err := client.Post("http://unix"+common.RPCPath, "application/json", bytes.NewReader(body))
	if err != nil {
		return out.Result, err
	}
	defer resp.Body.Close()
	err = json.NewDecoder(resp.Body).Decode(&out)
	return out.Result, err
}

// TestRunServesAndPersists seeds the default schedules, serves RPC on the
// socket and writes the queue back on shutdown.
func TestRunServesAndPersists(t *testing.T) {
	cfg := testConfig(t)
	c := build(t, cfg)
	c.persistDur = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewRunner(c, time.Second).Start(ctx) }()

	var v common.VersionResult
	deadline := time.Now().Add(5 * time.Second)
	for {
		var err error
		if v, err = callVersion(cfg.RPC.Socket); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("socket never answered: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if v.Version != "0.9.0" {
		t.Fatalf("unexpected version %+v", v)
	}
	if n := len(c.Book.List()); n == 0 {
		t.Fatal("expected default schedules seeded")
	}

	c.Engine.Queue().Restore([]vaultlib.TransferItem{{
		ID: "late", StudyUID: "4.4.4", Name: "late", Status: vaultlib.StatusRetrying,
		DestinationID: "offline", QueuedDate: time.Now(), NextRetryAt: time.Now().Add(time.Hour),
	}})
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}

	saved, err := c.Store.LoadQueue(context.Background())
	if err != nil {
		t.Fatalf("LoadQueue: %v", err)
	}
	found := false
	for _, it := range saved {
		found = found || it.ID == "late"
	}
	if !found {
		t.Fatalf("expected waiting item persisted, got %+v", saved)
	}
	if _, err := os.Stat(cfg.RPC.Socket); !os.IsNotExist(err) {
		t.Fatalf("expected socket removed, got %v", err)
	}
}
