package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/warpdl/warpvault/internal/catalog"
	"github.com/warpdl/warpvault/internal/scheduler"
	"github.com/warpdl/warpvault/internal/store"
	"github.com/warpdl/warpvault/pkg/logger"
	"github.com/warpdl/warpvault/pkg/vaultlib"
)

const testSecret = "rpc-test-secret"

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

func (m *memSecrets) get(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[id]
}

type proberFunc func(ctx context.Context, d vaultlib.BackupDestination) (time.Duration, error)

func (f proberFunc) Probe(ctx context.Context, d vaultlib.BackupDestination) (time.Duration, error) {
	return f(ctx, d)
}

type fixture struct {
	srv     *Server
	store   *store.Store
	catalog *catalog.Catalog
	secrets *memSecrets
	engine  *vaultlib.Orchestrator
	sent    chan string
}

// newFixture wires an engine with one CT study in an afero catalog, a
// SQLite store and a transport that succeeds immediately.
func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	st, err := store.Open(filepath.Join(t.TempDir(), "warpvault.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	fs := afero.NewMemMapFs()
	cat := catalog.New(fs, "/catalog")
	err = cat.WriteDescriptor("ct", catalog.Descriptor{
		UID: "1.2.3", PatientName: "Doe^John", Modality: "CT",
		Created: time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC),
		Series: []catalog.SeriesDescriptor{{UID: "1.2.3.1", Number: 1, Instances: []catalog.InstanceDescriptor{
			{SOPInstanceUID: "1.2.3.1.1", Number: 1, File: "1.dcm"},
		}}},
	})
	if err != nil {
		t.Fatalf("WriteDescriptor: %v", err)
	}
	if err := afero.WriteFile(fs, "/catalog/ct/1.dcm", []byte("pixels"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	audit, err := vaultlib.OpenAuditLog(vaultlib.AuditConfig{Fs: afero.NewMemMapFs(), Path: "/audit.jsonl"})
	if err != nil {
		t.Fatalf("OpenAuditLog: %v", err)
	}
	t.Cleanup(func() { audit.Close() })

	f := &fixture{store: st, catalog: cat, secrets: &memSecrets{data: map[string]string{}}, sent: make(chan string, 16)}
	reg := vaultlib.NewDestinationRegistry(vaultlib.DefaultRegistryConfig())
	stats := vaultlib.NewStatistics(0)
	dedup := vaultlib.NewDedupIndex(st)
	limiter := vaultlib.NewBandwidthLimiter(0)
	engine, err := vaultlib.NewOrchestrator(vaultlib.OrchestratorConfig{
		MaxConcurrentTransfers: 2,
		StopGracePeriod:        time.Second,
		Verification:           vaultlib.VerifySkip,
		DispatchInterval:       10 * time.Millisecond,
	}, vaultlib.OrchestratorDeps{
		Catalog:  cat,
		Selector: vaultlib.NewSelector(cat, st, st, nil),
		Registry: reg,
		Transport: vaultlib.TransportFunc(func(_ context.Context, req vaultlib.SendRequest) (vaultlib.SendResult, error) {
			f.sent <- req.Study.UID
			return vaultlib.SendResult{Images: req.Study.ImageCount(), Bytes: req.Study.ContentLength()}, nil
		}),
		Dedup:   dedup,
		Stats:   vaultlib.MultiSink{stats, audit},
		Auditor: audit,
		Limiter: limiter,
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	f.engine = engine
	t.Cleanup(func() { _ = engine.Stop() })

	book := scheduler.NewBook(st, scheduler.BookConfig{}, nil)
	if err := book.Start(ctx, nil); err != nil {
		t.Fatalf("book.Start: %v", err)
	}
	t.Cleanup(book.Wait)

	f.srv = New(cfg, Services{
		Engine:    engine,
		Registry:  reg,
		Catalog:   cat,
		Schedules: book,
		Dedup:     dedup,
		Stats:     stats,
		Audit:     audit,
		Monitor:   vaultlib.NewMonitor(vaultlib.MonitorConfig{}, engine.Queue(), nil),
		Limiter:   limiter,
		Prober: proberFunc(func(_ context.Context, d vaultlib.BackupDestination) (time.Duration, error) {
			if d.Host == "down.example" {
				return 0, errors.New("connection refused")
			}
			return 3 * time.Millisecond, nil
		}),
		Destinations:  st,
		Secrets:       f.secrets,
		EngineContext: ctx,
	}, logger.NewNopLogger())
	t.Cleanup(func() { _ = f.srv.Shutdown() })
	return f
}

type rpcErr struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpcCall posts a JSON-RPC request to h and decodes the result into out.
func rpcCall(t *testing.T, h http.Handler, method string, params any, token string, out any) (int, *rpcErr) {
	t.Helper()
	body := map[string]any{"jsonrpc": "2.0", "method": method, "id": 1}
	if params != nil {
		body["params"] = params
	}
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/jsonrpc", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcErr         `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v (body: %s)", err, rr.Body.String())
	}
	if resp.Error == nil && out != nil {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			t.Fatalf("unmarshal result of %s: %v (%s)", method, err, resp.Result)
		}
	}
	return rr.Code, resp.Error
}

// mustCall fails the test on a JSON-RPC error.
func mustCall(t *testing.T, h http.Handler, method string, params, out any) {
	t.Helper()
	if _, e := rpcCall(t, h, method, params, "", out); e != nil {
		t.Fatalf("%s: %d %s", method, e.Code, e.Message)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
