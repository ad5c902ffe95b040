// Package scripting runs site supplied JavaScript classifiers for smart
// backups.
//
// A classifier script defines a global function
//
//	function classify(study, history) { ... }
//
// returning either a score or an object {score, protect, priority}. study
// carries uid, modality, patientName, description, images, bytes and the
// created, modified and studyDate times as Date objects. history carries
// lastBackup (a Date or null), backupCount and previouslyFailed. Scripts may
// require() modules stored next to them and log through console.
package scripting

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/warpdl/warpvault/pkg/logger"
	"github.com/warpdl/warpvault/pkg/vaultlib"
)

const (
	CLASSIFY_CALLBACK = "classify"

	// DEF_TIMEOUT bounds one classify call.
	DEF_TIMEOUT = 2 * time.Second
	// DEF_PROTECT_SCORE is the score from which a bare numeric verdict
	// protects a changed study.
	DEF_PROTECT_SCORE = 0.5
)

var (
	ErrClassifyNotDefined = errors.New("classify function not defined")
	ErrInvalidVerdict     = errors.New("invalid classifier verdict")
	ErrScriptTimeout      = errors.New("classifier script timed out")
)

// Classifier is a vaultlib.Classifier backed by a script. Calls are
// serialized on one runtime.
type Classifier struct {
	mu      sync.Mutex
	vm      *goja.Runtime
	fn      goja.Callable
	path    string
	timeout time.Duration
	now     func() time.Time
}

var _ vaultlib.Classifier = (*Classifier)(nil)

// Load compiles the script at path. timeout <= 0 selects DEF_TIMEOUT.
func Load(path string, timeout time.Duration, l logger.Logger) (*Classifier, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load classifier: %w", err)
	}
	return Compile(path, string(b), timeout, l)
}

// Compile compiles src. name is used for error positions and as the base
// of relative require() paths.
func Compile(name, src string, timeout time.Duration, l logger.Logger) (*Classifier, error) {
	if l == nil {
		l = logger.NewNopLogger()
	}
	if timeout <= 0 {
		timeout = DEF_TIMEOUT
	}
	vm, err := newRuntime(l, filepath.Dir(name), filepath.Base(name))
	if err != nil {
		return nil, err
	}
	prg, err := goja.Compile(name, src, false)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	c := &Classifier{vm: vm, path: name, timeout: timeout, now: time.Now}
	if _, err := c.run(context.Background(), func() (goja.Value, error) { return vm.RunProgram(prg) }); err != nil {
		return nil, fmt.Errorf("run %s: %w", name, err)
	}
	fn, ok := goja.AssertFunction(vm.Get(CLASSIFY_CALLBACK))
	if !ok {
		return nil, ErrClassifyNotDefined
	}
	c.fn = fn
	return c, nil
}

// Path returns the script name.
func (c *Classifier) Path() string {
	return c.path
}

// Classify implements vaultlib.Classifier.
func (c *Classifier) Classify(ctx context.Context, study *vaultlib.Study, hist vaultlib.StudyHistory) (vaultlib.Classification, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return vaultlib.Classification{}, err
	}

	v, err := c.run(ctx, func() (goja.Value, error) {
		return c.fn(goja.Undefined(), c.studyValue(study), c.historyValue(hist))
	})
	if err != nil {
		return vaultlib.Classification{}, fmt.Errorf("classify %s: %w", study.UID, err)
	}
	changed := hist.LastBackup.IsZero() || study.LastChange().After(hist.LastBackup)
	return c.verdict(v, changed, hist.PreviouslyFailed)
}

// run executes f, interrupting it on timeout or when ctx is done.
func (c *Classifier) run(ctx context.Context, f func() (goja.Value, error)) (goja.Value, error) {
	t := time.AfterFunc(c.timeout, func() { c.vm.Interrupt(ErrScriptTimeout) })
	stop := context.AfterFunc(ctx, func() { c.vm.Interrupt(ctx.Err()) })
	defer func() {
		t.Stop()
		stop()
		c.vm.ClearInterrupt()
	}()
	v, err := f()
	var ie *goja.InterruptedError
	if errors.As(err, &ie) {
		if cause, ok := ie.Value().(error); ok {
			return nil, cause
		}
	}
	return v, err
}

func (c *Classifier) date(t time.Time) goja.Value {
	if t.IsZero() {
		return goja.Null()
	}
	d, err := c.vm.New(c.vm.Get("Date"), c.vm.ToValue(t.UnixMilli()))
	if err != nil {
		return goja.Null()
	}
	return d
}

func (c *Classifier) studyValue(s *vaultlib.Study) goja.Value {
	o := c.vm.NewObject()
	_ = o.Set("uid", s.UID)
	_ = o.Set("modality", s.Modality)
	_ = o.Set("patientName", s.PatientName)
	_ = o.Set("description", s.Description)
	_ = o.Set("images", s.ImageCount())
	_ = o.Set("bytes", s.ContentLength())
	_ = o.Set("studyDate", c.date(s.StudyDate))
	_ = o.Set("created", c.date(s.Created))
	_ = o.Set("modified", c.date(s.LastChange()))
	_ = o.Set("ageDays", c.now().Sub(s.LastChange()).Hours()/24)
	return o
}

func (c *Classifier) historyValue(h vaultlib.StudyHistory) goja.Value {
	o := c.vm.NewObject()
	_ = o.Set("lastBackup", c.date(h.LastBackup))
	_ = o.Set("backupCount", h.BackupCount)
	_ = o.Set("previouslyFailed", h.PreviouslyFailed)
	return o
}

func (c *Classifier) verdict(v goja.Value, changed, failed bool) (vaultlib.Classification, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return vaultlib.Classification{}, ErrInvalidVerdict
	}
	if n, ok := number(v.Export()); ok {
		return vaultlib.Classification{
			Score:    n,
			Protect:  failed || (changed && n >= DEF_PROTECT_SCORE),
			Priority: vaultlib.PriorityForScore(n),
		}, nil
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return vaultlib.Classification{}, fmt.Errorf("%w: %s", ErrInvalidVerdict, v.String())
	}
	score, ok := number(obj.Get("score").Export())
	if !ok {
		return vaultlib.Classification{}, fmt.Errorf("%w: score must be a number", ErrInvalidVerdict)
	}
	res := vaultlib.Classification{
		Score:    score,
		Protect:  failed || (changed && score >= DEF_PROTECT_SCORE),
		Priority: vaultlib.PriorityForScore(score),
	}
	if p := obj.Get("protect"); p != nil && !goja.IsUndefined(p) {
		res.Protect = p.ToBoolean()
	}
	if p := obj.Get("priority"); p != nil && !goja.IsUndefined(p) && !goja.IsNull(p) {
		pr, err := vaultlib.ParsePriority(p.String())
		if err != nil {
			return vaultlib.Classification{}, fmt.Errorf("%w: priority %q", ErrInvalidVerdict, p.String())
		}
		res.Priority = pr
	}
	return res, nil
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return n, true
	}
	return 0, false
}
