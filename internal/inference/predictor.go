package inference

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/example/irisdx/internal/imaging"
	"github.com/example/irisdx/internal/labels"
	"github.com/example/irisdx/internal/metrics"
	"github.com/example/irisdx/internal/registry"
)

// ErrNotReady is returned while no model could be loaded.
var ErrNotReady = errors.New("no model loaded")

// Model scores preprocessed samples laid out back to back.
type Model interface {
	Predict(x []float32) ([][]float32, error)
}

// Loader opens the model saved in dir.
type Loader func(dir string) (Model, error)

// Prediction is the answer for one image.
type Prediction struct {
	Class        string             `json:"class"`
	Confidence   float64            `json:"confidence"`
	Distribution map[string]float64 `json:"distribution"`
	ModelPath    string             `json:"model_path"`
}

// Predictor serves predictions from the newest model under a models
// directory. It is safe for concurrent use; predictions are serialized.
type Predictor struct {
	modelsDir string
	processor imaging.Processor
	load      Loader
	logger    *zap.Logger

	// debounce groups bursts of filesystem events into one reload.
	debounce time.Duration
	onReload []func(path string)

	mu        sync.Mutex
	model     Model
	classes   []string
	modelPath string
}

func New(modelsDir string, processor imaging.Processor, load Loader, logger *zap.Logger) *Predictor {
	return &Predictor{
		modelsDir: modelsDir,
		processor: processor,
		load:      load,
		logger:    logger,
		debounce:  500 * time.Millisecond,
	}
}

// Reload resolves the newest model and swaps it in. On failure the previous
// model stays active.
func (p *Predictor) Reload() error {
	path, err := registry.Resolve(p.modelsDir)
	if err != nil {
		return err
	}
	p.mu.Lock()
	current := p.modelPath
	p.mu.Unlock()
	if path == current {
		return nil
	}

	m, err := p.load(path)
	if err != nil {
		return fmt.Errorf("load model %s: %w", path, err)
	}
	var classes []string
	if enc, err := labels.Load(filepath.Join(p.modelsDir, labels.FileName)); err == nil {
		classes = enc.Classes()
	} else {
		p.logger.Warn("label classes unavailable, predictions use class indices", zap.Error(err))
	}

	p.mu.Lock()
	p.model, p.classes, p.modelPath = m, classes, path
	hooks := p.onReload
	p.mu.Unlock()
	p.logger.Info("model loaded", zap.String("path", path))
	for _, fn := range hooks {
		fn(path)
	}
	return nil
}

// OnReload registers fn to run after every successful model swap.
func (p *Predictor) OnReload(fn func(path string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onReload = append(p.onReload, fn)
}

// Ready reports whether a model is loaded.
func (p *Predictor) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.model != nil
}

func (p *Predictor) ModelPath() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.modelPath
}

// PredictFile preprocesses and classifies the image at path.
func (p *Predictor) PredictFile(path string) (*Prediction, error) {
	sample, err := p.processor.ProcessFile(path)
	if err != nil {
		return nil, err
	}
	return p.predict(sample)
}

// PredictBytes preprocesses and classifies an encoded image.
func (p *Predictor) PredictBytes(data []byte) (*Prediction, error) {
	sample, err := p.processor.ProcessBytes(data)
	if err != nil {
		return nil, err
	}
	return p.predict(sample)
}

func (p *Predictor) predict(sample []float32) (*Prediction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model == nil {
		return nil, ErrNotReady
	}
	probs, err := p.model.Predict(sample)
	if err != nil {
		return nil, err
	}
	if len(probs) != 1 {
		return nil, fmt.Errorf("%w: %d predictions for one image", metrics.ErrLengthMismatch, len(probs))
	}
	row := probs[0]
	best := metrics.Argmax(probs)[0]
	out := &Prediction{
		Class:        p.className(best),
		Confidence:   float64(row[best]),
		Distribution: make(map[string]float64, len(row)),
		ModelPath:    p.modelPath,
	}
	for i, v := range row {
		out.Distribution[p.className(i)] = float64(v)
	}
	return out, nil
}

func (p *Predictor) className(i int) string {
	if i < len(p.classes) {
		return p.classes[i]
	}
	return fmt.Sprintf("class_%d", i)
}

// Ranked returns the distribution ordered from most to least likely.
func (pr *Prediction) Ranked() []string {
	names := make([]string, 0, len(pr.Distribution))
	for name := range pr.Distribution {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := pr.Distribution[names[i]], pr.Distribution[names[j]]
		if a != b {
			return a > b
		}
		return names[i] < names[j]
	})
	return names
}

// Watch reloads the model whenever the models directory changes, until ctx
// is done. Reload failures are logged and the current model is kept.
func (p *Predictor) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(p.modelsDir); err != nil {
		return fmt.Errorf("watch %s: %w", p.modelsDir, err)
	}

	timer := time.NewTimer(p.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			p.logger.Debug("models directory changed", zap.String("name", event.Name), zap.String("op", event.Op.String()))
			timer.Reset(p.debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			p.logger.Warn("model watcher error", zap.Error(err))
		case <-timer.C:
			if err := p.Reload(); err != nil {
				p.logger.Warn("model reload failed", zap.Error(err))
			}
		}
	}
}
