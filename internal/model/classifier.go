package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/models/inceptionv3"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"go.uber.org/zap"
)

// PredictBatchSize bounds the number of samples per inference call.
const PredictBatchSize = 32

// Classifier owns the variables of one model and the compiled programs that
// train and run it. It is not safe for concurrent use.
type Classifier struct {
	spec    Spec
	backend backends.Backend
	ctx     *context.Context
	loop    *train.Loop
	predict *context.Exec
	lr      float64
	logger  *zap.Logger
}

// New builds an untrained classifier. For the transfer variant the
// pretrained backbone is downloaded into spec.BackboneDir when missing.
func New(spec Spec, logger *zap.Logger) (*Classifier, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if spec.Variant == VariantTransfer {
		if err := inceptionv3.DownloadAndUnpackWeights(spec.BackboneDir); err != nil {
			return nil, fmt.Errorf("fetch inceptionv3 weights: %w", err)
		}
	}

	c := &Classifier{
		spec:    spec,
		backend: backends.New(),
		ctx:     context.New(),
		lr:      spec.LearningRate,
		logger:  logger,
	}
	c.ctx.SetParam(optimizers.ParamLearningRate, spec.LearningRate)

	opt := optimizers.Adam().LearningRate(spec.LearningRate).Done()
	trainer := train.NewTrainer(c.backend, c.ctx, c.modelFn,
		losses.SparseCategoricalCrossEntropyLogits, opt, nil, nil)
	c.loop = train.NewLoop(trainer)
	return c, nil
}

func (c *Classifier) Spec() Spec { return c.spec }

func (c *Classifier) modelFn(ctx *context.Context, _ any, inputs []*graph.Node) []*graph.Node {
	return []*graph.Node{c.spec.logits(ctx, inputs[0])}
}

func (c *Classifier) dims(n int) []int {
	return append([]int{n}, c.spec.InputShape...)
}

// FitEpoch runs one pass over x (n samples back to back) with integer
// labels y, in shuffled batches of batchSize.
func (c *Classifier) FitEpoch(x []float32, y []int, batchSize int) error {
	n := len(y)
	if len(x) != n*c.spec.SampleSize() {
		return fmt.Errorf("fit: %d values for %d samples", len(x), n)
	}
	labels := make([]int32, n)
	for i, v := range y {
		labels[i] = int32(v)
	}

	return exceptions.TryCatch[error](func() {
		xs := tensors.FromFlatDataAndDimensions(x, c.dims(n)...)
		ys := tensors.FromFlatDataAndDimensions(labels, n, 1)
		ds, err := data.InMemoryFromData(c.backend, "train", []any{xs}, []any{ys})
		if err != nil {
			panic(err)
		}
		ds.BatchSize(batchSize, false).Shuffle()
		if _, err := c.loop.RunEpochs(ds, 1); err != nil {
			panic(err)
		}
	})
}

// Predict returns class probabilities for the n samples in x.
func (c *Classifier) Predict(x []float32) ([][]float32, error) {
	size := c.spec.SampleSize()
	if len(x)%size != 0 {
		return nil, fmt.Errorf("predict: %d values is not a multiple of %d", len(x), size)
	}
	n := len(x) / size
	out := make([][]float32, 0, n)

	err := exceptions.TryCatch[error](func() {
		if c.predict == nil {
			c.predict = context.NewExec(c.backend, c.ctx.Reuse(), func(ctx *context.Context, images *graph.Node) *graph.Node {
				return graph.Softmax(c.spec.logits(ctx, images))
			})
		}
		for start := 0; start < n; start += PredictBatchSize {
			end := min(start+PredictBatchSize, n)
			batch := tensors.FromFlatDataAndDimensions(x[start*size:end*size], c.dims(end-start)...)
			probs := tensors.CopyFlatData[float32](c.predict.Call(batch)[0])
			k := c.spec.NumClasses
			for i := 0; i < end-start; i++ {
				out = append(out, probs[i*k:(i+1)*k])
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Classifier) LearningRate() float64 { return c.lr }

// SetLearningRate changes the optimizer step size for the following epochs.
func (c *Classifier) SetLearningRate(lr float64) error {
	if lr <= 0 {
		return fmt.Errorf("learning rate must be positive, got %g", lr)
	}
	err := exceptions.TryCatch[error](func() {
		v := optimizers.LearningRateVar(c.ctx, dtypes.Float32, c.spec.LearningRate)
		v.SetValue(tensors.FromScalar(float32(lr)))
	})
	if err != nil {
		return err
	}
	c.lr = lr
	return nil
}

func (c *Classifier) trainable(fn func(name string, v *context.Variable)) {
	c.ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Trainable && v.Shape().DType == dtypes.Float32 {
			fn(v.Scope()+"/"+v.Name(), v)
		}
	})
}

// Snapshot copies the trainable weights to host memory.
func (c *Classifier) Snapshot() (Weights, error) {
	w := Weights{}
	err := exceptions.TryCatch[error](func() {
		c.trainable(func(name string, v *context.Variable) {
			w[name] = tensors.CopyFlatData[float32](v.Value())
		})
	})
	return w, err
}

// Restore writes weights taken by Snapshot back into the variables.
func (c *Classifier) Restore(w Weights) error {
	return exceptions.TryCatch[error](func() {
		c.trainable(func(name string, v *context.Variable) {
			values, ok := w[name]
			if !ok {
				return
			}
			v.SetValue(tensors.FromFlatDataAndDimensions(append([]float32(nil), values...), v.Shape().Dimensions...))
		})
	})
}

// Save writes the checkpoint and model.json into dir, replacing it.
func (c *Classifier) Save(dir string) error {
	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("create model directory: %w", err)
	}
	tmp, err := os.MkdirTemp(parent, ".save-*")
	if err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	defer os.RemoveAll(tmp)

	err = exceptions.TryCatch[error](func() {
		handler, err := checkpoints.Build(c.ctx).Dir(tmp).Keep(1).Done()
		if err != nil {
			panic(err)
		}
		if err := handler.Save(); err != nil {
			panic(err)
		}
	})
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	if err := writeManifest(tmp, Manifest{Spec: c.spec, CreatedAt: time.Now().UTC()}); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("replace %s: %w", dir, err)
	}
	if err := os.Rename(tmp, dir); err != nil {
		return fmt.Errorf("move model into place: %w", err)
	}
	c.logger.Debug("model saved", zap.String("path", dir))
	return nil
}

// Load restores a classifier saved by Save. Variables are read from the
// checkpoint when the inference graph is first built.
func Load(dir, backboneDir string, logger *zap.Logger) (*Classifier, error) {
	m, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	spec := m.Spec
	spec.BackboneDir = backboneDir
	c, err := New(spec, logger)
	if err != nil {
		return nil, err
	}

	err = exceptions.TryCatch[error](func() {
		if _, err := checkpoints.Build(c.ctx).Dir(dir).Done(); err != nil {
			panic(err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", dir, err)
	}
	return c, nil
}

// Summary lists the architecture and, once built, every trainable variable.
func (c *Classifier) Summary() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Model: %s (%s)\n", c.spec.Variant.Name(), c.spec.Variant)
	for _, line := range c.spec.architecture() {
		sb.WriteString("  ")
		sb.WriteString(line)
		sb.WriteByte('\n')
	}

	total := 0
	c.trainable(func(name string, v *context.Variable) {
		if total == 0 {
			sb.WriteString("\nTrainable variables:\n")
		}
		size := v.Shape().Size()
		total += size
		fmt.Fprintf(&sb, "  %-60s %v (%d)\n", name, v.Shape().Dimensions, size)
	})
	if total > 0 {
		fmt.Fprintf(&sb, "Total trainable params: %d\n", total)
	}
	return sb.String()
}
