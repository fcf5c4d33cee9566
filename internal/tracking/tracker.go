package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	StatusFinished = "FINISHED"
	StatusFailed   = "FAILED"

	logModelHistoryTag = "mlflow.log-model.history"
	runNameTag         = "mlflow.runName"
)

// Recorder logs into one open run.
type Recorder interface {
	ID() string
	LogParam(ctx context.Context, key string, value any) error
	LogParams(ctx context.Context, params map[string]any) error
	LogMetric(ctx context.Context, key string, value float64, step int) error
	SetTag(ctx context.Context, key, value string) error
	LogArtifact(ctx context.Context, localPath, artifactPath string) error
	LogText(ctx context.Context, text, artifactFile string) error
	LogDict(ctx context.Context, v any, artifactFile string) error
	LogModel(ctx context.Context, dir, artifactPath string) (string, error)
	RegisterModel(ctx context.Context, name, modelURI string) (string, error)
}

// Runner scopes work to a run that is always closed.
type Runner interface {
	WithRun(ctx context.Context, name string, fn func(ctx context.Context, run Recorder) error) error
}

// Tracker is a Runner bound to one experiment.
type Tracker struct {
	client       *Client
	experimentID string
	experiment   string
	logger       *zap.Logger
}

// Init resolves the experiment by name, creating it when it does not exist.
func Init(ctx context.Context, client *Client, experimentName string, logger *zap.Logger) (*Tracker, error) {
	id := ""
	exp, err := client.getExperimentByName(ctx, experimentName)
	switch {
	case err == nil:
		id = exp.ExperimentID
	case isCode(err, codeNotFound):
		id, err = client.createExperiment(ctx, experimentName)
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	logger.Info("tracking configured",
		zap.String("uri", client.baseURL),
		zap.String("experiment", experimentName),
		zap.String("experiment_id", id),
	)
	return &Tracker{client: client, experimentID: id, experiment: experimentName, logger: logger}, nil
}

// NewRunner returns a Tracker for uri, or a no-op runner when uri is empty.
func NewRunner(ctx context.Context, uri, experimentName string, logger *zap.Logger) (Runner, error) {
	if strings.TrimSpace(uri) == "" {
		logger.Debug("tracking disabled")
		return Noop{}, nil
	}
	return Init(ctx, NewClient(uri), experimentName, logger)
}

func (t *Tracker) ExperimentID() string { return t.experimentID }

func (t *Tracker) ExperimentName() string { return t.experiment }

// WithRun starts a run, calls fn and closes the run FINISHED when fn returns
// nil, FAILED otherwise. A panic in fn closes the run FAILED and is re-raised.
func (t *Tracker) WithRun(ctx context.Context, name string, fn func(ctx context.Context, run Recorder) error) error {
	info, err := t.client.createRun(ctx, t.experimentID, name, []tag{{Key: runNameTag, Value: name}})
	if err != nil {
		return err
	}
	run := &Run{client: t.client, info: *info, logger: t.logger.With(zap.String("run_id", info.RunID))}
	run.logger.Info("run started", zap.String("run_name", name))

	closeRun := func(status string) error {
		// Close even when ctx is already cancelled.
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		return t.client.updateRun(closeCtx, info.RunID, status)
	}

	defer func() {
		if r := recover(); r != nil {
			if cerr := closeRun(StatusFailed); cerr != nil {
				run.logger.Error("failed to close run", zap.Error(cerr))
			}
			panic(r)
		}
	}()

	if ferr := fn(ctx, run); ferr != nil {
		if cerr := closeRun(StatusFailed); cerr != nil {
			run.logger.Error("failed to close run", zap.Error(cerr))
		}
		run.logger.Warn("run failed", zap.Error(ferr))
		return ferr
	}
	if err := closeRun(StatusFinished); err != nil {
		return err
	}
	run.logger.Info("run finished")
	return nil
}

// Run is an open run on the tracking server.
type Run struct {
	client *Client
	info   runInfo
	logger *zap.Logger
}

func (r *Run) ID() string { return r.info.RunID }

func (r *Run) LogParam(ctx context.Context, key string, value any) error {
	return r.client.logParam(ctx, r.info.RunID, key, fmt.Sprint(value))
}

func (r *Run) LogParams(ctx context.Context, params map[string]any) error {
	for _, k := range sortedKeys(params) {
		if err := r.LogParam(ctx, k, params[k]); err != nil {
			return err
		}
	}
	return nil
}

func (r *Run) LogMetric(ctx context.Context, key string, value float64, step int) error {
	return r.client.logMetric(ctx, r.info.RunID, key, value, step)
}

func (r *Run) SetTag(ctx context.Context, key, value string) error {
	return r.client.setTag(ctx, r.info.RunID, key, value)
}

// LogArtifact uploads a file, or every file under a directory, below
// artifactPath ("" is the run's artifact root). A directory keeps its own
// name as the last path element.
func (r *Run) LogArtifact(ctx context.Context, localPath, artifactPath string) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return &Error{Op: "artifacts/log", Err: err}
	}
	if !info.IsDir() {
		return r.putFile(ctx, localPath, path.Join(artifactPath, filepath.Base(localPath)))
	}
	return r.putDir(ctx, localPath, path.Join(artifactPath, filepath.Base(localPath)))
}

func (r *Run) putDir(ctx context.Context, dir, artifactPath string) error {
	return filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return &Error{Op: "artifacts/log", Err: err}
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return &Error{Op: "artifacts/log", Err: err}
		}
		return r.putFile(ctx, p, path.Join(artifactPath, filepath.ToSlash(rel)))
	})
}

// putFile stores one file at the run-relative path dest.
func (r *Run) putFile(ctx context.Context, src, dest string) error {
	f, err := os.Open(src)
	if err != nil {
		return &Error{Op: "artifacts/log", Err: err}
	}
	defer f.Close()

	root, err := url.Parse(r.info.ArtifactURI)
	if err != nil {
		return &Error{Op: "artifacts/log", Err: fmt.Errorf("artifact uri %q: %w", r.info.ArtifactURI, err)}
	}
	switch root.Scheme {
	case "mlflow-artifacts":
		return r.client.uploadArtifact(ctx, path.Join(root.Path, dest), f)
	case "file", "":
		return copyLocal(f, filepath.Join(filepath.FromSlash(root.Path), filepath.FromSlash(dest)))
	default:
		return &Error{Op: "artifacts/log", Message: "unsupported artifact store " + root.Scheme}
	}
}

func copyLocal(src io.Reader, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return &Error{Op: "artifacts/log", Err: err}
	}
	out, err := os.Create(dst)
	if err != nil {
		return &Error{Op: "artifacts/log", Err: err}
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return &Error{Op: "artifacts/log", Err: err}
	}
	if err := out.Close(); err != nil {
		return &Error{Op: "artifacts/log", Err: err}
	}
	return nil
}

// LogText stores text as the artifact file artifactFile.
func (r *Run) LogText(ctx context.Context, text, artifactFile string) error {
	return r.logBytes(ctx, []byte(text), artifactFile)
}

// LogDict stores v as indented JSON.
func (r *Run) LogDict(ctx context.Context, v any, artifactFile string) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &Error{Op: "artifacts/log", Err: err}
	}
	return r.logBytes(ctx, data, artifactFile)
}

func (r *Run) logBytes(ctx context.Context, data []byte, artifactFile string) error {
	dir, err := os.MkdirTemp("", "irisdx-artifact-")
	if err != nil {
		return &Error{Op: "artifacts/log", Err: err}
	}
	defer os.RemoveAll(dir)

	local := filepath.Join(dir, path.Base(artifactFile))
	if err := os.WriteFile(local, data, 0o644); err != nil {
		return &Error{Op: "artifacts/log", Err: err}
	}
	return r.putFile(ctx, local, artifactFile)
}

// mlModel is the MLmodel descriptor stored beside a logged model.
type mlModel struct {
	ArtifactPath   string                    `yaml:"artifact_path" json:"artifact_path"`
	Flavors        map[string]map[string]any `yaml:"flavors" json:"flavors"`
	ModelUUID      string                    `yaml:"model_uuid" json:"model_uuid"`
	RunID          string                    `yaml:"run_id" json:"run_id"`
	UTCTimeCreated string                    `yaml:"utc_time_created" json:"utc_time_created"`
}

// LogModel uploads dir under artifactPath together with an MLmodel
// descriptor, records the log-model history tag and returns the model URI.
func (r *Run) LogModel(ctx context.Context, dir, artifactPath string) (string, error) {
	desc := mlModel{
		ArtifactPath:   artifactPath,
		Flavors:        map[string]map[string]any{"gomlx": {"data": "."}},
		ModelUUID:      uuid.NewString(),
		RunID:          r.info.RunID,
		UTCTimeCreated: r.client.now().UTC().Format("2006-01-02 15:04:05.000000"),
	}
	if err := r.putDir(ctx, dir, artifactPath); err != nil {
		return "", err
	}
	data, err := yaml.Marshal(desc)
	if err != nil {
		return "", &Error{Op: "models/log", Err: err}
	}
	if err := r.logBytes(ctx, data, path.Join(artifactPath, "MLmodel")); err != nil {
		return "", err
	}

	history, err := json.Marshal([]mlModel{desc})
	if err != nil {
		return "", &Error{Op: "models/log", Err: err}
	}
	if err := r.SetTag(ctx, logModelHistoryTag, string(history)); err != nil {
		return "", err
	}
	return fmt.Sprintf("runs:/%s/%s", r.info.RunID, artifactPath), nil
}

// RegisterModel adds modelURI as a new version of the registered model name,
// creating the registered model on first use.
func (r *Run) RegisterModel(ctx context.Context, name, modelURI string) (string, error) {
	if err := r.client.createRegisteredModel(ctx, name); err != nil {
		return "", err
	}
	return r.client.createModelVersion(ctx, name, modelURI, r.info.RunID)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Noop is the Runner used when tracking is disabled.
type Noop struct{}

func (Noop) WithRun(ctx context.Context, _ string, fn func(ctx context.Context, run Recorder) error) error {
	return fn(ctx, noopRecorder{})
}

type noopRecorder struct{}

func (noopRecorder) ID() string                                            { return "" }
func (noopRecorder) LogParam(context.Context, string, any) error           { return nil }
func (noopRecorder) LogParams(context.Context, map[string]any) error       { return nil }
func (noopRecorder) LogMetric(context.Context, string, float64, int) error { return nil }
func (noopRecorder) SetTag(context.Context, string, string) error          { return nil }
func (noopRecorder) LogArtifact(context.Context, string, string) error     { return nil }
func (noopRecorder) LogText(context.Context, string, string) error         { return nil }
func (noopRecorder) LogDict(context.Context, any, string) error            { return nil }
func (noopRecorder) LogModel(context.Context, string, string) (string, error) {
	return "", nil
}
func (noopRecorder) RegisterModel(context.Context, string, string) (string, error) {
	return "", nil
}
