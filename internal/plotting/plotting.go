package plotting

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/example/irisdx/internal/metrics"
)

// countGrid exposes a confusion matrix as a heat-map grid with the first
// true class drawn at the top.
type countGrid struct {
	cm [][]int
}

func (g countGrid) Dims() (c, r int)   { return len(g.cm), len(g.cm) }
func (g countGrid) X(c int) float64    { return float64(c) }
func (g countGrid) Y(r int) float64    { return float64(r) }
func (g countGrid) Z(c, r int) float64 { return float64(g.cm[len(g.cm)-1-r][c]) }

// ConfusionMatrix renders cm as an annotated heat map PNG.
func ConfusionMatrix(cm [][]int, classes []string, path string) error {
	if len(cm) == 0 || len(cm) != len(classes) {
		return fmt.Errorf("confusion matrix is %dx%d for %d classes", len(cm), len(cm), len(classes))
	}
	k := len(cm)

	p := plot.New()
	p.Title.Text = "Confusion Matrix"
	p.X.Label.Text = "Predicted"
	p.Y.Label.Text = "True"

	hm := plotter.NewHeatMap(countGrid{cm: cm}, palette.Heat(12, 1))
	p.Add(hm)

	var xTicks, yTicks []plot.Tick
	for i, c := range classes {
		xTicks = append(xTicks, plot.Tick{Value: float64(i), Label: c})
		yTicks = append(yTicks, plot.Tick{Value: float64(k - 1 - i), Label: c})
	}
	p.X.Tick.Marker = plot.ConstantTicks(xTicks)
	p.Y.Tick.Marker = plot.ConstantTicks(yTicks)

	var cells plotter.XYLabels
	for r, row := range cm {
		for c, v := range row {
			cells.XYs = append(cells.XYs, plotter.XY{X: float64(c), Y: float64(k - 1 - r)})
			cells.Labels = append(cells.Labels, strconv.Itoa(v))
		}
	}
	labels, err := plotter.NewLabels(cells)
	if err != nil {
		return fmt.Errorf("annotate cells: %w", err)
	}
	p.Add(labels)

	return save(p, path)
}

// ROC draws every curve with its AUC in the legend next to the chance line.
func ROC(curves []metrics.ROCCurve, path string) error {
	if len(curves) == 0 {
		return fmt.Errorf("%w: nothing to draw", metrics.ErrROCUndefined)
	}

	p := plot.New()
	p.Title.Text = "ROC"
	p.X.Label.Text = "False Positive Rate"
	p.Y.Label.Text = "True Positive Rate"
	p.X.Min, p.X.Max = 0, 1
	p.Y.Min, p.Y.Max = 0, 1
	p.Legend.Top = false
	p.Legend.Left = false

	var lines []any
	for _, c := range curves {
		xys := make(plotter.XYs, len(c.FPR))
		for i := range c.FPR {
			xys[i] = plotter.XY{X: c.FPR[i], Y: c.TPR[i]}
		}
		lines = append(lines, fmt.Sprintf("%s (AUC = %.2f)", c.Class, c.AUC), xys)
	}
	if err := plotutil.AddLines(p, lines...); err != nil {
		return fmt.Errorf("add roc lines: %w", err)
	}

	chance, err := plotter.NewLine(plotter.XYs{{X: 0, Y: 0}, {X: 1, Y: 1}})
	if err != nil {
		return err
	}
	chance.Dashes = []vg.Length{vg.Points(4), vg.Points(4)}
	p.Add(chance)

	return save(p, path)
}

func save(p *plot.Plot, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create plot directory: %w", err)
	}
	if err := p.Save(6*vg.Inch, 5*vg.Inch, path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}
