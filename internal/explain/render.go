package explain

import (
	"bytes"
	"fmt"
	"image/color"
	"strconv"

	"github.com/rotisserie/eris"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

var (
	positiveColor = color.RGBA{R: 0xff, G: 0x00, B: 0x51, A: 0xff}
	negativeColor = color.RGBA{R: 0x00, G: 0x8b, B: 0xfb, A: 0xff}
	guideColor    = color.Gray{Y: 0x80}
)

// waterfallRow is one bar: a named contribution applied on top of the
// running total.
type waterfallRow struct {
	label string
	value float64
}

// waterfallRows picks at most maxDisplay rows, largest contribution last so it
// is drawn on top. When features remain, they collapse into one row drawn
// first.
func waterfallRows(e *Explanation, values []float64, maxDisplay int) []waterfallRow {
	idx := order(e.Phi)
	shown := idx
	var rest []int
	if maxDisplay > 0 && len(idx) > maxDisplay {
		shown, rest = idx[:maxDisplay-1], idx[maxDisplay-1:]
	}

	rows := make([]waterfallRow, 0, len(shown)+1)
	if len(rest) > 0 {
		var sum float64
		for _, i := range rest {
			sum += e.Phi[i]
		}
		rows = append(rows, waterfallRow{label: fmt.Sprintf("%d other features", len(rest)), value: sum})
	}
	for j := len(shown) - 1; j >= 0; j-- {
		i := shown[j]
		rows = append(rows, waterfallRow{
			label: fmt.Sprintf("%s = %s", strconv.FormatFloat(values[i], 'g', 6, 64), e.Features[i]),
			value: e.Phi[i],
		})
	}
	return rows
}

// RenderWaterfall draws the path from the expected value to the model output
// as a PNG.
func RenderWaterfall(e *Explanation, values []float64, maxDisplay int, title string) ([]byte, error) {
	rows := waterfallRows(e, values, maxDisplay)

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = fmt.Sprintf("log-odds of default  (E[f(x)] = %.3f, f(x) = %.3f)", e.ExpectedValue, e.Raw)

	labels := make([]string, len(rows))
	var marks plotter.XYLabels
	running := e.ExpectedValue
	for y, r := range rows {
		labels[y] = r.label
		from, to := running, running+r.value
		running = to

		bar, err := plotter.NewPolygon(plotter.XYs{
			{X: from, Y: float64(y) - 0.35},
			{X: to, Y: float64(y) - 0.35},
			{X: to, Y: float64(y) + 0.35},
			{X: from, Y: float64(y) + 0.35},
		})
		if err != nil {
			return nil, eris.Wrap(err, "explain: bar")
		}
		bar.Color = negativeColor
		if r.value > 0 {
			bar.Color = positiveColor
		}
		bar.LineStyle.Width = 0
		p.Add(bar)

		marks.XYs = append(marks.XYs, plotter.XY{X: to, Y: float64(y)})
		marks.Labels = append(marks.Labels, fmt.Sprintf("%+.3f", r.value))
	}
	p.NominalY(labels...)

	top := float64(len(rows)) - 0.5
	for _, x := range []float64{e.ExpectedValue, e.Raw} {
		guide, err := plotter.NewLine(plotter.XYs{{X: x, Y: -0.5}, {X: x, Y: top}})
		if err != nil {
			return nil, eris.Wrap(err, "explain: guide line")
		}
		guide.LineStyle.Color = guideColor
		guide.LineStyle.Dashes = []vg.Length{vg.Points(3), vg.Points(3)}
		p.Add(guide)
	}

	if len(marks.XYs) > 0 {
		text, err := plotter.NewLabels(marks)
		if err != nil {
			return nil, eris.Wrap(err, "explain: value labels")
		}
		for i := range text.TextStyle {
			text.TextStyle[i].XAlign = draw.XLeft
			text.TextStyle[i].YAlign = draw.YCenter
		}
		text.Offset = vg.Point{X: vg.Points(4)}
		p.Add(text)
	}
	p.Add(plotter.NewGrid())

	wt, err := p.WriterTo(10*vg.Inch, 5*vg.Inch, "png")
	if err != nil {
		return nil, eris.Wrap(err, "explain: png writer")
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		return nil, eris.Wrap(err, "explain: encode png")
	}
	return buf.Bytes(), nil
}
