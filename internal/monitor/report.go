package monitor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/brokenlines/internal/db"
)

// AssetsHost is where the rendered pages load echarts from.
var AssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

// chi2Bins is the number of bins of the chi2/ndf distribution.
const chi2Bins = 30

// WriteReport renders the HTML report of a run: per-sensor residual RMS and
// mean pull, and the chi2/ndf distribution of the fitted tracks.
func WriteReport(w io.Writer, s *db.RunSummary, tracks []db.TrackFit) error {
	if s == nil || s.Run == nil {
		return errors.New("monitor: empty run summary")
	}
	subtitle := fmt.Sprintf("run=%s tracks=%d fitted=%d rejected=%d <chi2/ndf>=%.3f",
		s.Run.RunID, s.Tracks, s.Fitted, s.Rejected, s.MeanChi2Ndf)

	sensors := make([]string, len(s.Sensors))
	rms := make([]opts.BarData, len(s.Sensors))
	pulls := make([]opts.BarData, len(s.Sensors))
	for i, ss := range s.Sensors {
		sensors[i] = ss.Sensor
		// µm
		rms[i] = opts.BarData{Value: ss.RMS * 1000}
		pulls[i] = opts.BarData{Value: ss.MeanPull}
	}

	rmsBar := charts.NewBar()
	rmsBar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "GBL refit report", Width: "100%", Height: "480px", AssetsHost: AssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Residual RMS per sensor (µm)", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	rmsBar.SetXAxis(sensors).
		AddSeries("rms", rms, charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}))

	pullBar := charts.NewBar()
	pullBar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "480px", AssetsHost: AssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Mean normalized residual per sensor"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	pullBar.SetXAxis(sensors).AddSeries("mean pull", pulls)

	centers, counts := chi2Histogram(tracks)
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "480px", AssetsHost: AssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "chi2/ndf distribution"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "chi2/ndf"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "tracks"}),
	)
	lineData := make([]opts.LineData, len(counts))
	for i, c := range counts {
		lineData[i] = opts.LineData{Value: c}
	}
	line.SetXAxis(centers).AddSeries("tracks", lineData)

	page := components.NewPage()
	page.SetAssetsHost(AssetsHost)
	page.PageTitle = "GBL refit report"
	page.AddCharts(rmsBar, pullBar, line)
	return page.Render(w)
}

// chi2Histogram bins chi2/ndf of the fitted tracks between 0 and
// max(3, largest value). Returns bin centers as labels and counts.
func chi2Histogram(tracks []db.TrackFit) ([]string, []int) {
	var values []float64
	hi := 3.0
	for _, t := range tracks {
		if t.Status != db.StatusFitted || t.Ndf <= 0 {
			continue
		}
		v := t.Chi2 / float64(t.Ndf)
		values = append(values, v)
		hi = math.Max(hi, v)
	}
	width := hi / chi2Bins
	centers := make([]string, chi2Bins)
	counts := make([]int, chi2Bins)
	for i := range centers {
		centers[i] = fmt.Sprintf("%.2f", (float64(i)+0.5)*width)
	}
	for _, v := range values {
		i := int(v / width)
		if i >= chi2Bins {
			i = chi2Bins - 1
		}
		counts[i]++
	}
	return centers, counts
}

// ReportHandler serves the report of the run given by the run_id query
// parameter, or the list of runs as JSON when it is absent.
func ReportHandler(database *db.DB) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		runID := r.URL.Query().Get("run_id")
		if runID == "" {
			runs, err := database.ListRuns()
			if err != nil {
				writeJSONError(w, http.StatusInternalServerError, err.Error())
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(runs)
			return
		}

		summary, err := database.Summary(runID)
		if errors.Is(err, db.ErrRunNotFound) {
			writeJSONError(w, http.StatusNotFound, err.Error())
			return
		}
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		tracks, err := database.TrackFits(runID)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}

		var buf bytes.Buffer
		if err := WriteReport(&buf, summary, tracks); err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(buf.Bytes())
	})
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
