package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/brokenlines/internal/config"
	"github.com/banshee-data/brokenlines/internal/db"
	"github.com/banshee-data/brokenlines/internal/mille"
	"github.com/banshee-data/brokenlines/internal/monitor"
	"github.com/banshee-data/brokenlines/internal/monitoring"
	"github.com/banshee-data/brokenlines/internal/refit"
	"github.com/banshee-data/brokenlines/internal/simulate"
	"github.com/banshee-data/brokenlines/internal/version"
)

var (
	configPath  = flag.String("config", "", "Tuning config JSON (defaults when empty)")
	numTracks   = flag.Int("tracks", 0, "Number of tracks (overrides config)")
	seed        = flag.Uint64("seed", 0, "Random seed (overrides config)")
	millePath   = flag.String("mille", "toyfit.bin", "Millepede binary output (empty disables)")
	doubles     = flag.Bool("double", false, "Write Millepede values in double precision")
	dbPath      = flag.String("db", "", "SQLite file for fit summaries (empty disables)")
	plotDir     = flag.String("plots", "", "Base directory for PNG histograms (empty disables)")
	reportPath  = flag.String("report", "", "HTML report output (requires -db)")
	serveAddr   = flag.String("serve", "", "Serve the HTML report on this address after the run (requires -db)")
	misalign    = flag.String("misalign", "", "Sensor shifts along u in mm, e.g. L05t=0.05,L06t=-0.02")
	workers     = flag.Int("workers", 4, "Number of concurrent fitters")
	debug       = flag.Bool("debug", false, "Enable debug logging")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("gbl-toyfit"))
		return
	}
	if args := flag.Args(); len(args) > 0 && args[0] == "migrate" {
		if *dbPath == "" {
			log.Fatal("migrate requires -db")
		}
		if err := db.RunMigrateCommand(args[1:], *dbPath, os.Stdout); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		return
	}
	monitoring.SetDebug(*debug)

	cfg := config.DefaultTuningConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadTuningConfig(*configPath); err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}
	if *numTracks > 0 {
		cfg.NumTracks = numTracks
	}
	if *seed > 0 {
		cfg.Seed = seed
	}
	shifts, err := parseMisalign(*misalign)
	if err != nil {
		log.Fatalf("invalid -misalign: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sum, err := run(ctx, cfg, shifts)
	if err != nil {
		log.Fatalf("toyfit: %v", err)
	}
	sum.print(os.Stdout)

	if *serveAddr != "" && sum.database != nil {
		mux := http.NewServeMux()
		mux.Handle("/report", monitor.ReportHandler(sum.database))
		srv := &http.Server{Addr: *serveAddr, Handler: mux}
		go func() {
			<-ctx.Done()
			srv.Close()
		}()
		log.Printf("serving report on http://%s/report?run_id=%s", *serveAddr, sum.runID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve: %v", err)
		}
	}
	if sum.database != nil {
		sum.database.Close()
	}
}

// parseMisalign reads "name=shift" pairs separated by commas.
func parseMisalign(s string) (map[string]float64, error) {
	out := map[string]float64{}
	if strings.TrimSpace(s) == "" {
		return out, nil
	}
	for _, part := range strings.Split(s, ",") {
		name, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("expected name=shift, got %q", part)
		}
		v, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return nil, fmt.Errorf("sensor %s: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}

type job struct {
	index int
	hits  []refit.HitRecord
}

type outcome struct {
	index int
	res   *refit.FitResult
	err   error
}

type summary struct {
	tracks   int
	stats    refit.Stats
	chi2Ndf  []float64
	records  int
	runID    string
	plots    int
	database *db.DB
}

func (s *summary) print(w io.Writer) {
	fmt.Fprintf(w, "tracks:   %d\n", s.tracks)
	fmt.Fprintf(w, "fitted:   %d\n", s.stats.Fitted)
	fmt.Fprintf(w, "rejected: %d\n", s.stats.Rejected)
	fmt.Fprintf(w, "failed:   %d\n", s.stats.Failed+s.stats.Invalid)
	if len(s.chi2Ndf) > 0 {
		mean, sd := stat.MeanStdDev(s.chi2Ndf, nil)
		fmt.Fprintf(w, "chi2/ndf: mean %.4f sd %.4f\n", mean, sd)
	}
	if s.records > 0 {
		fmt.Fprintf(w, "mille:    %d records\n", s.records)
	}
	if s.runID != "" {
		fmt.Fprintf(w, "run:      %s\n", s.runID)
	}
	if s.plots > 0 {
		fmt.Fprintf(w, "plots:    %d files\n", s.plots)
	}
}

// run simulates and refits the configured number of tracks. The database,
// when enabled, is left open in the summary for serving the report unless
// run fails.
func run(ctx context.Context, cfg *config.TuningConfig, shifts map[string]float64) (_ *summary, retErr error) {
	tel := simulate.NewTelescope(cfg)
	tel.Misalign = shifts
	if err := tel.Validate(); err != nil {
		return nil, err
	}
	tree, err := tel.Layout().Build()
	if err != nil {
		return nil, err
	}
	for name := range shifts {
		if _, err := tree.Sensor(name); err != nil {
			return nil, err
		}
	}

	sum := &summary{tracks: cfg.GetNumTracks()}

	var (
		mf *os.File
		bw *bufio.Writer
		mw *mille.Writer
	)
	if *millePath != "" {
		if mf, err = os.Create(*millePath); err != nil {
			return nil, err
		}
		defer mf.Close()
		bw = bufio.NewWriter(mf)
		var opts []mille.WriterOption
		if *doubles {
			opts = append(opts, mille.WithDoublePrecision())
		}
		mw = mille.NewWriter(bw, opts...)
	}

	if *dbPath != "" {
		database, err := db.NewDB(*dbPath)
		if err != nil {
			return nil, err
		}
		defer func() {
			if retErr != nil {
				database.Close()
			}
		}()
		sum.database = database
		r, err := database.StartRun("toyfit", cfg)
		if err != nil {
			return nil, err
		}
		sum.runID = r.RunID
	}

	var plotter *monitor.ResidualPlotter
	if *plotDir != "" {
		plotter = monitor.NewResidualPlotter(40)
		if err := plotter.Start(monitor.MakePlotOutputDir(*plotDir, "toyfit")); err != nil {
			return nil, err
		}
	}

	fitter := refit.NewFitter(tree, refit.OptionsFromConfig(cfg), mw)
	jobs := make(chan job)
	results := make(chan outcome)

	var wg sync.WaitGroup
	for i := 0; i < max(1, *workers); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				res, err := fitter.Fit(j.hits)
				results <- outcome{index: j.index, res: res, err: err}
			}
		}()
	}
	go func() {
		defer close(jobs)
		gen := tel.NewGenerator(cfg.GetSeed(), true)
		for i := 0; i < sum.tracks; i++ {
			_, hits := gen.Track()
			select {
			case jobs <- job{index: i, hits: hits}:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	var firstErr error
	for o := range results {
		status := db.StatusFitted
		switch {
		case errors.Is(o.err, refit.ErrChi2Cut):
			status = db.StatusRejected
		case o.err != nil:
			continue
		default:
			sum.chi2Ndf = append(sum.chi2Ndf, o.res.Chi2Ndf())
			if plotter != nil {
				plotter.Record(o.res)
			}
		}
		if sum.database != nil && firstErr == nil {
			if _, err := sum.database.RecordTrack(sum.runID, o.index, status, o.res); err != nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	if bw != nil {
		if err := bw.Flush(); err != nil {
			return nil, fmt.Errorf("flush mille output: %w", err)
		}
		if err := mf.Close(); err != nil {
			return nil, fmt.Errorf("close mille output: %w", err)
		}
	}
	sum.stats = fitter.Stats()
	if mw != nil {
		sum.records = mw.Records()
	}

	if plotter != nil {
		plotter.Stop()
		if sum.plots, err = plotter.GeneratePlots(); err != nil {
			return nil, err
		}
	}
	if sum.database != nil {
		if err := sum.database.FinishRun(sum.runID); err != nil {
			return nil, err
		}
		if *reportPath != "" {
			if err := writeReport(sum.database, sum.runID, *reportPath); err != nil {
				return nil, err
			}
		}
	}
	return sum, ctx.Err()
}

func writeReport(database *db.DB, runID, path string) error {
	s, err := database.Summary(runID)
	if err != nil {
		return err
	}
	tracks, err := database.TrackFits(runID)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := monitor.WriteReport(f, s, tracks); err != nil {
		return err
	}
	return f.Close()
}
