package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/banshee-data/brokenlines/internal/alignment"
	"github.com/banshee-data/brokenlines/internal/config"
	"github.com/banshee-data/brokenlines/internal/simulate"
	"github.com/banshee-data/brokenlines/internal/version"
)

var (
	layoutPath  = flag.String("layout", "", "TOML layout of sensors and structures")
	configPath  = flag.String("config", "", "Tuning config JSON for threshold and precision (defaults when empty)")
	outPath     = flag.String("out", "constraints.txt", "Constraint file output")
	jsonPath    = flag.String("json", "", "Tree JSON dump output (empty disables)")
	threshold   = flag.Float64("threshold", -1, "Coefficient threshold (overrides config when >= 0)")
	precision   = flag.Int("precision", -2, "Decimal places for coefficients (overrides config when >= -1)")
	toyLayout   = flag.String("write-toy-layout", "", "Write the toy telescope layout to this TOML file and exit")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("gbl-constraints"))
		return
	}

	cfg := config.DefaultTuningConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadTuningConfig(*configPath); err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}

	if *toyLayout != "" {
		if err := writeToyLayout(cfg, *toyLayout); err != nil {
			log.Fatalf("failed to write layout: %v", err)
		}
		return
	}
	if *layoutPath == "" {
		log.Fatal("-layout is required")
	}

	opts := alignment.ConstraintOptions{
		Threshold: cfg.GetConstraintThreshold(),
		Precision: cfg.GetConstraintPrecision(),
	}
	if *threshold >= 0 {
		opts.Threshold = *threshold
	}
	if *precision >= -1 {
		opts.Precision = *precision
	}

	n, err := run(*layoutPath, *outPath, *jsonPath, opts)
	if err != nil {
		log.Fatalf("constraints: %v", err)
	}
	log.Printf("wrote %d constraints to %s", n, *outPath)
}

// run builds the tree from the layout and writes the constraint file and,
// if jsonOut is set, the tree dump. Returns the number of non-empty
// constraints.
func run(layoutIn, out, jsonOut string, opts alignment.ConstraintOptions) (int, error) {
	layout, err := alignment.LoadLayout(layoutIn)
	if err != nil {
		return 0, err
	}
	tree, err := layout.Build()
	if err != nil {
		return 0, err
	}
	cs, err := tree.ComputeConstraints(opts)
	if err != nil {
		return 0, err
	}
	if err := writeFile(out, func(w *bufio.Writer) error { return alignment.WriteConstraints(w, cs) }); err != nil {
		return 0, err
	}
	if jsonOut != "" {
		if err := writeFile(jsonOut, func(w *bufio.Writer) error { return tree.WriteJSON(w) }); err != nil {
			return 0, err
		}
	}
	n := 0
	for _, c := range cs {
		if len(c.Terms) > 0 {
			n++
		}
	}
	return n, nil
}

func writeToyLayout(cfg *config.TuningConfig, path string) error {
	return writeFile(path, func(w *bufio.Writer) error {
		return simulate.NewTelescope(cfg).Layout().Write(w)
	})
}

func writeFile(path string, write func(*bufio.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	if err := write(w); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Close()
}
