package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions carries the parsed command-line flags.
type AppOptions struct {
	ConfigFile  string
	EventsFile  string
	OutputFile  string
	PlotDir     string
	DisplayFile string
	Simulate    int
	Seed        uint64
	Misalign    string
	FitMode     bool
	AlignMode   bool
	ServeMode   bool
	MqttMode    bool
	Iterations  int
	HttpPort    int
}

// Runner is implemented by App; tests substitute a mock.
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunSimulate() error
	RunFit() error
	RunAlign() error
	RunService() error
}

func run(args []string, out io.Writer, app Runner) error {
	fs := flag.NewFlagSet("svtalign", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "", "Path to configuration file (default: built-in 12-plane telescope)")
	fs.StringVar(&opts.EventsFile, "events", "events.json", "Events file written by --simulate and read by --fit/--align")
	fs.StringVar(&opts.OutputFile, "output", "aligned.yaml", "Aligned geometry written by --align")
	fs.StringVar(&opts.PlotDir, "plots", "", "Directory for fit quality histograms (--fit)")
	fs.StringVar(&opts.DisplayFile, "display", "", "Event display output, .svg or .png (--fit)")
	fs.IntVar(&opts.Simulate, "simulate", 0, "Simulate this many tracks")
	fs.Uint64Var(&opts.Seed, "seed", 1, "Random seed for --simulate")
	fs.StringVar(&opts.Misalign, "misalign", "", "Misalign a plane when simulating: PLANE_ID:DU_MM:GAMMA_RAD")
	fs.BoolVar(&opts.FitMode, "fit", false, "Fit events and report fit quality")
	fs.BoolVar(&opts.AlignMode, "align", false, "Run the alignment and write the aligned geometry")
	fs.BoolVar(&opts.ServeMode, "serve", false, "Run the alignment service with HTTP endpoints")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Publish alignment reports over MQTT")
	fs.IntVar(&opts.Iterations, "iterations", 0, "Alignment iterations (default: from config)")
	fs.IntVar(&opts.HttpPort, "http-port", 0, "HTTP server port (default: from config, 8080)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	fmt.Fprintf(out, "svtalign version: %s\n", Version)
	app.ApplyOptions(opts)

	switch {
	case opts.ServeMode:
		return app.RunService()
	case opts.AlignMode:
		return app.RunAlign()
	case opts.FitMode:
		return app.RunFit()
	case opts.Simulate > 0:
		return app.RunSimulate()
	}

	fmt.Fprintln(out, "Nothing to do.")
	fmt.Fprintln(out, "Use --simulate N to generate tracks into --events")
	fmt.Fprintln(out, "Use --fit to fit events and report fit quality (--plots, --display)")
	fmt.Fprintln(out, "Use --align to align the planes with an align mask in --config")
	fmt.Fprintln(out, "Use --serve to run the alignment service (add --mqtt to publish reports)")
	return nil
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Fatal(err)
	}
}
