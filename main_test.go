package main

import (
	"bytes"
	"errors"
	"flag"
	"strings"
	"testing"
)

type mockApp struct {
	opts   AppOptions
	called map[string]bool
	err    error
}

func newMockApp() *mockApp {
	return &mockApp{
		called: make(map[string]bool),
	}
}

func (m *mockApp) ApplyOptions(opts AppOptions) { m.opts = opts }
func (m *mockApp) RunSimulate() error           { m.called["RunSimulate"] = true; return m.err }
func (m *mockApp) RunFit() error                { m.called["RunFit"] = true; return m.err }
func (m *mockApp) RunAlign() error              { m.called["RunAlign"] = true; return m.err }
func (m *mockApp) RunService() error            { m.called["RunService"] = true; return m.err }

func TestRun_Flags(t *testing.T) {
	tests := []struct {
		name           string
		args           []string
		expectedCalled string
		verifyOpts     func(*testing.T, AppOptions)
	}{
		{
			name:           "Simulate",
			args:           []string{"--simulate", "500", "--seed", "7", "--misalign", "5:0.05:0.002", "--events", "ev.json"},
			expectedCalled: "RunSimulate",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.Simulate != 500 || opts.Seed != 7 {
					t.Errorf("expected Simulate 500 seed 7, got %d %d", opts.Simulate, opts.Seed)
				}
				if opts.Misalign != "5:0.05:0.002" {
					t.Errorf("expected Misalign 5:0.05:0.002, got %s", opts.Misalign)
				}
				if opts.EventsFile != "ev.json" {
					t.Errorf("expected EventsFile ev.json, got %s", opts.EventsFile)
				}
			},
		},
		{
			name:           "Fit",
			args:           []string{"--fit", "--plots", "out/plots", "--display", "event.svg"},
			expectedCalled: "RunFit",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.PlotDir != "out/plots" {
					t.Errorf("expected PlotDir out/plots, got %s", opts.PlotDir)
				}
				if opts.DisplayFile != "event.svg" {
					t.Errorf("expected DisplayFile event.svg, got %s", opts.DisplayFile)
				}
				if opts.EventsFile != "events.json" {
					t.Errorf("expected default EventsFile, got %s", opts.EventsFile)
				}
			},
		},
		{
			name:           "Align",
			args:           []string{"--align", "--config", "telescope.yaml", "--iterations", "12", "--output", "new.yaml"},
			expectedCalled: "RunAlign",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.ConfigFile != "telescope.yaml" {
					t.Errorf("expected ConfigFile telescope.yaml, got %s", opts.ConfigFile)
				}
				if opts.Iterations != 12 {
					t.Errorf("expected Iterations 12, got %d", opts.Iterations)
				}
				if opts.OutputFile != "new.yaml" {
					t.Errorf("expected OutputFile new.yaml, got %s", opts.OutputFile)
				}
			},
		},
		{
			name:           "Serve",
			args:           []string{"--serve", "--mqtt", "--http-port", "9090"},
			expectedCalled: "RunService",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if !opts.MqttMode {
					t.Error("expected MqttMode true")
				}
				if opts.HttpPort != 9090 {
					t.Errorf("expected HttpPort 9090, got %d", opts.HttpPort)
				}
			},
		},
		{
			name:           "AlignWinsOverSimulate",
			args:           []string{"--align", "--simulate", "100"},
			expectedCalled: "RunAlign",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newMockApp()
			var out bytes.Buffer
			err := run(tt.args, &out, app)
			if err != nil {
				t.Fatalf("run failed: %v", err)
			}

			if !app.called[tt.expectedCalled] {
				t.Errorf("expected %s to be called", tt.expectedCalled)
			}
			if len(app.called) != 1 {
				t.Errorf("expected exactly one mode, got %v", app.called)
			}

			if tt.verifyOpts != nil {
				tt.verifyOpts(t, app.opts)
			}
		})
	}
}

func TestRun_Help(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	err := run([]string{"--help"}, &out, app)
	if !errors.Is(err, flag.ErrHelp) {
		t.Errorf("expected flag.ErrHelp from --help, got %v", err)
	}
	if !strings.Contains(out.String(), "Usage of svtalign") {
		t.Errorf("expected usage info in output, got: %s", out.String())
	}
}

func TestRun_BadFlag(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	if err := run([]string{"--simulate", "many"}, &out, app); err == nil {
		t.Error("expected error for non-numeric --simulate")
	}
	if len(app.called) != 0 {
		t.Errorf("expected no mode to run, got %v", app.called)
	}
}

func TestRun_Default(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	err := run([]string{}, &out, app)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	expectedPrefix := "svtalign version: " + Version
	if !strings.Contains(out.String(), expectedPrefix) {
		t.Errorf("expected output to contain version, got: %s", out.String())
	}
	if !strings.Contains(out.String(), "Use --align") {
		t.Errorf("expected usage hints, got: %s", out.String())
	}
}

func TestRun_PropagatesErrors(t *testing.T) {
	app := newMockApp()
	app.err = errors.New("boom")
	var out bytes.Buffer
	if err := run([]string{"--fit"}, &out, app); err == nil || err.Error() != "boom" {
		t.Errorf("expected boom, got %v", err)
	}
}

func TestMain_Execute(t *testing.T) {
	// Smoke test to ensure version is set
	if Version == "" {
		t.Error("expected Version to be set")
	}
}
