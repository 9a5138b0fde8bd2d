package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/tdewolff/canvas"

	"github.com/kwv/svtalign/align"
	"github.com/kwv/svtalign/config"
	"github.com/kwv/svtalign/display"
	"github.com/kwv/svtalign/linalg"
	"github.com/kwv/svtalign/monitor"
	"github.com/kwv/svtalign/track"
)

// displayTracks is the number of fitted tracks drawn in event displays.
const displayTracks = 10

// App encapsulates the application state and dependencies
type App struct {
	Config     *config.Config
	Store      *track.GeometryStore
	MQTTClient mqtt.Client
	Publisher  *align.Publisher
	Logger     *slog.Logger
	Out        io.Writer

	opts AppOptions
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		Logger: slog.Default(),
		Out:    os.Stdout,
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.opts = opts
}

// loadConfig reads --config, or falls back to the built-in telescope.
func (a *App) loadConfig() error {
	if a.Config == nil {
		if a.opts.ConfigFile == "" {
			a.Config = config.Synthetic(nil)
			log.Printf("Using built-in 12-plane telescope")
		} else {
			cfg, err := config.LoadConfig(a.opts.ConfigFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			a.Config = cfg
			log.Printf("Loaded config from %s", a.opts.ConfigFile)
		}
	}
	planes, err := a.Config.DetectorPlanes()
	if err != nil {
		return err
	}
	a.Store = track.NewGeometryStore(planes)
	return nil
}

// masks returns the configured alignment masks. The built-in telescope
// floats u and γ of every plane but the two at each end.
func (a *App) masks() (map[int]align.Mask, error) {
	masks, err := a.Config.Masks()
	if err != nil {
		return nil, err
	}
	if len(masks) > 0 {
		return masks, nil
	}
	if a.opts.ConfigFile != "" {
		return nil, fmt.Errorf("no plane in %s has an align mask", a.opts.ConfigFile)
	}
	planes := a.Store.Load().Planes
	for i := 2; i < len(planes)-2; i++ {
		masks[planes[i].ID] = align.Mask{align.ShiftU: true, align.RotW: true}
	}
	return masks, nil
}

// alignConfig applies --iterations on top of the configuration.
func (a *App) alignConfig() align.Config {
	cfg := a.Config.AlignConfig()
	if a.opts.Iterations > 0 {
		cfg.Iterations = a.opts.Iterations
	}
	return cfg
}

// RunSimulate generates tracks and writes them to the events file.
func (a *App) RunSimulate() error {
	if err := a.loadConfig(); err != nil {
		return err
	}
	events, err := a.simulate()
	if err != nil {
		return err
	}
	if err := writeEvents(a.opts.EventsFile, events); err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "Simulated %d tracks into %s\n", len(events), a.opts.EventsFile)
	return nil
}

func (a *App) simulate() ([]align.Event, error) {
	planes := a.Store.Load().Planes
	if a.opts.Misalign != "" {
		id, du, gamma, err := parseMisalign(a.opts.Misalign)
		if err != nil {
			return nil, err
		}
		if planes, err = misalignPlane(planes, id, du, gamma); err != nil {
			return nil, err
		}
		log.Printf("Simulating plane %d shifted by %.4g mm in u and rotated by %.4g rad", id, du, gamma)
	}
	rng := rand.New(rand.NewPCG(a.opts.Seed, a.opts.Seed+1))
	return simulateEvents(planes, a.opts.Simulate, rng)
}

// loadEvents simulates when --simulate is given and reads --events
// otherwise.
func (a *App) loadEvents() ([]align.Event, error) {
	if a.opts.Simulate > 0 {
		return a.simulate()
	}
	events, err := readEvents(a.opts.EventsFile)
	if err != nil {
		return nil, err
	}
	log.Printf("Loaded %d events from %s", len(events), a.opts.EventsFile)
	return events, nil
}

// RunFit fits every event against the configured geometry and reports the
// fit quality.
func (a *App) RunFit() error {
	if err := a.loadConfig(); err != nil {
		return err
	}
	events, err := a.loadEvents()
	if err != nil {
		return err
	}

	plotter := monitor.NewFitPlotter(50)
	if err := plotter.Start(a.opts.PlotDir); err != nil {
		return err
	}

	planes := a.Store.Load().Planes
	acfg := a.alignConfig()
	opts := acfg.Fit
	a0, b0 := acfg.InitialPoint, acfg.InitialDirection
	split := len(planes) / 2
	pivotZ := 0.0
	if split > 0 {
		pivotZ = (planes[split-1].Origin[2] + planes[split].Origin[2]) / 2
	}

	var tracks []display.Track
	failed := 0
	for i, ev := range events {
		fit, err := track.Fit(planes, ev.Hits, a0, b0, opts)
		if err != nil {
			if errors.Is(err, track.ErrShapeMismatch) {
				return fmt.Errorf("event %d: %w", i, err)
			}
			failed++
			continue
		}
		plotter.RecordFit(fit, ev.Truth)
		if !fit.Solved() {
			continue
		}
		if res, err := track.UnbiasedResiduals(planes, ev.Hits, a0, b0, opts); err == nil {
			plotter.RecordResiduals(res)
		}
		if split >= 3 {
			seg, err := track.FitSegments(planes, ev.Hits, a0, b0, split, pivotZ, opts)
			if err == nil && seg.Front.Solved() && seg.Back.Solved() {
				plotter.RecordSegments(seg)
			}
		}
		if len(tracks) < displayTracks {
			tracks = append(tracks, display.TrackFromFit(fit))
		}
	}
	plotter.Stop()

	s := plotter.Summary()
	fmt.Fprintf(a.Out, "Fitted %d events (%d unsolved, %d failed)\n", s.Fits, s.Unsolved, failed)
	fmt.Fprintf(a.Out, "  mean chi2/ndf:      %.3f\n", s.MeanChi2PerNDF)
	fmt.Fprintf(a.Out, "  mean probability:   %.3f\n", s.MeanProb)
	for i, name := range monitor.ParamNames {
		if s.PullStdDev[i] > 0 {
			fmt.Fprintf(a.Out, "  pull %-3s mean %+.3f  sigma %.3f\n", name, s.PullMean[i], s.PullStdDev[i])
		}
	}
	for _, p := range planes {
		if r, ok := s.Residuals[p.ID]; ok {
			fmt.Fprintf(a.Out, "  plane %2d %-4s residual mean %+.5f mm  sigma %.5f mm  (%d)\n",
				p.ID, p.Name, r.Mean, r.StdDev, r.Count)
		}
	}

	if a.opts.PlotDir != "" {
		n, err := plotter.GeneratePlots()
		if err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "Wrote %d plots to %s\n", n, a.opts.PlotDir)
	}
	if a.opts.DisplayFile != "" {
		if err := writeDisplay(a.opts.DisplayFile, planes, tracks, a.Config.VectorResolution); err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "Wrote event display to %s\n", a.opts.DisplayFile)
	}
	return nil
}

// newAligner wires the aligner with the MQTT publisher when --mqtt is set.
func (a *App) newAligner(masks map[int]align.Mask) (*align.Aligner, error) {
	var sink align.ReportSink
	if a.opts.MqttMode {
		client, err := connectMQTT(a.Config.MQTT)
		if err != nil {
			return nil, err
		}
		a.MQTTClient = client
		a.Publisher = align.NewPublisher(client, a.Config.MQTT.PublishPrefix)
		sink = a.Publisher
		fmt.Fprintf(a.Out, "Publishing alignment reports to %s/alignment\n", a.Publisher.Prefix())
	}
	return align.NewAligner(a.Store, masks, a.alignConfig(), a.Logger, sink)
}

// RunAlign aligns the masked planes and writes the new geometry.
func (a *App) RunAlign() error {
	if err := a.loadConfig(); err != nil {
		return err
	}
	events, err := a.loadEvents()
	if err != nil {
		return err
	}
	masks, err := a.masks()
	if err != nil {
		return err
	}
	al, err := a.newAligner(masks)
	if err != nil {
		return err
	}
	defer a.disconnect()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reports, err := al.Run(ctx, events)
	if err != nil {
		return fmt.Errorf("alignment run %s: %w", al.RunID(), err)
	}
	printReports(a.Out, reports)

	out := *a.Config
	out.Planes = config.FromGeometry(a.Store.Load().Planes, masks).Planes
	if err := config.SaveConfig(a.opts.OutputFile, &out); err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "Wrote aligned geometry to %s\n", a.opts.OutputFile)
	return nil
}

func printReports(w io.Writer, reports []align.IterationReport) {
	for _, r := range reports {
		fmt.Fprintf(w, "Iteration %d: %d fitted, %d rejected, %d failed, chi2/ndf %.3f\n",
			r.Iteration, r.Fitted, r.Rejected, r.Failed, r.MeanChi2PerNDF)
	}
	if len(reports) == 0 {
		return
	}
	last := reports[len(reports)-1]
	for _, sol := range last.Planes {
		var parts []string
		for _, p := range sol.Parameters {
			if p.Floated {
				parts = append(parts, fmt.Sprintf("%s=%+.5g±%.2g", p.Name, p.Total, p.Uncertainty))
			}
		}
		fmt.Fprintf(w, "  plane %2d: %s\n", sol.PlaneID, strings.Join(parts, " "))
	}
}

// RunService runs the alignment in the background and serves its state
// over HTTP until interrupted.
func (a *App) RunService() error {
	fmt.Fprintln(a.Out, "Starting svtalign service...")
	if err := a.loadConfig(); err != nil {
		return err
	}
	events, err := a.loadEvents()
	if err != nil {
		return err
	}
	masks, err := a.masks()
	if err != nil {
		return err
	}
	al, err := a.newAligner(masks)
	if err != nil {
		return err
	}
	defer a.disconnect()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	port := a.opts.HttpPort
	if port == 0 {
		port = a.Config.HTTP.Port
	}
	fitOpts := a.alignConfig()
	sample := events[:min(displayTracks, len(events))]
	handler := newHTTPServer(a.Store, al, func(planes []track.DetectorPlane) []display.Track {
		return fitTracks(planes, sample, fitOpts)
	}, a.Config.VectorResolution)

	srv := &http.Server{Addr: fmt.Sprintf("0.0.0.0:%d", port), Handler: handler}
	go func() {
		log.Printf("[HTTP] Starting server on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[HTTP] Server error: %v", err)
			stop()
		}
	}()

	go func() {
		reports, err := al.Run(ctx, events)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("Alignment run %s failed: %v", al.RunID(), err)
			return
		}
		log.Printf("Alignment run %s finished after %d iterations", al.RunID(), len(reports))
	}()

	fmt.Fprintf(a.Out, "\nHTTP endpoints (port %d):\n", port)
	fmt.Fprintln(a.Out, "  GET /health       - Health check")
	fmt.Fprintln(a.Out, "  GET /geometry     - Current geometry generation")
	fmt.Fprintln(a.Out, "  GET /alignment    - Latest alignment iteration report")
	fmt.Fprintln(a.Out, "  GET /display.svg  - Event display")
	fmt.Fprintln(a.Out, "  GET /display.png  - Event display (raster)")
	fmt.Fprintln(a.Out, "  GET /metrics      - Prometheus metrics")
	fmt.Fprintln(a.Out, "\nPress Ctrl+C to stop")

	<-ctx.Done()

	fmt.Fprintln(a.Out, "\nShutting down service...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[HTTP] Shutdown error: %v", err)
	}
	fmt.Fprintln(a.Out, "Service stopped")
	return nil
}

func (a *App) disconnect() {
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect(250)
	}
}

// connectMQTT connects a publishing client. MQTT_BROKER, MQTT_CLIENT_ID,
// MQTT_USERNAME and MQTT_PASSWORD override the configuration.
func connectMQTT(cfg config.MQTTConfig) (mqtt.Client, error) {
	broker := os.Getenv("MQTT_BROKER")
	if broker == "" {
		broker = cfg.Broker
	}
	if broker == "" {
		return nil, fmt.Errorf("MQTT broker not configured (set mqtt.broker or MQTT_BROKER)")
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)

	clientID := os.Getenv("MQTT_CLIENT_ID")
	if clientID == "" {
		clientID = cfg.ClientID
	}
	if clientID == "" {
		clientID = config.DefaultPublishPrefix
	}
	opts.SetClientID(clientID)

	username := os.Getenv("MQTT_USERNAME")
	if username == "" {
		username = cfg.Username
	}
	if username != "" {
		opts.SetUsername(username)
		password := os.Getenv("MQTT_PASSWORD")
		if password == "" {
			password = cfg.Password
		}
		opts.SetPassword(password)
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("MQTT connection lost: %v", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("timed out connecting to MQTT broker %s", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to MQTT broker %s: %w", broker, err)
	}
	log.Printf("Connected to MQTT broker %s", broker)
	return client, nil
}

// parseMisalign parses PLANE_ID:DU_MM:GAMMA_RAD.
func parseMisalign(arg string) (id int, du, gamma float64, err error) {
	parts := strings.Split(arg, ":")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("invalid --misalign %q: want PLANE_ID:DU_MM:GAMMA_RAD", arg)
	}
	if id, err = strconv.Atoi(parts[0]); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid --misalign plane %q: %w", parts[0], err)
	}
	if du, err = strconv.ParseFloat(parts[1], 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid --misalign shift %q: %w", parts[1], err)
	}
	if gamma, err = strconv.ParseFloat(parts[2], 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid --misalign rotation %q: %w", parts[2], err)
	}
	return id, du, gamma, nil
}

// misalignPlane moves plane id by du along its u axis and rotates it by
// gamma with the same parametrization the alignment solves for, so the
// aligned totals converge to (du, gamma).
func misalignPlane(planes []track.DetectorPlane, id int, du, gamma float64) ([]track.DetectorPlane, error) {
	out := make([]track.DetectorPlane, len(planes))
	copy(out, planes)
	for i, p := range out {
		if p.ID == id {
			out[i] = p.WithPose(
				p.Rotation.Mul(linalg.Rotation(2, gamma)),
				p.Origin.Add(p.Rotation.TMulVec(linalg.Vec3{du, 0, 0})),
			)
			return out, nil
		}
	}
	return nil, fmt.Errorf("no plane with id %d", id)
}

// simulateEvents generates n straight tracks from a ±10 mm spot at z=0
// around the first plane's transverse position, with slopes up to ±0.02.
func simulateEvents(planes []track.DetectorPlane, n int, rng *rand.Rand) ([]align.Event, error) {
	if len(planes) == 0 {
		return nil, track.ErrNoPlanes
	}
	cx, cy := planes[0].Origin[0], planes[0].Origin[1]
	events := make([]align.Event, n)
	for i := range events {
		a := linalg.Vec3{cx - 10 + 20*rng.Float64(), cy - 10 + 20*rng.Float64(), 0}
		b := linalg.Vec3{-0.02 + 0.04*rng.Float64(), -0.02 + 0.04*rng.Float64(), 1}
		hits, err := track.GenerateHits(planes, a, b, rng)
		if err != nil {
			return nil, err
		}
		events[i] = align.Event{Hits: hits, Truth: &[track.NumParams]float64{a[0], a[1], b[0], b[1]}}
	}
	return events, nil
}

// fitTracks fits events against planes for display, skipping failures.
func fitTracks(planes []track.DetectorPlane, events []align.Event, cfg align.Config) []display.Track {
	var tracks []display.Track
	for _, ev := range events {
		fit, err := track.Fit(planes, ev.Hits, cfg.InitialPoint, cfg.InitialDirection, cfg.Fit)
		if err != nil || !fit.Solved() {
			continue
		}
		tracks = append(tracks, display.TrackFromFit(fit))
	}
	return tracks
}

func readEvents(path string) ([]align.Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("events file not found: %s", path)
		}
		return nil, fmt.Errorf("reading events file: %w", err)
	}
	var events []align.Event
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("parsing events JSON: %w", err)
	}
	return events, nil
}

func writeEvents(path string, events []align.Event) error {
	data, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("marshaling events JSON: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing events file: %w", err)
	}
	return nil
}

// writeDisplay renders an event display, PNG for a .png path and SVG
// otherwise.
func writeDisplay(path string, planes []track.DetectorPlane, tracks []display.Track, dpi float64) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating display file: %w", err)
	}
	defer f.Close()

	r := display.NewEventRenderer(planes, tracks)
	if dpi > 0 {
		r.Resolution = canvas.DPI(dpi)
	}
	if strings.EqualFold(filepath.Ext(path), ".png") {
		return r.RenderToPNG(f)
	}
	return r.RenderToSVG(f)
}
