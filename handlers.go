package main

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tdewolff/canvas"

	"github.com/kwv/svtalign/align"
	"github.com/kwv/svtalign/display"
	"github.com/kwv/svtalign/track"
)

// reportSource is satisfied by *align.Aligner.
type reportSource interface {
	LastReport() *align.IterationReport
}

// trackSource fits the sample tracks against a geometry for display.
type trackSource func(planes []track.DetectorPlane) []display.Track

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(store *track.GeometryStore, reports reportSource, tracks trackSource, dpi float64) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] /health request from %s", r.RemoteAddr)
		w.Header().Set("Content-Type", "application/json")
		status := struct {
			Status     string    `json:"status"`
			Timestamp  time.Time `json:"timestamp"`
			Generation uint64    `json:"generation"`
		}{
			Status:     "ok",
			Timestamp:  time.Now(),
			Generation: store.Load().Generation,
		}
		if err := json.NewEncoder(w).Encode(status); err != nil {
			log.Printf("Error encoding health status: %v", err)
		}
	})

	// Current geometry
	mux.HandleFunc("/geometry", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] /geometry request from %s", r.RemoteAddr)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		if err := json.NewEncoder(w).Encode(store.Load()); err != nil {
			log.Printf("Error encoding geometry: %v", err)
		}
	})

	// Latest alignment iteration
	mux.HandleFunc("/alignment", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] /alignment request from %s", r.RemoteAddr)
		report := reports.LastReport()
		if report == nil {
			http.Error(w, "No alignment iteration completed yet", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		if err := json.NewEncoder(w).Encode(report); err != nil {
			log.Printf("Error encoding alignment report: %v", err)
		}
	})

	// Event displays of the sample tracks through the current geometry
	render := func(w http.ResponseWriter, contentType string, png bool) {
		planes := store.Load().Planes
		r := display.NewEventRenderer(planes, tracks(planes))
		if dpi > 0 {
			r.Resolution = canvas.DPI(dpi)
		}
		var buf bytes.Buffer
		var err error
		if png {
			err = r.RenderToPNG(&buf)
		} else {
			err = r.RenderToSVG(&buf)
		}
		if err != nil {
			log.Printf("Error rendering event display: %v", err)
			http.Error(w, "Failed to render event display", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Cache-Control", "no-cache")
		if _, err := w.Write(buf.Bytes()); err != nil {
			log.Printf("Error writing event display: %v", err)
		}
	}
	mux.HandleFunc("/display.svg", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] /display.svg request from %s", r.RemoteAddr)
		render(w, "image/svg+xml", false)
	})
	mux.HandleFunc("/display.png", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] /display.png request from %s", r.RemoteAddr)
		render(w, "image/png", true)
	})

	mux.Handle("/metrics", promhttp.Handler())

	return mux
}
