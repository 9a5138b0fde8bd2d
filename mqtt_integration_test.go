package main

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const integrationConfig = `mqtt:
  broker: "tcp://localhost:1883"
  publishPrefix: "svtalign-test"
  clientId: "svtalign-test"
http:
  port: 18080
alignment:
  iterations: 3
planes:
  - {id: 1, origin: [0, 0, 100], angles: [0, 0, 0], resolution: [0.01, 0.01]}
  - {id: 2, origin: [0, 0, 200], angles: [0, 0, 0], resolution: [0.01, 0.01], align: [1, 1, 0, 0, 0, 0]}
  - {id: 3, origin: [0, 0, 300], angles: [0, 0, 0], resolution: [0.01, 0.01]}
`

// buildBinary compiles svtalign into dir.
func buildBinary(t *testing.T, dir string) string {
	t.Helper()
	binaryPath := filepath.Join(dir, "svtalign-test")
	buildCmd := exec.Command("go", "build", "-o", binaryPath, ".")
	if output, err := buildCmd.CombinedOutput(); err != nil {
		t.Fatalf("Failed to build binary: %v\n%s", err, output)
	}
	return binaryPath
}

// TestServiceStartup runs the alignment service against a local broker
func TestServiceStartup(t *testing.T) {
	// Skip if not running integration tests
	if os.Getenv("RUN_INTEGRATION_TESTS") != "1" {
		t.Skip("Skipping integration test (set RUN_INTEGRATION_TESTS=1 to run)")
	}

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "telescope.yaml")
	if err := os.WriteFile(configPath, []byte(integrationConfig), 0644); err != nil {
		t.Fatalf("Failed to create test config: %v", err)
	}
	binaryPath := buildBinary(t, tmpDir)

	tests := []struct {
		name           string
		args           []string
		expectInOutput []string
		timeout        time.Duration
		wantFailure    bool
	}{
		{
			name: "successful startup with config",
			args: []string{"--serve", "--mqtt", "--simulate=200", "--config=" + configPath},
			expectInOutput: []string{
				"Starting svtalign service",
				"Loaded config from",
				"Connected to MQTT broker",
				"Publishing alignment reports to svtalign-test/alignment",
				"GET /alignment",
				"Press Ctrl+C to stop",
			},
			timeout: 5 * time.Second,
		},
		{
			name: "missing config file",
			args: []string{"--serve", "--config=nonexistent.yaml"},
			expectInOutput: []string{
				"Starting svtalign service",
				"failed to load config",
			},
			timeout:     2 * time.Second,
			wantFailure: true,
		},
		{
			name: "unreachable broker",
			args: []string{"--serve", "--mqtt", "--simulate=10", "--config=" + configPath},
			expectInOutput: []string{
				"connecting to MQTT broker tcp://localhost:1",
			},
			timeout:     15 * time.Second,
			wantFailure: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), tt.timeout)
			defer cancel()

			cmd := exec.CommandContext(ctx, binaryPath, tt.args...)
			if tt.name == "unreachable broker" {
				cmd.Env = append(os.Environ(), "MQTT_BROKER=tcp://localhost:1")
			}
			output, err := cmd.CombinedOutput()
			outputStr := string(output)

			for _, expected := range tt.expectInOutput {
				if !strings.Contains(outputStr, expected) {
					t.Errorf("Expected output to contain '%s', but it didn't.\nFull output:\n%s",
						expected, outputStr)
				}
			}
			if tt.wantFailure && err == nil {
				t.Error("Expected command to fail, but it succeeded")
			}
		})
	}
}

// TestServiceSignalHandling tests SIGINT handling
func TestServiceSignalHandling(t *testing.T) {
	if os.Getenv("RUN_INTEGRATION_TESTS") != "1" {
		t.Skip("Skipping integration test (set RUN_INTEGRATION_TESTS=1 to run)")
	}

	tmpDir := t.TempDir()
	binaryPath := buildBinary(t, tmpDir)

	// Built-in telescope, no broker needed
	cmd := exec.Command(binaryPath, "--serve", "--simulate=500", "--http-port=18081")
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start service: %v", err)
	}

	// Give it time to start
	time.Sleep(2 * time.Second)

	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		t.Logf("Failed to send SIGINT (process may have already exited): %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Service exited with error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Error("Service did not shut down within timeout")
		if err := cmd.Process.Kill(); err != nil {
			t.Logf("Failed to kill process: %v", err)
		}
	}
}

// TestHelpFlag tests the --help output documents the modes
func TestHelpFlag(t *testing.T) {
	cmd := exec.Command("go", "run", ".", "--help")
	output, err := cmd.CombinedOutput()
	if err != nil {
		// --help exits with status 0 or 2, depending on flag package
		if !strings.Contains(err.Error(), "exit status") {
			t.Fatalf("Failed to run --help: %v", err)
		}
	}

	outputStr := string(output)
	for _, flagName := range []string{"-align", "-fit", "-serve", "-mqtt", "-misalign"} {
		if !strings.Contains(outputStr, flagName) {
			t.Errorf("Expected --help output to contain %s flag", flagName)
		}
	}
	if !strings.Contains(outputStr, "Publish alignment reports over MQTT") {
		t.Error("Expected --help output to describe MQTT publishing")
	}
}
