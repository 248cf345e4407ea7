package main

import (
	"testing"
	"time"
)

// TestFlagDefaults verifies the defaults operators rely on.
func TestFlagDefaults(t *testing.T) {
	if *listen != ":8080" {
		t.Errorf("listen default = %q, want :8080", *listen)
	}
	if *dbPath == "" {
		t.Error("recording should be enabled by default")
	}
	if *statsInterval != 10*time.Second {
		t.Errorf("stats-interval default = %v, want 10s", *statsInterval)
	}
	if *mqttBroker != "" {
		t.Error("MQTT publishing should be off by default")
	}
	if *devMode || *disableSerial || *replayLoop {
		t.Error("dev, disable-serial and loop should default to false")
	}
}

// TestOpenTransport_Modes verifies the transports that need no hardware.
func TestOpenTransport_Modes(t *testing.T) {
	tests := []struct {
		name    string
		dev     bool
		disable bool
		want    string
	}{
		{"disabled wins", true, true, "disabled"},
		{"dev mode", true, false, "mock"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			*devMode, *disableSerial = tc.dev, tc.disable
			defer func() { *devMode, *disableSerial = false, false }()

			m, name := openTransport(nil)
			defer m.Close()
			if name != tc.want {
				t.Errorf("transport = %q, want %q", name, tc.want)
			}
		})
	}
}
