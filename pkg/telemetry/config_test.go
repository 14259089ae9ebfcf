// ABOUTME: Tests for telemetry configuration defaults, validation and environment overrides
// ABOUTME: Environment changes use t.Setenv so they are restored after each test

package telemetry

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.ServiceName != "spillstore" {
		t.Errorf("Expected default service name 'spillstore', got '%s'", cfg.ServiceName)
	}

	if cfg.Enabled {
		t.Error("Expected telemetry to be disabled by default")
	}

	if len(cfg.Exporters) != 1 || cfg.Exporters[0] != "stdout" {
		t.Errorf("Expected default exporters ['stdout'], got %v", cfg.Exporters)
	}

	if cfg.SampleRate != 1.0 {
		t.Errorf("Expected default sample rate 1.0, got %f", cfg.SampleRate)
	}

	if cfg.ExportTimeout != 30*time.Second {
		t.Errorf("Expected default export timeout 30s, got %s", cfg.ExportTimeout)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected default config to validate, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid default config", func(*Config) {}, false},
		{"empty service name", func(c *Config) { c.ServiceName = "" }, true},
		{"sample rate above one", func(c *Config) { c.SampleRate = 2 }, true},
		{"zero export timeout", func(c *Config) { c.ExportTimeout = 0 }, true},
		{"zero batch timeout", func(c *Config) { c.BatchTimeout = 0 }, true},
		{"batch larger than queue", func(c *Config) { c.MaxExportBatchSize = c.MaxQueueSize + 1 }, true},
		{"unknown exporter", func(c *Config) { c.Exporters = []string{"jaeger"} }, true},
		{"otlp without endpoint", func(c *Config) {
			c.Exporters = []string{"otlp"}
			c.OTLPEndpoint = ""
		}, true},
		{"otlp and stdout", func(c *Config) { c.Exporters = []string{"otlp", "stdout"} }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfigLoadFromEnv(t *testing.T) {
	t.Setenv("SPILLSTORE_TELEMETRY_SERVICE_NAME", "test-service")
	t.Setenv("SPILLSTORE_TELEMETRY_SERVICE_VERSION", "2.0.0")
	t.Setenv("SPILLSTORE_TELEMETRY_ENABLED", "true")
	t.Setenv("SPILLSTORE_TELEMETRY_EXPORTERS", "otlp, stdout")
	t.Setenv("SPILLSTORE_TELEMETRY_SAMPLE_RATE", "0.5")
	t.Setenv("SPILLSTORE_TELEMETRY_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("SPILLSTORE_TELEMETRY_EXPORT_TIMEOUT", "60s")
	t.Setenv("SPILLSTORE_TELEMETRY_BATCH_TIMEOUT", "2s")

	cfg := DefaultConfig()
	cfg.LoadFromEnv()

	if cfg.ServiceName != "test-service" {
		t.Errorf("Expected service name 'test-service', got '%s'", cfg.ServiceName)
	}

	if cfg.ServiceVersion != "2.0.0" {
		t.Errorf("Expected service version '2.0.0', got '%s'", cfg.ServiceVersion)
	}

	if !cfg.Enabled {
		t.Error("Expected telemetry to be enabled")
	}

	if len(cfg.Exporters) != 2 || cfg.Exporters[0] != "otlp" || cfg.Exporters[1] != "stdout" {
		t.Errorf("Expected exporters [otlp stdout], got %v", cfg.Exporters)
	}

	if cfg.SampleRate != 0.5 {
		t.Errorf("Expected sample rate 0.5, got %f", cfg.SampleRate)
	}

	if cfg.OTLPEndpoint != "collector:4317" {
		t.Errorf("Expected OTLP endpoint 'collector:4317', got '%s'", cfg.OTLPEndpoint)
	}

	if cfg.ExportTimeout != 60*time.Second || cfg.BatchTimeout != 2*time.Second {
		t.Errorf("Expected timeouts 60s/2s, got %s/%s", cfg.ExportTimeout, cfg.BatchTimeout)
	}
}

func TestConfigHasExporter(t *testing.T) {
	cfg := Config{Exporters: []string{"otlp", "stdout"}}

	if !cfg.HasExporter("otlp") || !cfg.HasExporter("stdout") {
		t.Error("Expected configured exporters to be reported")
	}

	if cfg.HasExporter("invalid") {
		t.Error("Expected HasExporter('invalid') to return false")
	}
}

func TestConfigLoadFromEnvInvalidValues(t *testing.T) {
	t.Setenv("SPILLSTORE_TELEMETRY_ENABLED", "invalid")
	t.Setenv("SPILLSTORE_TELEMETRY_SAMPLE_RATE", "invalid")
	t.Setenv("SPILLSTORE_TELEMETRY_EXPORT_TIMEOUT", "soon")

	cfg := DefaultConfig()
	want := DefaultConfig()
	cfg.LoadFromEnv()

	if cfg.Enabled != want.Enabled {
		t.Error("Invalid boolean should not change the value")
	}
	if cfg.SampleRate != want.SampleRate {
		t.Error("Invalid sample rate should not change the value")
	}
	if cfg.ExportTimeout != want.ExportTimeout {
		t.Error("Invalid duration should not change the value")
	}
}
