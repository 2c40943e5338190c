package telemetry

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/OneBeatTrue/code-agent/internal/config"
)

const (
	// ProtocolGRPC exports over OTLP/gRPC.
	ProtocolGRPC = "grpc"
	// ProtocolHTTP exports over OTLP/HTTP with protobuf bodies.
	ProtocolHTTP = "http/protobuf"

	metricExportInterval = 15 * time.Second
	shutdownTimeout      = 5 * time.Second
)

// validate checks an enabled configuration.
func validate(cfg config.TelemetryConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Endpoint == "" {
		return fmt.Errorf("endpoint is required when telemetry is enabled")
	}
	if cfg.ServiceName == "" {
		return fmt.Errorf("service_name is required when telemetry is enabled")
	}
	switch protocol(cfg) {
	case ProtocolGRPC, ProtocolHTTP:
	default:
		return fmt.Errorf("unknown protocol %q, want %s or %s", cfg.Protocol, ProtocolGRPC, ProtocolHTTP)
	}
	if cfg.SampleRate < 0 || cfg.SampleRate > 1 {
		return fmt.Errorf("sample_rate must be between 0 and 1, got %f", cfg.SampleRate)
	}
	// Plaintext export is only allowed to the local collector.
	if cfg.Insecure && !isLocalEndpoint(cfg.Endpoint) {
		return fmt.Errorf("insecure export to remote endpoint %q is not allowed", cfg.Endpoint)
	}
	return nil
}

func protocol(cfg config.TelemetryConfig) string {
	if cfg.Protocol == "" {
		return ProtocolGRPC
	}
	return cfg.Protocol
}

func isLocalEndpoint(endpoint string) bool {
	host := stripScheme(endpoint)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// stripScheme removes http:// or https:// from an endpoint. The OTLP
// exporters expect host:port.
func stripScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	return strings.TrimPrefix(endpoint, "http://")
}
