package mcp

import (
	"testing"
	"time"
)

func TestEffectiveTransportInference(t *testing.T) {
	tests := []struct {
		name string
		cfg  ServerConfig
		want TransportType
	}{
		{"explicit wins", ServerConfig{Transport: TransportWS, Command: "server"}, TransportWS},
		{"command means stdio", ServerConfig{Command: "server"}, TransportStdio},
		{"url means sse", ServerConfig{URL: "https://example.com/mcp"}, TransportSSE},
		{"http_url means http", ServerConfig{HTTPURL: "https://example.com/mcp"}, TransportHTTP},
		{"ws_url means ws", ServerConfig{WSURL: "wss://example.com/mcp"}, TransportWS},
		{"ws beats http", ServerConfig{WSURL: "wss://a", HTTPURL: "https://b"}, TransportWS},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.EffectiveTransport(); got != tt.want {
				t.Errorf("EffectiveTransport() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestServerConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ServerConfig
		wantErr bool
	}{
		{"valid stdio", ServerConfig{Name: "fs", Command: "mcp-fs", Args: []string{"--root", "/data"}}, false},
		{"missing name", ServerConfig{Command: "mcp-fs"}, true},
		{"missing command", ServerConfig{Name: "fs", Transport: TransportStdio}, true},
		{"path traversal in command", ServerConfig{Name: "fs", Command: "../../bin/sh"}, true},
		{"path traversal in cwd", ServerConfig{Name: "fs", Command: "mcp-fs", Cwd: "/tmp/../../etc"}, true},
		{"interior traversal in command", ServerConfig{Name: "fs", Command: "bin/../../sh"}, true},
		{"shell metachars in args", ServerConfig{Name: "fs", Command: "mcp-fs", Args: []string{"a; rm -rf /"}}, true},
		{"valid sse", ServerConfig{Name: "web", URL: "https://example.com/mcp"}, false},
		{"sse bad scheme", ServerConfig{Name: "web", URL: "ftp://example.com"}, true},
		{"valid http", ServerConfig{Name: "web", HTTPURL: "http://localhost:8080/mcp"}, false},
		{"valid ws", ServerConfig{Name: "web", WSURL: "wss://example.com/mcp"}, false},
		{"ws bad scheme", ServerConfig{Name: "web", WSURL: "https://example.com"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("LODESTAR_TEST_TOKEN", "secret123")
	t.Setenv("LODESTAR_TEST_HOME", "/srv/data")

	cfg := &ServerConfig{
		Name:    "api",
		Command: "${LODESTAR_TEST_HOME}/bin/server",
		Args:    []string{"--token", "$LODESTAR_TEST_TOKEN"},
		Env:     map[string]string{"API_KEY": "${LODESTAR_TEST_TOKEN}"},
		Headers: map[string]string{"Authorization": "Bearer ${LODESTAR_TEST_TOKEN}"},
	}
	expanded := cfg.ExpandEnv()

	if expanded.Command != "/srv/data/bin/server" {
		t.Errorf("Command = %q", expanded.Command)
	}
	if expanded.Args[1] != "secret123" {
		t.Errorf("Args[1] = %q", expanded.Args[1])
	}
	if expanded.Env["API_KEY"] != "secret123" {
		t.Errorf("Env = %v", expanded.Env)
	}
	if expanded.Headers["Authorization"] != "Bearer secret123" {
		t.Errorf("Headers = %v", expanded.Headers)
	}
	// Original untouched.
	if cfg.Command != "${LODESTAR_TEST_HOME}/bin/server" {
		t.Error("ExpandEnv mutated the original config")
	}
}

func TestExpandEnvUnsetVariable(t *testing.T) {
	cfg := &ServerConfig{Name: "api", Command: "run", Args: []string{"${LODESTAR_DEFINITELY_UNSET_VAR}"}}
	if got := cfg.ExpandEnv().Args[0]; got != "" {
		t.Errorf("unset var expanded to %q, want empty", got)
	}
}

func TestToolAllowed(t *testing.T) {
	tests := []struct {
		name    string
		include []string
		exclude []string
		tool    string
		want    bool
	}{
		{"no filters", nil, nil, "anything", true},
		{"included", []string{"read_file"}, nil, "read_file", true},
		{"not included", []string{"read_file"}, nil, "write_file", false},
		{"excluded", nil, []string{"write_file"}, "write_file", false},
		{"exclude beats include", []string{"write_file"}, []string{"write_file"}, "write_file", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := ServerConfig{IncludeTools: tt.include, ExcludeTools: tt.exclude}
			if got := cfg.ToolAllowed(tt.tool); got != tt.want {
				t.Errorf("ToolAllowed(%q) = %v, want %v", tt.tool, got, tt.want)
			}
		})
	}
}

func TestCallTimeoutDefault(t *testing.T) {
	cfg := ServerConfig{}
	if got := cfg.CallTimeout(); got != DefaultCallTimeout {
		t.Errorf("CallTimeout() = %v, want %v", got, DefaultCallTimeout)
	}
	cfg.Timeout = 5 * time.Second
	if got := cfg.CallTimeout(); got != 5*time.Second {
		t.Errorf("CallTimeout() = %v", got)
	}
}
