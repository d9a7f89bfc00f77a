package main

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	filename := filepath.Join(t.TempDir(), "configuration.toml")
	if err := os.WriteFile(filename, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return filename
}

func TestParseConfig(t *testing.T) {
	filename := writeConfig(t, `
[endpoint]
listen = "127.0.0.1:0"
buffer = 32

[logging]
level = "debug"
format = "text"
`)

	endpoint, manager, stats, conf, err := parseConfig(filename)
	if err != nil {
		t.Fatal(err)
	}
	defer endpoint.Close()

	if manager != nil {
		t.Fatal("A discovery manager was started without discovery.announce")
	}
	if stats != nil {
		t.Fatal("A statistics server was built without stats.listen")
	}
	if conf.Endpoint.Service != "echo" {
		t.Fatalf("Default service name not applied: %q", conf.Endpoint.Service)
	}
	if endpoint.LocalAddr() == nil {
		t.Fatal("Endpoint has no local address")
	}
}

func TestParseConfigInvalid(t *testing.T) {
	tests := []string{
		// Missing endpoint.listen, an unresolvable address, a type error.
		"",
		"[endpoint]\nlisten = \"nonsense\"",
		"[endpoint]\nlisten = 23",
	}

	for _, content := range tests {
		filename := writeConfig(t, content)
		if _, _, _, _, err := parseConfig(filename); err == nil {
			t.Fatalf("Expected error for %q", content)
		}
	}
}

func TestParseListenPort(t *testing.T) {
	if port, err := parseListenPort("0.0.0.0:4444"); err != nil || port != 4444 {
		t.Fatalf("Expected port 4444, got %d, %v", port, err)
	}
	if _, err := parseListenPort("no-port"); err == nil {
		t.Fatal("Expected error for a missing port")
	}
}
