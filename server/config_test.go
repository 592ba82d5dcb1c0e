package server_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/berrygraph/federation-engine/server"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestLoadOption(t *testing.T) {
	path := writeFile(t, "config.yaml", `
endpoint: /graphql
service_name: federation-engine
port: 9090
timeout_duration: 2s
enable_hang_over_request_header: true
subgraphs:
  - name: orders
    endpoint: http://orders:8080/graphql
type_selections:
  Order:
    - total
database:
  dsn: postgres://localhost:5432/app
  views:
    User: v_user
cache:
  url: redis://localhost:6379/0
  cascades:
    User:
      - Order
logging:
  level: debug
  development: true
`)

	opt, err := server.LoadOption(path)
	if err != nil {
		t.Fatalf("LoadOption failed: %v", err)
	}
	if opt.Port != 9090 {
		t.Errorf("expected port 9090, got %d", opt.Port)
	}
	if opt.Timeout().Seconds() != 2 {
		t.Errorf("expected 2s timeout, got %v", opt.Timeout())
	}
	if len(opt.Subgraphs) != 1 || opt.Subgraphs[0].Name != "orders" {
		t.Errorf("subgraphs not decoded: %+v", opt.Subgraphs)
	}
	if opt.Database.Views["User"] != "v_user" {
		t.Errorf("database views not decoded: %+v", opt.Database.Views)
	}
	if opt.Cache.Cascades["User"][0] != "Order" {
		t.Errorf("cache cascades not decoded: %+v", opt.Cache.Cascades)
	}
	if opt.TypeSelections["Order"][0] != "total" {
		t.Errorf("type selections not decoded: %+v", opt.TypeSelections)
	}
}

func TestLoadOption_Defaults(t *testing.T) {
	path := writeFile(t, "config.yaml", "service_name: fed\n")

	opt, err := server.LoadOption(path)
	if err != nil {
		t.Fatalf("LoadOption failed: %v", err)
	}
	if opt.Endpoint != "/graphql" {
		t.Errorf("expected default endpoint, got %q", opt.Endpoint)
	}
	if opt.Port != 8080 {
		t.Errorf("expected default port, got %d", opt.Port)
	}
	if opt.Timeout().Seconds() != 5 {
		t.Errorf("expected default 5s timeout, got %v", opt.Timeout())
	}
	if opt.Logging.Level != "info" {
		t.Errorf("expected default log level info, got %q", opt.Logging.Level)
	}
}

func TestLoadMetadata_JSON(t *testing.T) {
	path := writeFile(t, "metadata.json", `{
  "enabled": true,
  "version": "v1",
  "types": [
    {"name": "User", "keys": [{"fields": ["id"], "resolvable": true}]}
  ]
}`)

	md, err := server.LoadMetadata(path)
	if err != nil {
		t.Fatalf("LoadMetadata failed: %v", err)
	}
	if !md.Enabled || md.Version != "v1" || len(md.Types) != 1 {
		t.Errorf("metadata not decoded: %+v", md)
	}
}

func TestLoadMetadata_YAML(t *testing.T) {
	path := writeFile(t, "metadata.yaml", `
enabled: true
version: v2
types:
  - name: Order
    is_extends: true
    subgraph: orders
    keys:
      - fields: [id]
        resolvable: true
`)

	md, err := server.LoadMetadata(path)
	if err != nil {
		t.Fatalf("LoadMetadata failed: %v", err)
	}
	ft, ok := md.Type("Order")
	if !ok || !ft.IsExtends || ft.Subgraph != "orders" {
		t.Errorf("metadata not decoded: %+v", md)
	}
}

func TestLoadMetadata_MissingFile(t *testing.T) {
	if _, err := server.LoadMetadata(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}
