package proxyconf

import (
	"strings"
	"testing"

	"github.com/netspective-labs/db-yard/internal/model"
)

func sampleContexts() []model.SpawnedContext {
	return []model.SpawnedContext{
		{
			Service: model.ServiceRef{
				ID:                  "b.sqlpage.db",
				Kind:                model.KindSQLPage,
				ProxyEndpointPrefix: "/b.sqlpage",
				UpstreamURL:         "http://127.0.0.1:9002/",
			},
			Supplier: model.SupplierRef{Location: "/cargo/b.sqlpage.db"},
			Listen:   model.ListenRef{Host: "127.0.0.1", Port: 9002, BaseURL: "http://127.0.0.1:9002"},
			Spawned:  model.SpawnedRef{PID: 222},
		},
		{
			Service: model.ServiceRef{
				ID:                  "a.db",
				Kind:                model.KindSurveilr,
				ProxyEndpointPrefix: "/a",
				UpstreamURL:         "http://127.0.0.1:9001/",
			},
			Supplier: model.SupplierRef{Location: "/cargo/a.db"},
			Listen:   model.ListenRef{Host: "127.0.0.1", Port: 9001, BaseURL: "http://127.0.0.1:9001"},
			Spawned:  model.SpawnedRef{PID: 111},
		},
	}
}

func TestGenerateNginxOrdersByIDAndIncludesBundle(t *testing.T) {
	out := GenerateNginx(sampleContexts())
	if len(out) != 3 {
		t.Fatalf("expected 2 per-service files + 1 bundle, got %d", len(out))
	}
	if !strings.HasPrefix(out[0].Filename, "db-yard.a.db.") {
		t.Errorf("expected a.db first (sorted by id), got %q", out[0].Filename)
	}
	if out[len(out)-1].Filename != "db-yard.generated.conf" {
		t.Errorf("expected trailing bundle file, got %q", out[len(out)-1].Filename)
	}
	if !strings.Contains(out[len(out)-1].Content, "proxy_pass http://127.0.0.1:9001") {
		t.Error("bundle missing first service's proxy_pass")
	}
	if !strings.Contains(out[0].Content, "X-DB-Yard-Id a") {
		t.Errorf("missing X-DB-Yard-Id header: %s", out[0].Content)
	}
}

func TestGenerateTraefikEmitsRouterPerService(t *testing.T) {
	out := GenerateTraefik(sampleContexts())
	if len(out) != 3 {
		t.Fatalf("expected 2 per-service files + 1 bundle, got %d", len(out))
	}
	if !strings.HasSuffix(out[0].Filename, ".yaml") {
		t.Errorf("expected yaml extension, got %q", out[0].Filename)
	}
	if !strings.Contains(out[0].Content, `PathPrefix("/a")`) {
		t.Errorf("router rule missing expected prefix: %s", out[0].Content)
	}
}

func TestFileNameIsDeterministicAndSanitized(t *testing.T) {
	n1 := fileName("sub/app.sqlpage.db", "conf")
	n2 := fileName("sub/app.sqlpage.db", "conf")
	if n1 != n2 {
		t.Fatalf("fileName not deterministic: %q vs %q", n1, n2)
	}
	if strings.Contains(n1, "/") {
		t.Errorf("expected sanitized filename, got %q", n1)
	}
}
