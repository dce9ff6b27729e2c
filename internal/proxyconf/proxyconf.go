// Package proxyconf generates reverse-proxy configuration as a pure
// function over the ledger's SpawnedContext records — no network calls,
// no file I/O beyond what a caller chooses to do with the returned
// bytes.
package proxyconf

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"

	"github.com/netspective-labs/db-yard/internal/model"
)

// Generated is one emitted config file: a filename and its content.
type Generated struct {
	Filename string
	Content  string
}

// GenerateNginx emits one `server { location ... }` block per context
// plus a bundle file concatenating all of them in a stable sort.
func GenerateNginx(ctxs []model.SpawnedContext) []Generated {
	sorted := sortedByID(ctxs)

	out := make([]Generated, 0, len(sorted)+1)
	var bundle strings.Builder
	for _, ctx := range sorted {
		content := nginxBlock(ctx)
		out = append(out, Generated{Filename: fileName(ctx.Service.ID, "conf"), Content: content})
		bundle.WriteString(content)
		bundle.WriteString("\n")
	}
	out = append(out, Generated{Filename: "db-yard.generated.conf", Content: bundle.String()})
	return out
}

// GenerateTraefik emits one router+service+middleware triple per
// context, as a YAML document, plus a concatenated bundle file.
func GenerateTraefik(ctxs []model.SpawnedContext) []Generated {
	sorted := sortedByID(ctxs)

	out := make([]Generated, 0, len(sorted)+1)
	var bundle strings.Builder
	for _, ctx := range sorted {
		content := traefikDocument(ctx)
		out = append(out, Generated{Filename: fileName(ctx.Service.ID, "yaml"), Content: content})
		bundle.WriteString(content)
		bundle.WriteString("\n")
	}
	out = append(out, Generated{Filename: "db-yard.generated.yaml", Content: bundle.String()})
	return out
}

func sortedByID(ctxs []model.SpawnedContext) []model.SpawnedContext {
	sorted := make([]model.SpawnedContext, len(ctxs))
	copy(sorted, ctxs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Service.ID < sorted[j].Service.ID })
	return sorted
}

func nginxBlock(ctx model.SpawnedContext) string {
	return fmt.Sprintf(`location %s {
    proxy_pass %s;
    proxy_set_header Host %s;
    proxy_set_header X-DB-Yard-Id %s;
    proxy_set_header X-DB-Yard-Db %s;
    proxy_set_header X-DB-Yard-Kind %s;
    proxy_set_header X-DB-Yard-Pid %d;
    proxy_set_header X-DB-Yard-Upstream %s;
    proxy_set_header X-DB-Yard-ProxyPrefix %s;
}
`,
		ctx.Service.ProxyEndpointPrefix,
		ctx.Listen.BaseURL,
		ctx.Listen.Host,
		ctx.Service.ID,
		ctx.Supplier.Location,
		ctx.Service.Kind,
		ctx.Spawned.PID,
		ctx.Service.UpstreamURL,
		ctx.Service.ProxyEndpointPrefix,
	)
}

func traefikDocument(ctx model.SpawnedContext) string {
	routerName := routerName(ctx.Service.ID)
	return fmt.Sprintf(`http:
  routers:
    %s:
      rule: "PathPrefix(%q)"
      service: %s
      middlewares:
        - %s-headers
  services:
    %s:
      loadBalancer:
        servers:
          - url: %q
  middlewares:
    %s-headers:
      headers:
        customRequestHeaders:
          X-DB-Yard-Id: %q
          X-DB-Yard-Db: %q
          X-DB-Yard-Kind: %q
          X-DB-Yard-Pid: %q
          X-DB-Yard-Upstream: %q
          X-DB-Yard-ProxyPrefix: %q
`,
		routerName,
		ctx.Service.ProxyEndpointPrefix,
		routerName,
		routerName,
		routerName,
		ctx.Listen.BaseURL,
		routerName,
		ctx.Service.ID,
		ctx.Supplier.Location,
		ctx.Service.Kind,
		fmt.Sprintf("%d", ctx.Spawned.PID),
		ctx.Service.UpstreamURL,
		ctx.Service.ProxyEndpointPrefix,
	)
}

func routerName(id string) string {
	return "db-yard-" + safeID(id)
}

// fileName builds `db-yard.<safeId>.<fnv1a32(id)>.<ext>`.
func fileName(id, ext string) string {
	return fmt.Sprintf("db-yard.%s.%08x.%s", safeID(id), fnv1a32(id), ext)
}

func safeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		alnum := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if alnum || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func fnv1a32(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}
