// Package adminserver exposes the read-only admin JSON/file surface and
// the reverse-proxy fallback that turns a ledger session directory into
// a browsable, routable HTTP front end. It is a consumer of the ledger,
// never a writer of it (besides the gated ad-hoc SQL endpoint).
package adminserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	hclog "github.com/hashicorp/go-hclog"

	"github.com/netspective-labs/db-yard/internal/ledger"
	"github.com/netspective-labs/db-yard/internal/model"
	"github.com/netspective-labs/db-yard/internal/pathutil"
	"github.com/netspective-labs/db-yard/internal/sqlrunner"
)

// ProbeTTL bounds how long a reachability probe result is reused before
// the next /.admin request re-checks the upstream.
const ProbeTTL = 5 * time.Second

// ProbeTimeout bounds how long a single reachability probe may block.
const ProbeTimeout = 15 * time.Second

// Config configures one admin server instance.
type Config struct {
	SessionHome     string
	EnableUnsafeSQL bool
	Logger          hclog.Logger
}

// Server is the admin/proxy HTTP handler.
type Server struct {
	cfg    Config
	logger hclog.Logger
	mux    *http.ServeMux

	probeMu    sync.Mutex
	probeCache map[string]probeResult
}

type probeResult struct {
	reachable bool
	at        time.Time
}

// New builds a Server ready to be used as an http.Handler.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	s := &Server{
		cfg:        cfg,
		logger:     logger.Named("admin"),
		probeCache: make(map[string]probeResult),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.admin", s.handleAdminJSON)
	mux.HandleFunc("GET /.admin/index.html", s.handleIndexHTML)
	mux.HandleFunc("GET /.admin/files/{rest...}", s.handleFiles)
	mux.HandleFunc("POST /SQL/unsafe/{file}", s.handleUnsafeSQL)
	mux.HandleFunc("/", s.handleProxy)
	s.mux = mux

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type adminItem struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Label       string `json:"label"`
	Pid         int    `json:"pid"`
	Alive       bool   `json:"alive"`
	Port        int    `json:"port"`
	ProxyPrefix string `json:"proxyEndpointPrefix"`
	UpstreamURL string `json:"upstreamUrl"`
	Size        string `json:"size"`
	Age         string `json:"age"`
	Reachable   bool   `json:"reachable"`
}

func (s *Server) handleAdminJSON(w http.ResponseWriter, r *http.Request) {
	states := ledger.SpawnedStates(s.cfg.SessionHome)

	items := make([]adminItem, 0, len(states))
	for _, st := range states {
		if st.ParseError != nil || st.Context == nil {
			continue
		}
		ctx := st.Context
		items = append(items, adminItem{
			ID:          ctx.Service.ID,
			Kind:        string(ctx.Service.Kind),
			Label:       ctx.Service.Label,
			Pid:         ctx.Spawned.PID,
			Alive:       st.Alive,
			Port:        ctx.Listen.Port,
			ProxyPrefix: ctx.Service.ProxyEndpointPrefix,
			UpstreamURL: ctx.Service.UpstreamURL,
			Size:        humanize.Bytes(uint64(ctx.Supplier.Size)),
			Age:         humanize.Time(ctx.StartedAt),
			Reachable:   s.probe(ctx.Service.ID, ctx.Listen.ProbeURL),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"nowMs":       time.Now().UnixMilli(),
		"sessionHome": s.cfg.SessionHome,
		"count":       len(items),
		"items":       items,
	})
}

func (s *Server) probe(id, probeURL string) bool {
	s.probeMu.Lock()
	if cached, ok := s.probeCache[id]; ok && time.Since(cached.at) < ProbeTTL {
		s.probeMu.Unlock()
		return cached.reachable
	}
	s.probeMu.Unlock()

	client := http.Client{Timeout: ProbeTimeout}
	resp, err := client.Get(probeURL)
	reachable := err == nil
	if err == nil {
		resp.Body.Close()
	}

	s.probeMu.Lock()
	s.probeCache[id] = probeResult{reachable: reachable, at: time.Now()}
	s.probeMu.Unlock()

	return reachable
}

func (s *Server) handleIndexHTML(w http.ResponseWriter, r *http.Request) {
	states := ledger.SpawnedStates(s.cfg.SessionHome)

	var b strings.Builder
	b.WriteString("<!doctype html><html><body><h1>db-yard session files</h1><ul>\n")
	for _, st := range states {
		rel := strings.TrimPrefix(st.ContextPath, s.cfg.SessionHome)
		rel = strings.TrimPrefix(rel, string(os.PathSeparator))
		fmt.Fprintf(&b, "<li><a href=\"/.admin/files/%s\">%s</a></li>\n", url.PathEscape(rel), rel)
	}
	b.WriteString("</ul></body></html>\n")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, b.String())
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	rel := r.PathValue("rest")
	full, ok := pathutil.SafeJoin(s.cfg.SessionHome, rel)
	if !ok {
		http.Error(w, "path escapes session home", http.StatusBadRequest)
		return
	}
	http.ServeFile(w, r, full)
}

func (s *Server) handleUnsafeSQL(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.EnableUnsafeSQL {
		http.Error(w, "unsafe SQL endpoint disabled", http.StatusForbidden)
		return
	}

	serviceFile := r.PathValue("file")
	serviceID := strings.TrimSuffix(serviceFile, ".json")

	var body struct {
		SQL string `json:"sql"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	ctx, ok := s.findByServiceID(serviceID)
	if !ok {
		http.Error(w, "unknown service id", http.StatusNotFound)
		return
	}

	result := sqlrunner.RunQuery(ctx.Supplier.Location, body.SQL)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) findByServiceID(id string) (model.SpawnedContext, bool) {
	for _, st := range ledger.SpawnedStates(s.cfg.SessionHome) {
		if st.ParseError != nil || st.Context == nil {
			continue
		}
		if st.Context.Service.ID == id {
			return *st.Context, true
		}
	}
	return model.SpawnedContext{}, false
}

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	prefixes := map[string]string{}
	byPrefix := map[string]model.SpawnedContext{}
	for _, st := range ledger.SpawnedStates(s.cfg.SessionHome) {
		if st.ParseError != nil || st.Context == nil || !st.Alive {
			continue
		}
		id := st.Context.Service.ID
		prefixes[id] = st.Context.Service.ProxyEndpointPrefix
		byPrefix[st.Context.Service.ProxyEndpointPrefix] = *st.Context
	}

	id, ok := pathutil.LongestPrefixMatch(r.URL.Path, prefixes)
	if !ok {
		http.NotFound(w, r)
		return
	}
	ctx := byPrefix[prefixes[id]]

	target, err := url.Parse(ctx.Listen.BaseURL)
	if err != nil {
		http.Error(w, "invalid upstream", http.StatusBadGateway)
		return
	}

	proxy := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			req.Host = target.Host
			req.Header.Set("X-DB-Yard-Id", ctx.Service.ID)
			req.Header.Set("X-DB-Yard-Db", ctx.Supplier.Location)
			req.Header.Set("X-DB-Yard-Kind", string(ctx.Service.Kind))
			req.Header.Set("X-DB-Yard-Pid", fmt.Sprintf("%d", ctx.Spawned.PID))
			req.Header.Set("X-DB-Yard-Upstream", ctx.Service.UpstreamURL)
			req.Header.Set("X-DB-Yard-ProxyPrefix", ctx.Service.ProxyEndpointPrefix)
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			s.logger.Warn("proxy error", "upstream", ctx.Service.UpstreamURL, "error", err)
			http.Error(w, "upstream unreachable", http.StatusBadGateway)
		},
	}
	proxy.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
