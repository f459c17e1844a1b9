package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"example.com/stixgate/internal/common"
	"example.com/stixgate/internal/pipeline"
	"example.com/stixgate/internal/report"
	"example.com/stixgate/internal/sink"
	"example.com/stixgate/internal/source"
	"example.com/stixgate/internal/tctm"
)

// Server coordinates HTTP handlers and manages the temporary artifacts
// produced by parse requests.
type Server struct {
	env        *pipeline.Env
	metrics    *Metrics
	artifacts  *ArtifactStore
	workDir    string
	uploadsDir string
	localPaths bool
}

// Options configures server creation.
type Options struct {
	StorageDir string
	Env        *pipeline.Env
	// Metrics defaults to a fresh registry observing every run of Env.
	Metrics *Metrics
	// AllowLocalPaths lets /parse read files on the server by path in
	// addition to uploaded artifacts.
	AllowLocalPaths bool
}

// Artifact represents a file uploaded to or generated by the daemon.
type Artifact struct {
	ID          string
	Path        string
	Name        string
	ContentType string
	Size        int64
	Kind        string
}

// ArtifactRef is the public representation returned in API responses.
type ArtifactRef struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
	Kind        string `json:"kind,omitempty"`
}

// ArtifactStore keeps track of artifacts for later download.
type ArtifactStore struct {
	mu      sync.RWMutex
	entries map[string]Artifact
}

// NewServer constructs a Server rooted at a temporary workspace directory.
func NewServer(opts Options) (*Server, error) {
	if opts.Env == nil || opts.Env.Lookup == nil {
		return nil, pipeline.ErrNoLookup
	}
	storageDir := opts.StorageDir
	if storageDir == "" {
		storageDir = os.TempDir()
	}
	if err := os.MkdirAll(storageDir, 0o755); err != nil {
		return nil, err
	}
	workDir, err := os.MkdirTemp(storageDir, "stixd-")
	if err != nil {
		return nil, err
	}
	uploadsDir := filepath.Join(workDir, "uploads")
	if err := os.MkdirAll(uploadsDir, 0o755); err != nil {
		os.RemoveAll(workDir)
		return nil, err
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics()
		if opts.Env.Observe == nil {
			opts.Env.Observe = metrics.Observe
		}
	}
	s := &Server{
		env:        opts.Env,
		metrics:    metrics,
		artifacts:  &ArtifactStore{entries: make(map[string]Artifact)},
		workDir:    workDir,
		uploadsDir: uploadsDir,
		localPaths: opts.AllowLocalPaths,
	}
	return s, nil
}

// Close removes any temporary state associated with the server.
func (s *Server) Close() error {
	if s == nil || s.workDir == "" {
		return nil
	}
	return os.RemoveAll(s.workDir)
}

func (s *Server) tempPath(pattern string) (string, error) {
	f, err := os.CreateTemp(s.workDir, pattern)
	if err != nil {
		return "", err
	}
	name := f.Name()
	f.Close()
	return name, nil
}

func (s *Server) addArtifact(path, displayName, contentType, kind string) (Artifact, error) {
	if path == "" {
		return Artifact{}, errors.New("empty path")
	}
	info, err := os.Stat(path)
	if err != nil {
		return Artifact{}, err
	}
	id := randomID()
	art := Artifact{
		ID:          id,
		Path:        path,
		Name:        displayName,
		ContentType: contentType,
		Size:        info.Size(),
		Kind:        kind,
	}
	if art.Name == "" {
		art.Name = filepath.Base(path)
	}
	if art.ContentType == "" {
		art.ContentType = guessContentType(art.Name)
	}
	s.artifacts.mu.Lock()
	s.artifacts.entries[id] = art
	s.artifacts.mu.Unlock()
	return art, nil
}

func (s *Server) getArtifact(id string) (Artifact, bool) {
	s.artifacts.mu.RLock()
	art, ok := s.artifacts.entries[id]
	s.artifacts.mu.RUnlock()
	return art, ok
}

// resolvePath maps an artifact id, or a local path when allowed, to a file.
func (s *Server) resolvePath(token string) (string, error) {
	if token == "" {
		return "", errors.New("empty input")
	}
	if art, ok := s.getArtifact(token); ok {
		return art.Path, nil
	}
	if !s.localPaths {
		return "", fmt.Errorf("unknown artifact %q", token)
	}
	abs := filepath.Clean(token)
	if _, err := os.Stat(abs); err != nil {
		return "", err
	}
	return abs, nil
}

type parseRequest struct {
	Input            string `json:"input"`
	Type             string `json:"type"`
	Services         []int  `json:"services"`
	SPIDs            []int  `json:"spids"`
	ExcludeService20 bool   `json:"excludeS20"`
	StoreBinary      bool   `json:"storeBinary"`
}

type parseResponse struct {
	Type      string             `json:"type"`
	Run       common.RunEntry    `json:"run"`
	Summary   tctm.Summary       `json:"summary"`
	Alerts    []report.Alert     `json:"alerts,omitempty"`
	Histogram []report.SPIDCount `json:"histogram"`
	Artifacts []ArtifactRef      `json:"artifacts"`
}

func (s *Server) handleParse(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stream := r.URL.Query().Get("stream") == "true"
	var req parseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return
	}
	inputPath, err := s.resolvePath(strings.TrimSpace(req.Input))
	if err != nil {
		http.Error(w, fmt.Sprintf("input resolve: %v", err), http.StatusBadRequest)
		return
	}
	typ, err := source.ParseType(req.Type)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	env := *s.env
	env.Parser.Services = req.Services
	env.Parser.SPIDs = req.SPIDs
	env.Parser.ExcludeService20 = env.Parser.ExcludeService20 || req.ExcludeService20
	env.Parser.StoreBinary = req.StoreBinary

	packetsPath, err := s.tempPath("packets-*.ndjson")
	if err != nil {
		http.Error(w, fmt.Sprintf("packets temp: %v", err), http.StatusInternalServerError)
		return
	}
	file, err := sink.CreateNDJSON(packetsPath, sink.None)
	if err != nil {
		http.Error(w, fmt.Sprintf("packets output: %v", err), http.StatusInternalServerError)
		return
	}
	out := sink.Multi{file}
	var writer *NDJSONWriter
	if stream {
		writer = NewNDJSONWriter(w)
		out = append(out, writer)
		w.Header().Set("Content-Type", "application/x-ndjson")
	}

	res, err := env.ParseFile(r.Context(), pipeline.Job{
		Input:   inputPath,
		Type:    typ,
		Sink:    out,
		Outputs: []string{packetsPath},
	})
	if err != nil {
		s.env.Log.Errorf("parse %s: %v", inputPath, err)
		if stream {
			_ = writer.WriteObject(map[string]any{"type": "error", "error": err.Error()})
			return
		}
		http.Error(w, fmt.Sprintf("parse: %v", err), http.StatusUnprocessableEntity)
		return
	}

	resp, err := s.finishRun(res, packetsPath)
	if err != nil {
		if stream {
			_ = writer.WriteObject(map[string]any{"type": "error", "error": err.Error()})
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if stream {
		_ = writer.WriteObject(resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// finishRun renders the reports of a run and registers its outputs.
func (s *Server) finishRun(res pipeline.Result, packetsPath string) (parseResponse, error) {
	rep := report.New(res.Entry, res.Summary, res.Alerts)
	jsonPath, err := s.tempPath("report-*.json")
	if err != nil {
		return parseResponse{}, fmt.Errorf("report temp: %w", err)
	}
	if err := report.SaveJSON(rep, jsonPath); err != nil {
		return parseResponse{}, fmt.Errorf("write report: %w", err)
	}
	pdfPath, err := s.tempPath("report-*.pdf")
	if err != nil {
		return parseResponse{}, fmt.Errorf("report pdf temp: %w", err)
	}
	if err := report.SavePDF(rep, pdfPath); err != nil {
		return parseResponse{}, fmt.Errorf("write pdf: %w", err)
	}
	outputs := []struct {
		path, name, contentType, kind string
	}{
		{packetsPath, "packets.ndjson", "application/x-ndjson", "packets"},
		{jsonPath, "report.json", "application/json", "report"},
		{pdfPath, "report.pdf", "application/pdf", "report"},
	}
	refs := make([]ArtifactRef, 0, len(outputs))
	for _, o := range outputs {
		art, err := s.addArtifact(o.path, o.name, o.contentType, o.kind)
		if err != nil {
			return parseResponse{}, fmt.Errorf("register %s: %w", o.name, err)
		}
		refs = append(refs, toRef(art))
	}
	return parseResponse{
		Type:      "summary",
		Run:       res.Entry,
		Summary:   res.Summary,
		Alerts:    rep.Alerts,
		Histogram: rep.Histogram,
		Artifacts: refs,
	}, nil
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	entries := []common.RunEntry{}
	if s.env.RunLog != nil {
		loaded, err := common.ReadRunLog(s.env.RunLog.Path())
		if err != nil {
			http.Error(w, fmt.Sprintf("read run log: %v", err), http.StatusInternalServerError)
			return
		}
		if loaded != nil {
			entries = loaded
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		if limit > 0 && len(entries) > limit {
			entries = entries[len(entries)-limit:]
		}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "ok",
		"idbVersion": s.env.Lookup.Version(),
	})
}

func (s *Server) handleArtifactDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/artifacts/")
	if id == "" {
		writeJSON(w, http.StatusOK, s.listArtifacts())
		return
	}
	art, ok := s.getArtifact(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	f, err := os.Open(art.Path)
	if err != nil {
		http.Error(w, fmt.Sprintf("open artifact: %v", err), http.StatusInternalServerError)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		http.Error(w, fmt.Sprintf("stat artifact: %v", err), http.StatusInternalServerError)
		return
	}
	if art.ContentType != "" {
		w.Header().Set("Content-Type", art.ContentType)
	}
	w.Header().Set("Content-Length", fmt.Sprintf("%d", info.Size()))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", art.Name))
	io.Copy(w, f)
}

func toRef(art Artifact) ArtifactRef {
	return ArtifactRef{
		ID:          art.ID,
		Name:        art.Name,
		ContentType: art.ContentType,
		Size:        art.Size,
		Kind:        art.Kind,
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func guessContentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		return "application/json"
	case ".ndjson":
		return "application/x-ndjson"
	case ".pdf":
		return "application/pdf"
	case ".xml":
		return "application/xml"
	case ".hex", ".ascii", ".txt":
		return "text/plain"
	case ".gz":
		return "application/gzip"
	case ".zst":
		return "application/zstd"
	default:
		return "application/octet-stream"
	}
}

func randomID() string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		now := time.Now().UTC()
		return fmt.Sprintf("%d%06d", now.UnixNano(), os.Getpid())
	}
	return hex.EncodeToString(b[:])
}

func (s *Server) listArtifacts() []ArtifactRef {
	s.artifacts.mu.RLock()
	refs := make([]ArtifactRef, 0, len(s.artifacts.entries))
	for _, art := range s.artifacts.entries {
		refs = append(refs, toRef(art))
	}
	s.artifacts.mu.RUnlock()
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	return refs
}
