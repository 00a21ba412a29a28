package remotearray

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"example.com/organelle/pkg/cache"
	"example.com/organelle/pkg/chunkarray"
	"example.com/organelle/pkg/npy"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ArrayDescription is the JSON view of an array's metadata.
type ArrayDescription struct {
	Dataset     string  `json:"dataset"`
	Array       string  `json:"array"`
	Format      string  `json:"format"`
	Shape       []int   `json:"shape"`
	Chunks      []int   `json:"chunks"`
	ChunkGrid   []int   `json:"chunk_grid"`
	DataType    string  `json:"dtype"`
	Compression string  `json:"compression"`
	SizeBytes   int64   `json:"size_bytes"`
	SizeMB      float64 `json:"size_mb"`

	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// Describe builds the JSON view of meta.
func Describe(dataset, array string, meta chunkarray.ArrayMeta) ArrayDescription {
	size := meta.SizeBytes()
	return ArrayDescription{
		Dataset:     dataset,
		Array:       array,
		Format:      string(meta.Format),
		Shape:       meta.Shape,
		Chunks:      meta.ChunkShape,
		ChunkGrid:   meta.GridShape(),
		DataType:    string(meta.DataType),
		Compression: string(meta.Compression.Type),
		SizeBytes:   size,
		SizeMB:      float64(size) / (1 << 20),
		Attributes:  meta.Attributes,
	}
}

// IPCServer exposes an Extractor over HTTP so other processes can query it.
type IPCServer struct {
	ex    *Extractor
	cache *cache.Cache
	log   *zap.Logger
}

// NewIPCServer constructs a server bound to the provided extractor. c is only
// used to report cache statistics and may be nil.
func NewIPCServer(ex *Extractor, c *cache.Cache) (*IPCServer, error) {
	if ex == nil {
		return nil, fmt.Errorf("extractor is required")
	}
	return &IPCServer{ex: ex, cache: c, log: ex.log.Named("ipc")}, nil
}

// Handler returns an http.Handler exposing /datasets, /explore, /metadata,
// /region and /stats.
func (s *IPCServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/datasets", s.handleDatasets)
	mux.HandleFunc("/explore", s.handleExplore)
	mux.HandleFunc("/metadata", s.handleMetadata)
	mux.HandleFunc("/region", s.handleRegion)
	mux.HandleFunc("/stats", s.handleStats)
	return s.withTimeout(mux)
}

// withTimeout bounds every request by the extractor's configured timeout.
func (s *IPCServer) withTimeout(next http.Handler) http.Handler {
	timeout := s.ex.cfg.Timeout
	if timeout <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Serve listens on the provided socket or TCP address until ctx is cancelled.
func (s *IPCServer) Serve(ctx context.Context, socketPath, listenAddr string) error {
	if socketPath == "" && listenAddr == "" {
		listenAddr = "127.0.0.1:8080"
	}
	l, err := createListener(socketPath, listenAddr)
	if err != nil {
		return err
	}
	defer l.Close()
	s.log.Info("serving", zap.String("addr", l.Addr().String()))

	server := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if serveErr := server.Serve(l); serveErr != nil && serveErr != http.ErrServerClosed {
			errCh <- serveErr
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case serveErr := <-errCh:
		return serveErr
	}
}

func (s *IPCServer) handleDatasets(w http.ResponseWriter, r *http.Request) {
	names, err := s.ex.ListDatasets(r.Context())
	if err != nil {
		s.writeErrorFor(w, err)
		return
	}
	writeJSON(w, names)
}

func (s *IPCServer) handleExplore(w http.ResponseWriter, r *http.Request) {
	dataset := r.URL.Query().Get("dataset")
	if dataset == "" {
		writeHTTPError(w, http.StatusBadRequest, "", "dataset query parameter is required")
		return
	}
	info, err := s.ex.Explore(r.Context(), dataset)
	if err != nil {
		s.writeErrorFor(w, err)
		return
	}
	writeJSON(w, info)
}

func (s *IPCServer) handleMetadata(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	dataset, array := q.Get("dataset"), q.Get("array")
	if dataset == "" || array == "" {
		writeHTTPError(w, http.StatusBadRequest, "", "dataset and array query parameters are required")
		return
	}
	meta, err := s.ex.GetArrayMetadata(r.Context(), dataset, array)
	if err != nil {
		s.writeErrorFor(w, err)
		return
	}
	writeJSON(w, Describe(dataset, array, meta))
}

// handleRegion answers with the region encoded as .npy. The whole body is
// rendered before the status is written so failures never produce a
// truncated array.
func (s *IPCServer) handleRegion(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	dataset, array := q.Get("dataset"), q.Get("array")
	if dataset == "" || array == "" || q.Get("slice") == "" {
		writeHTTPError(w, http.StatusBadRequest, "", "dataset, array and slice query parameters are required")
		return
	}
	spec, err := chunkarray.ParseSliceSpec(q.Get("slice"))
	if err != nil {
		writeHTTPError(w, http.StatusBadRequest, "", err.Error())
		return
	}
	region, err := s.ex.DownloadRegion(r.Context(), dataset, array, spec)
	if err != nil {
		s.writeErrorFor(w, err)
		return
	}
	var buf bytes.Buffer
	if err := npy.Write(&buf, region.Grid); err != nil {
		s.writeErrorFor(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Header().Set("X-Chunk-Count", strconv.Itoa(len(region.Chunks)))
	_, _ = buf.WriteTo(w)
}

func (s *IPCServer) handleStats(w http.ResponseWriter, _ *http.Request) {
	out := map[string]interface{}{"cache_enabled": s.cache != nil}
	if s.cache != nil {
		st := s.cache.Stats()
		out["cache_dir"] = s.cache.Dir()
		out["hits"] = st.Hits
		out["misses"] = st.Misses
	}
	writeJSON(w, out)
}

func createListener(socketPath, listenAddr string) (net.Listener, error) {
	if socketPath != "" {
		if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
			return nil, fmt.Errorf("prepare socket dir: %w", err)
		}
		if err := os.RemoveAll(socketPath); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
		l, err := net.Listen("unix", socketPath)
		if err != nil {
			return nil, fmt.Errorf("unix listen: %w", err)
		}
		return l, nil
	}
	l, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("tcp listen: %w", err)
	}
	return l, nil
}

func writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func writeHTTPError(w http.ResponseWriter, status int, kind, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]string{"error": msg}
	if kind != "" {
		body["kind"] = kind
	}
	_ = json.NewEncoder(w).Encode(body)
}

// StatusFor maps an extractor error to an HTTP status code.
func StatusFor(err error) int {
	switch chunkarray.Kind(err) {
	case "DimensionMismatch":
		return http.StatusBadRequest
	case "MetadataUnavailable":
		return http.StatusNotFound
	case "ChunkFetchError":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *IPCServer) writeErrorFor(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Warn("request failed", zap.Error(err))
	}
	writeHTTPError(w, status, chunkarray.Kind(err), err.Error())
}
