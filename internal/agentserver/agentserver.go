// Package agentserver exposes an agent's two per-host HTTP surfaces:
// the file server (GET /internal/files/content, used by a peer's
// tiered resolver at Tier 4) and the inter-agent replication
// endpoints (/api/agent/replica-{receive,serve,list}, used by a
// peer's "agent" backend adapter for Tier 4b failover and for
// replicating onto this host as a target). Authentication is a
// static bearer token for the file server and HMAC-SHA256 request
// signing for the replication endpoints.
package agentserver

import (
	"crypto/sha256"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mheily/mosaicfs/internal/backend"
	"github.com/mheily/mosaicfs/pkg/errors"
)

// Config carries everything the server needs to authenticate
// requests and locate the bytes it serves.
type Config struct {
	// BearerToken gates GET /internal/files/content; it is the per-run
	// token recorded in this node's own document so peers can present
	// it back.
	BearerToken string
	// AccessKeyID/HMACKey gate the inter-agent replication endpoints.
	AccessKeyID string
	HMACKey     string
	// WatchPaths bounds which local paths GET /internal/files/content
	// may serve, mirroring Tier 1's own canonicalization check.
	WatchPaths []string
	// Replicas backs this host acting as an "agent" backend
	// replication target for peers.
	Replicas *backend.DirectoryAdapter
}

// Server implements the agent's internal HTTP API.
type Server struct {
	cfg    Config
	logger *slog.Logger
}

// New builds a Server from cfg.
func New(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger}
}

// Handler returns the mux serving every route this package owns.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/internal/files/content", s.handleFileContent)
	mux.HandleFunc("/api/agent/replica-receive/", s.handleReplicaReceive)
	mux.HandleFunc("/api/agent/replica-serve/", s.handleReplicaServe)
	mux.HandleFunc("/api/agent/replica-list", s.handleReplicaList)
	return mux
}

func writeError(w http.ResponseWriter, err error) {
	if mosaicErr, ok := err.(*errors.Error); ok {
		http.Error(w, mosaicErr.Message, mosaicErr.HTTPStatus())
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

// handleFileContent serves GET /internal/files/content?path=&start=&end=:
// bearer-token authenticated, bounded to the configured watch roots,
// supporting ranged reads.
func (s *Server) handleFileContent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.checkBearer(r); err != nil {
		writeError(w, err)
		return
	}

	path := r.URL.Query().Get("path")
	canonical, err := s.canonicalizeUnderWatchPath(path)
	if err != nil {
		writeError(w, err)
		return
	}

	data, err := readLocalFile(canonical)
	if err != nil {
		writeError(w, err)
		return
	}

	start, end, ranged, err := parseRange(r, uint64(len(data)))
	if err != nil {
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}

	if !ranged {
		sum := sha256.Sum256(data)
		w.Header().Set("Digest", "sha-256=:"+base64.StdEncoding.EncodeToString(sum[:])+":")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
		return
	}

	w.Header().Set("Content-Range", "bytes "+strconv.FormatUint(start, 10)+"-"+strconv.FormatUint(end-1, 10)+"/"+strconv.FormatUint(uint64(len(data)), 10))
	w.WriteHeader(http.StatusPartialContent)
	_, _ = w.Write(data[start:end])
}

func parseRange(r *http.Request, size uint64) (start, end uint64, ranged bool, err error) {
	q := r.URL.Query()
	startStr, endStr := q.Get("start"), q.Get("end")
	if startStr == "" && endStr == "" {
		return 0, size, false, nil
	}
	start, err = strconv.ParseUint(startStr, 10, 64)
	if err != nil {
		return 0, 0, false, errors.New(errors.InvalidInput, "invalid start")
	}
	end, err = strconv.ParseUint(endStr, 10, 64)
	if err != nil {
		return 0, 0, false, errors.New(errors.InvalidInput, "invalid end")
	}
	if start > end || end > size {
		return 0, 0, false, errors.New(errors.InvalidInput, "range out of bounds")
	}
	if start == 0 && end == size {
		return 0, size, false, nil
	}
	return start, end, true, nil
}

func readLocalFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(errors.NotFound, "file not found").WithPath(path).WithCause(err)
	}
	return data, nil
}

func (s *Server) checkBearer(r *http.Request) error {
	if s.cfg.BearerToken == "" {
		return errors.New(errors.Unauthorized, "agent file server has no bearer token configured")
	}
	got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if got == "" || got != s.cfg.BearerToken {
		return errors.New(errors.Unauthorized, "invalid bearer token")
	}
	return nil
}

// canonicalizeUnderWatchPath rejects any path that does not resolve
// under one of the agent's configured watch roots, matching Tier 1's
// own local-access check in internal/tiered.
func (s *Server) canonicalizeUnderWatchPath(path string) (string, error) {
	if path == "" {
		return "", errors.New(errors.InvalidInput, "path is required")
	}
	canonical, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", errors.New(errors.NotFound, "path not found").WithPath(path)
	}
	for _, wp := range s.cfg.WatchPaths {
		resolved := wp
		if c, err := filepath.EvalSymlinks(wp); err == nil {
			resolved = c
		}
		if strings.HasPrefix(canonical, resolved) {
			return canonical, nil
		}
	}
	return "", errors.New(errors.InvalidInput, "path is outside configured watch roots").WithPath(path)
}

func (s *Server) requireReplicaBackend() (*backend.DirectoryAdapter, error) {
	if s.cfg.Replicas == nil {
		return nil, errors.New(errors.Internal, "agent replica storage not configured")
	}
	return s.cfg.Replicas, nil
}

func (s *Server) verifyHMAC(r *http.Request, body []byte) error {
	if s.cfg.HMACKey == "" {
		return errors.New(errors.Unauthorized, "agent replica endpoints have no HMAC key configured")
	}
	if s.cfg.AccessKeyID != "" {
		accessKeyID, _, _, ok := backend.ParseAuthHeader(r.Header.Get("Authorization"))
		if !ok || accessKeyID != s.cfg.AccessKeyID {
			return errors.New(errors.Unauthorized, "unknown access key id")
		}
	}
	// Verify against the escaped path: replica keys contain slashes, so
	// the signer escapes them and the decoded path would not round-trip.
	return backend.VerifyRequest(s.cfg.HMACKey, r.Method, r.URL.EscapedPath(), body, r.Header.Get("Authorization"), time.Now())
}

// handleReplicaReceive implements POST /api/agent/replica-receive/{key}.
func (s *Server) handleReplicaReceive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	key, err := keyFromPath(r.URL.EscapedPath(), "/api/agent/replica-receive/")
	if err != nil {
		writeError(w, err)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<34))
	if err != nil {
		writeError(w, errors.New(errors.InvalidInput, "read request body").WithCause(err))
		return
	}
	if err := s.verifyHMAC(r, body); err != nil {
		writeError(w, err)
		return
	}
	storage, err := s.requireReplicaBackend()
	if err != nil {
		writeError(w, err)
		return
	}
	if err := storage.Upload(r.Context(), key, body); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// handleReplicaServe implements GET and DELETE
// /api/agent/replica-serve/{key}.
func (s *Server) handleReplicaServe(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromPath(r.URL.EscapedPath(), "/api/agent/replica-serve/")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.verifyHMAC(r, nil); err != nil {
		writeError(w, err)
		return
	}
	storage, err := s.requireReplicaBackend()
	if err != nil {
		writeError(w, err)
		return
	}

	switch r.Method {
	case http.MethodGet:
		data, err := storage.Download(r.Context(), key)
		if err != nil {
			writeError(w, err)
			return
		}
		sum := sha256.Sum256(data)
		w.Header().Set("Digest", "sha-256=:"+base64.StdEncoding.EncodeToString(sum[:])+":")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	case http.MethodDelete:
		if err := storage.Delete(r.Context(), key); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleReplicaList implements GET /api/agent/replica-list?prefix=.
func (s *Server) handleReplicaList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.verifyHMAC(r, nil); err != nil {
		writeError(w, err)
		return
	}
	storage, err := s.requireReplicaBackend()
	if err != nil {
		writeError(w, err)
		return
	}
	prefix := r.URL.Query().Get("prefix")
	keys, err := storage.List(r.Context(), prefix)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(strings.Join(keys, "\n")))
}

func keyFromPath(reqPath, prefix string) (string, error) {
	encoded := strings.TrimPrefix(reqPath, prefix)
	if encoded == "" {
		return "", errors.New(errors.InvalidInput, "missing replica key")
	}
	key, err := url.PathUnescape(encoded)
	if err != nil {
		return "", errors.New(errors.InvalidInput, "invalid replica key encoding")
	}
	return key, nil
}

