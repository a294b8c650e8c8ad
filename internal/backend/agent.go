package backend

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mheily/mosaicfs/pkg/errors"
)

// hmacTolerance is the accepted clock skew between the signer and the
// verifier.
const hmacTolerance = 300 * time.Second

// AgentAdapter replicates files to a peer agent's
// /api/agent/replica-{receive,serve,list} endpoints, HMAC-SHA256
// signed.
type AgentAdapter struct {
	baseURL     string
	accessKeyID string
	hmacKey     string
	client      *http.Client
}

// NewAgentAdapter builds an AgentAdapter targeting baseURL, signing
// requests with hmacKey under accessKeyID.
func NewAgentAdapter(baseURL, accessKeyID, hmacKey string) *AgentAdapter {
	return &AgentAdapter{
		baseURL:     strings.TrimRight(baseURL, "/"),
		accessKeyID: accessKeyID,
		hmacKey:     hmacKey,
		client:      &http.Client{Timeout: 300 * time.Second},
	}
}

// SignRequest computes the HMAC-SHA256 auth header value for a
// request: canonical string = METHOD\nPATH\nTIMESTAMP\nSHA256_HEX(body).
func SignRequest(accessKeyID, hmacKey, method, path string, body []byte, ts time.Time) string {
	sig := ComputeSignature(hmacKey, method, path, body, ts)
	return fmt.Sprintf("MOSAICFS-HMAC-SHA256 AccessKeyId=%s Timestamp=%s Signature=%s",
		accessKeyID, ts.UTC().Format(time.RFC3339), sig)
}

// ComputeSignature computes the raw hex HMAC-SHA256 signature for the
// canonical request string.
func ComputeSignature(hmacKey, method, path string, body []byte, ts time.Time) string {
	bodyDigest := sha256.Sum256(body)
	canonical := strings.Join([]string{
		method,
		path,
		ts.UTC().Format(time.RFC3339),
		hex.EncodeToString(bodyDigest[:]),
	}, "\n")

	mac := hmac.New(sha256.New, []byte(hmacKey))
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// ParseAuthHeader extracts the access key, timestamp, and signature
// from a "MOSAICFS-HMAC-SHA256 ..." header value.
func ParseAuthHeader(header string) (accessKeyID string, ts time.Time, signature string, ok bool) {
	const prefix = "MOSAICFS-HMAC-SHA256 "
	if !strings.HasPrefix(header, prefix) {
		return "", time.Time{}, "", false
	}
	fields := strings.Fields(strings.TrimPrefix(header, prefix))
	values := map[string]string{}
	for _, f := range fields {
		kv := strings.SplitN(f, "=", 2)
		if len(kv) != 2 {
			continue
		}
		values[kv[0]] = kv[1]
	}
	accessKeyID = values["AccessKeyId"]
	signature = values["Signature"]
	tsStr := values["Timestamp"]
	if accessKeyID == "" || signature == "" || tsStr == "" {
		return "", time.Time{}, "", false
	}
	parsed, err := time.Parse(time.RFC3339, tsStr)
	if err != nil {
		return "", time.Time{}, "", false
	}
	return accessKeyID, parsed, signature, true
}

// VerifyRequest checks a request's auth header against hmacKey,
// enforcing the 300s timestamp tolerance and a constant-time
// signature comparison.
func VerifyRequest(hmacKey, method, path string, body []byte, header string, now time.Time) error {
	_, ts, signature, ok := ParseAuthHeader(header)
	if !ok {
		return errors.New(errors.Unauthorized, "malformed HMAC auth header")
	}
	if now.Sub(ts) > hmacTolerance || ts.Sub(now) > hmacTolerance {
		return errors.New(errors.Unauthorized, "HMAC timestamp outside tolerance")
	}
	expected := ComputeSignature(hmacKey, method, path, body, ts)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return errors.New(errors.Unauthorized, "HMAC signature mismatch")
	}
	return nil
}

func (a *AgentAdapter) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, errors.New(errors.Internal, "build agent backend request").WithCause(err)
	}
	// The query string is not part of the canonical path; the server
	// verifies against the escaped request path alone.
	signPath := path
	if i := strings.Index(signPath, "?"); i >= 0 {
		signPath = signPath[:i]
	}
	now := time.Now()
	req.Header.Set("Authorization", SignRequest(a.accessKeyID, a.hmacKey, method, signPath, body, now))
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := a.client.Do(req)
	if err != nil {
		e := errors.New(errors.Transport, err.Error()).WithCause(err).WithOperation(method + " " + path)
		e.Retryable = errors.IsTransportMessage(err.Error())
		return nil, e
	}
	return resp, nil
}

// Upload POSTs data to /api/agent/replica-receive/{key}.
func (a *AgentAdapter) Upload(ctx context.Context, key string, data []byte) error {
	path := "/api/agent/replica-receive/" + url.PathEscape(key)
	resp, err := a.do(ctx, http.MethodPost, path, data)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return statusToError(resp, "replica-receive", key)
}

// Download GETs /api/agent/replica-serve/{key}.
func (a *AgentAdapter) Download(ctx context.Context, key string) ([]byte, error) {
	path := "/api/agent/replica-serve/" + url.PathEscape(key)
	resp, err := a.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := statusToError(resp, "replica-serve", key); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.New(errors.Transport, "read agent backend response").WithCause(err)
	}
	return data, nil
}

// Delete issues DELETE /api/agent/replica-serve/{key}.
func (a *AgentAdapter) Delete(ctx context.Context, key string) error {
	path := "/api/agent/replica-serve/" + url.PathEscape(key)
	resp, err := a.do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return statusToError(resp, "replica-serve delete", key)
}

// List GETs /api/agent/replica-list?prefix={prefix}.
func (a *AgentAdapter) List(ctx context.Context, prefix string) ([]string, error) {
	path := "/api/agent/replica-list?prefix=" + url.QueryEscape(prefix)
	resp, err := a.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := statusToError(resp, "replica-list", prefix); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.New(errors.Transport, "read agent backend response").WithCause(err)
	}
	keys := strings.Split(strings.TrimSpace(string(data)), "\n")
	var out []string
	for _, k := range keys {
		if k != "" {
			out = append(out, k)
		}
	}
	return out, nil
}

func statusToError(resp *http.Response, op, key string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode == http.StatusNotFound {
		return errors.New(errors.NotFound, "peer agent object not found").WithOperation(op).WithPath(key)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return errors.New(errors.Unauthorized, "peer agent rejected signature").WithOperation(op)
	}
	e := errors.New(errors.BackendError, "peer agent returned "+strconv.Itoa(resp.StatusCode)).WithOperation(op).WithPath(key)
	e.Retryable = resp.StatusCode >= 500
	return e
}
