// Package rpcapi implements the CollectorService/OrchestratorService RPC
// surface (spec.md §6) as HTTP/JSON over mTLS, grounded on
// a-nogikh-syzkaller/syz-cluster/pkg/api's ReporterClient/KernelSourceClient
// and their generic postJSON helper — the pack's own inter-service RPC
// takes exactly this shape, which avoids fabricating protobuf codegen.
package rpcapi

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/config"
)

const requestTimeout = 30 * time.Second

// NewClientTLSConfig builds the *tls.Config a worker presents when calling
// the master: its own certificate plus the shared CA pool used to verify
// the master's server certificate.
func NewClientTLSConfig(tc config.TLSConfig) (*tls.Config, error) {
	cert, caPool, err := loadCertAndCA(tc)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      caPool,
	}, nil
}

// NewServerTLSConfig builds the master's *tls.Config: its server
// certificate, and ClientCAs/RequireAndVerifyClientCert so only workers
// bearing a certificate signed by the shared CA are accepted.
func NewServerTLSConfig(tc config.TLSConfig) (*tls.Config, error) {
	cert, caPool, err := loadCertAndCA(tc)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    caPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}, nil
}

func loadCertAndCA(tc config.TLSConfig) (tls.Certificate, *x509.CertPool, error) {
	cert, err := tls.LoadX509KeyPair(tc.CertPath, tc.KeyPath)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("load TLS key pair: %w", err)
	}

	caBytes, err := os.ReadFile(tc.CACertPath)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("read CA cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caBytes) {
		return tls.Certificate{}, nil, fmt.Errorf("no certificates found in %q", tc.CACertPath)
	}

	return cert, pool, nil
}

// httpClient builds the transport for one client; each client constructor
// call gets its own, which presents the worker's client certificate on
// every call.
func httpClient(tlsCfg *tls.Config) *http.Client {
	return &http.Client{
		Timeout:   requestTimeout,
		Transport: &http.Transport{TLSClientConfig: tlsCfg},
	}
}

// postJSON posts req (if non-nil) as a JSON body to url and decodes the
// JSON response into a *Resp. A nil req sends no body.
func postJSON[Req any, Resp any](ctx context.Context, client *http.Client, url string, req *Req) (*Resp, error) {
	var body io.Reader
	if req != nil {
		b, err := json.Marshal(req)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("request to %s failed with status %d: %s", url, resp.StatusCode, string(data))
	}

	var out Resp
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
	}
	return &out, nil
}

// writeJSON encodes v as the handler's JSON response body.
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// readJSON decodes the request body into v. An empty body is a no-op.
func readJSON(r *http.Request, v any) error {
	if r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}

// httpError maps an error returned by a handler to a response code: a
// store.ErrUnavailable-flavored error becomes 503, a not-found becomes
// 404, anything else is a 400 (the caller sent something we rejected).
func httpError(w http.ResponseWriter, err error) {
	status := classify(err)
	http.Error(w, err.Error(), status)
}
