// Package obelisk implements the external storage client (C3): an
// OAuth2-client-credentials-authenticated REST client to the external data
// lake ("Obelisk"), with token caching/refresh and batched GET/POST
// semantics.
//
// Grounded on original_source/fhe/SERVER/mozaik_obelisk.py for the token
// refresh cadence (240s) and endpoint shapes, generalized to the batched
// variants spec.md §4.3/§6.2 require; the token lifecycle itself is built on
// golang.org/x/oauth2/clientcredentials, the dependency the rest of the
// pack's service manifests use for this exact flow.
package obelisk

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/summitto/heartbeat-compute-party/internal/taskerr"
)

// validBatchSizes is the closed enumeration of sizes the pipeline accepts,
// reflecting the inference binary's compiled specializations (spec.md §9).
var validBatchSizes = map[int]bool{1: true, 2: true, 4: true, 64: true, 128: true}

// tokenRefreshInterval is the nominal bearer token lifetime the client
// enforces client-side, independent of whatever expiry the token endpoint
// reports.
const tokenRefreshInterval = 240 * time.Second

// Client is the Obelisk REST client.
type Client struct {
	baseURL string
	oauth   *clientcredentials.Config
	http    *http.Client

	// CompressResults gzips the store_result body and sets
	// Content-Encoding: gzip, per the original source's
	// store_result_compression variant. Off by default.
	CompressResults bool

	mu         sync.Mutex
	token      *oauth2.Token
	issuedAt   time.Time
}

// New constructs a Client for baseURL, authenticating with serverID/
// serverSecret against tokenURL using HTTP Basic client-credentials.
func New(baseURL, tokenURL, serverID, serverSecret string) *Client {
	return &Client{
		baseURL: baseURL,
		oauth: &clientcredentials.Config{
			ClientID:     serverID,
			ClientSecret: serverSecret,
			TokenURL:     tokenURL,
			AuthStyle:    oauth2.AuthStyleInHeader,
		},
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) bearerToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token == nil || time.Since(c.issuedAt) > tokenRefreshInterval {
		tok, err := c.oauth.Token(ctx)
		if err != nil {
			return "", taskerr.Infra(500, "obtaining Obelisk bearer token: %v", err)
		}
		c.token = tok
		c.issuedAt = time.Now()
	}
	return c.token.AccessToken, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) (*http.Response, error) {
	token, err := c.bearerToken(ctx)
	if err != nil {
		return nil, err
	}

	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("obelisk: marshaling request body: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("obelisk: building request: %w", err)
	}
	req.Header.Set("authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, taskerr.Infra(500, "Obelisk request %s %s failed: %v", method, path, err)
	}

	if out != nil {
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp, taskerr.Infra(500, "decoding Obelisk response from %s: %v", path, err)
		}
	}
	return resp, nil
}

type getDataRequest struct {
	AnalysisIDs []string   `json:"analysis_id"`
	UserIDs     []string   `json:"user_id"`
	DataIndices [][]int64  `json:"data_index"`
}

type getDataResponse struct {
	UserData [][]string `json:"user_data"`
}

// GetData fetches encrypted samples for a batch of (analysis_id, user_id,
// data_indices) triples. The flattened response length must be one of the
// enforced batch sizes {1, 2, 4, 64, 128}; any other shape is infrastructure
// failure.
func (c *Client) GetData(ctx context.Context, analysisIDs, userIDs []string, dataIndices [][]int64) ([][]byte, error) {
	var out getDataResponse
	resp, err := c.doJSON(ctx, http.MethodPost, "/analysis/data/query", getDataRequest{analysisIDs, userIDs, dataIndices}, &out)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, taskerr.Infra(resp.StatusCode, "GetData: unexpected status %d", resp.StatusCode)
	}

	var flat [][]byte
	for _, row := range out.UserData {
		for _, ct := range row {
			raw, err := decodeCiphertext(ct)
			if err != nil {
				return nil, taskerr.Infra(500, "GetData: %v", err)
			}
			flat = append(flat, raw)
		}
	}
	if !validBatchSizes[len(flat)] {
		return nil, taskerr.Infra(500, "GetData: unexpected batch size %d", len(flat))
	}
	return flat, nil
}

func decodeCiphertext(s string) ([]byte, error) {
	if raw, err := hex.DecodeString(s); err == nil {
		return raw, nil
	}
	return []byte(s), nil
}

type getKeyShareRequest struct {
	AnalysisIDs []string `json:"analysis_id"`
}

type getKeyShareResponse struct {
	KeyShare []string `json:"key_share"`
}

// GetKeyShare fetches one encrypted key-share envelope per analysis id.
func (c *Client) GetKeyShare(ctx context.Context, analysisIDs []string) ([][]byte, error) {
	var out getKeyShareResponse
	resp, err := c.doJSON(ctx, http.MethodPost, "/mpc/keys/share", getKeyShareRequest{analysisIDs}, &out)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, taskerr.Infra(resp.StatusCode, "GetKeyShare: unexpected status %d", resp.StatusCode)
	}
	if len(out.KeyShare) != len(analysisIDs) {
		return nil, taskerr.Infra(500, "GetKeyShare: expected %d envelopes, got %d", len(analysisIDs), len(out.KeyShare))
	}

	envelopes := make([][]byte, len(out.KeyShare))
	for i, s := range out.KeyShare {
		raw, err := decodeCiphertext(s)
		if err != nil {
			return nil, taskerr.Infra(500, "GetKeyShare: %v", err)
		}
		envelopes[i] = raw
	}
	return envelopes, nil
}

type storeResultRequest struct {
	AnalysisIDs []string `json:"analysis_id"`
	UserIDs     []string `json:"user_id"`
	Results     []string `json:"result"`
	IsCombined  bool     `json:"is_combined"`
}

// StoreResult persists the per-analysis hex-encoded encrypted outputs.
// Success is exclusively HTTP 204.
func (c *Client) StoreResult(ctx context.Context, analysisIDs, userIDs, results []string) error {
	payload := storeResultRequest{analysisIDs, userIDs, results, true}

	var resp *http.Response
	var err error
	if c.CompressResults {
		resp, err = c.doGzipPost(ctx, "/analysis/result", payload)
	} else {
		resp, err = c.doJSON(ctx, http.MethodPost, "/analysis/result", payload, nil)
	}
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return taskerr.Infra(resp.StatusCode, "StoreResult: expected 204, got %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) doGzipPost(ctx context.Context, path string, payload any) (*http.Response, error) {
	token, err := c.bearerToken(ctx)
	if err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("obelisk: marshaling request body: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(encoded); err != nil {
		return nil, fmt.Errorf("obelisk: gzip compressing body: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("obelisk: closing gzip writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return nil, fmt.Errorf("obelisk: building request: %w", err)
	}
	req.Header.Set("authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, taskerr.Infra(500, "Obelisk request POST %s failed: %v", path, err)
	}
	return resp, nil
}
