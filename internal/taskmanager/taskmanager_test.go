package taskmanager

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/summitto/heartbeat-compute-party/internal/cache"
	"github.com/summitto/heartbeat-compute-party/internal/obelisk"
	"github.com/summitto/heartbeat-compute-party/internal/partykeys"
	"github.com/summitto/heartbeat-compute-party/internal/taskerr"
)

func writeKeyPair(t *testing.T, dir, name string) (privPath, pubPath string) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	privPath = filepath.Join(dir, name+".key")
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)}), 0o600))

	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	pubPath = filepath.Join(dir, name+".pub")
	require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}), 0o600))
	return privPath, pubPath
}

func newTestManagerForParty(t *testing.T, partyIndex int) *Manager {
	t.Helper()
	dir := t.TempDir()
	priv, pub := writeKeyPair(t, dir, "me")

	var certs [3]string
	for i := range certs {
		if i == partyIndex {
			certs[i] = pub
			continue
		}
		_, otherPub := writeKeyPair(t, dir, fmt.Sprintf("peer%d", i))
		certs[i] = otherPub
	}

	keys, err := partykeys.Load(partykeys.Config{
		ServerKey:  priv,
		ServerCert: pub,
		PartyIndex: partyIndex,
		PartyCerts: certs,
	})
	require.NoError(t, err)

	return New(Config{Keys: keys, Logger: zerolog.Nop()})
}

func TestRunOfflineOnlyAllowedOnParty0(t *testing.T) {
	m := newTestManagerForParty(t, 1)
	err := m.RunOffline(context.Background())
	require.Error(t, err)
}

func TestEnqueueRespectsQueueBound(t *testing.T) {
	m := New(Config{QueueSize: 1, Logger: zerolog.Nop()})
	require.True(t, m.Enqueue(WorkItem{AnalysisIDs: []string{"a1"}}))
	require.False(t, m.Enqueue(WorkItem{AnalysisIDs: []string{"a2"}}))
}

func TestKeyMaterialClassification(t *testing.T) {
	require.Len(t, keyMaterialAsShare(make([]byte, 16)), 16)
	require.Nil(t, keyMaterialAsShare(make([]byte, 176)))
	require.Len(t, keyMaterialAsSchedule(make([]byte, 176)), 176)
	require.Nil(t, keyMaterialAsSchedule(make([]byte, 16)))
}

func TestKindLabelMapping(t *testing.T) {
	require.Equal(t, "client", kindLabel(taskerr.KindClient))
	require.Equal(t, "integrity", kindLabel(taskerr.KindIntegrity))
	require.Equal(t, "infrastructure", kindLabel(taskerr.KindInfrastructure))
}

func TestRejectsUnsupportedAnalysisType(t *testing.T) {
	m := newTestManagerForParty(t, 0)
	err := m.runPipelineInner(context.Background(), WorkItem{
		AnalysisIDs:  []string{"a1"},
		UserIDs:      []string{"u1"},
		AnalysisType: "Something-Else",
		DataIndices:  [][]int64{{1}},
	})
	require.Error(t, err)
}

func TestRejectsMismatchedArrayLengths(t *testing.T) {
	m := newTestManagerForParty(t, 0)
	err := m.runPipelineInner(context.Background(), WorkItem{
		AnalysisIDs:  []string{"a1", "a2"},
		UserIDs:      []string{"u1"},
		AnalysisType: supportedAnalysisType,
		DataIndices:  [][]int64{{1}},
	})
	require.Error(t, err)
}

func newTestObeliskServer(t *testing.T, queries *int) *obelisk.Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/protocol/openid-connect/token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "token_type": "bearer", "expires_in": 300})
	})
	mux.HandleFunc("/analysis/data/query", func(w http.ResponseWriter, r *http.Request) {
		*queries++
		var req struct {
			UserIDs []string `json:"user_id"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		rows := make([][]string, len(req.UserIDs))
		for i, id := range req.UserIDs {
			rows[i] = []string{fmt.Sprintf("%02x", len(id)+0xa0)}
		}
		json.NewEncoder(w).Encode(map[string]any{"user_data": rows})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return obelisk.New(srv.URL, srv.URL+"/protocol/openid-connect/token", "server-id", "server-secret")
}

func TestCtCacheKeyJoinsIndices(t *testing.T) {
	require.Equal(t, "1", ctCacheKey([]int64{1}))
	require.Equal(t, "1-2-3", ctCacheKey([]int64{1, 2, 3}))
}

func TestFetchSamplesWithoutCacheGoesStraightToObelisk(t *testing.T) {
	var queries int
	m := newTestManagerForParty(t, 0)
	m.obelisk = newTestObeliskServer(t, &queries)

	samples, err := m.fetchSamples(context.Background(), WorkItem{
		AnalysisIDs: []string{"a1"},
		UserIDs:     []string{"u1"},
		DataIndices: [][]int64{{1}},
	})
	require.NoError(t, err)
	require.Len(t, samples, 1)
	require.Equal(t, 1, queries)
}

func TestFetchSamplesIsCacheFirstAndPopulatesOnMiss(t *testing.T) {
	var queries int
	m := newTestManagerForParty(t, 0)
	m.obelisk = newTestObeliskServer(t, &queries)
	cacheMgr, err := cache.New(t.TempDir(), 100, cache.EncodingJSON)
	require.NoError(t, err)
	m.cacheMgr = cacheMgr

	item := WorkItem{
		AnalysisIDs: []string{"a1"},
		UserIDs:     []string{"u1"},
		DataIndices: [][]int64{{1}},
	}

	first, err := m.fetchSamples(context.Background(), item)
	require.NoError(t, err)
	require.Equal(t, 1, queries)

	second, err := m.fetchSamples(context.Background(), item)
	require.NoError(t, err)
	require.Equal(t, 1, queries, "second fetch should be served entirely from cache")
	require.Equal(t, first, second)
}

func TestFetchSamplesOnlyQueriesObeliskForCacheMisses(t *testing.T) {
	var queries int
	m := newTestManagerForParty(t, 0)
	m.obelisk = newTestObeliskServer(t, &queries)
	cacheMgr, err := cache.New(t.TempDir(), 100, cache.EncodingJSON)
	require.NoError(t, err)
	m.cacheMgr = cacheMgr

	_, err = m.fetchSamples(context.Background(), WorkItem{
		AnalysisIDs: []string{"a1"},
		UserIDs:     []string{"u1"},
		DataIndices: [][]int64{{1}},
	})
	require.NoError(t, err)
	require.Equal(t, 1, queries)

	samples, err := m.fetchSamples(context.Background(), WorkItem{
		AnalysisIDs: []string{"a1", "a2"},
		UserIDs:     []string{"u1", "u2"},
		DataIndices: [][]int64{{1}, {2}},
	})
	require.NoError(t, err)
	require.Len(t, samples, 2)
	require.Equal(t, 2, queries, "only the uncached u2 entry should trigger a new request")
}
