// Package cache implements the data manager / ciphertext cache (C5): a
// rooted on-disk tree of per-user key material, crypto-context, generated
// config, and ciphertexts, addressed by (user_id, index).
//
// Grounded on original_source/fhe/SERVER/worker.py's FHEDataManager for the
// directory layout, the encoding option (base64 vs verbatim JSON), and the
// generated crypto_config.json shape; LRU-by-mtime eviction is this
// package's own choice per spec.md §9's TODO.
package cache

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	keyCacheDirName   = "keys"
	modelCacheDirName = "models"
	ctDirName         = "ct"

	keyAutomorphism = "automorphism_key"
	keyMultiplication = "multiplication_key"
	keyCryptoContext  = "crypto_context"
	configFileName    = "crypto_config.json"
)

var expectedKeyFiles = []string{keyAutomorphism, keyMultiplication, keyCryptoContext}

// Encoding selects how key/ciphertext payloads are stored on disk.
type Encoding int

const (
	EncodingJSON Encoding = iota // stored verbatim
	EncodingBinary                // base64url-decoded before writing
)

// Manager is the data manager / ciphertext cache.
type Manager struct {
	basePath     string
	keyCache     string
	modelCache   string
	ctDir        string
	maxCacheSize int
	encoding     Encoding

	mu     sync.Mutex
	pinned map[string]bool // user_id directories currently in use by a running pipeline
}

// New constructs a Manager rooted at basePath, creating the cache/{keys,
// models} directories if needed.
func New(basePath string, maxCacheSize int, encoding Encoding) (*Manager, error) {
	m := &Manager{
		basePath:     basePath,
		keyCache:     filepath.Join(basePath, "cache", keyCacheDirName),
		modelCache:   filepath.Join(basePath, "cache", modelCacheDirName),
		ctDir:        filepath.Join(basePath, ctDirName),
		maxCacheSize: maxCacheSize,
		encoding:     encoding,
		pinned:       make(map[string]bool),
	}
	if err := os.MkdirAll(m.keyCache, 0o755); err != nil {
		return nil, fmt.Errorf("cache: creating key cache dir: %w", err)
	}
	if err := os.MkdirAll(m.modelCache, 0o755); err != nil {
		return nil, fmt.Errorf("cache: creating model cache dir: %w", err)
	}
	return m, nil
}

// LookupUserKeys reports whether all three key files and the generated
// config exist for userID, returning the config path if so.
func (m *Manager) LookupUserKeys(userID string) (present bool, configPath string) {
	dir := filepath.Join(m.keyCache, userID)
	ok := true
	for _, name := range expectedKeyFiles {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			ok = false
			break
		}
	}
	cfgPath := filepath.Join(dir, configFileName)
	if _, err := os.Stat(cfgPath); err != nil {
		ok = false
	}
	if !ok {
		return false, ""
	}
	return true, cfgPath
}

// PutUserKeys stores the three key materials for userID, decoding each from
// base64url first when the cache's encoding is EncodingBinary.
func (m *Manager) PutUserKeys(userID, autoKey, multKey, cryptoContext string) error {
	dir := filepath.Join(m.keyCache, userID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cache: creating user key dir: %w", err)
	}

	values := map[string]string{
		keyAutomorphism:    autoKey,
		keyMultiplication:  multKey,
		keyCryptoContext:   cryptoContext,
	}
	for _, name := range expectedKeyFiles {
		if err := m.writeKeyFile(filepath.Join(dir, name), values[name]); err != nil {
			return err
		}
	}
	m.touch(dir)
	return m.evictIfNeeded()
}

func (m *Manager) writeKeyFile(path, content string) error {
	if m.encoding == EncodingBinary {
		raw, err := base64.URLEncoding.DecodeString(content)
		if err != nil {
			return fmt.Errorf("cache: decoding base64 payload for %s: %w", path, err)
		}
		return os.WriteFile(path, raw, 0o600)
	}
	return os.WriteFile(path, []byte(content), 0o600)
}

// cryptoConfig is the JSON document generated for the inference binary: the
// three key file paths plus the analysis type's neural-network config path.
type cryptoConfig struct {
	AutomorphismKey    string `json:"automorphism_key"`
	MultiplicationKey  string `json:"multiplication_key"`
	CryptoContext      string `json:"crypto_context"`
	NeuralNetworkConfig string `json:"neural_network_config"`
}

// GenerateConfig writes crypto_config.json referencing the three key files'
// absolute paths plus the analysis type's neural-network config, returning
// the config's absolute path.
func (m *Manager) GenerateConfig(userID, analysisType string) (string, error) {
	dir := filepath.Join(m.keyCache, userID)
	abs := func(name string) (string, error) {
		return filepath.Abs(filepath.Join(dir, name))
	}

	autoAbs, err := abs(keyAutomorphism)
	if err != nil {
		return "", err
	}
	multAbs, err := abs(keyMultiplication)
	if err != nil {
		return "", err
	}
	ctxAbs, err := abs(keyCryptoContext)
	if err != nil {
		return "", err
	}
	nnAbs, err := filepath.Abs(filepath.Join(m.modelCache, analysisType, "config.json"))
	if err != nil {
		return "", err
	}

	cfg := cryptoConfig{
		AutomorphismKey:     autoAbs,
		MultiplicationKey:   multAbs,
		CryptoContext:       ctxAbs,
		NeuralNetworkConfig: nnAbs,
	}
	body, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("cache: marshaling crypto config: %w", err)
	}

	cfgPath := filepath.Join(dir, configFileName)
	if err := os.WriteFile(cfgPath, body, 0o600); err != nil {
		return "", fmt.Errorf("cache: writing crypto config: %w", err)
	}
	return filepath.Abs(cfgPath)
}

// LookupCt reports whether a ciphertext exists for (userID, index), returning
// its path if so.
func (m *Manager) LookupCt(userID string, index string) (present bool, path string) {
	p := filepath.Join(m.ctDir, userID, index)
	if _, err := os.Stat(p); err != nil {
		return false, ""
	}
	return true, p
}

// PutCt stores ciphertext content for (userID, index). content is treated
// the same way as PutUserKeys' payloads: base64url when the cache's
// encoding is EncodingBinary, verbatim otherwise.
func (m *Manager) PutCt(userID, index, content string) (string, error) {
	dir := filepath.Join(m.ctDir, userID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("cache: creating ct dir: %w", err)
	}
	path := filepath.Join(dir, index)
	if err := m.writeKeyFile(path, content); err != nil {
		return "", err
	}
	return path, nil
}

// ReadCt returns the raw ciphertext bytes cached for (userID, index),
// reversing whatever encoding PutCt applied on write. Callers that populate
// the cache via PutCt with a base64url-encoded payload get their original
// bytes back from ReadCt regardless of the cache's configured encoding.
func (m *Manager) ReadCt(userID, index string) ([]byte, error) {
	present, path := m.LookupCt(userID, index)
	if !present {
		return nil, fmt.Errorf("cache: no cached ciphertext for %s/%s", userID, index)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cache: reading cached ciphertext %s/%s: %w", userID, index, err)
	}
	if m.encoding == EncodingBinary {
		return raw, nil
	}
	return base64.URLEncoding.DecodeString(string(raw))
}

// Pin marks userID's cache entry as in-use by a running pipeline, excluding
// it from eviction until Unpin is called.
func (m *Manager) Pin(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pinned[userID] = true
}

// Unpin releases a pin acquired with Pin.
func (m *Manager) Unpin(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pinned, userID)
}

func (m *Manager) touch(dir string) {
	now := time.Now()
	_ = os.Chtimes(dir, now, now)
}

// evictIfNeeded enforces max_cache_size by removing the least-recently-used
// (by directory mtime) unpinned user key directories. Never evicts an entry
// currently pinned by a running pipeline.
func (m *Manager) evictIfNeeded() error {
	entries, err := os.ReadDir(m.keyCache)
	if err != nil {
		return fmt.Errorf("cache: listing key cache: %w", err)
	}
	if len(entries) <= m.maxCacheSize {
		return nil
	}

	type userDir struct {
		userID string
		mtime  time.Time
	}
	var dirs []userDir
	m.mu.Lock()
	for _, e := range entries {
		if !e.IsDir() || m.pinned[e.Name()] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		dirs = append(dirs, userDir{e.Name(), info.ModTime()})
	}
	m.mu.Unlock()

	sort.Slice(dirs, func(i, j int) bool { return dirs[i].mtime.Before(dirs[j].mtime) })

	overflow := len(entries) - m.maxCacheSize
	for i := 0; i < overflow && i < len(dirs); i++ {
		if err := os.RemoveAll(filepath.Join(m.keyCache, dirs[i].userID)); err != nil {
			return fmt.Errorf("cache: evicting %s: %w", dirs[i].userID, err)
		}
	}
	return nil
}
