// Package config loads the TOML configuration described in spec.md §6.6:
// results directory, listen port, TLS material, party index, and the
// Obelisk client-credentials pair. Modeled on the teacher's flat
// CONFIG_* fields (notary/notary.go's flag-based setup), but sourced from
// a file the way the original Python Config class does, using the
// BurntSushi/toml decoder the rest of the pack's service manifests favor
// for this job.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Config mirrors the TOML schema from spec.md §6.6.
type Config struct {
	ResultsDir   string `toml:"results_dir"`
	Port         int    `toml:"port"`
	CACert       string `toml:"ca_cert"`
	ServerCert   string `toml:"server_cert"`
	ServerKey    string `toml:"server_key"`
	PartyIndex   int    `toml:"party_index"`
	ServerID     string `toml:"server_id"`
	ServerSecret string `toml:"server_secret"`

	// PartyCerts are the three parties' certificate paths, in party order,
	// used to build PartyKeys (§4.1). Not present in the minimal §6.6 table
	// but required by every construction path that references it.
	PartyCerts [3]string `toml:"party_certs"`

	// ObeliskBaseURL and ObeliskTokenURL locate the external data lake
	// (§6.2). Obelisk itself is out of scope; only its address is config.
	ObeliskBaseURL  string `toml:"obelisk_base_url"`
	ObeliskTokenURL string `toml:"obelisk_token_url"`

	// AESBridgeBin / AESBridgeConfig locate the external MPC-AES binary and
	// its TOML config (§6.3).
	AESBridgeBin    string `toml:"aes_bridge_bin"`
	AESBridgeConfig string `toml:"aes_bridge_config"`

	// InferenceBin / HostsFile locate the inference binary and its party
	// topology file (§6.4).
	InferenceBin string `toml:"inference_bin"`
	HostsFile    string `toml:"hosts_file"`

	// StatusDBPath is the SQLite-shaped status database path (§6.5).
	StatusDBPath string `toml:"status_db_path"`

	// CacheBaseDir / CacheMaxSize configure the data manager (§4.5 / §9).
	CacheBaseDir string `toml:"cache_base_dir"`
	CacheMaxSize int    `toml:"cache_max_size"`
	CacheEncoding string `toml:"cache_encoding"` // "JSON" or "binary"

	// LogPretty selects console-pretty logging over JSON (ambient stack).
	LogPretty bool `toml:"log_pretty"`

	// ModelDir holds the per-analysis-type static weight/bias share files
	// (§4.8 step 7).
	ModelDir string `toml:"model_dir"`

	// SharesFilePath is this party's singleton shares file (§3, §5).
	SharesFilePath string `toml:"shares_file_path"`

	// OfflineBin is the Fake-Offline.x binary (§4.8, party 0 only).
	OfflineBin string `toml:"offline_bin"`

	// OfflineScpHosts are the scp destinations the offline phase
	// distributes MP-SPDZ/Player-Data/3-* to.
	OfflineScpHosts []string `toml:"offline_scp_hosts"`

	// QueueSize bounds the task manager's admission queue.
	QueueSize int `toml:"queue_size"`
}

// Load reads and validates a TOML config file at path.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.PartyIndex < 0 || c.PartyIndex > 2 {
		return fmt.Errorf("party_index must be 0, 1, or 2, got %d", c.PartyIndex)
	}
	if c.Port <= 0 {
		return fmt.Errorf("port must be positive, got %d", c.Port)
	}
	if c.ResultsDir == "" {
		return fmt.Errorf("results_dir is required")
	}
	for i, p := range c.PartyCerts {
		if p == "" {
			return fmt.Errorf("party_certs[%d] is required", i)
		}
	}
	if c.CacheEncoding == "" {
		c.CacheEncoding = "JSON"
	}
	if c.CacheEncoding != "JSON" && c.CacheEncoding != "binary" {
		return fmt.Errorf("cache_encoding must be JSON or binary, got %q", c.CacheEncoding)
	}
	if c.CacheMaxSize <= 0 {
		c.CacheMaxSize = 10
	}
	return nil
}
