// Package config loads and atomically persists a node's identity, Noise
// static keypair, listen port and bootstrap list (spec.md §3's NodeId /
// static-key lifecycle), using the same temp-file-then-rename pattern as
// dep2p-go-dep2p/internal/core/identity/storage.go's atomicWriteFile.
package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/DEgITx/librats/internal/identity"
	"github.com/DEgITx/librats/internal/noise"
	"github.com/DEgITx/librats/pkg/types"
)

// Config is the on-disk representation of a node's persistent state.
type Config struct {
	NodeIDHex          string   `json:"node_id"`
	NoiseStaticPrivHex string   `json:"noise_static_sk"`
	NoiseStaticPubHex  string   `json:"noise_static_public_key"`
	ListenPort         uint16   `json:"listen_port"`
	BootstrapNodes     []string `json:"bootstrap_nodes,omitempty"`
	FileDir            string   `json:"file_dir,omitempty"`
}

// NodeID decodes the persisted node identifier.
func (c *Config) NodeID() (types.NodeID, error) {
	return types.NodeIDFromHex(c.NodeIDHex)
}

// NoiseKeypair decodes the persisted Noise static keypair.
func (c *Config) NoiseKeypair() (noise.StaticKeypair, error) {
	priv, err := hex.DecodeString(c.NoiseStaticPrivHex)
	if err != nil {
		return noise.StaticKeypair{}, fmt.Errorf("config: decode noise private key: %w", err)
	}
	pub, err := hex.DecodeString(c.NoiseStaticPubHex)
	if err != nil {
		return noise.StaticKeypair{}, fmt.Errorf("config: decode noise public key: %w", err)
	}
	return noise.StaticKeypair{Private: priv, Public: pub}, nil
}

// Generate creates a fresh identity, Noise keypair and default ports —
// the state written the first time a node starts with no config file.
func Generate(listenPort uint16) (*Config, error) {
	seed, err := identity.GenerateSeed()
	if err != nil {
		return nil, fmt.Errorf("config: generate seed: %w", err)
	}
	nodeID := identity.NodeIDFromSeed(seed)

	kp, err := noise.GenerateStaticKeypair()
	if err != nil {
		return nil, fmt.Errorf("config: generate noise keypair: %w", err)
	}

	return &Config{
		NodeIDHex:          nodeID.String(),
		NoiseStaticPrivHex: hex.EncodeToString(kp.Private),
		NoiseStaticPubHex:  hex.EncodeToString(kp.Public),
		ListenPort:         listenPort,
	}, nil
}

// Load reads a Config from path. Load does not create one if missing;
// callers should fall back to Generate and Save.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &c, nil
}

// Save writes c to path atomically (temp file in the same directory,
// fsync, chmod 0600, rename) so a crash mid-write never corrupts the
// existing config.
func Save(path string, c *Config) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return atomicWriteFile(path, data, 0o600)
}

func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-librats-config-")
	if err != nil {
		return fmt.Errorf("config: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("config: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("config: sync temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("config: chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("config: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("config: rename temp file: %w", err)
	}

	success = true
	return nil
}

// LoadOrGenerate loads path if it exists, otherwise generates a fresh
// Config, persists it, and returns it.
func LoadOrGenerate(path string, defaultPort uint16) (*Config, error) {
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	c, err := Generate(defaultPort)
	if err != nil {
		return nil, err
	}
	if err := Save(path, c); err != nil {
		return nil, err
	}
	return c, nil
}
