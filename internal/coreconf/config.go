// Package coreconf loads horizon-core's configuration: block sizes,
// reserved flash ranges, GNSS filtering thresholds, and radio timeouts,
// read from a JSON file the same way conf.LoadConfig reads mender.conf.
package coreconf

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"

	"github.com/arribada/horizon-core/internal/corelog"
)

// FromFile is the subset of configuration loaded directly from JSON.
type FromFile struct {
	// Block device geometry for the simulated / real flash part.
	BlockCount uint32
	BlockSize  uint32
	PageSize   uint32

	// FsLog layout.
	ChunkSize uint32
	MaxSize   uint32
	RecordSize uint32

	// Reserved block range for MCU firmware OTA.
	OTAReservedBaseBlock uint32
	OTAReservedBlocks    uint32

	// GNSS fix filtering and sampling limits.
	GNSSHAccThresholdM float64
	GNSSHDOPThreshold  float64
	GNSSMaxNavSamples  int
	GNSSMaxSatSamples  int
	GNSSCyclicTracking bool

	// Radio idle timeout, milliseconds.
	RadioIdleTimeoutMs int
}

// Config is the fully-resolved configuration: values loaded from file,
// overlaid onto defaults for anything the file leaves out.
type Config struct {
	FromFile
}

// Default returns a Config with sensible defaults for the simulator.
func Default() *Config {
	return &Config{FromFile: FromFile{
		BlockCount: 256,
		BlockSize:  4096,
		PageSize:   256,

		ChunkSize:  4096,
		MaxSize:    1 << 20,
		RecordSize: 128,

		OTAReservedBaseBlock: 0,
		OTAReservedBlocks:    16,

		GNSSHAccThresholdM: 0,
		GNSSHDOPThreshold:  0,
		GNSSMaxNavSamples:  0,
		GNSSMaxSatSamples:  0,

		RadioIdleTimeoutMs: 5000,
	}}
}

var log = corelog.For("coreconf")

// LoadConfig reads path (if it exists) over top of Default(), matching
// conf.LoadConfig's "missing file is not an error" behavior.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Debug("configuration file does not exist, using defaults: ", path)
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "coreconf: reading configuration file")
	}
	if err := json.Unmarshal(raw, &cfg.FromFile); err != nil {
		return nil, errors.Wrap(err, "coreconf: parsing configuration file")
	}
	log.Info("loaded configuration file: ", path)
	return cfg, nil
}

// Save writes cfg's file-backed fields out as indented JSON, matching
// conf.SaveConfigFile.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg.FromFile, "", "    ")
	if err != nil {
		return errors.Wrap(err, "coreconf: encoding configuration")
	}
	return os.WriteFile(path, data, 0o644)
}
