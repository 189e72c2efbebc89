package filehive

import (
	"fmt"
	"log/slog"
	"os"

	yaml "gopkg.in/yaml.v2"

	"github.com/filehive/filehive/pkg/planner"
	"github.com/filehive/filehive/pkg/transform"
)

// Config configures the engine instance. Only Paths[0] is used at the
// moment; future versions may use multiple paths for tiering.
type Config struct {
	// Paths contains data directories for the journal, index and
	// staging area. Currently only Paths[0] is used.
	Paths []string `yaml:"paths"`
	// OutputRoot is where organized files land. It is excluded from
	// scans, so the engine never re-organizes its own output.
	OutputRoot string `yaml:"output_root"`
	// MinimumFreeGB is a free-space threshold checked before opening
	// the stores and before every batch.
	MinimumFreeGB uint `yaml:"minimum_free_gb"`

	// CollisionPolicy is rename (default), skip or overwrite.
	CollisionPolicy string `yaml:"collision_policy"`
	// DeleteSources moves files instead of copying them: sources are
	// removed once their placement committed.
	DeleteSources bool `yaml:"delete_sources"`

	// Compress and Encrypt select the transforms applied to every item
	// of a batch. CompressionDepth is 1 (fast) through 9 (dense), zero
	// means the codec default. KeyRef is the opaque key handle passed
	// to the key provider; raw key material never appears here.
	Compress         bool   `yaml:"compress"`
	CompressionDepth int    `yaml:"compression_depth"`
	Encrypt          bool   `yaml:"encrypt"`
	KeyRef           string `yaml:"key_ref"`

	// Workers bounds the per-item pool (classify, fingerprint,
	// transform). Zero means 3x the CPU count.
	Workers int `yaml:"workers"`
	// IOConcurrency bounds parallel filesystem operations during
	// execution. Zero means 4.
	IOConcurrency int `yaml:"io_concurrency"`

	// Logger is an optional structured logger. If nil, a stderr logger
	// is used.
	Logger *slog.Logger `yaml:"-"`
	// Keys resolves KeyRef to key material. Required when Encrypt is
	// set.
	Keys transform.KeyProvider `yaml:"-"`
}

// LoadConfig reads a YAML config file. Missing keys keep their zero
// values; the engine applies defaults on New.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	var conf Config
	if err := yaml.Unmarshal(raw, &conf); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return conf, nil
}

func (c Config) collisionPolicy() planner.CollisionPolicy {
	switch planner.CollisionPolicy(c.CollisionPolicy) {
	case planner.CollisionSkip:
		return planner.CollisionSkip
	case planner.CollisionOverwrite:
		return planner.CollisionOverwrite
	}
	return planner.CollisionRename
}

func (c Config) transformSpec() transform.Spec {
	return transform.Spec{
		Compress:         c.Compress,
		CompressionDepth: c.CompressionDepth,
		Encrypt:          c.Encrypt,
		Cipher:           transform.CipherAES256,
		KeyRef:           c.KeyRef,
	}
}

func defaultLogger() *slog.Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return slog.New(h)
}
