package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// GeneratedConfigName is the per-cluster file that records settings chosen by
// kaws itself, such as the master key id after a rotation.
const GeneratedConfigName = "kaws.json"

type Manager struct {
	sources     []*Source
	config      Config
	generated   Config
	generatedMu sync.Mutex
}

func NewManager(sources ...*Source) *Manager {
	return &Manager{
		sources: sources,
	}
}

func (m *Manager) Config() Config {
	return m.config
}

func (m *Manager) Load() error {
	userK, err := m.loadUserConfig()
	if err != nil {
		return err
	}

	generatedK, err := m.loadGeneratedConfig(userK)
	if err != nil {
		return err
	}

	// Order of preference goes:
	// 1. User-specified config
	// 2. Generated (per-cluster) config
	// 3. Defaults
	combinedK := koanf.New(".")
	if err := LoadStruct(combinedK, DefaultConfig()); err != nil {
		return fmt.Errorf("failed to load defaults: %w", err)
	}
	if err := combinedK.Merge(generatedK); err != nil {
		return fmt.Errorf("failed to merge generated config: %w", err)
	}
	if err := combinedK.Merge(userK); err != nil {
		return fmt.Errorf("failed to merge user config: %w", err)
	}

	var generated Config
	if err := generatedK.Unmarshal("", &generated); err != nil {
		return fmt.Errorf("failed to unmarshal generated config: %w", err)
	}

	var combined Config
	if err := combinedK.Unmarshal("", &combined); err != nil {
		return fmt.Errorf("failed to unmarshal combined config: %w", err)
	}

	if err := combined.Validate(); err != nil {
		return err
	}

	m.generated = generated
	m.config = combined

	return nil
}

func (m *Manager) GeneratedConfig() Config {
	m.generatedMu.Lock()
	defer m.generatedMu.Unlock()

	return m.generated
}

// UpdateGeneratedConfig persists config as the cluster's generated config and
// reloads. It requires a cluster to be selected.
func (m *Manager) UpdateGeneratedConfig(config Config) error {
	m.generatedMu.Lock()
	defer m.generatedMu.Unlock()

	if m.config.Cluster == "" {
		return errors.New("cannot update generated config without a cluster")
	}

	k := koanf.New(".")
	if err := LoadStruct(k, config); err != nil {
		return err
	}

	raw, err := k.Marshal(kjson.Parser())
	if err != nil {
		return fmt.Errorf("failed to marshal generated config: %w", err)
	}

	path := GeneratedPath(m.config.RootDir, m.config.Cluster)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create cluster directory: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("failed to write generated config: %w", err)
	}

	return m.Load()
}

func (m *Manager) loadUserConfig() (*koanf.Koanf, error) {
	k := koanf.New(".")
	for _, source := range m.sources {
		err := k.Load(source.Provider(k), source.Parser, source.Options...)
		if err != nil {
			return nil, fmt.Errorf("failed to load user-specified config: %w", err)
		}
	}

	return k, nil
}

func (m *Manager) loadGeneratedConfig(user *koanf.Koanf) (*koanf.Koanf, error) {
	cluster := user.String("cluster")
	if cluster == "" {
		return koanf.New("."), nil
	}
	rootDir := user.String("root_dir")
	if rootDir == "" {
		rootDir = DefaultConfig().RootDir
	}

	path := GeneratedPath(rootDir, cluster)
	_, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return koanf.New("."), nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to check if generated config exists: %w", err)
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), kjson.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load generated config: %w", err)
	}

	return k, nil
}

func GeneratedPath(rootDir, cluster string) string {
	return filepath.Join(rootDir, "clusters", cluster, GeneratedConfigName)
}
