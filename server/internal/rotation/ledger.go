package rotation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/spf13/afero"

	"github.com/kaws-project/kaws/server/internal/filesystem"
	"github.com/kaws-project/kaws/server/internal/storage"
)

// Record is the persisted progress of one rotation.
type Record struct {
	storage.StoredValue `json:"-" yaml:"-"`

	ID        string         `json:"id" yaml:"id"`
	FromKeyID string         `json:"from_key_id" yaml:"from_key_id"`
	ToKeyID   string         `json:"to_key_id" yaml:"to_key_id"`
	StartedAt time.Time      `json:"started_at" yaml:"started_at"`
	Secrets   []*SecretState `json:"secrets" yaml:"secrets"`
}

type SecretState struct {
	Name        string     `json:"name" yaml:"name"`
	Path        string     `json:"path" yaml:"path"`
	CommittedAt *time.Time `json:"committed_at,omitempty" yaml:"committed_at,omitempty"`
}

func (s *SecretState) Committed() bool {
	return s.CommittedAt != nil
}

func (r *Record) secret(name string) *SecretState {
	for _, s := range r.Secrets {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Pending returns the names of secrets that have not been committed.
func (r *Record) Pending() []string {
	var names []string
	for _, s := range r.Secrets {
		if !s.Committed() {
			names = append(names, s.Name)
		}
	}
	return names
}

// Ledger persists rotation progress so an interrupted rotation can resume.
type Ledger interface {
	// Load returns the stored record, or nil if there is none.
	Load(ctx context.Context) (*Record, error)
	Save(ctx context.Context, record *Record) error
	// Delete removes the stored record. Deleting a missing record is not an
	// error.
	Delete(ctx context.Context) error
}

var _ Ledger = (*FileLedger)(nil)

// FileLedger stores the record as YAML in a local file.
type FileLedger struct {
	fs   afero.Fs
	path string
}

func NewFileLedger(fs afero.Fs, path string) *FileLedger {
	return &FileLedger{
		fs:   fs,
		path: path,
	}
}

func (l *FileLedger) Path() string {
	return l.path
}

func (l *FileLedger) Load(_ context.Context) (*Record, error) {
	raw, err := afero.ReadFile(l.fs, l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read rotation ledger %q: %w", l.path, err)
	}
	var record Record
	if err := yaml.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("failed to decode rotation ledger %q: %w", l.path, err)
	}
	return &record, nil
}

func (l *FileLedger) Save(_ context.Context, record *Record) error {
	raw, err := yaml.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode rotation ledger: %w", err)
	}
	if err := l.fs.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for rotation ledger: %w", err)
	}
	if err := filesystem.WriteFileAtomic(l.fs, l.path, raw, 0o600); err != nil {
		return fmt.Errorf("failed to write rotation ledger: %w", err)
	}
	return nil
}

func (l *FileLedger) Delete(_ context.Context) error {
	err := l.fs.Remove(l.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove rotation ledger %q: %w", l.path, err)
	}
	return nil
}

var _ Ledger = (*EtcdLedger)(nil)

// EtcdLedger stores the record under a single etcd key. Saves are
// conditional on the version that was loaded, so two concurrent rotations
// can't both make progress.
type EtcdLedger struct {
	client storage.EtcdClient
	key    string
}

func NewEtcdLedger(client storage.EtcdClient, root, cluster string) *EtcdLedger {
	return &EtcdLedger{
		client: client,
		key:    LedgerKey(root, cluster),
	}
}

func LedgerKey(root, cluster string) string {
	return storage.Key(root, cluster, "rotation")
}

func (l *EtcdLedger) Load(ctx context.Context) (*Record, error) {
	record, err := storage.NewGetOp[*Record](l.client, l.key).Exec(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (l *EtcdLedger) Save(ctx context.Context, record *Record) error {
	if record.Version() == 0 {
		return storage.NewCreateOp(l.client, l.key, record).Exec(ctx)
	}
	return storage.NewUpdateOp(l.client, l.key, record).Exec(ctx)
}

func (l *EtcdLedger) Delete(ctx context.Context) error {
	_, err := storage.NewDeleteKeyOp(l.client, l.key).Exec(ctx)
	return err
}
