package cluster

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/kaws-project/kaws/server/internal/encryption"
	"github.com/kaws-project/kaws/server/internal/filesystem"
	"github.com/kaws-project/kaws/server/internal/storage"
)

// Role selects which credentials a machine fetches.
type Role string

const (
	RoleMaster Role = "master"
	RoleNode   Role = "node"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleMaster, RoleNode:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q, expected %q or %q", s, RoleMaster, RoleNode)
	}
}

type publication struct {
	name      string
	component Component
	key       bool
}

var publications = []publication{
	{name: "ca.pem", component: ComponentK8sCA},
	{name: "master.pem", component: ComponentK8sMaster},
	{name: "master-key.pem", component: ComponentK8sMaster, key: true},
	{name: "node.pem", component: ComponentK8sNode},
	{name: "node-key.pem", component: ComponentK8sNode, key: true},
}

func (r Role) files() []string {
	switch r {
	case RoleMaster:
		return []string{"ca.pem", "master.pem", "master-key.pem"}
	case RoleNode:
		return []string{"ca.pem", "node.pem", "node-key.pem"}
	default:
		return nil
	}
}

// StringDecrypter decrypts key artifacts to text.
type StringDecrypter interface {
	DecryptString(ctx context.Context, data []byte) (string, error)
}

// Publisher copies a cluster's Kubernetes certificates and encrypted keys to
// etcd, where machines fetch them at boot.
type Publisher struct {
	store  *Store
	fs     afero.Fs
	logger zerolog.Logger
}

func NewPublisher(store *Store, fs afero.Fs, logger zerolog.Logger) *Publisher {
	return &Publisher{
		store:  store,
		fs:     fs,
		logger: logger.With().Str("component", "pki_publisher").Logger(),
	}
}

// Publish writes every record in a single transaction. Keys are published as
// their encrypted artifacts and are never decrypted here.
func (p *Publisher) Publish(ctx context.Context, l Layout) ([]string, error) {
	var ops []storage.TxnOperation
	var names []string
	for _, pub := range publications {
		path := l.CertPath(pub.component)
		if pub.key {
			path = l.EncryptedKeyPath(pub.component)
		}
		data, err := afero.ReadFile(p.fs, path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %q: %w", path, err)
		}
		if pub.key {
			if err := checkPublishable(data); err != nil {
				return nil, fmt.Errorf("cannot publish %q: %w", path, err)
			}
		}
		ops = append(ops, p.store.PKI.Put(&PKIRecord{
			Name:      pub.name,
			Value:     string(bytes.TrimSpace(data)),
			Encrypted: pub.key,
		}))
		names = append(names, pub.name)
	}

	if err := p.store.Txn(ops...).Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to publish pki: %w", err)
	}
	p.logger.Info().
		Str("cluster", l.Name).
		Str("prefix", p.store.PKI.Prefix()).
		Strs("records", names).
		Msg("published pki")
	return names, nil
}

// checkPublishable rejects artifacts that a machine can't decrypt with the
// key management service alone.
func checkPublishable(data []byte) error {
	artifact, err := encryption.DecodeArtifact(data)
	if err != nil {
		return err
	}
	switch artifact.Scheme {
	case encryption.SchemeKMSEnvelope, encryption.SchemeKMSBase64:
		return nil
	default:
		return fmt.Errorf("%w: %s artifacts are not supported", encryption.ErrUnknownScheme, artifact.Scheme)
	}
}

// Fetch writes the files for role from etcd into dir, decrypting keys with
// dec. Keys are written with owner-only permissions and stay on disk.
func (p *Publisher) Fetch(ctx context.Context, role Role, dir string, dec StringDecrypter) ([]string, error) {
	files := role.files()
	if files == nil {
		return nil, fmt.Errorf("unknown role %q", role)
	}
	if err := p.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %q: %w", dir, err)
	}

	var written []string
	for _, name := range files {
		record, err := p.store.PKI.Get(name).Exec(ctx)
		if errors.Is(err, storage.ErrNotFound) {
			return written, fmt.Errorf("%q has not been published: %w", name, err)
		}
		if err != nil {
			return written, err
		}

		value := []byte(record.Value)
		perm := os.FileMode(0o644)
		if record.Encrypted {
			plaintext, err := dec.DecryptString(ctx, value)
			if err != nil {
				return written, fmt.Errorf("failed to decrypt %q: %w", name, err)
			}
			value = []byte(plaintext)
			perm = 0o600
		}

		path := filepath.Join(dir, name)
		err = filesystem.WriteFileAtomic(p.fs, path, value, perm)
		if record.Encrypted {
			encryption.Zero(value)
		}
		if err != nil {
			return written, err
		}
		written = append(written, path)
		p.logger.Info().Str("path", path).Str("key", p.store.PKI.Key(name)).Msg("refreshed file")
	}
	return written, nil
}
