package cluster

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/kaws-project/kaws/server/internal/config"
	"github.com/kaws-project/kaws/server/internal/filesystem"
	"github.com/kaws-project/kaws/server/internal/rotation"
)

// Component names one certificate and key pair of a cluster.
type Component string

const (
	ComponentEtcdCA     Component = "etcd-ca"
	ComponentEtcdPeerCA Component = "etcd-peer-ca"
	ComponentK8sCA      Component = "k8s-ca"
	ComponentK8sMaster  Component = "k8s-master"
	ComponentK8sNode    Component = "k8s-node"
)

// Components lists every component in generation order.
func Components() []Component {
	return []Component{
		ComponentEtcdCA,
		ComponentEtcdPeerCA,
		ComponentK8sCA,
		ComponentK8sMaster,
		ComponentK8sNode,
	}
}

// Layout maps a cluster's files onto the repository directory:
//
//	<root>/clusters/<name>/<component>.pem
//	<root>/clusters/<name>/<component>-key-encrypted.base64
//	<root>/pubkeys/<uid>.asc
type Layout struct {
	Root string
	Name string
}

func NewLayout(root, name string) (Layout, error) {
	if err := config.ValidateClusterName(name); err != nil {
		return Layout{}, err
	}
	return Layout{Root: root, Name: name}, nil
}

func (l Layout) Dir() string {
	return filepath.Join(l.Root, "clusters", l.Name)
}

func (l Layout) PubKeysDir() string {
	return filepath.Join(l.Root, "pubkeys")
}

func (l Layout) CertPath(c Component) string {
	return filepath.Join(l.Dir(), string(c)+".pem")
}

func (l Layout) EncryptedKeyPath(c Component) string {
	return filepath.Join(l.Dir(), string(c)+"-key-encrypted.base64")
}

// KeyPath is where a component's key is placed while it is temporarily
// decrypted.
func (l Layout) KeyPath(c Component) string {
	return filepath.Join(l.Dir(), string(c)+"-key.pem")
}

func (l Layout) LockPath() string {
	return filepath.Join(l.Dir(), ".kaws.lock")
}

func (l Layout) LedgerPath() string {
	return filepath.Join(l.Dir(), "rotation-ledger.yaml")
}

func (l Layout) AdminKeyPath(uid string) string {
	return filepath.Join(l.Dir(), uid+"-key.pem")
}

func (l Layout) AdminEncryptedKeyPath(uid string) string {
	return l.AdminKeyPath(uid) + ".asc"
}

func (l Layout) AdminCSRPath(uid string) string {
	return filepath.Join(l.Dir(), uid+".csr")
}

func (l Layout) AdminCertPath(uid string) string {
	return filepath.Join(l.Dir(), uid+".pem")
}

// Init creates the cluster directory and its .gitignore, which keeps
// plaintext keys out of version control.
func (l Layout) Init(fs afero.Fs) error {
	tree := &filesystem.Directory{
		Path: l.Root,
		Children: []filesystem.TreeNode{
			&filesystem.Directory{
				Path: filepath.Join("clusters", l.Name),
				Children: []filesystem.TreeNode{
					&filesystem.File{Path: ".gitignore", Contents: []byte("*-key.pem\n.kaws.lock\n")},
				},
			},
			&filesystem.Directory{Path: "pubkeys"},
		},
	}
	if err := tree.Create(fs, ""); err != nil {
		return fmt.Errorf("failed to initialize cluster %q: %w", l.Name, err)
	}
	return nil
}

// RotationSecrets returns every encrypted key of the cluster.
func (l Layout) RotationSecrets() []rotation.Secret {
	var secrets []rotation.Secret
	for _, c := range Components() {
		secrets = append(secrets, rotation.Secret{
			Name: string(c),
			Path: l.EncryptedKeyPath(c),
		})
	}
	return secrets
}
