package cluster

import (
	"github.com/kaws-project/kaws/server/internal/storage"
)

// PKIRecord is one published PKI file. Encrypted values are key artifacts
// exactly as they are stored in the repository.
type PKIRecord struct {
	storage.StoredValue
	Name      string `json:"name"`
	Value     string `json:"value"`
	Encrypted bool   `json:"encrypted"`
}

type PKIStore struct {
	client storage.EtcdClient
	root   string
}

func NewPKIStore(client storage.EtcdClient, root string) *PKIStore {
	return &PKIStore{
		client: client,
		root:   root,
	}
}

func (s *PKIStore) Prefix() string {
	return storage.Prefix("/", s.root, "pki")
}

func (s *PKIStore) Key(name string) string {
	return storage.Key("/", s.root, "pki", name)
}

func (s *PKIStore) Get(name string) storage.GetOp[*PKIRecord] {
	return storage.NewGetOp[*PKIRecord](s.client, s.Key(name))
}

func (s *PKIStore) GetAll() storage.GetMultipleOp[*PKIRecord] {
	return storage.NewGetPrefixOp[*PKIRecord](s.client, s.Prefix())
}

func (s *PKIStore) Put(item *PKIRecord) storage.PutOp[*PKIRecord] {
	return storage.NewPutOp(s.client, s.Key(item.Name), item)
}

type Store struct {
	client storage.EtcdClient
	PKI    *PKIStore
}

func NewStore(client storage.EtcdClient, root string) *Store {
	return &Store{
		client: client,
		PKI:    NewPKIStore(client, root),
	}
}

func (s *Store) Txn(ops ...storage.TxnOperation) storage.Txn {
	return storage.NewTxn(s.client, ops...)
}
