package storage_test

import "github.com/kaws-project/kaws/server/internal/storage"

var _ storage.Value = (*TestValue)(nil)

type TestValue struct {
	storage.StoredValue
	SomeField string `json:"some_field"`
}
