package storage

import (
	"path"
	"strings"
)

// Prefix returns a slash-separated key prefix that always ends with a slash.
func Prefix(elem ...string) string {
	return Key(elem...) + "/"
}

// Key returns a slash-separated key with a leading slash.
func Key(elem ...string) string {
	k := path.Join(elem...)
	if !strings.HasPrefix(k, "/") {
		k = "/" + k
	}
	return k
}

func ensureTrailingSlash(prefix string) string {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}
