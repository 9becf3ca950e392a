package version_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kaws-project/kaws/server/internal/version"
)

func TestInfoString(t *testing.T) {
	for _, tc := range []struct {
		name     string
		info     version.Info
		expected string
	}{
		{
			name: "long revision",
			info: version.Info{
				Version:   "v1.2.0",
				Revision:  "3f2c1abdeadbeef",
				GoVersion: "go1.25.1",
				Platform:  "linux/amd64",
			},
			expected: "kaws v1.2.0 (3f2c1ab, go1.25.1 linux/amd64)",
		},
		{
			name: "no revision",
			info: version.Info{
				Version:   "(devel)",
				GoVersion: "go1.25.1",
				Platform:  "darwin/arm64",
			},
			expected: "kaws (devel) (unknown revision, go1.25.1 darwin/arm64)",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.info.String())
		})
	}
}

func TestGetInfo(t *testing.T) {
	info, err := version.GetInfo()
	if assert.NoError(t, err) {
		assert.NotEmpty(t, info.GoVersion)
		assert.NotEmpty(t, info.Platform)
	}
}
