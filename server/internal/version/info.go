package version

import (
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
)

type Info struct {
	Version      string `json:"version"`
	Revision     string `json:"revision"`
	RevisionTime string `json:"revision_time"`
	GoVersion    string `json:"go_version"`
	Platform     string `json:"platform"`
}

// String formats the info as a single line, e.g.
// "kaws v1.2.0 (3f2c1ab, go1.25.1 linux/amd64)".
func (i *Info) String() string {
	revision := i.Revision
	if len(revision) > 7 {
		revision = revision[:7]
	}
	if revision == "" {
		revision = "unknown revision"
	}
	return fmt.Sprintf("kaws %s (%s, %s %s)", i.Version, revision, i.GoVersion, i.Platform)
}

func GetInfo() (*Info, error) {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return nil, errors.New("could not read build info")
	}
	info := &Info{
		Version:   buildInfo.Main.Version,
		GoVersion: buildInfo.GoVersion,
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	var dirty bool
	for _, setting := range buildInfo.Settings {
		switch setting.Key {
		case "vcs.revision":
			info.Revision = setting.Value
		case "vcs.time":
			info.RevisionTime = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	if dirty {
		info.Revision += "+dirty"
	}
	return info, nil
}
