// Package version хранит сведения о сборке, проставленные через -ldflags.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"

	log "github.com/sirupsen/logrus"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

// Info — сведения о сборке.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
}

// Get возвращает сведения о сборке. Если commit и date не проставлены,
// они берутся из VCS-меток go build.
func Get() Info {
	info := Info{Version: version, Commit: commit, Date: date, GoVersion: runtime.Version()}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch {
			case s.Key == "vcs.revision" && info.Commit == "":
				info.Commit = s.Value
			case s.Key == "vcs.time" && info.Date == "":
				info.Date = s.Value
			}
		}
	}
	if info.Commit == "" {
		info.Commit = "unknown"
	}
	if info.Date == "" {
		info.Date = "unknown"
	}
	return info
}

// String возвращает однострочное представление для --version.
func (i Info) String() string {
	return fmt.Sprintf("%s (commit %s, built %s, %s)", i.Version, shortCommit(i.Commit), i.Date, i.GoVersion)
}

// Fields отдаёт поля для стартовой записи лога.
func (i Info) Fields() log.Fields {
	return log.Fields{"version": i.Version, "commit": shortCommit(i.Commit), "build_date": i.Date}
}

func shortCommit(c string) string {
	if len(c) > 12 {
		return c[:12]
	}
	return c
}
