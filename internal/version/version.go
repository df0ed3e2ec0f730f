package version

import "runtime/debug"

// AppName is the service name used for logs, metrics labels, and trace resources.
const AppName = "linnemanlabs-mods"

// set via -ldflags at release build time
var (
	Version    = "dev"
	Commit     = "none"
	CommitDate string
	BuildDate  string
	BuildId    string
	GoVersion  string
	VCSDirty   *bool
)

type Info struct {
	AppName    string `json:"app"`
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	CommitDate string `json:"commit_date"`
	BuildDate  string `json:"build_date"`
	BuildId    string `json:"build_id"`
	GoVersion  string `json:"go_version"`
	VCSDirty   *bool  `json:"vcs_dirty,omitempty"`
}

// Get merges ldflags values with whatever the toolchain embedded in the binary.
// ldflags win; vcs build settings only fill gaps.
func Get() Info {
	out := Info{
		AppName:    AppName,
		Version:    Version,
		Commit:     Commit,
		CommitDate: CommitDate,
		BuildDate:  BuildDate,
		BuildId:    BuildId,
		GoVersion:  GoVersion,
		VCSDirty:   VCSDirty,
	}

	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return out
	}
	out.GoVersion = bi.GoVersion
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if out.Commit == "none" && s.Value != "" {
				out.Commit = s.Value
			}
		case "vcs.time":
			out.CommitDate = s.Value
			if out.BuildDate == "" {
				out.BuildDate = s.Value
			}
		case "vcs.modified":
			if out.VCSDirty == nil {
				dirty := s.Value == "true"
				out.VCSDirty = &dirty
			}
		}
	}
	return out
}

// Short returns a one-line summary for -V output and startup logs.
func (i Info) Short() string {
	dirty := ""
	if i.VCSDirty != nil && *i.VCSDirty {
		dirty = "-dirty"
	}
	commit := i.Commit
	if len(commit) > 12 {
		commit = commit[:12]
	}
	return i.AppName + " " + i.Version + " (" + commit + dirty + ", " + i.GoVersion + ")"
}
