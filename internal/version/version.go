/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package version holds build information stamped in by the linker, e.g.
// -ldflags "-X github.com/rfdebug/rfdebug/internal/version.ProductVersion=1.2.0"
package version

import (
	"runtime"
	"runtime/debug"
	"strconv"
	"time"
)

const (
	DevelopmentVersion = "dev"
	Name               = "rfdebug"
)

var (
	ProductVersion = DevelopmentVersion
	CommitHash     = ""
	BuildTimestamp = ""
)

// Timestamp serializes as an RFC 3339 string, or null when unknown.
type Timestamp struct {
	time.Time
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return []byte("null"), nil
	}
	return []byte(strconv.Quote(ts.UTC().Format(time.RFC3339))), nil
}

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		ts.Time = time.Time{}
		return nil
	}

	raw, err := strconv.Unquote(string(data))
	if err != nil {
		return err
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return err
	}
	ts.Time = parsed
	return nil
}

type Info struct {
	Version    string    `json:"version"`
	CommitHash string    `json:"commitHash,omitempty"`
	BuildTime  Timestamp `json:"buildTimestamp"`
	GoVersion  string    `json:"goVersion"`
	Platform   string    `json:"platform"`
}

// String is the short form printed by "--version".
func (i Info) String() string {
	if i.CommitHash == "" {
		return Name + " " + i.Version
	}
	return Name + " " + i.Version + " (" + i.CommitHash + ")"
}

func Version() Info {
	info := Info{
		Version:    ProductVersion,
		CommitHash: CommitHash,
		BuildTime:  Timestamp{parseBuildTimestamp(BuildTimestamp)},
		GoVersion:  runtime.Version(),
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
	}
	if info.Version == "" {
		info.Version = DevelopmentVersion
	}

	// Plain "go build" leaves the linker variables empty but records VCS data.
	if info.CommitHash == "" || info.BuildTime.IsZero() {
		if bi, ok := debug.ReadBuildInfo(); ok {
			for _, setting := range bi.Settings {
				switch setting.Key {
				case "vcs.revision":
					if info.CommitHash == "" {
						info.CommitHash = setting.Value
					}
				case "vcs.time":
					if info.BuildTime.IsZero() {
						info.BuildTime = Timestamp{parseBuildTimestamp(setting.Value)}
					}
				}
			}
		}
	}

	return info
}

// parseBuildTimestamp accepts Unix seconds or an RFC 3339 time.
func parseBuildTimestamp(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0)
	}
	if parsed, err := time.Parse(time.RFC3339, value); err == nil {
		return parsed
	}
	return time.Time{}
}
