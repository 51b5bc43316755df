// Package version identifies a running gateway replica. Build metadata comes
// from -ldflags:
//
//	go build -ldflags "-X gatekeeper/internal/version.Version=v1.4.0 \
//	  -X gatekeeper/internal/version.GitCommit=$(git rev-parse --short HEAD) \
//	  -X gatekeeper/internal/version.BuildDate=$(date -u +%FT%TZ)" ./cmd/gatekeeper
//
// Circuit breaker state and degraded-admission counters are per process; the
// instance ID says which replica they belong to.
package version

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"
)

var (
	Version   = "unknown"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

// Info is reported on /health, stamped on every log record and attached to
// the OpenTelemetry resource.
type Info struct {
	Version    string `json:"version"`
	GitCommit  string `json:"git_commit"`
	BuildDate  string `json:"build_date"`
	InstanceID string `json:"instance_id"`
	Hostname   string `json:"hostname"`
}

var replica = sync.OnceValue(func() Info {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return Info{
		Version:    Version,
		GitCommit:  GitCommit,
		BuildDate:  BuildDate,
		InstanceID: uuid.NewString(),
		Hostname:   hostname,
	}
})

// GetInfo returns this replica's Info. Repeated calls share one instance ID.
func GetInfo() Info {
	return replica()
}

// LogAttrs returns the attributes every gateway log record carries.
func (i Info) LogAttrs() []any {
	return []any{
		slog.String("version", i.Version),
		slog.String("git_commit", i.GitCommit),
		slog.String("build_date", i.BuildDate),
		slog.String("instance_id", i.InstanceID),
	}
}

// String is the -version banner.
func (i Info) String() string {
	return fmt.Sprintf("gatekeeper version %s (commit: %s, built: %s)", i.Version, i.GitCommit, i.BuildDate)
}
