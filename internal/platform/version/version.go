package version

import (
	"runtime"
	"time"

	"github.com/google/uuid"
)

// Build information, injected via ldflags at build time
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// instanceID distinguishes concurrently running bot processes in logs and
// on the version endpoint.
var (
	instanceID = uuid.NewString()
	startedAt  = time.Now()
)

type Info struct {
	Version    string    `json:"version"`
	Commit     string    `json:"commit"`
	BuildTime  string    `json:"build_time"`
	GoVersion  string    `json:"go_version"`
	InstanceID string    `json:"instance_id"`
	StartedAt  time.Time `json:"started_at"`
}

func Get() Info {
	return Info{
		Version:    Version,
		Commit:     Commit,
		BuildTime:  BuildTime,
		GoVersion:  runtime.Version(),
		InstanceID: instanceID,
		StartedAt:  startedAt,
	}
}

func InstanceID() string { return instanceID }
