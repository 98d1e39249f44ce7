// Package config loads the static, declarative configuration for each of
// the three Caterva2 services from a JSON file, with command-line flags
// overriding individual fields. Config is not hot-reloaded: a service reads
// it once at startup, the way the teacher's config layer treats config as
// control-plane state loaded before any component is instantiated.
package config

import (
	"encoding/json"
	"os"
)

// Broker is the broker service's configuration.
type Broker struct {
	// Addr is the listen address, e.g. ":8000".
	Addr string `json:"addr"`

	// RegistrationSecret is the HMAC secret used to verify the JWT a
	// publisher presents to POST /api/register. Empty disables verification
	// (single-node/dev use).
	RegistrationSecret string `json:"registration_secret"`

	// HeartbeatTimeout is how long a registered root is considered alive
	// without a re-registration before it is dropped from the registry.
	HeartbeatTimeout string `json:"heartbeat_timeout"`
}

// Publisher is the publisher service's configuration.
type Publisher struct {
	// Name is the root name this publisher registers under the broker.
	Name string `json:"name"`

	// RootDir is the local directory tree this publisher serves.
	RootDir string `json:"root_dir"`

	// Addr is the listen address this publisher advertises to the broker.
	Addr string `json:"addr"`

	// BrokerEndpoint is the broker's base URL, e.g. "http://localhost:8000".
	BrokerEndpoint string `json:"broker_endpoint"`

	// IgnorePatterns are doublestar globs (root-relative) excluded from
	// /api/list and from change-watching.
	IgnorePatterns []string `json:"ignore_patterns"`

	// DebounceMS is the filesystem-change coalescing window in milliseconds.
	// spec.md requires this to be at least 50ms.
	DebounceMS int `json:"debounce_ms"`

	// HeartbeatIntervalSeconds is how often the publisher re-registers with
	// the broker.
	HeartbeatIntervalSeconds int `json:"heartbeat_interval_seconds"`
}

// Subscriber is the subscriber service's configuration, mirroring the
// options table in spec.md §4.3.
type Subscriber struct {
	// Addr is the listen address for client-facing requests.
	Addr string `json:"addr"`

	// BrokerEndpoint is the broker's base URL.
	BrokerEndpoint string `json:"broker_endpoint"`

	// CacheDir is the root directory for shadow containers.
	CacheDir string `json:"cache_dir"`

	// CacheQuotaBytes is a soft upper bound on cache size; 0 means unlimited.
	CacheQuotaBytes int64 `json:"cache_quota_bytes"`

	// EtagRevalidationIntervalSeconds bounds how long a cached ETag may be
	// trusted before it must be re-checked against the publisher.
	EtagRevalidationIntervalSeconds int `json:"etag_revalidation_interval_seconds"`

	// ChunkFetchConcurrency bounds parallel chunk fetches per dataset.
	ChunkFetchConcurrency int `json:"chunk_fetch_concurrency"`

	// ChangeSubscription enables maintaining a push channel to each
	// publisher's /api/changes stream.
	ChangeSubscription bool `json:"change_subscription"`

	// PreferSchunkThresholdBytes is the response size above which
	// prefer_schunk=true switches /api/fetch to container-frame transport
	// instead of msgpack. spec.md §9 leaves the default undecided; we pick
	// 128 KiB.
	PreferSchunkThresholdBytes int64 `json:"prefer_schunk_threshold_bytes"`
}

// DefaultSubscriber returns the documented defaults for options spec.md
// leaves to implementation discretion.
func DefaultSubscriber() Subscriber {
	return Subscriber{
		Addr:                            ":8002",
		CacheQuotaBytes:                 0,
		EtagRevalidationIntervalSeconds: 5,
		ChunkFetchConcurrency:           8,
		ChangeSubscription:              true,
		PreferSchunkThresholdBytes:      128 << 10,
	}
}

// LoadJSON reads a JSON config file into dst (a pointer to one of the
// structs above). A missing path is not an error: dst is left at its
// zero/default value so callers can layer flag overrides on top.
func LoadJSON(path string, dst any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, dst)
}
