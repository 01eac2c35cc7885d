package meta

import (
	"encoding/binary"
	"time"

	"github.com/gftdcojp/model-tiers/internal/types"
)

// Bucket names in BoltDB.
var (
	bucketSystem     = []byte("system")
	bucketJobs       = []byte("jobs")
	keySchemaVersion = []byte("schema_version")

	// Schema v2: per-resource usage statistics
	bucketInstances = []byte("instances")
)

const currentSchemaVersion = 2

// InstanceRecord is the durable part of a resource instance. Residency itself
// does not survive a restart; usage statistics and the cached flag do.
type InstanceRecord struct {
	Name       string
	UsageCount uint64
	LastUsed   time.Time
	LoadedAt   time.Time
	LastTier   types.Tier
	Cached     bool
	UpdatedAt  time.Time
}

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
