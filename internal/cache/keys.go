package cache

import (
	"fmt"

	"github.com/google/uuid"
)

// Key is a typed cache key: a resource kind plus its identifier. Building keys
// through this type instead of ad-hoc string concatenation keeps the keyspace
// collision-free and greppable.
type Key struct {
	Kind string
	ID   string
}

func (k Key) String() string {
	return k.Kind + ":" + k.ID
}

// ProgressKey addresses the ephemeral progress entry for a job.
func ProgressKey(jobID uuid.UUID) Key {
	return Key{Kind: "job:progress", ID: jobID.String()}
}

// LockKey addresses a generation lock for a derived resource.
func LockKey(resourceKind string, resourceID string) Key {
	return Key{Kind: "lock:" + resourceKind, ID: resourceID}
}

// ResultKey addresses a cached derived result by fingerprint.
func ResultKey(fingerprint string) Key {
	return Key{Kind: "result", ID: fingerprint}
}

// QueueKey addresses the work queue for a job purpose.
func QueueKey(purpose string) Key {
	return Key{Kind: "queue", ID: purpose}
}

// RateLimitKey addresses the request counter for an API key prefix.
func RateLimitKey(keyPrefix string) Key {
	return Key{Kind: "ratelimit", ID: keyPrefix}
}

// Compile-time check that Key implements fmt.Stringer.
var _ fmt.Stringer = Key{}
