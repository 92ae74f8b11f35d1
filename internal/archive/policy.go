package archive

import (
	"strings"
	"time"
)

// Day is a calendar day for TTL arithmetic.
const Day = 24 * time.Hour

// Policy parameterizes an Archive.
type Policy struct {
	// Name labels metrics and blob paths.
	Name       string
	Collection string
	TTL        time.Duration
	// TenantScoped keys entries by (tenant, digest). Otherwise identical
	// content is shared by every tenant.
	TenantScoped bool
	// OffloadBytes moves raw payloads of at least this size to the blob
	// store. Zero keeps everything inline.
	OffloadBytes int
}

// TemporaryPolicy is the short-lived archive used by the runner.
func TemporaryPolicy() Policy {
	return Policy{
		Name:         "temporary",
		Collection:   "scrape_archive",
		TTL:          7 * Day,
		OffloadBytes: 256 << 10,
	}
}

// DiscoveryPolicy is the durable, tenant-scoped archive.
func DiscoveryPolicy() Policy {
	return Policy{
		Name:         "discovery",
		Collection:   "discovery_archive",
		TTL:          30 * Day,
		TenantScoped: true,
		OffloadBytes: 256 << 10,
	}
}

// EntryID returns the document id for digest under this policy.
func (p Policy) EntryID(tenantID, digest string) string {
	if p.TenantScoped {
		return tenantID + ":" + digest
	}
	return digest
}

func (p Policy) blobPath(id string) string {
	return p.Name + "/" + strings.ReplaceAll(id, ":", "/") + ".raw"
}
