// Package connector defines the contract every vendor adapter implements and
// the registry the orchestrator resolves adapters from. A connector translates
// one vendor's authentication and data format into neutral HealthObservation
// records; it performs outbound HTTP only and never touches storage.
package connector

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vitaltrack/healthsync/models"
)

// Credential is the material a connector needs to call the vendor API. It is
// handed out by the credential store already decrypted and valid.
type Credential struct {
	AccessToken string
	ExpiresAt   time.Time
}

// PullResult is one page of vendor data, normalized.
type PullResult struct {
	Observations []models.HealthObservation
	// NextCursor is the cursor for the following page. Empty means the
	// vendor has no further data for this window.
	NextCursor string
	// HasMore indicates another page is available under NextCursor.
	HasMore bool
}

// Connector is the pull contract shared by all vendor adapters. Pull is
// incremental: cursor is the last successfully processed position (RFC3339
// timestamp or a vendor paging token) and the returned PullResult must carry
// a cursor usable for the next call even on partial success.
type Connector interface {
	// Type returns the device type this connector serves.
	Type() string
	// Capabilities returns the metric types the vendor can supply.
	Capabilities() []string
	Pull(ctx context.Context, cred Credential, device models.WearableDevice, cursor string, metrics []string) (PullResult, error)
}

// Pusher is implemented by connectors whose vendor supports write-back, e.g.
// logging a manual weight entry to the source app.
type Pusher interface {
	Push(ctx context.Context, cred Credential, device models.WearableDevice, observations []models.HealthObservation) error
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Connector)
)

// Register makes a connector available under its device type. Later
// registrations for the same type replace earlier ones.
func Register(c Connector) {
	registryMu.Lock()
	defer registryMu.Unlock()

	registry[c.Type()] = c
}

// Get resolves the connector for a device type.
func Get(deviceType string) (Connector, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	c, ok := registry[deviceType]
	if !ok {
		return nil, fmt.Errorf("no connector registered for device type %q", deviceType)
	}

	return c, nil
}

// Types returns the registered device types in stable order.
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	ans := make([]string, 0, len(registry))
	for t := range registry {
		ans = append(ans, t)
	}

	sort.Strings(ans)

	return ans
}
