// Package identifier mints stable ids. Slot ids are used for resource-pool
// debug names; uuids correlate a frame or session across log lines.
package identifier

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// table is a slot-reuse id table, generalized from the teacher's
// engine/core/identifier.go linear-scan approach.
type table struct {
	mu     sync.Mutex
	owners []interface{}
}

var global table

// Acquire returns a free slot id for owner, growing the table if needed.
func Acquire(owner interface{}) uint32 {
	global.mu.Lock()
	defer global.mu.Unlock()

	if len(global.owners) == 0 {
		global.owners = make([]interface{}, 100)
	}
	for i, o := range global.owners {
		if o == nil {
			global.owners[i] = owner
			return uint32(i)
		}
	}
	global.owners = append(global.owners, owner)
	return uint32(len(global.owners) - 1)
}

// Release frees id for reuse.
func Release(id uint32) error {
	global.mu.Lock()
	defer global.mu.Unlock()

	if int(id) >= len(global.owners) {
		return fmt.Errorf("identifier: release of out-of-range id %d (max %d)", id, len(global.owners)-1)
	}
	global.owners[id] = nil
	return nil
}

// NewCorrelationID mints a uuid used to tag a frame or present-manager
// session across log lines, so a multi-threaded trace can be reassembled.
func NewCorrelationID() uuid.UUID {
	return uuid.New()
}
