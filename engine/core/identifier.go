package core

import (
	"sync"

	"github.com/pkg/errors"
)

// Identifier hands out small integer ids and remembers their owner. Released
// ids are reused.
type Identifier struct {
	mu     sync.Mutex
	owners []interface{}
}

func NewIdentifier(capacity int) *Identifier {
	return &Identifier{
		owners: make([]interface{}, 0, capacity),
	}
}

func (id *Identifier) AcquireNewID(owner interface{}) uint32 {
	id.mu.Lock()
	defer id.mu.Unlock()

	for i := range id.owners {
		// Existing free spot. Take it.
		if id.owners[i] == nil {
			id.owners[i] = owner
			return uint32(i)
		}
	}

	// No free slot, push a new one.
	id.owners = append(id.owners, owner)
	return uint32(len(id.owners) - 1)
}

func (id *Identifier) ReleaseID(value uint32) error {
	id.mu.Lock()
	defer id.mu.Unlock()

	if int(value) >= len(id.owners) {
		return errors.Errorf("identifier release: id '%d' out of range (max=%d). Nothing was done", value, len(id.owners))
	}
	if id.owners[value] == nil {
		return errors.Errorf("identifier release: id '%d' is not in use", value)
	}
	id.owners[value] = nil
	return nil
}

// Owner returns the owner registered for the id, nil when free.
func (id *Identifier) Owner(value uint32) interface{} {
	id.mu.Lock()
	defer id.mu.Unlock()

	if int(value) >= len(id.owners) {
		return nil
	}
	return id.owners[value]
}

// Live returns the number of ids currently in use.
func (id *Identifier) Live() int {
	id.mu.Lock()
	defer id.mu.Unlock()

	n := 0
	for _, o := range id.owners {
		if o != nil {
			n++
		}
	}
	return n
}
