// Package allocator tracks which scarce per-host identifiers are claimed
// by which active guest. Claims are all-or-nothing and serialized by one
// mutex; the critical section covers map lookups only, never a process
// wait, so launches of unrelated guests contend only briefly.
package allocator

import (
	"crypto/rand"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
)

// macPrefix is the bhyve OUI; generated addresses stay inside it so they
// are recognizable on the wire.
const macPrefix = "58:9c:fc"

const macGenerationAttempts = 32

// Claim names the identifiers a guest wants to hold while it runs.
// MACAddress may be empty, in which case Claim generates a free one.
type Claim struct {
	ConsolePort int
	MACAddress  string
	StoragePath string
}

// Granted reports the identifiers actually claimed, including a generated
// MAC when the request left it unset.
type Granted struct {
	ConsolePort int
	MACAddress  string
	StoragePath string
}

// ConflictError reports the first identifier that is already held by
// another active guest.
type ConflictError struct {
	Identifier string // "console_port", "mac_address", "storage_path"
	Value      string
	Owner      string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("allocator: %s %s already claimed by guest %q", e.Identifier, e.Value, e.Owner)
}

// Allocator is the process-wide registry of claimed identifiers.
type Allocator struct {
	mu       sync.Mutex
	consoles map[int]string    // console port -> guest
	macs     map[string]string // mac -> guest
	storage  map[string]string // cleaned path -> guest
}

// New returns an empty allocator.
func New() *Allocator {
	return &Allocator{
		consoles: make(map[int]string),
		macs:     make(map[string]string),
		storage:  make(map[string]string),
	}
}

// Claim grants all requested identifiers to guest or none of them. A
// *ConflictError is returned when any identifier is held by a different
// guest; re-claiming an identifier already owned by the same guest is
// not a conflict.
func (a *Allocator) Claim(guest string, req Claim) (Granted, error) {
	mac := strings.ToLower(strings.TrimSpace(req.MACAddress))
	storagePath := filepath.Clean(req.StoragePath)

	a.mu.Lock()
	defer a.mu.Unlock()

	if owner, taken := a.consoles[req.ConsolePort]; taken && owner != guest {
		return Granted{}, &ConflictError{Identifier: "console_port", Value: fmt.Sprintf("%d", req.ConsolePort), Owner: owner}
	}
	if owner, taken := a.storage[storagePath]; taken && owner != guest {
		return Granted{}, &ConflictError{Identifier: "storage_path", Value: storagePath, Owner: owner}
	}
	if mac == "" {
		generated, err := a.generateMACLocked()
		if err != nil {
			return Granted{}, err
		}
		mac = generated
	} else if owner, taken := a.macs[mac]; taken && owner != guest {
		return Granted{}, &ConflictError{Identifier: "mac_address", Value: mac, Owner: owner}
	}

	a.consoles[req.ConsolePort] = guest
	a.macs[mac] = guest
	a.storage[storagePath] = guest

	return Granted{ConsolePort: req.ConsolePort, MACAddress: mac, StoragePath: storagePath}, nil
}

// Release drops every identifier held by guest. Releasing a guest that
// holds nothing is a no-op.
func (a *Allocator) Release(guest string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for port, owner := range a.consoles {
		if owner == guest {
			delete(a.consoles, port)
		}
	}
	for mac, owner := range a.macs {
		if owner == guest {
			delete(a.macs, mac)
		}
	}
	for path, owner := range a.storage {
		if owner == guest {
			delete(a.storage, path)
		}
	}
}

// generateMACLocked picks a MAC not present in the live claim set. Caller
// holds a.mu.
func (a *Allocator) generateMACLocked() (string, error) {
	for attempt := 0; attempt < macGenerationAttempts; attempt++ {
		var suffix [3]byte
		if _, err := rand.Read(suffix[:]); err != nil {
			return "", fmt.Errorf("allocator: generate mac: %w", err)
		}
		mac := fmt.Sprintf("%s:%02x:%02x:%02x", macPrefix, suffix[0], suffix[1], suffix[2])
		if _, taken := a.macs[mac]; !taken {
			return mac, nil
		}
	}
	return "", fmt.Errorf("allocator: exhausted mac generation attempts")
}
