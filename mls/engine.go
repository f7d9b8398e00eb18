// This package holds the contract with the MLS group state engine and schedules the commits of pending
// proposals which arrive with a commit delay.
package mls

import (
	"context"

	"github.com/meow-io/go-inbox/ids"
)

// What processing a group message yielded. Either field may be empty.
type DecryptedBundle struct {
	GroupID ids.GroupID
	// Seconds to wait before committing pending proposals, nil when nothing is pending.
	CommitDelay *uint64
	// Decrypted application message, nil for handshake messages.
	Message []byte
}

// ProcessGroupMessage may return a nil bundle with a nil error when the message yields nothing.
type Engine interface {
	ProcessGroupMessage(ctx context.Context, group ids.GroupID, message []byte) (*DecryptedBundle, error)
	EstablishGroupFromWelcome(ctx context.Context, welcome []byte) (ids.GroupID, error)
	CommitPendingProposals(ctx context.Context, group ids.GroupID) error
}
