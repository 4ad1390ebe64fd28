// Package platform defines the boundary to the external messaging platform.
// The relay core only ever talks to the platform through Client handles
// issued by a Factory; authentication details live behind that boundary.
package platform

import (
	"context"
	"errors"
)

// Ref locates one media item in a source chat.
type Ref struct {
	Chat    string `json:"chat"`
	Message int64  `json:"message"`
}

// Target identifies the destination chat for uploads.
type Target struct {
	Chat string `json:"chat"`
}

// MessageRef references the uploaded copy of a media item on the platform.
type MessageRef string

var (
	// ErrSessionInvalid means the platform rejected the client's
	// credentials mid-use. The session must not be returned to the pool.
	ErrSessionInvalid = errors.New("platform session invalid")
	// ErrNotFound means the remote media no longer exists.
	ErrNotFound = errors.New("remote media not found")
)

// Client is one authenticated handle to the platform. A client performs a
// single download or upload at a time; concurrent use of one client is the
// caller's bug, not the implementation's concern.
type Client interface {
	// Download fetches the media behind ref into destPath and returns the
	// number of bytes written.
	Download(ctx context.Context, ref Ref, destPath string) (int64, error)
	// Upload sends the file at localPath to target and returns a reference
	// to the resulting message.
	Upload(ctx context.Context, localPath string, target Target) (MessageRef, error)
	// Logout invalidates the handle's credentials.
	Logout(ctx context.Context) error
}

// Factory creates authenticated clients on demand.
type Factory interface {
	NewClient(ctx context.Context) (Client, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(ctx context.Context) (Client, error)

func (f FactoryFunc) NewClient(ctx context.Context) (Client, error) { return f(ctx) }
