// Package remote defines the narrow contract the core depends on for
// talking to the object store. The core never imports a concrete SDK
// directly; it only sees this interface, so it can be driven by a fake in
// tests.
package remote

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/jhammerschmidt/dropboxfs/internal/model"
)

// ErrAuth is returned for an invalid or expired token. It is fatal: callers
// should surface it to the operator and stop, not retry.
var ErrAuth = errors.New("remote: authentication failed")

// ErrTransient marks a network timeout or connection error that the crawler
// loop should log and retry on its next iteration.
var ErrTransient = errors.New("remote: transient transport error")

// ListResult is the response to List / ListContinue: a batch of entries,
// the cursor to resume from, and whether more batches remain.
type ListResult struct {
	Entries []model.Entry
	Cursor  string
	HasMore bool
}

// LongpollResult is the response to Longpoll.
type LongpollResult struct {
	Changes bool
	// Backoff, when non-zero, is how long the caller should wait before
	// issuing the next Longpoll call.
	Backoff time.Duration
}

// SpaceUsage reports the account's storage quota.
type SpaceUsage struct {
	Used      uint64
	Allocated uint64
}

// Download is a streamed file fetch: Modified is the server's
// last-modified time for the content behind Body, and Body must be closed
// by the caller once fully read or abandoned.
type Download struct {
	Size     uint64
	Modified time.Time
	Body     io.ReadCloser
}

// Client is the contract a concrete backend must satisfy. Every method
// may return ErrAuth (fatal) or, for List/ListContinue/Longpoll,
// ErrTransient (retryable).
type Client interface {
	List(ctx context.Context, path string, recursive bool) (ListResult, error)
	ListContinue(ctx context.Context, cursor string) (ListResult, error)
	GetLatestCursor(ctx context.Context, path string, recursive, includeDeleted bool) (string, error)
	Longpoll(ctx context.Context, cursor string, timeout time.Duration) (LongpollResult, error)
	Download(ctx context.Context, path string) (Download, error)
	SpaceUsage(ctx context.Context) (SpaceUsage, error)
	// CheckToken fails fast with ErrAuth if the configured token is no
	// longer valid, mirroring the original's access_token_is_valid preflight.
	CheckToken(ctx context.Context) error
}
