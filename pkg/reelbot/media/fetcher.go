// Package media retrieves remote media referenced in messages and delivers
// it back to the sender. Retrieval is deduplicated per triggering message
// through the ledger package; the actual download is delegated to a Fetcher.
package media

import (
	"context"
	"errors"
	"fmt"
)

// Metadata describes a media item, used to build the delivery caption.
type Metadata struct {
	Title       string `json:"title"`
	Uploader    string `json:"uploader"`
	Description string `json:"description"`
}

// Fetcher is the external retrieval collaborator.
type Fetcher interface {
	// Probe looks up metadata for url. Failures only degrade the caption.
	Probe(ctx context.Context, url string) (*Metadata, error)

	// Fetch downloads url to destPrefix plus an extension chosen by the
	// fetcher and returns the produced file path.
	Fetch(ctx context.Context, url, destPrefix string) (string, error)
}

// ErrArtifactMissing is returned when a fetch reported success but no file
// with the destination prefix exists.
var ErrArtifactMissing = errors.New("downloaded but file not found")

// ErrDeliveryFailed marks a job whose artifact could not be sent.
var ErrDeliveryFailed = errors.New("artifact could not be delivered")

// FetchError wraps a failed retrieval with the stage it failed in.
type FetchError struct {
	Stage string // "fetch", "locate", "deliver"
	URL   string
	Err   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("media %s %s: %v", e.Stage, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was a deadline.
func (e *FetchError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}
