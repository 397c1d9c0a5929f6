package query

import "errors"

var (
	// ErrBucketClosed is returned when pulling from a closed bucket.
	ErrBucketClosed = errors.New("bucket is closed")

	// ErrPullInProgress is returned when a pull is requested while the
	// previous one is still waiting for replies.
	ErrPullInProgress = errors.New("stats pull already in progress")

	// ErrNoPuller is returned when a count bucket is pulled before the
	// runtime attached a way to request switch statistics.
	ErrNoPuller = errors.New("no stats puller attached")
)
