package pipeline

import "errors"

var (
	// ErrUnknownPipeline is returned for a pipeline name with no configuration.
	ErrUnknownPipeline = errors.New("unknown pipeline")

	// ErrBadEdge is returned for an edge that does not lead forward to a
	// table of the pipeline.
	ErrBadEdge = errors.New("invalid pipeline edge")

	// ErrInvalidConfig is returned for a pipeline that fails validation.
	ErrInvalidConfig = errors.New("invalid pipeline configuration")
)
