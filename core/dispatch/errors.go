package dispatch

import "errors"

var (
	// ErrNotFound is the sentinel Store implementations wrap when a lookup
	// misses.
	ErrNotFound = errors.New("dispatch: not found")
	// ErrJobNotFound is returned when a dispatch references an unknown job.
	ErrJobNotFound = errors.New("dispatch: job not found")
	// ErrTemplateNotFound is returned when a dispatch references an unknown template.
	ErrTemplateNotFound = errors.New("dispatch: template not found")
)
