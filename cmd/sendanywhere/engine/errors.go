package engine

import (
	"fmt"
	"strings"
)

// PathError records why one transport path failed
type PathError struct {
	Path Mode
	Err  error
}

func (e PathError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

// TransferError is returned when no path could finish the transfer. It names
// every path that was attempted and how each failed.
type TransferError struct {
	Paths []PathError
}

func (e *TransferError) Error() string {
	if len(e.Paths) == 0 {
		return "transfer failed: no path attempted"
	}
	parts := make([]string, len(e.Paths))
	for i, p := range e.Paths {
		parts[i] = p.Error()
	}
	return "transfer failed: " + strings.Join(parts, "; ")
}

// Unwrap exposes each path's error to errors.Is and errors.As
func (e *TransferError) Unwrap() []error {
	errs := make([]error, len(e.Paths))
	for i, p := range e.Paths {
		errs[i] = p.Err
	}
	return errs
}

// pathErrors accumulates failures in the order paths failed. A path that
// fails twice keeps its latest error.
type pathErrors struct {
	paths []PathError
}

func (p *pathErrors) record(path Mode, err error) {
	if err == nil {
		return
	}
	for i := range p.paths {
		if p.paths[i].Path == path {
			p.paths[i].Err = err
			return
		}
	}
	p.paths = append(p.paths, PathError{Path: path, Err: err})
}

func (p *pathErrors) failed(path Mode) bool {
	for _, pe := range p.paths {
		if pe.Path == path {
			return true
		}
	}
	return false
}

func (p *pathErrors) err() error {
	return &TransferError{Paths: append([]PathError(nil), p.paths...)}
}
