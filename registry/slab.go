// Package registry implements the four handle-registry variants that sit
// between a manager loop and the workers attached to it: client-request,
// client-stream, server-request and server-stream. Each variant is a
// slab of entries threaded by an intrusive doubly linked list (stable
// integer keys, O(1) removal), grounded on the teacher's map-with-valid-flag
// peer bookkeeping in dveeden-tiflow's p2p server and the slab/ring shape
// of joeycumines-go-utilpkg's eventloop registry. None of the four types
// share a struct — their payload shapes differ too much for that to pay
// off without generics, so each duplicates the same small list discipline.
package registry

import (
	"errors"
	"reflect"
)

// ErrHandlesFull is returned by Add once a registry holds HandlesMax
// entries.
var ErrHandlesFull = errors.New("registry: handles full")

// ErrStreamHandlesFrozen is returned by ServerStream.Add once Freeze has
// been called, which the server manager does when stream specs are
// applied (spec.md §4.4 ordering rule). The manager logs it and drops the
// registration; server.Control.AddStreamHandle does not return it.
var ErrStreamHandlesFrozen = errors.New("registry: stream handles frozen after specs applied")

// HandlesMax bounds the entry count of each registry. Add checks only its
// own registry's Len, so a manager's request and stream registries are
// bounded separately and their combined population is not checked.
const HandlesMax = 1024

// sentinel head/tail markers for the intrusive doubly linked list.
const listEnd = -1

type link struct {
	prev, next int
}

// selectOne runs reflect.Select over cases and reports whether the
// winning case yielded a value (recvOK false means the channel was
// closed). Factored out because every registry variant scatters a
// one-shot receive over its valid entries the same way.
func selectOne(cases []reflect.SelectCase) (chosen int, val reflect.Value, recvOK bool) {
	return reflect.Select(cases)
}
