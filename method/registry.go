// Package method provides a fluent builder for an actor's handler table,
// and a wire-encodable listing of the method tags a given table serves.
//
// # Usage
//
// Construct a registry and add handlers to it:
//
//	reg := method.New().
//		Handle("echo", echoHandler).
//		Handle("add", addHandler)
//
// Hand the built table to parley.Spawn:
//
//	actor, err := parley.Spawn(reg.Handlers(), logger)
//
// A Registry can itself be served as a method, letting a caller ask an
// actor what it supports:
//
//	reg.Handle("methods", reg.ListHandler)
package method

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"

	"parley"
)

// Registry is a fluent builder for a parley.Handler table keyed by
// parley.MethodTag. Unlike chirp's catalog, which maps a mnemonic name to
// a numeric method ID because chirp's wire method identifiers are
// integers, parley's MethodTag is already the wire identifier, so a
// Registry only needs to track which tags are bound and to what.
type Registry struct {
	handlers map[parley.MethodTag]parley.Handler
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{handlers: make(map[parley.MethodTag]parley.Handler)}
}

// Handle binds handler to tag and returns the Registry, to allow chaining.
// Handle panics if tag is already bound, or if tag is the reserved
// shutdown sentinel.
func (r *Registry) Handle(tag parley.MethodTag, handler parley.Handler) *Registry {
	if tag == parley.ReservedShutdownTag {
		panic(fmt.Sprintf("method: %q is reserved and cannot be bound", tag))
	}
	if _, ok := r.handlers[tag]; ok {
		panic(fmt.Sprintf("method: %q is already bound", tag))
	}
	r.handlers[tag] = handler
	return r
}

// Tags returns the bound method tags in lexicographic order.
func (r *Registry) Tags() []parley.MethodTag {
	tags := make([]parley.MethodTag, 0, len(r.handlers))
	for tag := range r.handlers {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags
}

// Handlers returns the registry's table, ready to pass to parley.Spawn.
// The returned map is a fresh copy; mutating it does not affect r.
func (r *Registry) Handlers() map[parley.MethodTag]parley.Handler {
	out := make(map[parley.MethodTag]parley.Handler, len(r.handlers))
	for tag, h := range r.handlers {
		out[tag] = h
	}
	return out
}

// Encode encodes the registry's tag list: a big-endian uint16 count,
// followed by each tag as a big-endian uint16 length and that many bytes.
func (r *Registry) Encode() []byte {
	tags := r.Tags()
	size := 2
	for _, t := range tags {
		size += 2 + len(t)
	}
	buf := make([]byte, size)
	binary.BigEndian.PutUint16(buf, uint16(len(tags)))
	pos := 2
	for _, t := range tags {
		binary.BigEndian.PutUint16(buf[pos:], uint16(len(t)))
		pos += 2
		pos += copy(buf[pos:], t)
	}
	return buf
}

// Decode decodes a tag listing produced by Encode into tags. It touches no
// Registry; listings are informational, not a way to install handlers
// remotely.
func Decode(data []byte) ([]parley.MethodTag, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("method: truncated listing")
	}
	n := int(binary.BigEndian.Uint16(data))
	pos := 2
	tags := make([]parley.MethodTag, 0, n)
	for i := 0; i < n; i++ {
		if pos+2 > len(data) {
			return nil, fmt.Errorf("method: truncated tag length at offset %d", pos)
		}
		tlen := int(binary.BigEndian.Uint16(data[pos:]))
		pos += 2
		if pos+tlen > len(data) {
			return nil, fmt.Errorf("method: truncated tag at offset %d", pos)
		}
		tags = append(tags, parley.MethodTag(data[pos:pos+tlen]))
		pos += tlen
	}
	return tags, nil
}

// ListHandler is a parley.Handler that reports r's tag listing. Bind it
// under some tag of your choosing to let a caller introspect the table:
//
//	reg.Handle("methods", reg.ListHandler)
func (r *Registry) ListHandler(_ context.Context, _ *parley.WireRequest) ([]byte, error) {
	return r.Encode(), nil
}
