// Package handler adapts plain Go functions into parley.Handler values and,
// through Bind and its siblings, installs them directly into a
// method.Registry, so a call table reads as a flat sequence of bindings
// rather than a sequence of reg.Handle(tag, someAdapter(fn)) calls.
//
// Every adapter in this package funnels through one core, ParamResultError:
// the others are thin compositions over it rather than independent
// re-implementations of the same decode/invoke/encode shape. A parameter
// may be []byte or string, or a type whose pointer implements
// encoding.BinaryUnmarshaler or encoding.TextUnmarshaler; a result may be
// []byte or string, or a type implementing encoding.BinaryMarshaler or
// encoding.TextMarshaler.
package handler

import (
	"bytes"
	"context"
	"encoding"
	"fmt"

	"parley"
	"parley/method"
)

// reqContextKey is a context key for the request value to a handler.
type reqContextKey struct{}

// ContextRequest returns the original request passed to the handler, or
// nil if ctx has no associated request. The context passed to a handler
// built by this package carries this value.
func ContextRequest(ctx context.Context) *parley.WireRequest {
	if v := ctx.Value(reqContextKey{}); v != nil {
		return v.(*parley.WireRequest)
	}
	return nil
}

// void stands in for a parameter or result type that isn't really there,
// so the no-parameter and no-result adapters below can still be expressed
// as ParamResultError instantiations instead of each hand-rolling its own
// decode/invoke/encode body.
type void struct{}

func (void) MarshalBinary() ([]byte, error)  { return nil, nil }
func (*void) UnmarshalBinary(_ []byte) error { return nil }

// ParamResultError adapts a function f that accepts parameters of type P
// and returns a result of type R and an error, to a parley.Handler. Every
// other adapter in this package is defined in terms of this one.
func ParamResultError[P, R any](f func(context.Context, P) (R, error)) parley.Handler {
	return func(ctx context.Context, req *parley.WireRequest) ([]byte, error) {
		var p P
		if err := unmarshal(req.Args, &p); err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		r, err := f(hctx, p)
		if err != nil {
			return nil, err
		}
		return marshal(r)
	}
}

// ParamResult adapts a function f that accepts parameters of type P and
// returns a result of type R without error, to a parley.Handler.
func ParamResult[P, R any](f func(context.Context, P) R) parley.Handler {
	return ParamResultError(func(ctx context.Context, p P) (R, error) {
		return f(ctx, p), nil
	})
}

// ParamError adapts a function f that accepts parameters of type P and
// returns only an error, to a parley.Handler.
func ParamError[P any](f func(context.Context, P) error) parley.Handler {
	return ParamResultError(func(ctx context.Context, p P) (void, error) {
		return void{}, f(ctx, p)
	})
}

// ResultError adapts a function f that accepts no parameters and returns a
// result of type R and an error, to a parley.Handler. The request's Args
// are never consulted; f is called with no decoding step at all.
func ResultError[R any](f func(context.Context) (R, error)) parley.Handler {
	return ParamResultError(func(ctx context.Context, _ void) (R, error) {
		return f(ctx)
	})
}

// ResultOnly adapts a function f that accepts no parameters and cannot
// fail, returning only a result of type R, to a parley.Handler. It rounds
// out the adapter family for the method tags an actor never rejects —
// status and introspection endpoints, mostly, where there is no input to
// validate and nothing for the handler itself to get wrong.
func ResultOnly[R any](f func(context.Context) R) parley.Handler {
	return ResultError(func(ctx context.Context) (R, error) {
		return f(ctx), nil
	})
}

// Bind adapts f with ParamResultError and binds the result into reg under
// tag, so a call table can be built as a sequence of Bind-family calls
// against one Registry instead of threading each adapted Handler back
// through reg.Handle by hand.
func Bind[P, R any](reg *method.Registry, tag parley.MethodTag, f func(context.Context, P) (R, error)) {
	reg.Handle(tag, ParamResultError(f))
}

// BindResult is Bind for a function that cannot fail.
func BindResult[P, R any](reg *method.Registry, tag parley.MethodTag, f func(context.Context, P) R) {
	reg.Handle(tag, ParamResult(f))
}

// BindError is Bind for a function that returns only an error.
func BindError[P any](reg *method.Registry, tag parley.MethodTag, f func(context.Context, P) error) {
	reg.Handle(tag, ParamError(f))
}

// BindResultOnly is Bind for a function that takes no parameters and
// cannot fail.
func BindResultOnly[R any](reg *method.Registry, tag parley.MethodTag, f func(context.Context) R) {
	reg.Handle(tag, ResultOnly(f))
}

// unmarshal decodes data into v. The concrete type of v must be a pointer
// to a []byte or string, or must implement either the
// encoding.BinaryUnmarshaler interface or the encoding.TextUnmarshaler
// interface. If v implements both, BinaryUnmarshaler is preferred.
func unmarshal(data []byte, v any) error {
	switch t := v.(type) {
	case *[]byte:
		*t = bytes.Clone(data)
	case *string:
		*t = string(data)
	case encoding.BinaryUnmarshaler:
		return t.UnmarshalBinary(data)
	case encoding.TextUnmarshaler:
		return t.UnmarshalText(data)
	default:
		return fmt.Errorf("cannot unmarshal into %T", v)
	}
	return nil
}

// marshal encodes v into data. The concrete type of v must be a []byte or
// string (or a pointer to these); otherwise it must implement either the
// encoding.BinaryMarshaler interface or the encoding.TextMarshaler
// interface. If v implements both, BinaryMarshaler is preferred.
//
// As a special case, if v is a nil pointer to a string or []byte, the
// result is nil without error.
func marshal(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case *[]byte:
		if t == nil {
			return nil, nil
		}
		return *t, nil
	case string:
		return []byte(t), nil
	case *string:
		if t == nil {
			return nil, nil
		}
		return []byte(*t), nil
	case encoding.BinaryMarshaler:
		return t.MarshalBinary()
	case encoding.TextMarshaler:
		return t.MarshalText()
	default:
		return nil, fmt.Errorf("cannot marshal %T", v)
	}
}
