// Package methods implements the method registry and the nine-step
// per-call dispatch algorithm (spec.md §4.3). New code: nothing in the
// teacher plays a named-RPC-procedure role this close to the wire, so the
// registration shape is grounded on the dispatch-table convention seen in
// other_examples' webrocket-style method switches, and the middleware
// chain / schema-validation steps reuse the teacher's
// go-playground/validator/v10 usage (now behind internal/paramschema).
package methods

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/heleneproject/helene/internal/apperrors"
	"github.com/heleneproject/helene/internal/cache"
	"github.com/heleneproject/helene/internal/logging"
	"github.com/heleneproject/helene/internal/paramschema"
	"github.com/heleneproject/helene/internal/session"
	"github.com/heleneproject/helene/internal/wire"
)

// CallContext is the ambient per-call state a handler or middleware step
// sees (spec.md §4.3 step 6: "{executionId, sessionContext} retrievable
// from within the handler"). Go has no supported task-local storage, so
// this is threaded explicitly as the first argument instead.
type CallContext struct {
	ExecutionID    string
	Session        *session.Session
	SessionContext map[string]interface{}
	// Defer schedules channel(channel).emit(event, params) on the next
	// scheduler tick instead of running it inline (spec.md §4.4). Always
	// non-nil; a no-op when the registry has no deferrer attached.
	Defer func(channel, event string, params map[string]interface{})
}

// Handler implements one method. params is either a map[string]interface{}
// (the common case) or whatever primitive the last middleware step
// substituted in its place.
type Handler func(ctx *CallContext, params interface{}) (interface{}, error)

// Middleware runs before the handler. A non-nil, non-map return value
// replaces the running params outright; a map[string]interface{} return
// value is merged over the running params (spec.md §4.3 step 5).
type Middleware func(ctx *CallContext, params interface{}) (interface{}, error)

// Def registers one method.
type Def struct {
	Name       string
	Handler    Handler
	Protected  bool
	Schema     *paramschema.Schema
	Middleware []Middleware
	// CacheTTL memoizes successful results by a normalized parameter key
	// for this long (spec.md §4.3 step 7). Zero disables memoization.
	CacheTTL time.Duration
}

// Notifier receives the internal notifications the dispatch algorithm
// emits (method:execution, and authentication/logout from the caller of
// this package). Kept as an interface rather than a concrete dependency on
// internal/events so this package never needs to import the channel
// registry.
type Notifier interface {
	Notify(name string, payload map[string]interface{})
}

// Deferrer schedules a channel emit on the next scheduler tick
// (internal/events.Registry implements this). Kept as an interface so this
// package never imports internal/events.
type Deferrer interface {
	Defer(channel, event string, params map[string]interface{})
}

// Registry holds every registered method and runs the dispatch algorithm.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Def

	memo     *cache.Memo
	notifier Notifier
	deferrer Deferrer
}

// NewRegistry builds a Registry and pre-registers the self-contained
// default methods (list:methods, keep:alive, event:probe). The
// session-and-auth-aware defaults (rpc:init, rpc:logout, rpc:on, rpc:off,
// rpc:login) are registered by the dispatcher, which alone has the
// session registry, event registry, and authenticator this package does
// not depend on.
func NewRegistry(memo *cache.Memo, notifier Notifier) *Registry {
	r := &Registry{defs: make(map[string]*Def), memo: memo, notifier: notifier}
	r.registerBuiltins()
	return r
}

func (r *Registry) registerBuiltins() {
	r.Add(Def{
		Name: wire.MethodListMethods,
		Handler: func(ctx *CallContext, params interface{}) (interface{}, error) {
			return r.Names(), nil
		},
	})
	r.Add(Def{
		Name: wire.MethodKeepAlive,
		Handler: func(ctx *CallContext, params interface{}) (interface{}, error) {
			return true, nil
		},
	})
	r.Add(Def{
		Name: wire.MethodEventProbe,
		Handler: func(ctx *CallContext, params interface{}) (interface{}, error) {
			return true, nil
		},
	})
}

// AttachDeferrer wires the channel registry Defer delegates to. Unset, a
// CallContext's Defer field is a harmless no-op.
func (r *Registry) AttachDeferrer(d Deferrer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deferrer = d
}

// Add registers or replaces a method definition.
func (r *Registry) Add(def Def) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := def
	r.defs[def.Name] = &d
}

func (r *Registry) Get(name string) (*Def, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	return d, ok
}

// Names lists every registered method name, sorted, for list:methods.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs the nine-step algorithm for an inbound METHOD frame and
// returns the RESULT/ERROR frame to send, or nil when none should be sent
// (void request, or a transport-specific caller that already responded).
func (r *Registry) Dispatch(ctx context.Context, sess *session.Session, frame wire.Frame) *wire.Frame {
	respond := func(f wire.Frame) *wire.Frame {
		if frame.Void {
			return nil
		}
		return &f
	}

	// Step 1: rate limit.
	if !sess.Allow() {
		return respond(wire.Error(frame.ID, wire.ErrRateLimitExceeded))
	}

	// Step 2: method lookup.
	def, ok := r.Get(frame.Method)
	if !ok {
		return respond(wire.Error(frame.ID, wire.ErrMethodNotFound))
	}

	// Step 3: protected + authenticated.
	if def.Protected && !sess.Authenticated() {
		return respond(wire.Error(frame.ID, wire.ErrMethodForbidden))
	}

	var params interface{} = frame.Params
	if params == nil {
		params = map[string]interface{}{}
	}

	// Step 4: schema validation.
	if def.Schema != nil {
		paramsMap, _ := params.(map[string]interface{})
		if fieldErrs := def.Schema.Validate(paramsMap); len(fieldErrs) > 0 {
			return respond(wire.ErrorWithFields(frame.ID, wire.ErrInvalidParams, fieldErrs))
		}
	}

	r.mu.RLock()
	deferrer := r.deferrer
	r.mu.RUnlock()
	deferFn := func(channel, event string, params map[string]interface{}) {}
	if deferrer != nil {
		deferFn = deferrer.Defer
	}

	callCtx := &CallContext{
		ExecutionID:    wire.NewID(),
		Session:        sess,
		SessionContext: sess.Context(),
		Defer:          deferFn,
	}

	// Step 5: middleware chain.
	for _, mw := range def.Middleware {
		result, err := mw(callCtx, params)
		if err != nil {
			return respond(apperrors.ToFrame(frame.ID, err))
		}
		params = mergeMiddlewareResult(params, result)
	}

	start := time.Now()

	// Steps 6-7: handler invocation, memoized when cacheTTL is set.
	result, err := r.invoke(ctx, def, callCtx, params)
	if err != nil {
		return respond(apperrors.ToFrame(frame.ID, err))
	}

	// Step 9's internal notification fires regardless of void (only the
	// outbound response frame is suppressed by void, per step 8).
	if r.notifier != nil {
		r.notifier.Notify("method:execution", map[string]interface{}{
			"name":      def.Name,
			"elapsedMs": time.Since(start).Milliseconds(),
			"params":    params,
			"result":    result,
		})
	}

	return respond(wire.Result(frame.ID, def.Name, result))
}

func (r *Registry) invoke(ctx context.Context, def *Def, callCtx *CallContext, params interface{}) (interface{}, error) {
	if def.CacheTTL <= 0 {
		return def.Handler(callCtx, params)
	}

	key := cache.MethodResultKey(def.Name, digestParams(params))

	var cached interface{}
	if r.memo.Get(ctx, key, &cached) {
		return cached, nil
	}

	result, err := def.Handler(callCtx, params)
	if err != nil {
		return nil, err
	}
	r.memo.Set(ctx, key, result, def.CacheTTL)
	return result, nil
}

func mergeMiddlewareResult(params, result interface{}) interface{} {
	if result == nil {
		return params
	}
	incoming, isMap := result.(map[string]interface{})
	if !isMap {
		return result
	}
	running, runningIsMap := params.(map[string]interface{})
	if !runningIsMap {
		return incoming
	}
	merged := make(map[string]interface{}, len(running)+len(incoming))
	for k, v := range running {
		merged[k] = v
	}
	for k, v := range incoming {
		merged[k] = v
	}
	return merged
}

// digestParams normalizes params to a stable cache key component.
// encoding/json sorts map keys, so two calls with the same logical params
// (possibly in different insertion order) hash identically.
func digestParams(params interface{}) string {
	raw, err := json.Marshal(params)
	if err != nil {
		logging.Dispatch().Warn().Err(err).Msg("cacheTTL: failed to digest params, skipping memoization key normalization")
		return fmt.Sprintf("%v", params)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
