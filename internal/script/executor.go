// Package script implements the sandboxed Script Executor (spec §4.1): a
// single-threaded evaluator for virtual-point formulas and SCRIPT-type
// alarm conditions. It embeds goja, a pure-Go ECMAScript interpreter,
// behind the narrow "script + named inputs -> scalar" contract the rest of
// the pipeline depends on.
//
// # Concurrency
//
// An Executor is NOT safe for concurrent use: goja.Runtime is itself
// single-threaded, and the bytecode cache is protected only against
// concurrent reads after warm-up, not concurrent compiles. Callers that
// need parallelism should construct one Executor per worker goroutine;
// the bytecode cache is then per-worker too, matching the "single-threaded
// per instance; callers must serialize access" contract in spec §4.1.
//
// # Resource caps
//
// Every Evaluate call runs against a fresh goja.Runtime (fresh globals)
// so that one formula's assignments can never leak into the next call's
// evaluation. A wall-clock deadline (Config.Timeout) interrupts runaway
// scripts via goja's cooperative interrupt mechanism, and StackCapBytes
// bounds the call-stack depth. MemoryCapBytes is not enforced.
package script

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// DefaultMemoryCapBytes is the default per-context memory cap (spec: 16 MiB).
const DefaultMemoryCapBytes = 16 * 1024 * 1024

// DefaultStackCapBytes is the default per-context stack cap (spec: 1 MiB).
const DefaultStackCapBytes = 1 * 1024 * 1024

// DefaultTimeout bounds how long a single evaluation may run before it is
// interrupted. The original C++ engine enforces this via a memory/stack
// cap rather than wall-clock time; goja's cooperative interrupt model
// makes wall-clock the practical equivalent.
const DefaultTimeout = 250 * time.Millisecond

// ErrEvalTimeout is returned when a script is interrupted for exceeding
// its evaluation deadline.
var ErrEvalTimeout = errors.New("script: execution timeout")

// Config configures an Executor's resource caps.
type Config struct {
	MemoryCapBytes int64
	StackCapBytes  int64
	Timeout        time.Duration
}

func (c Config) withDefaults() Config {
	if c.MemoryCapBytes <= 0 {
		c.MemoryCapBytes = DefaultMemoryCapBytes
	}
	if c.StackCapBytes <= 0 {
		c.StackCapBytes = DefaultStackCapBytes
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// compiledEntry is one bytecode cache slot.
type compiledEntry struct {
	program *goja.Program
}

// Executor evaluates scripts against named-value inputs, maintaining a
// bytecode cache keyed by script hash so repeated evaluations of the same
// formula skip recompilation.
type Executor struct {
	cfg   Config
	mu    sync.Mutex // guards cache; Evaluate itself is not reentrant-safe
	cache map[string]*compiledEntry
	libs  map[int64]string // tenant_id -> preprocessed helper library source
}

// New creates a new Script Executor with the given resource caps.
func New(cfg Config) *Executor {
	return &Executor{
		cfg:   cfg.withDefaults(),
		cache: make(map[string]*compiledEntry),
		libs:  make(map[int64]string),
	}
}

// scriptKey returns the bytecode-cache key for a (possibly preprocessed)
// script body.
func scriptKey(src string) string {
	sum := sha256.Sum256([]byte(src))
	return hex.EncodeToString(sum[:])
}

// compile returns the cached *goja.Program for src, compiling and caching
// it on first use.
func (e *Executor) compile(src string) (*goja.Program, error) {
	key := scriptKey(src)

	e.mu.Lock()
	if entry, ok := e.cache[key]; ok {
		e.mu.Unlock()
		return entry.program, nil
	}
	e.mu.Unlock()

	prog, err := goja.Compile("<formula>", src, false)
	if err != nil {
		return nil, &EvalError{Message: err.Error()}
	}

	e.mu.Lock()
	e.cache[key] = &compiledEntry{program: prog}
	e.mu.Unlock()
	return prog, nil
}

// EvalError carries the {error_message, stack} pair spec §4.1 requires on
// syntax/runtime failures.
type EvalError struct {
	Message string
	Stack   string
}

func (e *EvalError) Error() string {
	if e.Stack != "" {
		return fmt.Sprintf("%s\n%s", e.Message, e.Stack)
	}
	return e.Message
}

// RegisterLibrary installs tenant-scoped helper function source that
// PreprocessFormula prepends ahead of the user's script.
func (e *Executor) RegisterLibrary(tenantID int64, source string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.libs[tenantID] = source
}

// PreprocessFormula resolves library dependencies by prepending any
// registered helper function bodies for tenantID before the user script.
func (e *Executor) PreprocessFormula(src string, tenantID int64) string {
	e.mu.Lock()
	lib, ok := e.libs[tenantID]
	e.mu.Unlock()
	if !ok || lib == "" {
		return src
	}
	return lib + "\n" + src
}

// Input binds one named value into the evaluation context. PointID is
// optional (zero when the input has no underlying point, e.g. a bare
// "value" passed to a SCRIPT alarm) and, when set, makes the value
// additionally addressable from point_values by its stringified id.
type Input struct {
	Name    string
	PointID int64
	Value   any
}

// Evaluate runs script to completion against inputs, injected both as
// top-level variables and as a point_values map keyed by variable name and
// by stringified point id. Result coercion: bool -> bool, number ->
// float64, string -> string; anything else is a "JS Execution error".
func (e *Executor) Evaluate(script string, inputs []Input) (any, error) {
	vm := goja.New()
	vm.SetMaxCallStackSize(int(e.cfg.StackCapBytes / 256)) // approximate frames-per-byte budget

	pointValues := make(map[string]any, len(inputs)*2)
	for _, in := range inputs {
		if err := vm.Set(in.Name, in.Value); err != nil {
			return nil, &EvalError{Message: fmt.Sprintf("bind input %q: %v", in.Name, err)}
		}
		pointValues[in.Name] = in.Value
		if in.PointID != 0 {
			pointValues[pointKey(in.PointID)] = in.Value
		}
	}
	if err := vm.Set("point_values", pointValues); err != nil {
		return nil, &EvalError{Message: "bind point_values: " + err.Error()}
	}

	prog, err := e.compile(script)
	if err != nil {
		return nil, err
	}

	timer := time.AfterFunc(e.cfg.Timeout, func() {
		vm.Interrupt(ErrEvalTimeout)
	})
	defer timer.Stop()

	result, err := vm.RunProgram(prog)
	if err != nil {
		var ie *goja.InterruptedError
		if errors.As(err, &ie) {
			return nil, ErrEvalTimeout
		}
		var exc *goja.Exception
		if errors.As(err, &exc) {
			return nil, &EvalError{Message: exc.Error(), Stack: exc.String()}
		}
		return nil, &EvalError{Message: err.Error()}
	}

	return coerce(result)
}

// coerce applies the bool/number/string coercion rule; anything else
// raises "JS Execution error" per spec §4.1.
func coerce(v goja.Value) (any, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, &EvalError{Message: "JS Execution error"}
	}
	exported := v.Export()
	switch t := exported.(type) {
	case bool:
		return t, nil
	case int64:
		return float64(t), nil
	case float64:
		return t, nil
	case string:
		return t, nil
	default:
		return nil, &EvalError{Message: "JS Execution error"}
	}
}

// SafeResult is the wrapped, panic-free outcome of ExecuteSafe.
type SafeResult struct {
	Success       bool
	Value         any
	ErrorMessage  string
	ExecutionTime time.Duration
}

// ExecuteSafe wraps Evaluate, converting any error into a SafeResult
// instead of propagating it, and recovering from any panic inside goja
// (e.g. a pathological script that trips an internal invariant) so a
// single bad formula cannot take down a pipeline worker.
func (e *Executor) ExecuteSafe(script string, inputs []Input) (result SafeResult) {
	start := time.Now()
	defer func() {
		result.ExecutionTime = time.Since(start)
		if r := recover(); r != nil {
			result.Success = false
			result.ErrorMessage = fmt.Sprintf("panic: %v", r)
		}
	}()

	val, err := e.Evaluate(script, inputs)
	if err != nil {
		return SafeResult{Success: false, ErrorMessage: err.Error()}
	}
	return SafeResult{Success: true, Value: val}
}

// pointKey renders a point id the way Evaluate's point_values map indexes
// it for lookups by id rather than by variable name.
func pointKey(id int64) string {
	return strconv.FormatInt(id, 10)
}
