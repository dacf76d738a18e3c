// Package script runs guild rule scripts inside a pool of goja VMs.
package script

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// ErrTimeout is returned when a script exceeds the execution time limit.
var ErrTimeout = errors.New("script: execution timed out")

// ErrPanic is returned when the runtime panics while evaluating a script.
var ErrPanic = errors.New("script: runtime panic")

// Globals are bound into the VM for one run and removed afterwards.
type Globals map[string]interface{}

// VMPool is a thread-safe pool of pre-initialised goja runtimes.
type VMPool struct {
	pool    chan *goja.Runtime
	timeout time.Duration
	logger  *zap.Logger
	size    int
}

// NewVMPool creates a VMPool with the given concurrency size and per-script timeout.
func NewVMPool(size int, timeout time.Duration, logger *zap.Logger) *VMPool {
	if size <= 0 {
		size = 4
	}
	if timeout <= 0 {
		timeout = 200 * time.Millisecond
	}
	p := &VMPool{
		pool:    make(chan *goja.Runtime, size),
		timeout: timeout,
		logger:  logger,
		size:    size,
	}
	for i := 0; i < size; i++ {
		p.pool <- newSafeVM()
	}
	return p
}

// Run executes prog inside a pooled VM with globals bound.
// It returns the exported value of the last expression evaluated.
func (p *VMPool) Run(ctx context.Context, prog *goja.Program, globals Globals) (interface{}, error) {
	select {
	case vm := <-p.pool:
		// A VM interrupted mid-run is replaced instead of returned.
		returnToPool := true
		defer func() {
			if returnToPool {
				p.pool <- vm
			}
		}()
		return p.runVM(ctx, vm, prog, globals, &returnToPool)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *VMPool) runVM(ctx context.Context, vm *goja.Runtime, prog *goja.Program, globals Globals, returnToPool *bool) (interface{}, error) {
	for k, v := range globals {
		if err := vm.Set(k, v); err != nil {
			return nil, fmt.Errorf("script: bind %s: %w", k, err)
		}
	}

	timer := time.AfterFunc(p.timeout, func() {
		vm.Interrupt(ErrTimeout)
	})
	stopCtx := context.AfterFunc(ctx, func() {
		vm.Interrupt(ctx.Err())
	})
	defer func() {
		timer.Stop()
		stopCtx()
		if *returnToPool {
			vm.ClearInterrupt()
			for k := range globals {
				_ = vm.Set(k, goja.Undefined())
			}
		}
	}()

	var result goja.Value
	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("script runtime panic", zap.Any("panic", r))
				runErr = ErrPanic
			}
		}()
		result, runErr = vm.RunProgram(prog)
	}()

	if runErr != nil {
		var interrupted *goja.InterruptedError
		if errors.As(runErr, &interrupted) || errors.Is(runErr, ErrPanic) {
			*returnToPool = false
			p.pool <- newSafeVM()
			if errors.Is(runErr, ErrTimeout) {
				return nil, ErrTimeout
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, runErr
		}
		var ex *goja.Exception
		if errors.As(runErr, &ex) {
			return nil, fmt.Errorf("script: %s", ex.Error())
		}
		return nil, runErr
	}

	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return nil, nil
	}
	return result.Export(), nil
}

// newSafeVM creates a goja Runtime with dangerous globals removed.
func newSafeVM() *goja.Runtime {
	vm := goja.New()
	for _, name := range []string{"require", "process", "fetch", "XMLHttpRequest", "eval", "Function"} {
		vm.Set(name, goja.Undefined())
	}
	return vm
}

// Sandbox wraps a VMPool and compiles source before running it.
type Sandbox struct {
	pool   *VMPool
	logger *zap.Logger
}

// NewSandbox creates a Sandbox backed by a VMPool.
func NewSandbox(size int, timeout time.Duration, logger *zap.Logger) *Sandbox {
	return &Sandbox{
		pool:   NewVMPool(size, timeout, logger),
		logger: logger,
	}
}

// Eval compiles and executes src with globals bound, returning the result.
func (sb *Sandbox) Eval(ctx context.Context, src string, globals Globals) (interface{}, error) {
	prog, err := goja.Compile("eval", src, false)
	if err != nil {
		return nil, fmt.Errorf("script: compile: %w", err)
	}
	result, err := sb.pool.Run(ctx, prog, globals)
	if err != nil {
		sb.logger.Warn("script execution error",
			zap.String("src_preview", truncate(src, 80)),
			zap.Error(err))
	}
	return result, err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
