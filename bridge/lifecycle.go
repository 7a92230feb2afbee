package bridge

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// lifecycle is the Go substitute for spec.md §4.5's three signal handlers
// plus atexit hook. Go has no C atexit: there is no hook that fires on
// every documented "normal exit" path without the process's own
// cooperation. The chosen substitute (SPEC_FULL.md, Open Question 1) is
// Install/Shutdown: the process entrypoint calls Install (or relies on the
// lazy ensureInitialized to do it) and is expected to `defer
// bridge.Global.Shutdown()` immediately afterward, the idiomatic Go
// equivalent of "runs at normal program termination."
type lifecycle struct {
	mu        sync.Mutex
	installed bool
	sigCh     chan os.Signal
	stopCh    chan struct{}

	// hookSignals gates whether install actually registers real OS signal
	// handlers. Only Global's lifecycle sets this; every other Bridge
	// (New()) is a plain in-process session table with no effect on
	// process-wide signal state, so tests can construct as many as they
	// like without stealing SIGINT/SIGTERM/SIGABRT from each other or from
	// the test binary itself.
	hookSignals bool

	handlersMu sync.Mutex
	prior      map[syscall.Signal]func(os.Signal)

	destroyOnce sync.Once
}

func newLifecycle(hookSignals bool) *lifecycle {
	return &lifecycle{prior: map[syscall.Signal]func(os.Signal){}, hookSignals: hookSignals}
}

// install starts the signal-handling goroutine exactly once, per
// _setup_exit_handling in original_source/source/tssx/bridge.c. A no-op
// beyond marking itself installed when hookSignals is false.
func (l *lifecycle) install(b *Bridge) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.installed {
		return nil
	}

	if l.hookSignals {
		l.sigCh = make(chan os.Signal, 4)
		l.stopCh = make(chan struct{})
		signal.Notify(l.sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGABRT)
		go l.run(b)
	}

	l.installed = true

	return nil
}

func (l *lifecycle) run(b *Bridge) {
	for {
		select {
		case sig := <-l.sigCh:
			l.handle(b, sig)
		case <-l.stopCh:
			return
		}
	}
}

// handle reproduces _bridge_signal_handler_for's decision tree:
//  1. If a prior handler was registered via OnSignal, call it first.
//  2. Otherwise terminate the process with failure status — destroying the
//     bridge first, since os.Exit skips deferred calls.
//  3. On SIGABRT after a prior handler has run, destroy the bridge before
//     the handler "returns", then reproduce the re-raise/core-dump
//     behavior as closely as the Go runtime allows. (With no prior
//     handler, step 2 has already destroyed the bridge and exited.)
func (l *lifecycle) handle(b *Bridge, sig os.Signal) {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return
	}

	l.handlersMu.Lock()
	prior := l.prior[s]
	l.handlersMu.Unlock()

	if prior == nil {
		b.Destroy()
		os.Exit(1)
		return
	}

	prior(sig)

	if s == syscall.SIGABRT {
		b.Destroy()
		// Go's os/signal delivers signals to a goroutine rather than a
		// true interrupt handler, so there is no kernel-level "returning
		// from the handler" to hook into. Resetting to the default
		// disposition and re-raising is the closest a userspace goroutine
		// can come to the re-raise/core-dump behavior the C original gets
		// for free.
		signal.Reset(syscall.SIGABRT)
		syscall.Kill(os.Getpid(), syscall.SIGABRT)
	}
}

// setPrior registers handler to run before the Bridge's own reaction to
// sig, the substitute for "the process had its own prior handler for this
// signal" — Go cannot observe handlers registered by other means, so any
// chaining the host program wants must go through this entry point.
func (l *lifecycle) setPrior(sig syscall.Signal, handler func(os.Signal)) {
	l.handlersMu.Lock()
	defer l.handlersMu.Unlock()
	l.prior[sig] = handler
}

// destroy tears down the signal-handling goroutine and runs the bridge's
// disconnect-everything path exactly once.
func (l *lifecycle) destroy(b *Bridge) error {
	l.destroyOnce.Do(func() {
		b.disconnectAll()

		l.mu.Lock()
		if l.installed && l.hookSignals {
			close(l.stopCh)
			signal.Stop(l.sigCh)
		}
		l.installed = false
		l.mu.Unlock()

		log.Info("bridge destroyed")
	})
	return nil
}

// Install runs the one-shot bridge setup (session table allocation +
// signal handler installation) without requiring a prior Insert/Lookup
// call. cmd/tssx calls this explicitly so the defer'd Shutdown below it is
// paired with a setup that has already happened.
func (b *Bridge) Install() error {
	return b.ensureInitialized()
}

// Shutdown destroys the bridge. The process entrypoint defers this
// immediately after Install, the idiomatic Go substitute for spec.md
// §4.5's atexit-registered normal-exit hook.
func (b *Bridge) Shutdown() error {
	return b.Destroy()
}

// OnSignal registers handler to be chained before the Bridge's own
// reaction to sig, mirroring "if the process had its own prior handler for
// this signal, call it first" from spec.md §4.5.
func (b *Bridge) OnSignal(sig syscall.Signal, handler func(os.Signal)) {
	b.lifecycle.setPrior(sig, handler)
}
