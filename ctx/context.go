// Package ctx provides a stoppable service context used by every long-lived
// component in this module (servers, supervisors, clients).
package ctx

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"google.golang.org/grpc"
)

// Ctx is anything that embeds a Context, allowing a child to be tracked by
// its parent while remaining upcastable to its concrete type.
type Ctx interface {
	BaseContext() *Context
}

// Context is a lifecycle helper: it owns a cancelable context.Context, an
// accounting of goroutines started through it, and a tree of child Contexts
// that are stopped leaf-first when this Context stops.
type Context struct {
	Logger

	Ctx context.Context

	ctxCancel    context.CancelFunc
	stopComplete sync.WaitGroup
	stopMutex    sync.Mutex
	stopReason   string
	parent       *Context
	children     []Ctx
	childrenMu   sync.Mutex

	onAboutToStop func()
	onStopping    func()
}

// CtxStart runs onStartup and marks this Context as running.
//
// onAboutToStop (optional) is called when a stop is first initiated, before
// children are stopped. onStopping (optional) is called after the underlying
// context is canceled. If onStartup fails, the Context is stopped and the
// startup error returned.
func (C *Context) CtxStart(
	onStartup func() error,
	onAboutToStop func(),
	onStopping func(),
) error {

	if C.CtxRunning() {
		panic("ctx.Context already running")
	}

	C.onAboutToStop = onAboutToStop
	C.onStopping = onStopping
	C.Ctx, C.ctxCancel = context.WithCancel(context.Background())

	var err error
	if onStartup != nil {
		err = onStartup()
	}

	// Even with no onStopping, this keeps CtxWait() from returning before
	// cancellation has propagated.
	C.CtxGo(func() {
		<-C.Ctx.Done()
		if f := C.onStopping; f != nil {
			f()
		}
	})

	if err != nil {
		C.Errorf("CtxStart failed: %v", err)
		C.CtxStop("startup failed")
		C.CtxWait()
	}

	return err
}

// CtxStop initiates a stop of this Context and its children (leaf-first).
// Returns true if this call initiated the stop; subsequent calls are no-ops.
func (C *Context) CtxStop(inReason string) bool {

	initiated := false

	C.stopMutex.Lock()
	if cancel := C.ctxCancel; C.CtxRunning() && cancel != nil {
		C.ctxCancel = nil
		C.stopReason = inReason
		C.Infof(2, "CtxStop (%s)", inReason)

		if f := C.onAboutToStop; f != nil {
			C.onAboutToStop = nil
			f()
		}

		if C.parent != nil {
			C.parent.childStopped(C)
		}

		C.CtxStopChildren("parent stopping")
		cancel()

		initiated = true
	}
	C.stopMutex.Unlock()

	return initiated
}

// CtxStopChildren stops all children of this Context and blocks until each
// has fully stopped.
func (C *Context) CtxStopChildren(inReason string) {
	var wait sync.WaitGroup

	C.childrenMu.Lock()
	N := len(C.children)
	wait.Add(N)
	for i := N - 1; i >= 0; i-- {
		child := C.children[i].BaseContext()
		go func() {
			child.CtxStop(inReason)
			child.CtxWait()
			wait.Done()
		}()
	}
	C.childrenMu.Unlock()

	wait.Wait()
	if N > 0 {
		C.Infof(2, "%d children stopped", N)
	}
}

// CtxWait blocks until this Context has fully stopped (all CtxGo goroutines
// have returned).
func (C *Context) CtxWait() {
	C.stopComplete.Wait()
}

// CtxGo runs inProcess in its own goroutine, preventing this Context from
// completing its stop until inProcess returns.
func (C *Context) CtxGo(inProcess func()) {
	C.stopComplete.Add(1)
	go func() {
		inProcess()
		C.stopComplete.Done()
	}()
}

// CtxAddChild attaches inChild so that it is stopped (and waited on) before
// this Context finishes stopping.
func (C *Context) CtxAddChild(inChild Ctx) {
	C.childrenMu.Lock()
	C.children = append(C.children, inChild)
	inChild.BaseContext().parent = C
	C.childrenMu.Unlock()
}

// CtxStopReason returns the reason passed to the initiating CtxStop call.
func (C *Context) CtxStopReason() string {
	return C.stopReason
}

// CtxStopping returns a channel closed once this Context starts stopping.
func (C *Context) CtxStopping() <-chan struct{} {
	return C.Ctx.Done()
}

// CtxRunning returns true if this Context has been started and is not
// (yet) stopping. Callers typically poll it from worker loops.
func (C *Context) CtxRunning() bool {
	if C.Ctx == nil {
		return false
	}

	select {
	case <-C.Ctx.Done():
		return false
	default:
	}

	return true
}

// CtxStatus returns nil if this Context is running, or the reason it is not.
func (C *Context) CtxStatus() error {
	if C.Ctx == nil {
		return ErrCtxNotRunning
	}
	return C.Ctx.Err()
}

// BaseContext implements Ctx.
func (C *Context) BaseContext() *Context {
	return C
}

func (C *Context) childStopped(inChild *Context) {
	C.childrenMu.Lock()
	for i, child := range C.children {
		if child.BaseContext() == inChild {
			inChild.parent = nil
			C.children = append(C.children[:i], C.children[i+1:]...)
			break
		}
	}
	C.childrenMu.Unlock()
}

// AttachInterruptHandler fuses SIGINT/SIGTERM/SIGHUP with this Context: the
// first signal initiates a graceful stop, repeated signals within a few
// seconds force exit.
func (C *Context) AttachInterruptHandler() {
	sigInbox := make(chan os.Signal, 1)

	signal.Notify(sigInbox, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		count := 0
		firstTime := int64(0)

		for sig := range sigInbox {
			count++
			curTime := time.Now().Unix()

			// Prevent un-terminated ^C char in terminal
			fmt.Println()

			if count == 1 {
				firstTime = curTime
				C.CtxStop("received " + sig.String())
			} else if curTime > firstTime+3 {
				fmt.Println("\nreceived interrupt before graceful shutdown, terminating...")
				os.Exit(-1)
			}
		}
	}()

	go func() {
		C.CtxWait()
		signal.Stop(sigInbox)
		close(sigInbox)
	}()

	C.Infof(0, "for graceful shutdown, ^C or kill -s SIGINT %d", os.Getpid())
}

// AttachGrpcServer serves ioServer on the given listener such that:
//  1. ioServer exiting triggers CtxStop().
//  2. this Context stopping triggers ioServer.GracefulStop().
func (C *Context) AttachGrpcServer(
	inListener net.Listener,
	ioServer *grpc.Server,
) {

	C.stopMutex.Lock()
	defer C.stopMutex.Unlock()

	C.Infof(0, "serving grpc on %v %v", inListener.Addr().Network(), inListener.Addr())

	C.CtxGo(func() {
		if err := ioServer.Serve(inListener); err != nil {
			C.Error("grpc server error: ", err)
		}
		inListener.Close()

		C.CtxStop("grpc server stopped")
	})

	origAboutToStop := C.onAboutToStop
	C.onAboutToStop = func() {
		C.Info(1, "stopping grpc service")
		go ioServer.GracefulStop()

		if origAboutToStop != nil {
			origAboutToStop()
		}
	}
}
