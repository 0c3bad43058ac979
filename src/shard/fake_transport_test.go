package shard

import (
	"context"
	"sync"

	"personal/gatewayshard/src/transport"
)

// fakeTransport is a transport.Transport double used to drive the protocol
// engine without a real socket. It never imports gorilla/websocket.
type fakeTransport struct {
	mu      sync.Mutex
	state   transport.State
	written [][]byte
	closes  []int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{state: transport.StateConnected}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = transport.StateConnected
	return nil
}

func (f *fakeTransport) ReadLoop(ctx context.Context, handle transport.FrameHandler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeTransport) Write(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	f.written = append(f.written, cp)
	return nil
}

func (f *fakeTransport) Close(code int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = transport.StateClosed
	f.closes = append(f.closes, code)
	return nil
}

func (f *fakeTransport) State() transport.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) messages() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.written))
	copy(out, f.written)
	return out
}

func (f *fakeTransport) closeCodes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, len(f.closes))
	copy(out, f.closes)
	return out
}

// immediateGate never delays; it is the identify gate used by tests that
// aren't specifically exercising the 5-second throttle.
type immediateGate struct {
	mu    sync.Mutex
	calls int
}

func (g *immediateGate) Wait(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	return nil
}
