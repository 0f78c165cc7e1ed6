// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package device

import (
	"context"
	"fmt"

	"splitworld.dev/smc/pkg/log"
	"splitworld.dev/smc/pkg/memutil"
	"splitworld.dev/smc/pkg/smc/abi"
	"splitworld.dev/smc/pkg/smc/cus"
	"splitworld.dev/smc/pkg/smc/shm"
	"splitworld.dev/smc/pkg/sync"
)

// State is the context state of a connection.
type State int

// Connection states.
const (
	StateNoContext State = iota
	StateCreateSent
	StateValid
	StateDestroySent
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateNoContext:
		return "NoContext"
	case StateCreateSent:
		return "CreateSent"
	case StateValid:
		return "Valid"
	case StateDestroySent:
		return "DestroySent"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrState is returned for an operation invalid in the connection state.
var ErrState = fmt.Errorf("invalid connection state: %w", abi.ErrorBadState)

// invocation is an in-flight slow path invocation.
type invocation struct {
	cancel context.CancelFunc
}

// binding is the normal world state of one secure world context.
type binding struct {
	handle    uint32
	scratch   *scratch
	blocks    *shm.Registry
	shortcuts *cus.Registry

	// The fields below are protected by the connection mutex.

	// parked holds the staging of cancelled invocations.
	parked []*staging

	// users counts the callers between enter and leave. Teardown waits on
	// idle for it to reach zero.
	users int
	idle  *sync.Cond
}

// Connection is one client of the device, owning at most one secure world
// context.
type Connection struct {
	d *Device

	// mu protects the fields below.
	mu    sync.Mutex
	state State
	cur   *binding

	// inflight maps sessions to their in-flight slow path invocations.
	inflight map[uint32]map[*invocation]struct{}
}

// State returns the context state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Handle returns the secure world handle of the context, or zero.
func (c *Connection) Handle() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return 0
	}
	return c.cur.handle
}

// Shortcuts returns the shortcut registry of the context, or nil.
func (c *Connection) Shortcuts() *cus.Registry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return nil
	}
	return c.cur.shortcuts
}

// Blocks returns the shared memory registry of the context, or nil.
func (c *Connection) Blocks() *shm.Registry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return nil
	}
	return c.cur.blocks
}

// enter returns the binding of the context if the connection has one. The
// binding is not torn down before the matching call to leave.
func (c *Connection) enter() (*binding, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateValid {
		return nil, fmt.Errorf("connection in state %v: %w", c.state, ErrState)
	}
	c.cur.users++
	return c.cur, nil
}

// enterActive is like enter, but also fails if the secure world cannot
// answer commands.
func (c *Connection) enterActive() (*binding, error) {
	b, err := c.enter()
	if err != nil {
		return nil, err
	}
	if err := c.d.active(); err != nil {
		c.leave(b)
		return nil, err
	}
	return b, nil
}

func (c *Connection) leave(b *binding) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b.users--; b.users == 0 {
		b.idle.Broadcast()
	} else if b.users < 0 {
		panic("binding left more often than entered")
	}
}

// fastPathStats returns the fast path counters of the current context.
func (c *Connection) fastPathStats() cus.Stats {
	if r := c.Shortcuts(); r != nil {
		return r.Stats()
	}
	return cus.Stats{}
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// CreateContext creates the secure world context of the connection.
func (c *Connection) CreateContext(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateNoContext {
		c.mu.Unlock()
		return fmt.Errorf("create context in state %v: %w", c.state, ErrState)
	}
	c.state = StateCreateSent
	c.mu.Unlock()

	s, err := newScratch(c.d.opts.ScratchSize)
	if err != nil {
		c.setState(StateNoContext)
		return err
	}
	b := &binding{
		scratch:   s,
		blocks:    shm.NewRegistry(),
		shortcuts: cus.NewRegistry(c.d.disp.Table()),
		idle:      sync.NewCond(&c.mu),
	}
	a, err := c.d.ch.SendReceive(ctx, &abi.Command{Body: &abi.CreateContextBody{
		ScratchAddr: s.addr(),
		ScratchSize: s.size(),
	}})
	if err == nil {
		err = a.Code.Err()
	}
	if err == nil {
		b.handle = a.Handle
		if err = c.d.disp.AddContext(a.Handle, b.shortcuts); err != nil {
			c.destroyUnused(a.Handle)
		}
	}
	if err != nil {
		s.release()
		c.setState(StateNoContext)
		return fmt.Errorf("create context: %w", err)
	}

	c.mu.Lock()
	c.state = StateValid
	c.cur = b
	c.mu.Unlock()
	log.Debugf("Created context %d", a.Handle)
	return nil
}

// destroyUnused destroys a secure world context the connection could not
// take into use.
func (c *Connection) destroyUnused(handle uint32) {
	a, err := c.d.ch.SendReceive(context.Background(), &abi.Command{Context: handle, Body: &abi.DestroyContextBody{}})
	if err == nil {
		err = a.Code.Err()
	}
	if err != nil {
		log.Warningf("Destroying unused context %d: %v", handle, err)
	}
}

// DestroyContext destroys the secure world context. New fast path updates
// fall back from the start of the call and in-flight ones drain before the
// secure world is asked to destroy the context, which uninstalls its
// shortcuts. Shared memory blocks are released locally.
//
// A stopped secure world cannot destroy the context; DestroyContext then
// fails and the context stays valid. A terminated one has nothing left to
// destroy, and the context is dropped locally.
func (c *Connection) DestroyContext(ctx context.Context) error {
	if c.d.ch.Err() != nil {
		return c.abandon()
	}
	if err := c.d.active(); err != nil {
		return fmt.Errorf("destroy context: %w", err)
	}
	b, err := c.beginDestroy()
	if err != nil {
		return err
	}
	a, err := c.d.ch.SendReceive(ctx, &abi.Command{Context: b.handle, Body: &abi.DestroyContextBody{}})
	if err == nil {
		err = a.Code.Err()
	}
	c.teardown(b)
	if err != nil {
		return fmt.Errorf("destroy context %d: %w", b.handle, err)
	}
	log.Debugf("Destroyed context %d", b.handle)
	return nil
}

// abandon drops the context without a secure world round trip. It is used
// once the secure world is powered down or gone.
func (c *Connection) abandon() error {
	b, err := c.beginDestroy()
	if err != nil {
		return err
	}
	c.teardown(b)
	log.Infof("Abandoned context %d of stopped secure world", b.handle)
	return nil
}

func (c *Connection) beginDestroy() (*binding, error) {
	c.mu.Lock()
	if c.state != StateValid {
		c.mu.Unlock()
		return nil, fmt.Errorf("destroy context in state %v: %w", c.state, ErrState)
	}
	c.state = StateDestroySent
	b := c.cur
	c.mu.Unlock()

	c.cancelAll()
	b.shortcuts.Close()
	return b, nil
}

// teardown waits for the users of b to leave, then frees its normal world
// resources.
func (c *Connection) teardown(b *binding) {
	c.mu.Lock()
	for b.users > 0 {
		b.idle.Wait()
	}
	c.mu.Unlock()

	if leftover := b.shortcuts.Drain(); len(leftover) != 0 {
		log.Warningf("Context %d destroyed with shortcuts %v still installed", b.handle, leftover)
	}
	c.d.disp.RemoveContext(b.handle)
	c.d.retire(b.shortcuts.Stats())

	c.mu.Lock()
	parked := b.parked
	b.parked = nil
	c.mu.Unlock()
	for _, st := range parked {
		st.release()
	}
	for _, d := range b.blocks.Drain() {
		log.Debugf("Dropping shared memory block %d of context %d", d.ID, b.handle)
	}
	// Commands are processed in order, so nothing staged by an earlier
	// invocation is still in use.
	b.scratch.release()

	c.mu.Lock()
	c.state = StateNoContext
	c.cur = nil
	c.mu.Unlock()
}

// Close destroys the context, if any, and detaches the connection from the
// device.
func (c *Connection) Close(ctx context.Context) error {
	var err error
	if c.State() == StateValid {
		if c.d.active() != nil {
			c.abandon()
		} else {
			err = c.DestroyContext(ctx)
		}
	}
	c.d.forget(c)
	return err
}

// OpenSession opens a session with the trusted service uuid.
func (c *Connection) OpenSession(ctx context.Context, uuid [16]byte, login uint32, loginData [16]byte) (uint32, error) {
	b, err := c.enterActive()
	if err != nil {
		return 0, err
	}
	defer c.leave(b)
	a, err := c.d.ch.SendReceive(ctx, &abi.Command{Context: b.handle, Body: &abi.OpenSessionBody{
		Timeout:   abi.InfiniteTimeout,
		Login:     login,
		UUID:      uuid,
		LoginData: loginData,
	}})
	if err != nil {
		return 0, err
	}
	if err := a.Code.Err(); err != nil {
		return 0, fmt.Errorf("open session (origin %d): %w", a.Origin, err)
	}
	return a.Handle, nil
}

// CloseSession closes session. In-flight invocations of the session are
// cancelled first.
func (c *Connection) CloseSession(ctx context.Context, session uint32) error {
	b, err := c.enterActive()
	if err != nil {
		return err
	}
	defer c.leave(b)
	c.CancelCommand(session)
	a, err := c.d.ch.SendReceive(ctx, &abi.Command{Context: b.handle, Body: &abi.CloseSessionBody{Session: session}})
	if err != nil {
		return err
	}
	return a.Code.Err()
}

// RegisterSharedMemory registers caller memory with the secure world. buf
// must lie within a pinned region.
func (c *Connection) RegisterSharedMemory(ctx context.Context, buf []byte, flags uint32) (*shm.Descriptor, error) {
	b, err := c.enterActive()
	if err != nil {
		return nil, err
	}
	defer c.leave(b)
	d, err := b.blocks.Register(buf, flags)
	if err != nil {
		return nil, err
	}
	if err := c.register(ctx, b, d); err != nil {
		return nil, err
	}
	return d, nil
}

// AllocateSharedMemory allocates a pinned block of size bytes and registers
// it with the secure world.
func (c *Connection) AllocateSharedMemory(ctx context.Context, size int, flags uint32) (*shm.Descriptor, error) {
	b, err := c.enterActive()
	if err != nil {
		return nil, err
	}
	defer c.leave(b)
	d, err := b.blocks.Allocate(size, flags)
	if err != nil {
		return nil, err
	}
	if err := c.register(ctx, b, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (c *Connection) register(ctx context.Context, b *binding, d *shm.Descriptor) error {
	page := uint64(memutil.PageSize() - 1)
	a, err := c.d.ch.SendReceive(ctx, &abi.Command{Context: b.handle, Body: &abi.RegisterSharedMemoryBody{
		Flags:  d.Flags,
		Size:   uint32(d.Size()),
		Offset: uint32(uint64(d.Addr()) & page),
		Addr:   uint64(d.Addr()) &^ page,
	}})
	if err == nil {
		err = a.Code.Err()
	}
	if err == nil {
		d.SetBlock(a.Handle)
		return nil
	}
	if _, rerr := b.blocks.Remove(d.ID); rerr != nil {
		log.Warningf("Removing unregistered block %d: %v", d.ID, rerr)
	}
	return fmt.Errorf("register shared memory: %w", err)
}

// ReleaseSharedMemory releases block id. Its memory is freed once no
// invocation borrows it.
func (c *Connection) ReleaseSharedMemory(ctx context.Context, id uint32) error {
	b, err := c.enterActive()
	if err != nil {
		return err
	}
	defer c.leave(b)
	d, ok := b.blocks.Lookup(id)
	if !ok {
		return fmt.Errorf("block %d: %w", id, shm.ErrNotFound)
	}
	a, err := c.d.ch.SendReceive(ctx, &abi.Command{Context: b.handle, Body: &abi.ReleaseSharedMemoryBody{Block: d.Block()}})
	if err != nil {
		return err
	}
	if _, err := b.blocks.Remove(id); err != nil {
		return err
	}
	return a.Code.Err()
}

// CancelCommand cancels every in-flight slow path invocation of session
// and returns how many were cancelled.
func (c *Connection) CancelCommand(session uint32) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for inv := range c.inflight[session] {
		inv.cancel()
		n++
	}
	return n
}

func (c *Connection) cancelAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, invs := range c.inflight {
		for inv := range invs {
			inv.cancel()
		}
	}
}

func (c *Connection) track(session uint32, cancel context.CancelFunc) *invocation {
	inv := &invocation{cancel: cancel}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateValid {
		// The context is being destroyed and cancelAll has run.
		cancel()
	}
	invs, ok := c.inflight[session]
	if !ok {
		invs = make(map[*invocation]struct{})
		c.inflight[session] = invs
	}
	invs[inv] = struct{}{}
	return inv
}

func (c *Connection) untrack(session uint32, inv *invocation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight[session], inv)
	if len(c.inflight[session]) == 0 {
		delete(c.inflight, session)
	}
}
