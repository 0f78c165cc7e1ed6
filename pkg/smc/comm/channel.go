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

package comm

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"

	"splitworld.dev/smc/pkg/cleanup"
	"splitworld.dev/smc/pkg/log"
	"splitworld.dev/smc/pkg/memutil"
	"splitworld.dev/smc/pkg/smc/abi"
	"splitworld.dev/smc/pkg/sync"
)

var (
	// ErrCancelled is returned when the caller's context is done before
	// its operation completed.
	ErrCancelled = fmt.Errorf("operation cancelled: %w", abi.ErrorCancel)

	// ErrTerminated is returned once the secure monitor has exited. The
	// channel is unusable afterwards.
	ErrTerminated = fmt.Errorf("secure world terminated: %w", abi.ErrorCommunication)

	// errChannelFull is retried internally and never returned.
	errChannelFull = errors.New("command queue full")
)

// Options configure a Channel.
type Options struct {
	// BootBufferSize is the size of the one-time boot buffer handed to the
	// secure world at init. Zero means no boot buffer.
	BootBufferSize int

	// FullRetryInitial and FullRetryMax bound the exponential backoff of
	// producers waiting for a free command slot.
	FullRetryInitial time.Duration
	FullRetryMax     time.Duration
}

// DefaultOptions returns the default channel options.
func DefaultOptions() Options {
	return Options{
		BootBufferSize:   16 << 10,
		FullRetryInitial: 50 * time.Microsecond,
		FullRetryMax:     10 * time.Millisecond,
	}
}

// Stats are cumulative channel counters.
type Stats struct {
	CommandsSent     uint64
	AnswersConsumed  uint64
	FullRetries      uint64
	OrphansDiscarded uint64
	RPCsDispatched   uint64
}

// completion is the rendezvous between a command producer and the
// coordinator delivering its answer.
type completion struct {
	// typ is the type of the command.
	typ abi.MessageType

	// discard is set for fire-and-forget commands.
	discard bool

	// done is closed once answer or err is set.
	done   chan struct{}
	answer abi.Answer
	err    error
}

func newCompletion(typ abi.MessageType) *completion {
	return &completion{typ: typ, done: make(chan struct{})}
}

func (c *completion) result() (abi.Answer, error) {
	return c.answer, c.err
}

// Channel is the command/answer channel to one secure monitor.
type Channel struct {
	opts Options

	// clock is the shared clock. clock is immutable.
	clock Clock

	// l0 holds RPC parameters and results. l0 is immutable.
	l0 *memutil.Region

	// l1Region backs l1, the view of the rings and synchronization
	// fields. Both are immutable.
	l1Region *memutil.Region
	l1       *abi.L1

	// boot is the one-time boot buffer, released by the init RPC.
	boot atomic.Pointer[memutil.Region]

	// mu serializes command producers and protects the fields below.
	mu sync.Mutex

	// pending maps operation IDs of enqueued commands to their
	// completions.
	pending map[uint64]*completion

	// nextOp is the next operation ID.
	nextOp uint64

	// err is the terminal error of the channel, or nil while it is
	// usable.
	err error

	// wake has a token whenever the coordinator has work: a new command,
	// a secure world interrupt or a stop request.
	wake chan struct{}

	// dead is closed when the channel terminates.
	dead chan struct{}

	sent             atomic.Uint64
	consumed         atomic.Uint64
	fullRetries      atomic.Uint64
	orphansDiscarded atomic.Uint64
	rpcs             atomic.Uint64
}

// NewChannel allocates the shared pages of a channel.
func NewChannel(opts Options) (*Channel, error) {
	c := &Channel{
		opts:    opts,
		clock:   NewClock(),
		pending: make(map[uint64]*completion),
		nextOp:  1,
		wake:    make(chan struct{}, 1),
		dead:    make(chan struct{}),
	}
	var err error
	if c.l0, err = memutil.MapPinned("smc-l0", abi.L0Size); err != nil {
		return nil, fmt.Errorf("allocating L0: %w", err)
	}
	cu := cleanup.Make(func() { c.l0.Unmap() })
	defer cu.Clean()

	if c.l1Region, err = memutil.MapMemFD("smc-l1", abi.L1Size); err != nil {
		return nil, fmt.Errorf("allocating L1: %w", err)
	}
	cu.Add(func() { c.l1Region.Unmap() })
	if c.l1, err = abi.NewL1(c.l1Region.Bytes()); err != nil {
		return nil, err
	}
	c.l1.SetVersion(abi.Version())

	if opts.BootBufferSize > 0 {
		boot, err := memutil.MapPinned("smc-boot", opts.BootBufferSize)
		if err != nil {
			return nil, fmt.Errorf("allocating boot buffer: %w", err)
		}
		c.boot.Store(boot)
	}
	cu.Release()
	return c, nil
}

// Release frees the shared pages. The coordinator must have exited.
func (c *Channel) Release() {
	c.terminate(ErrTerminated)
	c.ReleaseBootBuffer()
	c.l1Region.Unmap()
	c.l0.Unmap()
}

// L1 returns the view of the L1 page.
func (c *Channel) L1() *abi.L1 {
	return c.l1
}

// L0 returns the RPC parameter page.
func (c *Channel) L0() []byte {
	return c.l0.Bytes()[:abi.L0Size]
}

// Clock returns the shared clock.
func (c *Channel) Clock() Clock {
	return c.clock
}

// bootBuffer returns the address and length of the boot buffer, if any.
func (c *Channel) bootBuffer() (uint64, uint64) {
	if b := c.boot.Load(); b != nil {
		return uint64(b.Addr()), uint64(b.Len())
	}
	return 0, 0
}

// ReleaseBootBuffer frees the boot buffer. It is called when the secure
// world reports that it no longer needs it.
func (c *Channel) ReleaseBootBuffer() {
	if b := c.boot.Swap(nil); b != nil {
		log.Debugf("Releasing %d byte boot buffer", b.Len())
		b.Unmap()
	}
}

// Notify wakes the coordinator. It is the normal world end of the secure
// world interrupt and may be called from any goroutine.
func (c *Channel) Notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Err returns the terminal error of the channel, if any.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Dead returns a channel that is closed when the channel terminates.
func (c *Channel) Dead() <-chan struct{} {
	return c.dead
}

func (c *Channel) fullBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.FullRetryInitial
	b.MaxInterval = c.opts.FullRetryMax
	b.MaxElapsedTime = 0
	return backoff.WithContext(b, ctx)
}

// enqueue copies cmd into a free command slot, retrying while the queue is
// full until ctx is done. comp, if not nil, is registered under the
// operation ID assigned to cmd.
func (c *Channel) enqueue(ctx context.Context, cmd *abi.Command, comp *completion) error {
	err := backoff.Retry(func() error {
		c.mu.Lock()
		if c.err != nil {
			err := c.err
			c.mu.Unlock()
			return backoff.Permanent(err)
		}
		first, free := c.l1.FirstCommand(), c.l1.FirstFreeCommand()
		if free-first >= abi.RingCapacity {
			c.mu.Unlock()
			c.fullRetries.Add(1)
			c.Notify()
			return errChannelFull
		}
		cmd.OperationID = c.nextOp
		c.nextOp++
		cmd.MarshalBytes(c.l1.CommandSlot(free))
		if comp != nil {
			c.pending[cmd.OperationID] = comp
		}
		c.l1.SetFirstFreeCommand(free + 1)
		c.mu.Unlock()
		return nil
	}, c.fullBackOff(ctx))
	if err != nil {
		if errors.Is(err, errChannelFull) {
			// The command was never enqueued; withdrawing it needs no
			// cleanup.
			return ErrCancelled
		}
		return err
	}
	c.sent.Add(1)
	c.Notify()
	return nil
}

// Send enqueues cmd without waiting for its answer, which is discarded.
func (c *Channel) Send(ctx context.Context, cmd *abi.Command) error {
	comp := newCompletion(cmd.Type())
	comp.discard = true
	return c.enqueue(ctx, cmd, comp)
}

// interruptible returns true if commands of type t may be abandoned when
// the caller's context is done. Teardown and power commands always wait for
// their answer.
func interruptible(t abi.MessageType) bool {
	switch t {
	case abi.MsgCreateContext, abi.MsgOpenSession, abi.MsgRegisterSharedMemory, abi.MsgInvoke:
		return true
	default:
		return false
	}
}

// SendReceive enqueues cmd and waits for its answer.
//
// If ctx is done first, SendReceive returns ErrCancelled after restoring a
// state the secure world agrees on: a context, session or block created by
// the command is destroyed again once its answer arrives, and an invocation
// is cancelled in the secure world and its late answer discarded. Teardown
// and power commands ignore ctx. Every enqueued command thus yields exactly
// one of its answer, ErrCancelled or the terminal channel error.
func (c *Channel) SendReceive(ctx context.Context, cmd *abi.Command) (abi.Answer, error) {
	t := cmd.Type()
	comp := newCompletion(t)
	if !interruptible(t) {
		if err := c.enqueue(context.Background(), cmd, comp); err != nil {
			return abi.Answer{}, err
		}
		<-comp.done
		return comp.result()
	}
	if err := c.enqueue(ctx, cmd, comp); err != nil {
		return abi.Answer{}, err
	}
	select {
	case <-comp.done:
		return comp.result()
	case <-ctx.Done():
	}
	select {
	case <-comp.done:
		return comp.result()
	default:
	}
	return abi.Answer{}, c.cancel(cmd, comp)
}

// cancel abandons the enqueued command cmd.
func (c *Channel) cancel(cmd *abi.Command, comp *completion) error {
	if inv, ok := cmd.Body.(*abi.InvokeBody); ok {
		if !c.detach(cmd.OperationID) {
			// The answer is being delivered.
			<-comp.done
			_, err := comp.result()
			if err != nil {
				return err
			}
			return ErrCancelled
		}
		cancelCmd := &abi.Command{
			Context: cmd.Context,
			Body:    &abi.CancelBody{Session: inv.Session, Target: cmd.OperationID},
		}
		if err := c.Send(context.Background(), cancelCmd); err != nil {
			log.Warningf("Sending cancel for operation %d: %v", cmd.OperationID, err)
		}
		log.Debugf("Cancelled invocation %d", cmd.OperationID)
		return ErrCancelled
	}

	// The secure world may create a resource for this command; wait for
	// the answer and undo it.
	<-comp.done
	a, err := comp.result()
	if err != nil {
		return err
	}
	if a.Code == abi.Success {
		undo := undoCommand(cmd, &a)
		log.Debugf("Undoing cancelled %v (operation %d) with %v", cmd.Type(), cmd.OperationID, undo.Type())
		if ua, err := c.SendReceive(context.Background(), undo); err != nil {
			return err
		} else if ua.Code != abi.Success {
			log.Warningf("Undoing cancelled %v failed: %v", cmd.Type(), ua.Code)
		}
	}
	return ErrCancelled
}

// undoCommand returns the command destroying what the successful answer a
// to cmd created.
func undoCommand(cmd *abi.Command, a *abi.Answer) *abi.Command {
	switch cmd.Body.(type) {
	case *abi.CreateContextBody:
		return &abi.Command{Context: a.Handle, Body: &abi.DestroyContextBody{}}
	case *abi.OpenSessionBody:
		return &abi.Command{Context: cmd.Context, Body: &abi.CloseSessionBody{Session: a.Handle}}
	case *abi.RegisterSharedMemoryBody:
		return &abi.Command{Context: cmd.Context, Body: &abi.ReleaseSharedMemoryBody{Block: a.Handle}}
	default:
		panic(fmt.Sprintf("no undo for %v", cmd.Type()))
	}
}

// detach forgets the completion of operation id. It returns false if the
// answer has already been taken for delivery.
func (c *Channel) detach(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	return true
}

// deliver hands a to the completion of its operation.
func (c *Channel) deliver(a abi.Answer) {
	c.mu.Lock()
	comp, ok := c.pending[a.OperationID]
	delete(c.pending, a.OperationID)
	c.mu.Unlock()
	if !ok {
		c.orphansDiscarded.Add(1)
		log.Debugf("Discarding orphan %v answer for operation %d", a.Type, a.OperationID)
		return
	}
	if a.Type != comp.typ {
		comp.err = fmt.Errorf("%v answer to %v command: %w", a.Type, comp.typ, abi.ErrorCommunication)
	}
	comp.answer = a
	close(comp.done)
}

// ConsumeAnswers delivers every answer posted since the last call and
// returns their number. Only the coordinator may call it.
func (c *Channel) ConsumeAnswers() int {
	first, free := c.l1.FirstAnswer(), c.l1.FirstFreeAnswer()
	if free-first > abi.RingCapacity {
		c.terminate(fmt.Errorf("answer ring overflow (%d answers): %w", free-first, abi.ErrorCommunication))
		return 0
	}
	n := 0
	for i := first; i != free; i++ {
		var a abi.Answer
		if err := a.UnmarshalBytes(c.l1.AnswerSlot(i)); err != nil {
			log.Warningf("Dropping undecodable answer %d: %v", i, err)
			continue
		}
		c.deliver(a)
		n++
	}
	c.l1.SetFirstAnswer(free)
	c.consumed.Add(uint64(n))
	return n
}

// commandsPending returns true if the secure world has not consumed every
// command.
func (c *Channel) commandsPending() bool {
	return c.l1.FirstFreeCommand() != c.l1.FirstCommand()
}

// publishTime publishes the normal world time before entering the secure
// world.
func (c *Channel) publishTime() {
	c.l1.PublishTime(abi.Normal, c.clock.Now())
}

// secureTimeout returns the wait bound requested by the secure world.
func (c *Channel) secureTimeout() Timeout {
	return Relative(c.l1.ReadTime(abi.Secure), c.clock.Now())
}

// terminate makes err the terminal error of the channel and releases every
// waiting producer with it.
func (c *Channel) terminate(err error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = err
	pending := c.pending
	c.pending = make(map[uint64]*completion)
	c.mu.Unlock()

	if !errors.Is(err, ErrTerminated) || len(pending) != 0 {
		log.Warningf("Channel terminated with %d operations pending: %v", len(pending), err)
	}
	for _, comp := range pending {
		comp.err = err
		close(comp.done)
	}
	close(c.dead)
}

// Stats returns the channel counters.
func (c *Channel) Stats() Stats {
	return Stats{
		CommandsSent:     c.sent.Load(),
		AnswersConsumed:  c.consumed.Load(),
		FullRetries:      c.fullRetries.Load(),
		OrphansDiscarded: c.orphansDiscarded.Load(),
		RPCsDispatched:   c.rpcs.Load(),
	}
}
