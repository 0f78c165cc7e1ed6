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

package hwa

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"

	"splitworld.dev/smc/pkg/log"
	"splitworld.dev/smc/pkg/smc/abi"
	"splitworld.dev/smc/pkg/sync"
)

// Engine is one crypto accelerator.
//
// Callers serialize operations on an engine by holding its accelerator lock
// in the Table.
type Engine interface {
	// ID returns the accelerator identifier.
	ID() ID

	// Update continues the operation described by st and ctrl over src,
	// writing output to dst, and updates st in place. It returns the
	// number of bytes written to dst. Digest updates write nothing.
	Update(st OperationState, ctrl uint32, src, dst []byte) (int, error)

	// Reset aborts any operation in progress and returns the engine to
	// the ready state. The key slot is preserved.
	Reset()
}

// EngineStats are cumulative engine counters.
type EngineStats struct {
	Updates      uint64
	DMATransfers uint64
	Bytes        uint64
	Timeouts     uint64
	Resets       uint64

	// Overlaps counts updates started while another update was in
	// progress on the same engine. It is always zero when callers hold
	// the accelerator lock.
	Overlaps uint64
}

// Status register bits.
const (
	statusReady uint32 = 1 << 0
	statusBusy  uint32 = 1 << 1
)

var errNotReady = errors.New("engine not ready")

// registers is the register file of a simulated engine.
type registers struct {
	ctrl    uint32
	status  uint32
	iv      [16]byte
	readyAt time.Time

	// dma is non-nil while a DMA transfer is in flight and closed when it
	// completes.
	dma chan struct{}
}

// keySlot is the key storage of a cipher engine. It is written only by the
// secure world through Hardware.LoadKey.
type keySlot struct {
	handle uint32
	block  cipher.Block
}

// simEngine is a software model of an accelerator. Data is processed one
// block at a time through the data registers, or through a DMA channel for
// large updates.
type simEngine struct {
	id   ID
	opts Options

	// mu protects regs and key.
	mu   sync.Mutex
	regs registers
	key  keySlot

	wedged   atomic.Bool
	inflight atomic.Int32

	updates      atomic.Uint64
	dmaTransfers atomic.Uint64
	bytes        atomic.Uint64
	timeouts     atomic.Uint64
	resets       atomic.Uint64
	overlaps     atomic.Uint64
}

func newSimEngine(id ID, opts Options) *simEngine {
	e := &simEngine{id: id, opts: opts}
	e.regs.status = statusReady
	return e
}

// ID implements Engine.ID.
func (e *simEngine) ID() ID {
	return e.id
}

// readStatus returns the status register, completing a finished operation.
func (e *simEngine) readStatus() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.regs.status&statusBusy == 0 || e.wedged.Load() {
		return e.regs.status
	}
	if e.regs.dma != nil {
		select {
		case <-e.regs.dma:
			e.regs.dma = nil
		default:
			return e.regs.status
		}
	}
	if time.Now().Before(e.regs.readyAt) {
		return e.regs.status
	}
	e.regs.status = statusReady
	return e.regs.status
}

// waitReady polls the status register until the engine is ready. On
// timeout the engine is reset.
func (e *simEngine) waitReady() error {
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.Timeout)
	defer cancel()
	b := backoff.WithContext(backoff.NewConstantBackOff(e.opts.PollInterval), ctx)
	err := backoff.Retry(func() error {
		if e.readStatus()&statusReady != 0 {
			return nil
		}
		return errNotReady
	}, b)
	if err != nil {
		e.timeouts.Add(1)
		log.Warningf("Accelerator %v not ready after %v, resetting", e.id, e.opts.Timeout)
		e.Reset()
		return fmt.Errorf("%v: %w", e.id, ErrAcceleratorTimeout)
	}
	return nil
}

// Reset implements Engine.Reset.
func (e *simEngine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.regs = registers{status: statusReady}
	e.wedged.Store(false)
	e.resets.Add(1)
}

// start programs the control and IV registers and marks the engine busy.
func (e *simEngine) start(ctrl uint32, iv []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.regs.ctrl = ctrl
	copy(e.regs.iv[:], iv)
	e.regs.status = statusBusy
	e.regs.readyAt = time.Now().Add(e.opts.Latency)
}

// Update implements Engine.Update.
func (e *simEngine) Update(st OperationState, ctrl uint32, src, dst []byte) (int, error) {
	if e.inflight.Add(1) > 1 {
		e.overlaps.Add(1)
	}
	defer e.inflight.Add(-1)

	if err := CheckState(e.id, ctrl, st); err != nil {
		return 0, err
	}
	if bs := e.id.BlockSize(); len(src)%bs != 0 {
		return 0, fmt.Errorf("%v: input of %d bytes is not a multiple of %d: %w", e.id, len(src), bs, abi.ErrorBadParameters)
	}
	if e.id.Kind() != KindDigest && len(dst) < len(src) {
		return 0, fmt.Errorf("%v: output of %d bytes for input of %d: %w", e.id, len(dst), len(src), abi.ErrorShortBuffer)
	}
	if err := e.waitReady(); err != nil {
		return 0, err
	}

	var (
		n   int
		err error
	)
	switch s := st.(type) {
	case *AESState:
		n, err = e.cipherUpdate(ctrl, s.IV[:], src, dst)
	case *DESState:
		n, err = e.cipherUpdate(ctrl, s.IV[:], src, dst)
	case *DigestState:
		err = e.digestUpdate(s, src)
	}
	if err != nil {
		return 0, err
	}
	e.updates.Add(1)
	e.bytes.Add(uint64(len(src)))
	return n, nil
}

func (e *simEngine) useDMA(blocks int) bool {
	return e.opts.DMAThreshold > 0 && blocks >= e.opts.DMAThreshold
}

// transfer runs fn either inline, block by block through the data
// registers, or on the DMA channel, and waits for the engine to complete.
func (e *simEngine) transfer(blocks int, pio func(i int), whole func()) error {
	if !e.useDMA(blocks) {
		for i := 0; i < blocks; i++ {
			pio(i)
		}
		return e.waitReady()
	}
	done := make(chan struct{})
	e.mu.Lock()
	e.regs.dma = done
	e.mu.Unlock()
	e.dmaTransfers.Add(1)
	go func() {
		defer close(done)
		whole()
	}()
	if err := e.waitReady(); err != nil {
		// The reset aborted the channel; buffers are released once the
		// transfer has drained.
		<-done
		return err
	}
	return nil
}

func (e *simEngine) cipherUpdate(ctrl uint32, iv, src, dst []byte) (int, error) {
	e.mu.Lock()
	block := e.key.block
	e.mu.Unlock()
	if block == nil {
		return 0, fmt.Errorf("%v: %w", e.id, ErrNoKey)
	}
	bs := block.BlockSize()
	blocks := len(src) / bs
	e.start(ctrl, iv)

	// The chaining value lives in the IV register during the operation.
	chain := make([]byte, bs)
	copy(chain, iv)
	err := e.transfer(blocks,
		func(i int) {
			off := i * bs
			cryptBlocks(block, ctrl, chain, dst[off:off+bs], src[off:off+bs])
		},
		func() {
			cryptBlocks(block, ctrl, chain, dst[:len(src)], src)
		})
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	copy(e.regs.iv[:], chain)
	e.mu.Unlock()
	copy(iv, chain)
	return len(src), nil
}

// cryptBlocks processes whole blocks and advances chain to the chaining
// value for the next block.
func cryptBlocks(block cipher.Block, ctrl uint32, chain, dst, src []byte) {
	if len(src) == 0 {
		return
	}
	bs := block.BlockSize()
	switch ctrl & CtrlModeMask {
	case CtrlModeECB:
		for off := 0; off < len(src); off += bs {
			if ctrl&CtrlEncrypt != 0 {
				block.Encrypt(dst[off:off+bs], src[off:off+bs])
			} else {
				block.Decrypt(dst[off:off+bs], src[off:off+bs])
			}
		}
	case CtrlModeCBC:
		if ctrl&CtrlEncrypt != 0 {
			cipher.NewCBCEncrypter(block, chain).CryptBlocks(dst, src)
			copy(chain, dst[len(src)-bs:len(src)])
		} else {
			next := make([]byte, bs)
			copy(next, src[len(src)-bs:])
			cipher.NewCBCDecrypter(block, chain).CryptBlocks(dst, src)
			copy(chain, next)
		}
	case CtrlModeCTR:
		cipher.NewCTR(block, chain).XORKeyStream(dst, src)
		addCounter(chain, uint64(len(src)/bs))
	}
}

// addCounter adds n to the big-endian counter block ctr.
func addCounter(ctr []byte, n uint64) {
	for i := len(ctr) - 1; i >= 0 && n != 0; i-- {
		sum := uint64(ctr[i]) + n&0xff
		ctr[i] = byte(sum)
		n = n>>8 + sum>>8
	}
}

func (e *simEngine) digestUpdate(s *DigestState, src []byte) error {
	h, err := s.restore()
	if err != nil {
		return err
	}
	e.start(s.Algorithm, nil)
	blocks := (len(src) + digestBlockSize - 1) / digestBlockSize
	err = e.transfer(blocks,
		func(i int) {
			end := min((i+1)*digestBlockSize, len(src))
			h.Write(src[i*digestBlockSize : end])
		},
		func() {
			h.Write(src)
		})
	if err != nil {
		return err
	}
	return s.load(h)
}

func (e *simEngine) loadKey(handle uint32, key []byte) error {
	var (
		block cipher.Block
		err   error
	)
	switch e.id.Kind() {
	case KindAES:
		block, err = aes.NewCipher(key)
	case KindDES:
		switch len(key) {
		case 8:
			block, err = des.NewCipher(key)
		case 24:
			block, err = des.NewTripleDESCipher(key)
		default:
			err = fmt.Errorf("des key of %d bytes", len(key))
		}
	default:
		return fmt.Errorf("%v has no key slot: %w", e.id, abi.ErrorNotSupported)
	}
	if err != nil {
		return fmt.Errorf("%v: %v: %w", e.id, err, abi.ErrorBadParameters)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.key = keySlot{handle: handle, block: block}
	return nil
}

func (e *simEngine) stats() EngineStats {
	return EngineStats{
		Updates:      e.updates.Load(),
		DMATransfers: e.dmaTransfers.Load(),
		Bytes:        e.bytes.Load(),
		Timeouts:     e.timeouts.Load(),
		Resets:       e.resets.Load(),
		Overlaps:     e.overlaps.Load(),
	}
}

// Hardware is the set of simulated accelerators of one platform.
type Hardware struct {
	engines [NumIDs]*simEngine
}

// NewHardware returns a Hardware with one engine per accelerator.
func NewHardware(opts Options) *Hardware {
	h := &Hardware{}
	for id := ID(0); id < NumIDs; id++ {
		h.engines[id] = newSimEngine(id, opts)
	}
	return h
}

// Engine returns the engine of id.
func (h *Hardware) Engine(id ID) Engine {
	return h.engines[id]
}

// Engines returns all engines in ID order.
func (h *Hardware) Engines() []Engine {
	es := make([]Engine, 0, NumIDs)
	for _, e := range h.engines {
		es = append(es, e)
	}
	return es
}

// LoadKey loads key into the key slot of accelerator id and records handle
// as the loaded key context. It is used by the secure world while it holds
// the accelerator lock.
func (h *Hardware) LoadKey(id ID, handle uint32, key []byte) error {
	if !id.Valid() {
		return fmt.Errorf("accelerator %v: %w", id, abi.ErrorBadParameters)
	}
	return h.engines[id].loadKey(handle, key)
}

// LoadedKey returns the handle of the key in the key slot of id.
func (h *Hardware) LoadedKey(id ID) (uint32, bool) {
	e := h.engines[id]
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.key.handle, e.key.block != nil
}

// SetWedged makes engine id stop completing operations until it is reset.
func (h *Hardware) SetWedged(id ID, wedged bool) {
	h.engines[id].wedged.Store(wedged)
}

// Stats returns the counters of engine id.
func (h *Hardware) Stats(id ID) EngineStats {
	return h.engines[id].stats()
}
