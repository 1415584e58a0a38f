// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller opens channels with the expected
// OpenConfig, and Channel to inspect which audio chunks were delivered. The
// provider retains each channel's callback so tests can inject transcript
// batches on demand via Emit.
package mock

import (
	"context"
	"sync"

	"github.com/auricle-ai/auricle/pkg/provider/stt"
	"github.com/auricle-ai/auricle/pkg/types"
)

// OpenCall records a single invocation of Provider.Open.
type OpenCall struct {
	// Cfg is the OpenConfig passed to Open.
	Cfg stt.OpenConfig
	// Channel is the channel that was returned.
	Channel *Channel
	// Callback is the callback registered for the channel.
	Callback stt.Callback
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// OpenErr, if non-nil, is returned as the error from Open.
	OpenErr error

	// OpenCalls records every call to Open.
	OpenCalls []OpenCall
}

// Open records the call and returns a fresh Channel.
func (p *Provider) Open(_ context.Context, cfg stt.OpenConfig, cb stt.Callback) (stt.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	ch := &Channel{}
	p.OpenCalls = append(p.OpenCalls, OpenCall{Cfg: cfg, Channel: ch, Callback: cb})
	return ch, nil
}

// Emit invokes the callback of the i-th opened channel with the given batch.
func (p *Provider) Emit(i int, segments []types.TranscriptSegment) {
	p.mu.Lock()
	cb := p.OpenCalls[i].Callback
	p.mu.Unlock()
	cb(segments)
}

// Calls returns a snapshot of recorded Open calls.
func (p *Provider) Calls() []OpenCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]OpenCall, len(p.OpenCalls))
	copy(out, p.OpenCalls)
	return out
}

var _ stt.Provider = (*Provider)(nil)

// Channel is a mock implementation of stt.Channel. It records sent chunks.
type Channel struct {
	mu     sync.Mutex
	chunks [][]byte
	closed bool

	// SendErr, if non-nil, is returned from Send.
	SendErr error
}

// Send records a copy of the chunk.
func (c *Channel) Send(_ context.Context, chunk []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendErr != nil {
		return c.SendErr
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	c.chunks = append(c.chunks, cp)
	return nil
}

// Close marks the channel closed. Idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Chunks returns a snapshot of all sent audio chunks.
func (c *Channel) Chunks() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.chunks))
	copy(out, c.chunks)
	return out
}

var _ stt.Channel = (*Channel)(nil)
