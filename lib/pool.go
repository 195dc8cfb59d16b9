package lib

import (
	"fmt"
	"time"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// Payload is a pooled receive buffer.
type Payload struct {
	payloadBytes []byte
	length       int
}

// NewPayload builds a Payload; the single parameter is the buffer length.
func NewPayload(params ...interface{}) rp.DataInterface {
	bufferLength := MaxMTU
	if len(params) == 1 {
		if n, ok := params[0].(int); ok && n > 0 {
			bufferLength = n
		}
	}
	return &Payload{payloadBytes: make([]byte, bufferLength)}
}

// SetContent sets the content of the payload
func (p *Payload) SetContent(s string) {
	p.length = copy(p.payloadBytes, s)
}

// Reset clears the payload before it goes back to the pool
func (p *Payload) Reset() {
	clear(p.payloadBytes[:p.length])
	p.length = 0
}

// PrintContent prints the content of the payload
func (p *Payload) PrintContent() {
	fmt.Printf("Content: % x\n", p.payloadBytes[:p.length])
}

func (p *Payload) Copy(src []byte) error {
	if len(src) > len(p.payloadBytes) {
		return fmt.Errorf("Payload Copy: source (%d) is longer than buffer (%d)", len(src), len(p.payloadBytes))
	}
	if len(src) == 0 {
		return fmt.Errorf("Payload Copy: source is empty")
	}
	p.length = copy(p.payloadBytes, src)
	return nil
}

func (p *Payload) GetSlice() []byte {
	return p.payloadBytes[:p.length]
}

// payloadPool hands out receive buffers to the read loop. A datagram keeps
// its buffer until the owning connection has handled it.
type payloadPool struct {
	ring *rp.RingPool
}

func newPayloadPool(count, bufferLength int, debug bool, threshold time.Duration) *payloadPool {
	rp.Debug = debug
	ring := rp.NewRingPool("RakNet: ", count, NewPayload, bufferLength)
	ring.Debug = debug
	ring.ProcessTimeThreshold = threshold
	return &payloadPool{ring: ring}
}

// inbound is one received datagram on its way to a connection.
type inbound struct {
	chunk *rp.Element // nil when the pool was exhausted
	data  []byte
}

// wrap copies b into a pooled buffer, or a fresh slice if none is free.
func (p *payloadPool) wrap(b []byte) inbound {
	if p != nil {
		if chunk := p.ring.GetElement(); chunk != nil {
			if err := chunk.Data.(*Payload).Copy(b); err == nil {
				return inbound{chunk: chunk, data: chunk.Data.(*Payload).GetSlice()}
			}
			p.ring.ReturnElement(chunk)
		}
	}
	data := make([]byte, len(b))
	copy(data, b)
	return inbound{data: data}
}

func (p *payloadPool) release(in inbound) {
	if p != nil && in.chunk != nil {
		p.ring.ReturnElement(in.chunk)
	}
}
