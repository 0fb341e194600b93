package kfmt

import "io"

// ringBufferSize defines size of the ring buffer that buffers early Printf
// output. It can hold the contents of a standard 80*25 text-mode console and
// must always be a power of 2.
const ringBufferSize = 2048

// ringBuffer captures the output of Printf until an output sink is attached.
// When full, the oldest bytes are overwritten.
type ringBuffer struct {
	buffer         [ringBufferSize]byte
	rIndex, wIndex int
}

// Write writes len(p) bytes from p to the ringBuffer.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[rb.wIndex] = b
		rb.wIndex = (rb.wIndex + 1) & (ringBufferSize - 1)
		if rb.rIndex == rb.wIndex {
			rb.rIndex = (rb.rIndex + 1) & (ringBufferSize - 1)
		}
	}

	return len(p), nil
}

// Read reads up to len(p) bytes into p. Reads never wrap around the end of
// the backing array; callers observe the remaining bytes on the next call.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	var avail int
	switch {
	case rb.rIndex == rb.wIndex:
		return 0, io.EOF
	case rb.rIndex < rb.wIndex:
		avail = rb.wIndex - rb.rIndex
	default:
		avail = ringBufferSize - rb.rIndex
	}

	n := copy(p, rb.buffer[rb.rIndex:rb.rIndex+avail])
	rb.rIndex = (rb.rIndex + n) & (ringBufferSize - 1)
	return n, nil
}
