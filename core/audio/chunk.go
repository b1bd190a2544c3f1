package audio

import "time"

// Chunk is a fixed-size slice of captured audio tagged with its position in
// the capture stream. Chunks are immutable once built.
type Chunk struct {
	seq    uint64
	format EncodingInfo
	data   []byte
}

// NewChunk copies data so later writes to the caller's buffer do not leak
// into the chunk.
func NewChunk(seq uint64, format EncodingInfo, data []byte) Chunk {
	buf := make([]byte, len(data))
	copy(buf, data)
	return Chunk{seq: seq, format: format, data: buf}
}

func (c Chunk) Seq() uint64             { return c.seq }
func (c Chunk) Format() EncodingInfo    { return c.format }
func (c Chunk) Len() int                { return len(c.data) }
func (c Chunk) Duration() time.Duration { return c.format.Duration(len(c.data)) }

// Bytes returns a copy of the chunk's samples.
func (c Chunk) Bytes() []byte {
	buf := make([]byte, len(c.data))
	copy(buf, c.data)
	return buf
}
