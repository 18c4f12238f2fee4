package stream

import (
	"encoding/binary"
	"fmt"

	"github.com/go-aravis/aravis"
)

// Chunk is one chunk-data entry appended after the image payload.
// Cameras emit chunks back to front: each trailing descriptor carries
// the chunk id and the size of the data preceding it.
type Chunk struct {
	ID   uint32
	Data []byte
}

const chunkDescriptorSize = 8

// ParseChunks walks the chunk region from its end, splitting it into the
// individual chunks.
func ParseChunks(region []byte) ([]Chunk, error) {
	var chunks []Chunk
	end := len(region)
	for end > 0 {
		if end < chunkDescriptorSize {
			return nil, fmt.Errorf("%w: trailing %d bytes in chunk region", aravis.ErrProtocol, end)
		}
		id := binary.BigEndian.Uint32(region[end-8 : end-4])
		size := int(binary.BigEndian.Uint32(region[end-4 : end]))
		end -= chunkDescriptorSize
		if size > end {
			return nil, fmt.Errorf("%w: chunk 0x%x declares %d bytes, %d available",
				aravis.ErrProtocol, id, size, end)
		}
		chunks = append(chunks, Chunk{ID: id, Data: region[end-size : end]})
		end -= size
	}
	// Back-to-front walk; present them in emission order.
	for i, j := 0, len(chunks)-1; i < j; i, j = i+1, j-1 {
		chunks[i], chunks[j] = chunks[j], chunks[i]
	}
	return chunks, nil
}

// Chunks parses the buffer's chunk region.
func (b *Buffer) Chunks() ([]Chunk, error) {
	if len(b.ChunkData) == 0 {
		return nil, nil
	}
	return ParseChunks(b.ChunkData)
}
