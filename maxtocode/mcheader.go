package maxtocode

import (
	"encoding/binary"
	"fmt"
)

const mcHeaderSize = 0x2000

// mcHeader is the packer's own header. Besides layout markers it is the key
// material for every cipher.
type mcHeader struct {
	data []byte
}

func newMCHeader(img Image, ph *peHeader) (*mcHeader, error) {
	rva := ph.mcHeaderRva()
	src, err := img.ReadBytes(img.RvaToOffset(rva), mcHeaderSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read packer header at RVA 0x%08x: %w", rva, err)
	}
	data := make([]byte, mcHeaderSize)
	copy(data, src)
	return &mcHeader{data: data}, nil
}

func (h *mcHeader) hasMagic(offset int, magic1, magic2 uint32) bool {
	return h.readUint32(offset) == magic1 && h.readUint32(offset+4) == magic2
}

func (h *mcHeader) readByte(offset int) byte {
	return h.data[offset]
}

func (h *mcHeader) readUint32(offset int) uint32 {
	return binary.LittleEndian.Uint32(h.data[offset:])
}
