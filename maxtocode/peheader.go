package maxtocode

import (
	"encoding/binary"
	"fmt"
)

const (
	peHeaderSize      = 0x1000
	peHeaderXorKey    = 0x7ABF931
	rvaDisplOffset    = 0x0FB4
	mcHeaderRvaOffset = 0x0FFC

	// The dword at this RVA is the CLI header size (0x48) in images laid out
	// the way the compiler left them. Older packer builds keep that layout
	// and use no RVA displacement.
	layoutMarkerRva   = 0x2008
	layoutMarkerValue = 0x48
)

// peHeader is the first page of the image as the loader would map it. The
// packer hides its own pointers in the slack at the end of that page.
type peHeader struct {
	data     []byte
	rvaDispl uint32
}

func newPEHeader(img Image) (*peHeader, error) {
	data, err := readHeaderSnapshot(img)
	if err != nil {
		return nil, err
	}
	h := &peHeader{data: data}

	conventional, err := hasConventionalLayout(img)
	if err != nil {
		return nil, err
	}
	if !conventional {
		h.rvaDispl = h.readUint32(rvaDisplOffset) ^ peHeaderXorKey
	}
	return h, nil
}

func hasConventionalLayout(img Image) (bool, error) {
	marker, err := img.ReadUint32(img.RvaToOffset(layoutMarkerRva))
	if err != nil {
		return false, fmt.Errorf("failed to read layout marker: %w", err)
	}
	return marker == layoutMarkerValue, nil
}

// readHeaderSnapshot copies the file headers, then overlays every section
// that starts inside the first page. Copies are clamped, never failed.
func readHeaderSnapshot(img Image) ([]byte, error) {
	sections := img.SectionHeaders()
	if len(sections) == 0 {
		return nil, formatError("image has no sections")
	}

	data := make([]byte, peHeaderSize)
	readTo(img, data, 0, 0, sections[0].PointerToRawData)
	for _, s := range sections {
		if s.VirtualAddress >= uint32(len(data)) {
			continue
		}
		readTo(img, data, int(s.VirtualAddress), int64(s.PointerToRawData), s.SizeOfRawData)
	}
	return data, nil
}

func readTo(img Image, data []byte, destOffset int, imageOffset int64, maxLength uint32) {
	if destOffset > len(data) {
		return
	}
	length := min(int64(len(data)-destOffset), int64(maxLength), img.Size()-imageOffset)
	if length <= 0 {
		return
	}
	src, err := img.ReadBytes(imageOffset, int(length))
	if err != nil {
		return
	}
	copy(data[destOffset:], src)
}

func (h *peHeader) hasMagic(offset int, magic1, magic2 uint32) bool {
	return h.readUint32(offset) == magic1 && h.readUint32(offset+4) == magic2
}

func (h *peHeader) mcHeaderRva() uint32 {
	return h.getRva(mcHeaderRvaOffset, peHeaderXorKey)
}

func (h *peHeader) getRva(offset int, xorKey uint32) uint32 {
	return (h.readUint32(offset) ^ xorKey) - h.rvaDispl
}

func (h *peHeader) readUint32(offset int) uint32 {
	return binary.LittleEndian.Uint32(h.data[offset:])
}
