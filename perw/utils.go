package perw

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

const (
	dosHeaderSize     = 0x40
	peSignatureSize   = 4
	coffHeaderSize    = 20
	sectionHeaderSize = 40

	pe32Magic     = 0x10b
	pe32PlusMagic = 0x20b

	scnMemExecute = 0x20000000
	scnMemRead    = 0x40000000
	scnMemWrite   = 0x80000000
)

func CalculateEntropy(data []byte) float64 {
	if len(data) == 0 {
		return 0.0
	}
	freq := make([]int, 256)
	for _, b := range data {
		freq[b]++
	}
	entropy := 0.0
	length := float64(len(data))
	for _, count := range freq {
		if count > 0 {
			p := float64(count) / length
			entropy -= p * math.Log2(p)
		}
	}
	return entropy
}

type PEOffsets struct {
	ELfanew          int64
	OptionalHeader   int64
	FirstSectionHdr  int64
	NumberOfSections int
	OptionalHdrSize  int
}

func (p *PEFile) calculateOffsets() (*PEOffsets, error) {
	if len(p.RawData) < dosHeaderSize {
		return nil, fmt.Errorf("file too small for DOS header")
	}

	offsets := &PEOffsets{
		ELfanew: int64(binary.LittleEndian.Uint32(p.RawData[0x3C:0x40])),
	}

	coffHeaderOffset := offsets.ELfanew + peSignatureSize
	offsets.OptionalHeader = coffHeaderOffset + coffHeaderSize

	if coffHeaderOffset+coffHeaderSize > int64(len(p.RawData)) {
		return nil, fmt.Errorf("file too small for COFF header")
	}
	if string(p.RawData[offsets.ELfanew:coffHeaderOffset]) != "PE\x00\x00" {
		return nil, fmt.Errorf("%w: invalid PE signature", ErrNotPE)
	}

	offsets.NumberOfSections = int(binary.LittleEndian.Uint16(p.RawData[coffHeaderOffset+2 : coffHeaderOffset+4]))
	offsets.OptionalHdrSize = int(binary.LittleEndian.Uint16(p.RawData[coffHeaderOffset+16 : coffHeaderOffset+18]))
	offsets.FirstSectionHdr = offsets.OptionalHeader + int64(offsets.OptionalHdrSize)

	return offsets, nil
}

func (p *PEFile) GetSectionByName(name string) (*Section, error) {
	for i := range p.Sections {
		if strings.EqualFold(p.Sections[i].Name, name) {
			return &p.Sections[i], nil
		}
	}
	return nil, fmt.Errorf("section '%s' not found", name)
}

// RvaToOffset translates rva through the section table. An RVA outside every
// section maps to itself, which is where the headers live.
func (p *PEFile) RvaToOffset(rva uint32) int64 {
	for _, s := range p.Sections {
		size := max(s.VirtualSize, s.SizeOfRawData)
		if rva >= s.VirtualAddress && uint64(rva) < uint64(s.VirtualAddress)+uint64(size) {
			return int64(rva-s.VirtualAddress) + int64(s.PointerToRawData)
		}
	}
	return int64(rva)
}

func (p *PEFile) validateOffset(offset int64, size int) error {
	if offset < 0 || size < 0 {
		return fmt.Errorf("offset (%d) or size (%d) cannot be negative", offset, size)
	}
	if offset+int64(size) > int64(len(p.RawData)) {
		return fmt.Errorf("read beyond file limits: offset %d, size %d, file len %d",
			offset, size, len(p.RawData))
	}
	return nil
}

// ReadBytes returns a view into the image, it does not copy.
func (p *PEFile) ReadBytes(offset int64, size int) ([]byte, error) {
	if err := p.validateOffset(offset, size); err != nil {
		return nil, err
	}
	return p.RawData[offset : offset+int64(size)], nil
}

func (p *PEFile) ReadUint8(offset int64) (uint8, error) {
	if err := p.validateOffset(offset, 1); err != nil {
		return 0, err
	}
	return p.RawData[offset], nil
}

func (p *PEFile) ReadUint16(offset int64) (uint16, error) {
	if err := p.validateOffset(offset, 2); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(p.RawData[offset:]), nil
}

func (p *PEFile) ReadUint32(offset int64) (uint32, error) {
	if err := p.validateOffset(offset, 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(p.RawData[offset:]), nil
}

func (p *PEFile) Size() int64 {
	return int64(len(p.RawData))
}
