package perw

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Binject/debug/pe"
	"github.com/edsrzf/mmap-go"
	log "github.com/sirupsen/logrus"
)

var (
	ErrNotPE            = errors.New("not a PE file")
	ErrNotDotNet        = errors.New("no CLI header")
	ErrNoMethodDefTable = errors.New("no MethodDef table")
)

// Open maps filename read-only and parses it. The mapping is released by Close.
func Open(filename string) (*PEFile, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer func(file *os.File) {
		_ = file.Close()
	}(file)

	fileInfo, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to get file info: %w", err)
	}
	if fileInfo.Size() == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrNotPE)
	}

	mapping, err := mmap.Map(file, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to map file: %w", err)
	}

	pf, err := NewPEFileFromBytes(mapping)
	if err != nil {
		_ = mapping.Unmap()
		return nil, err
	}
	pf.FileName = filename
	pf.mapping = mapping
	return pf, nil
}

// NewPEFileFromBytes parses an in-memory image. data is not copied.
func NewPEFileFromBytes(data []byte) (*PEFile, error) {
	if err := validateDOSHeader(data); err != nil {
		return nil, err
	}

	pf := &PEFile{
		RawData:  data,
		FileSize: int64(len(data)),
	}

	peLibFile, err := pe.NewFile(bytes.NewReader(data))
	if err != nil {
		log.WithError(err).Warn("PE parser rejected the image, falling back to raw header parsing")
	} else {
		pf.PE = peLibFile
	}

	if err := pf.parseAllPEComponents(); err != nil {
		return nil, err
	}
	return pf, nil
}

func (p *PEFile) parseAllPEComponents() error {
	if err := p.parseHeaders(); err != nil {
		return fmt.Errorf("headers: %w", err)
	}
	if err := p.parseSections(); err != nil {
		return fmt.Errorf("sections: %w", err)
	}
	p.IsPacked = isLikelyPacked(p.Sections)
	return nil
}

func (p *PEFile) parseSections() error {
	p.Sections = make([]Section, 0)

	if p.PE == nil || p.PE.Sections == nil {
		return p.parseBasicSectionsFromRaw()
	}

	for i, s := range p.PE.Sections {
		if s == nil {
			continue
		}
		section := p.parseSectionBase(i, s)
		p.fillSectionEntropy(&section)
		p.Sections = append(p.Sections, section)
	}
	return nil
}

func (p *PEFile) parseSectionBase(i int, s *pe.Section) Section {
	return Section{
		Name:             strings.TrimRight(s.Name, "\x00"),
		VirtualAddress:   s.VirtualAddress,
		VirtualSize:      s.VirtualSize,
		PointerToRawData: s.Offset,
		SizeOfRawData:    s.Size,
		Index:            i,
		Flags:            s.Characteristics,
		IsExecutable:     (s.Characteristics & scnMemExecute) != 0,
		IsReadable:       (s.Characteristics & scnMemRead) != 0,
		IsWritable:       (s.Characteristics & scnMemWrite) != 0,
	}
}

func (p *PEFile) fillSectionEntropy(section *Section) {
	end := int64(section.PointerToRawData) + int64(section.SizeOfRawData)
	if section.SizeOfRawData > 0 && end <= int64(len(p.RawData)) {
		section.Entropy = CalculateEntropy(p.RawData[section.PointerToRawData:end])
	}
}

func validateDOSHeader(data []byte) error {
	if len(data) < 64 {
		return fmt.Errorf("%w: file too small to be a valid PE file", ErrNotPE)
	}
	if data[0] != 'M' || data[1] != 'Z' {
		return fmt.Errorf("%w: invalid DOS header signature", ErrNotPE)
	}
	return nil
}

func (p *PEFile) parseHeaders() error {
	if p.PE == nil || p.PE.OptionalHeader == nil {
		return p.parseBasicHeadersFromRaw()
	}

	switch oh := p.PE.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		p.imageBase = uint64(oh.ImageBase)
		p.sizeOfImage = oh.SizeOfImage
		p.sizeOfHeaders = oh.SizeOfHeaders
		p.directories = convertDirectories(oh.DataDirectory[:], oh.NumberOfRvaAndSizes)
	case *pe.OptionalHeader64:
		p.Is64Bit = true
		p.imageBase = oh.ImageBase
		p.sizeOfImage = oh.SizeOfImage
		p.sizeOfHeaders = oh.SizeOfHeaders
		p.directories = convertDirectories(oh.DataDirectory[:], oh.NumberOfRvaAndSizes)
	default:
		return fmt.Errorf("unsupported optional header type")
	}

	p.extractMachineType(p.PE.FileHeader.Machine)
	p.extractTimeDateStamp(p.PE.FileHeader.TimeDateStamp)
	return nil
}

func convertDirectories(dirs []pe.DataDirectory, count uint32) []DataDirectory {
	if int(count) < len(dirs) {
		dirs = dirs[:count]
	}
	out := make([]DataDirectory, len(dirs))
	for i, d := range dirs {
		out[i] = DataDirectory{VirtualAddress: d.VirtualAddress, Size: d.Size}
	}
	return out
}

// Close releases the file mapping when the image came from Open.
func (p *PEFile) Close() error {
	if p.mapping == nil {
		return nil
	}
	if err := p.mapping.Unmap(); err != nil {
		return fmt.Errorf("failed to unmap file: %w", err)
	}
	p.mapping = nil
	p.RawData = nil
	return nil
}

func (p *PEFile) ImageBase() uint64 {
	return p.imageBase
}

func (p *PEFile) SizeOfImage() uint32 {
	return p.sizeOfImage
}

func (p *PEFile) SizeOfHeaders() uint32 {
	return p.sizeOfHeaders
}

func (p *PEFile) Directories() []DataDirectory {
	return p.directories
}

// SectionHeaders returns the section table in file order.
func (p *PEFile) SectionHeaders() []Section {
	return p.Sections
}

func (p *PEFile) extractMachineType(machine uint16) {
	switch machine {
	case 0x014c:
		p.Machine = "i386"
	case 0x8664:
		p.Machine = "amd64"
	case 0x01c0:
		p.Machine = "arm"
	case 0xaa64:
		p.Machine = "arm64"
	default:
		p.Machine = fmt.Sprintf("unknown(0x%x)", machine)
	}
}

func (p *PEFile) extractTimeDateStamp(timestamp uint32) {
	if timestamp != 0 {
		p.TimeDateStamp = time.Unix(int64(timestamp), 0).UTC().Format("2006-01-02 15:04:05 UTC")
	} else {
		p.TimeDateStamp = "Not set"
	}
}

func (p *PEFile) sanitizeSectionName(nameBytes []byte) string {
	name := strings.TrimRight(string(nameBytes), "\x00")

	for _, r := range name {
		if r < 32 || r > 126 {
			return fmt.Sprintf("<mangled_%d>", len(p.Sections))
		}
	}
	if len(name) == 0 {
		return fmt.Sprintf("<stripped_%d>", len(p.Sections))
	}
	return name
}

// parseBasicSectionsFromRaw walks the section table directly. Packers routinely
// leave headers that the stdlib-derived parser refuses.
func (p *PEFile) parseBasicSectionsFromRaw() error {
	offsets, err := p.calculateOffsets()
	if err != nil {
		return err
	}

	sectionHeadersOffset := int(offsets.FirstSectionHdr)
	numSections := offsets.NumberOfSections
	if sectionHeadersOffset+numSections*sectionHeaderSize > len(p.RawData) {
		return fmt.Errorf("section headers extend beyond file")
	}

	for i := 0; i < numSections; i++ {
		hdr := p.RawData[sectionHeadersOffset+i*sectionHeaderSize:]

		section := Section{
			Name:             p.sanitizeSectionName(hdr[0:8]),
			VirtualSize:      binary.LittleEndian.Uint32(hdr[8:12]),
			VirtualAddress:   binary.LittleEndian.Uint32(hdr[12:16]),
			SizeOfRawData:    binary.LittleEndian.Uint32(hdr[16:20]),
			PointerToRawData: binary.LittleEndian.Uint32(hdr[20:24]),
			Flags:            binary.LittleEndian.Uint32(hdr[36:40]),
			Index:            i,
		}
		section.IsExecutable = section.Flags&scnMemExecute != 0
		section.IsReadable = section.Flags&scnMemRead != 0
		section.IsWritable = section.Flags&scnMemWrite != 0

		p.fillSectionEntropy(&section)
		p.Sections = append(p.Sections, section)
	}

	return nil
}

func (p *PEFile) parseBasicHeadersFromRaw() error {
	offsets, err := p.calculateOffsets()
	if err != nil {
		return err
	}

	coff := p.RawData[offsets.ELfanew+peSignatureSize:]
	p.extractMachineType(binary.LittleEndian.Uint16(coff[0:2]))
	p.extractTimeDateStamp(binary.LittleEndian.Uint32(coff[4:8]))

	opt := int(offsets.OptionalHeader)
	if opt+2 > len(p.RawData) {
		return fmt.Errorf("file too small for optional header")
	}

	var dirOffset int
	switch magic := binary.LittleEndian.Uint16(p.RawData[opt:]); magic {
	case pe32Magic:
		dirOffset = opt + 96
		if opt+64 <= len(p.RawData) {
			p.imageBase = uint64(binary.LittleEndian.Uint32(p.RawData[opt+28:]))
		}
	case pe32PlusMagic:
		p.Is64Bit = true
		dirOffset = opt + 112
		if opt+64 <= len(p.RawData) {
			p.imageBase = binary.LittleEndian.Uint64(p.RawData[opt+24:])
		}
	default:
		return fmt.Errorf("unknown optional header magic 0x%x", magic)
	}
	if opt+64 <= len(p.RawData) {
		p.sizeOfImage = binary.LittleEndian.Uint32(p.RawData[opt+56:])
		p.sizeOfHeaders = binary.LittleEndian.Uint32(p.RawData[opt+60:])
	}

	if dirOffset > len(p.RawData) {
		return fmt.Errorf("file too small for data directories")
	}
	count := int(binary.LittleEndian.Uint32(p.RawData[dirOffset-4:]))
	if count > 16 {
		count = 16
	}
	end := opt + offsets.OptionalHdrSize
	p.directories = make([]DataDirectory, 0, count)
	for i := 0; i < count && dirOffset+i*8+8 <= end && dirOffset+i*8+8 <= len(p.RawData); i++ {
		d := p.RawData[dirOffset+i*8:]
		p.directories = append(p.directories, DataDirectory{
			VirtualAddress: binary.LittleEndian.Uint32(d[0:4]),
			Size:           binary.LittleEndian.Uint32(d[4:8]),
		})
	}
	return nil
}

func isLikelyPacked(sections []Section) bool {
	var (
		highEntropyCount int
		total            int
		sumEntropy       float64
	)
	for _, s := range sections {
		if s.SizeOfRawData == 0 {
			continue
		}
		total++
		sumEntropy += s.Entropy
		if s.Entropy > 7.0 {
			highEntropyCount++
		}
	}
	if total == 0 {
		return false
	}
	avgEntropy := sumEntropy / float64(total)
	percentHigh := float64(highEntropyCount) / float64(total)

	return percentHigh > 0.5 || avgEntropy > 6.8
}
