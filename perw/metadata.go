package perw

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/go-restruct/restruct"
	log "github.com/sirupsen/logrus"
)

const (
	clrDirectoryIndex = 14

	cor20HeaderSize     = 0x48
	metadataRootSize    = 16
	tablesHeaderSize    = 24
	metadataSignature   = 0x424A5342 // "BSJB"
	maxStreamNameLength = 32

	heapStringsWide = 0x01
	heapGUIDWide    = 0x02
	heapBlobWide    = 0x04
	heapExtraData   = 0x40
)

// Metadata table numbers, ECMA-335 II.22.
const (
	tableModule      = 0x00
	tableTypeRef     = 0x01
	tableTypeDef     = 0x02
	tableFieldPtr    = 0x03
	tableField       = 0x04
	tableMethodPtr   = 0x05
	tableMethodDef   = 0x06
	tableParam       = 0x08
	tableModuleRef   = 0x1A
	tableTypeSpec    = 0x1B
	tableAssemblyRef = 0x23
)

var (
	codedResolutionScope = []int{tableModule, tableModuleRef, tableAssemblyRef, tableTypeRef}
	codedTypeDefOrRef    = []int{tableTypeDef, tableTypeRef, tableTypeSpec}
)

type Cor20Header struct {
	Cb                      uint32
	MajorRuntimeVersion     uint16
	MinorRuntimeVersion     uint16
	MetaData                DataDirectory
	Flags                   uint32
	EntryPointToken         uint32
	Resources               DataDirectory
	StrongNameSignature     DataDirectory
	CodeManagerTable        DataDirectory
	VTableFixups            DataDirectory
	ExportAddressTableJumps DataDirectory
	ManagedNativeHeader     DataDirectory
}

type metadataRoot struct {
	Signature    uint32
	MajorVersion uint16
	MinorVersion uint16
	Reserved     uint32
	Length       uint32
}

type tablesHeader struct {
	Reserved     uint32
	MajorVersion uint8
	MinorVersion uint8
	HeapSizes    uint8
	Reserved2    uint8
	Valid        uint64
	Sorted       uint64
}

type StreamHeader struct {
	Name   string
	Offset uint32
	Size   uint32
}

type Metadata struct {
	Header     Cor20Header
	Version    string
	FileOffset int64
	Streams    []StreamHeader

	heapSizes   uint8
	valid       uint64
	rowCounts   [64]uint32
	tablesStart int64
}

// MetadataTable is the on-disk layout of one metadata table.
type MetadataTable struct {
	Number     int
	FileOffset int64
	RowCount   uint32
	RowSize    uint32

	columnOffsets []int
	columnSizes   []int
}

func (t *MetadataTable) Rows() uint32 {
	return t.RowCount
}

func (t *MetadataTable) RowOffset(row uint32) int64 {
	return t.FileOffset + int64(row)*int64(t.RowSize)
}

func (t *MetadataTable) ColumnOffset(col int) int {
	return t.columnOffsets[col]
}

func (t *MetadataTable) ColumnSize(col int) int {
	return t.columnSizes[col]
}

// Metadata locates and parses the CLI header, the metadata root and the
// tables stream header. The result is cached.
func (p *PEFile) Metadata() (*Metadata, error) {
	if p.metadata != nil {
		return p.metadata, nil
	}

	if len(p.directories) <= clrDirectoryIndex || p.directories[clrDirectoryIndex].VirtualAddress == 0 {
		return nil, ErrNotDotNet
	}

	md := &Metadata{}
	cor20Offset := p.RvaToOffset(p.directories[clrDirectoryIndex].VirtualAddress)
	if err := p.unpackAt(cor20Offset, cor20HeaderSize, &md.Header); err != nil {
		return nil, fmt.Errorf("failed to read CLI header: %w", err)
	}

	md.FileOffset = p.RvaToOffset(md.Header.MetaData.VirtualAddress)
	var root metadataRoot
	if err := p.unpackAt(md.FileOffset, metadataRootSize, &root); err != nil {
		return nil, fmt.Errorf("failed to read metadata root: %w", err)
	}
	if root.Signature != metadataSignature {
		return nil, fmt.Errorf("%w: bad metadata signature 0x%08x", ErrNotDotNet, root.Signature)
	}

	version, err := p.ReadBytes(md.FileOffset+metadataRootSize, int(root.Length))
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata version: %w", err)
	}
	md.Version = string(bytes.TrimRight(version, "\x00"))

	pos := md.FileOffset + metadataRootSize + int64(root.Length)
	numStreams, err := p.ReadUint16(pos + 2)
	if err != nil {
		return nil, fmt.Errorf("failed to read stream count: %w", err)
	}
	pos += 4

	var tables *StreamHeader
	for s := uint16(0); s < numStreams; s++ {
		stream, next, err := p.readStreamHeader(pos)
		if err != nil {
			return nil, err
		}
		md.Streams = append(md.Streams, stream)
		if stream.Name == "#~" || stream.Name == "#-" {
			tables = &md.Streams[len(md.Streams)-1]
		}
		pos = next
	}
	if tables == nil {
		return nil, fmt.Errorf("%w: no tables stream", ErrNotDotNet)
	}

	if err := p.parseTablesHeader(md, md.FileOffset+int64(tables.Offset)); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"version": md.Version,
		"streams": len(md.Streams),
		"tables":  bits.OnesCount64(md.valid),
	}).Debug("parsed CLI metadata")

	p.metadata = md
	return md, nil
}

func (p *PEFile) unpackAt(offset int64, size int, v interface{}) error {
	buf, err := p.ReadBytes(offset, size)
	if err != nil {
		return err
	}
	return restruct.Unpack(buf, binary.LittleEndian, v)
}

func (p *PEFile) readStreamHeader(pos int64) (StreamHeader, int64, error) {
	var stream StreamHeader
	var err error
	if stream.Offset, err = p.ReadUint32(pos); err != nil {
		return stream, 0, fmt.Errorf("failed to read stream header: %w", err)
	}
	if stream.Size, err = p.ReadUint32(pos + 4); err != nil {
		return stream, 0, fmt.Errorf("failed to read stream header: %w", err)
	}

	limit := min(maxStreamNameLength, len(p.RawData)-int(pos+8))
	name, err := p.ReadBytes(pos+8, max(limit, 0))
	if err != nil {
		return stream, 0, fmt.Errorf("failed to read stream name: %w", err)
	}
	end := bytes.IndexByte(name, 0)
	if end < 0 {
		return stream, 0, fmt.Errorf("unterminated stream name at offset 0x%x", pos+8)
	}
	stream.Name = string(name[:end])

	return stream, pos + 8 + int64((end+1+3)&^3), nil
}

func (p *PEFile) parseTablesHeader(md *Metadata, offset int64) error {
	var hdr tablesHeader
	if err := p.unpackAt(offset, tablesHeaderSize, &hdr); err != nil {
		return fmt.Errorf("failed to read tables header: %w", err)
	}
	md.heapSizes = hdr.HeapSizes
	md.valid = hdr.Valid

	pos := offset + tablesHeaderSize
	for i := range md.rowCounts {
		if hdr.Valid&(1<<uint(i)) == 0 {
			continue
		}
		rows, err := p.ReadUint32(pos)
		if err != nil {
			return fmt.Errorf("failed to read row count of table 0x%02x: %w", i, err)
		}
		md.rowCounts[i] = rows
		pos += 4
	}
	if hdr.HeapSizes&heapExtraData != 0 {
		pos += 4
	}
	md.tablesStart = pos
	return nil
}

func (md *Metadata) RowCount(table int) uint32 {
	return md.rowCounts[table]
}

func (md *Metadata) heapIndexSize(flag uint8) int {
	if md.heapSizes&flag != 0 {
		return 4
	}
	return 2
}

func (md *Metadata) indexSize(table int) int {
	if md.rowCounts[table] > 0xFFFF {
		return 4
	}
	return 2
}

func (md *Metadata) codedIndexSize(tables []int) int {
	tagBits := bits.Len(uint(len(tables) - 1))
	for _, t := range tables {
		if md.rowCounts[t] >= 1<<(16-tagBits) {
			return 4
		}
	}
	return 2
}

func (md *Metadata) columnSizes(table int) ([]int, error) {
	str := md.heapIndexSize(heapStringsWide)
	guid := md.heapIndexSize(heapGUIDWide)
	blob := md.heapIndexSize(heapBlobWide)

	switch table {
	case tableModule:
		return []int{2, str, guid, guid, guid}, nil
	case tableTypeRef:
		return []int{md.codedIndexSize(codedResolutionScope), str, str}, nil
	case tableTypeDef:
		return []int{4, str, str, md.codedIndexSize(codedTypeDefOrRef), md.indexSize(tableField), md.indexSize(tableMethodDef)}, nil
	case tableFieldPtr:
		return []int{md.indexSize(tableField)}, nil
	case tableField:
		return []int{2, str, blob}, nil
	case tableMethodPtr:
		return []int{md.indexSize(tableMethodDef)}, nil
	case tableMethodDef:
		return []int{4, 2, 2, str, blob, md.indexSize(tableParam)}, nil
	}
	return nil, fmt.Errorf("no column layout for table 0x%02x", table)
}

// Table returns the layout of table. Only tables up to MethodDef are supported
// because every table before it has to be sized to find it.
func (md *Metadata) Table(table int) (*MetadataTable, error) {
	if md.valid&(1<<uint(table)) == 0 {
		return nil, fmt.Errorf("table 0x%02x not present", table)
	}

	offset := md.tablesStart
	for t := 0; t < table; t++ {
		if md.valid&(1<<uint(t)) == 0 {
			continue
		}
		sizes, err := md.columnSizes(t)
		if err != nil {
			return nil, err
		}
		offset += int64(md.rowCounts[t]) * int64(sum(sizes))
	}

	sizes, err := md.columnSizes(table)
	if err != nil {
		return nil, err
	}
	mt := &MetadataTable{
		Number:      table,
		FileOffset:  offset,
		RowCount:    md.rowCounts[table],
		RowSize:     uint32(sum(sizes)),
		columnSizes: sizes,
	}
	col := 0
	for _, size := range sizes {
		mt.columnOffsets = append(mt.columnOffsets, col)
		col += size
	}
	return mt, nil
}

// MethodDefTable returns the MethodDef table layout of a .NET image.
func (p *PEFile) MethodDefTable() (*MetadataTable, error) {
	md, err := p.Metadata()
	if err != nil {
		return nil, err
	}
	if md.valid&(1<<tableMethodDef) == 0 {
		return nil, ErrNoMethodDefTable
	}
	return md.Table(tableMethodDef)
}

func sum(values []int) int {
	total := 0
	for _, v := range values {
		total += v
	}
	return total
}
