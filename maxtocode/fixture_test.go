package maxtocode

import (
	"encoding/binary"
	"testing"

	"mcdump/perw"
)

// Synthetic packed image: one section mapped at RVA 0x2000 from file offset
// 0x1000, so the first page of the file is the mapped header page.
const (
	fixtureFileSize      = 0x8000
	fixtureSectionRva    = 0x2000
	fixtureSectionOffset = 0x1000

	fixtureMcHeaderRva  = 0x3000
	fixtureInfosRva     = 0x5000
	fixtureDataRva      = 0x6000
	fixtureMethodDefRva = 0x8800
	fixtureRvaDispl     = 0x0400

	fixtureRowSize = 14
)

var (
	fixtureColumnOffsets = []int{0, 4, 6, 8, 10, 12}
	fixtureColumnSizes   = []int{4, 2, 2, 2, 2, 2}
)

type fixtureMethodDefs struct {
	offset int64
	rows   uint32
}

func (m fixtureMethodDefs) Rows() uint32               { return m.rows }
func (m fixtureMethodDefs) RowOffset(row uint32) int64 { return m.offset + int64(row)*fixtureRowSize }
func (m fixtureMethodDefs) ColumnOffset(col int) int   { return fixtureColumnOffsets[col] }
func (m fixtureMethodDefs) ColumnSize(col int) int     { return fixtureColumnSizes[col] }

type fixtureFragment struct {
	typ       EncryptionType
	plain     []byte
	encrypted []byte
	index     byte
}

type fixtureRecord struct {
	bodyRva   uint32
	totalSize uint32
	fragments []fixtureFragment
	exOffset  int32
}

type fixtureRow struct {
	bodyRva   uint32
	implFlags uint16
	flags     uint16
	name      uint16
	signature uint16
	paramList uint16
}

type fixture struct {
	t            *testing.T
	key          *mcHeader
	extended     bool
	conventional bool
	records      []fixtureRecord
	rows         []fixtureRow
	markers      map[uint32]uint16
	numMethods   *int32
}

func newFixture(t *testing.T, extended, conventional bool) *fixture {
	t.Helper()
	key := testKey()
	if extended {
		binary.LittleEndian.PutUint32(key.data[extendedLayoutOffset:], extendedLayoutMagic1)
		binary.LittleEndian.PutUint32(key.data[extendedLayoutOffset+4:], extendedLayoutMagic2)
	}
	return &fixture{
		t:            t,
		key:          key,
		extended:     extended,
		conventional: conventional,
		markers:      make(map[uint32]uint16),
	}
}

func (f *fixture) slots() int {
	if f.extended {
		return extendedInfoCount
	}
	return defaultInfoCount
}

func (f *fixture) fragment(typ EncryptionType, plain []byte) fixtureFragment {
	if len(plain) == 0 {
		return fixtureFragment{}
	}
	return fixtureFragment{typ: typ, plain: plain, encrypted: encryptFragment(f.t, f.key, typ, plain)}
}

// addMethod packs body, the plaintext method body, as one record and returns
// it. The header is the first headerLen bytes, exceptions (if any) live at
// exOffset and the code in between is spread over the instruction slots.
func (f *fixture) addMethod(bodyRva uint32, typ EncryptionType, body []byte, headerLen int, exOffset int32) []byte {
	f.t.Helper()
	codeEnd := len(body)
	if exOffset != 0 {
		codeEnd = int(exOffset)
	}

	fragments := make([]fixtureFragment, f.slots())
	fragments[slotHeader] = f.fragment(typ, body[:headerLen])
	if exOffset != 0 {
		fragments[slotExceptions] = f.fragment(typ, body[exOffset:])
	}
	code := body[headerLen:codeEnd]
	parts := f.slots() - slotCode
	chunk := (len(code) + parts - 1) / parts
	for j := slotCode; j < f.slots(); j++ {
		start := min((j-slotCode)*chunk, len(code))
		end := min(start+chunk, len(code))
		fragments[j] = f.fragment(typ, code[start:end])
	}
	for j := range fragments {
		fragments[j].index = byte(j)
	}

	f.records = append(f.records, fixtureRecord{
		bodyRva:   bodyRva,
		totalSize: uint32(len(body)),
		fragments: fragments,
		exOffset:  exOffset,
	})
	f.markers[bodyRva] = encryptedBodyMarker
	return body
}

func (f *fixture) addRow(bodyRva uint32) {
	n := uint16(len(f.rows) + 1)
	f.rows = append(f.rows, fixtureRow{
		bodyRva:   bodyRva,
		implFlags: 0x0000,
		flags:     0x0086 + n,
		name:      0x0100 + n,
		signature: 0x0200 + n,
		paramList: n,
	})
}

func fixtureOffset(rva uint32) int {
	if rva < fixtureSectionRva {
		return int(rva)
	}
	return int(rva - fixtureSectionRva + fixtureSectionOffset)
}

func (f *fixture) methodDefs() fixtureMethodDefs {
	return fixtureMethodDefs{offset: int64(fixtureOffset(fixtureMethodDefRva)), rows: uint32(len(f.rows))}
}

func (f *fixture) build() *perw.PEFile {
	f.t.Helper()
	data := make([]byte, fixtureFileSize)
	data[0], data[1] = 'M', 'Z'
	put32 := func(off int, v uint32) { binary.LittleEndian.PutUint32(data[off:], v) }

	copy(data[fixtureOffset(fixtureMcHeaderRva):], f.key.data)

	var displ, recordDispl uint32
	if f.conventional {
		put32(fixtureOffset(layoutMarkerRva), layoutMarkerValue)
	} else {
		displ, recordDispl = fixtureRvaDispl, recordRvaDispl
		put32(fixtureOffset(layoutMarkerRva), 0x50)
		put32(rvaDisplOffset, displ^peHeaderXorKey)
	}
	put32(mcHeaderRvaOffset, (fixtureMcHeaderRva+displ)^peHeaderXorKey)
	put32(methodInfosRvaOffset, (fixtureInfosRva+displ)^f.key.readUint32(methodInfosKeyOffset))
	put32(encryptedDataRvaOffset, (fixtureDataRva+displ)^f.key.readUint32(encryptedDataKeyOffset))

	numMethods := int32(len(f.records))
	if f.numMethods != nil {
		numMethods = *f.numMethods
	}
	xorKey := uint32(numMethods)
	infos := fixtureOffset(fixtureInfosRva)
	put32(infos, 0x5A5AA5A5)
	put32(infos+4, 0x5A5AA5A5^xorKey)

	structSize := methodInfoHeaderSize + f.slots()*encryptedDataInfoSize
	dataOffset := uint32(0)
	for i, rec := range f.records {
		off := infos + methodInfosStart + i*structSize
		put32(off, (rec.bodyRva+recordDispl)^xorKey)
		put32(off+4, rec.totalSize^xorKey)
		put32(off+8, (rec.bodyRva+recordDispl+fatHeaderMinSize)^xorKey)

		for j, frag := range rec.fragments {
			slot := off + methodInfoHeaderSize + j*encryptedDataInfoSize
			data[slot] = frag.index
			binary.LittleEndian.PutUint16(data[slot+1:], uint16(frag.typ)^uint16(xorKey))
			put32(slot+3, dataOffset^xorKey)
			put32(slot+7, uint32(len(frag.encrypted))^xorKey)
			put32(slot+11, uint32(len(frag.plain))^xorKey)
			if j == slotExceptions {
				put32(slot+15, uint32(rec.exOffset)^xorKey)
			}
			copy(data[fixtureOffset(fixtureDataRva)+int(dataOffset):], frag.encrypted)
			dataOffset += uint32(len(frag.encrypted))
		}
	}
	if fixtureDataRva+dataOffset > fixtureMethodDefRva {
		f.t.Fatalf("fixture encrypted data overflows into the MethodDef table")
	}

	for rva, marker := range f.markers {
		binary.LittleEndian.PutUint16(data[fixtureOffset(rva):], marker)
	}

	for i, row := range f.rows {
		off := fixtureOffset(fixtureMethodDefRva) + i*fixtureRowSize
		put32(off, row.bodyRva)
		binary.LittleEndian.PutUint16(data[off+4:], row.implFlags)
		binary.LittleEndian.PutUint16(data[off+6:], row.flags)
		binary.LittleEndian.PutUint16(data[off+8:], row.name)
		binary.LittleEndian.PutUint16(data[off+10:], row.signature)
		binary.LittleEndian.PutUint16(data[off+12:], row.paramList)
	}

	return &perw.PEFile{
		RawData:  data,
		FileSize: int64(len(data)),
		Sections: []perw.Section{{
			Name:             ".text",
			VirtualAddress:   fixtureSectionRva,
			VirtualSize:      fixtureFileSize - fixtureSectionOffset,
			PointerToRawData: fixtureSectionOffset,
			SizeOfRawData:    fixtureFileSize - fixtureSectionOffset,
		}},
	}
}
