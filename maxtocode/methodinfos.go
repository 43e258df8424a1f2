package maxtocode

import (
	"encoding/binary"
	"fmt"

	log "github.com/sirupsen/logrus"
)

const (
	encryptedDataInfoSize = 0x13
	methodInfoHeaderSize  = 0xC
	methodInfosStart      = 8

	extendedLayoutOffset = 0x08C0
	extendedLayoutMagic1 = 0x6A731B13
	extendedLayoutMagic2 = 0xD72B891F
	extendedInfoCount    = 6
	defaultInfoCount     = 3

	methodInfosRvaOffset   = 0x0FF8
	methodInfosKeyOffset   = 0x005A
	encryptedDataRvaOffset = 0x0FF0
	encryptedDataKeyOffset = 0x0046

	recordRvaDispl = 0x1000
)

// Fragment slots inside a method record.
const (
	slotHeader     = 0
	slotExceptions = 1
	slotCode       = 2
)

// DecryptedMethod is a reassembled method body as the compiler emitted it,
// keyed by the RVA its MethodDef row points at.
type DecryptedMethod struct {
	BodyRva uint32
	Body    []byte
}

type methodInfos struct {
	image               Image
	mcHeader            *mcHeader
	structSize          uint32
	numInfos            int
	methodInfosOffset   int64
	encryptedDataOffset int64
	xorKey              uint32
	infos               map[uint32]*DecryptedMethod

	log   *log.Entry
	stats *Stats
}

func newMethodInfos(img Image, ph *peHeader, mc *mcHeader, logger *log.Entry, stats *Stats) *methodInfos {
	mi := &methodInfos{
		image:    img,
		mcHeader: mc,
		infos:    make(map[uint32]*DecryptedMethod),
		log:      logger,
		stats:    stats,
	}

	mi.numInfos = defaultInfoCount
	if mc.hasMagic(extendedLayoutOffset, extendedLayoutMagic1, extendedLayoutMagic2) {
		mi.numInfos = extendedInfoCount
	}
	mi.structSize = methodInfoHeaderSize + uint32(mi.numInfos)*encryptedDataInfoSize

	methodInfosRva := ph.getRva(methodInfosRvaOffset, mc.readUint32(methodInfosKeyOffset))
	encryptedDataRva := ph.getRva(encryptedDataRvaOffset, mc.readUint32(encryptedDataKeyOffset))
	mi.methodInfosOffset = img.RvaToOffset(methodInfosRva)
	mi.encryptedDataOffset = img.RvaToOffset(encryptedDataRva)

	logger.WithFields(log.Fields{
		"fragments":     mi.numInfos,
		"methodInfos":   fmt.Sprintf("0x%08x", methodInfosRva),
		"encryptedData": fmt.Sprintf("0x%08x", encryptedDataRva),
	}).Debug("located method records")

	return mi
}

func (mi *methodInfos) lookup(bodyRva uint32) *DecryptedMethod {
	return mi.infos[bodyRva]
}

// record is one method record with the xor key already known.
type record struct {
	data   []byte
	xorKey uint32
}

func (r record) readByte(offset int) byte {
	return r.data[offset]
}

func (r record) readEncryptedInt16(offset int) int16 {
	return int16(binary.LittleEndian.Uint16(r.data[offset:]) ^ uint16(r.xorKey))
}

func (r record) readEncryptedUint32(offset int) uint32 {
	return binary.LittleEndian.Uint32(r.data[offset:]) ^ r.xorKey
}

func (r record) readEncryptedInt32(offset int) int32 {
	return int32(r.readEncryptedUint32(offset))
}

type encryptedDataInfo struct {
	index          byte
	encryptionType EncryptionType
	dataOffset     uint32
	encryptedSize  uint32
	realSize       uint32
}

func (r record) dataInfo(slot int) encryptedDataInfo {
	offset := methodInfoHeaderSize + slot*encryptedDataInfoSize
	return encryptedDataInfo{
		index:          r.readByte(offset),
		encryptionType: EncryptionType(r.readEncryptedInt16(offset + 1)),
		dataOffset:     r.readEncryptedUint32(offset + 3),
		encryptedSize:  r.readEncryptedUint32(offset + 7),
		realSize:       r.readEncryptedUint32(offset + 11),
	}
}

// initialize decrypts every method record. Later records overwrite earlier
// ones with the same body RVA.
func (mi *methodInfos) initialize() (map[uint32]*DecryptedMethod, error) {
	counts, err := mi.image.ReadBytes(mi.methodInfosOffset, methodInfosStart)
	if err != nil {
		return nil, fmt.Errorf("failed to read method record count: %w", err)
	}
	numMethods := int32(binary.LittleEndian.Uint32(counts[0:])) ^ int32(binary.LittleEndian.Uint32(counts[4:]))
	if numMethods < 0 {
		return nil, formatError("invalid number of encrypted methods: %d", numMethods)
	}
	mi.xorKey = uint32(numMethods)

	conventional, err := hasConventionalLayout(mi.image)
	if err != nil {
		return nil, err
	}
	var rvaDispl uint32
	if !conventional {
		rvaDispl = recordRvaDispl
	}

	offset := mi.methodInfosOffset + methodInfosStart
	for i := int32(0); i < numMethods; i, offset = i+1, offset+int64(mi.structSize) {
		data, err := mi.image.ReadBytes(offset, int(mi.structSize))
		if err != nil {
			return nil, fmt.Errorf("failed to read method record %d: %w", i, err)
		}
		info, err := mi.decryptRecord(record{data: data, xorKey: mi.xorKey}, rvaDispl)
		if err != nil {
			return nil, fmt.Errorf("method record %d: %w", i, err)
		}
		mi.infos[info.BodyRva] = info
		mi.stats.Records++
	}

	return mi.infos, nil
}

func (mi *methodInfos) decryptRecord(r record, rvaDispl uint32) (*DecryptedMethod, error) {
	methodBodyRva := r.readEncryptedUint32(0) - rvaDispl
	totalSize := r.readEncryptedUint32(4)
	// The instruction RVA at +8 duplicates what the header fragment encodes.

	if int64(totalSize) > mi.image.Size() {
		return nil, formatError("method body at RVA 0x%08x claims %d bytes", methodBodyRva, totalSize)
	}

	// Slot 0 is the method header, slot 1 the exception clauses or padding
	// (absent when exOffset is 0), the rest are instructions in order.
	fragments := make([][]byte, mi.numInfos)
	var exOffset int32
	for j := range fragments {
		info := r.dataInfo(j)
		if int(info.index) != j {
			mi.stats.IndexMismatches++
			mi.log.WithFields(log.Fields{
				"rva":   fmt.Sprintf("0x%08x", methodBodyRva),
				"slot":  j,
				"index": info.index,
			}).Debug("fragment index does not match its slot")
		}

		if j == slotExceptions {
			exOffset = r.readEncryptedInt32(methodInfoHeaderSize + j*encryptedDataInfoSize + 15)
			if exOffset == 0 {
				continue
			}
		}

		fragment, err := mi.decrypt(info)
		if err != nil {
			return nil, err
		}
		fragments[j] = fragment
	}

	decryptedData := make([]byte, totalSize)
	copyOffset, err := copyData(decryptedData, fragments[slotHeader], 0)
	if err != nil {
		return nil, err
	}
	for j := slotCode; j < len(fragments); j++ {
		if copyOffset, err = copyData(decryptedData, fragments[j], copyOffset); err != nil {
			return nil, err
		}
	}
	if _, err := copyData(decryptedData, fragments[slotExceptions], int64(exOffset)); err != nil {
		return nil, err
	}

	return &DecryptedMethod{BodyRva: methodBodyRva, Body: decryptedData}, nil
}

func copyData(dest, source []byte, offset int64) (int64, error) {
	if source == nil {
		return offset, nil
	}
	if offset < 0 || offset+int64(len(source)) > int64(len(dest)) {
		return 0, formatError("fragment of %d bytes at offset %d overflows %d byte method body",
			len(source), offset, len(dest))
	}
	copy(dest[offset:], source)
	return offset + int64(len(source)), nil
}

func (mi *methodInfos) decrypt(info encryptedDataInfo) ([]byte, error) {
	if info.realSize == 0 {
		return nil, nil
	}
	if info.realSize > info.encryptedSize {
		return nil, formatError("invalid realSize %d > encrypted size %d", info.realSize, info.encryptedSize)
	}

	encrypted, err := mi.image.ReadBytes(mi.encryptedDataOffset+int64(info.dataOffset), int(info.encryptedSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read encrypted fragment: %w", err)
	}
	return decryptFragment(mi.mcHeader, info.encryptionType, encrypted, info.realSize)
}
