package maxtocode

import (
	"bytes"
	"encoding/binary"
)

const (
	tinyFormat       = 0x02
	formatMask       = 0x03
	tinyMaxStack     = 8
	fatHeaderMinSize = 12
	moreSectsFlag    = 0x08
)

// methodBody is a decoded ECMA-335 II.25.4 method body.
type methodBody struct {
	flags            uint16
	maxStack         uint16
	codeSize         uint32
	localVarSigToken uint32
	code             []byte
	extraSections    []byte
}

// decodeMethodBody splits a decrypted body into header fields, code and the
// extra sections that follow the 4-byte aligned end of the code.
func decodeMethodBody(data []byte) (*methodBody, error) {
	if len(data) == 0 {
		return nil, formatError("empty method body")
	}

	mb := &methodBody{}
	var pos int
	if b := data[0]; b&formatMask == tinyFormat {
		mb.flags = tinyFormat
		mb.maxStack = tinyMaxStack
		mb.codeSize = uint32(b >> 2)
		pos = 1
	} else {
		if len(data) < fatHeaderMinSize {
			return nil, formatError("fat method header truncated: %d bytes", len(data))
		}
		mb.flags = binary.LittleEndian.Uint16(data[0:])
		mb.maxStack = binary.LittleEndian.Uint16(data[2:])
		mb.codeSize = binary.LittleEndian.Uint32(data[4:])
		mb.localVarSigToken = binary.LittleEndian.Uint32(data[8:])

		// The top nibble of flags is the header size in dwords.
		pos = int(mb.flags>>12) * 4
		if pos < fatHeaderMinSize {
			return nil, formatError("fat method header size %d too small", pos)
		}
	}

	if uint64(pos)+uint64(mb.codeSize) > uint64(len(data)) {
		return nil, formatError("method body truncated: code size %d at offset %d, body %d bytes",
			mb.codeSize, pos, len(data))
	}
	mb.code = bytes.Clone(data[pos : pos+int(mb.codeSize)])
	pos += int(mb.codeSize)

	if mb.flags&moreSectsFlag != 0 {
		pos = (pos + 3) &^ 3
		if pos > len(data) {
			return nil, formatError("extra sections start past the end of the body")
		}
		mb.extraSections = append([]byte{}, data[pos:]...)
	}

	return mb, nil
}
