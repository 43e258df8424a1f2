package maxtocode

import (
	"errors"
	"fmt"

	"mcdump/perw"
)

var (
	// ErrFormat reports a packer layout this package does not understand.
	ErrFormat = errors.New("invalid MaxtoCode format")
	// ErrUnsupportedCipher reports a fragment encrypted with a known but
	// unimplemented cipher.
	ErrUnsupportedCipher = errors.New("unsupported encryption type")
)

func formatError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrFormat, fmt.Sprintf(format, args...))
}

// Image is the read-only view of a PE file the decrypter needs. Reads are by
// file offset and must fail on out of range access.
type Image interface {
	ReadBytes(offset int64, size int) ([]byte, error)
	ReadUint8(offset int64) (uint8, error)
	ReadUint16(offset int64) (uint16, error)
	ReadUint32(offset int64) (uint32, error)
	RvaToOffset(rva uint32) int64
	SectionHeaders() []perw.Section
	Size() int64
}

// MethodDefTable describes where the MethodDef rows live in the image.
// Columns are numbered as in perw: RVA, ImplFlags, Flags, Name, Signature, ParamList.
type MethodDefTable interface {
	Rows() uint32
	RowOffset(row uint32) int64
	ColumnOffset(col int) int
	ColumnSize(col int) int
}
