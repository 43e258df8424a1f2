package perw

import (
	"github.com/Binject/debug/pe"
	"github.com/edsrzf/mmap-go"
)

type Section struct {
	Name             string
	VirtualAddress   uint32
	VirtualSize      uint32
	PointerToRawData uint32
	SizeOfRawData    uint32
	Index            int
	Flags            uint32
	Entropy          float64
	IsExecutable     bool
	IsReadable       bool
	IsWritable       bool
}

type DataDirectory struct {
	VirtualAddress uint32
	Size           uint32
}

type PEFile struct {
	PE       *pe.File
	Is64Bit  bool
	FileName string
	Sections []Section
	RawData  []byte

	imageBase     uint64
	sizeOfImage   uint32
	sizeOfHeaders uint32
	Machine       string
	TimeDateStamp string

	directories []DataDirectory

	FileSize int64
	IsPacked bool

	mapping  mmap.MMap
	metadata *Metadata
}

// Column indexes of a MethodDef row.
const (
	MethodDefRVA = iota
	MethodDefImplFlags
	MethodDefFlags
	MethodDefName
	MethodDefSignature
	MethodDefParamList
)
