// Package maxtocode recovers the method bodies a MaxtoCode protected .NET
// image keeps encrypted in its own side table.
package maxtocode

import (
	"bytes"
	"fmt"

	"mcdump/perw"

	log "github.com/sirupsen/logrus"
)

const (
	methodDefToken = 0x06000001
	// Bodies the packer manages are replaced by this word in the image.
	encryptedBodyMarker = 0xFFF3
)

// RecoveredMethod is the MethodDef row and decrypted body of one method,
// ready to be written back into the image.
type RecoveredMethod struct {
	Token     uint32
	ImplFlags uint16
	Flags     uint16
	Name      []byte
	Signature []byte
	ParamList []byte

	HeaderFlags      uint16
	MaxStack         uint16
	CodeSize         uint32
	LocalVarSigToken uint32
	Code             []byte
	ExtraSections    []byte
}

// Stats counts what happened to each record and MethodDef row.
type Stats struct {
	Records           int
	Recovered         int
	SkippedZeroRva    int
	SkippedUnknownRva int
	SkippedBadMarker  int
	IndexMismatches   int
}

type Option func(*FileDecrypter)

// WithLogger sets the entry diagnostic messages are logged to.
func WithLogger(entry *log.Entry) Option {
	return func(d *FileDecrypter) {
		d.log = entry
	}
}

type FileDecrypter struct {
	image   Image
	methods MethodDefTable
	log     *log.Entry
	stats   Stats
}

func NewFileDecrypter(img Image, methods MethodDefTable, opts ...Option) *FileDecrypter {
	d := &FileDecrypter{
		image:   img,
		methods: methods,
		log:     log.NewEntry(log.StandardLogger()),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *FileDecrypter) Stats() Stats {
	return d.stats
}

// Decrypt returns every recovered method keyed by MethodDef token. Rows the
// packer does not manage are skipped. Any layout error aborts the whole file.
func (d *FileDecrypter) Decrypt() (map[uint32]*RecoveredMethod, error) {
	d.stats = Stats{}

	peHeader, err := newPEHeader(d.image)
	if err != nil {
		return nil, err
	}
	mcHeader, err := newMCHeader(d.image, peHeader)
	if err != nil {
		return nil, err
	}
	methodInfos := newMethodInfos(d.image, peHeader, mcHeader, d.log, &d.stats)
	if _, err := methodInfos.initialize(); err != nil {
		return nil, err
	}

	dumpedMethods := make(map[uint32]*RecoveredMethod)
	for i := uint32(0); i < d.methods.Rows(); i++ {
		dm, err := d.recoverMethod(methodInfos, i)
		if err != nil {
			return nil, err
		}
		if dm != nil {
			dumpedMethods[dm.Token] = dm
		}
	}
	d.stats.Recovered = len(dumpedMethods)

	d.log.WithFields(log.Fields{
		"records":   d.stats.Records,
		"recovered": d.stats.Recovered,
	}).Debug("method bodies decrypted")

	return dumpedMethods, nil
}

func (d *FileDecrypter) recoverMethod(methodInfos *methodInfos, row uint32) (*RecoveredMethod, error) {
	token := methodDefToken + row
	rowOffset := d.methods.RowOffset(row)

	bodyRva, err := d.image.ReadUint32(rowOffset + int64(d.methods.ColumnOffset(perw.MethodDefRVA)))
	if err != nil {
		return nil, fmt.Errorf("failed to read MethodDef row %d: %w", row, err)
	}
	if bodyRva == 0 {
		d.stats.SkippedZeroRva++
		return nil, nil
	}

	info := methodInfos.lookup(bodyRva)
	if info == nil {
		d.stats.SkippedUnknownRva++
		d.skipped(token, bodyRva, "no encrypted body")
		return nil, nil
	}

	magic, err := d.image.ReadUint16(d.image.RvaToOffset(bodyRva))
	if err != nil {
		return nil, fmt.Errorf("failed to read body of method 0x%08x: %w", token, err)
	}
	if magic != encryptedBodyMarker {
		d.stats.SkippedBadMarker++
		d.skipped(token, bodyRva, fmt.Sprintf("marker 0x%04x", magic))
		return nil, nil
	}

	dm := &RecoveredMethod{Token: token}
	if dm.ImplFlags, err = d.image.ReadUint16(rowOffset + int64(d.methods.ColumnOffset(perw.MethodDefImplFlags))); err != nil {
		return nil, fmt.Errorf("failed to read MethodDef row %d: %w", row, err)
	}
	if dm.Flags, err = d.image.ReadUint16(rowOffset + int64(d.methods.ColumnOffset(perw.MethodDefFlags))); err != nil {
		return nil, fmt.Errorf("failed to read MethodDef row %d: %w", row, err)
	}
	if dm.Name, err = d.readColumn(rowOffset, perw.MethodDefName); err != nil {
		return nil, err
	}
	if dm.Signature, err = d.readColumn(rowOffset, perw.MethodDefSignature); err != nil {
		return nil, err
	}
	if dm.ParamList, err = d.readColumn(rowOffset, perw.MethodDefParamList); err != nil {
		return nil, err
	}

	body, err := decodeMethodBody(info.Body)
	if err != nil {
		return nil, fmt.Errorf("method 0x%08x: %w", token, err)
	}
	dm.HeaderFlags = body.flags
	dm.MaxStack = body.maxStack
	dm.CodeSize = body.codeSize
	dm.LocalVarSigToken = body.localVarSigToken
	dm.Code = body.code
	dm.ExtraSections = body.extraSections

	return dm, nil
}

func (d *FileDecrypter) readColumn(rowOffset int64, col int) ([]byte, error) {
	data, err := d.image.ReadBytes(rowOffset+int64(d.methods.ColumnOffset(col)), d.methods.ColumnSize(col))
	if err != nil {
		return nil, fmt.Errorf("failed to read MethodDef column %d: %w", col, err)
	}
	return bytes.Clone(data), nil
}

func (d *FileDecrypter) skipped(token, rva uint32, reason string) {
	d.log.WithFields(log.Fields{
		"token":  fmt.Sprintf("0x%08x", token),
		"rva":    fmt.Sprintf("0x%08x", rva),
		"reason": reason,
	}).Debug("method skipped")
}

// Decrypt recovers the methods of img using the given MethodDef layout.
func Decrypt(img Image, methods MethodDefTable) (map[uint32]*RecoveredMethod, error) {
	return NewFileDecrypter(img, methods).Decrypt()
}

// DecryptPE recovers the methods of a parsed .NET image.
func DecryptPE(pf *perw.PEFile, opts ...Option) (map[uint32]*RecoveredMethod, Stats, error) {
	methods, err := pf.MethodDefTable()
	if err != nil {
		return nil, Stats{}, err
	}
	d := NewFileDecrypter(pf, methods, opts...)
	recovered, err := d.Decrypt()
	return recovered, d.Stats(), err
}
