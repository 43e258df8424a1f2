package maxtocode

import (
	"encoding/binary"
	"fmt"
)

// EncryptionType tags the cipher protecting one method fragment.
type EncryptionType int16

const (
	EncryptionXor      EncryptionType = 1 // header bytes as a repeating keystream
	EncryptionRotate   EncryptionType = 2 // one 64-bit rotate, then xor
	EncryptionRotate16 EncryptionType = 3 // sixteen 64-bit rotates, then xor
	EncryptionNibble   EncryptionType = 4 // three bytes in, two bytes out
	EncryptionUnknown5 EncryptionType = 5
	EncryptionUnknown6 EncryptionType = 6
	EncryptionUnknown7 EncryptionType = 7
)

const (
	rotateKeyOffset   = 0x00FA
	rotate16KeyOffset = 0x015E
	nibbleKeyStride   = 4
)

var rotate16Shifts = [16]uint{5, 11, 14, 21, 6, 20, 17, 29, 4, 10, 3, 2, 7, 1, 26, 18}

type cipherFunc func(key *mcHeader, encrypted []byte) ([]byte, error)

var ciphers = map[EncryptionType]cipherFunc{
	EncryptionXor:      decryptXor,
	EncryptionRotate:   decryptRotate,
	EncryptionRotate16: decryptRotate16,
	EncryptionNibble:   decryptNibble,
}

func (t EncryptionType) Valid() bool {
	return t >= EncryptionXor && t <= EncryptionUnknown7
}

// Supported reports whether a cipher is implemented for t.
func (t EncryptionType) Supported() bool {
	_, ok := ciphers[t]
	return ok
}

func (t EncryptionType) String() string {
	switch t {
	case EncryptionXor:
		return "xor"
	case EncryptionRotate:
		return "rotate"
	case EncryptionRotate16:
		return "rotate16"
	case EncryptionNibble:
		return "nibble"
	}
	return fmt.Sprintf("type#%d", int16(t))
}

// decryptFragment decrypts one fragment and truncates it to realSize. A nil
// slice with a nil error means the fragment is absent.
func decryptFragment(key *mcHeader, t EncryptionType, encrypted []byte, realSize uint32) ([]byte, error) {
	if realSize == 0 {
		return nil, nil
	}
	if uint64(realSize) > uint64(len(encrypted)) {
		return nil, formatError("invalid realSize %d > encrypted size %d", realSize, len(encrypted))
	}

	if !t.Valid() {
		return nil, formatError("invalid encryption type: %02X", uint16(t))
	}
	decrypt, ok := ciphers[t]
	if !ok {
		return nil, fmt.Errorf("%w: type #%d not implemented", ErrUnsupportedCipher, int16(t))
	}

	decrypted, err := decrypt(key, encrypted)
	if err != nil {
		return nil, err
	}
	if uint64(realSize) > uint64(len(decrypted)) {
		return nil, formatError("invalid decrypted length %d, want %d", len(decrypted), realSize)
	}
	return decrypted[:realSize], nil
}

func decryptXor(key *mcHeader, encrypted []byte) ([]byte, error) {
	decrypted := make([]byte, len(encrypted))
	for i := range decrypted {
		decrypted[i] = encrypted[i] ^ key.readByte(i%mcHeaderSize)
	}
	return decrypted, nil
}

func decryptRotate(key *mcHeader, encrypted []byte) ([]byte, error) {
	if len(encrypted)&7 != 0 {
		return nil, formatError("invalid encryption #2 length %d", len(encrypted))
	}
	key4 := key.readUint32(rotateKeyOffset + 4*4)
	key5 := key.readUint32(rotateKeyOffset + 5*4)

	decrypted := make([]byte, len(encrypted))
	for i := 0; i < len(encrypted); i += 8 {
		v0 := binary.LittleEndian.Uint32(encrypted[i:])
		v1 := binary.LittleEndian.Uint32(encrypted[i+4:])
		x := (v1 >> 26) + (v0 << 6)
		y := (v0 >> 26) + (v1 << 6)

		binary.LittleEndian.PutUint32(decrypted[i:], x^key4)
		binary.LittleEndian.PutUint32(decrypted[i+4:], y^key5)
	}
	return decrypted, nil
}

func decryptRotate16(key *mcHeader, encrypted []byte) ([]byte, error) {
	if len(encrypted)&7 != 0 {
		return nil, formatError("invalid encryption #3 length %d", len(encrypted))
	}
	key0 := key.readUint32(rotate16KeyOffset + 0*4)
	key3 := key.readUint32(rotate16KeyOffset + 3*4)

	decrypted := make([]byte, len(encrypted))
	for i := 0; i < len(encrypted); i += 8 {
		x := binary.LittleEndian.Uint32(encrypted[i:])
		y := binary.LittleEndian.Uint32(encrypted[i+4:])
		for _, shift := range rotate16Shifts {
			x, y = (y>>(32-shift))+(x<<shift), (x>>(32-shift))+(y<<shift)
		}

		binary.LittleEndian.PutUint32(decrypted[i:], x^key0)
		binary.LittleEndian.PutUint32(decrypted[i+4:], y^key3)
	}
	return decrypted, nil
}

// decryptNibble rebuilds two bytes from every three. The output has one spare
// byte for a trailing remainder.
func decryptNibble(key *mcHeader, encrypted []byte) ([]byte, error) {
	decrypted := make([]byte, len(encrypted)/3*2+1)

	i, j, k := 0, 0, 0
	for count := len(encrypted) / 3; count > 0; count-- {
		k1 := key.readByte(j + 1)
		k2 := key.readByte(j + 2)
		k3 := key.readByte(j + 3)
		mid := encrypted[i+1] ^ k2
		decrypted[k] = (mid >> 4) | ((encrypted[i] ^ k1) & 0xF0)
		decrypted[k+1] = (mid << 4) + ((encrypted[i+2] ^ k3) & 0x0F)
		i += 3
		k += 2
		j = (j + nibbleKeyStride) % mcHeaderSize
	}

	if len(encrypted)%3 != 0 {
		decrypted[k] = encrypted[i] ^ key.readByte(j)
	}
	return decrypted, nil
}
