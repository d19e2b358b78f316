package s7

import (
	"encoding/binary"
	"math"
)

// Value carries the raw bytes of one tag read together with the context
// the decoder needs: declared type, bit number, element count. S7 delivers
// everything big-endian.
type Value struct {
	DataType uint16 // S7 data type code
	Bytes    []byte // Raw value bytes (big-endian)
	BitNum   int    // Bit number for BOOL tags (-1 for non-bit)
	Count    int    // Number of elements (1 for scalar, >1 for array)
}

// GoValue returns the value converted to an appropriate Go type:
//   - BOOL -> bool (or []bool for arrays)
//   - SINT, INT, DINT, LINT -> int64 (or []int64)
//   - BYTE, WORD, DWORD, ULINT -> uint64 (or []uint64)
//   - REAL, LREAL -> float64 (or []float64)
//   - CHAR, WCHAR -> uint64 (character code)
//   - TIME, TIME_OF_DAY -> int64 (milliseconds)
//   - DATE -> int64 (days since 1990-01-01)
//   - STRING, WSTRING -> string (or []string)
//   - Unknown -> []int (byte values, JSON friendly)
func (v *Value) GoValue() interface{} {
	baseType := BaseType(v.DataType)

	isArray := IsArray(v.DataType) || v.Count > 1

	// Detect arrays by data size if not already marked
	if !isArray {
		elemSize := TypeSize(baseType)
		if elemSize > 0 && len(v.Bytes) > elemSize {
			isArray = true
		}
	}

	if isArray {
		return v.parseArray(baseType)
	}
	return v.parseScalar(baseType)
}

// TypeName returns the human-readable type name for this value.
func (v *Value) TypeName() string {
	return TypeName(v.DataType)
}

// parseScalar decodes a single element.
func (v *Value) parseScalar(baseType uint16) interface{} {
	switch baseType {
	case TypeBool:
		if len(v.Bytes) >= 1 {
			if v.BitNum >= 0 && v.BitNum <= 7 {
				return (v.Bytes[0] & (1 << v.BitNum)) != 0
			}
			return v.Bytes[0] != 0
		}
	case TypeSInt:
		if len(v.Bytes) >= 1 {
			return int64(int8(v.Bytes[0]))
		}
	case TypeByte, TypeChar:
		if len(v.Bytes) >= 1 {
			return uint64(v.Bytes[0])
		}
	case TypeInt:
		if len(v.Bytes) >= 2 {
			return int64(int16(binary.BigEndian.Uint16(v.Bytes)))
		}
	case TypeWord, TypeWChar: // TypeUInt is an alias for TypeWord
		if len(v.Bytes) >= 2 {
			return uint64(binary.BigEndian.Uint16(v.Bytes))
		}
	case TypeDate:
		if len(v.Bytes) >= 2 {
			return int64(binary.BigEndian.Uint16(v.Bytes)) // Days since 1990-01-01
		}
	case TypeDInt:
		if len(v.Bytes) >= 4 {
			return int64(int32(binary.BigEndian.Uint32(v.Bytes)))
		}
	case TypeDWord: // TypeUDInt is an alias for TypeDWord
		if len(v.Bytes) >= 4 {
			return uint64(binary.BigEndian.Uint32(v.Bytes))
		}
	case TypeReal:
		if len(v.Bytes) >= 4 {
			bits := binary.BigEndian.Uint32(v.Bytes)
			return float64(math.Float32frombits(bits))
		}
	case TypeTime, TypeTimeOfDay:
		if len(v.Bytes) >= 4 {
			return int64(binary.BigEndian.Uint32(v.Bytes)) // Milliseconds
		}
	case TypeLInt:
		if len(v.Bytes) >= 8 {
			return int64(binary.BigEndian.Uint64(v.Bytes))
		}
	case TypeLWord: // TypeULInt is an alias for TypeLWord
		if len(v.Bytes) >= 8 {
			return binary.BigEndian.Uint64(v.Bytes)
		}
	case TypeLReal:
		if len(v.Bytes) >= 8 {
			bits := binary.BigEndian.Uint64(v.Bytes)
			return math.Float64frombits(bits)
		}
	case TypeString:
		// S7 String: 1 byte max length, 1 byte actual length, then chars
		if len(v.Bytes) >= 2 {
			strLen := int(v.Bytes[1])
			if strLen > len(v.Bytes)-2 {
				strLen = len(v.Bytes) - 2
			}
			return string(v.Bytes[2 : 2+strLen])
		}
	case TypeWString:
		// S7 WString: 2 bytes max length, 2 bytes actual length, UTF-16BE chars
		if len(v.Bytes) >= 4 {
			return decodeWChars(v.Bytes[4:], int(binary.BigEndian.Uint16(v.Bytes[2:4])))
		}
	}

	// Unknown type or short data - return as byte array
	return v.bytesToIntArray()
}

// parseArray decodes a fixed-size element array.
func (v *Value) parseArray(baseType uint16) interface{} {
	// Variable-length string types use fixed wire blocks per element
	if baseType == TypeString {
		return v.parseStringArray()
	}
	if baseType == TypeWString {
		return v.parseWStringArray()
	}

	elemSize := TypeSize(baseType)
	if elemSize == 0 {
		return v.bytesToIntArray()
	}

	count := len(v.Bytes) / elemSize
	if count == 0 {
		return v.bytesToIntArray()
	}

	switch baseType {
	case TypeBool:
		result := make([]bool, count)
		for i := 0; i < count; i++ {
			result[i] = v.Bytes[i] != 0
		}
		return result

	case TypeSInt:
		result := make([]int64, count)
		for i := 0; i < count; i++ {
			result[i] = int64(int8(v.Bytes[i]))
		}
		return result

	case TypeByte, TypeChar:
		result := make([]uint64, count)
		for i := 0; i < count; i++ {
			result[i] = uint64(v.Bytes[i])
		}
		return result

	case TypeInt:
		result := make([]int64, count)
		for i := 0; i < count; i++ {
			result[i] = int64(int16(binary.BigEndian.Uint16(v.Bytes[i*2:])))
		}
		return result

	case TypeWord, TypeDate, TypeWChar: // TypeUInt is an alias for TypeWord
		result := make([]uint64, count)
		for i := 0; i < count; i++ {
			result[i] = uint64(binary.BigEndian.Uint16(v.Bytes[i*2:]))
		}
		return result

	case TypeDInt:
		result := make([]int64, count)
		for i := 0; i < count; i++ {
			result[i] = int64(int32(binary.BigEndian.Uint32(v.Bytes[i*4:])))
		}
		return result

	case TypeDWord, TypeTime, TypeTimeOfDay: // TypeUDInt is an alias for TypeDWord
		result := make([]uint64, count)
		for i := 0; i < count; i++ {
			result[i] = uint64(binary.BigEndian.Uint32(v.Bytes[i*4:]))
		}
		return result

	case TypeReal:
		result := make([]float64, count)
		for i := 0; i < count; i++ {
			bits := binary.BigEndian.Uint32(v.Bytes[i*4:])
			result[i] = float64(math.Float32frombits(bits))
		}
		return result

	case TypeLInt:
		result := make([]int64, count)
		for i := 0; i < count; i++ {
			result[i] = int64(binary.BigEndian.Uint64(v.Bytes[i*8:]))
		}
		return result

	case TypeLWord: // TypeULInt is an alias for TypeLWord
		result := make([]uint64, count)
		for i := 0; i < count; i++ {
			result[i] = binary.BigEndian.Uint64(v.Bytes[i*8:])
		}
		return result

	case TypeLReal:
		result := make([]float64, count)
		for i := 0; i < count; i++ {
			bits := binary.BigEndian.Uint64(v.Bytes[i*8:])
			result[i] = math.Float64frombits(bits)
		}
		return result

	default:
		return v.bytesToIntArray()
	}
}

// parseStringArray decodes an array of S7 STRING blocks.
func (v *Value) parseStringArray() []string {
	count := len(v.Bytes) / StringWireSize
	if count == 0 {
		// Short buffer - decode what is there as a single string
		if len(v.Bytes) >= 2 {
			strLen := int(v.Bytes[1])
			if strLen > len(v.Bytes)-2 {
				strLen = len(v.Bytes) - 2
			}
			return []string{string(v.Bytes[2 : 2+strLen])}
		}
		return []string{}
	}

	result := make([]string, count)
	for i := 0; i < count; i++ {
		block := v.Bytes[i*StringWireSize:]
		strLen := int(block[1])
		if strLen > StringWireSize-2 {
			strLen = StringWireSize - 2
		}
		result[i] = string(block[2 : 2+strLen])
	}
	return result
}

// parseWStringArray decodes an array of S7 WSTRING blocks.
func (v *Value) parseWStringArray() []string {
	count := len(v.Bytes) / WStringWireSize
	if count == 0 {
		if len(v.Bytes) >= 4 {
			return []string{decodeWChars(v.Bytes[4:], int(binary.BigEndian.Uint16(v.Bytes[2:4])))}
		}
		return []string{}
	}

	result := make([]string, count)
	for i := 0; i < count; i++ {
		block := v.Bytes[i*WStringWireSize:]
		result[i] = decodeWChars(block[4:WStringWireSize], int(binary.BigEndian.Uint16(block[2:4])))
	}
	return result
}

// decodeWChars extracts up to charCount characters from UTF-16BE data.
// Only the low byte of each character is kept (ASCII subset).
func decodeWChars(data []byte, charCount int) string {
	if charCount > len(data)/2 {
		charCount = len(data) / 2
	}
	chars := make([]byte, charCount)
	for i := 0; i < charCount; i++ {
		chars[i] = data[i*2+1]
	}
	return string(chars)
}

// bytesToIntArray converts the raw bytes to []int for JSON-friendly output.
func (v *Value) bytesToIntArray() []int {
	intBytes := make([]int, len(v.Bytes))
	for i, b := range v.Bytes {
		intBytes[i] = int(b)
	}
	return intBytes
}
