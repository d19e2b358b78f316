package s7

import "fmt"

// ConvertWriteValue converts a JSON-decoded value to the Go type matching
// an S7 data type. JSON numbers always arrive as float64; the controller
// wants the exact width, so out-of-range values are rejected here rather
// than truncated on the wire. The array flag is ignored, conversion
// applies to the element type.
func ConvertWriteValue(value interface{}, dataType uint16) (interface{}, error) {
	baseType := BaseType(dataType)

	var numVal float64
	var isNumber bool
	var boolVal bool
	var isBool bool
	var strVal string
	var isString bool

	switch v := value.(type) {
	case float64:
		numVal = v
		isNumber = true
	case bool:
		boolVal = v
		isBool = true
	case string:
		strVal = v
		isString = true
	default:
		return nil, fmt.Errorf("unsupported value type: %T", value)
	}

	switch baseType {
	case TypeBool:
		if isBool {
			return boolVal, nil
		}
		if isNumber {
			return numVal != 0, nil
		}
		return nil, fmt.Errorf("cannot convert %T to BOOL", value)

	case TypeSInt: // int8
		if !isNumber {
			return nil, fmt.Errorf("cannot convert %T to SINT", value)
		}
		if numVal < -128 || numVal > 127 || numVal != float64(int8(numVal)) {
			return nil, fmt.Errorf("value %v out of range for SINT (-128 to 127)", numVal)
		}
		return int8(numVal), nil

	case TypeInt: // int16
		if !isNumber {
			return nil, fmt.Errorf("cannot convert %T to INT", value)
		}
		if numVal < -32768 || numVal > 32767 || numVal != float64(int16(numVal)) {
			return nil, fmt.Errorf("value %v out of range for INT (-32768 to 32767)", numVal)
		}
		return int16(numVal), nil

	case TypeDInt: // int32
		if !isNumber {
			return nil, fmt.Errorf("cannot convert %T to DINT", value)
		}
		if numVal < -2147483648 || numVal > 2147483647 || numVal != float64(int32(numVal)) {
			return nil, fmt.Errorf("value %v out of range for DINT", numVal)
		}
		return int32(numVal), nil

	case TypeLInt: // int64
		if !isNumber {
			return nil, fmt.Errorf("cannot convert %T to LINT", value)
		}
		if numVal != float64(int64(numVal)) {
			return nil, fmt.Errorf("value %v cannot be represented as LINT", numVal)
		}
		return int64(numVal), nil

	case TypeByte: // uint8
		if !isNumber {
			return nil, fmt.Errorf("cannot convert %T to BYTE", value)
		}
		if numVal < 0 || numVal > 255 || numVal != float64(uint8(numVal)) {
			return nil, fmt.Errorf("value %v out of range for BYTE (0 to 255)", numVal)
		}
		return uint8(numVal), nil

	case TypeWord: // uint16
		if !isNumber {
			return nil, fmt.Errorf("cannot convert %T to WORD", value)
		}
		if numVal < 0 || numVal > 65535 || numVal != float64(uint16(numVal)) {
			return nil, fmt.Errorf("value %v out of range for WORD (0 to 65535)", numVal)
		}
		return uint16(numVal), nil

	case TypeDWord: // uint32
		if !isNumber {
			return nil, fmt.Errorf("cannot convert %T to DWORD", value)
		}
		if numVal < 0 || numVal > 4294967295 || numVal != float64(uint32(numVal)) {
			return nil, fmt.Errorf("value %v out of range for DWORD", numVal)
		}
		return uint32(numVal), nil

	case TypeLWord: // uint64
		if !isNumber {
			return nil, fmt.Errorf("cannot convert %T to LWORD", value)
		}
		if numVal < 0 || numVal != float64(uint64(numVal)) {
			return nil, fmt.Errorf("value %v out of range for LWORD", numVal)
		}
		return uint64(numVal), nil

	case TypeReal: // float32
		if !isNumber {
			return nil, fmt.Errorf("cannot convert %T to REAL", value)
		}
		return float32(numVal), nil

	case TypeLReal: // float64
		if !isNumber {
			return nil, fmt.Errorf("cannot convert %T to LREAL", value)
		}
		return numVal, nil

	case TypeChar, TypeString, TypeWString:
		if !isString {
			return nil, fmt.Errorf("cannot convert %T to %s", value, TypeName(baseType))
		}
		return strVal, nil

	default:
		// For unknown types, try to use the value as-is
		if isString {
			return strVal, nil
		}
		if isNumber && numVal == float64(int32(numVal)) {
			return int32(numVal), nil
		}
		return value, nil
	}
}
