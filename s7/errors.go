package s7

import "fmt"

// S7 Error Classes
const (
	errClassNoError     = 0x00
	errClassAppRelation = 0x81
	errClassObjDef      = 0x82
	errClassResource    = 0x83
	errClassService     = 0x84
	errClassNoResource  = 0x85 // No resource available (often PDU size exceeded)
	errClassAccess      = 0x87
)

// Data item return codes. ItemOK is what a successful read or write part
// comes back with; everything else names the controller's refusal.
const (
	ItemOK byte = 0xFF

	itemHardwareFault    byte = 0x01
	itemAccessDenied     byte = 0x03
	itemAddressError     byte = 0x05
	itemTypeError        byte = 0x06
	itemTypeInconsistent byte = 0x07
	itemNotExist         byte = 0x0A
)

// S7Error represents an S7 header-level protocol error.
type S7Error struct {
	Class byte
	Code  byte
}

// Error implements the error interface.
func (e S7Error) Error() string {
	return s7ErrorMessage(e.Class, e.Code)
}

// s7ErrorMessage returns a human-readable message for an S7 header error.
func s7ErrorMessage(class, code byte) string {
	switch class {
	case errClassNoError:
		return "no error"
	case errClassAppRelation:
		return fmt.Sprintf("application relationship error (code %d)", code)
	case errClassObjDef:
		return fmt.Sprintf("object definition error (code %d)", code)
	case errClassResource:
		return fmt.Sprintf("resource error (code %d)", code)
	case errClassService:
		return fmt.Sprintf("service error (code %d)", code)
	case errClassNoResource:
		return fmt.Sprintf("no resource available - request may exceed PDU size (code %d)", code)
	case errClassAccess:
		return fmt.Sprintf("access error (code %d)", code)
	default:
		return fmt.Sprintf("S7 error class 0x%02X code %d", class, code)
	}
}

// ItemCodeText returns the human-readable description for a data item
// return code, falling back to a generic message for unknown codes.
func ItemCodeText(code byte) string {
	switch code {
	case ItemOK:
		return "success"
	case itemHardwareFault:
		return "hardware fault"
	case itemAccessDenied:
		return "access denied"
	case itemAddressError:
		return "invalid address"
	case itemTypeError:
		return "data type not supported"
	case itemTypeInconsistent:
		return "data type/size mismatch"
	case itemNotExist:
		return "object does not exist"
	default:
		return fmt.Sprintf("unknown data item error 0x%02X", code)
	}
}
