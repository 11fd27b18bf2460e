// Package admin implements the authenticated admin command channel: null-data
// payload extraction, HMAC verification, replay protection, and dispatch.
package admin

// Null-data script opcodes.
const (
	opReturn     = 0x6a
	opPushData1  = 0x4c
	opPushData2  = 0x4d
	maxDirectLen = 0x4b
)

// ExtractNullData extracts the pushed payload from a null-data output script.
// Three push encodings are recognized: a direct push (length 1–75 encoded in
// the opcode byte), OP_PUSHDATA1 (one length byte), and OP_PUSHDATA2 (two
// length bytes, little-endian). Anything malformed, such as a declared
// length past the end of the script or an unrecognized opcode, returns
// ok=false rather than an error: null-data outputs carry plenty of
// unrelated traffic.
func ExtractNullData(script []byte) ([]byte, bool) {
	if len(script) < 2 || script[0] != opReturn {
		return nil, false
	}

	op := script[1]
	switch {
	case op >= 0x01 && op <= maxDirectLen:
		length := int(op)
		if len(script) < 2+length {
			return nil, false
		}
		return script[2 : 2+length], true

	case op == opPushData1:
		if len(script) < 3 {
			return nil, false
		}
		length := int(script[2])
		if length == 0 || len(script) < 3+length {
			return nil, false
		}
		return script[3 : 3+length], true

	case op == opPushData2:
		if len(script) < 4 {
			return nil, false
		}
		length := int(script[2]) | int(script[3])<<8
		if length == 0 || len(script) < 4+length {
			return nil, false
		}
		return script[4 : 4+length], true

	default:
		return nil, false
	}
}

// EncodeNullData builds a null-data script around the payload, choosing the
// smallest push encoding that fits. Used by tests and by the wallet-side
// tooling that constructs admin transactions.
func EncodeNullData(payload []byte) []byte {
	switch {
	case len(payload) <= maxDirectLen:
		script := make([]byte, 0, 2+len(payload))
		script = append(script, opReturn, byte(len(payload)))
		return append(script, payload...)

	case len(payload) <= 0xff:
		script := make([]byte, 0, 3+len(payload))
		script = append(script, opReturn, opPushData1, byte(len(payload)))
		return append(script, payload...)

	default:
		script := make([]byte, 0, 4+len(payload))
		script = append(script, opReturn, opPushData2, byte(len(payload)&0xff), byte(len(payload)>>8))
		return append(script, payload...)
	}
}
