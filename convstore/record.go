package convstore

import "encoding/binary"

// On-disk record layout, little endian, appended never rewritten:
//
//	offset 0  timestamp  u32 epoch seconds
//	offset 4  direction  u8  (0 received, 1 sent)
//	offset 5  bodyLen    u8
//	offset 6  reserved   u8
//	offset 7  phone      24 bytes, zero padded
//	offset 31 body       160 bytes, zero padded
//
// A valid file's size is always an exact multiple of RecordSize.
const (
	phoneField = 24
	bodyField  = 160

	// RecordSize is the fixed width of one on-disk record.
	RecordSize = 4 + 1 + 1 + 1 + phoneField + bodyField

	// MaxBodyLen is the longest body a record can carry.
	MaxBodyLen = bodyField - 1

	// DirectionReceived and DirectionSent are the direction flag values.
	DirectionReceived = 0
	DirectionSent     = 1
)

// Record is one stored message. Sent records submission direction only;
// there is no delivery confirmation to track.
type Record struct {
	Timestamp uint32
	Sent      bool
	Phone     string
	Body      string
}

func encodeRecord(phone, body string, sent bool, timestamp uint32) [RecordSize]byte {
	if len(phone) > phoneField {
		phone = phone[:phoneField]
	}
	if len(body) > MaxBodyLen {
		body = body[:MaxBodyLen]
	}

	var buf [RecordSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], timestamp)
	if sent {
		buf[4] = DirectionSent
	}
	buf[5] = byte(len(body))
	copy(buf[7:7+phoneField], phone)
	copy(buf[7+phoneField:], body)
	return buf
}

func decodeRecord(buf [RecordSize]byte) Record {
	bodyLen := int(buf[5])
	if bodyLen > MaxBodyLen {
		bodyLen = MaxBodyLen
	}
	return Record{
		Timestamp: binary.LittleEndian.Uint32(buf[0:4]),
		Sent:      buf[4] == DirectionSent,
		Phone:     trimZero(buf[7 : 7+phoneField]),
		Body:      string(buf[7+phoneField : 7+phoneField+bodyLen]),
	}
}

func trimZero(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// previewLen bounds the body excerpt shown in a Summary.
const previewLen = 30

func preview(body string) string {
	if len(body) > previewLen {
		return body[:previewLen]
	}
	return body
}
