package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the Payload message.
const (
	PayloadListResponse    protowire.Number = 1
	PayloadDetailsResponse protowire.Number = 2
	PayloadReviewResponse  protowire.Number = 3
	PayloadBuyResponse     protowire.Number = 4
	PayloadSearchResponse  protowire.Number = 5
	PayloadTocResponse     protowire.Number = 6
	PayloadBrowseResponse  protowire.Number = 7

	// ReviewGetResponse is the GetReviewsResponse field of a ReviewResponse.
	ReviewGetResponse protowire.Number = 1
)

// Message is an undecoded protobuf message.
type Message []byte

// walk calls fn for every top-level field in m. The value passed to fn is the raw field value
// (without tag); for length-delimited fields this is the content without the length prefix.
func (m Message) walk(fn func(num protowire.Number, typ protowire.Type, value []byte) error) error {
	b := []byte(m)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: bad tag: %s", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		var value []byte
		if typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %s", ErrMalformed, num, protowire.ParseError(n))
			}
			value, b = v, b[n:]
		} else {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %s", ErrMalformed, num, protowire.ParseError(n))
			}
			value, b = b[:n], b[n:]
		}
		if err := fn(num, typ, value); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks that m is well-formed at the top level.
func (m Message) Validate() error {
	return m.walk(func(protowire.Number, protowire.Type, []byte) error { return nil })
}

// Field returns the last length-delimited occurrence of field num, following protobuf's
// last-one-wins rule for singular fields.
func (m Message) Field(num protowire.Number) (Message, bool) {
	var found Message
	ok := false
	_ = m.walk(func(n protowire.Number, typ protowire.Type, value []byte) error {
		if n == num && typ == protowire.BytesType {
			found, ok = Message(value), true
		}
		return nil
	})
	return found, ok
}

// Fields returns every length-delimited occurrence of field num, in order.
func (m Message) Fields(num protowire.Number) []Message {
	var found []Message
	_ = m.walk(func(n protowire.Number, typ protowire.Type, value []byte) error {
		if n == num && typ == protowire.BytesType {
			found = append(found, Message(value))
		}
		return nil
	})
	return found
}

// String returns field num interpreted as a string.
func (m Message) String(num protowire.Number) (string, bool) {
	v, ok := m.Field(num)
	return string(v), ok
}

// Varint returns the last varint occurrence of field num.
func (m Message) Varint(num protowire.Number) (uint64, bool) {
	var found uint64
	ok := false
	_ = m.walk(func(n protowire.Number, typ protowire.Type, value []byte) error {
		if n == num && typ == protowire.VarintType {
			if v, l := protowire.ConsumeVarint(value); l > 0 {
				found, ok = v, true
			}
		}
		return nil
	})
	return found, ok
}
