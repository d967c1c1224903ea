package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldPayload  protowire.Number = 1
	fieldCommands protowire.Number = 2
	fieldPreFetch protowire.Number = 3

	fieldPreFetchURL      protowire.Number = 1
	fieldPreFetchResponse protowire.Number = 2
	fieldPreFetchETag     protowire.Number = 3
	fieldPreFetchTTL      protowire.Number = 4
	fieldPreFetchSoftTTL  protowire.Number = 5

	fieldCommandsClearCache          protowire.Number = 1
	fieldCommandsDisplayErrorMessage protowire.Number = 2
	fieldCommandsLogErrorStacktrace  protowire.Number = 3
)

// maxPrefetchDepth bounds recursion into prefetch entries that themselves carry prefetch
// entries.
const maxPrefetchDepth = 4

// ErrMalformed is returned (wrapped) when a response body is not a valid ResponseWrapper.
var ErrMalformed = errors.New("malformed response")

// Decoder turns a raw API reply into a Response.
type Decoder interface {
	Decode(data []byte) (*Response, error)
}

// ServerCommands are out-of-band instructions the server attaches to a reply.
type ServerCommands struct {
	ClearCache          bool
	DisplayErrorMessage string
	LogErrorStacktrace  string
}

// PrefetchEntry is a server-supplied response for a request the client has not made yet.
type PrefetchEntry struct {
	URL      string
	Response *Response
	ETag     string
	TTL      int64
	SoftTTL  int64
}

// Response is a decoded ResponseWrapper.
type Response struct {
	Payload  Message
	Commands ServerCommands
	prefetch []PrefetchEntry
}

// HasPrefetch reports whether PopPrefetch will return an entry.
func (r *Response) HasPrefetch() bool {
	return r != nil && len(r.prefetch) > 0
}

// PopPrefetch removes and returns the next prefetch entry, in wire order.
func (r *Response) PopPrefetch() (PrefetchEntry, bool) {
	if !r.HasPrefetch() {
		return PrefetchEntry{}, false
	}
	entry := r.prefetch[0]
	r.prefetch = r.prefetch[1:]
	return entry, true
}

// PayloadField returns a top-level field of the payload, such as [PayloadDetailsResponse].
func (r *Response) PayloadField(num protowire.Number) (Message, bool) {
	if r == nil || r.Payload == nil {
		return nil, false
	}
	return r.Payload.Field(num)
}

// ProtoDecoder decodes protobuf-encoded ResponseWrapper messages.
type ProtoDecoder struct{}

func (ProtoDecoder) Decode(data []byte) (*Response, error) {
	return decode(data, 0)
}

func decode(data []byte, depth int) (*Response, error) {
	var rsp Response
	err := Message(data).walk(func(num protowire.Number, typ protowire.Type, value []byte) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case fieldPayload:
			if err := Message(value).Validate(); err != nil {
				return fmt.Errorf("payload: %w", err)
			}
			rsp.Payload = Message(value)
		case fieldCommands:
			commands, err := decodeCommands(value)
			if err != nil {
				return err
			}
			rsp.Commands = commands
		case fieldPreFetch:
			if depth >= maxPrefetchDepth {
				return nil
			}
			entry, err := decodePrefetch(value, depth)
			if err != nil {
				return err
			}
			rsp.prefetch = append(rsp.prefetch, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rsp, nil
}

func decodeCommands(data []byte) (ServerCommands, error) {
	var commands ServerCommands
	err := Message(data).walk(func(num protowire.Number, typ protowire.Type, value []byte) error {
		switch {
		case num == fieldCommandsClearCache && typ == protowire.VarintType:
			v, _ := protowire.ConsumeVarint(value)
			commands.ClearCache = v != 0
		case num == fieldCommandsDisplayErrorMessage && typ == protowire.BytesType:
			commands.DisplayErrorMessage = string(value)
		case num == fieldCommandsLogErrorStacktrace && typ == protowire.BytesType:
			commands.LogErrorStacktrace = string(value)
		}
		return nil
	})
	if err != nil {
		return ServerCommands{}, fmt.Errorf("server commands: %w", err)
	}
	return commands, nil
}

func decodePrefetch(data []byte, depth int) (PrefetchEntry, error) {
	var (
		entry PrefetchEntry
		body  []byte
	)
	err := Message(data).walk(func(num protowire.Number, typ protowire.Type, value []byte) error {
		switch {
		case num == fieldPreFetchURL && typ == protowire.BytesType:
			entry.URL = string(value)
		case num == fieldPreFetchResponse && typ == protowire.BytesType:
			body = value
		case num == fieldPreFetchETag && typ == protowire.BytesType:
			entry.ETag = string(value)
		case num == fieldPreFetchTTL && typ == protowire.VarintType:
			v, _ := protowire.ConsumeVarint(value)
			entry.TTL = int64(v)
		case num == fieldPreFetchSoftTTL && typ == protowire.VarintType:
			v, _ := protowire.ConsumeVarint(value)
			entry.SoftTTL = int64(v)
		}
		return nil
	})
	if err != nil {
		return PrefetchEntry{}, fmt.Errorf("prefetch entry: %w", err)
	}
	if entry.URL == "" {
		return PrefetchEntry{}, fmt.Errorf("%w: prefetch entry without url", ErrMalformed)
	}
	entry.Response, err = decode(body, depth+1)
	if err != nil {
		return PrefetchEntry{}, fmt.Errorf("prefetch %s: %w", entry.URL, err)
	}
	return entry, nil
}
