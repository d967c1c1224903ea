package wire

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// Marshal encodes r, including any prefetch entries that have not been popped, as a
// ResponseWrapper. Test servers use it to build replies.
func (r *Response) Marshal() []byte {
	var b []byte
	if r.Payload != nil {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Payload)
	}
	if c := r.Commands; c != (ServerCommands{}) {
		var cb []byte
		if c.ClearCache {
			cb = protowire.AppendTag(cb, fieldCommandsClearCache, protowire.VarintType)
			cb = protowire.AppendVarint(cb, 1)
		}
		if c.DisplayErrorMessage != "" {
			cb = protowire.AppendTag(cb, fieldCommandsDisplayErrorMessage, protowire.BytesType)
			cb = protowire.AppendString(cb, c.DisplayErrorMessage)
		}
		if c.LogErrorStacktrace != "" {
			cb = protowire.AppendTag(cb, fieldCommandsLogErrorStacktrace, protowire.BytesType)
			cb = protowire.AppendString(cb, c.LogErrorStacktrace)
		}
		b = protowire.AppendTag(b, fieldCommands, protowire.BytesType)
		b = protowire.AppendBytes(b, cb)
	}
	for _, entry := range r.prefetch {
		var pb []byte
		pb = protowire.AppendTag(pb, fieldPreFetchURL, protowire.BytesType)
		pb = protowire.AppendString(pb, entry.URL)
		var body []byte
		if entry.Response != nil {
			body = entry.Response.Marshal()
		}
		pb = protowire.AppendTag(pb, fieldPreFetchResponse, protowire.BytesType)
		pb = protowire.AppendBytes(pb, body)
		if entry.ETag != "" {
			pb = protowire.AppendTag(pb, fieldPreFetchETag, protowire.BytesType)
			pb = protowire.AppendString(pb, entry.ETag)
		}
		if entry.TTL != 0 {
			pb = protowire.AppendTag(pb, fieldPreFetchTTL, protowire.VarintType)
			pb = protowire.AppendVarint(pb, uint64(entry.TTL))
		}
		if entry.SoftTTL != 0 {
			pb = protowire.AppendTag(pb, fieldPreFetchSoftTTL, protowire.VarintType)
			pb = protowire.AppendVarint(pb, uint64(entry.SoftTTL))
		}
		b = protowire.AppendTag(b, fieldPreFetch, protowire.BytesType)
		b = protowire.AppendBytes(b, pb)
	}
	return b
}

// AddPrefetch attaches a prefetch entry to r.
func (r *Response) AddPrefetch(entry PrefetchEntry) {
	r.prefetch = append(r.prefetch, entry)
}

// NewMessage builds a Message with a single length-delimited field.
func NewMessage(num protowire.Number, value []byte) Message {
	b := protowire.AppendTag(nil, num, protowire.BytesType)
	return Message(protowire.AppendBytes(b, value))
}
