// Package wire decodes the binary envelope returned by the fdfe API.
//
// Every API reply is a protobuf-encoded ResponseWrapper:
//
//	ResponseWrapper {
//	  Payload        payload     = 1;
//	  ServerCommands commands    = 2;
//	  repeated PreFetch preFetch = 3;
//	}
//	PreFetch { string url = 1; bytes response = 2; string etag = 3; int64 ttl = 4; int64 softTtl = 5; }
//
// A PreFetch carries a complete serialized ResponseWrapper for a request the client has not made
// yet. [ProtoDecoder] decodes those recursively so that they can be served from a cache.
//
// The payload itself is not interpreted here. [Message] gives callers field-level access to the
// raw bytes so endpoint-specific packages can reach the sub-message they need without this
// package depending on generated code for every response type.
package wire
