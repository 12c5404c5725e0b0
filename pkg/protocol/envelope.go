package protocol

import (
	"github.com/aretw0/tessera/pkg/core"
)

// Request is one call from a client. Token is the signed session token of the
// caller; it is empty only for login.
type Request struct {
	ID     uint64     `cbor:"id"`
	Method string     `cbor:"method"`
	Token  string     `cbor:"token,omitempty"`
	Params RawMessage `cbor:"params,omitempty"`
}

// Response answers the request with the same ID.
type Response struct {
	ID     uint64     `cbor:"id"`
	Result RawMessage `cbor:"result,omitempty"`
	Error  *Error     `cbor:"error,omitempty"`
}

// Callback is one ordered event of a source. Index increases by one per
// callback of the same source. TaskIDs lists the writes the callback completes.
type Callback struct {
	Source  string        `cbor:"source"`
	Index   uint64        `cbor:"index"`
	Kind    string        `cbor:"kind"`
	Target  string        `cbor:"target,omitempty"`
	TaskIDs []core.TaskID `cbor:"task_ids,omitempty"`
	UserID  string        `cbor:"user_id,omitempty"`
	Data    RawMessage    `cbor:"data,omitempty"`
}

// Frame is the unit written on a stream transport. Exactly one field is set.
type Frame struct {
	Request  *Request  `cbor:"req,omitempty"`
	Response *Response `cbor:"res,omitempty"`
	Callback *Callback `cbor:"cb,omitempty"`
}

// Callback sources.
const (
	SourceUsers     = "users"
	SourceDataBases = "databases"
	SourceDomains   = "domains"
)

// DataBaseSource names the callback source of one data base.
func DataBaseSource(name string) string {
	return "db:" + name
}

// Derive returns the task id of the secondary callback of a write whose
// completion spans several sources. Client and server compute the same value.
func Derive(task core.TaskID, part string) core.TaskID {
	return core.TaskIDFor(task.String(), part)
}
