package internal

import (
	"sync"

	"github.com/ilnaes/jsonpad/crdt/model"
)

const (
	Ack      = "Ack"
	DocRes   = "DocRes"
	PatchRes = "PatchRes"
	Error    = "Error"
)

// Request is one client->server websocket message. Patches carry binary
// CRDT patches (base64 over the wire via encoding/json).
type Request struct {
	IsQuery bool
	Version int // client's last seen log position
	DocId   string
	Uid     string

	Patches [][]byte
	Seq     int
	Num     int
}

// Response is one server->client websocket message. A DocRes carries a full
// model snapshot; a PatchRes carries the log suffix the client is missing.
type Response struct {
	Type    string
	Version int
	Seq     int // last seen seq (always included)

	Snapshot []byte // model binary for DocRes
	Patches  [][]byte
}

// DocMeta is the server-side state of one document: the materialized model
// plus the patch log clients catch up from.
type DocMeta struct {
	Doc   *model.Model
	DocId string

	Log         [][]byte       // applied patch binaries, in commit order
	NextSeq     map[string]int // expected next seq from user
	AppliedSeqs map[string]int // all seqs up to this from user have been applied
	NextDiscard int

	mu sync.Mutex // protects individual doc, must hold RLock of server.docs
}

// Version is the number of committed patches; clients poll against it.
func (d *DocMeta) Version() int {
	return len(d.Log)
}
