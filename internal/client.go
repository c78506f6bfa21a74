package internal

import (
	"log"
	"sync"

	"github.com/gorilla/websocket"
)

type Client struct {
	s     *Server
	doc   *DocMeta
	uid   string
	conn  *websocket.Conn
	alive bool

	sync.Mutex // protects concurrent conn writes
}

// thread-safe websocket writing
func (c *Client) write(res Response) {
	c.Lock()
	err := c.conn.WriteJSON(res)
	c.Unlock()
	if err != nil {
		c.alive = false
	}
}

// handles document queries: send the log suffix the client is missing, or a
// full snapshot when its version predates the retained log
func (c *Client) handleQuery(version int) {
	c.doc.mu.Lock()

	seq := c.doc.AppliedSeqs[c.uid]
	cur := c.doc.Version()
	if version > cur {
		c.doc.mu.Unlock()

		c.write(Response{
			Type: Error,
			Seq:  seq,
		})
		return
	}
	if version < c.doc.NextDiscard {
		// client is behind the retained log, resync from a snapshot
		bin, err := c.doc.Doc.ToBinary()
		c.doc.mu.Unlock()
		if err != nil {
			log.Println("snapshot encode:", err)
			c.write(Response{Type: Error, Seq: seq})
			return
		}

		c.write(Response{
			Type:     DocRes,
			Snapshot: bin,
			Version:  cur,
			Seq:      seq,
		})
		return
	}

	patches := make([][]byte, cur-version)
	copy(patches, c.doc.Log[version:])
	c.doc.mu.Unlock()

	c.write(Response{
		Type:    PatchRes,
		Version: version,
		Patches: patches,
		Seq:     seq,
	})
}

// does basic checking and adds a patch batch to the commit log
func (c *Client) handlePatches(m Request) {
	if len(m.Patches) == 0 {
		return
	}
	m.Uid = c.uid
	m.DocId = c.doc.DocId

	c.doc.mu.Lock()
	seq := c.doc.NextSeq[c.uid]
	if m.Seq != seq {
		// incorrect sequence number
		c.doc.mu.Unlock()

		c.write(Response{
			Type: Error,
			Seq:  seq,
		})
		return
	}
	c.doc.NextSeq[c.uid] = m.Seq + len(m.Patches)
	c.doc.mu.Unlock()

	c.s.cl.Lock()
	m.Num = c.s.LastCommit
	c.s.LastCommit++
	c.s.CommitLog = append(c.s.CommitLog, m)
	c.s.cl.Unlock()

	c.write(Response{
		Type: Ack,
		Seq:  seq,
	})
}

func (c *Client) interact() {
	for c.alive {
		var m Request
		if err := c.conn.ReadJSON(&m); err != nil {
			log.Println(err)
			break
		}

		if m.IsQuery {
			go c.handleQuery(m.Version)
		} else if m.Patches != nil {
			go c.handlePatches(m)
		}
	}
	c.conn.Close()
}
