package internal

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/ilnaes/jsonpad/crdt/clock"
	"github.com/ilnaes/jsonpad/crdt/model"
	"github.com/ilnaes/jsonpad/crdt/patch"
	"go.mongodb.org/mongo-driver/mongo"
)

const (
	UpdateInterval   = 250 * time.Millisecond
	SnapshotInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type Server struct {
	Docs      map[string]*DocMeta
	CommitLog []Request

	LastCommit int

	store  *Store
	users  *mongo.Collection
	secret []byte

	cl   sync.Mutex   // protects CommitLog
	docs sync.RWMutex // W protects all docs, R needs to be held when locking just one doc
}

func NewServer(store *Store, users *mongo.Collection, secret []byte) *Server {
	return &Server{
		Docs:      make(map[string]*DocMeta),
		CommitLog: []Request{},
		store:     store,
		users:     users,
		secret:    secret,
	}
}

// processes a request
// called while holding s.docs lock
func (s *Server) handle(r Request) {
	doc, ok := s.Docs[r.DocId]
	if !ok {
		return
	}
	doc.mu.Lock()
	defer doc.mu.Unlock()

	for i, raw := range r.Patches {
		seq := r.Seq + i
		if seq < doc.AppliedSeqs[r.Uid] {
			continue
		}
		p, err := patch.Decode(raw)
		if err != nil {
			log.Println("bad patch from", r.Uid, ":", err)
			continue
		}
		if err := doc.Doc.ApplyPatch(p); err != nil {
			log.Println("apply failed for", r.Uid, ":", err)
			continue
		}
		doc.Log = append(doc.Log, raw)
		doc.AppliedSeqs[r.Uid] = seq + 1
	}
}

// applies committed requests to documents
func (s *Server) update() {
	for {
		time.Sleep(UpdateInterval)
		s.cl.Lock()
		tmp := s.CommitLog
		s.CommitLog = []Request{}
		s.cl.Unlock()

		s.docs.RLock()
		for _, r := range tmp {
			s.handle(r)
		}
		s.docs.RUnlock()
	}
}

// periodically persists documents that have grown since the last snapshot
func (s *Server) snapshot() {
	for {
		time.Sleep(SnapshotInterval)
		if s.store == nil {
			continue
		}
		s.docs.RLock()
		for _, d := range s.Docs {
			d.mu.Lock()
			if len(d.Log) == d.NextDiscard {
				d.mu.Unlock()
				continue
			}
			bin, err := d.Doc.ToBinary()
			if err != nil {
				log.Println("snapshot encode:", err)
				d.mu.Unlock()
				continue
			}
			d.NextDiscard = len(d.Log)
			logCopy := make([][]byte, len(d.Log))
			copy(logCopy, d.Log)
			id := d.DocId
			d.mu.Unlock()

			if err := s.store.Save(id, bin, logCopy); err != nil {
				log.Println("snapshot save:", err)
			}
		}
		s.docs.RUnlock()
	}
}

func (s *Server) NewClient(docId, uid string, conn *websocket.Conn) *Client {
	s.docs.RLock()
	doc := s.Docs[docId]
	s.docs.RUnlock()
	return &Client{
		s:     s,
		doc:   doc,
		conn:  conn,
		uid:   uid,
		alive: true,
	}
}

// loads a doc from the store into memory, creating it if absent
// called while holding s.docs write lock
func (s *Server) loadDoc(id string) (*DocMeta, error) {
	if d, ok := s.Docs[id]; ok {
		return d, nil
	}
	d := &DocMeta{
		DocId:       id,
		Log:         [][]byte{},
		NextSeq:     make(map[string]int),
		AppliedSeqs: make(map[string]int),
	}
	if s.store != nil {
		bin, plog, err := s.store.Load(id)
		if err != nil && err != ErrNotFound {
			return nil, err
		}
		if err == nil {
			m, err := model.Load(bin)
			if err != nil {
				return nil, err
			}
			d.Doc = m
			d.Log = plog
			d.NextDiscard = len(plog)
		}
	}
	if d.Doc == nil {
		d.Doc = model.New(clock.NewSessionID())
	}
	s.Docs[id] = d
	return d, nil
}

// set up websocket
func (s *Server) ws(w http.ResponseWriter, r *http.Request) {
	docId := mux.Vars(r)["docid"]

	s.docs.Lock()
	_, err := s.loadDoc(docId)
	s.docs.Unlock()
	if err != nil {
		http.Error(w, "Cannot load doc", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println(err)
		return
	}

	// wait for token message
	_, res, err := conn.ReadMessage()
	if err != nil {
		log.Println(err)
		conn.Close()
		return
	}
	uid, ok := s.parseJWT(string(res))
	if !ok {
		conn.WriteJSON(Response{Type: Error})
		conn.Close()
		return
	}

	c := s.NewClient(docId, uid, conn)
	c.interact()
}

// creates a fresh document and returns its id
func (s *Server) newDoc(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()

	s.docs.Lock()
	_, err := s.loadDoc(id)
	s.docs.Unlock()
	if err != nil {
		http.Error(w, "Cannot create doc", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"docid": id})
}

// returns the materialized JSON view of a document
func (s *Server) getDoc(w http.ResponseWriter, r *http.Request) {
	docId := mux.Vars(r)["docid"]

	s.docs.RLock()
	doc, ok := s.Docs[docId]
	s.docs.RUnlock()
	if !ok {
		http.Error(w, "Unknown doc", http.StatusNotFound)
		return
	}

	doc.mu.Lock()
	view := doc.Doc.View()
	version := doc.Version()
	doc.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"version": version,
		"view":    view,
	})
}
