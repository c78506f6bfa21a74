package internal

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ilnaes/jsonpad/crdt/clock"
	"github.com/ilnaes/jsonpad/crdt/patch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServer() *Server {
	return NewServer(nil, nil, []byte("test-secret"))
}

func makePatch(t *testing.T, value any) *patch.Patch {
	t.Helper()
	b := patch.NewBuilder(clock.New(clock.NewSessionID()))
	b.Root(b.JSON(value))
	p, err := b.Flush()
	require.NoError(t, err)
	return p
}

func TestJWTRoundTrip(t *testing.T) {
	s := testServer()

	token, err := s.signJWT(Claims{Uid: "alice"})
	require.NoError(t, err)

	uid, ok := s.parseJWT(token)
	require.True(t, ok)
	assert.Equal(t, "alice", uid)

	other := NewServer(nil, nil, []byte("other-secret"))
	_, ok = other.parseJWT(token)
	assert.False(t, ok)

	_, ok = s.parseJWT("not.a.token")
	assert.False(t, ok)
}

func TestMiddleware(t *testing.T) {
	s := testServer()
	token, err := s.signJWT(Claims{Uid: "bob"})
	require.NoError(t, err)

	handler := s.middleware(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Context().Value(uidKey{}).(string)))
	})

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bob", rec.Body.String())

	req = httptest.NewRequest("GET", "/", nil)
	rec = httptest.NewRecorder()
	handler(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleAppliesPatches(t *testing.T) {
	s := testServer()
	s.docs.Lock()
	doc, err := s.loadDoc("d1")
	s.docs.Unlock()
	require.NoError(t, err)

	p := makePatch(t, map[string]any{"msg": "hi"})
	s.handle(Request{
		DocId:   "d1",
		Uid:     "alice",
		Patches: [][]byte{p.Bytes()},
		Seq:     0,
	})

	assert.Equal(t, 1, doc.Version())
	assert.Equal(t, 1, doc.AppliedSeqs["alice"])
	assert.Equal(t, map[string]any{"msg": "hi"}, doc.Doc.View())

	// replaying an already applied seq is a no-op
	s.handle(Request{
		DocId:   "d1",
		Uid:     "alice",
		Patches: [][]byte{p.Bytes()},
		Seq:     0,
	})
	assert.Equal(t, 1, doc.Version())
}

func TestHandleUnknownDoc(t *testing.T) {
	s := testServer()
	s.handle(Request{DocId: "nope", Uid: "alice", Patches: [][]byte{{0x01}}})
	assert.Empty(t, s.Docs)
}

func TestNewAndGetDoc(t *testing.T) {
	s := testServer()
	token, err := s.signJWT(Claims{Uid: "alice"})
	require.NoError(t, err)

	srv := httptest.NewServer(Router(s))
	defer srv.Close()

	req, _ := http.NewRequest("POST", srv.URL+"/doc", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var created map[string]string
	require.NoError(t, json.NewDecoder(res.Body).Decode(&created))
	docId := created["docid"]
	require.NotEmpty(t, docId)

	req, _ = http.NewRequest("GET", srv.URL+"/doc/"+docId, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	res, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var got struct {
		Version int `json:"version"`
		View    any `json:"view"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&got))
	assert.Equal(t, 0, got.Version)
	assert.Nil(t, got.View)

	// unauthenticated access is rejected
	res, err = http.Get(srv.URL + "/doc/" + docId)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}

func dialWS(t *testing.T, srv *httptest.Server, docId, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + docId
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(token)))
	return conn
}

func TestWebsocketRejectsBadToken(t *testing.T) {
	s := testServer()
	srv := httptest.NewServer(Router(s))
	defer srv.Close()

	conn := dialWS(t, srv, "doc-x", "garbage")
	defer conn.Close()

	var res Response
	require.NoError(t, conn.ReadJSON(&res))
	assert.Equal(t, Error, res.Type)
}

func TestWebsocketSync(t *testing.T) {
	s := testServer()
	go s.update()
	token, err := s.signJWT(Claims{Uid: "alice"})
	require.NoError(t, err)

	srv := httptest.NewServer(Router(s))
	defer srv.Close()

	conn := dialWS(t, srv, "doc-ws", token)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	// fresh doc, nothing to catch up on
	require.NoError(t, conn.WriteJSON(Request{IsQuery: true, Version: 0}))
	var res Response
	require.NoError(t, conn.ReadJSON(&res))
	assert.Equal(t, PatchRes, res.Type)
	assert.Empty(t, res.Patches)

	p := makePatch(t, map[string]any{"msg": "hi"})
	require.NoError(t, conn.WriteJSON(Request{Patches: [][]byte{p.Bytes()}, Seq: 0}))
	require.NoError(t, conn.ReadJSON(&res))
	assert.Equal(t, Ack, res.Type)

	// out-of-order seq is refused
	require.NoError(t, conn.WriteJSON(Request{Patches: [][]byte{p.Bytes()}, Seq: 5}))
	require.NoError(t, conn.ReadJSON(&res))
	assert.Equal(t, Error, res.Type)
	assert.Equal(t, 1, res.Seq)

	// the update loop commits the batch
	require.Eventually(t, func() bool {
		s.docs.RLock()
		doc := s.Docs["doc-ws"]
		s.docs.RUnlock()
		doc.mu.Lock()
		defer doc.mu.Unlock()
		return doc.Version() == 1
	}, 5*time.Second, 50*time.Millisecond)

	s.docs.RLock()
	doc := s.Docs["doc-ws"]
	s.docs.RUnlock()
	doc.mu.Lock()
	view := doc.Doc.View()
	doc.mu.Unlock()
	assert.Equal(t, map[string]any{"msg": "hi"}, view)

	// a fresh query now returns the committed patch
	require.NoError(t, conn.WriteJSON(Request{IsQuery: true, Version: 0}))
	require.NoError(t, conn.ReadJSON(&res))
	assert.Equal(t, PatchRes, res.Type)
	require.Len(t, res.Patches, 1)
	assert.Equal(t, p.Bytes(), res.Patches[0])
}

func TestLoginWithoutDatabase(t *testing.T) {
	s := testServer()
	srv := httptest.NewServer(Router(s))
	defer srv.Close()

	res, err := http.Post(srv.URL+"/login", "application/json",
		strings.NewReader(`{"username":"a","password":"b"}`))
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("PORT", "9001")
	t.Setenv("MONGO_URI", "")
	t.Setenv("JWT_SECRET", "")

	cfg := ConfigFromEnv()
	assert.Equal(t, 9001, cfg.Port)
	assert.Equal(t, "", cfg.MongoURI)
	assert.Equal(t, "dev-secret", cfg.Secret)
}
