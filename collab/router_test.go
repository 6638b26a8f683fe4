package collab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boundRegistry(t *testing.T, doc string, conns ...*fakeConn) *Registry {
	t.Helper()
	r := NewRegistry()
	for _, c := range conns {
		r.Register(c)
		require.NoError(t, bind(r, c.ID(), "user-"+c.ID(), doc, RoleViewer, ""))
	}
	return r
}

func TestBroadcastToDocument(t *testing.T) {
	a, b, c := newFakeConn("a"), newFakeConn("b"), newFakeConn("c")
	r := boundRegistry(t, "42", a, b, c)
	outsider := newFakeConn("x")
	r.Register(outsider)
	require.NoError(t, bind(r, "x", "user-x", "99", RoleViewer, ""))

	router := NewRouter(r)
	n := router.BroadcastToDocument("42", map[string]string{"type": "ping"}, "user-a")

	assert.Equal(t, 2, n)
	assert.Empty(t, a.messages(t))
	assert.Len(t, b.ofType(t, "ping"), 1)
	assert.Len(t, c.ofType(t, "ping"), 1)
	assert.Empty(t, outsider.messages(t))
}

func TestBroadcastSkipsClosedAndFailingConnections(t *testing.T) {
	a, b, c := newFakeConn("a"), newFakeConn("b"), newFakeConn("c")
	r := boundRegistry(t, "42", a, b, c)
	a.close()
	b.failSend = true

	n := NewRouter(r).BroadcastToDocument("42", map[string]string{"type": "ping"}, "")

	assert.Equal(t, 1, n)
	assert.Empty(t, a.messages(t))
	assert.Empty(t, b.messages(t))
	assert.Len(t, c.ofType(t, "ping"), 1)
}

func TestSendTo(t *testing.T) {
	a := newFakeConn("a")
	router := NewRouter(boundRegistry(t, "42", a))

	assert.True(t, router.SendTo("user-a", map[string]string{"type": "hello"}))
	assert.False(t, router.SendTo("nobody", map[string]string{"type": "hello"}))
	assert.Len(t, a.ofType(t, "hello"), 1)
}
