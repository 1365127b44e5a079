package testing

import (
	"context"
	"strings"
	"testing"

	"github.com/marmos91/dittodav/pkg/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ConnTestSuite checks the backend.Conn contract. It is implementation
// agnostic and is run against every backend (memory and badger in unit
// tests, S3 and Postgres in integration tests).
//
// Usage:
//
//	func TestMyBackend(t *testing.T) {
//	    suite := &backendtesting.ConnTestSuite{
//	        NewConn: func(t *testing.T) backend.Conn { return open(t) },
//	    }
//	    suite.Run(t)
//	}
type ConnTestSuite struct {
	// NewConn returns a fresh connection. Connections returned for the same
	// test may share a keyspace; every test uses its own key prefix.
	NewConn func(t *testing.T) backend.Conn
}

// Run executes all tests in the suite.
func (suite *ConnTestSuite) Run(t *testing.T) {
	t.Run("GetMissing", suite.testGetMissing)
	t.Run("PutGet", suite.testPutGet)
	t.Run("Overwrite", suite.testOverwrite)
	t.Run("EmptyValue", suite.testEmptyValue)
	t.Run("Delete", suite.testDelete)
	t.Run("ListPrefix", suite.testListPrefix)
	t.Run("SharedKeyspace", suite.testSharedKeyspace)
	t.Run("Ping", suite.testPing)
	t.Run("UseAfterClose", suite.testUseAfterClose)
}

func testContext() context.Context {
	return context.Background()
}

// prefix returns a key prefix unique to the running test.
func prefix(t *testing.T) string {
	return "suite/" + strings.ReplaceAll(t.Name(), "/", "_") + "/"
}

func (suite *ConnTestSuite) open(t *testing.T) backend.Conn {
	t.Helper()
	c := suite.NewConn(t)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func mustExecute(t *testing.T, c backend.Conn, q backend.Query) []byte {
	t.Helper()
	out, err := c.Execute(testContext(), q)
	require.NoError(t, err, "%s %s should succeed", q.Op, q.Key)
	return out
}

func (suite *ConnTestSuite) testGetMissing(t *testing.T) {
	c := suite.open(t)
	_, err := c.Execute(testContext(), backend.Get(prefix(t)+"missing"))
	assert.ErrorIs(t, err, backend.ErrNotFound)
}

func (suite *ConnTestSuite) testPutGet(t *testing.T) {
	c := suite.open(t)
	key := prefix(t) + "file.txt"

	mustExecute(t, c, backend.Put(key, []byte("hello")))
	assert.Equal(t, []byte("hello"), mustExecute(t, c, backend.Get(key)))
}

func (suite *ConnTestSuite) testOverwrite(t *testing.T) {
	c := suite.open(t)
	key := prefix(t) + "file.txt"

	mustExecute(t, c, backend.Put(key, []byte("v1")))
	mustExecute(t, c, backend.Put(key, []byte("version two")))
	assert.Equal(t, []byte("version two"), mustExecute(t, c, backend.Get(key)))
}

func (suite *ConnTestSuite) testEmptyValue(t *testing.T) {
	c := suite.open(t)
	key := prefix(t) + "dir/"

	mustExecute(t, c, backend.Put(key, nil))
	got := mustExecute(t, c, backend.Get(key))
	assert.Empty(t, got)
}

func (suite *ConnTestSuite) testDelete(t *testing.T) {
	c := suite.open(t)
	key := prefix(t) + "gone"

	mustExecute(t, c, backend.Put(key, []byte("x")))
	mustExecute(t, c, backend.Delete(key))

	_, err := c.Execute(testContext(), backend.Get(key))
	assert.ErrorIs(t, err, backend.ErrNotFound)

	_, err = c.Execute(testContext(), backend.Delete(key))
	assert.ErrorIs(t, err, backend.ErrNotFound)
}

func (suite *ConnTestSuite) testListPrefix(t *testing.T) {
	c := suite.open(t)
	p := prefix(t)

	mustExecute(t, c, backend.Put(p+"docs/", nil))
	mustExecute(t, c, backend.Put(p+"docs/b.txt", []byte("b")))
	mustExecute(t, c, backend.Put(p+"docs/a.txt", []byte("a")))
	mustExecute(t, c, backend.Put(p+"other.txt", []byte("o")))

	keys := backend.DecodeKeys(mustExecute(t, c, backend.List(p+"docs/")))
	assert.Equal(t, []string{p + "docs/", p + "docs/a.txt", p + "docs/b.txt"}, keys)

	none := backend.DecodeKeys(mustExecute(t, c, backend.List(p+"nothing/")))
	assert.Empty(t, none)
}

func (suite *ConnTestSuite) testSharedKeyspace(t *testing.T) {
	a := suite.open(t)
	b := suite.open(t)
	key := prefix(t) + "shared"

	mustExecute(t, a, backend.Put(key, []byte("from a")))
	assert.Equal(t, []byte("from a"), mustExecute(t, b, backend.Get(key)))
}

func (suite *ConnTestSuite) testPing(t *testing.T) {
	c := suite.open(t)
	assert.NoError(t, c.Ping(testContext()))
}

func (suite *ConnTestSuite) testUseAfterClose(t *testing.T) {
	c := suite.NewConn(t)
	require.NoError(t, c.Close())

	_, err := c.Execute(testContext(), backend.Get(prefix(t)+"k"))
	assert.Error(t, err)
	assert.Error(t, c.Ping(testContext()))
}
