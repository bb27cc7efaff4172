package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend is a minimal line-delimited JSON-RPC server. Each handler
// receives the raw request and returns the result or an error string.
type fakeBackend struct {
	ln       net.Listener
	handlers map[string]func(params []json.RawMessage) (interface{}, string)
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	f := &fakeBackend{
		ln:       ln,
		handlers: make(map[string]func([]json.RawMessage) (interface{}, string)),
	}
	go f.serve()
	return f
}

func (f *fakeBackend) addr() string { return f.ln.Addr().String() }

func (f *fakeBackend) handle(method string, fn func(params []json.RawMessage) (interface{}, string)) {
	f.handlers[method] = fn
}

func (f *fakeBackend) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.serveConn(conn)
	}
}

func (f *fakeBackend) serveConn(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}
		var req struct {
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
			Id     int               `json:"id"`
		}
		if err := json.Unmarshal(line, &req); err != nil {
			return
		}

		resp := map[string]interface{}{"id": req.Id, "result": nil, "error": nil}
		if fn, ok := f.handlers[req.Method]; ok {
			result, errMsg := fn(req.Params)
			if errMsg != "" {
				resp["error"] = errMsg
			} else {
				resp["result"] = result
			}
		} else {
			resp["error"] = "unknown method " + req.Method
		}
		payload, _ := json.Marshal(resp)
		payload = append(payload, '\n')
		if _, err := conn.Write(payload); err != nil {
			return
		}
	}
}

func TestCallRoundTrip(t *testing.T) {
	f := newFakeBackend(t)
	f.handle("RPCServer.Echo", func(params []json.RawMessage) (interface{}, string) {
		return map[string]string{"got": string(params[0])}, ""
	})

	c, err := Dial(context.Background(), f.addr())
	require.NoError(t, err)
	defer c.Close()

	var out struct {
		Got string `json:"got"`
	}
	err = c.Call(Method("RPCServer.Echo"), "hello", &out)
	require.NoError(t, err)
	assert.Equal(t, `"hello"`, out.Got)
}

func TestCallError(t *testing.T) {
	f := newFakeBackend(t)
	f.handle("RPCServer.Boom", func(params []json.RawMessage) (interface{}, string) {
		return nil, "something broke"
	})

	c, err := Dial(context.Background(), f.addr())
	require.NoError(t, err)
	defer c.Close()

	err = c.Call(Method("RPCServer.Boom"), struct{}{}, nil)
	require.Error(t, err)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, "something broke", rpcErr.Message)
}

func TestConcurrentCallsCorrelate(t *testing.T) {
	f := newFakeBackend(t)
	f.handle("RPCServer.Id", func(params []json.RawMessage) (interface{}, string) {
		var n int
		_ = json.Unmarshal(params[0], &n)
		return n, ""
	})

	c, err := Dial(context.Background(), f.addr())
	require.NoError(t, err)
	defer c.Close()

	const calls = 20
	results := make([]int, calls)
	errs := make([]<-chan error, calls)
	for i := 0; i < calls; i++ {
		errs[i] = c.Go(Method("RPCServer.Id"), i, &results[i])
	}
	for i := 0; i < calls; i++ {
		require.NoError(t, <-errs[i])
		assert.Equal(t, i, results[i])
	}
}

func TestTransportDropRejectsPending(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	c, err := Dial(context.Background(), ln.Addr().String())
	require.NoError(t, err)

	// The server never answers; it just drops the connection.
	errc := c.Go(Method("RPCServer.Never"), struct{}{}, nil)
	conn := <-accepted
	conn.Close()

	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrClientClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call was not rejected after transport drop")
	}
	assert.True(t, c.Closed())
}

func TestCallAfterClose(t *testing.T) {
	f := newFakeBackend(t)
	c, err := Dial(context.Background(), f.addr())
	require.NoError(t, err)
	require.NoError(t, c.Close())

	err = c.Call(Method("RPCServer.Anything"), struct{}{}, nil)
	require.ErrorIs(t, err, ErrClientClosed)
}

func TestCheckAPIVersion(t *testing.T) {
	f := newFakeBackend(t)
	version := 2
	f.handle(string(MethodGetVersion), func(params []json.RawMessage) (interface{}, string) {
		return map[string]interface{}{
			"DelveVersion": "1.24.1",
			"APIVersion":   version,
		}, ""
	})

	c, err := Dial(context.Background(), f.addr())
	require.NoError(t, err)
	defer c.Close()

	out, err := c.GetVersion()
	require.NoError(t, err)
	assert.Equal(t, ExpectedAPIVersion, out.APIVersion)
	require.NoError(t, c.CheckAPIVersion())

	version = 1
	err = c.CheckAPIVersion()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API version 1")
}

func TestObjectFormError(t *testing.T) {
	msg, isErr := decodeRPCError(json.RawMessage(`{"message":"bad scope"}`))
	assert.True(t, isErr)
	assert.Equal(t, "bad scope", msg)

	msg, isErr = decodeRPCError(json.RawMessage(`"plain string"`))
	assert.True(t, isErr)
	assert.Equal(t, "plain string", msg)

	_, isErr = decodeRPCError(json.RawMessage(`null`))
	assert.False(t, isErr)

	_, isErr = decodeRPCError(nil)
	assert.False(t, isErr)
}
