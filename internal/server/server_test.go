package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jwilder/dashcache/internal/config"
	"github.com/jwilder/dashcache/internal/protocol"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Listen = "127.0.0.1:0"
	cfg.Workers = 4
	cfg.MinBlockSize = 64
	cfg.MaxBlockSize = 64 * 1024
	cfg.SweepInterval = config.Duration(20 * time.Millisecond)
	return cfg
}

// testServer is a running Server and the address it accepts on.
type testServer struct {
	*Server
	addr string
}

// startServer serves cfg on a loopback port until the test ends. The address
// comes from the listener, since Addr stays nil until Serve gets scheduled.
func startServer(t *testing.T, cfg config.Config) *testServer {
	t.Helper()
	srv, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return &testServer{Server: srv, addr: addr}
}

func dial(t *testing.T, srv *testServer) *protocol.Client {
	t.Helper()
	c, err := protocol.Dial(context.Background(), srv.addr)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestServer_BasicOperations(t *testing.T) {
	c := dial(t, startServer(t, testConfig()))

	cas, err := c.Set([]byte("greeting"), []byte("hello"), 42, 0, 0)
	require.NoError(t, err)
	require.NotZero(t, cas)

	item, err := c.Get([]byte("greeting"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(item.Value))
	require.Equal(t, uint32(42), item.Flags)
	require.Equal(t, cas, item.CAS)

	_, err = c.Append([]byte("greeting"), []byte(" world"), 0)
	require.NoError(t, err)
	_, err = c.Prepend([]byte("greeting"), []byte("> "), 0)
	require.NoError(t, err)
	item, err = c.Get([]byte("greeting"))
	require.NoError(t, err)
	require.Equal(t, "> hello world", string(item.Value))
	require.Equal(t, uint32(42), item.Flags)

	require.NoError(t, c.Delete([]byte("greeting"), 0))
	_, err = c.Get([]byte("greeting"))
	require.ErrorIs(t, err, protocol.StatusKeyNotFound)
	require.ErrorIs(t, c.Delete([]byte("greeting"), 0), protocol.StatusKeyNotFound)
}

func TestServer_AddReplaceCAS(t *testing.T) {
	c := dial(t, startServer(t, testConfig()))
	key := []byte("k")

	_, err := c.Replace(key, []byte("v"), 0, 0, 0)
	require.ErrorIs(t, err, protocol.StatusKeyNotFound)

	v1, err := c.Add(key, []byte("v1"), 0, 0)
	require.NoError(t, err)
	_, err = c.Add(key, []byte("v2"), 0, 0)
	require.ErrorIs(t, err, protocol.StatusKeyExists)

	_, err = c.Set(key, []byte("v2"), 0, 0, v1+1000)
	require.ErrorIs(t, err, protocol.StatusKeyExists)
	v2, err := c.Replace(key, []byte("v2"), 0, 0, v1)
	require.NoError(t, err)
	require.Greater(t, v2, v1)

	require.ErrorIs(t, c.Delete(key, v1), protocol.StatusKeyExists)
	require.NoError(t, c.Delete(key, v2))
}

func TestServer_Counters(t *testing.T) {
	c := dial(t, startServer(t, testConfig()))
	key := []byte("hits")

	_, _, err := c.Incr(key, 1, 0, protocol.NoAutoCreate)
	require.ErrorIs(t, err, protocol.StatusKeyNotFound)

	n, _, err := c.Incr(key, 1, 100, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(100), n)

	n, _, err = c.Incr(key, 5, 0, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(105), n)

	n, _, err = c.Decr(key, 1000, 0, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0), n)

	item, err := c.Get(key)
	require.NoError(t, err)
	require.Equal(t, "0", string(item.Value))

	_, err = c.Set(key, []byte("abc"), 0, 0, 0)
	require.NoError(t, err)
	_, _, err = c.Incr(key, 1, 0, 0)
	require.ErrorIs(t, err, protocol.StatusNonNumeric)
}

func TestServer_QuietPipeline(t *testing.T) {
	c := dial(t, startServer(t, testConfig()))

	var reqs []*protocol.Request
	for i := 0; i < 50; i++ {
		reqs = append(reqs, &protocol.Request{Packet: protocol.Packet{
			Header: protocol.Header{Opcode: protocol.OpSetQ},
			Extras: protocol.StoreExtras{}.Bytes(),
			Key:    []byte(fmt.Sprintf("key-%d", i)),
			Value:  []byte(strconv.Itoa(i)),
		}})
	}
	// A quiet miss and a quiet failure in the middle of the batch.
	reqs = append(reqs,
		&protocol.Request{Packet: protocol.Packet{Header: protocol.Header{Opcode: protocol.OpGetQ}, Key: []byte("missing")}},
		&protocol.Request{Packet: protocol.Packet{Header: protocol.Header{Opcode: protocol.OpDeleteQ}, Key: []byte("missing")}},
		&protocol.Request{Packet: protocol.Packet{Header: protocol.Header{Opcode: protocol.OpGetKQ}, Key: []byte("key-7")}},
	)

	resps, err := c.Pipeline(reqs)
	require.NoError(t, err)
	require.Len(t, resps, 2)

	require.Equal(t, protocol.OpDeleteQ, resps[0].Opcode)
	require.Equal(t, protocol.StatusKeyNotFound, resps[0].Status())
	require.Equal(t, reqs[51].Opaque, resps[0].Opaque)

	require.Equal(t, protocol.OpGetKQ, resps[1].Opcode)
	require.Equal(t, "key-7", string(resps[1].Key))
	require.Equal(t, "7", string(resps[1].Value))

	for i := 0; i < 50; i++ {
		item, err := c.Get([]byte(fmt.Sprintf("key-%d", i)))
		require.NoError(t, err)
		require.Equal(t, strconv.Itoa(i), string(item.Value))
	}
}

func TestServer_InvalidRequests(t *testing.T) {
	c := dial(t, startServer(t, testConfig()))

	tests := []struct {
		name string
		req  *protocol.Request
		want protocol.Status
	}{
		{
			"set without extras",
			&protocol.Request{Packet: protocol.Packet{Header: protocol.Header{Opcode: protocol.OpSet}, Key: []byte("k"), Value: []byte("v")}},
			protocol.StatusInvalidArguments,
		},
		{
			"key with space",
			&protocol.Request{Packet: protocol.Packet{Header: protocol.Header{Opcode: protocol.OpGet}, Key: []byte("a b")}},
			protocol.StatusInvalidArguments,
		},
		{
			"unknown opcode",
			&protocol.Request{Packet: protocol.Packet{Header: protocol.Header{Opcode: protocol.Opcode(0x55)}}},
			protocol.StatusUnknownCommand,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := c.Do(tt.req)
			require.NoError(t, err)
			require.Equal(t, tt.want, resp.Status())
			require.Equal(t, tt.want.Text(), string(resp.Value))
		})
	}

	// The connection survives bad requests.
	require.NoError(t, c.Noop())
}

func TestServer_VersionNoopQuit(t *testing.T) {
	srv := startServer(t, testConfig())
	c := dial(t, srv)

	v, err := c.Version()
	require.NoError(t, err)
	require.Equal(t, Version, v)
	require.NoError(t, c.Noop())

	resp, err := c.Do(&protocol.Request{Packet: protocol.Packet{Header: protocol.Header{Opcode: protocol.OpQuit}}})
	require.NoError(t, err)
	require.Equal(t, protocol.StatusOK, resp.Status())

	// The server closes its side after QUIT.
	require.Error(t, c.Noop())
}

func TestServer_FlushAndStats(t *testing.T) {
	c := dial(t, startServer(t, testConfig()))

	for i := 0; i < 200; i++ {
		_, err := c.Set([]byte(fmt.Sprintf("key-%d", i)), []byte("value"), 0, 0, 0)
		require.NoError(t, err)
	}
	_, err := c.Get([]byte("key-1"))
	require.NoError(t, err)
	_, err = c.Get([]byte("nope"))
	require.ErrorIs(t, err, protocol.StatusKeyNotFound)

	stats, err := c.Stats()
	require.NoError(t, err)
	require.Equal(t, "200", stats["curr_items"])
	require.Equal(t, "200", stats["cmd_set"])
	require.Equal(t, "1", stats["get_hits"])
	require.Equal(t, "1", stats["get_misses"])
	require.Equal(t, "4", stats["threads"])
	require.Equal(t, Version, stats["version"])
	require.Equal(t, "400", stats["blocks"])

	require.NoError(t, c.Flush())

	stats, err = c.Stats()
	require.NoError(t, err)
	require.Equal(t, "0", stats["curr_items"])
	require.Equal(t, "0", stats["blocks"])
	_, err = c.Get([]byte("key-1"))
	require.ErrorIs(t, err, protocol.StatusKeyNotFound)
}

func TestServer_ExpirySweep(t *testing.T) {
	c := dial(t, startServer(t, testConfig()))

	_, err := c.Set([]byte("short"), []byte("v"), 0, 1, 0)
	require.NoError(t, err)
	_, err = c.Set([]byte("long"), []byte("v"), 0, 3600, 0)
	require.NoError(t, err)

	// The sweeper drops the key without anyone reading it.
	require.Eventually(t, func() bool {
		stats, err := c.Stats()
		return err == nil && stats["expired"] == "1" && stats["curr_items"] == "1"
	}, 5*time.Second, 50*time.Millisecond)

	_, err = c.Get([]byte("long"))
	require.NoError(t, err)
}

func TestServer_ConcurrentClients(t *testing.T) {
	srv := startServer(t, testConfig())

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			c, err := protocol.Dial(context.Background(), srv.addr)
			if err != nil {
				errs <- err
				return
			}
			defer c.Close()
			for i := 0; i < 200; i++ {
				key := []byte(fmt.Sprintf("g%d-%d", g, i))
				if _, err := c.Set(key, key, 0, 0, 0); err != nil {
					errs <- err
					return
				}
				item, err := c.Get(key)
				if err != nil {
					errs <- err
					return
				}
				if string(item.Value) != string(key) {
					errs <- fmt.Errorf("%s: got %s", key, item.Value)
					return
				}
			}
		}(g)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	c := dial(t, srv)
	stats, err := c.Stats()
	require.NoError(t, err)
	require.Equal(t, "1600", stats["curr_items"])
}

func TestServer_DialRightAfterStart(t *testing.T) {
	srv, err := New(testConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	require.Nil(t, srv.Addr())

	// Clients may connect before the Serve goroutine has run at all.
	for i := 0; i < 20; i++ {
		c := dial(t, startServer(t, testConfig()))
		require.NoError(t, c.Noop())
	}
}

func TestServer_ShutdownClosesConnections(t *testing.T) {
	srv, err := New(testConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	c, err := protocol.Dial(context.Background(), ln.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Noop())

	cancel()
	require.NoError(t, <-done)
	require.Error(t, c.Noop())

	require.True(t, errors.Is(srv.Serve(context.Background(), ln), errServing))
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 0
	_, err := New(cfg, nil)
	require.Error(t, err)
}

func TestRoute_Spread(t *testing.T) {
	counts := make([]int, 8)
	for i := 0; i < 8000; i++ {
		counts[route([]byte(fmt.Sprintf("key-%d", i)), len(counts))]++
	}
	for i, n := range counts {
		require.InDelta(t, 1000, n, 200, "worker %d", i)
	}
	require.Equal(t, route([]byte("stable"), 8), route([]byte("stable"), 8))
}
