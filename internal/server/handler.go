package server

import (
	"bytes"
	"errors"

	"github.com/jwilder/dashcache"
	"github.com/jwilder/dashcache/internal/protocol"
)

// statusOf maps shard errors onto protocol statuses.
func statusOf(err error) protocol.Status {
	switch {
	case errors.Is(err, dashcache.ErrKeyNotFound):
		return protocol.StatusKeyNotFound
	case errors.Is(err, dashcache.ErrKeyExists):
		return protocol.StatusKeyExists
	case errors.Is(err, dashcache.ErrNonNumeric):
		return protocol.StatusNonNumeric
	case errors.Is(err, dashcache.ErrDirectoryCorrupted):
		return protocol.StatusInternalError
	case errors.Is(err, dashcache.ErrInsertFailed):
		return protocol.StatusOutOfMemory
	case errors.Is(err, dashcache.ErrCacheClosed):
		return protocol.StatusTemporaryFailure
	}
	return protocol.StatusInternalError
}

// execute runs a validated keyed request against sh. It returns nil when a
// quiet command has nothing to report.
func execute(sh *dashcache.Shard, req *protocol.Request) *protocol.Response {
	quiet := req.Opcode.Quiet()
	respond := func(version uint64, err error) *protocol.Response {
		if err != nil {
			return protocol.NewError(req, statusOf(err))
		}
		if quiet {
			return nil
		}
		resp := protocol.NewResponse(req)
		resp.CAS = version
		return resp
	}

	switch op := req.Opcode.Base(); op {
	case protocol.OpGet, protocol.OpGetK:
		item, err := sh.Get(req.Key)
		if err != nil {
			if quiet && errors.Is(err, dashcache.ErrKeyNotFound) {
				return nil
			}
			return protocol.NewError(req, statusOf(err))
		}
		resp := protocol.NewResponse(req)
		resp.CAS = item.Version
		resp.Extras = make([]byte, protocol.FlagsLength)
		copy(resp.Extras, item.Flags)
		// The item aliases shard memory that the next job may reuse.
		resp.Value = bytes.Clone(item.Value)
		if op == protocol.OpGetK {
			resp.Key = req.Key
		}
		return resp

	case protocol.OpSet, protocol.OpAdd, protocol.OpReplace:
		extras := protocol.ParseStoreExtras(req.Extras)
		expireAt := protocol.ExpireAt(extras.Expiration, sh.Now())
		flags := extras.FlagBytes()
		switch op {
		case protocol.OpAdd:
			return respond(sh.Add(req.Key, req.Value, flags, expireAt))
		case protocol.OpReplace:
			return respond(sh.Replace(req.Key, req.Value, flags, expireAt, req.CAS))
		}
		return respond(sh.Set(req.Key, req.Value, flags, expireAt, req.CAS))

	case protocol.OpAppend:
		return respond(sh.Append(req.Key, req.Value, req.CAS))

	case protocol.OpPrepend:
		return respond(sh.Prepend(req.Key, req.Value, req.CAS))

	case protocol.OpDelete:
		return respond(0, sh.Delete(req.Key, req.CAS))

	case protocol.OpIncrement, protocol.OpDecrement:
		extras := protocol.ParseCounterExtras(req.Extras)
		var expireAt uint64
		if extras.AutoCreate() {
			expireAt = protocol.ExpireAt(extras.Expiration, sh.Now())
		}
		arith := sh.Incr
		if op == protocol.OpDecrement {
			arith = sh.Decr
		}
		value, version, err := arith(req.Key, extras.Delta, extras.Initial, expireAt, extras.AutoCreate(), req.CAS)
		resp := respond(version, err)
		if resp != nil && err == nil {
			resp.Value = protocol.CounterValue(value)
		}
		return resp
	}
	return protocol.NewError(req, protocol.StatusUnknownCommand)
}
