package server

import (
	"os"
	"strconv"
	"time"

	"github.com/jwilder/dashcache"
	"github.com/jwilder/dashcache/internal/protocol"
)

type stat struct {
	name  string
	value string
}

func intStat(name string, v int64) stat {
	return stat{name, strconv.FormatInt(v, 10)}
}

// statList flattens aggregated shard statistics and server counters into
// the STAT response order.
func (s *Server) statList(stats dashcache.Stats) []stat {
	now := time.Now()
	return []stat{
		intStat("pid", int64(os.Getpid())),
		intStat("uptime", int64(now.Sub(s.started).Seconds())),
		intStat("time", now.Unix()),
		{"version", Version},
		intStat("threads", int64(len(s.workers))),
		intStat("curr_connections", int64(s.openConns())),
		intStat("total_connections", s.connTotal.Load()),
		intStat("curr_items", stats.Keys),
		intStat("cmd_get", stats.Reads),
		intStat("get_hits", stats.Hits),
		intStat("get_misses", stats.Misses),
		intStat("cmd_set", stats.Writes),
		intStat("delete_hits", stats.Deletes),
		intStat("expired", stats.Expired),
		intStat("segments", stats.Segments),
		intStat("directory_slots", stats.DirectorySlots),
		intStat("directory_depth", stats.DirectoryDepth),
		intStat("splits", stats.Splits),
		intStat("probe_width", stats.ProbeWidth),
		intStat("arenas", stats.Alloc.Arenas),
		intStat("arena_bytes", stats.Alloc.ArenaBytes),
		intStat("bytes", stats.Alloc.ReservedBytes),
		intStat("requested_bytes", stats.Alloc.RequestedBytes),
		intStat("blocks", stats.Alloc.Blocks),
		intStat("oversized", stats.Alloc.Oversized),
		intStat("oversized_bytes", stats.Alloc.OversizedBytes),
		{"fragmentation", strconv.FormatFloat(stats.Alloc.Fragmentation, 'f', 4, 64)},
	}
}

// statResponses renders one response per stat followed by the empty
// terminator.
func (s *Server) statResponses(req *protocol.Request, stats dashcache.Stats) []*protocol.Response {
	list := s.statList(stats)
	resps := make([]*protocol.Response, 0, len(list)+1)
	for _, st := range list {
		resp := protocol.NewResponse(req)
		resp.Key = []byte(st.name)
		resp.Value = []byte(st.value)
		resps = append(resps, resp)
	}
	return append(resps, protocol.NewResponse(req))
}
