package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jwilder/dashcache"
	"github.com/jwilder/dashcache/internal/protocol"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"
)

var replCommands = []string{
	"get", "set", "add", "replace", "append", "prepend", "incr", "decr",
	"delete", "scan", "stats", "flush", "sweep", "help", "exit", "quit",
}

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Start an interactive REPL session",
	Long: `Start an interactive REPL session against an in-process shard. Nothing is
persisted; the shard is discarded on exit. Type 'help' for commands.`,
	Args: cobra.NoArgs,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		shard, err := newShard()
		if err != nil {
			return err
		}
		defer shard.Close()

		r := &repl{shard: shard, liner: liner.NewLiner()}
		defer r.liner.Close()
		return r.run()
	},
}

type repl struct {
	shard *dashcache.Shard
	liner *liner.State
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".dashcache_history")
}

func (r *repl) run() error {
	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(func(line string) []string {
		var out []string
		for _, c := range replCommands {
			if strings.HasPrefix(c, strings.ToLower(line)) {
				out = append(out, c)
			}
		}
		return out
	})
	if f, err := os.Open(historyFile()); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}
	defer r.saveHistory()

	fmt.Println("dashcache REPL - Interactive Session")
	fmt.Println("Type 'help' for available commands, 'exit' or 'quit' to exit")
	fmt.Println()

	for {
		line, err := r.liner.Prompt("dashcache> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Println("Goodbye!")
				return nil
			}
			return fmt.Errorf("error reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		command := strings.ToLower(parts[0])
		if command == "exit" || command == "quit" {
			fmt.Println("Goodbye!")
			return nil
		}
		if err := r.exec(command, parts[1:]); err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	}
}

func (r *repl) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			r.liner.WriteHistory(f)
			f.Close()
		}
	}
}

func usage(format string) error {
	return fmt.Errorf("usage: %s", format)
}

// ttlArg parses an optional expiration in seconds at args[i].
func (r *repl) ttlArg(args []string, i int) (uint64, error) {
	if len(args) <= i {
		return 0, nil
	}
	secs, err := strconv.ParseUint(args[i], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid ttl %q", args[i])
	}
	return protocol.ExpireAt(uint32(secs), r.shard.Now()), nil
}

func (r *repl) exec(command string, args []string) error {
	switch command {
	case "help":
		fmt.Println("Available commands:")
		fmt.Println("  get <key>                  - Get value, flags and CAS for key")
		fmt.Println("  set <key> <value> [ttl]    - Set key to value")
		fmt.Println("  add <key> <value> [ttl]    - Set key only if absent")
		fmt.Println("  replace <key> <value> [ttl] - Set key only if present")
		fmt.Println("  append <key> <data>        - Append data to the value")
		fmt.Println("  prepend <key> <data>       - Prepend data to the value")
		fmt.Println("  incr <key> [delta]         - Increment a counter (created at 0)")
		fmt.Println("  decr <key> [delta]         - Decrement a counter")
		fmt.Println("  delete <key>               - Delete key")
		fmt.Println("  scan [prefix]              - List live keys in order")
		fmt.Println("  sweep                      - Drop expired keys now")
		fmt.Println("  flush                      - Drop every key")
		fmt.Println("  stats                      - Show shard statistics")
		fmt.Println("  exit/quit                  - Exit REPL")

	case "get":
		if len(args) != 1 {
			return usage("get <key>")
		}
		item, err := r.shard.Get([]byte(args[0]))
		if errors.Is(err, dashcache.ErrKeyNotFound) {
			fmt.Println("(nil)")
			return nil
		} else if err != nil {
			return err
		}
		fmt.Printf("%s (flags %d, cas %d)\n", item.Value, protocol.ParseFlags(item.Flags), item.Version)

	case "set", "add", "replace":
		if len(args) < 2 || len(args) > 3 {
			return usage(command + " <key> <value> [ttl]")
		}
		expireAt, err := r.ttlArg(args, 2)
		if err != nil {
			return err
		}
		key, value := []byte(args[0]), []byte(args[1])
		flags := protocol.StoreExtras{}.FlagBytes()
		var cas uint64
		switch command {
		case "add":
			cas, err = r.shard.Add(key, value, flags, expireAt)
		case "replace":
			cas, err = r.shard.Replace(key, value, flags, expireAt, 0)
		default:
			cas, err = r.shard.Set(key, value, flags, expireAt, 0)
		}
		if err != nil {
			return err
		}
		fmt.Printf("OK (cas %d)\n", cas)

	case "append", "prepend":
		if len(args) != 2 {
			return usage(command + " <key> <data>")
		}
		op := r.shard.Append
		if command == "prepend" {
			op = r.shard.Prepend
		}
		cas, err := op([]byte(args[0]), []byte(args[1]), 0)
		if err != nil {
			return err
		}
		fmt.Printf("OK (cas %d)\n", cas)

	case "incr", "decr":
		if len(args) < 1 || len(args) > 2 {
			return usage(command + " <key> [delta]")
		}
		delta := uint64(1)
		if len(args) == 2 {
			var err error
			if delta, err = strconv.ParseUint(args[1], 10, 64); err != nil {
				return fmt.Errorf("invalid delta %q", args[1])
			}
		}
		op := r.shard.Incr
		if command == "decr" {
			op = r.shard.Decr
		}
		value, _, err := op([]byte(args[0]), delta, 0, 0, true, 0)
		if err != nil {
			return err
		}
		fmt.Println(value)

	case "delete", "del":
		if len(args) != 1 {
			return usage("delete <key>")
		}
		if err := r.shard.Delete([]byte(args[0]), 0); err != nil {
			return err
		}
		fmt.Println("OK")

	case "scan":
		var prefix []byte
		if len(args) >= 1 {
			prefix = []byte(args[0])
		}
		count := 0
		err := r.shard.Scan(prefix, func(key []byte) bool {
			fmt.Printf("%s\n", key)
			count++
			return false
		})
		if err != nil {
			return err
		}
		fmt.Printf("(%d keys found)\n", count)

	case "sweep":
		before := r.shard.Stats().Keys
		r.shard.SweepExpired(r.shard.Now())
		fmt.Printf("(%d expired keys dropped)\n", before-r.shard.Stats().Keys)

	case "flush":
		r.shard.Flush()
		fmt.Println("OK")

	case "stats":
		printShardStats(r.shard.Stats())

	default:
		fmt.Printf("Unknown command: %s\n", command)
		fmt.Println("Type 'help' for available commands")
	}
	return nil
}

// printShardStats prints index and allocator statistics of one shard.
func printShardStats(stats dashcache.Stats) {
	fmt.Println("Index Statistics:")
	printer.Printf("  Keys: %d\n", stats.Keys)
	printer.Printf("  Reads: %d (hits %d, misses %d)\n", stats.Reads, stats.Hits, stats.Misses)
	printer.Printf("  Writes: %d\n", stats.Writes)
	printer.Printf("  Deletes: %d\n", stats.Deletes)
	printer.Printf("  Expired: %d\n", stats.Expired)
	printer.Printf("  Segments: %d (directory slots %d, depth %d, splits %d)\n",
		stats.Segments, stats.DirectorySlots, stats.DirectoryDepth, stats.Splits)
	if stats.ProbeWidth == 0 {
		fmt.Println("  Probe: scalar")
	} else {
		fmt.Printf("  Probe: %d-byte batches\n", stats.ProbeWidth)
	}

	a := stats.Alloc
	fmt.Println("\nAllocator Statistics:")
	printer.Printf("  Arenas: %d (%s)\n", a.Arenas, formatBytes(a.ArenaBytes))
	printer.Printf("  Blocks: %d\n", a.Blocks)
	fmt.Printf("  Reserved: %s\n", formatBytes(a.ReservedBytes))
	fmt.Printf("  Requested: %s\n", formatBytes(a.RequestedBytes))
	printer.Printf("  Oversized: %d (%s)\n", a.Oversized, formatBytes(a.OversizedBytes))
	fmt.Printf("  Fragmentation: %.2f%%\n", a.Fragmentation*100)
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
