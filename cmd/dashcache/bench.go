package main

import (
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"time"

	"github.com/jwilder/dashcache"
	"github.com/jwilder/dashcache/internal/config"
	"github.com/jwilder/dashcache/internal/protocol"

	"github.com/spf13/cobra"
)

var (
	benchKeys      int
	benchKeySize   int
	benchValueSize int
	benchTotal     int
	benchOpType    string
	benchTTL       uint32
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run performance benchmarks",
	Long: `Run a write, read or mixed benchmark against an in-process shard. Read and
mixed runs populate every key first.`,
	Args: cobra.NoArgs,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if benchOpType != "write" && benchOpType != "read" && benchOpType != "mixed" {
			return fmt.Errorf("operation type must be 'write', 'read' or 'mixed', got: %s", benchOpType)
		}
		if benchKeys <= 0 || benchTotal <= 0 {
			return fmt.Errorf("keys and total must be positive")
		}

		shard, err := newShard()
		if err != nil {
			return err
		}
		defer shard.Close()

		fmt.Println("=== System Information ===")
		fmt.Printf("OS: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		fmt.Printf("CPU Cores: %d\n", runtime.NumCPU())
		fmt.Println()

		fmt.Printf("Running %s benchmark...\n", benchOpType)
		fmt.Printf("Configuration:\n")
		printer.Printf("  Keys: %d\n", benchKeys)
		fmt.Printf("  Key size: %d bytes\n", benchKeySize)
		fmt.Printf("  Value size: %d bytes\n", benchValueSize)
		printer.Printf("  Operations: %d\n", benchTotal)
		fmt.Printf("  Arena size: %s, min block %s\n", formatBytes(int64(cfg.MaxBlockSize)), formatBytes(int64(cfg.MinBlockSize)))

		b := &bench{shard: shard}
		b.prepare()
		if benchOpType != "write" {
			if err := b.populate(); err != nil {
				return err
			}
		}
		if err := b.run(benchOpType); err != nil {
			return err
		}
		fmt.Println()
		printShardStats(shard.Stats())
		return nil
	},
}

type bench struct {
	shard *dashcache.Shard
	keys  [][]byte
	value []byte
	flags []byte
}

func (b *bench) prepare() {
	b.keys = make([][]byte, benchKeys)
	for i := range b.keys {
		b.keys[i] = generateDeterministicKey(benchKeySize, i)
	}
	b.value = generateDeterministicData(benchValueSize, 0)
	b.flags = protocol.StoreExtras{}.FlagBytes()
}

func (b *bench) expireAt() uint64 {
	return protocol.ExpireAt(benchTTL, b.shard.Now())
}

func (b *bench) set(i int) error {
	// Embed the write counter in the value
	for j := 0; j < 8 && j < len(b.value); j++ {
		b.value[j] = byte(i >> (j * 8))
	}
	_, err := b.shard.Set(b.keys[i%len(b.keys)], b.value, b.flags, b.expireAt(), 0)
	return err
}

func (b *bench) populate() error {
	for i := range b.keys {
		if err := b.set(i); err != nil {
			return fmt.Errorf("failed to populate key %d: %w", i, err)
		}
	}
	printer.Printf("Populated %d keys\n", len(b.keys))
	return nil
}

func (b *bench) run(op string) error {
	fmt.Printf("\nStarting %s benchmark...\n", op)
	rnd := rand.New(rand.NewSource(12345))
	var reads, hits, writes int
	startTime := time.Now()

	for i := 0; i < benchTotal; i++ {
		write := op == "write" || (op == "mixed" && rnd.Intn(10) == 0)
		if write {
			if err := b.set(i); err != nil {
				return fmt.Errorf("failed to write key at iteration %d: %w", i, err)
			}
			writes++
		} else {
			reads++
			_, err := b.shard.Get(b.keys[i%len(b.keys)])
			switch {
			case err == nil:
				hits++
			case !errors.Is(err, dashcache.ErrKeyNotFound):
				return fmt.Errorf("failed to read key at iteration %d: %w", i, err)
			}
		}

		// Print progress every 10% for large benchmarks
		if benchTotal >= 1000 && (i+1)%(benchTotal/10) == 0 {
			progress := float64(i+1) / float64(benchTotal) * 100
			printer.Printf("  Progress: %.0f%% (%d/%d ops, %v elapsed)\n",
				progress, i+1, benchTotal, time.Since(startTime).Round(time.Millisecond))
		}
	}

	duration := time.Since(startTime)
	throughput := float64(benchTotal) / duration.Seconds()
	avgLatency := duration / time.Duration(benchTotal)
	dataBytes := int64(writes+hits) * int64(benchKeySize+benchValueSize)

	fmt.Println("\n=== Benchmark Results ===")
	printer.Printf("Total operations: %d\n", benchTotal)
	printer.Printf("Writes: %d\n", writes)
	printer.Printf("Reads: %d (hits %d)\n", reads, hits)
	fmt.Printf("Duration: %v\n", duration.Round(time.Millisecond))
	printer.Printf("Throughput: %.0f ops/sec\n", throughput)
	fmt.Printf("Average latency: %v\n", avgLatency)
	fmt.Printf("Data throughput: %.2f MB/sec\n", float64(dataBytes)/duration.Seconds()/(1024*1024))
	return nil
}

// generateDeterministicKey returns "key:" followed by index, zero padded to
// size where it fits.
func generateDeterministicKey(size int, index int) []byte {
	digits := size - len("key:")
	if digits < 1 {
		digits = 1
	}
	key := fmt.Sprintf("key:%0*d", digits, index)
	if len(key) > size && size > 0 {
		return []byte(key[len(key)-size:])
	}
	return []byte(key)
}

func generateDeterministicData(size int, seed int) []byte {
	rnd := rand.New(rand.NewSource(54321 + int64(seed)))
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(rnd.Intn(256))
	}
	return data
}

func init() {
	benchCmd.Flags().IntVarP(&benchKeys, "keys", "k", 1000, "Number of unique keys")
	benchCmd.Flags().IntVarP(&benchKeySize, "key-size", "s", 16, "Size of each key in bytes")
	benchCmd.Flags().IntVarP(&benchValueSize, "value-size", "v", 128, "Size of each value in bytes")
	benchCmd.Flags().IntVarP(&benchTotal, "total", "t", 100000, "Total number of operations to perform")
	benchCmd.Flags().StringVarP(&benchOpType, "op", "o", "write", "Operation type: 'write', 'read' or 'mixed'")
	benchCmd.Flags().Uint32Var(&benchTTL, "ttl", 0, "Expiration of written keys in seconds (0 = never)")
	benchCmd.Flags().IntVar(&flagMinBlock, "min-block", config.Default().MinBlockSize, "Smallest arena block in bytes (power of two)")
	benchCmd.Flags().IntVar(&flagMaxBlock, "max-block", config.Default().MaxBlockSize, "Arena size in bytes (power of two)")
}
