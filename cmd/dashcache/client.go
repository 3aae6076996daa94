package main

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/jwilder/dashcache/internal/protocol"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var (
	serverAddr  string
	dialTimeout = 5 * time.Second

	storeFlags  uint32
	storeTTL    uint32
	storeCAS    uint64
	counterInit uint64
	counterTTL  uint32
	noCreate    bool
)

// printer formats numbers with thousands separators.
var printer = message.NewPrinter(language.English)

// withClient dials the server named by --addr and runs fn against it.
func withClient(fn func(c *protocol.Client) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	c, err := protocol.Dial(ctx, serverAddr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", serverAddr, err)
	}
	defer c.Close()
	return fn(c)
}

func validKey(key string) error {
	if !protocol.ValidKey([]byte(key)) {
		return fmt.Errorf("invalid key %q: keys are 1-%d printable characters without spaces", key, protocol.MaxKeyLength)
	}
	return nil
}

var getCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Get a value by key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := validKey(args[0]); err != nil {
			return err
		}
		return withClient(func(c *protocol.Client) error {
			item, err := c.Get([]byte(args[0]))
			if err != nil {
				// Exit cleanly without printing anything if key not found
				if errors.Is(err, protocol.StatusKeyNotFound) {
					return nil
				}
				return fmt.Errorf("failed to get key: %w", err)
			}
			fmt.Printf("%s\n", item.Value)
			return nil
		})
	},
}

// storeCommand builds set, add and replace, which share flags and output.
func storeCommand(use, short string, op func(c *protocol.Client, key, value []byte) (uint64, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " [key] [value]",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validKey(args[0]); err != nil {
				return err
			}
			return withClient(func(c *protocol.Client) error {
				cas, err := op(c, []byte(args[0]), []byte(args[1]))
				if err != nil {
					return fmt.Errorf("%s failed: %w", use, err)
				}
				fmt.Printf("Stored %s (cas %d)\n", args[0], cas)
				return nil
			})
		},
	}
	cmd.Flags().Uint32Var(&storeFlags, "flags", 0, "Opaque client flags stored with the value")
	cmd.Flags().Uint32VarP(&storeTTL, "ttl", "t", 0, "Expiration in seconds, or an absolute unix time past 30 days (0 = never)")
	if use != "add" {
		cmd.Flags().Uint64Var(&storeCAS, "cas", 0, "Only store if the current CAS matches")
	}
	return cmd
}

// concatCommand builds append and prepend.
func concatCommand(use, short string, op func(c *protocol.Client, key, value []byte, cas uint64) (uint64, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " [key] [data]",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validKey(args[0]); err != nil {
				return err
			}
			return withClient(func(c *protocol.Client) error {
				cas, err := op(c, []byte(args[0]), []byte(args[1]), storeCAS)
				if err != nil {
					return fmt.Errorf("%s failed: %w", use, err)
				}
				fmt.Printf("Stored %s (cas %d)\n", args[0], cas)
				return nil
			})
		},
	}
	cmd.Flags().Uint64Var(&storeCAS, "cas", 0, "Only modify if the current CAS matches")
	return cmd
}

// counterCommand builds incr and decr.
func counterCommand(use, short string, op func(c *protocol.Client, key []byte, delta, initial uint64, exp uint32) (uint64, uint64, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " [key] [delta]",
		Short: short,
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validKey(args[0]); err != nil {
				return err
			}
			delta := uint64(1)
			if len(args) == 2 {
				var err error
				if delta, err = strconv.ParseUint(args[1], 10, 64); err != nil {
					return fmt.Errorf("invalid delta %q: %w", args[1], err)
				}
			}
			exp := counterTTL
			if noCreate {
				exp = protocol.NoAutoCreate
			}
			return withClient(func(c *protocol.Client) error {
				value, _, err := op(c, []byte(args[0]), delta, counterInit, exp)
				if err != nil {
					return fmt.Errorf("%s failed: %w", use, err)
				}
				fmt.Println(value)
				return nil
			})
		},
	}
	cmd.Flags().Uint64Var(&counterInit, "initial", 0, "Value to create a missing counter with")
	cmd.Flags().Uint32VarP(&counterTTL, "ttl", "t", 0, "Expiration of a created counter in seconds (0 = never)")
	cmd.Flags().BoolVar(&noCreate, "no-create", false, "Fail instead of creating a missing counter")
	return cmd
}

var deleteCmd = &cobra.Command{
	Use:     "delete [key]",
	Aliases: []string{"del"},
	Short:   "Delete a key",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := validKey(args[0]); err != nil {
			return err
		}
		return withClient(func(c *protocol.Client) error {
			if err := c.Delete([]byte(args[0]), storeCAS); err != nil {
				return fmt.Errorf("failed to delete key: %w", err)
			}
			fmt.Printf("Deleted %s\n", args[0])
			return nil
		})
	},
}

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Drop every key on the server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *protocol.Client) error {
			if err := c.Flush(); err != nil {
				return fmt.Errorf("flush failed: %w", err)
			}
			fmt.Println("Flushed")
			return nil
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Display server statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *protocol.Client) error {
			stats, err := c.Stats()
			if err != nil {
				return fmt.Errorf("stats failed: %w", err)
			}
			fmt.Println("=== Server Statistics ===")
			for _, name := range slices.Sorted(maps.Keys(stats)) {
				value := stats[name]
				// pid and time read better without separators.
				if n, err := strconv.ParseInt(value, 10, 64); err == nil && name != "pid" && name != "time" {
					printer.Printf("%-20s %d\n", name, n)
					continue
				}
				fmt.Printf("%-20s %s\n", name, value)
			}
			return nil
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the server version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *protocol.Client) error {
			v, err := c.Version()
			if err != nil {
				return err
			}
			fmt.Println(v)
			return nil
		})
	},
}

func addClientCommands(root *cobra.Command) {
	deleteCmd.Flags().Uint64Var(&storeCAS, "cas", 0, "Only delete if the current CAS matches")

	root.AddCommand(getCmd)
	root.AddCommand(storeCommand("set", "Store a value", func(c *protocol.Client, key, value []byte) (uint64, error) {
		return c.Set(key, value, storeFlags, storeTTL, storeCAS)
	}))
	root.AddCommand(storeCommand("add", "Store a value only if the key is absent", func(c *protocol.Client, key, value []byte) (uint64, error) {
		return c.Add(key, value, storeFlags, storeTTL)
	}))
	root.AddCommand(storeCommand("replace", "Store a value only if the key is present", func(c *protocol.Client, key, value []byte) (uint64, error) {
		return c.Replace(key, value, storeFlags, storeTTL, storeCAS)
	}))
	root.AddCommand(concatCommand("append", "Append data to a value", (*protocol.Client).Append))
	root.AddCommand(concatCommand("prepend", "Prepend data to a value", (*protocol.Client).Prepend))
	root.AddCommand(counterCommand("incr", "Increment a counter", (*protocol.Client).Incr))
	root.AddCommand(counterCommand("decr", "Decrement a counter, stopping at zero", (*protocol.Client).Decr))
	root.AddCommand(deleteCmd)
	root.AddCommand(flushCmd)
	root.AddCommand(statsCmd)
	root.AddCommand(versionCmd)
}
