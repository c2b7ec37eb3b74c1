// Command tempovec is a small CLI front-end over the tempovec library
// (spec.md §1 treats the CLI as an out-of-scope collaborator described
// only at the contract level). It keeps one store open per invocation,
// backed by a snapshot file read at startup and written back after each
// mutating command (insert, delete, cleanup).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	tempovec "github.com/liliang-cn/tempovec"
	"github.com/liliang-cn/tempovec/pkg/snapshotstore"
)

var (
	snapshotPath string
	dimensions   int
	metricName   string
	verbose      bool
)

var rootCmd = &cobra.Command{
	Use:   "tempovec",
	Short: "CLI for a temporal-aware ANN vector store",
	Long:  "A command-line interface over tempovec's in-process, concurrent, temporal-aware vector index.",
}

func parseVector(s string) ([]float32, error) {
	if s == "" {
		return nil, fmt.Errorf("vector is required")
	}
	parts := strings.Split(s, ",")
	vec := make([]float32, 0, len(parts))
	for _, part := range parts {
		val, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vector component %q: %w", part, err)
		}
		vec = append(vec, float32(val))
	}
	return vec, nil
}

// openStore restores a store from snapshotPath if it exists, else opens a
// fresh one with the given dimensions/metric.
func openStore() (*tempovec.Store, error) {
	m, err := tempovec.ParseMetric(metricName)
	if err != nil {
		return nil, err
	}
	cfg := tempovec.DefaultConfig(dimensions, m)
	if verbose {
		cfg.Logger = tempovec.NewStdLogger(tempovec.LevelDebug)
	}

	if snapshotPath != "" {
		if f, err := os.Open(snapshotPath); err == nil {
			defer f.Close()
			return tempovec.Restore(f, cfg)
		}
	}
	return tempovec.Open(cfg)
}

// saveStore writes the store's current state to snapshotPath, if set.
func saveStore(s *tempovec.Store) error {
	if snapshotPath == "" {
		return nil
	}
	f, err := os.Create(snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	return s.Snapshot(f)
}

var insertCmd = &cobra.Command{
	Use:   "insert <id>",
	Short: "Insert a vector",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		vectorStr, _ := cmd.Flags().GetString("vector")
		importance, _ := cmd.Flags().GetFloat64("importance")
		ctx, _ := cmd.Flags().GetString("context")
		metadataStr, _ := cmd.Flags().GetString("metadata")

		vec, err := parseVector(vectorStr)
		if err != nil {
			return err
		}
		metadata := make(map[string]string)
		if metadataStr != "" {
			if err := json.Unmarshal([]byte(metadataStr), &metadata); err != nil {
				return fmt.Errorf("invalid metadata JSON: %w", err)
			}
		}

		store, err := openStore()
		if err != nil {
			return err
		}

		now := time.Now()
		attrs := tempovec.Attrs{
			Importance: float32(importance),
			Context:    ctx,
			Metadata:   metadata,
		}
		if err := store.Insert(id, vec, attrs, now); err != nil {
			return err
		}
		if err := saveStore(store); err != nil {
			return err
		}
		fmt.Printf("inserted %q\n", id)
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search for the k nearest vectors",
	RunE: func(cmd *cobra.Command, args []string) error {
		vectorStr, _ := cmd.Flags().GetString("vector")
		k, _ := cmd.Flags().GetInt("top-k")
		asJSON, _ := cmd.Flags().GetBool("json")
		timeoutMs, _ := cmd.Flags().GetInt("timeout-ms")

		vec, err := parseVector(vectorStr)
		if err != nil {
			return err
		}
		store, err := openStore()
		if err != nil {
			return err
		}

		policy := tempovec.Policy{}
		if timeoutMs > 0 {
			deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
			policy.Deadline = &deadline
		}
		hits, err := store.Search(vec, k, policy, time.Now())
		if err != nil {
			return err
		}
		if asJSON {
			b, _ := json.MarshalIndent(hits, "", "  ")
			fmt.Println(string(b))
			return nil
		}
		for _, h := range hits {
			fmt.Printf("%s\tscore=%.4f\tdistance=%.4f\n", h.ID, h.Score, h.Distance)
		}
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Fetch a single record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		hit, err := store.Get(args[0])
		if err != nil {
			return err
		}
		b, _ := json.MarshalIndent(hit, "", "  ")
		fmt.Println(string(b))
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		if err := store.Delete(args[0]); err != nil {
			return err
		}
		if err := saveStore(store); err != nil {
			return err
		}
		fmt.Printf("deleted %q\n", args[0])
		return nil
	},
}

var relatedCmd = &cobra.Command{
	Use:   "related <id>",
	Short: "List records reachable from id via relationship edges",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		maxDepth, _ := cmd.Flags().GetInt("max-depth")
		store, err := openStore()
		if err != nil {
			return err
		}
		hits, err := store.Related(args[0], maxDepth)
		if err != nil {
			return err
		}
		for _, h := range hits {
			fmt.Printf("%s\tkind=%s\tweight=%.4f\n", h.ID, h.Kind, h.Weight)
		}
		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Run decay and evict low-importance records",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		report := store.Cleanup(time.Now())
		if err := saveStore(store); err != nil {
			return err
		}
		fmt.Printf("evicted %d records\n", len(report.Evicted))
		for _, e := range report.Errors {
			fmt.Fprintf(os.Stderr, "cleanup error: %v\n", e)
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print store statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		b, _ := json.MarshalIndent(store.Stats(), "", "  ")
		fmt.Println(string(b))
		return nil
	},
}

var snapshotBackupCmd = &cobra.Command{
	Use:   "backup <snapshotstore-path> <name>",
	Short: "Save the current snapshot into a snapshotstore database",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		backing, err := snapshotstore.Open(context.Background(), args[0])
		if err != nil {
			return err
		}
		defer backing.Close()

		tmp, err := os.CreateTemp("", "tempovec-snapshot-*.bin")
		if err != nil {
			return err
		}
		defer os.Remove(tmp.Name())
		if err := store.Snapshot(tmp); err != nil {
			return err
		}
		tmp.Seek(0, 0)
		data, err := os.ReadFile(tmp.Name())
		if err != nil {
			return err
		}
		return backing.Save(context.Background(), args[1], time.Now(), data)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&snapshotPath, "snapshot", "", "snapshot file to restore from / save to")
	rootCmd.PersistentFlags().IntVar(&dimensions, "dimensions", 8, "vector dimensionality (ignored when restoring)")
	rootCmd.PersistentFlags().StringVar(&metricName, "metric", "cosine", "distance metric: cosine|euclidean|dot")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")

	insertCmd.Flags().String("vector", "", "vector components, comma-separated")
	insertCmd.Flags().Float64("importance", 0.5, "initial importance in [0,1]")
	insertCmd.Flags().String("context", "", "context label")
	insertCmd.Flags().String("metadata", "", "metadata as a JSON object")
	insertCmd.MarkFlagRequired("vector")

	searchCmd.Flags().String("vector", "", "query vector, comma-separated")
	searchCmd.Flags().Int("top-k", 10, "number of results")
	searchCmd.Flags().Bool("json", false, "output as JSON")
	searchCmd.Flags().Int("timeout-ms", 0, "abort the search past this many milliseconds (0 = no deadline)")
	searchCmd.MarkFlagRequired("vector")

	relatedCmd.Flags().Int("max-depth", 1, "maximum relationship hops")

	rootCmd.AddCommand(
		insertCmd,
		searchCmd,
		getCmd,
		deleteCmd,
		relatedCmd,
		cleanupCmd,
		statsCmd,
		snapshotBackupCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
