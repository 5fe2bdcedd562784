package main

import (
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/liliang-cn/memora"
	"github.com/liliang-cn/memora/record"
)

var (
	dataPath string
	jsonOut  bool
)

var rootCmd = &cobra.Command{
	Use:   "memora",
	Short: "CLI for the memora hybrid graph/vector database",
	Long:  `A command-line interface for inserting, querying, and snapshotting a memora database.`,
}

func openDB() (*memora.Database, error) {
	if dataPath == "" {
		return nil, fmt.Errorf("data path not specified")
	}
	return memora.New(dataPath)
}

func parseVector(str string) ([record.VectorDim]float32, error) {
	var v [record.VectorDim]float32
	parts := strings.Split(str, ",")
	if len(parts) != record.VectorDim {
		return v, fmt.Errorf("expected %d comma-separated values, got %d", record.VectorDim, len(parts))
	}
	for i, part := range parts {
		val, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			return v, fmt.Errorf("invalid vector component %q: %w", part, err)
		}
		v[i] = float32(val)
	}
	return v, nil
}

func printJSONOrElse(v any, fallback func()) {
	if jsonOut {
		data, _ := json.MarshalIndent(v, "", "  ")
		fmt.Println(string(data))
		return
	}
	fallback()
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a new database directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return fmt.Errorf("failed to create database: %w", err)
		}
		defer db.Close()
		fmt.Printf("database initialized at %s\n", dataPath)
		return nil
	},
}

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Manage nodes",
}

var nodeAddCmd = &cobra.Command{
	Use:   "add <id>",
	Short: "Insert or overwrite a node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id: %w", err)
		}
		labelStr, _ := cmd.Flags().GetString("label")

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		var n record.Node
		n.ID = id
		copy(n.Label[:], labelStr)
		if err := db.InsertNode(n); err != nil {
			return fmt.Errorf("failed to insert node: %w", err)
		}
		fmt.Printf("node %d inserted\n", id)
		return nil
	},
}

var edgeCmd = &cobra.Command{
	Use:   "edge",
	Short: "Manage edges",
}

var edgeAddCmd = &cobra.Command{
	Use:   "add <from> <to>",
	Short: "Insert a directed edge",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		from, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid from id: %w", err)
		}
		to, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid to id: %w", err)
		}
		kindStr, _ := cmd.Flags().GetString("kind")

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.InsertEdge(record.Edge{From: from, To: to, Kind: edgeKindFromString(kindStr)}); err != nil {
			return fmt.Errorf("failed to insert edge: %w", err)
		}
		fmt.Printf("edge %d -> %d inserted\n", from, to)
		return nil
	},
}

func edgeKindFromString(s string) record.EdgeKind {
	switch s {
	case "owns":
		return record.EdgeOwns
	case "links":
		return record.EdgeLinks
	default:
		return record.EdgeRelated
	}
}

var vectorCmd = &cobra.Command{
	Use:   "vector",
	Short: "Manage vectors",
}

var vectorAddCmd = &cobra.Command{
	Use:   "add <id>",
	Short: "Insert or overwrite a vector",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id: %w", err)
		}
		vectorStr, _ := cmd.Flags().GetString("dims")
		if vectorStr == "" {
			return fmt.Errorf("--dims is required")
		}
		dims, err := parseVector(vectorStr)
		if err != nil {
			return err
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.InsertVector(record.Vector{ID: id, Dims: dims}); err != nil {
			return fmt.Errorf("failed to insert vector: %w", err)
		}
		fmt.Printf("vector %d inserted\n", id)
		return nil
	},
}

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Run graph/vector queries",
}

var queryRelatedCmd = &cobra.Command{
	Use:   "related <id>",
	Short: "Bounded-depth BFS from id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id: %w", err)
		}
		depth, _ := cmd.Flags().GetInt("depth")

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		nodes, err := db.QueryRelated(id, depth)
		if err != nil {
			return fmt.Errorf("query failed: %w", err)
		}
		printJSONOrElse(nodes, func() {
			fmt.Printf("found %d related nodes:\n", len(nodes))
			for _, n := range nodes {
				fmt.Printf("  %d %q\n", n.ID, strings.TrimRight(string(n.Label[:]), "\x00"))
			}
		})
		return nil
	},
}

var querySimilarCmd = &cobra.Command{
	Use:   "similar <id>",
	Short: "Top-k vector search seeded by id's stored vector",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id: %w", err)
		}
		k, _ := cmd.Flags().GetInt("k")

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		results, err := db.QuerySimilar(id, k)
		if err != nil {
			return fmt.Errorf("query failed: %w", err)
		}
		printJSONOrElse(results, func() {
			fmt.Printf("found %d similar vectors:\n", len(results))
			for i, r := range results {
				fmt.Printf("%d. id=%d score=%.4f\n", i+1, r.ID, r.Score)
			}
		})
		return nil
	},
}

var queryHybridCmd = &cobra.Command{
	Use:   "hybrid <id>",
	Short: "Union of a related-node BFS and a similar-vector search",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id: %w", err)
		}
		depth, _ := cmd.Flags().GetInt("depth")
		k, _ := cmd.Flags().GetInt("k")

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		result, err := db.QueryHybrid(id, depth, k)
		if err != nil {
			return fmt.Errorf("query failed: %w", err)
		}
		printJSONOrElse(result, func() {
			fmt.Printf("related: %d, similar: %d\n", len(result.RelatedNodes), len(result.SimilarVectors))
		})
		return nil
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Manage snapshots",
}

var snapshotCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new snapshot of the current state",
	RunE: func(cmd *cobra.Command, args []string) error {
		compact, _ := cmd.Flags().GetBool("compact")

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		if compact {
			m, err := db.Compact()
			if err != nil {
				return fmt.Errorf("compact failed: %w", err)
			}
			fmt.Printf("snapshot %d created and log compacted\n", m.SnapshotID)
			return nil
		}
		m, err := db.CreateSnapshot()
		if err != nil {
			return fmt.Errorf("snapshot failed: %w", err)
		}
		fmt.Printf("snapshot %d created\n", m.SnapshotID)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Display database statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		stats := db.GetStats()
		printJSONOrElse(stats, func() {
			fmt.Println("Database Statistics:")
			fmt.Printf("  Nodes:   %d\n", stats.Nodes)
			fmt.Printf("  Edges:   %d\n", stats.Edges)
			fmt.Printf("  Vectors: %d\n", stats.Vectors)
			fmt.Printf("  Memories: %d (sessions: %d)\n", stats.Memory.TotalMemories, stats.Memory.SessionCount)
		})
		return nil
	},
}

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Manage typed semantic memories",
}

var memoryStoreCmd = &cobra.Command{
	Use:   "store <content>",
	Short: "Store a new typed memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content := args[0]
		typeStr, _ := cmd.Flags().GetString("type")
		confidence, _ := cmd.Flags().GetInt("confidence")
		importance, _ := cmd.Flags().GetInt("importance")
		sessionID, _ := cmd.Flags().GetUint64("session")

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		opts := memora.DefaultStoreOptions()
		opts.Confidence = memora.Confidence(confidence)
		opts.Importance = memora.Importance(importance)
		opts.SessionID = sessionID

		id, err := db.StoreMemory(memoryTypeFromString(typeStr), content, opts)
		if err != nil {
			return fmt.Errorf("failed to store memory: %w", err)
		}
		fmt.Printf("memory %d stored\n", id)
		return nil
	},
}

func memoryTypeFromString(s string) memora.MemoryType {
	switch s {
	case "experience":
		return memora.MemoryTypeExperience
	case "preference":
		return memora.MemoryTypePreference
	case "context":
		return memora.MemoryTypeContext
	case "observation":
		return memora.MemoryTypeObservation
	default:
		return memora.MemoryTypeFact
	}
}

var memoryGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Fetch a memory by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id: %w", err)
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		mem, err := db.GetMemory(id)
		if err != nil {
			return fmt.Errorf("failed to get memory: %w", err)
		}
		if mem == nil {
			fmt.Println("memory not found or forgotten")
			return nil
		}
		printJSONOrElse(mem, func() {
			fmt.Printf("id=%d type=%d confidence=%d importance=%d\n", mem.ID, mem.Type, mem.Confidence, mem.Importance)
			fmt.Printf("content: %s\n", mem.Content)
		})
		return nil
	},
}

var memoryForgetCmd = &cobra.Command{
	Use:   "forget <id>",
	Short: "Logically forget a memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id: %w", err)
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.ForgetMemory(id); err != nil {
			return fmt.Errorf("failed to forget memory: %w", err)
		}
		fmt.Printf("memory %d forgotten\n", id)
		return nil
	},
}

var memoryQueryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Search memories by text similarity and filters",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := args[0]
		limit, _ := cmd.Flags().GetInt("limit")
		includeRelated, _ := cmd.Flags().GetBool("related")
		depth, _ := cmd.Flags().GetInt("depth")

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		result, err := db.QueryMemories(memora.MemoryQuery{
			QueryText:      text,
			Limit:          limit,
			IncludeRelated: includeRelated,
			MaxDepth:       depth,
		})
		if err != nil {
			return fmt.Errorf("query failed: %w", err)
		}
		printJSONOrElse(result, func() {
			fmt.Printf("found %d memories in %.2fms:\n", len(result.Memories), result.ExecutionTimeMs)
			for i, m := range result.Memories {
				fmt.Printf("%d. id=%d %q\n", i+1, m.ID, m.Content)
			}
		})
		return nil
	},
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage conversational sessions",
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new session",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		title, _ := cmd.Flags().GetString("title")

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		id, err := db.CreateSession(userID, title)
		if err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
		if err := db.SetCurrentSession(id); err != nil {
			return fmt.Errorf("failed to set current session: %w", err)
		}
		fmt.Printf("session %d created and set as current\n", id)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&dataPath, "data", "d", "memora-data", "Database directory path")
	rootCmd.PersistentFlags().BoolVarP(&jsonOut, "json", "j", false, "Output as JSON")

	nodeAddCmd.Flags().String("label", "", "Node label (up to 32 bytes)")
	nodeCmd.AddCommand(nodeAddCmd)

	edgeAddCmd.Flags().String("kind", "related", "Edge kind: related, owns, links")
	edgeCmd.AddCommand(edgeAddCmd)

	vectorAddCmd.Flags().String("dims", "", "Vector components, comma-separated")
	vectorAddCmd.MarkFlagRequired("dims")
	vectorCmd.AddCommand(vectorAddCmd)

	queryRelatedCmd.Flags().Int("depth", 2, "Maximum BFS depth")
	querySimilarCmd.Flags().Int("k", 10, "Number of results")
	queryHybridCmd.Flags().Int("depth", 2, "Maximum BFS depth")
	queryHybridCmd.Flags().Int("k", 10, "Number of vector results")
	queryCmd.AddCommand(queryRelatedCmd, querySimilarCmd, queryHybridCmd)

	snapshotCreateCmd.Flags().Bool("compact", false, "Also truncate the log prefix covered by the new snapshot")
	snapshotCmd.AddCommand(snapshotCreateCmd)

	memoryStoreCmd.Flags().String("type", "fact", "Memory type: fact, experience, preference, context, observation")
	memoryStoreCmd.Flags().Int("confidence", int(memora.ConfidenceMedium), "Confidence level (0-3)")
	memoryStoreCmd.Flags().Int("importance", int(memora.ImportanceMedium), "Importance level (0-3)")
	memoryStoreCmd.Flags().Uint64("session", 0, "Owning session id (0 for none)")
	memoryQueryCmd.Flags().Int("limit", 10, "Maximum number of results")
	memoryQueryCmd.Flags().Bool("related", false, "Include graph-related memories")
	memoryQueryCmd.Flags().Int("depth", 1, "Related-memory BFS depth")
	memoryCmd.AddCommand(memoryStoreCmd, memoryGetCmd, memoryForgetCmd, memoryQueryCmd)

	sessionCreateCmd.Flags().String("user", "", "Owning user id")
	sessionCreateCmd.Flags().String("title", "", "Session title")
	sessionCmd.AddCommand(sessionCreateCmd)

	rootCmd.AddCommand(
		initCmd,
		nodeCmd,
		edgeCmd,
		vectorCmd,
		queryCmd,
		snapshotCmd,
		statsCmd,
		memoryCmd,
		sessionCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
