package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wanglei99999/ai-agent-learning/pkg/memory"
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Add, search and manage tiered memories",
	Long: `Add, search and manage memories across the working, episodic,
semantic and perceptual tiers.

The working tier lives only for the duration of one process; use the
sqlite or qdrant backend to keep long-term tiers between invocations.

Examples:
  agentmem memory add --content "Auth uses JWT with RS256" --kind semantic
  agentmem memory add --content "Let's meet at 3pm" --auto-classify
  agentmem memory search --query "auth" --kinds semantic,episodic --limit 5
  agentmem memory forget --strategy time_based --max-age 720h
  agentmem memory import --file memories.jsonl
  agentmem memory stats`,
}

var memoryAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a memory",
	RunE:  runMemoryAdd,
}

var memorySearchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search memories across tiers",
	RunE:  runMemorySearch,
}

var memoryGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show a memory by id",
	RunE:  runMemoryGet,
}

var memoryUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Update a memory's content, importance or metadata",
	RunE:  runMemoryUpdate,
}

var memoryRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove a memory by id",
	RunE:  runMemoryRemove,
}

var memoryForgetCmd = &cobra.Command{
	Use:   "forget",
	Short: "Remove memories by importance, age or capacity",
	RunE:  runMemoryForget,
}

var memoryConsolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Promote important memories from one tier to another",
	RunE:  runMemoryConsolidate,
}

var memoryStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-tier statistics",
	RunE:  runMemoryStats,
}

var memorySummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Summarise memories and list the most important ones",
	RunE:  runMemorySummary,
}

var memoryClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every memory from every tier",
	RunE:  runMemoryClear,
}

var memoryImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Bulk load memories from a JSON Lines file",
	Long: `Bulk load memories from a JSON Lines file. Each line is an add request:

  {"content": "Auth uses JWT", "tier_kind": "semantic", "importance": 0.8}
  {"content": "Met Alice yesterday", "auto_classify": true}`,
	RunE: runMemoryImport,
}

func init() {
	rootCmd.AddCommand(memoryCmd)
	memoryCmd.AddCommand(
		memoryAddCmd, memorySearchCmd, memoryGetCmd, memoryUpdateCmd, memoryRemoveCmd,
		memoryForgetCmd, memoryConsolidateCmd, memoryStatsCmd, memorySummaryCmd,
		memoryClearCmd, memoryImportCmd,
	)

	// Add flags
	memoryAddCmd.Flags().String("content", "", "Memory content")
	memoryAddCmd.Flags().String("kind", "working", "Tier (working, episodic, semantic, perceptual)")
	memoryAddCmd.Flags().Float64("importance", 0, "Importance in [0,1] (estimated when omitted)")
	memoryAddCmd.Flags().StringToString("metadata", nil, "Metadata key=value pairs")
	memoryAddCmd.Flags().Bool("auto-classify", false, "Choose the tier from the content")
	memoryAddCmd.Flags().String("file-path", "", "Source file for perceptual memories")
	memoryAddCmd.Flags().String("modality", "", "Perceptual modality (inferred from --file-path when empty)")
	_ = memoryAddCmd.MarkFlagRequired("content")

	// Search flags
	memorySearchCmd.Flags().String("query", "", "Query text")
	memorySearchCmd.Flags().StringSlice("kinds", nil, "Tiers to search (default: all enabled)")
	memorySearchCmd.Flags().Int("limit", memory.DefaultLimit, "Maximum results")
	memorySearchCmd.Flags().Float64("min-importance", 0, "Minimum importance")
	memorySearchCmd.Flags().String("since", "", "Only memories created after this (RFC3339 or a duration such as 24h)")
	memorySearchCmd.Flags().String("until", "", "Only memories created before this (RFC3339 or a duration)")
	memorySearchCmd.Flags().StringToString("filter", nil, "Metadata key=value constraints")
	_ = memorySearchCmd.MarkFlagRequired("query")

	memoryGetCmd.Flags().String("id", "", "Memory id")
	_ = memoryGetCmd.MarkFlagRequired("id")

	memoryUpdateCmd.Flags().String("id", "", "Memory id")
	memoryUpdateCmd.Flags().String("content", "", "New content")
	memoryUpdateCmd.Flags().Float64("importance", 0, "New importance")
	memoryUpdateCmd.Flags().StringToString("metadata", nil, "Metadata key=value pairs to merge")
	_ = memoryUpdateCmd.MarkFlagRequired("id")

	memoryRemoveCmd.Flags().String("id", "", "Memory id")
	_ = memoryRemoveCmd.MarkFlagRequired("id")

	// Forget flags
	memoryForgetCmd.Flags().String("strategy", string(memory.ForgetImportanceBased), "importance_based, time_based or capacity_based")
	memoryForgetCmd.Flags().Float64("threshold", 0, "Importance threshold (default: forget.importance_threshold)")
	memoryForgetCmd.Flags().Duration("max-age", 30*24*time.Hour, "Age limit for time_based")

	// Consolidate flags
	memoryConsolidateCmd.Flags().String("from", string(memory.TierWorking), "Source tier")
	memoryConsolidateCmd.Flags().String("to", string(memory.TierEpisodic), "Destination tier")
	memoryConsolidateCmd.Flags().Float64("threshold", 0.7, "Minimum importance to promote")

	memorySummaryCmd.Flags().Int("limit", 10, "Number of important memories to list")

	memoryClearCmd.Flags().Bool("yes", false, "Confirm removal of all memories")

	memoryImportCmd.Flags().String("file", "", "JSON Lines file ('-' for stdin)")
	memoryImportCmd.Flags().Bool("no-progress", false, "Disable the progress bar")
	_ = memoryImportCmd.MarkFlagRequired("file")
}

// withEngine builds an engine from the global config, runs fn and closes it.
func withEngine(cmd *cobra.Command, fn func(ctx context.Context, e *engine) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	e, err := buildEngine(ctx, viper.GetViper())
	if err != nil {
		return err
	}
	defer func() { _ = e.Close(context.Background()) }()
	return fn(ctx, e)
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runMemoryAdd(cmd *cobra.Command, args []string) error {
	content, _ := cmd.Flags().GetString("content")
	kind, _ := cmd.Flags().GetString("kind")
	autoClassify, _ := cmd.Flags().GetBool("auto-classify")
	pairs, _ := cmd.Flags().GetStringToString("metadata")
	filePath, _ := cmd.Flags().GetString("file-path")
	modality, _ := cmd.Flags().GetString("modality")

	req := memory.AddRequest{
		Content:      content,
		Kind:         memory.TierKind(kind),
		Metadata:     metadataFromPairs(pairs),
		AutoClassify: autoClassify,
	}
	if cmd.Flags().Changed("importance") {
		imp, _ := cmd.Flags().GetFloat64("importance")
		req.Importance = &imp
	}

	return withEngine(cmd, func(ctx context.Context, e *engine) error {
		id, err := e.recorder.AddWithSession(ctx, req, filePath, modality)
		if err != nil {
			return err
		}
		return printJSON(map[string]string{"id": id})
	})
}

func runMemorySearch(cmd *cobra.Command, args []string) error {
	query, _ := cmd.Flags().GetString("query")
	kindNames, _ := cmd.Flags().GetStringSlice("kinds")
	limit, _ := cmd.Flags().GetInt("limit")
	minImportance, _ := cmd.Flags().GetFloat64("min-importance")
	sinceRaw, _ := cmd.Flags().GetString("since")
	untilRaw, _ := cmd.Flags().GetString("until")
	filters, _ := cmd.Flags().GetStringToString("filter")

	kinds, err := parseKinds(kindNames)
	if err != nil {
		return err
	}
	now := time.Now()
	since, err := parseTimeBound(sinceRaw, now)
	if err != nil {
		return fmt.Errorf("--since: %w", err)
	}
	until, err := parseTimeBound(untilRaw, now)
	if err != nil {
		return fmt.Errorf("--until: %w", err)
	}

	return withEngine(cmd, func(ctx context.Context, e *engine) error {
		items, err := e.manager.Retrieve(ctx, memory.RetrieveRequest{
			Query:         query,
			Kinds:         kinds,
			Limit:         limit,
			MinImportance: minImportance,
			Since:         since,
			Until:         until,
			Filters:       metadataFromPairs(filters),
		})
		if err != nil {
			return err
		}
		return printJSON(items)
	})
}

func runMemoryGet(cmd *cobra.Command, args []string) error {
	id, _ := cmd.Flags().GetString("id")
	return withEngine(cmd, func(ctx context.Context, e *engine) error {
		item, err := e.manager.Get(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(item)
	})
}

func runMemoryUpdate(cmd *cobra.Command, args []string) error {
	id, _ := cmd.Flags().GetString("id")
	pairs, _ := cmd.Flags().GetStringToString("metadata")

	patch := memory.Patch{Metadata: metadataFromPairs(pairs)}
	if cmd.Flags().Changed("content") {
		content, _ := cmd.Flags().GetString("content")
		patch.Content = &content
	}
	if cmd.Flags().Changed("importance") {
		imp, _ := cmd.Flags().GetFloat64("importance")
		patch.Importance = &imp
	}
	if patch.Content == nil && patch.Importance == nil && patch.Metadata == nil {
		return fmt.Errorf("at least one of --content, --importance or --metadata is required")
	}

	return withEngine(cmd, func(ctx context.Context, e *engine) error {
		ok, err := e.manager.Update(ctx, id, patch)
		if err != nil {
			return err
		}
		return printJSON(map[string]interface{}{"id": id, "updated": ok})
	})
}

func runMemoryRemove(cmd *cobra.Command, args []string) error {
	id, _ := cmd.Flags().GetString("id")
	return withEngine(cmd, func(ctx context.Context, e *engine) error {
		ok, err := e.manager.Remove(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(map[string]interface{}{"id": id, "removed": ok})
	})
}

func runMemoryForget(cmd *cobra.Command, args []string) error {
	strategyName, _ := cmd.Flags().GetString("strategy")
	threshold, _ := cmd.Flags().GetFloat64("threshold")
	maxAge, _ := cmd.Flags().GetDuration("max-age")

	strategy, err := memory.ParseForgetStrategy(strategyName)
	if err != nil {
		return err
	}

	return withEngine(cmd, func(ctx context.Context, e *engine) error {
		if !cmd.Flags().Changed("threshold") {
			threshold = e.cfg.ImportanceForgetThreshold
		}
		n, err := e.manager.Forget(ctx, memory.ForgetRequest{Strategy: strategy, Threshold: threshold, MaxAge: maxAge})
		if err != nil {
			return err
		}
		return printJSON(map[string]interface{}{"strategy": strategy, "forgotten": n})
	})
}

func runMemoryConsolidate(cmd *cobra.Command, args []string) error {
	fromName, _ := cmd.Flags().GetString("from")
	toName, _ := cmd.Flags().GetString("to")
	threshold, _ := cmd.Flags().GetFloat64("threshold")

	from, err := memory.ParseTierKind(fromName)
	if err != nil {
		return err
	}
	to, err := memory.ParseTierKind(toName)
	if err != nil {
		return err
	}

	return withEngine(cmd, func(ctx context.Context, e *engine) error {
		n, err := e.manager.Consolidate(ctx, from, to, threshold)
		if err != nil {
			return err
		}
		return printJSON(map[string]interface{}{"from": from, "to": to, "consolidated": n})
	})
}

func runMemoryStats(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(ctx context.Context, e *engine) error {
		stats, err := e.manager.Stats(ctx)
		if err != nil {
			return err
		}
		return printJSON(stats)
	})
}

func runMemorySummary(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	return withEngine(cmd, func(ctx context.Context, e *engine) error {
		summary, err := e.manager.Summary(ctx, limit)
		if err != nil {
			return err
		}
		return printJSON(summary)
	})
}

func runMemoryClear(cmd *cobra.Command, args []string) error {
	yes, _ := cmd.Flags().GetBool("yes")
	if !yes {
		return fmt.Errorf("refusing to clear all memories without --yes")
	}
	return withEngine(cmd, func(ctx context.Context, e *engine) error {
		if err := e.manager.ClearAll(ctx); err != nil {
			return err
		}
		return printJSON(map[string]bool{"cleared": true})
	})
}

// importResult reports a bulk load.
type importResult struct {
	Imported int      `json:"imported"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors,omitempty"`
}

func runMemoryImport(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("file")
	noProgress, _ := cmd.Flags().GetBool("no-progress")

	var lines []string
	if path == "-" {
		read, err := readLines(os.Stdin)
		if err != nil {
			return err
		}
		lines = read
	} else {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open import file: %w", err)
		}
		read, err := readLines(f)
		_ = f.Close()
		if err != nil {
			return err
		}
		lines = read
	}

	return withEngine(cmd, func(ctx context.Context, e *engine) error {
		var bar *progressbar.ProgressBar
		if !noProgress {
			bar = progressbar.NewOptions(len(lines),
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionSetDescription("importing"),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish(),
			)
		}
		result := importMemories(ctx, e, lines, func() {
			if bar != nil {
				_ = bar.Add(1)
			}
		})
		if bar != nil {
			_ = bar.Finish()
		}
		return printJSON(result)
	})
}

// importMemories adds one AddRequest per JSON line. Bad lines are counted
// and reported without stopping the import.
func importMemories(ctx context.Context, e *engine, lines []string, step func()) importResult {
	var result importResult
	for i, line := range lines {
		var req memory.AddRequest
		err := json.Unmarshal([]byte(line), &req)
		if err == nil {
			_, err = e.recorder.AddWithSession(ctx, req, "", "")
		}
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", i+1, err))
		} else {
			result.Imported++
		}
		step()
	}
	return result
}

func readLines(f *os.File) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read import file: %w", err)
	}
	return lines, nil
}

func parseKinds(names []string) ([]memory.TierKind, error) {
	var kinds []memory.TierKind
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			continue
		}
		k, err := memory.ParseTierKind(name)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// parseTimeBound accepts RFC3339 or a duration meaning "that long before now".
func parseTimeBound(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("want RFC3339 time or duration, got %q", s)
	}
	return now.Add(-d), nil
}

func metadataFromPairs(pairs map[string]string) map[string]interface{} {
	if len(pairs) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(pairs))
	for k, v := range pairs {
		out[k] = v
	}
	return out
}
