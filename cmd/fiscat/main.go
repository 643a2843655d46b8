package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"fiscat/internal/classify"
	"fiscat/internal/config"
	"fiscat/internal/embedding"
	"fiscat/internal/goldenset"
	"fiscat/internal/hierarchy"
	"fiscat/internal/learning"
	"fiscat/internal/logging"
	"fiscat/internal/pipeline"
	"fiscat/internal/reconcile"
	"fiscat/internal/retrieval"
	"fiscat/internal/stages"
	"fiscat/internal/vectorstore"
)

var (
	// Global flags
	verbose    bool
	configPath string
	workspace  string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "fiscat",
	Short: "fiscat - fiscal product taxonomy classification engine",
	Long: `fiscat assigns two-level fiscal taxonomy codes (category + sub-code)
to free-text product descriptions.

It combines a prefix-based code hierarchy with inheritance, semantic
retrieval over the main corpus and a human-validated golden set, two
LLM classification stages, and a reconciliation step that cross-checks
their outputs against the structured hierarchy.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Initialize logger
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if workspace == "" {
			workspace, _ = os.Getwd()
		}
		if err := logging.Initialize(workspace); err != nil {
			logger.Warn("category logging unavailable", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// classifyCmd classifies one product description or a JSONL batch
var classifyCmd = &cobra.Command{
	Use:   "classify [description]",
	Short: "Classify a product description (or a JSONL batch with --file)",
	Long: `Runs the full classification chain for one product:
  1. Expand the description (optional)
  2. Category stage with hybrid retrieval context
  3. Sub-code stage with context scoped to the chosen category
  4. Reconciliation against the code hierarchy

Prints the audited classification record as JSON.

With --file, reads one product per line as JSON
({"id": "...", "description": "...", "attributes": {...}}) and classifies
them on a bounded worker pool, printing one record per line. Duplicate
lines are classified once and share the resulting record.`,
	Args: cobra.ArbitraryArgs,
	RunE: runClassify,
}

// ingestCmd loads hierarchy data
var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Load category codes and sub-code mappings into the hierarchy database",
}

var ingestCodeCmd = &cobra.Command{
	Use:   "code [code] [description]",
	Short: "Add a category code",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runIngestCode,
}

var ingestMappingCmd = &cobra.Command{
	Use:   "mapping [owner-code] [sub-code]",
	Short: "Add a direct sub-code mapping to a category code",
	Args:  cobra.ExactArgs(2),
	RunE:  runIngestMapping,
}

var ingestCorpusCmd = &cobra.Command{
	Use:   "corpus [id] [text]",
	Short: "Add a document to the main similarity corpus",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runIngestCorpus,
}

// validateCmd records a human-validated classification
var validateCmd = &cobra.Command{
	Use:   "validate [description] [category-code]",
	Short: "Record a human-validated classification in the golden set",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runValidate,
}

// promoteCmd triggers golden set promotion
var promoteCmd = &cobra.Command{
	Use:   "promote",
	Short: "Promote pending golden entries into the golden similarity index",
	RunE:  runPromote,
}

// statsCmd prints store diagnostics
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show hierarchy, corpus and golden set statistics",
	RunE:  runStats,
}

var (
	classifyProductID string
	classifyFile      string
	validateSubCode   string
	validateQuality   float64
	promoteForce      bool
	mappingConfidence float64
	mappingSource     string
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "fiscat.yaml", "path to the config file")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "workspace directory (default: cwd)")

	classifyCmd.Flags().StringVar(&classifyProductID, "id", "", "product id (default: generated)")
	classifyCmd.Flags().StringVar(&classifyFile, "file", "", "JSONL file with one product per line")

	validateCmd.Flags().StringVar(&validateSubCode, "sub-code", "", "validated sub-code")
	validateCmd.Flags().Float64Var(&validateQuality, "quality", 1.0, "quality score in [0,1]")

	promoteCmd.Flags().BoolVarP(&promoteForce, "force", "f", false, "promote even below the batch threshold")

	ingestMappingCmd.Flags().Float64Var(&mappingConfidence, "confidence", 1.0, "mapping confidence in [0,1]")
	ingestMappingCmd.Flags().StringVar(&mappingSource, "source", "manual", "mapping source label")

	ingestCmd.AddCommand(ingestCodeCmd, ingestMappingCmd, ingestCorpusCmd)
	rootCmd.AddCommand(classifyCmd, ingestCmd, validateCmd, promoteCmd, statsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// =============================================================================
// WIRING
// =============================================================================

// engineSet holds the stores a command needs, with a single close path.
type engineSet struct {
	cfg         *config.Config
	hierStore   *hierarchy.Store
	index       *hierarchy.Index
	mainStore   *vectorstore.VectorStore
	goldenStore *vectorstore.VectorStore
	golden      *goldenset.Store
}

func (e *engineSet) Close() {
	if e.mainStore != nil {
		e.mainStore.Close()
	}
	if e.goldenStore != nil {
		e.goldenStore.Close()
	}
	if e.golden != nil {
		e.golden.Close()
	}
	if e.hierStore != nil {
		e.hierStore.Close()
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// openEngines opens every store. withVectors controls whether the embedding
// engine and vector stores are brought up (ingest-only commands skip them).
func openEngines(withVectors bool) (*engineSet, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	set := &engineSet{cfg: cfg}

	set.hierStore, err = hierarchy.NewStore(cfg.Hierarchy.DatabasePath)
	if err != nil {
		return nil, err
	}

	set.index, err = set.hierStore.LoadIndex(cfg.Learning.InheritedConfScale)
	if err != nil {
		set.Close()
		return nil, err
	}

	set.golden, err = goldenset.NewStore(cfg.Golden.DatabasePath)
	if err != nil {
		set.Close()
		return nil, err
	}

	if withVectors {
		engine, err := embedding.NewEngine(embedding.Config{
			Provider:       cfg.Embedding.Provider,
			OllamaEndpoint: cfg.Embedding.OllamaEndpoint,
			OllamaModel:    cfg.Embedding.OllamaModel,
			GenAIAPIKey:    cfg.Embedding.GenAIAPIKey,
			GenAIModel:     cfg.Embedding.GenAIModel,
			TaskType:       cfg.Embedding.TaskType,
		})
		if err != nil {
			set.Close()
			return nil, err
		}

		set.mainStore, err = vectorstore.NewVectorStore(cfg.VectorStore.MainPath, "main", engine)
		if err != nil {
			set.Close()
			return nil, err
		}
		set.goldenStore, err = vectorstore.NewVectorStore(cfg.VectorStore.GoldenPath, "golden", engine)
		if err != nil {
			set.Close()
			return nil, err
		}
	}

	return set, nil
}

func buildService(set *engineSet) (*classify.Service, error) {
	cfg := set.cfg

	client, err := stages.NewClient(stages.Config{
		Provider: cfg.LLM.Provider,
		APIKey:   cfg.LLM.APIKey,
		Model:    cfg.LLM.Model,
		BaseURL:  cfg.LLM.BaseURL,
		Timeout:  cfg.GetLLMTimeout(),
	})
	if err != nil {
		return nil, err
	}

	retriever := retrieval.NewHybridRetriever(set.index, set.mainStore, set.goldenStore, retrieval.Config{
		KMain:         cfg.Retrieval.KMain,
		KGolden:       cfg.Retrieval.KGolden,
		GoldenWeight:  cfg.Retrieval.GoldenWeight,
		SourceTimeout: cfg.GetSourceTimeout(),
	})

	p := pipeline.New(
		retriever,
		stages.NewCategoryStage(client),
		stages.NewSubCodeStage(client),
		stages.NewExpander(client),
		cfg.GetStageTimeout(),
	)

	return classify.NewService(p, reconcile.New(set.index), set.golden, cfg.Pipeline.MaxParallel), nil
}

// =============================================================================
// COMMANDS
// =============================================================================

func runClassify(cmd *cobra.Command, args []string) error {
	if classifyFile == "" && len(args) == 0 {
		return fmt.Errorf("provide a description or --file")
	}

	set, err := openEngines(true)
	if err != nil {
		return err
	}
	defer set.Close()

	service, err := buildService(set)
	if err != nil {
		return err
	}

	if classifyFile != "" {
		return runClassifyBatch(service)
	}

	productID := classifyProductID
	if productID == "" {
		productID = fmt.Sprintf("cli-%d", time.Now().UnixNano())
	}

	record, err := service.Classify(context.Background(), pipeline.Product{
		ID:          productID,
		Description: strings.Join(args, " "),
	})
	if err != nil {
		return fmt.Errorf("classification failed: %w", err)
	}

	out, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

type batchProduct struct {
	ID          string            `json:"id"`
	Description string            `json:"description"`
	Attributes  map[string]string `json:"attributes"`
}

func runClassifyBatch(service *classify.Service) error {
	f, err := os.Open(classifyFile)
	if err != nil {
		return err
	}
	defer f.Close()

	var products []pipeline.Product
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var bp batchProduct
		if err := json.Unmarshal([]byte(text), &bp); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if bp.ID == "" {
			bp.ID = fmt.Sprintf("batch-%d", line)
		}
		products = append(products, pipeline.Product{
			ID:          bp.ID,
			Description: bp.Description,
			Attributes:  bp.Attributes,
		})
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	records, errs := service.ClassifyBatchDeduped(context.Background(), products)

	enc := json.NewEncoder(os.Stdout)
	failed := 0
	for i, record := range records {
		if errs[i] != nil {
			failed++
			logger.Error("classification failed",
				zap.String("product_id", products[i].ID),
				zap.Error(errs[i]))
			continue
		}
		if err := enc.Encode(record); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d products failed", failed, len(products))
	}
	return nil
}

func runIngestCode(cmd *cobra.Command, args []string) error {
	set, err := openEngines(false)
	if err != nil {
		return err
	}
	defer set.Close()

	description := ""
	if len(args) > 1 {
		description = strings.Join(args[1:], " ")
	}
	if err := set.hierStore.UpsertCode(args[0], description); err != nil {
		return err
	}
	logger.Info("code ingested", zap.String("code", args[0]))
	return nil
}

func runIngestMapping(cmd *cobra.Command, args []string) error {
	set, err := openEngines(false)
	if err != nil {
		return err
	}
	defer set.Close()

	if err := set.hierStore.UpsertMapping(args[0], args[1], "", mappingConfidence, mappingSource); err != nil {
		return err
	}
	logger.Info("mapping ingested",
		zap.String("owner", args[0]),
		zap.String("sub_code", args[1]))
	return nil
}

func runIngestCorpus(cmd *cobra.Command, args []string) error {
	set, err := openEngines(true)
	if err != nil {
		return err
	}
	defer set.Close()

	text := strings.Join(args[1:], " ")
	if err := set.mainStore.Add(context.Background(), args[0], text, nil); err != nil {
		return err
	}
	logger.Info("corpus document ingested", zap.String("id", args[0]))
	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	set, err := openEngines(false)
	if err != nil {
		return err
	}
	defer set.Close()

	var subCode *string
	if validateSubCode != "" {
		subCode = &validateSubCode
	}

	id, err := set.golden.Add(args[0], hierarchy.Normalize(args[1]), subCode, validateQuality)
	if err != nil {
		return err
	}
	logger.Info("golden entry recorded", zap.Int64("id", id))
	fmt.Printf("golden entry %d recorded (pending promotion)\n", id)
	return nil
}

func runPromote(cmd *cobra.Command, args []string) error {
	set, err := openEngines(true)
	if err != nil {
		return err
	}
	defer set.Close()

	scheduler := learning.NewScheduler(set.golden, set.goldenStore, set.cfg.Learning.MinBatch)
	report, err := scheduler.MaybePromote(context.Background(), promoteForce)
	if err != nil {
		return err
	}

	fmt.Printf("status: %s\npending: %d\npromoted: %d\nfailed: %d\n",
		report.Status, report.PendingCount, report.PromotedCount, report.FailedCount)
	for _, e := range report.Errors {
		fmt.Printf("  error: %s\n", e)
	}
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	set, err := openEngines(true)
	if err != nil {
		return err
	}
	defer set.Close()

	hierStats, err := set.hierStore.Stats()
	if err != nil {
		return err
	}
	goldenStats, err := set.golden.Stats()
	if err != nil {
		return err
	}

	all := map[string]interface{}{
		"hierarchy":  hierStats,
		"golden_set": goldenStats,
		"corpus":     set.mainStore.Stats(),
		"golden_idx": set.goldenStore.Stats(),
	}
	out, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
