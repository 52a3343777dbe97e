package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/grc-extract/internal/pipeline"
)

var (
	ingestUser       string
	ingestBaseDir    string
	ingestCompliance bool
	ingestSkipCompl  bool
	ingestForceFull  bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>",
	Short: "Extract the index, sections, policies and compliance records of a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "ingest")
		if err != nil {
			return err
		}
		defer env.Close()

		baseDir := ingestBaseDir
		if baseDir == "" {
			baseDir = cfg.Pipeline.BaseDir
		}
		include := cfg.Pipeline.IncludeCompliance
		if cmd.Flags().Changed("compliance") {
			include = ingestCompliance
		}
		if ingestSkipCompl {
			include = false
		}

		res, err := env.Pipeline.Process(ctx, pipeline.Request{
			PDFPath:             args[0],
			UserKey:             ingestUser,
			BaseDir:             baseDir,
			IncludeCompliance:   include,
			ForceFullExtraction: ingestForceFull,
		})
		if err != nil {
			zap.L().Error("ingest failed", zap.String("file", args[0]), zap.Error(err))
			if res != nil {
				_ = printJSON(cmd.OutOrStdout(), res)
			}
			return err
		}
		zap.L().Info("ingest complete",
			zap.String("output_dir", res.OutputDir),
			zap.Int("policies", res.Policies),
			zap.Int("compliances", res.Compliances),
			zap.Int("provider_calls", res.ProviderCalls),
			zap.Int("cache_hits", res.CacheHits),
		)
		return printJSON(cmd.OutOrStdout(), res)
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestUser, "user", "local", "user key for the output directory")
	ingestCmd.Flags().StringVar(&ingestBaseDir, "base-dir", "", "output base directory (default from config)")
	ingestCmd.Flags().BoolVar(&ingestCompliance, "compliance", true, "generate compliance and risk records")
	ingestCmd.Flags().BoolVar(&ingestSkipCompl, "no-compliance", false, "skip compliance generation")
	ingestCmd.Flags().BoolVar(&ingestForceFull, "full", false, "treat every page as its own section when no index is found")
	rootCmd.AddCommand(ingestCmd)
}
