package main

import (
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/grc-extract/internal/amendment"
	"github.com/sells-group/grc-extract/internal/matcher"
	"github.com/sells-group/grc-extract/internal/model"
	"github.com/sells-group/grc-extract/internal/updates"
)

var amendCmd = &cobra.Command{
	Use:   "amend",
	Short: "Track and process framework amendments",
}

var (
	amendFramework   string
	amendFrameworkID string
	amendDate        string
	amendOut         string
)

var amendProcessCmd = &cobra.Command{
	Use:   "process <pdf>",
	Short: "Extract policies and compliance records from an amendment document",
	Long:  "Without --framework-id the document is processed directly. With it the amendment is recorded, processed under the per-framework lock and can be cancelled from another shell.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "amend")
		if err != nil {
			return err
		}
		defer env.Close()

		if amendFramework == "" {
			return model.NewError(model.KindInputRejected, "--framework is required", nil)
		}
		outDir := amendOut
		if outDir == "" {
			outDir = cfg.Amendment.OutputDir
		}

		if amendFrameworkID == "" {
			res := env.Processor.Process(ctx, amendment.Request{
				PDFPath:       args[0],
				FrameworkName: amendFramework,
				AmendmentDate: amendDate,
				OutputDir:     outDir,
			})
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			return res.Err
		}

		path, err := filepath.Abs(args[0])
		if err != nil {
			return eris.Wrap(err, "resolve pdf path")
		}
		a := &model.Amendment{
			FrameworkID:   amendFrameworkID,
			FrameworkName: amendFramework,
			AmendmentDate: amendDate,
			LocalPath:     path,
		}
		if err := env.Amendments.Register(ctx, a); err != nil {
			return err
		}
		if _, err := env.Amendments.Start(ctx, a.ID); err != nil {
			return err
		}
		zap.L().Info("amendment processing started", zap.String("amendment_id", a.ID))
		env.Amendments.Wait()

		final, err := env.Amendments.Get(ctx, a.ID)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), final)
	},
}

var (
	checkLastKnown   string
	checkDownloadDir string
	checkProcess     bool
)

var amendCheckCmd = &cobra.Command{
	Use:   "check <framework name>",
	Short: "Ask the search model for a newer amendment and download it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "check")
		if err != nil {
			return err
		}
		defer env.Close()

		dir := checkDownloadDir
		if dir == "" {
			dir = cfg.Amendment.DownloadDir
		}
		info, err := env.Checker.Check(ctx, updates.Request{
			FrameworkName: args[0],
			LastKnownDate: checkLastKnown,
			DownloadDir:   dir,
			FrameworkID:   amendFrameworkID,
			AmendmentDate: amendDate,
			Process:       checkProcess && amendFrameworkID != "",
		})
		if err != nil {
			return err
		}
		env.Amendments.Wait()
		return printJSON(cmd.OutOrStdout(), info)
	},
}

var amendCancelCmd = &cobra.Command{
	Use:   "cancel <amendment id>",
	Short: "Request cancellation of a processing amendment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "amend")
		if err != nil {
			return err
		}
		defer env.Close()

		a, err := env.Amendments.Cancel(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), a)
	},
}

var amendStatusCmd = &cobra.Command{
	Use:   "status <amendment id>",
	Short: "Show an amendment record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "amend")
		if err != nil {
			return err
		}
		defer env.Close()

		a, err := env.Amendments.Get(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), a)
	},
}

var amendListCmd = &cobra.Command{
	Use:   "list <framework id>",
	Short: "List amendments of a framework, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "amend")
		if err != nil {
			return err
		}
		defer env.Close()

		list, err := env.Store.ListByFramework(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), list)
	},
}

var (
	matchOrigin    string
	matchAI        bool
	matchLLM       bool
	matchThreshold float64
	matchTop       int
	matchForce     bool
)

var amendMatchCmd = &cobra.Command{
	Use:   "match <amendment id>",
	Short: "Match a processed amendment against an existing policy hierarchy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "match")
		if err != nil {
			return err
		}
		defer env.Close()

		if matchOrigin == "" {
			return model.NewError(model.KindInputRejected, "--origin is required", nil)
		}
		origin, err := matcher.LoadHierarchy(matchOrigin)
		if err != nil {
			return err
		}
		out, err := env.Amendments.Output(ctx, args[0])
		if err != nil {
			return err
		}

		res, err := env.Matcher.MatchAll(ctx, args[0], matcher.Targets(out), origin, matcher.Options{
			UseAI:     matchAI,
			UseLLM:    matchLLM,
			Threshold: matchThreshold,
			TopN:      matchTop,
			Force:     matchForce,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

func init() {
	amendProcessCmd.Flags().StringVar(&amendFramework, "framework", "", "framework name")
	amendProcessCmd.Flags().StringVar(&amendOut, "out", "", "output directory (default from config)")
	for _, c := range []*cobra.Command{amendProcessCmd, amendCheckCmd} {
		c.Flags().StringVar(&amendFrameworkID, "framework-id", "", "framework id the amendment belongs to")
		c.Flags().StringVar(&amendDate, "date", "", "amendment date (YYYY-MM-DD)")
	}

	amendCheckCmd.Flags().StringVar(&checkLastKnown, "last-known", "", "last known amendment date (YYYY-MM-DD)")
	amendCheckCmd.Flags().StringVar(&checkDownloadDir, "download-dir", "", "download directory (default from config)")
	amendCheckCmd.Flags().BoolVar(&checkProcess, "process", false, "record and process the downloaded amendment (needs --framework-id)")

	amendMatchCmd.Flags().StringVar(&matchOrigin, "origin", "", "hierarchy JSON to match against")
	amendMatchCmd.Flags().BoolVar(&matchAI, "ai", true, "blend in embedding similarity when available")
	amendMatchCmd.Flags().BoolVar(&matchLLM, "llm", false, "ask the model to review compliance matches")
	amendMatchCmd.Flags().Float64Var(&matchThreshold, "threshold", matcher.DefaultThreshold, "minimum score for a match")
	amendMatchCmd.Flags().IntVar(&matchTop, "top", matcher.DefaultTopN, "candidates kept per target")
	amendMatchCmd.Flags().BoolVar(&matchForce, "force", false, "recompute even when a cached result exists")

	amendCmd.AddCommand(amendProcessCmd, amendCheckCmd, amendCancelCmd, amendStatusCmd, amendListCmd, amendMatchCmd)
	rootCmd.AddCommand(amendCmd)
}
