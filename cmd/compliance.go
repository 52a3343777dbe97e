package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var (
	compliancePrefix string
	complianceOut    string
)

var complianceCmd = &cobra.Command{
	Use:   "compliance <subpolicies.xlsx>",
	Short: "Generate compliance and risk workbooks from a subpolicy sheet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "compliance")
		if err != nil {
			return err
		}
		defer env.Close()

		prefix := compliancePrefix
		if prefix == "" {
			prefix = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
		}
		outDir := complianceOut
		if outDir == "" {
			outDir = filepath.Dir(args[0])
		}
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return eris.Wrapf(err, "create %s", outDir)
		}

		bulk, err := env.Generator.Generate(ctx, args[0], prefix, outDir)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), bulk)
	},
}

func init() {
	complianceCmd.Flags().StringVar(&compliancePrefix, "prefix", "", "output file prefix (default: input file name)")
	complianceCmd.Flags().StringVar(&complianceOut, "out", "", "output directory (default: input directory)")
	rootCmd.AddCommand(complianceCmd)
}
