package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Brownie44l1/snapcheck/internal/model"
)

func newInspectCommand(cc *commandContext) *cobra.Command {
	var modelDir string
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Describe a saved model bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cc.ensureConfig()
			if err != nil {
				return err
			}
			if modelDir == "" {
				modelDir = cfg.Model.Dir
			}
			bundle, err := model.NewStore(modelDir).Load(cmd.Context())
			if err != nil {
				return err
			}
			m, err := model.Deserialize(bundle)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			md := bundle.Metadata
			fmt.Fprintf(out, "format:       %s\n", md.Format)
			fmt.Fprintf(out, "generated by: %s\n", md.GeneratedBy)
			fmt.Fprintf(out, "weight bytes: %d\n", md.WeightDataBytes)
			fmt.Fprintf(out, "weight files: %v\n\n", md.Paths())

			rows := [][]string{}
			for _, spec := range md.Specs() {
				size := 1
				for _, d := range spec.Shape {
					size *= d
				}
				rows = append(rows, []string{spec.Name, fmt.Sprint(spec.Shape), spec.DType, strconv.Itoa(size)})
			}
			fmt.Fprintln(out, renderTable("Weights",
				[]string{"Name", "Shape", "DType", "Values"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight}))
			fmt.Fprintln(out, m.Summary())
			return nil
		},
	}
	cmd.Flags().StringVar(&modelDir, "model-dir", "", "Bundle directory (defaults to model.dir)")
	return cmd
}
