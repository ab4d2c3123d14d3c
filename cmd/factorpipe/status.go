package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show per-stage pipeline state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp(cmd)
			if err != nil {
				return err
			}
			runs, err := a.Store.Pipeline.List(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STAGE\tSTATUS\tLAST SUCCESS\tLOCK\tDEPENDS ON")
			for _, r := range runs {
				lastSuccess := "never"
				if r.LastSuccess != nil {
					lastSuccess = time.Since(*r.LastSuccess).Round(time.Minute).String() + " ago"
				}
				lock := "-"
				if r.LockOwner != nil {
					lock = *r.LockOwner
				}
				status := r.LastStatus
				if status == "" {
					status = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					r.Stage, status, lastSuccess, lock, strings.Join(r.DependsOn, ","))
			}
			return w.Flush()
		},
	}
}
