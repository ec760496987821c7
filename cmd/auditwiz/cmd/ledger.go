package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Levelup666/AuditWiz/cmd/auditwiz/cmd/cmdutil"
	"github.com/Levelup666/AuditWiz/internal/services/audit"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Offline audit ledger operations",
	Long:  `Operator commands that read the audit ledger directly from the database, without going through the API.`,
}

var (
	verifyTargetType string
	verifyTargetID   string
)

var ledgerVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify one target's hash chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cmdutil.NewApp(cmd.Context(), cfg, logger, cmdutil.Options{LedgerOnly: true})
		if err != nil {
			return err
		}
		defer app.Close()

		report, err := app.Ledger.VerifyTrail(cmd.Context(), verifyTargetType, verifyTargetID)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
		if !report.Valid {
			return fmt.Errorf("audit chain %s/%s has %d broken link(s)", verifyTargetType, verifyTargetID, len(report.Breaks))
		}
		return nil
	},
}

var (
	exportStudy  string
	exportFrom   string
	exportTo     string
	exportFormat string
	exportLimit  int
	exportFilter string
	exportOut    string
)

var ledgerExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export audit events as JSON or CSV",
	RunE: func(cmd *cobra.Command, args []string) error {
		format := strings.ToLower(exportFormat)
		if format != "json" && format != "csv" {
			return fmt.Errorf("--format must be json or csv")
		}
		q := audit.ExportQuery{Limit: exportLimit, Filter: exportFilter}
		if exportStudy != "" {
			q.StudyID = &exportStudy
		}
		var err error
		if q.From, err = parseWindow("from", exportFrom); err != nil {
			return err
		}
		if q.To, err = parseWindow("to", exportTo); err != nil {
			return err
		}

		app, err := cmdutil.NewApp(cmd.Context(), cfg, logger, cmdutil.Options{LedgerOnly: true})
		if err != nil {
			return err
		}
		defer app.Close()

		events, err := app.Ledger.Export(cmd.Context(), q)
		if err != nil {
			return err
		}

		var out io.Writer = cmd.OutOrStdout()
		if exportOut != "" && exportOut != "-" {
			f, err := os.Create(exportOut)
			if err != nil {
				return fmt.Errorf("create output file: %w", err)
			}
			defer f.Close()
			out = f
		}
		if format == "csv" {
			err = audit.WriteCSV(out, events)
		} else {
			err = audit.WriteJSON(out, events)
		}
		if err != nil {
			return err
		}
		logger.Info("audit export written", zap.Int("events", len(events)), zap.String("format", format))
		return nil
	},
}

func parseWindow(name, raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.DateOnly} {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("--%s must be an RFC 3339 timestamp or a date", name)
}

func init() {
	ledgerVerifyCmd.Flags().StringVar(&verifyTargetType, "type", "", "Target entity type (record, record_version, signature, ...)")
	ledgerVerifyCmd.Flags().StringVar(&verifyTargetID, "id", "", "Target entity id")
	_ = ledgerVerifyCmd.MarkFlagRequired("type")
	_ = ledgerVerifyCmd.MarkFlagRequired("id")

	ledgerExportCmd.Flags().StringVar(&exportStudy, "study", "", "Restrict to one study id")
	ledgerExportCmd.Flags().StringVar(&exportFrom, "from", "", "Window start (RFC 3339 or YYYY-MM-DD)")
	ledgerExportCmd.Flags().StringVar(&exportTo, "to", "", "Window end (RFC 3339 or YYYY-MM-DD)")
	ledgerExportCmd.Flags().StringVar(&exportFormat, "format", "json", "Output format: json or csv")
	ledgerExportCmd.Flags().IntVar(&exportLimit, "limit", 0, "Maximum events (0 uses the default)")
	ledgerExportCmd.Flags().StringVar(&exportFilter, "filter", "", `Boolean filter, e.g. 'action_type == "record_approved"'`)
	ledgerExportCmd.Flags().StringVar(&exportOut, "out", "", "Output file (default stdout)")

	ledgerCmd.AddCommand(ledgerVerifyCmd)
	ledgerCmd.AddCommand(ledgerExportCmd)
}
