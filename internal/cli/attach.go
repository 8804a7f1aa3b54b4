package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/attache-ai/attache/internal/model"
	"github.com/attache-ai/attache/internal/scan"
)

var attachCmd = &cobra.Command{
	Use:   "attach <session-id>",
	Short: "Run one allocation for a session against the working directory",
	Args:  cobra.ExactArgs(1),
	RunE:  runAttach,
}

var (
	attachBudget   int
	attachPriority []string
	attachExcludes []string
)

func init() {
	attachCmd.Flags().IntVar(&attachBudget, "budget", 0, "inline token budget (default: derived from config)")
	attachCmd.Flags().StringSliceVar(&attachPriority, "priority", nil, "paths inlined unconditionally, bypassing the budget")
	attachCmd.Flags().StringSliceVar(&attachExcludes, "exclude", nil, "extra exclusion globs for the scan")
}

func runAttach(cmd *cobra.Command, args []string) error {
	rt := mustRuntime()
	defer rt.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	excludes := append(append([]string(nil), rt.cfg.Inline.PathExcludes...), attachExcludes...)
	files, err := scan.Collect(ctx, rt.rootDir, scan.Options{
		Excludes: excludes,
		Priority: attachPriority,
		Logger:   rt.logger,
	})
	if err != nil {
		return fmt.Errorf("scanning %s: %w", rt.rootDir, err)
	}

	budget := attachBudget
	if budget <= 0 {
		budget = rt.cfg.TokenBudget()
	}

	alloc, err := rt.alloc.Allocate(ctx, args[0], files, attachPriority, budget)
	if err != nil {
		return err
	}

	if globalFlags.JSON {
		return json.NewEncoder(os.Stdout).Encode(newAttachReport(args[0], budget, alloc))
	}
	printAllocation(args[0], budget, alloc)
	return nil
}

func printAllocation(sessionID string, budget int, alloc model.Allocation) {
	st := newStyles(os.Stdout, globalFlags.JSON)

	fmt.Println(st.sectionHeader("Allocation"))
	fmt.Println(st.kv("session", sessionID))
	fmt.Println(st.kv("list version", fmt.Sprintf("%d", alloc.ListVersion)))
	if alloc.StoreID != "" {
		fmt.Println(st.kv("store", alloc.StoreID))
	}
	fmt.Println(st.kv("budget", fmt.Sprintf("%d tokens", budget)))
	fmt.Println()

	inlineTokens := 0
	for _, f := range alloc.Inlined {
		inlineTokens += f.Tokens
	}
	fmt.Printf("%s %s\n",
		st.sectionHeader(fmt.Sprintf("Inline (%d files)", len(alloc.Inlined))),
		st.dim(fmt.Sprintf("%d tokens", inlineTokens)))
	if !globalFlags.Quiet {
		for _, f := range alloc.Inlined {
			marker := ""
			if f.Priority {
				marker = st.Cyan.Render(" priority")
			}
			fmt.Printf("  %s %s%s\n", f.Path, st.dim(fmt.Sprintf("%d", f.Tokens)), marker)
		}
	}
	if len(alloc.Unchanged) > 0 {
		fmt.Println(st.dim(fmt.Sprintf("Unchanged: %d files already in the prompt", len(alloc.Unchanged))))
	}

	if len(alloc.Delegated) > 0 {
		var delegatedBytes int64
		for _, d := range alloc.Delegated {
			delegatedBytes += d.SizeBytes
		}
		fmt.Printf("%s %s\n",
			st.sectionHeader(fmt.Sprintf("Delegated (%d files)", len(alloc.Delegated))),
			st.dim(humanize.Bytes(uint64(delegatedBytes))))
		if !globalFlags.Quiet {
			for _, d := range alloc.Delegated {
				fmt.Printf("  %s %s\n", d.Path, st.dim(d.RemoteRef))
			}
		}
	}

	for _, w := range alloc.Warnings {
		fmt.Printf("%s %s: %s\n", st.warnPrefix(), w.Path, w.Reason)
	}
}

type attachReport struct {
	Session     string            `json:"session"`
	StoreID     string            `json:"store_id,omitempty"`
	ListVersion int64             `json:"list_version"`
	Budget      int               `json:"budget_tokens"`
	Inlined     []inlineReport    `json:"inlined"`
	Unchanged   []string          `json:"unchanged,omitempty"`
	Delegated   []delegatedReport `json:"delegated,omitempty"`
	Warnings    []warningReport   `json:"warnings,omitempty"`
}

type inlineReport struct {
	Path     string `json:"path"`
	Tokens   int    `json:"tokens"`
	Priority bool   `json:"priority,omitempty"`
}

type delegatedReport struct {
	Path      string `json:"path"`
	RemoteRef string `json:"remote_ref"`
	StoreID   string `json:"store_id"`
	SizeBytes int64  `json:"size_bytes"`
}

type warningReport struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

func newAttachReport(sessionID string, budget int, alloc model.Allocation) attachReport {
	report := attachReport{
		Session:     sessionID,
		StoreID:     alloc.StoreID,
		ListVersion: alloc.ListVersion,
		Budget:      budget,
		Inlined:     make([]inlineReport, 0, len(alloc.Inlined)),
		Unchanged:   alloc.Unchanged,
	}
	for _, f := range alloc.Inlined {
		report.Inlined = append(report.Inlined, inlineReport{Path: f.Path, Tokens: f.Tokens, Priority: f.Priority})
	}
	for _, d := range alloc.Delegated {
		report.Delegated = append(report.Delegated, delegatedReport{
			Path:      d.Path,
			RemoteRef: d.RemoteRef,
			StoreID:   d.StoreID,
			SizeBytes: d.SizeBytes,
		})
	}
	for _, w := range alloc.Warnings {
		report.Warnings = append(report.Warnings, warningReport{Path: w.Path, Reason: w.Reason})
	}
	return report
}
