package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/attache-ai/attache/internal/model"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show vector store and session inventory from local state",
	RunE:  runStatus,
}

const statusStoreLimit = 50

func runStatus(cmd *cobra.Command, _ []string) error {
	rt := mustRuntime()
	defer rt.Close()

	ctx := cmd.Context()
	stores, err := rt.store.ListVectorStores(ctx, statusStoreLimit)
	if err != nil {
		return err
	}
	sessionCount, err := rt.sessions.Count(ctx)
	if err != nil {
		return err
	}

	if globalFlags.JSON {
		return json.NewEncoder(os.Stdout).Encode(struct {
			Stores   []storeReport `json:"stores"`
			Sessions int64         `json:"sessions"`
		}{storeReports(stores), sessionCount})
	}

	st := newStyles(os.Stdout, globalFlags.JSON)
	fmt.Printf("%s %s\n", st.banner(), st.dim(version))
	fmt.Println(st.kv("state", rt.stateDir))
	fmt.Println(st.kv("provider", rt.cfg.Provider.Name))
	fmt.Println()

	fmt.Println(st.sectionHeader(fmt.Sprintf("Vector stores (%d)", len(stores))))
	if len(stores) == 0 {
		fmt.Println(st.dim("  none - run 'attache attach <session-id>' first"))
	}
	for _, rec := range stores {
		fmt.Println(st.separator(40))
		fmt.Println(st.kv("id", rec.ID))
		fmt.Println(st.kv("binding", bindingLabel(rec)))
		fmt.Println(st.kv("documents", fmt.Sprintf("%d", rec.DocumentCount)))
		fmt.Println(st.kv("created", humanize.Time(time.Unix(rec.CreatedAt, 0))))
		fmt.Println(st.kv("expires", expiryLabel(rec)))
		fmt.Println(st.kv("state", stateLabel(st, rec)))
		if rec.RolloverFrom != "" {
			fmt.Println(st.kv("rolled from", rec.RolloverFrom))
		}
	}
	fmt.Println()
	fmt.Println(st.sectionHeader("Sessions"))
	fmt.Println(st.kv("cached", fmt.Sprintf("%d", sessionCount)))
	return nil
}

func bindingLabel(rec model.VectorStoreRecord) string {
	if rec.SessionID != "" {
		return "session " + rec.SessionID
	}
	return "name " + rec.Name
}

func expiryLabel(rec model.VectorStoreRecord) string {
	if rec.IsProtected || rec.ExpiresAt == 0 {
		return "never (protected)"
	}
	return humanize.Time(time.Unix(rec.ExpiresAt, 0))
}

func stateLabel(st styles, rec model.VectorStoreRecord) string {
	if rec.IsActive {
		return st.Green.Render("active")
	}
	return st.dim("rolled over")
}

type storeReport struct {
	ID            string `json:"id"`
	Name          string `json:"name,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
	Provider      string `json:"provider"`
	DocumentCount int64  `json:"document_count"`
	IsActive      bool   `json:"is_active"`
	IsProtected   bool   `json:"is_protected"`
	CreatedAt     int64  `json:"created_at"`
	ExpiresAt     int64  `json:"expires_at,omitempty"`
	RolloverFrom  string `json:"rollover_from,omitempty"`
}

func storeReports(stores []model.VectorStoreRecord) []storeReport {
	reports := make([]storeReport, 0, len(stores))
	for _, rec := range stores {
		reports = append(reports, storeReport{
			ID:            rec.ID,
			Name:          rec.Name,
			SessionID:     rec.SessionID,
			Provider:      rec.Provider,
			DocumentCount: rec.DocumentCount,
			IsActive:      rec.IsActive,
			IsProtected:   rec.IsProtected,
			CreatedAt:     rec.CreatedAt,
			ExpiresAt:     rec.ExpiresAt,
			RolloverFrom:  rec.RolloverFrom,
		})
	}
	return reports
}
