package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/attache-ai/attache/internal/model"
	"github.com/attache-ai/attache/internal/store"
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Query a session's full vector store chain",
	Args:  cobra.ExactArgs(1),
	RunE:  runSearch,
}

var (
	searchSession string
	searchName    string
	searchTopK    int
)

func init() {
	searchCmd.Flags().StringVar(&searchSession, "session", "", "session whose store chain to search")
	searchCmd.Flags().StringVar(&searchName, "name", "", "named store whose chain to search")
	searchCmd.Flags().IntVar(&searchTopK, "top-k", 10, "number of results")
}

func runSearch(cmd *cobra.Command, args []string) error {
	if (searchSession == "") == (searchName == "") {
		return errors.New("exactly one of --session and --name is required")
	}

	rt := mustRuntime()
	defer rt.Close()
	ctx := cmd.Context()

	var (
		head model.VectorStoreRecord
		err  error
	)
	if searchSession != "" {
		head, err = rt.store.GetVectorStoreBySession(ctx, searchSession)
	} else {
		head, err = rt.store.GetVectorStoreByName(ctx, searchName)
	}
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("no vector store found for %s", bindingFlagLabel())
	}
	if err != nil {
		return err
	}

	matches, err := rt.manager.SearchChain(ctx, head.ID, args[0], searchTopK)
	if err != nil {
		return err
	}

	if globalFlags.JSON {
		reports := make([]matchReport, 0, len(matches))
		for _, m := range matches {
			reports = append(reports, matchReport{
				RemoteRef: m.RemoteRef,
				StoreID:   m.StoreID,
				Score:     m.Score,
				Snippet:   m.Snippet,
			})
		}
		return json.NewEncoder(os.Stdout).Encode(struct {
			Query   string        `json:"query"`
			Matches []matchReport `json:"matches"`
		}{args[0], reports})
	}

	st := newStyles(os.Stdout, globalFlags.JSON)
	if len(matches) == 0 {
		fmt.Println(st.dim("no matches"))
		return nil
	}
	fmt.Println(st.sectionHeader(fmt.Sprintf("Matches (%d)", len(matches))))
	for i, m := range matches {
		fmt.Printf("  %2d. %s %s %s\n",
			i+1,
			st.Cyan.Render(m.RemoteRef),
			st.dim(fmt.Sprintf("score=%.3f", m.Score)),
			st.dim("store="+m.StoreID))
		if m.Snippet != "" {
			fmt.Printf("      %s\n", st.dim(m.Snippet))
		}
	}
	return nil
}

func bindingFlagLabel() string {
	if searchSession != "" {
		return "session " + searchSession
	}
	return "name " + searchName
}

type matchReport struct {
	RemoteRef string  `json:"remote_ref"`
	StoreID   string  `json:"store_id"`
	Score     float64 `json:"score"`
	Snippet   string  `json:"snippet,omitempty"`
}
