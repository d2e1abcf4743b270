package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/bennoloeffler/bassi-sub003/internal/index"
	"github.com/bennoloeffler/bassi-sub003/internal/storage"
	"github.com/bennoloeffler/bassi-sub003/internal/workspace"
	"github.com/bennoloeffler/bassi-sub003/pkg/types"
)

var (
	sessionsState   string
	sessionsQuery   string
	sessionsSort    string
	sessionsDir     string
	sessionsLimit   int
	sessionsJSON    bool
	sessionsNoColor bool
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"ls"},
	Short:   "List stored sessions",
	Long: `List the sessions recorded in the session index.

The index is reconciled with the workspace root first, so sessions whose
directories were added or removed by hand show up correctly. The server
does not need to be running.`,
	RunE: runSessions,
}

func init() {
	sessionsCmd.Flags().StringVar(&sessionsState, "state", "", "Only sessions in this state (active|idle|closed)")
	sessionsCmd.Flags().StringVarP(&sessionsQuery, "query", "q", "", "Filter by display name (substring or glob)")
	sessionsCmd.Flags().StringVar(&sessionsSort, "sort", "", "Sort key (created_at|last_activity|display_name|bytes)")
	sessionsCmd.Flags().StringVar(&sessionsDir, "dir", "", "Sort direction (asc|desc)")
	sessionsCmd.Flags().IntVarP(&sessionsLimit, "limit", "n", index.DefaultPageSize, "Maximum number of sessions to show")
	sessionsCmd.Flags().BoolVar(&sessionsJSON, "json", false, "Print JSON")
	sessionsCmd.Flags().BoolVar(&sessionsNoColor, "no-color", false, "Disable colors")
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	q := index.Query{
		State:    types.SessionState(sessionsState),
		Name:     sessionsQuery,
		PageSize: sessionsLimit,
	}
	if q.State != "" && !q.State.Valid() {
		return fmt.Errorf("unknown state %q", sessionsState)
	}
	if q.Sort, err = index.ParseSortKey(sessionsSort); err != nil {
		return err
	}
	if q.Dir, err = index.ParseSortDir(sessionsDir); err != nil {
		return err
	}

	ws := workspace.New(afero.NewOsFs(), cfg.Workspace.Root)
	idx := index.New(index.WithStorage(storage.New(cfg.Index.Path)))
	if err := idx.Load(context.Background(), ws); err != nil {
		return err
	}
	page := idx.List(q)

	out := cmd.OutOrStdout()
	if sessionsJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(page)
	}

	color.NoColor = color.NoColor || sessionsNoColor
	printSessions(out, page)
	return nil
}

func printSessions(out io.Writer, page index.Page) {
	if page.Total == 0 {
		fmt.Fprintln(out, color.New(color.FgHiBlack).Sprint("No sessions."))
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	header := color.New(color.Bold)
	fmt.Fprintln(w, header.Sprint("ID")+"\t"+header.Sprint("NAME")+"\t"+header.Sprint("STATE")+"\t"+
		header.Sprint("FILES")+"\t"+header.Sprint("SIZE")+"\t"+header.Sprint("LAST ACTIVITY"))
	for _, s := range page.Items {
		name := s.DisplayName
		if name == "" {
			name = color.New(color.FgHiBlack).Sprint("(unnamed)")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			s.ID, name, stateColor(s.State).Sprint(s.State), s.FileCount,
			humanBytes(s.ByteTotal), humanTime(s.Time.LastActivity))
	}
	w.Flush()

	if len(page.Items) < page.Total {
		fmt.Fprintln(out, color.New(color.FgHiBlack).Sprintf("%d of %d sessions shown", len(page.Items), page.Total))
	}
}

func stateColor(s types.SessionState) *color.Color {
	switch s {
	case types.SessionActive:
		return color.New(color.FgGreen, color.Bold)
	case types.SessionIdle:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgHiBlack)
	}
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func humanTime(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04")
}
