package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcourtman/pulse-compute/internal/statusstore"
)

var (
	statusDataDir string
	statusJSON    bool
	statusStates  []string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Inspect provisioning records",
}

var statusGetCmd = &cobra.Command{
	Use:   "get <entitlement-id>",
	Short: "Show the provisioning record of one entitlement",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseEntitlementID(args[0])
		if err != nil {
			return err
		}
		store, err := openStatusStore()
		if err != nil {
			return err
		}
		defer store.Close()

		entry, err := store.Get(cmd.Context(), id)
		if err != nil {
			return err
		}
		if entry == nil {
			return fmt.Errorf("no provisioning record for entitlement %d", id)
		}
		if statusJSON {
			return writeEntriesJSON(cmd.OutOrStdout(), entry)
		}
		return writeEntryTable(cmd.OutOrStdout(), []*statusstore.Entry{entry})
	},
}

var statusListCmd = &cobra.Command{
	Use:   "list",
	Short: "List provisioning records",
	RunE: func(cmd *cobra.Command, args []string) error {
		states := make([]statusstore.State, 0, len(statusStates))
		for _, s := range statusStates {
			st := statusstore.State(s)
			if !st.Valid() {
				return fmt.Errorf("unknown state %q", s)
			}
			states = append(states, st)
		}

		store, err := openStatusStore()
		if err != nil {
			return err
		}
		defer store.Close()

		var entries []*statusstore.Entry
		if len(states) > 0 {
			entries, err = store.ListByState(cmd.Context(), states...)
		} else {
			entries, err = store.List(cmd.Context())
		}
		if err != nil {
			return err
		}
		if statusJSON {
			return writeEntriesJSON(cmd.OutOrStdout(), entries)
		}
		return writeEntryTable(cmd.OutOrStdout(), entries)
	},
}

var statusRetryCmd = &cobra.Command{
	Use:   "retry <entitlement-id>",
	Short: "Flag a failed record for another provisioning attempt",
	Long: `Flag a failed, errored, unknown or inconsistent record as retry_requested.
A running reconciler picks it up on its next sweep.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseEntitlementID(args[0])
		if err != nil {
			return err
		}
		store, err := openStatusStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.RequestRetry(cmd.Context(), id); err != nil {
			if errors.Is(err, statusstore.ErrNotFound) {
				return fmt.Errorf("no provisioning record for entitlement %d", id)
			}
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Entitlement %d flagged for retry\n", id)
		return nil
	},
}

func init() {
	statusCmd.PersistentFlags().StringVar(&statusDataDir, "data-dir", "", "reconciler data directory (default $RC_DATA_DIR or /var/lib/pulse-compute)")
	statusGetCmd.Flags().BoolVar(&statusJSON, "json", false, "print JSON")
	statusListCmd.Flags().BoolVar(&statusJSON, "json", false, "print JSON")
	statusListCmd.Flags().StringSliceVar(&statusStates, "state", nil, "only list records in these states")

	statusCmd.AddCommand(statusGetCmd)
	statusCmd.AddCommand(statusListCmd)
	statusCmd.AddCommand(statusRetryCmd)
}

func openStatusStore() (*statusstore.Store, error) {
	dir := statusDataDir
	if dir == "" {
		dir = os.Getenv("RC_DATA_DIR")
	}
	if dir == "" {
		dir = "/var/lib/pulse-compute"
	}
	return statusstore.Open(filepath.Join(dir, "status"))
}

func parseEntitlementID(raw string) (uint64, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid entitlement id %q", raw)
	}
	return id, nil
}

func writeEntriesJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeEntryTable(w io.Writer, entries []*statusstore.Entry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tTIER\tINSTANCE\tADDRESS\tATTEMPTS\tUPDATED\tLAST ERROR")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			e.EntitlementID,
			e.State,
			e.Tier,
			orDash(e.InstanceID),
			orDash(e.NetworkAddress),
			e.Attempts,
			e.UpdatedAt.UTC().Format(time.RFC3339),
			orDash(e.LastError),
		)
	}
	return tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
