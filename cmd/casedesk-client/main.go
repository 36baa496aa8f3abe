package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/workbenchlabs/casedesk/internal/client/api"
	"github.com/workbenchlabs/casedesk/internal/client/editor"
	"github.com/workbenchlabs/casedesk/internal/collab"
	"github.com/workbenchlabs/casedesk/internal/logging"
	"go.uber.org/zap"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "casedesk-client",
		Short: "Terminal client for collaborative warranty case editing",
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newListCommand(),
		newShowCommand(),
		newCreateCommand(),
		newSetCommand(),
		newEditCommand(),
		newWatchCommand(),
		newPresenceCommand(),
		newHistoryCommand(),
		newRemoveCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	viper.SetEnvPrefix("CASEDESK")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	cmd.PersistentFlags().String("server", "http://localhost:8080", "Casedesk API base URL")
	cmd.PersistentFlags().String("token", "", "Editor bearer token")
	cmd.PersistentFlags().String("log-level", "warn", "Log level (debug, info, warn, error)")

	bindFlag(cmd, "server", "server")
	bindFlag(cmd, "token", "token")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func newAPIClient() (*api.Client, error) {
	token := strings.TrimSpace(viper.GetString("token"))
	if token == "" {
		return nil, errors.New("no editor token configured; pass --token or set CASEDESK_TOKEN")
	}
	return api.NewClient(viper.GetString("server"), token), nil
}

func newCLILogger() (*zap.Logger, error) {
	return logging.NewCLILogger(viper.GetString("log.level"))
}

func isCollaborativeField(name string) bool {
	_, ok := api.Case{}.FieldValues()[name]
	return ok
}

func collaborativeFieldNames() []string {
	values := api.Case{}.FieldValues()
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func newListCommand() *cobra.Command {
	var branch string

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List warranty cases in a branch",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			records, err := client.ListCases(cmd.Context(), branch)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, record := range records {
				fmt.Fprintf(out, "#%-6d %-16s %-24s %s\n",
					record.CaseID, record.Status, record.CustomerName, record.DeviceModel)
			}
			fmt.Fprintf(out, "%d case(s) in branch %s\n", len(records), branch)
			return nil
		},
	}

	listCmd.Flags().StringVar(&branch, "branch", "", "Branch identifier")
	_ = listCmd.MarkFlagRequired("branch")

	return listCmd
}

func newShowCommand() *cobra.Command {
	var caseID int64

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show one warranty case",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			record, err := client.GetCase(cmd.Context(), caseID)
			if err != nil {
				return err
			}
			printCase(cmd.OutOrStdout(), record)
			return nil
		},
	}

	showCmd.Flags().Int64Var(&caseID, "case", 0, "Case identifier")
	_ = showCmd.MarkFlagRequired("case")

	return showCmd
}

func printCase(out io.Writer, record api.Case) {
	fmt.Fprintf(out, "case #%d (branch %s) version %d\n", record.CaseID, record.Branch, record.Version)
	values := record.FieldValues()
	for _, name := range collaborativeFieldNames() {
		fmt.Fprintf(out, "  %-14s %s\n", name, values[name])
	}
	if record.LastEditedBy != "" {
		fmt.Fprintf(out, "  last edited by %s at %s\n",
			record.LastEditedBy, time.Unix(record.UpdatedAtSeconds, 0).UTC().Format(time.RFC3339))
	}
}

func newCreateCommand() *cobra.Command {
	input := api.CreateCaseInput{}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Open a new warranty case",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			created, err := client.CreateCase(cmd.Context(), input)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created case #%d in branch %s\n", created.CaseID, created.Branch)
			return nil
		},
	}

	createCmd.Flags().StringVar(&input.Branch, "branch", "", "Branch identifier")
	createCmd.Flags().StringVar(&input.CustomerName, "customer", "", "Customer name")
	createCmd.Flags().StringVar(&input.DeviceModel, "device", "", "Device model")
	createCmd.Flags().StringVar(&input.SerialNumber, "serial", "", "Device serial number")
	createCmd.Flags().StringVar(&input.Issues, "issues", "", "Reported issues")
	createCmd.Flags().StringVar(&input.Assignee, "assignee", "", "Assigned technician")
	_ = createCmd.MarkFlagRequired("branch")
	_ = createCmd.MarkFlagRequired("customer")

	return createCmd
}

func newSetCommand() *cobra.Command {
	var caseID int64
	var field string
	var value string

	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Write one case field, holding its edit lock for the duration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !isCollaborativeField(field) {
				return fmt.Errorf("unknown field %q (known fields: %s)",
					field, strings.Join(collaborativeFieldNames(), ", "))
			}
			client, err := newAPIClient()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			result, err := client.AcquireLock(ctx, caseID, field)
			if err != nil {
				return err
			}
			if !result.Granted {
				return fmt.Errorf("field %q is being edited by %s", field, result.Lock.DisplayName)
			}
			defer func() {
				if err := client.ReleaseLock(ctx, caseID, field); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: lock release failed: %v\n", err)
				}
			}()

			updated, err := client.UpdateCaseFields(ctx, caseID, map[string]string{field: value})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "case #%d saved (version %d)\n", updated.CaseID, updated.Version)
			return nil
		},
	}

	setCmd.Flags().Int64Var(&caseID, "case", 0, "Case identifier")
	setCmd.Flags().StringVar(&field, "field", "", "Field name")
	setCmd.Flags().StringVar(&value, "value", "", "New field value")
	_ = setCmd.MarkFlagRequired("case")
	_ = setCmd.MarkFlagRequired("field")

	return setCmd
}

func newRemoveCommand() *cobra.Command {
	var caseID int64

	removeCmd := &cobra.Command{
		Use:   "remove",
		Short: "Delete a warranty case",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			if err := client.DeleteCase(cmd.Context(), caseID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "case #%d deleted\n", caseID)
			return nil
		},
	}

	removeCmd.Flags().Int64Var(&caseID, "case", 0, "Case identifier")
	_ = removeCmd.MarkFlagRequired("case")

	return removeCmd
}

func newPresenceCommand() *cobra.Command {
	var branch string

	presenceCmd := &cobra.Command{
		Use:   "presence",
		Short: "List editors currently connected to a branch",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			entries, err := client.Presence(cmd.Context(), branch)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, entry := range entries {
				fmt.Fprintf(out, "%-24s %s (online since %s)\n",
					entry.UserID, entry.DisplayName,
					time.Unix(entry.ConnectedAtSeconds, 0).UTC().Format(time.RFC3339))
			}
			fmt.Fprintf(out, "%d editor(s) online in branch %s\n", len(entries), branch)
			return nil
		},
	}

	presenceCmd.Flags().StringVar(&branch, "branch", "", "Branch identifier")
	_ = presenceCmd.MarkFlagRequired("branch")

	return presenceCmd
}

func newHistoryCommand() *cobra.Command {
	var caseID int64

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Show the change history of a case, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			changes, err := client.ListChanges(cmd.Context(), caseID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, change := range changes {
				fmt.Fprintf(out, "v%d %s by %s: %s\n",
					change.NewVersion,
					time.Unix(change.AppliedAtSeconds, 0).UTC().Format(time.RFC3339),
					change.EditorID,
					formatFieldChanges(change.Fields))
			}
			return nil
		},
	}

	historyCmd.Flags().Int64Var(&caseID, "case", 0, "Case identifier")
	_ = historyCmd.MarkFlagRequired("case")

	return historyCmd
}

func formatFieldChanges(fields map[string]string) string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%q", name, fields[name]))
	}
	return strings.Join(parts, " ")
}

func newWatchCommand() *cobra.Command {
	var branch string

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow live collaboration events for a branch",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newCLILogger()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			client, err := newAPIClient()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			store := editor.NewStore(editor.StoreConfig{})
			syncer, err := editor.NewSyncer(editor.SyncerConfig{
				Branch: branch,
				Store:  store,
				Source: client,
				Logger: logger,
				OnEvent: func(event collab.Event) {
					printStreamEvent(out, event)
				},
			})
			if err != nil {
				return err
			}

			signalCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			err = syncer.Run(signalCtx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			if errors.Is(err, editor.ErrReconnectsExhausted) {
				return fmt.Errorf("lost the event stream after repeated reconnect attempts; restart casedesk-client to resume")
			}
			return err
		},
	}

	watchCmd.Flags().StringVar(&branch, "branch", "", "Branch identifier")
	_ = watchCmd.MarkFlagRequired("branch")

	return watchCmd
}

func printStreamEvent(out io.Writer, event collab.Event) {
	switch event.Type {
	case collab.EventConnectionEstablished:
		var payload collab.ConnectionEstablishedPayload
		if json.Unmarshal(event.Data, &payload) == nil {
			fmt.Fprintf(out, "connected to branch %s as %s\n", payload.GroupID, payload.UserID)
		}
	case collab.EventFieldLocked:
		var payload collab.LockPayload
		if json.Unmarshal(event.Data, &payload) == nil {
			fmt.Fprintf(out, "%s started editing %s on case #%d\n", payload.DisplayName, payload.Field, payload.CaseID)
		}
	case collab.EventFieldUnlocked:
		var payload collab.UnlockPayload
		if json.Unmarshal(event.Data, &payload) == nil {
			fmt.Fprintf(out, "%s on case #%d is editable again\n", payload.Field, payload.CaseID)
		}
	case collab.EventCaseUpdated:
		var payload collab.CaseUpdatedPayload
		if json.Unmarshal(event.Data, &payload) == nil {
			fmt.Fprintf(out, "case #%d updated by %s: %s\n", payload.CaseID, payload.EditorID, formatFieldChanges(payload.Fields))
		}
	case collab.EventSyncRequired:
		var payload collab.SyncRequiredPayload
		if json.Unmarshal(event.Data, &payload) == nil {
			if payload.CaseID == collab.SyncAllCases {
				fmt.Fprintf(out, "branch resynced (%s)\n", payload.Reason)
			} else {
				fmt.Fprintf(out, "case #%d resynced (%s)\n", payload.CaseID, payload.Reason)
			}
		}
	}
}

// caseFieldWriter adapts the API client to the scheduler's single-field write.
type caseFieldWriter struct {
	client *api.Client
}

func (w caseFieldWriter) WriteField(ctx context.Context, caseID int64, field, value string) error {
	_, err := w.client.UpdateCaseFields(ctx, caseID, map[string]string{field: value})
	return err
}

func newEditCommand() *cobra.Command {
	var branch string
	var caseID int64

	editCmd := &cobra.Command{
		Use:   "edit",
		Short: "Edit a case interactively; lines of \"field value\" are saved as you go",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newCLILogger()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			client, err := newAPIClient()
			if err != nil {
				return err
			}
			return runEditSession(cmd, client, logger, branch, caseID)
		},
	}

	editCmd.Flags().StringVar(&branch, "branch", "", "Branch identifier")
	editCmd.Flags().Int64Var(&caseID, "case", 0, "Case identifier")
	_ = editCmd.MarkFlagRequired("branch")
	_ = editCmd.MarkFlagRequired("case")

	return editCmd
}

func runEditSession(cmd *cobra.Command, client *api.Client, logger *zap.Logger, branch string, caseID int64) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	out := cmd.OutOrStdout()

	record, err := client.GetCase(ctx, caseID)
	if err != nil {
		return err
	}

	store := editor.NewStore(editor.StoreConfig{})
	store.InstallCase(record.CaseID, record.FieldValues())
	printCase(out, record)

	scheduler, err := editor.NewScheduler(editor.SchedulerConfig{
		Store:  store,
		Writer: caseFieldWriter{client: client},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	syncer, err := editor.NewSyncer(editor.SyncerConfig{
		Branch: branch,
		Store:  store,
		Source: client,
		Logger: logger,
		OnEvent: func(event collab.Event) {
			printEditSessionEvent(out, caseID, event)
		},
	})
	if err != nil {
		return err
	}
	go func() {
		if err := syncer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintf(cmd.ErrOrStderr(), "live updates stopped: %v\n", err)
		}
	}()

	activeField := ""
	releaseActive := func() {
		if activeField == "" {
			return
		}
		store.StopEditing(caseID, activeField)
		if err := client.ReleaseLock(ctx, caseID, activeField); err != nil {
			logger.Warn("lock release failed", zap.String("field", activeField), zap.Error(err))
		}
		activeField = ""
	}

	fmt.Fprintf(out, "type \"field value\" to save, \"quit\" to leave\n")
	scanner := bufio.NewScanner(cmd.InOrStdin())
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			break
		}
		field, value, ok := strings.Cut(line, " ")
		if !ok {
			fmt.Fprintf(out, "usage: field value\n")
			continue
		}
		if !isCollaborativeField(field) {
			fmt.Fprintf(out, "unknown field %q (known fields: %s)\n",
				field, strings.Join(collaborativeFieldNames(), ", "))
			continue
		}

		if field != activeField {
			releaseActive()
			result, err := client.AcquireLock(ctx, caseID, field)
			if err != nil {
				fmt.Fprintf(out, "could not lock %s: %v\n", field, err)
				continue
			}
			if !result.Granted {
				fmt.Fprintf(out, "%s is editing %s right now\n", result.Lock.DisplayName, field)
				continue
			}
			store.StartEditing(caseID, field)
			activeField = field
		}
		scheduler.Schedule(caseID, field, value)
	}

	// Let the debounce window drain before tearing the session down.
	time.Sleep(editor.DefaultSaveDelay + 500*time.Millisecond)
	scheduler.Close()
	releaseActive()

	return scanner.Err()
}

// printEditSessionEvent narrates what other editors do to the case being
// edited; events for other cases stay quiet.
func printEditSessionEvent(out io.Writer, caseID int64, event collab.Event) {
	switch event.Type {
	case collab.EventFieldLocked:
		var payload collab.LockPayload
		if json.Unmarshal(event.Data, &payload) == nil && payload.CaseID == caseID {
			fmt.Fprintf(out, "(%s started editing %s)\n", payload.DisplayName, payload.Field)
		}
	case collab.EventFieldUnlocked:
		var payload collab.UnlockPayload
		if json.Unmarshal(event.Data, &payload) == nil && payload.CaseID == caseID {
			fmt.Fprintf(out, "(%s is editable again)\n", payload.Field)
		}
	case collab.EventCaseUpdated:
		var payload collab.CaseUpdatedPayload
		if json.Unmarshal(event.Data, &payload) == nil && payload.CaseID == caseID {
			fmt.Fprintf(out, "(updated by %s: %s)\n", payload.EditorID, formatFieldChanges(payload.Fields))
		}
	}
}
