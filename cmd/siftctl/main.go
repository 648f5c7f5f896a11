package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/siftapp/sift/internal/sift"
	"github.com/siftapp/sift/internal/syncclient"
)

var (
	serverURL string
	csrfToken string
)

func main() {
	root := &cobra.Command{
		Use:           "siftctl",
		Short:         "Command-line client for the sift item service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", envOrDefault("SIFT_SERVER", "http://127.0.0.1:8080"), "server base URL")
	root.PersistentFlags().StringVar(&csrfToken, "csrf-token", strings.TrimSpace(os.Getenv("SIFT_CSRF_TOKEN")), "value for the X-CSRF-Token header")

	root.AddCommand(newCaptureCmd(), newListCmd(), newShowCmd(), newTriageCmd(), newCompleteCmd(), newArchiveCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func apiClient() *syncclient.Client {
	return syncclient.NewClient(serverURL, csrfToken, nil)
}

func newCaptureCmd() *cobra.Command {
	var (
		typeTag     string
		description string
		keywords    []string
		source      string
	)
	cmd := &cobra.Command{
		Use:   "capture <name>",
		Short: "Capture a new item into the inbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := sift.Payload{
				TypeTag:       typeTag,
				SchemaVersion: sift.SchemaVersion,
				Name:          args[0],
				Description:   description,
				Keywords:      keywords,
			}
			record, err := apiClient().CreateItem(cmd.Context(), source, payload)
			if err != nil {
				return err
			}
			return printJSON(cmd, record)
		},
	}
	cmd.Flags().StringVar(&typeTag, "type", sift.TypeAction, "item type tag")
	cmd.Flags().StringVar(&description, "description", "", "item description")
	cmd.Flags().StringSliceVar(&keywords, "keyword", nil, "keyword (repeatable)")
	cmd.Flags().StringVar(&source, "source", "siftctl", "capture source label")
	return cmd
}

func newListCmd() *cobra.Command {
	var (
		bucket           string
		focusedOnly      bool
		includeCompleted bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Pull the item set and print matching records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cache := syncclient.NewCache()
			if err := apiClient().PullAll(cmd.Context(), cache, includeCompleted); err != nil {
				return err
			}
			filter := syncclient.Filter{FocusedOnly: focusedOnly}
			if bucket != "" {
				b := sift.Bucket(bucket)
				if !sift.ValidBucket(b) {
					return fmt.Errorf("unknown bucket %q", bucket)
				}
				filter.Bucket = b
			}
			for _, record := range cache.List(filter) {
				b, _ := sift.BucketOf(record.Payload)
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n", record.CanonicalID, b, record.Payload.TypeTag, record.Payload.Name)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&bucket, "bucket", "", "only records in this bucket")
	cmd.Flags().BoolVar(&focusedOnly, "focused", false, "only focused records")
	cmd.Flags().BoolVar(&includeCompleted, "completed", false, "include completed actions")
	return cmd
}

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print one item record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			record, err := apiClient().GetItem(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, record)
		},
	}
}

func newTriageCmd() *cobra.Command {
	var (
		dueDate   string
		projectID string
	)
	cmd := &cobra.Command{
		Use:   "triage <id> <bucket>",
		Short: "Move an inbox item into a destination bucket",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := apiClient().Triage(cmd.Context(), args[0], sift.Bucket(args[1]), sift.TriageExtra{
				DueDate:   dueDate,
				ProjectID: projectID,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, result)
		},
	}
	cmd.Flags().StringVar(&dueDate, "due", "", "due date (YYYY-MM-DD), required for the calendar bucket")
	cmd.Flags().StringVar(&projectID, "project", "", "project canonical id to associate")
	return cmd
}

func newCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <id>",
		Short: "Mark an action as done by stamping its end time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			endTime := time.Now().UTC().Format(time.RFC3339)
			record, err := apiClient().PatchItem(cmd.Context(), args[0], sift.ItemPatch{EndTime: &endTime})
			if err != nil {
				return err
			}
			return printJSON(cmd, record)
		},
	}
}

func newArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <id>",
		Short: "Archive an item so it leaves the sync feed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := apiClient().Archive(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, result)
		},
	}
}

func printJSON(cmd *cobra.Command, value any) error {
	encoded, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
	return nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}
