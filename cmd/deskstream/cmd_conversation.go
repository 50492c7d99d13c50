package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/deskstream/internal/types"
)

func init() {
	rootCmd.AddCommand(conversationCmd, jobCmd, artifactCmd)
	conversationCmd.AddCommand(conversationListCmd, conversationShowCmd)
	jobCmd.AddCommand(jobShowCmd, jobEventsCmd)
	conversationShowCmd.Flags().Int("page", 1, "page number, 1 is the newest")
	jobEventsCmd.Flags().Int64("after", 0, "only events after this sequence number")
}

var conversationCmd = &cobra.Command{
	Use:   "conversation",
	Short: "Inspect conversations",
}

var conversationListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		api := newAPIClient(loadConfig())
		list, err := api.Conversations(context.Background())
		if err != nil {
			return fmt.Errorf("list conversations: %w", err)
		}
		if len(list) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tMESSAGES\tLAST")
		for _, c := range list {
			fmt.Fprintf(w, "%s\t%d\t%s\n", c.ConversationID, c.Messages, c.LastAt.Local().Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

var conversationShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a page of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		page, _ := cmd.Flags().GetInt("page")
		api := newAPIClient(loadConfig())
		ctx := context.Background()
		conv := types.ConversationID(args[0])

		msgs, err := api.FetchMessagesPage(ctx, conv, page, 0)
		if err != nil {
			return fmt.Errorf("fetch messages: %w", err)
		}
		for _, m := range msgs {
			for _, tc := range m.ToolCalls {
				fmt.Printf("  [%s %s]\n", tc.Name, tc.Arguments)
			}
			fmt.Printf("%s  %s: %s\n", m.CreatedAt.Local().Format("15:04:05"), m.Role, m.Text)
		}

		if jobID, ok, err := api.FetchActiveJob(ctx, conv); err == nil && ok {
			fmt.Printf("-- job %s in progress --\n", jobID)
		}
		return nil
	},
}

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect jobs",
}

var jobShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a job's status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		api := newAPIClient(loadConfig())
		job, err := api.GetJob(context.Background(), types.JobID(args[0]))
		if err != nil {
			return fmt.Errorf("get job: %w", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "ID\t%s\n", job.ID)
		fmt.Fprintf(w, "CONVERSATION\t%s\n", job.ConversationID)
		fmt.Fprintf(w, "STATUS\t%s\n", job.Status)
		fmt.Fprintf(w, "CREATED\t%s\n", job.CreatedAt.Local().Format("2006-01-02 15:04:05"))
		if job.EndedAt != nil {
			fmt.Fprintf(w, "ENDED\t%s\n", job.EndedAt.Local().Format("2006-01-02 15:04:05"))
		}
		if job.Error != "" {
			fmt.Fprintf(w, "ERROR\t%s\n", job.Error)
		}
		return w.Flush()
	},
}

var jobEventsCmd = &cobra.Command{
	Use:   "events <id>",
	Short: "List a job's stream events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		after, _ := cmd.Flags().GetInt64("after")
		api := newAPIClient(loadConfig())
		events, err := api.JobEvents(context.Background(), types.JobID(args[0]), after)
		if err != nil {
			return fmt.Errorf("job events: %w", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tTYPE\tAT\tPAYLOAD")
		for _, ev := range events {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				strconv.FormatInt(ev.Seq, 10), ev.Type, ev.At.Local().Format("15:04:05.000"), truncate(string(ev.Payload), 80))
		}
		return w.Flush()
	},
}

var artifactCmd = &cobra.Command{
	Use:   "artifact <id>",
	Short: "Print a stored tool output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		api := newAPIClient(loadConfig())
		data, err := api.Artifact(context.Background(), types.ArtifactID(args[0]))
		if err != nil {
			return fmt.Errorf("get artifact: %w", err)
		}
		fmt.Println(string(data))
		return nil
	},
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
