package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newLiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "live",
		Short: "Live stream comments and playback",
	}

	cmd.AddCommand(newLiveCommentsCmd())
	cmd.AddCommand(newLiveCommentCmd())
	cmd.AddCommand(newLiveStreamCmd())
	return cmd
}

func newLiveCommentsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "comments",
		Short: "Show live stream comments",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(configPath)
			if err != nil {
				return err
			}
			defer c.Close()

			comments, err := c.room.LoadComments(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(comments) == 0 {
				fmt.Fprintln(out, "No comments.")
				return nil
			}
			for _, cm := range comments {
				fmt.Fprintf(out, "%s  %-12s %s\n", cm.CreatedAt.Local().Format("15:04:05"), cm.Username, cm.Comment)
			}
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newLiveCommentCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "comment <text>...",
		Short: "Post a comment on the live stream",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.TrimSpace(strings.Join(args, " "))
			if text == "" {
				return fmt.Errorf("comment must not be blank")
			}

			c, err := connect(configPath)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.room.PostComment(cmd.Context(), text); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Comment posted")
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newLiveStreamCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "stream <channel>",
		Short: "Print the playback URL of a live channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(configPath)
			if err != nil {
				return err
			}
			defer c.Close()

			u, err := c.room.StreamURL(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), u)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}
