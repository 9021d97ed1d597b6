package main

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/agrilink/internal/models"
)

func newRequestsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "requests",
		Short: "Browse, create and answer public requests",
	}

	cmd.AddCommand(newRequestsListCmd())
	cmd.AddCommand(newRequestsCreateCmd())
	cmd.AddCommand(newRequestsRespondCmd())
	return cmd
}

func newRequestsListCmd() *cobra.Command {
	var (
		configPath string
		openOnly   bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List public requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(configPath)
			if err != nil {
				return err
			}
			defer c.Close()

			reqs, err := c.store.LoadPublicRequests(cmd.Context())
			if err != nil {
				return err
			}
			if openOnly {
				// Responded flags set by earlier runs live only in the cache.
				if reqs, err = c.cache.PublicRequests(true); err != nil {
					return fmt.Errorf("read cached requests: %w", err)
				}
			}
			printRequests(cmd.OutOrStdout(), reqs)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVar(&openOnly, "open", false, "only requests nobody has responded to")
	return cmd
}

func printRequests(out io.Writer, reqs []models.PublicRequest) {
	if len(reqs) == 0 {
		fmt.Fprintln(out, "No public requests.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tFARMER\tTYPE\tCREATED\tCONTENT")
	for _, r := range reqs {
		created := ""
		if !r.CreatedAt.IsZero() {
			created = r.CreatedAt.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", r.RequestID, r.Username, r.RequestType, created, truncate(r.Content, 50))
	}
	w.Flush()
}

func newRequestsCreateCmd() *cobra.Command {
	var (
		configPath string
		msgType    string
		content    string
		filePath   string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Post a public request visible to every expert",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, closeFile, err := buildPayload(content, filePath)
			if err != nil {
				return err
			}
			defer closeFile()

			c, err := connect(configPath)
			if err != nil {
				return err
			}
			defer c.Close()

			id, err := c.store.CreatePublicRequest(cmd.Context(), models.MessageType(msgType), payload)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created public request %d\n", id)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVarP(&msgType, "type", "t", string(models.MessageText), "request type (text, image, video, audio)")
	cmd.Flags().StringVar(&content, "content", "", "request text")
	cmd.Flags().StringVar(&filePath, "file", "", "file to upload for media types")
	return cmd
}

func newRequestsRespondCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "respond <request-id>",
		Short: "Respond to a public request and open its session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid request id %q", args[0])
			}

			c, err := connect(configPath)
			if err != nil {
				return err
			}
			defer c.Close()

			if _, err := c.store.LoadPublicRequests(cmd.Context()); err != nil {
				return err
			}
			sess, err := c.store.RespondToRequest(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Responded to request %d; session %d with %s\n", id, sess.SessionID, sess.FarmerUsername)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}
