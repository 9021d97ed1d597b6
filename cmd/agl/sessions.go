package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/agrilink/internal/consult"
	"github.com/zulandar/agrilink/internal/daemon"
	"github.com/zulandar/agrilink/internal/gateway"
	"github.com/zulandar/agrilink/internal/models"
)

// sessionFlags identify one farmer/expert session.
type sessionFlags struct {
	farmer    string
	expert    string
	requestID int64
}

func (f *sessionFlags) register(cmd *cobra.Command) {
	f.define(cmd, "farmer username (required)", "expert username (required)")
	cmd.MarkFlagRequired("farmer")
	cmd.MarkFlagRequired("expert")
}

func (f *sessionFlags) define(cmd *cobra.Command, farmerUsage, expertUsage string) {
	cmd.Flags().StringVar(&f.farmer, "farmer", "", farmerUsage)
	cmd.Flags().StringVar(&f.expert, "expert", "", expertUsage)
	cmd.Flags().Int64Var(&f.requestID, "request-id", 0, "scope to the session opened from this public request")
}

// ref returns the selected session, nil when no participants were given.
func (f *sessionFlags) ref(cmd *cobra.Command) *daemon.SessionRef {
	if f.farmer == "" && f.expert == "" {
		return nil
	}
	return &daemon.SessionRef{Farmer: f.farmer, Expert: f.expert, RequestID: f.request(cmd)}
}

func (f *sessionFlags) request(cmd *cobra.Command) *int64 {
	if !cmd.Flags().Changed("request-id") {
		return nil
	}
	id := f.requestID
	return &id
}

// open loads the session list and opens the selected session.
func (f *sessionFlags) open(ctx context.Context, cmd *cobra.Command, c *client) (models.Session, error) {
	if _, err := c.store.LoadSessions(ctx); err != nil {
		return models.Session{}, err
	}
	return c.store.OpenSession(ctx, f.farmer, f.expert, f.request(cmd))
}

func newSessionsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List consultation sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(configPath)
			if err != nil {
				return err
			}
			defer c.Close()

			sessions, err := c.store.LoadSessions(cmd.Context())
			if err != nil {
				return err
			}
			printSessions(cmd.OutOrStdout(), sessions)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func printSessions(out io.Writer, sessions []models.Session) {
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No sessions.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tFARMER\tEXPERT\tREQUEST\tSTATE\tLAST MESSAGE")
	for _, s := range sessions {
		req := "-"
		if s.RequestID != nil {
			req = strconv.FormatInt(*s.RequestID, 10)
		}
		last := ""
		if s.LastMessage != nil {
			last = truncate(*s.LastMessage, 40)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", s.SessionID, s.FarmerUsername, s.ExpertUsername, req, s.State, last)
	}
	w.Flush()
}

func newMessagesCmd() *cobra.Command {
	var (
		configPath string
		sf         sessionFlags
		withCalls  bool
	)

	cmd := &cobra.Command{
		Use:   "messages",
		Short: "Show the history of a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(configPath)
			if err != nil {
				return err
			}
			defer c.Close()

			sess, err := sf.open(cmd.Context(), cmd, c)
			if err != nil {
				return err
			}
			msgs := c.store.ChatMessages()
			if withCalls {
				msgs = c.store.Messages()
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Session %d (%s)\n", sess.SessionID, sess.State)
			printMessages(out, c.store, msgs)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	sf.register(cmd)
	cmd.Flags().BoolVar(&withCalls, "calls", false, "include call invites and signals")
	return cmd
}

func printMessages(out io.Writer, store *consult.Store, msgs []models.SessionMessage) {
	if len(msgs) == 0 {
		fmt.Fprintln(out, "No messages.")
		return
	}
	for _, m := range msgs {
		content := m.Content
		if m.Type.IsMedia() {
			content = fmt.Sprintf("[%s] %s", m.Type, store.ResolveMediaURL(m.Content))
		} else if m.Type.IsCall() {
			content = fmt.Sprintf("[%s] %s", m.Type, truncate(m.Content, 60))
		}
		fmt.Fprintf(out, "%s  %-12s %s  (%s)\n", m.CreatedAt.Local().Format("2006-01-02 15:04"), m.SenderUsername, content, m.Status)
	}
}

func newSendCmd() *cobra.Command {
	var (
		configPath string
		sf         sessionFlags
		msgType    string
		content    string
		filePath   string
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a message to a session",
		Long:  "Sends a text message, or an image, video or audio file, to the selected session.",
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

			if _, err := sf.open(cmd.Context(), cmd, c); err != nil {
				return err
			}
			msg, err := c.store.SendMessage(cmd.Context(), models.MessageType(msgType), payload)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent message %d\n", msg.ID)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	sf.register(cmd)
	cmd.Flags().StringVarP(&msgType, "type", "t", string(models.MessageText), "message type (text, image, video, audio)")
	cmd.Flags().StringVar(&content, "content", "", "message text")
	cmd.Flags().StringVar(&filePath, "file", "", "file to upload for media types")
	return cmd
}

// buildPayload opens filePath when set. The returned func closes it.
func buildPayload(content, filePath string) (consult.Payload, func(), error) {
	if filePath == "" {
		return consult.Payload{Content: content}, func() {}, nil
	}
	f, err := os.Open(filePath)
	if err != nil {
		return consult.Payload{}, nil, fmt.Errorf("open %s: %w", filePath, err)
	}
	p := consult.Payload{
		Content: content,
		File:    &gateway.File{Name: filepath.Base(filePath), Reader: f},
	}
	return p, func() { f.Close() }, nil
}

func newEndCmd() *cobra.Command {
	var (
		configPath string
		sf         sessionFlags
	)

	cmd := &cobra.Command{
		Use:   "end",
		Short: "End a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(configPath)
			if err != nil {
				return err
			}
			defer c.Close()

			sess, err := sf.open(cmd.Context(), cmd, c)
			if err != nil {
				return err
			}
			if err := c.store.EndSession(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Ended session %d\n", sess.SessionID)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	sf.register(cmd)
	return cmd
}

func newDeleteCmd() *cobra.Command {
	var (
		configPath string
		sf         sessionFlags
	)

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(configPath)
			if err != nil {
				return err
			}
			defer c.Close()

			sess, err := sf.open(cmd.Context(), cmd, c)
			if err != nil {
				return err
			}
			if err := c.store.DeleteSession(cmd.Context()); err != nil {
				return err
			}
			if err := c.cache.Purge(sess.SessionID); err != nil {
				return fmt.Errorf("purge cached session %d: %w", sess.SessionID, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %d\n", sess.SessionID)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	sf.register(cmd)
	return cmd
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
