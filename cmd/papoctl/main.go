package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/hugodiniz/papo/internal/ctl"
	"github.com/hugodiniz/papo/internal/session"
)

var (
	flagSession string
	flagJSON    bool
)

var rootCmd = &cobra.Command{
	Use:           "papoctl",
	Short:         "Control a running papod session daemon",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagSession, "session", "", "session name (overrides config default)")
	flags.BoolVar(&flagJSON, "json", false, "output in JSON format")

	rootCmd.AddCommand(
		statusCmd,
		loginCmd,
		logoutCmd,
		roomsCmd,
		joinCmd,
		leaveCmd,
		sendCmd,
		sendFileCmd,
		typingCmd,
		historyCmd,
		unreadCmd,
		groupCmd,
		watchCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// client resolves the session and returns a daemon client for it.
func client() (*ctl.Client, error) {
	sessionName := session.Resolve(flagSession)
	if err := session.ValidateName(sessionName); err != nil {
		return nil, err
	}
	return ctl.New(session.SocketPath(sessionName)), nil
}

func cmdCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connection state and joined rooms",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		ctx, cancel := cmdCtx()
		defer cancel()

		var resp struct {
			State    string   `json:"state"`
			Identity string   `json:"identity"`
			Rooms    []string `json:"rooms"`
		}
		if err := c.Get(ctx, "/api/v1/status", &resp); err != nil {
			return err
		}
		if flagJSON {
			printJSON(resp)
			return nil
		}
		fmt.Printf("State: %s\n", resp.State)
		if resp.Identity != "" {
			fmt.Println("Logged in")
		}
		for _, r := range resp.Rooms {
			fmt.Printf("Room:  %s\n", r)
		}
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:   "login <token>",
	Short: "Authenticate and connect to the backend",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		ctx, cancel := cmdCtx()
		defer cancel()
		if err := c.Post(ctx, "/api/v1/login", map[string]string{"token": args[0]}, nil); err != nil {
			return err
		}
		fmt.Println("Connecting.")
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Disconnect from the backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		ctx, cancel := cmdCtx()
		defer cancel()
		return c.Post(ctx, "/api/v1/logout", nil, nil)
	},
}

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List known rooms",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		ctx, cancel := cmdCtx()
		defer cancel()

		var rooms []struct {
			Key     string `json:"key"`
			Name    string `json:"name"`
			IsGroup bool   `json:"is_group"`
			Unread  int    `json:"unread"`
		}
		if err := c.Get(ctx, "/api/v1/rooms", &rooms); err != nil {
			return err
		}
		if flagJSON {
			printJSON(rooms)
			return nil
		}
		for _, r := range rooms {
			marker := " "
			if r.Unread > 0 {
				marker = fmt.Sprintf("%d", r.Unread)
			}
			fmt.Printf("%s  %s\n", marker, r.Name)
		}
		return nil
	},
}

var joinCmd = &cobra.Command{
	Use:   "join <user-id>",
	Short: "Open a direct conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		ctx, cancel := cmdCtx()
		defer cancel()

		var resp map[string]string
		if err := c.Post(ctx, "/api/v1/rooms", map[string]string{"peer": args[0]}, &resp); err != nil {
			return err
		}
		fmt.Printf("Joined %s\n", resp["key"])
		return nil
	},
}

var leaveCmd = &cobra.Command{
	Use:   "leave <room>",
	Short: "Leave a room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		ctx, cancel := cmdCtx()
		defer cancel()
		return c.Delete(ctx, "/api/v1/rooms/"+args[0])
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <room> <body>",
	Short: "Send a text message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		ctx, cancel := cmdCtx()
		defer cancel()

		var resp struct {
			ClientID string `json:"client_id"`
			Status   string `json:"status"`
		}
		err = c.Post(ctx, "/api/v1/rooms/"+args[0]+"/messages",
			map[string]string{"body": args[1]}, &resp)
		if err != nil {
			return err
		}
		if flagJSON {
			printJSON(resp)
			return nil
		}
		fmt.Printf("Queued %s (%s)\n", resp.ClientID, resp.Status)
		return nil
	},
}

var sendFileCmd = &cobra.Command{
	Use:   "send-file <room> <path>",
	Short: "Send a file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		ctx, cancel := cmdCtx()
		defer cancel()

		caption, _ := cmd.Flags().GetString("caption")
		mime, _ := cmd.Flags().GetString("mime")
		var resp struct {
			ClientID string `json:"client_id"`
		}
		err = c.Post(ctx, "/api/v1/rooms/"+args[0]+"/attachments", map[string]string{
			"name":    filepath.Base(args[1]),
			"mime":    mime,
			"data":    base64.StdEncoding.EncodeToString(data),
			"caption": caption,
		}, &resp)
		if err != nil {
			return err
		}
		fmt.Printf("Transferring %s\n", resp.ClientID)
		return nil
	},
}

var typingCmd = &cobra.Command{
	Use:   "typing <room>",
	Short: "Show who is typing in a room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		ctx, cancel := cmdCtx()
		defer cancel()

		var users []string
		if err := c.Get(ctx, "/api/v1/rooms/"+args[0]+"/typing", &users); err != nil {
			return err
		}
		if flagJSON {
			printJSON(users)
			return nil
		}
		for _, u := range users {
			fmt.Println(u)
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <room>",
	Short: "Show a room's messages, backfilled from the backend",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		ctx, cancel := cmdCtx()
		defer cancel()

		var msgs []struct {
			Sender    string    `json:"sender"`
			Body      string    `json:"body"`
			Status    string    `json:"status"`
			CreatedAt time.Time `json:"created_at"`
		}
		if err := c.Get(ctx, "/api/v1/rooms/"+args[0]+"/messages?backfill=1", &msgs); err != nil {
			return err
		}
		if flagJSON {
			printJSON(msgs)
			return nil
		}
		for _, m := range msgs {
			fmt.Printf("%s  %-12s %s\n", m.CreatedAt.Format("15:04"), m.Sender, m.Body)
		}
		return nil
	},
}

var unreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "Show per-room unread counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		ctx, cancel := cmdCtx()
		defer cancel()

		var unread map[string]int
		if err := c.Get(ctx, "/api/v1/unread", &unread); err != nil {
			return err
		}
		if flagJSON {
			printJSON(unread)
			return nil
		}
		for room, n := range unread {
			fmt.Printf("%4d  %s\n", n, room)
		}
		return nil
	},
}

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Manage group conversations",
}

var groupCreateCmd = &cobra.Command{
	Use:   "create <name> [member...]",
	Short: "Create a group and join its room",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		ctx, cancel := cmdCtx()
		defer cancel()

		var group struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		}
		err = c.Post(ctx, "/api/v1/groups", map[string]any{
			"name":    args[0],
			"members": args[1:],
		}, &group)
		if err != nil {
			return err
		}
		fmt.Printf("Created group %s (%s)\n", group.Name, group.ID)
		return nil
	},
}

var groupJoinCmd = &cobra.Command{
	Use:   "join <group-id>",
	Short: "Join an existing group's room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		ctx, cancel := cmdCtx()
		defer cancel()

		var resp map[string]string
		if err := c.Post(ctx, "/api/v1/rooms", map[string]string{"group_id": args[0]}, &resp); err != nil {
			return err
		}
		fmt.Printf("Joined %s\n", resp["key"])
		return nil
	},
}

var groupLeaveCmd = &cobra.Command{
	Use:   "leave <group-id>",
	Short: "Leave a group's room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		ctx, cancel := cmdCtx()
		defer cancel()
		return c.Delete(ctx, "/api/v1/rooms/group-"+args[0])
	},
}

var groupAddCmd = &cobra.Command{
	Use:   "add <group-id> <user-id>",
	Short: "Add a member to a group",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		ctx, cancel := cmdCtx()
		defer cancel()
		return c.Post(ctx, "/api/v1/groups/"+args[0]+"/members/"+args[1], nil, nil)
	},
}

var groupRemoveCmd = &cobra.Command{
	Use:   "remove <group-id> <user-id>",
	Short: "Remove a member from a group",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		ctx, cancel := cmdCtx()
		defer cancel()
		return c.Delete(ctx, "/api/v1/groups/"+args[0]+"/members/"+args[1])
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch [namespace]",
	Short: "Stream daemon events (e.g. message., conn., presence.)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		ns := ""
		if len(args) > 0 {
			ns = args[0]
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		sock, err := c.Watch(ctx, ns)
		if err != nil {
			return err
		}
		defer sock.Close()
		go func() {
			<-ctx.Done()
			sock.Close()
		}()

		for {
			var env map[string]any
			if err := sock.ReadJSON(&env); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			if flagJSON {
				printJSON(env)
				continue
			}
			fmt.Printf("%v  %v\n", env["kind"], env["payload"])
		}
	},
}

func init() {
	sendFileCmd.Flags().String("caption", "", "caption for the file message")
	sendFileCmd.Flags().String("mime", "application/octet-stream", "MIME type of the file")
	groupCmd.AddCommand(groupCreateCmd, groupJoinCmd, groupLeaveCmd, groupAddCmd, groupRemoveCmd)
}
