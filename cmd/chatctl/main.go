package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/client"
	"github.com/matheus3301/chatsync/internal/profile"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	autostart := flag.Bool("autostart", false, "start the daemon if it is not running")
	flag.Parse()

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fail(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	socketPath := profile.SocketPath(profileName)
	if *autostart && !pingDaemon(socketPath) {
		fmt.Fprintf(os.Stderr, "daemon not running for profile %q, starting...\n", profileName)
		if err := startDaemon(profileName); err != nil {
			fail(fmt.Errorf("start daemon: %w", err))
		}
		if !waitForDaemon(socketPath, 10*time.Second) {
			fail(errors.New("daemon did not become ready"))
		}
	}

	c, err := client.New(socketPath)
	if err != nil {
		fail(fmt.Errorf("cannot connect to daemon for profile %q: %w", profileName, err))
	}
	defer func() { _ = c.Close() }()

	if args[0] == "watch" {
		cmdWatch(c, args[1:], *jsonFlag)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	out := printer{json: *jsonFlag}

	switch args[0] {
	case "status":
		cmdStatus(ctx, c, out)
	case "login":
		need(args, 2, "login <email>")
		resp, err := c.Login(ctx, args[1], readPassword())
		check(err)
		out.user(resp)
	case "register":
		need(args, 3, "register <name> <email>")
		resp, err := c.Register(ctx, args[1], args[2], readPassword())
		check(err)
		out.user(resp)
	case "logout":
		check(c.Logout(ctx))
		out.ok("logged out")
	case "conversations":
		convs, err := c.Conversations(ctx, len(args) > 1 && args[1] == "--refresh")
		check(err)
		out.conversations(convs)
	case "open":
		need(args, 2, "open <conversationId>")
		resp, err := c.Open(ctx, args[1])
		check(err)
		out.messages(resp)
	case "messages":
		need(args, 2, "messages <conversationId>")
		resp, err := c.Messages(ctx, args[1])
		check(err)
		out.messages(resp)
	case "send":
		need(args, 3, "send <conversationId> <text>")
		check(c.SendText(ctx, args[1], strings.Join(args[2:], " ")))
		out.ok("sent")
	case "read":
		need(args, 2, "read <conversationId>")
		check(c.MarkViewed(ctx, args[1]))
		out.ok("marked read")
	case "new":
		need(args, 2, "new <userId>")
		resp, err := c.CreateConversation(ctx, args[1])
		check(err)
		out.created(resp)
	case "users":
		resp, err := c.Users(ctx)
		check(err)
		out.users(resp)
	case "roles":
		counts, err := c.RoleCounts(ctx)
		check(err)
		out.roles(counts)
	case "devices":
		cmdDevices(ctx, c, args[1:], out)
	case "search":
		need(args, 2, "search <query> [conversationId]")
		var conv string
		if len(args) > 2 {
			conv = args[2]
		}
		resp, err := c.Search(ctx, args[1], conv, 0)
		check(err)
		out.search(resp)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatctl [--profile <name>] [--json] [--autostart] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                       Show session status")
	fmt.Fprintln(os.Stderr, "  login <email>                Sign in (password from CHATSYNC_PASSWORD or stdin)")
	fmt.Fprintln(os.Stderr, "  register <name> <email>      Create an account and sign in")
	fmt.Fprintln(os.Stderr, "  logout                       Sign out")
	fmt.Fprintln(os.Stderr, "  conversations [--refresh]    List conversations")
	fmt.Fprintln(os.Stderr, "  open <id>                    Open a conversation and show its messages")
	fmt.Fprintln(os.Stderr, "  messages <id>                Show cached messages")
	fmt.Fprintln(os.Stderr, "  send <id> <text>             Send a message")
	fmt.Fprintln(os.Stderr, "  read <id>                    Mark incoming messages read")
	fmt.Fprintln(os.Stderr, "  new <userId>                 Start a conversation")
	fmt.Fprintln(os.Stderr, "  users                        List users")
	fmt.Fprintln(os.Stderr, "  roles                        Count users by role")
	fmt.Fprintln(os.Stderr, "  devices [add|rm <token>]     Manage push tokens")
	fmt.Fprintln(os.Stderr, "  search <query> [id]          Search cached messages")
	fmt.Fprintln(os.Stderr, "  watch [prefix]               Stream events")
}

func cmdStatus(ctx context.Context, c *client.Client, out printer) {
	st, err := c.Status(ctx)
	check(err)
	if out.json {
		outputJSON(st)
		return
	}
	fmt.Printf("Profile:  %s\n", st.Profile)
	fmt.Printf("Uptime:   %s\n", (time.Duration(st.UptimeMs) * time.Millisecond).Round(time.Second))
	switch {
	case st.SignedIn && st.User != nil:
		fmt.Printf("Session:  signed in as %s <%s>\n", st.User.Name, st.User.Email)
	case st.Revoked:
		fmt.Println("Session:  ended by server, log in again")
	default:
		fmt.Println("Session:  signed out")
	}
	fmt.Printf("Realtime: %s\n", st.Channel)
	fmt.Printf("Chats:    %d\n", st.Conversations)
	if st.TokenExpiresAt != nil {
		fmt.Printf("Token:    expires %s\n", st.TokenExpiresAt.Local().Format(time.RFC1123))
	}
	if st.RefreshAttempts > 0 {
		fmt.Printf("Refresh:  %d/%d attempts used\n", st.RefreshAttempts, st.RefreshMaxAttempts)
	}
}

func cmdDevices(ctx context.Context, c *client.Client, args []string, out printer) {
	if len(args) == 0 {
		resp, err := c.Devices(ctx)
		check(err)
		out.devices(resp)
		return
	}
	need(args, 2, "devices [add|rm] <token>")
	switch args[0] {
	case "add":
		check(c.RegisterDevice(ctx, args[1]))
		out.ok("device registered")
	case "rm":
		check(c.UnregisterDevice(ctx, args[1]))
		out.ok("device removed")
	default:
		fmt.Fprintf(os.Stderr, "unknown devices subcommand: %s\n", args[0])
		os.Exit(1)
	}
}

func cmdWatch(c *client.Client, args []string, jsonOut bool) {
	var prefix string
	if len(args) > 0 {
		prefix = args[0]
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	err := c.Watch(ctx, prefix, func(e api.Event) error {
		if jsonOut {
			outputJSON(e)
			return nil
		}
		payload, _ := json.Marshal(e.Payload)
		fmt.Printf("%s  %-24s %s\n", e.OccurredAt.Local().Format("15:04:05.000"), e.Kind, payload)
		return nil
	})
	check(err)
}

// readPassword takes the password from CHATSYNC_PASSWORD, else the first
// line of stdin.
func readPassword() string {
	if v := os.Getenv("CHATSYNC_PASSWORD"); v != "" {
		return v
	}
	fmt.Fprint(os.Stderr, "password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		fail(fmt.Errorf("read password: %w", err))
	}
	return strings.TrimRight(line, "\r\n")
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintf(os.Stderr, "usage: chatctl %s\n", usage)
		os.Exit(1)
	}
}

func check(err error) {
	if err != nil {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
