package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
)

type printer struct {
	json bool
}

func (p printer) ok(msg string) {
	if p.json {
		outputJSON(map[string]any{"success": true, "message": msg})
		return
	}
	fmt.Println(msg)
}

func (p printer) user(resp *api.UserResponse) {
	if p.json {
		outputJSON(resp)
		return
	}
	if resp.User == nil {
		fmt.Println("signed in")
		return
	}
	fmt.Printf("signed in as %s <%s>\n", resp.User.Name, resp.User.Email)
}

func (p printer) conversations(convs []api.ConversationView) {
	if p.json {
		outputJSON(convs)
		return
	}
	if len(convs) == 0 {
		fmt.Println("No conversations.")
		return
	}
	for _, c := range convs {
		mark := " "
		if c.Unread {
			mark = "*"
		}
		last := "-"
		if c.LastMessageAt != nil {
			last = c.LastMessageAt.Local().Format("2006-01-02 15:04")
		}
		name := c.Peer.Name
		if name == "" {
			name = c.Peer.ID
		}
		state := ""
		switch {
		case c.Unconfirmed:
			state = " (unconfirmed)"
		case c.Pending:
			state = " (creating)"
		}
		fmt.Printf("%s %-36s %-24s %s%s\n", mark, c.ID, name, last, state)
	}
}

func (p printer) messages(resp *api.MessagesResponse) {
	if p.json {
		outputJSON(resp)
		return
	}
	for _, m := range resp.Messages {
		fmt.Printf("[%s] %-12s %-9s %s\n", m.CreatedAt.Local().Format("15:04"), m.SenderID, m.Status, m.Text)
	}
	if len(resp.Typing) > 0 {
		fmt.Printf("typing: %v\n", resp.Typing)
	}
}

func (p printer) created(resp *api.CreateConversationResponse) {
	if p.json {
		outputJSON(resp)
		return
	}
	if resp.Pending {
		fmt.Printf("conversation %s created but not confirmed by the server\n", resp.ConversationID)
		return
	}
	fmt.Printf("conversation %s\n", resp.ConversationID)
}

func (p printer) users(resp *api.UsersResponse) {
	if p.json {
		outputJSON(resp)
		return
	}
	for _, u := range resp.Users {
		fmt.Printf("%-36s %-24s %-30s %s\n", u.ID, u.Name, u.Email, u.Role)
	}
}

func (p printer) roles(counts map[string]int) {
	if p.json {
		outputJSON(counts)
		return
	}
	roles := make([]string, 0, len(counts))
	for r := range counts {
		roles = append(roles, r)
	}
	sort.Strings(roles)
	for _, r := range roles {
		fmt.Printf("%-12s %d\n", r, counts[r])
	}
}

func (p printer) devices(resp *api.DevicesResponse) {
	if p.json {
		outputJSON(resp)
		return
	}
	if len(resp.Devices) == 0 {
		fmt.Println("No devices registered.")
		return
	}
	for _, d := range resp.Devices {
		added := ""
		if !d.CreatedAt.IsZero() {
			added = d.CreatedAt.Local().Format(time.DateOnly)
		}
		fmt.Printf("%s  %s\n", d.Token, added)
	}
}

func (p printer) search(resp *api.SearchResponse) {
	if p.json {
		outputJSON(resp)
		return
	}
	if len(resp.Results) == 0 {
		fmt.Println("No matches.")
		return
	}
	for _, r := range resp.Results {
		fmt.Printf("%s  %s  %s\n", r.Message.ConversationID, r.Message.CreatedAt.Local().Format("2006-01-02 15:04"), r.Snippet)
	}
}
