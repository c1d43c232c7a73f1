package store

import (
	"strings"
	"unicode/utf8"

	"github.com/matheus3301/chatsync/internal/model"
)

const snippetRadius = 32

// SearchResult holds a message with a snippet around the first match.
type SearchResult struct {
	Message model.Message
	Snippet string
}

// SearchMessages finds cached messages containing query, case-insensitively,
// newest first. conversationID narrows the search when set.
func (db *DB) SearchMessages(query, conversationID string, limit int) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT msg_id, conversation_id, sender_id, body, status, created_at
		FROM messages
		WHERE body LIKE ? ESCAPE '\'`
	args := []any{"%" + escapeLike(query) + "%"}
	if conversationID != "" {
		q += " AND conversation_id = ?"
		args = append(args, conversationID)
	}
	q += " ORDER BY created_at DESC, seq DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		results = append(results, SearchResult{Message: m, Snippet: snippet(m.Text, query)})
	}
	return results, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// snippet cuts text around the first case-insensitive match of query and
// marks it with << >>.
func snippet(text, query string) string {
	idx := strings.Index(strings.ToLower(text), strings.ToLower(query))
	if idx < 0 || len(strings.ToLower(text)) != len(text) {
		return text
	}
	end := idx + len(query)
	start := idx
	for n := 0; start > 0 && n < snippetRadius; n++ {
		_, size := utf8.DecodeLastRuneInString(text[:start])
		start -= size
	}
	stop := end
	for n := 0; stop < len(text) && n < snippetRadius; n++ {
		_, size := utf8.DecodeRuneInString(text[stop:])
		stop += size
	}
	var b strings.Builder
	if start > 0 {
		b.WriteString("...")
	}
	b.WriteString(text[start:idx])
	b.WriteString("<<")
	b.WriteString(text[idx:end])
	b.WriteString(">>")
	b.WriteString(text[end:stop])
	if stop < len(text) {
		b.WriteString("...")
	}
	return b.String()
}
