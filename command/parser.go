// Package command turns raw chat events into validated song requests.
//
// Parsing is pure apart from id generation and the clock, both of which are
// injectable. Rejections are values, not errors: callers count them and move on.
package command

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/text/cases"

	"github.com/onnwee/request-tender/backend/chat"
	"github.com/onnwee/request-tender/backend/queue"
)

// RejectReason explains why a chat event did not produce a request.
// The zero value means the event was accepted.
type RejectReason int

const (
	Accepted RejectReason = iota
	NotACommand
	EmptyQuery
	QueryTooLong
	BlockedViewer
)

func (r RejectReason) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case NotACommand:
		return "not_a_command"
	case EmptyQuery:
		return "empty_query"
	case QueryTooLong:
		return "query_too_long"
	case BlockedViewer:
		return "blocked_viewer"
	default:
		return "unknown"
	}
}

// Kind is the action a chat line asks for.
type Kind int

const (
	KindNone Kind = iota
	KindRequest
	KindRevoke
	KindSkip
)

const (
	revokeTrigger = "!revoke"
	skipTrigger   = "!skip"
)

// Command is the result of Classify.
type Command struct {
	Kind    Kind
	Request queue.SongRequest // set for KindRequest
	Reason  RejectReason
}

// Options configures a Parser. Zero values fall back to defaults.
type Options struct {
	Triggers       []string
	MaxQueryLen    int
	BlockedViewers []string
	Now            func() time.Time
	NewID          func() string
}

// Parser is safe for concurrent use; it holds only immutable configuration.
type Parser struct {
	triggers map[string]struct{}
	maxLen   int
	blocked  map[string]struct{}
	now      func() time.Time
	newID    func() string
}

// New builds a Parser. Triggers are matched case-insensitively against the first token.
func New(opts Options) *Parser {
	triggers := opts.Triggers
	if len(triggers) == 0 {
		triggers = []string{"!request", "!play"}
	}
	p := &Parser{
		triggers: make(map[string]struct{}, len(triggers)),
		maxLen:   opts.MaxQueryLen,
		blocked:  make(map[string]struct{}, len(opts.BlockedViewers)),
		now:      opts.Now,
		newID:    opts.NewID,
	}
	for _, t := range triggers {
		p.triggers[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}
	for _, v := range opts.BlockedViewers {
		p.blocked[strings.ToLower(strings.TrimSpace(v))] = struct{}{}
	}
	if p.maxLen <= 0 {
		p.maxLen = 100
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.newID == nil {
		p.newID = func() string { return uuid.Must(uuid.NewV7()).String() }
	}
	return p
}

// Parse validates a song request command. On success the returned request is Pending
// and the reason is Accepted.
func (p *Parser) Parse(ev chat.ChatEvent) (queue.SongRequest, RejectReason) {
	trigger, rest := splitTrigger(ev.RawText)
	if _, ok := p.triggers[trigger]; !ok {
		return queue.SongRequest{}, NotACommand
	}
	if p.isBlocked(ev) {
		return queue.SongRequest{}, BlockedViewer
	}
	query := strings.TrimSpace(rest)
	if query == "" {
		return queue.SongRequest{}, EmptyQuery
	}
	if utf8.RuneCountInString(query) > p.maxLen {
		return queue.SongRequest{}, QueryTooLong
	}
	requestedAt := ev.ReceivedAt
	if requestedAt.IsZero() {
		requestedAt = p.now()
	}
	return queue.SongRequest{
		ID:              p.newID(),
		ViewerID:        ev.ViewerID,
		ViewerName:      ev.ViewerName,
		RawQuery:        query,
		NormalizedQuery: Normalize(query),
		RequestedAt:     requestedAt.UTC(),
		Status:          queue.StatusPending,
	}, Accepted
}

// Classify recognizes the request triggers plus the !revoke and broadcaster-only !skip
// control commands.
func (p *Parser) Classify(ev chat.ChatEvent) Command {
	trigger, _ := splitTrigger(ev.RawText)
	switch trigger {
	case revokeTrigger:
		if p.isBlocked(ev) {
			return Command{Reason: BlockedViewer}
		}
		return Command{Kind: KindRevoke}
	case skipTrigger:
		if !ev.Broadcaster {
			return Command{Reason: NotACommand}
		}
		return Command{Kind: KindSkip}
	}
	req, reason := p.Parse(ev)
	if reason != Accepted {
		return Command{Reason: reason}
	}
	return Command{Kind: KindRequest, Request: req}
}

func (p *Parser) isBlocked(ev chat.ChatEvent) bool {
	if len(p.blocked) == 0 {
		return false
	}
	if _, ok := p.blocked[strings.ToLower(ev.ViewerID)]; ok {
		return true
	}
	_, ok := p.blocked[strings.ToLower(ev.ViewerName)]
	return ok
}

// splitTrigger returns the lowercased first token and the remainder of text.
func splitTrigger(text string) (string, string) {
	text = strings.TrimLeft(text, " \t\r\n")
	i := strings.IndexAny(text, " \t\r\n")
	if i < 0 {
		return strings.ToLower(text), ""
	}
	return strings.ToLower(text[:i]), text[i:]
}

// Normalize case-folds s and collapses runs of whitespace to single spaces.
// Normalize(Normalize(s)) == Normalize(s) for every s.
func Normalize(s string) string {
	return strings.Join(strings.Fields(cases.Fold().String(s)), " ")
}
