package chat

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/zulandar/botfleet/internal/session"
)

const defaultOutbox = 256

// flushTimeout bounds the shutdown flush of queued messages.
const flushTimeout = 5 * time.Second

// Bridge connects the fleet to a chat platform. It implements
// session.Notifier, session.ChatSink and broadcast.PresenceSetter; the first
// two only enqueue and never block.
type Bridge struct {
	adapter  Adapter
	fleet    Fleet
	commands *CommandHandler
	channel  string
	presence bool
	digest   string
	out      io.Writer
	now      func() time.Time

	// account <-> chat channel bindings for mirrored chat.
	accountChannel map[string]string
	channelAccount map[string]string

	outbox  chan OutboundMessage
	mu      sync.Mutex
	dropped int
}

// BridgeOpts holds parameters for creating a Bridge.
type BridgeOpts struct {
	Adapter Adapter
	Fleet   Fleet
	// Channel receives notifications, command replies and unbound game chat.
	Channel       string
	CommandPrefix string
	// Bindings maps account IDs to the chat channel mirrored with that bot.
	Bindings map[string]string
	Presence bool
	// DigestCron posts a fleet status summary on a 5-field cron schedule.
	DigestCron string
	Outbox     int       // queued outbound messages, defaults to 256
	Out        io.Writer // defaults to os.Stdout
}

// NewBridge creates a Bridge.
func NewBridge(opts BridgeOpts) (*Bridge, error) {
	if opts.Adapter == nil {
		return nil, fmt.Errorf("chat: adapter is required")
	}
	if opts.Fleet == nil {
		return nil, fmt.Errorf("chat: fleet is required")
	}
	if opts.Channel == "" {
		return nil, fmt.Errorf("chat: channel is required")
	}
	if opts.DigestCron != "" {
		if err := ValidateCron(opts.DigestCron); err != nil {
			return nil, fmt.Errorf("chat: digest cron %q: %w", opts.DigestCron, err)
		}
	}
	cmds, err := NewCommandHandler(opts.Fleet, opts.CommandPrefix)
	if err != nil {
		return nil, err
	}
	n := opts.Outbox
	if n <= 0 {
		n = defaultOutbox
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	b := &Bridge{
		adapter:        opts.Adapter,
		fleet:          opts.Fleet,
		commands:       cmds,
		channel:        opts.Channel,
		presence:       opts.Presence,
		digest:         opts.DigestCron,
		out:            out,
		now:            time.Now,
		accountChannel: make(map[string]string),
		channelAccount: make(map[string]string),
		outbox:         make(chan OutboundMessage, n),
	}
	for account, ch := range opts.Bindings {
		if ch == "" {
			continue
		}
		if other, dup := b.channelAccount[ch]; dup {
			return nil, fmt.Errorf("chat: channel %s bound to both %s and %s", ch, other, account)
		}
		b.accountChannel[account] = ch
		b.channelAccount[ch] = account
	}
	return b, nil
}

// Notify queues a notification for the main channel.
func (b *Bridge) Notify(n session.Notification) {
	b.enqueue(OutboundMessage{
		ChannelID: b.channel,
		Events:    []FormattedEvent{FormatNotification(n)},
	})
}

// GameChat mirrors a line heard in-game to the account's bound channel, or to
// the main channel tagged with the account when it has none.
func (b *Bridge) GameChat(accountID, text string) {
	if ch, ok := b.accountChannel[accountID]; ok {
		b.enqueue(OutboundMessage{ChannelID: ch, Text: text})
		return
	}
	b.enqueue(OutboundMessage{ChannelID: b.channel, Text: fmt.Sprintf("[%s] %s", accountID, text)})
}

// SetPresence shows "N of M bots online" on adapters that support it.
func (b *Bridge) SetPresence(ctx context.Context, online, total int) error {
	if !b.presence {
		return nil
	}
	ss, ok := b.adapter.(StatusSetter)
	if !ok {
		return nil
	}
	return ss.SetStatus(ctx, presenceText(online, total))
}

// Dropped returns how many outbound messages were discarded because the
// outbox was full.
func (b *Bridge) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func (b *Bridge) enqueue(msg OutboundMessage) {
	select {
	case b.outbox <- msg:
	default:
		b.mu.Lock()
		b.dropped++
		first := b.dropped == 1
		b.mu.Unlock()
		if first {
			log.Printf("chat: outbox full, dropping messages")
		}
	}
}

// Run connects the adapter and serves until ctx is cancelled. On shutdown it
// closes the adapter.
func (b *Bridge) Run(ctx context.Context) error {
	fmt.Fprintf(b.out, "Chat bridge connecting...\n")
	if err := b.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("chat: connect: %w", err)
	}
	inbound, err := b.adapter.Listen(ctx)
	if err != nil {
		b.adapter.Close()
		return fmt.Errorf("chat: listen: %w", err)
	}

	var botUserID string
	if bui, ok := b.adapter.(BotUserIDer); ok {
		botUserID = bui.BotUserID()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		b.drainOutbox(ctx)
	}()
	go func() {
		defer wg.Done()
		b.runDigest(ctx)
	}()

	fmt.Fprintf(b.out, "Chat bridge online\n")
	b.send(ctx, OutboundMessage{ChannelID: b.channel, Text: "Fleet bridge online"})

	defer func() {
		wg.Wait()
		b.send(context.Background(), OutboundMessage{ChannelID: b.channel, Text: "Fleet bridge shutting down"})
		if err := b.adapter.Close(); err != nil {
			log.Printf("chat: close adapter: %v", err)
		}
		fmt.Fprintf(b.out, "Chat bridge stopped\n")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-inbound:
			if !ok {
				fmt.Fprintf(b.out, "Chat inbound channel closed\n")
				return nil
			}
			if botUserID != "" && msg.UserID == botUserID {
				continue
			}
			b.Handle(ctx, msg)
		}
	}
}

// Handle routes one inbound message: prefixed text runs a command, plain
// text in a bound channel is said in-game by that channel's bot.
func (b *Bridge) Handle(ctx context.Context, msg InboundMessage) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	if b.commands.Matches(text) {
		reply := b.commands.Execute(ctx, text)
		b.enqueue(OutboundMessage{ChannelID: msg.ChannelID, Text: reply})
		return
	}
	account, ok := b.channelAccount[msg.ChannelID]
	if !ok {
		return
	}
	line := fmt.Sprintf("<%s> %s", msg.UserName, text)
	if err := b.fleet.SendMessage(account, line); err != nil {
		b.enqueue(OutboundMessage{ChannelID: msg.ChannelID, Text: errorReply(account, err)})
	}
}

func (b *Bridge) drainOutbox(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			b.flushOutbox()
			return
		case msg := <-b.outbox:
			b.send(ctx, msg)
		}
	}
}

// flushOutbox sends whatever was queued before shutdown, such as the final
// stop notifications, within flushTimeout.
func (b *Bridge) flushOutbox() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	for {
		select {
		case msg := <-b.outbox:
			if ctx.Err() != nil {
				return
			}
			b.send(ctx, msg)
		default:
			return
		}
	}
}

func (b *Bridge) send(ctx context.Context, msg OutboundMessage) {
	if err := b.adapter.Send(ctx, msg); err != nil {
		log.Printf("chat: send to %s: %v", msg.ChannelID, err)
	}
}

// runDigest posts a status summary on the digest schedule. It returns at once
// when no schedule is configured.
func (b *Bridge) runDigest(ctx context.Context) {
	if b.digest == "" {
		return
	}
	d := nextCronDuration(b.digest, b.now())
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			b.PostDigest(ctx)
			if d := nextCronDuration(b.digest, b.now()); d > 0 {
				timer.Reset(d)
			}
		}
	}
}

// PostDigest sends the fleet status summary now.
func (b *Bridge) PostDigest(ctx context.Context) {
	ev := FormatDigest(b.fleet.Snapshots(), b.now())
	b.send(ctx, OutboundMessage{ChannelID: b.channel, Events: []FormattedEvent{ev}})
}
