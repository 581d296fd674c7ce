// Package dispatch fans a created chat message, or another user activity,
// out to push notifications for every registered device of every recipient.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Novo967/Tripping-app-sub001/internal/config"
	"github.com/Novo967/Tripping-app-sub001/internal/core"
	"github.com/Novo967/Tripping-app-sub001/internal/logging"
	"github.com/Novo967/Tripping-app-sub001/internal/metrics"
	"github.com/Novo967/Tripping-app-sub001/internal/provider"
)

// Directory is the read side of the record store.
type Directory interface {
	DirectConversation(ctx context.Context, id string) (core.Conversation, error)
	GroupConversation(ctx context.Context, id string) (core.Conversation, error)
	PushProfile(ctx context.Context, userID string) (core.UserPushProfile, error)
}

type Options struct {
	Catalog    Catalog
	MaxRetries int           // extra attempts per batch on temporary errors
	BackoffMin time.Duration // first retry delay
	BackoffMax time.Duration // retry delay cap
	ChunkSize  int           // 0 means provider.MaxChunkSize
	Logger     *zerolog.Logger
}

// Dispatcher is safe for concurrent use; every field is read-only after New.
type Dispatcher struct {
	dir        Directory
	prov       provider.Provider
	cat        Catalog
	log        zerolog.Logger
	maxRetries int
	backoffMin time.Duration
	backoffMax time.Duration
	chunkSize  int
	valid      func(addr string) bool
}

func OptionsFromConfig(c config.Config) Options {
	return Options{
		Catalog:    CatalogFor(c.Locale),
		MaxRetries: c.Dispatch.MaxRetries,
		BackoffMin: c.Dispatch.BackoffMin,
		BackoffMax: c.Dispatch.BackoffMax,
	}
}

func New(dir Directory, prov provider.Provider, opt Options) *Dispatcher {
	d := &Dispatcher{
		dir:        dir,
		prov:       prov,
		cat:        opt.Catalog,
		maxRetries: opt.MaxRetries,
		backoffMin: opt.BackoffMin,
		backoffMax: opt.BackoffMax,
		chunkSize:  opt.ChunkSize,
		valid:      provider.IsExpoPushToken,
	}
	if v, ok := prov.(provider.AddressValidator); ok {
		d.valid = v.ValidAddress
	}
	if d.cat.NewMessageTitle == "" {
		d.cat = CatalogFor("")
	}
	if opt.Logger != nil {
		d.log = *opt.Logger
	} else {
		d.log = *logging.Get()
	}
	if d.backoffMin <= 0 {
		d.backoffMin = 200 * time.Millisecond
	}
	if d.backoffMax < d.backoffMin {
		d.backoffMax = d.backoffMin
	}
	if d.chunkSize <= 0 || d.chunkSize > provider.MaxChunkSize {
		d.chunkSize = provider.MaxChunkSize
	}
	return d
}

// Dispatch handles one "message created" trigger. Expected degradations end
// up in the Outcome; only unexpected store errors are returned.
func (d *Dispatcher) Dispatch(ctx context.Context, t core.Trigger) (out Outcome, err error) {
	out = Outcome{InvocationID: uuid.NewString()}
	log := d.log.With().
		Str("invocation", out.InvocationID).
		Str("chat_type", t.RawKind).
		Str("chat_id", t.ConversationID).
		Str("message_id", t.MessageID).
		Logger()
	defer func() { d.observe(log, "message", out, err) }()

	if t.Message == nil {
		out.skip(ReasonNoPayload, "", "")
		return out, nil
	}
	msg := *t.Message
	if msg.FromUID == "" || msg.Body == "" {
		log.Info().Msg("message missing sender or body")
		out.skip(ReasonInvalidMessage, msg.FromUID, "")
		return out, nil
	}

	recipients, err := d.recipients(ctx, log, t, &out)
	if err != nil {
		return out, err
	}
	out.Recipients = recipients
	if len(recipients) == 0 {
		return out, nil
	}

	sender, err := d.displayName(ctx, msg)
	if err != nil {
		return out, err
	}
	c := content{
		title: d.cat.NewMessageTitle,
		body:  render(d.cat.NewMessageBody, map[string]string{"sender": sender}),
		data: func(recipient string) map[string]any {
			return map[string]any{
				"from":     msg.FromUID,
				"to":       recipient,
				"chatType": t.ChatType(),
				"chatId":   t.ConversationID,
			}
		},
		activeChat: t.ConversationID,
	}
	err = d.fanOut(ctx, log, &out, recipients, c)
	return out, err
}

func (d *Dispatcher) recipients(ctx context.Context, log zerolog.Logger, t core.Trigger, out *Outcome) ([]string, error) {
	sender := t.Message.FromUID
	switch t.Kind {
	case core.KindDirect:
		conv, err := d.dir.DirectConversation(ctx, t.ConversationID)
		if errors.Is(err, core.ErrNotFound) {
			out.skip(ReasonConversationNotFound, "", "")
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("load chat %s: %w", t.ConversationID, err)
		}
		if len(conv.Members) != 2 {
			log.Warn().Int("participants", len(conv.Members)).Msg("direct chat without exactly two participants")
			out.skip(ReasonMalformedConversation, "", "")
			return nil, nil
		}
		return without(conv.Members, sender), nil
	case core.KindGroup:
		conv, err := d.dir.GroupConversation(ctx, t.ConversationID)
		if errors.Is(err, core.ErrNotFound) {
			out.skip(ReasonConversationNotFound, "", "")
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("load group chat %s: %w", t.ConversationID, err)
		}
		return without(conv.Members, sender), nil
	default:
		log.Warn().Msg("unknown conversation kind")
		out.skip(ReasonUnknownKind, "", "")
		return nil, nil
	}
}

// without keeps order and duplicates, dropping only uid.
func without(members []string, uid string) []string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		if m != uid {
			out = append(out, m)
		}
	}
	return out
}

func (d *Dispatcher) displayName(ctx context.Context, msg core.ChatMessage) (string, error) {
	if msg.FromUsername != "" {
		return msg.FromUsername, nil
	}
	return d.username(ctx, msg.FromUID)
}

func (d *Dispatcher) username(ctx context.Context, uid string) (string, error) {
	p, err := d.dir.PushProfile(ctx, uid)
	switch {
	case errors.Is(err, core.ErrNotFound):
		return d.cat.UnknownUser, nil
	case err != nil:
		return "", fmt.Errorf("load profile %s: %w", uid, err)
	case p.Username == "":
		return d.cat.UnknownUser, nil
	default:
		return p.Username, nil
	}
}

type content struct {
	title string
	body  string
	data  func(recipient string) map[string]any
	// recipients currently viewing this chat are not notified
	activeChat string
}

func (d *Dispatcher) fanOut(ctx context.Context, log zerolog.Logger, out *Outcome, recipients []string, c content) error {
	var (
		msgs   []provider.PushMessage
		owners []string
	)
	for _, uid := range recipients {
		p, err := d.dir.PushProfile(ctx, uid)
		if errors.Is(err, core.ErrNotFound) {
			out.skip(ReasonProfileNotFound, uid, "")
			continue
		}
		if err != nil {
			return fmt.Errorf("load profile %s: %w", uid, err)
		}
		if len(p.ExpoPushTokens) == 0 {
			out.skip(ReasonNoPushTokens, uid, "")
			continue
		}
		if c.activeChat != "" && p.ActiveChatID == c.activeChat {
			out.skip(ReasonRecipientInChat, uid, "")
			continue
		}
		for _, token := range p.ExpoPushTokens {
			if !d.valid(token) {
				log.Warn().Str("recipient", uid).Str("token", token).Msg("push token rejected by address validation")
				out.skip(ReasonInvalidPushToken, uid, token)
				continue
			}
			msgs = append(msgs, provider.PushMessage{
				To:    token,
				Sound: "default",
				Title: c.title,
				Body:  c.body,
				Data:  c.data(uid),
			})
			owners = append(owners, uid)
		}
	}
	out.Built += len(msgs)
	metrics.PushBuilt.Add(float64(len(msgs)))
	return d.submit(ctx, log, out, msgs, owners)
}

// submit sends batches one after another. A failed batch is recorded and
// does not stop the rest, unless ctx is done: then the remaining batches
// cannot go out either and the invocation fails with ctx.Err().
func (d *Dispatcher) submit(ctx context.Context, log zerolog.Logger, out *Outcome, msgs []provider.PushMessage, owners []string) error {
	offset := 0
	for i, batch := range provider.Chunk(msgs, d.chunkSize) {
		batchOwners := owners[offset : offset+len(batch)]
		offset += len(batch)

		tickets, attempts, err := d.sendWithRetry(ctx, log, batch)
		if err != nil {
			log.Error().Err(err).Int("batch", i).Int("size", len(batch)).Int("attempts", attempts).Msg("push batch failed")
			out.Failed = append(out.Failed, BatchError{Batch: i, Size: len(batch), Attempts: attempts, Error: err.Error(), Err: err})
			if cerr := ctx.Err(); cerr != nil {
				return fmt.Errorf("push batch %d: %w", i, cerr)
			}
			continue
		}
		out.Tickets = append(out.Tickets, tickets...)
		for j, tk := range tickets {
			metrics.TicketTotal.WithLabelValues(tk.Status, tk.ErrorCode()).Inc()
			if tk.OK() {
				out.Sent++
				continue
			}
			r := Rejection{Code: tk.ErrorCode(), Message: tk.Message}
			if j < len(batch) {
				r.Recipient, r.Address = batchOwners[j], batch[j].To
			}
			log.Warn().Str("recipient", r.Recipient).Str("code", r.Code).Msg("push ticket rejected")
			out.Rejected = append(out.Rejected, r)
		}
	}
	return nil
}

// sendWithRetry retries temporary failures with exponential backoff, up to
// maxRetries extra attempts. Permanent failures return at once.
func (d *Dispatcher) sendWithRetry(ctx context.Context, log zerolog.Logger, batch []provider.PushMessage) ([]provider.Ticket, int, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = d.backoffMin
	eb.MaxInterval = d.backoffMax
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(max(d.maxRetries, 0))), ctx)

	var (
		tickets  []provider.Ticket
		attempts int
	)
	op := func() error {
		attempts++
		start := time.Now()
		t, err := d.prov.Send(ctx, batch)
		metrics.BatchDuration.Observe(time.Since(start).Seconds())
		if err == nil {
			metrics.BatchTotal.WithLabelValues("sent").Inc()
			tickets = t
			return nil
		}
		if !provider.IsTemporary(err) {
			metrics.BatchTotal.WithLabelValues("perm_fail").Inc()
			return backoff.Permanent(err)
		}
		metrics.BatchTotal.WithLabelValues("temp_fail").Inc()
		return err
	}
	notify := func(err error, wait time.Duration) {
		metrics.BatchTotal.WithLabelValues("retry").Inc()
		log.Warn().Err(err).Int("attempt", attempts).Dur("backoff", wait).Msg("retrying push batch")
	}
	err := backoff.RetryNotify(op, policy, notify)
	return tickets, attempts, err
}

func (d *Dispatcher) observe(log zerolog.Logger, trigger string, out Outcome, err error) {
	result := out.Result()
	if err != nil {
		result = "error"
	}
	metrics.DispatchTotal.WithLabelValues(trigger, result).Inc()
	for _, s := range out.Skipped {
		metrics.SkipTotal.WithLabelValues(s.Reason).Inc()
	}

	ev := log.Info()
	if err != nil {
		ev = log.Error().Err(err)
	}
	ev.Str("trigger", trigger).
		Str("result", result).
		Int("recipients", len(out.Recipients)).
		Int("built", out.Built).
		Int("sent", out.Sent).
		Int("skipped", len(out.Skipped)).
		Int("failed_batches", len(out.Failed)).
		Int("rejected", len(out.Rejected)).
		Msg("dispatch finished")
}
