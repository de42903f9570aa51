// Package delivery owns the message lifecycle: write-ahead persistence,
// dual-path dispatch, retry scheduling, and receipt correlation. States
// only move forward (pending -> sent -> delivered -> read, or -> failed);
// duplicate and late receipts are no-ops.
package delivery

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"asiochat/storage"
	"asiochat/transport"
)

// ErrRetryExhausted indicates every reliable dispatch attempt failed and
// the message is now in the failed state.
var ErrRetryExhausted = errors.New("delivery: retry attempts exhausted")

// SendFunc dispatches one event. The reliable path returns an error when
// the channel could not accept the event; the push path is fire-and-forget.
type SendFunc func(evt transport.Event) error

// Options tune the retry schedule; zero values fall back to the protocol
// defaults (5s base, 3 attempts).
type Options struct {
	BaseRetryDelay time.Duration
	MaxAttempts    int
}

func (o Options) withDefaults() Options {
	if o.BaseRetryDelay <= 0 {
		o.BaseRetryDelay = 5 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	return o
}

// Ticket is the in-memory record of one in-flight send. It never touches
// storage and is dropped once the message reaches a terminal state.
type Ticket struct {
	MessageID   string
	RetryCount  int
	NextRetryAt time.Time

	cancel chan struct{}
}

// Engine drives messages through their delivery lifecycle.
type Engine struct {
	store *storage.Store
	opts  Options
	log   *logrus.Entry

	localUserID string

	senderMu sync.RWMutex
	reliable SendFunc
	push     SendFunc

	mu      sync.Mutex
	tickets map[string]*Ticket

	observerMu sync.RWMutex
	onChange   func(messageID, state string)
	onFailed   func(messageID string, err error)

	wg sync.WaitGroup
}

// NewEngine creates an engine bound to the local user. Senders are wired
// afterwards via SetSenders so the connection layer can swap them on a
// mode switch.
func NewEngine(store *storage.Store, localUserID string, opts Options) (*Engine, error) {
	if store == nil {
		return nil, errors.New("delivery: store is required")
	}
	if localUserID == "" {
		return nil, errors.New("delivery: local user id is required")
	}

	return &Engine{
		store:       store,
		opts:        opts.withDefaults(),
		log:         logrus.WithField("component", "delivery"),
		localUserID: localUserID,
		tickets:     make(map[string]*Ticket),
	}, nil
}

// SetSenders wires the reliable and push dispatch paths. push may be nil
// (direct mode has no separate fast path).
func (e *Engine) SetSenders(reliable, push SendFunc) {
	e.senderMu.Lock()
	e.reliable = reliable
	e.push = push
	e.senderMu.Unlock()
}

// OnStateChange registers an observer for message state transitions.
func (e *Engine) OnStateChange(fn func(messageID, state string)) {
	e.observerMu.Lock()
	e.onChange = fn
	e.observerMu.Unlock()
}

// OnFailed registers an observer for exhausted messages.
func (e *Engine) OnFailed(fn func(messageID string, err error)) {
	e.observerMu.Lock()
	e.onFailed = fn
	e.observerMu.Unlock()
}

// Wait blocks until all in-flight dispatch goroutines finish. Test and
// shutdown hook.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// CancelAll stops every in-flight retry schedule. Messages keep their
// current state; pending rows are picked up by the next DrainPending.
func (e *Engine) CancelAll() {
	e.mu.Lock()
	tickets := e.tickets
	e.tickets = make(map[string]*Ticket)
	e.mu.Unlock()

	for _, ticket := range tickets {
		close(ticket.cancel)
	}
}

// Submit persists the message in the pending state, then dispatches it on
// both paths: a fire-and-forget push and a reliable send with retries.
// The call returns once the message is durably queued; dispatch continues
// in the background.
func (e *Engine) Submit(msg *storage.Message) error {
	if msg == nil {
		return errors.New("delivery: message is required")
	}

	msg.State = storage.MessageStatePending
	if err := e.store.SaveMessage(msg); err != nil {
		return fmt.Errorf("queue message: %w", err)
	}
	if err := e.store.UpdateLastMessage(msg.ChatID, msg.MessageID, false); err != nil {
		e.log.WithError(err).WithField("chat", msg.ChatID).Warn("update last message failed")
	}

	e.dispatch(*msg)
	return nil
}

// Redispatch re-enters the send pipeline for an already-persisted pending
// message. Used to drain the outbox after a reconnect.
func (e *Engine) Redispatch(msg storage.Message) {
	e.dispatch(msg)
}

func (e *Engine) dispatch(msg storage.Message) {
	evt, err := e.messageEvent(msg)
	if err != nil {
		e.log.WithError(err).WithField("message", msg.MessageID).Error("build message event")
		return
	}

	ticket := &Ticket{
		MessageID: msg.MessageID,
		cancel:    make(chan struct{}),
	}

	e.mu.Lock()
	if _, inFlight := e.tickets[msg.MessageID]; inFlight {
		e.mu.Unlock()
		return
	}
	e.tickets[msg.MessageID] = ticket
	e.mu.Unlock()

	// Fast path: best effort, duplicates are deduped on the receiving side.
	e.senderMu.RLock()
	push := e.push
	e.senderMu.RUnlock()
	if push != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := push(evt); err != nil {
				e.log.WithError(err).WithField("message", msg.MessageID).Debug("push path failed")
			}
		}()
	}

	e.wg.Add(1)
	go e.reliableLoop(ticket, evt)
}

// reliableLoop tries the reliable path, backing off 5s*2^n between
// attempts until success, cancellation, or exhaustion.
func (e *Engine) reliableLoop(ticket *Ticket, evt transport.Event) {
	defer e.wg.Done()

	for {
		e.senderMu.RLock()
		reliable := e.reliable
		e.senderMu.RUnlock()

		var err error
		if reliable == nil {
			err = transport.ErrUnavailable
		} else {
			err = reliable(evt)
		}

		if err == nil {
			e.markSent(ticket.MessageID)
			e.dropTicket(ticket.MessageID)
			return
		}

		if ticket.RetryCount >= e.opts.MaxAttempts {
			e.markFailed(ticket.MessageID, err)
			e.dropTicket(ticket.MessageID)
			return
		}

		delay := e.opts.BaseRetryDelay << uint(ticket.RetryCount)
		ticket.RetryCount++
		ticket.NextRetryAt = time.Now().Add(delay)

		e.log.WithFields(logrus.Fields{
			"message": ticket.MessageID,
			"attempt": ticket.RetryCount,
			"delay":   delay,
		}).Debug("reliable send failed, scheduling retry")

		select {
		case <-time.After(delay):
		case <-ticket.cancel:
			return
		}
	}
}

func (e *Engine) markSent(messageID string) {
	changed, err := e.store.MarkMessageSent(messageID)
	if err != nil {
		e.log.WithError(err).WithField("message", messageID).Error("mark sent")
		return
	}
	if changed {
		e.notifyChange(messageID, storage.MessageStateSent)
	}
}

func (e *Engine) markFailed(messageID string, cause error) {
	changed, updateErr := e.store.MarkMessageFailed(messageID)
	if updateErr != nil {
		e.log.WithError(updateErr).WithField("message", messageID).Error("mark failed")
		return
	}
	if !changed {
		// A receipt beat the final attempt; the message got through on
		// the other path.
		e.log.WithField("message", messageID).Debug("exhaustion raced a receipt, keeping state")
		return
	}

	err := fmt.Errorf("%w: %v", ErrRetryExhausted, cause)
	e.notifyChange(messageID, storage.MessageStateFailed)
	e.log.WithError(err).WithField("message", messageID).Warn("message delivery exhausted")

	e.observerMu.RLock()
	onFailed := e.onFailed
	e.observerMu.RUnlock()
	if onFailed != nil {
		onFailed(messageID, err)
	}
}

// HandleDeliveryReceipt applies a delivery receipt. Unknown ids and
// duplicate or late receipts are no-ops.
func (e *Engine) HandleDeliveryReceipt(messageID string, ts int64) error {
	changed, err := e.store.SetMessageDelivered(messageID, ts)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			e.log.WithField("message", messageID).Debug("receipt for unknown message")
			return nil
		}
		return err
	}

	// The peer has the message; stop any scheduled retries.
	e.cancelTicket(messageID)

	if changed {
		e.notifyChange(messageID, storage.MessageStateDelivered)
	}
	return nil
}

// HandleReadReceipt applies a read receipt from one reader. The message
// reaches the read state once its waiting-member list is empty.
func (e *Engine) HandleReadReceipt(messageID, readerID string, ts int64) error {
	msg, err := e.store.GetMessageByID(messageID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			e.log.WithField("message", messageID).Debug("read receipt for unknown message")
			return nil
		}
		return err
	}
	if msg.State == storage.MessageStateRead || msg.State == storage.MessageStateFailed {
		return nil
	}

	e.cancelTicket(messageID)

	// A read receipt implies the peer received the message; a row still
	// pending records the delivery first, so read is only entered from
	// sent or delivered.
	if msg.State == storage.MessageStatePending {
		if _, err := e.store.SetMessageDelivered(messageID, ts); err != nil {
			return err
		}
	}

	if len(msg.WaitingMembers) > 0 {
		remaining, err := e.store.RemoveWaitingMember(messageID, readerID)
		if err != nil {
			return err
		}
		if remaining > 0 {
			return nil
		}
		e.notifyChange(messageID, storage.MessageStateRead)
		return nil
	}

	changed, err := e.store.SetMessageRead(messageID, ts)
	if err != nil {
		return err
	}
	if changed {
		e.notifyChange(messageID, storage.MessageStateRead)
	}
	return nil
}

// MarkAllReadInChat marks every inbound unread message in the chat as
// read and emits a read receipt for each. Individual failures do not stop
// the sweep; the return value reports whether everything succeeded.
func (e *Engine) MarkAllReadInChat(chatID, readerID string) (bool, error) {
	messages, err := e.store.GetMessagesForChat(chatID)
	if err != nil {
		return false, err
	}

	allOK := true
	for _, msg := range messages {
		if msg.SenderID == readerID {
			continue
		}
		if msg.State == storage.MessageStateRead || msg.State == storage.MessageStateFailed {
			continue
		}

		if _, err := e.store.SetMessageRead(msg.MessageID, 0); err != nil {
			e.log.WithError(err).WithField("message", msg.MessageID).Warn("mark read failed")
			allOK = false
			continue
		}
		e.notifyChange(msg.MessageID, storage.MessageStateRead)

		if err := e.EmitReceipt(transport.EventReadReceipt, msg.MessageID, chatID); err != nil {
			e.log.WithError(err).WithField("message", msg.MessageID).Debug("read receipt send failed")
			allOK = false
		}
	}

	if err := e.store.ResetUnreadCount(chatID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		allOK = false
	}

	return allOK, nil
}

// ResendFailed puts a failed (or stuck pending) message back through the
// pipeline with a fresh retry budget.
func (e *Engine) ResendFailed(messageID string) error {
	msg, err := e.store.GetMessageByID(messageID)
	if err != nil {
		return err
	}
	if msg.State != storage.MessageStateFailed && msg.State != storage.MessageStatePending {
		return fmt.Errorf("delivery: cannot resend message in state %q", msg.State)
	}

	// Cancel any lingering timer so the fresh ticket owns the schedule.
	e.cancelTicket(messageID)

	changed, err := e.store.RequeueMessage(messageID)
	if err != nil {
		return err
	}
	if !changed {
		// A receipt advanced the row between the read above and here.
		return nil
	}
	msg.State = storage.MessageStatePending
	e.notifyChange(messageID, storage.MessageStatePending)

	e.dispatch(*msg)
	return nil
}

// DrainPending re-dispatches every pending outbound message. Called after
// a reconnect.
func (e *Engine) DrainPending() error {
	pending, err := e.store.GetPendingMessages(e.localUserID)
	if err != nil {
		return err
	}

	for _, msg := range pending {
		e.dispatch(msg)
	}

	if len(pending) > 0 {
		e.log.WithField("count", len(pending)).Info("draining pending messages")
	}
	return nil
}

// Ingest stores an inbound message. Duplicates are dropped via the seen-id
// table before anything else happens. Decryption failure does not stop
// the pipeline: the ciphertext is stored flagged unreadable. A delivery
// receipt goes back on the push path.
func (e *Engine) Ingest(payload transport.MessagePayload, decrypt func(ciphertext string, ts int64) ([]byte, error)) (*storage.Message, error) {
	seen, err := e.store.HasSeenID(payload.MessageID)
	if err != nil {
		return nil, err
	}
	if seen {
		return nil, nil
	}
	if err := e.store.InsertSeenID(payload.MessageID, 0); err != nil {
		return nil, err
	}

	unreadable := false
	if payload.Content != "" && decrypt != nil {
		if _, err := decrypt(payload.Content, payload.Timestamp); err != nil {
			e.log.WithError(err).WithField("message", payload.MessageID).Warn("inbound message unreadable")
			unreadable = true
		}
	}

	msg := &storage.Message{
		MessageID:      payload.MessageID,
		ChatID:         payload.ChatID,
		SenderID:       payload.SenderID,
		Content:        payload.Content,
		State:          storage.MessageStateDelivered,
		WaitingMembers: payload.WaitingMembers,
		Unreadable:     unreadable,
		CreatedAt:      payload.Timestamp,
	}
	if payload.MediaID != "" {
		msg.MediaID = &payload.MediaID
	}
	if payload.ReplyToID != "" {
		msg.ReplyToID = &payload.ReplyToID
	}
	now := time.Now().UnixMilli()
	msg.DeliveredAt = &now

	if err := e.store.SaveMessage(msg); err != nil {
		// Keep the id replayable so the sender's retransmission can land.
		if delErr := e.store.DeleteSeenID(payload.MessageID); delErr != nil {
			e.log.WithError(delErr).WithField("message", payload.MessageID).Error("unwind seen id")
		}
		return nil, err
	}
	if err := e.store.UpdateLastMessage(msg.ChatID, msg.MessageID, true); err != nil && !errors.Is(err, storage.ErrNotFound) {
		e.log.WithError(err).WithField("chat", msg.ChatID).Warn("update last message failed")
	}

	if err := e.EmitReceipt(transport.EventDeliveryReceipt, msg.MessageID, msg.ChatID); err != nil {
		e.log.WithError(err).WithField("message", msg.MessageID).Debug("delivery receipt send failed")
	}

	return msg, nil
}

// TicketFor returns a copy of the in-flight ticket for a message, if any.
func (e *Engine) TicketFor(messageID string) (Ticket, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ticket, ok := e.tickets[messageID]
	if !ok {
		return Ticket{}, false
	}
	return Ticket{
		MessageID:   ticket.MessageID,
		RetryCount:  ticket.RetryCount,
		NextRetryAt: ticket.NextRetryAt,
	}, true
}

// EmitReceipt sends a delivery or read receipt for a message, preferring
// the push path.
func (e *Engine) EmitReceipt(eventType transport.EventType, messageID, chatID string) error {
	evt, err := transport.NewEvent(eventType, e.localUserID, transport.ReceiptPayload{
		MessageID: messageID,
		ChatID:    chatID,
		UserID:    e.localUserID,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}

	e.senderMu.RLock()
	push := e.push
	reliable := e.reliable
	e.senderMu.RUnlock()

	if push != nil {
		return push(evt)
	}
	if reliable != nil {
		return reliable(evt)
	}
	return transport.ErrUnavailable
}

func (e *Engine) messageEvent(msg storage.Message) (transport.Event, error) {
	payload := transport.MessagePayload{
		MessageID:      msg.MessageID,
		ChatID:         msg.ChatID,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		WaitingMembers: msg.WaitingMembers,
		Timestamp:      msg.CreatedAt,
	}
	if msg.MediaID != nil {
		payload.MediaID = *msg.MediaID
	}
	if msg.ReplyToID != nil {
		payload.ReplyToID = *msg.ReplyToID
	}
	return transport.NewEvent(transport.EventMessage, msg.SenderID, payload)
}

func (e *Engine) cancelTicket(messageID string) {
	e.mu.Lock()
	ticket, ok := e.tickets[messageID]
	if ok {
		delete(e.tickets, messageID)
	}
	e.mu.Unlock()

	if ok {
		close(ticket.cancel)
	}
}

func (e *Engine) dropTicket(messageID string) {
	e.mu.Lock()
	delete(e.tickets, messageID)
	e.mu.Unlock()
}

func (e *Engine) notifyChange(messageID, state string) {
	e.observerMu.RLock()
	onChange := e.onChange
	e.observerMu.RUnlock()
	if onChange != nil {
		onChange(messageID, state)
	}
}
