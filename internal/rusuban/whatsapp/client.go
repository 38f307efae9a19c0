// Package whatsapp adapts whatsmeow to the session.Client contract.
//
// The Dialer owns the device credential store (a dedicated SQLite database
// holding the Signal keys and pairing state) and builds one live client per
// session attempt. Auto reconnect is disabled on every client: the session
// controller owns the reconnect policy, and the transport's job is only to
// report honestly when the connection dies.
package whatsapp

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite" // database/sql driver

	"github.com/bdobrica/Rusuban/internal/rusuban/session"
)

// Config holds the transport parameters.
type Config struct {
	// SessionDBPath is the SQLite file holding device credentials and keys.
	SessionDBPath string
	// DeviceName is shown in the phone's linked-devices list.
	DeviceName string
}

// Dialer owns the device credential store and builds clients from it.
type Dialer struct {
	db        *sql.DB
	container *sqlstore.Container
	log       *slog.Logger
}

// NewDialer opens (creating if needed) the device credential store at
// cfg.SessionDBPath and brings its schema current.
func NewDialer(ctx context.Context, cfg Config, log *slog.Logger) (*Dialer, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.DeviceName != "" {
		store.DeviceProps.Os = proto.String(cfg.DeviceName)
	}

	db, err := sql.Open("sqlite", cfg.SessionDBPath)
	if err != nil {
		return nil, fmt.Errorf("whatsapp: open session database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// The credential store requires foreign keys; the rest matches the
	// settings database setup.
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("whatsapp: %s: %w", pragma, err)
		}
	}

	container := sqlstore.NewWithDB(db, "sqlite3", newLogAdapter(log, "whatsmeow.store"))
	if err := container.Upgrade(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("whatsapp: upgrade session store: %w", err)
	}
	return &Dialer{db: db, container: container, log: log}, nil
}

// Close releases the credential store handle.
func (d *Dialer) Close() error {
	return d.db.Close()
}

// NewClient builds a fresh client for one session attempt, reusing the
// stored device identity when one exists. Bound as a method value it
// satisfies session.Factory.
func (d *Dialer) NewClient(handlers session.Handlers) (session.Client, error) {
	device, err := d.container.GetFirstDevice(context.Background())
	if err != nil {
		return nil, fmt.Errorf("whatsapp: load device identity: %w", err)
	}

	cli := whatsmeow.NewClient(device, newLogAdapter(d.log, "whatsmeow"))
	cli.EnableAutoReconnect = false
	return &client{
		cli:      cli,
		handlers: handlers,
		sent:     make(map[types.MessageID]struct{}),
	}, nil
}

// maxSentMarks caps the send-echo dedupe set. A mark is normally consumed
// by the server echo moments after the send; the cap keeps marks whose echo
// never arrives from accumulating for the life of the client.
const maxSentMarks = 128

// client is one live connection. Transport events are translated into the
// session.Handlers callbacks on fresh goroutines, so a slow consumer can
// never stall whatsmeow's event dispatch.
type client struct {
	cli      *whatsmeow.Client
	handlers session.Handlers

	mu        sync.Mutex
	handlerID uint32
	sent      map[types.MessageID]struct{}
	sentOrder []types.MessageID // insertion order, for FIFO eviction
	destroyed bool
}

// Initialize registers the event handler and opens the connection. When the
// device has never been paired, pairing codes are pumped to the QR handler
// until the phone scans one or the pairing window closes.
func (c *client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	c.handlerID = c.cli.AddEventHandler(c.dispatch)
	c.mu.Unlock()

	if c.cli.Store.ID == nil {
		qrCh, err := c.cli.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("whatsapp: qr channel: %w", err)
		}
		go c.pumpQR(qrCh)
	}

	if err := c.cli.Connect(); err != nil {
		return fmt.Errorf("whatsapp: connect: %w", err)
	}
	return nil
}

// Destroy detaches the event handler and closes the connection. Idempotent.
// The device identity stays in the credential store: a destroyed session can
// reconnect without pairing again.
func (c *client) Destroy(_ context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	c.destroyed = true
	handlerID := c.handlerID
	c.mu.Unlock()

	if handlerID != 0 {
		c.cli.RemoveEventHandler(handlerID)
	}
	c.cli.Disconnect()
	return nil
}

// Reply sends text to the chat msg came from, with a short composing
// presence first so the reply reads less mechanical.
func (c *client) Reply(ctx context.Context, msg session.Message, text string) error {
	jid, err := types.ParseJID(msg.From)
	if err != nil {
		return fmt.Errorf("whatsapp: parse recipient %q: %w", msg.From, err)
	}

	if err := c.cli.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText); err != nil {
		slog.Debug("composing presence failed", "chat", jid.String(), "err", err)
	}
	defer func() {
		_ = c.cli.SendChatPresence(ctx, jid, types.ChatPresencePaused, types.ChatPresenceMediaText)
	}()

	resp, err := c.cli.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return fmt.Errorf("whatsapp: send to %s: %w", jid.String(), err)
	}
	c.rememberSent(resp.ID)
	return nil
}

// dispatch translates whatsmeow events into session callbacks.
func (c *client) dispatch(evt any) {
	switch e := evt.(type) {
	case *events.Connected:
		go c.handlers.Ready()
	case *events.PairSuccess:
		go c.handlers.Authenticated()
	case *events.PairError:
		go c.handlers.AuthFailure(fmt.Sprintf("pairing error: %v", e.Error))
	case *events.LoggedOut:
		go c.handlers.AuthFailure(fmt.Sprintf("logged out by server: %v", e.Reason))
	case *events.Disconnected:
		go c.handlers.Disconnected("connection closed")
	case *events.StreamReplaced:
		go c.handlers.Disconnected("stream replaced by another client")
	case *events.ConnectFailure:
		go c.handlers.Disconnected(fmt.Sprintf("connect failure: %v", e.Reason))
	case *events.Message:
		c.onMessage(e)
	}
}

// pumpQR forwards pairing codes until the channel closes. Anything other
// than a fresh code or a successful scan ends the pairing attempt.
func (c *client) pumpQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			c.handlers.QR(item.Code)
		case whatsmeow.QRChannelSuccess.Event:
			// Pairing done; Connected arrives through the event stream.
		case whatsmeow.QRChannelEventError:
			c.handlers.AuthFailure(fmt.Sprintf("pairing error: %v", item.Error))
		default:
			c.handlers.AuthFailure("pairing " + item.Event)
		}
	}
}

// onMessage routes one message event. Incoming messages become Message
// callbacks keyed by chat. Messages from our own account are echoes: sends
// made through Reply are dropped, everything else (a reply typed on the
// paired phone) becomes a MessageSent callback.
func (c *client) onMessage(e *events.Message) {
	info := e.Info
	msg := session.Message{
		Body:            textContent(e.Message),
		StatusBroadcast: info.Chat == types.StatusBroadcastJID,
	}

	if info.IsFromMe {
		if c.forgetSent(info.ID) {
			return
		}
		msg.From = c.ownAddress()
		msg.To = info.Chat.ToNonAD().String()
		go c.handlers.MessageSent(msg)
		return
	}

	msg.From = info.Chat.ToNonAD().String()
	msg.To = c.ownAddress()
	go c.handlers.Message(msg)
}

func (c *client) ownAddress() string {
	if id := c.cli.Store.ID; id != nil {
		return id.ToNonAD().String()
	}
	return ""
}

func (c *client) rememberSent(id types.MessageID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sentOrder) >= maxSentMarks {
		delete(c.sent, c.sentOrder[0])
		c.sentOrder = c.sentOrder[1:]
	}
	c.sent[id] = struct{}{}
	c.sentOrder = append(c.sentOrder, id)
}

// forgetSent reports whether id was sent through Reply, consuming the mark.
func (c *client) forgetSent(id types.MessageID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sent[id]
	if ok {
		delete(c.sent, id)
	}
	return ok
}

// textContent extracts the plain text of a message, unwrapping disappearing
// chat envelopes. Media-only messages yield an empty string.
func textContent(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if em := msg.GetEphemeralMessage(); em != nil {
		return textContent(em.GetMessage())
	}
	if t := msg.GetConversation(); t != "" {
		return t
	}
	return msg.GetExtendedTextMessage().GetText()
}
