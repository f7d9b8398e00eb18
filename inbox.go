// This package wires the event ingestion core into one instance: the encrypted store, the proteus engine, the
// receiver and the background schedulers. Network access, the MLS group engine and the calling subsystem are
// supplied by the embedding application.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/meow-io/go-inbox/asset"
	"github.com/meow-io/go-inbox/clock"
	"github.com/meow-io/go-inbox/config"
	"github.com/meow-io/go-inbox/ephemeral"
	"github.com/meow-io/go-inbox/event"
	"github.com/meow-io/go-inbox/handlers"
	"github.com/meow-io/go-inbox/ids"
	"github.com/meow-io/go-inbox/internal/db"
	"github.com/meow-io/go-inbox/mls"
	"github.com/meow-io/go-inbox/notify"
	"github.com/meow-io/go-inbox/proteus"
	"github.com/meow-io/go-inbox/receiver"
	"github.com/meow-io/go-inbox/slowsync"
	"github.com/meow-io/go-inbox/storage"
	"go.uber.org/zap"
)

const (
	StateNew = iota
	StateInitialized
	StateRunning
)

// What the embedding application provides. KeyPackages may be nil.
type Services struct {
	Self        ids.UserID
	Stream      event.Stream
	MLS         mls.Engine
	Directory   receiver.Directory
	Calls       receiver.CallManager
	KeyPackages receiver.KeyPackageRefiller
	Deletions   ephemeral.DeletionSender
}

type Inbox struct {
	DB       *db.Database
	config   *config.Config
	log      *zap.SugaredLogger
	clock    clock.Clock
	state    int
	services Services

	store     *storage.Store
	proteus   *proteus.Client
	assets    *asset.Store
	notify    *notify.Manager
	proposals *mls.ProposalScheduler
	ephemeral *ephemeral.Scheduler
	receiver  *receiver.Receiver
	gate      *slowsync.CriteriaProvider
	syncer    *receiver.Syncer
}

func New(c *config.Config, services Services) (*Inbox, error) {
	log := c.Logger("")
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making inbox, using root path of %s", c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	d, err := db.NewDatabase(c, path.Join(c.RootDir, "data"))
	if err != nil {
		return nil, err
	}
	state := StateNew
	if d.Initialized() {
		state = StateInitialized
	}
	return &Inbox{
		DB:       d,
		config:   c,
		log:      log,
		clock:    clock.NewSystemClock(),
		state:    state,
		services: services,
		notify:   notify.NewManager(c),
	}, nil
}

// Makes a key from a password
func (i *Inbox) NewKey(password string) ([]byte, error) {
	return newKey(password, i.config.RootDir, "salt")
}

func (i *Inbox) New() bool {
	return i.state == StateNew
}

func (i *Inbox) Initialized() bool {
	return i.state == StateInitialized
}

func (i *Inbox) Running() bool {
	return i.state == StateRunning
}

// Creates the database with key and opens it.
func (i *Inbox) Initialize(key []byte) error {
	if i.state != StateNew {
		return errors.New("inbox: cannot initialize unless in state new")
	}
	if err := i.DB.Initialize(key); err != nil {
		return err
	}
	i.state = StateInitialized
	return i.Open(key)
}

// Opens an existing database with key and starts syncing once the client is registered.
func (i *Inbox) Open(key []byte) error {
	if i.state != StateInitialized {
		return errors.New("inbox: cannot open unless in state initialized")
	}
	if err := i.DB.Open(key); err != nil {
		return err
	}
	if err := i.wire(); err != nil {
		_ = i.DB.Shutdown()
		return err
	}
	if err := i.proposals.Start(); err != nil {
		_ = i.DB.Shutdown()
		return err
	}
	i.resumeSelfDeletions()
	i.syncer.Start()
	i.state = StateRunning
	return nil
}

func (i *Inbox) wire() error {
	store, err := storage.New(i.config, i.DB)
	if err != nil {
		return err
	}
	p, err := proteus.NewClient(i.config, i.DB)
	if err != nil {
		return err
	}
	i.store = store
	i.proteus = p
	i.assets = asset.NewStore(i.config)
	i.proposals = mls.NewProposalScheduler(i.config, i.clock, i.services.MLS, store)
	i.ephemeral = ephemeral.NewScheduler(i.config, i.clock, i.services.Self, store,
		ephemeral.NewAsSender(store, i.services.Deletions),
		ephemeral.NewAsReceiver(store, i.assets, i.notify))
	i.receiver = receiver.New(i.config, i.clock, receiver.Deps{
		Dispatcher:    receiver.NewDecryptionDispatcher(i.config, p, i.services.MLS, store, i.proposals),
		Messages:      store,
		Conversations: store,
		Members:       store,
		Users:         store,
		UserConfig:    store,
		Directory:     i.services.Directory,
		Welcomes:      i.services.MLS,
		KeyPackages:   i.services.KeyPackages,
		Calls:         i.services.Calls,
		Edits:         handlers.NewTextEditHandler(i.config, store),
		LastRead:      handlers.NewLastReadHandler(i.config, i.services.Self, store),
		Cleared:       handlers.NewClearConversationHandler(i.config, i.services.Self, store),
		DeleteForMe:   handlers.NewDeleteForMeHandler(i.config, i.services.Self, store, i.assets),
		Ephemeral:     i.ephemeral,
		Assets:        i.assets,
		Notifier:      i.notify,
	})
	i.gate = slowsync.NewCriteriaProvider(i.config, store, store)
	i.syncer = receiver.NewSyncer(i.config, i.gate, i.services.Stream, store, i.receiver)
	return nil
}

// Deletes what expired while closed, then waits on the rest.
func (i *Inbox) resumeSelfDeletions() {
	if err := i.ephemeral.DeleteSelfDeletionMessagesFromEndDate(); err != nil {
		i.log.Warnf("error deleting expired messages: %v", err)
	}
	if err := i.ephemeral.EnqueuePendingSelfDeletionMessages(); err != nil {
		i.log.Warnf("error resuming self deletions: %v", err)
	}
}

// Gracefully stops a running inbox. Pending self deletions are resumed by the next Open.
func (i *Inbox) Shutdown() error {
	if i.state != StateRunning {
		return nil
	}
	defer runtime.GC()

	i.syncer.Shutdown()
	i.ephemeral.Shutdown()
	i.proposals.Shutdown()

	errs := make([]string, 0)
	if err := i.DB.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) != 0 {
		return fmt.Errorf("inbox: error during shutdown: %s", strings.Join(errs, ", "))
	}
	i.store, i.proteus, i.receiver, i.syncer, i.gate = nil, nil, nil, nil, nil
	i.proposals, i.ephemeral = nil, nil
	i.state = StateInitialized
	return nil
}

// Transient notifications. Dropped when nobody reads them.
func (i *Inbox) Updates() <-chan notify.Notification {
	return i.notify.Updates()
}

func (i *Inbox) running() error {
	if i.state != StateRunning {
		return errors.New("inbox: not running")
	}
	return nil
}

// Applies a single event outside the pending event stream, as delivered by a push.
func (i *Inbox) OnEvent(ctx context.Context, ev event.Event) error {
	if err := i.running(); err != nil {
		return err
	}
	return i.receiver.OnEvent(ctx, ev)
}

// Records the client registered for this device. Sync starts once a client is known and no logout is recorded.
func (i *Inbox) RegisterClient(id ids.ClientID) error {
	if err := i.running(); err != nil {
		return err
	}
	return i.store.SetCurrentClientID(&id)
}

func (i *Inbox) Logout(reason slowsync.LogoutReason) error {
	if err := i.running(); err != nil {
		return err
	}
	return i.store.SetLogoutReason(&reason)
}

func (i *Inbox) SetFileSharing(enabled bool) error {
	if err := i.running(); err != nil {
		return err
	}
	return i.store.SetFileSharing(enabled)
}

// Opens the deletion window of an ephemeral message, typically once it is displayed.
func (i *Inbox) StartSelfDeletion(conv ids.ConversationID, id string) error {
	if err := i.running(); err != nil {
		return err
	}
	return i.ephemeral.StartSelfDeletion(conv, id)
}

// Creates a proteus session with a peer client.
func (i *Inbox) CreateSession(user ids.UserID, client ids.ClientID, secret, initialKey []byte, owner bool) error {
	if err := i.running(); err != nil {
		return err
	}
	return i.proteus.CreateSession(proteus.SessionID{User: user, Client: client}, secret, initialKey, owner)
}

// The store behind this inbox, nil unless running.
func (i *Inbox) Store() *storage.Store {
	return i.store
}

func (i *Inbox) Assets() *asset.Store {
	return i.assets
}
