package transfercore

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ellomessenger/transfercore/checkpoint"
	"github.com/ellomessenger/transfercore/config"
	"github.com/ellomessenger/transfercore/crypto"
	"github.com/ellomessenger/transfercore/file"
	"github.com/ellomessenger/transfercore/interfaces"
	"github.com/ellomessenger/transfercore/stage"
	"github.com/ellomessenger/transfercore/storage"
	"github.com/ellomessenger/transfercore/transport"
	"github.com/sirupsen/logrus"
)

// ErrMissingRPC is returned by New when no transport is supplied.
var ErrMissingRPC = errors.New("transfer core requires an RPC")

// Dependencies are the collaborators a Core is built around. Only RPC is
// required.
type Dependencies struct {
	// RPC carries part requests to the remote store.
	RPC interfaces.RPC
	// Network overrides the built-in network monitor as the source of the
	// slow network flag.
	Network interfaces.NetworkOracle
	// Notifier receives progress and completion events.
	Notifier interfaces.Notifier
	// Store overrides the checkpoint store selected by the configuration.
	Store interfaces.KeyValueStore
	// TimeProvider overrides the wall clock.
	TimeProvider file.TimeProvider
}

// Core wires the transfer stack of one account: stage queue, checkpoint
// store, network monitor, instrumented transport and manager.
type Core struct {
	cfg     config.Config
	stage   *stage.Queue
	store   interfaces.KeyValueStore
	owned   io.Closer
	sealer  *crypto.Sealer
	monitor *transport.NetworkMonitor
	rpc     *transport.InstrumentedRPC
	manager *file.Manager

	closeOnce sync.Once
}

// New validates cfg and builds a Core.
func New(cfg config.Config, deps Dependencies) (*Core, error) {
	if deps.RPC == nil {
		return nil, ErrMissingRPC
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Core{cfg: cfg}

	sealKey, err := cfg.SealKey()
	if err != nil {
		return nil, err
	}
	if sealKey != nil {
		if c.sealer, err = crypto.NewSealer(sealKey); err != nil {
			return nil, fmt.Errorf("create checkpoint sealer: %w", err)
		}
		crypto.ZeroBytes(sealKey)
	}

	switch {
	case deps.Store != nil:
		c.store = deps.Store
	case cfg.CheckpointDir != "":
		db, err := storage.OpenBadger(cfg.CheckpointDir)
		if err != nil {
			c.releaseSealer()
			return nil, err
		}
		c.store, c.owned = db, db
	default:
		mem := storage.NewMemoryStore()
		c.store, c.owned = mem, mem
	}

	c.monitor = transport.NewNetworkMonitor(cfg.Thresholds())
	if cfg.ForceSlowNetwork {
		c.monitor.SetForcedSlow(true)
	}
	c.rpc = transport.NewInstrumentedRPC(deps.RPC, c.monitor)

	var network interfaces.NetworkOracle = c.monitor
	if deps.Network != nil {
		network = deps.Network
	}

	c.stage = stage.NewQueue("transfers")
	c.manager = file.NewManager(&file.Env{
		Stage:        c.stage,
		RPC:          c.rpc,
		Network:      network,
		Checkpoints:  checkpoint.NewStore(c.store, c.sealer),
		Notifier:     deps.Notifier,
		Stats:        file.NewStats(),
		Settings:     cfg.ToSettings(),
		TimeProvider: deps.TimeProvider,
	})

	logrus.WithFields(logrus.Fields{
		"function":         "New",
		"checkpoint_dir":   cfg.CheckpointDir,
		"sealed":           c.sealer != nil,
		"external_network": deps.Network != nil,
		"forced_slow":      cfg.ForceSlowNetwork,
	}).Info("Transfer core created")

	return c, nil
}

// Manager returns the transfer manager.
func (c *Core) Manager() *file.Manager { return c.manager }

// Monitor returns the network monitor fed by the instrumented transport.
func (c *Core) Monitor() *transport.NetworkMonitor { return c.monitor }

// RPC returns the instrumented transport.
func (c *Core) RPC() *transport.InstrumentedRPC { return c.rpc }

// Config returns the configuration the core was built with.
func (c *Core) Config() config.Config { return c.cfg }

// Store returns the key-value store holding checkpoints.
func (c *Core) Store() interfaces.KeyValueStore { return c.store }

// Close cancels every transfer and releases the stage queue, the owned
// checkpoint store and the sealing key. It is safe to call more than once.
func (c *Core) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.manager.Close()
		c.stage.Close()
		if c.owned != nil {
			err = c.owned.Close()
		}
		c.releaseSealer()

		logrus.WithFields(logrus.Fields{
			"function": "Close",
		}).Info("Transfer core closed")
	})
	return err
}

func (c *Core) releaseSealer() {
	if c.sealer != nil {
		c.sealer.Close()
	}
}
