// Package supervisor wires the slot manager, broadcast fan-out, pad
// protocol engine, and admin protocol engine together and owns their
// combined lifecycle, grounded on the accept/manage/broadcast shape of
// lguibr-pongo's main.go and server package, generalized to
// spec.md §4/§5's component boundaries.
package supervisor

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/HawaTechnologies/virtualpad-server/adminserver"
	"github.com/HawaTechnologies/virtualpad-server/broadcast"
	"github.com/HawaTechnologies/virtualpad-server/config"
	"github.com/HawaTechnologies/virtualpad-server/device"
	"github.com/HawaTechnologies/virtualpad-server/padserver"
	"github.com/HawaTechnologies/virtualpad-server/password"
	"github.com/HawaTechnologies/virtualpad-server/slot"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"
)

// Supervisor owns every long-lived component's lifecycle: it brings
// the broadcast and admin listeners up for the life of the process,
// and the pad listener up/down on admin command, per spec.md §4.4.
type Supervisor struct {
	Log *zap.Logger

	Config    config.Config
	Manager   *slot.Manager
	Passwords *password.Store
	Broadcast *broadcast.Server
	Pad       *padserver.Server
	Admin     *adminserver.Server

	mu          sync.Mutex
	padListener net.Listener
	padRunning  bool
}

// New builds a fully wired Supervisor from cfg, creating the device
// factory appropriate to the host (Linux uinput, or an in-memory fake
// elsewhere) and every component above it.
func New(cfg config.Config, log *zap.Logger) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	factory := device.NewRetryingFactory(device.NewLinuxFactory(), log)
	passwords := password.New(cfg.PasswordFilePath, cfg.SlotCount)
	passwords.Log = log
	manager := slot.NewManager(cfg.SlotCount, passwords, factory, cfg.Cooldown())
	bc := broadcast.NewServer()
	bc.Log = log

	s := &Supervisor{
		Log:       log,
		Config:    cfg,
		Manager:   manager,
		Passwords: passwords,
		Broadcast: bc,
	}
	s.Pad = padserver.New(manager, bc, cfg.HeartbeatInterval())
	s.Pad.Log = log
	s.Admin = adminserver.New(s, manager, passwords, bc, cfg.AdminSocketPath, cfg.AdminGroup)
	s.Admin.Log = log
	return s
}

// Start brings the pad-connection listener up. It implements
// adminserver.PadController so the admin protocol can drive it.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.padRunning {
		return fmt.Errorf("supervisor: pad server already running")
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.Config.PadPort))
	if err != nil {
		return fmt.Errorf("supervisor: listen pad port: %w", err)
	}
	ln = netutil.LimitListener(ln, s.Config.MaxConnections)
	s.padListener = ln
	s.padRunning = true
	go func() {
		if err := s.Pad.Serve(ln); err != nil {
			s.Log.Warn("pad server exited", zap.Error(err))
		}
	}()
	return nil
}

// Stop brings the pad-connection listener down and force-releases
// every slot, per spec.md §4.2's termination contract.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.padRunning {
		return fmt.Errorf("supervisor: pad server not running")
	}
	err := s.Pad.Stop()
	// Pad.Stop only knows the listener once Serve has registered it;
	// closing it here as well covers a Stop that follows Start at once.
	_ = s.padListener.Close()
	s.Manager.ReleaseAll()
	s.padRunning = false
	s.padListener = nil
	return err
}

// IsRunning reports whether the pad listener is currently accepting.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.padRunning
}

// Run brings up the broadcast and admin listeners (always-on, per
// spec.md §4.3/§4.4), starts the pad listener so a client can connect
// the moment the process is up (matching main_server.py's
// server_activate boot sequence), and runs the heartbeat sweep,
// blocking until ctx is canceled. server:start/server:stop remain
// available afterward as the runtime toggle.
func (s *Supervisor) Run(ctx context.Context) error {
	broadcastLn, err := net.Listen("tcp", fmt.Sprintf(":%d", s.Config.BroadcastPort))
	if err != nil {
		return fmt.Errorf("supervisor: listen broadcast port: %w", err)
	}
	broadcastLn = netutil.LimitListener(broadcastLn, s.Config.MaxConnections)

	adminLn, err := s.Admin.Listen()
	if err != nil {
		broadcastLn.Close()
		return fmt.Errorf("supervisor: listen admin socket: %w", err)
	}

	if err := s.Start(); err != nil {
		broadcastLn.Close()
		_ = s.Admin.Stop()
		return fmt.Errorf("supervisor: starting pad server: %w", err)
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return s.Broadcast.Serve(broadcastLn) })
	group.Go(func() error { return s.Admin.Serve(adminLn) })
	group.Go(func() error { return s.sweepHeartbeat(gctx) })

	<-gctx.Done()
	s.Log.Info("shutting down")
	s.Broadcast.Close()
	_ = broadcastLn.Close()
	_ = s.Admin.Stop()
	if s.IsRunning() {
		_ = s.Stop()
	}
	return group.Wait()
}

// sweepHeartbeat runs SlotManager.Heartbeat() once a second, the
// slot-manager sweep task of spec.md §5, reclaiming RECENTLY_USED
// slots whose cooldown has elapsed.
func (s *Supervisor) sweepHeartbeat(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Manager.Heartbeat()
		}
	}
}
