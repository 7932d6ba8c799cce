package internal

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"

	"github.com/podcraft/manage/internal/backup"
	"github.com/podcraft/manage/internal/console"
	"github.com/podcraft/manage/internal/core"
	"github.com/podcraft/manage/internal/core/data"
	"github.com/podcraft/manage/internal/core/debug"
	"github.com/podcraft/manage/internal/gateway"
	"github.com/podcraft/manage/internal/query"
	"github.com/podcraft/manage/internal/rcon"
	"github.com/podcraft/manage/internal/web"
)

// rconWaitTimeout is how long the controller waits for the game server's
// remote console to come up before giving up.
const rconWaitTimeout = 2 * time.Minute

// Controller is the main entrypoint for manage. It's responsible for
// initializing any shared resources (such as database and logging), wiring
// the management handlers to the gateway, and launching the web host.
type Controller struct {
	Config *core.Config

	logger *logrus.Logger
	wg     sync.WaitGroup
}

func (c *Controller) Start(ctx context.Context) error {
	var err error
	// Set up the logger, which will be used by all components.
	c.logger, err = core.NewLogger(c.Config)
	if err != nil {
		return fmt.Errorf("error initializing logger: %w", err)
	}

	if c.Config.Debugging.PprofEnabled {
		debug.StartPprofServer(c.logger, c.Config.Debugging.PprofPort)
	}

	if err := data.Initialize(c.Config.DatabaseURL(), c.Config.Debugging.DatabaseLoggingEnabled); err != nil {
		return fmt.Errorf("error initializing snapshot catalog: %w", err)
	}
	defer func() {
		if err := data.Shutdown(); err != nil {
			c.logger.Errorf("error closing snapshot catalog: %v", err)
		}
	}()

	// Wait for the game server's remote console before accepting any work
	// that depends on it.
	if err := c.waitForRcon(ctx); err != nil {
		return err
	}

	host, err := c.declareHost()
	if err != nil {
		return err
	}

	if err := host.Start(ctx, &c.wg); err != nil {
		return fmt.Errorf("error starting web host: %w", err)
	}
	c.wg.Wait()
	return nil
}

// waitForRcon polls the remote console port until it accepts a connection.
// The game server can take a while to bind it on a cold start, so retries
// back off rather than hammering the port.
func (c *Controller) waitForRcon(ctx context.Context) error {
	addr := c.Config.RconAddress()
	c.logger.Infof("waiting for remote console on %s", addr)

	retry := &backoff.Backoff{
		Min:    time.Second,
		Max:    10 * time.Second,
		Jitter: true,
	}
	deadline := time.NewTimer(rconWaitTimeout)
	defer deadline.Stop()

	for {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			conn.Close()
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("timed out waiting for remote console on %s", addr)
		case <-time.After(retry.Duration()):
		}
	}
}

// openSession dials and authenticates one rcon session.
func (c *Controller) openSession(ctx context.Context) (*rcon.Client, error) {
	client, err := rcon.Dial(ctx, c.Config.RconAddress(), c.logger)
	if err != nil {
		return nil, err
	}
	if c.Config.Rcon.Terminator != "" {
		client.Terminator = c.Config.Rcon.Terminator
	}
	client.Debug = c.Config.Debugging.PacketLoggingEnabled

	if err := client.Login(ctx, c.Config.Rcon.Password); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// declareHost wires up all of the management handlers and the gateway they
// sit behind.
func (c *Controller) declareHost() (*web.Host, error) {
	properties, err := query.NewProperties(c.Config.Game.PropertiesFile, c.logger)
	if err != nil {
		return nil, fmt.Errorf("error watching %s: %w", c.Config.Game.PropertiesFile, err)
	}
	queryHandler := query.NewHandler(properties, c.Config.Hostname, c.logger)

	scheduler := &backup.Scheduler{
		Logger: c.logger,
		OpenSession: func(ctx context.Context) (backup.Session, error) {
			return c.openSession(ctx)
		},
		DB:          data.Database(),
		WorldDir:    c.Config.Game.WorldDir,
		SnapshotDir: c.Config.Backup.SnapshotDir,
		Interval:    c.Config.Backup.Interval,
	}

	consoleHandler := console.NewHandler(func(ctx context.Context) (console.Session, error) {
		return c.openSession(ctx)
	}, c.logger)

	routes := []gateway.Route{
		{Family: gateway.FamilyHTTP, Prefix: "/status", Handler: queryHandler},
		{Family: gateway.FamilyHTTP, Prefix: "/snapshots", Handler: scheduler},
		{Family: gateway.FamilyWebSocket, Prefix: "/console", Handler: consoleHandler},
	}
	fallbacks := map[gateway.Family]gateway.Handler{
		gateway.FamilyHTTP:      gateway.NotFoundHandler(),
		gateway.FamilyWebSocket: gateway.CloseHandler(),
	}

	gw := &gateway.Gateway{
		Router: gateway.NewRouter(routes, fallbacks, c.logger),
		Lifespan: &gateway.Lifespan{
			Participants: []gateway.Participant{
				{Name: "query", Handler: queryHandler.Lifespan()},
				{Name: "backup", Handler: scheduler.Lifespan()},
			},
			Logger: c.logger,
		},
		Logger: c.logger,
	}

	return web.NewHost(c.Config.WebAddress(), gw, c.logger), nil
}
