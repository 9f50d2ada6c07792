// Package runtime wires the core packages (reactor, gateway, mapper)
// against a real net.Conn, the "external byte-bus collaborator" the
// core packages themselves stay agnostic of. It is the thin host-side
// shell cmd/emc-hostd and cmd/emc-userd run.
package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/emcnet/emc-core/internal/config"
	"github.com/emcnet/emc-core/internal/gateway"
	"github.com/emcnet/emc-core/internal/hostinfo"
	"github.com/emcnet/emc-core/internal/housekeeping"
	"github.com/emcnet/emc-core/internal/mapper"
	"github.com/emcnet/emc-core/internal/reactor"
	"github.com/emcnet/emc-core/internal/stage"
	"github.com/emcnet/emc-core/internal/transport"
)

// syncInterval is how often a session's reactor ticks its stages'
// internal timers while idle.
const syncInterval = time.Second

// connTransmitter adapts an io.Writer (possibly rate-limited) to
// gateway.Transmitter.
type connTransmitter struct {
	w io.Writer
}

func (c *connTransmitter) Transmit(data []byte) (int, error) {
	return c.w.Write(data)
}

// ServeHost accepts connections on ln and runs one reactor/gateway/mapper
// session per connection until ctx is cancelled.
func ServeHost(ctx context.Context, ln net.Listener, cfg *config.Config, logger *slog.Logger) error {
	logStartup(ctx, logger, "host")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}
		go runSession(ctx, conn, cfg, logger, reactor.RoleHost)
	}
}

// DialUser dials addr and runs one reactor/gateway/mapper session until
// the connection drops or ctx is cancelled.
func DialUser(ctx context.Context, network, addr string, cfg *config.Config, logger *slog.Logger) error {
	logStartup(ctx, logger, "user")

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	runSession(ctx, conn, cfg, logger, reactor.RoleUser)
	return nil
}

// warnIfMapperTuningDiffers flags a config file that asks for device/stream
// table limits the mapper's fixed-size arrays cannot actually provide.
// mapper.New takes no tuning of its own: DeviceCountMax, StreamCountMax and
// the chid range are compile-time array bounds, not runtime parameters, so
// a mismatched config.yaml silently gets the compiled-in limits instead of
// the ones it asked for.
func warnIfMapperTuningDiffers(logger *slog.Logger, want config.MapperTuning) {
	got := config.MapperTuning{
		DeviceCountMax: mapper.DeviceCountMax,
		StreamCountMax: mapper.StreamCountMax,
		ChidMin:        mapper.ChidMin,
		ChidMax:        mapper.ChidMax,
	}
	if want != got {
		logger.Warn("mapper tuning in config does not match compiled-in table limits, compiled-in limits apply",
			"configured", want, "compiled", got)
	}
}

func logStartup(ctx context.Context, logger *slog.Logger, role string) {
	snap := hostinfo.Collect(ctx)
	logger.Info("emc runtime starting",
		"role", role,
		"cpu_count", snap.CPUCount,
		"mem_total", snap.TotalMemory,
		"uptime_s", snap.UptimeSecond,
	)
}

// runSession builds one reactor with a gateway and mapper attached,
// wires the connection's DSCP marking and outbound rate limit, starts a
// housekeeping scheduler against the reactor, and pumps bytes between
// the connection and the gateway until it disconnects.
func runSession(ctx context.Context, conn net.Conn, cfg *config.Config, logger *slog.Logger, role reactor.Role) {
	defer conn.Close()
	sessionLog := logger.With("peer", conn.RemoteAddr().String())

	if cfg.Gateway.DSCP != "" {
		if dscp, err := transport.ParseDSCP(cfg.Gateway.DSCP); err != nil {
			sessionLog.Warn("invalid dscp config", "error", err)
		} else if err := transport.ApplyDSCP(conn, dscp); err != nil {
			sessionLog.Warn("applying dscp", "error", err)
		}
	}

	var writer io.Writer = conn
	if cfg.Gateway.RateLimitBytes > 0 {
		writer = transport.NewThrottledWriter(ctx, conn, cfg.Gateway.RateLimitBytes)
	}

	warnIfMapperTuningDiffers(sessionLog, cfg.Mapper)

	r := reactor.New(role, stage.RingNetwork)

	gwCfg := gateway.DefaultConfig()
	gwCfg.MTU = cfg.Gateway.MTU
	gwCfg.ReserveMin = cfg.Gateway.QueueSizeMin
	gwCfg.ReserveMax = cfg.Gateway.QueueSizeMax
	gwCfg.WaitTime = cfg.Gateway.MessageWait
	gwCfg.DropTime = cfg.Gateway.MessageDrop
	gwCfg.PingTime = cfg.Gateway.MessagePing
	gwCfg.TripTime = cfg.Gateway.MessageTrip
	gw := gateway.New(gwCfg, &connTransmitter{w: writer})

	m := mapper.New()

	r.Attach(gw)
	if format, err := transport.ParseFormat(cfg.Gateway.TransportFormat); err != nil {
		sessionLog.Warn("invalid transport format, packets pass through unencoded", "error", err)
	} else if format != transport.FormatNone {
		r.Attach(transport.NewStage(format))
	}
	r.Attach(m)
	if !r.Resume() {
		sessionLog.Error("pipeline resume vetoed, closing session")
		return
	}
	defer r.Suspend()

	hk, err := housekeeping.New(r, sessionLog, cfg.Housekeeping.Schedule)
	if err != nil {
		sessionLog.Warn("housekeeping scheduler disabled", "error", err)
	} else {
		hk.Start()
		defer hk.Stop(context.Background())
	}

	sessionLog.Info("session established")
	pumpConnection(ctx, conn, r, gw, sessionLog)
	sessionLog.Info("session ended")
}

// pumpConnection runs two loops: one reads raw bytes off conn and hands
// them over a channel, the other feeds those bytes to the gateway and ticks
// the reactor's Sync on a fixed interval so liveness timers advance even
// while idle. Only the second loop touches the gateway and reactor.
func pumpConnection(ctx context.Context, conn net.Conn, r *reactor.Reactor, gw *gateway.Gateway, logger *slog.Logger) {
	chunks := make(chan []byte)
	readDone := make(chan struct{})
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		defer close(readDone)
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				select {
				case chunks <- append([]byte(nil), buf[:n]...):
				case <-stop:
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-readDone:
			return
		case data := <-chunks:
			gw.Ingest(data)
		case <-ticker.C:
			r.Sync(float32(syncInterval.Seconds()))
			if !gw.Healthy() {
				logger.Warn("gateway unhealthy, ending session")
				return
			}
		}
	}
}
