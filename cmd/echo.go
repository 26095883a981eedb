package cmd

import (
	"log/slog"

	"github.com/faciet/faciet"
	"github.com/faciet/faciet/config"
	"github.com/faciet/faciet/pubsub"
)

// broadcastChannel carries lines prefixed with '!' to every connected
// client in every worker — the smallest possible cluster pub/sub demo.
const broadcastChannel = "echo.broadcast"

// echoProtocol echoes input back. It doubles as the smoke test for
// timeouts (Ping), graceful shutdown (OnShutdown) and the pub/sub fabric.
type echoProtocol struct {
	logger *slog.Logger
}

func (e *echoProtocol) Service() string { return "echo" }

func (e *echoProtocol) OnData(rt *faciet.Runtime, u faciet.UUID) {
	buf := make([]byte, 4096)
	for {
		n, err := rt.Read(u, buf)
		if err != nil || n == 0 {
			return
		}
		if buf[0] == '!' {
			_ = rt.Publish(pubsub.PublishOptions{
				Channel:   broadcastChannel,
				Data:      buf[1:n],
				ToCluster: true,
			})
			continue
		}
		_ = rt.WriteCopy(u, buf[:n])
	}
}

func (e *echoProtocol) Ping(rt *faciet.Runtime, u faciet.UUID) {
	_ = rt.WriteCopy(u, []byte("-ping\n"))
}

func (e *echoProtocol) OnShutdown(rt *faciet.Runtime, u faciet.UUID) {
	_ = rt.WriteCopy(u, []byte("-goodbye\n"))
}

func (e *echoProtocol) OnClose(rt *faciet.Runtime, u faciet.UUID) {
	e.logger.Debug("echo client gone", "uuid", uint64(u))
}

// RegisterEcho binds the echo listener on the configured URL.
func RegisterEcho(rt *faciet.Runtime, cfg *config.Config, logger *slog.Logger) error {
	return rt.Listen(faciet.ListenOptions{
		URL: cfg.URL(),
		OnOpen: func(rt *faciet.Runtime, u faciet.UUID) faciet.Protocol {
			p := &echoProtocol{logger: logger}
			_, err := rt.Subscribe(pubsub.SubscribeOptions{
				UUID:    uint64(u),
				Channel: broadcastChannel,
				OnMessage: func(m *pubsub.Message, _ any) {
					_ = rt.WriteCopy(u, m.Data)
				},
			})
			if err != nil {
				logger.Warn("broadcast subscribe failed", "uuid", uint64(u), "err", err)
			}
			return p
		},
		OnStart: func(rt *faciet.Runtime) {
			logger.Info("echo service up", "url", cfg.URL())
		},
	})
}
