package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"chatcall-backend/internal/peer"
	"chatcall-backend/internal/signaling"
	"chatcall-backend/pkg/env"
	"chatcall-backend/pkg/jwt"
	"chatcall-backend/pkg/logger"
)

var opts struct {
	api        string
	token      string
	iceServers []string
	logLevel   string
}

var rootCMD = &cobra.Command{
	Use:           "call-agent",
	Short:         "headless call participant",
	Long:          `call-agent signs in with an access token and places or answers calls against the call service.`,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.Init(&logger.Config{Level: opts.logLevel, Format: "text", Output: "stdout"}); err != nil {
			return err
		}
		if opts.token == "" {
			return fmt.Errorf("an access token is required (--token or CALL_AGENT_TOKEN)")
		}
		return nil
	},
}

func init() {
	flags := rootCMD.PersistentFlags()
	flags.StringVar(&opts.api, "api", env.GetString("CALL_SERVICE_URL", "http://localhost:8083"), "call service base URL")
	flags.StringVar(&opts.token, "token", env.GetStringFromFile("CALL_AGENT_TOKEN", ""), "access token")
	flags.StringSliceVar(&opts.iceServers, "ice-servers", env.GetStringSlice("ICE_SERVERS", []string{peer.DefaultSTUNServer}), "STUN/TURN server URLs")
	flags.StringVar(&opts.logLevel, "log-level", env.GetString("LOG_LEVEL", "info"), "debug, info, warn or error")
}

// agent is one connected controller with its signaling socket
type agent struct {
	ctrl     *peer.Controller
	api      *peer.APIClient
	signaler *peer.WSSignaler
	log      *zap.Logger
}

func signalingURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid --api: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/ws/signaling"
	return u.String(), nil
}

func connect(ctx context.Context) (*agent, error) {
	self, err := jwt.UnverifiedUserID(opts.token)
	if err != nil {
		return nil, err
	}
	lg := logger.With(zap.String("user_id", self.String()))

	wsURL, err := signalingURL(opts.api)
	if err != nil {
		return nil, err
	}
	signaler, err := peer.DialSignaling(ctx, wsURL, opts.token, lg)
	if err != nil {
		return nil, err
	}

	api := peer.NewAPIClient(opts.api, opts.token)
	backend := peer.NewPionBackend(peer.PionConfig{ICEServers: opts.iceServers}, lg)
	return &agent{
		ctrl:     peer.NewController(self, signaler, api, backend, peer.WithLogger(lg)),
		api:      api,
		signaler: signaler,
		log:      lg,
	}, nil
}

// run drives the controller and the socket until ctx ends or either stops,
// handing every update to onUpdate
func (a *agent) run(ctx context.Context, onUpdate func(peer.Update) bool) error {
	defer a.signaler.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.ctrl.Run(gctx) })
	g.Go(func() error {
		if err := a.signaler.Run(gctx, func(msg *signaling.Message) { a.ctrl.HandleSignal(msg) }); err != nil {
			return err
		}
		cancel()
		return nil
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case u := <-a.ctrl.Updates():
				a.log.Info("Call update",
					zap.String("state", string(u.State)),
					zap.String("outcome", string(u.Outcome)),
					zap.String("call_id", u.CallID.String()),
					zap.String("track", u.Track),
					zap.Error(u.Err))
				if !onUpdate(u) {
					cancel()
					return nil
				}
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
