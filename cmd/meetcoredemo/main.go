// Command meetcoredemo wires the engine to a configured signaling server
// end to end: a single root command reading flags/config and running
// until interrupted. It answers any incoming call and can place a call
// or join a group on connect.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/virtco/meetcore/internal/call"
	"github.com/virtco/meetcore/internal/config"
	"github.com/virtco/meetcore/internal/engine"
	"github.com/virtco/meetcore/internal/events"
	"github.com/virtco/meetcore/internal/logger"
	"github.com/virtco/meetcore/internal/p2p"
	"github.com/virtco/meetcore/internal/peer"
	"github.com/virtco/meetcore/internal/transport"
)

func main() {
	root := &cobra.Command{
		Use:   "meetcoredemo",
		Short: "reference wiring for the meetcore signaling engine",
		RunE:  run,
	}

	root.Flags().String("config", "", "path to a JSON or YAML Options file")
	root.Flags().String("connect-endpoint", "http://localhost:8080/connect", "bootstrap connect endpoint")
	root.Flags().String("turn-endpoint", "http://localhost:8080/turn", "TURN credential refresh endpoint")
	root.Flags().String("auth-mode", "user", "bootstrap form field name for the identifier")
	root.Flags().String("identifier", "", "local user identifier to authenticate as")
	root.Flags().String("call", "", "place a call to this user id on connect")
	root.Flags().String("group", "", "join this group id on connect")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	opts := config.Defaults(config.Options{})
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		opts = config.Defaults(loaded)
	}

	connectEndpoint, _ := cmd.Flags().GetString("connect-endpoint")
	turnEndpoint, _ := cmd.Flags().GetString("turn-endpoint")
	authMode, _ := cmd.Flags().GetString("auth-mode")
	identifier, _ := cmd.Flags().GetString("identifier")
	callTarget, _ := cmd.Flags().GetString("call")
	groupTarget, _ := cmd.Flags().GetString("group")

	boot := transport.NewBootstrapper(connectEndpoint, turnEndpoint)
	boot.AuthType = opts.AuthorizationType
	boot.AuthValue = opts.AuthorizationValue

	client := transport.NewClient(opts, boot)
	client.AuthMode = authMode
	client.Identifier = identifier

	session := call.NewSession()
	provider := peer.NewPionProvider()
	callEngine := call.NewEngine(session, client, provider)
	callEngine.LocalSDPTransform = opts.LocalSDPTransform
	callEngine.RemoteSDPTransform = opts.RemoteSDPTransform

	p2pCtrl := p2p.New(provider)
	ctrl := engine.New(client, callEngine, p2pCtrl)

	ctrl.Events.On(events.StateChanged, func(payload any) {
		sc := payload.(events.StateChangedPayload)
		logger.Info("connection state changed", "state", sc.State, "connected", sc.Connected)

		if sc.Connected && (callTarget != "" || groupTarget != "") {
			go func() {
				if callTarget != "" {
					if _, err := callEngine.DoCall(context.Background(), callTarget); err != nil {
						logger.Warn("demo: doCall failed", "target", callTarget, "err", err)
					}
				}
				if groupTarget != "" {
					if _, err := callEngine.DoGroup(context.Background(), groupTarget); err != nil {
						logger.Warn("demo: doGroup failed", "target", groupTarget, "err", err)
					}
				}
			}()
		}
	})
	ctrl.Events.On(events.IncomingCall, func(payload any) {
		cp := payload.(events.CallPayload)
		logger.Info("incoming call", "user", cp.User)
		go func() {
			if err := callEngine.DoAnswer(context.Background(), cp.User); err != nil {
				logger.Warn("demo: doAnswer failed", "user", cp.User, "err", err)
			}
		}()
	})
	ctrl.Events.On(events.Hangup, func(payload any) {
		cp := payload.(events.CallPayload)
		logger.Info("call hung up", "user", cp.User, "reason", cp.Reason)
	})
	ctrl.Events.On(events.RemoteTrack, func(payload any) {
		mp := payload.(events.MediaPayload)
		logger.Info("remote track", "user", mp.User)
	})
	ctrl.Events.On(events.ICEStateChange, func(payload any) {
		cp := payload.(events.ConnStatePayload)
		logger.Info("ice state", "user", cp.User, "state", cp.State)
	})
	ctrl.Events.On(events.Error, func(payload any) {
		ep := payload.(events.ErrorPayload)
		logger.Error("engine error", "code", ep.Code, "msg", ep.Message)
	})

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- client.Run(sigCtx) }()

	select {
	case <-sigCtx.Done():
		logger.Info("shutting down")
		client.Close()
		return nil
	case err := <-errCh:
		return err
	}
}
