package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"chatcall-backend/internal/domain"
	"chatcall-backend/internal/peer"
)

var callOpts struct {
	chat     string
	to       string
	kind     string
	duration time.Duration
}

var callCMD = &cobra.Command{
	Use:   "call",
	Short: "place a call and hang up after --duration",
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID, err := uuid.Parse(callOpts.chat)
		if err != nil {
			return fmt.Errorf("invalid --chat: %w", err)
		}
		recipient, err := uuid.Parse(callOpts.to)
		if err != nil {
			return fmt.Errorf("invalid --to: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := connect(ctx)
		if err != nil {
			return err
		}

		go func() {
			callID, err := a.ctrl.StartCall(ctx, recipient, chatID, domain.CallKind(callOpts.kind))
			if err != nil {
				a.log.Error("Failed to start call", zap.Error(err))
				stop()
				return
			}
			a.log.Info("Calling", zap.String("call_id", callID.String()))
		}()

		return a.run(ctx, func(u peer.Update) bool {
			switch u.Outcome {
			case peer.OutcomeConnected:
				time.AfterFunc(callOpts.duration, func() {
					endCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = a.ctrl.EndActive(endCtx)
				})
			case peer.OutcomeNone, peer.OutcomeRinging:
			default:
				return false
			}
			return true
		})
	},
}

func init() {
	flags := callCMD.Flags()
	flags.StringVar(&callOpts.chat, "chat", "", "chat id")
	flags.StringVar(&callOpts.to, "to", "", "recipient user id")
	flags.StringVar(&callOpts.kind, "type", string(domain.CallKindVoice), "voice or video")
	flags.DurationVar(&callOpts.duration, "duration", 30*time.Second, "how long to stay connected")
	_ = callCMD.MarkFlagRequired("chat")
	_ = callCMD.MarkFlagRequired("to")
	rootCMD.AddCommand(callCMD)
}
