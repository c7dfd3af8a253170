package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"chatcall-backend/internal/peer"
)

var listenOpts struct {
	reject bool
}

var listenCMD = &cobra.Command{
	Use:   "listen",
	Short: "wait for calls and answer them",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := connect(ctx)
		if err != nil {
			return err
		}
		a.log.Info("Waiting for calls", zap.Bool("reject", listenOpts.reject))

		return a.run(ctx, func(u peer.Update) bool {
			if u.State != peer.StateIncomingRinging || u.Outcome != peer.OutcomeRinging {
				return true
			}
			// answer off the update loop; the controller replies through it
			go func() {
				opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
				defer cancel()
				var err error
				if listenOpts.reject {
					err = a.ctrl.RejectIncoming(opCtx)
				} else {
					err = a.ctrl.AcceptIncoming(opCtx)
				}
				if err != nil {
					a.log.Warn("Failed to answer call", zap.String("call_id", u.CallID.String()), zap.Error(err))
				}
			}()
			return true
		})
	},
}

func init() {
	listenCMD.Flags().BoolVar(&listenOpts.reject, "reject", false, "decline every call instead of answering")
	rootCMD.AddCommand(listenCMD)
}
