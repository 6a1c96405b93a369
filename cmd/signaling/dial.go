package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mossy-p/counsel-signaling/config"
	"github.com/mossy-p/counsel-signaling/internal/callstate"
	"github.com/mossy-p/counsel-signaling/internal/logging"
	"github.com/mossy-p/counsel-signaling/internal/media"
	"github.com/mossy-p/counsel-signaling/internal/peer"
	"github.com/mossy-p/counsel-signaling/internal/redis"
	"github.com/mossy-p/counsel-signaling/internal/session"
	"github.com/mossy-p/counsel-signaling/internal/signaling"
)

var dialOpts struct {
	sessionID     string
	participantID string
	audio         bool
	video         bool
	leave         bool
	timeout       time.Duration
}

var dialCmd = &cobra.Command{
	Use:   "dial",
	Short: "Join a call as a headless participant sending silence",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDial(cmd.Context())
	},
}

func init() {
	f := dialCmd.Flags()
	f.StringVar(&dialOpts.sessionID, "session", "", "counseling session id (required)")
	f.StringVar(&dialOpts.participantID, "participant", "", "participant id, random when empty")
	f.BoolVar(&dialOpts.audio, "audio", true, "send an audio track")
	f.BoolVar(&dialOpts.video, "video", false, "send a video track")
	f.BoolVar(&dialOpts.leave, "leave", false, "leave on exit instead of ending the call for both sides")
	f.DurationVar(&dialOpts.timeout, "timeout", 0, "hang up after this long; 0 waits for a signal")
	_ = dialCmd.MarkFlagRequired("session")
}

func runDial(parent context.Context) error {
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if dialOpts.timeout > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, dialOpts.timeout)
		defer stop()
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.IsProduction())
	if err != nil {
		return err
	}
	defer logger.Sync()

	rdb, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	participant := dialOpts.participantID
	if participant == "" {
		participant = uuid.NewString()
	}

	api, err := peer.NewAPI(false)
	if err != nil {
		return err
	}
	ctrl := session.NewController(
		signaling.NewStore(rdb, cfg.CallTTL, logger),
		media.NewSyntheticDevices(),
		peer.Config{API: api, ICEServers: stunServers(cfg.ICE)},
		logger,
	)

	ended := make(chan callstate.Status, 1)
	unsubscribe := ctrl.Store().OnChange(func(st callstate.State) {
		if st.Status.Terminal() {
			select {
			case ended <- st.Status:
			default:
			}
		}
	})
	defer unsubscribe()

	if err := ctrl.Start(ctx, session.Request{
		SessionID:     dialOpts.sessionID,
		ParticipantID: participant,
		Constraints:   media.Constraints{Audio: dialOpts.audio, Video: dialOpts.video},
	}); err != nil {
		ctrl.Reset()
		return fmt.Errorf("start call: %w", err)
	}

	pumpCtx, stopPump := context.WithCancel(ctx)
	defer stopPump()
	go media.PumpSilence(pumpCtx, ctrl.Store().Snapshot().LocalStream)

	// A disconnect without a remote hangup means the other participant
	// restarted; rejoin so both sides negotiate afresh.
wait:
	for {
		select {
		case <-ctx.Done():
			break wait
		case status := <-ended:
			if !ctrl.Store().Status().Terminal() {
				// stale notification from before the last rejoin
				continue
			}
			if status == callstate.StatusDisconnected && !ctrl.RemoteEnded() {
				logger.Info("peer restarted, rejoining", zap.String("session_id", dialOpts.sessionID))
				if err := ctrl.Retry(ctx); err != nil {
					logger.Warn("rejoin failed", zap.Error(err))
					break wait
				}
				go media.PumpSilence(pumpCtx, ctrl.Store().Snapshot().LocalStream)
				continue
			}
			logger.Info("call ended", zap.String("status", string(status)), zap.Error(ctrl.Store().Snapshot().Error))
			break wait
		}
	}

	// ctx may already be cancelled by the signal that ended the call.
	exitCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()

	if dialOpts.leave {
		err = ctrl.Leave(exitCtx)
	} else {
		err = ctrl.Hangup(exitCtx)
	}
	if errors.Is(err, session.ErrNoCall) {
		return nil
	}
	return err
}

func stunServers(cfg config.ICEConfig) []webrtc.ICEServer {
	if len(cfg.STUNURLs) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: cfg.STUNURLs}}
}
